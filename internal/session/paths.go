// Package session resolves the per-profile directory layout under
// ~/.gridclient. A profile holds the local device store, logs, and the
// single-instance lock for one account.
package session

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.gridclient.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".gridclient")
}

// Dir returns the profile-specific directory.
func Dir(profile string) string {
	return filepath.Join(BaseDir(), "profiles", profile)
}

// StorePath returns the local device store (drafts, preferences) path.
func StorePath(profile string) string {
	return filepath.Join(Dir(profile), "grid.db")
}

// CredentialsPath returns the profile's credentials file path.
func CredentialsPath(profile string) string {
	return filepath.Join(Dir(profile), "credentials.toml")
}

// LockPath returns the lock file path for a profile.
func LockPath(profile string) string {
	return filepath.Join(Dir(profile), "LOCK")
}

// LogDir returns the log directory for a profile.
func LogDir(profile string) string {
	return filepath.Join(Dir(profile), "logs")
}

// LogPath returns the daemon log file path.
func LogPath(profile string) string {
	return filepath.Join(LogDir(profile), "gridd.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the profile directory tree with owner-only permissions.
func EnsureDir(profile string) error {
	for _, d := range []string{Dir(profile), LogDir(profile)} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
