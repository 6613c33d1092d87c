package auth

import (
	"context"
	"fmt"
	"sync"

	"github.com/BurntSushi/toml"
)

// credentials is the on-disk shape of a profile's credentials file. An
// external login flow writes it; the daemon only reads.
type credentials struct {
	AccessToken string `toml:"access_token"`
	UserID      string `toml:"user_id"`
}

// File is a Provider backed by the profile's credentials file. The file
// is re-read on every token request so a refreshed token is picked up
// without a restart.
type File struct {
	path string

	mu     sync.Mutex
	cached credentials
}

// NewFile creates a file-backed provider and performs an initial read so
// a missing or malformed file fails at startup, not mid-connect.
func NewFile(path string) (*File, error) {
	f := &File{path: path}
	if _, err := f.load(); err != nil {
		return nil, err
	}
	return f, nil
}

// Token returns the current access token from disk.
func (f *File) Token(context.Context) (string, error) {
	creds, err := f.load()
	if err != nil {
		return "", err
	}
	return creds.AccessToken, nil
}

// CurrentUserID returns the user id from the most recent read.
func (f *File) CurrentUserID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cached.UserID
}

func (f *File) load() (credentials, error) {
	var creds credentials
	if _, err := toml.DecodeFile(f.path, &creds); err != nil {
		return credentials{}, fmt.Errorf("read credentials %s: %w", f.path, err)
	}
	if creds.AccessToken == "" || creds.UserID == "" {
		return credentials{}, fmt.Errorf("credentials %s: access_token and user_id are required", f.path)
	}
	f.mu.Lock()
	f.cached = creds
	f.mu.Unlock()
	return creds, nil
}
