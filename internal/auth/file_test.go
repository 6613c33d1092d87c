package auth

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func writeCreds(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "credentials.toml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFileProvider(t *testing.T) {
	path := writeCreds(t, "access_token = \"tok-1\"\nuser_id = \"u-9\"\n")

	f, err := NewFile(path)
	if err != nil {
		t.Fatal(err)
	}
	tok, err := f.Token(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if tok != "tok-1" || f.CurrentUserID() != "u-9" {
		t.Errorf("token = %q, user = %q", tok, f.CurrentUserID())
	}
}

func TestFileProviderPicksUpRefresh(t *testing.T) {
	path := writeCreds(t, "access_token = \"tok-1\"\nuser_id = \"u-9\"\n")
	f, err := NewFile(path)
	if err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(path, []byte("access_token = \"tok-2\"\nuser_id = \"u-9\"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	tok, err := f.Token(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if tok != "tok-2" {
		t.Errorf("token = %q, want the refreshed value", tok)
	}
}

func TestFileProviderRejectsIncomplete(t *testing.T) {
	path := writeCreds(t, "access_token = \"tok-1\"\n")
	if _, err := NewFile(path); err == nil {
		t.Fatal("missing user_id accepted")
	}
	if _, err := NewFile(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Fatal("missing file accepted")
	}
}
