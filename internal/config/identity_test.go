package config

import (
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/crypto/ed25519"
)

func TestLoadOrCreateIdentityGeneratesThenPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.key")

	first, err := LoadOrCreateIdentity(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(first) != ed25519.PrivateKeySize {
		t.Fatalf("expected a full ed25519 private key, got length %d", len(first))
	}

	second, err := LoadOrCreateIdentity(path)
	if err != nil {
		t.Fatalf("unexpected error on reload: %v", err)
	}
	if !first.Equal(second) {
		t.Fatal("expected reloading the same key file to return the same key")
	}
}

func TestLoadOrCreateIdentityRejectsCorruptSeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.key")
	if err := os.WriteFile(path, []byte("not-a-seed"), 0o600); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if _, err := LoadOrCreateIdentity(path); err == nil {
		t.Fatal("expected a wrong-length seed file to be rejected")
	}
}
