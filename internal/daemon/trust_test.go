package daemon

import (
	"encoding/base64"
	"testing"

	"golang.org/x/crypto/ed25519"
)

func TestBuildKeyStoreIncludesSelfAndPeers(t *testing.T) {
	selfPub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate self key: %v", err)
	}
	peerPub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate peer key: %v", err)
	}

	peerKeys := map[string]string{
		"peer-1": base64.StdEncoding.EncodeToString(peerPub),
	}

	ks, err := buildKeyStore(peerKeys, "self", selfPub)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, ok := ks.Get("self")
	if !ok || !got.Equal(selfPub) {
		t.Fatalf("expected self key to be recorded under its own node_id")
	}
	got, ok = ks.Get("peer-1")
	if !ok || !got.Equal(peerPub) {
		t.Fatalf("expected peer-1's key to be recorded")
	}
}

func TestBuildKeyStoreRejectsMalformedKey(t *testing.T) {
	selfPub, _, _ := ed25519.GenerateKey(nil)
	peerKeys := map[string]string{"peer-1": "not-base64!!"}

	if _, err := buildKeyStore(peerKeys, "self", selfPub); err == nil {
		t.Fatalf("expected an error for a malformed peer key")
	}
}

func TestBuildKeyStoreRejectsWrongLengthKey(t *testing.T) {
	selfPub, _, _ := ed25519.GenerateKey(nil)
	peerKeys := map[string]string{"peer-1": base64.StdEncoding.EncodeToString([]byte("too-short"))}

	if _, err := buildKeyStore(peerKeys, "self", selfPub); err == nil {
		t.Fatalf("expected an error for a key of the wrong length")
	}
}
