package config

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ed25519"
)

// LoadOrCreateIdentity loads the ed25519 signing key at keyFile, generating
// and persisting a new one on first run. Grounded on internal/p2p/node.go's
// loadOrCreateKey, generalized from a libp2p host identity (marshaled via
// crypto.PrivKey) to the raw ed25519 seed this node uses to sign
// node_status/master_election cluster broadcasts (internal/cluster's
// PubsubBroadcaster).
func LoadOrCreateIdentity(keyFile string) (ed25519.PrivateKey, error) {
	if seed, err := os.ReadFile(keyFile); err == nil {
		if len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("identity: %s has wrong length %d, want %d", keyFile, len(seed), ed25519.SeedSize)
		}
		return ed25519.NewKeyFromSeed(seed), nil
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate key: %w", err)
	}
	seed := priv.Seed()

	if dir := filepath.Dir(keyFile); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("identity: create key directory: %w", err)
		}
	}
	if err := os.WriteFile(keyFile, seed, 0o600); err != nil {
		return nil, fmt.Errorf("identity: save key: %w", err)
	}
	log.Printf("CONFIG: generated new identity key: %s", keyFile)
	return priv, nil
}

// NodeID derives this process's node_id from its ed25519 public key: there
// is no separate identity namespace in the config, so the key pair itself
// is the identity, the way a libp2p host's peer.ID derives from its own
// public key.
func NodeID(pub ed25519.PublicKey) string {
	return base64.RawURLEncoding.EncodeToString(pub)
}
