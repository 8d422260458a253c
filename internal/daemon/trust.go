package daemon

import (
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/ed25519"

	"github.com/yukihamada/solusync-x/internal/cluster"
)

// buildKeyStore loads the operator-provisioned peer trust store
// (cfg.Cluster.PeerKeys) into a cluster.KeyStore, and records selfNodeID's
// own key too — a node verifies its own rebroadcast the same way it
// verifies anyone else's, since cluster.ReceiveLoop only skips messages by
// libp2p peer ID, not by node_id.
func buildKeyStore(peerKeys map[string]string, selfNodeID string, selfPub ed25519.PublicKey) (*cluster.KeyStore, error) {
	ks := cluster.NewKeyStore()
	ks.Set(selfNodeID, selfPub)
	for nodeID, encoded := range peerKeys {
		raw, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("daemon: decode peer key for %s: %w", nodeID, err)
		}
		if len(raw) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("daemon: peer key for %s has wrong length %d, want %d", nodeID, len(raw), ed25519.PublicKeySize)
		}
		ks.Set(nodeID, ed25519.PublicKey(raw))
	}
	return ks, nil
}
