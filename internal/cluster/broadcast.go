package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/yukihamada/solusync-x/internal/protocol"
	"golang.org/x/crypto/ed25519"
)

func init() {
	// Quiet pubsub's own dial/mesh churn logging, same rationale as
	// internal/p2p/node.go's init().
	logging.SetLogLevel("pubsub", "warn")
}

// StatusTopic is the cluster-health gossip topic, replacing the teacher's
// proto.PresenceTopic with a cluster node_status/master_election topic.
const StatusTopic = "/solusync/cluster/status/1.0.0"

// signedEnvelope wraps a wire envelope with an ed25519 signature over its
// encoded bytes, so a replica can't forge node_status or master_election on
// behalf of another node_id (§4.2's identity requirement).
type signedEnvelope struct {
	Envelope  json.RawMessage `json:"envelope"`
	Signature []byte          `json:"signature"`
}

// PubsubBroadcaster publishes signed cluster-gossip envelopes over a
// go-libp2p-pubsub topic. Grounded on internal/p2p/node.go's
// GossipSub/Join/Publish sequence.
type PubsubBroadcaster struct {
	topic   *pubsub.Topic
	signKey ed25519.PrivateKey
}

// NewPubsubBroadcaster joins StatusTopic on h and returns a broadcaster
// plus the subscription ReceiveLoop should drain.
func NewPubsubBroadcaster(ctx context.Context, h host.Host, signKey ed25519.PrivateKey) (*PubsubBroadcaster, *pubsub.Subscription, error) {
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		return nil, nil, fmt.Errorf("cluster: start gossipsub: %w", err)
	}
	topic, err := ps.Join(StatusTopic)
	if err != nil {
		return nil, nil, fmt.Errorf("cluster: join %s: %w", StatusTopic, err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		return nil, nil, fmt.Errorf("cluster: subscribe %s: %w", StatusTopic, err)
	}
	return &PubsubBroadcaster{topic: topic, signKey: signKey}, sub, nil
}

// Broadcast signs and publishes env.
func (b *PubsubBroadcaster) Broadcast(ctx context.Context, env protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	signed := signedEnvelope{Envelope: data, Signature: ed25519.Sign(b.signKey, data)}
	raw, err := json.Marshal(signed)
	if err != nil {
		return err
	}
	return b.topic.Publish(ctx, raw)
}

// KeyStore maps node_id to its ed25519 public key. Keys are added only
// through Set; the daemon fills it once at startup from the configured peer
// keys and the node's own key.
type KeyStore struct {
	mu   sync.RWMutex
	keys map[string]ed25519.PublicKey
}

// NewKeyStore returns an empty KeyStore.
func NewKeyStore() *KeyStore {
	return &KeyStore{keys: make(map[string]ed25519.PublicKey)}
}

// Set records nodeID's public key.
func (k *KeyStore) Set(nodeID string, pub ed25519.PublicKey) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[nodeID] = pub
}

// Get returns nodeID's known public key, if any.
func (k *KeyStore) Get(nodeID string) (ed25519.PublicKey, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	pub, ok := k.keys[nodeID]
	return pub, ok
}

var errUnknownSigner = errors.New("cluster: no known key for envelope's node_id")

// ReceiveLoop drains sub, verifies each message's signature against keys,
// and invokes onEnvelope for every one that checks out. It returns once
// ctx is cancelled or the subscription closes.
func ReceiveLoop(ctx context.Context, sub *pubsub.Subscription, selfPeerID string, keys *KeyStore, onEnvelope func(fromNodeID string, env protocol.Envelope)) {
	for {
		m, err := sub.Next(ctx)
		if err != nil {
			return
		}
		if m.ReceivedFrom.String() == selfPeerID {
			continue
		}
		env, nodeID, err := verifyAndDecode(m.Data, keys)
		if err != nil {
			log.Printf("CLUSTER: dropping gossip message: %v", err)
			continue
		}
		onEnvelope(nodeID, env)
	}
}

func verifyAndDecode(raw []byte, keys *KeyStore) (protocol.Envelope, string, error) {
	var signed signedEnvelope
	if err := json.Unmarshal(raw, &signed); err != nil {
		return protocol.Envelope{}, "", err
	}
	env, err := protocol.Decode(signed.Envelope)
	if err != nil {
		return protocol.Envelope{}, "", err
	}
	nodeID := envelopeNodeID(env)
	pub, ok := keys.Get(nodeID)
	if !ok {
		return protocol.Envelope{}, "", fmt.Errorf("%w: %q", errUnknownSigner, nodeID)
	}
	if !ed25519.Verify(pub, signed.Envelope, signed.Signature) {
		return protocol.Envelope{}, "", fmt.Errorf("cluster: signature verification failed for %q", nodeID)
	}
	return env, nodeID, nil
}

func envelopeNodeID(env protocol.Envelope) string {
	switch env.Type {
	case protocol.TypeNodeStatus:
		if env.NodeStatus != nil {
			return env.NodeStatus.Header.NodeID
		}
	case protocol.TypeMasterElection:
		if env.MasterElection != nil {
			return env.MasterElection.Header.NodeID
		}
	}
	return ""
}
