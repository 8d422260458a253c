package cluster

import (
	"sort"
	"sync"
	"time"

	"github.com/yukihamada/solusync-x/internal/protocol"
)

// PeerView is the last-known status of one cluster peer.
type PeerView struct {
	NodeID   string
	Status   protocol.NodeStatus
	Score    float64
	LastSeen time.Time
}

// ViewEvent is emitted to View subscribers on peer change, mirroring the
// teacher's PeerTable event fan-out.
type ViewEvent struct {
	Type   string // "update" | "remove"
	NodeID string
	Peer   *PeerView
}

// View is the cluster health table: every node_status broadcast observed,
// keyed by node_id, plus the score each implies under a fixed weight set.
// Grounded on internal/state/peers.go's PeerTable — same mutex + listener
// fan-out shape, generalized from presence bookkeeping to node_status/score
// bookkeeping.
type View struct {
	mu        sync.Mutex
	weights   Weights
	peers     map[string]PeerView
	listeners []chan ViewEvent
}

// NewView returns an empty cluster view scoring peers with w.
func NewView(w Weights) *View {
	return &View{weights: w, peers: make(map[string]PeerView)}
}

// Upsert records a node_status broadcast from nodeID, observed at seenAt.
func (v *View) Upsert(nodeID string, status protocol.NodeStatus, seenAt time.Time) {
	v.mu.Lock()
	defer v.mu.Unlock()
	pv := PeerView{
		NodeID:   nodeID,
		Status:   status,
		Score:    Score(status, v.weights),
		LastSeen: seenAt,
	}
	v.peers[nodeID] = pv
	v.notifyListeners(ViewEvent{Type: "update", NodeID: nodeID, Peer: &pv})
}

// Remove drops nodeID from the view, e.g. on TRANSPORT_CLOSED.
func (v *View) Remove(nodeID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.peers[nodeID]; !ok {
		return
	}
	delete(v.peers, nodeID)
	v.notifyListeners(ViewEvent{Type: "remove", NodeID: nodeID})
}

// Get returns the last-known view of nodeID, if any.
func (v *View) Get(nodeID string) (PeerView, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	pv, ok := v.peers[nodeID]
	return pv, ok
}

// Snapshot returns a defensive copy of the current table.
func (v *View) Snapshot() map[string]PeerView {
	v.mu.Lock()
	defer v.mu.Unlock()
	cp := make(map[string]PeerView, len(v.peers))
	for k, val := range v.peers {
		cp[k] = val
	}
	return cp
}

// ReplicasByScore returns all nodes currently advertising NodeReplica,
// highest score first, ties broken by lowest node_id — the order §4.5's
// client re-bind logic probes candidates in.
func (v *View) ReplicasByScore() []PeerView {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]PeerView, 0, len(v.peers))
	for _, pv := range v.peers {
		if pv.Status.NodeType == protocol.NodeReplica {
			out = append(out, pv)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].NodeID < out[j].NodeID
	})
	return out
}

// PruneStale removes entries last seen before cutoff — a dead peer that
// stopped broadcasting node_status rather than sending TRANSPORT_CLOSED.
func (v *View) PruneStale(cutoff time.Time) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for id, pv := range v.peers {
		if pv.LastSeen.Before(cutoff) {
			delete(v.peers, id)
			v.notifyListeners(ViewEvent{Type: "remove", NodeID: id})
		}
	}
}

// Subscribe registers a buffered channel for view change notifications.
func (v *View) Subscribe() chan ViewEvent {
	v.mu.Lock()
	defer v.mu.Unlock()
	ch := make(chan ViewEvent, 16)
	v.listeners = append(v.listeners, ch)
	return ch
}

// Unsubscribe removes and closes a previously subscribed channel.
func (v *View) Unsubscribe(ch chan ViewEvent) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i, l := range v.listeners {
		if l == ch {
			close(l)
			v.listeners = append(v.listeners[:i], v.listeners[i+1:]...)
			return
		}
	}
}

func (v *View) notifyListeners(evt ViewEvent) {
	for _, ch := range v.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
}
