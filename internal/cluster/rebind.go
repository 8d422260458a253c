package cluster

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/yukihamada/solusync-x/internal/protocol"
)

// ErrNoReachableMaster is returned when every known replica was probed and
// none answered as a master at a term new enough to trust.
var ErrNoReachableMaster = errors.New("cluster: no reachable master among known replicas")

// ProbeResult is what probing a candidate node reveals about its current
// role and term.
type ProbeResult struct {
	NodeType protocol.NodeType
	Term     uint64
}

// ProbeFunc contacts nodeID (a hello handshake over whatever transport the
// caller owns) and reports its role/term, or an error if unreachable.
type ProbeFunc func(ctx context.Context, nodeID string) (ProbeResult, error)

// Rebinder implements §4.5's client re-bind: on detecting master
// unreachability, buffer outbound commands and probe known replicas in
// order of last-advertised score until one answers as master with
// term >= last_seen_term. The disciplined clock is never reset here — the
// caller's syncdriver.Session simply issues a fresh probe to the new master
// once Rebind returns, and the EMA reconverges on its own.
type Rebinder struct {
	view  *View
	probe ProbeFunc

	mu           sync.Mutex
	lastSeenTerm uint64
	buffered     []protocol.MediaControl
}

// NewRebinder returns a Rebinder that consults view for candidate ordering
// and uses probe to test reachability/role of each candidate in turn.
func NewRebinder(view *View, probe ProbeFunc) *Rebinder {
	return &Rebinder{view: view, probe: probe}
}

// ObserveTerm records the highest term seen from a trusted master so a
// future rebind only accepts a replacement at least that current.
func (r *Rebinder) ObserveTerm(term uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if term > r.lastSeenTerm {
		r.lastSeenTerm = term
	}
}

// Buffer queues an outbound command issued while no master is reachable.
func (r *Rebinder) Buffer(msg protocol.MediaControl) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buffered = append(r.buffered, msg)
}

// Drain returns and clears all buffered commands, in the order they were
// buffered, for replay against the newly bound master.
func (r *Rebinder) Drain() []protocol.MediaControl {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.buffered
	r.buffered = nil
	return out
}

// Rebind probes known replicas in descending score order and returns the
// node_id of the first one that answers as master at an acceptable term.
func (r *Rebinder) Rebind(ctx context.Context) (string, error) {
	r.mu.Lock()
	lastSeenTerm := r.lastSeenTerm
	r.mu.Unlock()

	for _, candidate := range r.view.ReplicasByScore() {
		result, err := r.probe(ctx, candidate.NodeID)
		if err != nil {
			log.Printf("CLUSTER: rebind probe to %s failed: %v", candidate.NodeID, err)
			continue
		}
		if result.NodeType != protocol.NodeMaster {
			continue
		}
		if result.Term < lastSeenTerm {
			continue
		}
		r.ObserveTerm(result.Term)
		return candidate.NodeID, nil
	}
	return "", ErrNoReachableMaster
}
