package cluster

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/yukihamada/solusync-x/internal/protocol"
)

type fakeBroadcaster struct {
	mu   sync.Mutex
	sent []protocol.Envelope
}

func (f *fakeBroadcaster) Broadcast(_ context.Context, env protocol.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeBroadcaster) last() protocol.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[len(f.sent)-1]
}

func (f *fakeBroadcaster) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeStatusSource struct {
	st protocol.NodeStatus
}

func (f fakeStatusSource) Status() protocol.NodeStatus { return f.st }

func newTestNode(nodeID string, score protocol.NodeStatus, broadcaster Broadcaster, view *View) *Node {
	cfg := Config{NodeID: nodeID}
	return NewNode(cfg, broadcaster, fakeStatusSource{st: score}, view, func() time.Time { return time.Unix(0, 0) })
}

var goodStatus = protocol.NodeStatus{CPU: 0.1, Mem: 0.1, NetQuality: protocol.QualityExcellent}

func TestBecomeCandidateIncrementsTermAndBroadcasts(t *testing.T) {
	bc := &fakeBroadcaster{}
	n := newTestNode("node-a", goodStatus, bc, NewView(DefaultWeights))

	n.becomeCandidate(context.Background())

	if n.State() != Candidate {
		t.Fatalf("expected CANDIDATE, got %s", n.State())
	}
	if n.Term() != 1 {
		t.Fatalf("expected term 1, got %d", n.Term())
	}
	env := bc.last()
	if env.Type != protocol.TypeMasterElection || env.MasterElection == nil || env.MasterElection.Term != 1 {
		t.Fatalf("expected a master_election broadcast for term 1, got %+v", env)
	}
}

func TestConcludeElectionSelfWinsBecomesLeader(t *testing.T) {
	bc := &fakeBroadcaster{}
	n := newTestNode("node-a", goodStatus, bc, NewView(DefaultWeights))

	n.becomeCandidate(context.Background())
	n.concludeElection(context.Background())

	if n.State() != Leader {
		t.Fatalf("expected LEADER after winning uncontested election, got %s", n.State())
	}
	if n.CurrentMaster() != "node-a" {
		t.Fatalf("expected self as current master, got %q", n.CurrentMaster())
	}
	env := bc.last()
	if env.Type != protocol.TypeNodeStatus || env.NodeStatus == nil || env.NodeStatus.NodeType != protocol.NodeMaster {
		t.Fatalf("expected a role:master node_status broadcast on promotion, got %+v", env)
	}
}

func TestConcludeElectionLosesToHigherPeerScore(t *testing.T) {
	bc := &fakeBroadcaster{}
	n := newTestNode("node-b", protocol.NodeStatus{CPU: 0.9, Mem: 0.9, NetQuality: protocol.QualityCritical}, bc, NewView(DefaultWeights))

	n.becomeCandidate(context.Background())
	n.HandleMasterElection("node-a", protocol.MasterElection{
		Header:         protocol.Header{NodeID: "node-a"},
		CandidateScore: 0.99,
		Term:           n.Term(),
	})
	n.concludeElection(context.Background())

	if n.State() != Follower {
		t.Fatalf("expected FOLLOWER after losing election, got %s", n.State())
	}
}

func TestHandleMasterElectionAdoptsHigherTerm(t *testing.T) {
	bc := &fakeBroadcaster{}
	n := newTestNode("node-b", goodStatus, bc, NewView(DefaultWeights))
	n.becomeCandidate(context.Background()) // term 1, state Candidate

	n.HandleMasterElection("node-a", protocol.MasterElection{
		Header: protocol.Header{NodeID: "node-a"},
		Term:   5,
	})

	if n.State() != Follower {
		t.Fatalf("expected FOLLOWER after adopting higher term, got %s", n.State())
	}
	if n.Term() != 5 {
		t.Fatalf("expected term to jump to 5, got %d", n.Term())
	}
}

func TestHandleMasterElectionIgnoresStaleTerm(t *testing.T) {
	bc := &fakeBroadcaster{}
	n := newTestNode("node-b", goodStatus, bc, NewView(DefaultWeights))
	n.becomeCandidate(context.Background()) // term 1

	n.HandleMasterElection("node-a", protocol.MasterElection{
		Header: protocol.Header{NodeID: "node-a"},
		Term:   0,
	})

	if n.State() != Candidate || n.Term() != 1 {
		t.Fatalf("expected stale-term message to be ignored, got state %s term %d", n.State(), n.Term())
	}
}

func TestHandleNodeStatusRefreshesCurrentMaster(t *testing.T) {
	bc := &fakeBroadcaster{}
	view := NewView(DefaultWeights)
	n := newTestNode("node-c", goodStatus, bc, view)

	n.HandleNodeStatus("node-master", protocol.NodeStatus{NodeType: protocol.NodeMaster})

	if n.CurrentMaster() != "node-master" {
		t.Fatalf("expected current master to be node-master, got %q", n.CurrentMaster())
	}
	if _, ok := view.Get("node-master"); !ok {
		t.Fatal("expected node_status to also populate the cluster view")
	}
}

func TestLeaderIgnoresOtherMastersNodeStatus(t *testing.T) {
	bc := &fakeBroadcaster{}
	n := newTestNode("node-a", goodStatus, bc, NewView(DefaultWeights))
	n.becomeCandidate(context.Background())
	n.concludeElection(context.Background())
	if n.State() != Leader {
		t.Fatal("expected self to become leader in an uncontested election")
	}

	n.HandleNodeStatus("node-rogue", protocol.NodeStatus{NodeType: protocol.NodeMaster})

	if n.CurrentMaster() != "node-a" {
		t.Fatalf("expected leader to keep trusting itself over an unarbitrated rival, got %q", n.CurrentMaster())
	}
}
