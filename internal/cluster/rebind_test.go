package cluster

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/yukihamada/solusync-x/internal/protocol"
)

func TestRebindProbesInScoreOrderAndStopsAtFirstMaster(t *testing.T) {
	view := NewView(DefaultWeights)
	now := time.Now()
	view.Upsert("node-low", protocol.NodeStatus{NodeType: protocol.NodeReplica, CPU: 0.9, Mem: 0.9, NetQuality: protocol.QualityCritical}, now)
	view.Upsert("node-high", protocol.NodeStatus{NodeType: protocol.NodeReplica, CPU: 0.1, Mem: 0.1, NetQuality: protocol.QualityExcellent}, now)

	var probed []string
	probe := func(_ context.Context, nodeID string) (ProbeResult, error) {
		probed = append(probed, nodeID)
		return ProbeResult{NodeType: protocol.NodeMaster, Term: 1}, nil
	}
	r := NewRebinder(view, probe)

	master, err := r.Rebind(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if master != "node-high" {
		t.Fatalf("expected node-high (higher score) to be probed and bound first, got %q", master)
	}
	if len(probed) != 1 || probed[0] != "node-high" {
		t.Fatalf("expected exactly one probe against the highest-scoring candidate, got %v", probed)
	}
}

func TestRebindSkipsUnreachableAndNonMasterCandidates(t *testing.T) {
	view := NewView(DefaultWeights)
	now := time.Now()
	view.Upsert("node-a", protocol.NodeStatus{NodeType: protocol.NodeReplica, CPU: 0.1, Mem: 0.1, NetQuality: protocol.QualityExcellent}, now)
	view.Upsert("node-b", protocol.NodeStatus{NodeType: protocol.NodeReplica, CPU: 0.5, Mem: 0.5, NetQuality: protocol.QualityFair}, now)
	view.Upsert("node-c", protocol.NodeStatus{NodeType: protocol.NodeReplica, CPU: 0.9, Mem: 0.9, NetQuality: protocol.QualityCritical}, now)

	probe := func(_ context.Context, nodeID string) (ProbeResult, error) {
		switch nodeID {
		case "node-a":
			return ProbeResult{}, errors.New("connection refused")
		case "node-b":
			return ProbeResult{NodeType: protocol.NodeReplica}, nil
		default:
			return ProbeResult{NodeType: protocol.NodeMaster, Term: 1}, nil
		}
	}
	r := NewRebinder(view, probe)

	master, err := r.Rebind(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if master != "node-c" {
		t.Fatalf("expected to fall through to node-c, got %q", master)
	}
}

func TestRebindRejectsStaleTerm(t *testing.T) {
	view := NewView(DefaultWeights)
	view.Upsert("node-a", protocol.NodeStatus{NodeType: protocol.NodeReplica}, time.Now())

	probe := func(_ context.Context, nodeID string) (ProbeResult, error) {
		return ProbeResult{NodeType: protocol.NodeMaster, Term: 2}, nil
	}
	r := NewRebinder(view, probe)
	r.ObserveTerm(5)

	_, err := r.Rebind(context.Background())
	if !errors.Is(err, ErrNoReachableMaster) {
		t.Fatalf("expected ErrNoReachableMaster when candidate's term is behind, got %v", err)
	}
}

func TestRebinderBufferAndDrain(t *testing.T) {
	r := NewRebinder(NewView(DefaultWeights), nil)
	r.Buffer(protocol.MediaControl{TrackID: "t1"})
	r.Buffer(protocol.MediaControl{TrackID: "t2"})

	drained := r.Drain()
	if len(drained) != 2 || drained[0].TrackID != "t1" || drained[1].TrackID != "t2" {
		t.Fatalf("expected buffered commands in order, got %+v", drained)
	}
	if len(r.Drain()) != 0 {
		t.Fatal("expected Drain to clear the buffer")
	}
}
