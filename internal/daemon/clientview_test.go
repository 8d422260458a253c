package daemon

import (
	"context"
	"testing"
	"time"

	"github.com/yukihamada/solusync-x/internal/cluster"
	"github.com/yukihamada/solusync-x/internal/protocol"
)

func TestClientClusterSinkUpsertsIntoView(t *testing.T) {
	view := cluster.NewView(cluster.DefaultWeights)
	rebinder := cluster.NewRebinder(view, func(context.Context, string) (cluster.ProbeResult, error) {
		return cluster.ProbeResult{}, nil
	})
	sink := newClientClusterSink(view, rebinder, time.Now)

	sink.HandleNodeStatus("replica-1", protocol.NodeStatus{NodeType: protocol.NodeReplica})

	pv, ok := view.Get("replica-1")
	if !ok {
		t.Fatalf("expected replica-1 to be recorded in the view")
	}
	if pv.Status.NodeType != protocol.NodeReplica {
		t.Fatalf("expected replica-1's status to be preserved, got %v", pv.Status.NodeType)
	}
}

func TestClientClusterSinkObservesElectionTerm(t *testing.T) {
	view := cluster.NewView(cluster.DefaultWeights)
	rebinder := cluster.NewRebinder(view, func(context.Context, string) (cluster.ProbeResult, error) {
		return cluster.ProbeResult{NodeType: protocol.NodeMaster, Term: 5}, nil
	})
	sink := newClientClusterSink(view, rebinder, time.Now)

	sink.HandleMasterElection("master-1", protocol.MasterElection{Term: 7})

	view.Upsert("replica-1", protocol.NodeStatus{NodeType: protocol.NodeReplica}, time.Now())
	if _, err := rebinder.Rebind(context.Background()); err == nil {
		t.Fatalf("expected rebind to reject a candidate reporting a term behind the observed term")
	}
}
