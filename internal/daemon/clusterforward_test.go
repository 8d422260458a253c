package daemon

import (
	"context"
	"testing"
	"time"

	"github.com/yukihamada/solusync-x/internal/cluster"
	"github.com/yukihamada/solusync-x/internal/protocol"
)

type noopBroadcaster struct{}

func (noopBroadcaster) Broadcast(context.Context, protocol.Envelope) error { return nil }

type fixedStatus struct{ st protocol.NodeStatus }

func (f fixedStatus) Status() protocol.NodeStatus { return f.st }

func TestClusterForwarderForwardsPeerUpdates(t *testing.T) {
	view := cluster.NewView(cluster.DefaultWeights)
	node := cluster.NewNode(cluster.Config{NodeID: "self"}, noopBroadcaster{}, fixedStatus{}, view, time.Now)
	broker := NewBroker("self")
	sender := &recordingSender{}
	broker.Register("client-1", sender)

	forwarder := NewClusterForwarder(broker, view, node)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go forwarder.Run(ctx, time.Hour)

	view.Upsert("peer-1", protocol.NodeStatus{NodeType: protocol.NodeReplica}, time.Now())

	deadline := time.After(time.Second)
	for sender.count() == 0 {
		select {
		case <-deadline:
			t.Fatalf("expected a node_status forward within the deadline, got none")
		case <-time.After(time.Millisecond):
		}
	}
}

func TestClusterForwarderPollsMasterChange(t *testing.T) {
	view := cluster.NewView(cluster.DefaultWeights)
	node := cluster.NewNode(cluster.Config{NodeID: "self"}, noopBroadcaster{}, fixedStatus{}, view, time.Now)
	broker := NewBroker("self")
	sender := &recordingSender{}
	broker.Register("client-1", sender)

	forwarder := NewClusterForwarder(broker, view, node)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go forwarder.Run(ctx, 10*time.Millisecond)

	node.HandleNodeStatus("master-1", protocol.NodeStatus{NodeType: protocol.NodeMaster})

	deadline := time.After(time.Second)
	for sender.count() == 0 {
		select {
		case <-deadline:
			t.Fatalf("expected a master_election forward once the poll ticks, got none")
		case <-time.After(time.Millisecond):
		}
	}
}
