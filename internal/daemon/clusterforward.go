package daemon

import (
	"context"
	"time"

	"github.com/yukihamada/solusync-x/internal/cluster"
	"github.com/yukihamada/solusync-x/internal/protocol"
)

// ClusterForwarder pushes what a master/replica node learns about cluster
// membership down to its connected client sessions, since a client never
// joins the gossip topic itself (see clientClusterSink). Peer node_status
// updates forward as soon as the View observes them; the current
// master/term is polled on a fixed cadence rather than pushed on every
// election tick, since §4.5's election settles within one gather window and
// clients only need eventual, not immediate, knowledge of the winner.
type ClusterForwarder struct {
	broker *Broker
	view   *cluster.View
	node   *cluster.Node
	events chan cluster.ViewEvent
}

// NewClusterForwarder returns a forwarder relaying view and node updates to
// broker's registered sessions. It subscribes to view immediately, so
// updates observed before Run starts are still forwarded.
func NewClusterForwarder(broker *Broker, view *cluster.View, node *cluster.Node) *ClusterForwarder {
	return &ClusterForwarder{broker: broker, view: view, node: node, events: view.Subscribe()}
}

// Run drives the forwarder until ctx is cancelled.
func (f *ClusterForwarder) Run(ctx context.Context, pollInterval time.Duration) {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	events := f.events
	defer f.view.Unsubscribe(events)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var lastMaster string
	var lastTerm uint64

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if evt.Type != "update" || evt.Peer == nil {
				continue
			}
			st := evt.Peer.Status
			f.broker.Broadcast(protocol.WrapNodeStatus(protocol.NodeStatus{
				Header:           protocol.NewHeader(evt.NodeID, 0),
				NodeType:         st.NodeType,
				ConnectedClients: st.ConnectedClients,
				CPU:              st.CPU,
				Mem:              st.Mem,
				Battery:          st.Battery,
				NetQuality:       st.NetQuality,
				AvgRTT:           st.AvgRTT,
				Loss:             st.Loss,
			}))
		case <-ticker.C:
			master := f.node.CurrentMaster()
			term := f.node.Term()
			if master == lastMaster && term == lastTerm {
				continue
			}
			lastMaster, lastTerm = master, term
			f.broker.Broadcast(protocol.WrapMasterElection(protocol.MasterElection{
				Header:        protocol.NewHeader(master, 0),
				CurrentMaster: &master,
				Term:          term,
			}))
		}
	}
}
