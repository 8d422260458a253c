package daemon

import (
	"time"

	"github.com/yukihamada/solusync-x/internal/cluster"
	"github.com/yukihamada/solusync-x/internal/protocol"
)

// clientClusterSink implements controlplane.ClusterSink for a client
// connection: it has no vote to cast, but it does want to know the
// replica set and their scores so cluster.Rebinder can pick a failover
// candidate without the client ever joining the gossip topic itself.
// Cluster gossip reaches a client only because its master forwards
// node_status/master_election over the same session (§4.4's cluster_info
// is the handshake-time snapshot; this keeps it live in between).
type clientClusterSink struct {
	view     *cluster.View
	rebinder *cluster.Rebinder
	now      func() time.Time
}

func newClientClusterSink(view *cluster.View, rebinder *cluster.Rebinder, now func() time.Time) *clientClusterSink {
	return &clientClusterSink{view: view, rebinder: rebinder, now: now}
}

func (s *clientClusterSink) HandleNodeStatus(fromNodeID string, msg protocol.NodeStatus) {
	s.view.Upsert(fromNodeID, msg, s.now())
}

func (s *clientClusterSink) HandleMasterElection(_ string, msg protocol.MasterElection) {
	s.rebinder.ObserveTerm(msg.Term)
}
