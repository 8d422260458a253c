package daemon

import (
	"github.com/yukihamada/solusync-x/internal/cluster"
	"github.com/yukihamada/solusync-x/internal/controlplane"
	"github.com/yukihamada/solusync-x/internal/protocol"
)

// serverHello answers a session's hello handshake on behalf of a master or
// replica node, attaching live cluster membership (§4.4's cluster_info)
// sourced from the election state machine and the gossip-fed peer view.
type serverHello struct {
	nodeID string
	node   *cluster.Node
	view   *cluster.View
}

func newServerHello(nodeID string, node *cluster.Node, view *cluster.View) *serverHello {
	return &serverHello{nodeID: nodeID, node: node, view: view}
}

func (h *serverHello) Hello() protocol.Hello {
	snap := h.view.Snapshot()
	replicaIDs := make([]string, 0, len(snap))
	for id, peer := range snap {
		if peer.Status.NodeType == protocol.NodeReplica {
			replicaIDs = append(replicaIDs, id)
		}
	}

	masterID := h.node.CurrentMaster()
	selfType := protocol.NodeReplica
	if h.node.State() == cluster.Leader {
		selfType = protocol.NodeMaster
		masterID = h.nodeID
	}

	return protocol.Hello{
		ProtocolVersion: controlplane.ProtocolVersion,
		NodeType:        selfType,
		ClusterInfo: &protocol.ClusterInfo{
			MasterID:   masterID,
			ReplicaIDs: replicaIDs,
			Term:       h.node.Term(),
		},
	}
}

// clientHello answers a client's own outbound hello with no cluster_info of
// its own to offer; it exists only so the wsClient dial path can reuse the
// same HelloResponder-shaped handshake as a server session.
type clientHello struct {
	nodeID string
}

func (h *clientHello) Hello() protocol.Hello {
	return protocol.Hello{
		ProtocolVersion: controlplane.ProtocolVersion,
		NodeType:        protocol.NodeClient,
	}
}
