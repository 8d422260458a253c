package daemon

import (
	"context"
	"fmt"
	"log"

	"github.com/gorilla/websocket"

	"github.com/yukihamada/solusync-x/internal/cluster"
	"github.com/yukihamada/solusync-x/internal/controlplane"
	"github.com/yukihamada/solusync-x/internal/protocol"
	"github.com/yukihamada/solusync-x/internal/syncdriver"
)

// wsConn wraps a dialed websocket connection with the pieces a client role
// needs to drive it: a Sender for outbound envelopes and a read loop that
// feeds inbound ones to a controlplane.Session.
type wsConn struct {
	conn   *websocket.Conn
	sender syncdriver.Sender
}

type connSender struct {
	conn *websocket.Conn
}

func (s *connSender) Send(_ context.Context, env protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// dialControl opens a websocket to addr and performs the §4.4 handshake,
// returning the connection and the Hello reply so the caller can inspect
// cluster_info before committing to this node as master.
func dialControl(ctx context.Context, addr, nodeID string, seq *uint64) (*wsConn, protocol.Hello, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, addr, nil)
	if err != nil {
		return nil, protocol.Hello{}, fmt.Errorf("daemon: dial %s: %w", addr, err)
	}

	sender := &connSender{conn: conn}
	hello := protocol.Hello{
		Header:          protocol.NewHeader(nodeID, nextSeq(seq)),
		ProtocolVersion: controlplane.ProtocolVersion,
		NodeType:        protocol.NodeClient,
	}
	if err := sender.Send(ctx, protocol.WrapHello(hello)); err != nil {
		conn.Close()
		return nil, protocol.Hello{}, err
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, protocol.Hello{}, fmt.Errorf("daemon: read hello reply: %w", err)
	}
	env, err := protocol.Decode(data)
	if err != nil || env.Hello == nil {
		conn.Close()
		return nil, protocol.Hello{}, fmt.Errorf("daemon: malformed hello reply: %w", err)
	}

	return &wsConn{conn: conn, sender: sender}, *env.Hello, nil
}

func nextSeq(seq *uint64) uint64 {
	*seq++
	return *seq
}

// rebindProbe builds a cluster.ProbeFunc that dials the websocket address
// registered for nodeID (per cfg.Node.ReplicaAddrs), performs the hello
// handshake, and reports the candidate's advertised role and term (§4.5).
// The dialed connection is closed immediately after: Rebind only needs to
// learn who is master now, the caller reconnects properly once it picks a
// winner.
func rebindProbe(nodeID string, addrs map[string]string) cluster.ProbeFunc {
	return func(ctx context.Context, candidateID string) (cluster.ProbeResult, error) {
		addr, ok := addrs[candidateID]
		if !ok {
			return cluster.ProbeResult{}, fmt.Errorf("daemon: no known address for %s", candidateID)
		}

		var seq uint64
		wc, hello, err := dialControl(ctx, addr, nodeID, &seq)
		if err != nil {
			return cluster.ProbeResult{}, err
		}
		defer wc.conn.Close()

		term := uint64(0)
		if hello.ClusterInfo != nil {
			term = hello.ClusterInfo.Term
		}
		log.Printf("DAEMON: rebind probe of %s (%s) reports node_type=%s term=%d", candidateID, addr, hello.NodeType, term)
		return cluster.ProbeResult{NodeType: hello.NodeType, Term: term}, nil
	}
}
