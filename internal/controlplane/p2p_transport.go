package controlplane

import (
	"bufio"
	"context"
	"log"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	libp2pprotocol "github.com/libp2p/go-libp2p/core/protocol"

	"github.com/yukihamada/solusync-x/internal/protocol"
	"github.com/yukihamada/solusync-x/internal/syncdriver"
)

// StreamProtoID is the libp2p protocol ID replicas use to exchange the same
// envelopes client endpoints exchange over websocket.
const StreamProtoID = libp2pprotocol.ID("/solusync/control/1.0.0")

// streamSender adapts a network.Stream to syncdriver.Sender, framing each
// envelope as a newline-delimited JSON line.
type streamSender struct {
	w *bufio.Writer
}

func (s *streamSender) Send(_ context.Context, env protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if _, err := s.w.Write(data); err != nil {
		return err
	}
	return s.w.Flush()
}

// P2PServer registers the replica-facing stream handler on a libp2p host
// and runs one Session per stream, grounded on the teacher's
// internal/entangle Manager's SetStreamHandler + line-oriented codec shape.
type P2PServer struct {
	Host           host.Host
	NodeID         string
	LocalNow       func() float64
	Actions        ActionHandler
	Cluster        ClusterSink
	Hello          HelloResponder
	ProbeLimiter   *slidingWindowLimiter
	ControlLimiter *slidingWindowLimiter

	// Heartbeats/HeartbeatInterval/SessionLimiter mirror WSServer's fields
	// of the same name.
	Heartbeats        *HeartbeatMonitor
	HeartbeatInterval time.Duration
	SessionLimiter    *slidingWindowLimiter

	// OnOpen/OnClose mirror WSServer's session lifecycle hooks.
	OnOpen  func(sessionID string, sender syncdriver.Sender)
	OnClose func(sessionID string)
}

// Register installs the stream handler. Call once during node startup.
func (p *P2PServer) Register() {
	p.Host.SetStreamHandler(StreamProtoID, p.handleStream)
}

func (p *P2PServer) handleStream(stream network.Stream) {
	defer stream.Close()

	sessionID := stream.Conn().RemotePeer().String()

	// §4.4's per-source-address session cap, keyed by the dialing peer
	// rather than an IP since libp2p streams don't expose one uniformly.
	if p.SessionLimiter != nil && !p.SessionLimiter.Allow(sessionID, time.Now()) {
		sender := &streamSender{w: bufio.NewWriter(stream)}
		_ = sender.Send(context.Background(), protocol.WrapError(protocol.Error{
			Header:  protocol.NewHeader(p.NodeID, 1),
			Code:    protocol.ErrRateLimited,
			Message: "too many sessions from this peer",
		}))
		return
	}

	sender := &streamSender{w: bufio.NewWriter(stream)}
	sess := NewSession(sessionID, p.NodeID, PerspectiveOrigin, sender, p.LocalNow, nil, p.Actions, p.Cluster, p.Hello, p.ProbeLimiter, p.ControlLimiter)
	defer sess.Close()

	if p.Heartbeats != nil {
		sess.SetHeartbeatMonitor(p.Heartbeats)
		hbCtx, hbCancel := context.WithCancel(context.Background())
		defer hbCancel()
		go watchHeartbeat(hbCtx, p.Heartbeats, sessionID, p.HeartbeatInterval, func() { stream.Close() })
	}

	if p.OnOpen != nil {
		p.OnOpen(sessionID, sender)
	}
	if p.OnClose != nil {
		defer p.OnClose(sessionID)
	}

	ctx := context.Background()
	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		recvAt := p.LocalNow()
		env, err := protocol.Decode(scanner.Bytes())
		if err != nil {
			log.Printf("CONTROLPLANE [%s]: decode error: %v", sessionID, err)
			// A frame that fails to decode — including an unrecognized
			// message type — never reaches Dispatch, so it must be
			// answered here rather than silently dropped (§9).
			if sendErr := sess.sendError(ctx, protocol.ErrInvalidState, "malformed or unrecognized message"); sendErr != nil {
				log.Printf("CONTROLPLANE [%s]: failed to send decode error reply: %v", sessionID, sendErr)
			}
			continue
		}
		if err := sess.Dispatch(ctx, env, recvAt); err != nil {
			if err == ErrCloseSession {
				return
			}
			log.Printf("CONTROLPLANE [%s]: dispatch error: %v", sessionID, err)
		}
	}
	if err := scanner.Err(); err != nil {
		log.Printf("CONTROLPLANE [%s]: stream read closed: %v", sessionID, err)
	}
}

// Dial opens a control stream to peerID and returns a Session driving it,
// for the local node's outbound side of a replica-to-replica connection.
// The returned syncdriver.Sender can be handed to a syncdriver.Manager to
// start probing the peer's clock over the same stream.
func Dial(ctx context.Context, h host.Host, peerID peer.ID, nodeID string, localNow func() float64, probes *syncdriver.Session, actions ActionHandler, cluster ClusterSink, hello HelloResponder, probeLimiter, controlLimiter *slidingWindowLimiter) (*Session, syncdriver.Sender, error) {
	stream, err := h.NewStream(ctx, peerID, StreamProtoID)
	if err != nil {
		return nil, nil, err
	}

	sender := &streamSender{w: bufio.NewWriter(stream)}
	sess := NewSession(peerID.String(), nodeID, PerspectiveOrigin, sender, localNow, probes, actions, cluster, hello, probeLimiter, controlLimiter)

	go func() {
		defer stream.Close()
		defer sess.Close()
		scanner := bufio.NewScanner(stream)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			recvAt := localNow()
			env, decErr := protocol.Decode(scanner.Bytes())
			if decErr != nil {
				log.Printf("CONTROLPLANE [%s]: decode error: %v", peerID, decErr)
				if sendErr := sess.sendError(ctx, protocol.ErrInvalidState, "malformed or unrecognized message"); sendErr != nil {
					log.Printf("CONTROLPLANE [%s]: failed to send decode error reply: %v", peerID, sendErr)
				}
				continue
			}
			if dispErr := sess.Dispatch(ctx, env, recvAt); dispErr != nil {
				if dispErr == ErrCloseSession {
					return
				}
				log.Printf("CONTROLPLANE [%s]: dispatch error: %v", peerID, dispErr)
			}
		}
	}()

	return sess, sender, nil
}
