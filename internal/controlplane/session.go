// Package controlplane implements the §4.4 wire protocol: handshake,
// command dispatch, heartbeats, and rate limiting, over either transport
// (client-facing websocket or replica-facing libp2p stream — see
// ws_transport.go and p2p_transport.go). The dispatch shape is grounded on
// original_source/server/src/control/mod.rs's ControlServer.handle_message
// match; the rate limiter is adapted from the teacher's
// internal/lua/ratelimit.go sliding-window design.
package controlplane

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/yukihamada/solusync-x/internal/protocol"
	"github.com/yukihamada/solusync-x/internal/syncdriver"
)

// Perspective distinguishes the two validation rules §4.4 assigns to a
// media_control message depending on which end of the wire is receiving it.
type Perspective int

const (
	// PerspectiveOrigin is the server accepting a newly issued command: it
	// enforces start_at_τ ≥ now_server + ε.
	PerspectiveOrigin Perspective = iota
	// PerspectiveEndpoint is a playback endpoint receiving a forwarded
	// command: it allows best-effort immediate execution within a small
	// window even if start_at_τ has technically already passed.
	PerspectiveEndpoint
)

const (
	// startAtEpsilon is §4.4's ε: minimum lead time the origin enforces.
	startAtEpsilon = 20 * time.Millisecond
	// bestEffortWindow is §4.4's endpoint-side grace window.
	bestEffortWindow = 100 * time.Millisecond

	// ProtocolVersion is the version this build implements (§4.4).
	ProtocolVersion = "1.0"
)

// ErrCloseSession signals that the caller must tear down the transport
// after Dispatch returns — the session failed handshake. A rate-limited
// message is answered with RATE_LIMITED and the session stays open.
var ErrCloseSession = errors.New("controlplane: session must be closed")

// ActionHandler receives validated media_control commands. The server-side
// implementation forwards to subscribed endpoints; an endpoint-side
// implementation drives its local mediabuffer.Scheduler.
type ActionHandler interface {
	HandleMediaControl(sessionID string, msg protocol.MediaControl) error
}

// ClusterSink receives cluster gossip carried over a session.
type ClusterSink interface {
	HandleNodeStatus(sessionID string, msg protocol.NodeStatus)
	HandleMasterElection(sessionID string, msg protocol.MasterElection)
}

// HelloResponder supplies the local hello reply, keeping controlplane
// unaware of how the caller tracks cluster membership.
type HelloResponder interface {
	Hello() protocol.Hello
}

// Session dispatches wire messages for one connection. It holds no
// transport details of its own — Send goes through the syncdriver.Sender
// the caller supplies, and Dispatch is called by the transport's read loop
// (ws_transport.go, p2p_transport.go) for each decoded envelope.
type Session struct {
	ID          string
	perspective Perspective
	nodeID      string
	sender      syncdriver.Sender
	localNow    func() float64
	seq         uint64

	probes  *syncdriver.Session
	actions ActionHandler
	cluster ClusterSink
	hello   HelloResponder

	probeLimiter   *slidingWindowLimiter
	controlLimiter *slidingWindowLimiter
	heartbeats     *HeartbeatMonitor

	handshakeDone bool
}

// SetHeartbeatMonitor attaches a HeartbeatMonitor so Dispatch can record
// liveness on every heartbeat received.
func (s *Session) SetHeartbeatMonitor(m *HeartbeatMonitor) {
	s.heartbeats = m
}

// NewSession returns a Session ready to dispatch messages for a single
// connection. probes may be nil if this session doesn't originate its own
// clock_sync probes (e.g. a pure listener endpoint that only answers them).
func NewSession(id, nodeID string, perspective Perspective, sender syncdriver.Sender, localNow func() float64, probes *syncdriver.Session, actions ActionHandler, cluster ClusterSink, hello HelloResponder, probeLimiter, controlLimiter *slidingWindowLimiter) *Session {
	return &Session{
		ID:             id,
		perspective:    perspective,
		nodeID:         nodeID,
		sender:         sender,
		localNow:       localNow,
		probes:         probes,
		actions:        actions,
		cluster:        cluster,
		hello:          hello,
		probeLimiter:   probeLimiter,
		controlLimiter: controlLimiter,
	}
}

// Dispatch handles one decoded inbound envelope. recvAt is the local
// receive instant, used both for four-timestamp probe math and heartbeat
// health tracking.
func (s *Session) Dispatch(ctx context.Context, env protocol.Envelope, recvAt float64) error {
	switch env.Type {
	case protocol.TypeHello:
		return s.handleHello(ctx, env.Hello)
	case protocol.TypeClockSync:
		return s.handleClockSync(ctx, env.ClockSync, recvAt)
	case protocol.TypeClockSyncResponse:
		return s.handleClockSyncResponse(env.ClockSyncResponse, recvAt)
	case protocol.TypeMediaControl:
		return s.handleMediaControl(ctx, env.MediaControl)
	case protocol.TypeHeartbeat:
		return s.handleHeartbeat(ctx, env.Heartbeat, recvAt)
	case protocol.TypeNodeStatus:
		if s.cluster != nil && env.NodeStatus != nil {
			s.cluster.HandleNodeStatus(env.NodeStatus.Header.NodeID, *env.NodeStatus)
		}
		return nil
	case protocol.TypeMasterElection:
		if s.cluster != nil && env.MasterElection != nil {
			s.cluster.HandleMasterElection(env.MasterElection.Header.NodeID, *env.MasterElection)
		}
		return nil
	case protocol.TypeError:
		if env.Error != nil {
			log.Printf("CONTROLPLANE [%s]: peer error %s: %s", s.ID, env.Error.Code, env.Error.Message)
		}
		return nil
	default:
		return s.sendError(ctx, protocol.ErrInvalidState, "unrecognized message type")
	}
}

func (s *Session) handleHello(ctx context.Context, hello *protocol.Hello) error {
	if hello == nil {
		return s.sendError(ctx, protocol.ErrInvalidState, "missing hello payload")
	}
	if s.handshakeDone {
		return s.sendError(ctx, protocol.ErrInvalidState, "duplicate hello")
	}
	if hello.ProtocolVersion != ProtocolVersion {
		_ = s.sendError(ctx, protocol.ErrVersionMismatch, "protocol version mismatch")
		return ErrCloseSession
	}
	s.handshakeDone = true
	if s.hello == nil {
		return nil
	}
	reply := s.hello.Hello()
	return s.send(ctx, protocol.WrapHello(reply))
}

func (s *Session) handleClockSync(ctx context.Context, msg *protocol.ClockSync, recvAt float64) error {
	if msg == nil {
		return nil
	}
	if s.probeLimiter != nil && !s.probeLimiter.Allow(s.ID, time.Now()) {
		return s.sendError(ctx, protocol.ErrRateLimited, "clock_sync rate limit exceeded")
	}
	hdr := protocol.NewHeader(s.nodeID, s.nextSeq())
	hdr.Timestamp = recvAt
	resp := protocol.ClockSyncResponse{
		Header: hdr,
		T1:     msg.T1,
		T2:     recvAt,
		T3:     s.localNow(),
	}
	return s.send(ctx, protocol.WrapClockSyncResponse(resp))
}

func (s *Session) handleClockSyncResponse(msg *protocol.ClockSyncResponse, recvAt float64) error {
	if msg == nil || s.probes == nil {
		return nil
	}
	s.probes.HandleResponse(*msg, recvAt)
	return nil
}

func (s *Session) handleMediaControl(ctx context.Context, msg *protocol.MediaControl) error {
	if msg == nil {
		return nil
	}
	if s.controlLimiter != nil && !s.controlLimiter.Allow(s.ID, time.Now()) {
		return s.sendError(ctx, protocol.ErrRateLimited, "media_control rate limit exceeded")
	}

	now := s.localNow()
	switch s.perspective {
	case PerspectiveOrigin:
		if msg.StartAt < now+startAtEpsilon.Seconds() {
			return s.sendError(ctx, protocol.ErrTooLate, "start_at too close to now")
		}
	case PerspectiveEndpoint:
		if msg.StartAt < now && now-msg.StartAt >= bestEffortWindow.Seconds() {
			return s.sendError(ctx, protocol.ErrTooLate, "start_at already passed best-effort window")
		}
	}

	if s.actions == nil {
		return nil
	}
	return s.actions.HandleMediaControl(s.ID, *msg)
}

func (s *Session) handleHeartbeat(ctx context.Context, msg *protocol.Heartbeat, recvAt float64) error {
	if msg == nil {
		return nil
	}
	if s.heartbeats != nil {
		s.heartbeats.Touch(s.ID)
	}
	if msg.ServerTime != nil {
		if s.probes != nil {
			s.probes.HandleHeartbeatAck(msg.ClientTime, *msg.ServerTime, recvAt)
		}
		return nil
	}
	serverTime := s.localNow()
	reply := protocol.Heartbeat{
		Header:     protocol.NewHeader(s.nodeID, s.nextSeq()),
		ClientTime: msg.ClientTime,
		ServerTime: &serverTime,
	}
	return s.send(ctx, protocol.WrapHeartbeat(reply))
}

func (s *Session) sendError(ctx context.Context, code protocol.ErrorCode, message string) error {
	env := protocol.WrapError(protocol.Error{
		Header:  protocol.NewHeader(s.nodeID, s.nextSeq()),
		Code:    code,
		Message: message,
	})
	if err := s.send(ctx, env); err != nil {
		return err
	}
	if code == protocol.ErrVersionMismatch {
		return ErrCloseSession
	}
	return nil
}

func (s *Session) send(ctx context.Context, env protocol.Envelope) error {
	return s.sender.Send(ctx, env)
}

func (s *Session) nextSeq() uint64 {
	s.seq++
	return s.seq
}

// Close releases the session's rate-limit bookkeeping.
func (s *Session) Close() {
	if s.probeLimiter != nil {
		s.probeLimiter.Forget(s.ID)
	}
	if s.controlLimiter != nil {
		s.controlLimiter.Forget(s.ID)
	}
	if s.heartbeats != nil {
		s.heartbeats.Forget(s.ID)
	}
}
