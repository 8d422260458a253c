package controlplane

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/yukihamada/solusync-x/internal/protocol"
	"github.com/yukihamada/solusync-x/internal/syncdriver"
)

// wsSender adapts a *websocket.Conn to syncdriver.Sender.
type wsSender struct {
	conn *websocket.Conn
}

func (w *wsSender) Send(_ context.Context, env protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Client-facing endpoints (phones, speakers, lighting controllers) are
	// not served from the same origin as any browser page; this listener
	// answers device clients directly, so origin checks don't apply.
	CheckOrigin: func(*http.Request) bool { return true },
}

// WSServer accepts client-facing websocket connections and runs one Session
// per connection until it closes.
type WSServer struct {
	NodeID         string
	LocalNow       func() float64
	Actions        ActionHandler
	Cluster        ClusterSink
	Hello          HelloResponder
	ProbeInterval  time.Duration
	ProbeLimiter   *slidingWindowLimiter
	ControlLimiter *slidingWindowLimiter

	// Heartbeats, if set, tracks per-session liveness (§4.4): each
	// connection gets a watchdog ticking at HeartbeatInterval (defaults to
	// DefaultHeartbeatInterval) that closes the connection once two
	// consecutive intervals pass without a heartbeat.
	Heartbeats        *HeartbeatMonitor
	HeartbeatInterval time.Duration

	// SessionLimiter, if set, caps new connections per source address
	// (§4.4's "new sessions ≤ 10 per source address"), rejecting the
	// upgrade with RATE_LIMITED before a Session is constructed.
	SessionLimiter *slidingWindowLimiter

	// NewSessionID mints a session identifier per connection; defaults to
	// the remote address if nil.
	NewSessionID func(r *http.Request) string

	// OnOpen, if set, is called once a session's sender exists, before its
	// read loop starts — e.g. to register the session with a Broker's
	// fanout set. OnClose is called when the connection's read loop exits.
	OnOpen  func(sessionID string, sender syncdriver.Sender)
	OnClose func(sessionID string)
}

// ServeHTTP upgrades the connection and runs its session loop, blocking
// until the connection closes.
func (s *WSServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// §4.4's per-source-address session cap is enforced before the upgrade
	// even begins, so a flooding address never costs more than the rejected
	// HTTP round trip.
	if s.SessionLimiter != nil && !s.SessionLimiter.Allow(r.RemoteAddr, time.Now()) {
		http.Error(w, protocol.ErrRateLimited.String(), http.StatusTooManyRequests)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("CONTROLPLANE: websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	sessionID := r.RemoteAddr
	if s.NewSessionID != nil {
		sessionID = s.NewSessionID(r)
	}

	sender := &wsSender{conn: conn}
	sess := NewSession(sessionID, s.NodeID, PerspectiveOrigin, sender, s.LocalNow, nil, s.Actions, s.Cluster, s.Hello, s.ProbeLimiter, s.ControlLimiter)
	defer sess.Close()

	if s.Heartbeats != nil {
		sess.SetHeartbeatMonitor(s.Heartbeats)
		hbCtx, hbCancel := context.WithCancel(r.Context())
		defer hbCancel()
		go watchHeartbeat(hbCtx, s.Heartbeats, sessionID, s.HeartbeatInterval, func() { conn.Close() })
	}

	if s.OnOpen != nil {
		s.OnOpen(sessionID, sender)
	}
	if s.OnClose != nil {
		defer s.OnClose(sessionID)
	}

	ctx := r.Context()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Printf("CONTROLPLANE [%s]: websocket read closed: %v", sessionID, err)
			return
		}
		recvAt := s.LocalNow()
		env, err := protocol.Decode(data)
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
}
