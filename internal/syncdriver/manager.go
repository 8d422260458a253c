package syncdriver

import (
	"context"
	"sync"
	"time"

	"github.com/yukihamada/solusync-x/internal/clockdiscipline"
)

// Manager owns one Session per connected peer and starts/stops its probe
// loop alongside the peer's connection lifetime.
type Manager struct {
	clocks   *clockdiscipline.Manager
	interval time.Duration
	now      func() float64

	mu       sync.Mutex
	sessions map[string]*sessionHandle
}

type sessionHandle struct {
	session *Session
	cancel  context.CancelFunc
}

// NewManager returns a Manager probing every session at interval (0 selects
// DefaultProbeInterval), using clocks to hold each peer's disciplined clock
// and now as the shared local time source.
func NewManager(clocks *clockdiscipline.Manager, interval time.Duration, now func() float64) *Manager {
	return &Manager{
		clocks:   clocks,
		interval: interval,
		now:      now,
		sessions: make(map[string]*sessionHandle),
	}
}

// Start begins probing nodeID over sender. Calling Start again for an
// already-active nodeID replaces the prior session, stopping its loop first.
func (m *Manager) Start(ctx context.Context, nodeID string, sender Sender) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.sessions[nodeID]; ok {
		existing.cancel()
	}

	sessCtx, cancel := context.WithCancel(ctx)
	sess := NewSession(nodeID, m.clocks.Clock(nodeID), sender, m.now)
	m.sessions[nodeID] = &sessionHandle{session: sess, cancel: cancel}
	go sess.Run(sessCtx, m.interval)
	return sess
}

// Session returns the active session for nodeID, if any.
func (m *Manager) Session(nodeID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.sessions[nodeID]
	if !ok {
		return nil, false
	}
	return h.session, true
}

// Stop halts probing for nodeID and drops its clock state.
func (m *Manager) Stop(nodeID string) {
	m.mu.Lock()
	h, ok := m.sessions[nodeID]
	if ok {
		delete(m.sessions, nodeID)
	}
	m.mu.Unlock()

	if ok {
		h.cancel()
	}
	m.clocks.Drop(nodeID)
}
