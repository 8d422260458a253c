package telemetry

import (
	"log"
	"sync"
	"time"
)

// DefaultRingCapacity bounds the in-memory backlog kept for late subscribers
// (e.g. a diagnostics endpoint polling after the fact).
const DefaultRingCapacity = 500

// Manager fans out recorded events to subscribers and an optional Store,
// and keeps a bounded in-memory ring of the most recent ones. Grounded on
// internal/mq/manager.go's per-peer inbox + listener-channel fan-out
// (inboxCap, listeners map[chan mqEvent]struct{}), generalized from
// "buffered outbound protocol messages awaiting an SSE connection" to
// "buffered telemetry events awaiting a diagnostics subscriber."
type Manager struct {
	mu       sync.Mutex
	ring     []Event
	ringCap  int
	store    *Store
	now      func() time.Time

	listenerMu sync.RWMutex
	listeners  map[chan Event]struct{}
}

// NewManager returns a Manager with the given ring capacity. store may be
// nil to disable persistence (events still fan out to subscribers).
func NewManager(ringCap int, store *Store, now func() time.Time) *Manager {
	if ringCap <= 0 {
		ringCap = DefaultRingCapacity
	}
	if now == nil {
		now = time.Now
	}
	return &Manager{
		ringCap:   ringCap,
		store:     store,
		now:       now,
		listeners: make(map[chan Event]struct{}),
	}
}

// Late implements mediabuffer.EventSink.
func (m *Manager) Late(trackID string, presentationTau, now float64) {
	m.record(Event{Kind: KindLate, TrackID: trackID, PresentationTau: presentationTau, Now: now})
}

// TooFar implements mediabuffer.EventSink.
func (m *Manager) TooFar(trackID string, presentationTau, now float64) {
	m.record(Event{Kind: KindTooFar, TrackID: trackID, PresentationTau: presentationTau, Now: now})
}

// QueuePressure implements mediabuffer.EventSink.
func (m *Manager) QueuePressure(trackID string, queueLen int) {
	m.record(Event{Kind: KindQueuePressure, TrackID: trackID, QueueLen: queueLen})
}

func (m *Manager) record(evt Event) {
	evt.OccurredAt = m.now()

	m.mu.Lock()
	m.ring = append(m.ring, evt)
	if len(m.ring) > m.ringCap {
		m.ring = m.ring[len(m.ring)-m.ringCap:]
	}
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.Insert(evt); err != nil {
			log.Printf("TELEMETRY: persist %s event for track %s failed: %v", evt.Kind, evt.TrackID, err)
		}
	}

	m.notifyListeners(evt)
}

// Snapshot returns a defensive copy of the in-memory ring, oldest first.
func (m *Manager) Snapshot() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.ring))
	copy(out, m.ring)
	return out
}

// Subscribe registers a buffered channel (32 slots) that receives events
// recorded from this point on; an event is dropped for a subscriber whose
// buffer is full.
func (m *Manager) Subscribe() chan Event {
	ch := make(chan Event, 32)
	m.listenerMu.Lock()
	m.listeners[ch] = struct{}{}
	m.listenerMu.Unlock()
	return ch
}

// Unsubscribe removes and closes a previously subscribed channel.
func (m *Manager) Unsubscribe(ch chan Event) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	if _, ok := m.listeners[ch]; ok {
		delete(m.listeners, ch)
		close(ch)
	}
}

func (m *Manager) notifyListeners(evt Event) {
	m.listenerMu.RLock()
	defer m.listenerMu.RUnlock()
	for ch := range m.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
}

// Close releases the backing store, if any.
func (m *Manager) Close() error {
	if m.store == nil {
		return nil
	}
	return m.store.Close()
}
