package mediabuffer

import (
	"container/heap"
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/yukihamada/solusync-x/internal/protocol"
)

// TrackState is a node in the per-track playback state machine (§4.3).
type TrackState string

const (
	TrackIdle     TrackState = "idle"
	TrackLoading  TrackState = "loading"
	TrackReady    TrackState = "ready"
	TrackPlaying  TrackState = "playing"
	TrackPaused   TrackState = "paused"
	TrackStopped  TrackState = "stopped"
)

var validTransitions = map[TrackState]map[TrackState]bool{
	TrackIdle:    {TrackLoading: true, TrackStopped: true},
	TrackLoading: {TrackReady: true, TrackStopped: true},
	TrackReady:   {TrackPlaying: true, TrackStopped: true},
	TrackPlaying: {TrackPaused: true, TrackStopped: true},
	TrackPaused:  {TrackPlaying: true, TrackStopped: true},
	TrackStopped: {},
}

// ErrInvalidTransition is returned when a state change isn't reachable from
// the track's current state.
var ErrInvalidTransition = errors.New("mediabuffer: invalid track state transition")

// ErrLate is returned by Admit for a frame whose presentation time has
// already passed.
var ErrLate = errors.New("mediabuffer: frame presentation time already passed")

// ErrTooFar is returned by Admit for a frame scheduled further ahead than
// MaxFuture allows.
var ErrTooFar = errors.New("mediabuffer: frame presentation time too far in the future")

// EventSink receives the telemetry events §4.3 and §5 call out by name.
type EventSink interface {
	Late(trackID string, presentationTau, now float64)
	TooFar(trackID string, presentationTau, now float64)
	QueuePressure(trackID string, queueLen int)
}

// NoopEventSink discards all events.
type NoopEventSink struct{}

func (NoopEventSink) Late(string, float64, float64)      {}
func (NoopEventSink) TooFar(string, float64, float64)    {}
func (NoopEventSink) QueuePressure(string, int)          {}

const (
	// DefaultMaxFutureSeconds is §4.3's admission ceiling.
	DefaultMaxFutureSeconds = 10.0
	// DefaultMaxQueue is §5's per-track backpressure threshold.
	DefaultMaxQueue = 512
)

type track struct {
	mu     sync.Mutex
	state  TrackState
	queue  frameHeap
	buffer *DynamicFutureBuffer
	wake   chan struct{}
	cancel context.CancelFunc
}

// Scheduler admits frames per §4.3's rules and releases them to a Renderer
// in presentation order, one release loop per track.
type Scheduler struct {
	renderer  Renderer
	events    EventSink
	now       func() float64
	maxFuture float64
	maxQueue  int
	tuning    Tuning

	mu     sync.Mutex
	tracks map[string]*track
}

// NewScheduler returns a Scheduler releasing frames to renderer. now must
// return the disciplined clock's current τ.
func NewScheduler(renderer Renderer, events EventSink, now func() float64) *Scheduler {
	if events == nil {
		events = NoopEventSink{}
	}
	return &Scheduler{
		renderer:  renderer,
		events:    events,
		now:       now,
		maxFuture: DefaultMaxFutureSeconds,
		maxQueue:  DefaultMaxQueue,
		tuning:    DefaultTuning(),
		tracks:    make(map[string]*track),
	}
}

// WithLimits overrides the admission ceiling and per-track queue cap.
func (s *Scheduler) WithLimits(maxFuture float64, maxQueue int) *Scheduler {
	s.maxFuture = maxFuture
	s.maxQueue = maxQueue
	return s
}

// WithTuning overrides the adaptive buffer's rate parameters for every
// track created from this point on.
func (s *Scheduler) WithTuning(tuning Tuning) *Scheduler {
	s.tuning = tuning
	return s
}

func (s *Scheduler) trackFor(trackID string) *track {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tracks[trackID]
	if !ok {
		t = &track{
			state:  TrackIdle,
			buffer: NewDynamicFutureBufferWithTuning(BTargetMs(protocol.QualityGood), protocol.QualityGood, s.tuning),
			wake:   make(chan struct{}, 1),
		}
		s.tracks[trackID] = t
	}
	return t
}

// StartTrack transitions trackID into loading and starts its release loop.
// Calling StartTrack again while the track's release loop is running is a
// no-op: no state transition is attempted.
func (s *Scheduler) StartTrack(ctx context.Context, trackID string) error {
	t := s.trackFor(trackID)
	t.mu.Lock()
	if t.cancel != nil {
		t.mu.Unlock()
		return nil
	}
	trackCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.mu.Unlock()

	if err := s.Transition(trackID, TrackLoading); err != nil {
		return err
	}
	go s.releaseLoop(trackCtx, trackID, t)
	return nil
}

// Transition drives the per-track state machine. Invalid transitions leave
// state unchanged and return ErrInvalidTransition, per §4.3.
func (s *Scheduler) Transition(trackID string, to TrackState) error {
	t := s.trackFor(trackID)
	t.mu.Lock()
	defer t.mu.Unlock()
	if !validTransitions[t.state][to] {
		return ErrInvalidTransition
	}
	t.state = to
	return nil
}

// State returns trackID's current state.
func (s *Scheduler) State(trackID string) TrackState {
	t := s.trackFor(trackID)
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Buffer returns trackID's adaptive future buffer, for quality sampling.
func (s *Scheduler) Buffer(trackID string) *DynamicFutureBuffer {
	return s.trackFor(trackID).buffer
}

// Stats reports trackID's underrun and overrun counters, for QUEUE_PRESSURE
// telemetry and monitoring.
func (s *Scheduler) Stats(trackID string) (underruns, overruns uint64) {
	return s.trackFor(trackID).buffer.Stats()
}

// Tracks returns the IDs of every track this Scheduler has seen, so a
// caller can drive per-track quality sampling without tracking the set
// itself.
func (s *Scheduler) Tracks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.tracks))
	for id := range s.tracks {
		ids = append(ids, id)
	}
	return ids
}

// Admit applies §4.3's admission rule to frame. On success it enqueues the
// frame in presentation order and wakes the release loop.
func (s *Scheduler) Admit(frame Frame) error {
	now := s.now()
	delta := frame.PresentationTau - now
	if delta < 0 {
		s.events.Late(frame.TrackID, frame.PresentationTau, now)
		return ErrLate
	}
	if delta > s.maxFuture {
		s.events.TooFar(frame.TrackID, frame.PresentationTau, now)
		return ErrTooFar
	}

	t := s.trackFor(frame.TrackID)
	t.mu.Lock()
	heap.Push(&t.queue, frame)
	qlen := t.queue.Len()
	if qlen > s.maxQueue {
		t.buffer.BumpTargetOneStep()
		t.buffer.ReportOverrun()
	}
	t.mu.Unlock()

	if qlen > s.maxQueue {
		s.events.QueuePressure(frame.TrackID, qlen)
	}

	select {
	case t.wake <- struct{}{}:
	default:
	}
	return nil
}

// Stop transitions trackID to stopped, flushes its queue, and halts its
// renderer output and release loop.
func (s *Scheduler) Stop(trackID string) {
	t := s.trackFor(trackID)
	t.mu.Lock()
	t.state = TrackStopped
	t.queue = nil
	cancel := t.cancel
	t.cancel = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if err := s.renderer.Stop(trackID); err != nil {
		log.Printf("MEDIABUFFER [%s]: renderer stop failed: %v", trackID, err)
	}
}

func (s *Scheduler) releaseLoop(ctx context.Context, trackID string, t *track) {
	for {
		t.mu.Lock()
		var nextTau float64
		hasNext := t.queue.Len() > 0
		if hasNext {
			nextTau = t.queue[0].PresentationTau
		}
		playing := t.state == TrackPlaying
		t.mu.Unlock()

		if !hasNext {
			if playing {
				// The queue ran dry while the track is supposed to be
				// playing: a buffer starvation event per §4.3(b).
				t.buffer.ReportUnderrun(s.now())
			}
			select {
			case <-ctx.Done():
				return
			case <-t.wake:
				continue
			}
		}

		now := s.now()
		delta := nextTau - now
		if delta <= 0 {
			s.releaseReady(trackID, t, now)
			continue
		}

		timer := time.NewTimer(time.Duration(delta * float64(time.Second)))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-t.wake:
			timer.Stop()
		case <-timer.C:
			s.releaseReady(trackID, t, s.now())
		}
	}
}

func (s *Scheduler) releaseReady(trackID string, t *track, now float64) {
	nowLocal := s.renderer.NowLocal()

	t.mu.Lock()
	var ready []Frame
	for t.queue.Len() > 0 && t.queue[0].PresentationTau <= now {
		ready = append(ready, heap.Pop(&t.queue).(Frame))
	}
	t.mu.Unlock()

	for _, f := range ready {
		deadline := nowLocal + (f.PresentationTau - now)
		if err := s.renderer.Submit(f, deadline); err != nil {
			log.Printf("MEDIABUFFER [%s]: submit failed for seq %d: %v", trackID, f.Sequence, err)
		}
	}
}
