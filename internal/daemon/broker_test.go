package daemon

import (
	"context"
	"sync"
	"testing"

	"github.com/yukihamada/solusync-x/internal/mediabuffer"
	"github.com/yukihamada/solusync-x/internal/protocol"
)

type recordingSender struct {
	mu  sync.Mutex
	got []protocol.Envelope
}

func (r *recordingSender) Send(_ context.Context, env protocol.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, env)
	return nil
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

func TestBrokerHandleMediaControlExcludesOrigin(t *testing.T) {
	b := NewBroker("node-1")
	origin := &recordingSender{}
	other := &recordingSender{}
	b.Register("origin", origin)
	b.Register("other", other)

	if err := b.HandleMediaControl("origin", protocol.MediaControl{Action: protocol.ActionPlay, TrackID: "track-1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if origin.count() != 0 {
		t.Fatalf("expected the originating session to not receive its own command back, got %d", origin.count())
	}
	if other.count() != 1 {
		t.Fatalf("expected the other session to receive the forwarded command, got %d", other.count())
	}
}

func TestBrokerBroadcastReachesAllRegisteredSessions(t *testing.T) {
	b := NewBroker("node-1")
	a := &recordingSender{}
	c := &recordingSender{}
	b.Register("a", a)
	b.Register("c", c)

	b.Broadcast(protocol.WrapMasterElection(protocol.MasterElection{Header: protocol.NewHeader("node-1", 1)}))

	if a.count() != 1 || c.count() != 1 {
		t.Fatalf("expected every registered session to receive the broadcast, got a=%d c=%d", a.count(), c.count())
	}
}

func TestBrokerUnregisterStopsFurtherDelivery(t *testing.T) {
	b := NewBroker("node-1")
	s := &recordingSender{}
	b.Register("s", s)
	b.Unregister("s")

	b.Broadcast(protocol.WrapMasterElection(protocol.MasterElection{Header: protocol.NewHeader("node-1", 1)}))

	if s.count() != 0 {
		t.Fatalf("expected no delivery after unregister, got %d", s.count())
	}
	if b.Count() != 0 {
		t.Fatalf("expected Count to reflect the unregistered session, got %d", b.Count())
	}
}

type fakeScheduler struct {
	started    []string
	stopped    []string
	transition []mediabuffer.TrackState
}

func (f *fakeScheduler) StartTrack(_ context.Context, trackID string) error {
	f.started = append(f.started, trackID)
	return nil
}

func (f *fakeScheduler) Transition(_ string, to mediabuffer.TrackState) error {
	f.transition = append(f.transition, to)
	return nil
}

func (f *fakeScheduler) Stop(trackID string) {
	f.stopped = append(f.stopped, trackID)
}

func TestLocalActionsRoutesEachAction(t *testing.T) {
	sched := &fakeScheduler{}
	actions := NewLocalActions(sched)

	cases := []protocol.MediaControl{
		{Action: protocol.ActionLoad, TrackID: "t1"},
		{Action: protocol.ActionPlay, TrackID: "t1"},
		{Action: protocol.ActionPause, TrackID: "t1"},
		{Action: protocol.ActionStop, TrackID: "t1"},
	}
	for _, c := range cases {
		if err := actions.HandleMediaControl("origin", c); err != nil {
			t.Fatalf("unexpected error for action %s: %v", c.Action, err)
		}
	}

	if len(sched.started) != 1 || sched.started[0] != "t1" {
		t.Fatalf("expected load to start track t1, got %v", sched.started)
	}
	if len(sched.transition) != 2 || sched.transition[0] != mediabuffer.TrackPlaying || sched.transition[1] != mediabuffer.TrackPaused {
		t.Fatalf("expected play then pause transitions, got %v", sched.transition)
	}
	if len(sched.stopped) != 1 || sched.stopped[0] != "t1" {
		t.Fatalf("expected stop to stop track t1, got %v", sched.stopped)
	}
}
