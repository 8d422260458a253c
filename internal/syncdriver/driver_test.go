package syncdriver

import (
	"context"
	"testing"
	"time"

	"github.com/yukihamada/solusync-x/internal/clockdiscipline"
	"github.com/yukihamada/solusync-x/internal/protocol"
)

type recordingSender struct {
	sent []protocol.Envelope
}

func (r *recordingSender) Send(_ context.Context, env protocol.Envelope) error {
	r.sent = append(r.sent, env)
	return nil
}

func TestSessionSendsOneOutstandingProbeAtATime(t *testing.T) {
	local := 0.0
	clock := clockdiscipline.NewWithLocalClock(clockdiscipline.DefaultCapacity, func() float64 { return local })
	sender := &recordingSender{}
	s := NewSession("peer-1", clock, sender, func() float64 { return local })

	ctx := context.Background()
	s.tick(ctx)
	if len(sender.sent) != 1 {
		t.Fatalf("expected 1 probe sent, got %d", len(sender.sent))
	}

	// A second tick before the outstanding probe is answered must not send.
	s.tick(ctx)
	if len(sender.sent) != 1 {
		t.Fatalf("expected outstanding probe to suppress a second send, got %d sent", len(sender.sent))
	}
}

func TestSessionHandleResponseFeedsClock(t *testing.T) {
	local := 0.0
	clock := clockdiscipline.NewWithLocalClock(clockdiscipline.DefaultCapacity, func() float64 { return local })
	sender := &recordingSender{}
	s := NewSession("peer-1", clock, sender, func() float64 { return local })

	ctx := context.Background()
	s.tick(ctx)
	cs := sender.sent[0].ClockSync
	if cs == nil {
		t.Fatal("expected a clock_sync envelope")
	}

	local = 0.09
	resp := protocol.ClockSyncResponse{T1: cs.T1, T2: 0.07, T3: 0.071}
	if !s.HandleResponse(resp, local) {
		t.Fatal("expected response to be accepted")
	}
	if clock.Offset() == 0 {
		t.Fatal("expected clock offset to move after an accepted probe")
	}

	// Once handled, the session should accept a new probe on the next tick.
	s.tick(ctx)
	if len(sender.sent) != 2 {
		t.Fatalf("expected a fresh probe after response, got %d sent", len(sender.sent))
	}
}

func TestSessionHandleResponseRejectsMismatchedT1(t *testing.T) {
	local := 0.0
	clock := clockdiscipline.NewWithLocalClock(clockdiscipline.DefaultCapacity, func() float64 { return local })
	sender := &recordingSender{}
	s := NewSession("peer-1", clock, sender, func() float64 { return local })

	s.tick(context.Background())
	stale := protocol.ClockSyncResponse{T1: 999, T2: 0.05, T3: 0.06}
	if s.HandleResponse(stale, 0.1) {
		t.Fatal("expected mismatched t1 to be rejected")
	}
}

func TestHandleHeartbeatAckSubmitsQuickSample(t *testing.T) {
	local := 0.0
	clock := clockdiscipline.NewWithLocalClock(clockdiscipline.DefaultCapacity, func() float64 { return local })
	s := NewSession("peer-1", clock, &recordingSender{}, func() float64 { return local })

	if !s.HandleHeartbeatAck(0, 0.05, 0.09) {
		t.Fatal("expected heartbeat ack to be accepted as a quick sample")
	}
	if clock.Offset() == 0 {
		t.Fatal("expected offset to move after a quick sample")
	}
}

func TestLossRatioTracksTimeoutsAndAcks(t *testing.T) {
	local := 0.0
	clock := clockdiscipline.NewWithLocalClock(clockdiscipline.DefaultCapacity, func() float64 { return local })
	sender := &recordingSender{}
	s := NewSession("peer-1", clock, sender, func() float64 { return local })

	ctx := context.Background()
	s.tick(ctx)
	if got := s.LossRatio(); got != 0 {
		t.Fatalf("expected no loss sample yet, got %v", got)
	}

	// Advance past the timeout without a response: the next tick counts the
	// outstanding probe as lost.
	local = probeTimeout.Seconds() + 1
	s.tick(ctx)
	if got := s.LossRatio(); got <= 0 {
		t.Fatalf("expected a lost sample to raise the loss ratio, got %v", got)
	}

	cs := sender.sent[len(sender.sent)-1].ClockSync
	resp := protocol.ClockSyncResponse{T1: cs.T1, T2: local, T3: local}
	if !s.HandleResponse(resp, local+0.01) {
		t.Fatal("expected response to be accepted")
	}
	after := s.LossRatio()
	if after >= 1 {
		t.Fatalf("expected an acked sample to pull the loss ratio down from 1, got %v", after)
	}
}

func TestSmoothedRTTTracksEMANotRawSample(t *testing.T) {
	local := 0.0
	clock := clockdiscipline.NewWithLocalClock(clockdiscipline.DefaultCapacity, func() float64 { return local })
	sender := &recordingSender{}
	s := NewSession("peer-1", clock, sender, func() float64 { return local })

	ctx := context.Background()

	// Five probes at a steady 5ms rtt settle the EMA near 5ms.
	for i := 0; i < 5; i++ {
		s.tick(ctx)
		cs := sender.sent[len(sender.sent)-1].ClockSync
		local += 0.005
		resp := protocol.ClockSyncResponse{T1: cs.T1, T2: local, T3: local}
		if !s.HandleResponse(resp, local) {
			t.Fatal("expected response to be accepted")
		}
	}
	settled := s.SmoothedRTT()
	if settled <= 0 || settled >= 0.01 {
		t.Fatalf("expected smoothed rtt to settle near 5ms, got %v", settled)
	}

	// A single 60ms outlier (e.g. one slow probe) must not itself jump the
	// smoothed value across the Good/Fair boundary (50ms) in one sample —
	// only the EMA should feed classification, not the raw rtt (§4.3).
	// The clock rejects it (over 3x the 5ms median), but the session still
	// folds its rtt into the smoothed estimate.
	s.tick(ctx)
	cs := sender.sent[len(sender.sent)-1].ClockSync
	local += 0.060
	resp := protocol.ClockSyncResponse{T1: cs.T1, T2: local, T3: local}
	if s.HandleResponse(resp, local) {
		t.Fatal("expected the clock to reject the 60ms rtt outlier")
	}
	raw := 0.060
	smoothed := s.SmoothedRTT()
	if smoothed >= raw {
		t.Fatalf("expected the smoothed rtt (%v) to stay well below the raw outlier (%v)", smoothed, raw)
	}
	if smoothed >= 0.050 {
		t.Fatalf("expected one outlier sample to leave the smoothed rtt below the Good/Fair boundary, got %v", smoothed)
	}
}

func TestManagerStartStopIsolatesPeers(t *testing.T) {
	clocks := clockdiscipline.NewManager()
	mgr := NewManager(clocks, 10*time.Millisecond, func() float64 { return 0 })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgr.Start(ctx, "peer-a", &recordingSender{})
	if _, ok := mgr.Session("peer-a"); !ok {
		t.Fatal("expected session for peer-a")
	}
	if _, ok := mgr.Session("peer-b"); ok {
		t.Fatal("did not expect a session for peer-b")
	}

	mgr.Stop("peer-a")
	if _, ok := mgr.Session("peer-a"); ok {
		t.Fatal("expected peer-a session to be gone after Stop")
	}
}
