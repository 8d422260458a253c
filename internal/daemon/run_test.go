package daemon

import (
	"context"
	"testing"

	"github.com/yukihamada/solusync-x/internal/clockdiscipline"
	"github.com/yukihamada/solusync-x/internal/cluster"
	"github.com/yukihamada/solusync-x/internal/mediabuffer"
	"github.com/yukihamada/solusync-x/internal/protocol"
	"github.com/yukihamada/solusync-x/internal/syncdriver"
)

func TestWeightsFromConfig(t *testing.T) {
	got := weightsFromConfig([4]float64{0.1, 0.2, 0.3, 0.4})
	want := cluster.Weights{CPU: 0.1, Mem: 0.2, NetQuality: 0.3, Battery: 0.4}
	if got != want {
		t.Fatalf("weightsFromConfig() = %+v, want %+v", got, want)
	}
}

func TestMasterHolderGetSetRoundTrips(t *testing.T) {
	var h masterHolder
	if got := h.Get(); got != "" {
		t.Fatalf("expected empty initial value, got %q", got)
	}
	h.Set("node-a")
	if got := h.Get(); got != "node-a" {
		t.Fatalf("expected node-a, got %q", got)
	}
}

type discardSender struct{}

func (discardSender) Send(context.Context, protocol.Envelope) error { return nil }

func TestSampleQualityOnceSamplesEveryTrackFromTheMasterLink(t *testing.T) {
	var masterState masterHolder
	masterState.Set("master-1")

	clocks := clockdiscipline.NewManager()
	probes := syncdriver.NewManager(clocks, 0, protocol.NowSeconds)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	probes.Start(ctx, "master-1", discardSender{})

	sched := mediabuffer.NewScheduler(nil, mediabuffer.NoopEventSink{}, protocol.NowSeconds)
	if err := sched.StartTrack(ctx, "t1"); err != nil {
		t.Fatalf("start track: %v", err)
	}

	before := sched.Buffer("t1").TargetMs()
	sampleQualityOnce(&masterState, probes, sched)
	// A never-probed peer reads as zero RTT/loss, which classifies as
	// Excellent (30ms target) — different from the scheduler's Good-quality
	// (80ms) default seed, so the sample should move the target.
	if after := sched.Buffer("t1").TargetMs(); after == before {
		t.Fatalf("expected the sample to move the track's target, stayed at %v", before)
	}
}

func TestSampleQualityOnceNoopsWithoutAMaster(t *testing.T) {
	var masterState masterHolder
	sched := mediabuffer.NewScheduler(nil, mediabuffer.NoopEventSink{}, protocol.NowSeconds)
	clocks := clockdiscipline.NewManager()
	probes := syncdriver.NewManager(clocks, 0, protocol.NowSeconds)

	// Should not panic despite no registered master session.
	sampleQualityOnce(&masterState, probes, sched)
}
