package mediabuffer

import (
	"testing"

	"github.com/yukihamada/solusync-x/internal/protocol"
)

func TestClassifyQualityTiers(t *testing.T) {
	cases := []struct {
		rtt, loss float64
		want      protocol.NetworkQuality
	}{
		{0.005, 0, protocol.QualityExcellent},
		{0.030, 0.0005, protocol.QualityGood},
		{0.080, 0.005, protocol.QualityFair},
		{0.150, 0.03, protocol.QualityPoor},
		{0.300, 0.1, protocol.QualityCritical},
	}
	for _, c := range cases {
		if got := ClassifyQuality(c.rtt, c.loss); got != c.want {
			t.Errorf("ClassifyQuality(%v, %v) = %v, want %v", c.rtt, c.loss, got, c.want)
		}
	}
}

func TestBufferAdaptsTowardTargetWithinRateLimit(t *testing.T) {
	b := NewDynamicFutureBuffer(5, protocol.QualityGood) // starts below Good's 80ms target
	b.Sample(protocol.QualityGood, 0)                    // seeds lastSampleAt, no move yet

	before := b.LiveMs()
	b.Sample(protocol.QualityGood, 1) // 1s later
	after := b.LiveMs()

	maxDelta := DefaultTuning().AdjustmentRate * before
	if after-before > maxDelta+1e-9 {
		t.Fatalf("moved %v in 1s, want <= %v", after-before, maxDelta)
	}
	if after <= before {
		t.Fatalf("expected live buffer to grow toward target, got %v -> %v", before, after)
	}
}

func TestUnderrunJumpsImmediately(t *testing.T) {
	b := NewDynamicFutureBuffer(80, protocol.QualityGood)
	before := b.LiveMs()
	b.ReportUnderrun(10)
	after := b.LiveMs()
	if after != before*DefaultTuning().UnderrunJumpFactor {
		t.Fatalf("underrun jump = %v, want %v", after, before*DefaultTuning().UnderrunJumpFactor)
	}
}

func TestDecayGatedUntilQuiet(t *testing.T) {
	b := NewDynamicFutureBuffer(180, protocol.QualityPoor) // live=target=180
	b.Sample(protocol.QualityPoor, 0)
	b.ReportUnderrun(0)
	liveAfterUnderrun := b.LiveMs()

	// Quality improves to Excellent (target 30ms), but only 1s since underrun:
	// decay must not yet apply.
	b.Sample(protocol.QualityExcellent, 1)
	if b.LiveMs() != liveAfterUnderrun {
		t.Fatalf("decay applied before quiet period elapsed: %v -> %v", liveAfterUnderrun, b.LiveMs())
	}

	// 6s after the underrun, decay should be permitted to start narrowing.
	b.Sample(protocol.QualityExcellent, 6)
	if b.LiveMs() >= liveAfterUnderrun {
		t.Fatalf("expected decay to begin after quiet period, stayed at %v", b.LiveMs())
	}
}

func TestBumpTargetOneStep(t *testing.T) {
	b := NewDynamicFutureBuffer(80, protocol.QualityGood)
	before := b.TargetMs()
	b.BumpTargetOneStep()
	if b.TargetMs() <= before {
		t.Fatalf("expected target to increase, got %v -> %v", before, b.TargetMs())
	}
}
