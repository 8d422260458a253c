package clockdiscipline

import "testing"

func TestCalculateOffsetSymmetric(t *testing.T) {
	// One-way delay 0.02s each direction, peer clock ahead by 0.05s, 0.001s
	// peer-side processing: t1=0, t2=0.07, t3=0.071, t4=0.041.
	r := CalculateOffset(0, 0.07, 0.071, 0.041)
	if got, want := r.RTT, 0.04; !almostEqual(got, want) {
		t.Fatalf("rtt = %v, want %v", got, want)
	}
	if got, want := r.OffsetMeas, 0.05; !almostEqual(got, want) {
		t.Fatalf("offset_meas = %v, want %v", got, want)
	}
}

func TestSubmitProbeFusesTowardMeasured(t *testing.T) {
	local := 0.0
	c := NewWithLocalClock(DefaultCapacity, func() float64 { return local })

	const target = 0.05
	for i := 0; i < 30; i++ {
		local += 1.0
		t1 := local
		t2 := t1 + 0.07
		t3 := t1 + 0.071
		t4 := t1 + 0.041
		if !c.SubmitProbe(t1, t2, t3, t4) {
			t.Fatalf("probe %d rejected", i)
		}
	}

	if got := c.Offset(); got < 0.03 || got > target {
		t.Fatalf("offset after fusion = %v, want within [0.03, %v]", got, target)
	}
}

func TestSubmitProbeRejectsNegativeRTT(t *testing.T) {
	c := New()
	if c.SubmitProbe(10, 5, 5, 5) {
		t.Fatal("expected rejection of a probe implying negative rtt")
	}
	if c.Offset() != 0 {
		t.Fatalf("rejected probe must not change state, offset = %v", c.Offset())
	}
}

func TestSubmitProbeRejectsRTTOutlier(t *testing.T) {
	local := 0.0
	c := NewWithLocalClock(DefaultCapacity, func() float64 { return local })

	for i := 0; i < 4; i++ {
		local += 1.0
		t1 := local
		t2 := t1 + 0.01
		t3 := t2 + 0.001
		t4 := t1 + 0.02
		if !c.SubmitProbe(t1, t2, t3, t4) {
			t.Fatalf("baseline probe %d rejected", i)
		}
	}

	before := c.Offset()
	local += 1.0
	t1 := local
	t4 := t1 + 2.0 // rtt far beyond 3x the ~0.02s baseline median
	if c.SubmitProbe(t1, t1+0.5, t1+0.6, t4) {
		t.Fatal("expected rtt outlier to be rejected")
	}
	if c.Offset() != before {
		t.Fatalf("offset changed despite rejected outlier: %v -> %v", before, c.Offset())
	}
}

func TestSubmitQuickDoesNotUpdateDrift(t *testing.T) {
	local := 0.0
	c := NewWithLocalClock(DefaultCapacity, func() float64 { return local })

	for i := 0; i < 5; i++ {
		local += 1.0
		t1 := local
		t2 := t1 + 0.01 + float64(i)*0.01
		t3 := t2 + 0.001
		t4 := t1 + 0.02
		c.SubmitProbe(t1, t2, t3, t4)
	}
	driftAfterProbes := c.Drift()

	local += 1.0
	c.SubmitQuick(0.5, 0.02)

	if c.Drift() != driftAfterProbes {
		t.Fatalf("quick sample changed drift: %v -> %v", driftAfterProbes, c.Drift())
	}
}

func TestResetClearsState(t *testing.T) {
	local := 0.0
	c := NewWithLocalClock(DefaultCapacity, func() float64 { return local })
	for i := 0; i < 3; i++ {
		local += 1.0
		t1 := local
		c.SubmitProbe(t1, t1+0.05, t1+0.06, t1+0.1)
	}
	if c.Offset() == 0 {
		t.Fatal("expected nonzero offset before reset")
	}

	c.Reset()
	if c.Offset() != 0 || c.Drift() != 0 {
		t.Fatalf("reset left nonzero state: offset=%v drift=%v", c.Offset(), c.Drift())
	}
	if c.LastRTT() != 0 {
		t.Fatalf("reset left a stale last rtt: %v", c.LastRTT())
	}
}

func TestManagerIsolatesPeers(t *testing.T) {
	m := NewManager()
	a := m.Clock("peer-a")
	b := m.Clock("peer-b")
	if a == b {
		t.Fatal("distinct peers must get distinct clocks")
	}
	a.SubmitProbe(0, 0.05, 0.06, 0.1)
	if b.Offset() != 0 {
		t.Fatalf("peer-b offset perturbed by peer-a activity: %v", b.Offset())
	}

	m.Drop("peer-a")
	fresh := m.Clock("peer-a")
	if fresh.Offset() != 0 {
		t.Fatalf("dropped peer's clock should be recreated clean, got offset %v", fresh.Offset())
	}
}

func almostEqual(a, b float64) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d < 1e-9
}
