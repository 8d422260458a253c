// Package clockdiscipline implements the disciplined clock model from §4.1:
// an (offset, drift, anchor) triple refined by an exponential moving average
// over measured offsets, with drift estimated by ordinary least squares over
// a bounded window of recent samples. §9 resolves the Kalman-filter question
// in the original reference in favor of this EMA+OLS pair — cheaper, free of
// per-step matrix allocation, and good enough given the probe cadence (§4.2).
package clockdiscipline

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/yukihamada/solusync-x/internal/util"
)

const (
	// DefaultCapacity is the ring size for retained samples (§4.1).
	DefaultCapacity = 20

	// emaAlpha is the fusion weight for a full four-timestamp probe.
	emaAlpha = 0.1

	// emaAlphaQuick is the fusion weight for a heartbeat-derived quick
	// sample — half the full weight, since it rides piggyback on a
	// message that wasn't shaped for clock discipline (§9 resolution).
	emaAlphaQuick = 0.05

	// regressionWindow bounds how many recent samples feed the drift fit.
	regressionWindow = 10

	// minSamplesForDrift is the smallest window OLS is attempted over.
	minSamplesForDrift = 3

	// rejectMultiplier flags a candidate sample as an outlier when its
	// rtt exceeds this multiple of the recent median rtt.
	rejectMultiplier = 3.0

	// lsqDenomEpsilon guards the OLS denominator against a near-singular
	// fit (samples with near-identical timestamps).
	lsqDenomEpsilon = 1e-4
)

// Sample is one accepted offset/rtt observation, timestamped by the local
// receive instant it was derived from.
type Sample struct {
	OffsetMeas float64
	RTT        float64
	TLocalRecv float64
}

// Clock holds the fused (offset, drift, anchor) state for one peer
// connection and the ring of samples that informed it. Zero value is not
// usable — construct with New.
type Clock struct {
	mu       sync.Mutex
	offset   float64
	drift    float64
	anchor   float64
	capacity int
	samples  *util.RingBuffer[Sample]
	localNow func() float64
}

var processStart = time.Now()

// monotonicNow returns seconds elapsed since process start, using the
// runtime's monotonic clock reading rather than wall time.
func monotonicNow() float64 {
	return time.Since(processStart).Seconds()
}

// New returns a Clock with the default sample capacity and the process's
// monotonic clock as its local time source.
func New() *Clock {
	return NewWithCapacity(DefaultCapacity)
}

// NewWithCapacity returns a Clock retaining up to capacity samples.
func NewWithCapacity(capacity int) *Clock {
	return &Clock{
		capacity: capacity,
		samples:  util.NewRingBuffer[Sample](capacity),
		localNow: monotonicNow,
	}
}

// NewWithLocalClock returns a Clock driven by a caller-supplied local time
// source, for deterministic tests.
func NewWithLocalClock(capacity int, localNow func() float64) *Clock {
	return &Clock{
		capacity: capacity,
		samples:  util.NewRingBuffer[Sample](capacity),
		localNow: localNow,
	}
}

// Now returns the disciplined estimate of the remote clock's current time:
// local time projected through the fused offset and drift.
func (c *Clock) Now() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.project(c.localNow())
}

func (c *Clock) project(tLocal float64) float64 {
	return tLocal + c.offset + c.drift*(tLocal-c.anchor)
}

// Offset returns the currently fused offset.
func (c *Clock) Offset() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offset
}

// Drift returns the currently fitted drift rate (seconds per second).
func (c *Clock) Drift() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.drift
}

// LastRTT returns the rtt of the most recently accepted sample, or 0 if no
// sample has been accepted yet.
func (c *Clock) LastRTT() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := c.samples.Snapshot()
	if len(snap) == 0 {
		return 0
	}
	return snap[len(snap)-1].RTT
}

// SubmitProbe ingests a completed four-timestamp exchange (§4.1). It
// recomputes drift from the updated sample window. Returns false if the
// sample was rejected as an outlier or produced a non-finite fused value;
// in that case clock state is left unchanged.
func (c *Clock) SubmitProbe(t1, t2, t3, t4 float64) bool {
	r := CalculateOffset(t1, t2, t3, t4)
	return c.submit(Sample{OffsetMeas: r.OffsetMeas, RTT: r.RTT, TLocalRecv: t4}, emaAlpha, true)
}

// SubmitQuick ingests an offset/rtt pair derived from an ordinary heartbeat
// exchange rather than a dedicated probe (§4.2). It fuses at half weight and
// never touches the drift fit, since a single heartbeat round trip carries
// no new timestamp for the regression window beyond what a probe already
// contributed.
func (c *Clock) SubmitQuick(offsetMeas, rtt float64) bool {
	t := c.localNow()
	return c.submit(Sample{OffsetMeas: offsetMeas, RTT: rtt, TLocalRecv: t}, emaAlphaQuick, false)
}

func (c *Clock) submit(s Sample, alpha float64, updateDrift bool) bool {
	if math.IsNaN(s.RTT) || math.IsInf(s.RTT, 0) || s.RTT < 0 {
		return false
	}
	if math.IsNaN(s.OffsetMeas) || math.IsInf(s.OffsetMeas, 0) {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing := c.samples.Snapshot(); len(existing) > 0 {
		if med := medianRTT(recentWindow(existing, regressionWindow)); med > 0 && s.RTT > rejectMultiplier*med {
			return false
		}
	}

	newOffset := (1-alpha)*c.offset + alpha*s.OffsetMeas
	if math.IsNaN(newOffset) || math.IsInf(newOffset, 0) {
		return false
	}

	c.samples.Push(s)
	c.offset = newOffset
	c.anchor = s.TLocalRecv

	if updateDrift {
		window := recentWindow(c.samples.Snapshot(), regressionWindow)
		if len(window) >= minSamplesForDrift {
			if slope, ok := fitDrift(window); ok {
				c.drift = slope
			}
		}
	}

	return true
}

// Reset clears all accumulated state, discarding history. The next accepted
// sample re-establishes offset, drift, and anchor from scratch.
func (c *Clock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offset = 0
	c.drift = 0
	c.anchor = c.localNow()
	c.samples = util.NewRingBuffer[Sample](c.capacity)
}

func recentWindow(snap []Sample, n int) []Sample {
	if len(snap) <= n {
		return snap
	}
	return snap[len(snap)-n:]
}

func medianRTT(samples []Sample) float64 {
	if len(samples) == 0 {
		return 0
	}
	rtts := make([]float64, len(samples))
	for i, s := range samples {
		rtts[i] = s.RTT
	}
	sort.Float64s(rtts)
	mid := len(rtts) / 2
	if len(rtts)%2 == 0 {
		return (rtts[mid-1] + rtts[mid]) / 2
	}
	return rtts[mid]
}

// fitDrift computes the OLS slope of OffsetMeas against TLocalRecv over the
// given window. ok is false when the window's timestamps are too close
// together for a numerically stable fit, in which case drift is left
// unchanged by the caller.
func fitDrift(window []Sample) (slope float64, ok bool) {
	n := float64(len(window))
	var sumX, sumY, sumXY, sumXX float64
	for _, s := range window {
		x, y := s.TLocalRecv, s.OffsetMeas
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if math.Abs(denom) < lsqDenomEpsilon {
		return 0, false
	}
	slope = (n*sumXY - sumX*sumY) / denom
	if math.IsNaN(slope) || math.IsInf(slope, 0) {
		return 0, false
	}
	return slope, true
}
