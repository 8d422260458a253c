// Package mediabuffer implements the future buffer and playback scheduler
// from §4.3: frame admission against the disciplined clock, adaptive buffer
// depth driven by observed network quality, and per-track release timing
// handed off to a Renderer. The adaptive-depth math is grounded on
// original_source/server/src/media/buffer.rs's DynamicFutureBuffer, widened
// from its single quality enum + fixed step size into the spec's five-tier
// RTT/loss table with an explicit rate-limited, underrun-gated update rule.
package mediabuffer

import (
	"sync"

	"github.com/yukihamada/solusync-x/internal/protocol"
)

// FrameType classifies a media frame's role in the decode/render pipeline,
// per original_source's FrameType enum.
type FrameType string

const (
	FrameAudio         FrameType = "audio"
	FrameVideo         FrameType = "video"
	FrameVideoKeyframe FrameType = "video_keyframe"
)

// Frame is one admitted unit of media with a presentation time in the
// disciplined clock's τ domain.
type Frame struct {
	TrackID         string
	Data            []byte
	PresentationTau float64
	Duration        float64
	Type            FrameType
	Sequence        uint64
}

// Buffer depth bounds (original_source: min 30ms, max 500ms), independent of
// the quality table's own range so a pathological quality classification
// never drives the live target outside safe bounds.
const (
	minBufferMs = 30.0
	maxBufferMs = 500.0
)

// Tuning holds the three rate parameters §4.3 leaves as operator-tunable
// knobs rather than fixed constants (config.Buffer carries one of these per
// deployment).
type Tuning struct {
	// AdjustmentRate bounds |ΔB_live| per second, as a fraction of B_live.
	AdjustmentRate float64
	// UnderrunJumpFactor is the immediate multiplicative bump on underrun.
	UnderrunJumpFactor float64
	// DecayAfterSeconds gates B_live from shrinking until this long has
	// passed since the last underrun.
	DecayAfterSeconds float64
}

// DefaultTuning matches §4.3's defaults (10%/s, 1.2x jump, 5s decay gate).
func DefaultTuning() Tuning {
	return Tuning{AdjustmentRate: 0.10, UnderrunJumpFactor: 1.2, DecayAfterSeconds: 5.0}
}

// BTargetMs returns the recommended buffer target for a quality tier, per
// §4.3's table.
func BTargetMs(q protocol.NetworkQuality) float64 {
	switch q {
	case protocol.QualityExcellent:
		return 30
	case protocol.QualityGood:
		return 80
	case protocol.QualityFair:
		return 120
	case protocol.QualityPoor:
		return 180
	default:
		return 250
	}
}

// ClassifyQuality maps smoothed RTT (seconds) and loss ratio (0..1) to a
// quality tier per §4.3's table. Callers are expected to have already
// EMA-smoothed rtt and loss before classifying, to avoid boundary
// oscillation.
func ClassifyQuality(rtt, loss float64) protocol.NetworkQuality {
	switch {
	case rtt < 0.010 && loss == 0:
		return protocol.QualityExcellent
	case rtt < 0.050 && loss < 0.001:
		return protocol.QualityGood
	case rtt < 0.100 && loss < 0.01:
		return protocol.QualityFair
	case rtt < 0.200 && loss < 0.05:
		return protocol.QualityPoor
	default:
		return protocol.QualityCritical
	}
}

// DynamicFutureBuffer tracks the target and live buffer depth for one
// track, adapting to network quality within the §4.3 rate limits.
type DynamicFutureBuffer struct {
	mu sync.Mutex

	tuning   Tuning
	quality  protocol.NetworkQuality
	targetMs float64
	liveMs   float64

	lastSampleAt   float64
	haveLastSample bool
	lastUnderrunAt float64
	haveUnderrun   bool

	underrunCount uint64
	overrunCount  uint64
}

// NewDynamicFutureBuffer seeds a buffer at initialMs for the given quality
// tier, using §4.3's default rate tuning. initialMs is clamped to
// [minBufferMs, maxBufferMs].
func NewDynamicFutureBuffer(initialMs float64, quality protocol.NetworkQuality) *DynamicFutureBuffer {
	return NewDynamicFutureBufferWithTuning(initialMs, quality, DefaultTuning())
}

// NewDynamicFutureBufferWithTuning is NewDynamicFutureBuffer with an
// operator-supplied Tuning instead of §4.3's defaults.
func NewDynamicFutureBufferWithTuning(initialMs float64, quality protocol.NetworkQuality, tuning Tuning) *DynamicFutureBuffer {
	return &DynamicFutureBuffer{
		tuning:   tuning,
		quality:  quality,
		targetMs: clamp(initialMs, minBufferMs, maxBufferMs),
		liveMs:   clamp(initialMs, minBufferMs, maxBufferMs),
	}
}

// TargetMs returns the current recommended target.
func (b *DynamicFutureBuffer) TargetMs() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.targetMs
}

// LiveMs returns the current live buffer depth actually in effect.
func (b *DynamicFutureBuffer) LiveMs() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.liveMs
}

// Sample updates the tracked quality and moves the live depth toward the
// resulting target, rate-limited to §4.3's ≤10%/s. now is the disciplined
// clock time (or any monotonically increasing seconds counter) this sample
// was taken at; spec calls for a 200ms sampling cadence, but Sample itself
// is cadence-agnostic and simply integrates whatever dt has elapsed.
func (b *DynamicFutureBuffer) Sample(quality protocol.NetworkQuality, now float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.quality = quality
	b.targetMs = BTargetMs(quality)

	if !b.haveLastSample {
		b.lastSampleAt = now
		b.haveLastSample = true
		return
	}
	dt := now - b.lastSampleAt
	b.lastSampleAt = now
	if dt <= 0 {
		return
	}
	b.moveTowardTarget(dt, now)
}

func (b *DynamicFutureBuffer) moveTowardTarget(dt, now float64) {
	diff := b.targetMs - b.liveMs
	if diff == 0 {
		return
	}
	maxDelta := b.tuning.AdjustmentRate * b.liveMs * dt

	if diff > 0 {
		move := diff
		if move > maxDelta {
			move = maxDelta
		}
		b.liveMs = clamp(b.liveMs+move, minBufferMs, maxBufferMs)
		return
	}

	quiet := !b.haveUnderrun || now-b.lastUnderrunAt >= b.tuning.DecayAfterSeconds
	if !quiet {
		return
	}
	move := -diff
	if move > maxDelta {
		move = maxDelta
	}
	b.liveMs = clamp(b.liveMs-move, minBufferMs, maxBufferMs)
}

// ReportUnderrun records a playback starvation event and jumps the live
// depth up immediately, per §4.3(b).
func (b *DynamicFutureBuffer) ReportUnderrun(now float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.underrunCount++
	b.liveMs = clamp(b.liveMs*b.tuning.UnderrunJumpFactor, minBufferMs, maxBufferMs)
	b.lastUnderrunAt = now
	b.haveUnderrun = true
}

// BumpTargetOneStep raises the target by one AdjustmentRate step (target ×
// (1+AdjustmentRate), clamped to the buffer bounds), used when
// the scheduler observes queue pressure (§5 backpressure). It does not
// change the reported quality tier, only the numeric target.
func (b *DynamicFutureBuffer) BumpTargetOneStep() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.targetMs = clamp(b.targetMs*(1+b.tuning.AdjustmentRate), minBufferMs, maxBufferMs)
}

// ReportOverrun records a queue-pressure event: the scheduler's per-track
// queue grew past MAX_QUEUE with frames still in the future (§5's
// backpressure — they're valid, not dropped, but the queue is running
// ahead of what's being released).
func (b *DynamicFutureBuffer) ReportOverrun() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.overrunCount++
}

// Stats reports the underrun and overrun counters for telemetry.
func (b *DynamicFutureBuffer) Stats() (underruns, overruns uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.underrunCount, b.overrunCount
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
