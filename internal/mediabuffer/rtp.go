package mediabuffer

import (
	"sync"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
)

// ntpEpochOffset is the number of seconds between the NTP epoch (1900) and
// the Unix epoch (1970), needed to convert RTCP sender report timestamps
// into the same wall-clock domain the disciplined clock speaks.
const ntpEpochOffset = 2208988800

// RTPTimeMapper converts RTP packet timestamps (an arbitrary per-track
// clock running at a track-specific rate) into presentation_τ, using the
// RTP-timestamp/NTP-timestamp pairing carried in RTCP sender reports. This
// is the same anchoring technique used to synchronize audio and video in
// any RTP-based pipeline; §4.3 assumes presentation_τ is already available
// on each frame, and this is how a real network reader derives it.
type RTPTimeMapper struct {
	mu         sync.Mutex
	clockRate  uint32
	haveAnchor bool
	anchorRTP  uint32
	anchorTau  float64
}

// NewRTPTimeMapper returns a mapper for a track sampled at clockRate Hz
// (e.g. 48000 for Opus, 90000 for H.264/VP9 RTP timestamps).
func NewRTPTimeMapper(clockRate uint32) *RTPTimeMapper {
	return &RTPTimeMapper{clockRate: clockRate}
}

// ObserveSenderReport anchors the mapper using an RTCP sender report.
func (m *RTPTimeMapper) ObserveSenderReport(sr *rtcp.SenderReport) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.anchorRTP = sr.RTPTime
	m.anchorTau = ntpToSeconds(sr.NTPTime)
	m.haveAnchor = true
}

// PresentationTau computes pkt's presentation time in the disciplined
// clock's τ domain. ok is false until at least one sender report has been
// observed.
func (m *RTPTimeMapper) PresentationTau(pkt *rtp.Packet) (tau float64, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.haveAnchor || m.clockRate == 0 {
		return 0, false
	}
	deltaTicks := int64(pkt.Timestamp) - int64(m.anchorRTP)
	deltaSeconds := float64(deltaTicks) / float64(m.clockRate)
	return m.anchorTau + deltaSeconds, true
}

// DecodeFrame builds a Frame from an RTP packet, classifying it by payload
// marker bit (video keyframes set the marker on their last packet, per
// common RTP profiles) and the track's configured type.
func DecodeFrame(trackID string, pkt *rtp.Packet, tau float64, duration float64, sequence uint64, frameType FrameType) Frame {
	if frameType == FrameVideo && pkt.Marker {
		frameType = FrameVideoKeyframe
	}
	return Frame{
		TrackID:         trackID,
		Data:            pkt.Payload,
		PresentationTau: tau,
		Duration:        duration,
		Type:            frameType,
		Sequence:        sequence,
	}
}

func ntpToSeconds(ntp uint64) float64 {
	sec := float64(ntp >> 32)
	frac := float64(ntp&0xffffffff) / (1 << 32)
	return sec - ntpEpochOffset + frac
}
