// Package syncdriver dispatches the periodic clock_sync probes described in
// §4.2 over a single connection, and folds heartbeat round trips into the
// same disciplined clock as low-weight "quick samples." The outstanding-probe
// bookkeeping and per-peer run loop are grounded on the teacher's
// internal/entangle ping/pong manager, generalized from a fixed 30s keepalive
// to a configurable probe cadence with response correlation instead of a
// bare ping/pong tag.
package syncdriver

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/yukihamada/solusync-x/internal/clockdiscipline"
	"github.com/yukihamada/solusync-x/internal/protocol"
)

// Sender delivers an envelope to the peer a Session is driving. Implemented
// by the control-plane session wrapper over a websocket or libp2p stream.
type Sender interface {
	Send(ctx context.Context, env protocol.Envelope) error
}

// DefaultProbeInterval is the §4.2 probe cadence: one four-timestamp
// exchange per second.
const DefaultProbeInterval = 1 * time.Second

// probeTimeout bounds how long a Session waits for a clock_sync_response
// before considering the outstanding probe lost and allowing a retry. At
// 1Hz cadence, waiting beyond one full interval already means the next
// scheduled probe is due; this timeout only fires when the tick itself
// would otherwise stall waiting on the single-outstanding-probe rule.
const probeTimeout = 3 * time.Second

// Session drives clock discipline for one peer connection. There is no
// global singleton: each connected peer gets its own Session and its own
// single-outstanding-probe state, so a stalled link to one peer never
// blocks probing another (§4.2).
type Session struct {
	nodeID string
	seq    uint64
	clock  *clockdiscipline.Clock
	sender Sender
	now    func() float64

	mu          sync.Mutex
	outstanding bool
	sentT1      float64
	sentAt      float64

	haveLoss bool
	lossEMA  float64

	haveRTT bool
	rttEMA  float64
}

// qualityAlpha weights the most recent loss/rtt sample into their running
// estimates. §4.3 calls for "the same EMA used for offset" (§4.1's α=0.1)
// to smooth both loss and rtt before either feeds the quality table, so
// this mirrors clockdiscipline's emaAlpha exactly rather than picking an
// independent weight.
const qualityAlpha = 0.1

// NewSession returns a Session that probes clock for nodeID over sender.
// now supplies the session's local time source (seconds); pass
// clockdiscipline monotonicNow-compatible func for production use.
func NewSession(nodeID string, clock *clockdiscipline.Clock, sender Sender, now func() float64) *Session {
	return &Session{
		nodeID: nodeID,
		clock:  clock,
		sender: sender,
		now:    now,
	}
}

// Run drives the probe ticker until ctx is cancelled.
func (s *Session) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Session) tick(ctx context.Context) {
	s.mu.Lock()
	if s.outstanding && s.now()-s.sentAt < probeTimeout.Seconds() {
		s.mu.Unlock()
		return
	}
	if s.outstanding {
		log.Printf("SYNCDRIVER [%s]: probe timed out after %.1fs, retrying", s.nodeID, probeTimeout.Seconds())
		s.recordLossLocked(1.0)
	}
	s.seq++
	t1 := s.now()
	s.outstanding = true
	s.sentT1 = t1
	s.sentAt = t1
	hdr := protocol.NewHeader(s.nodeID, s.seq)
	s.mu.Unlock()

	hdr.Timestamp = t1
	env := protocol.WrapClockSync(protocol.ClockSync{Header: hdr, T1: t1})
	if err := s.sender.Send(ctx, env); err != nil {
		log.Printf("SYNCDRIVER [%s]: probe send failed: %v", s.nodeID, err)
		s.mu.Lock()
		s.outstanding = false
		s.mu.Unlock()
	}
}

// HandleResponse processes an inbound clock_sync_response. tLocalRecv is
// the local receive instant (t4). Stale or mismatched responses — those
// whose echoed t1 doesn't match the currently outstanding probe — are
// ignored rather than fed to the clock.
func (s *Session) HandleResponse(resp protocol.ClockSyncResponse, tLocalRecv float64) bool {
	s.mu.Lock()
	if !s.outstanding || resp.T1 != s.sentT1 {
		s.mu.Unlock()
		return false
	}
	s.outstanding = false
	s.recordLossLocked(0.0)
	r := clockdiscipline.CalculateOffset(resp.T1, resp.T2, resp.T3, tLocalRecv)
	if r.RTT >= 0 {
		s.recordRTTLocked(r.RTT)
	}
	s.mu.Unlock()

	return s.clock.SubmitProbe(resp.T1, resp.T2, resp.T3, tLocalRecv)
}

// recordLossLocked folds one probe outcome (1.0 lost, 0.0 acked) into the
// running loss estimate. Callers must hold s.mu.
func (s *Session) recordLossLocked(sample float64) {
	if !s.haveLoss {
		s.lossEMA = sample
		s.haveLoss = true
		return
	}
	s.lossEMA = qualityAlpha*sample + (1-qualityAlpha)*s.lossEMA
}

// recordRTTLocked folds one probe's raw rtt into the running smoothed rtt
// estimate. Callers must hold s.mu.
func (s *Session) recordRTTLocked(sample float64) {
	if !s.haveRTT {
		s.rttEMA = sample
		s.haveRTT = true
		return
	}
	s.rttEMA = qualityAlpha*sample + (1-qualityAlpha)*s.rttEMA
}

// LossRatio returns the session's current smoothed probe loss estimate
// (0..1), for quality classification alongside SmoothedRTT.
func (s *Session) LossRatio() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lossEMA
}

// SmoothedRTT returns the session's EMA-smoothed rtt (seconds), the value
// §4.3 requires the quality table to be consulted with rather than a raw
// per-probe rtt, so classification doesn't oscillate across a table
// boundary on a single noisy sample.
func (s *Session) SmoothedRTT() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rttEMA
}

// HandleHeartbeatAck folds a heartbeat round trip into the disciplined
// clock as a quick sample (§4.2, §9). clientTime is the timestamp this
// session stamped when it sent the heartbeat; serverTime is the peer's
// reported processing time; tLocalRecv is the local receive instant of the
// ack. The peer's send time is assumed equal to its processing time since
// heartbeat acks carry no separate t3.
func (s *Session) HandleHeartbeatAck(clientTime, serverTime, tLocalRecv float64) bool {
	r := clockdiscipline.CalculateOffset(clientTime, serverTime, serverTime, tLocalRecv)
	return s.clock.SubmitQuick(r.OffsetMeas, r.RTT)
}
