package daemon

import (
	"fmt"
	"log"
	"net"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"

	"github.com/yukihamada/solusync-x/internal/config"
	"github.com/yukihamada/solusync-x/internal/mediabuffer"
)

// RTPIngest listens for RTP media packets and RTCP sender reports on a
// single UDP socket and admits decoded frames into a Scheduler, giving a
// client role a concrete network source for the §4.3 admission pipeline.
// Grounded on mediabuffer.RTPTimeMapper/DecodeFrame: those exist as pure
// conversion helpers with no caller until this listener exercises them.
// RTP/RTCP demultiplexing on one port checks the second byte: a value in
// the RTCP packet-type range 200-211 is RTCP, anything else is RTP —
// real deployments more commonly split RTP/RTCP onto adjacent ports, but
// single-port demuxing keeps the client's listening surface to one socket.
type RTPIngest struct {
	conn *net.UDPConn
}

// rtpTrack binds one track's sequencing state to the scheduler it feeds.
type rtpTrack struct {
	trackID   string
	clockRate uint32
	mapper    *mediabuffer.RTPTimeMapper
	seq       uint64
	frameType mediabuffer.FrameType
}

// NewRTPTrack returns sequencing state for a track sampled at clockRate Hz,
// classifying frames as frameType unless a marker bit promotes a video
// frame to a keyframe (see mediabuffer.DecodeFrame).
func NewRTPTrack(trackID string, clockRate uint32, frameType mediabuffer.FrameType) *rtpTrack {
	return &rtpTrack{
		trackID:   trackID,
		clockRate: clockRate,
		mapper:    mediabuffer.NewRTPTimeMapper(clockRate),
		frameType: frameType,
	}
}

// ListenRTP opens a UDP socket at addr and runs the receive loop until the
// socket is closed (typically via ctx cancellation closing conn elsewhere).
// Each packet is routed to track, decoded into a mediabuffer.Frame, and
// admitted into scheduler; admission-queue pressure and lateness are
// reported through the same EventSink the scheduler was built with.
func ListenRTP(addr string, track *rtpTrack, scheduler *mediabuffer.Scheduler, frameDuration float64) (*RTPIngest, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}

	ing := &RTPIngest{conn: conn}
	go ing.receiveLoop(track, scheduler, frameDuration)
	return ing, nil
}

func (ing *RTPIngest) receiveLoop(track *rtpTrack, scheduler *mediabuffer.Scheduler, frameDuration float64) {
	buf := make([]byte, 1500)
	for {
		n, _, err := ing.conn.ReadFromUDP(buf)
		if err != nil {
			log.Printf("DAEMON: rtp listener for %s closed: %v", track.trackID, err)
			return
		}
		ing.handlePacket(track, scheduler, frameDuration, buf[:n])
	}
}

func (ing *RTPIngest) handlePacket(track *rtpTrack, scheduler *mediabuffer.Scheduler, frameDuration float64, data []byte) {
	if len(data) < 2 {
		return
	}
	// RTCP packet types occupy 200-211; RTP's second byte carries the
	// payload type in the low 7 bits, which never collides with that range
	// for the payload types this track negotiates.
	if pt := data[1]; pt >= 200 && pt <= 211 {
		packets, err := rtcp.Unmarshal(data)
		if err != nil {
			return
		}
		for _, pkt := range packets {
			if sr, ok := pkt.(*rtcp.SenderReport); ok {
				track.mapper.ObserveSenderReport(sr)
			}
		}
		return
	}

	pkt := &rtp.Packet{}
	if err := pkt.Unmarshal(data); err != nil {
		log.Printf("DAEMON: rtp unmarshal for %s failed: %v", track.trackID, err)
		return
	}
	tau, ok := track.mapper.PresentationTau(pkt)
	if !ok {
		// No sender report observed yet; this packet can't be scheduled
		// without an anchor, so it is dropped rather than guessed at.
		return
	}
	track.seq++
	frame := mediabuffer.DecodeFrame(track.trackID, pkt, tau, frameDuration, track.seq, track.frameType)
	if err := scheduler.Admit(frame); err != nil {
		log.Printf("DAEMON: admit frame %d for %s rejected: %v", frame.Sequence, track.trackID, err)
	}
}

// Close stops the listener.
func (ing *RTPIngest) Close() error {
	return ing.conn.Close()
}

// startRTPTracks opens one ListenRTP socket per configured track, giving a
// client role its only concrete source of presentation frames: the
// control-plane protocol carries media_control commands (play/pause/seek)
// but never frame data itself (§4.4 is transport-agnostic about the media
// plane), so every track a client plays back must be named here.
func startRTPTracks(tracks []config.RTPTrack, scheduler *mediabuffer.Scheduler) ([]*RTPIngest, error) {
	ingests := make([]*RTPIngest, 0, len(tracks))
	for _, t := range tracks {
		frameType := mediabuffer.FrameAudio
		if t.FrameType == "video" {
			frameType = mediabuffer.FrameVideo
		}
		track := NewRTPTrack(t.TrackID, t.ClockRate, frameType)
		ing, err := ListenRTP(t.ListenAddr, track, scheduler, t.FrameDurationSeconds)
		if err != nil {
			for _, prior := range ingests {
				_ = prior.Close()
			}
			return nil, fmt.Errorf("track %s: %w", t.TrackID, err)
		}
		log.Printf("DAEMON: listening for rtp track %s on %s", t.TrackID, t.ListenAddr)
		ingests = append(ingests, ing)
	}
	return ingests, nil
}
