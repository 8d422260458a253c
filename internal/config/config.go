// Package config loads and hot-reloads the node configuration for a
// SOLUSync-X process: identity, transport addresses, cluster tuning, and
// buffer tuning. Configuration is read-only input — the daemon never
// rewrites it at runtime, only at first-run bootstrap (see Ensure).
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/yukihamada/solusync-x/internal/util"
)

// Role selects which side of the protocol this process plays.
type Role string

const (
	RoleMaster  Role = "master"
	RoleReplica Role = "replica"
	RoleClient  Role = "client"
)

type Config struct {
	Identity Identity `json:"identity"`
	Node     Node     `json:"node"`
	Cluster  Cluster  `json:"cluster"`
	Buffer   Buffer   `json:"buffer"`
}

type Identity struct {
	// KeyFile holds an ed25519 seed used to sign node_status and
	// master_election broadcasts. Created on first run if absent.
	KeyFile string `json:"key_file"`
}

type Node struct {
	Role Role `json:"role"`

	// ListenAddr is the client-facing websocket listen address (master/replica only).
	ListenAddr string `json:"listen_addr"`

	// P2PListenPort is the libp2p listen port used for replica gossip streams
	// and the node_status/master_election pubsub topic. 0 = random.
	P2PListenPort int `json:"p2p_listen_port"`

	// Seeds lists known replica multiaddrs to dial at startup.
	Seeds []string `json:"seeds"`

	// MasterAddr is the client-facing websocket address a client role connects to.
	MasterAddr string `json:"master_addr"`

	// ReplicaAddrs maps a node_id to its client-facing websocket address,
	// for client-role rebind probing (§4.5) when MasterAddr stops
	// answering. Populated from the deployment's known replica set; a
	// client has no other way to learn addresses, since node_status only
	// carries node_id, not a dial target.
	ReplicaAddrs map[string]string `json:"replica_addrs,omitempty"`

	ProtocolVersion string `json:"protocol_version"`

	// RTPTracks lists the RTP media sources a client role listens for.
	// The control-plane protocol carries no codec/clock-rate metadata on
	// media_control (see protocol.Params) — a client has no way to learn
	// how to demultiplex a track's RTP stream except out of band, so this
	// is operator-provisioned alongside master_addr/replica_addrs.
	RTPTracks []RTPTrack `json:"rtp_tracks,omitempty"`
}

// RTPTrack configures one UDP listener that feeds a mediabuffer.Scheduler
// track with presentation frames decoded from an RTP stream (§4.3).
type RTPTrack struct {
	TrackID string `json:"track_id"`

	// ListenAddr is the local UDP address this track's RTP/RTCP traffic
	// arrives on (host:port). One socket carries both.
	ListenAddr string `json:"listen_addr"`

	// ClockRate is the RTP timestamp clock rate in Hz (e.g. 90000 for
	// video, 48000 for typical audio), needed to convert RTP timestamps
	// into presentation-tau via mediabuffer.RTPTimeMapper.
	ClockRate uint32 `json:"clock_rate"`

	// FrameType classifies frames as "audio" or "video" for mediabuffer.DecodeFrame.
	FrameType string `json:"frame_type"`

	// FrameDurationSeconds is the nominal per-frame duration used when a
	// packet's marker bit doesn't otherwise resolve frame boundaries.
	FrameDurationSeconds float64 `json:"frame_duration_seconds"`
}

type Cluster struct {
	// ElectionTimeoutMs is T_timeout from spec §4.5: how long a follower
	// waits without a master heartbeat before becoming a candidate.
	ElectionTimeoutMs int `json:"election_timeout_ms"`

	// GatherWindowMs is T_gather: how long a candidate waits for peer
	// election messages at the same term before deciding a winner.
	GatherWindowMs int `json:"gather_window_ms"`

	// ScoreWeights are (w1, w2, w3, w4) from the candidate score formula.
	ScoreWeights [4]float64 `json:"score_weights"`

	// HeartbeatIntervalMs is the control-plane heartbeat cadence (spec default 5000ms).
	HeartbeatIntervalMs int `json:"heartbeat_interval_ms"`

	// StatusBroadcastMs is the node_status broadcast cadence (spec default 2000ms).
	StatusBroadcastMs int `json:"status_broadcast_ms"`

	// Rate limits, per session/address.
	MaxProbesPerSecond   int `json:"max_probes_per_second"`
	MaxControlPerSecond  int `json:"max_control_per_second"`
	MaxSessionsPerSource int `json:"max_sessions_per_source"`

	// PeerKeys is the operator-provisioned trust store for cluster gossip
	// signature verification (§4.2): node_id -> its ed25519 public key,
	// base64-standard-encoded. There is no certificate exchange or PKI in
	// this spec, so a master/replica node can only verify node_status and
	// master_election signatures from peers whose keys were distributed
	// into this map out of band at deployment time.
	PeerKeys map[string]string `json:"peer_keys,omitempty"`
}

type Buffer struct {
	// MaxFutureSeconds is MAX_FUTURE from spec §4.3.
	MaxFutureSeconds float64 `json:"max_future_seconds"`

	// MaxQueuePerTrack is MAX_QUEUE from spec §5.
	MaxQueuePerTrack int `json:"max_queue_per_track"`

	// AdjustmentRatePerSecond bounds |ΔB_live| per second (spec default 0.10).
	AdjustmentRatePerSecond float64 `json:"adjustment_rate_per_second"`

	// UnderrunJumpFactor multiplies B_live immediately on underrun (spec default 1.2).
	UnderrunJumpFactor float64 `json:"underrun_jump_factor"`

	// DecayAfterSeconds is how long without an underrun before decay toward
	// target resumes (spec default 5s).
	DecayAfterSeconds float64 `json:"decay_after_seconds"`

	// QualitySampleMs is the network-quality resampling cadence (spec default 200ms).
	QualitySampleMs int `json:"quality_sample_ms"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			KeyFile: "data/identity.key",
		},
		Node: Node{
			Role:            RoleClient,
			ListenAddr:      ":7777",
			P2PListenPort:   0,
			Seeds:           nil,
			MasterAddr:      "ws://127.0.0.1:7777/session",
			ProtocolVersion: "1.0.0",
		},
		Cluster: Cluster{
			ElectionTimeoutMs:    3000,
			GatherWindowMs:       500,
			ScoreWeights:         [4]float64{0.3, 0.2, 0.3, 0.2},
			HeartbeatIntervalMs:  5000,
			StatusBroadcastMs:    2000,
			MaxProbesPerSecond:   10,
			MaxControlPerSecond:  100,
			MaxSessionsPerSource: 10,
		},
		Buffer: Buffer{
			MaxFutureSeconds:        10,
			MaxQueuePerTrack:        512,
			AdjustmentRatePerSecond: 0.10,
			UnderrunJumpFactor:      1.2,
			DecayAfterSeconds:       5,
			QualitySampleMs:         200,
		},
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Identity.KeyFile) == "" {
		return errors.New("identity.key_file is required")
	}

	switch c.Node.Role {
	case RoleMaster, RoleReplica, RoleClient:
	default:
		return fmt.Errorf("node.role must be master, replica, or client, got %q", c.Node.Role)
	}

	if c.Node.Role != RoleClient {
		if strings.TrimSpace(c.Node.ListenAddr) == "" {
			return errors.New("node.listen_addr is required for master/replica roles")
		}
		if c.Node.P2PListenPort < 0 || c.Node.P2PListenPort > 65535 {
			return errors.New("node.p2p_listen_port must be 0..65535")
		}
	}
	if c.Node.Role == RoleClient && strings.TrimSpace(c.Node.MasterAddr) == "" {
		return errors.New("node.master_addr is required for client role")
	}
	for _, t := range c.Node.RTPTracks {
		if strings.TrimSpace(t.TrackID) == "" {
			return errors.New("node.rtp_tracks[].track_id is required")
		}
		if err := ValidateBindAddr(t.ListenAddr); err != nil {
			return fmt.Errorf("node.rtp_tracks[%s].listen_addr: %w", t.TrackID, err)
		}
		if t.ClockRate == 0 {
			return fmt.Errorf("node.rtp_tracks[%s].clock_rate must be > 0", t.TrackID)
		}
		if t.FrameType != "audio" && t.FrameType != "video" {
			return fmt.Errorf("node.rtp_tracks[%s].frame_type must be audio or video", t.TrackID)
		}
		if t.FrameDurationSeconds <= 0 {
			return fmt.Errorf("node.rtp_tracks[%s].frame_duration_seconds must be > 0", t.TrackID)
		}
	}
	if strings.TrimSpace(c.Node.ProtocolVersion) == "" {
		return errors.New("node.protocol_version is required")
	}

	if c.Cluster.ElectionTimeoutMs <= 0 {
		return errors.New("cluster.election_timeout_ms must be > 0")
	}
	if c.Cluster.GatherWindowMs <= 0 || c.Cluster.GatherWindowMs >= c.Cluster.ElectionTimeoutMs {
		return errors.New("cluster.gather_window_ms must be > 0 and < election_timeout_ms")
	}
	sum := 0.0
	for _, w := range c.Cluster.ScoreWeights {
		if w < 0 {
			return errors.New("cluster.score_weights must be >= 0")
		}
		sum += w
	}
	if sum <= 0 {
		return errors.New("cluster.score_weights must sum to > 0")
	}
	if c.Cluster.HeartbeatIntervalMs <= 0 {
		return errors.New("cluster.heartbeat_interval_ms must be > 0")
	}
	if c.Cluster.StatusBroadcastMs <= 0 {
		return errors.New("cluster.status_broadcast_ms must be > 0")
	}
	if c.Cluster.MaxProbesPerSecond <= 0 || c.Cluster.MaxControlPerSecond <= 0 || c.Cluster.MaxSessionsPerSource <= 0 {
		return errors.New("cluster rate limits must be > 0")
	}

	if c.Buffer.MaxFutureSeconds <= 0 {
		return errors.New("buffer.max_future_seconds must be > 0")
	}
	if c.Buffer.MaxQueuePerTrack <= 0 {
		return errors.New("buffer.max_queue_per_track must be > 0")
	}
	if c.Buffer.AdjustmentRatePerSecond <= 0 || c.Buffer.AdjustmentRatePerSecond > 1 {
		return errors.New("buffer.adjustment_rate_per_second must be in (0, 1]")
	}
	if c.Buffer.UnderrunJumpFactor <= 1 {
		return errors.New("buffer.underrun_jump_factor must be > 1")
	}
	if c.Buffer.DecayAfterSeconds <= 0 {
		return errors.New("buffer.decay_after_seconds must be > 0")
	}
	if c.Buffer.QualitySampleMs <= 0 {
		return errors.New("buffer.quality_sample_ms must be > 0")
	}

	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	b = stripBOM(b)

	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise writes a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}

// ValidateBindAddr checks that addr is a well-formed host:port, allowing an
// empty host (bind-all).
func ValidateBindAddr(addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if host != "" && net.ParseIP(host) == nil {
		// Allow hostnames too — only reject obviously malformed IPs.
		if strings.ContainsAny(host, " \t") {
			return fmt.Errorf("invalid host %q", host)
		}
	}
	if port == "" {
		return errors.New("port is required")
	}
	return nil
}
