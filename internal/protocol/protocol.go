// Package protocol defines the SOLUSync-X wire message shapes: the common
// header, the closed set of message types, and the JSON envelope used to
// carry them over either transport (client-facing websocket or
// replica-facing libp2p stream — see internal/controlplane).
package protocol

import (
	"time"

	"github.com/google/uuid"
)

// Type is the discriminant carried in the envelope's "type" field.
type Type string

const (
	TypeHello               Type = "hello"
	TypeClockSync           Type = "clock_sync"
	TypeClockSyncResponse   Type = "clock_sync_response"
	TypeMediaControl        Type = "media_control"
	TypeMediaData           Type = "media_data"
	TypeHeartbeat           Type = "heartbeat"
	TypeNodeStatus          Type = "node_status"
	TypeMasterElection      Type = "master_election"
	TypeError               Type = "error"
)

// NodeType mirrors §3's role enum for handshake and status messages.
type NodeType string

const (
	NodeMaster  NodeType = "master"
	NodeReplica NodeType = "replica"
	NodeClient  NodeType = "client"
)

// Action is a media_control command per §3.
type Action string

const (
	ActionPlay   Action = "play"
	ActionPause  Action = "pause"
	ActionStop   Action = "stop"
	ActionSeek   Action = "seek"
	ActionLoad   Action = "load"
	ActionUnload Action = "unload"
)

// Codec is a media_data encoding tag per §3.
type Codec string

const (
	CodecOpus  Codec = "opus"
	CodecPCM16 Codec = "pcm16"
	CodecH264  Codec = "h264"
	CodecVP9   Codec = "vp9"
)

// NetworkQuality classifies a link per §4.3's table.
type NetworkQuality string

const (
	QualityExcellent NetworkQuality = "excellent"
	QualityGood      NetworkQuality = "good"
	QualityFair      NetworkQuality = "fair"
	QualityPoor      NetworkQuality = "poor"
	QualityCritical  NetworkQuality = "critical"
)

// ErrorCode enumerates the kinds from spec §7.
type ErrorCode int

const (
	ErrVersionMismatch ErrorCode = 1
	ErrAuthRejected    ErrorCode = 2
	ErrRateLimited     ErrorCode = 3
	ErrTooLate         ErrorCode = 4
	ErrInvalidState    ErrorCode = 5
	ErrQueuePressure   ErrorCode = 6
	ErrTransportClosed ErrorCode = 7
	ErrInternal        ErrorCode = 8
)

func (c ErrorCode) String() string {
	switch c {
	case ErrVersionMismatch:
		return "VERSION_MISMATCH"
	case ErrAuthRejected:
		return "AUTH_REJECTED"
	case ErrRateLimited:
		return "RATE_LIMITED"
	case ErrTooLate:
		return "TOO_LATE"
	case ErrInvalidState:
		return "INVALID_STATE"
	case ErrQueuePressure:
		return "QUEUE_PRESSURE"
	case ErrTransportClosed:
		return "TRANSPORT_CLOSED"
	case ErrInternal:
		return "INTERNAL"
	default:
		return "UNKNOWN"
	}
}

// Header is the common envelope carried by every message, per §6.
type Header struct {
	ID        string `json:"id"`
	Timestamp float64 `json:"timestamp"`
	NodeID    string `json:"node_id"`
	Sequence  uint64 `json:"sequence"`
}

// NewHeader builds a header stamped with the current wall-clock time.
func NewHeader(nodeID string, sequence uint64) Header {
	return Header{
		ID:        uuid.NewString(),
		Timestamp: NowSeconds(),
		NodeID:    nodeID,
		Sequence:  sequence,
	}
}

// NowSeconds returns the current wall-clock time as IEEE-754 seconds, per §6.
func NowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
