package protocol

import (
	"encoding/json"
	"fmt"
)

// Params carries the recognized media_control parameter keys from §3.
// All fields are optional; zero value means "not specified."
type Params struct {
	Volume        *float64 `json:"volume,omitempty"`
	LoopCount     *uint32  `json:"loop_count,omitempty"`
	FadeInMs      *uint32  `json:"fade_in_ms,omitempty"`
	FadeOutMs     *uint32  `json:"fade_out_ms,omitempty"`
	SeekPositionS *float64 `json:"seek_position,omitempty"`
}

// Hello is the handshake message (§4.4, §6).
type Hello struct {
	Header          Header      `json:"header"`
	ProtocolVersion string      `json:"protocol_version"`
	Capabilities    []string    `json:"capabilities"`
	NodeType        NodeType    `json:"node_type"`
	AuthToken       string      `json:"auth_token,omitempty"`
	ClusterInfo     *ClusterInfo `json:"cluster_info,omitempty"`
}

// ClusterInfo is embedded in a server's hello reply (§4.4).
type ClusterInfo struct {
	MasterID   string   `json:"master_id"`
	ReplicaIDs []string `json:"replica_ids"`

	// Term is the replying node's current election term, so a client
	// probing a candidate during rebind (§4.5) can tell a stale replica
	// (one that hasn't yet heard about a newer master) from a current one
	// without a separate wire message.
	Term uint64 `json:"term"`
}

// ClockSync is a probe request carrying the sender's send timestamp t1 (§6).
type ClockSync struct {
	Header Header  `json:"header"`
	T1     float64 `json:"t1"`
}

// ClockSyncResponse carries t1 (echoed), t2 (peer receive time), and t3
// (peer send time). t4 is observed locally on receipt, not carried on the wire.
type ClockSyncResponse struct {
	Header Header  `json:"header"`
	T1     float64 `json:"t1"`
	T2     float64 `json:"t2"`
	T3     float64 `json:"t3"`
}

// MediaControl is a scheduled action per §3/§6.
type MediaControl struct {
	Header   Header  `json:"header"`
	Action   Action  `json:"action"`
	TrackID  string  `json:"track_id"`
	StartAt  float64 `json:"start_at"`
	Params   Params  `json:"params"`
}

// MediaData is one media frame chunk per §3/§6. Data is base64 in transit;
// json.Marshal/Unmarshal handles that automatically for a []byte field.
type MediaData struct {
	Header     Header  `json:"header"`
	TrackID    string  `json:"track_id"`
	ChunkIndex uint64  `json:"chunk_index"`
	Timestamp  float64 `json:"timestamp"`
	Duration   float64 `json:"duration"`
	Codec      Codec   `json:"codec"`
	Data       []byte  `json:"data"`
	IsKeyframe bool    `json:"is_keyframe"`
}

// Heartbeat is exchanged at the configured cadence (§4.4).
type Heartbeat struct {
	Header     Header   `json:"header"`
	ClientTime float64  `json:"client_time"`
	ServerTime *float64 `json:"server_time,omitempty"`
}

// NodeStatus is the periodic cluster health broadcast (§3, §4.5).
type NodeStatus struct {
	Header           Header         `json:"header"`
	NodeType         NodeType       `json:"node_type"`
	ConnectedClients uint32         `json:"connected_clients"`
	CPU              float64        `json:"cpu"`
	Mem              float64        `json:"mem"`
	Battery          *float64       `json:"battery,omitempty"`
	NetQuality       NetworkQuality `json:"net_quality"`
	AvgRTT           float64        `json:"avg_rtt"`
	Loss             float64        `json:"loss"`
}

// MasterElection is broadcast by a candidate or leader during election (§4.5).
type MasterElection struct {
	Header          Header  `json:"header"`
	ElectionID      string  `json:"election_id"`
	CandidateScore  float64 `json:"candidate_score"`
	CurrentMaster   *string `json:"current_master"`
	Term            uint64  `json:"term"`
}

// Error surfaces a protocol- or application-layer failure (§7).
type Error struct {
	Header  Header         `json:"header"`
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Envelope is the tagged-union wire frame: exactly one payload field is set,
// selected by Type. This is the Go rendering of §9's "closed tagged union"
// redesign of the reference's untyped variant payload.
type Envelope struct {
	Type Type `json:"type"`

	Hello              *Hello              `json:"hello,omitempty"`
	ClockSync          *ClockSync          `json:"clock_sync,omitempty"`
	ClockSyncResponse  *ClockSyncResponse  `json:"clock_sync_response,omitempty"`
	MediaControl       *MediaControl       `json:"media_control,omitempty"`
	MediaData          *MediaData          `json:"media_data,omitempty"`
	Heartbeat          *Heartbeat          `json:"heartbeat,omitempty"`
	NodeStatus         *NodeStatus         `json:"node_status,omitempty"`
	MasterElection     *MasterElection     `json:"master_election,omitempty"`
	Error              *Error              `json:"error,omitempty"`
}

// ErrUnknownType is returned by Decode for any Type not in the closed set.
// Per §9, an unknown type is a protocol error (INVALID_STATE), never a
// silent drop.
type ErrUnknownType struct {
	Type Type
}

func (e ErrUnknownType) Error() string {
	return fmt.Sprintf("protocol: unknown message type %q", e.Type)
}

// Encode marshals env to the JSON text frame sent over the wire.
func Encode(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// Decode parses a single JSON text frame into an Envelope and validates
// that Type names one of the closed set of message shapes.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, err
	}
	switch env.Type {
	case TypeHello, TypeClockSync, TypeClockSyncResponse, TypeMediaControl,
		TypeMediaData, TypeHeartbeat, TypeNodeStatus, TypeMasterElection, TypeError:
		return env, nil
	default:
		return Envelope{}, ErrUnknownType{Type: env.Type}
	}
}

// WrapHello builds an Envelope carrying a Hello payload.
func WrapHello(m Hello) Envelope { return Envelope{Type: TypeHello, Hello: &m} }

// WrapClockSync builds an Envelope carrying a ClockSync payload.
func WrapClockSync(m ClockSync) Envelope { return Envelope{Type: TypeClockSync, ClockSync: &m} }

// WrapClockSyncResponse builds an Envelope carrying a ClockSyncResponse payload.
func WrapClockSyncResponse(m ClockSyncResponse) Envelope {
	return Envelope{Type: TypeClockSyncResponse, ClockSyncResponse: &m}
}

// WrapMediaControl builds an Envelope carrying a MediaControl payload.
func WrapMediaControl(m MediaControl) Envelope {
	return Envelope{Type: TypeMediaControl, MediaControl: &m}
}

// WrapMediaData builds an Envelope carrying a MediaData payload.
func WrapMediaData(m MediaData) Envelope { return Envelope{Type: TypeMediaData, MediaData: &m} }

// WrapHeartbeat builds an Envelope carrying a Heartbeat payload.
func WrapHeartbeat(m Heartbeat) Envelope { return Envelope{Type: TypeHeartbeat, Heartbeat: &m} }

// WrapNodeStatus builds an Envelope carrying a NodeStatus payload.
func WrapNodeStatus(m NodeStatus) Envelope { return Envelope{Type: TypeNodeStatus, NodeStatus: &m} }

// WrapMasterElection builds an Envelope carrying a MasterElection payload.
func WrapMasterElection(m MasterElection) Envelope {
	return Envelope{Type: TypeMasterElection, MasterElection: &m}
}

// WrapError builds an Envelope carrying an Error payload.
func WrapError(m Error) Envelope { return Envelope{Type: TypeError, Error: &m} }
