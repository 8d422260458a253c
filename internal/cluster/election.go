// Package cluster implements §4.5's cluster-health broadcast and election
// state machine. The teacher (internal/group/manager.go) has a multi-peer
// coordination manager but no contested election — group hosting is
// single-owner. The FOLLOWER/CANDIDATE/LEADER shape here is enriched from
// sirgallo-rdb/pkg/leaderelection, adapted from that repo's RPC vote-request
// quorum into this spec's broadcast-gossip model: there is no vote RPC,
// only master_election messages collected during a fixed gather window, the
// highest score winning outright rather than a majority of granted votes.
package cluster

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/yukihamada/solusync-x/internal/protocol"
)

// State is one of §4.5's three election states.
type State int

const (
	Follower State = iota
	Candidate
	Leader
)

func (s State) String() string {
	switch s {
	case Follower:
		return "FOLLOWER"
	case Candidate:
		return "CANDIDATE"
	case Leader:
		return "LEADER"
	default:
		return "UNKNOWN"
	}
}

const (
	// DefaultElectionTimeout is §4.5's T_timeout.
	DefaultElectionTimeout = 3 * time.Second
	// DefaultGatherWindow is §4.5's T_gather.
	DefaultGatherWindow = 500 * time.Millisecond
	// DefaultStatusInterval is §4.5's node_status broadcast cadence.
	DefaultStatusInterval = 2 * time.Second
	// tickInterval is the FSM's internal polling resolution; both the
	// timeout and the gather window are checked at this granularity.
	tickInterval = 50 * time.Millisecond
)

// Broadcaster sends a cluster gossip envelope to all peers. Implemented by
// broadcast.go's PubsubBroadcaster in production, a recording fake in tests.
type Broadcaster interface {
	Broadcast(ctx context.Context, env protocol.Envelope) error
}

// StatusSource supplies this node's current resource/network sample, used
// both for the periodic node_status broadcast and for computing this node's
// own candidate score.
type StatusSource interface {
	Status() protocol.NodeStatus
}

// Config parameterizes one Node's election timing and identity.
type Config struct {
	NodeID          string
	ElectionTimeout time.Duration
	GatherWindow    time.Duration
	StatusInterval  time.Duration
	Weights         Weights
}

func (c *Config) setDefaults() {
	if c.ElectionTimeout <= 0 {
		c.ElectionTimeout = DefaultElectionTimeout
	}
	if c.GatherWindow <= 0 {
		c.GatherWindow = DefaultGatherWindow
	}
	if c.StatusInterval <= 0 {
		c.StatusInterval = DefaultStatusInterval
	}
	if c.Weights == (Weights{}) {
		c.Weights = DefaultWeights
	}
}

// Node runs one cluster member's election state machine. It never dials or
// listens itself — HandleNodeStatus/HandleMasterElection are fed by whatever
// transport decodes the gossip (broadcast.go's ReceiveLoop in production),
// and Run drives the timers and periodic broadcast.
type Node struct {
	cfg         Config
	broadcaster Broadcaster
	status      StatusSource
	view        *View
	now         func() time.Time

	mu             sync.Mutex
	state          State
	term           uint64
	currentMaster  string
	lastMasterSeen time.Time
	electionID     string
	gatherDeadline time.Time
	votes          map[string]protocol.MasterElection
}

// NewNode constructs a Node starting in FOLLOWER with no known master —
// its election timeout begins counting from construction time.
func NewNode(cfg Config, broadcaster Broadcaster, status StatusSource, view *View, now func() time.Time) *Node {
	cfg.setDefaults()
	if now == nil {
		now = time.Now
	}
	return &Node{
		cfg:            cfg,
		broadcaster:    broadcaster,
		status:         status,
		view:           view,
		now:            now,
		state:          Follower,
		lastMasterSeen: now(),
		votes:          make(map[string]protocol.MasterElection),
	}
}

// State reports the current election state.
func (n *Node) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Term reports the current monotonic term.
func (n *Node) Term() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.term
}

// CurrentMaster reports the last node_id observed broadcasting role:master,
// or "" if none is known.
func (n *Node) CurrentMaster() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.currentMaster
}

// Run drives the periodic node_status broadcast and the election timers
// until ctx is cancelled.
func (n *Node) Run(ctx context.Context) {
	statusTicker := time.NewTicker(n.cfg.StatusInterval)
	defer statusTicker.Stop()
	fsmTicker := time.NewTicker(tickInterval)
	defer fsmTicker.Stop()

	n.broadcastStatus(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-statusTicker.C:
			n.broadcastStatus(ctx)
		case <-fsmTicker.C:
			n.tick(ctx)
		}
	}
}

func (n *Node) tick(ctx context.Context) {
	n.mu.Lock()
	state := n.state
	timedOut := state == Follower && n.now().Sub(n.lastMasterSeen) >= n.cfg.ElectionTimeout
	gatherDone := state == Candidate && !n.now().Before(n.gatherDeadline)
	n.mu.Unlock()

	if timedOut {
		n.becomeCandidate(ctx)
	}
	if gatherDone {
		n.concludeElection(ctx)
	}
}

func (n *Node) becomeCandidate(ctx context.Context) {
	n.mu.Lock()
	n.state = Candidate
	n.term++
	n.electionID = uuid.NewString()
	n.gatherDeadline = n.now().Add(n.cfg.GatherWindow)
	n.votes = make(map[string]protocol.MasterElection)
	selfScore := n.selfScore()
	n.votes[n.cfg.NodeID] = protocol.MasterElection{
		Header:         protocol.NewHeader(n.cfg.NodeID, 0),
		ElectionID:     n.electionID,
		CandidateScore: selfScore,
		Term:           n.term,
	}
	term := n.term
	electionID := n.electionID
	n.mu.Unlock()

	log.Printf("CLUSTER [%s]: master timeout, entering term %d as CANDIDATE (score %.3f)", n.cfg.NodeID, term, selfScore)
	_ = n.broadcaster.Broadcast(ctx, protocol.WrapMasterElection(protocol.MasterElection{
		Header:         protocol.NewHeader(n.cfg.NodeID, 0),
		ElectionID:     electionID,
		CandidateScore: selfScore,
		Term:           term,
	}))
}

func (n *Node) concludeElection(ctx context.Context) {
	n.mu.Lock()
	if n.state != Candidate {
		n.mu.Unlock()
		return
	}
	winner := ""
	winnerScore := -1.0
	for nodeID, vote := range n.votes {
		if vote.CandidateScore > winnerScore || (vote.CandidateScore == winnerScore && nodeID < winner) {
			winner = nodeID
			winnerScore = vote.CandidateScore
		}
	}
	becameLeader := winner == n.cfg.NodeID
	if becameLeader {
		n.state = Leader
		n.currentMaster = n.cfg.NodeID
	} else {
		n.state = Follower
		n.lastMasterSeen = n.now()
	}
	term := n.term
	n.mu.Unlock()

	if becameLeader {
		log.Printf("CLUSTER [%s]: won election for term %d, promoting to LEADER", n.cfg.NodeID, term)
		n.broadcastStatus(ctx)
	} else {
		log.Printf("CLUSTER [%s]: lost election for term %d to %s, reverting to FOLLOWER", n.cfg.NodeID, term, winner)
	}
}

func (n *Node) selfScore() float64 {
	if n.status == nil {
		return 0
	}
	return Score(n.status.Status(), n.cfg.Weights)
}

func (n *Node) broadcastStatus(ctx context.Context) {
	if n.status == nil || n.broadcaster == nil {
		return
	}
	n.mu.Lock()
	state := n.state
	n.mu.Unlock()

	st := n.status.Status()
	if state == Leader {
		st.NodeType = protocol.NodeMaster
	} else {
		st.NodeType = protocol.NodeReplica
	}
	_ = n.broadcaster.Broadcast(ctx, protocol.WrapNodeStatus(protocol.NodeStatus{
		Header:           protocol.NewHeader(n.cfg.NodeID, 0),
		NodeType:         st.NodeType,
		ConnectedClients: st.ConnectedClients,
		CPU:              st.CPU,
		Mem:              st.Mem,
		Battery:          st.Battery,
		NetQuality:       st.NetQuality,
		AvgRTT:           st.AvgRTT,
		Loss:             st.Loss,
	}))
}

// HandleNodeStatus processes a node_status broadcast observed from a peer.
// A role:master status refreshes the follower's election timeout and
// updates the view's notion of the current master. A follower or candidate
// adopts the sender of any role:master status as the current master. A
// LEADER ignores a role:master status from another node, since node_status
// alone carries no term to arbitrate split-brain; master_election's term is
// what settles that.
func (n *Node) HandleNodeStatus(fromNodeID string, msg protocol.NodeStatus) {
	if n.view != nil {
		n.view.Upsert(fromNodeID, msg, n.now())
	}
	if msg.NodeType != protocol.NodeMaster {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state == Leader && fromNodeID != n.cfg.NodeID {
		// Split-brain signal; left to the next election's term comparison
		// rather than resolved here.
		return
	}
	n.currentMaster = fromNodeID
	n.lastMasterSeen = n.now()
}

// HandleMasterElection processes a master_election broadcast observed from
// a peer. A higher term is always adopted immediately (§4.5); a vote at the
// current term is recorded while this node is gathering.
func (n *Node) HandleMasterElection(fromNodeID string, msg protocol.MasterElection) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if msg.Term > n.term {
		n.term = msg.Term
		n.state = Follower
		n.votes = make(map[string]protocol.MasterElection)
		n.lastMasterSeen = n.now()
		log.Printf("CLUSTER [%s]: adopting higher term %d from %s, reverting to FOLLOWER", n.cfg.NodeID, msg.Term, fromNodeID)
		return
	}
	if msg.Term < n.term || n.state != Candidate {
		return
	}
	n.votes[fromNodeID] = msg
}
