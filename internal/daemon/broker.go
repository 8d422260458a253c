package daemon

import (
	"context"
	"log"
	"sync"

	"github.com/yukihamada/solusync-x/internal/mediabuffer"
	"github.com/yukihamada/solusync-x/internal/protocol"
	"github.com/yukihamada/solusync-x/internal/syncdriver"
)

// Broker fans out media_control commands accepted from an origin session to
// every subscribed endpoint session, implementing controlplane.ActionHandler
// for a master or replica's client-facing listener (§3: "server-side
// implementation forwards to subscribed endpoints").
type Broker struct {
	mu       sync.Mutex
	senders  map[string]syncdriver.Sender
	nextSeq  uint64
	nodeID   string
}

// NewBroker returns an empty Broker that stamps forwarded envelopes with
// nodeID as the relaying header's node_id.
func NewBroker(nodeID string) *Broker {
	return &Broker{senders: make(map[string]syncdriver.Sender), nodeID: nodeID}
}

// Register adds sessionID's sender to the fanout set, e.g. once its
// connection opens.
func (b *Broker) Register(sessionID string, sender syncdriver.Sender) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.senders[sessionID] = sender
}

// Unregister removes sessionID, e.g. on disconnect.
func (b *Broker) Unregister(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.senders, sessionID)
}

// Count returns the number of currently registered endpoint sessions.
func (b *Broker) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.senders)
}

// Broadcast sends env to every registered session, e.g. a cluster_info
// update a ClusterForwarder wants every connected client to see.
func (b *Broker) Broadcast(env protocol.Envelope) {
	b.mu.Lock()
	targets := make([]syncdriver.Sender, 0, len(b.senders))
	for _, s := range b.senders {
		targets = append(targets, s)
	}
	b.mu.Unlock()

	for _, s := range targets {
		if err := s.Send(context.Background(), env); err != nil {
			log.Printf("DAEMON: broadcast to session failed: %v", err)
		}
	}
}

// HandleMediaControl implements controlplane.ActionHandler: it relays msg,
// re-stamped with a fresh header, to every registered endpoint except the
// one it arrived from.
func (b *Broker) HandleMediaControl(sessionID string, msg protocol.MediaControl) error {
	b.mu.Lock()
	b.nextSeq++
	msg.Header = protocol.NewHeader(b.nodeID, b.nextSeq)
	targets := make(map[string]syncdriver.Sender, len(b.senders))
	for id, s := range b.senders {
		if id == sessionID {
			continue
		}
		targets[id] = s
	}
	b.mu.Unlock()

	env := protocol.WrapMediaControl(msg)
	for id, s := range targets {
		if err := s.Send(context.Background(), env); err != nil {
			log.Printf("DAEMON [%s]: forward media_control to %s failed: %v", sessionID, id, err)
		}
	}
	return nil
}

// LocalActions drives a client role's own mediabuffer.Scheduler directly
// from validated media_control commands, implementing
// controlplane.ActionHandler for the endpoint side of §4.3/§4.4.
type LocalActions struct {
	scheduler SchedulerController
}

// SchedulerController is the subset of mediabuffer.Scheduler's surface
// LocalActions needs, narrowed so tests can substitute a fake.
type SchedulerController interface {
	StartTrack(ctx context.Context, trackID string) error
	Transition(trackID string, to mediabuffer.TrackState) error
	Stop(trackID string)
}

// NewLocalActions returns a LocalActions driving scheduler.
func NewLocalActions(scheduler SchedulerController) *LocalActions {
	return &LocalActions{scheduler: scheduler}
}

func (a *LocalActions) HandleMediaControl(_ string, msg protocol.MediaControl) error {
	switch msg.Action {
	case protocol.ActionLoad:
		return a.scheduler.StartTrack(context.Background(), msg.TrackID)
	case protocol.ActionPlay:
		return a.scheduler.Transition(msg.TrackID, mediabuffer.TrackPlaying)
	case protocol.ActionPause:
		return a.scheduler.Transition(msg.TrackID, mediabuffer.TrackPaused)
	case protocol.ActionStop, protocol.ActionUnload:
		a.scheduler.Stop(msg.TrackID)
		return nil
	case protocol.ActionSeek:
		// Seeking resets presentation timing for in-flight frames; the
		// admission queue itself has no seek primitive (§4.3 doesn't
		// define one), so a seek is handled upstream by the source
		// re-issuing load+play at the new position.
		return nil
	default:
		return nil
	}
}
