// Package telemetry collects the non-fatal events §4.3 and §5 call out by
// name — late/too_far frame drops and per-track queue pressure — into an
// in-memory ring plus optional sqlite persistence. It implements
// mediabuffer.EventSink directly so a Manager can be wired straight into a
// Scheduler without an adapter.
package telemetry

import "time"

// Kind is one of the three named telemetry events.
type Kind string

const (
	KindLate          Kind = "late"
	KindTooFar        Kind = "too_far"
	KindQueuePressure Kind = "QUEUE_PRESSURE"
)

// Event is one recorded occurrence, timestamped when the Manager observed it.
type Event struct {
	Kind            Kind      `json:"kind"`
	TrackID         string    `json:"track_id"`
	PresentationTau float64   `json:"presentation_tau,omitempty"`
	Now             float64   `json:"now,omitempty"`
	QueueLen        int       `json:"queue_len,omitempty"`
	OccurredAt      time.Time `json:"occurred_at"`
}
