package daemon

import (
	"log"
	"time"

	"github.com/yukihamada/solusync-x/internal/mediabuffer"
)

// LogRenderer is the default mediabuffer.Renderer for a client-role process
// with no platform audio/video sink wired in: it logs what would have been
// submitted at what deadline. Codec decoding and device output are an
// explicit spec non-goal; a real embedder swaps this for a Renderer backed
// by its own playback device, which is exactly what the interface exists to
// let them do.
type LogRenderer struct {
	start time.Time
}

// NewLogRenderer returns a Renderer whose local time base is process
// monotonic time starting from construction.
func NewLogRenderer() *LogRenderer {
	return &LogRenderer{start: time.Now()}
}

func (r *LogRenderer) Submit(frame mediabuffer.Frame, deadlineLocalTime float64) error {
	lead := deadlineLocalTime - r.NowLocal()
	log.Printf("RENDERER [%s]: frame seq=%d type=%s bytes=%d lead=%.3fs", frame.TrackID, frame.Sequence, frame.Type, len(frame.Data), lead)
	return nil
}

func (r *LogRenderer) Stop(trackID string) error {
	log.Printf("RENDERER [%s]: stop", trackID)
	return nil
}

func (r *LogRenderer) NowLocal() float64 {
	return time.Since(r.start).Seconds()
}
