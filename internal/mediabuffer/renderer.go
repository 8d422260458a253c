package mediabuffer

// Renderer is the platform playback sink consumed by the scheduler (§4.3).
// Implementations own the actual audio/video device; the scheduler only
// ever deals in local-time deadlines, never the disciplined clock's τ
// domain, so a Renderer implementation needs no knowledge of clock sync.
type Renderer interface {
	// Submit hands frame to the renderer for playback at deadlineLocalTime,
	// a value from the same time base as NowLocal.
	Submit(frame Frame, deadlineLocalTime float64) error

	// Stop halts and flushes playback for trackID.
	Stop(trackID string) error

	// NowLocal returns the renderer's local time base, in seconds.
	NowLocal() float64
}
