// Package playback provides the per-session playback loop: one goroutine
// that owns the session queue and serializes every intent.
package playback

// State represents the playback state.
type State int

const (
	StateIdle     State = iota // Nothing current, waiting for tracks
	StateLoading               // Fetching audio for the current track or asking autoplay
	StatePlaying               // Frames are being sent
	StatePaused                // Current track held by the user or the transport
	StateTornDown              // Terminal; the loop has exited
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateTornDown:
		return "torn_down"
	default:
		return "unknown"
	}
}

// PauseReason tells who holds a paused session.
type PauseReason int

const (
	PauseNone      PauseReason = iota
	PauseUser                  // Explicit pause intent
	PauseTransport             // Transport not connected
)

// String returns the string representation of the pause reason.
func (r PauseReason) String() string {
	switch r {
	case PauseNone:
		return "none"
	case PauseUser:
		return "user"
	case PauseTransport:
		return "transport"
	default:
		return "unknown"
	}
}
