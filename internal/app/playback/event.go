package playback

import (
	"time"

	"github.com/disgoorg/snowflake/v2"

	"github.com/osa030/djbox/internal/domain/settings"
	"github.com/osa030/djbox/internal/domain/track"
)

// EventType represents a lifecycle event type.
type EventType int

const (
	EventTrackStarted       EventType = iota // Entered PLAYING with a new current track
	EventTrackEnded                          // Current track left, with a reason
	EventLoadFailed                          // Audio for a track could not be loaded
	EventQueueChanged                        // Pending tracks changed
	EventStateChanged                        // Playback state changed
	EventSettingsChanged                     // Loop, shuffle, autoplay or idle settings changed
	EventSessionIdleWarning                  // Idle timeout is near
	EventSessionTornDown                     // Session ended
)

// String returns the string representation of the event type.
func (e EventType) String() string {
	switch e {
	case EventTrackStarted:
		return "track_started"
	case EventTrackEnded:
		return "track_ended"
	case EventLoadFailed:
		return "load_failed"
	case EventQueueChanged:
		return "queue_changed"
	case EventStateChanged:
		return "state_changed"
	case EventSettingsChanged:
		return "settings_changed"
	case EventSessionIdleWarning:
		return "session_idle_warning"
	case EventSessionTornDown:
		return "session_torn_down"
	default:
		return "unknown"
	}
}

// Event represents a lifecycle event of one session.
type Event struct {
	Type      EventType
	GuildID   snowflake.ID
	At        time.Time
	Track     *track.QueuedTrack // Subject track (nil for some events)
	State     State              // State after the event
	Reason    string             // TrackEnded reason, pause reason or teardown cause
	Err       error              // LoadFailed cause
	Pending   int                // Pending count for QueueChanged
	Settings  *settings.Guild    // SettingsChanged payload
	Remaining time.Duration      // Time left before teardown for SessionIdleWarning
}

// Sink receives events. It is called from the session loop and must not
// block.
type Sink func(Event)
