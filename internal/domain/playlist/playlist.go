// Package playlist provides the Resolution domain entity produced when a
// request expands into one or more tracks.
package playlist

import (
	"time"

	"github.com/osa030/djbox/internal/domain/track"
)

// Resolution represents the outcome of resolving one request.
type Resolution struct {
	Title     string        // Source list title (empty for single tracks)
	URL       string        // Source URL
	Tracks    []track.Track // Tracks in source order
	Truncated int           // Entries dropped because of the expansion cap
	Unmatched int           // Metadata entries with no playable match
	Skipped   int           // Entries rejected (too long, unavailable)
}

// TrackIDs returns all track IDs in the resolution.
func (r *Resolution) TrackIDs() []string {
	ids := make([]string, len(r.Tracks))
	for i, t := range r.Tracks {
		ids[i] = t.ID
	}
	return ids
}

// TotalDuration returns the total duration of all tracks.
func (r *Resolution) TotalDuration() time.Duration {
	var total time.Duration
	for _, t := range r.Tracks {
		total += t.Duration
	}
	return total
}

// Dropped returns the number of entries that did not make it into Tracks.
func (r *Resolution) Dropped() int {
	return r.Truncated + r.Unmatched + r.Skipped
}
