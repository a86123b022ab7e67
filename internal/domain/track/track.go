// Package track provides the Track domain entity.
package track

import (
	"strings"
	"time"

	"github.com/disgoorg/snowflake/v2"
)

// SourceKind describes how a track was resolved.
type SourceKind string

const (
	SourceDirect         SourceKind = "direct"
	SourceSearch         SourceKind = "search"
	SourcePlaylistMember SourceKind = "playlist"
	SourceMetadata       SourceKind = "metadata"
	SourceAutoplay       SourceKind = "autoplay"
)

// Track represents a resolved, playable candidate.
// It is immutable once produced by the resolver.
type Track struct {
	ID          string        // Canonical media identifier (YouTube video ID or hashed URL)
	Kind        SourceKind    // How the track was resolved
	Title       string        // Display title
	Artist      string        // Display artist (uploader for video sources)
	Duration    time.Duration // Track duration (0 if unknown)
	URL         string        // Page URL handed to the downloader
	OriginQuery string        // Raw request that produced this track
}

// DisplayName returns "Artist - Title" or the bare title.
func (t Track) DisplayName() string {
	if t.Artist == "" || strings.Contains(t.Title, t.Artist) {
		return t.Title
	}
	return t.Artist + " - " + t.Title
}

// SplitArtist extracts the artist from a "Artist - Title" formatted title.
// Falls back to the track's artist field when the title has no separator.
func (t Track) SplitArtist() (artist, title string) {
	if parts := strings.SplitN(t.Title, " - ", 2); len(parts) == 2 {
		return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
	}
	return t.Artist, t.Title
}

// InsertMode controls where enqueued tracks go.
type InsertMode int

const (
	InsertAppend InsertMode = iota // Add to the tail of the queue
	InsertNext                     // Play right after the current track
)

// String returns the string representation of the insert mode.
func (m InsertMode) String() string {
	switch m {
	case InsertAppend:
		return "append"
	case InsertNext:
		return "next"
	default:
		return "unknown"
	}
}

// ParseInsertMode parses "append" or "next".
func ParseInsertMode(s string) (InsertMode, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "append":
		return InsertAppend, true
	case "next", "insert-next", "insert_next":
		return InsertNext, true
	default:
		return InsertAppend, false
	}
}

// RequesterType represents the type of requester.
type RequesterType string

const (
	RequesterTypeUser     RequesterType = "USER"
	RequesterTypeAdmin    RequesterType = "ADMIN"
	RequesterTypeAutoplay RequesterType = "AUTOPLAY"
)

// Requester represents the person who requested the track.
type Requester struct {
	ID   string        // External user ID
	Name string        // Display name
	Type RequesterType // Type of requester
}

// Request is a raw user request targeting a guild session.
type Request struct {
	Query     string
	Requester Requester
	GuildID   snowflake.ID
	Mode      InsertMode
}

// IsURL reports whether the request looks like a link rather than free text.
func (r Request) IsURL() bool {
	q := strings.TrimSpace(r.Query)
	return strings.HasPrefix(q, "http://") || strings.HasPrefix(q, "https://") ||
		strings.HasPrefix(q, "spotify:")
}

// QueuedTrack represents a track in a session queue.
type QueuedTrack struct {
	Track     Track     // Resolved track
	Requester Requester // Requester info
	AddedAt   time.Time // Time when added to queue
	Seq       uint64    // Enqueue order within the session
}
