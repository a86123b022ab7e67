package filter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/osa030/djbox/internal/domain/track"
)

func queued(tracks ...track.Track) []track.QueuedTrack {
	out := make([]track.QueuedTrack, len(tracks))
	for i, t := range tracks {
		out[i] = track.QueuedTrack{Track: t}
	}
	return out
}

func TestDuplicateTrackFilter_Check(t *testing.T) {
	tests := []struct {
		name         string
		queued       track.Track
		requested    track.Track
		shouldReject bool
	}{
		{
			name:         "exact ID match",
			queued:       track.Track{ID: "abc", Title: "Anything"},
			requested:    track.Track{ID: "abc", Title: "Something else"},
			shouldReject: true,
		},
		{
			name:         "year remaster",
			queued:       track.Track{ID: "1", Title: "Bohemian Rhapsody", Artist: "Queen"},
			requested:    track.Track{ID: "2", Title: "Bohemian Rhapsody - 2011 Remaster", Artist: "Queen"},
			shouldReject: true,
		},
		{
			name:         "remastered in parentheses",
			queued:       track.Track{ID: "1", Title: "Yesterday", Artist: "The Beatles"},
			requested:    track.Track{ID: "2", Title: "Yesterday (Remastered 2009)", Artist: "The Beatles"},
			shouldReject: true,
		},
		{
			name:         "artist in video title",
			queued:       track.Track{ID: "1", Title: "Queen - Bohemian Rhapsody (Official Video)", Artist: "Queen Official"},
			requested:    track.Track{ID: "2", Title: "Bohemian Rhapsody", Artist: "Queen - Topic"},
			shouldReject: true,
		},
		{
			name:         "cover by different artist",
			queued:       track.Track{ID: "1", Title: "Yesterday", Artist: "The Beatles"},
			requested:    track.Track{ID: "2", Title: "Yesterday", Artist: "Paul McCartney"},
			shouldReject: false,
		},
		{
			name:         "different songs with similar names",
			queued:       track.Track{ID: "1", Title: "Love", Artist: "John Lennon"},
			requested:    track.Track{ID: "2", Title: "Love Song", Artist: "John Lennon"},
			shouldReject: false,
		},
		{
			name:         "unknown artist is not a duplicate",
			queued:       track.Track{ID: "1", Title: "Intro"},
			requested:    track.Track{ID: "2", Title: "Intro"},
			shouldReject: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewDuplicateTrackFilter()
			result := f.Check(context.Background(), tt.requested, View{Queued: queued(tt.queued)})
			assert.Equal(t, !tt.shouldReject, result.Accepted)
			if tt.shouldReject {
				assert.Equal(t, "duplicate_track", result.Code)
			}
		})
	}
}

func TestDuplicateTrackFilter_AppliesTo(t *testing.T) {
	f := NewDuplicateTrackFilter()
	assert.True(t, f.AppliesTo(track.RequesterTypeUser))
	assert.True(t, f.AppliesTo(track.RequesterTypeAutoplay))
	assert.False(t, f.AppliesTo(track.RequesterTypeAdmin))
}

func TestNormalizeTitle(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Hey Jude - Remastered 2015", "hey jude"},
		{"Stairway to Heaven (Remaster)", "stairway to heaven"},
		{"Wonderwall [Remastered]", "wonderwall"},
		{"Creep (Radio Edit)", "creep"},
		{"Africa (Official Music Video)", "africa"},
		{"Hallelujah - Live at Wembley", "hallelujah"},
		{"Stayin' Alive", "stayin' alive"},
		{"  Multiple   Spaces  ", "multiple spaces"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizeTitle(tt.input))
		})
	}
}
