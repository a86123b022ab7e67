package playlist

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/osa030/djbox/internal/domain/track"
)

func TestResolution_TrackIDs(t *testing.T) {
	tests := []struct {
		name     string
		tracks   []track.Track
		expected []string
	}{
		{
			name:     "empty resolution",
			tracks:   []track.Track{},
			expected: []string{},
		},
		{
			name:     "single track",
			tracks:   []track.Track{{ID: "aaaaaaaaaaa"}},
			expected: []string{"aaaaaaaaaaa"},
		},
		{
			name: "keeps source order",
			tracks: []track.Track{
				{ID: "ccccccccccc"},
				{ID: "aaaaaaaaaaa"},
				{ID: "bbbbbbbbbbb"},
			},
			expected: []string{"ccccccccccc", "aaaaaaaaaaa", "bbbbbbbbbbb"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &Resolution{Tracks: tt.tracks}
			assert.Equal(t, tt.expected, r.TrackIDs())
		})
	}
}

func TestResolution_TotalDuration(t *testing.T) {
	r := &Resolution{Tracks: []track.Track{
		{ID: "a", Duration: 3 * time.Minute},
		{ID: "b", Duration: 90 * time.Second},
		{ID: "c"},
	}}
	assert.Equal(t, 4*time.Minute+30*time.Second, r.TotalDuration())
}

func TestResolution_Dropped(t *testing.T) {
	r := &Resolution{Truncated: 3, Unmatched: 2, Skipped: 1}
	assert.Equal(t, 6, r.Dropped())
}
