package filter

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osa030/djbox/internal/domain/track"
)

func TestRecentlyPlayedFilter_Check(t *testing.T) {
	f := NewRecentlyPlayedFilter()
	require.NoError(t, f.ValidateConfig(map[string]any{"window": 3}))

	var recent []track.Track
	for i := 0; i < 5; i++ {
		recent = append(recent, track.Track{ID: fmt.Sprintf("id%d", i), Title: fmt.Sprintf("Song %d", i), Artist: "Band"})
	}
	view := View{Recent: recent}

	assert.True(t, f.Check(context.Background(), track.Track{ID: "id0"}, view).Accepted, "outside the window")
	assert.False(t, f.Check(context.Background(), track.Track{ID: "id4"}, view).Accepted)
	assert.False(t, f.Check(context.Background(), track.Track{ID: "other", Title: "Song 3 (Live)", Artist: "Band"}, view).Accepted)
	assert.True(t, f.Check(context.Background(), track.Track{ID: "new", Title: "New Song", Artist: "Band"}, view).Accepted)
}

func TestRecentlyPlayedFilter_ValidateConfig(t *testing.T) {
	f := NewRecentlyPlayedFilter()
	assert.NoError(t, f.ValidateConfig(nil))
	assert.Equal(t, 10, f.window)
	assert.Error(t, f.ValidateConfig(map[string]any{"window": -1}))
	assert.Error(t, f.ValidateConfig(map[string]any{"window": 100}))
}

func TestRecentlyPlayedFilter_AppliesToAutoplayOnly(t *testing.T) {
	f := NewRecentlyPlayedFilter()
	assert.True(t, f.AppliesTo(track.RequesterTypeAutoplay))
	assert.False(t, f.AppliesTo(track.RequesterTypeUser))
}
