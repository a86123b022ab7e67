// Package autoplay provides track recommendation strategies used when a
// session's queue runs dry.
package autoplay

import (
	"context"

	"github.com/osa030/djbox/internal/domain/track"
)

// Provider is the interface for recommendation providers.
// Different implementations recommend tracks through various strategies
// (e.g., radio mixes, artist searches, similarity APIs).
type Provider interface {
	// GetCandidates retrieves recommendation candidates.
	// count: the number of candidates to retrieve
	// seeds: recently played tracks, most recent first
	// exclude: track IDs that must not be returned
	GetCandidates(ctx context.Context, count int, seeds []track.Track, exclude map[string]bool) ([]track.Track, error)

	// Name returns the provider type (used in config).
	Name() string
}

// Source defines the resolver operations needed by providers.
type Source interface {
	Similar(ctx context.Context, seed track.Track, count int, exclude map[string]bool) ([]track.Track, error)
	SearchTracks(ctx context.Context, query string, limit int) ([]track.Track, error)
	SearchOne(ctx context.Context, query string) (track.Track, error)
}
