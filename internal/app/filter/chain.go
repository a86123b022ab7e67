package filter

import (
	"context"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/djbox/internal/domain/track"
	"github.com/osa030/djbox/internal/infra/config"
)

// Chain executes filters in sequence.
type Chain struct {
	filters []Filter
}

// NewChain creates a new filter chain.
func NewChain() *Chain {
	return &Chain{
		filters: make([]Filter, 0),
	}
}

// Build creates a chain of the registered filters enabled in cfg, in
// name order. Unknown filter names are an error.
func Build(cfg map[string]config.FilterConfig) (*Chain, error) {
	chain := NewChain()
	for name := range cfg {
		if _, ok := registry[name]; !ok {
			return nil, errors.Newf("unknown filter: %s", name)
		}
	}
	for _, name := range Names() {
		fc, ok := cfg[name]
		if !ok || !fc.Enabled {
			continue
		}
		f := registry[name]()
		if err := f.ValidateConfig(fc.Settings); err != nil {
			return nil, errors.Wrapf(err, "invalid settings for %s", name)
		}
		zlog.Info().Msgf("filter: enabled %s", name)
		chain.Add(f)
	}
	return chain, nil
}

// Add adds a filter to the chain.
func (c *Chain) Add(f Filter) {
	c.filters = append(c.filters, f)
}

// Execute runs all filters in sequence.
// Returns immediately if any filter rejects the candidate.
// Filters are only applied if they declare they apply to the given requester type.
func (c *Chain) Execute(ctx context.Context, t track.Track, view View, requesterType track.RequesterType) Result {
	for _, f := range c.filters {
		if !f.AppliesTo(requesterType) {
			continue
		}

		result := f.Check(ctx, t, view)
		if !result.Accepted {
			return result
		}
	}
	return Accept()
}

// Apply returns the accepted subset of tracks, preserving order, and the
// number rejected. A track accepted earlier in the same call is visible to
// later checks as queued, so duplicates within one batch are caught.
func (c *Chain) Apply(ctx context.Context, tracks []track.Track, view View, requesterType track.RequesterType) ([]track.Track, int) {
	if len(c.filters) == 0 {
		return tracks, 0
	}
	accepted := make([]track.Track, 0, len(tracks))
	queued := append([]track.QueuedTrack(nil), view.Queued...)
	rejected := 0
	for _, t := range tracks {
		result := c.Execute(ctx, t, View{Queued: queued, Recent: view.Recent}, requesterType)
		if !result.Accepted {
			zlog.Debug().Msgf("filter: rejected %s (%s): %s", t.ID, t.Title, result.Code)
			rejected++
			continue
		}
		accepted = append(accepted, t)
		queued = append(queued, track.QueuedTrack{Track: t})
	}
	return accepted, rejected
}

// Filters returns all filters in the chain.
func (c *Chain) Filters() []Filter {
	return c.filters
}
