package autoplay

import (
	"context"

	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/djbox/internal/app/filter"
	"github.com/osa030/djbox/internal/domain/track"
	"github.com/osa030/djbox/internal/infra/config"
)

// Request describes one recommendation round for a session.
type Request struct {
	// Seeds are recently played tracks, most recent first.
	Seeds []track.Track
	// Exclude holds IDs that must not be recommended: recently played,
	// queued and previously recommended tracks.
	Exclude map[string]bool
	// View is handed to the filter chain.
	View filter.View
	// Round counts earlier rounds in the session and rotates the seed
	// order so consecutive rounds start from a different seed.
	Round int
}

// Service turns provider candidates into tracks ready to enqueue.
type Service struct {
	chain   *ProviderChain
	filters *filter.Chain
	cfg     config.AutoplayConfig
}

// NewService creates a new recommendation service. filters may be nil.
func NewService(cfg config.AutoplayConfig, chain *ProviderChain, filters *filter.Chain) *Service {
	if filters == nil {
		filters = filter.NewChain()
	}
	return &Service{chain: chain, filters: filters, cfg: cfg}
}

// Recommend returns up to BatchSize filtered tracks for req.
// ErrNoCandidates is returned when nothing survived.
func (s *Service) Recommend(ctx context.Context, req Request) ([]track.Track, error) {
	seeds := rotateSeeds(req.Seeds, s.cfg.SeedCount, req.Round)
	if len(seeds) == 0 {
		return nil, ErrNoCandidates
	}

	candidates, err := s.chain.GetCandidates(ctx, s.cfg.CandidateCount, seeds, req.Exclude)
	if err != nil {
		return nil, err
	}

	tracks := make([]track.Track, 0, len(candidates))
	for _, c := range candidates {
		t := c.Track
		t.Kind = track.SourceAutoplay
		tracks = append(tracks, t)
	}
	accepted, rejected := s.filters.Apply(ctx, tracks, req.View, track.RequesterTypeAutoplay)
	if rejected > 0 {
		zlog.Debug().Msgf("autoplay: filters rejected %d of %d candidates", rejected, len(tracks))
	}
	if len(accepted) == 0 {
		return nil, ErrNoCandidates
	}

	batch := s.cfg.BatchSize
	if batch <= 0 {
		batch = 1
	}
	if len(accepted) > batch {
		accepted = accepted[:batch]
	}
	zlog.Info().Msgf("autoplay: recommended %d track(s) from seed %s", len(accepted), seeds[0].DisplayName())
	return accepted, nil
}

// rotateSeeds keeps the n most recent seeds and rotates them by round.
func rotateSeeds(seeds []track.Track, n, round int) []track.Track {
	if n > 0 && len(seeds) > n {
		seeds = seeds[:n]
	}
	if len(seeds) == 0 {
		return nil
	}
	shift := round % len(seeds)
	if shift < 0 {
		shift += len(seeds)
	}
	out := make([]track.Track, 0, len(seeds))
	out = append(out, seeds[shift:]...)
	return append(out, seeds[:shift]...)
}
