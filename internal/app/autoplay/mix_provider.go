package autoplay

import (
	"context"
	"maps"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/djbox/internal/domain/track"
)

type MixProviderConfig struct {
	MaxSeeds int `yaml:"max_seeds" mapstructure:"max_seeds" default:"3" validate:"gte=1"`
}

// MixProvider recommends tracks from the radio mix of each seed in turn.
type MixProvider struct {
	src    Source
	config MixProviderConfig
}

// NewMixProvider creates a new MixProvider.
func NewMixProvider(src Source, settings map[string]any) (*MixProvider, error) {
	var cfg MixProviderConfig
	if err := decodeSettings(settings, &cfg); err != nil {
		return nil, err
	}
	return &MixProvider{src: src, config: cfg}, nil
}

// GetCandidates walks the seeds in order and stops once count tracks are
// collected. It fails only when every seed failed.
func (p *MixProvider) GetCandidates(ctx context.Context, count int, seeds []track.Track, exclude map[string]bool) ([]track.Track, error) {
	if count <= 0 || len(seeds) == 0 {
		return nil, nil
	}
	if len(seeds) > p.config.MaxSeeds {
		seeds = seeds[:p.config.MaxSeeds]
	}

	skip := make(map[string]bool, len(exclude)+len(seeds))
	maps.Copy(skip, exclude)
	for _, s := range seeds {
		skip[s.ID] = true
	}

	var (
		result []track.Track
		errs   error
		failed int
	)
	for _, seed := range seeds {
		if len(result) >= count {
			break
		}
		tracks, err := p.src.Similar(ctx, seed, count-len(result), skip)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			zlog.Debug().Msgf("autoplay: mix for %s failed: %v", seed.ID, err)
			errs = errors.CombineErrors(errs, err)
			failed++
			continue
		}
		for _, t := range tracks {
			if skip[t.ID] {
				continue
			}
			skip[t.ID] = true
			result = append(result, t)
		}
	}
	if len(result) == 0 && failed == len(seeds) {
		return nil, errors.Wrap(errs, "every seed mix failed")
	}
	return result, nil
}

// Name returns the provider name.
func (p *MixProvider) Name() string {
	return TypeYouTubeMix
}
