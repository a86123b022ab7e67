package autoplay

import (
	"context"
	"maps"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/djbox/internal/domain/track"
)

// ErrNoCandidates is returned when no provider produced a candidate.
var ErrNoCandidates = errors.New("all providers failed to return candidates")

// CandidateWithSource represents a track candidate with its source provider info.
type CandidateWithSource struct {
	Track       track.Track
	DisplayName string
}

// ProviderWithMetadata wraps a provider with its metadata.
type ProviderWithMetadata struct {
	Provider    Provider
	DisplayName string
}

// ProviderChain asks providers in order until enough candidates are found.
type ProviderChain struct {
	providers []ProviderWithMetadata
}

// NewProviderChain creates a new provider chain.
func NewProviderChain(providers []ProviderWithMetadata) *ProviderChain {
	return &ProviderChain{
		providers: providers,
	}
}

// GetCandidates collects up to count candidates. Later providers are only
// asked for what earlier ones could not supply, and never see IDs already
// collected.
func (c *ProviderChain) GetCandidates(ctx context.Context, count int, seeds []track.Track, exclude map[string]bool) ([]CandidateWithSource, error) {
	var all []CandidateWithSource
	currentExclude := make(map[string]bool, len(exclude))
	maps.Copy(currentExclude, exclude)

	for i, pm := range c.providers {
		if len(all) >= count {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		zlog.Debug().Msgf("autoplay: trying provider: index=%d total=%d name=%s provider_type=%s",
			i+1, len(c.providers), pm.DisplayName, pm.Provider.Name())

		candidates, err := pm.Provider.GetCandidates(ctx, count-len(all), seeds, currentExclude)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			zlog.Warn().Msgf("autoplay: provider failed, trying next: provider=%s error=%v", pm.DisplayName, err)
			continue
		}
		if len(candidates) == 0 {
			zlog.Debug().Msgf("autoplay: provider returned no candidates: provider=%s", pm.DisplayName)
			continue
		}

		added := 0
		for _, t := range candidates {
			if currentExclude[t.ID] {
				continue
			}
			all = append(all, CandidateWithSource{Track: t, DisplayName: pm.DisplayName})
			currentExclude[t.ID] = true
			added++
		}
		zlog.Info().Msgf("autoplay: provider returned candidates: provider=%s count=%d total_so_far=%d",
			pm.DisplayName, added, len(all))
	}

	if len(all) == 0 {
		return nil, ErrNoCandidates
	}
	return all, nil
}

// Providers returns the chain's providers in order.
func (c *ProviderChain) Providers() []ProviderWithMetadata {
	return c.providers
}
