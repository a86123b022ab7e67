package autoplay

import (
	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/djbox/internal/infra/config"
	"github.com/osa030/djbox/internal/infra/fetchgate"
)

// Provider types accepted in config.
const (
	TypeYouTubeMix    = "youtube_mix"
	TypeYouTubeSearch = "youtube_search"
	TypeLastFm        = "lastfm"
)

// defaultProviders is used when the config lists none.
var defaultProviders = []config.ProviderConfig{
	{Type: TypeYouTubeMix, DisplayName: "YouTube Mix"},
	{Type: TypeYouTubeSearch, DisplayName: "Artist search"},
}

// NewProviderChainFromConfig creates a provider chain from configuration.
func NewProviderChainFromConfig(cfg config.AutoplayConfig, src Source, gate *fetchgate.Gate) (*ProviderChain, error) {
	if src == nil {
		return nil, errors.New("autoplay source is required")
	}
	pcfgs := cfg.Providers
	if len(pcfgs) == 0 {
		pcfgs = defaultProviders
	}

	providers := make([]ProviderWithMetadata, 0, len(pcfgs))
	for i, pcfg := range pcfgs {
		var provider Provider
		var err error
		zlog.Debug().Msgf("autoplay: creating provider: index=%d type=%s", i+1, pcfg.Type)
		switch pcfg.Type {
		case TypeYouTubeMix:
			provider, err = NewMixProvider(src, pcfg.Settings)
		case TypeYouTubeSearch:
			provider, err = NewSearchProvider(src, pcfg.Settings)
		case TypeLastFm:
			provider, err = NewLastFmProvider(src, gate, pcfg.Settings)
		default:
			return nil, errors.Newf("unsupported provider type: %s (provider index %d)", pcfg.Type, i)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "failed to create provider (index %d, type %s)", i, pcfg.Type)
		}

		providers = append(providers, ProviderWithMetadata{
			Provider:    provider,
			DisplayName: pcfg.DisplayName,
		})
		zlog.Info().Msgf("autoplay: registered provider: index=%d type=%s display_name=%s", i+1, pcfg.Type, pcfg.DisplayName)
	}

	return NewProviderChain(providers), nil
}
