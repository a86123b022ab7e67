package filter

import (
	"context"

	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/djbox/internal/domain/track"
)

// RecentlyPlayedConfig represents the configuration for RecentlyPlayedFilter.
type RecentlyPlayedConfig struct {
	Window int `yaml:"window" mapstructure:"window" default:"10" validate:"gte=1,lte=50"`
}

// RecentlyPlayedFilter keeps autoplay from recommending tracks that were
// among the last played ones.
type RecentlyPlayedFilter struct {
	window int
}

// NewRecentlyPlayedFilter creates a new recently played filter.
func NewRecentlyPlayedFilter() *RecentlyPlayedFilter {
	return &RecentlyPlayedFilter{window: 10}
}

func (f *RecentlyPlayedFilter) Name() string {
	return "recently_played_filter"
}

func (f *RecentlyPlayedFilter) Description() string {
	return "Rejects autoplay recommendations played within the last N tracks"
}

func (f *RecentlyPlayedFilter) ReturnCodes() []string {
	return []string{"recently_played"}
}

func (f *RecentlyPlayedFilter) ValidateConfig(settings map[string]any) error {
	var config RecentlyPlayedConfig
	if err := decodeSettings(settings, &config); err != nil {
		return err
	}
	f.window = config.Window
	zlog.Info().Msgf("recently played filter config: %+v", config)
	return nil
}

func (f *RecentlyPlayedFilter) AppliesTo(requesterType track.RequesterType) bool {
	return requesterType == track.RequesterTypeAutoplay
}

func (f *RecentlyPlayedFilter) Check(ctx context.Context, t track.Track, view View) Result {
	recent := view.Recent
	if len(recent) > f.window {
		recent = recent[len(recent)-f.window:]
	}
	for _, played := range recent {
		if played.ID == t.ID || IsSameSong(played, t) {
			return Reject("recently_played")
		}
	}
	return Accept()
}

func init() {
	Register("recently_played_filter", func() Filter {
		return NewRecentlyPlayedFilter()
	})
}
