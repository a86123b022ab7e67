package autoplay

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/djbox/internal/domain/track"
)

// artistQueries are tried in order for the seed's artist.
var artistQueries = []string{
	"%s radio",
	"%s mix",
	"%s similar songs",
}

type SearchProviderConfig struct {
	ResultsPerQuery int `yaml:"results_per_query" mapstructure:"results_per_query" default:"5" validate:"gte=1,lte=20"`
}

// SearchProvider recommends tracks by searching for the most recent seed
// artist.
type SearchProvider struct {
	src    Source
	config SearchProviderConfig
}

// NewSearchProvider creates a new SearchProvider.
func NewSearchProvider(src Source, settings map[string]any) (*SearchProvider, error) {
	var cfg SearchProviderConfig
	if err := decodeSettings(settings, &cfg); err != nil {
		return nil, err
	}
	return &SearchProvider{src: src, config: cfg}, nil
}

// GetCandidates runs the artist queries until count tracks are collected.
func (p *SearchProvider) GetCandidates(ctx context.Context, count int, seeds []track.Track, exclude map[string]bool) ([]track.Track, error) {
	if count <= 0 {
		return nil, nil
	}
	artist := seedArtist(seeds)
	if artist == "" {
		return nil, errors.New("no seed with a known artist")
	}

	seen := make(map[string]bool, len(seeds))
	for _, s := range seeds {
		seen[s.ID] = true
	}

	var result []track.Track
	for _, pattern := range artistQueries {
		if len(result) >= count {
			break
		}
		query := strings.ReplaceAll(pattern, "%s", artist)
		tracks, err := p.src.SearchTracks(ctx, query, p.config.ResultsPerQuery)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			zlog.Debug().Msgf("autoplay: search %q failed: %v", query, err)
			continue
		}
		for _, t := range tracks {
			if len(result) >= count {
				break
			}
			if exclude[t.ID] || seen[t.ID] {
				continue
			}
			seen[t.ID] = true
			result = append(result, t)
		}
	}
	return result, nil
}

// Name returns the provider name.
func (p *SearchProvider) Name() string {
	return TypeYouTubeSearch
}

// seedArtist returns the artist of the first seed that has one.
func seedArtist(seeds []track.Track) string {
	for _, s := range seeds {
		artist, _ := s.SplitArtist()
		artist = strings.TrimSuffix(strings.TrimSpace(artist), " - Topic")
		if artist != "" {
			return artist
		}
	}
	return ""
}
