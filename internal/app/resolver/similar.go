package resolver

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/osa030/djbox/internal/domain/track"
	"github.com/osa030/djbox/internal/infra/fetchgate"
	"github.com/osa030/djbox/internal/infra/youtube"
)

// mixOverfetch covers entries lost to exclusion and duration checks.
const mixOverfetch = 10

// Similar returns up to count tracks from the radio mix seeded by seed,
// skipping the seed itself and every ID in exclude.
func (r *Resolver) Similar(ctx context.Context, seed track.Track, count int, exclude map[string]bool) ([]track.Track, error) {
	origin := "mix:" + seed.ID
	if !youtube.IsVideoID(seed.ID) {
		return nil, newError(NotFound, origin, errors.New("seed is not a video"))
	}

	entries, err := fetchgate.Retry(ctx, r.gate, ProviderYouTube, r.cfg.Attempts,
		func(ctx context.Context) ([]youtube.Entry, error) {
			return r.video.Mix(ctx, seed.ID, count+mixOverfetch)
		})
	if err != nil {
		return nil, wrapError(origin, err)
	}

	tracks := make([]track.Track, 0, count)
	for _, e := range entries {
		if len(tracks) == count {
			break
		}
		if e.ID == seed.ID || !playable(e) || r.tooLong(e.Duration) {
			continue
		}
		if exclude[e.ID] {
			continue
		}
		tracks = append(tracks, fromEntry(e, track.SourceAutoplay, origin))
	}
	return tracks, nil
}
