package resolver

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/osa030/djbox/internal/domain/playlist"
	"github.com/osa030/djbox/internal/domain/track"
	"github.com/osa030/djbox/internal/infra/fetchgate"
	"github.com/osa030/djbox/internal/infra/spotify"
	"github.com/osa030/djbox/internal/infra/youtube"
)

// matchCandidates is the number of search results considered per entry.
const matchCandidates = 3

// resolveMetadata expands a Spotify link and matches every entry against
// the video provider. Entries without a match are dropped and counted.
func (r *Resolver) resolveMetadata(ctx context.Context, query string, link spotify.Link) (*playlist.Resolution, error) {
	if r.meta == nil {
		return nil, newError(ProviderUnavailable, query, errors.New("spotify is not configured"))
	}

	listing, err := fetchgate.Retry(ctx, r.gate, ProviderSpotify, r.cfg.Attempts,
		func(ctx context.Context) (*spotify.Listing, error) {
			return r.meta.Lookup(ctx, link, r.cfg.MaxTracks)
		})
	if err != nil {
		return nil, err
	}

	entries := listing.Entries
	if len(entries) > r.cfg.MaxTracks {
		entries = entries[:r.cfg.MaxTracks]
	}
	res := &playlist.Resolution{Title: listing.Name, URL: query, Skipped: listing.Skipped}
	if listing.Total > len(entries) {
		res.Truncated = listing.Total - len(entries)
	}

	slots := make([]*track.Track, len(entries))
	tooLong := 0
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Parallelism)
	for i, e := range entries {
		if r.tooLong(e.Duration) {
			tooLong++
			continue
		}
		g.Go(func() error {
			match, err := r.matchEntry(gctx, e)
			if err != nil {
				if errors.Is(err, fetchgate.ErrCircuitOpen) || gctx.Err() != nil {
					return err
				}
				zlog.Debug().Msgf("resolver: no match for %q: %v", e.SearchQuery(), err)
				return nil
			}
			t := track.Track{
				ID:          match.ID,
				Kind:        track.SourceMetadata,
				Title:       e.Title,
				Artist:      e.ArtistNames(),
				Duration:    e.Duration,
				URL:         youtube.WatchURL(match.ID),
				OriginQuery: query,
			}
			mu.Lock()
			slots[i] = &t
			mu.Unlock()
			return nil
		})
	}
	waitErr := g.Wait()

	for _, t := range slots {
		if t != nil {
			res.Tracks = append(res.Tracks, *t)
		}
	}
	res.Skipped += tooLong
	res.Unmatched = len(entries) - tooLong - len(res.Tracks)

	if len(res.Tracks) == 0 {
		if waitErr != nil {
			return nil, waitErr
		}
		if tooLong > 0 && tooLong == len(entries) {
			return nil, newError(TooLong, query, errors.New("every entry exceeds the duration limit"))
		}
		return nil, newError(NotFound, query, errors.New("no entry matched a playable video"))
	}
	if waitErr != nil {
		zlog.Warn().Msgf("resolver: %s expanded partially: %v", query, waitErr)
	}
	return res, nil
}

// matchEntry finds the video for a metadata entry.
func (r *Resolver) matchEntry(ctx context.Context, e spotify.Entry) (youtube.Entry, error) {
	candidates, err := r.searchCandidates(ctx, e.SearchQuery(), matchCandidates)
	if err != nil {
		return youtube.Entry{}, err
	}
	ranked := rank(e.ArtistNames()+" "+e.Title, candidates)
	return ranked[0], nil
}
