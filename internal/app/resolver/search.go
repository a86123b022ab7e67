package resolver

import (
	"context"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/lithammer/fuzzysearch/fuzzy"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/djbox/internal/domain/track"
	"github.com/osa030/djbox/internal/infra/fetchgate"
	"github.com/osa030/djbox/internal/infra/youtube"
)

// metadataChecks bounds the duration lookups made for one search.
const metadataChecks = 3

// SearchOne resolves free text to the single best matching track.
// Candidates over the duration limit are skipped; TooLong is reported only
// when nothing else matched.
func (r *Resolver) SearchOne(ctx context.Context, query string) (track.Track, error) {
	candidates, err := r.searchCandidates(ctx, query, r.cfg.SearchResults)
	if err != nil {
		return track.Track{}, err
	}

	tooLong, checked := 0, 0
	var lastErr error
	for _, e := range rank(query, candidates) {
		if e.Duration <= 0 {
			if checked == metadataChecks {
				break
			}
			checked++
			meta, err := fetchgate.Retry(ctx, r.gate, ProviderYouTube, r.cfg.Attempts,
				func(ctx context.Context) (*youtube.Entry, error) {
					return r.video.Metadata(ctx, youtube.WatchURL(e.ID))
				})
			if err != nil {
				if fetchgate.IsPermanent(err) {
					lastErr = err
					continue
				}
				return track.Track{}, err
			}
			e.Duration = meta.Duration
			if e.Uploader == "" {
				e.Uploader = meta.Uploader
			}
		}
		if r.tooLong(e.Duration) {
			tooLong++
			continue
		}
		return fromEntry(e, track.SourceSearch, query), nil
	}

	if tooLong > 0 {
		return track.Track{}, newError(TooLong, query, errors.New("every match exceeds the duration limit"))
	}
	if lastErr == nil {
		lastErr = youtube.ErrNoResults
	}
	return track.Track{}, newError(NotFound, query, lastErr)
}

// SearchTracks returns up to limit tracks for free text, in provider rank
// order, without duration lookups. Used for recommendation queries.
func (r *Resolver) SearchTracks(ctx context.Context, query string, limit int) ([]track.Track, error) {
	candidates, err := r.searchCandidates(ctx, query, limit)
	if err != nil {
		return nil, wrapError(query, err)
	}
	tracks := make([]track.Track, 0, len(candidates))
	for _, e := range candidates {
		if r.tooLong(e.Duration) {
			continue
		}
		tracks = append(tracks, fromEntry(e, track.SourceAutoplay, query))
		if len(tracks) == limit {
			break
		}
	}
	return tracks, nil
}

// searchCandidates collects results from YouTube Music and YouTube search,
// falling back to the yt-dlp search extractor when both come back empty.
func (r *Resolver) searchCandidates(ctx context.Context, query string, limit int) ([]youtube.Entry, error) {
	type source struct {
		provider string
		search   func(context.Context, string, int) ([]youtube.Entry, error)
	}
	sources := []source{
		{ProviderYouTubeMusic, r.video.SearchMusic},
		{ProviderYouTubeSearch, r.video.Search},
	}

	var (
		out      []youtube.Entry
		seen     = make(map[string]struct{})
		firstErr error
	)
	for _, s := range sources {
		entries, err := fetchgate.Call(ctx, r.gate, s.provider, func(ctx context.Context) ([]youtube.Entry, error) {
			return s.search(ctx, query, limit)
		})
		if err != nil {
			if errors.Is(err, fetchgate.ErrCircuitOpen) || ctx.Err() != nil {
				return nil, err
			}
			zlog.Debug().Msgf("resolver: %s search for %q failed: %v", s.provider, query, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		for _, e := range entries {
			if _, dup := seen[e.ID]; dup || e.ID == "" {
				continue
			}
			seen[e.ID] = struct{}{}
			out = append(out, e)
		}
	}
	if len(out) > 0 {
		return out, nil
	}

	entries, err := fetchgate.Retry(ctx, r.gate, ProviderYouTube, r.cfg.Attempts,
		func(ctx context.Context) ([]youtube.Entry, error) {
			return r.video.SearchFallback(ctx, query, limit)
		})
	if err != nil {
		if firstErr != nil && fetchgate.IsPermanent(err) {
			return nil, firstErr
		}
		return nil, err
	}
	if len(entries) == 0 {
		if firstErr != nil {
			return nil, firstErr
		}
		return nil, fetchgate.Permanent(errors.Wrapf(youtube.ErrNoResults, "no results for %q", query))
	}
	return entries, nil
}

// unwantedVariants are penalized unless the query asks for them.
var unwantedVariants = []string{"cover", "karaoke", "reaction", "live", "remix", "nightcore", "8d audio", "slowed"}

// rank orders entries by match quality against query, best first. Ties
// keep provider order.
func rank(query string, entries []youtube.Entry) []youtube.Entry {
	type scored struct {
		entry youtube.Entry
		score int
	}
	q := strings.ToLower(strings.TrimSpace(query))
	list := make([]scored, len(entries))
	for i, e := range entries {
		list[i] = scored{entry: e, score: matchScore(q, e)}
	}
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].score < list[j].score
	})
	out := make([]youtube.Entry, len(list))
	for i, s := range list {
		out[i] = s.entry
	}
	return out
}

// matchScore scores a candidate against a lowercase query. Lower is better.
func matchScore(q string, e youtube.Entry) int {
	title := strings.ToLower(e.Title)
	full := strings.ToLower(strings.TrimSpace(e.Uploader + " " + e.Title))

	var score int
	switch {
	case title == q || full == q:
		score = 0
	case strings.HasPrefix(title, q) || strings.HasPrefix(full, q):
		score = 10
	case strings.Contains(title, q) || strings.Contains(full, q):
		score = 50
	default:
		if d := fuzzy.RankMatchNormalizedFold(q, full); d >= 0 {
			score = 60 + d
		} else {
			score = 100 + fuzzy.LevenshteinDistance(q, title)
		}
	}

	for _, v := range unwantedVariants {
		if strings.Contains(title, v) && !strings.Contains(q, v) {
			score += 30
		}
	}
	return score
}
