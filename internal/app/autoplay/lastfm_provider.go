package autoplay

import (
	"cmp"
	"context"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/djbox/internal/app/resolver"
	"github.com/osa030/djbox/internal/domain/track"
	"github.com/osa030/djbox/internal/infra/fetchgate"
	"github.com/osa030/djbox/internal/infra/lastfm"
)

// ProviderLastFm is the fetch gate provider name for Last.fm calls.
const ProviderLastFm = "lastfm"

// LastFmClient defines the interface for Last.fm operations.
type LastFmClient interface {
	GetSimilarTracks(ctx context.Context, trackName, artistName string, limit int) ([]lastfm.SimilarTrack, error)
	GetArtistTopTracks(ctx context.Context, artistName string, limit int) ([]lastfm.SimilarTrack, error)
}

type LastFmProviderConfig struct {
	APIKey         string `yaml:"api_key" mapstructure:"api_key" validate:"required"`
	SeedTrackCount int    `yaml:"seed_track_count" mapstructure:"seed_track_count" default:"3" validate:"gte=1"`
	SimilarLimit   int    `yaml:"similar_limit" mapstructure:"similar_limit" default:"20" validate:"gte=1,lte=100"`
}

// LastFmProvider recommends tracks similar to the seeds according to
// Last.fm, resolved to playable tracks through search.
type LastFmProvider struct {
	lastfm LastFmClient
	src    Source
	gate   *fetchgate.Gate
	config LastFmProviderConfig

	// search results keyed by "artist\x00name"; nil marks a miss
	searchCache map[string]*track.Track
	mu          sync.Mutex
	rng         *rand.Rand
}

// NewLastFmProvider creates a new LastFmProvider.
func NewLastFmProvider(src Source, gate *fetchgate.Gate, settings map[string]any) (*LastFmProvider, error) {
	if gate == nil {
		return nil, errors.New("fetch gate is required")
	}
	var cfg LastFmProviderConfig
	if err := decodeSettings(settings, &cfg); err != nil {
		return nil, err
	}
	client, err := lastfm.New(lastfm.Config{APIKey: cfg.APIKey})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create last.fm client")
	}
	return newLastFmProvider(client, src, gate, cfg), nil
}

func newLastFmProvider(client LastFmClient, src Source, gate *fetchgate.Gate, cfg LastFmProviderConfig) *LastFmProvider {
	seed := uint64(time.Now().UnixNano())
	return &LastFmProvider{
		lastfm:      client,
		src:         src,
		gate:        gate,
		config:      cfg,
		searchCache: make(map[string]*track.Track),
		rng:         rand.New(rand.NewPCG(seed, seed>>1)),
	}
}

// GetCandidates looks up similar tracks for each seed, falling back to the
// seed artist's top tracks, then resolves a random pick from the best
// 2*count matches.
func (p *LastFmProvider) GetCandidates(ctx context.Context, count int, seeds []track.Track, exclude map[string]bool) ([]track.Track, error) {
	if count <= 0 || len(seeds) == 0 {
		return nil, nil
	}
	if len(seeds) > p.config.SeedTrackCount {
		seeds = seeds[:p.config.SeedTrackCount]
	}

	pool, err := p.similarPool(ctx, seeds)
	if err != nil {
		return nil, err
	}
	if len(pool) == 0 {
		return nil, nil
	}

	poolSize := min(count*2, len(pool))
	top := pool[:poolSize]
	p.mu.Lock()
	p.rng.Shuffle(len(top), func(i, j int) { top[i], top[j] = top[j], top[i] })
	p.mu.Unlock()

	result := make([]track.Track, 0, count)
	seen := make(map[string]bool)
	for _, st := range top {
		if len(result) >= count {
			break
		}
		t := p.search(ctx, st)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if t == nil || exclude[t.ID] || seen[t.ID] {
			continue
		}
		seen[t.ID] = true
		result = append(result, *t)
	}
	return result, nil
}

// similarPool merges similar tracks across seeds, ordered by how many seeds
// recommended them, then by first appearance.
func (p *LastFmProvider) similarPool(ctx context.Context, seeds []track.Track) ([]lastfm.SimilarTrack, error) {
	type entry struct {
		track lastfm.SimilarTrack
		votes int
		order int
	}
	merged := make(map[string]*entry)
	add := func(list []lastfm.SimilarTrack) {
		for _, st := range list {
			key := poolKey(st)
			if e, ok := merged[key]; ok {
				e.votes++
				continue
			}
			merged[key] = &entry{track: st, votes: 1, order: len(merged)}
		}
	}

	var lastErr error
	for _, seed := range seeds {
		artist, title := seed.SplitArtist()
		artist = strings.TrimSuffix(artist, " - Topic")
		if artist == "" || title == "" {
			continue
		}
		similar, err := fetchgate.Call(ctx, p.gate, ProviderLastFm,
			func(ctx context.Context) ([]lastfm.SimilarTrack, error) {
				return p.lastfm.GetSimilarTracks(ctx, title, artist, p.config.SimilarLimit)
			})
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, fetchgate.ErrCircuitOpen) {
				return nil, err
			}
			zlog.Debug().Msgf("autoplay: last.fm similar for %s - %s failed: %v", artist, title, err)
			lastErr = err
		}
		if len(similar) == 0 {
			similar, err = fetchgate.Call(ctx, p.gate, ProviderLastFm,
				func(ctx context.Context) ([]lastfm.SimilarTrack, error) {
					return p.lastfm.GetArtistTopTracks(ctx, artist, p.config.SimilarLimit)
				})
			if err != nil {
				lastErr = err
				continue
			}
		}
		add(similar)
	}

	if len(merged) == 0 {
		return nil, lastErr
	}

	entries := make([]*entry, 0, len(merged))
	for _, e := range merged {
		entries = append(entries, e)
	}
	slices.SortFunc(entries, func(a, b *entry) int {
		if a.votes != b.votes {
			return cmp.Compare(b.votes, a.votes)
		}
		return cmp.Compare(a.order, b.order)
	})
	pool := make([]lastfm.SimilarTrack, len(entries))
	for i, e := range entries {
		pool[i] = e.track
	}
	return pool, nil
}

// search resolves a Last.fm track to a playable track, caching hits and misses.
func (p *LastFmProvider) search(ctx context.Context, st lastfm.SimilarTrack) *track.Track {
	key := poolKey(st)
	p.mu.Lock()
	if cached, ok := p.searchCache[key]; ok {
		p.mu.Unlock()
		return cached
	}
	p.mu.Unlock()

	t, err := p.src.SearchOne(ctx, st.Artist+" - "+st.Name)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		zlog.Debug().Msgf("autoplay: no match for %s - %s: %v", st.Artist, st.Name, err)
		if kind, ok := resolver.KindOf(err); ok && (kind == resolver.NotFound || kind == resolver.TooLong) {
			p.store(key, nil)
		}
		return nil
	}
	t.Kind = track.SourceAutoplay
	p.store(key, &t)
	return &t
}

func (p *LastFmProvider) store(key string, t *track.Track) {
	p.mu.Lock()
	p.searchCache[key] = t
	p.mu.Unlock()
}

// Name returns the provider name.
func (p *LastFmProvider) Name() string {
	return TypeLastFm
}

func poolKey(st lastfm.SimilarTrack) string {
	return strings.ToLower(st.Artist + "\x00" + st.Name)
}
