// Package resolver turns user requests into playable tracks.
//
// Every outbound call goes through the fetch gate. Requests are classified
// as metadata-provider links (Spotify), playlist links, direct media links
// or free text.
package resolver

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/djbox/internal/domain/playlist"
	"github.com/osa030/djbox/internal/domain/track"
	"github.com/osa030/djbox/internal/infra/fetchgate"
	"github.com/osa030/djbox/internal/infra/metrics"
	"github.com/osa030/djbox/internal/infra/spotify"
	"github.com/osa030/djbox/internal/infra/youtube"
)

// Gate provider names. Rate limits are configured per name.
const (
	ProviderYouTube       = "youtube"
	ProviderYouTubeSearch = "youtube_search"
	ProviderYouTubeMusic  = "youtube_music"
	ProviderSpotify       = "spotify"
)

// VideoProvider is the video/search backend.
type VideoProvider interface {
	Metadata(ctx context.Context, link string) (*youtube.Entry, error)
	Playlist(ctx context.Context, link string, limit int) ([]youtube.Entry, int, error)
	Mix(ctx context.Context, id string, limit int) ([]youtube.Entry, error)
	Search(ctx context.Context, query string, limit int) ([]youtube.Entry, error)
	SearchMusic(ctx context.Context, query string, limit int) ([]youtube.Entry, error)
	SearchFallback(ctx context.Context, query string, limit int) ([]youtube.Entry, error)
}

// MetadataProvider expands metadata-provider links.
type MetadataProvider interface {
	Lookup(ctx context.Context, link spotify.Link, limit int) (*spotify.Listing, error)
}

// Config holds resolver limits.
type Config struct {
	MaxDuration   time.Duration // Longer tracks are rejected
	MaxTracks     int           // Expansion cap for lists
	SearchResults int           // Candidates requested per search provider
	Attempts      int           // Gate attempts per call
	Parallelism   int           // Concurrent searches when matching metadata entries
}

// DefaultConfig returns the default resolver limits.
func DefaultConfig() Config {
	return Config{
		MaxDuration:   20 * time.Minute,
		MaxTracks:     50,
		SearchResults: 5,
		Attempts:      2,
		Parallelism:   4,
	}
}

// Resolver resolves requests into tracks.
type Resolver struct {
	cfg   Config
	gate  *fetchgate.Gate
	video VideoProvider
	meta  MetadataProvider
}

// New creates a resolver. meta may be nil, in which case metadata-provider
// links are rejected as ProviderUnavailable.
func New(cfg Config, gate *fetchgate.Gate, video VideoProvider, meta MetadataProvider) *Resolver {
	def := DefaultConfig()
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = def.MaxDuration
	}
	if cfg.MaxTracks <= 0 {
		cfg.MaxTracks = def.MaxTracks
	}
	if cfg.SearchResults <= 0 {
		cfg.SearchResults = def.SearchResults
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = def.Attempts
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = def.Parallelism
	}
	return &Resolver{cfg: cfg, gate: gate, video: video, meta: meta}
}

// Classify returns the source kind a query resolves as.
func Classify(query string) track.SourceKind {
	q := strings.TrimSpace(query)
	if _, ok := spotify.ParseLink(q); ok {
		return track.SourceMetadata
	}
	if !isLink(q) {
		return track.SourceSearch
	}
	if _, ok := youtube.PlaylistID(q); ok {
		return track.SourcePlaylistMember
	}
	return track.SourceDirect
}

func isLink(q string) bool {
	return strings.HasPrefix(q, "http://") || strings.HasPrefix(q, "https://")
}

// Resolve turns a request into a Resolution with at least one track.
func (r *Resolver) Resolve(ctx context.Context, req track.Request) (*playlist.Resolution, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, newError(NotFound, query, errors.New("empty query"))
	}

	kind := Classify(query)
	var (
		res *playlist.Resolution
		err error
	)
	switch kind {
	case track.SourceMetadata:
		link, _ := spotify.ParseLink(query)
		res, err = r.resolveMetadata(ctx, query, link)
	case track.SourcePlaylistMember:
		res, err = r.resolvePlaylist(ctx, query)
	case track.SourceDirect:
		var t track.Track
		t, err = r.resolveDirect(ctx, query)
		res = &playlist.Resolution{URL: query, Tracks: []track.Track{t}}
	default:
		var t track.Track
		t, err = r.SearchOne(ctx, query)
		res = &playlist.Resolution{Tracks: []track.Track{t}}
	}

	if err != nil {
		err = wrapError(query, err)
		result := "error"
		if k, ok := KindOf(err); ok {
			result = k.String()
		}
		metrics.RecordResolution(string(kind), result)
		zlog.Debug().Msgf("resolver: %s %q failed: %v", kind, query, err)
		return nil, err
	}

	metrics.RecordResolution(string(kind), "ok")
	zlog.Info().Msgf("resolver: %s %q -> %d track(s), dropped %d", kind, query, len(res.Tracks), res.Dropped())
	return res, nil
}

func (r *Resolver) resolveDirect(ctx context.Context, link string) (track.Track, error) {
	entry, err := fetchgate.Retry(ctx, r.gate, ProviderYouTube, r.cfg.Attempts,
		func(ctx context.Context) (*youtube.Entry, error) {
			return r.video.Metadata(ctx, link)
		})
	if err != nil {
		return track.Track{}, err
	}
	if r.tooLong(entry.Duration) {
		return track.Track{}, newError(TooLong, link,
			errors.Newf("%s is %s long, limit is %s", entry.Title, entry.Duration, r.cfg.MaxDuration))
	}
	t := fromEntry(*entry, track.SourceDirect, link)
	return t, nil
}

func (r *Resolver) resolvePlaylist(ctx context.Context, link string) (*playlist.Resolution, error) {
	type listing struct {
		entries []youtube.Entry
		total   int
	}
	l, err := fetchgate.Retry(ctx, r.gate, ProviderYouTube, r.cfg.Attempts,
		func(ctx context.Context) (listing, error) {
			entries, total, err := r.video.Playlist(ctx, link, r.cfg.MaxTracks)
			return listing{entries, total}, err
		})
	if err != nil {
		return nil, err
	}

	res := &playlist.Resolution{URL: link}
	tooLong := 0
	for _, e := range l.entries {
		if len(res.Tracks) == r.cfg.MaxTracks {
			break
		}
		if !playable(e) {
			res.Skipped++
			continue
		}
		if r.tooLong(e.Duration) {
			res.Skipped++
			tooLong++
			continue
		}
		res.Tracks = append(res.Tracks, fromEntry(e, track.SourcePlaylistMember, link))
	}
	if l.total > len(l.entries) {
		res.Truncated = l.total - len(l.entries)
	}

	if len(res.Tracks) == 0 {
		if tooLong > 0 && tooLong == len(l.entries) {
			return nil, newError(TooLong, link, errors.New("every playlist entry exceeds the duration limit"))
		}
		return nil, newError(NotFound, link, errors.New("playlist has no playable entries"))
	}
	return res, nil
}

func (r *Resolver) tooLong(d time.Duration) bool {
	return d > r.cfg.MaxDuration
}

// playable reports whether a flat playlist entry refers to a usable video.
func playable(e youtube.Entry) bool {
	if e.ID == "" {
		return false
	}
	switch e.Title {
	case "", "[Deleted video]", "[Private video]", "[Unavailable video]":
		return false
	}
	return true
}

func fromEntry(e youtube.Entry, kind track.SourceKind, origin string) track.Track {
	link := e.URL
	if youtube.IsVideoID(e.ID) {
		link = youtube.WatchURL(e.ID)
	} else if link == "" {
		link = origin
	}
	return track.Track{
		ID:          e.ID,
		Kind:        kind,
		Title:       e.Title,
		Artist:      e.Uploader,
		Duration:    e.Duration,
		URL:         link,
		OriginQuery: origin,
	}
}
