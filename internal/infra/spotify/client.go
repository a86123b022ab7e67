// Package spotify provides a metadata client for the Spotify Web API.
package spotify

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/zmb3/spotify/v2"
	spotifyauth "github.com/zmb3/spotify/v2/auth"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/osa030/djbox/internal/infra/fetchgate"
)

// ErrNotFound is returned for links that point at nothing.
var ErrNotFound = errors.New("spotify item not found")

// Kind is the type of a Spotify link.
type Kind string

const (
	KindTrack    Kind = "track"
	KindAlbum    Kind = "album"
	KindPlaylist Kind = "playlist"
)

// Link is a parsed Spotify URL or URI.
type Link struct {
	Kind Kind
	ID   string
}

var (
	urlPattern = regexp.MustCompile(`https?://open\.spotify\.com/(?:intl-[a-zA-Z-]+/)?(track|album|playlist)/([a-zA-Z0-9]+)`)
	uriPattern = regexp.MustCompile(`spotify:(track|album|playlist):([a-zA-Z0-9]+)`)
)

// ParseLink extracts the kind and ID of a Spotify link.
func ParseLink(input string) (Link, bool) {
	input = strings.TrimSpace(input)
	for _, p := range []*regexp.Regexp{urlPattern, uriPattern} {
		if m := p.FindStringSubmatch(input); m != nil {
			return Link{Kind: Kind(m[1]), ID: m[2]}, true
		}
	}
	return Link{}, false
}

// Entry is the metadata of one track.
type Entry struct {
	ID       string
	Title    string
	Artists  []string
	Duration time.Duration
}

// ArtistNames joins the artists the way search queries expect them.
func (e Entry) ArtistNames() string {
	if len(e.Artists) == 0 {
		return "Unknown Artist"
	}
	return strings.Join(e.Artists, ", ")
}

// SearchQuery returns the video search query for the entry.
func (e Entry) SearchQuery() string {
	return fmt.Sprintf("%s - %s official audio", e.ArtistNames(), e.Title)
}

// Listing is the expanded content of a link.
type Listing struct {
	Name    string
	Entries []Entry
	Total   int // entries in the source before the limit
	Skipped int // local or empty items
}

// Client is a Spotify API client.
type Client struct {
	client *spotify.Client
	market string
}

// Config represents Spotify client configuration.
type Config struct {
	ClientID     string
	ClientSecret string
	Market       string
}

// New creates a new Spotify client using the client credentials flow.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, errors.New("spotify credentials are required")
	}

	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     spotifyauth.TokenURL,
	}
	client := spotify.New(cc.Client(ctx))

	market := cfg.Market
	if market == "" {
		market = "US"
	}

	return &Client{
		client: client,
		market: market,
	}, nil
}

// Lookup expands a link into at most limit entries.
func (c *Client) Lookup(ctx context.Context, link Link, limit int) (*Listing, error) {
	if limit <= 0 {
		limit = 50
	}
	var (
		l   *Listing
		err error
	)
	switch link.Kind {
	case KindTrack:
		l, err = c.track(ctx, link.ID)
	case KindAlbum:
		l, err = c.album(ctx, link.ID, limit)
	case KindPlaylist:
		l, err = c.playlist(ctx, link.ID, limit)
	default:
		return nil, fetchgate.Permanent(errors.Newf("unsupported spotify link kind %q", link.Kind))
	}
	if err != nil {
		return nil, classifyError(err)
	}
	return l, nil
}

func (c *Client) track(ctx context.Context, id string) (*Listing, error) {
	t, err := c.client.GetTrack(ctx, spotify.ID(id), spotify.Market(c.market))
	if err != nil {
		return nil, errors.Wrap(err, "failed to get track")
	}
	e := convertTrack(&t.SimpleTrack, nil)
	return &Listing{
		Name:    e.ArtistNames() + " - " + e.Title,
		Entries: []Entry{e},
		Total:   1,
	}, nil
}

func (c *Client) album(ctx context.Context, id string, limit int) (*Listing, error) {
	album, err := c.client.GetAlbum(ctx, spotify.ID(id), spotify.Market(c.market))
	if err != nil {
		return nil, errors.Wrap(err, "failed to get album")
	}
	l := &Listing{Name: album.Name}

	offset := 0
	for len(l.Entries) < limit {
		batch := min(50, limit-len(l.Entries))
		page, err := c.client.GetAlbumTracks(ctx, spotify.ID(id),
			spotify.Limit(batch),
			spotify.Offset(offset),
			spotify.Market(c.market),
		)
		if err != nil {
			return nil, errors.Wrap(err, "failed to get album tracks")
		}
		l.Total = int(page.Total)
		for i := range page.Tracks {
			if len(l.Entries) >= limit {
				break
			}
			e := convertTrack(&page.Tracks[i], album.Artists)
			if e.Title == "" {
				l.Skipped++
				continue
			}
			l.Entries = append(l.Entries, e)
		}
		offset += batch
		if len(page.Tracks) < batch || offset >= l.Total {
			break
		}
	}
	return l, nil
}

func (c *Client) playlist(ctx context.Context, id string, limit int) (*Listing, error) {
	pl, err := c.client.GetPlaylist(ctx, spotify.ID(id), spotify.Market(c.market))
	if err != nil {
		return nil, errors.Wrap(err, "failed to get playlist")
	}
	l := &Listing{Name: pl.Name}

	offset := 0
	for len(l.Entries) < limit {
		batch := min(50, limit-len(l.Entries))
		page, err := c.client.GetPlaylistItems(ctx, spotify.ID(id),
			spotify.Limit(batch),
			spotify.Offset(offset),
			spotify.Market(c.market),
		)
		if err != nil {
			return nil, errors.Wrap(err, "failed to get playlist items")
		}
		l.Total = int(page.Total)
		for _, item := range page.Items {
			if len(l.Entries) >= limit {
				break
			}
			// Episodes and local files carry no usable track metadata.
			if item.IsLocal || item.Track.Track == nil || item.Track.Track.Name == "" {
				l.Skipped++
				continue
			}
			l.Entries = append(l.Entries, convertTrack(&item.Track.Track.SimpleTrack, nil))
		}
		offset += batch
		if len(page.Items) < batch || offset >= l.Total {
			break
		}
	}
	return l, nil
}

// convertTrack converts a Spotify track to an Entry, falling back to the
// album artists when the track lists none.
func convertTrack(t *spotify.SimpleTrack, fallback []spotify.SimpleArtist) Entry {
	artists := t.Artists
	if len(artists) == 0 {
		artists = fallback
	}
	names := make([]string, 0, len(artists))
	for _, a := range artists {
		if a.Name != "" {
			names = append(names, a.Name)
		}
	}
	return Entry{
		ID:       string(t.ID),
		Title:    t.Name,
		Artists:  names,
		Duration: time.Duration(t.Duration) * time.Millisecond,
	}
}

// classifyError maps API errors onto gate semantics: missing items are
// permanent, throttling is rate limiting, everything else is transient.
func classifyError(err error) error {
	var apiErr spotify.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Status == 404 || apiErr.Status == 400:
			return fetchgate.Permanent(errors.Wrap(ErrNotFound, err.Error()))
		case apiErr.Status == 429:
			return errors.Wrap(fetchgate.ErrRateLimited, err.Error())
		case apiErr.Status == 401 || apiErr.Status == 403:
			return fetchgate.Permanent(err)
		}
		return err
	}

	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "rate limit") || strings.Contains(errStr, "429"):
		return errors.Wrap(fetchgate.ErrRateLimited, err.Error())
	case strings.Contains(errStr, "non existing id") || strings.Contains(errStr, "not found") || strings.Contains(errStr, "invalid base62"):
		return fetchgate.Permanent(errors.Wrap(ErrNotFound, err.Error()))
	}
	return err
}
