// Package youtube wraps yt-dlp, YouTube search and YouTube Music search.
package youtube

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/lrstanley/go-ytdlp"
	"github.com/ppalone/ytsearch"
	"github.com/raitonoberu/ytmusic"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/djbox/internal/infra/fetchgate"
)

var (
	// ErrUnavailable is returned for removed, private or blocked media.
	ErrUnavailable = errors.New("media unavailable")
	// ErrNoResults is returned when a search yields nothing usable.
	ErrNoResults = errors.New("no results")
)

// Entry is one video as reported by a provider.
type Entry struct {
	ID       string
	URL      string
	Title    string
	Uploader string
	Duration time.Duration
}

// Config holds the client options.
type Config struct {
	Proxy       string
	Bitrate     string
	Loudnorm    bool
	AutoInstall bool
}

// Client talks to YouTube through the yt-dlp binary and the search APIs.
type Client struct {
	cfg Config
}

// New creates a new client. With AutoInstall the yt-dlp binary is fetched
// when missing.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Bitrate == "" {
		cfg.Bitrate = "128K"
	}
	if cfg.AutoInstall {
		if _, err := ytdlp.Install(ctx, nil); err != nil {
			return nil, errors.Wrap(err, "failed to install yt-dlp")
		}
	}
	return &Client{cfg: cfg}, nil
}

func (c *Client) command() *ytdlp.Command {
	cmd := ytdlp.New().
		Quiet().
		NoWarnings().
		IgnoreConfig()
	if c.cfg.Proxy != "" {
		cmd.Proxy(c.cfg.Proxy)
	}
	return cmd
}

const entryFormat = "%(id)s\t%(url)s\t%(title)s\t%(uploader)s\t%(duration)s\t%(playlist_count)s"

// Metadata resolves title, uploader and duration of a single media link.
func (c *Client) Metadata(ctx context.Context, link string) (*Entry, error) {
	res, err := c.command().
		Print("%(id)s\t%(webpage_url)s\t%(title)s\t%(uploader)s\t%(duration)s").
		NoPlaylist().
		Run(ctx, "--skip-download", link)
	if err != nil {
		return nil, classifyRunError(res, err)
	}
	entries := parseEntries(res.Stdout)
	if len(entries) == 0 {
		return nil, fetchgate.Permanent(errors.Wrapf(ErrNoResults, "no metadata for %s", link))
	}
	e := entries[0].Entry
	if e.URL == "" || e.URL == "NA" {
		e.URL = link
	}
	if _, ok := ExtractVideoID(link); !ok {
		e.ID = CanonicalID(link)
	}
	return &e, nil
}

// Playlist expands a playlist link to at most limit entries. total is the
// playlist size reported by the provider, or the number returned when
// unknown.
func (c *Client) Playlist(ctx context.Context, link string, limit int) (entries []Entry, total int, err error) {
	res, err := c.command().
		FlatPlaylist().
		Print(entryFormat).
		PlaylistItems(fmt.Sprintf("1-%d", limit)).
		Run(ctx, "--yes-playlist", link)
	if err != nil {
		return nil, 0, classifyRunError(res, err)
	}
	parsed := parseEntries(res.Stdout)
	entries = make([]Entry, 0, len(parsed))
	for _, p := range parsed {
		entries = append(entries, p.Entry)
		if p.playlistCount > total {
			total = p.playlistCount
		}
	}
	if total < len(entries) {
		total = len(entries)
	}
	return entries, total, nil
}

// Mix returns up to limit entries of the radio mix seeded by id.
func (c *Client) Mix(ctx context.Context, id string, limit int) ([]Entry, error) {
	entries, _, err := c.Playlist(ctx, MixURL(id), limit)
	return entries, err
}

// SearchFallback searches through yt-dlp's own search extractor.
func (c *Client) SearchFallback(ctx context.Context, query string, limit int) ([]Entry, error) {
	res, err := c.command().
		FlatPlaylist().
		Print(entryFormat).
		PlaylistItems(fmt.Sprintf("1-%d", limit)).
		Run(ctx, fmt.Sprintf("ytsearch%d:%s", limit, query))
	if err != nil {
		return nil, classifyRunError(res, err)
	}
	parsed := parseEntries(res.Stdout)
	entries := make([]Entry, 0, len(parsed))
	for _, p := range parsed {
		entries = append(entries, p.Entry)
	}
	return entries, nil
}

// Search queries YouTube's web search.
func (c *Client) Search(ctx context.Context, query string, limit int) ([]Entry, error) {
	res, err := ytsearch.NewClient(nil).Search(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, "youtube search failed")
	}
	entries := make([]Entry, 0, limit)
	for _, r := range res.Results {
		if r.VideoID == "" {
			continue
		}
		entries = append(entries, Entry{
			ID:       r.VideoID,
			URL:      WatchURL(r.VideoID),
			Title:    r.Title,
			Uploader: r.Channel,
		})
		if len(entries) >= limit {
			break
		}
	}
	return entries, nil
}

// SearchMusic queries YouTube Music's track search. The upstream client has
// no context support, so cancellation abandons the request.
func (c *Client) SearchMusic(ctx context.Context, query string, limit int) ([]Entry, error) {
	type result struct {
		entries []Entry
		err     error
	}
	ch := make(chan result, 1)
	go func() {
		r, err := ytmusic.TrackSearch(query).Next()
		if err != nil {
			ch <- result{err: errors.Wrap(err, "youtube music search failed")}
			return
		}
		entries := make([]Entry, 0, limit)
		for _, t := range r.Tracks {
			if t.VideoID == "" {
				continue
			}
			e := Entry{ID: t.VideoID, URL: WatchURL(t.VideoID), Title: t.Title}
			if len(t.Artists) > 0 {
				e.Uploader = t.Artists[0].Name
			}
			entries = append(entries, e)
			if len(entries) >= limit {
				break
			}
		}
		ch <- result{entries: entries}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		return r.entries, r.err
	}
}

// Download fetches the audio of link into dir, transcoded to Opus. It
// returns the path of the produced file.
func (c *Client) Download(ctx context.Context, link, dir, id string) (string, error) {
	args := []string{
		"--extract-audio",
		"--audio-format", "opus",
		"--audio-quality", c.cfg.Bitrate,
	}
	if c.cfg.Loudnorm {
		args = append(args, "--postprocessor-args", "ffmpeg:-af loudnorm=I=-16:TP=-1.5:LRA=11")
	}
	args = append(args, link)

	res, err := c.command().
		Format("bestaudio/best").
		NoPlaylist().
		NoPart().
		Output(filepath.Join(dir, id+".%(ext)s")).
		Run(ctx, args...)
	if err != nil {
		return "", classifyRunError(res, err)
	}

	path := filepath.Join(dir, id+".opus")
	if _, err := os.Stat(path); err != nil {
		return "", errors.Wrapf(err, "yt-dlp produced no opus output for %s", id)
	}
	zlog.Debug().Msgf("youtube: downloaded %s to %s", id, path)
	return path, nil
}

type parsedEntry struct {
	Entry
	playlistCount int
}

// parseEntries reads the tab separated lines produced by the --print
// templates above.
func parseEntries(stdout string) []parsedEntry {
	var out []parsedEntry
	for _, line := range strings.Split(strings.TrimSpace(stdout), "\n") {
		parts := strings.Split(line, "\t")
		if len(parts) < 5 {
			continue
		}
		id := parts[0]
		link := parts[1]
		if id == "" || id == "NA" {
			vid, ok := ExtractVideoID(link)
			if !ok {
				continue
			}
			id = vid
		}
		if link == "" || link == "NA" || !strings.Contains(link, "://") {
			link = WatchURL(id)
		}
		e := parsedEntry{Entry: Entry{
			ID:       id,
			URL:      link,
			Title:    naToEmpty(parts[2]),
			Uploader: naToEmpty(parts[3]),
			Duration: parseSeconds(parts[4]),
		}}
		if len(parts) > 5 {
			e.playlistCount, _ = strconv.Atoi(parts[5])
		}
		out = append(out, e)
	}
	return out
}

func naToEmpty(s string) string {
	if s == "NA" {
		return ""
	}
	return s
}

// parseSeconds accepts the integer or fractional seconds yt-dlp prints.
func parseSeconds(s string) time.Duration {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || f < 0 {
		return 0
	}
	return time.Duration(f * float64(time.Second))
}

var unavailableIndicators = []string{
	"video unavailable",
	"private video",
	"this video is not available",
	"has been removed",
	"sign in to confirm your age",
	"drm",
	"unsupported url",
	"does not exist",
}

// classifyRunError maps a failed yt-dlp run to permanent or transient
// errors for the gate.
func classifyRunError(res *ytdlp.Result, err error) error {
	stderr := ""
	if res != nil {
		stderr = res.Stderr
	}
	msg := strings.ToLower(stderr + " " + err.Error())
	switch {
	case strings.Contains(msg, "429") || strings.Contains(msg, "too many requests"):
		return errors.Wrapf(fetchgate.ErrRateLimited, "yt-dlp: %s", firstLine(stderr))
	case containsAny(msg, unavailableIndicators):
		return fetchgate.Permanent(errors.Wrapf(ErrUnavailable, "yt-dlp: %s", firstLine(stderr)))
	}
	if stderr != "" {
		return errors.Wrapf(err, "yt-dlp: %s", firstLine(stderr))
	}
	return errors.Wrap(err, "yt-dlp failed")
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
