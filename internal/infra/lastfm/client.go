// Package lastfm provides a client for the Last.fm API.
package lastfm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/djbox/internal/infra/fetchgate"
)

// Last.fm API error codes with special handling.
const (
	errCodeInvalidParameters = 6
	errCodeRateLimited       = 29
)

// Client is a Last.fm API client.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client

	// similar results keyed by "artist\x00track"
	cache   map[string][]SimilarTrack
	cacheMu sync.RWMutex
}

// Config represents Last.fm client configuration.
type Config struct {
	APIKey string
}

// SimilarTrack represents a similar track from Last.fm.
type SimilarTrack struct {
	Name   string
	Artist string
}

// getSimilarResponse represents the response from track.getSimilar API.
type getSimilarResponse struct {
	SimilarTracks struct {
		Track []struct {
			Name   string `json:"name"`
			Artist struct {
				Name string `json:"name"`
			} `json:"artist"`
		} `json:"track"`
	} `json:"similartracks"`
}

// getTopTracksResponse represents the response from artist.getTopTracks API.
type getTopTracksResponse struct {
	TopTracks struct {
		Track []struct {
			Name   string `json:"name"`
			Artist struct {
				Name string `json:"name"`
			} `json:"artist"`
		} `json:"track"`
	} `json:"toptracks"`
}

// apiError represents an error response from Last.fm API.
type apiError struct {
	Code    int    `json:"error"`
	Message string `json:"message"`
}

// New creates a new Last.fm client.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("last.fm API key is required")
	}

	return &Client{
		apiKey:     cfg.APIKey,
		baseURL:    "https://ws.audioscrobbler.com/2.0/",
		httpClient: &http.Client{Timeout: 10 * time.Second},
		cache:      make(map[string][]SimilarTrack),
	}, nil
}

// GetSimilarTracks retrieves similar tracks from Last.fm based on track name and artist.
// Reference: https://www.last.fm/api/show/track.getSimilar
func (c *Client) GetSimilarTracks(ctx context.Context, trackName, artistName string, limit int) ([]SimilarTrack, error) {
	if trackName == "" || artistName == "" {
		return nil, fetchgate.Permanent(errors.New("track name and artist name are required"))
	}
	limit = clampLimit(limit)

	cacheKey := strings.ToLower(artistName + "\x00" + trackName)
	c.cacheMu.RLock()
	if cached, ok := c.cache[cacheKey]; ok && len(cached) >= limit {
		c.cacheMu.RUnlock()
		zlog.Debug().Msgf("lastfm: using cached similar tracks for %s - %s", artistName, trackName)
		return cached[:limit], nil
	}
	c.cacheMu.RUnlock()

	params := url.Values{}
	params.Set("method", "track.getSimilar")
	params.Set("artist", artistName)
	params.Set("track", trackName)
	params.Set("limit", fmt.Sprintf("%d", limit))
	params.Set("autocorrect", "1")

	var response getSimilarResponse
	if err := c.get(ctx, params, &response); err != nil {
		return nil, err
	}

	tracks := make([]SimilarTrack, 0, len(response.SimilarTracks.Track))
	for _, t := range response.SimilarTracks.Track {
		tracks = append(tracks, SimilarTrack{Name: t.Name, Artist: t.Artist.Name})
	}

	c.cacheMu.Lock()
	c.cache[cacheKey] = tracks
	c.cacheMu.Unlock()

	return tracks, nil
}

// GetArtistTopTracks retrieves the most played tracks of an artist.
// Reference: https://www.last.fm/api/show/artist.getTopTracks
func (c *Client) GetArtistTopTracks(ctx context.Context, artistName string, limit int) ([]SimilarTrack, error) {
	if artistName == "" {
		return nil, fetchgate.Permanent(errors.New("artist name is required"))
	}

	params := url.Values{}
	params.Set("method", "artist.getTopTracks")
	params.Set("artist", artistName)
	params.Set("limit", fmt.Sprintf("%d", clampLimit(limit)))
	params.Set("autocorrect", "1")

	var response getTopTracksResponse
	if err := c.get(ctx, params, &response); err != nil {
		return nil, err
	}

	tracks := make([]SimilarTrack, 0, len(response.TopTracks.Track))
	for _, t := range response.TopTracks.Track {
		tracks = append(tracks, SimilarTrack{Name: t.Name, Artist: t.Artist.Name})
	}
	return tracks, nil
}

// get performs one API call and decodes the JSON body into out.
func (c *Client) get(ctx context.Context, params url.Values, out any) error {
	params.Set("api_key", c.apiKey)
	params.Set("format", "json")
	reqURL := c.baseURL + "?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fetchgate.Permanent(errors.Wrap(err, "failed to create request"))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "failed to send request")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "failed to read response body")
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return errors.Wrap(fetchgate.ErrRateLimited, "last.fm")
	}

	// Check for Last.fm API errors
	var apiErr apiError
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Code != 0 {
		switch apiErr.Code {
		case errCodeRateLimited:
			return errors.Wrapf(fetchgate.ErrRateLimited, "last.fm API error %d: %s", apiErr.Code, apiErr.Message)
		case errCodeInvalidParameters:
			return fetchgate.Permanent(errors.Errorf("last.fm API error %d: %s", apiErr.Code, apiErr.Message))
		}
		return errors.Errorf("last.fm API error %d: %s", apiErr.Code, apiErr.Message)
	}

	if resp.StatusCode >= 500 {
		return errors.Errorf("last.fm returned status %d", resp.StatusCode)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fetchgate.Permanent(errors.Wrap(err, "failed to parse response"))
	}
	return nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 20
	}
	if limit > 100 {
		return 100
	}
	return limit
}
