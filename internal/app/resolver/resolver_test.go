package resolver

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osa030/djbox/internal/domain/track"
	"github.com/osa030/djbox/internal/infra/fetchgate"
	"github.com/osa030/djbox/internal/infra/spotify"
	"github.com/osa030/djbox/internal/infra/youtube"
)

type fakeVideo struct {
	mu        sync.Mutex
	metadata  map[string]youtube.Entry
	playlist  []youtube.Entry
	total     int
	mix       []youtube.Entry
	search    map[string][]youtube.Entry
	music     map[string][]youtube.Entry
	fallback  map[string][]youtube.Entry
	searchErr error
	musicErr  error
	calls     map[string]int
}

func newFakeVideo() *fakeVideo {
	return &fakeVideo{
		metadata: make(map[string]youtube.Entry),
		search:   make(map[string][]youtube.Entry),
		music:    make(map[string][]youtube.Entry),
		fallback: make(map[string][]youtube.Entry),
		calls:    make(map[string]int),
	}
}

func (f *fakeVideo) count(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[name]++
}

func (f *fakeVideo) Metadata(ctx context.Context, link string) (*youtube.Entry, error) {
	f.count("metadata")
	e, ok := f.metadata[link]
	if !ok {
		return nil, fetchgate.Permanent(youtube.ErrUnavailable)
	}
	return &e, nil
}

func (f *fakeVideo) Playlist(ctx context.Context, link string, limit int) ([]youtube.Entry, int, error) {
	f.count("playlist")
	entries := f.playlist
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, f.total, nil
}

func (f *fakeVideo) Mix(ctx context.Context, id string, limit int) ([]youtube.Entry, error) {
	f.count("mix")
	return f.mix, nil
}

func (f *fakeVideo) Search(ctx context.Context, query string, limit int) ([]youtube.Entry, error) {
	f.count("search")
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return f.search[query], nil
}

func (f *fakeVideo) SearchMusic(ctx context.Context, query string, limit int) ([]youtube.Entry, error) {
	f.count("music")
	if f.musicErr != nil {
		return nil, f.musicErr
	}
	return f.music[query], nil
}

func (f *fakeVideo) SearchFallback(ctx context.Context, query string, limit int) ([]youtube.Entry, error) {
	f.count("fallback")
	return f.fallback[query], nil
}

type fakeMeta struct {
	listing *spotify.Listing
	err     error
}

func (f *fakeMeta) Lookup(ctx context.Context, link spotify.Link, limit int) (*spotify.Listing, error) {
	return f.listing, f.err
}

func newTestGate() *fetchgate.Gate {
	return fetchgate.New(fetchgate.DefaultConfig(),
		fetchgate.WithSleep(func(context.Context, time.Duration) error { return nil }))
}

func newTestResolver(video VideoProvider, meta MetadataProvider) *Resolver {
	return New(DefaultConfig(), newTestGate(), video, meta)
}

func request(q string) track.Request {
	return track.Request{Query: q, Requester: track.Requester{ID: "u"}}
}

func videoID(n int) string {
	return fmt.Sprintf("vid%08d", n)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		query    string
		expected track.SourceKind
	}{
		{"never gonna give you up", track.SourceSearch},
		{"https://www.youtube.com/watch?v=dQw4w9WgXcQ", track.SourceDirect},
		{"https://youtu.be/dQw4w9WgXcQ", track.SourceDirect},
		{"https://www.youtube.com/playlist?list=PLabc", track.SourcePlaylistMember},
		{"https://www.youtube.com/watch?v=dQw4w9WgXcQ&list=PLabc", track.SourcePlaylistMember},
		{"https://www.youtube.com/watch?v=dQw4w9WgXcQ&list=RDdQw4w9WgXcQ", track.SourceDirect},
		{"https://open.spotify.com/track/4uLU6hMCjMI75M1A2tKUQC", track.SourceMetadata},
		{"spotify:album:1DFixLWuPkv3KT3TnV35m3", track.SourceMetadata},
		{"https://soundcloud.com/artist/song", track.SourceDirect},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			assert.Equal(t, tt.expected, Classify(tt.query))
		})
	}
}

func TestResolve_Direct(t *testing.T) {
	video := newFakeVideo()
	link := "https://www.youtube.com/watch?v=dQw4w9WgXcQ"
	video.metadata[link] = youtube.Entry{
		ID: "dQw4w9WgXcQ", URL: link, Title: "Never Gonna Give You Up", Uploader: "Rick Astley", Duration: 213 * time.Second,
	}

	res, err := newTestResolver(video, nil).Resolve(context.Background(), request(link))
	require.NoError(t, err)
	require.Len(t, res.Tracks, 1)
	got := res.Tracks[0]
	assert.Equal(t, "dQw4w9WgXcQ", got.ID)
	assert.Equal(t, track.SourceDirect, got.Kind)
	assert.Equal(t, "Rick Astley", got.Artist)
	assert.Equal(t, youtube.WatchURL("dQw4w9WgXcQ"), got.URL)
	assert.Equal(t, link, got.OriginQuery)
}

func TestResolve_DirectTooLong(t *testing.T) {
	video := newFakeVideo()
	link := "https://www.youtube.com/watch?v=aaaaaaaaaaa"
	video.metadata[link] = youtube.Entry{ID: "aaaaaaaaaaa", Title: "10 hour loop", Duration: 10 * time.Hour}

	_, err := newTestResolver(video, nil).Resolve(context.Background(), request(link))
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, TooLong, kind)
}

func TestResolve_DirectUnavailable(t *testing.T) {
	_, err := newTestResolver(newFakeVideo(), nil).Resolve(context.Background(),
		request("https://www.youtube.com/watch?v=bbbbbbbbbbb"))
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, NotFound, kind)
}

func TestResolve_PlaylistTruncatesAndSkips(t *testing.T) {
	video := newFakeVideo()
	for i := 0; i < 60; i++ {
		e := youtube.Entry{ID: videoID(i), Title: fmt.Sprintf("Song %d", i), Duration: 3 * time.Minute}
		switch i {
		case 3:
			e.Duration = time.Hour
		case 5:
			e.Title = "[Deleted video]"
		}
		video.playlist = append(video.playlist, e)
	}
	video.total = 120

	res, err := newTestResolver(video, nil).Resolve(context.Background(),
		request("https://www.youtube.com/playlist?list=PLtest"))
	require.NoError(t, err)
	assert.Len(t, res.Tracks, 48)
	assert.Equal(t, 2, res.Skipped)
	assert.Equal(t, 70, res.Truncated)
	assert.Equal(t, videoID(0), res.Tracks[0].ID)
	assert.Equal(t, videoID(4), res.Tracks[3].ID)
	for _, tr := range res.Tracks {
		assert.Equal(t, track.SourcePlaylistMember, tr.Kind)
	}
}

func TestResolve_SearchRanksAndLooksUpDuration(t *testing.T) {
	video := newFakeVideo()
	q := "bohemian rhapsody"
	video.music[q] = []youtube.Entry{
		{ID: "cover000001", Title: "Bohemian Rhapsody (Piano Cover)", Uploader: "Some Pianist"},
		{ID: "original001", Title: "Bohemian Rhapsody", Uploader: "Queen"},
	}
	video.search[q] = []youtube.Entry{
		{ID: "original001", Title: "Bohemian Rhapsody", Uploader: "Queen"},
		{ID: "reaction001", Title: "First time hearing Bohemian Rhapsody", Uploader: "Reactor"},
	}
	video.metadata[youtube.WatchURL("original001")] = youtube.Entry{ID: "original001", Duration: 6 * time.Minute}

	res, err := newTestResolver(video, nil).Resolve(context.Background(), request(q))
	require.NoError(t, err)
	require.Len(t, res.Tracks, 1)
	assert.Equal(t, "original001", res.Tracks[0].ID)
	assert.Equal(t, 6*time.Minute, res.Tracks[0].Duration)
	assert.Equal(t, track.SourceSearch, res.Tracks[0].Kind)
	assert.Zero(t, video.calls["fallback"])
}

func TestResolve_SearchSkipsTooLong(t *testing.T) {
	video := newFakeVideo()
	q := "lofi beats"
	video.music[q] = []youtube.Entry{
		{ID: "stream00001", Title: "lofi beats", Uploader: "Radio"},
		{ID: "short000001", Title: "lofi beats to study", Uploader: "Chill"},
	}
	video.metadata[youtube.WatchURL("stream00001")] = youtube.Entry{Duration: 3 * time.Hour}
	video.metadata[youtube.WatchURL("short000001")] = youtube.Entry{Duration: 4 * time.Minute}

	res, err := newTestResolver(video, nil).Resolve(context.Background(), request(q))
	require.NoError(t, err)
	assert.Equal(t, "short000001", res.Tracks[0].ID)

	delete(video.metadata, youtube.WatchURL("short000001"))
	video.music[q] = video.music[q][:1]
	_, err = newTestResolver(video, nil).Resolve(context.Background(), request(q))
	kind, _ := KindOf(err)
	assert.Equal(t, TooLong, kind)
}

func TestResolve_SearchFallback(t *testing.T) {
	video := newFakeVideo()
	video.musicErr = errors.New("connection reset by peer")
	q := "obscure song"
	video.fallback[q] = []youtube.Entry{{ID: "fallback001", Title: "Obscure Song", Uploader: "Someone", Duration: 2 * time.Minute}}

	res, err := newTestResolver(video, nil).Resolve(context.Background(), request(q))
	require.NoError(t, err)
	assert.Equal(t, "fallback001", res.Tracks[0].ID)
	assert.Zero(t, video.calls["metadata"])
}

func TestResolve_SearchNothingFound(t *testing.T) {
	_, err := newTestResolver(newFakeVideo(), nil).Resolve(context.Background(), request("asdfghjkl"))
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, NotFound, kind)
}

func TestResolve_CircuitOpen(t *testing.T) {
	gate := newTestGate()
	for i := 0; i < 5; i++ {
		gate.RecordFailure("youtube", errors.New("i/o timeout"))
	}
	r := New(DefaultConfig(), gate, newFakeVideo(), nil)

	_, err := r.Resolve(context.Background(), request("anything"))
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, ProviderUnavailable, kind)
	assert.True(t, errors.Is(err, fetchgate.ErrCircuitOpen))
}

func TestResolve_Spotify(t *testing.T) {
	video := newFakeVideo()
	meta := &fakeMeta{listing: &spotify.Listing{
		Name: "Road Trip",
		Entries: []spotify.Entry{
			{ID: "s1", Title: "Song One", Artists: []string{"Band"}, Duration: 3 * time.Minute},
			{ID: "s2", Title: "Epic", Artists: []string{"Band"}, Duration: 40 * time.Minute},
			{ID: "s3", Title: "Nowhere", Artists: []string{"Ghost"}, Duration: 3 * time.Minute},
			{ID: "s4", Title: "Song Four", Artists: []string{"Band", "Guest"}, Duration: 4 * time.Minute},
		},
		Total:   60,
		Skipped: 1,
	}}
	video.music["Band - Song One official audio"] = []youtube.Entry{{ID: "match000001", Title: "Song One", Uploader: "Band"}}
	video.search["Band, Guest - Song Four official audio"] = []youtube.Entry{{ID: "match000004", Title: "Band - Song Four (feat. Guest)", Uploader: "BandVEVO"}}

	res, err := newTestResolver(video, meta).Resolve(context.Background(),
		request("https://open.spotify.com/playlist/37i9dQZF1DXcBWIGoYBM5M"))
	require.NoError(t, err)
	assert.Equal(t, "Road Trip", res.Title)
	require.Len(t, res.Tracks, 2)
	assert.Equal(t, "match000001", res.Tracks[0].ID)
	assert.Equal(t, "Song One", res.Tracks[0].Title)
	assert.Equal(t, "Band", res.Tracks[0].Artist)
	assert.Equal(t, track.SourceMetadata, res.Tracks[0].Kind)
	assert.Equal(t, "match000004", res.Tracks[1].ID)
	assert.Equal(t, 1, res.Unmatched)
	assert.Equal(t, 2, res.Skipped)
	assert.Equal(t, 56, res.Truncated)
}

func TestResolve_SpotifyNotConfigured(t *testing.T) {
	_, err := newTestResolver(newFakeVideo(), nil).Resolve(context.Background(),
		request("spotify:track:4uLU6hMCjMI75M1A2tKUQC"))
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, ProviderUnavailable, kind)
}

func TestResolve_SpotifyNotFound(t *testing.T) {
	meta := &fakeMeta{err: fetchgate.Permanent(spotify.ErrNotFound)}
	_, err := newTestResolver(newFakeVideo(), meta).Resolve(context.Background(),
		request("spotify:track:4uLU6hMCjMI75M1A2tKUQC"))
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, NotFound, kind)
}

func TestSimilar(t *testing.T) {
	video := newFakeVideo()
	seed := track.Track{ID: "seed0000001", Title: "Seed"}
	video.mix = []youtube.Entry{
		{ID: "seed0000001", Title: "Seed"},
		{ID: videoID(1), Title: "One", Duration: 3 * time.Minute},
		{ID: videoID(2), Title: "Two", Duration: 3 * time.Minute},
		{ID: videoID(3), Title: "Too long", Duration: time.Hour},
		{ID: videoID(4), Title: "Four", Duration: 3 * time.Minute},
		{ID: videoID(5), Title: "Five", Duration: 3 * time.Minute},
	}

	tracks, err := newTestResolver(video, nil).Similar(context.Background(), seed, 2,
		map[string]bool{videoID(2): true})
	require.NoError(t, err)
	require.Len(t, tracks, 2)
	assert.Equal(t, videoID(1), tracks[0].ID)
	assert.Equal(t, videoID(4), tracks[1].ID)
	assert.Equal(t, track.SourceAutoplay, tracks[0].Kind)

	_, err = newTestResolver(video, nil).Similar(context.Background(), track.Track{ID: "u0123456789abcdef"}, 2, nil)
	assert.Error(t, err)
}

func TestMatchScore(t *testing.T) {
	q := "queen bohemian rhapsody"
	official := matchScore(q, youtube.Entry{Title: "Bohemian Rhapsody", Uploader: "Queen"})
	cover := matchScore(q, youtube.Entry{Title: "Bohemian Rhapsody (Cover)", Uploader: "Queen Tribute"})
	unrelated := matchScore(q, youtube.Entry{Title: "Another One Bites the Dust", Uploader: "Queen"})

	assert.Less(t, official, cover)
	assert.Less(t, official, unrelated)
	assert.Equal(t, 0, official)
}
