package session

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/disgoorg/snowflake/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/osa030/djbox/internal/app/cache"
	"github.com/osa030/djbox/internal/app/filter"
	"github.com/osa030/djbox/internal/app/idle"
	"github.com/osa030/djbox/internal/app/notification"
	"github.com/osa030/djbox/internal/app/playback"
	"github.com/osa030/djbox/internal/domain/playlist"
	"github.com/osa030/djbox/internal/domain/settings"
	"github.com/osa030/djbox/internal/domain/track"
	"github.com/osa030/djbox/internal/infra/fetchgate"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeResolver struct{}

func (fakeResolver) Resolve(_ context.Context, req track.Request) (*playlist.Resolution, error) {
	return &playlist.Resolution{Tracks: []track.Track{
		{ID: req.Query, Title: "Song " + req.Query, Artist: "Artist", Duration: time.Minute},
	}}, nil
}

type memStore struct {
	mu    sync.Mutex
	data  map[snowflake.ID]settings.Guild
	saves int
}

func newMemStore() *memStore {
	return &memStore{data: map[snowflake.ID]settings.Guild{}}
}

func (s *memStore) Load(_ context.Context, id snowflake.ID) (settings.Guild, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok := s.data[id]; ok {
		return g, nil
	}
	return settings.Default(), nil
}

func (s *memStore) Save(_ context.Context, id snowflake.ID, g settings.Guild) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[id] = g
	s.saves++
	return nil
}

func (s *memStore) get(id snowflake.ID) (settings.Guild, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.data[id]
	return g, ok
}

// stallFetcher never finishes a download, keeping sessions in LOADING.
type stallFetcher struct{}

func (stallFetcher) GetOrFetch(ctx context.Context, _ track.Track) (*cache.Handle, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (stallFetcher) Release(string) {}

// fakeClock drives idle timers by hand.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Duration
	timers []*fakeTimer
}

type fakeTimer struct {
	at      time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	was := !t.stopped && !t.fired
	t.stopped = true
	return was
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) idle.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	ft := &fakeTimer{at: c.now + d, f: f}
	c.timers = append(c.timers, ft)
	return ft
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now += d
	var due []*fakeTimer
	for _, ft := range c.timers {
		if !ft.stopped && !ft.fired && ft.at <= c.now {
			ft.fired = true
			due = append(due, ft)
		}
	}
	c.mu.Unlock()
	sort.Slice(due, func(i, j int) bool { return due[i].at < due[j].at })
	for _, ft := range due {
		ft.f()
	}
}

type fixture struct {
	manager *Manager
	store   *memStore
	notify  *notification.Manager
	clock   *fakeClock
}

func newFixture(t *testing.T, filters *filter.Chain) *fixture {
	t.Helper()
	f := &fixture{
		store:  newMemStore(),
		notify: notification.NewManager(),
		clock:  &fakeClock{},
	}
	cfg := playback.DefaultConfig()
	cfg.TransportPoll = 5 * time.Millisecond
	f.manager = NewManager(cfg, Deps{
		Resolver:     fakeResolver{},
		Filters:      filters,
		Store:        f.store,
		Notification: f.notify,
		Playback: playback.Deps{
			Fetcher: stallFetcher{},
			Gate: fetchgate.New(fetchgate.DefaultConfig(),
				fetchgate.WithSleep(func(context.Context, time.Duration) error { return nil })),
		},
	}, playback.WithIdleAfterFunc(f.clock.AfterFunc))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, f.manager.Close(ctx))
		f.notify.Close()
	})
	return f
}

func user() track.Requester {
	return track.Requester{ID: "u1", Name: "user", Type: track.RequesterTypeUser}
}

func TestManager_GetOrCreateLoadsSettings(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	stored := settings.Default()
	stored.Loop = settings.LoopSingle
	f.store.data[1] = stored

	p, err := f.manager.GetOrCreate(ctx, 1)
	require.NoError(t, err)
	again, err := f.manager.GetOrCreate(ctx, 1)
	require.NoError(t, err)
	assert.Same(t, p, again)

	_, err = f.manager.GetOrCreate(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, []snowflake.ID{1, 3}, f.manager.List())

	status, err := f.manager.Status(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, settings.LoopSingle, status.Settings.Loop)
	assert.Equal(t, playback.StateIdle, status.State)
}

func TestManager_EnqueueStartsAndFilters(t *testing.T) {
	chain := filter.NewChain()
	chain.Add(filter.NewDuplicateTrackFilter())
	f := newFixture(t, chain)
	ctx := context.Background()

	events := make(chan *notification.Notification, 64)
	f.notify.Subscribe(7, notification.StreamFunc(func(n *notification.Notification) error {
		events <- n
		return nil
	}))

	out, err := f.manager.Enqueue(ctx, track.Request{Query: "a", Requester: user(), GuildID: 7})
	require.NoError(t, err)
	assert.True(t, out.Started)
	assert.Equal(t, 1, out.Added)

	out, err = f.manager.Enqueue(ctx, track.Request{Query: "b", Requester: user(), GuildID: 7})
	require.NoError(t, err)
	assert.False(t, out.Started)
	assert.Equal(t, 1, out.Position)

	_, err = f.manager.Enqueue(ctx, track.Request{Query: "a", Requester: user(), GuildID: 7})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRejected))

	status, err := f.manager.Status(ctx, 7)
	require.NoError(t, err)
	require.NotNil(t, status.Current)
	assert.Equal(t, "a", status.Current.Track.ID)
	require.Len(t, status.Pending, 1)
	assert.Equal(t, "b", status.Pending[0].Track.ID)

	select {
	case n := <-events:
		assert.Equal(t, snowflake.ID(7), n.Event.GuildID)
	case <-time.After(5 * time.Second):
		t.Fatal("no notification delivered")
	}
}

func TestManager_IntentsNeedSession(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	tests := []struct {
		name string
		call func() error
	}{
		{"skip", func() error { return f.manager.Skip(ctx, 9) }},
		{"pause", func() error { return f.manager.Pause(ctx, 9) }},
		{"resume", func() error { return f.manager.Resume(ctx, 9) }},
		{"stop", func() error { _, err := f.manager.Stop(ctx, 9); return err }},
		{"clear", func() error { _, err := f.manager.Clear(ctx, 9); return err }},
		{"remove", func() error { _, err := f.manager.Remove(ctx, 9, 1); return err }},
		{"previous", func() error { _, err := f.manager.Previous(ctx, 9); return err }},
		{"status", func() error { _, err := f.manager.Status(ctx, 9); return err }},
		{"teardown", func() error { return f.manager.Teardown(ctx, 9, "test") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, errors.Is(tt.call(), ErrSessionNotFound))
		})
	}
}

func TestManager_SetModePersists(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	t.Run("running session", func(t *testing.T) {
		_, err := f.manager.GetOrCreate(ctx, 1)
		require.NoError(t, err)

		g, err := f.manager.SetMode(ctx, 1, settings.FieldShuffle, "full")
		require.NoError(t, err)
		assert.Equal(t, settings.ShuffleFull, g.Shuffle)

		assert.Eventually(t, func() bool {
			stored, ok := f.store.get(1)
			return ok && stored.Shuffle == settings.ShuffleFull
		}, 5*time.Second, 5*time.Millisecond)
	})

	t.Run("no session", func(t *testing.T) {
		g, err := f.manager.SetMode(ctx, 2, settings.FieldWarnMinutes, "5")
		require.NoError(t, err)
		assert.Equal(t, 5, g.WarnMinutes)

		stored, ok := f.store.get(2)
		require.True(t, ok)
		assert.Equal(t, 5, stored.WarnMinutes)
		assert.Empty(t, f.manager.List())
	})

	t.Run("invalid value", func(t *testing.T) {
		_, err := f.manager.SetMode(ctx, 1, settings.FieldAutoDisconnectMinutes, "zero")
		assert.Error(t, err)
	})
}

func TestManager_TeardownRemovesSession(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	p, err := f.manager.GetOrCreate(ctx, 5)
	require.NoError(t, err)
	require.NoError(t, f.manager.Teardown(ctx, 5, "test"))

	<-p.Done()
	assert.Eventually(t, func() bool { return len(f.manager.List()) == 0 }, 5*time.Second, 5*time.Millisecond)

	// a new request starts a fresh session
	next, err := f.manager.GetOrCreate(ctx, 5)
	require.NoError(t, err)
	assert.NotSame(t, p, next)
}

func TestManager_IdleExpiryRemovesSession(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	torn := make(chan struct{}, 1)
	warned := make(chan struct{}, 1)
	f.notify.Subscribe(0, notification.StreamFunc(func(n *notification.Notification) error {
		switch n.Event.Type {
		case playback.EventSessionIdleWarning:
			warned <- struct{}{}
		case playback.EventSessionTornDown:
			torn <- struct{}{}
		}
		return nil
	}))

	p, err := f.manager.GetOrCreate(ctx, 11)
	require.NoError(t, err)
	// the loop arms the idle timer once it starts
	_, err = p.Status(ctx)
	require.NoError(t, err)

	f.clock.Advance(time.Duration(settings.DefaultAutoDisconnectMinutes-settings.DefaultWarnMinutes) * time.Minute)
	select {
	case <-warned:
	case <-time.After(5 * time.Second):
		t.Fatal("no idle warning")
	}

	f.clock.Advance(time.Duration(settings.DefaultWarnMinutes) * time.Minute)
	select {
	case <-torn:
	case <-time.After(5 * time.Second):
		t.Fatal("session not torn down")
	}

	<-p.Done()
	assert.Eventually(t, func() bool { return len(f.manager.List()) == 0 }, 5*time.Second, 5*time.Millisecond)
}

func TestManager_CloseRejectsNewSessions(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	p, err := f.manager.GetOrCreate(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, f.manager.Close(ctx))

	<-p.Done()
	_, err = f.manager.GetOrCreate(ctx, 2)
	assert.True(t, errors.Is(err, ErrClosed))
}
