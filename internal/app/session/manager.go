// Package session provides the session registry: one playback session per
// guild, created on demand and removed when it tears down.
package session

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/disgoorg/snowflake/v2"
	zlog "github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/osa030/djbox/internal/app/filter"
	"github.com/osa030/djbox/internal/app/notification"
	"github.com/osa030/djbox/internal/app/playback"
	"github.com/osa030/djbox/internal/domain/playlist"
	"github.com/osa030/djbox/internal/domain/settings"
	"github.com/osa030/djbox/internal/domain/track"
	"github.com/osa030/djbox/internal/infra/metrics"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrClosed          = errors.New("session manager is closed")
	ErrRejected        = errors.New("rejected by filters")
)

const storeTimeout = 5 * time.Second

// Resolver turns a raw request into playable tracks.
type Resolver interface {
	Resolve(ctx context.Context, req track.Request) (*playlist.Resolution, error)
}

// SettingsStore loads and saves guild settings.
type SettingsStore interface {
	Load(ctx context.Context, guildID snowflake.ID) (settings.Guild, error)
	Save(ctx context.Context, guildID snowflake.ID, g settings.Guild) error
}

// Deps are the components shared by every session.
type Deps struct {
	Resolver     Resolver
	Filters      *filter.Chain // nil accepts everything
	Store        SettingsStore // nil uses the defaults and persists nothing
	Notification *notification.Manager
	Playback     playback.Deps // Sink is set per session
}

// Manager is the session registry.
type Manager struct {
	mu       sync.RWMutex
	sessions map[snowflake.ID]*playback.Player
	closed   bool

	deps      Deps
	cfg       playback.Config
	opts      []playback.Option
	persister *persister

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates an empty registry. Player options apply to every
// session it creates.
func NewManager(cfg playback.Config, deps Deps, opts ...playback.Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	if deps.Filters == nil {
		deps.Filters = filter.NewChain()
	}
	m := &Manager{
		sessions: make(map[snowflake.ID]*playback.Player),
		deps:     deps,
		cfg:      cfg,
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
	}
	if deps.Store != nil {
		m.persister = newPersister(deps.Store)
	}
	return m
}

// GetOrCreate returns the session of a guild, creating it with the stored
// settings when none is running.
func (m *Manager) GetOrCreate(ctx context.Context, guildID snowflake.ID) (*playback.Player, error) {
	if p, ok := m.Get(guildID); ok {
		return p, nil
	}

	g := m.loadSettings(ctx, guildID)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if p, ok := m.sessions[guildID]; ok && alive(p) {
		return p, nil
	}

	deps := m.deps.Playback
	deps.Sink = m.sink()
	p := playback.New(m.ctx, guildID, g, m.cfg, deps, m.opts...)
	m.sessions[guildID] = p
	metrics.SetSessionsActive(len(m.sessions))
	zlog.Info().Msgf("session: created session for guild %s (sessions=%d)", guildID, len(m.sessions))

	m.wg.Add(1)
	go m.watch(p)
	return p, nil
}

func (m *Manager) loadSettings(ctx context.Context, guildID snowflake.ID) settings.Guild {
	if m.deps.Store == nil {
		return settings.Default()
	}
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	g, err := m.deps.Store.Load(ctx, guildID)
	if err != nil {
		zlog.Warn().Msgf("session: failed to load settings for guild %s, using defaults: %v", guildID, err)
		return settings.Default()
	}
	return g
}

// watch removes a session once its loop has exited.
func (m *Manager) watch(p *playback.Player) {
	defer m.wg.Done()
	<-p.Done()

	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.sessions[p.GuildID()]; ok && cur == p {
		delete(m.sessions, p.GuildID())
		metrics.SetSessionsActive(len(m.sessions))
		zlog.Info().Msgf("session: removed session for guild %s (sessions=%d)", p.GuildID(), len(m.sessions))
	}
}

// sink fans session events into the notification manager and the
// settings persister.
func (m *Manager) sink() playback.Sink {
	return func(e playback.Event) {
		if e.Type == playback.EventSettingsChanged && e.Settings != nil && m.persister != nil {
			m.persister.enqueue(e.GuildID, *e.Settings)
		}
		if m.deps.Notification != nil {
			m.deps.Notification.Publish(e)
		}
	}
}

func alive(p *playback.Player) bool {
	select {
	case <-p.Done():
		return false
	default:
		return true
	}
}

// Get returns the running session of a guild.
func (m *Manager) Get(guildID snowflake.ID) (*playback.Player, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.sessions[guildID]
	if !ok || !alive(p) {
		return nil, false
	}
	return p, true
}

// List returns the guilds with a running session in ascending order.
func (m *Manager) List() []snowflake.ID {
	m.mu.RLock()
	ids := make([]snowflake.ID, 0, len(m.sessions))
	for id, p := range m.sessions {
		if alive(p) {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

// Teardown ends the session of a guild.
func (m *Manager) Teardown(ctx context.Context, guildID snowflake.ID, reason string) error {
	p, ok := m.Get(guildID)
	if !ok {
		return ErrSessionNotFound
	}
	return p.Teardown(ctx, reason)
}

// Close tears every session down, flushes pending settings and waits for
// the watchers to finish.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	players := make([]*playback.Player, 0, len(m.sessions))
	for _, p := range m.sessions {
		players = append(players, p)
	}
	m.mu.Unlock()

	zlog.Info().Msgf("session: closing %d session(s)", len(players))
	eg, egCtx := errgroup.WithContext(ctx)
	for _, p := range players {
		eg.Go(func() error {
			return p.Teardown(egCtx, "shutdown")
		})
	}
	err := eg.Wait()

	// anything still running stops with the registry context
	m.cancel()
	m.wg.Wait()

	if m.persister != nil {
		m.persister.close()
	}
	return err
}

func (m *Manager) session(guildID snowflake.ID) (*playback.Player, error) {
	p, ok := m.Get(guildID)
	if !ok {
		return nil, errors.Wrapf(ErrSessionNotFound, "guild %s", guildID)
	}
	return p, nil
}
