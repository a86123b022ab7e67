// Package cache is the content-addressed local audio cache.
//
// Audio is fetched at most once per track ID at a time, admitted through a
// weighted semaphore, downloaded through the fetch gate and kept under a
// byte budget by evicting least recently used unpinned entries.
package cache

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/osa030/djbox/internal/domain/track"
	"github.com/osa030/djbox/internal/infra/fetchgate"
	"github.com/osa030/djbox/internal/infra/metrics"
)

const (
	audioExt       = ".opus"
	tmpDirName     = ".tmp"
	gateProvider   = "youtube"
	manifestFormat = 1
)

// Downloader fetches the audio of a page URL into dir as <id>.opus.
type Downloader interface {
	Download(ctx context.Context, link, dir, id string) (string, error)
}

// Config holds cache settings.
type Config struct {
	Dir               string
	MaxBytes          int64
	ConcurrentFetches int64
}

// Handle describes a cached audio file.
type Handle struct {
	ID         string
	Path       string
	Size       int64
	LastAccess time.Time
}

type entry struct {
	id         string
	path       string
	size       int64
	lastAccess time.Time
	pins       int
}

type interest struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// Cache is safe for concurrent use.
type Cache struct {
	cfg  Config
	gate *fetchgate.Gate
	dl   Downloader
	now  func() time.Time

	group singleflight.Group
	sem   *semaphore.Weighted

	base       context.Context
	cancelBase context.CancelFunc

	mu       sync.Mutex
	entries  map[string]*entry
	total    int64
	interest map[string]*interest
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock sets the time source for access tracking.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New opens the cache directory, adopting files left by a previous run and
// removing stale temporary downloads.
func New(cfg Config, gate *fetchgate.Gate, dl Downloader, opts ...Option) (*Cache, error) {
	if cfg.Dir == "" {
		return nil, errors.New("cache directory is required")
	}
	if cfg.ConcurrentFetches <= 0 {
		cfg.ConcurrentFetches = 3
	}
	base, cancel := context.WithCancel(context.Background())
	c := &Cache{
		cfg:        cfg,
		gate:       gate,
		dl:         dl,
		now:        time.Now,
		sem:        semaphore.NewWeighted(cfg.ConcurrentFetches),
		base:       base,
		cancelBase: cancel,
		entries:    make(map[string]*entry),
		interest:   make(map[string]*interest),
	}
	for _, opt := range opts {
		opt(c)
	}

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		cancel()
		return nil, errors.Wrap(err, "failed to create cache directory")
	}
	if err := c.scan(); err != nil {
		cancel()
		return nil, err
	}
	return c, nil
}

// scan rebuilds the index from the directory.
func (c *Cache) scan() error {
	tmp := filepath.Join(c.cfg.Dir, tmpDirName)
	if err := os.RemoveAll(tmp); err != nil {
		return errors.Wrap(err, "failed to remove stale downloads")
	}
	if err := os.MkdirAll(tmp, 0o755); err != nil {
		return errors.Wrap(err, "failed to create download directory")
	}

	known := make(map[string]time.Time)
	for _, e := range readManifest(c.manifestPath()).Entries {
		known[e.ID] = e.LastAccess
	}

	files, err := os.ReadDir(c.cfg.Dir)
	if err != nil {
		return errors.Wrap(err, "failed to read cache directory")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for _, f := range files {
		name := f.Name()
		if f.IsDir() || name == manifestName {
			continue
		}
		path := filepath.Join(c.cfg.Dir, name)
		if !strings.HasSuffix(name, audioExt) {
			if strings.HasSuffix(name, ".part") || strings.HasSuffix(name, ".ytdl") || strings.Contains(name, ".temp") {
				_ = os.Remove(path)
				removed++
			}
			continue
		}
		info, err := f.Info()
		if err != nil || info.Size() == 0 {
			_ = os.Remove(path)
			removed++
			continue
		}
		id := strings.TrimSuffix(name, audioExt)
		last, ok := known[id]
		if !ok {
			last = info.ModTime()
		}
		c.entries[id] = &entry{id: id, path: path, size: info.Size(), lastAccess: last}
		c.total += info.Size()
	}
	c.evictLocked()
	metrics.SetCacheBytes(c.total)
	zlog.Info().Msgf("cache: adopted %d file(s), %d bytes, removed %d stale file(s)", len(c.entries), c.total, removed)
	return c.saveLocked()
}

// GetOrFetch returns the cached audio of t, downloading it when missing.
// Concurrent calls for the same ID share one download. The returned handle
// is pinned; callers must Release it.
func (c *Cache) GetOrFetch(ctx context.Context, t track.Track) (*Handle, error) {
	if t.ID == "" || filepath.Base(t.ID) != t.ID || strings.HasPrefix(t.ID, ".") {
		return nil, &FetchError{Kind: FetchUnavailable, ID: t.ID, Err: errors.New("invalid track id")}
	}
	if h, ok := c.acquire(t.ID); ok {
		metrics.RecordCacheLookup("hit")
		return h, nil
	}

	h, err := c.await(ctx, t)
	if err != nil && errors.Is(err, context.Canceled) && ctx.Err() == nil {
		// Joined a download abandoned by its previous waiters.
		h, err = c.await(ctx, t)
	}
	return h, err
}

func (c *Cache) await(ctx context.Context, t track.Track) (*Handle, error) {
	fetchCtx := c.join(t.ID)
	defer c.leave(t.ID)

	ch := c.group.DoChan(t.ID, func() (any, error) {
		return nil, c.fetch(fetchCtx, t)
	})
	select {
	case res := <-ch:
		if res.Shared {
			metrics.RecordCacheLookup("shared")
		} else {
			metrics.RecordCacheLookup("miss")
		}
		if res.Err != nil {
			return nil, res.Err
		}
		if h, ok := c.acquire(t.ID); ok {
			return h, nil
		}
		return nil, &FetchError{Kind: FetchUnavailable, ID: t.ID, Err: errors.New("entry evicted before use")}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// join registers interest in a fetch and returns the context the shared
// download runs under. It is cancelled when every waiter has left.
func (c *Cache) join(id string) context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	if in, ok := c.interest[id]; ok {
		in.waiters++
		return in.ctx
	}
	ctx, cancel := context.WithCancel(c.base)
	c.interest[id] = &interest{ctx: ctx, cancel: cancel, waiters: 1}
	return ctx
}

func (c *Cache) leave(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	in, ok := c.interest[id]
	if !ok {
		return
	}
	in.waiters--
	if in.waiters <= 0 {
		in.cancel()
		delete(c.interest, id)
	}
}

func (c *Cache) fetch(ctx context.Context, t track.Track) error {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer c.sem.Release(1)
	metrics.AddDownloadsInFlight(1)
	defer metrics.AddDownloadsInFlight(-1)

	// Another caller may have finished the download while we waited.
	c.mu.Lock()
	_, done := c.entries[t.ID]
	c.mu.Unlock()
	if done {
		return nil
	}

	tmp, err := os.MkdirTemp(filepath.Join(c.cfg.Dir, tmpDirName), t.ID+"-")
	if err != nil {
		return errors.Wrap(err, "failed to create download directory")
	}
	defer func() { _ = os.RemoveAll(tmp) }()

	started := c.now()
	path, err := fetchgate.Call(ctx, c.gate, gateProvider, func(ctx context.Context) (string, error) {
		return c.dl.Download(ctx, t.URL, tmp, t.ID)
	})
	if err != nil {
		return wrapFetchError(t.ID, err)
	}

	final := filepath.Join(c.cfg.Dir, t.ID+audioExt)
	if err := os.Rename(path, final); err != nil {
		return errors.Wrap(err, "failed to move download into the cache")
	}
	info, err := os.Stat(final)
	if err != nil {
		return errors.Wrap(err, "failed to stat cached file")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.entries[t.ID]; ok {
		c.total -= old.size
	}
	c.entries[t.ID] = &entry{id: t.ID, path: final, size: info.Size(), lastAccess: c.now()}
	c.total += info.Size()
	// Keep the new entry until a waiter pins it.
	c.entries[t.ID].pins++
	c.evictLocked()
	c.entries[t.ID].pins--
	metrics.SetCacheBytes(c.total)
	zlog.Info().Msgf("cache: fetched %s (%d bytes) in %s", t.ID, info.Size(), c.now().Sub(started).Round(time.Millisecond))
	if err := c.saveLocked(); err != nil {
		zlog.Warn().Msgf("cache: failed to save manifest: %v", err)
	}
	return nil
}

// acquire pins an existing entry and returns its handle.
func (c *Cache) acquire(id string) (*Handle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return nil, false
	}
	e.pins++
	e.lastAccess = c.now()
	return &Handle{ID: e.id, Path: e.path, Size: e.size, LastAccess: e.lastAccess}, true
}

// Pin protects a cached entry from eviction. It reports whether the entry
// exists.
func (c *Cache) Pin(id string) bool {
	_, ok := c.acquire(id)
	return ok
}

// Release drops one pin of an entry.
func (c *Cache) Release(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[id]; ok && e.pins > 0 {
		e.pins--
		c.evictLocked()
		metrics.SetCacheBytes(c.total)
	}
}

// Contains reports whether id is cached.
func (c *Cache) Contains(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[id]
	return ok
}

// Stats returns the number of entries and their total size.
func (c *Cache) Stats() (entries int, bytes int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries), c.total
}

// evictLocked removes least recently used unpinned entries until the cache
// fits the byte budget.
func (c *Cache) evictLocked() {
	if c.cfg.MaxBytes <= 0 {
		return
	}
	for c.total > c.cfg.MaxBytes {
		var victim *entry
		for _, e := range c.entries {
			if e.pins > 0 {
				continue
			}
			if victim == nil || e.lastAccess.Before(victim.lastAccess) {
				victim = e
			}
		}
		if victim == nil {
			return
		}
		if err := os.Remove(victim.path); err != nil && !os.IsNotExist(err) {
			zlog.Warn().Msgf("cache: failed to remove %s: %v", victim.path, err)
		}
		delete(c.entries, victim.id)
		c.total -= victim.size
		metrics.RecordCacheEviction()
		zlog.Debug().Msgf("cache: evicted %s (%d bytes)", victim.id, victim.size)
	}
}

func (c *Cache) manifestPath() string {
	return filepath.Join(c.cfg.Dir, manifestName)
}

func (c *Cache) saveLocked() error {
	m := manifest{Version: manifestFormat, Entries: make([]manifestEntry, 0, len(c.entries))}
	for _, e := range c.entries {
		m.Entries = append(m.Entries, manifestEntry{ID: e.id, Size: e.size, LastAccess: e.lastAccess})
	}
	return writeManifest(c.manifestPath(), m)
}

// Close cancels in-flight downloads and persists the index.
func (c *Cache) Close() error {
	c.cancelBase()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saveLocked()
}
