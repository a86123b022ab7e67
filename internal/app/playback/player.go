package playback

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/disgoorg/snowflake/v2"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/djbox/internal/app/autoplay"
	"github.com/osa030/djbox/internal/app/cache"
	"github.com/osa030/djbox/internal/app/filter"
	"github.com/osa030/djbox/internal/app/idle"
	"github.com/osa030/djbox/internal/app/queue"
	"github.com/osa030/djbox/internal/domain/settings"
	"github.com/osa030/djbox/internal/domain/track"
	"github.com/osa030/djbox/internal/infra/config"
	"github.com/osa030/djbox/internal/infra/fetchgate"
	"github.com/osa030/djbox/internal/infra/metrics"
)

// Errors
var (
	ErrNotPlaying = errors.New("not playing")
	ErrNotPaused  = errors.New("not paused")
	ErrTornDown   = errors.New("session is torn down")
)

// recommendedLimit bounds the IDs remembered as already recommended.
const recommendedLimit = 500

// Fetcher provides pinned audio files.
type Fetcher interface {
	GetOrFetch(ctx context.Context, t track.Track) (*cache.Handle, error)
	Release(id string)
}

// Recommender supplies tracks when the queue runs dry.
type Recommender interface {
	Recommend(ctx context.Context, req autoplay.Request) ([]track.Track, error)
}

// Config holds player configuration.
type Config struct {
	LoadRetries     int           // Extra fetch attempts before a track is skipped
	FrameInterval   time.Duration // Pacing of Opus frames
	IntentBuffer    int           // Intent channel capacity
	DisablePrefetch bool          // Do not fetch the next track while playing
	TransportPoll   time.Duration // How often a transport pause checks for reconnection
	RecentExclude   int           // Recently played IDs autoplay must skip
	Queue           queue.Config
}

// DefaultConfig returns the default player configuration.
func DefaultConfig() Config {
	return Config{
		LoadRetries:   2,
		FrameInterval: 20 * time.Millisecond,
		IntentBuffer:  32,
		TransportPoll: time.Second,
		RecentExclude: 10,
		Queue:         queue.DefaultConfig(),
	}
}

// FromConfig maps the playback config section onto a player config.
func FromConfig(c config.PlaybackConfig) Config {
	cfg := DefaultConfig()
	cfg.LoadRetries = c.LoadRetries
	if c.FrameInterval > 0 {
		cfg.FrameInterval = c.FrameInterval
	}
	if c.IntentBuffer > 0 {
		cfg.IntentBuffer = c.IntentBuffer
	}
	cfg.DisablePrefetch = c.DisablePrefetch
	return cfg
}

// Deps are the collaborators of a player.
type Deps struct {
	Fetcher   Fetcher
	Gate      *fetchgate.Gate
	Transport Transport
	Autoplay  Recommender // nil disables autoplay
	Sink      Sink        // nil drops events
}

// Option configures a Player.
type Option func(*Player)

// WithIdleAfterFunc replaces the idle monitor's timer, for tests.
func WithIdleAfterFunc(fn idle.AfterFunc) Option {
	return func(p *Player) { p.idleAfter = fn }
}

// WithQueueOptions passes options to the session queue.
func WithQueueOptions(opts ...queue.Option) Option {
	return func(p *Player) { p.queueOpts = append(p.queueOpts, opts...) }
}

// WithClock replaces time.Now for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Player) { p.now = now }
}

type loadResult struct {
	token  uint64
	handle *cache.Handle
	err    error
}

type prefetchResult struct {
	token  uint64
	handle *cache.Handle
	err    error
}

type autoplayResult struct {
	token  uint64
	tracks []track.Track
	err    error
}

type idleSignal struct {
	gen       uint64
	expire    bool
	remaining time.Duration
}

type prefetchRun struct {
	token  uint64
	id     string
	cancel context.CancelFunc
	handle *cache.Handle
}

// Player runs the playback loop of one session. All state below is owned
// by the loop goroutine.
type Player struct {
	guildID snowflake.ID
	cfg     Config
	deps    Deps
	now     func() time.Time

	queue     *queue.Queue
	queueOpts []queue.Option
	settings  settings.Guild
	idle      *idle.Monitor
	idleAfter idle.AfterFunc

	state           State
	userPaused      bool
	transportPaused bool
	announced       bool // TrackStarted emitted for the current track

	token        uint64 // shared counter for async work tokens
	loadToken    uint64
	loadCancel   context.CancelFunc
	handle       *cache.Handle
	pump         *pumpRun
	position     int64 // frames sent when the pump last stopped
	prefetch     *prefetchRun
	apToken      uint64
	apCancel     context.CancelFunc
	apRound      int
	recommended  map[string]bool
	lastLoadErr  error
	lastFailedID string

	intents chan intent
	results chan any
	ctx     context.Context
	cancel  context.CancelFunc
	stopped chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
}

// New creates a player and starts its loop. The loop ends on Teardown, on
// idle expiry or when ctx is cancelled.
func New(ctx context.Context, guildID snowflake.ID, g settings.Guild, cfg Config, deps Deps, opts ...Option) *Player {
	if deps.Transport == nil {
		deps.Transport = NewNopTransport()
	}
	if cfg.IntentBuffer <= 0 {
		cfg.IntentBuffer = DefaultConfig().IntentBuffer
	}
	if cfg.FrameInterval <= 0 {
		cfg.FrameInterval = DefaultConfig().FrameInterval
	}
	if cfg.TransportPoll <= 0 {
		cfg.TransportPoll = DefaultConfig().TransportPoll
	}

	p := &Player{
		guildID:     guildID,
		cfg:         cfg,
		deps:        deps,
		now:         time.Now,
		settings:    g.Normalize(),
		state:       StateIdle,
		recommended: make(map[string]bool),
		intents:     make(chan intent, cfg.IntentBuffer),
		results:     make(chan any, 8),
		stopped:     make(chan struct{}),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.queue = queue.New(cfg.Queue, p.queueOpts...)
	p.queue.SetLoop(p.settings.Loop)
	p.queue.SetShuffle(p.settings.Shuffle)

	var idleOpts []idle.Option
	if p.idleAfter != nil {
		idleOpts = append(idleOpts, idle.WithAfterFunc(p.idleAfter))
	}
	p.idle = idle.New(
		func(gen uint64, remaining time.Duration) {
			p.deliver(idleSignal{gen: gen, remaining: remaining})
		},
		func(gen uint64) {
			p.deliver(idleSignal{gen: gen, expire: true})
		},
		idleOpts...,
	)

	p.ctx, p.cancel = context.WithCancel(ctx)
	go p.run()
	return p
}

// GuildID returns the guild the player serves.
func (p *Player) GuildID() snowflake.ID {
	return p.guildID
}

// Done is closed once the loop has exited.
func (p *Player) Done() <-chan struct{} {
	return p.done
}

// deliver hands an async result to the loop unless it has exited.
func (p *Player) deliver(v any) {
	select {
	case p.results <- v:
	case <-p.stopped:
	}
}

// spawn runs fn on a tracked goroutine.
func (p *Player) spawn(fn func()) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		fn()
	}()
}

func (p *Player) run() {
	defer close(p.done)
	zlog.Info().Msgf("playback: session %s started", p.guildID)
	p.updateIdle()

	poll := time.NewTicker(p.cfg.TransportPoll)
	defer poll.Stop()

	for p.state != StateTornDown {
		select {
		case in := <-p.intents:
			p.handleIntent(in)
		case res := <-p.results:
			p.safely(func() { p.handleResult(res) })
		case <-poll.C:
			p.safely(p.checkTransport)
		case <-p.ctx.Done():
			p.teardown("shutdown")
		}
		if p.state != StateTornDown {
			p.updateIdle()
		}
	}
	p.shutdown()
}

// safely runs fn, turning a panic into a return to IDLE.
func (p *Player) safely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			p.recoverPanic(r)
		}
	}()
	fn()
}

func (p *Player) recoverPanic(r any) {
	zlog.Error().Msgf("playback: session %s recovered from panic: %v\n%s", p.guildID, r, debug.Stack())
	defer func() {
		if r2 := recover(); r2 != nil {
			zlog.Error().Msgf("playback: session %s panic during recovery: %v", p.guildID, r2)
			p.state = StateIdle
		}
	}()
	p.stopCurrent()
	p.cancelAutoplay()
	p.releasePrefetch()
	p.queue.Stop()
	p.userPaused = false
	p.setState(StateIdle, "error")
}

func (p *Player) handleResult(res any) {
	switch r := res.(type) {
	case loadResult:
		p.onLoaded(r)
	case pumpResult:
		p.onPumpDone(r)
	case prefetchResult:
		p.onPrefetched(r)
	case autoplayResult:
		p.onAutoplay(r)
	case idleSignal:
		p.onIdle(r)
	}
}

func (p *Player) nextToken() uint64 {
	p.token++
	return p.token
}

func (p *Player) emit(e Event) {
	e.GuildID = p.guildID
	e.At = p.now()
	if e.Type != EventStateChanged {
		e.State = p.state
	}
	metrics.RecordSessionEvent(e.Type.String())
	if p.deps.Sink != nil {
		p.deps.Sink(e)
	}
}

func (p *Player) setState(s State, reason string) {
	if p.state == s {
		return
	}
	zlog.Debug().Msgf("playback: session %s %s -> %s (%s)", p.guildID, p.state, s, reason)
	p.state = s
	p.emit(Event{Type: EventStateChanged, State: s, Reason: reason, Track: p.currentPtr()})
}

func (p *Player) currentPtr() *track.QueuedTrack {
	if cur, ok := p.queue.Current(); ok {
		return &cur
	}
	return nil
}

func (p *Player) emitQueueChanged() {
	p.emit(Event{Type: EventQueueChanged, Pending: p.queue.Len()})
}

// advance moves to the next track according to reason.
func (p *Player) advance(reason queue.Reason) {
	prev, hadPrev := p.queue.Current()
	p.stopCurrent()
	p.userPaused = false

	next, outcome := p.queue.Advance(reason)
	if hadPrev {
		p.emit(Event{Type: EventTrackEnded, Track: &prev, Reason: reason.String()})
	}
	zlog.Debug().Msgf("playback: session %s advance(%s) -> %s", p.guildID, reason, outcome)

	if outcome == queue.OutcomeEmpty {
		if p.startAutoplay() {
			return
		}
		p.setState(StateIdle, "queue empty")
		return
	}
	if outcome != queue.OutcomeReplay {
		p.emitQueueChanged()
	}
	p.load(*next)
}

// load starts fetching audio for qt, retrying with gate backoff.
func (p *Player) load(qt track.QueuedTrack) {
	p.stopCurrent()
	p.setState(StateLoading, "load")

	ctx, cancel := context.WithCancel(p.ctx)
	token := p.nextToken()
	p.loadToken = token
	p.loadCancel = cancel

	t := qt.Track
	p.spawn(func() {
		h, err := p.fetchWithRetry(ctx, t)
		p.deliver(loadResult{token: token, handle: h, err: err})
	})
}

func (p *Player) fetchWithRetry(ctx context.Context, t track.Track) (*cache.Handle, error) {
	attempts := p.cfg.LoadRetries + 1
	for attempt := 1; ; attempt++ {
		h, err := p.deps.Fetcher.GetOrFetch(ctx, t)
		if err == nil {
			return h, nil
		}
		if ctx.Err() != nil || attempt >= attempts || !retryableLoad(err) {
			return nil, err
		}
		zlog.Warn().Msgf("playback: loading %s failed (attempt %d/%d): %v", t.ID, attempt, attempts, err)
		if p.deps.Gate == nil {
			continue
		}
		if werr := p.deps.Gate.Wait(ctx, attempt); werr != nil {
			return nil, err
		}
	}
}

// retryableLoad reports whether another fetch attempt may succeed.
func retryableLoad(err error) bool {
	if errors.Is(err, fetchgate.ErrCircuitOpen) {
		return false
	}
	var fe *cache.FetchError
	if errors.As(err, &fe) && fe.Kind == cache.FetchUnavailable {
		return false
	}
	return true
}

func (p *Player) onLoaded(r loadResult) {
	if r.token != p.loadToken {
		if r.handle != nil {
			p.deps.Fetcher.Release(r.handle.ID)
		}
		return
	}
	p.loadCancel = nil
	p.loadToken = 0

	cur, ok := p.queue.Current()
	if r.err != nil {
		if r.handle != nil {
			p.deps.Fetcher.Release(r.handle.ID)
		}
		zlog.Warn().Msgf("playback: session %s skipping %s after load failure: %v", p.guildID, cur.Track.ID, r.err)
		p.lastLoadErr = r.err
		p.lastFailedID = cur.Track.ID
		p.emit(Event{Type: EventLoadFailed, Track: &cur, Err: r.err})
		p.advance(queue.ReasonLoadFailure)
		return
	}
	if !ok {
		p.deps.Fetcher.Release(r.handle.ID)
		p.setState(StateIdle, "no current")
		return
	}

	p.handle = r.handle
	p.position = 0
	p.announced = false
	p.startPlaying()
	p.refreshPrefetch()
}

// startPlaying starts or resumes the pump, or holds in PAUSED when the
// user or the transport says so.
func (p *Player) startPlaying() {
	if p.handle == nil {
		return
	}
	if p.deps.Transport.State(p.guildID) != TransportConnected {
		p.transportPaused = true
	}
	if p.userPaused || p.transportPaused {
		reason := PauseUser
		if p.transportPaused {
			reason = PauseTransport
		}
		p.setState(StatePaused, reason.String())
		return
	}

	ctx, cancel := context.WithCancel(p.ctx)
	run := &pumpRun{token: p.nextToken(), cancel: cancel}
	run.frames.Store(p.position)
	p.pump = run

	path := p.handle.Path
	p.spawn(func() {
		err := pumpFrames(ctx, run, path, p.cfg.FrameInterval, p.guildID, p.deps.Transport)
		p.deliver(pumpResult{token: run.token, frames: run.frames.Load(), err: err})
	})

	p.setState(StatePlaying, "play")
	if !p.announced {
		p.announced = true
		cur := p.currentPtr()
		if cur != nil {
			zlog.Info().Msgf("playback: session %s now playing %s", p.guildID, cur.Track.DisplayName())
		}
		p.emit(Event{Type: EventTrackStarted, Track: cur})
	}
}

// haltPump stops the pump and keeps its position.
func (p *Player) haltPump() {
	if p.pump == nil {
		return
	}
	p.pump.cancel()
	p.position = p.pump.frames.Load()
	p.pump = nil
}

func (p *Player) onPumpDone(r pumpResult) {
	if p.pump == nil || r.token != p.pump.token {
		return
	}
	p.pump.cancel()
	p.pump = nil
	p.position = r.frames

	switch {
	case r.err == nil:
		p.advance(queue.ReasonFinished)
	case errors.Is(r.err, errTransportDown):
		zlog.Warn().Msgf("playback: session %s pausing, transport down: %v", p.guildID, r.err)
		p.transportPaused = true
		p.setState(StatePaused, PauseTransport.String())
	case errors.Is(r.err, context.Canceled):
	default:
		cur, _ := p.queue.Current()
		p.emit(Event{Type: EventLoadFailed, Track: &cur, Err: r.err})
		p.advance(queue.ReasonLoadFailure)
	}
}

// checkTransport resumes a transport pause once the transport reconnects.
func (p *Player) checkTransport() {
	if !p.transportPaused || p.state != StatePaused {
		return
	}
	if p.deps.Transport.State(p.guildID) != TransportConnected {
		return
	}
	zlog.Info().Msgf("playback: session %s transport reconnected", p.guildID)
	p.transportPaused = false
	if !p.userPaused {
		p.startPlaying()
	}
}

// stopCurrent cancels loading and pumping and releases the current pin.
func (p *Player) stopCurrent() {
	if p.loadCancel != nil {
		p.loadCancel()
		p.loadCancel = nil
	}
	p.loadToken = 0
	if p.pump != nil {
		p.pump.cancel()
		p.pump = nil
	}
	if p.handle != nil {
		p.deps.Fetcher.Release(p.handle.ID)
		p.handle = nil
	}
	p.position = 0
	p.announced = false
}

// refreshPrefetch keeps the next head fetched and pinned while a track is
// current.
func (p *Player) refreshPrefetch() {
	if p.cfg.DisablePrefetch || p.handle == nil {
		p.releasePrefetch()
		return
	}
	next, err := p.queue.PeekNext()
	if err != nil {
		p.releasePrefetch()
		return
	}
	if p.prefetch != nil && p.prefetch.id == next.Track.ID {
		return
	}
	p.releasePrefetch()

	ctx, cancel := context.WithCancel(p.ctx)
	run := &prefetchRun{token: p.nextToken(), id: next.Track.ID, cancel: cancel}
	p.prefetch = run
	t := next.Track
	p.spawn(func() {
		h, err := p.deps.Fetcher.GetOrFetch(ctx, t)
		p.deliver(prefetchResult{token: run.token, handle: h, err: err})
	})
}

func (p *Player) onPrefetched(r prefetchResult) {
	if p.prefetch == nil || p.prefetch.token != r.token {
		if r.handle != nil {
			p.deps.Fetcher.Release(r.handle.ID)
		}
		return
	}
	if r.err != nil {
		if !errors.Is(r.err, context.Canceled) {
			zlog.Debug().Msgf("playback: prefetch of %s failed: %v", p.prefetch.id, r.err)
		}
		p.prefetch.cancel()
		p.prefetch = nil
		return
	}
	p.prefetch.handle = r.handle
}

func (p *Player) releasePrefetch() {
	if p.prefetch == nil {
		return
	}
	p.prefetch.cancel()
	if p.prefetch.handle != nil {
		p.deps.Fetcher.Release(p.prefetch.handle.ID)
	}
	p.prefetch = nil
}

// startAutoplay asks for recommendations when enabled and something was
// played before. It reports whether a request was started.
func (p *Player) startAutoplay() bool {
	if !p.settings.Autoplay || p.deps.Autoplay == nil {
		return false
	}
	history := p.queue.History()
	if len(history) == 0 {
		return false
	}
	p.cancelAutoplay()

	// most recent first
	seeds := make([]track.Track, 0, len(history))
	for i := len(history) - 1; i >= 0; i-- {
		seeds = append(seeds, history[i].Track)
	}
	exclude := make(map[string]bool, len(p.recommended)+p.cfg.RecentExclude)
	for id := range p.recommended {
		exclude[id] = true
	}
	for _, id := range p.queue.RecentIDs(p.cfg.RecentExclude) {
		exclude[id] = true
	}
	pending := p.queue.Pending()
	for _, qt := range pending {
		exclude[qt.Track.ID] = true
	}

	req := autoplay.Request{
		Seeds:   seeds,
		Exclude: exclude,
		View:    filter.View{Queued: pending, Recent: seeds},
		Round:   p.apRound,
	}
	p.apRound++

	ctx, cancel := context.WithCancel(p.ctx)
	token := p.nextToken()
	p.apToken = token
	p.apCancel = cancel
	p.setState(StateLoading, "autoplay")

	rec := p.deps.Autoplay
	p.spawn(func() {
		tracks, err := rec.Recommend(ctx, req)
		p.deliver(autoplayResult{token: token, tracks: tracks, err: err})
	})
	return true
}

func (p *Player) cancelAutoplay() {
	if p.apCancel != nil {
		p.apCancel()
		p.apCancel = nil
	}
	p.apToken = 0
}

func (p *Player) autoplayPending() bool {
	return p.apCancel != nil
}

func (p *Player) onAutoplay(r autoplayResult) {
	if r.token != p.apToken {
		return
	}
	p.cancelAutoplay()

	if r.err != nil || len(r.tracks) == 0 {
		if r.err != nil && !errors.Is(r.err, context.Canceled) {
			zlog.Info().Msgf("playback: session %s autoplay found nothing: %v", p.guildID, r.err)
		}
		p.setState(StateIdle, "autoplay empty")
		return
	}

	if len(p.recommended) > recommendedLimit {
		clear(p.recommended)
	}
	for _, t := range r.tracks {
		p.recommended[t.ID] = true
	}
	requester := track.Requester{ID: "autoplay", Name: "Autoplay", Type: track.RequesterTypeAutoplay}
	p.queue.Enqueue(r.tracks, requester, track.InsertAppend)
	p.emitQueueChanged()
	p.advance(queue.ReasonStart)
}

// updateIdle arms the idle monitor while nothing is current and the queue
// is empty.
func (p *Player) updateIdle() {
	_, hasCurrent := p.queue.Current()
	if p.state == StateIdle && !hasCurrent && p.queue.Len() == 0 {
		p.idle.Arm(p.settings.IdleTimeout(), p.settings.WarnOffset())
		return
	}
	p.idle.Disarm()
}

func (p *Player) onIdle(s idleSignal) {
	if !p.idle.Current(s.gen) {
		return
	}
	if !s.expire {
		zlog.Info().Msgf("playback: session %s idle, tearing down in %s", p.guildID, s.remaining)
		p.emit(Event{Type: EventSessionIdleWarning, Remaining: s.remaining})
		return
	}
	p.teardown("idle")
}

// teardown moves to TORN_DOWN; the loop exits after the current message.
func (p *Player) teardown(reason string) {
	if p.state == StateTornDown {
		return
	}
	prev, hadPrev := p.queue.Current()
	p.stopCurrent()
	p.cancelAutoplay()
	p.releasePrefetch()
	p.idle.Disarm()
	p.queue.Stop()
	if hadPrev {
		p.emit(Event{Type: EventTrackEnded, Track: &prev, Reason: "teardown"})
	}
	p.setState(StateTornDown, reason)
	zlog.Info().Msgf("playback: session %s torn down (%s)", p.guildID, reason)
	p.emit(Event{Type: EventSessionTornDown, Reason: reason})
}

// shutdown stops the remaining goroutines once the loop has ended.
func (p *Player) shutdown() {
	p.cancel()
	close(p.stopped)
	p.wg.Wait()
	// late results may still hold pins
	for {
		select {
		case res := <-p.results:
			switch r := res.(type) {
			case loadResult:
				if r.handle != nil {
					p.deps.Fetcher.Release(r.handle.ID)
				}
			case prefetchResult:
				if r.handle != nil {
					p.deps.Fetcher.Release(r.handle.ID)
				}
			}
		default:
			return
		}
	}
}
