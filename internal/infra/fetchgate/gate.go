// Package fetchgate wraps outbound calls with failure classification,
// exponential backoff, a shared circuit breaker and per-provider pacing.
package fetchgate

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/osa030/djbox/internal/infra/metrics"
)

// Limit configures the pacing of one provider.
type Limit struct {
	PerSecond float64
	Burst     int
}

// Config holds the gate tuning.
type Config struct {
	BackoffBase   time.Duration
	BackoffMax    time.Duration
	FailWindow    time.Duration
	FailThreshold int
	Cooldown      time.Duration
	HistorySize   int
	Limits        map[string]Limit
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		BackoffBase:   2 * time.Second,
		BackoffMax:    300 * time.Second,
		FailWindow:    120 * time.Second,
		FailThreshold: 5,
		Cooldown:      60 * time.Second,
		HistorySize:   50,
	}
}

// Option configures a Gate.
type Option func(*Gate)

// WithClock replaces the wall clock.
func WithClock(c clock) Option {
	return func(g *Gate) { g.clock = c }
}

// WithRand replaces the jitter source.
func WithRand(r *rand.Rand) Option {
	return func(g *Gate) { g.rng = r }
}

// WithSleep replaces the backoff sleeper.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(g *Gate) { g.sleep = fn }
}

// Gate is the process-wide resilience layer. All state is guarded by mu.
type Gate struct {
	mu      sync.Mutex
	cfg     Config
	breaker *breaker
	clock   clock
	rng     *rand.Rand
	sleep   func(ctx context.Context, d time.Duration) error

	limiters map[string]*rate.Limiter

	consecutive    int
	total          int
	lastSuccess    time.Time
	lastFailure    time.Time
	lastFailureMsg string
	gatewayConnect time.Time
	lagDetected    bool
}

// New creates a gate from cfg. Zero fields fall back to DefaultConfig.
func New(cfg Config, opts ...Option) *Gate {
	def := DefaultConfig()
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = def.BackoffMax
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = def.HistorySize
	}

	g := &Gate{
		cfg:      cfg,
		breaker:  newBreaker(cfg.FailThreshold, cfg.FailWindow, cfg.Cooldown, cfg.HistorySize),
		clock:    realClock{},
		rng:      rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x9e3779b97f4a7c15)),
		sleep:    sleepContext,
		limiters: make(map[string]*rate.Limiter),
	}
	for name, l := range cfg.Limits {
		if l.PerSecond <= 0 {
			continue
		}
		burst := l.Burst
		if burst <= 0 {
			burst = 1
		}
		g.limiters[name] = rate.NewLimiter(rate.Limit(l.PerSecond), burst)
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Call runs fn once through the gate. The returned error is either
// ErrCircuitOpen, a context error, an error marked Permanent, or a *Failure
// carrying the classification.
func Call[T any](ctx context.Context, g *Gate, provider string, fn func(context.Context) (T, error)) (T, error) {
	var zero T

	probe, err := g.admit(provider)
	if err != nil {
		return zero, err
	}
	if lim := g.limiter(provider); lim != nil {
		if err := lim.Wait(ctx); err != nil {
			g.abandon(probe)
			return zero, errors.Wrapf(err, "%s: waiting for rate limiter", provider)
		}
	}

	v, err := fn(ctx)
	switch {
	case err == nil:
		g.RecordSuccess()
		return v, nil
	case IsPermanent(err):
		// The provider answered; connectivity is fine.
		g.RecordSuccess()
		return zero, err
	case ctx.Err() != nil:
		g.abandon(probe)
		return zero, err
	}

	f := &Failure{Provider: provider, Kind: Classify(err), Err: err}
	g.recordFailure(f)
	return zero, f
}

// Retry runs fn up to attempts times, sleeping with exponential backoff
// between failures. It stops early on success, permanent errors, an open
// circuit or cancellation.
func Retry[T any](ctx context.Context, g *Gate, provider string, attempts int, fn func(context.Context) (T, error)) (T, error) {
	if attempts <= 0 {
		attempts = 1
	}
	var (
		v   T
		err error
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		v, err = Call(ctx, g, provider, fn)
		if err == nil || !Retryable(err) || attempt == attempts {
			return v, err
		}
		delay := g.Delay(attempt)
		zlog.Debug().Msgf("fetchgate: %s attempt %d failed, retrying in %s: %v", provider, attempt, delay, err)
		if serr := g.sleep(ctx, delay); serr != nil {
			return v, err
		}
	}
	return v, err
}

// Do is Call for operations without a result.
func (g *Gate) Do(ctx context.Context, provider string, fn func(context.Context) error) error {
	_, err := Call(ctx, g, provider, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Retryable reports whether another attempt could succeed.
func Retryable(err error) bool {
	if err == nil || IsPermanent(err) || errors.Is(err, ErrCircuitOpen) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	_, ok := KindOf(err)
	return ok
}

// Delay returns the jittered backoff for the given attempt.
func (g *Gate) Delay(attempt int) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Backoff(attempt, g.cfg.BackoffBase, g.cfg.BackoffMax, g.rng)
}

// Wait sleeps for the backoff of attempt, honoring ctx.
func (g *Gate) Wait(ctx context.Context, attempt int) error {
	return g.sleep(ctx, g.Delay(attempt))
}

func (g *Gate) admit(provider string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	probe, err := g.breaker.allow(g.clock.Now())
	if err != nil {
		metrics.RecordGateRejected(provider)
		return false, err
	}
	if probe {
		zlog.Info().Msgf("fetchgate: half-open probe via %s", provider)
	}
	return probe, nil
}

func (g *Gate) abandon(probe bool) {
	if !probe {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.breaker.releaseProbe()
}

func (g *Gate) limiter(provider string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.limiters[provider]
}

// RecordSuccess records a successful outbound operation performed outside
// Call, such as a transport reconnect.
func (g *Gate) RecordSuccess() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastSuccess = g.clock.Now()
	if g.consecutive > 0 {
		zlog.Info().Msgf("fetchgate: network recovered after %d consecutive failures", g.consecutive)
		g.consecutive = 0
	}
	g.breaker.recordSuccess(g.lastSuccess)
}

// RecordFailure records a failed outbound operation performed outside Call.
func (g *Gate) RecordFailure(provider string, err error) {
	g.recordFailure(&Failure{Provider: provider, Kind: Classify(err), Err: err})
}

func (g *Gate) recordFailure(f *Failure) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.clock.Now()
	g.consecutive++
	g.total++
	g.lastFailure = now
	g.lastFailureMsg = f.Err.Error()

	before := g.healthLocked()
	recent := g.breaker.recordFailure(now, f.Kind, g.lastFailureMsg)
	after := g.healthLocked()

	metrics.RecordGateFailure(f.Provider, string(f.Kind))
	if before != after {
		zlog.Warn().Msgf("fetchgate: network state %s -> %s (failures: %d consecutive, %d in %s window)",
			before, after, g.consecutive, recent, g.cfg.FailWindow)
	}
	zlog.Error().Msgf("fetchgate: network failure #%d (consecutive: %d, provider: %s, type: %s): %v",
		g.total, g.consecutive, f.Provider, f.Kind, f.Err)
}

// MarkGatewayConnected records a successful real-time transport connect.
func (g *Gate) MarkGatewayConnected() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.gatewayConnect = g.clock.Now()
	zlog.Info().Msg("fetchgate: transport gateway connected")
}

// MarkEventLoopLag flags that scheduling lag was observed.
func (g *Gate) MarkEventLoopLag() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.lagDetected {
		g.lagDetected = true
		zlog.Warn().Msg("fetchgate: scheduling lag detected, frame pacing may be delayed")
	}
}

// WatchLag measures ticker drift every interval and flags lag above
// threshold. It returns when ctx is cancelled.
func (g *Gate) WatchLag(ctx context.Context, interval, threshold time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if drift := now.Sub(last) - interval; drift > threshold {
				g.MarkEventLoopLag()
			}
			last = now
		}
	}
}

// State returns the circuit state.
func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.breaker.state
}
