// Package idle provides the auto-disconnect timer of a session.
package idle

import (
	"sync"
	"time"

	zlog "github.com/rs/zerolog/log"
)

// Timer is the subset of *time.Timer the monitor needs.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithAfterFunc replaces time.AfterFunc, for tests.
func WithAfterFunc(fn AfterFunc) Option {
	return func(m *Monitor) { m.after = fn }
}

// Monitor fires a warning once before the idle timeout and an expiry at
// the timeout. Callbacks receive the generation of the arming that
// scheduled them; Current reports whether that arming is still live.
// Callbacks run on timer goroutines and must not block.
type Monitor struct {
	mu       sync.Mutex
	after    AfterFunc
	onWarn   func(gen uint64, remaining time.Duration)
	onExpire func(gen uint64)

	gen     uint64
	armed   bool
	timeout time.Duration
	timers  []Timer
}

// New creates a disarmed monitor.
func New(onWarn func(gen uint64, remaining time.Duration), onExpire func(gen uint64), opts ...Option) *Monitor {
	m := &Monitor{
		after:    realAfterFunc,
		onWarn:   onWarn,
		onExpire: onExpire,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Arm starts the timers unless already armed with the same timeout.
// The warning is skipped when warnOffset is zero or not below timeout.
// A non-positive timeout disarms.
func (m *Monitor) Arm(timeout, warnOffset time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if timeout <= 0 {
		m.disarmLocked()
		return
	}
	if m.armed && m.timeout == timeout {
		return
	}
	m.disarmLocked()

	m.gen++
	gen := m.gen
	m.armed = true
	m.timeout = timeout

	if warnOffset > 0 && warnOffset < timeout {
		m.timers = append(m.timers, m.after(timeout-warnOffset, func() {
			if m.Current(gen) {
				m.onWarn(gen, warnOffset)
			}
		}))
	}
	m.timers = append(m.timers, m.after(timeout, func() {
		if m.Current(gen) {
			m.onExpire(gen)
		}
	}))
	zlog.Debug().Msgf("idle: armed for %s (warning %s before)", timeout, warnOffset)
}

// Disarm stops pending timers.
func (m *Monitor) Disarm() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disarmLocked()
}

func (m *Monitor) disarmLocked() {
	if !m.armed {
		return
	}
	for _, t := range m.timers {
		t.Stop()
	}
	m.timers = nil
	m.armed = false
	m.timeout = 0
	m.gen++
	zlog.Debug().Msg("idle: disarmed")
}

// Armed reports whether timers are pending.
func (m *Monitor) Armed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.armed
}

// Current reports whether gen belongs to the live arming.
func (m *Monitor) Current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.armed && m.gen == gen
}
