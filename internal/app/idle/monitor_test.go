package idle

import (
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

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

type fakeClock struct {
	mu     sync.Mutex
	now    time.Duration
	timers []*fakeTimer
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{at: c.now + d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now += d
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && t.at <= c.now {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()
	sort.Slice(due, func(i, j int) bool { return due[i].at < due[j].at })
	for _, t := range due {
		t.f()
	}
}

type recorder struct {
	warnings []time.Duration
	expiries int
}

func newTestMonitor(clock *fakeClock, rec *recorder) *Monitor {
	return New(
		func(_ uint64, remaining time.Duration) { rec.warnings = append(rec.warnings, remaining) },
		func(uint64) { rec.expiries++ },
		WithAfterFunc(clock.AfterFunc),
	)
}

func TestMonitor_WarnsOnceThenExpires(t *testing.T) {
	clock := &fakeClock{}
	rec := &recorder{}
	m := newTestMonitor(clock, rec)

	m.Arm(60*time.Minute, 15*time.Minute)
	require.True(t, m.Armed())

	clock.Advance(44 * time.Minute)
	assert.Empty(t, rec.warnings)

	clock.Advance(time.Minute)
	assert.Equal(t, []time.Duration{15 * time.Minute}, rec.warnings)

	// Re-arming with the same timeout keeps the running timers.
	m.Arm(60*time.Minute, 15*time.Minute)

	clock.Advance(15 * time.Minute)
	assert.Len(t, rec.warnings, 1)
	assert.Equal(t, 1, rec.expiries)
}

func TestMonitor_DisarmCancels(t *testing.T) {
	clock := &fakeClock{}
	rec := &recorder{}
	m := newTestMonitor(clock, rec)

	m.Arm(10*time.Minute, 5*time.Minute)
	clock.Advance(4 * time.Minute)
	m.Disarm()
	assert.False(t, m.Armed())

	clock.Advance(time.Hour)
	assert.Empty(t, rec.warnings)
	assert.Zero(t, rec.expiries)
}

func TestMonitor_WarningSkipped(t *testing.T) {
	tests := []struct {
		name   string
		offset time.Duration
	}{
		{"offset equals timeout", 10 * time.Minute},
		{"offset above timeout", 20 * time.Minute},
		{"no offset", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := &fakeClock{}
			rec := &recorder{}
			m := newTestMonitor(clock, rec)

			m.Arm(10*time.Minute, tt.offset)
			clock.Advance(10 * time.Minute)
			assert.Empty(t, rec.warnings)
			assert.Equal(t, 1, rec.expiries)
		})
	}
}

func TestMonitor_StaleGeneration(t *testing.T) {
	clock := &fakeClock{}
	var gens []uint64
	m := New(func(uint64, time.Duration) {}, func(gen uint64) { gens = append(gens, gen) },
		WithAfterFunc(clock.AfterFunc))

	m.Arm(time.Minute, 0)
	clock.Advance(time.Minute)
	require.Len(t, gens, 1)
	assert.True(t, m.Current(gens[0]))

	m.Disarm()
	assert.False(t, m.Current(gens[0]))

	m.Arm(0, 0)
	assert.False(t, m.Armed())
}
