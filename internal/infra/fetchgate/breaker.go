package fetchgate

import (
	"time"

	"github.com/cockroachdb/errors"

	"github.com/osa030/djbox/internal/infra/metrics"
)

// State represents the circuit breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// ErrCircuitOpen is returned without touching the network while the circuit
// is open, or while a half-open probe is already in flight.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// clock abstracts time operations for testability.
type clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// failureRecord is one entry of the failure window.
type failureRecord struct {
	at      time.Time
	kind    Kind
	message string
}

// breaker is the window based circuit state machine. It is not safe for
// concurrent use; the Gate serializes access with its mutex.
type breaker struct {
	state     State
	threshold int
	window    time.Duration
	cooldown  time.Duration
	openedAt  time.Time
	probing   bool

	// failures is a ring of the most recent failures, oldest first.
	failures []failureRecord
	capacity int
}

func newBreaker(threshold int, window, cooldown time.Duration, capacity int) *breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if window <= 0 {
		window = 120 * time.Second
	}
	if cooldown <= 0 {
		cooldown = 60 * time.Second
	}
	if capacity < threshold {
		capacity = threshold
	}
	metrics.SetCircuitState(string(StateClosed))
	return &breaker{
		state:     StateClosed,
		threshold: threshold,
		window:    window,
		cooldown:  cooldown,
		capacity:  capacity,
	}
}

// allow reports whether a call may proceed. In the half-open state exactly
// one probe is admitted until its outcome is recorded.
func (b *breaker) allow(now time.Time) (probe bool, err error) {
	switch b.state {
	case StateClosed:
		return false, nil
	case StateOpen:
		if now.Sub(b.openedAt) < b.cooldown {
			return false, ErrCircuitOpen
		}
		b.transitionTo(StateHalfOpen, now)
		b.probing = true
		return true, nil
	default:
		if b.probing {
			return false, ErrCircuitOpen
		}
		b.probing = true
		return true, nil
	}
}

// recordSuccess closes the circuit.
func (b *breaker) recordSuccess(now time.Time) {
	b.probing = false
	if b.state != StateClosed {
		b.transitionTo(StateClosed, now)
	}
}

// recordFailure appends to the window and returns the number of failures
// still inside it.
func (b *breaker) recordFailure(now time.Time, kind Kind, message string) int {
	b.failures = append(b.failures, failureRecord{at: now, kind: kind, message: message})
	if len(b.failures) > b.capacity {
		b.failures = b.failures[len(b.failures)-b.capacity:]
	}
	recent := b.recentCount(now)

	if b.state == StateHalfOpen {
		b.probing = false
		metrics.RecordCircuitTrip("half_open_failure")
		b.transitionTo(StateOpen, now)
		return recent
	}
	if b.state == StateClosed && recent >= b.threshold {
		metrics.RecordCircuitTrip("threshold_exceeded")
		b.transitionTo(StateOpen, now)
	}
	return recent
}

// releaseProbe gives the probe slot back when the probe ended without a
// network verdict (cancelled or permanent error).
func (b *breaker) releaseProbe() {
	b.probing = false
}

func (b *breaker) recentCount(now time.Time) int {
	cutoff := now.Add(-b.window)
	n := 0
	for _, f := range b.failures {
		if !f.at.Before(cutoff) {
			n++
		}
	}
	return n
}

func (b *breaker) recentByKind(now time.Time) map[Kind]int {
	cutoff := now.Add(-b.window)
	counts := make(map[Kind]int)
	for _, f := range b.failures {
		if !f.at.Before(cutoff) {
			counts[f.kind]++
		}
	}
	return counts
}

func (b *breaker) transitionTo(newState State, now time.Time) {
	if b.state == newState {
		return
	}
	b.state = newState
	if newState == StateOpen {
		b.openedAt = now
	}
	metrics.SetCircuitState(string(newState))
}
