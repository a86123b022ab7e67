package fetchgate

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockClock struct {
	now time.Time
}

func (m *mockClock) Now() time.Time { return m.now }

func (m *mockClock) advance(d time.Duration) { m.now = m.now.Add(d) }

func newTestGate(clk *mockClock) *Gate {
	return New(Config{
		FailThreshold: 5,
		FailWindow:    120 * time.Second,
		Cooldown:      30 * time.Second,
	},
		WithClock(clk),
		WithRand(rand.New(rand.NewPCG(1, 2))),
		WithSleep(func(ctx context.Context, d time.Duration) error { return ctx.Err() }),
	)
}

var errReset = errors.New("read tcp: connection reset by peer")

func failing(calls *int32) func(context.Context) (string, error) {
	return func(context.Context) (string, error) {
		atomic.AddInt32(calls, 1)
		return "", errReset
	}
}

func TestGate_OpensAfterThresholdWithinWindow(t *testing.T) {
	clk := &mockClock{now: time.Unix(1_700_000_000, 0)}
	g := newTestGate(clk)
	ctx := context.Background()

	var calls int32
	for i := 0; i < 5; i++ {
		_, err := Call(ctx, g, "youtube", failing(&calls))
		require.Error(t, err)
		kind, ok := KindOf(err)
		require.True(t, ok)
		assert.Equal(t, KindTransportReset, kind)
		clk.advance(10 * time.Second)
	}
	assert.Equal(t, StateOpen, g.State())

	// The sixth call fails fast without reaching the network.
	_, err := Call(ctx, g, "youtube", failing(&calls))
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, int32(5), atomic.LoadInt32(&calls))
}

func TestGate_FailuresOutsideWindowDoNotOpen(t *testing.T) {
	clk := &mockClock{now: time.Unix(1_700_000_000, 0)}
	g := newTestGate(clk)

	var calls int32
	for i := 0; i < 8; i++ {
		_, _ = Call(context.Background(), g, "youtube", failing(&calls))
		clk.advance(31 * time.Second)
	}
	assert.Equal(t, StateClosed, g.State())
	assert.Equal(t, HealthDegraded, g.Health())
}

func TestGate_HalfOpenProbe(t *testing.T) {
	tests := []struct {
		name      string
		probeErr  error
		wantState State
	}{
		{name: "probe success closes", probeErr: nil, wantState: StateClosed},
		{name: "probe failure reopens", probeErr: errReset, wantState: StateOpen},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clk := &mockClock{now: time.Unix(1_700_000_000, 0)}
			g := newTestGate(clk)
			ctx := context.Background()

			var calls int32
			for i := 0; i < 5; i++ {
				_, _ = Call(ctx, g, "youtube", failing(&calls))
			}
			require.Equal(t, StateOpen, g.State())

			clk.advance(31 * time.Second)
			_, err := Call(ctx, g, "youtube", func(context.Context) (string, error) {
				return "ok", tt.probeErr
			})
			if tt.probeErr == nil {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
			assert.Equal(t, tt.wantState, g.State())
		})
	}
}

func TestGate_HalfOpenAdmitsExactlyOneProbe(t *testing.T) {
	clk := &mockClock{now: time.Unix(1_700_000_000, 0)}
	g := newTestGate(clk)
	ctx := context.Background()

	var calls int32
	for i := 0; i < 5; i++ {
		_, _ = Call(ctx, g, "youtube", failing(&calls))
	}
	clk.advance(31 * time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := Call(ctx, g, "youtube", func(context.Context) (string, error) {
			close(started)
			<-release
			return "ok", nil
		})
		done <- err
	}()
	<-started

	_, err := Call(ctx, g, "spotify", func(context.Context) (string, error) {
		t.Fatal("second call must not reach the network during a probe")
		return "", nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StateClosed, g.State())
}

func TestGate_PermanentErrorsAreNotFailures(t *testing.T) {
	clk := &mockClock{now: time.Unix(1_700_000_000, 0)}
	g := newTestGate(clk)

	notFound := errors.New("video not found")
	for i := 0; i < 10; i++ {
		_, err := Call(context.Background(), g, "youtube", func(context.Context) (int, error) {
			return 0, Permanent(notFound)
		})
		assert.ErrorIs(t, err, notFound)
		assert.True(t, IsPermanent(err))
	}
	assert.Equal(t, StateClosed, g.State())
	assert.Equal(t, 0, g.Snapshot().TotalFailures)
}

func TestRetry_StopsOnSuccess(t *testing.T) {
	clk := &mockClock{now: time.Unix(1_700_000_000, 0)}
	g := newTestGate(clk)

	var calls int32
	v, err := Retry(context.Background(), g, "youtube", 3, func(context.Context) (string, error) {
		if atomic.AddInt32(&calls, 1) < 2 {
			return "", errReset
		}
		return "done", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "done", v)
	assert.Equal(t, int32(2), calls)
	assert.Equal(t, 0, g.Snapshot().ConsecutiveFailures)
}

func TestRetry_DoesNotRetryPermanent(t *testing.T) {
	g := newTestGate(&mockClock{now: time.Unix(1_700_000_000, 0)})

	var calls int32
	_, err := Retry(context.Background(), g, "youtube", 3, func(context.Context) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "", Permanent(errors.New("private video"))
	})
	assert.Error(t, err)
	assert.Equal(t, int32(1), calls)
}

func TestGate_CancelledCallIsNotCounted(t *testing.T) {
	g := newTestGate(&mockClock{now: time.Unix(1_700_000_000, 0)})
	ctx, cancel := context.WithCancel(context.Background())

	_, err := Call(ctx, g, "youtube", func(ctx context.Context) (string, error) {
		cancel()
		return "", ctx.Err()
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, g.Snapshot().TotalFailures)
}

func TestGate_Snapshot(t *testing.T) {
	clk := &mockClock{now: time.Unix(1_700_000_000, 0)}
	g := newTestGate(clk)
	ctx := context.Background()

	require.NoError(t, g.Do(ctx, "youtube", func(context.Context) error { return nil }))
	clk.advance(5 * time.Second)
	g.RecordFailure("transport", &net.DNSError{Err: "no such host", Name: "discord.gg"})
	g.RecordFailure("transport", errors.New("request timed out"))
	g.MarkGatewayConnected()
	clk.advance(2 * time.Second)

	s := g.Snapshot()
	assert.Equal(t, HealthDegraded, s.Health)
	assert.Equal(t, 2, s.ConsecutiveFailures)
	assert.Equal(t, 7*time.Second, s.SinceSuccess)
	assert.Equal(t, 2*time.Second, s.SinceGatewayConnect)
	assert.Equal(t, map[Kind]int{KindDNS: 1, KindTimeout: 1}, s.RecentFailuresByKind)

	m := s.Map()
	assert.Equal(t, "degraded", m["health"])
	assert.Equal(t, 7, m["seconds_since_success"])
	assert.Contains(t, m, "recent_failure_types")
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err      error
		expected Kind
	}{
		{&net.DNSError{Err: "x", Name: "y"}, KindDNS},
		{errors.New("getaddrinfo failed"), KindDNS},
		{errors.New("Temporary failure in name resolution"), KindDNS},
		{context.DeadlineExceeded, KindTimeout},
		{errors.New("read timed out"), KindTimeout},
		{errors.New("HTTP Error 429: Too Many Requests"), KindRateLimited},
		{errors.Wrap(ErrRateLimited, "spotify"), KindRateLimited},
		{errors.New("websocket closed with 4006 session invalidated"), KindTransportReset},
		{errors.New("connection reset by peer"), KindTransportReset},
		{errors.New("unsupported format"), KindOther},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.err), func(t *testing.T) {
			assert.Equal(t, tt.expected, Classify(tt.err))
		})
	}
}

func TestBackoff(t *testing.T) {
	base, max := 2*time.Second, 300*time.Second

	assert.Equal(t, time.Duration(0), Backoff(0, base, max, nil))
	assert.Equal(t, time.Duration(0), Backoff(-3, base, max, nil))
	assert.Equal(t, 2*time.Second, Backoff(1, base, max, nil))
	assert.Equal(t, 16*time.Second, Backoff(4, base, max, nil))
	assert.Equal(t, max, Backoff(30, base, max, nil))

	rng := rand.New(rand.NewPCG(7, 7))
	for attempt := 1; attempt <= 20; attempt++ {
		exact := Backoff(attempt, base, max, nil)
		got := Backoff(attempt, base, max, rng)
		assert.GreaterOrEqual(t, got, exact*3/4, "attempt %d", attempt)
		assert.LessOrEqual(t, got, exact*5/4, "attempt %d", attempt)
	}
}
