package queue

import (
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osa030/djbox/internal/domain/settings"
	"github.com/osa030/djbox/internal/domain/track"
)

var user = track.Requester{ID: "u1", Name: "user", Type: track.RequesterTypeUser}

func tracks(ids ...string) []track.Track {
	out := make([]track.Track, len(ids))
	for i, id := range ids {
		out[i] = track.Track{ID: id, Title: "Title " + id}
	}
	return out
}

func numbered(n int) []track.Track {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("t%03d", i)
	}
	return tracks(ids...)
}

func pendingIDs(q *Queue) []string {
	var ids []string
	for _, item := range q.Pending() {
		ids = append(ids, item.Track.ID)
	}
	return ids
}

func seeded(seed uint64) Option {
	return WithRand(rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)))
}

func TestQueue_LengthAfterEnqueueAndAdvance(t *testing.T) {
	tests := []struct {
		name     string
		enqueued int
		advances int
		expected int
	}{
		{"fewer advances than tracks", 10, 3, 7},
		{"exactly drained", 5, 5, 0},
		{"clamped at zero", 3, 8, 0},
		{"no advances", 4, 0, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := New(DefaultConfig())
			added, dropped := q.Enqueue(numbered(tt.enqueued), user, track.InsertAppend)
			require.Equal(t, tt.enqueued, added)
			require.Zero(t, dropped)

			for i := 0; i < tt.advances; i++ {
				q.Advance(ReasonFinished)
			}
			assert.Equal(t, tt.expected, q.Len())
		})
	}
}

func TestQueue_HistoryIsBounded(t *testing.T) {
	q := New(Config{HistorySize: 50, MaxEnqueue: 50})
	for batch := 0; batch < 3; batch++ {
		q.Enqueue(numbered(50), user, track.InsertAppend)
	}
	for i := 0; i < 150; i++ {
		q.Advance(ReasonFinished)
		assert.LessOrEqual(t, len(q.History()), 50)
	}
	assert.Len(t, q.History(), 50)
}

func TestQueue_EnqueueCap(t *testing.T) {
	q := New(Config{MaxEnqueue: 50})
	added, dropped := q.Enqueue(numbered(80), user, track.InsertAppend)
	assert.Equal(t, 50, added)
	assert.Equal(t, 30, dropped)
	assert.Equal(t, 50, q.Len())

	// The cap applies per call, not to the queue.
	added, _ = q.Enqueue(numbered(20), user, track.InsertAppend)
	assert.Equal(t, 20, added)
	assert.Equal(t, 70, q.Len())
}

func TestQueue_LoopSingle(t *testing.T) {
	q := New(DefaultConfig())
	q.SetLoop(settings.LoopSingle)
	q.Enqueue(tracks("a", "b"), user, track.InsertAppend)

	cur, outcome := q.Advance(ReasonStart)
	require.Equal(t, OutcomeNext, outcome)
	require.Equal(t, "a", cur.Track.ID)

	for i := 0; i < 5; i++ {
		cur, outcome = q.Advance(ReasonFinished)
		assert.Equal(t, OutcomeReplay, outcome)
		assert.Equal(t, "a", cur.Track.ID)
	}
	assert.Equal(t, 1, q.Len())
	assert.Empty(t, q.History())

	cur, outcome = q.Advance(ReasonSkip)
	assert.Equal(t, OutcomeNext, outcome)
	assert.Equal(t, "b", cur.Track.ID)
}

func TestQueue_LoopQueueRequeuesPass(t *testing.T) {
	q := New(DefaultConfig())
	q.SetLoop(settings.LoopQueue)
	q.Enqueue(tracks("a", "b", "c"), user, track.InsertAppend)

	var played []string
	for i := 0; i < 7; i++ {
		cur, outcome := q.Advance(ReasonFinished)
		require.NotEqual(t, OutcomeEmpty, outcome)
		played = append(played, cur.Track.ID)
	}
	assert.Equal(t, []string{"a", "b", "c", "a", "b", "c", "a"}, played)
}

func TestQueue_LoopQueueSkipsFailedLoads(t *testing.T) {
	q := New(DefaultConfig())
	q.SetLoop(settings.LoopQueue)
	q.Enqueue(tracks("a", "broken"), user, track.InsertAppend)

	q.Advance(ReasonStart)
	cur, _ := q.Advance(ReasonFinished)
	require.Equal(t, "broken", cur.Track.ID)

	cur, outcome := q.Advance(ReasonLoadFailure)
	assert.Equal(t, OutcomeRequeued, outcome)
	assert.Equal(t, "a", cur.Track.ID)
	assert.Zero(t, q.Len())
}

func TestQueue_FullShufflePlaysEveryTrackOncePerPass(t *testing.T) {
	for seed := uint64(1); seed <= 20; seed++ {
		q := New(DefaultConfig(), seeded(seed))
		q.SetLoop(settings.LoopQueue)
		q.SetShuffle(settings.ShuffleFull)
		q.Enqueue(numbered(12), user, track.InsertAppend)

		for pass := 0; pass < 3; pass++ {
			seen := make(map[string]int)
			for i := 0; i < 12; i++ {
				reason := ReasonFinished
				if pass == 0 && i == 0 {
					reason = ReasonStart
				}
				cur, outcome := q.Advance(reason)
				require.NotNil(t, cur)
				require.NotEqual(t, OutcomeEmpty, outcome)
				seen[cur.Track.ID]++
			}
			assert.Len(t, seen, 12, "seed %d pass %d", seed, pass)
			for id, n := range seen {
				assert.Equal(t, 1, n, "seed %d pass %d track %s", seed, pass, id)
			}
		}
	}
}

func TestQueue_ShuffleSnapshotIsStable(t *testing.T) {
	q := New(DefaultConfig(), seeded(7))
	q.SetShuffle(settings.ShuffleFull)
	q.Enqueue(numbered(10), user, track.InsertAppend)

	first := pendingIDs(q)
	assert.Equal(t, first, pendingIDs(q))

	next, err := q.PeekNext()
	require.NoError(t, err)
	assert.Equal(t, first[0], next.Track.ID)

	cur, _ := q.Advance(ReasonStart)
	assert.Equal(t, first[0], cur.Track.ID)
	assert.Equal(t, first[1:], pendingIDs(q))

	removed, err := q.RemoveAt(2)
	require.NoError(t, err)
	assert.Equal(t, first[2], removed.Track.ID)
	assert.Equal(t, append([]string{first[1]}, first[3:]...), pendingIDs(q))
}

func TestQueue_InsertNext(t *testing.T) {
	q := New(DefaultConfig())
	q.Enqueue(tracks("x", "a", "b", "c"), user, track.InsertAppend)
	cur, _ := q.Advance(ReasonStart)
	require.Equal(t, "x", cur.Track.ID)

	q.Enqueue(tracks("d"), user, track.InsertNext)
	assert.Equal(t, []string{"d", "a", "b", "c"}, pendingIDs(q))

	cur, _ = q.Advance(ReasonFinished)
	assert.Equal(t, "d", cur.Track.ID)

	// A multi-track insert keeps its order ahead of earlier pending tracks.
	q.Enqueue(tracks("e", "f"), user, track.InsertNext)
	assert.Equal(t, []string{"e", "f", "a", "b", "c"}, pendingIDs(q))
}

func TestQueue_InsertNextBypassesShuffle(t *testing.T) {
	q := New(DefaultConfig(), seeded(3))
	q.SetShuffle(settings.ShuffleFull)
	q.Enqueue(numbered(10), user, track.InsertAppend)
	q.Enqueue(tracks("urgent"), user, track.InsertNext)

	next, err := q.PeekNext()
	require.NoError(t, err)
	assert.Equal(t, "urgent", next.Track.ID)
}

func TestQueue_RemoveAt(t *testing.T) {
	tests := []struct {
		name     string
		position int
		wantErr  ErrorKind
		wantIDs  []string
	}{
		{"first", 1, -1, []string{"b", "c"}},
		{"last", 3, -1, []string{"a", "b"}},
		{"zero", 0, PositionOutOfRange, []string{"a", "b", "c"}},
		{"past end", 4, PositionOutOfRange, []string{"a", "b", "c"}},
		{"negative", -2, PositionOutOfRange, []string{"a", "b", "c"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := New(DefaultConfig())
			q.Enqueue(tracks("a", "b", "c"), user, track.InsertAppend)

			_, err := q.RemoveAt(tt.position)
			if tt.wantErr >= 0 {
				var qerr *QueueError
				require.True(t, errors.As(err, &qerr))
				assert.Equal(t, tt.wantErr, qerr.Kind)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.wantIDs, pendingIDs(q))
		})
	}
}

func TestQueue_EmptyQueueErrors(t *testing.T) {
	q := New(DefaultConfig())

	_, err := q.RemoveAt(1)
	var qerr *QueueError
	require.True(t, errors.As(err, &qerr))
	assert.Equal(t, EmptyQueue, qerr.Kind)

	_, err = q.PeekNext()
	require.True(t, errors.As(err, &qerr))
	assert.Equal(t, EmptyQueue, qerr.Kind)

	_, err = q.Previous()
	require.True(t, errors.As(err, &qerr))
	assert.Equal(t, EmptyQueue, qerr.Kind)

	cur, outcome := q.Advance(ReasonFinished)
	assert.Nil(t, cur)
	assert.Equal(t, OutcomeEmpty, outcome)
}

func TestQueue_Previous(t *testing.T) {
	q := New(DefaultConfig())
	q.Enqueue(tracks("a", "b", "c"), user, track.InsertAppend)
	q.Advance(ReasonStart)
	q.Advance(ReasonFinished)
	cur, _ := q.Current()
	require.Equal(t, "b", cur.Track.ID)

	prev, err := q.Previous()
	require.NoError(t, err)
	assert.Equal(t, "a", prev.Track.ID)
	assert.Equal(t, []string{"b", "c"}, pendingIDs(q))
	assert.Empty(t, q.History())
}

func TestQueue_ClearAndStop(t *testing.T) {
	q := New(DefaultConfig())
	q.SetLoop(settings.LoopQueue)
	q.Enqueue(tracks("a", "b", "c"), user, track.InsertAppend)
	q.Advance(ReasonStart)
	q.Advance(ReasonFinished)

	assert.Equal(t, 1, q.Clear())
	assert.Zero(t, q.Len())
	_, ok := q.Current()
	assert.True(t, ok)

	q.Stop()
	_, ok = q.Current()
	assert.False(t, ok)

	// The pass was discarded, so loop queue has nothing to requeue.
	_, outcome := q.Advance(ReasonFinished)
	assert.Equal(t, OutcomeEmpty, outcome)
}

func TestQueue_RecentIDs(t *testing.T) {
	q := New(DefaultConfig())
	q.Enqueue(tracks("a", "b", "c", "d"), user, track.InsertAppend)
	for i := 0; i < 4; i++ {
		q.Advance(ReasonFinished)
	}
	assert.Equal(t, []string{"b", "c"}, q.RecentIDs(2))
	assert.Equal(t, []string{"a", "b", "c"}, q.RecentIDs(10))

	last, ok := q.LastPlayed()
	require.True(t, ok)
	assert.Equal(t, "d", last.ID)
}
