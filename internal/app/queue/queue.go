// Package queue implements the per-session track queue with history,
// loop and shuffle policy.
//
// A Queue is owned by exactly one session loop and is not safe for
// concurrent use.
package queue

import (
	"math/rand/v2"
	"time"

	"github.com/osa030/djbox/internal/domain/settings"
	"github.com/osa030/djbox/internal/domain/track"
)

// Reason describes why the current track is being left.
type Reason int

const (
	ReasonFinished    Reason = iota // Track played to the end
	ReasonSkip                      // User skipped
	ReasonLoadFailure               // Audio could not be loaded
	ReasonStart                     // Nothing was playing
)

// String returns the string representation of the reason.
func (r Reason) String() string {
	switch r {
	case ReasonFinished:
		return "finished"
	case ReasonSkip:
		return "skip"
	case ReasonLoadFailure:
		return "load_failure"
	case ReasonStart:
		return "start"
	default:
		return "unknown"
	}
}

// Outcome reports what Advance did.
type Outcome int

const (
	OutcomeEmpty    Outcome = iota // Nothing left to play
	OutcomeNext                    // A pending track became current
	OutcomeReplay                  // Current track repeats (loop single)
	OutcomeRequeued                // Loop queue restarted the pass
)

// String returns the string representation of the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeEmpty:
		return "empty"
	case OutcomeNext:
		return "next"
	case OutcomeReplay:
		return "replay"
	case OutcomeRequeued:
		return "requeued"
	default:
		return "unknown"
	}
}

// Config holds queue limits.
type Config struct {
	HistorySize int // Bounded history length
	RecentSize  int // Recently played IDs considered by smart shuffle
	MaxEnqueue  int // Tracks accepted from one enqueue call
}

// DefaultConfig returns the default queue limits.
func DefaultConfig() Config {
	return Config{HistorySize: 50, RecentSize: 10, MaxEnqueue: 50}
}

// Queue is an ordered list of pending tracks plus the current track and
// a bounded history.
type Queue struct {
	cfg Config
	rng *rand.Rand
	now func() time.Time

	upNext  []track.QueuedTrack // insert-next block, played before pending
	pending []track.QueuedTrack // insertion order
	order   []track.QueuedTrack // pending in play order; nil until computed
	current *track.QueuedTrack
	history []track.QueuedTrack // oldest first
	pass    []track.QueuedTrack // completed since the last requeue

	loop    settings.LoopMode
	shuffle settings.ShuffleMode
	seq     uint64
}

// Option configures a Queue.
type Option func(*Queue)

// WithRand sets the random source used by shuffle.
func WithRand(rng *rand.Rand) Option {
	return func(q *Queue) { q.rng = rng }
}

// WithClock sets the time source used for AddedAt.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// New creates an empty queue.
func New(cfg Config, opts ...Option) *Queue {
	def := DefaultConfig()
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = def.HistorySize
	}
	if cfg.RecentSize <= 0 {
		cfg.RecentSize = def.RecentSize
	}
	if cfg.MaxEnqueue <= 0 {
		cfg.MaxEnqueue = def.MaxEnqueue
	}
	q := &Queue{cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(q)
	}
	if q.rng == nil {
		q.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return q
}

// Enqueue adds tracks in the given mode and returns how many were added
// and how many were dropped by the per-call cap.
func (q *Queue) Enqueue(tracks []track.Track, requester track.Requester, mode track.InsertMode) (added, dropped int) {
	if len(tracks) > q.cfg.MaxEnqueue {
		dropped = len(tracks) - q.cfg.MaxEnqueue
		tracks = tracks[:q.cfg.MaxEnqueue]
	}
	if len(tracks) == 0 {
		return 0, dropped
	}

	items := make([]track.QueuedTrack, 0, len(tracks))
	for _, t := range tracks {
		items = append(items, q.wrap(t, requester))
	}

	switch mode {
	case track.InsertNext:
		q.upNext = append(items, q.upNext...)
	default:
		q.pending = append(q.pending, items...)
		q.order = nil
	}
	return len(items), dropped
}

func (q *Queue) wrap(t track.Track, requester track.Requester) track.QueuedTrack {
	q.seq++
	return track.QueuedTrack{
		Track:     t,
		Requester: requester,
		AddedAt:   q.now(),
		Seq:       q.seq,
	}
}

// Advance leaves the current track for the given reason and selects the
// next one. It returns the new current track, or nil with OutcomeEmpty.
//
// Autoplay is not handled here: on OutcomeEmpty the caller may enqueue
// recommendations and call Advance again with ReasonStart.
func (q *Queue) Advance(reason Reason) (*track.QueuedTrack, Outcome) {
	if q.loop == settings.LoopSingle && q.current != nil &&
		reason != ReasonSkip && reason != ReasonLoadFailure {
		cur := *q.current
		return &cur, OutcomeReplay
	}

	if q.current != nil {
		if reason != ReasonLoadFailure {
			q.pushHistory(*q.current)
			q.pass = append(q.pass, *q.current)
		}
		q.current = nil
	}

	if next, ok := q.pop(); ok {
		q.current = &next
		cur := next
		return &cur, OutcomeNext
	}

	if q.loop == settings.LoopQueue && len(q.pass) > 0 {
		pass := q.pass
		q.pass = nil
		for _, item := range pass {
			q.pending = append(q.pending, q.wrap(item.Track, item.Requester))
		}
		q.order = nil
		if next, ok := q.pop(); ok {
			q.current = &next
			cur := next
			return &cur, OutcomeRequeued
		}
	}
	return nil, OutcomeEmpty
}

// Previous makes the last history entry current again. The current track,
// if any, goes back to the front of the queue.
func (q *Queue) Previous() (track.QueuedTrack, error) {
	if len(q.history) == 0 {
		return track.QueuedTrack{}, &QueueError{Kind: EmptyQueue}
	}
	prev := q.history[len(q.history)-1]
	q.history = q.history[:len(q.history)-1]
	if n := len(q.pass); n > 0 && q.pass[n-1].Seq == prev.Seq {
		q.pass = q.pass[:n-1]
	}
	if q.current != nil {
		q.upNext = append([]track.QueuedTrack{*q.current}, q.upNext...)
	}
	q.current = &prev
	return prev, nil
}

// pop removes and returns the head of the play order.
func (q *Queue) pop() (track.QueuedTrack, bool) {
	if len(q.upNext) > 0 {
		head := q.upNext[0]
		q.upNext = q.upNext[1:]
		return head, true
	}
	if len(q.pending) == 0 {
		return track.QueuedTrack{}, false
	}
	q.ensureOrder()
	head := q.order[0]
	q.order = q.order[1:]
	q.removePending(head.Seq)
	return head, true
}

// ensureOrder computes the play order snapshot of pending. The snapshot
// stays valid until pending gains tracks or the shuffle mode changes.
func (q *Queue) ensureOrder() {
	if q.order != nil && len(q.order) == len(q.pending) {
		return
	}
	if q.shuffle == settings.ShuffleOff {
		q.order = append([]track.QueuedTrack(nil), q.pending...)
		return
	}

	remaining := append([]track.QueuedTrack(nil), q.pending...)
	order := make([]track.QueuedTrack, 0, len(remaining))
	recent := q.RecentIDs(q.cfg.RecentSize)
	last := ""
	if q.current != nil {
		last = q.current.Track.ID
	} else if len(recent) > 0 {
		last = recent[len(recent)-1]
	}

	for len(remaining) > 0 {
		i := NextIndex(View{Candidates: remaining, Recent: recent, LastPlayed: last}, q.shuffle, q.rng)
		pick := remaining[i]
		order = append(order, pick)
		remaining = append(remaining[:i], remaining[i+1:]...)

		last = pick.Track.ID
		recent = append(recent, last)
		if len(recent) > q.cfg.RecentSize {
			recent = recent[len(recent)-q.cfg.RecentSize:]
		}
	}
	q.order = order
}

func (q *Queue) removePending(seq uint64) {
	for i, item := range q.pending {
		if item.Seq == seq {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return
		}
	}
}

func (q *Queue) pushHistory(item track.QueuedTrack) {
	q.history = append(q.history, item)
	if over := len(q.history) - q.cfg.HistorySize; over > 0 {
		q.history = append([]track.QueuedTrack(nil), q.history[over:]...)
	}
}

// RemoveAt removes the track at a 1-indexed position of Pending.
func (q *Queue) RemoveAt(position int) (track.QueuedTrack, error) {
	length := q.Len()
	if length == 0 {
		return track.QueuedTrack{}, &QueueError{Kind: EmptyQueue, Position: position}
	}
	if position < 1 || position > length {
		return track.QueuedTrack{}, &QueueError{Kind: PositionOutOfRange, Position: position, Length: length}
	}

	idx := position - 1
	if idx < len(q.upNext) {
		removed := q.upNext[idx]
		q.upNext = append(q.upNext[:idx], q.upNext[idx+1:]...)
		return removed, nil
	}

	q.ensureOrder()
	idx -= len(q.upNext)
	removed := q.order[idx]
	q.order = append(q.order[:idx], q.order[idx+1:]...)
	q.removePending(removed.Seq)
	return removed, nil
}

// Clear drops every pending track and the loop pass. It returns the
// number of pending tracks removed.
func (q *Queue) Clear() int {
	n := q.Len()
	q.upNext = nil
	q.pending = nil
	q.order = nil
	q.pass = nil
	return n
}

// Stop clears the queue and forgets the current track without recording
// it in history.
func (q *Queue) Stop() int {
	q.current = nil
	return q.Clear()
}

// PeekNext returns the track that plays after the current one.
func (q *Queue) PeekNext() (track.QueuedTrack, error) {
	if len(q.upNext) > 0 {
		return q.upNext[0], nil
	}
	if len(q.pending) == 0 {
		return track.QueuedTrack{}, &QueueError{Kind: EmptyQueue}
	}
	q.ensureOrder()
	return q.order[0], nil
}

// Pending returns the pending tracks in play order.
func (q *Queue) Pending() []track.QueuedTrack {
	out := make([]track.QueuedTrack, 0, q.Len())
	out = append(out, q.upNext...)
	if len(q.pending) > 0 {
		q.ensureOrder()
		out = append(out, q.order...)
	}
	return out
}

// Len returns the number of pending tracks.
func (q *Queue) Len() int {
	return len(q.upNext) + len(q.pending)
}

// Current returns the current track.
func (q *Queue) Current() (track.QueuedTrack, bool) {
	if q.current == nil {
		return track.QueuedTrack{}, false
	}
	return *q.current, true
}

// History returns the played tracks, oldest first.
func (q *Queue) History() []track.QueuedTrack {
	return append([]track.QueuedTrack(nil), q.history...)
}

// RecentIDs returns up to n most recently played track IDs, most recent last.
func (q *Queue) RecentIDs(n int) []string {
	start := len(q.history) - n
	if start < 0 {
		start = 0
	}
	ids := make([]string, 0, len(q.history)-start)
	for _, item := range q.history[start:] {
		ids = append(ids, item.Track.ID)
	}
	return ids
}

// LastPlayed returns the current track, or the most recent history entry.
func (q *Queue) LastPlayed() (track.Track, bool) {
	if q.current != nil {
		return q.current.Track, true
	}
	if n := len(q.history); n > 0 {
		return q.history[n-1].Track, true
	}
	return track.Track{}, false
}

// Loop returns the loop mode.
func (q *Queue) Loop() settings.LoopMode { return q.loop }

// Shuffle returns the shuffle mode.
func (q *Queue) Shuffle() settings.ShuffleMode { return q.shuffle }

// SetLoop sets the loop mode.
func (q *Queue) SetLoop(mode settings.LoopMode) {
	if q.loop == settings.LoopQueue && mode != settings.LoopQueue {
		q.pass = nil
	}
	q.loop = mode
}

// SetShuffle sets the shuffle mode and discards the play order snapshot.
func (q *Queue) SetShuffle(mode settings.ShuffleMode) {
	q.shuffle = mode
	q.order = nil
}
