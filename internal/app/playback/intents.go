package playback

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/djbox/internal/app/queue"
	"github.com/osa030/djbox/internal/domain/settings"
	"github.com/osa030/djbox/internal/domain/track"
)

type intentKind int

const (
	intentEnqueue intentKind = iota
	intentSkip
	intentStop
	intentPause
	intentResume
	intentRemove
	intentClear
	intentSetMode
	intentPrevious
	intentStatus
	intentTeardown
)

func (k intentKind) String() string {
	switch k {
	case intentEnqueue:
		return "enqueue"
	case intentSkip:
		return "skip"
	case intentStop:
		return "stop"
	case intentPause:
		return "pause"
	case intentResume:
		return "resume"
	case intentRemove:
		return "remove"
	case intentClear:
		return "clear"
	case intentSetMode:
		return "set_mode"
	case intentPrevious:
		return "previous"
	case intentStatus:
		return "status"
	case intentTeardown:
		return "teardown"
	default:
		return "unknown"
	}
}

type intent struct {
	kind      intentKind
	tracks    []track.Track
	requester track.Requester
	mode      track.InsertMode
	position  int
	field     string
	value     string
	reply     chan reply
}

type reply struct {
	err      error
	enqueue  EnqueueResult
	track    track.QueuedTrack
	count    int
	settings settings.Guild
	status   Status
}

// EnqueueResult reports what an enqueue did.
type EnqueueResult struct {
	Added    int  // Tracks accepted into the queue
	Dropped  int  // Tracks over the per-request cap
	Position int  // 1-indexed position of the first added track (0 when it started playing)
	Started  bool // The session was idle and started playing
}

// Status is a snapshot of a session.
type Status struct {
	State       State
	PauseReason PauseReason
	Current     *track.QueuedTrack
	Elapsed     time.Duration
	Pending     []track.QueuedTrack
	History     []track.QueuedTrack
	Settings    settings.Guild
	IdleArmed   bool
	LastError   string
}

// Enqueue adds resolved tracks to the queue and starts playback when idle.
func (p *Player) Enqueue(ctx context.Context, tracks []track.Track, requester track.Requester, mode track.InsertMode) (EnqueueResult, error) {
	r, err := p.submit(ctx, intent{kind: intentEnqueue, tracks: tracks, requester: requester, mode: mode})
	return r.enqueue, err
}

// Skip ends the current track.
func (p *Player) Skip(ctx context.Context) error {
	_, err := p.submit(ctx, intent{kind: intentSkip})
	return err
}

// Stop ends playback and drops every pending track. It returns how many
// pending tracks were dropped.
func (p *Player) Stop(ctx context.Context) (int, error) {
	r, err := p.submit(ctx, intent{kind: intentStop})
	return r.count, err
}

// Pause holds the current track.
func (p *Player) Pause(ctx context.Context) error {
	_, err := p.submit(ctx, intent{kind: intentPause})
	return err
}

// Resume continues a paused track.
func (p *Player) Resume(ctx context.Context) error {
	_, err := p.submit(ctx, intent{kind: intentResume})
	return err
}

// Remove drops the pending track at a 1-indexed position.
func (p *Player) Remove(ctx context.Context, position int) (track.QueuedTrack, error) {
	r, err := p.submit(ctx, intent{kind: intentRemove, position: position})
	return r.track, err
}

// Clear drops every pending track and returns how many were dropped.
func (p *Player) Clear(ctx context.Context) (int, error) {
	r, err := p.submit(ctx, intent{kind: intentClear})
	return r.count, err
}

// SetMode changes one setting; see settings.Fields for the names.
func (p *Player) SetMode(ctx context.Context, field, value string) (settings.Guild, error) {
	r, err := p.submit(ctx, intent{kind: intentSetMode, field: field, value: value})
	return r.settings, err
}

// Previous replays the last played track.
func (p *Player) Previous(ctx context.Context) (track.QueuedTrack, error) {
	r, err := p.submit(ctx, intent{kind: intentPrevious})
	return r.track, err
}

// Status returns a snapshot of the session.
func (p *Player) Status(ctx context.Context) (Status, error) {
	r, err := p.submit(ctx, intent{kind: intentStatus})
	return r.status, err
}

// Teardown ends the session and waits for the loop to exit.
func (p *Player) Teardown(ctx context.Context, reason string) error {
	_, err := p.submit(ctx, intent{kind: intentTeardown, value: reason})
	if errors.Is(err, ErrTornDown) {
		err = nil
	}
	if err != nil {
		return err
	}
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// submit delivers an intent and waits for its reply.
func (p *Player) submit(ctx context.Context, in intent) (reply, error) {
	in.reply = make(chan reply, 1)
	select {
	case p.intents <- in:
	case <-p.done:
		return reply{}, ErrTornDown
	case <-ctx.Done():
		return reply{}, ctx.Err()
	}
	select {
	case r := <-in.reply:
		return r, r.err
	case <-p.done:
		// the loop may have answered just before exiting
		select {
		case r := <-in.reply:
			return r, r.err
		default:
			return reply{}, ErrTornDown
		}
	case <-ctx.Done():
		return reply{}, ctx.Err()
	}
}

// handleIntent runs one intent and always replies, even after a panic.
func (p *Player) handleIntent(in intent) {
	var r reply
	defer func() {
		if rec := recover(); rec != nil {
			p.recoverPanic(rec)
			r = reply{err: errors.Newf("playback: %s failed: %v", in.kind, rec)}
		}
		in.reply <- r
	}()
	r = p.dispatch(in)
	if r.err != nil {
		zlog.Debug().Msgf("playback: session %s %s: %v", p.guildID, in.kind, r.err)
	}
}

func (p *Player) dispatch(in intent) reply {
	switch in.kind {
	case intentEnqueue:
		return p.doEnqueue(in)
	case intentSkip:
		return reply{err: p.doSkip()}
	case intentStop:
		return reply{count: p.doStop()}
	case intentPause:
		return reply{err: p.doPause()}
	case intentResume:
		return reply{err: p.doResume()}
	case intentRemove:
		removed, err := p.queue.RemoveAt(in.position)
		if err != nil {
			return reply{err: err}
		}
		p.emitQueueChanged()
		p.refreshPrefetch()
		return reply{track: removed}
	case intentClear:
		n := p.queue.Clear()
		p.emitQueueChanged()
		p.releasePrefetch()
		return reply{count: n}
	case intentSetMode:
		return p.doSetMode(in.field, in.value)
	case intentPrevious:
		return p.doPrevious()
	case intentStatus:
		return reply{status: p.snapshot()}
	case intentTeardown:
		reason := in.value
		if reason == "" {
			reason = "requested"
		}
		p.teardown(reason)
		return reply{}
	default:
		return reply{err: errors.Newf("unknown intent %d", in.kind)}
	}
}

func (p *Player) doEnqueue(in intent) reply {
	if len(in.tracks) == 0 {
		return reply{err: errors.New("nothing to enqueue")}
	}
	added, dropped := p.queue.Enqueue(in.tracks, in.requester, in.mode)
	res := EnqueueResult{Added: added, Dropped: dropped}
	if added == 0 {
		return reply{enqueue: res}
	}
	if in.mode == track.InsertNext {
		res.Position = 1
	} else {
		res.Position = p.queue.Len() - added + 1
	}
	p.emitQueueChanged()

	_, hasCurrent := p.queue.Current()
	if !hasCurrent && (p.state == StateIdle || p.autoplayPending()) {
		p.cancelAutoplay()
		p.advance(queue.ReasonStart)
		res.Started = true
		res.Position = 0
		return reply{enqueue: res}
	}
	p.refreshPrefetch()
	return reply{enqueue: res}
}

func (p *Player) doSkip() error {
	if p.autoplayPending() {
		p.cancelAutoplay()
		p.setState(StateIdle, "skip")
		return nil
	}
	if _, ok := p.queue.Current(); !ok {
		return &queue.QueueError{Kind: queue.EmptyQueue}
	}
	p.advance(queue.ReasonSkip)
	return nil
}

func (p *Player) doStop() int {
	prev, hadPrev := p.queue.Current()
	p.stopCurrent()
	p.cancelAutoplay()
	p.releasePrefetch()
	p.userPaused = false
	n := p.queue.Stop()
	if hadPrev {
		p.emit(Event{Type: EventTrackEnded, Track: &prev, Reason: "stop"})
	}
	p.emitQueueChanged()
	p.setState(StateIdle, "stop")
	return n
}

func (p *Player) doPause() error {
	if p.state != StatePlaying && !(p.state == StatePaused && !p.userPaused) {
		return ErrNotPlaying
	}
	p.userPaused = true
	p.haltPump()
	if p.state == StatePaused {
		return nil
	}
	p.setState(StatePaused, PauseUser.String())
	return nil
}

func (p *Player) doResume() error {
	if p.state != StatePaused || !p.userPaused {
		return ErrNotPaused
	}
	p.userPaused = false
	if p.transportPaused {
		return nil
	}
	p.startPlaying()
	return nil
}

func (p *Player) doSetMode(field, value string) reply {
	g, err := p.settings.Apply(field, value)
	if err != nil {
		return reply{err: err}
	}
	turnedOnAutoplay := g.Autoplay && !p.settings.Autoplay
	p.settings = g
	p.queue.SetLoop(g.Loop)
	p.queue.SetShuffle(g.Shuffle)

	// Re-arm with the new timeout.
	p.idle.Disarm()
	p.emit(Event{Type: EventSettingsChanged, Settings: &g})

	if turnedOnAutoplay && p.state == StateIdle && p.queue.Len() == 0 {
		p.startAutoplay()
	}
	p.refreshPrefetch()
	return reply{settings: g}
}

func (p *Player) doPrevious() reply {
	prevCurrent, hadCurrent := p.queue.Current()
	prev, err := p.queue.Previous()
	if err != nil {
		return reply{err: err}
	}
	p.cancelAutoplay()
	p.userPaused = false
	if hadCurrent {
		p.emit(Event{Type: EventTrackEnded, Track: &prevCurrent, Reason: "previous"})
	}
	p.emitQueueChanged()
	p.load(prev)
	return reply{track: prev}
}

func (p *Player) snapshot() Status {
	s := Status{
		State:     p.state,
		Pending:   p.queue.Pending(),
		History:   p.queue.History(),
		Settings:  p.settings,
		IdleArmed: p.idle.Armed(),
		Current:   p.currentPtr(),
	}
	if p.state == StatePaused {
		if p.userPaused {
			s.PauseReason = PauseUser
		} else if p.transportPaused {
			s.PauseReason = PauseTransport
		}
	}
	frames := p.position
	if p.pump != nil {
		frames = p.pump.frames.Load()
	}
	s.Elapsed = time.Duration(frames) * p.cfg.FrameInterval
	if p.lastLoadErr != nil {
		s.LastError = p.lastFailedID + ": " + p.lastLoadErr.Error()
	}
	return s
}
