package session

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/disgoorg/snowflake/v2"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/djbox/internal/app/filter"
	"github.com/osa030/djbox/internal/app/playback"
	"github.com/osa030/djbox/internal/domain/playlist"
	"github.com/osa030/djbox/internal/domain/settings"
	"github.com/osa030/djbox/internal/domain/track"
)

// EnqueueOutcome reports what an enqueue request did.
type EnqueueOutcome struct {
	playback.EnqueueResult
	Resolution *playlist.Resolution
	Rejected   int    // Tracks refused by the filter chain
	RejectCode string // Code of the first refusal
}

// Enqueue resolves a request and hands the accepted tracks to the guild's
// session, creating it when needed. Resolution runs outside the session
// loop so a slow lookup never delays other intents.
func (m *Manager) Enqueue(ctx context.Context, req track.Request) (EnqueueOutcome, error) {
	if m.deps.Resolver == nil {
		return EnqueueOutcome{}, errors.New("no resolver configured")
	}
	if strings.TrimSpace(req.Query) == "" {
		return EnqueueOutcome{}, errors.New("empty query")
	}

	res, err := m.deps.Resolver.Resolve(ctx, req)
	if err != nil {
		return EnqueueOutcome{}, err
	}
	out := EnqueueOutcome{Resolution: res}

	p, err := m.GetOrCreate(ctx, req.GuildID)
	if err != nil {
		return out, err
	}

	tracks := res.Tracks
	if len(m.deps.Filters.Filters()) > 0 {
		status, err := p.Status(ctx)
		if err != nil {
			return out, err
		}
		tracks, out.Rejected, out.RejectCode = m.applyFilters(ctx, res.Tracks, viewOf(status), req.Requester.Type)
	}
	if len(tracks) == 0 {
		return out, errors.Mark(errors.Newf("all %d track(s) rejected: %s", out.Rejected, out.RejectCode), ErrRejected)
	}

	r, err := p.Enqueue(ctx, tracks, req.Requester, req.Mode)
	out.EnqueueResult = r
	if err != nil {
		return out, err
	}
	zlog.Info().Msgf("session: guild %s enqueued %d track(s) for %s (rejected=%d dropped=%d)",
		req.GuildID, r.Added, req.Requester.Name, out.Rejected, r.Dropped)
	return out, nil
}

func (m *Manager) applyFilters(ctx context.Context, tracks []track.Track, view filter.View, rt track.RequesterType) ([]track.Track, int, string) {
	accepted := make([]track.Track, 0, len(tracks))
	rejected := 0
	code := ""
	for _, t := range tracks {
		r := m.deps.Filters.Execute(ctx, t, view, rt)
		if !r.Accepted {
			rejected++
			if code == "" {
				code = r.Code
			}
			continue
		}
		accepted = append(accepted, t)
		// later tracks of the same request see the earlier ones
		view.Queued = append(view.Queued, track.QueuedTrack{Track: t})
	}
	return accepted, rejected, code
}

func viewOf(s playback.Status) filter.View {
	var v filter.View
	if s.Current != nil {
		v.Queued = append(v.Queued, *s.Current)
	}
	v.Queued = append(v.Queued, s.Pending...)
	for _, h := range s.History {
		v.Recent = append(v.Recent, h.Track)
	}
	return v
}

// Skip ends the current track of a guild.
func (m *Manager) Skip(ctx context.Context, guildID snowflake.ID) error {
	p, err := m.session(guildID)
	if err != nil {
		return err
	}
	return p.Skip(ctx)
}

// Stop ends playback of a guild and drops its pending tracks.
func (m *Manager) Stop(ctx context.Context, guildID snowflake.ID) (int, error) {
	p, err := m.session(guildID)
	if err != nil {
		return 0, err
	}
	return p.Stop(ctx)
}

// Pause holds the current track of a guild.
func (m *Manager) Pause(ctx context.Context, guildID snowflake.ID) error {
	p, err := m.session(guildID)
	if err != nil {
		return err
	}
	return p.Pause(ctx)
}

// Resume continues a paused guild.
func (m *Manager) Resume(ctx context.Context, guildID snowflake.ID) error {
	p, err := m.session(guildID)
	if err != nil {
		return err
	}
	return p.Resume(ctx)
}

// Remove drops the pending track at a 1-indexed position.
func (m *Manager) Remove(ctx context.Context, guildID snowflake.ID, position int) (track.QueuedTrack, error) {
	p, err := m.session(guildID)
	if err != nil {
		return track.QueuedTrack{}, err
	}
	return p.Remove(ctx, position)
}

// Clear drops every pending track of a guild.
func (m *Manager) Clear(ctx context.Context, guildID snowflake.ID) (int, error) {
	p, err := m.session(guildID)
	if err != nil {
		return 0, err
	}
	return p.Clear(ctx)
}

// SetMode changes one setting of a guild. Without a running session the
// stored settings are updated directly.
func (m *Manager) SetMode(ctx context.Context, guildID snowflake.ID, field, value string) (settings.Guild, error) {
	if p, ok := m.Get(guildID); ok {
		return p.SetMode(ctx, field, value)
	}
	g, err := m.loadSettings(ctx, guildID).Apply(field, value)
	if err != nil {
		return g, err
	}
	if m.deps.Store != nil {
		if err := m.deps.Store.Save(ctx, guildID, g); err != nil {
			return g, errors.Wrap(err, "failed to save settings")
		}
	}
	return g, nil
}

// Previous replays the last played track of a guild.
func (m *Manager) Previous(ctx context.Context, guildID snowflake.ID) (track.QueuedTrack, error) {
	p, err := m.session(guildID)
	if err != nil {
		return track.QueuedTrack{}, err
	}
	return p.Previous(ctx)
}

// Status returns a snapshot of a guild's session.
func (m *Manager) Status(ctx context.Context, guildID snowflake.ID) (playback.Status, error) {
	p, err := m.session(guildID)
	if err != nil {
		return playback.Status{}, err
	}
	return p.Status(ctx)
}
