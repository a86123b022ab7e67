package connect

import (
	"time"

	"connectrpc.com/connect"
	"github.com/cockroachdb/errors"
	"github.com/disgoorg/snowflake/v2"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/osa030/djbox/internal/app/playback"
	"github.com/osa030/djbox/internal/domain/settings"
	"github.com/osa030/djbox/internal/domain/track"
)

// Request field names.
const (
	fieldGuild     = "guild"
	fieldQuery     = "query"
	fieldMode      = "mode"
	fieldRequester = "requester"
	fieldPosition  = "position"
	fieldField     = "field"
	fieldValue     = "value"
	fieldReason    = "reason"
)

func invalid(format string, args ...any) error {
	return connect.NewError(connect.CodeInvalidArgument, errors.Newf(format, args...))
}

func fields(msg *structpb.Struct) map[string]*structpb.Value {
	if msg == nil {
		return nil
	}
	return msg.GetFields()
}

// guildArg reads the guild ID, sent as a string to keep 64-bit precision.
func guildArg(msg *structpb.Struct) (snowflake.ID, error) {
	v, ok := fields(msg)[fieldGuild]
	if !ok {
		return 0, invalid("missing %s", fieldGuild)
	}
	switch k := v.GetKind().(type) {
	case *structpb.Value_StringValue:
		id, err := snowflake.Parse(k.StringValue)
		if err != nil || id == 0 {
			return 0, invalid("invalid %s %q", fieldGuild, k.StringValue)
		}
		return id, nil
	case *structpb.Value_NumberValue:
		if k.NumberValue <= 0 {
			return 0, invalid("invalid %s %v", fieldGuild, k.NumberValue)
		}
		return snowflake.ID(k.NumberValue), nil
	default:
		return 0, invalid("invalid %s", fieldGuild)
	}
}

func stringArg(msg *structpb.Struct, name string) string {
	return fields(msg)[name].GetStringValue()
}

func intArg(msg *structpb.Struct, name string) (int, error) {
	v, ok := fields(msg)[name]
	if !ok {
		return 0, invalid("missing %s", name)
	}
	n := v.GetNumberValue()
	if n != float64(int(n)) {
		return 0, invalid("%s must be an integer", name)
	}
	return int(n), nil
}

func newStruct(m map[string]any) (*connect.Response[structpb.Struct], error) {
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, errors.Wrap(err, "failed to encode response"))
	}
	return connect.NewResponse(s), nil
}

func seconds(d time.Duration) float64 {
	return d.Round(time.Millisecond).Seconds()
}

func trackMap(t track.Track) map[string]any {
	return map[string]any{
		"id":       t.ID,
		"title":    t.Title,
		"artist":   t.Artist,
		"duration": seconds(t.Duration),
		"url":      t.URL,
		"kind":     string(t.Kind),
	}
}

func queuedMap(qt track.QueuedTrack) map[string]any {
	m := trackMap(qt.Track)
	m["requester"] = qt.Requester.Name
	m["requester_type"] = string(qt.Requester.Type)
	if !qt.AddedAt.IsZero() {
		m["added_at"] = qt.AddedAt.Format(time.RFC3339)
	}
	return m
}

func queuedList(items []track.QueuedTrack) []any {
	out := make([]any, len(items))
	for i, qt := range items {
		out[i] = queuedMap(qt)
	}
	return out
}

func settingsMap(g settings.Guild) map[string]any {
	return map[string]any{
		settings.FieldLoop:                  g.Loop.String(),
		settings.FieldShuffle:               g.Shuffle.String(),
		settings.FieldAutoplay:              g.Autoplay,
		settings.FieldAutoDisconnect:        g.AutoDisconnectEnabled,
		settings.FieldAutoDisconnectMinutes: g.AutoDisconnectMinutes,
		settings.FieldWarnMinutes:           g.WarnMinutes,
	}
}

func statusMap(guildID snowflake.ID, s playback.Status) map[string]any {
	m := map[string]any{
		"guild":      guildID.String(),
		"state":      s.State.String(),
		"elapsed":    seconds(s.Elapsed),
		"pending":    queuedList(s.Pending),
		"history":    queuedList(s.History),
		"settings":   settingsMap(s.Settings),
		"idle_armed": s.IdleArmed,
	}
	if s.PauseReason != playback.PauseNone {
		m["pause_reason"] = s.PauseReason.String()
	}
	if s.Current != nil {
		m["current"] = queuedMap(*s.Current)
	}
	if s.LastError != "" {
		m["last_error"] = s.LastError
	}
	return m
}

func eventMap(id string, seq uint64, e playback.Event) map[string]any {
	m := map[string]any{
		"id":          id,
		"sequence_no": float64(seq),
		"type":        e.Type.String(),
		"guild":       e.GuildID.String(),
		"at":          e.At.Format(time.RFC3339Nano),
		"state":       e.State.String(),
	}
	if e.Track != nil {
		m["track"] = queuedMap(*e.Track)
	}
	if e.Reason != "" {
		m["reason"] = e.Reason
	}
	if e.Err != nil {
		m["error"] = e.Err.Error()
	}
	switch e.Type {
	case playback.EventQueueChanged:
		m["pending"] = e.Pending
	case playback.EventSessionIdleWarning:
		m["remaining"] = seconds(e.Remaining)
	case playback.EventSettingsChanged:
		if e.Settings != nil {
			m["settings"] = settingsMap(*e.Settings)
		}
	}
	return m
}
