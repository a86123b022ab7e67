package connect

import (
	"context"
	"net/http"
	"sync"

	"connectrpc.com/connect"
	"github.com/cockroachdb/errors"
	"github.com/disgoorg/snowflake/v2"
	zlog "github.com/rs/zerolog/log"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/osa030/djbox/internal/app/notification"
	"github.com/osa030/djbox/internal/app/playback"
	"github.com/osa030/djbox/internal/app/queue"
	"github.com/osa030/djbox/internal/app/resolver"
	"github.com/osa030/djbox/internal/app/session"
	"github.com/osa030/djbox/internal/domain/track"
	"github.com/osa030/djbox/internal/infra/fetchgate"
)

type unaryFunc func(context.Context, *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error)

// AdminOption configures an AdminService.
type AdminOption func(*AdminService)

// WithCacheStats reports cache occupancy in diagnostics.
func WithCacheStats(fn func() (entries int, bytes int64)) AdminOption {
	return func(s *AdminService) { s.cacheStats = fn }
}

// AdminService implements the AdminService RPC.
type AdminService struct {
	sessions   *session.Manager
	gate       *fetchgate.Gate
	notify     *notification.Manager
	cacheStats func() (int, int64)
}

// NewAdminService creates a new AdminService.
func NewAdminService(sessions *session.Manager, gate *fetchgate.Gate, notify *notification.Manager, opts ...AdminOption) *AdminService {
	s := &AdminService{
		sessions: sessions,
		gate:     gate,
		notify:   notify,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewAdminServiceHandler builds an HTTP handler serving every admin
// procedure and returns the path prefix to mount it on.
func NewAdminServiceHandler(svc *AdminService, opts ...connect.HandlerOption) (string, http.Handler) {
	handlers := map[string]unaryFunc{
		ListSessionsProcedure:   svc.ListSessions,
		GetStatusProcedure:      svc.GetStatus,
		GetDiagnosticsProcedure: svc.GetDiagnostics,
		EnqueueProcedure:        svc.Enqueue,
		SkipProcedure:           svc.Skip,
		StopProcedure:           svc.Stop,
		PauseProcedure:          svc.Pause,
		ResumeProcedure:         svc.Resume,
		RemoveProcedure:         svc.Remove,
		ClearProcedure:          svc.Clear,
		SetModeProcedure:        svc.SetMode,
		PreviousProcedure:       svc.Previous,
		TeardownProcedure:       svc.Teardown,
	}

	mux := http.NewServeMux()
	for _, proc := range unaryProcedures {
		mux.Handle(proc, connect.NewUnaryHandler(proc, handlers[proc], opts...))
	}
	mux.Handle(WatchEventsProcedure, connect.NewServerStreamHandler(WatchEventsProcedure, svc.WatchEvents, opts...))
	return "/" + AdminServiceName + "/", mux
}

// toConnectError maps domain errors onto RPC codes.
func toConnectError(err error) error {
	if err == nil {
		return nil
	}
	var ce *connect.Error
	if errors.As(err, &ce) {
		return ce
	}

	var qe *queue.QueueError
	var re *resolver.ResolutionError
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return connect.NewError(connect.CodeNotFound, err)
	case errors.Is(err, session.ErrRejected):
		return connect.NewError(connect.CodeFailedPrecondition, err)
	case errors.Is(err, session.ErrClosed), errors.Is(err, playback.ErrTornDown):
		return connect.NewError(connect.CodeUnavailable, err)
	case errors.Is(err, fetchgate.ErrCircuitOpen):
		return connect.NewError(connect.CodeUnavailable, err)
	case errors.Is(err, playback.ErrNotPlaying), errors.Is(err, playback.ErrNotPaused):
		return connect.NewError(connect.CodeFailedPrecondition, err)
	case errors.As(err, &qe):
		if qe.Kind == queue.PositionOutOfRange {
			return connect.NewError(connect.CodeOutOfRange, err)
		}
		return connect.NewError(connect.CodeFailedPrecondition, err)
	case errors.As(err, &re):
		switch re.Kind {
		case resolver.NotFound, resolver.TooLong:
			return connect.NewError(connect.CodeNotFound, err)
		case resolver.RateLimited:
			return connect.NewError(connect.CodeResourceExhausted, err)
		default:
			return connect.NewError(connect.CodeUnavailable, err)
		}
	case errors.Is(err, context.Canceled):
		return connect.NewError(connect.CodeCanceled, err)
	case errors.Is(err, context.DeadlineExceeded):
		return connect.NewError(connect.CodeDeadlineExceeded, err)
	default:
		return connect.NewError(connect.CodeInvalidArgument, err)
	}
}

// ListSessions lists running sessions with a short summary each.
func (s *AdminService) ListSessions(ctx context.Context, _ *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	ids := s.sessions.List()
	list := make([]any, 0, len(ids))
	for _, id := range ids {
		st, err := s.sessions.Status(ctx, id)
		if err != nil {
			// torn down between List and Status
			continue
		}
		item := map[string]any{
			"guild":   id.String(),
			"state":   st.State.String(),
			"pending": len(st.Pending),
		}
		if st.Current != nil {
			item["current"] = st.Current.Track.DisplayName()
		}
		list = append(list, item)
	}
	return newStruct(map[string]any{"sessions": list})
}

// GetStatus returns the status of one session.
func (s *AdminService) GetStatus(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	guildID, err := guildArg(req.Msg)
	if err != nil {
		return nil, err
	}
	st, err := s.sessions.Status(ctx, guildID)
	if err != nil {
		return nil, toConnectError(err)
	}
	return newStruct(statusMap(guildID, st))
}

// GetDiagnostics returns the network health view and process counters.
func (s *AdminService) GetDiagnostics(_ context.Context, _ *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	m := map[string]any{
		"sessions": len(s.sessions.List()),
	}
	if s.gate != nil {
		m["network"] = s.gate.Snapshot().Map()
	}
	if s.notify != nil {
		m["subscribers"] = s.notify.SubscriberCount()
		m["notifications_dropped"] = float64(s.notify.Dropped())
	}
	if s.cacheStats != nil {
		entries, bytes := s.cacheStats()
		m["cache_entries"] = entries
		m["cache_bytes"] = float64(bytes)
	}
	return newStruct(m)
}

// Enqueue resolves a query and adds it to a session.
func (s *AdminService) Enqueue(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	guildID, err := guildArg(req.Msg)
	if err != nil {
		return nil, err
	}
	query := stringArg(req.Msg, fieldQuery)
	if query == "" {
		return nil, invalid("missing %s", fieldQuery)
	}
	mode, ok := track.ParseInsertMode(stringArg(req.Msg, fieldMode))
	if !ok {
		return nil, invalid("invalid %s %q", fieldMode, stringArg(req.Msg, fieldMode))
	}
	name := stringArg(req.Msg, fieldRequester)
	if name == "" {
		name = "admin"
	}

	out, err := s.sessions.Enqueue(ctx, track.Request{
		Query:     query,
		Requester: track.Requester{ID: "admin", Name: name, Type: track.RequesterTypeAdmin},
		GuildID:   guildID,
		Mode:      mode,
	})
	if err != nil {
		return nil, toConnectError(err)
	}

	m := map[string]any{
		"added":    out.Added,
		"dropped":  out.Dropped,
		"position": out.Position,
		"started":  out.Started,
		"rejected": out.Rejected,
	}
	if out.RejectCode != "" {
		m["reject_code"] = out.RejectCode
	}
	if res := out.Resolution; res != nil {
		m["title"] = res.Title
		m["truncated"] = res.Truncated
		m["unmatched"] = res.Unmatched
		m["skipped"] = res.Skipped
		if len(res.Tracks) > 0 {
			m["first"] = trackMap(res.Tracks[0])
		}
	}
	return newStruct(m)
}

// guildCall runs a guild intent with no payload.
func (s *AdminService) guildCall(ctx context.Context, req *connect.Request[structpb.Struct], fn func(context.Context, snowflake.ID) error) (*connect.Response[structpb.Struct], error) {
	guildID, err := guildArg(req.Msg)
	if err != nil {
		return nil, err
	}
	if err := fn(ctx, guildID); err != nil {
		return nil, toConnectError(err)
	}
	return newStruct(map[string]any{"ok": true})
}

// Skip skips the current track.
func (s *AdminService) Skip(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	return s.guildCall(ctx, req, s.sessions.Skip)
}

// Pause pauses the session.
func (s *AdminService) Pause(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	return s.guildCall(ctx, req, s.sessions.Pause)
}

// Resume resumes the session.
func (s *AdminService) Resume(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	return s.guildCall(ctx, req, s.sessions.Resume)
}

// Stop stops playback and drops pending tracks.
func (s *AdminService) Stop(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	guildID, err := guildArg(req.Msg)
	if err != nil {
		return nil, err
	}
	n, err := s.sessions.Stop(ctx, guildID)
	if err != nil {
		return nil, toConnectError(err)
	}
	return newStruct(map[string]any{"dropped": n})
}

// Clear drops pending tracks.
func (s *AdminService) Clear(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	guildID, err := guildArg(req.Msg)
	if err != nil {
		return nil, err
	}
	n, err := s.sessions.Clear(ctx, guildID)
	if err != nil {
		return nil, toConnectError(err)
	}
	return newStruct(map[string]any{"dropped": n})
}

// Remove drops one pending track.
func (s *AdminService) Remove(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	guildID, err := guildArg(req.Msg)
	if err != nil {
		return nil, err
	}
	pos, err := intArg(req.Msg, fieldPosition)
	if err != nil {
		return nil, err
	}
	removed, err := s.sessions.Remove(ctx, guildID, pos)
	if err != nil {
		return nil, toConnectError(err)
	}
	return newStruct(map[string]any{"removed": queuedMap(removed)})
}

// SetMode changes one guild setting.
func (s *AdminService) SetMode(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	guildID, err := guildArg(req.Msg)
	if err != nil {
		return nil, err
	}
	field := stringArg(req.Msg, fieldField)
	if field == "" {
		return nil, invalid("missing %s", fieldField)
	}
	g, err := s.sessions.SetMode(ctx, guildID, field, stringArg(req.Msg, fieldValue))
	if err != nil {
		return nil, toConnectError(err)
	}
	return newStruct(map[string]any{"settings": settingsMap(g)})
}

// Previous replays the last played track.
func (s *AdminService) Previous(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	guildID, err := guildArg(req.Msg)
	if err != nil {
		return nil, err
	}
	qt, err := s.sessions.Previous(ctx, guildID)
	if err != nil {
		return nil, toConnectError(err)
	}
	return newStruct(map[string]any{"track": queuedMap(qt)})
}

// Teardown ends a session.
func (s *AdminService) Teardown(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	reason := stringArg(req.Msg, fieldReason)
	if reason == "" {
		reason = "admin"
	}
	return s.guildCall(ctx, req, func(ctx context.Context, id snowflake.ID) error {
		return s.sessions.Teardown(ctx, id, reason)
	})
}

// WatchEvents streams session events. The stream opens with one
// "initial_state" message per watched session. Without a guild every
// session is watched.
func (s *AdminService) WatchEvents(ctx context.Context, req *connect.Request[structpb.Struct], stream *connect.ServerStream[structpb.Struct]) error {
	if s.notify == nil {
		return connect.NewError(connect.CodeUnimplemented, errors.New("notifications are disabled"))
	}
	var guildID snowflake.ID
	if _, ok := fields(req.Msg)[fieldGuild]; ok {
		id, err := guildArg(req.Msg)
		if err != nil {
			return err
		}
		guildID = id
	}

	adapter := &notificationStreamAdapter{stream: stream}
	subscriptionID := s.notify.Subscribe(guildID, adapter)
	defer func() {
		s.notify.Unsubscribe(subscriptionID)
		adapter.close()
	}()

	guilds := s.sessions.List()
	if guildID != 0 {
		guilds = []snowflake.ID{guildID}
	}
	for _, id := range guilds {
		st, err := s.sessions.Status(ctx, id)
		if err != nil {
			continue
		}
		initial := map[string]any{
			"type":        "initial_state",
			"sequence_no": float64(s.notify.NextSequenceNo()),
			"status":      statusMap(id, st),
		}
		msg, err := structpb.NewStruct(initial)
		if err != nil {
			return connect.NewError(connect.CodeInternal, err)
		}
		if err := adapter.send(msg); err != nil {
			return err
		}
	}
	zlog.Debug().Msgf("api: watch %s opened (guild=%s)", subscriptionID, guildID)

	<-ctx.Done()
	zlog.Debug().Msgf("api: watch %s closed", subscriptionID)
	return nil
}

// notificationStreamAdapter adapts connect.ServerStream to
// notification.Stream. Sends are serialized and refused once the RPC has
// returned.
type notificationStreamAdapter struct {
	mu     sync.Mutex
	stream *connect.ServerStream[structpb.Struct]
	closed bool
}

func (a *notificationStreamAdapter) Send(n *notification.Notification) error {
	msg, err := structpb.NewStruct(eventMap(n.ID, n.SequenceNo, n.Event))
	if err != nil {
		return err
	}
	return a.send(msg)
}

func (a *notificationStreamAdapter) send(msg *structpb.Struct) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return errors.New("stream closed")
	}
	return a.stream.Send(msg)
}

func (a *notificationStreamAdapter) close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
}
