// Package realtime implements the per-connection session: the lifecycle
// state machine from handshake to close, the receive loop that turns client
// frames into store mutations and broadcasts, and the heartbeat loop that
// keeps presence fresh.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MarcelBag/TuChati/auth"
	"github.com/MarcelBag/TuChati/bus"
	"github.com/MarcelBag/TuChati/messagelog"
	"github.com/MarcelBag/TuChati/pkg/otelhelper"
	"github.com/MarcelBag/TuChati/presence"
	"github.com/MarcelBag/TuChati/rooms"
)

// ErrNotParticipant is returned by Run when the authenticated user is not a
// member of the requested room.
var ErrNotParticipant = errors.New("realtime: not a participant")

// State is a session's position in its lifecycle. States are never
// re-entered; Closed is terminal.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateJoiningRoom
	StateActive
	StateDisconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateJoiningRoom:
		return "joining"
	case StateActive:
		return "active"
	case StateDisconnecting:
		return "disconnecting"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

const (
	DefaultHistoryLimit      = 20
	DefaultHeartbeatInterval = 30 * time.Second

	egressBuffer = 64
)

// Config tunes per-session behavior; zero values select the defaults.
type Config struct {
	HistoryLimit      int
	HeartbeatInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = DefaultHistoryLimit
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	return c
}

// Deps are the collaborators a session drives. Registry is optional.
type Deps struct {
	Auth     auth.Authenticator
	Rooms    rooms.Directory
	Log      messagelog.Log
	Presence presence.Store
	Bus      bus.Bus
	Registry *Registry
}

var (
	rtMeter          = otel.Meter("tuchati-realtime")
	sessionCounter   metric.Int64Counter
	rejectCounter    metric.Int64Counter
	frameInCounter   metric.Int64Counter
	frameOutCounter  metric.Int64Counter
	egressDropCount  metric.Int64Counter
	joinDuration     metric.Float64Histogram
	sessionMeterOnce sync.Once
)

func initSessionMetrics() {
	sessionMeterOnce.Do(func() {
		sessionCounter, _ = rtMeter.Int64Counter("realtime_sessions_total",
			metric.WithDescription("Total sessions that reached the active state"))
		rejectCounter, _ = rtMeter.Int64Counter("realtime_rejections_total",
			metric.WithDescription("Total connections rejected before activation"))
		frameInCounter, _ = rtMeter.Int64Counter("realtime_frames_in_total",
			metric.WithDescription("Total inbound client frames by type"))
		frameOutCounter, _ = rtMeter.Int64Counter("realtime_frames_out_total",
			metric.WithDescription("Total frames written to clients"))
		egressDropCount, _ = rtMeter.Int64Counter("realtime_egress_drops_total",
			metric.WithDescription("Total outbound frames dropped because a client fell behind"))
		joinDuration, _ = otelhelper.NewDurationHistogram(rtMeter, "realtime_join_duration_seconds",
			"Time from handshake to active state")
	})
}

// Session owns one live client connection.
type Session struct {
	id         string
	roomID     string
	token      string
	deviceHint string

	userID   string
	username string
	joinedAt time.Time

	conn  Conn
	deps  Deps
	cfg   Config
	state atomic.Int32

	egress      chan []byte
	egressOnce  sync.Once
	writerDone  chan struct{}
	writeFailed atomic.Bool
}

// NewSession wraps an accepted transport. The handshake is already accepted
// at this point; authentication and membership are validated inside Run.
func NewSession(conn Conn, roomID, token, deviceHint string, deps Deps, cfg Config) *Session {
	initSessionMetrics()
	return &Session{
		id:         uuid.NewString(),
		roomID:     roomID,
		token:      token,
		deviceHint: deviceHint,
		conn:       conn,
		deps:       deps,
		cfg:        cfg.withDefaults(),
		egress:     make(chan []byte, egressBuffer),
		writerDone: make(chan struct{}),
	}
}

func (s *Session) ID() string          { return s.id }
func (s *Session) UserID() string      { return s.userID }
func (s *Session) Username() string    { return s.username }
func (s *Session) RoomID() string      { return s.roomID }
func (s *Session) JoinedAt() time.Time { return s.joinedAt }

func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// Run drives the session from authentication to close and returns when the
// connection is gone. Disconnect bookkeeping runs exactly once on every exit
// path, including abnormal transport failures.
func (s *Session) Run(ctx context.Context) error {
	start := time.Now()
	s.setState(StateAuthenticating)
	go s.writer()

	identity, err := s.deps.Auth.Authenticate(ctx, s.token)
	if err != nil {
		s.reject("unauthenticated", CloseUnauthenticated, "unauthenticated")
		return fmt.Errorf("authenticate: %w", err)
	}
	s.userID = identity.UserID
	s.username = identity.Username

	s.setState(StateJoiningRoom)
	member, err := s.deps.Rooms.IsParticipant(ctx, s.userID, s.roomID)
	if err != nil {
		slog.WarnContext(ctx, "Membership lookup failed, rejecting", "user", s.userID, "room", s.roomID, "error", err)
	}
	if err != nil || !member {
		s.reject("not_participant", CloseNotParticipant, "not a participant")
		return ErrNotParticipant
	}

	roomSub, err := s.deps.Bus.Subscribe(bus.RoomGroup(s.roomID))
	if err != nil {
		s.reject("subscribe_failed", CloseNormal, "internal error")
		return fmt.Errorf("subscribe room group: %w", err)
	}
	userSub, err := s.deps.Bus.Subscribe(bus.UserGroup(s.userID))
	if err != nil {
		roomSub.Unsubscribe()
		s.reject("subscribe_failed", CloseNormal, "internal error")
		return fmt.Errorf("subscribe user group: %w", err)
	}

	if st, err := s.deps.Presence.Connect(ctx, s.userID, s.id, s.deviceHint); err != nil {
		slog.WarnContext(ctx, "Presence connect failed", "user", s.userID, "error", err)
	} else {
		s.publish(ctx, bus.RoomGroup(s.roomID), encodePresence("online", s.userID, s.username, st.LastSeen))
	}

	if affected, err := s.deps.Log.MarkAllDelivered(ctx, s.roomID, s.userID); err != nil {
		slog.WarnContext(ctx, "Auto-deliver on join failed", "user", s.userID, "room", s.roomID, "error", err)
	} else if len(affected) > 0 {
		s.publish(ctx, bus.RoomGroup(s.roomID), encodeDelivery("delivered", s.roomID, s.userID, affected))
	}

	if history, err := s.deps.Log.Recent(ctx, s.roomID, s.cfg.HistoryLimit); err != nil {
		slog.WarnContext(ctx, "History load failed", "room", s.roomID, "error", err)
	} else {
		s.send(encodeHistory(history))
	}

	hbCtx, hbCancel := context.WithCancel(ctx)
	hbDone := make(chan struct{})
	go s.heartbeat(hbCtx, hbDone)

	pumpCtx, pumpCancel := context.WithCancel(ctx)
	pumpDone := make(chan struct{})
	go s.pump(pumpCtx, roomSub, userSub, pumpDone)

	s.joinedAt = time.Now().UTC()
	s.setState(StateActive)
	if s.deps.Registry != nil {
		s.deps.Registry.add(s)
		defer s.deps.Registry.remove(s.id)
	}
	sessionCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("room", s.roomID)))
	joinDuration.Record(ctx, time.Since(start).Seconds())
	slog.InfoContext(ctx, "Session active", "connId", s.id, "user", s.userID, "room", s.roomID)

	for {
		data, err := s.conn.ReadMessage()
		if err != nil {
			break
		}
		s.handleInbound(ctx, ParseInbound(data))
	}

	// Disconnect bookkeeping. Each step is best-effort; one failing must not
	// block the rest. The heartbeat stops first so no late online
	// announcement can follow the offline broadcast.
	s.setState(StateDisconnecting)
	hbCancel()
	<-hbDone

	if err := roomSub.Unsubscribe(); err != nil {
		slog.Warn("Room unsubscribe failed", "connId", s.id, "error", err)
	}
	if err := userSub.Unsubscribe(); err != nil {
		slog.Warn("User unsubscribe failed", "connId", s.id, "error", err)
	}
	pumpCancel()
	<-pumpDone

	dctx := context.Background()
	if st, wentOffline, err := s.deps.Presence.Disconnect(dctx, s.userID, s.id); err != nil {
		slog.Warn("Presence disconnect failed", "user", s.userID, "error", err)
	} else if wentOffline {
		s.publish(dctx, bus.RoomGroup(s.roomID), encodePresence("offline", s.userID, s.username, st.LastSeen))
	}

	s.closeEgress()
	<-s.writerDone
	s.conn.Close(CloseNormal, "")
	s.setState(StateClosed)
	slog.Info("Session closed", "connId", s.id, "user", s.userID, "room", s.roomID)
	return nil
}

// reject sends one explanatory error frame, then closes with the given code.
// Used before activation only; no group subscription or presence record
// exists yet on these paths (subscriptions are released by the caller).
func (s *Session) reject(cause string, code int, message string) {
	s.setState(StateDisconnecting)
	s.send(encodeError(message))
	s.closeEgress()
	<-s.writerDone
	s.conn.Close(code, message)
	s.setState(StateClosed)
	rejectCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("cause", cause)))
}

func (s *Session) handleInbound(ctx context.Context, ev Inbound) {
	frameInCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("type", ev.Type)))

	switch ev.Type {
	case "message":
		content := strings.TrimSpace(ev.Content)
		if content == "" {
			return
		}
		msg, err := s.deps.Log.Append(ctx, s.roomID, s.userID, content, ev.ReplyTo)
		if err != nil {
			slog.WarnContext(ctx, "Message append failed", "user", s.userID, "room", s.roomID, "error", err)
			return
		}
		s.publish(ctx, bus.RoomGroup(s.roomID), encodeMessage(msg, s.username, ev.ClientID))

	case "typing", "stopped_typing":
		s.publish(ctx, bus.RoomGroup(s.roomID), encodeTyping(ev.Type, s.roomID, s.userID, s.username))

	case "delivered":
		if len(ev.IDs) == 0 {
			return
		}
		affected, err := s.deps.Log.MarkDelivered(ctx, s.roomID, ev.IDs, s.userID)
		if err != nil {
			slog.WarnContext(ctx, "Mark delivered failed", "user", s.userID, "error", err)
			return
		}
		if len(affected) > 0 {
			s.publish(ctx, bus.RoomGroup(s.roomID), encodeDelivery("delivered", s.roomID, s.userID, affected))
		}

	case "read":
		if len(ev.IDs) == 0 {
			return
		}
		affected, err := s.deps.Log.MarkRead(ctx, s.roomID, ev.IDs, s.userID)
		if err != nil {
			slog.WarnContext(ctx, "Mark read failed", "user", s.userID, "error", err)
			return
		}
		if len(affected) > 0 {
			s.publish(ctx, bus.RoomGroup(s.roomID), encodeDelivery("read", s.roomID, s.userID, affected))
		}

	case "focus":
		affected, err := s.deps.Log.MarkAllRead(ctx, s.roomID, s.userID)
		if err != nil {
			slog.WarnContext(ctx, "Focus bulk read failed", "user", s.userID, "error", err)
			return
		}
		// Broadcast even when nothing changed: the empty frame is the
		// focus marker other clients key off.
		s.publish(ctx, bus.RoomGroup(s.roomID), encodeDelivery("read", s.roomID, s.userID, affected))

	case "reaction":
		if ev.MessageID == "" {
			return
		}
		s.publish(ctx, bus.RoomGroup(s.roomID), encodeReaction(s.roomID, ev.MessageID, ev.Emoji, s.userID, ev.Op))

	case "ping":
		s.send(pongPayload)

	default:
		// Unknown types are ignored for forward compatibility.
	}
}

// heartbeat periodically refreshes presence and re-announces online status.
// Cancellation is checked once per tick, never mid-mutation.
func (s *Session) heartbeat(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st, err := s.deps.Presence.Heartbeat(ctx, s.userID, s.id)
			if err != nil {
				slog.Warn("Heartbeat refresh failed", "user", s.userID, "error", err)
				continue
			}
			s.publish(ctx, bus.RoomGroup(s.roomID), encodePresence("online", s.userID, s.username, st.LastSeen))
		}
	}
}

// pump forwards bus events to the client, dropping typing signals that
// originated from this session's own user.
func (s *Session) pump(ctx context.Context, roomSub, userSub bus.Subscription, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-roomSub.Events():
			if !ok {
				return
			}
			s.forward(ev.Payload)
		case ev, ok := <-userSub.Events():
			if !ok {
				return
			}
			s.forward(ev.Payload)
		}
	}
}

func (s *Session) forward(payload []byte) {
	if isOwnTyping(payload, s.userID) {
		return
	}
	s.send(payload)
}

// send enqueues one outbound frame without blocking; a client that cannot
// keep up loses frames rather than stalling the bus.
func (s *Session) send(payload []byte) {
	select {
	case s.egress <- payload:
	default:
		egressDropCount.Add(context.Background(), 1, metric.WithAttributes(attribute.String("room", s.roomID)))
	}
}

func (s *Session) writer() {
	defer close(s.writerDone)
	for payload := range s.egress {
		if s.writeFailed.Load() {
			continue
		}
		if err := s.conn.WriteMessage(payload); err != nil {
			s.writeFailed.Store(true)
			continue
		}
		frameOutCounter.Add(context.Background(), 1)
	}
}

func (s *Session) closeEgress() {
	s.egressOnce.Do(func() { close(s.egress) })
}

func (s *Session) publish(ctx context.Context, group string, payload []byte) {
	if err := s.deps.Bus.Publish(ctx, group, payload); err != nil {
		slog.WarnContext(ctx, "Bus publish failed", "group", group, "error", err)
	}
}

// CloseConn closes the underlying transport, which makes the receive loop
// return and routes the session through its normal disconnect path.
func (s *Session) CloseConn(code int, reason string) {
	s.conn.Close(code, reason)
}
