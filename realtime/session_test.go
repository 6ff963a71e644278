package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/MarcelBag/TuChati/auth"
	"github.com/MarcelBag/TuChati/bus"
	"github.com/MarcelBag/TuChati/messagelog"
	"github.com/MarcelBag/TuChati/presence"
	"github.com/MarcelBag/TuChati/rooms"
)

// fakeConn is a scripted transport: tests push inbound frames and observe
// written ones.
type fakeConn struct {
	mu          sync.Mutex
	inbound     chan []byte
	writeCh     chan []byte
	closed      chan struct{}
	closeOnce   sync.Once
	inputOnce   sync.Once
	closeCode   int
	closeReason string
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 16),
		writeCh: make(chan []byte, 256),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data, ok := <-c.inbound:
		if !ok {
			return nil, io.EOF
		}
		return data, nil
	case <-c.closed:
		return nil, io.EOF
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	select {
	case <-c.closed:
		return io.ErrClosedPipe
	default:
	}
	c.writeCh <- data
	return nil
}

func (c *fakeConn) Close(code int, reason string) error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeCode = code
		c.closeReason = reason
		c.mu.Unlock()
		close(c.closed)
	})
	return nil
}

func (c *fakeConn) closedWith() (int, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode, c.closeReason
}

// push delivers a frame as if the client sent it.
func (c *fakeConn) push(frame string) {
	c.inbound <- []byte(frame)
}

// hangUp simulates a client-side transport close.
func (c *fakeConn) hangUp() {
	c.inputOnce.Do(func() { close(c.inbound) })
}

// waitFrame reads written frames until one of the wanted type appears.
func (c *fakeConn) waitFrame(t *testing.T, typ string) map[string]any {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case data := <-c.writeCh:
			var m map[string]any
			if err := json.Unmarshal(data, &m); err != nil {
				t.Fatalf("client received invalid JSON %q: %v", data, err)
			}
			if m["type"] == typ {
				return m
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q frame", typ)
		}
	}
}

// expectNoFrame asserts that no frame of the given type arrives for a while.
func (c *fakeConn) expectNoFrame(t *testing.T, typ string) {
	t.Helper()
	deadline := time.After(100 * time.Millisecond)
	for {
		select {
		case data := <-c.writeCh:
			var m map[string]any
			json.Unmarshal(data, &m)
			if m["type"] == typ {
				t.Fatalf("received unexpected %q frame: %s", typ, data)
			}
		case <-deadline:
			return
		}
	}
}

type fakeAuth map[string]auth.Identity

func (a fakeAuth) Authenticate(ctx context.Context, token string) (auth.Identity, error) {
	id, ok := a[token]
	if !ok {
		return auth.Identity{}, auth.ErrUnauthenticated
	}
	return id, nil
}

type testEnv struct {
	bus      *bus.Memory
	log      *messagelog.Memory
	presence *presence.Memory
	rooms    *rooms.Memory
	registry *Registry
	auth     fakeAuth
}

func newTestEnv() *testEnv {
	e := &testEnv{
		bus:      bus.NewMemory(64),
		log:      messagelog.NewMemory(),
		presence: presence.NewMemory(),
		rooms:    rooms.NewMemory(),
		registry: NewRegistry(),
		auth: fakeAuth{
			"tok-alice": {UserID: "alice", Username: "Alice"},
			"tok-bob":   {UserID: "bob", Username: "Bob"},
		},
	}
	e.rooms.Put(rooms.Room{ID: "r1", IsGroup: true, Participants: []string{"alice", "bob"}, Admins: []string{"alice"}})
	return e
}

func (e *testEnv) deps() Deps {
	return Deps{
		Auth:     e.auth,
		Rooms:    e.rooms,
		Log:      e.log,
		Presence: e.presence,
		Bus:      e.bus,
		Registry: e.registry,
	}
}

func startSession(t *testing.T, e *testEnv, conn *fakeConn, roomID, token string, cfg Config) (*Session, chan error) {
	t.Helper()
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = time.Hour // keep heartbeats out of the way unless a test wants them
	}
	s := NewSession(conn, roomID, token, "test", e.deps(), cfg)
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(context.Background()) }()
	return s, errCh
}

func waitActive(t *testing.T, s *Session) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == StateActive {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("session never became active, stuck in %s", s.State())
}

func waitErr(t *testing.T, errCh chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("session did not finish")
		return nil
	}
}

func TestUnauthenticatedRejection(t *testing.T) {
	e := newTestEnv()
	conn := newFakeConn()

	s, errCh := startSession(t, e, conn, "r1", "bad-token", Config{})

	frame := conn.waitFrame(t, "error")
	if frame["message"] == "" {
		t.Error("error frame carries no message")
	}
	if err := waitErr(t, errCh); !errors.Is(err, auth.ErrUnauthenticated) {
		t.Errorf("Run returned %v, want ErrUnauthenticated", err)
	}
	if code, _ := conn.closedWith(); code != CloseUnauthenticated {
		t.Errorf("close code = %d, want %d", code, CloseUnauthenticated)
	}
	if s.State() != StateClosed {
		t.Errorf("state = %s, want closed", s.State())
	}

	// No side effects: no subscriptions, presence untouched.
	if n := e.bus.GroupSize(bus.RoomGroup("r1")); n != 0 {
		t.Errorf("room group has %d subscribers after rejection", n)
	}
	if st, _ := e.presence.Get(context.Background(), "alice"); st.Online || !st.LastSeen.IsZero() {
		t.Errorf("presence touched by rejected connection: %+v", st)
	}
}

func TestNonParticipantRejection(t *testing.T) {
	e := newTestEnv()
	e.auth["tok-mallory"] = auth.Identity{UserID: "mallory", Username: "Mallory"}
	conn := newFakeConn()

	_, errCh := startSession(t, e, conn, "r1", "tok-mallory", Config{})

	conn.waitFrame(t, "error")
	if err := waitErr(t, errCh); !errors.Is(err, ErrNotParticipant) {
		t.Errorf("Run returned %v, want ErrNotParticipant", err)
	}
	if code, _ := conn.closedWith(); code != CloseNotParticipant {
		t.Errorf("close code = %d, want %d", code, CloseNotParticipant)
	}
	if st, _ := e.presence.Get(context.Background(), "mallory"); st.Online || !st.LastSeen.IsZero() {
		t.Errorf("presence touched by rejected connection: %+v", st)
	}
	if n := e.bus.GroupSize(bus.RoomGroup("r1")); n != 0 {
		t.Errorf("room group has %d subscribers after rejection", n)
	}
}

func TestJoinSideEffects(t *testing.T) {
	e := newTestEnv()
	ctx := context.Background()
	m1, _ := e.log.Append(ctx, "r1", "alice", "first", "")
	m2, _ := e.log.Append(ctx, "r1", "alice", "second", "")

	obs, _ := e.bus.Subscribe(bus.RoomGroup("r1"))
	defer obs.Unsubscribe()

	conn := newFakeConn()
	s, errCh := startSession(t, e, conn, "r1", "tok-bob", Config{})
	waitActive(t, s)

	// Presence flipped online and broadcast.
	if st, _ := e.presence.Get(ctx, "bob"); !st.Online {
		t.Error("user not online after join")
	}
	waitBusFrame(t, obs, "presence")

	// Every pending message was auto-delivered and the transition broadcast.
	delivery := waitBusFrame(t, obs, "delivery")
	if delivery["status"] != "delivered" || delivery["user_id"] != "bob" {
		t.Errorf("delivery frame = %v", delivery)
	}
	if ids := delivery["ids"].([]any); len(ids) != 2 {
		t.Errorf("auto-delivery covered %d messages, want 2", len(ids))
	}

	// History arrives sorted, oldest first.
	history := conn.waitFrame(t, "history")
	msgs := history["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("history has %d messages, want 2", len(msgs))
	}
	first := msgs[0].(map[string]any)
	second := msgs[1].(map[string]any)
	if first["id"] != m1.ID || second["id"] != m2.ID {
		t.Errorf("history order = [%v %v], want [%v %v]", first["id"], second["id"], m1.ID, m2.ID)
	}

	conn.hangUp()
	waitErr(t, errCh)
}

func TestRejoinAutoDeliveryIdempotent(t *testing.T) {
	e := newTestEnv()
	ctx := context.Background()
	e.log.Append(ctx, "r1", "alice", "hello", "")

	conn1 := newFakeConn()
	s1, errCh1 := startSession(t, e, conn1, "r1", "tok-bob", Config{})
	waitActive(t, s1)
	conn1.hangUp()
	waitErr(t, errCh1)

	obs, _ := e.bus.Subscribe(bus.RoomGroup("r1"))
	defer obs.Unsubscribe()

	conn2 := newFakeConn()
	s2, errCh2 := startSession(t, e, conn2, "r1", "tok-bob", Config{})
	waitActive(t, s2)
	conn2.waitFrame(t, "history")

	// Second join must not re-broadcast delivery for already-delivered ids.
	expectNoBusFrame(t, obs, "delivery")

	msgs, _ := e.log.Recent(ctx, "r1", 10)
	if got := len(msgs[0].DeliveredTo); got != 1 {
		t.Errorf("delivered_to cardinality = %d after rejoin, want 1", got)
	}

	conn2.hangUp()
	waitErr(t, errCh2)
}

func TestMessageFanout(t *testing.T) {
	e := newTestEnv()

	connA := newFakeConn()
	sA, errA := startSession(t, e, connA, "r1", "tok-alice", Config{})
	connB := newFakeConn()
	sB, errB := startSession(t, e, connB, "r1", "tok-bob", Config{})
	waitActive(t, sA)
	waitActive(t, sB)

	connA.push(`{"type":"message","content":"hi","_client_id":"tmp-42"}`)

	frame := connB.waitFrame(t, "message")
	if frame["content"] != "hi" {
		t.Errorf("content = %v", frame["content"])
	}
	if frame["sender_id"] != "alice" {
		t.Errorf("sender_id = %v", frame["sender_id"])
	}
	if id, _ := frame["id"].(string); id == "" {
		t.Error("broadcast message has no server-assigned id")
	}

	// The sender gets the same frame back, with the client id echoed so it
	// can merge its optimistic bubble.
	own := connA.waitFrame(t, "message")
	if own["_client_id"] != "tmp-42" {
		t.Errorf("_client_id = %v, want tmp-42", own["_client_id"])
	}
	// Fresh messages carry empty recipient sets: the sender never sees
	// delivery status for itself.
	if ids := own["delivered_to"].([]any); len(ids) != 0 {
		t.Errorf("delivered_to = %v on fresh broadcast, want empty", ids)
	}

	connA.hangUp()
	connB.hangUp()
	waitErr(t, errA)
	waitErr(t, errB)
}

func TestEmptyMessageIgnored(t *testing.T) {
	e := newTestEnv()
	conn := newFakeConn()
	s, errCh := startSession(t, e, conn, "r1", "tok-alice", Config{})
	waitActive(t, s)

	conn.push(`{"type":"message","content":"   "}`)
	conn.expectNoFrame(t, "message")

	msgs, _ := e.log.Recent(context.Background(), "r1", 10)
	if len(msgs) != 0 {
		t.Errorf("blank message stored: %v", msgs)
	}

	conn.hangUp()
	waitErr(t, errCh)
}

func TestMalformedFrameDegradesToMessage(t *testing.T) {
	e := newTestEnv()
	connA := newFakeConn()
	sA, errA := startSession(t, e, connA, "r1", "tok-alice", Config{})
	connB := newFakeConn()
	sB, errB := startSession(t, e, connB, "r1", "tok-bob", Config{})
	waitActive(t, sA)
	waitActive(t, sB)

	connA.push(`this is not json`)

	frame := connB.waitFrame(t, "message")
	if frame["content"] != "this is not json" {
		t.Errorf("content = %v, want the raw payload", frame["content"])
	}

	connA.hangUp()
	connB.hangUp()
	waitErr(t, errA)
	waitErr(t, errB)
}

func TestUnknownTypeIgnored(t *testing.T) {
	e := newTestEnv()
	obs, _ := e.bus.Subscribe(bus.RoomGroup("r1"))
	defer obs.Unsubscribe()

	conn := newFakeConn()
	s, errCh := startSession(t, e, conn, "r1", "tok-alice", Config{})
	waitActive(t, s)
	drainBus(obs)

	conn.push(`{"type":"zorp","content":"??"}`)
	expectNoBusFrame(t, obs, "zorp")
	expectNoBusFrame(t, obs, "message")

	conn.hangUp()
	waitErr(t, errCh)
}

func TestTypingNotEchoedToSender(t *testing.T) {
	e := newTestEnv()
	connA := newFakeConn()
	sA, errA := startSession(t, e, connA, "r1", "tok-alice", Config{})
	connB := newFakeConn()
	sB, errB := startSession(t, e, connB, "r1", "tok-bob", Config{})
	waitActive(t, sA)
	waitActive(t, sB)

	connA.push(`{"type":"typing"}`)

	frame := connB.waitFrame(t, "typing")
	if frame["user_id"] != "alice" {
		t.Errorf("typing user_id = %v", frame["user_id"])
	}
	connA.expectNoFrame(t, "typing")

	connA.hangUp()
	connB.hangUp()
	waitErr(t, errA)
	waitErr(t, errB)
}

func TestReadIdempotentAcrossConnections(t *testing.T) {
	e := newTestEnv()
	ctx := context.Background()
	m1, _ := e.log.Append(ctx, "r1", "alice", "hi", "")

	obs, _ := e.bus.Subscribe(bus.RoomGroup("r1"))
	defer obs.Unsubscribe()

	conn := newFakeConn()
	s, errCh := startSession(t, e, conn, "r1", "tok-bob", Config{})
	waitActive(t, s)
	drainBus(obs)

	conn.push(`{"type":"read","ids":["` + m1.ID + `"]}`)
	frame := waitBusFrame(t, obs, "delivery")
	if frame["status"] != "read" || frame["user_id"] != "bob" {
		t.Errorf("delivery frame = %v", frame)
	}

	msgs, _ := e.log.Recent(ctx, "r1", 10)
	if got := msgs[0].ReadBy; len(got) != 1 || got[0] != "bob" {
		t.Fatalf("read_by = %v, want [bob]", got)
	}

	// A replayed read changes nothing and broadcasts nothing.
	conn.push(`{"type":"read","ids":["` + m1.ID + `"]}`)
	expectNoBusFrame(t, obs, "delivery")

	msgs, _ = e.log.Recent(ctx, "r1", 10)
	if got := len(msgs[0].ReadBy); got != 1 {
		t.Errorf("read_by cardinality = %d after replay, want 1", got)
	}

	conn.hangUp()
	waitErr(t, errCh)
}

func TestFocusBroadcastsMarkerEvenWhenNothingUnread(t *testing.T) {
	e := newTestEnv()
	obs, _ := e.bus.Subscribe(bus.RoomGroup("r1"))
	defer obs.Unsubscribe()

	conn := newFakeConn()
	s, errCh := startSession(t, e, conn, "r1", "tok-bob", Config{})
	waitActive(t, s)
	drainBus(obs)

	conn.push(`{"type":"focus"}`)
	frame := waitBusFrame(t, obs, "delivery")
	if frame["status"] != "read" {
		t.Errorf("status = %v, want read", frame["status"])
	}
	if ids := frame["ids"].([]any); len(ids) != 0 {
		t.Errorf("ids = %v, want empty marker", ids)
	}

	conn.hangUp()
	waitErr(t, errCh)
}

func TestPingAnsweredDirectly(t *testing.T) {
	e := newTestEnv()
	connA := newFakeConn()
	sA, errA := startSession(t, e, connA, "r1", "tok-alice", Config{})
	connB := newFakeConn()
	sB, errB := startSession(t, e, connB, "r1", "tok-bob", Config{})
	waitActive(t, sA)
	waitActive(t, sB)

	connA.push(`{"type":"ping"}`)
	connA.waitFrame(t, "pong")
	connB.expectNoFrame(t, "pong")

	connA.hangUp()
	connB.hangUp()
	waitErr(t, errA)
	waitErr(t, errB)
}

func TestReactionRelayedWithoutPersistence(t *testing.T) {
	e := newTestEnv()
	ctx := context.Background()
	m1, _ := e.log.Append(ctx, "r1", "alice", "hi", "")

	connA := newFakeConn()
	sA, errA := startSession(t, e, connA, "r1", "tok-alice", Config{})
	connB := newFakeConn()
	sB, errB := startSession(t, e, connB, "r1", "tok-bob", Config{})
	waitActive(t, sA)
	waitActive(t, sB)

	connB.push(`{"type":"reaction","message_id":"` + m1.ID + `","emoji":"🔥"}`)

	frame := connA.waitFrame(t, "reaction")
	if frame["message_id"] != m1.ID || frame["emoji"] != "🔥" || frame["user_id"] != "bob" || frame["op"] != "add" {
		t.Errorf("reaction frame = %v", frame)
	}

	connA.hangUp()
	connB.hangUp()
	waitErr(t, errA)
	waitErr(t, errB)
}

func TestPersonalGroupRelayedVerbatim(t *testing.T) {
	e := newTestEnv()
	connA := newFakeConn()
	sA, errA := startSession(t, e, connA, "r1", "tok-alice", Config{})
	connB := newFakeConn()
	sB, errB := startSession(t, e, connB, "r1", "tok-bob", Config{})
	waitActive(t, sA)
	waitActive(t, sB)

	// Frames published to a user's personal group reach only that user's
	// connections, untouched.
	ctx := context.Background()
	e.bus.Publish(ctx, bus.UserGroup("alice"), []byte(`{"type":"invitation","room_id":"r2","from":"bob"}`))

	frame := connA.waitFrame(t, "invitation")
	if frame["room_id"] != "r2" || frame["from"] != "bob" {
		t.Errorf("invitation frame = %v", frame)
	}
	connB.expectNoFrame(t, "invitation")

	e.bus.Publish(ctx, bus.UserGroup("alice"), []byte(`{"type":"system_message","content":"maintenance at noon"}`))
	frame = connA.waitFrame(t, "system_message")
	if frame["content"] != "maintenance at noon" {
		t.Errorf("system_message frame = %v", frame)
	}

	connA.hangUp()
	connB.hangUp()
	waitErr(t, errA)
	waitErr(t, errB)
}

func TestMultiDeviceOfflineOnlyOnLastDisconnect(t *testing.T) {
	e := newTestEnv()
	obs, _ := e.bus.Subscribe(bus.RoomGroup("r1"))
	defer obs.Unsubscribe()

	conn1 := newFakeConn()
	s1, errCh1 := startSession(t, e, conn1, "r1", "tok-alice", Config{})
	conn2 := newFakeConn()
	s2, errCh2 := startSession(t, e, conn2, "r1", "tok-alice", Config{})
	waitActive(t, s1)
	waitActive(t, s2)
	drainBus(obs)

	conn1.hangUp()
	waitErr(t, errCh1)
	expectNoBusFrame(t, obs, "presence")
	if st, _ := e.presence.Get(context.Background(), "alice"); !st.Online {
		t.Error("user offline while a second session remains active")
	}

	conn2.hangUp()
	waitErr(t, errCh2)
	frame := waitBusFrame(t, obs, "presence")
	if frame["status"] != "offline" {
		t.Errorf("status = %v, want offline", frame["status"])
	}
	if frame["last_seen"] == nil {
		t.Error("offline broadcast has no last_seen")
	}

	st, _ := e.presence.Get(context.Background(), "alice")
	broadcast, err := time.Parse(time.RFC3339Nano, frame["last_seen"].(string))
	if err != nil {
		t.Fatalf("last_seen not a timestamp: %v", err)
	}
	if !broadcast.Equal(st.LastSeen) {
		t.Errorf("broadcast last_seen %v differs from stored %v", broadcast, st.LastSeen)
	}
}

func TestHeartbeatReannouncesAndStopsOnDisconnect(t *testing.T) {
	e := newTestEnv()
	obs, _ := e.bus.Subscribe(bus.RoomGroup("r1"))
	defer obs.Unsubscribe()

	conn := newFakeConn()
	s, errCh := startSession(t, e, conn, "r1", "tok-alice", Config{HeartbeatInterval: 20 * time.Millisecond})
	waitActive(t, s)
	drainBus(obs)

	// Two consecutive heartbeat announcements.
	first := waitBusFrame(t, obs, "presence")
	if first["status"] != "online" {
		t.Errorf("heartbeat status = %v", first["status"])
	}
	waitBusFrame(t, obs, "presence")

	before, _ := e.presence.Get(context.Background(), "alice")

	conn.hangUp()
	waitErr(t, errCh)

	// The offline broadcast is the session's final presence event.
	var sawOffline bool
	deadline := time.After(500 * time.Millisecond)
collect:
	for {
		select {
		case ev := <-obs.Events():
			var m map[string]any
			json.Unmarshal(ev.Payload, &m)
			if m["type"] == "presence" {
				if sawOffline {
					t.Fatalf("presence frame after offline broadcast: %s", ev.Payload)
				}
				if m["status"] == "offline" {
					sawOffline = true
				}
			}
		case <-deadline:
			break collect
		}
	}
	if !sawOffline {
		t.Fatal("no offline broadcast observed")
	}

	after, _ := e.presence.Get(context.Background(), "alice")
	if after.LastSeen.Before(before.LastSeen) {
		t.Errorf("offline last_seen %v is staler than heartbeat %v", after.LastSeen, before.LastSeen)
	}
}

func TestRegistryTracksAndForceDisconnects(t *testing.T) {
	e := newTestEnv()
	conn := newFakeConn()
	s, errCh := startSession(t, e, conn, "r1", "tok-alice", Config{})
	waitActive(t, s)

	infos := e.registry.Snapshot()
	if len(infos) != 1 {
		t.Fatalf("registry has %d sessions, want 1", len(infos))
	}
	if infos[0].UserID != "alice" || infos[0].RoomID != "r1" || infos[0].State != "active" {
		t.Errorf("snapshot = %+v", infos[0])
	}

	if !e.registry.ForceDisconnect(s.ID(), "kicked") {
		t.Fatal("ForceDisconnect did not find the session")
	}
	waitErr(t, errCh)

	if e.registry.Len() != 0 {
		t.Errorf("registry still holds %d sessions after forced disconnect", e.registry.Len())
	}
	if st, _ := e.presence.Get(context.Background(), "alice"); st.Online {
		t.Error("user still online after forced disconnect")
	}
	if e.registry.ForceDisconnect("nope", "x") {
		t.Error("ForceDisconnect reported success for unknown conn id")
	}
}

// waitBusFrame reads observer events until a frame of the wanted type shows up.
func waitBusFrame(t *testing.T, sub bus.Subscription, typ string) map[string]any {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-sub.Events():
			var m map[string]any
			if err := json.Unmarshal(ev.Payload, &m); err != nil {
				t.Fatalf("bus carried invalid JSON %q: %v", ev.Payload, err)
			}
			if m["type"] == typ {
				return m
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q on the bus", typ)
		}
	}
}

func expectNoBusFrame(t *testing.T, sub bus.Subscription, typ string) {
	t.Helper()
	deadline := time.After(100 * time.Millisecond)
	for {
		select {
		case ev := <-sub.Events():
			var m map[string]any
			json.Unmarshal(ev.Payload, &m)
			if m["type"] == typ {
				t.Fatalf("unexpected %q frame on the bus: %s", typ, ev.Payload)
			}
		case <-deadline:
			return
		}
	}
}

func drainBus(sub bus.Subscription) {
	for {
		select {
		case <-sub.Events():
		default:
			return
		}
	}
}
