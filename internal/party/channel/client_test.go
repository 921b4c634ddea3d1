package channel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cwrk-planet/watch-party/internal/protocol"
)

type staticVerifier bool

func (v staticVerifier) Verified() bool { return bool(v) }

type roomServer struct {
	srv      *httptest.Server
	up       websocket.Upgrader
	reject   atomic.Bool
	accepted atomic.Int32
	received chan protocol.Envelope

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newRoomServer(t *testing.T) *roomServer {
	t.Helper()
	rs := &roomServer{received: make(chan protocol.Envelope, 64)}
	rs.srv = httptest.NewServer(http.HandlerFunc(rs.handle))
	t.Cleanup(func() {
		rs.dropAll()
		rs.srv.Close()
	})
	return rs
}

func (rs *roomServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/ws/rooms/r1" {
		http.NotFound(w, r)
		return
	}
	if rs.reject.Load() {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	conn, err := rs.up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	rs.accepted.Add(1)
	rs.mu.Lock()
	rs.conns = append(rs.conns, conn)
	rs.mu.Unlock()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env protocol.Envelope
		if json.Unmarshal(data, &env) == nil {
			rs.received <- env
		}
	}
}

func (rs *roomServer) wsURL() string {
	return "ws" + strings.TrimPrefix(rs.srv.URL, "http")
}

func (rs *roomServer) push(t *testing.T, env protocol.Envelope) {
	t.Helper()
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if len(rs.conns) == 0 {
		t.Fatal("no connection to push to")
	}
	if err := rs.conns[len(rs.conns)-1].WriteJSON(env); err != nil {
		t.Fatalf("push: %v", err)
	}
}

func (rs *roomServer) dropAll() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	for _, c := range rs.conns {
		_ = c.Close()
	}
	rs.conns = nil
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting")
	}
	var zero T
	return zero
}

func newTestClient(t *testing.T, rs *roomServer, v Verifier) *Client {
	t.Helper()
	c, err := New(Config{
		BaseURL:     rs.wsURL(),
		RoomID:      "r1",
		Backoff:     Backoff{Initial: 5 * time.Millisecond, Max: 20 * time.Millisecond, Factor: 2},
		MaxAttempts: 2,
	}, v)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestConnectRequiresVerifiedRoom(t *testing.T) {
	rs := newRoomServer(t)
	c := newTestClient(t, rs, staticVerifier(false))

	if err := c.Connect(context.Background()); !errors.Is(err, ErrNotVerified) {
		t.Fatalf("Connect: got %v, want ErrNotVerified", err)
	}
	if err := c.Emit(context.Background(), protocol.EventPlay, protocol.ControlPayload{RoomID: "r1"}); !errors.Is(err, ErrNotVerified) {
		t.Fatalf("Emit: got %v, want ErrNotVerified", err)
	}
	if n := rs.accepted.Load(); n != 0 {
		t.Fatalf("server accepted %d connections", n)
	}
}

func TestConnectJoinsRoomAndIsIdempotent(t *testing.T) {
	rs := newRoomServer(t)
	c := newTestClient(t, rs, staticVerifier(true))

	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	join := recv(t, rs.received)
	var jp protocol.JoinPayload
	if join.Type != protocol.EventJoinRoom || join.Decode(&jp) != nil || jp.RoomID != "r1" {
		t.Fatalf("first frame = %+v, want join_room r1", join)
	}

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	if err := c.Emit(context.Background(), protocol.EventPause, protocol.ControlPayload{RoomID: "r1", CurrentTime: 42.3}); err != nil {
		t.Fatal(err)
	}
	got := recv(t, rs.received)
	if got.Type != protocol.EventPause {
		t.Fatalf("got %s, want pause_video", got.Type)
	}
	if n := rs.accepted.Load(); n != 1 {
		t.Fatalf("accepted %d connections, want 1", n)
	}
	if c.State() != StateConnected {
		t.Fatalf("state = %s", c.State())
	}
}

func TestHandlersRunInOrderAndUnsubscribe(t *testing.T) {
	rs := newRoomServer(t)
	c := newTestClient(t, rs, staticVerifier(true))

	chats := make(chan string, 4)
	errs := make(chan struct{}, 4)
	unsub := c.On(protocol.EventReceiveMessage, func(env protocol.Envelope) {
		var p protocol.ChatPayload
		_ = env.Decode(&p)
		chats <- p.Text
	})
	c.On(protocol.EventError, func(protocol.Envelope) { errs <- struct{}{} })

	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	recv(t, rs.received)

	msg, _ := protocol.Encode(protocol.EventReceiveMessage, protocol.ChatPayload{RoomID: "r1", Text: "hi"})
	rs.push(t, msg)
	if got := recv(t, chats); got != "hi" {
		t.Fatalf("got %q", got)
	}

	unsub()
	rs.push(t, msg)
	rs.push(t, protocol.Envelope{Type: protocol.EventError})
	recv(t, errs)
	select {
	case got := <-chats:
		t.Fatalf("unsubscribed handler still called with %q", got)
	default:
	}
}

func TestReconnectRejoinsAndRunsHooks(t *testing.T) {
	rs := newRoomServer(t)
	c := newTestClient(t, rs, staticVerifier(true))

	hooked := make(chan struct{}, 1)
	c.OnReconnect(func(context.Context) { hooked <- struct{}{} })

	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	recv(t, rs.received)

	rs.dropAll()

	again := recv(t, rs.received)
	if again.Type != protocol.EventJoinRoom {
		t.Fatalf("got %s after reconnect, want join_room", again.Type)
	}
	recv(t, hooked)
	if n := rs.accepted.Load(); n != 2 {
		t.Fatalf("accepted %d connections, want 2", n)
	}
}

func TestEmitWithoutConnection(t *testing.T) {
	rs := newRoomServer(t)
	c := newTestClient(t, rs, staticVerifier(true))

	err := c.Emit(context.Background(), protocol.EventPlay, protocol.ControlPayload{RoomID: "r1"})
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("got %v, want ErrNotConnected", err)
	}
}

func TestDegradedAfterMaxAttemptsThenRecovers(t *testing.T) {
	rs := newRoomServer(t)
	c := newTestClient(t, rs, staticVerifier(true))

	states := make(chan State, 32)
	c.OnStateChange(func(s State) {
		select {
		case states <- s:
		default:
		}
	})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	recv(t, rs.received)

	rs.reject.Store(true)
	rs.dropAll()

	waitState(t, states, StateDegraded)
	rs.reject.Store(false)
	waitState(t, states, StateConnected)

	if got := recv(t, rs.received); got.Type != protocol.EventJoinRoom {
		t.Fatalf("got %s, want join_room", got.Type)
	}
}

func waitState(t *testing.T, states <-chan State, want State) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case s := <-states:
			if s == want {
				return
			}
		case <-deadline:
			t.Fatalf("state %s never reached", want)
		}
	}
}

func TestCloseIsFinal(t *testing.T) {
	rs := newRoomServer(t)
	c := newTestClient(t, rs, staticVerifier(true))

	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if c.State() != StateClosed {
		t.Fatalf("state = %s", c.State())
	}
	if err := c.Connect(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("Connect after Close: %v", err)
	}
	if err := c.Emit(context.Background(), protocol.EventPlay, nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("Emit after Close: %v", err)
	}
}

func TestURLEscapesRoom(t *testing.T) {
	c, err := New(Config{BaseURL: "ws://example.test/", RoomID: "abc-123"}, staticVerifier(true))
	if err != nil {
		t.Fatal(err)
	}
	if got := c.URL(); got != "ws://example.test/ws/rooms/abc-123" {
		t.Fatalf("URL = %q", got)
	}
}
