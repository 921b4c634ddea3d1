// Package channel is the room-scoped real-time connection of a party client.
//
// One Client owns one websocket to /ws/rooms/{roomId}. It joins the room after
// every successful dial, multiplexes the event vocabulary of package protocol
// over that socket and redials with exponential backoff when the connection
// drops. Delivery is at most once: Emit fails while disconnected and nothing
// is queued.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cwrk-planet/watch-party/internal/protocol"
)

var (
	ErrNotVerified  = errors.New("channel: room membership not verified")
	ErrNotConnected = errors.New("channel: not connected")
	ErrClosed       = errors.New("channel: closed")
)

const maxMessageBytes = 1 << 20

// Verifier reports whether the room the client is scoped to has been
// confirmed by the registry.
type Verifier interface {
	Verified() bool
}

type Handler func(env protocol.Envelope)

type Config struct {
	// BaseURL is the ws:// or wss:// origin of the channel server.
	BaseURL string
	RoomID  string
	Header  http.Header
	Dialer  *websocket.Dialer
	Backoff Backoff
	// MaxAttempts consecutive failed redials move the client to StateDegraded.
	MaxAttempts  int
	WriteTimeout time.Duration
	// ReadTimeout bounds silence on the socket; server pings extend it.
	ReadTimeout time.Duration
	Logger      *slog.Logger
}

type subscription struct {
	id uint64
	h  Handler
}

type Client struct {
	cfg      Config
	verifier Verifier
	log      *slog.Logger

	connectMu sync.Mutex

	mu             sync.RWMutex
	handlers       map[protocol.Event][]subscription
	nextID         uint64
	reconnectHooks []func(ctx context.Context)
	stateHooks     []func(State)
	conn           *websocket.Conn
	started        bool
	closed         bool

	state  atomic.Int32
	sendMu chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func New(cfg Config, v Verifier) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("channel: base url is required")
	}
	if cfg.RoomID == "" {
		return nil, errors.New("channel: room id is required")
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		}
	}
	cfg.Backoff = cfg.Backoff.withDefaults()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 8
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 45 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:      cfg,
		verifier: v,
		log:      cfg.Logger.With("component", "channel", "room", cfg.RoomID),
		handlers: make(map[protocol.Event][]subscription),
		sendMu:   make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}, nil
}

func (c *Client) URL() string {
	return strings.TrimRight(c.cfg.BaseURL, "/") + "/ws/rooms/" + url.PathEscape(c.cfg.RoomID)
}

func (c *Client) RoomID() string { return c.cfg.RoomID }

func (c *Client) State() State { return State(c.state.Load()) }

// Connect dials the room once and starts the reader. Calling it on a
// running client is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	if !c.verified() {
		return ErrNotVerified
	}

	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	c.mu.RLock()
	closed, started := c.closed, c.started
	c.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if started {
		return nil
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	if err := c.join(ctx, conn); err != nil {
		_ = conn.Close()
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	c.started = true
	c.conn = conn
	c.mu.Unlock()

	c.setState(StateConnected)
	c.log.Info("channel connected", "url", c.URL())
	go c.run(conn)
	return nil
}

// On registers h for event and returns a function that removes it.
// Handlers run one at a time on the reader goroutine in arrival order.
func (c *Client) On(event protocol.Event, h Handler) (unsubscribe func()) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.handlers[event] = append(c.handlers[event], subscription{id: id, h: h})
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			subs := c.handlers[event]
			for i := range subs {
				if subs[i].id == id {
					c.handlers[event] = append(subs[:i:i], subs[i+1:]...)
					break
				}
			}
		})
	}
}

// OnReconnect registers a hook run after every successful redial, once the
// room has been re-joined.
func (c *Client) OnReconnect(fn func(ctx context.Context)) {
	c.mu.Lock()
	c.reconnectHooks = append(c.reconnectHooks, fn)
	c.mu.Unlock()
}

func (c *Client) OnStateChange(fn func(State)) {
	c.mu.Lock()
	c.stateHooks = append(c.stateHooks, fn)
	c.mu.Unlock()
}

func (c *Client) Emit(ctx context.Context, event protocol.Event, payload any) error {
	if !c.verified() {
		return ErrNotVerified
	}
	env, err := protocol.Encode(event, payload)
	if err != nil {
		return err
	}

	c.mu.RLock()
	conn, closed := c.conn, c.closed
	c.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if conn == nil {
		return ErrNotConnected
	}

	if err := c.write(ctx, conn, env); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		// the reader sees the closed socket and starts redialing
		_ = conn.Close()
		return fmt.Errorf("%w: emit %s: %v", ErrNotConnected, event, err)
	}
	return nil
}

// Close tears the connection down for good. It must not be called from a
// Handler.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn, started := c.conn, c.started
	c.conn = nil
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}
	if started {
		<-c.done
	}
	c.setState(StateClosed)
	return nil
}

func (c *Client) verified() bool {
	return c.verifier != nil && c.verifier.Verified()
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	u := c.URL()
	conn, resp, err := c.cfg.Dialer.DialContext(ctx, u, c.cfg.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: status %d: %w", u, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial %s: %w", u, err)
	}
	return conn, nil
}

func (c *Client) join(ctx context.Context, conn *websocket.Conn) error {
	env, err := protocol.Encode(protocol.EventJoinRoom, protocol.JoinPayload{RoomID: c.cfg.RoomID})
	if err != nil {
		return err
	}
	if err := c.write(ctx, conn, env); err != nil {
		return fmt.Errorf("join %s: %w", c.cfg.RoomID, err)
	}
	return nil
}

func (c *Client) write(ctx context.Context, conn *websocket.Conn, env protocol.Envelope) error {
	select {
	case c.sendMu <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-c.sendMu }()

	deadline := time.Now().Add(c.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetWriteDeadline(deadline)
	return conn.WriteJSON(env)
}

func (c *Client) run(conn *websocket.Conn) {
	defer close(c.done)

	for {
		err := c.readLoop(conn)
		_ = conn.Close()

		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}

		c.log.Warn("channel connection lost", "err", err)
		c.setState(StateReconnecting)

		conn = c.redial()
		if conn == nil {
			return
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = conn.Close()
			return
		}
		c.conn = conn
		hooks := slices.Clone(c.reconnectHooks)
		c.mu.Unlock()

		c.setState(StateConnected)
		c.log.Info("channel reconnected")
		go c.runHooks(hooks)
	}
}

// redial blocks until a connection is re-established and joined, or the
// client is closed (nil).
func (c *Client) redial() *websocket.Conn {
	delays := c.cfg.Backoff.schedule()
	for attempt := 0; ; attempt++ {
		t := time.NewTimer(delays.NextBackOff())
		select {
		case <-c.ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}

		conn, err := c.dial(c.ctx)
		if err == nil {
			if err = c.join(c.ctx, conn); err == nil {
				return conn
			}
			_ = conn.Close()
		}
		if c.ctx.Err() != nil {
			return nil
		}

		c.log.Warn("channel redial failed", "attempt", attempt+1, "err", err)
		if attempt+1 == c.cfg.MaxAttempts {
			c.log.Error("channel degraded", "attempts", attempt+1)
			c.setState(StateDegraded)
		}
	}
}

func (c *Client) runHooks(hooks []func(context.Context)) {
	for _, h := range hooks {
		h(c.ctx)
	}
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	conn.SetReadLimit(maxMessageBytes)
	extend := func() { _ = conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout)) }
	extend()

	conn.SetPingHandler(func(appData string) error {
		extend()
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(c.cfg.WriteTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil
		}
		return err
	})
	conn.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		extend()

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Debug("channel dropped malformed frame", "err", err)
			continue
		}
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env protocol.Envelope) {
	c.mu.RLock()
	subs := append([]subscription(nil), c.handlers[env.Type]...)
	c.mu.RUnlock()

	for _, s := range subs {
		c.call(s.h, env)
	}
}

func (c *Client) call(h Handler, env protocol.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("channel handler panic", "event", env.Type, "panic", r)
		}
	}()
	h(env)
}

func (c *Client) setState(s State) {
	if State(c.state.Swap(int32(s))) == s {
		return
	}
	c.mu.RLock()
	hooks := slices.Clone(c.stateHooks)
	c.mu.RUnlock()
	for _, h := range hooks {
		h(s)
	}
}
