// Package ws is the room channel server: members of a room exchange named
// events over one websocket each, and every event reaches every other member.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cwrk-planet/watch-party/internal/domain"
	"github.com/cwrk-planet/watch-party/internal/protocol"
	"github.com/cwrk-planet/watch-party/pkg/httputil"
	"github.com/cwrk-planet/watch-party/pkg/logger"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// HeaderName carries the member's display name on the upgrade request.
const HeaderName = "X-Party-Name"

type RoomChecker interface {
	RoomExists(ctx context.Context, id string) (bool, error)
}

type ChatSaver interface {
	Save(ctx context.Context, roomID, sender, id, text string) (*domain.ChatMessage, error)
}

type Presence interface {
	TouchHeartbeat(ctx context.Context, roomID, name string) error
}

type Options struct {
	PingEvery    time.Duration
	WriteTimeout time.Duration
	JoinTimeout  time.Duration
	ReadLimit    int64
	CheckOrigin  func(r *http.Request) bool
}

type Server struct {
	upgrader websocket.Upgrader
	hub      *Hub
	rooms    RoomChecker
	chat     ChatSaver
	presence Presence
	opts     Options
}

// NewServer wires the channel server. chat and presence may be nil.
func NewServer(hub *Hub, rooms RoomChecker, chat ChatSaver, presence Presence, opts Options) *Server {
	if opts.PingEvery <= 0 {
		opts.PingEvery = 15 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.JoinTimeout <= 0 {
		opts.JoinTimeout = 10 * time.Second
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 64 << 10
	}
	if opts.CheckOrigin == nil {
		opts.CheckOrigin = func(*http.Request) bool { return true }
	}
	return &Server{
		hub:      hub,
		rooms:    rooms,
		chat:     chat,
		presence: presence,
		opts:     opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     opts.CheckOrigin,
		},
	}
}

// HandleWS serves GET /ws/rooms/{id}. Unknown rooms are refused before the
// upgrade; the first frame must be join_room for the same room.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	roomID, ok := domain.NormalizeRoomID(chi.URLParam(r, "id"))
	if !ok {
		httputil.Error(r.Context(), w, http.StatusBadRequest, "invalid room id", nil)
		return
	}
	log := logger.Ctx(r.Context()).With("room", roomID)
	exists, err := s.rooms.RoomExists(r.Context(), roomID)
	if err != nil {
		log.Error("ws room check failed", "err", err)
		httputil.Error(r.Context(), w, http.StatusServiceUnavailable, "room registry unavailable", nil)
		return
	}
	if !exists {
		httputil.Error(r.Context(), w, http.StatusNotFound, "room not found", nil)
		return
	}

	name := strings.TrimSpace(r.Header.Get(HeaderName))
	if name == "" {
		name = strings.TrimSpace(r.URL.Query().Get("name"))
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("ws upgrade failed", "err", err)
		return
	}

	c := newWsConn(conn, roomID, name, s.opts.WriteTimeout)
	defer func() { _ = c.Close() }()
	log = log.With("conn", c.id)

	if err := s.awaitJoin(c); err != nil {
		log.Debug("ws join refused", "err", err)
		_ = c.Send(errorEnvelope("%v", err))
		return
	}

	s.hub.Add(c)
	defer s.hub.Remove(c)
	log.Info("ws joined", "name", name, "members", s.hub.Count(roomID))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go s.writeLoop(ctx, c)
	s.readLoop(ctx, c)

	log.Info("ws left")
}

var errJoinFirst = errors.New("first frame must be join_room for this room")

func (s *Server) awaitJoin(c *wsConn) error {
	_ = c.conn.SetReadDeadline(time.Now().Add(s.opts.JoinTimeout))
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return err
	}
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != protocol.EventJoinRoom {
		return errJoinFirst
	}
	var p protocol.JoinPayload
	if err := env.Decode(&p); err != nil {
		return errJoinFirst
	}
	if id, _ := domain.NormalizeRoomID(p.RoomID); id != c.roomID {
		return errJoinFirst
	}
	return nil
}

func (s *Server) readLoop(ctx context.Context, c *wsConn) {
	s.touch(ctx, c)

	c.conn.SetReadLimit(s.opts.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * s.opts.PingEvery))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(2 * s.opts.PingEvery))
		s.touch(ctx, c)
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			_ = c.Send(errorEnvelope("malformed frame"))
			continue
		}

		switch {
		case env.Type == protocol.EventJoinRoom:
			// already joined
		case env.Type == protocol.EventSendMessage:
			s.handleChat(ctx, c, env)
		case env.Type.IsRelayed():
			payload, err := withRoom(env.Payload, c.roomID)
			if err != nil {
				_ = c.Send(errorEnvelope("malformed %s payload", env.Type))
				continue
			}
			s.hub.Broadcast(ctx, c.roomID, protocol.Envelope{Type: env.Type, Payload: payload, From: c.id})
		default:
			_ = c.Send(errorEnvelope("unknown event %q", env.Type))
		}
	}
}

func (s *Server) handleChat(ctx context.Context, c *wsConn, env protocol.Envelope) {
	var p protocol.ChatPayload
	if err := env.Decode(&p); err != nil {
		_ = c.Send(errorEnvelope("malformed chat payload"))
		return
	}
	out := protocol.ChatPayload{
		RoomID: c.roomID,
		ID:     p.ID,
		Text:   strings.TrimSpace(p.Text),
		Sender: strings.TrimSpace(p.Sender),
		TSUnix: time.Now().Unix(),
	}
	if out.Sender == "" {
		out.Sender = c.name
	}
	if out.Text == "" {
		_ = c.Send(errorEnvelope("%v", domain.ErrEmptyMessage))
		return
	}

	if s.chat != nil {
		msg, err := s.chat.Save(ctx, c.roomID, out.Sender, out.ID, out.Text)
		switch {
		case errors.Is(err, domain.ErrMessageExists):
			// resent after a reconnect; members already have it
			return
		case errors.Is(err, domain.ErrEmptyMessage), errors.Is(err, domain.ErrMessageTooLong):
			_ = c.Send(errorEnvelope("%v", err))
			return
		case err != nil:
			slog.Warn("ws chat save failed", "room", c.roomID, "conn", c.id, "err", err)
		default:
			out.ID, out.Sender, out.Text = msg.ID, msg.Sender, msg.Text
			if !msg.CreatedAt.IsZero() {
				out.TSUnix = msg.CreatedAt.Unix()
			}
		}
	}

	b, err := protocol.Encode(protocol.EventReceiveMessage, out)
	if err != nil {
		return
	}
	b.From = c.id
	s.hub.Broadcast(ctx, c.roomID, b)
}

func (s *Server) writeLoop(ctx context.Context, c *wsConn) {
	ticker := time.NewTicker(s.opts.PingEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.opts.WriteTimeout)); err != nil {
				_ = c.Close()
				return
			}
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		}
	}
}

func (s *Server) touch(ctx context.Context, c *wsConn) {
	if s.presence == nil || c.name == "" {
		return
	}
	if err := s.presence.TouchHeartbeat(ctx, c.roomID, c.name); err != nil {
		slog.Debug("ws heartbeat failed", "room", c.roomID, "name", c.name, "err", err)
	}
}

type wsConn struct {
	conn         *websocket.Conn
	id           string
	roomID       string
	name         string
	writeTimeout time.Duration
	sendMu       chan struct{}
	closed       chan struct{}
	closeOnce    sync.Once
}

func newWsConn(c *websocket.Conn, roomID, name string, writeTimeout time.Duration) *wsConn {
	return &wsConn{
		conn:         c,
		id:           uuid.NewString(),
		roomID:       roomID,
		name:         name,
		writeTimeout: writeTimeout,
		sendMu:       make(chan struct{}, 1),
		closed:       make(chan struct{}),
	}
}

func (c *wsConn) Send(env protocol.Envelope) error {
	c.sendMu <- struct{}{}
	defer func() { <-c.sendMu }()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))

	if err := c.conn.WriteJSON(env); err != nil {
		_ = c.Close()
		return err
	}
	return nil
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return c.conn.Close()
}

func (c *wsConn) ID() string     { return c.id }
func (c *wsConn) RoomID() string { return c.roomID }
