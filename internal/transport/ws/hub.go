package ws

import (
	"context"
	"log/slog"
	"sync"

	"github.com/cwrk-planet/watch-party/internal/protocol"
)

type Conn interface {
	ID() string
	RoomID() string
	Send(env protocol.Envelope) error
	Close() error
}

// Relay carries room events between server instances. Every instance,
// including the publisher, receives what is published.
type Relay interface {
	Publish(ctx context.Context, roomID string, env protocol.Envelope) error
	Subscribe(ctx context.Context, deliver func(roomID string, env protocol.Envelope)) error
}

type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[Conn]struct{} // roomID -> set of connections
	relay Relay
}

type HubOption func(*Hub)

func WithRelay(r Relay) HubOption {
	return func(h *Hub) { h.relay = r }
}

func NewHub(opts ...HubOption) *Hub {
	h := &Hub{rooms: make(map[string]map[Conn]struct{})}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Run consumes the relay until ctx is done. Without a relay it only waits.
func (h *Hub) Run(ctx context.Context) error {
	if h.relay == nil {
		<-ctx.Done()
		return nil
	}
	return h.relay.Subscribe(ctx, h.deliver)
}

func (h *Hub) Add(c Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	rs, ok := h.rooms[c.RoomID()]
	if !ok {
		rs = make(map[Conn]struct{})
		h.rooms[c.RoomID()] = rs
	}
	rs[c] = struct{}{}
}

func (h *Hub) Remove(c Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if rs, ok := h.rooms[c.RoomID()]; ok {
		delete(rs, c)
		if len(rs) == 0 {
			delete(h.rooms, c.RoomID())
		}
	}
}

func (h *Hub) Count(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}

// Broadcast fans env out to every member of roomID except env.From.
func (h *Hub) Broadcast(ctx context.Context, roomID string, env protocol.Envelope) {
	if h.relay != nil {
		err := h.relay.Publish(ctx, roomID, env)
		if err == nil {
			return
		}
		slog.Warn("ws relay publish failed, delivering locally", "room", roomID, "type", env.Type, "err", err)
	}
	h.deliver(roomID, env)
}

func (h *Hub) deliver(roomID string, env protocol.Envelope) {
	h.mu.RLock()
	targets := make([]Conn, 0, len(h.rooms[roomID]))
	for c := range h.rooms[roomID] {
		if c.ID() != env.From {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if err := c.Send(env); err != nil {
			slog.Debug("ws send failed", "room", roomID, "conn", c.ID(), "err", err)
		}
	}
}
