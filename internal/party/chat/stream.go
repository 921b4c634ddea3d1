// Package chat is the append-only message log of one room.
package chat

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"

	"github.com/cwrk-planet/watch-party/internal/protocol"
)

const MaxMessageRunes = 4000

var (
	ErrEmptyMessage   = errors.New("chat: message is empty")
	ErrMessageTooLong = errors.New("chat: message too long")
)

type Message struct {
	ID     string
	Sender string
	Text   string
	At     time.Time
	// Self marks messages sent by this client.
	Self bool
}

type Emitter interface {
	Emit(ctx context.Context, event protocol.Event, payload any) error
}

type Stream struct {
	roomID  string
	sender  string
	emitter Emitter
	now     func() time.Time
	log     *slog.Logger

	mu        sync.Mutex
	messages  []Message
	own       map[string]struct{}
	listeners []func(Message)
}

func NewStream(roomID, sender string, emitter Emitter) *Stream {
	return &Stream{
		roomID:  roomID,
		sender:  sender,
		emitter: emitter,
		now:     time.Now,
		log:     slog.Default().With("component", "chat", "room", roomID),
		own:     make(map[string]struct{}),
	}
}

// OnAppend registers fn to be called for every message added to the log.
func (s *Stream) OnAppend(fn func(Message)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// Send appends text to the local log and then emits it to the room. A failed
// emit leaves the message in the log.
func (s *Stream) Send(ctx context.Context, text string) (Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Message{}, ErrEmptyMessage
	}
	if utf8.RuneCountInString(text) > MaxMessageRunes {
		return Message{}, ErrMessageTooLong
	}

	msg := Message{
		ID:     ulid.Make().String(),
		Sender: s.sender,
		Text:   text,
		At:     s.now(),
		Self:   true,
	}
	s.mu.Lock()
	s.own[msg.ID] = struct{}{}
	s.mu.Unlock()
	s.append(msg)

	err := s.emitter.Emit(ctx, protocol.EventSendMessage, protocol.ChatPayload{
		RoomID: s.roomID,
		ID:     msg.ID,
		Text:   msg.Text,
		Sender: msg.Sender,
	})
	return msg, err
}

// Receive appends a message from the room. Messages for other rooms and
// echoes of our own messages are dropped.
func (s *Stream) Receive(p protocol.ChatPayload) bool {
	if p.RoomID != s.roomID {
		return false
	}
	s.mu.Lock()
	_, mine := s.own[p.ID]
	s.mu.Unlock()
	if p.ID != "" && mine {
		return false
	}

	at := s.now()
	if p.TSUnix > 0 {
		at = time.Unix(p.TSUnix, 0)
	}
	s.append(Message{ID: p.ID, Sender: p.Sender, Text: p.Text, At: at})
	return true
}

// HandleMessage is the channel handler for receive_message.
func (s *Stream) HandleMessage(env protocol.Envelope) {
	var p protocol.ChatPayload
	if err := env.Decode(&p); err != nil {
		s.log.Debug("chat message dropped", "err", err)
		return
	}
	s.Receive(p)
}

func (s *Stream) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages...)
}

func (s *Stream) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

func (s *Stream) append(m Message) {
	s.mu.Lock()
	s.messages = append(s.messages, m)
	ls := slices.Clone(s.listeners)
	s.mu.Unlock()

	for _, fn := range ls {
		fn(m)
	}
}
