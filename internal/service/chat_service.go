package service

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/cwrk-planet/watch-party/internal/domain"

	"github.com/oklog/ulid/v2"
)

const maxMessageIDLen = 64

type ChatStore interface {
	Save(ctx context.Context, m *domain.ChatMessage) error
	History(ctx context.Context, roomID, after string, limit int) ([]domain.ChatMessage, string, error)
}

type ChatService struct {
	chatRepo ChatStore
}

func NewChatService(chatRepo ChatStore) *ChatService {
	return &ChatService{chatRepo: chatRepo}
}

// Save validates and stores one message. The sender-assigned id is kept when
// usable so that every member sees the same id; otherwise a ULID is minted.
func (s *ChatService) Save(ctx context.Context, roomID, sender, id, text string) (*domain.ChatMessage, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, domain.ErrEmptyMessage
	}
	if utf8.RuneCountInString(text) > domain.MaxMessageRunes {
		return nil, domain.ErrMessageTooLong
	}
	sender = strings.TrimSpace(sender)
	if sender == "" {
		sender = "guest"
	}
	if id == "" || len(id) > maxMessageIDLen {
		id = ulid.Make().String()
	}

	msg := &domain.ChatMessage{ID: id, RoomID: roomID, Sender: sender, Text: text}
	if err := s.chatRepo.Save(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func (s *ChatService) History(ctx context.Context, roomID, after string, limit int) ([]domain.ChatMessage, string, error) {
	roomID, ok := domain.NormalizeRoomID(roomID)
	if !ok {
		return nil, "", domain.ErrInvalidRoomID
	}
	return s.chatRepo.History(ctx, roomID, after, limit)
}
