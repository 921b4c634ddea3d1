package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cwrk-planet/watch-party/internal/domain"

	"github.com/google/uuid"
)

const (
	defaultMaxParticipants = 10
	roomCodeLen            = 10
	createAttempts         = 5
)

type RoomStore interface {
	Create(ctx context.Context, room *domain.Room) error
	Get(ctx context.Context, id string) (*domain.Room, error)
	Exists(ctx context.Context, id string) (bool, error)
}

type RoomService struct {
	rooms           RoomStore
	maxParticipants int64
	newID           func() string
}

func NewRoomService(rooms RoomStore, maxParticipants int64) *RoomService {
	if maxParticipants <= 0 {
		maxParticipants = defaultMaxParticipants
	}
	return &RoomService{rooms: rooms, maxParticipants: maxParticipants, newID: newRoomCode}
}

func newRoomCode() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:roomCodeLen]
}

// CreateRoom creates a room under a fresh code, retrying on the rare taken id.
func (s *RoomService) CreateRoom(ctx context.Context) (*domain.Room, error) {
	for range createAttempts {
		room := &domain.Room{ID: s.newID(), MaxParticipants: s.maxParticipants}
		err := s.rooms.Create(ctx, room)
		if errors.Is(err, domain.ErrRoomExists) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("roomRepo.Create: %w", err)
		}
		return room, nil
	}
	return nil, fmt.Errorf("create room after %d attempts: %w", createAttempts, domain.ErrRoomExists)
}

// GetRoom returns the room with id. A malformed id is reported as
// domain.ErrInvalidRoomID without touching the store.
func (s *RoomService) GetRoom(ctx context.Context, id string) (*domain.Room, error) {
	id, ok := domain.NormalizeRoomID(id)
	if !ok {
		return nil, domain.ErrInvalidRoomID
	}
	return s.rooms.Get(ctx, id)
}

// RoomExists answers the channel server's admission check.
func (s *RoomService) RoomExists(ctx context.Context, id string) (bool, error) {
	id, ok := domain.NormalizeRoomID(id)
	if !ok {
		return false, nil
	}
	return s.rooms.Exists(ctx, id)
}
