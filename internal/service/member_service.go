package service

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/cwrk-planet/watch-party/internal/domain"
)

const maxNameRunes = 64

type ParticipantStore interface {
	Join(ctx context.Context, p *domain.Participant) error
	Leave(ctx context.Context, roomID, name string) error
	ListByRoom(ctx context.Context, roomID string) ([]domain.Participant, error)
	TouchHeartbeat(ctx context.Context, roomID, name string) error
}

type MemberService struct {
	participants ParticipantStore
}

func NewMemberService(participants ParticipantStore) *MemberService {
	return &MemberService{participants: participants}
}

// JoinRoom records name as present in roomID. Joining again under the same
// name is not an error: a reloaded client rejoins as itself.
func (s *MemberService) JoinRoom(ctx context.Context, roomID, name string) (*domain.Participant, error) {
	roomID, ok := domain.NormalizeRoomID(roomID)
	if !ok {
		return nil, domain.ErrInvalidRoomID
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, domain.ErrEmptyName
	}
	if utf8.RuneCountInString(name) > maxNameRunes {
		name = string([]rune(name)[:maxNameRunes])
	}

	p := &domain.Participant{RoomID: roomID, Name: name}
	err := s.participants.Join(ctx, p)
	if errors.Is(err, domain.ErrAlreadyJoined) {
		if err := s.participants.TouchHeartbeat(ctx, roomID, name); err != nil {
			return nil, err
		}
		return p, nil
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *MemberService) LeaveRoom(ctx context.Context, roomID, name string) error {
	return s.participants.Leave(ctx, roomID, strings.TrimSpace(name))
}

func (s *MemberService) ListParticipants(ctx context.Context, roomID string) ([]domain.Participant, error) {
	roomID, ok := domain.NormalizeRoomID(roomID)
	if !ok {
		return nil, domain.ErrInvalidRoomID
	}
	return s.participants.ListByRoom(ctx, roomID)
}

// TouchHeartbeat is best effort; unknown participants are ignored.
func (s *MemberService) TouchHeartbeat(ctx context.Context, roomID, name string) error {
	err := s.participants.TouchHeartbeat(ctx, roomID, strings.TrimSpace(name))
	if errors.Is(err, domain.ErrNotInRoom) {
		return nil
	}
	return err
}
