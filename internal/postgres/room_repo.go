package postgres

import (
	"context"
	"errors"

	"github.com/cwrk-planet/watch-party/internal/domain"

	"github.com/jackc/pgx/v5"
)

type RoomRepository struct {
	db DBTX
}

func NewRoomRepository(db DBTX) *RoomRepository {
	return &RoomRepository{db: db}
}

// Create inserts room with its caller-chosen id. A taken id yields
// domain.ErrRoomExists.
func (r *RoomRepository) Create(ctx context.Context, room *domain.Room) error {
	query := `
		INSERT INTO rooms (id, max_participants)
		VALUES ($1, $2)
		ON CONFLICT (id) DO NOTHING
		RETURNING created_at`
	err := r.db.QueryRow(ctx, query, room.ID, room.MaxParticipants).Scan(&room.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrRoomExists
	}
	return err
}

func (r *RoomRepository) Get(ctx context.Context, id string) (*domain.Room, error) {
	var rm domain.Room
	query := `SELECT id, max_participants, created_at FROM rooms WHERE id=$1`
	err := r.db.QueryRow(ctx, query, id).Scan(&rm.ID, &rm.MaxParticipants, &rm.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrRoomNotFound
		}
		return nil, err
	}
	return &rm, nil
}

func (r *RoomRepository) Exists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM rooms WHERE id=$1)`, id).Scan(&exists)
	return exists, err
}
