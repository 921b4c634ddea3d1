package postgres

import (
	"context"
	"errors"

	"github.com/cwrk-planet/watch-party/internal/domain"

	"github.com/jackc/pgx/v5"
)

type ParticipantRepository struct {
	db DBTX
}

func NewParticipantRepository(db DBTX) *ParticipantRepository {
	return &ParticipantRepository{db: db}
}

// Join adds p to its room. The room row is locked so concurrent joins cannot
// exceed max_participants.
func (r *ParticipantRepository) Join(ctx context.Context, p *domain.Participant) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var maxParticipants int64
	err = tx.QueryRow(ctx, `SELECT max_participants FROM rooms WHERE id=$1 FOR UPDATE`, p.RoomID).Scan(&maxParticipants)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrRoomNotFound
		}
		return err
	}

	var count int64
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM room_participants WHERE room_id=$1`, p.RoomID).Scan(&count); err != nil {
		return err
	}
	if maxParticipants > 0 && count >= maxParticipants {
		return domain.ErrRoomFull
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO room_participants (room_id, name)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
		RETURNING joined_at, last_seen
	`, p.RoomID, p.Name).Scan(&p.JoinedAt, &p.LastSeen)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrAlreadyJoined
		}
		return err
	}

	return tx.Commit(ctx)
}

func (r *ParticipantRepository) Leave(ctx context.Context, roomID, name string) error {
	cmd, err := r.db.Exec(ctx, `DELETE FROM room_participants WHERE room_id=$1 AND name=$2`, roomID, name)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return domain.ErrNotInRoom
	}
	return nil
}

func (r *ParticipantRepository) ListByRoom(ctx context.Context, roomID string) ([]domain.Participant, error) {
	rows, err := r.db.Query(ctx,
		`SELECT room_id, name, joined_at, last_seen FROM room_participants WHERE room_id=$1 ORDER BY joined_at ASC`,
		roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []domain.Participant
	for rows.Next() {
		var p domain.Participant
		if err := rows.Scan(&p.RoomID, &p.Name, &p.JoinedAt, &p.LastSeen); err != nil {
			return nil, err
		}
		list = append(list, p)
	}
	return list, rows.Err()
}

func (r *ParticipantRepository) TouchHeartbeat(ctx context.Context, roomID, name string) error {
	cmd, err := r.db.Exec(ctx,
		`UPDATE room_participants SET last_seen=now() WHERE room_id=$1 AND name=$2`,
		roomID, name)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return domain.ErrNotInRoom
	}
	return nil
}
