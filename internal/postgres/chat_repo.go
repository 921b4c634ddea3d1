package postgres

import (
	"context"
	"fmt"

	"github.com/cwrk-planet/watch-party/internal/domain"
)

type ChatRepository struct {
	db DBTX
}

func NewChatRepository(db DBTX) *ChatRepository {
	return &ChatRepository{db: db}
}

func (r *ChatRepository) Save(ctx context.Context, m *domain.ChatMessage) error {
	row := r.db.QueryRow(ctx, `
		INSERT INTO room_messages (id, room_id, sender, text)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`, m.ID, m.RoomID, m.Sender, m.Text)

	if err := row.Scan(&m.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("message %s: %w", m.ID, domain.ErrMessageExists)
		}
		return err
	}
	return nil
}

// History pages a room's messages newest first, ordered by (created_at, id).
func (r *ChatRepository) History(ctx context.Context, roomID, after string, limit int) ([]domain.ChatMessage, string, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}
	cur, err := DecodeCursor(after)
	if err != nil {
		return nil, "", err
	}

	const query = `
		SELECT id, room_id, sender, text, created_at
		FROM room_messages
		WHERE room_id = $1
		  AND (
		    $2::timestamptz IS NULL
		    OR created_at < $2
		    OR (created_at = $2 AND id < $3)
		  )
		ORDER BY created_at DESC, id DESC
		LIMIT $4
	`

	var createdAt, id any
	if cur != nil {
		createdAt = cur.CreatedAt
		id = cur.ID
	}

	rows, err := r.db.Query(ctx, query, roomID, createdAt, id, limit)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	var out []domain.ChatMessage
	for rows.Next() {
		var m domain.ChatMessage
		if err := rows.Scan(&m.ID, &m.RoomID, &m.Sender, &m.Text, &m.CreatedAt); err != nil {
			return nil, "", err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	if len(out) == 0 {
		return out, "", nil
	}
	last := out[len(out)-1]
	return out, nextCursor(len(out), limit, last.CreatedAt, last.ID), nil
}
