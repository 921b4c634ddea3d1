package postgres

import (
	"context"
	"errors"

	"github.com/cwrk-planet/watch-party/internal/domain"

	"github.com/jackc/pgx/v5"
)

const videoColumns = `room_id, file_key, hls_url, status, created_at, updated_at`

// VideoRepository owns the one-video-per-room slot. Reserve is the
// compare-and-set that keeps two uploads from publishing into one room.
type VideoRepository struct {
	db DBTX
}

func NewVideoRepository(db DBTX) *VideoRepository {
	return &VideoRepository{db: db}
}

// Reserve claims the room's slot for fileKey in the converting state. An
// occupied slot yields domain.ErrVideoExists.
func (r *VideoRepository) Reserve(ctx context.Context, roomID, fileKey string) (*domain.Video, error) {
	row := r.db.QueryRow(ctx, `
		INSERT INTO room_videos (room_id, file_key, status)
		VALUES ($1, $2, 'converting')
		ON CONFLICT DO NOTHING
		RETURNING `+videoColumns, roomID, fileKey)

	v, err := scanVideo(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrVideoExists
	}
	return v, err
}

func (r *VideoRepository) MarkReady(ctx context.Context, roomID, fileKey, hlsURL string) error {
	cmd, err := r.db.Exec(ctx, `
		UPDATE room_videos
		SET status='ready', hls_url=$3, updated_at=now()
		WHERE room_id=$1 AND file_key=$2 AND status='converting'
	`, roomID, fileKey, hlsURL)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return domain.ErrVideoNotFound
	}
	return nil
}

// Release frees a slot whose conversion failed.
func (r *VideoRepository) Release(ctx context.Context, roomID, fileKey string) error {
	_, err := r.db.Exec(ctx,
		`DELETE FROM room_videos WHERE room_id=$1 AND file_key=$2 AND status='converting'`,
		roomID, fileKey)
	return err
}

func (r *VideoRepository) GetReady(ctx context.Context, roomID string) (*domain.Video, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+videoColumns+` FROM room_videos WHERE room_id=$1 AND status='ready'`, roomID)
	v, err := scanVideo(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrVideoNotFound
	}
	return v, err
}

func (r *VideoRepository) DeleteByKey(ctx context.Context, fileKey string) (*domain.Video, error) {
	row := r.db.QueryRow(ctx,
		`DELETE FROM room_videos WHERE file_key=$1 RETURNING `+videoColumns, fileKey)
	v, err := scanVideo(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrVideoNotFound
	}
	return v, err
}

func scanVideo(row pgx.Row) (*domain.Video, error) {
	var v domain.Video
	var status string
	if err := row.Scan(&v.RoomID, &v.FileKey, &v.HLSURL, &status, &v.CreatedAt, &v.UpdatedAt); err != nil {
		return nil, err
	}
	v.Status = domain.VideoStatus(status)
	return &v, nil
}
