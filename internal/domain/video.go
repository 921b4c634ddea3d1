package domain

import "time"

type VideoStatus string

const (
	VideoConverting VideoStatus = "converting"
	VideoReady      VideoStatus = "ready"
)

// Video is the single shared video slot of a room.
type Video struct {
	RoomID    string      `db:"room_id"`
	FileKey   string      `db:"file_key"`
	HLSURL    string      `db:"hls_url"`
	Status    VideoStatus `db:"status"`
	CreatedAt time.Time   `db:"created_at"`
	UpdatedAt time.Time   `db:"updated_at"`
}
