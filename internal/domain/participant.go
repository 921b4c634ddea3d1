package domain

import "time"

type Participant struct {
	RoomID   string    `db:"room_id"`
	Name     string    `db:"name"`
	JoinedAt time.Time `db:"joined_at"`
	LastSeen time.Time `db:"last_seen"`
}
