package domain

import "time"

const MaxMessageRunes = 4000

type ChatMessage struct {
	ID        string    `db:"id"`
	RoomID    string    `db:"room_id"`
	Sender    string    `db:"sender"`
	Text      string    `db:"text"`
	CreatedAt time.Time `db:"created_at"`
}
