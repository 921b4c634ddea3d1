package domain

import (
	"regexp"
	"strings"
	"time"
)

type Room struct {
	ID              string    `db:"id"`
	MaxParticipants int64     `db:"max_participants"`
	CreatedAt       time.Time `db:"created_at"`
}

var roomIDPattern = regexp.MustCompile(`^[a-z0-9-]{1,64}$`)

// NormalizeRoomID lower-cases and trims id, reporting whether the result is a
// well-formed room id.
func NormalizeRoomID(id string) (string, bool) {
	id = strings.ToLower(strings.TrimSpace(id))
	return id, roomIDPattern.MatchString(id)
}
