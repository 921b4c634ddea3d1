package postgres

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var ErrInvalidCursor = errors.New("invalid cursor")

// Cursor is the keyset position of the last chat message of a page. On the
// wire it is "<unix micros>~<message id>", base64url without padding;
// timestamptz keeps microseconds, so the round trip is exact.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

func (c Cursor) String() string {
	raw := strconv.FormatInt(c.CreatedAt.UnixMicro(), 10) + "~" + c.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses s; the empty string is the first page (nil).
func DecodeCursor(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	at, id, ok := strings.Cut(string(data), "~")
	if !ok || id == "" {
		return nil, fmt.Errorf("%w: want <micros>~<id>", ErrInvalidCursor)
	}
	us, err := strconv.ParseInt(at, 10, 64)
	if err != nil || us <= 0 {
		return nil, fmt.Errorf("%w: bad timestamp %q", ErrInvalidCursor, at)
	}
	return &Cursor{CreatedAt: time.UnixMicro(us).UTC(), ID: id}, nil
}

// nextCursor returns the cursor after a full page of n rows ending at
// (at, id), or "" when the page was the last one.
func nextCursor(n, limit int, at time.Time, id string) string {
	if n == 0 || n < limit {
		return ""
	}
	return Cursor{CreatedAt: at, ID: id}.String()
}
