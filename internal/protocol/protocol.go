// Package protocol is the wire vocabulary shared by the party client and the
// channel server: one JSON envelope per websocket text frame.
package protocol

import (
	"encoding/json"
	"fmt"
)

type Event string

const (
	EventJoinRoom       Event = "join_room"
	EventSendMessage    Event = "send_message"
	EventReceiveMessage Event = "receive_message"
	EventPlay           Event = "play_video"
	EventPause          Event = "pause_video"
	EventSeek           Event = "seek_video"
	EventMovieReady     Event = "movie_ready"
	EventMovieDeleted   Event = "movie_deleted"
	EventSyncRequest    Event = "sync_request"
	EventSyncState      Event = "sync_state"
	EventError          Event = "error"
)

// IsControl reports whether e is a playback transport change.
func (e Event) IsControl() bool {
	return e == EventPlay || e == EventPause || e == EventSeek
}

// IsRelayed reports whether the channel server fans e out to the room as is.
func (e Event) IsRelayed() bool {
	switch e {
	case EventPlay, EventPause, EventSeek,
		EventMovieReady, EventMovieDeleted,
		EventSyncRequest, EventSyncState:
		return true
	}
	return false
}

type Envelope struct {
	Type    Event           `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	// From is the sender's connection id, set by the server.
	From string `json:"from,omitempty"`
}

func Encode(t Event, payload any) (Envelope, error) {
	if payload == nil {
		return Envelope{Type: t}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s: %w", t, err)
	}
	return Envelope{Type: t, Payload: raw}, nil
}

func (e Envelope) Decode(dst any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("decode %s: empty payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("decode %s: %w", e.Type, err)
	}
	return nil
}

type JoinPayload struct {
	RoomID string `json:"roomId"`
}

type ChatPayload struct {
	RoomID string `json:"roomId"`
	ID     string `json:"id,omitempty"`
	Text   string `json:"text"`
	Sender string `json:"sender"`
	TSUnix int64  `json:"ts,omitempty"`
}

type ControlPayload struct {
	RoomID      string  `json:"roomId"`
	CurrentTime float64 `json:"currentTime"`
}

type MoviePayload struct {
	RoomID  string `json:"roomId"`
	HLSURL  string `json:"hlsUrl,omitempty"`
	FileKey string `json:"fileKey,omitempty"`
}

type SyncRequestPayload struct {
	RoomID string `json:"roomId"`
}

type SyncStatePayload struct {
	RoomID      string  `json:"roomId"`
	Playing     bool    `json:"playing"`
	CurrentTime float64 `json:"currentTime"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}
