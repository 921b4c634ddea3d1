package domain

import "errors"

var (
	ErrRoomNotFound   = errors.New("room not found")
	ErrRoomExists     = errors.New("room id already taken")
	ErrRoomFull       = errors.New("room is full")
	ErrAlreadyJoined  = errors.New("name already taken in the room")
	ErrNotInRoom      = errors.New("participant not in the room")
	ErrInvalidRoomID  = errors.New("invalid room id")
	ErrEmptyName      = errors.New("name is required")
	ErrEmptyMessage   = errors.New("empty message")
	ErrMessageTooLong = errors.New("message too long")
	ErrMessageExists  = errors.New("message id already used")

	ErrVideoExists      = errors.New("room already has a video")
	ErrVideoNotFound    = errors.New("video not found")
	ErrUnsupportedMedia = errors.New("unsupported media type")
	ErrFileTooLarge     = errors.New("file too large")
	ErrInvalidObject    = errors.New("object is not an upload of this backend")
	ErrTranscode        = errors.New("transcode failed")
)
