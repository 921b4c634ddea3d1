package http

import "time"

type RoomResponse struct {
	RoomID    string    `json:"roomId"`
	CreatedAt time.Time `json:"createdAt,omitzero"`
}

type JoinRoomRequest struct {
	Name string `json:"name" validate:"required,max=64"`
}

type JoinRoomResponse struct {
	RoomID string `json:"roomId"`
	Name   string `json:"name"`
}

type LeaveRoomRequest struct {
	Name string `json:"name" validate:"required,max=64"`
}

type UploadURLResponse struct {
	UploadURL string `json:"uploadURL"`
	FileKey   string `json:"fileKey"`
}

type ProcessRequest struct {
	MovieURL string `json:"movieUrl" validate:"required_without=FileKey"`
	RoomID   string `json:"roomId" validate:"required"`
	FileKey  string `json:"fileKey"`
}

type ProcessResponse struct {
	Success bool   `json:"success"`
	HLSURL  string `json:"hlsUrl,omitempty"`
	Message string `json:"message,omitempty"`
}

type VideoItem struct {
	HLSURL  string `json:"hlsUrl"`
	FileKey string `json:"fileKey"`
}

type MovieStatusResponse struct {
	Success bool       `json:"success"`
	Video   *VideoItem `json:"video,omitempty"`
}

type DeleteMovieRequest struct {
	FileKey string `json:"fileKey" validate:"required"`
}

type DeleteMovieResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

type ParticipantItem struct {
	Name     string    `json:"name"`
	JoinedAt time.Time `json:"joinedAt"`
	LastSeen time.Time `json:"lastSeen"`
	Online   bool      `json:"online"`
}

type ParticipantsResponse struct {
	Items []ParticipantItem `json:"items"`
}

type ChatMessageItem struct {
	ID        string    `json:"id"`
	Sender    string    `json:"sender"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

type ChatHistoryResponse struct {
	Items      []ChatMessageItem `json:"items"`
	NextCursor string            `json:"nextCursor,omitempty"`
}
