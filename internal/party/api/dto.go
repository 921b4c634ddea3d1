package api

import "time"

type createRoomResponse struct {
	RoomID string `json:"roomId"`
}

type joinRoomRequest struct {
	Name string `json:"name"`
}

type uploadURLResponse struct {
	UploadURL string `json:"uploadURL"`
	FileKey   string `json:"fileKey"`
}

type processRequest struct {
	MovieURL string `json:"movieUrl"`
	RoomID   string `json:"roomId"`
	FileKey  string `json:"fileKey,omitempty"`
}

type processResponse struct {
	Success bool   `json:"success"`
	HLSURL  string `json:"hlsUrl,omitempty"`
	Message string `json:"message,omitempty"`
}

type videoItem struct {
	HLSURL  string `json:"hlsUrl"`
	FileKey string `json:"fileKey"`
}

type movieStatusResponse struct {
	Success bool       `json:"success"`
	Video   *videoItem `json:"video,omitempty"`
}

type deleteRequest struct {
	FileKey string `json:"fileKey"`
}

type deleteResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

type errorEnvelope struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
	Message string `json:"message"`
}

type ChatMessage struct {
	ID        string    `json:"id"`
	Sender    string    `json:"sender"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

type ChatHistory struct {
	Items      []ChatMessage `json:"items"`
	NextCursor string        `json:"nextCursor,omitempty"`
}
