package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/cwrk-planet/watch-party/internal/domain"
	"github.com/cwrk-planet/watch-party/internal/postgres"
	"github.com/cwrk-planet/watch-party/pkg/errs"
	"github.com/cwrk-planet/watch-party/pkg/httputil"

	"github.com/go-chi/chi/v5"
)

type RoomAPI interface {
	CreateRoom(ctx context.Context) (*domain.Room, error)
	GetRoom(ctx context.Context, id string) (*domain.Room, error)
}

type MemberAPI interface {
	JoinRoom(ctx context.Context, roomID, name string) (*domain.Participant, error)
	LeaveRoom(ctx context.Context, roomID, name string) error
	ListParticipants(ctx context.Context, roomID string) ([]domain.Participant, error)
}

type ChatAPI interface {
	History(ctx context.Context, roomID, after string, limit int) ([]domain.ChatMessage, string, error)
}

type VideoAPI interface {
	UploadURL(ctx context.Context, contentType string, size int64) (string, string, error)
	Process(ctx context.Context, roomID, movieURL, fileKey string) (*domain.Video, error)
	Status(ctx context.Context, roomID string) (*domain.Video, error)
	Delete(ctx context.Context, fileKey string) (*domain.Video, error)
}

type Handler struct {
	rooms   RoomAPI
	members MemberAPI
	chat    ChatAPI
	videos  VideoAPI

	onlineWindow time.Duration
	now          func() time.Time
}

func NewHandler(rooms RoomAPI, members MemberAPI, chat ChatAPI, videos VideoAPI) *Handler {
	return &Handler{
		rooms:        rooms,
		members:      members,
		chat:         chat,
		videos:       videos,
		onlineWindow: 60 * time.Second,
		now:          time.Now,
	}
}

func (h *Handler) SetOnlineWindow(d time.Duration) {
	if d > 0 {
		h.onlineWindow = d
	}
}

// statusOf maps service errors onto HTTP statuses.
func statusOf(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidRoomID),
		errors.Is(err, domain.ErrEmptyName),
		errors.Is(err, domain.ErrEmptyMessage),
		errors.Is(err, domain.ErrMessageTooLong),
		errors.Is(err, domain.ErrInvalidObject),
		errors.Is(err, postgres.ErrInvalidCursor):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrUnsupportedMedia):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, domain.ErrFileTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, domain.ErrRoomNotFound),
		errors.Is(err, domain.ErrVideoNotFound),
		errors.Is(err, domain.ErrNotInRoom):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrRoomFull),
		errors.Is(err, domain.ErrVideoExists),
		errors.Is(err, domain.ErrRoomExists):
		return http.StatusConflict
	case errors.Is(err, domain.ErrTranscode):
		return http.StatusBadGateway
	default:
		return errs.ToHTTP(err)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		slog.ErrorContext(r.Context(), "handler."+op, slog.Any("err", err))
	}
	httputil.Error(r.Context(), w, status, messageOf(status, err), nil)
}

func messageOf(status int, err error) string {
	if status == http.StatusInternalServerError {
		return "internal error"
	}
	return err.Error()
}

// POST /api/createroom
func (h *Handler) CreateRoom(w http.ResponseWriter, r *http.Request) {
	room, err := h.rooms.CreateRoom(r.Context())
	if err != nil {
		writeError(w, r, "CreateRoom", err)
		return
	}
	httputil.JSON(w, http.StatusCreated, RoomResponse{RoomID: room.ID, CreatedAt: room.CreatedAt})
}

// GET /api/verifyroom/{roomId}
func (h *Handler) VerifyRoom(w http.ResponseWriter, r *http.Request) {
	room, err := h.rooms.GetRoom(r.Context(), chi.URLParam(r, "roomId"))
	if errors.Is(err, domain.ErrInvalidRoomID) {
		// a malformed id names no room
		err = domain.ErrRoomNotFound
	}
	if err != nil {
		writeError(w, r, "VerifyRoom", err)
		return
	}
	httputil.OK(w, RoomResponse{RoomID: room.ID, CreatedAt: room.CreatedAt})
}

// PUT /api/joinroom/{roomId}
func (h *Handler) JoinRoom(w http.ResponseWriter, r *http.Request) {
	var in JoinRoomRequest
	if err := httputil.Decode(r, &in); err != nil {
		writeError(w, r, "JoinRoom", err)
		return
	}
	p, err := h.members.JoinRoom(r.Context(), chi.URLParam(r, "roomId"), in.Name)
	if err != nil {
		writeError(w, r, "JoinRoom", err)
		return
	}
	httputil.OK(w, JoinRoomResponse{RoomID: p.RoomID, Name: p.Name})
}

// POST /api/rooms/{roomId}/leave
func (h *Handler) LeaveRoom(w http.ResponseWriter, r *http.Request) {
	var in LeaveRoomRequest
	if err := httputil.Decode(r, &in); err != nil {
		writeError(w, r, "LeaveRoom", err)
		return
	}
	if err := h.members.LeaveRoom(r.Context(), chi.URLParam(r, "roomId"), in.Name); err != nil {
		writeError(w, r, "LeaveRoom", err)
		return
	}
	httputil.OK(w, map[string]string{"status": "left"})
}

// GET /api/rooms/{roomId}/participants
func (h *Handler) GetParticipants(w http.ResponseWriter, r *http.Request) {
	items, err := h.members.ListParticipants(r.Context(), chi.URLParam(r, "roomId"))
	if err != nil {
		writeError(w, r, "GetParticipants", err)
		return
	}
	now := h.now()
	resp := ParticipantsResponse{Items: make([]ParticipantItem, 0, len(items))}
	for _, p := range items {
		resp.Items = append(resp.Items, ParticipantItem{
			Name:     p.Name,
			JoinedAt: p.JoinedAt,
			LastSeen: p.LastSeen,
			Online:   now.Sub(p.LastSeen) <= h.onlineWindow,
		})
	}
	httputil.OK(w, resp)
}

// GET /api/rooms/{roomId}/chat?after=&limit=
func (h *Handler) GetChatHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			limit = n
		}
	}
	items, next, err := h.chat.History(r.Context(), chi.URLParam(r, "roomId"), r.URL.Query().Get("after"), limit)
	if err != nil {
		writeError(w, r, "GetChatHistory", err)
		return
	}
	resp := ChatHistoryResponse{Items: make([]ChatMessageItem, 0, len(items)), NextCursor: next}
	for _, m := range items {
		resp.Items = append(resp.Items, ChatMessageItem{
			ID:        m.ID,
			Sender:    m.Sender,
			Text:      m.Text,
			CreatedAt: m.CreatedAt.Truncate(time.Millisecond),
		})
	}
	httputil.OK(w, resp)
}

// GET /api/upload-url?contentType=&size=
func (h *Handler) UploadURL(w http.ResponseWriter, r *http.Request) {
	var size int64
	if s := r.URL.Query().Get("size"); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil || n < 0 {
			httputil.Error(r.Context(), w, http.StatusBadRequest, "size must be a non-negative integer", nil)
			return
		}
		size = n
	}
	url, key, err := h.videos.UploadURL(r.Context(), r.URL.Query().Get("contentType"), size)
	if err != nil {
		writeError(w, r, "UploadURL", err)
		return
	}
	httputil.OK(w, UploadURLResponse{UploadURL: url, FileKey: key})
}

// POST /api/movieupload/process
func (h *Handler) ProcessMovie(w http.ResponseWriter, r *http.Request) {
	var in ProcessRequest
	if err := httputil.Decode(r, &in); err != nil {
		httputil.JSON(w, http.StatusBadRequest, ProcessResponse{Message: err.Error()})
		return
	}
	video, err := h.videos.Process(r.Context(), in.RoomID, in.MovieURL, in.FileKey)
	if err != nil {
		status := statusOf(err)
		if status >= http.StatusInternalServerError {
			slog.ErrorContext(r.Context(), "handler.ProcessMovie", slog.Any("err", err))
		}
		httputil.JSON(w, status, ProcessResponse{Message: messageOf(status, err)})
		return
	}
	httputil.OK(w, ProcessResponse{Success: true, HLSURL: video.HLSURL, Message: "ready"})
}

// GET /api/movieupload/{roomId}
func (h *Handler) MovieStatus(w http.ResponseWriter, r *http.Request) {
	video, err := h.videos.Status(r.Context(), chi.URLParam(r, "roomId"))
	if errors.Is(err, domain.ErrVideoNotFound) {
		httputil.OK(w, MovieStatusResponse{})
		return
	}
	if err != nil {
		writeError(w, r, "MovieStatus", err)
		return
	}
	httputil.OK(w, MovieStatusResponse{
		Success: true,
		Video:   &VideoItem{HLSURL: video.HLSURL, FileKey: video.FileKey},
	})
}

// POST /api/movieupload/delete
func (h *Handler) DeleteMovie(w http.ResponseWriter, r *http.Request) {
	var in DeleteMovieRequest
	if err := httputil.Decode(r, &in); err != nil {
		httputil.JSON(w, http.StatusBadRequest, DeleteMovieResponse{Message: err.Error()})
		return
	}
	if _, err := h.videos.Delete(r.Context(), in.FileKey); err != nil {
		status := statusOf(err)
		if status >= http.StatusInternalServerError {
			slog.ErrorContext(r.Context(), "handler.DeleteMovie", slog.Any("err", err))
		}
		httputil.JSON(w, status, DeleteMovieResponse{Message: messageOf(status, err)})
		return
	}
	httputil.OK(w, DeleteMovieResponse{Success: true, Message: "deleted"})
}
