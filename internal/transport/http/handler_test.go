package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cwrk-planet/watch-party/internal/domain"
	"github.com/cwrk-planet/watch-party/internal/postgres"
)

type fakeRooms struct{ rooms map[string]bool }

func (f *fakeRooms) CreateRoom(context.Context) (*domain.Room, error) {
	f.rooms["abc123"] = true
	return &domain.Room{ID: "abc123"}, nil
}

func (f *fakeRooms) GetRoom(_ context.Context, id string) (*domain.Room, error) {
	id, ok := domain.NormalizeRoomID(id)
	if !ok {
		return nil, domain.ErrInvalidRoomID
	}
	if !f.rooms[id] {
		return nil, domain.ErrRoomNotFound
	}
	return &domain.Room{ID: id}, nil
}

type fakeMembers struct {
	touched  []string
	lastSeen time.Time
}

func (f *fakeMembers) JoinRoom(_ context.Context, roomID, name string) (*domain.Participant, error) {
	if roomID != "abc123" {
		return nil, domain.ErrRoomNotFound
	}
	return &domain.Participant{RoomID: roomID, Name: name}, nil
}
func (f *fakeMembers) LeaveRoom(context.Context, string, string) error { return domain.ErrNotInRoom }
func (f *fakeMembers) ListParticipants(_ context.Context, roomID string) ([]domain.Participant, error) {
	return []domain.Participant{
		{RoomID: roomID, Name: "ann", LastSeen: f.lastSeen},
		{RoomID: roomID, Name: "bob", LastSeen: f.lastSeen.Add(-time.Hour)},
	}, nil
}
func (f *fakeMembers) TouchHeartbeat(_ context.Context, roomID, name string) error {
	f.touched = append(f.touched, roomID+"/"+name)
	return nil
}

type fakeChat struct{}

func (fakeChat) History(_ context.Context, roomID, after string, limit int) ([]domain.ChatMessage, string, error) {
	if after == "bad" {
		return nil, "", postgres.ErrInvalidCursor
	}
	return []domain.ChatMessage{{ID: "m2", RoomID: roomID, Sender: "ann", Text: "hi"}}, "next", nil
}

type fakeVideos struct {
	ready map[string]*domain.Video
}

func (f *fakeVideos) UploadURL(_ context.Context, contentType string, size int64) (string, string, error) {
	if contentType == "image/png" {
		return "", "", domain.ErrUnsupportedMedia
	}
	return "https://s3.test/put", "uploads/k.mp4", nil
}

func (f *fakeVideos) Process(_ context.Context, roomID, _, fileKey string) (*domain.Video, error) {
	if _, ok := f.ready[roomID]; ok {
		return nil, domain.ErrVideoExists
	}
	if fileKey == "uploads/broken.mp4" {
		return nil, domain.ErrTranscode
	}
	v := &domain.Video{RoomID: roomID, FileKey: fileKey, HLSURL: "https://cdn.test/" + roomID + "/master.m3u8", Status: domain.VideoReady}
	f.ready[roomID] = v
	return v, nil
}

func (f *fakeVideos) Status(_ context.Context, roomID string) (*domain.Video, error) {
	v, ok := f.ready[roomID]
	if !ok {
		return nil, domain.ErrVideoNotFound
	}
	return v, nil
}

func (f *fakeVideos) Delete(_ context.Context, fileKey string) (*domain.Video, error) {
	for id, v := range f.ready {
		if v.FileKey == fileKey {
			delete(f.ready, id)
			return v, nil
		}
	}
	return nil, domain.ErrVideoNotFound
}

type testAPI struct {
	handler http.Handler
	members *fakeMembers
}

func newTestAPI() *testAPI {
	members := &fakeMembers{lastSeen: time.Unix(1_700_000_000, 0)}
	h := NewHandler(&fakeRooms{rooms: map[string]bool{}}, members, fakeChat{}, &fakeVideos{ready: map[string]*domain.Video{}})
	h.now = func() time.Time { return members.lastSeen.Add(10 * time.Second) }
	return &testAPI{handler: NewRouter(h, RouterOptions{Heartbeat: members}), members: members}
}

func (a *testAPI) do(t *testing.T, method, path, body string, out any) int {
	t.Helper()
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	}
	r.Header.Set("X-Party-Name", "ann")
	w := httptest.NewRecorder()
	a.handler.ServeHTTP(w, r)
	if out != nil {
		if err := json.Unmarshal(w.Body.Bytes(), out); err != nil {
			t.Fatalf("%s %s: decode %q: %v", method, path, w.Body.String(), err)
		}
	}
	return w.Code
}

type errorBody struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

func TestRoomLifecycle(t *testing.T) {
	api := newTestAPI()

	var created RoomResponse
	if code := api.do(t, http.MethodPost, "/api/createroom", "", &created); code != http.StatusCreated || created.RoomID != "abc123" {
		t.Fatalf("create = %d %+v", code, created)
	}

	var verified RoomResponse
	if code := api.do(t, http.MethodGet, "/api/verifyroom/ABC123", "", &verified); code != http.StatusOK || verified.RoomID != "abc123" {
		t.Fatalf("verify = %d %+v", code, verified)
	}

	var eb errorBody
	if code := api.do(t, http.MethodGet, "/api/verifyroom/nope", "", &eb); code != http.StatusNotFound || eb.Error.Message == "" {
		t.Fatalf("verify missing = %d %+v", code, eb)
	}
	if code := api.do(t, http.MethodGet, "/api/verifyroom/bad%20id", "", nil); code != http.StatusNotFound {
		t.Fatalf("verify malformed = %d", code)
	}

	var joined JoinRoomResponse
	if code := api.do(t, http.MethodPut, "/api/joinroom/abc123", `{"name":"ann"}`, &joined); code != http.StatusOK || joined.Name != "ann" {
		t.Fatalf("join = %d %+v", code, joined)
	}
	if code := api.do(t, http.MethodPut, "/api/joinroom/abc123", `{"name":""}`, &eb); code != http.StatusBadRequest {
		t.Fatalf("join without name = %d", code)
	}
	if code := api.do(t, http.MethodPost, "/api/rooms/abc123/leave", `{"name":"zed"}`, nil); code != http.StatusNotFound {
		t.Fatalf("leave stranger = %d", code)
	}
}

func TestParticipantsOnlineWindow(t *testing.T) {
	api := newTestAPI()
	var resp ParticipantsResponse
	if code := api.do(t, http.MethodGet, "/api/rooms/abc123/participants", "", &resp); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if len(resp.Items) != 2 || !resp.Items[0].Online || resp.Items[1].Online {
		t.Fatalf("items = %+v", resp.Items)
	}
	if len(api.members.touched) != 1 || api.members.touched[0] != "abc123/ann" {
		t.Fatalf("heartbeats = %v", api.members.touched)
	}
}

func TestChatHistory(t *testing.T) {
	api := newTestAPI()
	var resp ChatHistoryResponse
	if code := api.do(t, http.MethodGet, "/api/rooms/abc123/chat?limit=10", "", &resp); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if len(resp.Items) != 1 || resp.Items[0].Sender != "ann" || resp.NextCursor != "next" {
		t.Fatalf("resp = %+v", resp)
	}
	if code := api.do(t, http.MethodGet, "/api/rooms/abc123/chat?after=bad", "", nil); code != http.StatusBadRequest {
		t.Fatalf("bad cursor = %d", code)
	}
}

func TestMovieFlow(t *testing.T) {
	api := newTestAPI()

	var target UploadURLResponse
	if code := api.do(t, http.MethodGet, "/api/upload-url?contentType=video%2Fmp4&size=10", "", &target); code != http.StatusOK || target.FileKey == "" {
		t.Fatalf("upload-url = %d %+v", code, target)
	}
	if code := api.do(t, http.MethodGet, "/api/upload-url?contentType=image%2Fpng", "", nil); code != http.StatusUnsupportedMediaType {
		t.Fatalf("png = %d", code)
	}
	if code := api.do(t, http.MethodGet, "/api/upload-url?size=-1", "", nil); code != http.StatusBadRequest {
		t.Fatalf("negative size = %d", code)
	}

	var status MovieStatusResponse
	if code := api.do(t, http.MethodGet, "/api/movieupload/abc123", "", &status); code != http.StatusOK || status.Success {
		t.Fatalf("empty status = %d %+v", code, status)
	}

	var proc ProcessResponse
	if code := api.do(t, http.MethodPost, "/api/movieupload/process", `{"roomId":"abc123","fileKey":"uploads/k.mp4"}`, &proc); code != http.StatusOK || !proc.Success || proc.HLSURL == "" {
		t.Fatalf("process = %d %+v", code, proc)
	}
	if code := api.do(t, http.MethodPost, "/api/movieupload/process", `{"roomId":"abc123","fileKey":"uploads/j.mp4"}`, &proc); code != http.StatusConflict || proc.Success {
		t.Fatalf("second process = %d %+v", code, proc)
	}
	if code := api.do(t, http.MethodPost, "/api/movieupload/process", `{"roomId":"other"}`, &proc); code != http.StatusBadRequest {
		t.Fatalf("process without source = %d", code)
	}
	if code := api.do(t, http.MethodPost, "/api/movieupload/process", `{"roomId":"r9","fileKey":"uploads/broken.mp4"}`, &proc); code != http.StatusBadGateway || proc.Message == "" {
		t.Fatalf("broken process = %d %+v", code, proc)
	}

	if code := api.do(t, http.MethodGet, "/api/movieupload/abc123", "", &status); code != http.StatusOK || !status.Success || status.Video.FileKey != "uploads/k.mp4" {
		t.Fatalf("ready status = %d %+v", code, status)
	}

	var del DeleteMovieResponse
	if code := api.do(t, http.MethodPost, "/api/movieupload/delete", `{"fileKey":"uploads/k.mp4"}`, &del); code != http.StatusOK || !del.Success {
		t.Fatalf("delete = %d %+v", code, del)
	}
	if code := api.do(t, http.MethodPost, "/api/movieupload/delete", `{"fileKey":"uploads/k.mp4"}`, &del); code != http.StatusNotFound || del.Success {
		t.Fatalf("second delete = %d %+v", code, del)
	}
}

func TestHealthz(t *testing.T) {
	api := newTestAPI()
	if code := api.do(t, http.MethodGet, "/healthz", "", nil); code != http.StatusOK {
		t.Fatalf("healthz = %d", code)
	}
}
