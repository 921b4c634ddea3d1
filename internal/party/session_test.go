package party

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cwrk-planet/watch-party/internal/domain"
	"github.com/cwrk-planet/watch-party/internal/party/api"
	"github.com/cwrk-planet/watch-party/internal/party/membership"
	"github.com/cwrk-planet/watch-party/internal/party/playback"
	"github.com/cwrk-planet/watch-party/internal/party/resource"
	"github.com/cwrk-planet/watch-party/internal/protocol"
	"github.com/cwrk-planet/watch-party/internal/service"
	httpx "github.com/cwrk-planet/watch-party/internal/transport/http"
	"github.com/cwrk-planet/watch-party/internal/transport/ws"
)

// in-memory stores behind the real services

type memRooms struct {
	mu    sync.Mutex
	rooms map[string]*domain.Room
}

func (m *memRooms) Create(_ context.Context, room *domain.Room) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rooms[room.ID]; ok {
		return domain.ErrRoomExists
	}
	room.CreatedAt = time.Now()
	m.rooms[room.ID] = room
	return nil
}

func (m *memRooms) Get(_ context.Context, id string) (*domain.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[id]
	if !ok {
		return nil, domain.ErrRoomNotFound
	}
	return r, nil
}

func (m *memRooms) Exists(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.rooms[id]
	return ok, nil
}

type memParticipants struct {
	mu      sync.Mutex
	members map[string]*domain.Participant
}

func (m *memParticipants) Join(_ context.Context, p *domain.Participant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := p.RoomID + "/" + p.Name
	if _, ok := m.members[k]; ok {
		return domain.ErrAlreadyJoined
	}
	p.JoinedAt, p.LastSeen = time.Now(), time.Now()
	m.members[k] = p
	return nil
}

func (m *memParticipants) Leave(_ context.Context, roomID, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.members, roomID+"/"+name)
	return nil
}

func (m *memParticipants) ListByRoom(_ context.Context, roomID string) ([]domain.Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Participant
	for _, p := range m.members {
		if p.RoomID == roomID {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (m *memParticipants) TouchHeartbeat(_ context.Context, roomID, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.members[roomID+"/"+name]
	if !ok {
		return domain.ErrNotInRoom
	}
	p.LastSeen = time.Now()
	return nil
}

type memChat struct {
	mu   sync.Mutex
	msgs []domain.ChatMessage
}

func (m *memChat) Save(_ context.Context, msg *domain.ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, old := range m.msgs {
		if old.ID == msg.ID {
			return domain.ErrMessageExists
		}
	}
	msg.CreatedAt = time.Now()
	m.msgs = append(m.msgs, *msg)
	return nil
}

func (m *memChat) History(_ context.Context, roomID, _ string, _ int) ([]domain.ChatMessage, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.ChatMessage
	for i := len(m.msgs) - 1; i >= 0; i-- {
		if m.msgs[i].RoomID == roomID {
			out = append(out, m.msgs[i])
		}
	}
	return out, "", nil
}

type memVideos struct {
	mu    sync.Mutex
	slots map[string]*domain.Video
}

func (m *memVideos) Reserve(_ context.Context, roomID, fileKey string) (*domain.Video, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.slots[roomID]; ok {
		return nil, domain.ErrVideoExists
	}
	v := &domain.Video{RoomID: roomID, FileKey: fileKey, Status: domain.VideoConverting}
	m.slots[roomID] = v
	cp := *v
	return &cp, nil
}

func (m *memVideos) MarkReady(_ context.Context, roomID, fileKey, hlsURL string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.slots[roomID]
	if !ok || v.FileKey != fileKey {
		return domain.ErrVideoNotFound
	}
	v.Status, v.HLSURL = domain.VideoReady, hlsURL
	return nil
}

func (m *memVideos) Release(_ context.Context, roomID, fileKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.slots[roomID]; ok && v.FileKey == fileKey {
		delete(m.slots, roomID)
	}
	return nil
}

func (m *memVideos) GetReady(_ context.Context, roomID string) (*domain.Video, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.slots[roomID]
	if !ok || v.Status != domain.VideoReady {
		return nil, domain.ErrVideoNotFound
	}
	cp := *v
	return &cp, nil
}

func (m *memVideos) DeleteByKey(_ context.Context, fileKey string) (*domain.Video, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, v := range m.slots {
		if v.FileKey == fileKey {
			delete(m.slots, id)
			return v, nil
		}
	}
	return nil, domain.ErrVideoNotFound
}

// bucket is a presign-less object store that accepts PUTs over HTTP.
type bucket struct {
	srv *httptest.Server

	mu      sync.Mutex
	objects map[string][]byte
}

func newBucket(t *testing.T) *bucket {
	b := &bucket{objects: map[string][]byte{}}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		body, _ := io.ReadAll(r.Body)
		b.mu.Lock()
		b.objects[strings.TrimPrefix(r.URL.Path, "/party/")] = body
		b.mu.Unlock()
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *bucket) base() string { return b.srv.URL + "/party" }

func (b *bucket) has(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.objects[key]
	return ok
}

func (b *bucket) GenerateUploadURL(_ context.Context, key, _ string, _ int64, _ time.Duration) (string, error) {
	return b.base() + "/" + key, nil
}

func (b *bucket) KeyFromURL(raw string) (string, error) {
	key, ok := strings.CutPrefix(raw, b.base()+"/")
	if !ok {
		return "", errors.New("foreign url")
	}
	return key, nil
}

func (b *bucket) DeleteObject(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objects, key)
	return nil
}

func (b *bucket) DeletePrefix(context.Context, string) error { return nil }

type cdnConverter struct {
	bucket *bucket
	origin string
}

func (c cdnConverter) Convert(_ context.Context, roomID, fileKey string) (string, error) {
	if !c.bucket.has(fileKey) {
		return "", errors.New("source missing")
	}
	return c.origin + "/" + roomID + "/master.m3u8", nil
}

type testBackend struct {
	api    *httptest.Server
	bucket *bucket
}

func newTestBackend(t *testing.T) *testBackend {
	t.Helper()
	return newTestBackendCDN(t, "https://cdn.test")
}

// newTestBackendCDN publishes converted videos under cdnOrigin.
func newTestBackendCDN(t *testing.T, cdnOrigin string) *testBackend {
	t.Helper()
	b := newBucket(t)

	rooms := &memRooms{rooms: map[string]*domain.Room{}}
	roomSvc := service.NewRoomService(rooms, 0)
	memberSvc := service.NewMemberService(&memParticipants{members: map[string]*domain.Participant{}})
	chatSvc := service.NewChatService(&memChat{})
	videoSvc := service.NewVideoService(&memVideos{slots: map[string]*domain.Video{}}, rooms, b, cdnConverter{bucket: b, origin: cdnOrigin}, service.VideoOptions{})

	hub := ws.NewHub()
	wsSrv := ws.NewServer(hub, roomSvc, chatSvc, memberSvc, ws.Options{})
	h := httpx.NewHandler(roomSvc, memberSvc, chatSvc, videoSvc)
	srv := httptest.NewServer(httpx.NewRouter(h, httpx.RouterOptions{WS: wsSrv.HandleWS, Heartbeat: memberSvc}))
	t.Cleanup(srv.Close)

	return &testBackend{api: srv, bucket: b}
}

func (tb *testBackend) client(t *testing.T) *api.Client {
	t.Helper()
	c, err := api.New(api.Options{BaseURL: tb.api.URL, StorageBaseURL: tb.bucket.base()})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func (tb *testBackend) createRoom(t *testing.T) string {
	t.Helper()
	id, err := membership.Create(context.Background(), tb.client(t))
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func (tb *testBackend) open(t *testing.T, roomID, name string) *Session {
	t.Helper()
	c := tb.client(t)
	s, err := Open(context.Background(), Deps{Registry: c, Backend: c, Player: playback.NewClockPlayer()}, Options{
		RoomID:     roomID,
		Name:       name,
		Join:       true,
		ChannelURL: "ws" + strings.TrimPrefix(tb.api.URL, "http"),
	})
	if err != nil {
		t.Fatalf("open %s: %v", name, err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func movie() resource.File {
	data := bytes.Repeat([]byte{0x42}, 2048)
	return resource.File{Name: "movie.mp4", ContentType: "video/mp4", Size: int64(len(data)), Body: bytes.NewReader(data)}
}

func TestUploadReachesPresentAndLateMembers(t *testing.T) {
	tb := newTestBackend(t)
	roomID := tb.createRoom(t)
	want := "https://cdn.test/" + roomID + "/master.m3u8"

	a := tb.open(t, roomID, "alice")
	c := tb.open(t, roomID, "carol")

	if err := a.Resource().RequestUpload(context.Background(), movie()); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if got := a.Resource().Current(); got.Status != resource.StatusReady || got.ManifestURL != want {
		t.Fatalf("uploader resource = %+v", got)
	}
	if got := a.Playback().Snapshot(); got.State != playback.StateReady || got.Manifest != want {
		t.Fatalf("uploader playback = %+v", got)
	}

	waitFor(t, "present member to see the broadcast", func() bool {
		return c.Resource().Current().ManifestURL == want
	})

	// b joins after the broadcast and learns the video from the status query.
	b := tb.open(t, roomID, "bob")
	if got := b.Resource().Current(); got.Status != resource.StatusReady || got.ManifestURL != want {
		t.Fatalf("late joiner resource = %+v", got)
	}
	if got := b.Playback().Snapshot().Manifest; got != want {
		t.Fatalf("late joiner manifest = %q", got)
	}

	if err := b.Resource().RequestUpload(context.Background(), movie()); !errors.Is(err, resource.ErrResourceExists) {
		t.Fatalf("second upload = %v", err)
	}
}

func TestDeleteClearsPeers(t *testing.T) {
	tb := newTestBackend(t)
	roomID := tb.createRoom(t)

	a := tb.open(t, roomID, "alice")
	b := tb.open(t, roomID, "bob")
	if err := a.Resource().RequestUpload(context.Background(), movie()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "peer ready", func() bool { return b.Resource().Current().Status == resource.StatusReady })

	if err := b.Resource().RequestDelete(context.Background()); err != nil {
		t.Fatalf("delete: %v", err)
	}
	waitFor(t, "uploader cleared", func() bool { return a.Resource().Current().Status == resource.StatusAbsent })
	if st := a.Playback().State(); st != playback.StateIdle {
		t.Fatalf("uploader playback = %v", st)
	}
	if st := b.Playback().State(); st != playback.StateIdle {
		t.Fatalf("deleter playback = %v", st)
	}
}

func TestRemotePauseIsAppliedWithoutEcho(t *testing.T) {
	tb := newTestBackend(t)
	roomID := tb.createRoom(t)

	a := tb.open(t, roomID, "alice")
	b := tb.open(t, roomID, "bob")
	if err := a.Resource().RequestUpload(context.Background(), movie()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "peer ready", func() bool { return b.Playback().State() == playback.StateReady })

	var echoed atomic.Int32
	for _, e := range []protocol.Event{protocol.EventPlay, protocol.EventPause, protocol.EventSeek} {
		unsub := a.Channel().On(e, func(protocol.Envelope) { echoed.Add(1) })
		defer unsub()
	}

	ctx := context.Background()
	if err := a.Playback().Seek(ctx, 40.1); err != nil {
		t.Fatal(err)
	}
	if err := a.Playback().Play(ctx); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "peer playing", func() bool { return b.Playback().State() == playback.StatePlaying })

	if err := a.Playback().Seek(ctx, 42.3); err != nil {
		t.Fatal(err)
	}
	if err := a.Playback().Pause(ctx); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "peer paused", func() bool { return b.Playback().State() == playback.StatePaused })

	if got, want := b.Playback().Snapshot().Position, a.Playback().Snapshot().Position; got != want {
		t.Fatalf("peer position = %v, want %v", got, want)
	}
	if want := 42.3; b.Playback().Snapshot().Position < want {
		t.Fatalf("peer position = %v, want >= %v", b.Playback().Snapshot().Position, want)
	}

	time.Sleep(100 * time.Millisecond)
	if n := echoed.Load(); n != 0 {
		t.Fatalf("controller received %d control events back", n)
	}
}

func TestLateJoinerAdoptsPlaybackState(t *testing.T) {
	tb := newTestBackend(t)
	roomID := tb.createRoom(t)

	a := tb.open(t, roomID, "alice")
	if err := a.Resource().RequestUpload(context.Background(), movie()); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := a.Playback().Seek(ctx, 30); err != nil {
		t.Fatal(err)
	}
	if err := a.Playback().Pause(ctx); err != nil {
		t.Fatal(err)
	}

	b := tb.open(t, roomID, "bob")
	waitFor(t, "late joiner synced", func() bool { return !b.Playback().SyncPending() })
	got := b.Playback().Snapshot()
	if got.State != playback.StatePaused || got.Position != 30 {
		t.Fatalf("late joiner playback = %+v", got)
	}
}

func TestChatReachesPeersOnce(t *testing.T) {
	tb := newTestBackend(t)
	roomID := tb.createRoom(t)

	a := tb.open(t, roomID, "alice")
	b := tb.open(t, roomID, "bob")

	sent, err := a.Chat().Send(context.Background(), "hello room")
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "peer message", func() bool { return b.Chat().Len() == 1 })

	got := b.Chat().Messages()[0]
	if got.ID != sent.ID || got.Text != "hello room" || got.Sender != "alice" || got.Self {
		t.Fatalf("peer message = %+v", got)
	}
	time.Sleep(50 * time.Millisecond)
	if n := a.Chat().Len(); n != 1 {
		t.Fatalf("sender holds %d messages", n)
	}

	hist, err := tb.client(t).ChatHistory(context.Background(), roomID, "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist.Items) != 1 || hist.Items[0].ID != sent.ID {
		t.Fatalf("history = %+v", hist)
	}
}

func TestOpenUnknownRoom(t *testing.T) {
	tb := newTestBackend(t)
	c := tb.client(t)
	_, err := Open(context.Background(), Deps{Registry: c, Backend: c, Player: playback.NewClockPlayer()}, Options{
		RoomID:     "nosuchroom",
		Name:       "eve",
		ChannelURL: "ws" + strings.TrimPrefix(tb.api.URL, "http"),
	})
	if !errors.Is(err, membership.ErrRoomNotFound) && !errors.Is(err, membership.ErrRoomInvalid) {
		t.Fatalf("open = %v", err)
	}
}

func TestPlaybackEndsWhenMediaRunsOut(t *testing.T) {
	cdn := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "#EXTM3U\n#EXT-X-TARGETDURATION:1\n#EXTINF:0.3,\nseg0.ts\n#EXT-X-ENDLIST\n")
	}))
	defer cdn.Close()
	tb := newTestBackendCDN(t, cdn.URL)
	roomID := tb.createRoom(t)

	c := tb.client(t)
	player := playback.NewClockPlayer()
	s, err := Open(context.Background(), Deps{Registry: c, Backend: c, Player: player}, Options{
		RoomID:         roomID,
		Name:           "alice",
		ChannelURL:     "ws" + strings.TrimPrefix(tb.api.URL, "http"),
		EndPoll:        20 * time.Millisecond,
		ManifestClient: cdn.Client(),
	})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	ctx := context.Background()
	if err := s.Resource().RequestUpload(ctx, movie()); err != nil {
		t.Fatal(err)
	}
	// the length is known once a seek past it is clamped
	waitFor(t, "media length", func() bool {
		return s.Playback().Seek(ctx, 10) == nil && player.Position() < 10
	})

	if err := s.Playback().Seek(ctx, 0); err != nil {
		t.Fatal(err)
	}
	if err := s.Playback().Play(ctx); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "end of media", func() bool { return s.Playback().State() == playback.StateIdle })
	if got := s.Playback().Snapshot().Position; math.Abs(got-0.3) > 1e-6 {
		t.Fatalf("ended at %v", got)
	}
}
