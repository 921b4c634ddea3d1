// Package party wires the client components of one room visit: the
// membership gate, the room channel, the playback machine, the shared video
// coordinator and the chat stream.
package party

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cwrk-planet/watch-party/internal/party/channel"
	"github.com/cwrk-planet/watch-party/internal/party/chat"
	"github.com/cwrk-planet/watch-party/internal/party/membership"
	"github.com/cwrk-planet/watch-party/internal/party/playback"
	"github.com/cwrk-planet/watch-party/internal/party/resource"
	"github.com/cwrk-planet/watch-party/internal/protocol"
)

// NameHeader carries the member name on the channel handshake.
const NameHeader = "X-Party-Name"

var (
	// ErrPending means the registry could not be reached; Start may be
	// retried.
	ErrPending = errors.New("party: room verification pending")
	ErrClosed  = errors.New("party: session closed")
)

type Deps struct {
	Registry membership.Registry
	Backend  resource.Backend
	Player   playback.Player
}

type Options struct {
	RoomID string
	// Name labels chat messages and, with Join, registers the participant.
	Name string
	Join bool
	// ChannelURL is the ws:// origin of the channel server.
	ChannelURL     string
	Backoff        channel.Backoff
	MaxAttempts    int
	MaxUploadBytes int64
	Logger         *slog.Logger
	// EndPoll is how often a playing session asks the player whether the
	// media has ended.
	EndPoll time.Duration
	// ManifestClient fetches HLS playlists to learn the media length for
	// players that accept one. Nil skips the lookup.
	ManifestClient *http.Client
}

// durationSetter is implemented by players without their own decoder.
type durationSetter interface {
	SetDuration(seconds float64)
}

type Session struct {
	opts   Options
	log    *slog.Logger
	player playback.Player
	done   chan struct{}

	gate     *membership.Gate
	channel  *channel.Client
	playback *playback.Machine
	resource *resource.Coordinator
	chat     *chat.Stream

	mu      sync.Mutex
	started bool
	closed  bool
	unsubs  []func()
}

// New builds a session without touching the network.
func New(deps Deps, opts Options) (*Session, error) {
	if deps.Registry == nil || deps.Backend == nil || deps.Player == nil {
		return nil, errors.New("party: registry, backend and player are required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	opts.Name = strings.TrimSpace(opts.Name)
	if opts.Name == "" {
		opts.Name = "guest"
	}
	if opts.EndPoll <= 0 {
		opts.EndPoll = 500 * time.Millisecond
	}

	gate, err := membership.NewGate(opts.RoomID, deps.Registry)
	if err != nil {
		return nil, err
	}
	roomID := gate.RoomID()

	ch, err := channel.New(channel.Config{
		BaseURL:     opts.ChannelURL,
		RoomID:      roomID,
		Header:      http.Header{NameHeader: {opts.Name}},
		Backoff:     opts.Backoff,
		MaxAttempts: opts.MaxAttempts,
		Logger:      opts.Logger,
	}, gate)
	if err != nil {
		return nil, err
	}

	resOpts := []resource.Option{resource.WithLogger(opts.Logger)}
	if opts.MaxUploadBytes > 0 {
		resOpts = append(resOpts, resource.WithMaxBytes(opts.MaxUploadBytes))
	}

	s := &Session{
		opts:     opts,
		log:      opts.Logger.With("component", "session", "room", roomID),
		player:   deps.Player,
		done:     make(chan struct{}),
		gate:     gate,
		channel:  ch,
		playback: playback.NewMachine(roomID, deps.Player, ch, playback.WithLogger(opts.Logger)),
		resource: resource.NewCoordinator(roomID, deps.Backend, ch, resOpts...),
		chat:     chat.NewStream(roomID, opts.Name, ch),
	}
	s.resource.OnChange(s.onResourceChange)
	ch.OnReconnect(s.resync)
	return s, nil
}

// Open builds a session and starts it. On ErrPending the session is returned
// so the caller can retry Start.
func Open(ctx context.Context, deps Deps, opts Options) (*Session, error) {
	s, err := New(deps, opts)
	if err != nil {
		return nil, err
	}
	if err := s.Start(ctx); err != nil {
		if errors.Is(err, ErrPending) {
			return s, err
		}
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Start verifies the room, connects the channel, fetches the room's video
// and asks the room for its playback state.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	st, err := s.gate.Verify(ctx)
	switch st {
	case membership.StatusValid:
	case membership.StatusPending:
		return fmt.Errorf("%w: %w", ErrPending, err)
	default:
		return err
	}

	if s.opts.Join {
		if err := s.gate.Join(ctx, s.opts.Name); err != nil {
			return err
		}
	}

	s.subscribe()
	if err := s.channel.Connect(ctx); err != nil {
		s.unsubscribe()
		return fmt.Errorf("connect: %w", err)
	}

	s.mu.Lock()
	s.started = true
	s.mu.Unlock()

	go s.watchEnd()
	s.resync(ctx)
	s.log.Info("session started", "name", s.opts.Name)
	return nil
}

func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	close(s.done)

	s.resource.Abandon()
	s.unsubscribe()
	err := s.channel.Close()
	s.playback.Unload()
	return err
}

func (s *Session) RoomID() string                  { return s.gate.RoomID() }
func (s *Session) Name() string                    { return s.opts.Name }
func (s *Session) Gate() *membership.Gate          { return s.gate }
func (s *Session) Channel() *channel.Client        { return s.channel }
func (s *Session) Playback() *playback.Machine     { return s.playback }
func (s *Session) Resource() *resource.Coordinator { return s.resource }
func (s *Session) Chat() *chat.Stream              { return s.chat }

// resync re-reads the room's video and requests a playback sync. It runs on
// start and after every reconnect.
func (s *Session) resync(ctx context.Context) {
	if err := s.resource.Reconcile(ctx); err != nil {
		s.log.Warn("resource reconcile failed", "err", err)
	}
	if err := s.playback.RequestSync(ctx); err != nil {
		s.log.Warn("sync request failed", "err", err)
	}
}

func (s *Session) onResourceChange(ch resource.Change) {
	switch ch.Resource.Status {
	case resource.StatusReady:
		if err := s.playback.Load(ch.Resource.ManifestURL); err != nil {
			s.log.Warn("load manifest failed", "err", err)
			return
		}
		if ds, ok := s.player.(durationSetter); ok && s.opts.ManifestClient != nil {
			go s.learnDuration(ds, ch.Resource.ManifestURL)
		}
	case resource.StatusAbsent:
		s.playback.Unload()
	}
}

// watchEnd polls the playback machine for the end of the media until the
// session is closed.
func (s *Session) watchEnd() {
	t := time.NewTicker(s.opts.EndPoll)
	defer t.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-t.C:
			s.playback.CheckEnded()
		}
	}
}

func (s *Session) learnDuration(ds durationSetter, manifestURL string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	go func() {
		select {
		case <-s.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	d, err := playback.ManifestDuration(ctx, s.opts.ManifestClient, manifestURL)
	if err != nil {
		s.log.Debug("media length unknown", "manifest", manifestURL, "err", err)
		return
	}
	if s.playback.Snapshot().Manifest != manifestURL {
		return
	}
	ds.SetDuration(d)
	s.log.Debug("media length", "seconds", d)
}

func (s *Session) subscribe() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.unsubs = append(s.unsubs,
		s.channel.On(protocol.EventReceiveMessage, s.chat.HandleMessage),
		s.channel.On(protocol.EventPlay, s.playback.HandleControl),
		s.channel.On(protocol.EventPause, s.playback.HandleControl),
		s.channel.On(protocol.EventSeek, s.playback.HandleControl),
		s.channel.On(protocol.EventSyncRequest, s.playback.HandleSyncRequest),
		s.channel.On(protocol.EventSyncState, s.playback.HandleSyncState),
		s.channel.On(protocol.EventMovieReady, s.resource.HandleReady),
		s.channel.On(protocol.EventMovieDeleted, s.resource.HandleDeleted),
		s.channel.On(protocol.EventError, s.handleError),
	)
}

func (s *Session) unsubscribe() {
	s.mu.Lock()
	unsubs := s.unsubs
	s.unsubs = nil
	s.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
}

func (s *Session) handleError(env protocol.Envelope) {
	var p protocol.ErrorPayload
	if err := env.Decode(&p); err == nil {
		s.log.Warn("channel server error", "message", p.Message)
	}
}
