// Package playback keeps one client's player in step with the room.
//
// Local transport changes (Play, Pause, Seek) are applied to the Player and
// announced with exactly one control event. Remote changes arrive through
// Apply, which mutates the Player and never emits, so a control event is
// never re-broadcast by its receivers.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/cwrk-planet/watch-party/internal/protocol"
)

var (
	ErrNoMedia       = errors.New("playback: no media loaded")
	ErrForeignRoom   = errors.New("playback: control addressed to another room")
	ErrUnknownAction = errors.New("playback: unknown control action")
	ErrBadPosition   = errors.New("playback: position must be a finite number")
)

type State int

const (
	StateIdle State = iota
	StateReady
	StatePlaying
	StatePaused
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReady:
		return "ready"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	default:
		return "unknown"
	}
}

type Action string

const (
	ActionPlay  Action = "play"
	ActionPause Action = "pause"
	ActionSeek  Action = "seek"
)

func (a Action) Event() protocol.Event {
	switch a {
	case ActionPlay:
		return protocol.EventPlay
	case ActionPause:
		return protocol.EventPause
	case ActionSeek:
		return protocol.EventSeek
	}
	return ""
}

func ActionFor(e protocol.Event) (Action, bool) {
	switch e {
	case protocol.EventPlay:
		return ActionPlay, true
	case protocol.EventPause:
		return ActionPause, true
	case protocol.EventSeek:
		return ActionSeek, true
	}
	return "", false
}

// Control is a transport change received from another member of the room.
type Control struct {
	RoomID   string
	Action   Action
	Position float64
}

type Emitter interface {
	Emit(ctx context.Context, event protocol.Event, payload any) error
}

type Snapshot struct {
	State     State
	Position  float64
	UpdatedAt time.Time
	Manifest  string
}

type Option func(*Machine)

func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) { m.log = l }
}

// WithSyncTimeout bounds how long answering a sync_request may block the
// caller.
func WithSyncTimeout(d time.Duration) Option {
	return func(m *Machine) { m.syncTimeout = d }
}

type Machine struct {
	roomID      string
	player      Player
	emitter     Emitter
	now         func() time.Time
	log         *slog.Logger
	syncTimeout time.Duration

	mu          sync.Mutex
	state       State
	manifest    string
	position    float64
	updatedAt   time.Time
	syncPending bool
	listeners   []func(Snapshot)
}

func NewMachine(roomID string, player Player, emitter Emitter, opts ...Option) *Machine {
	m := &Machine{
		roomID:      roomID,
		player:      player,
		emitter:     emitter,
		now:         time.Now,
		log:         slog.Default(),
		syncTimeout: 5 * time.Second,
	}
	for _, o := range opts {
		o(m)
	}
	m.log = m.log.With("component", "playback", "room", roomID)
	m.updatedAt = m.now()
	return m
}

func (m *Machine) OnChange(fn func(Snapshot)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Load attaches manifestURL to the player. Loading the manifest that is
// already attached keeps the current transport state.
func (m *Machine) Load(manifestURL string) error {
	m.mu.Lock()
	if m.state != StateIdle && m.manifest == manifestURL {
		m.mu.Unlock()
		return nil
	}
	if err := m.player.Load(manifestURL); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("load %s: %w", manifestURL, err)
	}
	m.manifest = manifestURL
	m.state = StateReady
	m.position = 0
	m.updatedAt = m.now()
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.log.Info("media loaded", "manifest", manifestURL)
	m.notify(snap)
	return nil
}

func (m *Machine) Unload() {
	m.mu.Lock()
	if m.state == StateIdle && m.manifest == "" {
		m.mu.Unlock()
		return
	}
	m.player.Unload()
	m.state = StateIdle
	m.manifest = ""
	m.position = 0
	m.updatedAt = m.now()
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.notify(snap)
}

// EndReporter is implemented by players that can tell when the media has
// been played through.
type EndReporter interface {
	Ended() bool
}

// Ended marks the end of the media; the machine returns to Idle.
func (m *Machine) Ended() {
	m.mu.Lock()
	if m.state == StateIdle {
		m.mu.Unlock()
		return
	}
	snap := m.endLocked()
	m.mu.Unlock()

	m.notify(snap)
}

// CheckEnded ends playback once a playing player reports the end of the
// media, and reports whether it did. Players without EndReporter never end.
func (m *Machine) CheckEnded() bool {
	er, ok := m.player.(EndReporter)
	if !ok {
		return false
	}
	m.mu.Lock()
	if m.state != StatePlaying || !er.Ended() {
		m.mu.Unlock()
		return false
	}
	snap := m.endLocked()
	m.mu.Unlock()

	m.log.Info("media ended", "position", snap.Position)
	m.notify(snap)
	return true
}

func (m *Machine) endLocked() Snapshot {
	m.position = m.player.Position()
	m.state = StateIdle
	m.updatedAt = m.now()
	return m.snapshotLocked()
}

func (m *Machine) Play(ctx context.Context) error {
	return m.local(ctx, ActionPlay, nil)
}

func (m *Machine) Pause(ctx context.Context) error {
	return m.local(ctx, ActionPause, nil)
}

func (m *Machine) Seek(ctx context.Context, position float64) error {
	return m.local(ctx, ActionSeek, func(float64) float64 { return position })
}

// SeekBy moves the playhead by delta seconds relative to the current position.
func (m *Machine) SeekBy(ctx context.Context, delta float64) error {
	return m.local(ctx, ActionSeek, func(cur float64) float64 { return cur + delta })
}

func (m *Machine) local(ctx context.Context, a Action, target func(cur float64) float64) error {
	m.mu.Lock()
	if m.state == StateIdle {
		m.mu.Unlock()
		return ErrNoMedia
	}

	var err error
	switch a {
	case ActionPlay:
		err = m.player.Play()
	case ActionPause:
		err = m.player.Pause()
	case ActionSeek:
		pos := target(m.player.Position())
		if !finite(pos) {
			m.mu.Unlock()
			return fmt.Errorf("%s %v: %w", a, pos, ErrBadPosition)
		}
		err = m.player.Seek(math.Max(0, pos))
	}
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("%s: %w", a, err)
	}
	m.transitionLocked(a)
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.notify(snap)
	return m.emitter.Emit(ctx, a.Event(), protocol.ControlPayload{
		RoomID:      m.roomID,
		CurrentTime: snap.Position,
	})
}

// Apply mutates local playback to match a remote control. It never emits.
func (m *Machine) Apply(c Control) error {
	if c.RoomID != m.roomID {
		return ErrForeignRoom
	}

	m.mu.Lock()
	if m.state == StateIdle {
		m.mu.Unlock()
		return ErrNoMedia
	}
	if err := m.applyRemoteLocked(c.Action, c.Position); err != nil {
		m.mu.Unlock()
		return err
	}
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.notify(snap)
	return nil
}

// HandleControl is the channel handler for play_video, pause_video and
// seek_video.
func (m *Machine) HandleControl(env protocol.Envelope) {
	a, ok := ActionFor(env.Type)
	if !ok {
		return
	}
	var p protocol.ControlPayload
	if err := env.Decode(&p); err != nil {
		m.log.Debug("control dropped", "err", err)
		return
	}
	if err := m.Apply(Control{RoomID: p.RoomID, Action: a, Position: p.CurrentTime}); err != nil {
		m.log.Debug("control ignored", "event", env.Type, "err", err)
	}
}

// RequestSync asks the room for its current transport state. The first
// sync_state answer received while the request is outstanding is applied.
func (m *Machine) RequestSync(ctx context.Context) error {
	m.mu.Lock()
	m.syncPending = true
	m.mu.Unlock()

	return m.emitter.Emit(ctx, protocol.EventSyncRequest, protocol.SyncRequestPayload{RoomID: m.roomID})
}

func (m *Machine) SyncPending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.syncPending
}

// HandleSyncRequest answers a peer's sync_request when this client has an
// established transport state of its own.
func (m *Machine) HandleSyncRequest(env protocol.Envelope) {
	var p protocol.SyncRequestPayload
	if err := env.Decode(&p); err != nil || p.RoomID != m.roomID {
		return
	}

	m.mu.Lock()
	st, pending := m.state, m.syncPending
	pos := m.player.Position()
	m.mu.Unlock()

	if pending || (st != StatePlaying && st != StatePaused) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.syncTimeout)
	defer cancel()
	err := m.emitter.Emit(ctx, protocol.EventSyncState, protocol.SyncStatePayload{
		RoomID:      m.roomID,
		Playing:     st == StatePlaying,
		CurrentTime: pos,
	})
	if err != nil {
		m.log.Warn("sync answer failed", "err", err)
	}
}

func (m *Machine) HandleSyncState(env protocol.Envelope) {
	var p protocol.SyncStatePayload
	if err := env.Decode(&p); err != nil || p.RoomID != m.roomID {
		return
	}

	m.mu.Lock()
	if !m.syncPending || m.state == StateIdle {
		m.mu.Unlock()
		return
	}
	a := ActionPause
	if p.Playing {
		a = ActionPlay
	}
	if err := m.applyRemoteLocked(a, p.CurrentTime); err != nil {
		m.mu.Unlock()
		m.log.Warn("sync state not applied", "err", err)
		return
	}
	m.syncPending = false
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.log.Info("playback synced", "state", snap.State, "position", snap.Position)
	m.notify(snap)
}

func (m *Machine) applyRemoteLocked(a Action, pos float64) error {
	if !finite(pos) {
		return fmt.Errorf("apply %s %v: %w", a, pos, ErrBadPosition)
	}
	pos = math.Max(0, pos)

	var err error
	switch a {
	case ActionPlay:
		if err = m.player.Seek(pos); err == nil {
			err = m.player.Play()
		}
	case ActionPause:
		if err = m.player.Pause(); err == nil {
			err = m.player.Seek(pos)
		}
	case ActionSeek:
		err = m.player.Seek(pos)
	default:
		return ErrUnknownAction
	}
	if err != nil {
		return fmt.Errorf("apply %s: %w", a, err)
	}
	m.transitionLocked(a)
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// transitionLocked records an applied control. Any applied control settles
// an outstanding sync request.
func (m *Machine) transitionLocked(a Action) {
	m.syncPending = false
	switch a {
	case ActionPlay:
		m.state = StatePlaying
	case ActionPause:
		m.state = StatePaused
	}
	m.position = m.player.Position()
	m.updatedAt = m.now()
}

func (m *Machine) snapshotLocked() Snapshot {
	pos := m.position
	if m.state != StateIdle {
		pos = m.player.Position()
	}
	return Snapshot{
		State:     m.state,
		Position:  pos,
		UpdatedAt: m.updatedAt,
		Manifest:  m.manifest,
	}
}

func (m *Machine) notify(s Snapshot) {
	m.mu.Lock()
	ls := slices.Clone(m.listeners)
	m.mu.Unlock()
	for _, fn := range ls {
		fn(s)
	}
}
