// Package membership decides whether a room may be entered. Nothing else in
// a party session touches the network until the Gate reports the room valid.
package membership

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
)

var (
	ErrInvalidRoomID = errors.New("membership: invalid room id")
	ErrEmptyName     = errors.New("membership: name is required")
	// ErrRoomNotFound is returned by a Registry that positively knows the
	// room does not exist.
	ErrRoomNotFound        = errors.New("membership: room not found")
	ErrRoomInvalid         = errors.New("membership: room does not exist")
	ErrRegistryUnavailable = errors.New("membership: registry unavailable")
	ErrNotVerified         = errors.New("membership: room not verified")
)

var roomIDPattern = regexp.MustCompile(`^[a-z0-9-]{1,64}$`)

// NormalizeRoomID lower-cases and trims raw and checks it is a well-formed
// room id.
func NormalizeRoomID(raw string) (string, error) {
	id := strings.ToLower(strings.TrimSpace(raw))
	if !roomIDPattern.MatchString(id) {
		return "", fmt.Errorf("%w: %q", ErrInvalidRoomID, raw)
	}
	return id, nil
}

type Status int

const (
	StatusUnverified Status = iota
	StatusPending
	StatusValid
	StatusInvalid
)

func (s Status) String() string {
	switch s {
	case StatusUnverified:
		return "unverified"
	case StatusPending:
		return "pending"
	case StatusValid:
		return "valid"
	case StatusInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

type Registry interface {
	CreateRoom(ctx context.Context) (string, error)
	// VerifyRoom returns nil for an existing room and ErrRoomNotFound for a
	// missing one. Any other error is indeterminate.
	VerifyRoom(ctx context.Context, roomID string) error
	JoinRoom(ctx context.Context, roomID, name string) error
}

// Create asks the registry for a new room and returns its normalized id.
func Create(ctx context.Context, reg Registry) (string, error) {
	raw, err := reg.CreateRoom(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRegistryUnavailable, err)
	}
	return NormalizeRoomID(raw)
}

type Gate struct {
	roomID   string
	registry Registry
	log      *slog.Logger

	verifyMu sync.Mutex

	mu     sync.RWMutex
	status Status
}

func NewGate(rawRoomID string, reg Registry) (*Gate, error) {
	id, err := NormalizeRoomID(rawRoomID)
	if err != nil {
		return nil, err
	}
	return &Gate{
		roomID:   id,
		registry: reg,
		log:      slog.Default().With("component", "membership", "room", id),
	}, nil
}

func (g *Gate) RoomID() string { return g.roomID }

func (g *Gate) Status() Status {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.status
}

func (g *Gate) Verified() bool { return g.Status() == StatusValid }

// Verify checks the room with the registry. A confirmed missing room is
// terminal: later calls return ErrRoomInvalid without asking again. An
// indeterminate answer leaves the gate pending and may be retried.
func (g *Gate) Verify(ctx context.Context) (Status, error) {
	g.verifyMu.Lock()
	defer g.verifyMu.Unlock()

	switch st := g.Status(); st {
	case StatusValid:
		return st, nil
	case StatusInvalid:
		return st, ErrRoomInvalid
	}

	err := g.registry.VerifyRoom(ctx, g.roomID)
	switch {
	case err == nil:
		g.set(StatusValid)
		g.log.Info("room verified")
		return StatusValid, nil
	case errors.Is(err, ErrRoomNotFound):
		g.set(StatusInvalid)
		g.log.Warn("room does not exist")
		return StatusInvalid, ErrRoomInvalid
	default:
		g.set(StatusPending)
		g.log.Warn("room verification pending", "err", err)
		return StatusPending, fmt.Errorf("%w: %v", ErrRegistryUnavailable, err)
	}
}

// Join registers name as a participant of the verified room.
func (g *Gate) Join(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrEmptyName
	}
	if !g.Verified() {
		return ErrNotVerified
	}
	if err := g.registry.JoinRoom(ctx, g.roomID, name); err != nil {
		return fmt.Errorf("join %s: %w", g.roomID, err)
	}
	return nil
}

func (g *Gate) set(s Status) {
	g.mu.Lock()
	g.status = s
	g.mu.Unlock()
}
