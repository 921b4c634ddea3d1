package playback

import (
	"errors"
	"sync"
	"time"
)

// Player is the local media element a Machine drives.
type Player interface {
	Load(manifestURL string) error
	Unload()
	Play() error
	Pause() error
	Seek(position float64) error
	// Position is the current media time in seconds.
	Position() float64
}

var errNotLoaded = errors.New("playback: player has no media")

// ClockPlayer is a Player without a decoder: position advances with the wall
// clock while playing. Duration zero means unknown length.
type ClockPlayer struct {
	mu       sync.Mutex
	now      func() time.Time
	manifest string
	playing  bool
	base     float64
	since    time.Time
	duration float64
}

func NewClockPlayer() *ClockPlayer {
	return &ClockPlayer{now: time.Now}
}

// SetDuration sets the length of the loaded media. Load and Unload reset it
// to unknown.
func (p *ClockPlayer) SetDuration(seconds float64) {
	p.mu.Lock()
	p.duration = seconds
	p.mu.Unlock()
}

func (p *ClockPlayer) Load(manifestURL string) error {
	if manifestURL == "" {
		return errors.New("playback: empty manifest url")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.manifest = manifestURL
	p.playing = false
	p.base = 0
	p.duration = 0
	return nil
}

func (p *ClockPlayer) Unload() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.manifest = ""
	p.playing = false
	p.base = 0
	p.duration = 0
}

func (p *ClockPlayer) Manifest() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.manifest
}

func (p *ClockPlayer) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

func (p *ClockPlayer) Play() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.manifest == "" {
		return errNotLoaded
	}
	if !p.playing {
		p.playing = true
		p.since = p.now()
	}
	return nil
}

func (p *ClockPlayer) Pause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.manifest == "" {
		return errNotLoaded
	}
	if p.playing {
		p.base = p.positionLocked()
		p.playing = false
	}
	return nil
}

func (p *ClockPlayer) Seek(position float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.manifest == "" {
		return errNotLoaded
	}
	p.base = p.clamp(position)
	if p.playing {
		p.since = p.now()
	}
	return nil
}

func (p *ClockPlayer) Position() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.positionLocked()
}

// Ended reports whether a known duration has been played through.
func (p *ClockPlayer) Ended() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.duration > 0 && p.positionLocked() >= p.duration
}

func (p *ClockPlayer) positionLocked() float64 {
	pos := p.base
	if p.playing {
		pos += p.now().Sub(p.since).Seconds()
	}
	return p.clamp(pos)
}

func (p *ClockPlayer) clamp(pos float64) float64 {
	if pos < 0 {
		return 0
	}
	if p.duration > 0 && pos > p.duration {
		return p.duration
	}
	return pos
}
