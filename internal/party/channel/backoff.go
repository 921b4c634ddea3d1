package channel

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Backoff configures the exponential reconnect schedule. Max caps the base
// delay; Jitter randomizes each delay by that fraction either way.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
	// Jitter is in [0, 1].
	Jitter float64
}

func DefaultBackoff() Backoff {
	return Backoff{
		Initial: 500 * time.Millisecond,
		Max:     15 * time.Second,
		Factor:  2,
		Jitter:  0.2,
	}
}

// schedule returns a fresh delay sequence for one outage. It never stops;
// giving up is the caller's decision (see Config.MaxAttempts).
func (b Backoff) schedule() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = b.Initial
	eb.MaxInterval = b.Max
	eb.Multiplier = b.Factor
	eb.RandomizationFactor = b.Jitter
	eb.MaxElapsedTime = 0
	eb.Reset()
	return eb
}

func (b Backoff) withDefaults() Backoff {
	def := DefaultBackoff()
	if b.Initial <= 0 {
		b.Initial = def.Initial
	}
	if b.Max <= 0 {
		b.Max = def.Max
	}
	if b.Max < b.Initial {
		b.Max = b.Initial
	}
	if b.Factor < 1 {
		b.Factor = def.Factor
	}
	if b.Jitter < 0 || b.Jitter > 1 {
		b.Jitter = def.Jitter
	}
	return b
}
