package session

import (
	"math/rand/v2"
	"time"
)

// Backoff defaults.
const (
	DefaultBackoffFloor   = 1 * time.Second
	DefaultBackoffCeiling = 32 * time.Second
	DefaultJitter         = 1 * time.Second
)

// Backoff calculates doubling reconnect delays with additive jitter and
// reports exhaustion once the base delay passes the ceiling. It is owned by
// the Run goroutine and is not safe for concurrent use.
type Backoff struct {
	// Current backoff delay (before jitter)
	current time.Duration

	// Configuration
	floor     time.Duration
	ceiling   time.Duration
	maxJitter time.Duration

	// Attempt counter
	attempts int

	jitter func(max time.Duration) time.Duration
}

// NewBackoff creates a backoff starting at floor.
func NewBackoff(floor, ceiling, maxJitter time.Duration) *Backoff {
	if floor <= 0 {
		floor = DefaultBackoffFloor
	}
	if ceiling < floor {
		ceiling = floor
	}
	if maxJitter < 0 {
		maxJitter = 0
	}
	return &Backoff{
		current:   floor,
		floor:     floor,
		ceiling:   ceiling,
		maxJitter: maxJitter,
		jitter:    randomJitter,
	}
}

// Next returns the delay before the next attempt and doubles the base
// delay. ok is false once the base delay exceeds the ceiling.
func (b *Backoff) Next() (delay time.Duration, ok bool) {
	if b.current > b.ceiling {
		return 0, false
	}

	delay = b.current
	if b.maxJitter > 0 {
		delay += b.jitter(b.maxJitter)
	}

	b.attempts++
	b.current *= 2
	return delay, true
}

// Reset resets the backoff to the floor.
// Call this after a successful connection.
func (b *Backoff) Reset() {
	b.current = b.floor
	b.attempts = 0
}

// Current returns the current base backoff (without jitter).
func (b *Backoff) Current() time.Duration {
	return b.current
}

// Attempts returns the number of backoff attempts since last reset.
func (b *Backoff) Attempts() int {
	return b.attempts
}

func randomJitter(max time.Duration) time.Duration {
	return rand.N(max + 1)
}
