package link

import (
	"math/rand/v2"
	"time"
)

// Backoff computes exponentially growing reconnect delays with a cap.
// It is not safe for concurrent use; each loop owns its own Backoff.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	// Jitter adds up to this fraction of the delay at random (0 disables)
	Jitter float64

	current time.Duration
}

// DefaultBackoff returns 1s doubling up to 30s with 10% jitter
func DefaultBackoff() *Backoff {
	return &Backoff{
		Initial:    time.Second,
		Max:        30 * time.Second,
		Multiplier: 2,
		Jitter:     0.1,
	}
}

// Next returns the delay to wait before the next attempt and advances
func (b *Backoff) Next() time.Duration {
	initial := b.Initial
	if initial <= 0 {
		initial = 100 * time.Millisecond
	}
	maxDelay := b.Max
	if maxDelay < initial {
		maxDelay = initial
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}

	if b.current == 0 {
		b.current = initial
	} else {
		next := float64(b.current) * mult
		if next > float64(maxDelay) {
			b.current = maxDelay
		} else {
			b.current = time.Duration(next)
		}
	}

	delay := b.current
	if b.Jitter > 0 {
		if span := int64(float64(delay) * b.Jitter); span > 0 {
			delay += time.Duration(rand.Int64N(span))
		}
	}
	return delay
}

// Reset returns the backoff to its initial delay
func (b *Backoff) Reset() {
	b.current = 0
}
