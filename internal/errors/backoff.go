package errors

import (
	"context"
	"time"
)

// Backoff computes capped exponential delays for reconnect loops.
type Backoff struct {
	Base       time.Duration
	Multiplier float64
	Cap        time.Duration

	attempt int
}

// NewBackoff returns a backoff starting at base, growing by multiplier and
// capped at cap. Zero values fall back to 500ms / 2.0 / 30s.
func NewBackoff(base time.Duration, multiplier float64, cap time.Duration) *Backoff {
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	if multiplier < 1 {
		multiplier = 2.0
	}
	if cap <= 0 {
		cap = 30 * time.Second
	}
	return &Backoff{Base: base, Multiplier: multiplier, Cap: cap}
}

// Next returns the delay for the current attempt and advances the counter.
func (b *Backoff) Next() time.Duration {
	d := b.Base
	for i := 0; i < b.attempt; i++ {
		d = time.Duration(float64(d) * b.Multiplier)
		if d >= b.Cap {
			d = b.Cap
			break
		}
	}
	b.attempt++
	return d
}

// Reset restarts the progression after a successful attempt.
func (b *Backoff) Reset() {
	b.attempt = 0
}

// Sleep waits for the next delay or until ctx is cancelled.
func (b *Backoff) Sleep(ctx context.Context) error {
	timer := time.NewTimer(b.Next())
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
