package md

import (
	"math/rand"
	"time"
)

const (
	DefaultMaxAttempts = 5
	DefaultMinWait     = 2 * time.Second
	DefaultMaxWait     = 8 * time.Second
)

// Backoff is a bounded retry counter with jittered exponential spacing.
// It decides nothing about what to retry; callers consume Next until it
// reports exhaustion, then either Reset or stay failed.
type Backoff struct {
	MaxAttempts int
	MinWait     time.Duration
	MaxWait     time.Duration

	attempts int
	rng      *rand.Rand
}

// NewBackoff returns a policy with the default budget (5 attempts, 2-8s waits).
func NewBackoff() *Backoff {
	return &Backoff{
		MaxAttempts: DefaultMaxAttempts,
		MinWait:     DefaultMinWait,
		MaxWait:     DefaultMaxWait,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next consumes one attempt and returns how long to wait before it.
// ok is false once the budget is exhausted; no wait is recommended then.
func (b *Backoff) Next() (wait time.Duration, ok bool) {
	if b.attempts >= b.maxAttempts() {
		return 0, false
	}
	base := b.minWait() << uint(b.attempts)
	b.attempts++

	if base > b.maxWait() {
		base = b.maxWait()
	}
	// Jitter up to half the base so parallel reconnects don't align.
	wait = base + time.Duration(b.randInt63n(int64(base/2+1)))
	if wait > b.maxWait() {
		wait = b.maxWait()
	}
	return wait, true
}

// Exhausted reports whether the attempt budget is used up.
func (b *Backoff) Exhausted() bool {
	return b.attempts >= b.maxAttempts()
}

// Attempts returns how many attempts have been consumed since the last Reset.
func (b *Backoff) Attempts() int {
	return b.attempts
}

// Reset restores the full attempt budget.
func (b *Backoff) Reset() {
	b.attempts = 0
}

func (b *Backoff) maxAttempts() int {
	if b.MaxAttempts <= 0 {
		return DefaultMaxAttempts
	}
	return b.MaxAttempts
}

func (b *Backoff) minWait() time.Duration {
	if b.MinWait <= 0 {
		return DefaultMinWait
	}
	return b.MinWait
}

func (b *Backoff) maxWait() time.Duration {
	if b.MaxWait <= 0 {
		return DefaultMaxWait
	}
	return b.MaxWait
}

func (b *Backoff) randInt63n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	if b.rng == nil {
		b.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return b.rng.Int63n(n)
}
