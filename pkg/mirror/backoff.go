package mirror

import (
	"sync"
	"time"
)

const (
	backoffMin = time.Second
	backoffMax = 30 * time.Second
)

// Backoff implements the reconnect schedule of §5: 1 s doubling to 30 s,
// reset to 1 s on any successful Ready. A Session's three gateway sockets
// (main, voice, stream) each run their own watchHeartbeat goroutine against
// the same shared Backoff, so access is mutex-guarded rather than relying on
// a single-writer assumption that doesn't hold here.
type Backoff struct {
	mu      sync.Mutex
	current time.Duration
}

// NewBackoff returns a Backoff starting at the minimum delay.
func NewBackoff() *Backoff {
	return &Backoff{current: backoffMin}
}

// Next returns the delay to wait before the next reconnect attempt and
// doubles the internal delay for the attempt after that, capped at 30 s.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	d := b.current
	b.current *= 2
	if b.current > backoffMax {
		b.current = backoffMax
	}
	return d
}

// Reset restores the delay to its minimum, called after a successful Ready.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = backoffMin
}
