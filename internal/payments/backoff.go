package payments

import (
	"math"
	"sync"
	"time"
)

// Backoff tracks the reconnect delay of the settlement listener.
//
// The multiplier doubles on every connect attempt and returns to 1 when a
// settlement is processed, so N failed cycles in a row wait 2^N * base while
// the first disconnect after a settlement waits exactly base. There is no cap;
// the delay saturates at the largest representable duration instead of
// overflowing.
type Backoff struct {
	mu     sync.Mutex
	base   time.Duration
	factor int64
}

// NewBackoff creates a backoff with the given base delay.
func NewBackoff(base time.Duration) *Backoff {
	if base <= 0 {
		base = time.Second
	}
	return &Backoff{base: base, factor: 1}
}

// Next records a connect attempt and doubles the multiplier.
func (b *Backoff) Next() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.factor <= math.MaxInt64/2 {
		b.factor *= 2
	} else {
		b.factor = math.MaxInt64
	}
}

// Reset returns the multiplier to 1.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.factor = 1
}

// Delay returns the current wait before reconnecting.
func (b *Backoff) Delay() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.factor > int64(math.MaxInt64/b.base) {
		return time.Duration(math.MaxInt64)
	}
	return b.base * time.Duration(b.factor)
}
