package rate

import (
	"sync"
	"time"

	xrate "golang.org/x/time/rate"
)

// Limiter admits at most limit events per window for key. When an event is
// refused the second return is how long the caller should wait.
type Limiter interface {
	Allow(key string, limit int, window time.Duration) (bool, time.Duration)
}

type MemoryLimiter struct {
	mu    sync.Mutex
	store map[string]*bucket
	now   func() time.Time
}

type bucket struct {
	lim      *xrate.Limiter
	limit    int
	window   time.Duration
	lastSeen time.Time
}

func NewMemory() *MemoryLimiter {
	return &MemoryLimiter{store: make(map[string]*bucket), now: time.Now}
}

// Allow refills a token bucket of size limit at limit/window. A non-positive
// limit refuses everything.
func (m *MemoryLimiter) Allow(key string, limit int, window time.Duration) (bool, time.Duration) {
	if limit <= 0 || window <= 0 {
		return false, window
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	b, ok := m.store[key]
	if !ok || b.limit != limit || b.window != window {
		b = &bucket{
			lim:    xrate.NewLimiter(xrate.Every(window/time.Duration(limit)), limit),
			limit:  limit,
			window: window,
		}
		m.store[key] = b
	}
	b.lastSeen = now

	r := b.lim.ReserveN(now, 1)
	if !r.OK() {
		return false, window
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// Prune drops buckets untouched for longer than idle and returns how many
// were removed.
func (m *MemoryLimiter) Prune(idle time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-idle)
	removed := 0
	for key, b := range m.store {
		if b.lastSeen.Before(cutoff) {
			delete(m.store, key)
			removed++
		}
	}
	return removed
}

func (m *MemoryLimiter) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.store)
}
