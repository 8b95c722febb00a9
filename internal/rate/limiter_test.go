package rate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter() (*MemoryLimiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
	m := NewMemory()
	m.now = clock.now
	return m, clock
}

func TestMemoryLimiterBurstThenRefill(t *testing.T) {
	m, clock := newTestLimiter()

	for i := 0; i < 3; i++ {
		ok, _ := m.Allow("vote:ip:1.2.3.4", 3, time.Minute)
		require.True(t, ok, "request %d should be allowed", i)
	}

	ok, retry := m.Allow("vote:ip:1.2.3.4", 3, time.Minute)
	require.False(t, ok)
	assert.Greater(t, retry, 19*time.Second)
	assert.LessOrEqual(t, retry, 21*time.Second)

	// refused requests do not consume tokens
	clock.advance(21 * time.Second)
	ok, _ = m.Allow("vote:ip:1.2.3.4", 3, time.Minute)
	assert.True(t, ok)
	ok, _ = m.Allow("vote:ip:1.2.3.4", 3, time.Minute)
	assert.False(t, ok)
}

func TestMemoryLimiterKeysIndependent(t *testing.T) {
	m, _ := newTestLimiter()

	ok, _ := m.Allow("gist:ip:a", 1, time.Minute)
	require.True(t, ok)
	ok, _ = m.Allow("gist:ip:a", 1, time.Minute)
	require.False(t, ok)

	ok, _ = m.Allow("gist:ip:b", 1, time.Minute)
	assert.True(t, ok)
}

func TestMemoryLimiterLimitChangeResets(t *testing.T) {
	m, _ := newTestLimiter()

	ok, _ := m.Allow("k", 1, time.Minute)
	require.True(t, ok)
	ok, _ = m.Allow("k", 1, time.Minute)
	require.False(t, ok)

	ok, _ = m.Allow("k", 5, time.Minute)
	assert.True(t, ok)
}

func TestMemoryLimiterZeroLimitRefuses(t *testing.T) {
	m, _ := newTestLimiter()
	ok, retry := m.Allow("k", 0, time.Minute)
	assert.False(t, ok)
	assert.Equal(t, time.Minute, retry)
}

func TestMemoryLimiterPrune(t *testing.T) {
	m, clock := newTestLimiter()

	m.Allow("old", 5, time.Minute)
	clock.advance(10 * time.Minute)
	m.Allow("fresh", 5, time.Minute)

	removed := m.Prune(5 * time.Minute)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, m.size())
}
