package breaker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually stepped time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestBreaker_ClosedUntilThreshold(t *testing.T) {
	clock := newFakeClock()
	cb := New(3, time.Minute, WithClock(clock.Now))

	cb.RecordFailure()
	cb.RecordFailure()
	assert.True(t, cb.Allow())
	assert.Equal(t, StateClosed, cb.State())

	cb.RecordFailure() // third consecutive failure trips it
	assert.False(t, cb.Allow())
	assert.Equal(t, StateOpen, cb.State())
}

func TestBreaker_FailsFastDuringCooldown(t *testing.T) {
	clock := newFakeClock()
	cb := New(3, time.Minute, WithClock(clock.Now))

	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}

	clock.Advance(59 * time.Second)
	assert.False(t, cb.Allow())

	// At the deadline the check transparently closes the breaker.
	clock.Advance(time.Second)
	assert.True(t, cb.Allow())
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreaker_LazyResetClearsFailures(t *testing.T) {
	clock := newFakeClock()
	cb := New(2, time.Minute, WithClock(clock.Now))

	cb.RecordFailure()
	cb.RecordFailure()
	require.False(t, cb.Allow())

	clock.Advance(time.Minute)
	require.True(t, cb.Allow())

	// Counter restarted from zero: one more failure must not trip it.
	cb.RecordFailure()
	assert.True(t, cb.Allow())
	cb.RecordFailure()
	assert.False(t, cb.Allow())
}

func TestBreaker_SuccessResetsCounter(t *testing.T) {
	clock := newFakeClock()
	cb := New(3, time.Minute, WithClock(clock.Now))

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()

	cb.RecordFailure()
	cb.RecordFailure()
	assert.True(t, cb.Allow(), "counter restarted after success")

	cb.RecordFailure()
	assert.False(t, cb.Allow())
}

func TestBreaker_StateChangeCallback(t *testing.T) {
	clock := newFakeClock()
	var (
		mu     sync.Mutex
		states []State
	)
	cb := New(2, time.Minute,
		WithClock(clock.Now),
		WithOnStateChange(func(s State) {
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
		}))

	cb.RecordFailure()
	cb.RecordFailure()
	clock.Advance(time.Minute)
	cb.Allow()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateOpen, StateClosed}, states)
}

func TestBreaker_ConcurrentFailures(t *testing.T) {
	clock := newFakeClock()
	cb := New(100, time.Minute, WithClock(clock.Now))

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cb.RecordFailure()
		}()
	}
	wg.Wait()

	// Exactly at the threshold after 100 racing increments.
	assert.False(t, cb.Allow())
}

func TestBreaker_DefaultsApplied(t *testing.T) {
	cb := New(0, 0)
	assert.Equal(t, DefaultThreshold, cb.threshold)
	assert.Equal(t, DefaultCooldown, cb.cooldown)
}
