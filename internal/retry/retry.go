// Package retry wraps an operation with bounded retries and jittered
// exponential backoff. The policy does not own a circuit breaker; the
// coordinator consults its breaker once before entering the loop and
// records the outcome afterwards.
package retry

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 100 * time.Millisecond
	DefaultMaxDelay    = 2 * time.Second
	DefaultJitter      = 50 * time.Millisecond
)

// SleepFunc performs the backoff wait. The default blocks only the
// calling goroutine and honours context cancellation. Deployments that
// need a different wait discipline swap this out; tests capture delays
// with it.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepBlocking(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Policy holds the retry parameters. A zero-value field falls back to
// its default in New.
type Policy struct {
	maxAttempts int
	base        time.Duration
	cap         time.Duration
	jitter      time.Duration
	sleep       SleepFunc

	mu  sync.Mutex
	rng *rand.Rand
}

type Option func(*Policy)

// WithSleep overrides the backoff wait.
func WithSleep(fn SleepFunc) Option {
	return func(p *Policy) { p.sleep = fn }
}

// WithRandSeed makes jitter deterministic.
func WithRandSeed(seed int64) Option {
	return func(p *Policy) { p.rng = rand.New(rand.NewSource(seed)) }
}

func New(maxAttempts int, base, cap, jitter time.Duration, opts ...Option) *Policy {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if base <= 0 {
		base = DefaultBaseDelay
	}
	if cap <= 0 {
		cap = DefaultMaxDelay
	}
	if jitter < 0 {
		jitter = DefaultJitter
	}
	p := &Policy{
		maxAttempts: maxAttempts,
		base:        base,
		cap:         cap,
		jitter:      jitter,
		sleep:       sleepBlocking,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// MaxAttempts exposes the attempt bound for logging.
func (p *Policy) MaxAttempts() int { return p.maxAttempts }

// OnRetry is told the 0-indexed attempt about to run (n >= 1 only, the
// first attempt is not announced) so the caller can emit its
// payment_retry event.
type OnRetry func(attempt int)

// Do runs op until it succeeds or maxAttempts are exhausted. Before
// attempt n (0-indexed, n >= 1) it waits min(base*2^(n-1), cap) jittered
// by ±jitter, floored at zero. On exhaustion the last failure is
// returned.
func (p *Policy) Do(ctx context.Context, op func(ctx context.Context) error, onRetry OnRetry) error {
	var lastErr error
	for n := 0; n < p.maxAttempts; n++ {
		if n > 0 {
			if err := p.sleep(ctx, p.delay(n)); err != nil {
				return err
			}
			if onRetry != nil {
				onRetry(n)
			}
		}
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
	}
	return lastErr
}

// delay computes the jittered backoff before attempt n (n >= 1).
func (p *Policy) delay(n int) time.Duration {
	d := p.base << uint(n-1)
	if d > p.cap || d <= 0 { // <= 0 guards shift overflow
		d = p.cap
	}
	if p.jitter > 0 {
		p.mu.Lock()
		offset := time.Duration(p.rng.Int63n(int64(2*p.jitter)+1)) - p.jitter
		p.mu.Unlock()
		d += offset
	}
	if d < 0 {
		d = 0
	}
	return d
}
