package payment

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"github.com/google/uuid"
)

func newReference() string {
	return fmt.Sprintf("PAY-%s", uuid.New().String())
}

// ApproveStrategy approves every charge and every refund.
type ApproveStrategy struct{}

func NewApproveStrategy() *ApproveStrategy { return &ApproveStrategy{} }

func (*ApproveStrategy) Charge(_ context.Context, _ float64) (Authorization, error) {
	return Authorization{Reference: newReference()}, nil
}

func (*ApproveStrategy) Refund(_ context.Context, _ string, _ float64) error {
	return nil
}

// DeclineStrategy declines every charge. Refunds still succeed so that a
// compensation path against a different gateway can be exercised in tests.
type DeclineStrategy struct{}

func NewDeclineStrategy() *DeclineStrategy { return &DeclineStrategy{} }

func (*DeclineStrategy) Charge(_ context.Context, _ float64) (Authorization, error) {
	return Authorization{}, fmt.Errorf("%w: insufficient funds", ErrDeclined)
}

func (*DeclineStrategy) Refund(_ context.Context, _ string, _ float64) error {
	return nil
}

// FlakyStrategy approves charges with the configured probability. The
// rand source is owned by the strategy and guarded, so concurrent
// checkouts can share one instance.
type FlakyStrategy struct {
	mu          sync.Mutex
	rng         *rand.Rand
	successRate float64
}

// NewFlakyStrategy builds a probabilistic strategy. successRate is
// clamped to [0, 1]; seed makes test runs reproducible.
func NewFlakyStrategy(successRate float64, seed int64) *FlakyStrategy {
	if successRate < 0 {
		successRate = 0
	}
	if successRate > 1 {
		successRate = 1
	}
	return &FlakyStrategy{
		rng:         rand.New(rand.NewSource(seed)),
		successRate: successRate,
	}
}

func (f *FlakyStrategy) Charge(_ context.Context, _ float64) (Authorization, error) {
	f.mu.Lock()
	roll := f.rng.Float64()
	f.mu.Unlock()
	if roll < f.successRate {
		return Authorization{Reference: newReference()}, nil
	}
	return Authorization{}, fmt.Errorf("%w: gateway timeout", ErrDeclined)
}

func (*FlakyStrategy) Refund(_ context.Context, _ string, _ float64) error {
	return nil
}
