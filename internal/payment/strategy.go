package payment

import (
	"context"
	"errors"
	"strings"
	"sync"
)

var (
	ErrUnknownMethod = errors.New("unknown payment method")
	ErrDeclined      = errors.New("payment declined by gateway")
	ErrRefundFailed  = errors.New("refund rejected by gateway")
)

// Authorization is the gateway's answer to a successful charge. The
// reference is the handle a later refund must quote.
type Authorization struct {
	Reference string
}

// Strategy is the capability a payment backend must expose. Production
// deployments register real gateway adapters; the built-in variants in
// this package exist for demo wiring and tests.
type Strategy interface {
	Charge(ctx context.Context, amount float64) (Authorization, error)
	Refund(ctx context.Context, reference string, amount float64) error
}

// Registry maps case-insensitive method names to strategies. The mapping
// is populated at construction; later registration stays safe because
// lookups and writes share an RWMutex.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
}

func NewRegistry() *Registry {
	return &Registry{strategies: make(map[string]Strategy)}
}

// Register adds or replaces the strategy for a method name.
func (r *Registry) Register(method string, s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[normalize(method)] = s
}

// Lookup resolves a method name to its strategy.
func (r *Registry) Lookup(method string) (Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[normalize(method)]
	if !ok {
		return nil, ErrUnknownMethod
	}
	return s, nil
}

// Methods returns the registered method names, for diagnostics.
func (r *Registry) Methods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.strategies))
	for k := range r.strategies {
		out = append(out, k)
	}
	return out
}

func normalize(method string) string {
	return strings.ToLower(strings.TrimSpace(method))
}
