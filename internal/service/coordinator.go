// Package service contains the transaction coordinator: the component
// that reconciles an unreliable payment gateway with locally persisted
// inventory and sale state, without overselling stock or losing money.
package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/shopfront/checkout-engine/internal/breaker"
	"github.com/shopfront/checkout-engine/internal/domain"
	"github.com/shopfront/checkout-engine/internal/metrics"
	"github.com/shopfront/checkout-engine/internal/payment"
	"github.com/shopfront/checkout-engine/internal/retry"
	"github.com/shopfront/checkout-engine/internal/store"
)

// CheckoutService is the contract the presentation layer consumes.
type CheckoutService interface {
	Checkout(ctx context.Context, userID int64, cart []domain.CartLine, method string) (*domain.Receipt, error)
}

// Coordinator drives the full checkout: validation, pricing, breaker
// gate, retried payment, atomic persistence, and the compensating
// refund when a post-payment step fails.
type Coordinator struct {
	store    store.Store
	payments *payment.Registry
	breaker  *breaker.CircuitBreaker
	retry    *retry.Policy
	logger   *zap.Logger
	metrics  *metrics.CheckoutMetrics
	now      func() time.Time
}

type Option func(*Coordinator)

// WithClock overrides the pricing clock; tests pin "now" inside or
// outside a flash window with it.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func NewCoordinator(
	st store.Store,
	payments *payment.Registry,
	cb *breaker.CircuitBreaker,
	rp *retry.Policy,
	logger *zap.Logger,
	m *metrics.CheckoutMetrics,
	opts ...Option,
) *Coordinator {
	c := &Coordinator{
		store:    st,
		payments: payments,
		breaker:  cb,
		retry:    rp,
		logger:   logger,
		metrics:  m,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BreakerEvents builds the state-change hook that keeps the breaker
// gauge and the circuit_open event in step with breaker transitions.
func BreakerEvents(logger *zap.Logger, m *metrics.CheckoutMetrics) breaker.OnStateChange {
	return func(s breaker.State) {
		if s == breaker.StateOpen {
			m.BreakerOpen.Set(1)
			logger.Warn("circuit_open")
			return
		}
		m.BreakerOpen.Set(0)
		logger.Info("circuit_closed")
	}
}

// Checkout runs the seven-step algorithm. The cart is the caller's
// immutable snapshot; the coordinator holds no cart state between
// calls. Every exit path releases the accessor and observes the
// duration metric.
func (c *Coordinator) Checkout(ctx context.Context, userID int64, cart []domain.CartLine, method string) (receipt *domain.Receipt, err error) {
	start := time.Now()
	defer func() {
		c.metrics.CheckoutDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
		if err != nil {
			if kind := KindOf(err); kind != "" {
				c.metrics.CheckoutErrors.WithLabelValues(string(kind)).Inc()
			}
			c.logger.Info("checkout_failed",
				zap.Int64("user_id", userID),
				zap.String("reason", string(KindOf(err))),
				zap.Error(err))
		}
	}()

	c.logger.Info("checkout_attempted",
		zap.Int64("user_id", userID),
		zap.String("payment_method", method),
		zap.Int("lines", len(cart)))

	if err := validateCart(cart); err != nil {
		return nil, err
	}

	acc, err := c.store.Acquire(ctx)
	if err != nil {
		return nil, newError(KindPersistence, err, "failed to acquire store handle")
	}
	defer acc.Release()

	// Steps 1-2: advisory pre-validation and pricing. The observed
	// stock is not authoritative; the commit-time conditional write
	// below is. The pre-check only avoids paying for a doomed cart.
	priced, subtotal, err := c.preValidateAndPrice(ctx, acc, cart)
	if err != nil {
		return nil, err
	}
	total := subtotal // tax/shipping excluded

	// Step 3: breaker gate, checked once before any gateway call.
	if !c.breaker.Allow() {
		return nil, newError(KindServiceUnavailable, nil,
			"payment service temporarily unavailable, try again later")
	}

	strat, err := c.payments.Lookup(method)
	if err != nil {
		return nil, newError(KindConfiguration, err, "unsupported payment method %q", method)
	}

	// Step 4: payment through the retry policy.
	auth, err := c.chargeWithRetry(ctx, strat, total)
	if err != nil {
		c.breaker.RecordFailure()
		return nil, newError(KindPaymentDeclined, err,
			"payment declined after %d attempts", c.retry.MaxAttempts())
	}
	c.breaker.RecordSuccess()

	// Steps 5-6: atomic persistence with compensating refund on any
	// post-payment failure.
	saleID, err := c.persistSale(ctx, acc, userID, priced, subtotal, total, method, auth)
	if err != nil {
		return nil, c.compensate(ctx, strat, auth, total, method, err)
	}

	receipt = buildReceipt(saleID, priced, subtotal, total, method, auth.Reference)
	c.logger.Info("checkout_succeeded",
		zap.Int64("sale_id", saleID),
		zap.Int64("user_id", userID),
		zap.Float64("total", total))
	return receipt, nil
}

// pricedLine is a cart line with its product and effective unit price
// captured at checkout time.
type pricedLine struct {
	product   *domain.Product
	quantity  int64
	unitPrice float64
}

func validateCart(cart []domain.CartLine) error {
	if len(cart) == 0 {
		return newError(KindValidation, nil, "cart is empty, nothing to checkout")
	}
	seen := make(map[int64]struct{}, len(cart))
	for _, line := range cart {
		if line.Quantity <= 0 {
			return newError(KindValidation, nil,
				"quantity for product %d must be positive", line.ProductID)
		}
		if _, dup := seen[line.ProductID]; dup {
			return newError(KindValidation, nil,
				"product %d appears more than once in the cart", line.ProductID)
		}
		seen[line.ProductID] = struct{}{}
	}
	return nil
}

func (c *Coordinator) preValidateAndPrice(ctx context.Context, acc store.Accessor, cart []domain.CartLine) ([]pricedLine, float64, error) {
	now := c.now()
	priced := make([]pricedLine, 0, len(cart))
	var subtotal float64
	for _, line := range cart {
		p, err := acc.GetProduct(ctx, line.ProductID)
		if errors.Is(err, store.ErrProductNotFound) {
			return nil, 0, newError(KindValidation, err, "product %d not found", line.ProductID)
		}
		if err != nil {
			return nil, 0, newError(KindPersistence, err, "failed to read product %d", line.ProductID)
		}
		if line.Quantity > p.Stock {
			return nil, 0, newError(KindInsufficientStock, nil,
				"insufficient stock for %s: only %d available", p.Name, p.Stock)
		}
		unit := p.EffectivePrice(now)
		priced = append(priced, pricedLine{product: p, quantity: line.Quantity, unitPrice: unit})
		subtotal += unit * float64(line.Quantity)
	}
	return priced, subtotal, nil
}

func (c *Coordinator) chargeWithRetry(ctx context.Context, strat payment.Strategy, total float64) (payment.Authorization, error) {
	var auth payment.Authorization
	err := c.retry.Do(ctx, func(ctx context.Context) error {
		a, chargeErr := strat.Charge(ctx, total)
		if chargeErr != nil {
			return chargeErr
		}
		auth = a
		return nil
	}, func(attempt int) {
		c.metrics.PaymentRetries.Inc()
		c.logger.Info("payment_retry", zap.Int("attempt", attempt))
	})
	return auth, err
}

// persistSale is the single all-or-nothing transaction: authoritative
// conditional decrements, then Sale, SaleItems and Payment together.
func (c *Coordinator) persistSale(
	ctx context.Context,
	acc store.Accessor,
	userID int64,
	priced []pricedLine,
	subtotal, total float64,
	method string,
	auth payment.Authorization,
) (int64, error) {
	tx, err := acc.Begin(ctx)
	if err != nil {
		return 0, newError(KindPersistence, err, "failed to open transaction")
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	for _, line := range priced {
		ok, decErr := tx.DecreaseStockIfAvailable(ctx, line.product.ID, line.quantity)
		if decErr != nil {
			return 0, newError(KindPersistence, decErr,
				"stock update failed for product %d", line.product.ID)
		}
		if !ok {
			// Lost the commit-time race; prior decrements in this
			// transaction roll back with it.
			return 0, newError(KindInsufficientStock, nil,
				"insufficient stock for %s at commit time", line.product.Name)
		}
	}

	saleID, err := tx.InsertSale(ctx, &domain.Sale{
		UserID:    userID,
		Timestamp: c.now().UTC(),
		Subtotal:  subtotal,
		Total:     total,
		Status:    domain.SaleCompleted,
	})
	if err != nil {
		return 0, newError(KindPersistence, err, "failed to insert sale")
	}

	for _, line := range priced {
		if err := tx.InsertSaleItem(ctx, &domain.SaleItem{
			SaleID:    saleID,
			ProductID: line.product.ID,
			Quantity:  line.quantity,
			UnitPrice: line.unitPrice,
		}); err != nil {
			return 0, newError(KindPersistence, err, "failed to insert sale item")
		}
	}

	if err := tx.InsertPayment(ctx, &domain.Payment{
		SaleID:    saleID,
		Method:    method,
		Reference: auth.Reference,
		Amount:    total,
		Status:    domain.PaymentApproved,
		Timestamp: c.now().UTC(),
	}); err != nil {
		return 0, newError(KindPersistence, err, "failed to insert payment")
	}

	if err := tx.Commit(); err != nil {
		return 0, newError(KindPersistence, err, "failed to commit sale")
	}
	committed = true
	return saleID, nil
}

// compensate issues the single-step saga compensation: one refund for
// the already-approved payment, quoting the original reference and
// amount. A failed refund is terminal and never silently retried; it
// is logged at the highest severity so an operator can reconcile.
func (c *Coordinator) compensate(ctx context.Context, strat payment.Strategy, auth payment.Authorization, total float64, method string, cause error) error {
	if refundErr := strat.Refund(ctx, auth.Reference, total); refundErr != nil {
		c.logger.Error("refund_failed",
			zap.String("payment_reference", auth.Reference),
			zap.Float64("amount", total),
			zap.String("payment_method", method),
			zap.NamedError("checkout_failure", cause),
			zap.Error(refundErr))
		return &Error{
			Kind:    KindRefundFailed,
			Message: "refund of " + auth.Reference + " failed, manual reconciliation required",
			cause:   refundErr,
		}
	}

	c.logger.Warn("payment_refunded",
		zap.String("payment_reference", auth.Reference),
		zap.Float64("amount", total))

	var ce *Error
	if errors.As(cause, &ce) {
		ce.RefundIssued = true
		return ce
	}
	return &Error{Kind: KindPersistence, Message: cause.Error(), RefundIssued: true, cause: cause}
}

func buildReceipt(saleID int64, priced []pricedLine, subtotal, total float64, method, reference string) *domain.Receipt {
	lines := make([]domain.ReceiptLine, 0, len(priced))
	for _, line := range priced {
		lines = append(lines, domain.ReceiptLine{
			ProductID:   line.product.ID,
			ProductName: line.product.Name,
			Quantity:    line.quantity,
			UnitPrice:   line.unitPrice,
			LineTotal:   line.unitPrice * float64(line.quantity),
		})
	}
	return &domain.Receipt{
		SaleID:           saleID,
		Lines:            lines,
		Subtotal:         subtotal,
		Total:            total,
		PaymentMethod:    method,
		PaymentReference: reference,
	}
}
