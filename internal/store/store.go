// Package store defines the persistence contract the checkout engine
// consumes: per-worker accessors, an all-or-nothing transaction with a
// conditional stock decrement, and catalog/sale lookups. The postgres
// implementation lives in internal/repository; MemoryStore in this
// package backs tests and the demo server.
package store

import (
	"context"
	"errors"

	"github.com/shopfront/checkout-engine/internal/domain"
)

var (
	ErrProductNotFound = errors.New("product not found")
	ErrSaleNotFound    = errors.New("sale not found")
	ErrPaymentNotFound = errors.New("payment not found")
	ErrTxDone          = errors.New("transaction already finished")
	ErrReleased        = errors.New("accessor already released")
)

// Store hands out per-worker accessors.
type Store interface {
	Acquire(ctx context.Context) (Accessor, error)
}

// Accessor is one worker's exclusive handle to the persistent store.
// It is acquired at the start of a checkout and must be released on
// every exit path; it is never shared with another concurrent worker.
type Accessor interface {
	GetProduct(ctx context.Context, id int64) (*domain.Product, error)
	ListProducts(ctx context.Context) ([]domain.Product, error)
	UpsertProduct(ctx context.Context, p domain.Product) (int64, error)

	// IncreaseStock restocks unconditionally and always succeeds for
	// an existing product.
	IncreaseStock(ctx context.Context, productID, qty int64) error

	GetSale(ctx context.Context, saleID int64) (*domain.Sale, []domain.SaleItem, error)
	GetPaymentBySale(ctx context.Context, saleID int64) (*domain.Payment, error)

	// Begin opens the single all-or-nothing transaction of the
	// atomic-persistence step. Transactions are never nested.
	Begin(ctx context.Context) (Tx, error)

	Release() error
}

// Tx is the atomic persistence step: commit-time conditional stock
// decrements plus the Sale/SaleItem/Payment inserts. Rollback undoes
// every decrement and insert performed within the transaction.
type Tx interface {
	// DecreaseStockIfAvailable performs the single conditional write
	// "stock -= qty where stock >= qty" and reports whether it took
	// effect. There is no separate read-then-write step.
	DecreaseStockIfAvailable(ctx context.Context, productID, qty int64) (bool, error)

	InsertSale(ctx context.Context, sale *domain.Sale) (int64, error)
	InsertSaleItem(ctx context.Context, item *domain.SaleItem) error
	InsertPayment(ctx context.Context, p *domain.Payment) error

	Commit() error
	Rollback() error
}
