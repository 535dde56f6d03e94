package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/shopfront/checkout-engine/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedProduct(t *testing.T, s *MemoryStore, name string, price float64, stock int64) int64 {
	t.Helper()
	acc, err := s.Acquire(context.Background())
	require.NoError(t, err)
	defer acc.Release()

	id, err := acc.UpsertProduct(context.Background(), domain.Product{
		Name:  name,
		Price: price,
		Stock: stock,
	})
	require.NoError(t, err)
	return id
}

func TestMemoryStore_GetProduct(t *testing.T) {
	s := NewMemoryStore()
	id := seedProduct(t, s, "Widget", 9.99, 4)

	acc, err := s.Acquire(context.Background())
	require.NoError(t, err)
	defer acc.Release()

	p, err := acc.GetProduct(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "Widget", p.Name)
	assert.Equal(t, int64(4), p.Stock)

	_, err = acc.GetProduct(context.Background(), 999)
	assert.ErrorIs(t, err, ErrProductNotFound)
}

func TestMemoryStore_UpsertByName(t *testing.T) {
	s := NewMemoryStore()
	id1 := seedProduct(t, s, "Widget", 9.99, 4)
	id2 := seedProduct(t, s, "Widget", 12.50, 7)

	assert.Equal(t, id1, id2, "same name updates in place")

	acc, _ := s.Acquire(context.Background())
	defer acc.Release()
	p, err := acc.GetProduct(context.Background(), id1)
	require.NoError(t, err)
	assert.Equal(t, 12.50, p.Price)
	assert.Equal(t, int64(7), p.Stock)
}

func TestMemoryStore_IncreaseStock(t *testing.T) {
	s := NewMemoryStore()
	id := seedProduct(t, s, "Widget", 9.99, 1)

	acc, _ := s.Acquire(context.Background())
	defer acc.Release()

	require.NoError(t, acc.IncreaseStock(context.Background(), id, 5))
	p, err := acc.GetProduct(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, int64(6), p.Stock)

	assert.ErrorIs(t, acc.IncreaseStock(context.Background(), 999, 1), ErrProductNotFound)
}

func TestMemoryStore_ReleasedAccessorRefusesWork(t *testing.T) {
	s := NewMemoryStore()
	id := seedProduct(t, s, "Widget", 9.99, 1)

	acc, _ := s.Acquire(context.Background())
	require.NoError(t, acc.Release())

	_, err := acc.GetProduct(context.Background(), id)
	assert.ErrorIs(t, err, ErrReleased)
	_, err = acc.Begin(context.Background())
	assert.ErrorIs(t, err, ErrReleased)
}

func TestMemoryTx_ConditionalDecrement(t *testing.T) {
	s := NewMemoryStore()
	id := seedProduct(t, s, "Widget", 9.99, 3)

	acc, _ := s.Acquire(context.Background())
	defer acc.Release()

	tx, err := acc.Begin(context.Background())
	require.NoError(t, err)

	ok, err := tx.DecreaseStockIfAvailable(context.Background(), id, 2)
	require.NoError(t, err)
	assert.True(t, ok)

	// Staged level is authoritative within the transaction.
	ok, err = tx.DecreaseStockIfAvailable(context.Background(), id, 2)
	require.NoError(t, err)
	assert.False(t, ok, "only 1 left after staged decrement")

	require.NoError(t, tx.Commit())

	p, err := acc.GetProduct(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.Stock)
}

func TestMemoryTx_RollbackDiscardsEverything(t *testing.T) {
	s := NewMemoryStore()
	id := seedProduct(t, s, "Widget", 9.99, 3)

	acc, _ := s.Acquire(context.Background())
	defer acc.Release()

	tx, err := acc.Begin(context.Background())
	require.NoError(t, err)

	ok, err := tx.DecreaseStockIfAvailable(context.Background(), id, 3)
	require.NoError(t, err)
	require.True(t, ok)

	saleID, err := tx.InsertSale(context.Background(), &domain.Sale{UserID: 1, Total: 29.97, Status: domain.SaleCompleted})
	require.NoError(t, err)
	require.NoError(t, tx.InsertSaleItem(context.Background(), &domain.SaleItem{SaleID: saleID, ProductID: id, Quantity: 3, UnitPrice: 9.99}))
	require.NoError(t, tx.Rollback())

	p, err := acc.GetProduct(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, int64(3), p.Stock, "decrement rolled back")

	_, _, err = acc.GetSale(context.Background(), saleID)
	assert.ErrorIs(t, err, ErrSaleNotFound)
}

func TestMemoryTx_CommitHookFailureAppliesNothing(t *testing.T) {
	s := NewMemoryStore()
	id := seedProduct(t, s, "Widget", 9.99, 3)
	boom := errors.New("disk full")
	s.SetHooks(Hooks{BeforeCommit: func() error { return boom }})

	acc, _ := s.Acquire(context.Background())
	defer acc.Release()

	tx, err := acc.Begin(context.Background())
	require.NoError(t, err)
	ok, err := tx.DecreaseStockIfAvailable(context.Background(), id, 1)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = tx.InsertSale(context.Background(), &domain.Sale{UserID: 1, Status: domain.SaleCompleted})
	require.NoError(t, err)

	assert.ErrorIs(t, tx.Commit(), boom)

	p, err := acc.GetProduct(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, int64(3), p.Stock)
}

// N concurrent qty=1 decrements against stock S: exactly min(N, S)
// succeed and stock never goes negative.
func TestMemoryStore_ConcurrentDecrements(t *testing.T) {
	const (
		workers = 50
		stock   = 18
	)
	s := NewMemoryStore()
	id := seedProduct(t, s, "Limited", 5.00, stock)

	var succeeded atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			acc, err := s.Acquire(context.Background())
			if err != nil {
				t.Error(err)
				return
			}
			defer acc.Release()

			tx, err := acc.Begin(context.Background())
			if err != nil {
				t.Error(err)
				return
			}
			ok, err := tx.DecreaseStockIfAvailable(context.Background(), id, 1)
			if err != nil {
				t.Error(err)
				tx.Rollback()
				return
			}
			if !ok {
				tx.Rollback()
				return
			}
			if err := tx.Commit(); err != nil {
				t.Error(err)
				return
			}
			succeeded.Add(1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(stock), succeeded.Load(), "exactly min(N, S) succeed")

	acc, _ := s.Acquire(context.Background())
	defer acc.Release()
	p, err := acc.GetProduct(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, int64(0), p.Stock)
	assert.GreaterOrEqual(t, p.Stock, int64(0), "stock never negative")
}
