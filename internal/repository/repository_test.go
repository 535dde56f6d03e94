package repository

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopfront/checkout-engine/internal/domain"
	"github.com/shopfront/checkout-engine/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupTestDB(t *testing.T) *Repository {
	if testing.Short() {
		t.Skip("skipping container-backed test in short mode")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)

	host, err := pgContainer.Host(ctx)
	require.NoError(t, err)

	port, err := pgContainer.MappedPort(ctx, "5432")
	require.NoError(t, err)

	creds := &Credentials{
		Host:              host,
		Port:              port.Int(),
		User:              "testuser",
		Password:          "testpass",
		DBName:            "testdb",
		MigrationsDirPath: "./migrations",
	}

	repo, err := NewRepository(creds)
	require.NoError(t, err)
	require.NoError(t, repo.RunMigrations(creds))
	require.NoError(t, repo.EnsureUser(1, "testuser"))

	t.Cleanup(func() {
		repo.Close()
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})
	return repo
}

func seedProduct(t *testing.T, repo *Repository, name string, price float64, stock int64) int64 {
	t.Helper()
	ctx := context.Background()
	acc, err := repo.Acquire(ctx)
	require.NoError(t, err)
	defer acc.Release()

	id, err := acc.UpsertProduct(ctx, domain.Product{Name: name, Price: price, Stock: stock})
	require.NoError(t, err)
	return id
}

func TestRepository_ProductRoundTrip(t *testing.T) {
	repo := setupTestDB(t)
	ctx := context.Background()

	id := seedProduct(t, repo, "Widget", 10.00, 5)

	acc, err := repo.Acquire(ctx)
	require.NoError(t, err)
	defer acc.Release()

	p, err := acc.GetProduct(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Widget", p.Name)
	assert.Equal(t, int64(5), p.Stock)
	assert.Nil(t, p.FlashPrice)

	_, err = acc.GetProduct(ctx, 9999)
	assert.ErrorIs(t, err, store.ErrProductNotFound)
}

func TestRepository_UpsertFlashFields(t *testing.T) {
	repo := setupTestDB(t)
	ctx := context.Background()

	flash := 6.00
	start := time.Now().UTC().Add(-time.Hour)
	end := time.Now().UTC().Add(time.Hour)
	acc, err := repo.Acquire(ctx)
	require.NoError(t, err)
	defer acc.Release()

	id, err := acc.UpsertProduct(ctx, domain.Product{
		Name: "FlashItem", Price: 10.00, Stock: 5,
		FlashPrice: &flash, FlashStart: &start, FlashEnd: &end,
	})
	require.NoError(t, err)

	p, err := acc.GetProduct(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, p.FlashPrice)
	assert.Equal(t, 6.00, *p.FlashPrice)
	assert.True(t, p.FlashActive(time.Now().UTC()))
}

func TestRepository_ConditionalDecrementAndRollback(t *testing.T) {
	repo := setupTestDB(t)
	ctx := context.Background()

	id := seedProduct(t, repo, "Limited", 5.00, 2)

	acc, err := repo.Acquire(ctx)
	require.NoError(t, err)
	defer acc.Release()

	tx, err := acc.Begin(ctx)
	require.NoError(t, err)

	ok, err := tx.DecreaseStockIfAvailable(ctx, id, 2)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = tx.DecreaseStockIfAvailable(ctx, id, 1)
	require.NoError(t, err)
	assert.False(t, ok, "stock exhausted within transaction")

	require.NoError(t, tx.Rollback())

	p, err := acc.GetProduct(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(2), p.Stock, "rollback restored stock")
}

func TestRepository_SaleItemsPaymentAtomic(t *testing.T) {
	repo := setupTestDB(t)
	ctx := context.Background()

	id := seedProduct(t, repo, "Widget", 10.00, 5)

	acc, err := repo.Acquire(ctx)
	require.NoError(t, err)
	defer acc.Release()

	tx, err := acc.Begin(ctx)
	require.NoError(t, err)

	ok, err := tx.DecreaseStockIfAvailable(ctx, id, 2)
	require.NoError(t, err)
	require.True(t, ok)

	saleID, err := tx.InsertSale(ctx, &domain.Sale{
		UserID: 1, Subtotal: 20.00, Total: 20.00, Status: domain.SaleCompleted,
	})
	require.NoError(t, err)
	require.NoError(t, tx.InsertSaleItem(ctx, &domain.SaleItem{
		SaleID: saleID, ProductID: id, Quantity: 2, UnitPrice: 10.00,
	}))
	require.NoError(t, tx.InsertPayment(ctx, &domain.Payment{
		SaleID: saleID, Method: "card", Reference: "PAY-test", Amount: 20.00,
		Status: domain.PaymentApproved,
	}))
	require.NoError(t, tx.Commit())

	sale, items, err := acc.GetSale(ctx, saleID)
	require.NoError(t, err)
	assert.InDelta(t, 20.00, sale.Total, 1e-9)
	require.Len(t, items, 1)
	assert.Equal(t, int64(2), items[0].Quantity)

	pay, err := acc.GetPaymentBySale(ctx, saleID)
	require.NoError(t, err)
	assert.Equal(t, "PAY-test", pay.Reference)
	assert.Equal(t, domain.PaymentApproved, pay.Status)

	p, err := acc.GetProduct(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(3), p.Stock)
}

// Exactly min(N, S) concurrent single-unit decrements succeed; the
// database's conditional update is the only synchronization.
func TestRepository_ConcurrentDecrements(t *testing.T) {
	repo := setupTestDB(t)
	ctx := context.Background()

	const (
		workers = 20
		stock   = 7
	)
	id := seedProduct(t, repo, "Scarce", 5.00, stock)

	var succeeded atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			acc, err := repo.Acquire(ctx)
			if err != nil {
				t.Error(err)
				return
			}
			defer acc.Release()

			tx, err := acc.Begin(ctx)
			if err != nil {
				t.Error(err)
				return
			}
			ok, err := tx.DecreaseStockIfAvailable(ctx, id, 1)
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

	assert.Equal(t, int64(stock), succeeded.Load())

	acc, err := repo.Acquire(ctx)
	require.NoError(t, err)
	defer acc.Release()
	p, err := acc.GetProduct(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(0), p.Stock)
}

func TestRepository_IncreaseStock(t *testing.T) {
	repo := setupTestDB(t)
	ctx := context.Background()

	id := seedProduct(t, repo, "Widget", 10.00, 1)

	acc, err := repo.Acquire(ctx)
	require.NoError(t, err)
	defer acc.Release()

	require.NoError(t, acc.IncreaseStock(ctx, id, 4))
	p, err := acc.GetProduct(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(5), p.Stock)

	assert.ErrorIs(t, acc.IncreaseStock(ctx, 9999, 1), store.ErrProductNotFound)
}
