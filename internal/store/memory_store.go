package store

import (
	"context"
	"sync"
	"time"

	"github.com/shopfront/checkout-engine/internal/domain"
)

// Hooks inject faults into MemoryStore transactions. Tests use them to
// simulate storage failures between payment approval and commit.
type Hooks struct {
	BeforeInsertPayment func() error
	BeforeCommit        func() error
}

// MemoryStore implements Store with in-memory state. Transactions hold
// the store mutex from Begin to Commit/Rollback, giving the same
// single-writer serializability the engine expects from the storage
// layer's atomic conditional update.
type MemoryStore struct {
	mu         sync.Mutex
	products   map[int64]*domain.Product
	sales      map[int64]*domain.Sale
	saleItems  map[int64][]domain.SaleItem
	payments   map[int64]*domain.Payment
	nextProdID int64
	nextSaleID int64

	hooks Hooks
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		products:   make(map[int64]*domain.Product),
		sales:      make(map[int64]*domain.Sale),
		saleItems:  make(map[int64][]domain.SaleItem),
		payments:   make(map[int64]*domain.Payment),
		nextProdID: 1,
		nextSaleID: 1,
	}
}

// SetHooks installs fault-injection hooks. Not safe to call while
// checkouts are in flight.
func (s *MemoryStore) SetHooks(h Hooks) { s.hooks = h }

// Acquire hands out a fresh accessor. Memory accessors are cheap; the
// exclusivity discipline (one per worker, released on every exit path)
// is still enforced so the memory store exercises the same lifecycle as
// the postgres one.
func (s *MemoryStore) Acquire(_ context.Context) (Accessor, error) {
	return &memoryAccessor{store: s}, nil
}

type memoryAccessor struct {
	store    *MemoryStore
	released bool
}

func (a *memoryAccessor) guard() error {
	if a.released {
		return ErrReleased
	}
	return nil
}

func (a *memoryAccessor) GetProduct(_ context.Context, id int64) (*domain.Product, error) {
	if err := a.guard(); err != nil {
		return nil, err
	}
	a.store.mu.Lock()
	defer a.store.mu.Unlock()
	p, ok := a.store.products[id]
	if !ok {
		return nil, ErrProductNotFound
	}
	cp := *p
	return &cp, nil
}

func (a *memoryAccessor) ListProducts(_ context.Context) ([]domain.Product, error) {
	if err := a.guard(); err != nil {
		return nil, err
	}
	a.store.mu.Lock()
	defer a.store.mu.Unlock()
	out := make([]domain.Product, 0, len(a.store.products))
	for id := int64(1); id < a.store.nextProdID; id++ {
		if p, ok := a.store.products[id]; ok {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (a *memoryAccessor) UpsertProduct(_ context.Context, p domain.Product) (int64, error) {
	if err := a.guard(); err != nil {
		return 0, err
	}
	a.store.mu.Lock()
	defer a.store.mu.Unlock()
	if p.ID != 0 {
		cp := p
		a.store.products[p.ID] = &cp
		if p.ID >= a.store.nextProdID {
			a.store.nextProdID = p.ID + 1
		}
		return p.ID, nil
	}
	// Name-keyed upsert, matching the partner-feed hook in the
	// postgres repository.
	for id := int64(1); id < a.store.nextProdID; id++ {
		if existing, ok := a.store.products[id]; ok && existing.Name == p.Name {
			p.ID = id
			cp := p
			a.store.products[id] = &cp
			return id, nil
		}
	}
	p.ID = a.store.nextProdID
	a.store.nextProdID++
	cp := p
	a.store.products[p.ID] = &cp
	return p.ID, nil
}

func (a *memoryAccessor) IncreaseStock(_ context.Context, productID, qty int64) error {
	if err := a.guard(); err != nil {
		return err
	}
	a.store.mu.Lock()
	defer a.store.mu.Unlock()
	p, ok := a.store.products[productID]
	if !ok {
		return ErrProductNotFound
	}
	p.Stock += qty
	return nil
}

func (a *memoryAccessor) GetSale(_ context.Context, saleID int64) (*domain.Sale, []domain.SaleItem, error) {
	if err := a.guard(); err != nil {
		return nil, nil, err
	}
	a.store.mu.Lock()
	defer a.store.mu.Unlock()
	s, ok := a.store.sales[saleID]
	if !ok {
		return nil, nil, ErrSaleNotFound
	}
	cp := *s
	items := make([]domain.SaleItem, len(a.store.saleItems[saleID]))
	copy(items, a.store.saleItems[saleID])
	return &cp, items, nil
}

func (a *memoryAccessor) GetPaymentBySale(_ context.Context, saleID int64) (*domain.Payment, error) {
	if err := a.guard(); err != nil {
		return nil, err
	}
	a.store.mu.Lock()
	defer a.store.mu.Unlock()
	p, ok := a.store.payments[saleID]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	cp := *p
	return &cp, nil
}

func (a *memoryAccessor) Begin(_ context.Context) (Tx, error) {
	if err := a.guard(); err != nil {
		return nil, err
	}
	// Lock held until Commit or Rollback: memory transactions are
	// single-writer by construction.
	a.store.mu.Lock()
	return &memoryTx{
		store:      a.store,
		stock:      make(map[int64]int64),
		nextSaleID: a.store.nextSaleID,
	}, nil
}

func (a *memoryAccessor) Release() error {
	a.released = true
	return nil
}

// memoryTx stages changes and applies them on Commit while the store
// lock is held.
type memoryTx struct {
	store *MemoryStore
	done  bool

	stock      map[int64]int64 // productID -> staged stock level
	sales      []*domain.Sale
	saleItems  []domain.SaleItem
	payments   []*domain.Payment
	nextSaleID int64
}

func (tx *memoryTx) stagedStock(productID int64) (int64, bool) {
	if v, ok := tx.stock[productID]; ok {
		return v, true
	}
	p, ok := tx.store.products[productID]
	if !ok {
		return 0, false
	}
	return p.Stock, true
}

func (tx *memoryTx) DecreaseStockIfAvailable(_ context.Context, productID, qty int64) (bool, error) {
	if tx.done {
		return false, ErrTxDone
	}
	cur, ok := tx.stagedStock(productID)
	if !ok {
		return false, ErrProductNotFound
	}
	if cur < qty {
		return false, nil
	}
	tx.stock[productID] = cur - qty
	return true, nil
}

func (tx *memoryTx) InsertSale(_ context.Context, sale *domain.Sale) (int64, error) {
	if tx.done {
		return 0, ErrTxDone
	}
	id := tx.nextSaleID
	tx.nextSaleID++
	cp := *sale
	cp.ID = id
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now().UTC()
	}
	tx.sales = append(tx.sales, &cp)
	return id, nil
}

func (tx *memoryTx) InsertSaleItem(_ context.Context, item *domain.SaleItem) error {
	if tx.done {
		return ErrTxDone
	}
	tx.saleItems = append(tx.saleItems, *item)
	return nil
}

func (tx *memoryTx) InsertPayment(_ context.Context, p *domain.Payment) error {
	if tx.done {
		return ErrTxDone
	}
	if hook := tx.store.hooks.BeforeInsertPayment; hook != nil {
		if err := hook(); err != nil {
			return err
		}
	}
	cp := *p
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now().UTC()
	}
	tx.payments = append(tx.payments, &cp)
	return nil
}

func (tx *memoryTx) Commit() error {
	if tx.done {
		return ErrTxDone
	}
	if hook := tx.store.hooks.BeforeCommit; hook != nil {
		if err := hook(); err != nil {
			// A failed commit leaves nothing applied; the caller
			// still calls Rollback, which is a no-op by then.
			tx.finish()
			return err
		}
	}
	for id, level := range tx.stock {
		tx.store.products[id].Stock = level
	}
	for _, s := range tx.sales {
		tx.store.sales[s.ID] = s
	}
	for _, it := range tx.saleItems {
		tx.store.saleItems[it.SaleID] = append(tx.store.saleItems[it.SaleID], it)
	}
	for _, p := range tx.payments {
		tx.store.payments[p.SaleID] = p
	}
	tx.store.nextSaleID = tx.nextSaleID
	tx.finish()
	return nil
}

func (tx *memoryTx) Rollback() error {
	if tx.done {
		return ErrTxDone
	}
	tx.finish()
	return nil
}

func (tx *memoryTx) finish() {
	tx.done = true
	tx.store.mu.Unlock()
}
