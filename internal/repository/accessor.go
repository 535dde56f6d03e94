package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopfront/checkout-engine/internal/domain"
	"github.com/shopfront/checkout-engine/internal/store"
)

// Foreign keys the schema must enforce before any accessor is handed
// out. Checked once per process at first acquisition.
var requiredForeignKeys = []string{
	"sales_user_id_fkey",
	"sale_items_sale_id_fkey",
	"sale_items_product_id_fkey",
	"payments_sale_id_fkey",
}

var (
	fkCheckOnce sync.Once
	fkCheckErr  error
)

// Acquire pins a dedicated connection for one worker. The accessor must
// be released on every exit path; it is never shared between workers.
func (r *Repository) Acquire(ctx context.Context) (store.Accessor, error) {
	fkCheckOnce.Do(func() { fkCheckErr = r.verifyForeignKeys(ctx) })
	if fkCheckErr != nil {
		return nil, fkCheckErr
	}

	conn, err := r.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}
	return &pgAccessor{conn: conn}, nil
}

func (r *Repository) verifyForeignKeys(ctx context.Context) error {
	for _, name := range requiredForeignKeys {
		var exists bool
		err := r.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM pg_constraint WHERE conname = $1 AND contype = 'f')`,
			name,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to verify constraint %s: %w", name, err)
		}
		if !exists {
			return fmt.Errorf("schema is missing foreign key %s", name)
		}
	}
	return nil
}

type pgAccessor struct {
	conn     *sql.Conn
	released bool
}

func (a *pgAccessor) guard() error {
	if a.released {
		return store.ErrReleased
	}
	return nil
}

const productColumns = `id, name, price, stock, flash_price, flash_start, flash_end`

func scanProduct(row interface{ Scan(...any) error }) (*domain.Product, error) {
	var (
		p          domain.Product
		flashPrice sql.NullFloat64
		flashStart sql.NullTime
		flashEnd   sql.NullTime
	)
	if err := row.Scan(&p.ID, &p.Name, &p.Price, &p.Stock, &flashPrice, &flashStart, &flashEnd); err != nil {
		return nil, err
	}
	if flashPrice.Valid {
		v := flashPrice.Float64
		p.FlashPrice = &v
	}
	if flashStart.Valid {
		t := flashStart.Time
		p.FlashStart = &t
	}
	if flashEnd.Valid {
		t := flashEnd.Time
		p.FlashEnd = &t
	}
	return &p, nil
}

func (a *pgAccessor) GetProduct(ctx context.Context, id int64) (*domain.Product, error) {
	if err := a.guard(); err != nil {
		return nil, err
	}
	row := a.conn.QueryRowContext(ctx,
		`SELECT `+productColumns+` FROM products WHERE id = $1`, id)
	p, err := scanProduct(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrProductNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch product %d: %w", id, err)
	}
	return p, nil
}

func (a *pgAccessor) ListProducts(ctx context.Context) ([]domain.Product, error) {
	if err := a.guard(); err != nil {
		return nil, err
	}
	rows, err := a.conn.QueryContext(ctx,
		`SELECT `+productColumns+` FROM products ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list products: %w", err)
	}
	defer rows.Close()

	var out []domain.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// UpsertProduct inserts or updates a product keyed by name, the shape a
// partner-feed ingester would call. Flash fields may be nil.
func (a *pgAccessor) UpsertProduct(ctx context.Context, p domain.Product) (int64, error) {
	if err := a.guard(); err != nil {
		return 0, err
	}
	var id int64
	err := a.conn.QueryRowContext(ctx, `
        INSERT INTO products (name, price, stock, flash_price, flash_start, flash_end)
        VALUES ($1, $2, $3, $4, $5, $6)
        ON CONFLICT (name) DO UPDATE
        SET price = excluded.price,
            stock = excluded.stock,
            flash_price = excluded.flash_price,
            flash_start = excluded.flash_start,
            flash_end = excluded.flash_end
        RETURNING id`,
		p.Name, p.Price, p.Stock, p.FlashPrice, p.FlashStart, p.FlashEnd,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert product %q: %w", p.Name, err)
	}
	return id, nil
}

func (a *pgAccessor) IncreaseStock(ctx context.Context, productID, qty int64) error {
	if err := a.guard(); err != nil {
		return err
	}
	res, err := a.conn.ExecContext(ctx,
		`UPDATE products SET stock = stock + $2 WHERE id = $1`, productID, qty)
	if err != nil {
		return fmt.Errorf("failed to restock product %d: %w", productID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrProductNotFound
	}
	return nil
}

func (a *pgAccessor) GetSale(ctx context.Context, saleID int64) (*domain.Sale, []domain.SaleItem, error) {
	if err := a.guard(); err != nil {
		return nil, nil, err
	}
	var s domain.Sale
	err := a.conn.QueryRowContext(ctx,
		`SELECT id, user_id, ts, subtotal, total, status FROM sales WHERE id = $1`, saleID,
	).Scan(&s.ID, &s.UserID, &s.Timestamp, &s.Subtotal, &s.Total, &s.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, store.ErrSaleNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to fetch sale %d: %w", saleID, err)
	}

	rows, err := a.conn.QueryContext(ctx,
		`SELECT sale_id, product_id, quantity, unit_price FROM sale_items WHERE sale_id = $1 ORDER BY id`,
		saleID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to fetch sale items for sale %d: %w", saleID, err)
	}
	defer rows.Close()

	var items []domain.SaleItem
	for rows.Next() {
		var it domain.SaleItem
		if err := rows.Scan(&it.SaleID, &it.ProductID, &it.Quantity, &it.UnitPrice); err != nil {
			return nil, nil, err
		}
		items = append(items, it)
	}
	return &s, items, rows.Err()
}

func (a *pgAccessor) GetPaymentBySale(ctx context.Context, saleID int64) (*domain.Payment, error) {
	if err := a.guard(); err != nil {
		return nil, err
	}
	var p domain.Payment
	err := a.conn.QueryRowContext(ctx,
		`SELECT sale_id, method, reference, amount, status, ts FROM payments WHERE sale_id = $1`,
		saleID,
	).Scan(&p.SaleID, &p.Method, &p.Reference, &p.Amount, &p.Status, &p.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch payment for sale %d: %w", saleID, err)
	}
	return &p, nil
}

func (a *pgAccessor) Begin(ctx context.Context) (store.Tx, error) {
	if err := a.guard(); err != nil {
		return nil, err
	}
	tx, err := a.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &pgTx{tx: tx}, nil
}

func (a *pgAccessor) Release() error {
	if a.released {
		return nil
	}
	a.released = true
	return a.conn.Close()
}

type pgTx struct {
	tx   *sql.Tx
	done bool
}

// DecreaseStockIfAvailable is the single atomic conditional write the
// whole design hinges on: the row is decremented only when the same
// statement observes enough stock, so there is no check/act window.
func (t *pgTx) DecreaseStockIfAvailable(ctx context.Context, productID, qty int64) (bool, error) {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE products SET stock = stock - $2 WHERE id = $1 AND stock >= $2`,
		productID, qty)
	if err != nil {
		return false, fmt.Errorf("failed conditional decrement for product %d: %w", productID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (t *pgTx) InsertSale(ctx context.Context, sale *domain.Sale) (int64, error) {
	ts := sale.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	var id int64
	err := t.tx.QueryRowContext(ctx,
		`INSERT INTO sales (user_id, ts, subtotal, total, status)
         VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		sale.UserID, ts, sale.Subtotal, sale.Total, string(sale.Status),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert sale: %w", err)
	}
	return id, nil
}

func (t *pgTx) InsertSaleItem(ctx context.Context, item *domain.SaleItem) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO sale_items (sale_id, product_id, quantity, unit_price)
         VALUES ($1, $2, $3, $4)`,
		item.SaleID, item.ProductID, item.Quantity, item.UnitPrice)
	if err != nil {
		return fmt.Errorf("failed to insert sale item: %w", err)
	}
	return nil
}

func (t *pgTx) InsertPayment(ctx context.Context, p *domain.Payment) error {
	ts := p.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO payments (sale_id, method, reference, amount, status, ts)
         VALUES ($1, $2, $3, $4, $5, $6)`,
		p.SaleID, p.Method, p.Reference, p.Amount, string(p.Status), ts)
	if err != nil {
		return fmt.Errorf("failed to insert payment: %w", err)
	}
	return nil
}

func (t *pgTx) Commit() error {
	if t.done {
		return store.ErrTxDone
	}
	t.done = true
	return t.tx.Commit()
}

func (t *pgTx) Rollback() error {
	if t.done {
		return store.ErrTxDone
	}
	t.done = true
	return t.tx.Rollback()
}
