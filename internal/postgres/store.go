package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ariefcatur/saga-orders/internal/inventory"
	"github.com/ariefcatur/saga-orders/internal/orders"
	"github.com/ariefcatur/saga-orders/internal/payments"
	"go.uber.org/zap"
)

// Store persists every saga table. Handler transactions lock the rows they
// read with FOR UPDATE, so concurrent handlers on one order serialize.
type Store struct {
	db  *sql.DB
	log *zap.Logger
}

func New(db *sql.DB, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{db: db, log: log}
}

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) inTx(ctx context.Context, fn func(*Tx) error) (err error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := sqlTx.Rollback(); rbErr != nil {
				s.log.Warn("rollback failed", zap.Error(rbErr))
			}
		}
	}()

	if err = fn(&Tx{tx: sqlTx}); err != nil {
		return err
	}
	if err = sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Store) Orders() orders.Store { return ordersView{s} }

func (s *Store) Payments() payments.Store { return paymentsView{s} }

type rowScanner interface {
	Scan(dest ...any) error
}

const productColumns = `id, name, quantity, price_cents, created_at, updated_at`

func scanProduct(r rowScanner) (inventory.Product, error) {
	var p inventory.Product
	err := r.Scan(&p.ID, &p.Name, &p.Quantity, &p.PriceCents, &p.CreatedAt, &p.UpdatedAt)
	return p, mapErr(err)
}

func (s *Store) CreateProduct(ctx context.Context, p inventory.Product) (inventory.Product, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO products (name, quantity, price_cents)
		VALUES ($1, $2, $3)
		RETURNING `+productColumns,
		p.Name, p.Quantity, p.PriceCents,
	)
	return scanProduct(row)
}

func (s *Store) ListProducts(ctx context.Context) ([]inventory.Product, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+productColumns+` FROM products ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []inventory.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) GetProduct(ctx context.Context, id int64) (inventory.Product, error) {
	return scanProduct(s.db.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, id))
}

const orderColumns = `id, product_id, user_id, quantity, status, attempt, reason, created_at, updated_at`

func scanOrder(r rowScanner) (orders.Order, error) {
	var (
		o      orders.Order
		status string
	)
	err := r.Scan(&o.ID, &o.ProductID, &o.UserID, &o.Quantity, &status, &o.Attempt, &o.Reason, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return orders.Order{}, mapErr(err)
	}
	o.Status = orders.Status(status)
	return o, nil
}

type ordersView struct{ s *Store }

func (v ordersView) InTx(ctx context.Context, fn func(orders.Tx) error) error {
	return v.s.inTx(ctx, func(tx *Tx) error { return fn(tx) })
}

func (v ordersView) ListOrders(ctx context.Context) ([]orders.Order, error) {
	rows, err := v.s.db.QueryContext(ctx, `SELECT `+orderColumns+` FROM orders ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []orders.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (v ordersView) GetOrder(ctx context.Context, id int64) (orders.Order, error) {
	return scanOrder(v.s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
}

const paymentColumns = `order_id, user_id, amount_cents, status, reason, created_at, updated_at`

func scanPayment(r rowScanner) (payments.Payment, error) {
	var (
		p      payments.Payment
		status string
	)
	err := r.Scan(&p.OrderID, &p.UserID, &p.AmountCents, &status, &p.Reason, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return payments.Payment{}, mapErr(err)
	}
	p.Status = payments.Status(status)
	return p, nil
}

const userColumns = `id, name, wallet_cents, created_at`

func scanUser(r rowScanner) (payments.User, error) {
	var u payments.User
	err := r.Scan(&u.ID, &u.Name, &u.WalletCents, &u.CreatedAt)
	return u, mapErr(err)
}

type paymentsView struct{ s *Store }

func (v paymentsView) InTx(ctx context.Context, fn func(payments.Tx) error) error {
	return v.s.inTx(ctx, func(tx *Tx) error { return fn(tx) })
}

func (v paymentsView) GetPayment(ctx context.Context, orderID int64) (payments.Payment, error) {
	return scanPayment(v.s.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE order_id = $1`, orderID))
}

func (v paymentsView) CreateUser(ctx context.Context, u payments.User) (payments.User, error) {
	row := v.s.db.QueryRowContext(ctx, `
		INSERT INTO users (name, wallet_cents)
		VALUES ($1, $2)
		RETURNING `+userColumns,
		u.Name, u.WalletCents,
	)
	return scanUser(row)
}

func (v paymentsView) GetUser(ctx context.Context, id int64) (payments.User, error) {
	return scanUser(v.s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}
