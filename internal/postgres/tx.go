package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ariefcatur/saga-orders/internal/events"
	"github.com/ariefcatur/saga-orders/internal/inventory"
	"github.com/ariefcatur/saga-orders/internal/orders"
	"github.com/ariefcatur/saga-orders/internal/payments"
)

// Tx implements orders.Tx and payments.Tx on one database transaction.
type Tx struct {
	tx *sql.Tx
}

var (
	_ orders.Tx   = (*Tx)(nil)
	_ payments.Tx = (*Tx)(nil)
)

func (t *Tx) MarkProcessed(ctx context.Context, consumer, eventID string) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO processed_events (consumer, event_id)
		VALUES ($1, $2)
		ON CONFLICT (consumer, event_id) DO NOTHING`,
		consumer, eventID,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (t *Tx) Emit(ctx context.Context, ev events.Event, availableAt time.Time) error {
	queue, err := events.QueueFor(ev.Status)
	if err != nil {
		return err
	}
	payload, err := events.Encode(ev)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO outbox (queue, kind, order_id, payload, available_at)
		VALUES ($1, $2, $3, $4, $5)`,
		queue, string(ev.Status), ev.OrderID, payload, availableAt.UTC(),
	)
	return err
}

func (t *Tx) ProductForUpdate(ctx context.Context, id int64) (inventory.Product, error) {
	return scanProduct(t.tx.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1 FOR UPDATE`, id))
}

func (t *Tx) Product(ctx context.Context, id int64) (inventory.Product, error) {
	return scanProduct(t.tx.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, id))
}

func (t *Tx) SetQuantity(ctx context.Context, id int64, quantity int) error {
	return t.execOne(ctx, `UPDATE products SET quantity = $2, updated_at = NOW() WHERE id = $1`, id, quantity)
}

func (t *Tx) OrderForUpdate(ctx context.Context, id int64) (orders.Order, error) {
	return scanOrder(t.tx.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id))
}

func (t *Tx) Order(ctx context.Context, id int64) (orders.Order, error) {
	return scanOrder(t.tx.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
}

func (t *Tx) InsertOrder(ctx context.Context, o orders.Order) (orders.Order, error) {
	row := t.tx.QueryRowContext(ctx, `
		INSERT INTO orders (product_id, user_id, quantity, status, attempt, reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+orderColumns,
		o.ProductID, o.UserID, o.Quantity, string(o.Status), o.Attempt, o.Reason, o.CreatedAt, o.UpdatedAt,
	)
	return scanOrder(row)
}

func (t *Tx) UpdateOrder(ctx context.Context, o orders.Order) error {
	return t.execOne(ctx, `
		UPDATE orders
		SET status = $2, attempt = $3, reason = $4, updated_at = $5
		WHERE id = $1`,
		o.ID, string(o.Status), o.Attempt, o.Reason, o.UpdatedAt,
	)
}

func (t *Tx) StaleOrders(ctx context.Context, before time.Time, limit int) ([]orders.Order, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE status IN ('created', 'error') AND updated_at < $1
		ORDER BY id
		LIMIT $2
		FOR UPDATE SKIP LOCKED`,
		before.UTC(), limit,
	)
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

func (t *Tx) PaymentSucceeded(ctx context.Context, orderID int64) (bool, error) {
	var ok bool
	err := t.tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM payments WHERE order_id = $1 AND status = $2)`,
		orderID, string(payments.StatusSuccess),
	).Scan(&ok)
	return ok, err
}

func (t *Tx) UserExists(ctx context.Context, userID int64) (bool, error) {
	var ok bool
	err := t.tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, userID).Scan(&ok)
	return ok, err
}

func (t *Tx) ProductExists(ctx context.Context, productID int64) (bool, error) {
	var ok bool
	err := t.tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM products WHERE id = $1)`, productID).Scan(&ok)
	return ok, err
}

func (t *Tx) PaymentForUpdate(ctx context.Context, orderID int64) (payments.Payment, error) {
	return scanPayment(t.tx.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE order_id = $1 FOR UPDATE`, orderID))
}

func (t *Tx) InsertPayment(ctx context.Context, p payments.Payment) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO payments (order_id, user_id, amount_cents, status, reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		p.OrderID, p.UserID, p.AmountCents, string(p.Status), p.Reason, p.CreatedAt, p.UpdatedAt,
	)
	return mapErr(err)
}

func (t *Tx) UpdatePayment(ctx context.Context, p payments.Payment) error {
	return t.execOne(ctx, `
		UPDATE payments
		SET amount_cents = $2, status = $3, reason = $4, updated_at = $5
		WHERE order_id = $1`,
		p.OrderID, p.AmountCents, string(p.Status), p.Reason, p.UpdatedAt,
	)
}

func (t *Tx) UserForUpdate(ctx context.Context, id int64) (payments.User, error) {
	return scanUser(t.tx.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1 FOR UPDATE`, id))
}

func (t *Tx) SetWallet(ctx context.Context, userID, cents int64) error {
	return t.execOne(ctx, `UPDATE users SET wallet_cents = $2 WHERE id = $1`, userID, cents)
}

// execOne runs an update that must touch exactly one row.
func (t *Tx) execOne(ctx context.Context, query string, args ...any) error {
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("expected 1 row affected, got %d: %w", n, mapErr(sql.ErrNoRows))
	}
	return nil
}
