package orders

import (
	"context"
	"time"

	"github.com/ariefcatur/saga-orders/internal/inventory"
	"github.com/ariefcatur/saga-orders/internal/store"
)

type Order struct {
	ID        int64     `json:"id"`
	ProductID int64     `json:"product_id"`
	UserID    int64     `json:"user_id"`
	Quantity  int       `json:"quantity"`
	Status    Status    `json:"status"`
	Attempt   int       `json:"attempt"`
	Reason    string    `json:"reason,omitempty"` // why the order failed
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Tx is the row access of one order handler invocation. Everything done
// through it commits together or not at all.
type Tx interface {
	store.Inbox
	store.Outbox
	inventory.Stock

	OrderForUpdate(ctx context.Context, id int64) (Order, error)
	InsertOrder(ctx context.Context, o Order) (Order, error)
	UpdateOrder(ctx context.Context, o Order) error
	// StaleOrders locks up to limit pending orders not updated since before.
	StaleOrders(ctx context.Context, before time.Time, limit int) ([]Order, error)

	// Cross-domain reads.
	PaymentSucceeded(ctx context.Context, orderID int64) (bool, error)
	UserExists(ctx context.Context, userID int64) (bool, error)
	ProductExists(ctx context.Context, productID int64) (bool, error)
}

type Store interface {
	InTx(ctx context.Context, fn func(Tx) error) error
	ListOrders(ctx context.Context) ([]Order, error)
	GetOrder(ctx context.Context, id int64) (Order, error)
}

// Change is one applied status transition, reported after commit.
type Change struct {
	OrderID int64     `json:"order_id"`
	From    Status    `json:"from"`
	To      Status    `json:"to"`
	Reason  string    `json:"reason,omitempty"`
	At      time.Time `json:"at"`
}

// StatusObserver is notified of committed transitions.
type StatusObserver interface {
	OnStatusChange(ctx context.Context, c Change)
}

type StatusObserverFunc func(ctx context.Context, c Change)

func (f StatusObserverFunc) OnStatusChange(ctx context.Context, c Change) { f(ctx, c) }

// FaultHook runs before an order_created event is processed. A non-nil error
// is treated as a transient processing fault.
type FaultHook func(ctx context.Context, orderID int64, attempt int) error
