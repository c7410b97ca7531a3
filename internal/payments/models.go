package payments

import (
	"context"
	"errors"
	"time"

	"github.com/ariefcatur/saga-orders/internal/inventory"
	"github.com/ariefcatur/saga-orders/internal/orders"
	"github.com/ariefcatur/saga-orders/internal/store"
)

var (
	ErrNotFound     = errors.New("payment not found")
	ErrUserNotFound = errors.New("user not found")
	ErrInvalidUser  = errors.New("invalid user")
)

// Payment is keyed by the order it pays for.
type Payment struct {
	OrderID     int64     `json:"order_id"`
	UserID      int64     `json:"user_id"`
	AmountCents int64     `json:"amount_cents"` // debited amount, credited back on refund
	Status      Status    `json:"status"`
	Reason      string    `json:"reason,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type User struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	WalletCents int64     `json:"wallet_cents"`
	CreatedAt   time.Time `json:"created_at"`
}

// Tx is the row access of one payment handler invocation.
type Tx interface {
	store.Inbox
	store.Outbox

	PaymentForUpdate(ctx context.Context, orderID int64) (Payment, error)
	InsertPayment(ctx context.Context, p Payment) error
	UpdatePayment(ctx context.Context, p Payment) error

	UserForUpdate(ctx context.Context, id int64) (User, error)
	SetWallet(ctx context.Context, userID, cents int64) error

	// Cross-domain reads.
	Order(ctx context.Context, id int64) (orders.Order, error)
	Product(ctx context.Context, id int64) (inventory.Product, error)
}

type Store interface {
	InTx(ctx context.Context, fn func(Tx) error) error
	GetPayment(ctx context.Context, orderID int64) (Payment, error)
	CreateUser(ctx context.Context, u User) (User, error)
	GetUser(ctx context.Context, id int64) (User, error)
}
