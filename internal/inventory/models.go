package inventory

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound          = errors.New("product not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrDuplicateName     = errors.New("product already exists")
	ErrInvalidProduct    = errors.New("invalid product")
)

type Product struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	Quantity   int       `json:"quantity"`
	PriceCents int64     `json:"price_cents"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Stock is the row access the Manager needs. It is implemented by the
// transaction of the caller, so stock changes commit with the caller's own
// writes.
type Stock interface {
	ProductForUpdate(ctx context.Context, id int64) (Product, error)
	SetQuantity(ctx context.Context, id int64, quantity int) error
}

// CatalogStore backs the product API.
type CatalogStore interface {
	CreateProduct(ctx context.Context, p Product) (Product, error)
	ListProducts(ctx context.Context) ([]Product, error)
	GetProduct(ctx context.Context, id int64) (Product, error)
}
