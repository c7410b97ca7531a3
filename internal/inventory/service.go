package inventory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ariefcatur/saga-orders/internal/store"
	"go.uber.org/zap"
)

// Manager validates, reserves and releases product quantity. It has no
// storage of its own; every call runs on the Stock of the caller's
// transaction.
//
// Reservation is reserve-then-commit: Check is advisory and never mutates,
// Reserve decrements once the saga is approved, Release gives it back.
type Manager struct {
	log *zap.Logger
}

func NewManager(log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{log: log}
}

// Check reports whether qty of productID is currently available.
func (m *Manager) Check(ctx context.Context, stock Stock, productID int64, qty int) (Product, error) {
	p, err := load(ctx, stock, productID)
	if err != nil {
		return Product{}, err
	}
	if qty > p.Quantity {
		return p, fmt.Errorf("%w: product %d has %d, requested %d", ErrInsufficientStock, productID, p.Quantity, qty)
	}
	return p, nil
}

// Reserve takes qty out of stock. Nothing changes when stock is short.
func (m *Manager) Reserve(ctx context.Context, stock Stock, productID int64, qty int) error {
	if qty <= 0 {
		return fmt.Errorf("reserve product %d: invalid quantity %d", productID, qty)
	}
	p, err := m.Check(ctx, stock, productID, qty)
	if err != nil {
		return err
	}
	if err := stock.SetQuantity(ctx, productID, p.Quantity-qty); err != nil {
		return fmt.Errorf("reserve product %d: %w", productID, err)
	}
	m.log.Info("stock reserved",
		zap.Int64("product_id", productID),
		zap.Int("qty", qty),
		zap.Int("before", p.Quantity),
		zap.Int("after", p.Quantity-qty),
	)
	return nil
}

// Release returns qty to stock.
func (m *Manager) Release(ctx context.Context, stock Stock, productID int64, qty int) error {
	if qty <= 0 {
		return fmt.Errorf("release product %d: invalid quantity %d", productID, qty)
	}
	p, err := load(ctx, stock, productID)
	if err != nil {
		return err
	}
	if err := stock.SetQuantity(ctx, productID, p.Quantity+qty); err != nil {
		return fmt.Errorf("release product %d: %w", productID, err)
	}
	m.log.Info("stock released",
		zap.Int64("product_id", productID),
		zap.Int("qty", qty),
		zap.Int("before", p.Quantity),
		zap.Int("after", p.Quantity+qty),
	)
	return nil
}

func load(ctx context.Context, stock Stock, productID int64) (Product, error) {
	p, err := stock.ProductForUpdate(ctx, productID)
	if errors.Is(err, store.ErrNotFound) {
		return Product{}, fmt.Errorf("%w: %d", ErrNotFound, productID)
	}
	if err != nil {
		return Product{}, fmt.Errorf("load product %d: %w", productID, err)
	}
	return p, nil
}

// Catalog serves product reads and creation for the API.
type Catalog struct {
	store CatalogStore
}

func NewCatalog(s CatalogStore) *Catalog {
	return &Catalog{store: s}
}

func (c *Catalog) Create(ctx context.Context, name string, quantity int, priceCents int64) (Product, error) {
	name = strings.TrimSpace(name)
	switch {
	case name == "":
		return Product{}, fmt.Errorf("%w: name required", ErrInvalidProduct)
	case quantity < 0:
		return Product{}, fmt.Errorf("%w: quantity must be >= 0", ErrInvalidProduct)
	case priceCents <= 0:
		return Product{}, fmt.Errorf("%w: price must be > 0", ErrInvalidProduct)
	}

	p, err := c.store.CreateProduct(ctx, Product{Name: name, Quantity: quantity, PriceCents: priceCents})
	if errors.Is(err, store.ErrDuplicate) {
		return Product{}, fmt.Errorf("%w: %s", ErrDuplicateName, name)
	}
	return p, err
}

func (c *Catalog) List(ctx context.Context) ([]Product, error) {
	return c.store.ListProducts(ctx)
}

func (c *Catalog) Get(ctx context.Context, id int64) (Product, error) {
	p, err := c.store.GetProduct(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return Product{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return p, err
}
