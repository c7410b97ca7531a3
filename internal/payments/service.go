package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ariefcatur/saga-orders/internal/store"
)

// Service serves payment and wallet reads for the API.
type Service struct {
	store Store
}

func NewService(s Store) *Service {
	return &Service{store: s}
}

func (s *Service) Get(ctx context.Context, orderID int64) (Payment, error) {
	p, err := s.store.GetPayment(ctx, orderID)
	if errors.Is(err, store.ErrNotFound) {
		return Payment{}, fmt.Errorf("%w: order %d", ErrNotFound, orderID)
	}
	return p, err
}

func (s *Service) CreateUser(ctx context.Context, name string, walletCents int64) (User, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return User{}, fmt.Errorf("%w: name required", ErrInvalidUser)
	}
	if walletCents < 0 {
		return User{}, fmt.Errorf("%w: wallet must be >= 0", ErrInvalidUser)
	}
	return s.store.CreateUser(ctx, User{Name: name, WalletCents: walletCents})
}

func (s *Service) GetUser(ctx context.Context, id int64) (User, error) {
	u, err := s.store.GetUser(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return User{}, fmt.Errorf("%w: %d", ErrUserNotFound, id)
	}
	return u, err
}
