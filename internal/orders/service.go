package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/saga-orders/internal/events"
	"github.com/ariefcatur/saga-orders/internal/store"
	"go.uber.org/zap"
)

var (
	ErrNotFound       = errors.New("order not found")
	ErrInvalidOrder   = errors.New("invalid order")
	ErrUnknownProduct = errors.New("unknown product")
	ErrUnknownUser    = errors.New("unknown user")
	ErrNotCancellable = errors.New("order is not cancellable")
)

// Service is the API side of orders: it records orders and starts or
// cancels their sagas. It never changes an order's status itself.
type Service struct {
	store    Store
	producer string
	log      *zap.Logger
	now      func() time.Time
}

func NewService(s Store, producer string, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: s, producer: producer, log: log, now: time.Now}
}

// SetClock replaces the time source, for tests.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Create inserts a created order and stages its order_created event in the
// same transaction.
func (s *Service) Create(ctx context.Context, productID, userID int64, quantity int) (Order, error) {
	if quantity <= 0 {
		return Order{}, fmt.Errorf("%w: quantity must be > 0", ErrInvalidOrder)
	}

	var created Order
	err := s.store.InTx(ctx, func(tx Tx) error {
		ok, err := tx.ProductExists(ctx, productID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %d", ErrUnknownProduct, productID)
		}
		ok, err = tx.UserExists(ctx, userID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %d", ErrUnknownUser, userID)
		}

		now := s.now().UTC()
		o, err := tx.InsertOrder(ctx, Order{
			ProductID: productID,
			UserID:    userID,
			Quantity:  quantity,
			Status:    StatusCreated,
			Attempt:   1,
			CreatedAt: now,
			UpdatedAt: now,
		})
		if err != nil {
			return fmt.Errorf("insert order: %w", err)
		}

		ev := events.New(ctx, events.OrderCreated, o.ID, s.producer)
		ev.Attempt = 1
		if err := tx.Emit(ctx, ev, now); err != nil {
			return fmt.Errorf("emit order_created: %w", err)
		}
		created = o
		return nil
	})
	if err != nil {
		return Order{}, err
	}
	s.log.Info("order created",
		zap.Int64("order_id", created.ID),
		zap.Int64("product_id", productID),
		zap.Int64("user_id", userID),
		zap.Int("qty", quantity),
	)
	return created, nil
}

// Cancel requests cancellation of an approved order. The status change
// happens when the order handlers consume the order_cancelled event.
func (s *Service) Cancel(ctx context.Context, id int64) (Order, error) {
	var o Order
	err := s.store.InTx(ctx, func(tx Tx) error {
		var err error
		o, err = tx.OrderForUpdate(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %d", ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		if o.Status != StatusApproved {
			return fmt.Errorf("%w: status is %s", ErrNotCancellable, o.Status)
		}
		return tx.Emit(ctx, events.New(ctx, events.OrderCancelled, id, s.producer), s.now())
	})
	if err != nil {
		return Order{}, err
	}
	s.log.Info("order cancellation requested", zap.Int64("order_id", id))
	return o, nil
}

func (s *Service) List(ctx context.Context) ([]Order, error) {
	return s.store.ListOrders(ctx)
}

func (s *Service) Get(ctx context.Context, id int64) (Order, error) {
	o, err := s.store.GetOrder(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return Order{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return o, err
}
