package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/saga-orders/internal/events"
	"github.com/ariefcatur/saga-orders/internal/inventory"
	"github.com/ariefcatur/saga-orders/internal/retry"
	"github.com/ariefcatur/saga-orders/internal/store"
	"go.uber.org/zap"
)

// Consumer names the order handlers in the processed-event inbox.
const Consumer = "orders"

var (
	ErrInvalidTransition = errors.New("invalid order transition")
	errSecondOutcome     = errors.New("handler emitted more than one outcome event")
)

const (
	ReasonProductNotFound  = "product not found"
	ReasonNotEnoughStock   = "not enough stock"
	ReasonPaymentRefused   = "payment refused"
	ReasonStockGone        = "stock no longer available"
	ReasonRetriesExhausted = "retries exhausted"
	ReasonDeadline         = "deadline exceeded"
)

type Config struct {
	Producer   string
	Retry      retry.Policy  // order_retry backoff; MaxAttempts bounds re-submissions
	Deadline   time.Duration // pending orders older than this are failed; 0 disables
	SweepBatch int
}

// Machine is the Order State Machine. Each handler runs as one transaction
// and stages at most one outcome event in the outbox.
type Machine struct {
	store     Store
	inventory *inventory.Manager
	cfg       Config
	fault     FaultHook
	observer  StatusObserver
	log       *zap.Logger
	now       func() time.Time
}

type Option func(*Machine)

func WithFaultHook(h FaultHook) Option {
	return func(m *Machine) { m.fault = h }
}

func WithObserver(o StatusObserver) Option {
	return func(m *Machine) { m.observer = o }
}

func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

func NewMachine(s Store, inv *inventory.Manager, cfg Config, log *zap.Logger, opts ...Option) *Machine {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Producer == "" {
		cfg.Producer = Consumer
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = 100
	}
	m := &Machine{
		store:     s,
		inventory: inv,
		cfg:       cfg,
		log:       log,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Dispatcher routes order_queue events to the machine.
func (m *Machine) Dispatcher() *events.Dispatcher {
	return events.NewDispatcher(events.QueueOrders, m.log).
		On(events.OrderCreated, m.handle(m.onCreated)).
		On(events.OrderApproved, m.handle(m.onApproved)).
		On(events.OrderFailed, m.handle(m.onFailed)).
		On(events.OrderNotEnough, m.handle(m.onFailed)).
		On(events.OrderCancelled, m.handle(m.onCancelled)).
		On(events.OrderRetry, m.handle(m.onRetry))
}

// step carries one handler invocation.
type step struct {
	ctx     context.Context
	tx      Tx
	ev      events.Event
	order   Order
	changes []Change
	emitted bool
	m       *Machine
}

func (m *Machine) handle(fn func(*step) error) events.Handler {
	return func(ctx context.Context, ev events.Event) error {
		log := m.log.With(
			zap.Int64("order_id", ev.OrderID),
			zap.String("status", string(ev.Status)),
			zap.String("event_id", ev.EventID),
		)

		var changes []Change
		err := m.store.InTx(ctx, func(tx Tx) error {
			if ev.EventID != "" {
				fresh, err := tx.MarkProcessed(ctx, Consumer, ev.EventID)
				if err != nil {
					return err
				}
				if !fresh {
					log.Debug("event already processed")
					return nil
				}
			}

			o, err := tx.OrderForUpdate(ctx, ev.OrderID)
			if errors.Is(err, store.ErrNotFound) {
				log.Warn("order not found, saga abandoned")
				return nil
			}
			if err != nil {
				return err
			}

			s := &step{ctx: ctx, tx: tx, ev: ev, order: o, m: m}
			if err := fn(s); err != nil {
				return err
			}
			changes = s.changes
			return nil
		})
		if errors.Is(err, ErrInvalidTransition) {
			log.Warn("transition rejected", zap.Error(err))
			return nil
		}
		if err != nil {
			return fmt.Errorf("%s order %d: %w", ev.Status, ev.OrderID, err)
		}
		m.notify(ctx, changes)
		return nil
	}
}

func (m *Machine) notify(ctx context.Context, changes []Change) {
	if m.observer == nil {
		return
	}
	for _, c := range changes {
		m.observer.OnStatusChange(ctx, c)
	}
}

func (s *step) transition(to Status, reason string) error {
	from := s.order.Status
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	now := s.m.now().UTC()
	s.order.Status = to
	if reason != "" {
		s.order.Reason = reason
	}
	s.order.UpdatedAt = now
	if err := s.tx.UpdateOrder(s.ctx, s.order); err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	s.changes = append(s.changes, Change{OrderID: s.order.ID, From: from, To: to, Reason: reason, At: now})
	s.m.log.Info("order transition",
		zap.Int64("order_id", s.order.ID),
		zap.String("before", string(from)),
		zap.String("after", string(to)),
		zap.String("reason", reason),
	)
	return nil
}

func (s *step) emit(kind events.Kind, delay time.Duration, fill func(*events.Event)) error {
	if s.emitted {
		return errSecondOutcome
	}
	ev := events.New(s.ctx, kind, s.order.ID, s.m.cfg.Producer)
	if fill != nil {
		fill(&ev)
	}
	if err := s.tx.Emit(s.ctx, ev, s.m.now().Add(delay)); err != nil {
		return fmt.Errorf("emit %s: %w", kind, err)
	}
	s.emitted = true
	return nil
}

func (s *step) ignore(why string) {
	s.m.log.Info("event ignored",
		zap.Int64("order_id", s.order.ID),
		zap.String("event", string(s.ev.Status)),
		zap.String("order_status", string(s.order.Status)),
		zap.String("why", why),
	)
}

func (m *Machine) onCreated(s *step) error {
	switch s.order.Status {
	case StatusCreated:
	case StatusError:
		if err := s.transition(StatusCreated, ""); err != nil {
			return err
		}
	default:
		s.ignore("order already past validation")
		return nil
	}

	attempt := max(s.ev.Attempt, 1)
	if m.fault != nil {
		if err := m.fault(s.ctx, s.order.ID, attempt); err != nil {
			m.log.Warn("transient fault processing order",
				zap.Int64("order_id", s.order.ID),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			return s.emit(events.OrderRetry, 0, func(ev *events.Event) {
				ev.Attempt = attempt
				ev.Reason = err.Error()
			})
		}
	}

	_, err := m.inventory.Check(s.ctx, s.tx, s.order.ProductID, s.order.Quantity)
	switch {
	case errors.Is(err, inventory.ErrNotFound):
		if err := s.transition(StatusFailed, ReasonProductNotFound); err != nil {
			return err
		}
		return s.emit(events.OrderFailed, 0, reason(ReasonProductNotFound))
	case errors.Is(err, inventory.ErrInsufficientStock):
		if err := s.transition(StatusFailed, ReasonNotEnoughStock); err != nil {
			return err
		}
		return s.emit(events.OrderNotEnough, 0, reason(ReasonNotEnoughStock))
	case err != nil:
		return err
	}

	return s.emit(events.PaymentProcessing, 0, nil)
}

func (m *Machine) onApproved(s *step) error {
	switch s.order.Status {
	case StatusCreated, StatusError:
	case StatusApproved:
		s.ignore("duplicate approval")
		return nil
	case StatusFailed:
		// The order failed while its payment was in flight.
		m.log.Warn("approval for failed order, refunding", zap.Int64("order_id", s.order.ID))
		return s.emit(events.PaymentRefund, 0, reason(s.order.Reason))
	default:
		s.ignore("order already settled")
		return nil
	}

	err := m.inventory.Reserve(s.ctx, s.tx, s.order.ProductID, s.order.Quantity)
	if errors.Is(err, inventory.ErrInsufficientStock) || errors.Is(err, inventory.ErrNotFound) {
		if err := s.transition(StatusFailed, ReasonStockGone); err != nil {
			return err
		}
		return s.emit(events.PaymentRefund, 0, reason(ReasonStockGone))
	}
	if err != nil {
		return err
	}
	return s.transition(StatusApproved, "")
}

func (m *Machine) onFailed(s *step) error {
	if !s.order.Status.Pending() {
		s.ignore("order not pending")
		return nil
	}
	why := s.ev.Reason
	if why == "" {
		why = ReasonPaymentRefused
		if s.ev.Status == events.OrderNotEnough {
			why = ReasonNotEnoughStock
		}
	}
	return m.fail(s, why)
}

func (m *Machine) onCancelled(s *step) error {
	if s.order.Status != StatusApproved {
		s.ignore("only approved orders can be cancelled")
		return nil
	}
	if err := m.inventory.Release(s.ctx, s.tx, s.order.ProductID, s.order.Quantity); err != nil {
		return err
	}
	if err := s.transition(StatusCancelled, "cancelled by user"); err != nil {
		return err
	}
	return s.emit(events.PaymentRefund, 0, reason("order cancelled"))
}

func (m *Machine) onRetry(s *step) error {
	if s.order.Status != StatusCreated {
		s.ignore("retry only applies to created orders")
		return nil
	}
	attempt := max(s.ev.Attempt, 1)
	s.order.Attempt = attempt
	if err := s.transition(StatusError, s.ev.Reason); err != nil {
		return err
	}

	if m.cfg.Retry.Exhausted(attempt) {
		return m.fail(s, ReasonRetriesExhausted)
	}
	delay := m.cfg.Retry.Backoff(attempt)
	m.log.Info("order retry scheduled",
		zap.Int64("order_id", s.order.ID),
		zap.Int("next_attempt", attempt+1),
		zap.Duration("delay", delay),
	)
	return s.emit(events.OrderCreated, delay, func(ev *events.Event) {
		ev.Attempt = attempt + 1
	})
}

// fail moves a pending order to failed and compensates a payment that already
// went through.
func (m *Machine) fail(s *step, why string) error {
	if err := s.transition(StatusFailed, why); err != nil {
		return err
	}
	paid, err := s.tx.PaymentSucceeded(s.ctx, s.order.ID)
	if err != nil {
		return fmt.Errorf("read payment: %w", err)
	}
	if !paid {
		return nil
	}
	return s.emit(events.PaymentRefund, 0, reason(why))
}

func reason(why string) func(*events.Event) {
	return func(ev *events.Event) { ev.Reason = why }
}
