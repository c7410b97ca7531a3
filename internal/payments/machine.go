package payments

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/ariefcatur/saga-orders/internal/events"
	"github.com/ariefcatur/saga-orders/internal/orders"
	"github.com/ariefcatur/saga-orders/internal/store"
	"go.uber.org/zap"
)

const Consumer = "payments"

const (
	ReasonInsufficientFunds = "insufficient funds"
	ReasonOrderNotPending   = "order no longer pending"
	ReasonUserNotFound      = "user not found"
	ReasonAmountOutOfRange  = "amount out of range"
)

var (
	ErrInvalidTransition = errors.New("invalid payment transition")
	ErrWalletOverflow    = errors.New("wallet credit overflows")
	errSecondOutcome     = errors.New("handler emitted more than one outcome event")
)

// Machine is the Payment State Machine. Payment rows are created on the first
// payment_processing event for an order and only updated afterwards.
type Machine struct {
	store    Store
	producer string
	log      *zap.Logger
	now      func() time.Time
}

func NewMachine(s Store, producer string, log *zap.Logger) *Machine {
	if log == nil {
		log = zap.NewNop()
	}
	if producer == "" {
		producer = Consumer
	}
	return &Machine{store: s, producer: producer, log: log, now: time.Now}
}

// SetClock replaces the time source, for tests.
func (m *Machine) SetClock(now func() time.Time) { m.now = now }

func (m *Machine) Dispatcher() *events.Dispatcher {
	return events.NewDispatcher(events.QueuePayments, m.log).
		On(events.PaymentProcessing, m.handle(m.onProcessing)).
		On(events.PaymentRefused, m.handle(m.onRefused)).
		On(events.PaymentRefund, m.handle(m.onRefund))
}

type step struct {
	ctx     context.Context
	tx      Tx
	ev      events.Event
	payment Payment
	exists  bool
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

			s := &step{ctx: ctx, tx: tx, ev: ev, m: m}
			p, err := tx.PaymentForUpdate(ctx, ev.OrderID)
			switch {
			case err == nil:
				s.payment, s.exists = p, true
			case errors.Is(err, store.ErrNotFound):
				s.payment = Payment{OrderID: ev.OrderID}
			default:
				return err
			}
			return fn(s)
		})
		if errors.Is(err, ErrInvalidTransition) {
			log.Warn("transition rejected", zap.Error(err))
			return nil
		}
		if err != nil {
			return fmt.Errorf("%s order %d: %w", ev.Status, ev.OrderID, err)
		}
		return nil
	}
}

func (s *step) transition(to Status, reason string) error {
	from := s.payment.Status
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	s.payment.Status = to
	if reason != "" {
		s.payment.Reason = reason
	}
	s.payment.UpdatedAt = s.m.now().UTC()
	if err := s.tx.UpdatePayment(s.ctx, s.payment); err != nil {
		return fmt.Errorf("update payment: %w", err)
	}
	s.m.log.Info("payment transition",
		zap.Int64("order_id", s.payment.OrderID),
		zap.String("before", string(from)),
		zap.String("after", string(to)),
		zap.Int64("amount_cents", s.payment.AmountCents),
	)
	return nil
}

func (s *step) emit(kind events.Kind, why string) error {
	if s.emitted {
		return errSecondOutcome
	}
	ev := events.New(s.ctx, kind, s.payment.OrderID, s.m.producer)
	ev.Reason = why
	if err := s.tx.Emit(s.ctx, ev, s.m.now()); err != nil {
		return fmt.Errorf("emit %s: %w", kind, err)
	}
	s.emitted = true
	return nil
}

func (s *step) ignore(why string) {
	s.m.log.Info("event ignored",
		zap.Int64("order_id", s.payment.OrderID),
		zap.String("event", string(s.ev.Status)),
		zap.String("payment_status", string(s.payment.Status)),
		zap.String("why", why),
	)
}

func (m *Machine) onProcessing(s *step) error {
	if s.exists && s.payment.Status != StatusProcessing {
		s.ignore("payment already settled")
		return nil
	}

	o, err := s.tx.Order(s.ctx, s.ev.OrderID)
	if errors.Is(err, store.ErrNotFound) {
		m.log.Warn("payment for unknown order", zap.Int64("order_id", s.ev.OrderID))
		return nil
	}
	if err != nil {
		return err
	}

	if !s.exists {
		now := m.now().UTC()
		s.payment = Payment{OrderID: o.ID, UserID: o.UserID, Status: StatusProcessing, CreatedAt: now, UpdatedAt: now}
		if err := s.tx.InsertPayment(s.ctx, s.payment); err != nil {
			return fmt.Errorf("insert payment: %w", err)
		}
		s.exists = true
	}

	if !o.Status.Pending() {
		return s.emit(events.PaymentRefused, ReasonOrderNotPending)
	}

	u, err := s.tx.UserForUpdate(s.ctx, o.UserID)
	if errors.Is(err, store.ErrNotFound) {
		if err := s.transition(StatusFailed, ReasonUserNotFound); err != nil {
			return err
		}
		return s.emit(events.OrderFailed, ReasonUserNotFound)
	}
	if err != nil {
		return err
	}

	p, err := s.tx.Product(s.ctx, o.ProductID)
	if errors.Is(err, store.ErrNotFound) {
		return s.emit(events.PaymentRefused, "product not found")
	}
	if err != nil {
		return err
	}

	total, ok := orderTotal(p.PriceCents, o.Quantity)
	if !ok {
		m.log.Warn("order total out of range",
			zap.Int64("order_id", o.ID),
			zap.Int64("price_cents", p.PriceCents),
			zap.Int("qty", o.Quantity),
		)
		return s.emit(events.PaymentRefused, ReasonAmountOutOfRange)
	}
	if u.WalletCents < total {
		m.log.Info("insufficient funds",
			zap.Int64("order_id", o.ID),
			zap.Int64("user_id", u.ID),
			zap.Int64("wallet_cents", u.WalletCents),
			zap.Int64("total_cents", total),
		)
		return s.emit(events.PaymentRefused, ReasonInsufficientFunds)
	}

	if err := s.tx.SetWallet(s.ctx, u.ID, u.WalletCents-total); err != nil {
		return fmt.Errorf("debit wallet: %w", err)
	}
	s.payment.AmountCents = total
	if err := s.transition(StatusSuccess, ""); err != nil {
		return err
	}
	m.log.Info("wallet debited",
		zap.Int64("user_id", u.ID),
		zap.Int64("before", u.WalletCents),
		zap.Int64("after", u.WalletCents-total),
	)
	return s.emit(events.OrderApproved, "")
}

func (m *Machine) onRefused(s *step) error {
	if !s.exists || s.payment.Status != StatusProcessing {
		s.ignore("only processing payments can be refused")
		return nil
	}
	why := s.ev.Reason
	if why == "" {
		why = orders.ReasonPaymentRefused
	}
	if err := s.transition(StatusRefused, why); err != nil {
		return err
	}
	return s.emit(events.OrderFailed, why)
}

func (m *Machine) onRefund(s *step) error {
	if !s.exists || s.payment.Status != StatusSuccess {
		s.ignore("only successful payments can be refunded")
		return nil
	}
	u, err := s.tx.UserForUpdate(s.ctx, s.payment.UserID)
	if err != nil {
		return fmt.Errorf("load user %d: %w", s.payment.UserID, err)
	}
	amount := s.payment.AmountCents
	if amount < 0 || u.WalletCents > math.MaxInt64-amount {
		return fmt.Errorf("%w: user %d wallet %d amount %d", ErrWalletOverflow, u.ID, u.WalletCents, amount)
	}
	if err := s.tx.SetWallet(s.ctx, u.ID, u.WalletCents+amount); err != nil {
		return fmt.Errorf("credit wallet: %w", err)
	}
	m.log.Info("wallet credited",
		zap.Int64("user_id", u.ID),
		zap.Int64("before", u.WalletCents),
		zap.Int64("after", u.WalletCents+amount),
	)
	return s.transition(StatusRefund, s.ev.Reason)
}

// orderTotal is price * qty, or false when the product is not a positive
// amount that fits in int64.
func orderTotal(priceCents int64, qty int) (int64, bool) {
	if priceCents <= 0 || qty <= 0 {
		return 0, false
	}
	if priceCents > math.MaxInt64/int64(qty) {
		return 0, false
	}
	return priceCents * int64(qty), true
}
