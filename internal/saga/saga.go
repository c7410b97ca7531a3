// Package saga assembles the order and payment state machines, their
// consumer middleware, the outbox relay and the deadline sweeper.
package saga

import (
	"context"
	"time"

	"github.com/ariefcatur/saga-orders/internal/events"
	"github.com/ariefcatur/saga-orders/internal/inventory"
	"github.com/ariefcatur/saga-orders/internal/orders"
	"github.com/ariefcatur/saga-orders/internal/outbox"
	"github.com/ariefcatur/saga-orders/internal/payments"
	"github.com/ariefcatur/saga-orders/internal/retry"
	"github.com/ariefcatur/saga-orders/internal/store"
	"github.com/ariefcatur/saga-orders/internal/worker"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

// Stores is what the saga needs from a backing store.
type Stores interface {
	Orders() orders.Store
	Payments() payments.Store
	store.OutboxSource
}

type Config struct {
	Producer      string
	OrderRetry    retry.Policy // delayed order_retry re-submissions
	HandlerRetry  retry.Policy // in-place retries before redelivery
	Deadline      time.Duration
	SweepInterval time.Duration
	OutboxBatch   int
	OutboxPoll    time.Duration
}

type Saga struct {
	Orders   *orders.Machine
	Payments *payments.Machine
	Relay    *outbox.Relay

	cfg    Config
	bus    events.Bus
	ledger events.Ledger
	log    *zap.Logger
}

type Option func(*options)

type options struct {
	ledger   events.Ledger
	observer orders.StatusObserver
	fault    orders.FaultHook
	now      func() time.Time
}

// WithLedger puts a fast-path dedup check in front of both consumers.
func WithLedger(l events.Ledger) Option { return func(o *options) { o.ledger = l } }

func WithObserver(obs orders.StatusObserver) Option {
	return func(o *options) { o.observer = obs }
}

func WithFaultHook(h orders.FaultHook) Option { return func(o *options) { o.fault = h } }

// WithClock drives every component from one time source.
func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

func New(st Stores, bus events.Bus, cfg Config, log *zap.Logger, opts ...Option) *Saga {
	if log == nil {
		log = zap.NewNop()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	var mopts []orders.Option
	if o.observer != nil {
		mopts = append(mopts, orders.WithObserver(o.observer))
	}
	if o.fault != nil {
		mopts = append(mopts, orders.WithFaultHook(o.fault))
	}
	if o.now != nil {
		mopts = append(mopts, orders.WithClock(o.now))
	}

	om := orders.NewMachine(st.Orders(), inventory.NewManager(log), orders.Config{
		Producer: cfg.Producer,
		Retry:    cfg.OrderRetry,
		Deadline: cfg.Deadline,
	}, log.Named("orders"), mopts...)

	pm := payments.NewMachine(st.Payments(), cfg.Producer, log.Named("payments"))
	relay := outbox.NewRelay(st, bus, cfg.OutboxBatch, cfg.OutboxPoll, log)
	if o.now != nil {
		pm.SetClock(o.now)
		relay.SetClock(o.now)
	}

	return &Saga{
		Orders:   om,
		Payments: pm,
		Relay:    relay,
		cfg:      cfg,
		bus:      bus,
		ledger:   o.ledger,
		log:      log,
	}
}

// OrderHandler is the order_queue consumer: tracing, then dedup, then
// in-place retries around the order machine.
func (s *Saga) OrderHandler() events.Handler {
	return s.chain(s.Orders.Dispatcher(), orders.Consumer)
}

// PaymentHandler is the payment_queue consumer.
func (s *Saga) PaymentHandler() events.Handler {
	return s.chain(s.Payments.Dispatcher(), payments.Consumer)
}

func (s *Saga) chain(d *events.Dispatcher, consumer string) events.Handler {
	mws := []events.Middleware{events.WithTracing(otel.Tracer("saga-orders/"+consumer), d.Queue())}
	if s.ledger != nil {
		mws = append(mws, events.WithDedup(s.ledger, consumer, s.log))
	}
	mws = append(mws, events.WithRetry(s.cfg.HandlerRetry, s.log))
	return events.Chain(d.Handle, mws...)
}

// Role selects which long-lived tasks a process runs.
type Role string

const (
	RoleOrders   Role = "orders"
	RolePayments Role = "payments"
	RoleRelay    Role = "relay"
)

// AddTasks registers the tasks of roles on g. Consumers are restarted per
// restart after a transport failure.
func (s *Saga) AddTasks(g *worker.Group, restart retry.Policy, roles ...Role) {
	for _, r := range roles {
		switch r {
		case RoleOrders:
			h := s.OrderHandler()
			g.Add("orders-consumer", worker.Restarting(restart, s.log, "orders-consumer", func(ctx context.Context) error {
				return s.bus.Subscribe(ctx, events.QueueOrders, h)
			}))
			g.Add("deadline-sweeper", func(ctx context.Context) error {
				return s.Orders.RunSweeper(ctx, s.cfg.SweepInterval)
			})
		case RolePayments:
			h := s.PaymentHandler()
			g.Add("payments-consumer", worker.Restarting(restart, s.log, "payments-consumer", func(ctx context.Context) error {
				return s.bus.Subscribe(ctx, events.QueuePayments, h)
			}))
		case RoleRelay:
			g.Add("outbox-relay", s.Relay.Run)
		}
	}
}
