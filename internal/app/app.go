// Package app wires configuration into a running service: store, bus,
// Redis, the saga tasks and the HTTP API.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ariefcatur/saga-orders/internal/config"
	"github.com/ariefcatur/saga-orders/internal/events"
	"github.com/ariefcatur/saga-orders/internal/httpx"
	"github.com/ariefcatur/saga-orders/internal/inventory"
	"github.com/ariefcatur/saga-orders/internal/kafka"
	"github.com/ariefcatur/saga-orders/internal/memstore"
	"github.com/ariefcatur/saga-orders/internal/observability"
	"github.com/ariefcatur/saga-orders/internal/orders"
	"github.com/ariefcatur/saga-orders/internal/payments"
	"github.com/ariefcatur/saga-orders/internal/postgres"
	"github.com/ariefcatur/saga-orders/internal/rabbitmq"
	"github.com/ariefcatur/saga-orders/internal/realtime"
	"github.com/ariefcatur/saga-orders/internal/redisx"
	"github.com/ariefcatur/saga-orders/internal/retry"
	"github.com/ariefcatur/saga-orders/internal/saga"
	"github.com/ariefcatur/saga-orders/internal/worker"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options pick what one process runs. Relay is added to every process that
// runs a consumer or the API, so staged events always have a publisher.
type Options struct {
	HTTP  bool
	Roles []saga.Role
}

type backend interface {
	saga.Stores
	inventory.CatalogStore
}

type App struct {
	cfg     config.Config
	opts    Options
	log     *zap.Logger
	saga    *saga.Saga
	router  http.Handler
	hub     *realtime.Hub
	status  *redisx.StatusCache
	closers []func() error
	tel     observability.Telemetry
}

func New(ctx context.Context, cfg config.Config, opts Options) (_ *App, err error) {
	a := &App{cfg: cfg, opts: opts}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	a.tel, err = observability.SetupOTel(ctx, cfg.ServiceName, cfg.OTLPEndpoint)
	if err != nil {
		return nil, err
	}
	var extra []zapcore.Core
	if a.tel.LogCore != nil {
		extra = append(extra, a.tel.LogCore)
	}
	a.log, err = observability.NewLogger(cfg.ServiceName, cfg.LogLevel, cfg.LogFormat, extra...)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error { _ = a.log.Sync(); return nil })

	// In-memory drivers only work inside one process, so it runs every role.
	if cfg.StoreDriver == "memory" || cfg.BusDriver == "memory" {
		a.opts.Roles = []saga.Role{saga.RoleOrders, saga.RolePayments}
	}

	st, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	bus, err := a.openBus(ctx)
	if err != nil {
		return nil, err
	}

	var sagaOpts []saga.Option
	var idem *redisx.Idempotency
	if cfg.RedisURL != "" {
		rdb, err := redisx.New(ctx, cfg.RedisURL, cfg.RedisOTel)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, rdb.Close)
		a.status = redisx.NewStatusCache(rdb, a.log)
		idem = redisx.NewIdempotency(rdb)
		sagaOpts = append(sagaOpts, saga.WithLedger(redisx.NewLedger(rdb)), saga.WithObserver(a.status))
	}

	a.saga = saga.New(st, bus, saga.Config{
		Producer: cfg.ServiceName,
		OrderRetry: retry.Policy{
			MaxAttempts: cfg.OrderRetryMaxAttempts,
			BaseDelay:   cfg.OrderRetryBaseDelay,
			MaxDelay:    cfg.OrderRetryMaxDelay,
		},
		HandlerRetry: retry.Policy{
			MaxAttempts: max(cfg.HandlerRetryAttempts, 1),
			BaseDelay:   100 * time.Millisecond,
			MaxDelay:    2 * time.Second,
		},
		Deadline:      cfg.SagaDeadline,
		SweepInterval: cfg.SweepInterval,
		OutboxBatch:   cfg.OutboxBatch,
		OutboxPoll:    cfg.OutboxPollInterval,
	}, a.log, sagaOpts...)

	if opts.HTTP {
		a.hub = realtime.NewHub(a.log)
		a.router = httpx.NewRouter(httpx.Deps{
			Service:  cfg.ServiceName,
			Log:      a.log,
			Orders:   orders.NewService(st.Orders(), cfg.ServiceName, a.log),
			Payments: payments.NewService(st.Payments()),
			Catalog:  inventory.NewCatalog(st),
			Status:   a.status,
			Idem:     idem,
			Live:     a.hub,
		})
	}
	return a, nil
}

func (a *App) openStore(ctx context.Context) (backend, error) {
	switch a.cfg.StoreDriver {
	case "memory":
		a.log.Warn("using in-memory store; data is lost on exit")
		return memstore.New(), nil
	default:
		db, err := postgres.Connect(ctx, a.cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("db connect: %w", err)
		}
		a.closers = append(a.closers, db.Close)
		st := postgres.New(db, a.log)
		if err := st.InitSchema(ctx); err != nil {
			return nil, err
		}
		return st, nil
	}
}

func (a *App) openBus(ctx context.Context) (events.Bus, error) {
	var (
		bus events.Bus
		err error
	)
	switch a.cfg.BusDriver {
	case "memory":
		bus = events.NewMemoryBus()
	case "rabbitmq":
		bus, err = rabbitmq.NewBus(ctx, a.cfg.RabbitMQURL, a.cfg.RabbitMQPrefetch, a.log)
		if err != nil {
			return nil, err
		}
	default:
		bus = kafka.NewBus(a.cfg.KafkaBrokers, a.cfg.KafkaGroup, a.cfg.ConsumerWorkers, a.log)
	}
	a.closers = append(a.closers, bus.Close)
	return bus, nil
}

// Handler is the HTTP API; nil when the process serves no HTTP.
func (a *App) Handler() http.Handler { return a.router }

func (a *App) Logger() *zap.Logger { return a.log }

// Run starts every task and blocks until ctx is done or a task fails, then
// releases all connections.
func (a *App) Run(ctx context.Context) error {
	defer a.close()

	g := worker.NewGroup(a.log)
	roles := append([]saga.Role{saga.RoleRelay}, a.opts.Roles...)
	a.saga.AddTasks(g, retry.Policy{MaxAttempts: 10, BaseDelay: time.Second, MaxDelay: 30 * time.Second}, roles...)

	if a.router != nil {
		g.Add("realtime-hub", a.hub.Run)
		if a.status != nil {
			g.Add("status-subscriber", func(ctx context.Context) error {
				return a.status.Subscribe(ctx, a.hub.Publish)
			})
		}
		g.Add("http", a.serveHTTP)
	}

	a.log.Info("service starting",
		zap.String("store", a.cfg.StoreDriver),
		zap.String("bus", a.cfg.BusDriver),
		zap.Int("tasks", g.Len()),
	)
	return g.Run(ctx)
}

func (a *App) serveHTTP(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.log.Info("HTTP listening", zap.String("addr", a.cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (a *App) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && a.log != nil {
			a.log.Warn("close failed", zap.Error(err))
		}
	}
	a.closers = nil
	if a.tel.Shutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.tel.Shutdown(ctx)
	}
}
