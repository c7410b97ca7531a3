// Package outbox publishes events staged by committed transactions.
package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/ariefcatur/saga-orders/internal/events"
	"github.com/ariefcatur/saga-orders/internal/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type Relay struct {
	src      store.OutboxSource
	pub      events.Publisher
	batch    int
	interval time.Duration
	tracer   trace.Tracer
	log      *zap.Logger
	now      func() time.Time
}

func NewRelay(src store.OutboxSource, pub events.Publisher, batch int, interval time.Duration, log *zap.Logger) *Relay {
	if log == nil {
		log = zap.NewNop()
	}
	if batch <= 0 {
		batch = 100
	}
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	return &Relay{
		src:      src,
		pub:      pub,
		batch:    batch,
		interval: interval,
		tracer:   otel.Tracer("saga-orders/outbox"),
		log:      log.With(zap.String("component", "outbox")),
		now:      time.Now,
	}
}

// SetClock replaces the time source deciding which events are due.
func (r *Relay) SetClock(now func() time.Time) { r.now = now }

// RunOnce publishes every event due now and returns how many went out.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := r.src.PublishDue(ctx, r.now(), r.batch, r.publish)
		total += n
		if err != nil {
			return total, fmt.Errorf("outbox relay: %w", err)
		}
		if n < r.batch {
			return total, nil
		}
	}
}

func (r *Relay) publish(ctx context.Context, msg store.OutboxMessage) error {
	ctx, span := r.tracer.Start(msg.Event.Context(ctx), "publish "+string(msg.Event.Status),
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", msg.Queue),
			attribute.String("messaging.message.id", msg.Event.EventID),
			attribute.Int64("saga.order_id", msg.Event.OrderID),
		),
	)
	defer span.End()

	if err := r.pub.Publish(ctx, msg.Queue, msg.Event); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	r.log.Debug("event published",
		zap.String("queue", msg.Queue),
		zap.String("status", string(msg.Event.Status)),
		zap.Int64("order_id", msg.Event.OrderID),
	)
	return nil
}

// Run polls the outbox until ctx is done. Publish failures are logged and
// retried on the next tick.
func (r *Relay) Run(ctx context.Context) error {
	t := time.NewTicker(r.interval)
	defer t.Stop()
	for {
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			r.log.Warn("publish failed, will retry", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}
