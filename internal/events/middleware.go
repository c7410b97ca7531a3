package events

import (
	"context"

	"github.com/ariefcatur/saga-orders/internal/retry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type Middleware func(Handler) Handler

// Chain wraps h so that the first middleware is the outermost.
func Chain(h Handler, mws ...Middleware) Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// WithRetry retries a failing handler in place before the error reaches the
// transport.
func WithRetry(policy retry.Policy, log *zap.Logger) Middleware {
	if log == nil {
		log = zap.NewNop()
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, ev Event) error {
			attempt := 0
			return policy.Do(ctx, func() error {
				attempt++
				err := next(ctx, ev)
				if err != nil {
					log.Warn("handler failed",
						zap.String("status", string(ev.Status)),
						zap.Int64("order_id", ev.OrderID),
						zap.Int("attempt", attempt),
						zap.Error(err),
					)
				}
				return err
			})
		}
	}
}

// WithTracing opens one span per delivered event, parented to the producer's
// span when the event carries trace context.
func WithTracing(tracer trace.Tracer, queue string) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, ev Event) error {
			ctx, span := tracer.Start(ev.Context(ctx), "consume "+string(ev.Status),
				trace.WithSpanKind(trace.SpanKindConsumer),
				trace.WithAttributes(
					attribute.String("messaging.destination.name", queue),
					attribute.String("messaging.message.id", ev.EventID),
					attribute.Int64("saga.order_id", ev.OrderID),
				),
			)
			defer span.End()

			err := next(ctx, ev)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			return err
		}
	}
}

// Ledger is a fast-path record of processed event IDs. The transactional
// inbox stays authoritative; the ledger only saves a round trip.
type Ledger interface {
	Seen(ctx context.Context, consumer, eventID string) (bool, error)
	Mark(ctx context.Context, consumer, eventID string) error
}

func WithDedup(ledger Ledger, consumer string, log *zap.Logger) Middleware {
	if log == nil {
		log = zap.NewNop()
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, ev Event) error {
			if ev.EventID == "" {
				return next(ctx, ev)
			}
			seen, err := ledger.Seen(ctx, consumer, ev.EventID)
			if err != nil {
				log.Warn("dedup lookup failed", zap.String("event_id", ev.EventID), zap.Error(err))
			} else if seen {
				log.Debug("duplicate event skipped",
					zap.String("event_id", ev.EventID),
					zap.String("status", string(ev.Status)),
					zap.Int64("order_id", ev.OrderID),
				)
				return nil
			}

			if err := next(ctx, ev); err != nil {
				return err
			}
			if err := ledger.Mark(ctx, consumer, ev.EventID); err != nil {
				log.Warn("dedup mark failed", zap.String("event_id", ev.EventID), zap.Error(err))
			}
			return nil
		}
	}
}
