package events

import (
	"context"

	"go.uber.org/zap"
)

// Handler returns nil only when the event was fully processed and may be
// acknowledged. A non-nil error asks the transport to redeliver.
type Handler func(ctx context.Context, ev Event) error

type Publisher interface {
	Publish(ctx context.Context, queue string, ev Event) error
}

type Subscriber interface {
	// Subscribe consumes queue until ctx is done or the transport fails.
	Subscribe(ctx context.Context, queue string, h Handler) error
}

// Bus is a transport with durable named queues and at-least-once delivery.
type Bus interface {
	Publisher
	Subscriber
	Close() error
}

// Dispatcher routes the events of one queue to per-kind handlers.
type Dispatcher struct {
	queue    string
	handlers map[Kind]Handler
	log      *zap.Logger
}

func NewDispatcher(queue string, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		queue:    queue,
		handlers: make(map[Kind]Handler),
		log:      log.With(zap.String("queue", queue)),
	}
}

func (d *Dispatcher) On(kind Kind, h Handler) *Dispatcher {
	d.handlers[kind] = h
	return d
}

func (d *Dispatcher) Queue() string { return d.queue }

// Handle is a Handler. Kinds with no registered handler are ignored.
func (d *Dispatcher) Handle(ctx context.Context, ev Event) error {
	h, ok := d.handlers[ev.Status]
	if !ok {
		d.log.Debug("ignoring event",
			zap.String("status", string(ev.Status)),
			zap.Int64("order_id", ev.OrderID),
		)
		return nil
	}
	return h(ctx, ev)
}
