package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ariefcatur/saga-orders/internal/events"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const publishTimeout = 5 * time.Second

// Bus publishes to and consumes from durable queues on the default exchange.
// Publishing waits for the broker's confirm; consumers ack after the handler
// succeeded.
type Bus struct {
	conn     *amqp.Connection
	prefetch int
	log      *zap.Logger

	mu       sync.Mutex
	pubCh    *amqp.Channel
	declared map[string]bool
}

var _ events.Bus = (*Bus)(nil)

func NewBus(ctx context.Context, url string, prefetch int, log *zap.Logger) (*Bus, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("bus", "rabbitmq"))
	conn, err := Dial(ctx, url, log)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("could not open channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("channel could not be put into confirm mode: %w", err)
	}
	if prefetch <= 0 {
		prefetch = 16
	}
	return &Bus{
		conn:     conn,
		prefetch: prefetch,
		log:      log,
		pubCh:    ch,
		declared: make(map[string]bool),
	}, nil
}

func (b *Bus) Publish(ctx context.Context, queue string, ev events.Event) error {
	body, err := events.Encode(ev)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.declared[queue] {
		if err := declareQueue(b.pubCh, queue); err != nil {
			return err
		}
		b.declared[queue] = true
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	dc, err := b.pubCh.PublishWithDeferredConfirmWithContext(ctx,
		"",    // default exchange
		queue, // routing key
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    ev.EventID,
			Type:         string(ev.Status),
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	ok, err := dc.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("publish confirmation: %w", err)
	}
	if !ok {
		return errors.New("message published but not confirmed")
	}
	return nil
}

// Subscribe consumes queue on its own channel until ctx is done, the
// channel closes or a handler fails. A failed message is requeued and
// Subscribe returns the error, so the caller restarts the consumer after a
// backoff. Only undecodable messages are dead-lettered.
func (b *Bus) Subscribe(ctx context.Context, queue string, h events.Handler) error {
	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("could not open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(b.prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}
	if err := declareQueue(ch, queue); err != nil {
		return err
	}
	msgs, err := ch.Consume(
		queue, // queue
		"",    // consumer tag
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("could not start consume: %w", err)
	}
	b.log.Info("consuming", zap.String("queue", queue), zap.Int("prefetch", b.prefetch))

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("delivery channel for %s closed", queue)
			}
			if err := b.deliver(ctx, queue, d, h); err != nil {
				return err
			}
		}
	}
}

// disposition is what happens to a delivery once it has been handled.
type disposition int

const (
	ack disposition = iota
	// requeue puts the message back and stops the consumer.
	requeue
	deadLetter
)

func (d disposition) String() string {
	switch d {
	case ack:
		return "ack"
	case requeue:
		return "requeue"
	case deadLetter:
		return "dead-letter"
	}
	return "unknown"
}

// dispose decides the fate of a delivery. Handlers are idempotent, so a
// failed message is always retried; only a body no handler can ever read
// goes to the dead-letter queue.
func dispose(decodeErr, handleErr error) disposition {
	switch {
	case decodeErr != nil:
		return deadLetter
	case handleErr != nil:
		return requeue
	}
	return ack
}

func (b *Bus) deliver(ctx context.Context, queue string, d amqp.Delivery, h events.Handler) error {
	ev, decodeErr := events.Decode(d.Body)
	var handleErr error
	if decodeErr == nil {
		if ev.EventID == "" {
			ev.EventID = d.MessageId
		}
		handleErr = h(ctx, ev)
	}

	switch dispose(decodeErr, handleErr) {
	case deadLetter:
		b.log.Error("dead-lettering undecodable message",
			zap.String("queue", queue),
			zap.String("message_id", d.MessageId),
			zap.Error(decodeErr),
		)
		if err := d.Nack(false, false); err != nil {
			return fmt.Errorf("dead-letter %s: %w", d.MessageId, err)
		}
	case requeue:
		b.log.Warn("handler failed, requeueing",
			zap.String("queue", queue),
			zap.String("status", string(ev.Status)),
			zap.Int64("order_id", ev.OrderID),
			zap.Bool("redelivered", d.Redelivered),
			zap.Error(handleErr),
		)
		if err := d.Nack(false, true); err != nil {
			b.log.Warn("nack failed", zap.String("queue", queue), zap.Error(err))
		}
		return fmt.Errorf("handle %s order %d: %w", ev.Status, ev.OrderID, handleErr)
	case ack:
		if err := d.Ack(false); err != nil {
			b.log.Warn("ack failed", zap.String("queue", queue), zap.Error(err))
		}
	}
	return nil
}

func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	_ = b.pubCh.Close()
	return b.conn.Close()
}
