package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/ariefcatur/saga-orders/internal/events"
	"github.com/segmentio/kafka-go"
)

// Producer writes synchronously: Publish returns only after every in-sync
// replica has the message, so the outbox can mark it as sent.
type Producer struct {
	w *kafka.Writer
}

func NewProducer(brokers []string) *Producer {
	return &Producer{
		w: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
			BatchTimeout:           10 * time.Millisecond,
		},
	}
}

func (p *Producer) Publish(ctx context.Context, queue string, ev events.Event) error {
	m, err := toMessage(queue, ev)
	if err != nil {
		return err
	}
	if err := p.w.WriteMessages(ctx, m); err != nil {
		return fmt.Errorf("kafka write %s: %w", queue, err)
	}
	return nil
}

func (p *Producer) Close() error { return p.w.Close() }
