package kafka

import (
	"context"

	"github.com/ariefcatur/saga-orders/internal/events"
	"go.uber.org/zap"
)

// Bus maps each saga queue to a Kafka topic of the same name.
type Bus struct {
	brokers  []string
	group    string
	workers  int
	producer *Producer
	log      *zap.Logger
}

var _ events.Bus = (*Bus)(nil)

func NewBus(brokers []string, group string, workers int, log *zap.Logger) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{
		brokers:  brokers,
		group:    group,
		workers:  workers,
		producer: NewProducer(brokers),
		log:      log.With(zap.String("bus", "kafka")),
	}
}

func (b *Bus) Publish(ctx context.Context, queue string, ev events.Event) error {
	return b.producer.Publish(ctx, queue, ev)
}

// Subscribe joins the consumer group <group>.<queue>, so every service
// consuming a queue shares its partitions.
func (b *Bus) Subscribe(ctx context.Context, queue string, h events.Handler) error {
	c := NewConsumer(b.brokers, b.group+"."+queue, queue, b.workers, b.log)
	b.log.Info("consuming", zap.String("topic", queue), zap.Int("workers", b.workers))
	return c.Start(ctx, h)
}

func (b *Bus) Close() error { return b.producer.Close() }
