package kafka

import (
	"context"
	"fmt"
	"sync"

	"github.com/ariefcatur/saga-orders/internal/events"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Consumer reads one topic in a consumer group. Each partition is handled by
// a single worker so offsets are committed in order; a handler error stops
// the consumer without committing, and the group redelivers from the last
// committed offset when it is started again.
type Consumer struct {
	r       *kafka.Reader
	workers int
	log     *zap.Logger
}

func NewConsumer(brokers []string, group, topic string, workers int, log *zap.Logger) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		GroupID:        group,
		Topic:          topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // manual commit
	})
	if workers <= 0 {
		workers = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Consumer{r: r, workers: workers, log: log.With(zap.String("topic", topic))}
}

func (c *Consumer) Start(parent context.Context, h events.Handler) error {
	defer c.r.Close()
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	var (
		wg      sync.WaitGroup
		errOnce sync.Once
		workErr error
	)
	jobs := make([]chan kafka.Message, c.workers)
	for i := range jobs {
		jobs[i] = make(chan kafka.Message, 64)
		wg.Add(1)
		go func(in <-chan kafka.Message) {
			defer wg.Done()
			for m := range in {
				if err := c.process(ctx, m, h); err != nil {
					errOnce.Do(func() { workErr = err })
					cancel()
					return
				}
			}
		}(jobs[i])
	}

	var fetchErr error
	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			fetchErr = err
			break
		}
		select {
		case jobs[m.Partition%c.workers] <- m:
		case <-ctx.Done():
		}
	}
	for _, ch := range jobs {
		close(ch)
	}
	wg.Wait()

	if workErr != nil && parent.Err() == nil {
		return workErr
	}
	if parent.Err() != nil {
		return nil
	}
	return fmt.Errorf("kafka fetch: %w", fetchErr)
}

func (c *Consumer) process(ctx context.Context, m kafka.Message, h events.Handler) error {
	ev, err := fromMessage(m)
	if err != nil {
		// Poison message: nothing will ever decode it.
		c.log.Error("dropping undecodable message", zap.Int64("offset", m.Offset), zap.Error(err))
		return c.r.CommitMessages(ctx, m)
	}
	if err := h(ctx, ev); err != nil {
		return fmt.Errorf("handle %s order %d: %w", ev.Status, ev.OrderID, err)
	}
	if err := c.r.CommitMessages(ctx, m); err != nil {
		return fmt.Errorf("commit offset %d: %w", m.Offset, err)
	}
	return nil
}
