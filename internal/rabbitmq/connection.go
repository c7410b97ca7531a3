package rabbitmq

import (
	"context"
	"fmt"
	"time"

	"github.com/ariefcatur/saga-orders/internal/retry"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// DeadLetterSuffix names the queue receiving messages a consumer gave up on.
const DeadLetterSuffix = ".dlq"

// Dial connects to url, retrying while the broker is starting up.
func Dial(ctx context.Context, url string, log *zap.Logger) (*amqp.Connection, error) {
	policy := retry.Policy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: 5 * time.Second}
	var conn *amqp.Connection
	attempt := 0
	err := policy.Do(ctx, func() error {
		attempt++
		var err error
		conn, err = amqp.Dial(url)
		if err != nil {
			log.Warn("rabbitmq dial failed", zap.Int("attempt", attempt), zap.Error(err))
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("could not connect to RabbitMQ: %w", err)
	}
	return conn, nil
}

// declareQueue declares the durable queue name and its dead-letter queue.
func declareQueue(ch *amqp.Channel, name string) error {
	dlq := name + DeadLetterSuffix
	if _, err := ch.QueueDeclare(
		dlq,   // name
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	); err != nil {
		return fmt.Errorf("could not declare queue %s: %w", dlq, err)
	}
	if _, err := ch.QueueDeclare(
		name,
		true,
		false,
		false,
		false,
		amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": dlq,
		},
	); err != nil {
		return fmt.Errorf("could not declare queue %s: %w", name, err)
	}
	return nil
}
