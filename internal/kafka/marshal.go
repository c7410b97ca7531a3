package kafka

import (
	"fmt"
	"time"

	"github.com/ariefcatur/saga-orders/internal/events"
	"github.com/segmentio/kafka-go"
)

const (
	headerEventID = "event_id"
	headerStatus  = "status"
)

// toMessage keys the message by order so every event of one saga lands on
// the same partition, in order.
func toMessage(queue string, ev events.Event) (kafka.Message, error) {
	b, err := events.Encode(ev)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Topic: queue,
		Key:   events.PartitionKey(ev.OrderID),
		Value: b,
		Time:  time.Now(),
		Headers: []kafka.Header{
			{Key: headerEventID, Value: []byte(ev.EventID)},
			{Key: headerStatus, Value: []byte(ev.Status)},
		},
	}, nil
}

func fromMessage(m kafka.Message) (events.Event, error) {
	ev, err := events.Decode(m.Value)
	if err != nil {
		return events.Event{}, fmt.Errorf("%s[%d]@%d: %w", m.Topic, m.Partition, m.Offset, err)
	}
	if ev.EventID == "" {
		for _, h := range m.Headers {
			if h.Key == headerEventID {
				ev.EventID = string(h.Value)
			}
		}
	}
	return ev, nil
}
