package kafka

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/ariefcatur/saga-orders/internal/events"
	"github.com/segmentio/kafka-go"
)

func TestMessageKeyedByOrder(t *testing.T) {
	ev := events.New(context.Background(), events.PaymentProcessing, 42, "test")
	m, err := toMessage(events.QueuePayments, ev)
	if err != nil {
		t.Fatalf("toMessage: %v", err)
	}
	if m.Topic != events.QueuePayments || string(m.Key) != "42" {
		t.Fatalf("unexpected topic/key %q/%q", m.Topic, m.Key)
	}

	got, err := fromMessage(m)
	if err != nil {
		t.Fatalf("fromMessage: %v", err)
	}
	if got.EventID != ev.EventID || got.Status != events.PaymentProcessing || got.OrderID != 42 {
		t.Fatalf("unexpected event %+v", got)
	}
}

func TestFromMessageFallsBackToHeaderEventID(t *testing.T) {
	m := kafka.Message{
		Value:   []byte(`{"order_id":1,"status":"order_created"}`),
		Headers: []kafka.Header{{Key: headerEventID, Value: []byte("ev-9")}},
	}
	ev, err := fromMessage(m)
	if err != nil {
		t.Fatalf("fromMessage: %v", err)
	}
	if ev.EventID != "ev-9" {
		t.Fatalf("expected header event id, got %q", ev.EventID)
	}
}

func TestFromMessageRejectsGarbage(t *testing.T) {
	if _, err := fromMessage(kafka.Message{Topic: "order_queue", Value: []byte("{")}); err == nil {
		t.Fatalf("expected decode error")
	}
}

// TestBusRoundTrip needs a broker: KAFKA_BROKERS=localhost:9092 go test ./internal/kafka
func TestBusRoundTrip(t *testing.T) {
	brokers := os.Getenv("KAFKA_BROKERS")
	if brokers == "" {
		t.Skip("KAFKA_BROKERS not set")
	}
	bus := NewBus(strings.Split(brokers, ","), "saga-test-"+time.Now().Format("150405"), 2, nil)
	defer bus.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	queue := "saga_test_" + time.Now().Format("150405")
	sent := events.New(ctx, events.OrderCreated, 7, "test")
	if err := bus.Publish(ctx, queue, sent); err != nil {
		t.Fatalf("publish: %v", err)
	}

	got := make(chan events.Event, 1)
	go func() {
		_ = bus.Subscribe(ctx, queue, func(ctx context.Context, ev events.Event) error {
			select {
			case got <- ev:
			default:
			}
			return nil
		})
	}()
	select {
	case ev := <-got:
		if ev.EventID != sent.EventID {
			t.Fatalf("expected %s, got %s", sent.EventID, ev.EventID)
		}
	case <-ctx.Done():
		t.Fatalf("no message received")
	}
}
