package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Kind is the value of the "status" field on the wire.
type Kind string

const (
	OrderCreated      Kind = "order_created"
	OrderApproved     Kind = "order_approved"
	OrderFailed       Kind = "order_failed"
	OrderNotEnough    Kind = "order_not_enough"
	OrderCancelled    Kind = "order_cancelled"
	OrderRetry        Kind = "order_retry"
	PaymentProcessing Kind = "payment_processing"
	PaymentRefused    Kind = "payment_refused"
	PaymentRefund     Kind = "payment_refund"
)

var kinds = map[Kind]string{
	OrderCreated:      QueueOrders,
	OrderApproved:     QueueOrders,
	OrderFailed:       QueueOrders,
	OrderNotEnough:    QueueOrders,
	OrderCancelled:    QueueOrders,
	OrderRetry:        QueueOrders,
	PaymentProcessing: QueuePayments,
	PaymentRefused:    QueuePayments,
	PaymentRefund:     QueuePayments,
}

func (k Kind) Valid() bool {
	_, ok := kinds[k]
	return ok
}

// QueueFor returns the queue owned by the domain that handles k.
func QueueFor(k Kind) (string, error) {
	q, ok := kinds[k]
	if !ok {
		return "", fmt.Errorf("unknown event kind %q", k)
	}
	return q, nil
}

// Event is the saga message. OrderID and Status are always present; the other
// fields depend on context.
type Event struct {
	OrderID    int64             `json:"order_id"`
	Status     Kind              `json:"status"`
	EventID    string            `json:"event_id,omitempty"` // dedup key, uuid
	Attempt    int               `json:"attempt,omitempty"`  // order_created/order_retry only
	Reason     string            `json:"reason,omitempty"`
	Producer   string            `json:"producer,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
	Trace      map[string]string `json:"trace,omitempty"` // W3C trace context
}

// New builds an outgoing event carrying the trace context of ctx.
func New(ctx context.Context, kind Kind, orderID int64, producer string) Event {
	ev := Event{
		OrderID:    orderID,
		Status:     kind,
		EventID:    uuid.NewString(),
		Producer:   producer,
		OccurredAt: time.Now().UTC(),
	}
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	if len(carrier) > 0 {
		ev.Trace = carrier
	}
	return ev
}

// Context returns ctx enriched with the trace context carried by ev.
func (e Event) Context(ctx context.Context) context.Context {
	if len(e.Trace) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(e.Trace))
}

func Encode(ev Event) ([]byte, error) {
	return json.Marshal(ev)
}

// Decode parses a wire message. Unknown kinds are not an error here; the
// dispatcher ignores them.
func Decode(b []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(b, &ev); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if ev.OrderID <= 0 {
		return Event{}, fmt.Errorf("decode event: missing order_id")
	}
	if ev.Status == "" {
		return Event{}, fmt.Errorf("decode event: missing status")
	}
	return ev, nil
}
