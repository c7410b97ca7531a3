// Package store holds the transaction contracts shared by the saga domains.
// Each domain declares the row access it needs; the Postgres and in-memory
// stores implement all of them on one transaction handle.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ariefcatur/saga-orders/internal/events"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("already exists")
)

// Inbox records processed event IDs inside the handler's transaction.
type Inbox interface {
	// MarkProcessed returns false when consumer already committed eventID.
	MarkProcessed(ctx context.Context, consumer, eventID string) (bool, error)
}

// Outbox stages outgoing events inside the handler's transaction. They are
// published by the relay after commit, not before availableAt.
type Outbox interface {
	Emit(ctx context.Context, ev events.Event, availableAt time.Time) error
}

// OutboxMessage is one staged event.
type OutboxMessage struct {
	ID          int64
	Queue       string
	Event       events.Event
	AvailableAt time.Time
}

// OutboxSource hands due outbox messages to publish and marks the ones that
// were published. Messages after the first publish failure stay pending.
type OutboxSource interface {
	PublishDue(ctx context.Context, now time.Time, limit int, publish func(context.Context, OutboxMessage) error) (int, error)
}
