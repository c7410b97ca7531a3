package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ariefcatur/saga-orders/internal/events"
	"github.com/ariefcatur/saga-orders/internal/memstore"
	"github.com/ariefcatur/saga-orders/internal/orders"
)

type flakyPublisher struct {
	bus   *events.MemoryBus
	fails int
}

func (p *flakyPublisher) Publish(ctx context.Context, queue string, ev events.Event) error {
	if p.fails > 0 {
		p.fails--
		return errors.New("broker unavailable")
	}
	return p.bus.Publish(ctx, queue, ev)
}

func stage(t *testing.T, st *memstore.Store, kind events.Kind, at time.Time) {
	t.Helper()
	err := st.Orders().InTx(context.Background(), func(tx orders.Tx) error {
		return tx.Emit(context.Background(), events.New(context.Background(), kind, 1, "test"), at)
	})
	if err != nil {
		t.Fatalf("stage: %v", err)
	}
}

func TestRelay_PublishesDueEventsToTheirQueues(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	st := memstore.New()
	bus := events.NewMemoryBus()
	r := NewRelay(st, bus, 2, time.Millisecond, nil)
	r.SetClock(func() time.Time { return now })

	stage(t, st, events.OrderCreated, now)
	stage(t, st, events.PaymentProcessing, now)
	stage(t, st, events.OrderApproved, now)
	stage(t, st, events.OrderCreated, now.Add(time.Minute))

	n, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 published, got %d", n)
	}
	if bus.Pending(events.QueueOrders) != 2 || bus.Pending(events.QueuePayments) != 1 {
		t.Fatalf("events routed to wrong queues")
	}
	if st.PendingOutbox() != 1 {
		t.Fatalf("delayed event must stay staged, pending=%d", st.PendingOutbox())
	}

	now = now.Add(time.Minute)
	if n, _ := r.RunOnce(context.Background()); n != 1 {
		t.Fatalf("expected delayed event once due, got %d", n)
	}
}

func TestRelay_KeepsEventsWhenPublishFails(t *testing.T) {
	st := memstore.New()
	bus := events.NewMemoryBus()
	pub := &flakyPublisher{bus: bus, fails: 1}
	r := NewRelay(st, pub, 10, time.Millisecond, nil)

	stage(t, st, events.OrderCreated, time.Now())
	if _, err := r.RunOnce(context.Background()); err == nil {
		t.Fatalf("expected publish error")
	}
	if st.PendingOutbox() != 1 || bus.Pending(events.QueueOrders) != 0 {
		t.Fatalf("failed publish must leave the event staged")
	}
	if n, err := r.RunOnce(context.Background()); err != nil || n != 1 {
		t.Fatalf("expected retry to publish, got %d, %v", n, err)
	}
}

func TestRelay_RunStopsOnCancel(t *testing.T) {
	r := NewRelay(memstore.New(), events.NewMemoryBus(), 10, time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("relay did not stop")
	}
}
