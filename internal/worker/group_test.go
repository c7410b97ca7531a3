package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ariefcatur/saga-orders/internal/retry"
)

func TestGroup_FailureCancelsOthers(t *testing.T) {
	g := NewGroup(nil)
	boom := errors.New("boom")
	stopped := make(chan struct{})

	g.Add("waiter", func(ctx context.Context) error {
		<-ctx.Done()
		close(stopped)
		return nil
	})
	g.Add("failer", func(ctx context.Context) error { return boom })

	err := g.Run(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	select {
	case <-stopped:
	default:
		t.Fatalf("sibling task was not cancelled")
	}
}

func TestGroup_StopsOnCancel(t *testing.T) {
	g := NewGroup(nil)
	for _, name := range []string{"a", "b"} {
		g.Add(name, func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		})
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	if err := g.Run(ctx); err != nil {
		t.Fatalf("expected clean stop, got %v", err)
	}
}

func TestRestarting(t *testing.T) {
	noSleep := func(context.Context, time.Duration) error { return nil }
	var calls atomic.Int32

	task := Restarting(retry.Policy{MaxAttempts: 3, Sleep: noSleep}, nil, "flaky", func(ctx context.Context) error {
		if calls.Add(1) < 3 {
			return errors.New("transport lost")
		}
		return nil
	})
	if err := task(context.Background()); err != nil {
		t.Fatalf("expected recovery, got %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 runs, got %d", calls.Load())
	}

	calls.Store(0)
	always := Restarting(retry.Policy{MaxAttempts: 2, Sleep: noSleep}, nil, "broken", func(ctx context.Context) error {
		calls.Add(1)
		return errors.New("down")
	})
	if err := always(context.Background()); err == nil {
		t.Fatalf("expected error once restarts are exhausted")
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 runs, got %d", calls.Load())
	}
}
