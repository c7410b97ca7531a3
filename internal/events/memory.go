package events

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrBusClosed = errors.New("bus closed")

// MemoryBus is an in-process Bus. Handler failures put the event back at the
// tail of its queue, so delivery is at-least-once and may reorder.
type MemoryBus struct {
	mu         sync.Mutex
	queues     map[string][]Event
	wake       map[string]chan struct{}
	duplicates bool
	closed     bool
	redeliver  time.Duration
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		queues:    make(map[string][]Event),
		wake:      make(map[string]chan struct{}),
		redeliver: 50 * time.Millisecond,
	}
}

// DeliverTwice makes every subsequent Publish enqueue the event twice.
func (b *MemoryBus) DeliverTwice(on bool) {
	b.mu.Lock()
	b.duplicates = on
	b.mu.Unlock()
}

func (b *MemoryBus) Publish(ctx context.Context, queue string, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}
	b.queues[queue] = append(b.queues[queue], ev)
	if b.duplicates {
		b.queues[queue] = append(b.queues[queue], ev)
	}
	b.signal(queue)
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, queue string, h Handler) error {
	wake := b.wakeChan(queue)
	for {
		ev, ok, err := b.pop(queue)
		if errors.Is(err, ErrBusClosed) {
			return nil
		}
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-wake:
				continue
			}
		}
		if err := h(ctx, ev); err != nil {
			b.requeue(queue, ev)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(b.redeliver):
			}
		}
	}
}

// Drain synchronously hands every event currently queued on queue to h and
// returns how many were acknowledged. A failing event is put back and its
// error returned.
func (b *MemoryBus) Drain(ctx context.Context, queue string, h Handler) (int, error) {
	n := 0
	for {
		ev, ok, err := b.pop(queue)
		if err != nil {
			return n, err
		}
		if !ok {
			return n, nil
		}
		if err := h(ctx, ev); err != nil {
			b.requeue(queue, ev)
			return n, err
		}
		n++
	}
}

// Pending returns the number of undelivered events on queue.
func (b *MemoryBus) Pending(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues[queue])
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for q := range b.wake {
		b.signal(q)
	}
	return nil
}

func (b *MemoryBus) pop(queue string) (Event, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return Event{}, false, ErrBusClosed
	}
	q := b.queues[queue]
	if len(q) == 0 {
		return Event{}, false, nil
	}
	ev := q[0]
	b.queues[queue] = q[1:]
	return ev, true, nil
}

func (b *MemoryBus) requeue(queue string, ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queues[queue] = append(b.queues[queue], ev)
}

func (b *MemoryBus) wakeChan(queue string) chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.wake[queue]
	if !ok {
		ch = make(chan struct{}, 1)
		b.wake[queue] = ch
	}
	return ch
}

// signal must be called with mu held.
func (b *MemoryBus) signal(queue string) {
	ch, ok := b.wake[queue]
	if !ok {
		ch = make(chan struct{}, 1)
		b.wake[queue] = ch
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}
