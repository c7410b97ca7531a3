package redisx

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Ledger is the Redis fast path in front of the transactional inbox.
type Ledger struct {
	rdb redis.Cmdable
}

func NewLedger(rdb redis.Cmdable) *Ledger {
	return &Ledger{rdb: rdb}
}

func (l *Ledger) Seen(ctx context.Context, consumer, eventID string) (bool, error) {
	return Exists(ctx, l.rdb, fmt.Sprintf(KeyDedup, consumer, eventID))
}

func (l *Ledger) Mark(ctx context.Context, consumer, eventID string) error {
	return l.rdb.Set(ctx, fmt.Sprintf(KeyDedup, consumer, eventID), 1, TTLDedup).Err()
}

// Idempotency maps client idempotency keys of order creation to order IDs.
type Idempotency struct {
	rdb redis.Cmdable
}

func NewIdempotency(rdb redis.Cmdable) *Idempotency {
	return &Idempotency{rdb: rdb}
}

// Lookup returns the order created earlier under key.
func (i *Idempotency) Lookup(ctx context.Context, key string) (int64, bool, error) {
	id, err := i.rdb.Get(ctx, fmt.Sprintf(KeyIdemOrderCreate, key)).Int64()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

// Remember stores orderID under key unless another request already did.
func (i *Idempotency) Remember(ctx context.Context, key string, orderID int64) error {
	return i.rdb.SetNX(ctx, fmt.Sprintf(KeyIdemOrderCreate, key), orderID, TTLIdempotency).Err()
}
