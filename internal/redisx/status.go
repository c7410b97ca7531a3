package redisx

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ariefcatur/saga-orders/internal/orders"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type StatusEntry struct {
	Status    orders.Status `json:"status"`
	Reason    string        `json:"reason,omitempty"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// StatusCache is an orders.StatusObserver. It caches the latest status per
// order, keeps a short saga history and publishes every change.
type StatusCache struct {
	rdb *redis.Client
	log *zap.Logger
}

func NewStatusCache(rdb *redis.Client, log *zap.Logger) *StatusCache {
	if log == nil {
		log = zap.NewNop()
	}
	return &StatusCache{rdb: rdb, log: log}
}

// OnStatusChange never fails the caller; the cache is best effort and
// readers fall back to the database.
func (c *StatusCache) OnStatusChange(ctx context.Context, ch orders.Change) {
	entry, _ := json.Marshal(StatusEntry{Status: ch.To, Reason: ch.Reason, UpdatedAt: ch.At})
	change, _ := json.Marshal(ch)

	pipe := c.rdb.TxPipeline()
	pipe.Set(ctx, fmt.Sprintf(KeyOrderStatus, ch.OrderID), entry, TTLStatusCache)
	pipe.LPush(ctx, fmt.Sprintf(KeySaga, ch.OrderID), change)
	pipe.Expire(ctx, fmt.Sprintf(KeySaga, ch.OrderID), TTLSaga)
	pipe.Publish(ctx, ChannelOrderStatus, change)
	if _, err := pipe.Exec(ctx); err != nil {
		c.log.Warn("status cache update failed", zap.Int64("order_id", ch.OrderID), zap.Error(err))
	}
}

// Get returns the cached status of orderID, if any.
func (c *StatusCache) Get(ctx context.Context, orderID int64) (StatusEntry, bool, error) {
	b, err := c.rdb.Get(ctx, fmt.Sprintf(KeyOrderStatus, orderID)).Bytes()
	if err == redis.Nil {
		return StatusEntry{}, false, nil
	}
	if err != nil {
		return StatusEntry{}, false, err
	}
	var e StatusEntry
	if err := json.Unmarshal(b, &e); err != nil {
		return StatusEntry{}, false, err
	}
	return e, true, nil
}

// History returns the recorded changes of orderID, oldest first.
func (c *StatusCache) History(ctx context.Context, orderID int64) ([]orders.Change, error) {
	raw, err := c.rdb.LRange(ctx, fmt.Sprintf(KeySaga, orderID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]orders.Change, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		var ch orders.Change
		if err := json.Unmarshal([]byte(raw[i]), &ch); err != nil {
			continue
		}
		out = append(out, ch)
	}
	return out, nil
}

// Subscribe calls fn for every change published by any service until ctx is
// done.
func (c *StatusCache) Subscribe(ctx context.Context, fn func(orders.Change)) error {
	sub := c.rdb.Subscribe(ctx, ChannelOrderStatus)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("subscribe %s: %w", ChannelOrderStatus, err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var change orders.Change
			if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
				c.log.Warn("bad status message", zap.Error(err))
				continue
			}
			fn(change)
		}
	}
}
