package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/ariefcatur/saga-orders/internal/events"
	"github.com/ariefcatur/saga-orders/internal/store"
	"go.uber.org/zap"
)

var _ store.OutboxSource = (*Store)(nil)

// PublishDue locks up to limit due outbox rows, skipping rows another relay
// holds, and marks the ones publish accepted. Rows after the first failure
// stay pending for the next run.
func (s *Store) PublishDue(ctx context.Context, now time.Time, limit int, publish func(context.Context, store.OutboxMessage) error) (int, error) {
	sent := 0
	var pubErr error
	err := s.inTx(ctx, func(tx *Tx) error {
		rows, err := tx.tx.QueryContext(ctx, `
			SELECT id, queue, payload, available_at
			FROM outbox
			WHERE published_at IS NULL AND available_at <= $1
			ORDER BY id
			LIMIT $2
			FOR UPDATE SKIP LOCKED`,
			now.UTC(), limit,
		)
		if err != nil {
			return err
		}

		var due []store.OutboxMessage
		for rows.Next() {
			var (
				msg     store.OutboxMessage
				payload []byte
			)
			if err := rows.Scan(&msg.ID, &msg.Queue, &payload, &msg.AvailableAt); err != nil {
				rows.Close()
				return err
			}
			ev, err := events.Decode(payload)
			if err != nil {
				// A row that cannot be decoded would block the relay forever.
				s.log.Error("dropping undecodable outbox row", zap.Int64("id", msg.ID), zap.Error(err))
				msg.Queue = ""
			}
			msg.Event = ev
			due = append(due, msg)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, msg := range due {
			if msg.Queue != "" {
				if err := publish(ctx, msg); err != nil {
					pubErr = err
					break
				}
				sent++
			}
			if _, err := tx.tx.ExecContext(ctx, `UPDATE outbox SET published_at = $1 WHERE id = $2`, now.UTC(), msg.ID); err != nil {
				return fmt.Errorf("mark outbox %d: %w", msg.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return sent, pubErr
}
