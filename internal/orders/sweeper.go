package orders

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// SweepExpired fails pending orders whose saga has not settled within the
// configured deadline, refunding payments that already went through.
func (m *Machine) SweepExpired(ctx context.Context) (int, error) {
	if m.cfg.Deadline <= 0 {
		return 0, nil
	}
	before := m.now().Add(-m.cfg.Deadline)

	var changes []Change
	err := m.store.InTx(ctx, func(tx Tx) error {
		stale, err := tx.StaleOrders(ctx, before, m.cfg.SweepBatch)
		if err != nil {
			return err
		}
		for _, o := range stale {
			s := &step{ctx: ctx, tx: tx, order: o, m: m}
			if err := m.fail(s, ReasonDeadline); err != nil {
				return err
			}
			changes = append(changes, s.changes...)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	m.notify(ctx, changes)
	return len(changes), nil
}

// RunSweeper calls SweepExpired every interval until ctx is done.
func (m *Machine) RunSweeper(ctx context.Context, interval time.Duration) error {
	if m.cfg.Deadline <= 0 || interval <= 0 {
		<-ctx.Done()
		return nil
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			n, err := m.SweepExpired(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				m.log.Error("deadline sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				m.log.Warn("orders failed by deadline", zap.Int("count", n))
			}
		}
	}
}
