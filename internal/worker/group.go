// Package worker runs the long-lived tasks of a service under one context.
package worker

import (
	"context"
	"fmt"

	"github.com/ariefcatur/saga-orders/internal/retry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Task func(ctx context.Context) error

type named struct {
	name string
	run  Task
}

// Group starts every task when Run is called. The first task to fail cancels
// the others and its error is returned from Run.
type Group struct {
	tasks []named
	log   *zap.Logger
}

func NewGroup(log *zap.Logger) *Group {
	if log == nil {
		log = zap.NewNop()
	}
	return &Group{log: log}
}

func (g *Group) Add(name string, t Task) {
	g.tasks = append(g.tasks, named{name: name, run: t})
}

func (g *Group) Len() int { return len(g.tasks) }

func (g *Group) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	for _, t := range g.tasks {
		eg.Go(func() error {
			g.log.Info("task started", zap.String("task", t.name))
			err := t.run(ctx)
			if err != nil && ctx.Err() == nil {
				g.log.Error("task failed", zap.String("task", t.name), zap.Error(err))
				return fmt.Errorf("%s: %w", t.name, err)
			}
			g.log.Info("task stopped", zap.String("task", t.name))
			return nil
		})
	}
	return eg.Wait()
}

// Restarting reruns t after a failure, backing off per policy, and gives up
// once policy is exhausted. A restart resubscribes, so the broker redelivers
// whatever was not acknowledged.
func Restarting(policy retry.Policy, log *zap.Logger, name string, t Task) Task {
	if log == nil {
		log = zap.NewNop()
	}
	return func(ctx context.Context) error {
		restarts := 0
		return policy.Do(ctx, func() error {
			if restarts > 0 {
				log.Warn("restarting task", zap.String("task", name), zap.Int("restart", restarts))
			}
			restarts++
			err := t(ctx)
			if ctx.Err() != nil {
				return nil
			}
			return err
		})
	}
}
