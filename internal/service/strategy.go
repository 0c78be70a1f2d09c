package service

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/unclebandit/mailfleet-backend/internal/model"
)

// StrategyName selects how a dispatch run schedules its sends.
type StrategyName string

const (
	// StrategyPerIdentity runs one worker per identity, each bounded by its
	// own semaphore.
	StrategyPerIdentity StrategyName = "per_identity"
	// StrategyPool feeds every identity's wave into one shared worker pool.
	StrategyPool StrategyName = "pool"
)

type dispatchStrategy interface {
	execute(ctx context.Context, d *Dispatcher, run *dispatchRun)
}

func strategyFor(name StrategyName) (dispatchStrategy, error) {
	switch name {
	case StrategyPerIdentity:
		return perIdentityStrategy{}, nil
	case StrategyPool:
		return poolStrategy{}, nil
	}
	return nil, fmt.Errorf("unknown dispatch strategy %q", name)
}

// ParseStrategy validates a strategy name coming from a request or job.
func ParseStrategy(s string) (StrategyName, error) {
	if s == "" {
		return "", nil
	}
	if _, err := strategyFor(StrategyName(s)); err != nil {
		return "", err
	}
	return StrategyName(s), nil
}

type perIdentityStrategy struct{}

func (perIdentityStrategy) execute(ctx context.Context, d *Dispatcher, run *dispatchRun) {
	limit := int64(d.Config.PerIdentityConcurrency)
	if limit <= 0 {
		limit = 100
	}

	var g errgroup.Group
	for _, id := range run.order {
		ir := run.identities[id]
		g.Go(func() error {
			sem := semaphore.NewWeighted(limit)
			for wave, items := range ir.waves {
				if ir.haltedStatus() != "" {
					break
				}
				if wave > 0 {
					if err := d.Sleep(ctx, d.Config.PerBatchDelay); err != nil {
						break
					}
				}
				if run.pause.check(ctx) {
					break
				}
				var wg errgroup.Group
				for _, item := range items {
					item := item
					if err := sem.Acquire(ctx, 1); err != nil {
						break
					}
					wg.Go(func() error {
						defer sem.Release(1)
						run.record(d.sendOne(ctx, run, ir, item))
						return nil
					})
				}
				_ = wg.Wait()
			}
			return nil
		})
	}
	_ = g.Wait()
}

type poolStrategy struct{}

type poolTask struct {
	ir   *identityRun
	item model.WorkItem
}

func (poolStrategy) execute(ctx context.Context, d *Dispatcher, run *dispatchRun) {
	workers := d.Config.PoolWorkers
	if workers <= 0 {
		workers = 200
	}

	waves := map[int][]poolTask{}
	for _, id := range run.order {
		ir := run.identities[id]
		for _, items := range ir.waves {
			for _, item := range items {
				b := item.Assignment.BatchNumber
				waves[b] = append(waves[b], poolTask{ir: ir, item: item})
			}
		}
	}
	batches := make([]int, 0, len(waves))
	for b := range waves {
		batches = append(batches, b)
	}
	sort.Ints(batches)

	for i, b := range batches {
		if i > 0 {
			if err := d.Sleep(ctx, d.Config.PerBatchDelay); err != nil {
				return
			}
		}
		if run.pause.check(ctx) {
			return
		}
		var g errgroup.Group
		g.SetLimit(workers)
		for _, w := range waves[b] {
			w := w
			if ctx.Err() != nil {
				break
			}
			g.Go(func() error {
				run.record(d.sendOne(ctx, run, w.ir, w.item))
				return nil
			})
		}
		_ = g.Wait()
	}
}
