// Package executor runs a batch of work items in parallel under a
// concurrency bound. It reports raw outcomes and interprets nothing:
// classification and retry policy are layered on top by the scheduler.
package executor

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/hayashi-ek/epicrun/internal/model"
)

// Outcome is the raw result of one unit-of-work invocation. Kind is an
// optional pre-classified failure kind supplied by units that already
// know why they failed (a nested run carries its recorded kind up);
// the executor treats it as opaque. Empty means classify from Output.
type Outcome struct {
	ItemID   string
	Success  bool
	Output   string
	TimedOut bool
	Kind     string
}

// UnitOfWork performs the actual work for one item. Implementations must
// be safe to re-invoke on a failed item.
type UnitOfWork interface {
	Run(ctx context.Context, item model.WorkItem) Outcome
}

// UnitFunc adapts a function to UnitOfWork.
type UnitFunc func(ctx context.Context, item model.WorkItem) Outcome

func (f UnitFunc) Run(ctx context.Context, item model.WorkItem) Outcome {
	return f(ctx, item)
}

// Pool dispatches items concurrently, never exceeding MaxParallel live
// at once. MaxParallel <= 0 means unbounded. ItemTimeout wraps each
// invocation; 0 means none.
type Pool struct {
	MaxParallel int64
	ItemTimeout time.Duration
}

// Run launches every item and collects outcomes in item order. Once ctx
// is done, no further item is started; items already launched run to
// completion under their own timeout, detached from ctx, so a graceful
// shutdown lets the in-flight wave finish.
func (p *Pool) Run(ctx context.Context, items []model.WorkItem, unit UnitOfWork) []Outcome {
	outcomes := make([]Outcome, 0, len(items))
	if len(items) == 0 {
		return outcomes
	}

	var sem *semaphore.Weighted
	if p.MaxParallel > 0 {
		sem = semaphore.NewWeighted(p.MaxParallel)
	}

	results := make([]Outcome, len(items))
	started := make([]bool, len(items))
	var wg sync.WaitGroup

	for i, item := range items {
		if ctx.Err() != nil {
			break
		}
		if sem != nil {
			if err := sem.Acquire(ctx, 1); err != nil {
				break
			}
		}
		started[i] = true
		wg.Add(1)
		go func(i int, item model.WorkItem) {
			defer wg.Done()
			if sem != nil {
				defer sem.Release(1)
			}
			results[i] = p.runOne(ctx, item, unit)
		}(i, item)
	}

	wg.Wait()

	for i := range items {
		if started[i] {
			outcomes = append(outcomes, results[i])
		}
	}
	return outcomes
}

func (p *Pool) runOne(ctx context.Context, item model.WorkItem, unit UnitOfWork) Outcome {
	// Detach from the caller's cancellation: shutdown stops admission
	// only, it never cuts an item off mid-flight.
	itemCtx := context.WithoutCancel(ctx)
	if p.ItemTimeout > 0 {
		var cancel context.CancelFunc
		itemCtx, cancel = context.WithTimeout(itemCtx, p.ItemTimeout)
		defer cancel()
	}

	out := unit.Run(itemCtx, item)
	out.ItemID = item.ID
	if p.ItemTimeout > 0 && itemCtx.Err() == context.DeadlineExceeded {
		out.TimedOut = true
		out.Success = false
	}
	return out
}
