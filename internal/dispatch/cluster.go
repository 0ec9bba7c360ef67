package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kasmith/coep/internal/errdefs"
)

// Cluster submits every item as an independent task to a Scheduler and
// resubmits only the items that are still unresolved after each wait.
type Cluster struct {
	lifecycle

	cfg       Config
	fn        Func
	initData  Item
	sched     Scheduler
	ownsSched bool
}

// NewCluster creates a cluster backend. init runs once here; its result
// is merged into every task's item.
func NewCluster(cfg Config, fn Func, init InitFunc) (*Cluster, error) {
	cfg = cfg.withDefaults()
	cfg.Type = TypeCluster

	initData, err := runInit(init)
	if err != nil {
		return nil, err
	}

	c := &Cluster{
		cfg:      cfg,
		fn:       fn,
		initData: initData,
		sched:    cfg.Scheduler,
	}
	if c.sched == nil {
		c.sched = NewLocalScheduler(cfg.Workers)
		c.ownsSched = true
	}

	c.activate()
	slog.Debug("Cluster backend started", "owns_scheduler", c.ownsSched, "max_attempts", cfg.MaxAttempts)
	return c, nil
}

// Name returns the backend tag.
func (c *Cluster) Name() string { return TypeCluster }

func (c *Cluster) run(ctx context.Context, item Item) (any, error) {
	return invoke(ctx, c.fn, item, c.initData)
}

type failedItem struct {
	item Item
	err  error
}

// SubmitBatch runs the submit / wait / classify / resubmit cycle until no
// item is outstanding.
func (c *Cluster) SubmitBatch(ctx context.Context, items []Item, opts Options) ([]Result, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if err := c.begin(); err != nil {
		return nil, err
	}
	defer c.end()

	start := time.Now()
	defer c.cfg.Metrics.observeBatch(TypeCluster, start)

	batch := privateCopy(items)
	n := len(batch)
	resolved := make([]Result, 0, n)
	if n == 0 {
		return resolved, nil
	}

	// settled counts items by value that are resolved or permanently
	// dropped; the next round submits batch minus settled. Every unsettled
	// occurrence is submitted each round, so attempts counts rounds per
	// value and equals the attempts of each of its occurrences.
	settled := make(map[string]int)
	attempts := make(map[string]int)
	prog := newProgress(opts.Progress, TypeCluster, n)

	toSubmit := batch
	for round := 1; len(toSubmit) > 0; round++ {
		if c.State() != StateActive {
			return nil, errdefs.ErrBackendShutdown
		}

		ids := make([]TaskID, 0, len(toSubmit))
		submitted := make(map[TaskID]Item, len(toSubmit))
		counted := make(map[string]bool, len(toSubmit))
		for _, it := range toSubmit {
			id, err := c.sched.Submit(ctx, c.run, it)
			if err != nil {
				c.cancelAll(ids)
				return nil, fmt.Errorf("submitting task: %w", err)
			}
			if key := it.Key(); !counted[key] {
				counted[key] = true
				attempts[key]++
			}
			ids = append(ids, id)
			submitted[id] = it
		}
		c.cfg.Metrics.addItems(TypeCluster, len(toSubmit))
		if round > 1 {
			c.cfg.Metrics.addRetries(TypeCluster, len(toSubmit))
		}

		if err := c.sched.Wait(ctx, ids, opts.Timeout); err != nil {
			c.cancelAll(ids)
			return nil, err
		}

		var (
			failed  []failedItem
			pending []TaskID
		)
		for _, id := range ids {
			it := submitted[id]
			if c.sched.Status(id) == TaskPending {
				pending = append(pending, id)
				continue
			}
			value, err := c.sched.Result(id)
			if err == nil {
				if verr, ok := value.(error); ok {
					err = verr
				}
			}
			if err != nil {
				var ee *errdefs.EvaluationError
				if !errors.As(err, &ee) {
					err = &errdefs.EvaluationError{Item: it, Err: err}
				}
				c.cfg.Metrics.addFailure(TypeCluster)
				failed = append(failed, failedItem{item: it, err: err})
				continue
			}
			resolved = append(resolved, Result{Item: it, Outcome: value})
			settled[it.Key()]++
		}
		prog.update(len(resolved), func() []Item { return difference(batch, settled) })

		if len(failed) == 0 && len(pending) == 0 {
			break
		}

		c.cancelAll(pending)
		timeoutErr := &errdefs.DispatchTimeoutError{Pending: len(pending), Timeout: opts.Timeout}

		if opts.HardError {
			if len(failed) > 0 {
				return nil, failed[0].err
			}
			return nil, timeoutErr
		}

		if !opts.RetryFailures {
			slog.Warn("Returning partial batch",
				"backend", TypeCluster,
				"resolved", len(resolved),
				"failed", len(failed),
				"pending", len(pending),
			)
			break
		}

		for _, f := range failed {
			key := f.item.Key()
			if !retryable(f.err, attempts[key], c.cfg.MaxAttempts) {
				slog.Warn("Dropping item after non-retryable failure", "attempts", attempts[key], "error", f.err)
				settled[key]++
			}
		}
		for _, id := range pending {
			key := submitted[id].Key()
			if attempts[key] >= c.cfg.MaxAttempts {
				slog.Warn("Dropping item still pending after final attempt", "attempts", attempts[key], "error", timeoutErr)
				settled[key]++
			}
		}

		toSubmit = difference(batch, settled)
		slog.Debug("Resubmitting unresolved items", "round", round+1, "count", len(toSubmit))
	}

	return resolved, nil
}

func (c *Cluster) cancelAll(ids []TaskID) {
	for _, id := range ids {
		c.sched.Cancel(id)
	}
}

// difference returns the items of batch left after removing settled
// occurrences, comparing by value. Duplicated items are treated as a
// multiset.
func difference(batch []Item, settled map[string]int) []Item {
	need := make(map[string]int, len(settled))
	for k, v := range settled {
		need[k] = v
	}
	var rest []Item
	for _, it := range batch {
		key := it.Key()
		if need[key] > 0 {
			need[key]--
			continue
		}
		rest = append(rest, it)
	}
	return rest
}

// Shutdown closes the scheduler when the backend created it.
func (c *Cluster) Shutdown() error {
	return c.shutdown(func() error {
		if !c.ownsSched {
			return nil
		}
		if err := c.sched.Close(); err != nil {
			return fmt.Errorf("closing scheduler: %w", err)
		}
		slog.Debug("Cluster backend closed")
		return nil
	})
}
