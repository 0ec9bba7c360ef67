package dispatch

import (
	"context"
	"log/slog"
	"time"
)

// Sequential evaluates items one at a time on the calling goroutine.
type Sequential struct {
	lifecycle

	cfg      Config
	fn       Func
	initData Item
}

// NewSequential creates the reference backend. init runs once here.
func NewSequential(cfg Config, fn Func, init InitFunc) (*Sequential, error) {
	cfg = cfg.withDefaults()
	cfg.Type = TypeSequential

	initData, err := runInit(init)
	if err != nil {
		return nil, err
	}
	s := &Sequential{cfg: cfg, fn: fn, initData: initData}
	s.activate()
	return s, nil
}

// Name returns the backend tag.
func (s *Sequential) Name() string { return TypeSequential }

// SubmitBatch evaluates the batch in submission order. Timeout is ignored
// because evaluation happens on the caller's goroutine; use ctx instead.
func (s *Sequential) SubmitBatch(ctx context.Context, items []Item, opts Options) ([]Result, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if err := s.begin(); err != nil {
		return nil, err
	}
	defer s.end()

	start := time.Now()
	defer s.cfg.Metrics.observeBatch(TypeSequential, start)

	batch := privateCopy(items)
	s.cfg.Metrics.addItems(TypeSequential, len(batch))
	prog := newProgress(opts.Progress, TypeSequential, len(batch))

	out := make([]Result, 0, len(batch))
	for i, it := range batch {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		value, err := invoke(ctx, s.fn, it, s.initData)
		for attempt := 1; err != nil && opts.RetryFailures && !opts.HardError && retryable(err, attempt, s.cfg.MaxAttempts); attempt++ {
			s.cfg.Metrics.addFailure(TypeSequential)
			s.cfg.Metrics.addRetries(TypeSequential, 1)
			value, err = invoke(ctx, s.fn, it, s.initData)
		}
		if err != nil {
			s.cfg.Metrics.addFailure(TypeSequential)
			if opts.HardError {
				return nil, err
			}
			slog.Warn("Item failed", "backend", TypeSequential, "index", i, "error", err)
			out = append(out, Result{Item: it, Err: err})
		} else {
			out = append(out, Result{Item: it, Outcome: value})
		}
		prog.update(i+1, func() []Item { return batch[i+1:] })
	}
	return out, nil
}

// Shutdown marks the backend closed.
func (s *Sequential) Shutdown() error {
	return s.shutdown(nil)
}
