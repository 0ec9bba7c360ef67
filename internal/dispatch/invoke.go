package dispatch

import (
	"context"
	"fmt"

	"github.com/sourcegraph/conc/panics"

	"github.com/kasmith/coep/internal/errdefs"
)

// invoke runs fn on a copy of item merged with the worker's init data.
// Panics and error-valued outcomes become EvaluationErrors that carry the
// unmerged item.
func invoke(ctx context.Context, fn Func, item Item, initData Item) (outcome any, err error) {
	call := item
	if len(initData) > 0 {
		call = item.Clone()
		for k, v := range initData {
			call[k] = v
		}
	}

	var pc panics.Catcher
	pc.Try(func() {
		outcome, err = fn(ctx, call)
	})
	if r := pc.Recovered(); r != nil {
		return nil, &errdefs.EvaluationError{Item: item, Err: r.AsError()}
	}
	if err == nil {
		if oe, ok := outcome.(error); ok {
			err = oe
		}
	}
	if err != nil {
		return nil, &errdefs.EvaluationError{Item: item, Err: err}
	}
	return outcome, nil
}

// runInit executes the optional per-worker initialization.
func runInit(init InitFunc) (Item, error) {
	if init == nil {
		return nil, nil
	}
	var (
		data Item
		err  error
	)
	var pc panics.Catcher
	pc.Try(func() {
		data, err = init()
	})
	if r := pc.Recovered(); r != nil {
		return nil, fmt.Errorf("worker initialization panicked: %w", r.AsError())
	}
	if err != nil {
		return nil, fmt.Errorf("worker initialization failed: %w", err)
	}
	return data, nil
}

// retryable reports whether a failed item may be run again.
func retryable(err error, attempts, maxAttempts int) bool {
	return !errdefs.IsPermanent(err) && attempts < maxAttempts
}
