// Package controller binds one objective processor to one optimizer and
// forwards every evaluation and every optimizer iteration to an optional
// persistence sink and to event subscribers.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/kasmith/coep/internal/dispatch"
	"github.com/kasmith/coep/internal/objective"
	"github.com/kasmith/coep/internal/opt"
)

// Processor is the part of objective.Processor the controller drives.
type Processor interface {
	ProcessAll(ctx context.Context, params []float64, opts dispatch.Options) ([]objective.Processed, error)
	CalculateObjective(processed []objective.Processed, aux map[string]any) (float64, error)
}

// EvaluationRecord describes one full dispatch cycle.
type EvaluationRecord struct {
	Call       int
	Parameters []float64
	Processed  []objective.Processed
	Objective  float64
	Runtime    time.Duration
}

// IterationRecord is one optimizer-level callback. One iteration may span
// several evaluations.
type IterationRecord struct {
	Iteration  int
	Parameters []float64
	Value      float64
}

// Sink receives the append-only history of a run.
type Sink interface {
	BeginRun(x0 []float64, options map[string]any) error
	RecordEvaluation(EvaluationRecord) error
	RecordIteration(IterationRecord) error
	EndRun(*opt.Result) error
}

// Option configures a Controller.
type Option func(*Controller)

// WithSink records evaluations and iterations into sink.
func WithSink(sink Sink) Option {
	return func(c *Controller) { c.sink = sink }
}

// WithDispatchOptions sets the options used for every batch.
func WithDispatchOptions(opts dispatch.Options) Option {
	return func(c *Controller) { c.dispatchOpts = opts }
}

// WithAuxObjectiveParams passes aux to the reducer on every evaluation.
func WithAuxObjectiveParams(aux map[string]any) Option {
	return func(c *Controller) { c.aux = aux }
}

// WithPostStep runs fn after every evaluation has been recorded.
func WithPostStep(fn func(EvaluationRecord)) Option {
	return func(c *Controller) { c.postStep = fn }
}

// Controller runs optimizations over a processor.
type Controller struct {
	proc      Processor
	optimizer opt.Optimizer

	sink         Sink
	dispatchOpts dispatch.Options
	aux          map[string]any
	postStep     func(EvaluationRecord)
	events       *EventBroadcaster

	mu          sync.Mutex
	evaluations int
	iterations  int
	sinkErr     error
}

// New creates a controller. optimizer may be nil when only Evaluate is used.
func New(proc Processor, optimizer opt.Optimizer, opts ...Option) (*Controller, error) {
	if proc == nil {
		return nil, fmt.Errorf("processor cannot be nil")
	}
	c := &Controller{
		proc:      proc,
		optimizer: optimizer,
		events:    NewEventBroadcaster(),
	}
	for _, o := range opts {
		o(c)
	}
	if err := c.dispatchOpts.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Subscribe returns a channel of progress events.
func (c *Controller) Subscribe() chan Event { return c.events.Subscribe() }

// Unsubscribe stops delivery to ch and closes it.
func (c *Controller) Unsubscribe(ch chan Event) { c.events.Unsubscribe(ch) }

// Evaluate runs one dispatch cycle at x and returns the objective value.
func (c *Controller) Evaluate(ctx context.Context, x []float64) (float64, error) {
	start := time.Now()
	processed, err := c.proc.ProcessAll(ctx, x, c.dispatchOpts)
	if err != nil {
		return 0, err
	}
	value, err := c.proc.CalculateObjective(processed, c.aux)
	if err != nil {
		return 0, err
	}
	runtime := time.Since(start)

	c.mu.Lock()
	c.evaluations++
	call := c.evaluations
	c.mu.Unlock()

	rec := EvaluationRecord{
		Call:       call,
		Parameters: slices.Clone(x),
		Processed:  processed,
		Objective:  value,
		Runtime:    runtime,
	}
	if c.sink != nil {
		if err := c.sink.RecordEvaluation(rec); err != nil {
			return 0, fmt.Errorf("failed to record evaluation %d: %w", call, err)
		}
	}
	if c.postStep != nil {
		c.postStep(rec)
	}

	slog.Debug("Evaluation complete", "call", call, "objective", value, "runtime", runtime)
	c.events.Broadcast(Event{
		Type:       EventEvaluation,
		Sequence:   call,
		Parameters: rec.Parameters,
		Value:      value,
		Runtime:    runtime.Seconds(),
		Timestamp:  time.Now(),
	})
	return value, nil
}

// iterate forwards one optimizer callback.
func (c *Controller) iterate(x []float64, value float64) {
	c.mu.Lock()
	c.iterations++
	iteration := c.iterations
	c.mu.Unlock()

	if c.sink != nil {
		err := c.sink.RecordIteration(IterationRecord{Iteration: iteration, Parameters: x, Value: value})
		if err != nil {
			slog.Error("Failed to record solver iteration", "iteration", iteration, "error", err)
			c.mu.Lock()
			if c.sinkErr == nil {
				c.sinkErr = fmt.Errorf("failed to record iteration %d: %w", iteration, err)
			}
			c.mu.Unlock()
		}
	}

	c.events.Broadcast(Event{
		Type:       EventIteration,
		Sequence:   iteration,
		Parameters: x,
		Value:      value,
		Timestamp:  time.Now(),
	})
}

// Optimize runs the optimizer from x0. options is recorded with the run.
func (c *Controller) Optimize(ctx context.Context, x0 []float64, options map[string]any) (*opt.Result, error) {
	if c.optimizer == nil {
		return nil, fmt.Errorf("no optimizer configured")
	}

	c.mu.Lock()
	c.evaluations = 0
	c.iterations = 0
	c.sinkErr = nil
	c.mu.Unlock()

	if c.sink != nil {
		if err := c.sink.BeginRun(slices.Clone(x0), options); err != nil {
			return nil, fmt.Errorf("failed to begin run: %w", err)
		}
	}

	slog.Info("Starting optimization", "optimizer", c.optimizer.Name(), "parameters", len(x0))
	c.events.Broadcast(Event{Type: EventRunStarted, Parameters: slices.Clone(x0), Timestamp: time.Now()})

	start := time.Now()
	result, err := c.optimizer.Minimize(ctx, c.Evaluate, x0, c.iterate)
	if err != nil {
		slog.Error("Optimization failed", "optimizer", c.optimizer.Name(), "error", err)
		c.events.Broadcast(Event{Type: EventRunFailed, Timestamp: time.Now(), Error: err.Error()})
		return nil, err
	}

	slog.Info("Optimization complete",
		"optimizer", c.optimizer.Name(),
		"objective", result.Fun,
		"iterations", result.Iterations,
		"evaluations", result.Evaluations,
		"reason", result.Reason,
		"elapsed", time.Since(start),
	)
	c.events.Broadcast(Event{
		Type:       EventRunFinished,
		Sequence:   result.Iterations,
		Parameters: result.X,
		Value:      result.Fun,
		Timestamp:  time.Now(),
	})

	var errs []error
	c.mu.Lock()
	errs = append(errs, c.sinkErr)
	c.mu.Unlock()
	if c.sink != nil {
		if err := c.sink.EndRun(result); err != nil {
			errs = append(errs, fmt.Errorf("failed to end run: %w", err))
		}
	}
	return result, errors.Join(errs...)
}

// Close releases subscribers.
func (c *Controller) Close() {
	c.events.Close()
}
