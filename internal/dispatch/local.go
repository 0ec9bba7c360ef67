package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/kasmith/coep/internal/errdefs"
)

// task is one queued unit of a batch. seq identifies the batch so results of
// an aborted batch can never leak into the next one.
type task struct {
	seq      uint64
	index    int
	attempts int
	item     Item
}

type taskResult struct {
	task
	value any
	err   error
}

// inputQueue is the shared work queue. Workers block on cond until work
// arrives or the queue is stopped.
type inputQueue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	tasks   []task
	stopped bool
}

func newInputQueue() *inputQueue {
	q := &inputQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *inputQueue) push(tasks ...task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return
	}
	q.tasks = append(q.tasks, tasks...)
	q.cond.Broadcast()
}

// pop blocks until a task is available. It returns false once stopped.
func (q *inputQueue) pop() (task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.tasks) == 0 && !q.stopped {
		q.cond.Wait()
	}
	if q.stopped {
		return task{}, false
	}
	t := q.tasks[0]
	q.tasks[0] = task{}
	q.tasks = q.tasks[1:]
	return t, true
}

// purge drops every queued task of batch seq.
func (q *inputQueue) purge(seq uint64) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.tasks[:0]
	dropped := 0
	for _, t := range q.tasks {
		if t.seq == seq {
			dropped++
			continue
		}
		kept = append(kept, t)
	}
	q.tasks = kept
	return dropped
}

func (q *inputQueue) stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.stopped = true
	q.tasks = nil
	q.cond.Broadcast()
}

// resultQueue is a mutex-guarded FIFO. The output and error queues are
// separate instances so the success path never waits on the failure path.
type resultQueue struct {
	mu      sync.Mutex
	results []taskResult
}

func (q *resultQueue) push(r taskResult) {
	q.mu.Lock()
	q.results = append(q.results, r)
	q.mu.Unlock()
}

func (q *resultQueue) drain() []taskResult {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.results
	q.results = nil
	return out
}

// Local is the persistent worker-pool backend.
type Local struct {
	lifecycle

	cfg  Config
	fn   Func
	in   *inputQueue
	out  resultQueue
	errq resultQueue

	seq    uint64
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewLocal starts cfg.Workers workers. Each worker runs init once before
// taking work; construction fails if any initialization fails.
func NewLocal(cfg Config, fn Func, init InitFunc) (*Local, error) {
	cfg = cfg.withDefaults()
	cfg.Type = TypeLocal

	ctx, cancel := context.WithCancel(context.Background())
	l := &Local{
		cfg:    cfg,
		fn:     fn,
		in:     newInputQueue(),
		ctx:    ctx,
		cancel: cancel,
	}

	started := make(chan error, cfg.Workers)
	for id := 0; id < cfg.Workers; id++ {
		l.wg.Add(1)
		go l.worker(id, init, started)
	}

	var initErrs []error
	for i := 0; i < cfg.Workers; i++ {
		if err := <-started; err != nil {
			initErrs = append(initErrs, err)
		}
	}
	if len(initErrs) > 0 {
		l.in.stop()
		l.wg.Wait()
		cancel()
		return nil, errors.Join(initErrs...)
	}

	l.activate()
	slog.Debug("Local backend started", "workers", cfg.Workers, "poll_interval", cfg.PollInterval)
	return l, nil
}

// Name returns the backend tag.
func (l *Local) Name() string { return TypeLocal }

func (l *Local) worker(id int, init InitFunc, started chan<- error) {
	defer l.wg.Done()

	initData, err := runInit(init)
	started <- err
	if err != nil {
		slog.Error("Worker initialization failed", "worker", id, "error", err)
		return
	}

	for {
		t, ok := l.in.pop()
		if !ok {
			slog.Debug("Worker stopped", "worker", id)
			return
		}
		value, err := invoke(l.ctx, l.fn, t.item, initData)
		if err != nil {
			l.errq.push(taskResult{task: t, err: err})
			continue
		}
		l.out.push(taskResult{task: t, value: value})
	}
}

// SubmitBatch enqueues the batch and polls the result queues until every
// item is accounted for, a hard error aborts, or the timeout expires.
func (l *Local) SubmitBatch(ctx context.Context, items []Item, opts Options) ([]Result, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if err := l.begin(); err != nil {
		return nil, err
	}
	defer l.end()

	start := time.Now()
	defer l.cfg.Metrics.observeBatch(TypeLocal, start)

	batch := privateCopy(items)
	n := len(batch)
	if n == 0 {
		return []Result{}, nil
	}

	l.seq++
	seq := l.seq
	tasks := make([]task, n)
	for i, it := range batch {
		tasks[i] = task{seq: seq, index: i, attempts: 1, item: it}
	}
	l.in.push(tasks...)
	l.cfg.Metrics.addItems(TypeLocal, n)

	results := make([]*Result, n)
	done := 0
	var hardErr error
	prog := newProgress(opts.Progress, TypeLocal, n)
	remaining := func() []Item {
		var rest []Item
		for i, r := range results {
			if r == nil {
				rest = append(rest, batch[i])
			}
		}
		return rest
	}

	collect := func(context.Context) (bool, error) {
		if l.State() != StateActive {
			return false, errdefs.ErrBackendShutdown
		}
		for _, r := range l.out.drain() {
			if r.seq != seq || results[r.index] != nil {
				continue
			}
			results[r.index] = &Result{Item: batch[r.index], Outcome: r.value}
			done++
		}
		for _, r := range l.errq.drain() {
			if r.seq != seq || results[r.index] != nil {
				continue
			}
			l.cfg.Metrics.addFailure(TypeLocal)
			if opts.HardError {
				hardErr = r.err
				return false, r.err
			}
			if opts.RetryFailures && retryable(r.err, r.attempts, l.cfg.MaxAttempts) {
				slog.Debug("Retrying failed item", "attempt", r.attempts+1, "error", r.err)
				next := r.task
				next.attempts++
				l.in.push(next)
				l.cfg.Metrics.addRetries(TypeLocal, 1)
				continue
			}
			slog.Warn("Item failed", "backend", TypeLocal, "error", r.err)
			results[r.index] = &Result{Item: batch[r.index], Err: r.err}
			done++
		}
		prog.update(done, remaining)
		return done == n, nil
	}

	err := l.poll(ctx, opts.Timeout, collect)
	if err != nil {
		l.in.purge(seq)
		switch {
		case hardErr != nil:
			return nil, hardErr
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case wait.Interrupted(err):
			terr := &errdefs.DispatchTimeoutError{Pending: n - done, Timeout: opts.Timeout}
			if opts.HardError {
				return nil, terr
			}
			slog.Warn("Batch timed out", "backend", TypeLocal, "pending", n-done, "timeout", opts.Timeout)
			for i, r := range results {
				if r == nil {
					results[i] = &Result{Item: batch[i], Err: terr}
				}
			}
		default:
			return nil, fmt.Errorf("waiting for batch: %w", err)
		}
	}

	out := make([]Result, 0, n)
	for _, r := range results {
		out = append(out, *r)
	}
	return out, nil
}

func (l *Local) poll(ctx context.Context, timeout time.Duration, cond wait.ConditionWithContextFunc) error {
	if timeout > 0 {
		return wait.PollUntilContextTimeout(ctx, l.cfg.PollInterval, timeout, true, cond)
	}
	return wait.PollUntilContextCancel(ctx, l.cfg.PollInterval, true, cond)
}

// Shutdown stops the workers. Items already running finish; queued items
// are dropped.
func (l *Local) Shutdown() error {
	return l.shutdown(func() error {
		l.in.stop()
		l.wg.Wait()
		l.cancel()
		slog.Debug("Local backend closed", "workers", l.cfg.Workers)
		return nil
	})
}
