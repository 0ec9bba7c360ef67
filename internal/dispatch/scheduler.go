package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
)

// TaskID identifies a task submitted to a Scheduler.
type TaskID string

// TaskStatus classifies a submitted task after a wait.
type TaskStatus int

const (
	TaskPending TaskStatus = iota
	TaskFinished
	TaskErrored
)

func (s TaskStatus) String() string {
	switch s {
	case TaskPending:
		return "pending"
	case TaskFinished:
		return "finished"
	case TaskErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// ErrUnknownTask is returned for task IDs the scheduler never issued.
var ErrUnknownTask = errors.New("unknown task")

// Scheduler is the cluster backend's view of an external task scheduler.
// Implementations must be safe for concurrent use.
type Scheduler interface {
	// Submit starts fn(item) asynchronously.
	Submit(ctx context.Context, fn Func, item Item) (TaskID, error)

	// Wait blocks until every task is done or timeout expires (zero waits
	// indefinitely). Expiry is not an error: callers classify tasks with
	// Status afterwards. Wait returns ctx.Err() if ctx ends first.
	Wait(ctx context.Context, ids []TaskID, timeout time.Duration) error

	// Status reports whether the task is pending, finished or errored.
	Status(id TaskID) TaskStatus

	// Result returns the outcome of a task that is no longer pending.
	Result(id TaskID) (any, error)

	// Cancel releases a task. Its result, if any, is discarded.
	Cancel(id TaskID)

	// Close cancels outstanding tasks and waits for them to return.
	Close() error
}

type schedTask struct {
	done   chan struct{}
	cancel context.CancelFunc
	value  any
	err    error
}

// LocalScheduler runs each task on its own goroutine, at most concurrency
// at a time. It stands in for a real cluster in tests and single-host runs.
type LocalScheduler struct {
	mu     sync.Mutex
	tasks  map[TaskID]*schedTask
	sem    chan struct{}
	wg     conc.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	closed bool
}

// NewLocalScheduler creates an in-process scheduler.
func NewLocalScheduler(concurrency int) *LocalScheduler {
	if concurrency <= 0 {
		concurrency = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &LocalScheduler{
		tasks:  make(map[TaskID]*schedTask),
		sem:    make(chan struct{}, concurrency),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Submit starts the task.
func (s *LocalScheduler) Submit(ctx context.Context, fn Func, item Item) (TaskID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", fmt.Errorf("scheduler closed")
	}

	id := TaskID(uuid.NewString())
	taskCtx, cancel := context.WithCancel(s.ctx)
	t := &schedTask{done: make(chan struct{}), cancel: cancel}
	s.tasks[id] = t

	s.wg.Go(func() {
		defer close(t.done)
		defer cancel()

		select {
		case s.sem <- struct{}{}:
		case <-taskCtx.Done():
			t.err = taskCtx.Err()
			return
		}
		defer func() { <-s.sem }()

		t.value, t.err = fn(taskCtx, item)
	})
	return id, nil
}

// Wait blocks until all ids are done, the timeout expires or ctx ends.
func (s *LocalScheduler) Wait(ctx context.Context, ids []TaskID, timeout time.Duration) error {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for _, id := range ids {
		t := s.lookup(id)
		if t == nil {
			continue
		}
		select {
		case <-t.done:
		case <-expired:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Status classifies the task.
func (s *LocalScheduler) Status(id TaskID) TaskStatus {
	t := s.lookup(id)
	if t == nil {
		return TaskErrored
	}
	select {
	case <-t.done:
		if t.err != nil {
			return TaskErrored
		}
		return TaskFinished
	default:
		return TaskPending
	}
}

// Result returns the task outcome and forgets the task.
func (s *LocalScheduler) Result(id TaskID) (any, error) {
	t := s.lookup(id)
	if t == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	select {
	case <-t.done:
	default:
		return nil, fmt.Errorf("task %s still pending", id)
	}
	s.forget(id)
	return t.value, t.err
}

// Cancel cancels the task context and forgets the task.
func (s *LocalScheduler) Cancel(id TaskID) {
	if t := s.lookup(id); t != nil {
		t.cancel()
	}
	s.forget(id)
}

// Close cancels every outstanding task and waits for the goroutines.
func (s *LocalScheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()

	s.mu.Lock()
	s.tasks = make(map[TaskID]*schedTask)
	s.mu.Unlock()
	return nil
}

func (s *LocalScheduler) lookup(id TaskID) *schedTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks[id]
}

func (s *LocalScheduler) forget(id TaskID) {
	s.mu.Lock()
	delete(s.tasks, id)
	s.mu.Unlock()
}
