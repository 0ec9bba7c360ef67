package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kasmith/coep/internal/errdefs"
)

// flaky fails the first call for every item whose idx is a multiple of 3.
type flaky struct {
	mu    sync.Mutex
	calls map[int]int
}

func newFlaky() *flaky {
	return &flaky{calls: make(map[int]int)}
}

func (f *flaky) run(ctx context.Context, item Item) (any, error) {
	idxf, _ := item.Float("idx")
	idx := int(idxf)

	f.mu.Lock()
	f.calls[idx]++
	n := f.calls[idx]
	f.mu.Unlock()

	if idx%3 == 0 && n == 1 {
		return nil, errors.New("transient failure")
	}
	return square(ctx, item)
}

func (f *flaky) callCount(idx int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[idx]
}

func TestLocalWorkersPersistAcrossBatches(t *testing.T) {
	var inits atomic.Int32
	init := func() (Item, error) {
		inits.Add(1)
		return nil, nil
	}

	l, err := NewLocal(Config{Workers: 4, PollInterval: 5 * time.Millisecond}, square, init)
	if err != nil {
		t.Fatalf("NewLocal failed: %v", err)
	}
	defer l.Shutdown()

	for i := 0; i < 3; i++ {
		results, err := l.SubmitBatch(context.Background(), makeBatch(12, float64(i)), Options{})
		if err != nil {
			t.Fatalf("Batch %d failed: %v", i, err)
		}
		if len(results) != 12 {
			t.Fatalf("Batch %d: expected 12 results, got %d", i, len(results))
		}
	}

	if got := inits.Load(); got != 4 {
		t.Errorf("Expected init to run once per worker (4), ran %d times", got)
	}
}

func TestLocalInitFailure(t *testing.T) {
	init := func() (Item, error) { return nil, errors.New("no license") }
	if _, err := NewLocal(Config{Workers: 2}, square, init); err == nil {
		t.Fatal("NewLocal should fail when worker initialization fails")
	}
}

func TestLocalRetryFailures(t *testing.T) {
	f := newFlaky()
	l, err := NewLocal(Config{Workers: 3, PollInterval: 5 * time.Millisecond}, f.run, nil)
	if err != nil {
		t.Fatalf("NewLocal failed: %v", err)
	}
	defer l.Shutdown()

	results, err := l.SubmitBatch(context.Background(), makeBatch(9, 1), Options{RetryFailures: true})
	if err != nil {
		t.Fatalf("SubmitBatch failed: %v", err)
	}
	if len(results) != 9 {
		t.Fatalf("Expected 9 results, got %d", len(results))
	}
	for _, r := range results {
		if r.Err != nil {
			t.Errorf("Item %v should have succeeded on retry: %v", r.Item, r.Err)
		}
	}
	if f.callCount(3) != 2 {
		t.Errorf("Expected item 3 to run twice, ran %d times", f.callCount(3))
	}
	if f.callCount(1) != 1 {
		t.Errorf("Expected item 1 to run once, ran %d times", f.callCount(1))
	}
}

func TestLocalRetryStopsAtPermanentError(t *testing.T) {
	var calls atomic.Int32
	fn := func(ctx context.Context, item Item) (any, error) {
		calls.Add(1)
		return nil, errdefs.Permanent(errors.New("invalid instance"))
	}
	l, err := NewLocal(Config{Workers: 1, PollInterval: 5 * time.Millisecond, MaxAttempts: 5}, fn, nil)
	if err != nil {
		t.Fatalf("NewLocal failed: %v", err)
	}
	defer l.Shutdown()

	results, err := l.SubmitBatch(context.Background(), makeBatch(1, 0), Options{RetryFailures: true})
	if err != nil {
		t.Fatalf("SubmitBatch failed: %v", err)
	}
	if len(results) != 1 || results[0].Err == nil {
		t.Fatalf("Expected one failed result, got %+v", results)
	}
	if calls.Load() != 1 {
		t.Errorf("Permanent error should not be retried, ran %d times", calls.Load())
	}
}

func TestLocalTimeout(t *testing.T) {
	release := make(chan struct{})
	fn := func(ctx context.Context, item Item) (any, error) {
		idx, _ := item.Float("idx")
		if idx == 0 {
			<-release
		}
		return idx, nil
	}

	l, err := NewLocal(Config{Workers: 2, PollInterval: 5 * time.Millisecond}, fn, nil)
	if err != nil {
		t.Fatalf("NewLocal failed: %v", err)
	}
	defer l.Shutdown()
	defer close(release)

	t.Run("soft", func(t *testing.T) {
		results, err := l.SubmitBatch(context.Background(), makeBatch(3, 0), Options{Timeout: 100 * time.Millisecond})
		if err != nil {
			t.Fatalf("SubmitBatch failed: %v", err)
		}
		if len(results) != 3 {
			t.Fatalf("Expected 3 results, got %d", len(results))
		}
		for _, r := range results {
			idx, _ := r.Item.Float("idx")
			if idx == 0 && !errors.Is(r.Err, errdefs.ErrDispatchTimeout) {
				t.Errorf("Expected timeout error for blocked item, got %v", r.Err)
			}
			if idx != 0 && r.Err != nil {
				t.Errorf("Item %v failed unexpectedly: %v", r.Item, r.Err)
			}
		}
	})

	t.Run("hard", func(t *testing.T) {
		_, err := l.SubmitBatch(context.Background(), makeBatch(3, 0), Options{Timeout: 100 * time.Millisecond, HardError: true})
		if !errors.Is(err, errdefs.ErrDispatchTimeout) {
			t.Fatalf("Expected DispatchTimeoutError, got %v", err)
		}
	})
}

func TestLocalContextCancel(t *testing.T) {
	block := make(chan struct{})
	fn := func(ctx context.Context, item Item) (any, error) {
		<-block
		return 0, nil
	}
	l, err := NewLocal(Config{Workers: 1, PollInterval: 5 * time.Millisecond}, fn, nil)
	if err != nil {
		t.Fatalf("NewLocal failed: %v", err)
	}
	defer l.Shutdown()
	defer close(block)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = l.SubmitBatch(ctx, makeBatch(2, 0), Options{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected context deadline error, got %v", err)
	}
}

func TestLocalShutdownFinishesInFlightItem(t *testing.T) {
	started := make(chan struct{})
	var finished atomic.Bool
	fn := func(ctx context.Context, item Item) (any, error) {
		close(started)
		time.Sleep(50 * time.Millisecond)
		finished.Store(true)
		return 1, nil
	}

	l, err := NewLocal(Config{Workers: 1, PollInterval: 5 * time.Millisecond}, fn, nil)
	if err != nil {
		t.Fatalf("NewLocal failed: %v", err)
	}

	go l.SubmitBatch(context.Background(), makeBatch(1, 0), Options{})
	<-started

	if err := l.Shutdown(); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if !finished.Load() {
		t.Error("Shutdown should wait for the in-flight item to finish")
	}
	if l.State() != StateClosed {
		t.Errorf("Expected closed state, got %s", l.State())
	}
}

func TestInputQueuePurge(t *testing.T) {
	q := newInputQueue()
	q.push(task{seq: 1, index: 0}, task{seq: 2, index: 0}, task{seq: 1, index: 1})

	if dropped := q.purge(1); dropped != 2 {
		t.Errorf("Expected 2 tasks purged, got %d", dropped)
	}
	got, ok := q.pop()
	if !ok || got.seq != 2 {
		t.Errorf("Expected remaining task from batch 2, got %+v", got)
	}
}
