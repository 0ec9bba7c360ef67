// Package dispatch spreads a batch of independent work items across a
// pluggable execution backend.
//
// Three backends share one contract:
//
//   - local: a fixed pool of persistent worker goroutines fed through a
//     shared input queue, reporting through separate output and error queues
//   - cluster: one asynchronous task per item on an external Scheduler,
//     with bounded waits and selective resubmission of unresolved items
//   - sequential: in-order evaluation on the calling goroutine, used as a
//     reference for output parity
//
// Every backend moves through Created → Active → ShuttingDown → Closed.
// Shutdown is idempotent and SubmitBatch fails with
// errdefs.ErrBackendShutdown once the backend has left Active.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"time"

	"github.com/kasmith/coep/internal/errdefs"
)

// Item is one unit of work: a mapping of field name to value.
type Item map[string]any

// Clone returns a shallow copy of the item.
func (it Item) Clone() Item {
	if it == nil {
		return Item{}
	}
	return maps.Clone(it)
}

// Key returns a canonical encoding of the item used for value equality.
// encoding/json sorts map keys, so equal items produce equal keys.
func (it Item) Key() string {
	data, err := json.Marshal(it)
	if err != nil {
		return fmt.Sprintf("%v", map[string]any(it))
	}
	return string(data)
}

// Float returns the named field as a float64, accepting any numeric type.
func (it Item) Float(name string) (float64, error) {
	v, ok := it[name]
	if !ok {
		return 0, fmt.Errorf("missing field %q", name)
	}
	f, ok := ToFloat(v)
	if !ok {
		return 0, fmt.Errorf("field %q is not numeric (%T)", name, v)
	}
	return f, nil
}

// ToFloat converts a numeric value to float64.
func ToFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// Result is the outcome of one work item. A soft failure keeps the item,
// a nil Outcome and the error that caused it.
type Result struct {
	Item    Item
	Outcome any
	Err     error
}

// Func is the user computation run once per work item.
type Func func(ctx context.Context, item Item) (any, error)

// InitFunc runs once per worker before it takes any work. Its result is
// merged into every item copy handed to Func, overriding item fields.
type InitFunc func() (Item, error)

// ProgressMode selects how batch progress is reported.
type ProgressMode string

const (
	ProgressNone      ProgressMode = "none"
	ProgressBar       ProgressMode = "bar"
	ProgressRemaining ProgressMode = "remaining"
)

// Options control a single SubmitBatch call.
type Options struct {
	Progress      ProgressMode
	HardError     bool
	RetryFailures bool
	// Timeout bounds the wait for the batch; zero waits indefinitely.
	Timeout time.Duration
}

// Validate checks the option values.
func (o Options) Validate() error {
	switch o.Progress {
	case "", ProgressNone, ProgressBar, ProgressRemaining:
	default:
		return errdefs.NewConfigError("progress", "unknown mode %q (must be none, bar or remaining)", o.Progress)
	}
	if o.Timeout < 0 {
		return errdefs.NewConfigError("timeout", "cannot be negative")
	}
	return nil
}

// Backend is the contract every execution backend implements.
type Backend interface {
	// Name returns the configuration tag of the backend.
	Name() string

	// SubmitBatch runs every item and returns one Result per resolved item.
	// The returned order is unspecified. Callers' items are never mutated.
	SubmitBatch(ctx context.Context, items []Item, opts Options) ([]Result, error)

	// Shutdown stops accepting batches and releases resources. It is safe
	// to call more than once.
	Shutdown() error

	// State reports the lifecycle state.
	State() State
}

// Backend type tags.
const (
	TypeLocal      = "local"
	TypeCluster    = "cluster"
	TypeSequential = "sequential"
)

// Config selects and sizes a backend.
type Config struct {
	Type string

	// Workers is the local pool size and the concurrency of the default
	// in-process scheduler.
	Workers int

	// PollInterval is the local dispatcher wake interval (default 100ms).
	PollInterval time.Duration

	// MaxAttempts caps how often one item is run when retrying (default 3).
	MaxAttempts int

	// Scheduler is the cluster backend's task scheduler. When nil an
	// in-process scheduler with Workers concurrency is created and owned by
	// the backend.
	Scheduler Scheduler

	Metrics *Metrics
}

const (
	defaultPollInterval = 100 * time.Millisecond
	defaultMaxAttempts  = 3
	defaultWorkers      = 2
)

func (c Config) withDefaults() Config {
	if c.Type == "" {
		c.Type = TypeLocal
	}
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	return c
}

// New creates the backend selected by cfg.Type and brings it to Active.
func New(cfg Config, fn Func, init InitFunc) (Backend, error) {
	if fn == nil {
		return nil, errdefs.NewConfigError("func", "cannot be nil")
	}
	cfg = cfg.withDefaults()

	switch cfg.Type {
	case TypeLocal:
		return NewLocal(cfg, fn, init)
	case TypeCluster:
		return NewCluster(cfg, fn, init)
	case TypeSequential:
		return NewSequential(cfg, fn, init)
	default:
		return nil, errdefs.NewConfigError("backend.type", "unknown backend %q (must be local, cluster or sequential)", cfg.Type)
	}
}

// privateCopy clones the batch so backends never touch caller memory.
func privateCopy(items []Item) []Item {
	out := make([]Item, len(items))
	for i, it := range items {
		out[i] = it.Clone()
	}
	return out
}
