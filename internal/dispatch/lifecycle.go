package dispatch

import (
	"sync"
	"sync/atomic"

	"github.com/kasmith/coep/internal/errdefs"
)

// State is the lifecycle state of a backend.
type State int32

const (
	StateCreated State = iota
	StateActive
	StateShuttingDown
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateActive:
		return "active"
	case StateShuttingDown:
		return "shutting_down"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// lifecycle is embedded by every backend. batchMu keeps at most one batch
// in flight per backend.
type lifecycle struct {
	state   atomic.Int32
	once    sync.Once
	batchMu sync.Mutex
	err     error
}

func (l *lifecycle) activate() {
	l.state.CompareAndSwap(int32(StateCreated), int32(StateActive))
}

// State reports the current lifecycle state.
func (l *lifecycle) State() State {
	return State(l.state.Load())
}

// begin acquires the batch slot. The caller must call end when done.
func (l *lifecycle) begin() error {
	if l.State() != StateActive {
		return errdefs.ErrBackendShutdown
	}
	l.batchMu.Lock()
	if l.State() != StateActive {
		l.batchMu.Unlock()
		return errdefs.ErrBackendShutdown
	}
	return nil
}

func (l *lifecycle) end() {
	l.batchMu.Unlock()
}

// shutdown runs release exactly once, moving through ShuttingDown to Closed.
// Later calls return the first call's error.
func (l *lifecycle) shutdown(release func() error) error {
	l.once.Do(func() {
		l.state.Store(int32(StateShuttingDown))
		if release != nil {
			l.err = release()
		}
		l.state.Store(int32(StateClosed))
	})
	return l.err
}
