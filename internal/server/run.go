package server

import (
	"math"
	"slices"
	"sync"
	"time"

	"github.com/kasmith/coep/internal/controller"
)

// RunState represents the current state of the monitored run
type RunState string

const (
	StateWaiting   RunState = "waiting"
	StateRunning   RunState = "running"
	StateCompleted RunState = "completed"
	StateFailed    RunState = "failed"
)

// RunStatus is the snapshot served by /api/v1/status.
type RunStatus struct {
	State          RunState   `json:"state"`
	Evaluations    int        `json:"evaluations"`
	Iterations     int        `json:"iterations"`
	LastValue      *float64   `json:"lastValue,omitempty"`
	BestValue      *float64   `json:"bestValue,omitempty"`
	BestParameters []float64  `json:"bestParameters,omitempty"`
	StartTime      *time.Time `json:"startTime,omitempty"`
	EndTime        *time.Time `json:"endTime,omitempty"`
	Elapsed        float64    `json:"elapsed"`
	Error          string     `json:"error,omitempty"`
}

// Monitor folds controller events into a RunStatus.
type Monitor struct {
	mu     sync.RWMutex
	status RunStatus
}

// NewMonitor creates a monitor in the waiting state.
func NewMonitor() *Monitor {
	return &Monitor{status: RunStatus{State: StateWaiting}}
}

func finite(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

// Apply updates the status with one event.
func (m *Monitor) Apply(ev controller.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := &m.status
	switch ev.Type {
	case controller.EventRunStarted:
		start := ev.Timestamp
		*st = RunStatus{State: StateRunning, StartTime: &start}
	case controller.EventEvaluation:
		st.Evaluations = ev.Sequence
		st.LastValue = finite(ev.Value)
		if v := finite(ev.Value); v != nil && (st.BestValue == nil || *v < *st.BestValue) {
			st.BestValue = v
			st.BestParameters = slices.Clone(ev.Parameters)
		}
	case controller.EventIteration:
		st.Iterations = ev.Sequence
	case controller.EventRunFinished:
		end := ev.Timestamp
		st.State = StateCompleted
		st.EndTime = &end
	case controller.EventRunFailed:
		end := ev.Timestamp
		st.State = StateFailed
		st.EndTime = &end
		st.Error = ev.Error
	}
}

// Status returns a copy of the current status.
func (m *Monitor) Status() RunStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st := m.status
	st.BestParameters = slices.Clone(st.BestParameters)
	if st.StartTime != nil {
		if st.EndTime != nil {
			st.Elapsed = st.EndTime.Sub(*st.StartTime).Seconds()
		} else {
			st.Elapsed = time.Since(*st.StartTime).Seconds()
		}
	}
	return st
}
