package controller

import (
	"log/slog"
	"sync"
	"time"
)

// EventType distinguishes evaluation and iteration events.
type EventType string

const (
	EventRunStarted  EventType = "run_started"
	EventEvaluation  EventType = "evaluation"
	EventIteration   EventType = "iteration"
	EventRunFinished EventType = "run_finished"
	EventRunFailed   EventType = "run_failed"
)

// Event is a progress notification delivered to subscribers.
type Event struct {
	Type       EventType `json:"type"`
	Sequence   int       `json:"sequence"`
	Parameters []float64 `json:"parameters,omitempty"`
	Value      float64   `json:"value"`
	Runtime    float64   `json:"runtime_seconds,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Error      string    `json:"error,omitempty"`
}

// EventBroadcaster fans events out to subscribers without ever blocking
// the optimizer.
type EventBroadcaster struct {
	mu        sync.Mutex
	clients   map[chan Event]bool
	lastEvent *Event
}

// NewEventBroadcaster creates a new event broadcaster
func NewEventBroadcaster() *EventBroadcaster {
	return &EventBroadcaster{clients: make(map[chan Event]bool)}
}

// Subscribe adds a client. The last event, if any, is replayed so late
// subscribers see the current state.
func (eb *EventBroadcaster) Subscribe() chan Event {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	ch := make(chan Event, 16)
	eb.clients[ch] = true

	if eb.lastEvent != nil {
		select {
		case ch <- *eb.lastEvent:
		default:
		}
	}

	slog.Debug("Event subscriber added", "total_clients", len(eb.clients))
	return ch
}

// Unsubscribe removes a client and closes its channel.
func (eb *EventBroadcaster) Unsubscribe(ch chan Event) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.clients[ch] {
		delete(eb.clients, ch)
		close(ch)
	}
	slog.Debug("Event subscriber removed", "total_clients", len(eb.clients))
}

// Broadcast sends an event to every subscriber, dropping it for clients
// whose buffer is full.
func (eb *EventBroadcaster) Broadcast(event Event) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.lastEvent = &event
	for ch := range eb.clients {
		select {
		case ch <- event:
		default:
			slog.Warn("Event channel full, skipping event", "type", event.Type, "sequence", event.Sequence)
		}
	}
}

// Close closes every subscriber channel.
func (eb *EventBroadcaster) Close() {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	for ch := range eb.clients {
		close(ch)
	}
	eb.clients = make(map[chan Event]bool)
	eb.lastEvent = nil
}
