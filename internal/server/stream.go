package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/kasmith/coep/internal/controller"
)

// handleEventStream handles SSE connections for run progress
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	eventChan := s.source.Subscribe()
	defer s.source.Unsubscribe(eventChan)

	// Comment line so clients see the stream open before the first event.
	fmt.Fprintf(w, ": connected\n\n")
	flusher.Flush()

	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			slog.Debug("SSE client disconnected")
			return

		case event, ok := <-eventChan:
			if !ok {
				return
			}
			if err := writeSSEEvent(w, event); err != nil {
				slog.Error("Failed to write SSE event", "error", err)
				return
			}
			flusher.Flush()

		case <-pingTicker.C:
			fmt.Fprintf(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

// sseEvent is the wire form of a controller event. Non-finite numbers are
// sent as null since JSON cannot carry them.
type sseEvent struct {
	controller.Event
	Parameters []*float64 `json:"parameters,omitempty"`
	Value      *float64   `json:"value"`
}

func newSSEEvent(event controller.Event) sseEvent {
	wire := sseEvent{Event: event, Value: finite(event.Value)}
	if len(event.Parameters) > 0 {
		wire.Parameters = make([]*float64, len(event.Parameters))
		for i, v := range event.Parameters {
			wire.Parameters[i] = finite(v)
		}
	}
	return wire
}

// writeSSEEvent writes an event in SSE format.
func writeSSEEvent(w http.ResponseWriter, event controller.Event) error {
	data, err := json.Marshal(newSSEEvent(event))
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
	return err
}
