package server

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kasmith/coep/internal/controller"
)

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("Timed out waiting for condition")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestMonitorApply(t *testing.T) {
	m := NewMonitor()
	if m.Status().State != StateWaiting {
		t.Fatalf("Expected waiting state, got %s", m.Status().State)
	}

	now := time.Now()
	m.Apply(controller.Event{Type: controller.EventRunStarted, Timestamp: now})
	m.Apply(controller.Event{Type: controller.EventEvaluation, Sequence: 1, Value: 5, Parameters: []float64{1}})
	m.Apply(controller.Event{Type: controller.EventEvaluation, Sequence: 2, Value: 3, Parameters: []float64{2}})
	m.Apply(controller.Event{Type: controller.EventEvaluation, Sequence: 3, Value: math.NaN(), Parameters: []float64{9}})
	m.Apply(controller.Event{Type: controller.EventIteration, Sequence: 1, Value: 4})
	m.Apply(controller.Event{Type: controller.EventRunFinished, Timestamp: now.Add(2 * time.Second)})

	st := m.Status()
	if st.State != StateCompleted || st.Evaluations != 3 || st.Iterations != 1 {
		t.Errorf("Unexpected status: %+v", st)
	}
	if st.BestValue == nil || *st.BestValue != 3 || st.BestParameters[0] != 2 {
		t.Errorf("Expected best value 3 at [2], got %+v", st)
	}
	if st.LastValue != nil {
		t.Errorf("NaN evaluation should clear the last value, got %v", *st.LastValue)
	}
	if st.Elapsed != 2 {
		t.Errorf("Expected elapsed 2s, got %f", st.Elapsed)
	}

	m.Apply(controller.Event{Type: controller.EventRunStarted, Timestamp: now})
	if st := m.Status(); st.BestValue != nil || st.Evaluations != 0 {
		t.Errorf("A new run should reset the status, got %+v", st)
	}
	m.Apply(controller.Event{Type: controller.EventRunFailed, Timestamp: now, Error: "boom"})
	if st := m.Status(); st.State != StateFailed || st.Error != "boom" {
		t.Errorf("Expected failed status, got %+v", st)
	}
}

func TestServer_Status(t *testing.T) {
	source := controller.NewEventBroadcaster()
	s := NewServer(":0", source, nil)
	defer s.Shutdown(context.Background())

	source.Broadcast(controller.Event{Type: controller.EventRunStarted, Timestamp: time.Now()})
	source.Broadcast(controller.Event{Type: controller.EventEvaluation, Sequence: 1, Value: 1.5, Parameters: []float64{0.5}})
	waitFor(t, func() bool { return s.Status().Evaluations == 1 })

	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("Expected CORS header")
	}
	var st RunStatus
	if err := json.NewDecoder(w.Body).Decode(&st); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if st.State != StateRunning || st.BestValue == nil || *st.BestValue != 1.5 {
		t.Errorf("Unexpected status: %+v", st)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/status", nil)
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405, got %d", w.Code)
	}
}

func TestServer_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "coep_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Add(3)

	s := NewServer(":0", controller.NewEventBroadcaster(), reg)
	defer s.Shutdown(context.Background())

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "coep_test_total 3") {
		t.Errorf("Expected counter in metrics output, got:\n%s", w.Body.String())
	}

	plain := NewServer(":0", controller.NewEventBroadcaster(), nil)
	defer plain.Shutdown(context.Background())
	w = httptest.NewRecorder()
	plain.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 without a gatherer, got %d", w.Code)
	}
}

func TestServer_EventStream(t *testing.T) {
	source := controller.NewEventBroadcaster()
	s := NewServer(":0", source, nil)
	defer s.Shutdown(context.Background())

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/v1/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Expected text/event-stream, got %s", ct)
	}

	reader := bufio.NewReader(resp.Body)
	// The connected comment arrives once the handler has subscribed.
	line, err := reader.ReadString('\n')
	if err != nil || !strings.HasPrefix(line, ": connected") {
		t.Fatalf("Expected connected comment, got %q (%v)", line, err)
	}

	source.Broadcast(controller.Event{Type: controller.EventIteration, Sequence: 7, Value: 0.25})

	var data string
	for data == "" {
		line, err := reader.ReadString('\n')
		if err == io.EOF {
			t.Fatal("Stream closed before event")
		}
		if err != nil {
			t.Fatalf("Failed to read stream: %v", err)
		}
		if strings.HasPrefix(line, "data: ") {
			data = strings.TrimPrefix(strings.TrimSpace(line), "data: ")
		}
	}

	var ev controller.Event
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		t.Fatalf("Failed to decode event: %v", err)
	}
	if ev.Type != controller.EventIteration || ev.Sequence != 7 {
		t.Errorf("Unexpected event: %+v", ev)
	}
}

func TestWriteSSEEventNonFiniteValues(t *testing.T) {
	w := httptest.NewRecorder()
	ev := controller.Event{Type: controller.EventEvaluation, Sequence: 3, Value: math.Inf(1), Parameters: []float64{math.NaN(), 2}}
	if err := writeSSEEvent(w, ev); err != nil {
		t.Fatalf("writeSSEEvent failed: %v", err)
	}

	var data string
	for _, line := range strings.Split(w.Body.String(), "\n") {
		if strings.HasPrefix(line, "data: ") {
			data = strings.TrimPrefix(line, "data: ")
		}
	}
	var got map[string]any
	if err := json.Unmarshal([]byte(data), &got); err != nil {
		t.Fatalf("Failed to decode %q: %v", data, err)
	}
	if v, ok := got["value"]; !ok || v != nil {
		t.Errorf("Infinite value should be sent as null, got %v", got["value"])
	}
	params, ok := got["parameters"].([]any)
	if !ok || len(params) != 2 || params[0] != nil || params[1] != 2.0 {
		t.Errorf("Unexpected parameters: %#v", got["parameters"])
	}
	if got["type"] != string(controller.EventEvaluation) || got["sequence"] != 3.0 {
		t.Errorf("Unexpected event fields: %v", got)
	}
}

func TestServer_ShutdownStopsTracking(t *testing.T) {
	source := controller.NewEventBroadcaster()
	s := NewServer(":0", source, nil)

	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	select {
	case <-s.done:
	default:
		t.Error("Tracking goroutine should stop after shutdown")
	}

	source.Broadcast(controller.Event{Type: controller.EventRunStarted})
	if s.Status().State != StateWaiting {
		t.Error("Events after shutdown should be ignored")
	}
}
