package controller

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kasmith/coep/internal/dispatch"
	"github.com/kasmith/coep/internal/objective"
	"github.com/kasmith/coep/internal/opt"
)

// fakeProcessor returns one outcome per parameter: (x_i - 1)^2.
type fakeProcessor struct {
	calls int
	fail  error
}

func (f *fakeProcessor) ProcessAll(_ context.Context, params []float64, _ dispatch.Options) ([]objective.Processed, error) {
	f.calls++
	if f.fail != nil {
		return nil, f.fail
	}
	out := make([]objective.Processed, len(params))
	for i, p := range params {
		out[i] = objective.Processed{Context: map[string]any{"i": i}, Outcome: (p - 1) * (p - 1)}
	}
	return out, nil
}

func (f *fakeProcessor) CalculateObjective(processed []objective.Processed, aux map[string]any) (float64, error) {
	v, err := objective.SumOutcomes(processed, aux)
	if w, ok := aux["weight"].(float64); ok {
		v *= w
	}
	return v, err
}

type fakeSink struct {
	begun       int
	evaluations []EvaluationRecord
	iterations  []IterationRecord
	result      *opt.Result
}

func (s *fakeSink) BeginRun([]float64, map[string]any) error { s.begun++; return nil }
func (s *fakeSink) RecordEvaluation(r EvaluationRecord) error {
	s.evaluations = append(s.evaluations, r)
	return nil
}
func (s *fakeSink) RecordIteration(r IterationRecord) error {
	s.iterations = append(s.iterations, r)
	return nil
}
func (s *fakeSink) EndRun(r *opt.Result) error { s.result = r; return nil }

func TestEvaluateRecordsAndHooks(t *testing.T) {
	sink := &fakeSink{}
	var hooked []EvaluationRecord
	c, err := New(&fakeProcessor{}, nil,
		WithSink(sink),
		WithAuxObjectiveParams(map[string]any{"weight": 2.0}),
		WithPostStep(func(r EvaluationRecord) { hooked = append(hooked, r) }),
	)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	v, err := c.Evaluate(context.Background(), []float64{2, 3})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if v != 10 {
		t.Errorf("Expected weighted objective 10, got %f", v)
	}
	if len(sink.evaluations) != 1 || len(hooked) != 1 {
		t.Fatalf("Expected one record and one hook call, got %d and %d", len(sink.evaluations), len(hooked))
	}
	rec := sink.evaluations[0]
	if rec.Call != 1 || rec.Objective != 10 || len(rec.Processed) != 2 {
		t.Errorf("Unexpected evaluation record: %+v", rec)
	}
	if len(sink.iterations) != 0 {
		t.Error("Evaluate alone must not record iterations")
	}
}

func TestEvaluatePropagatesDispatchErrors(t *testing.T) {
	boom := errors.New("dispatch failed")
	sink := &fakeSink{}
	c, _ := New(&fakeProcessor{fail: boom}, nil, WithSink(sink))

	if _, err := c.Evaluate(context.Background(), []float64{1}); !errors.Is(err, boom) {
		t.Fatalf("Expected dispatch error, got %v", err)
	}
	if len(sink.evaluations) != 0 {
		t.Error("Failed evaluations must not be recorded")
	}
}

func TestOptimizeSeparatesEvaluationsFromIterations(t *testing.T) {
	spsa, err := opt.NewSPSA(opt.SPSAOptions{Gain: 0.1, MaxIterations: 5, Tolerance: 1e-12})
	if err != nil {
		t.Fatalf("NewSPSA failed: %v", err)
	}
	sink := &fakeSink{}
	c, err := New(&fakeProcessor{}, spsa, WithSink(sink))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	res, err := c.Optimize(context.Background(), []float64{3, 3}, map[string]any{"maxiter": 5})
	if err != nil {
		t.Fatalf("Optimize failed: %v", err)
	}

	if sink.begun != 1 || sink.result != res {
		t.Error("Run should be bracketed by BeginRun and EndRun")
	}
	if len(sink.iterations) != 5 {
		t.Errorf("Expected 5 iteration records, got %d", len(sink.iterations))
	}
	if len(sink.evaluations) != 11 {
		t.Errorf("Expected 11 evaluation records (2 per iteration + final), got %d", len(sink.evaluations))
	}
	if res.Evaluations != len(sink.evaluations) {
		t.Errorf("Result counts %d evaluations, sink saw %d", res.Evaluations, len(sink.evaluations))
	}
}

func TestOptimizeWithoutOptimizer(t *testing.T) {
	c, _ := New(&fakeProcessor{}, nil)
	if _, err := c.Optimize(context.Background(), []float64{1}, nil); err == nil {
		t.Fatal("Expected error without optimizer")
	}
}

func TestNewRejectsBadDispatchOptions(t *testing.T) {
	_, err := New(&fakeProcessor{}, nil, WithDispatchOptions(dispatch.Options{Progress: "spinner"}))
	if err == nil {
		t.Fatal("Expected error for unknown progress mode")
	}
}

func TestSubscribersReceiveEvents(t *testing.T) {
	grid, err := opt.NewGridSearch([][]float64{{0}, {1}, {2}})
	if err != nil {
		t.Fatalf("NewGridSearch failed: %v", err)
	}
	c, _ := New(&fakeProcessor{}, grid)
	events := c.Subscribe()

	if _, err := c.Optimize(context.Background(), nil, nil); err != nil {
		t.Fatalf("Optimize failed: %v", err)
	}
	c.Close()

	counts := map[EventType]int{}
	timeout := time.After(time.Second)
	for done := false; !done; {
		select {
		case ev, ok := <-events:
			if !ok {
				done = true
				break
			}
			counts[ev.Type]++
		case <-timeout:
			t.Fatal("Timed out waiting for events")
		}
	}

	if counts[EventRunStarted] != 1 || counts[EventRunFinished] != 1 {
		t.Errorf("Expected run start and finish events, got %v", counts)
	}
	if counts[EventEvaluation] != 3 || counts[EventIteration] != 3 {
		t.Errorf("Expected 3 evaluation and 3 iteration events, got %v", counts)
	}
}

func TestBroadcasterNeverBlocks(t *testing.T) {
	eb := NewEventBroadcaster()
	ch := eb.Subscribe()
	for i := 0; i < 100; i++ {
		eb.Broadcast(Event{Type: EventEvaluation, Sequence: i})
	}
	if len(ch) != cap(ch) {
		t.Errorf("Expected full buffer, got %d of %d", len(ch), cap(ch))
	}

	late := eb.Subscribe()
	ev := <-late
	if ev.Sequence != 99 {
		t.Errorf("Late subscriber should get the last event, got %d", ev.Sequence)
	}
	eb.Unsubscribe(ch)
	eb.Unsubscribe(ch)
}

func TestOptimizeFailureBroadcastsEvent(t *testing.T) {
	grid, _ := opt.NewGridSearch([][]float64{{0}})
	c, _ := New(&fakeProcessor{fail: errors.New("backend down")}, grid)
	events := c.Subscribe()

	if _, err := c.Optimize(context.Background(), nil, nil); err == nil {
		t.Fatal("Expected optimization error")
	}

	var last Event
	for len(events) > 0 {
		last = <-events
	}
	if last.Type != EventRunFailed || last.Error == "" {
		t.Errorf("Expected run_failed event with error text, got %+v", last)
	}
}
