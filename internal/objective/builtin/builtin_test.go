package builtin

import (
	"context"
	"errors"
	"testing"

	"github.com/kasmith/coep/internal/dispatch"
	"github.com/kasmith/coep/internal/errdefs"
	"github.com/kasmith/coep/internal/objective"
)

func TestApplyUnknown(t *testing.T) {
	def := objective.Definition{Name: "rosenbrock"}
	if err := Apply(&def); !errors.Is(err, errdefs.ErrConfiguration) {
		t.Fatalf("Expected configuration error, got %v", err)
	}
}

func TestQuadratic(t *testing.T) {
	def := objective.Definition{
		Name:           "quadratic",
		ParameterNames: []string{"a", "b"},
		Instances: []map[string]any{
			{"a_target": 1.0, "b_target": 2.0},
			{"a_target": 3.0, "b_target": 2.0},
		},
	}
	if err := Apply(&def); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	err := objective.Run(def, dispatch.Config{Type: dispatch.TypeSequential}, func(p *objective.Processor) error {
		processed, err := p.ProcessAll(context.Background(), []float64{2, 2}, dispatch.Options{HardError: true})
		if err != nil {
			return err
		}
		v, err := p.CalculateObjective(processed, nil)
		if err != nil {
			return err
		}
		if v != 2 {
			t.Errorf("Expected objective 2, got %f", v)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
}

func TestQuadraticMissingTargetIsPermanent(t *testing.T) {
	def := objective.Definition{Name: "quadratic", ParameterNames: []string{"a"}}
	if err := Apply(&def); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	_, err := def.Process(context.Background(), dispatch.Item{"a": 1.0})
	if !errdefs.IsPermanent(err) {
		t.Errorf("Expected permanent error, got %v", err)
	}
}

func TestRegression(t *testing.T) {
	def := objective.Definition{
		Name:           "regression",
		ParameterNames: []string{"b0", "b_x1", "b_x2", "b_x1*x2"},
	}
	if err := Apply(&def); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	// y = 1 - 2*x1 + 3*x2 + 0.5*x1*x2
	item := dispatch.Item{
		"x1": 2.0, "x2": 4.0, "y": 13.0,
		"b0": 1.0, "b_x1": -2.0, "b_x2": 3.0, "b_x1*x2": 0.5,
	}
	v, err := def.Process(context.Background(), item)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if v != 0.0 {
		t.Errorf("Expected zero error at the true coefficients, got %v", v)
	}

	item["b0"] = 3.0
	v, _ = def.Process(context.Background(), item)
	if v != 4.0 {
		t.Errorf("Expected squared error 4, got %v", v)
	}
}

func TestRegressionRejectsBadNames(t *testing.T) {
	def := objective.Definition{Name: "regression", ParameterNames: []string{"b0", "slope"}}
	if err := Apply(&def); !errors.Is(err, errdefs.ErrConfiguration) {
		t.Fatalf("Expected configuration error, got %v", err)
	}
}

func TestCrasher(t *testing.T) {
	def := objective.Definition{Name: "crasher", ParameterNames: []string{"x"}}
	if err := Apply(&def); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	v, err := def.Process(context.Background(), dispatch.Item{"x": 1.0, "idx": 2})
	if err != nil || v != 9.0 {
		t.Errorf("Expected 9, got %v (%v)", v, err)
	}
	if _, err := def.Process(context.Background(), dispatch.Item{"x": 1.0, "idx": 7}); err == nil {
		t.Error("Expected idx 7 to crash")
	}
}
