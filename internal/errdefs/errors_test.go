package errdefs

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestConfigErrorIs(t *testing.T) {
	err := fmt.Errorf("setup: %w", NewConfigError("bounds", "dimension %d has lo >= hi", 2))

	if !errors.Is(err, ErrConfiguration) {
		t.Fatal("wrapped ConfigError should match ErrConfiguration")
	}

	var ce *ConfigError
	if !errors.As(err, &ce) {
		t.Fatal("errors.As should find the ConfigError")
	}
	if ce.Field != "bounds" {
		t.Errorf("Expected field bounds, got %s", ce.Field)
	}
}

func TestDispatchTimeoutErrorIs(t *testing.T) {
	err := &DispatchTimeoutError{Pending: 3, Timeout: time.Second}
	if !errors.Is(err, ErrDispatchTimeout) {
		t.Fatal("DispatchTimeoutError should match ErrDispatchTimeout")
	}
	if errors.Is(err, ErrConfiguration) {
		t.Fatal("DispatchTimeoutError should not match ErrConfiguration")
	}
}

func TestEvaluationErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := &EvaluationError{Item: map[string]any{"idx": 1}, Err: cause}
	if !errors.Is(err, cause) {
		t.Fatal("EvaluationError should unwrap to its cause")
	}
}

func TestPermanent(t *testing.T) {
	cause := errors.New("bad input")
	if Permanent(nil) != nil {
		t.Fatal("Permanent(nil) should be nil")
	}

	err := fmt.Errorf("item 3: %w", Permanent(cause))
	if !IsPermanent(err) {
		t.Error("wrapped permanent error should be detected")
	}
	if !errors.Is(err, cause) {
		t.Error("permanent error should unwrap to its cause")
	}
	if IsPermanent(cause) {
		t.Error("plain error should not be permanent")
	}
}
