package opt

import (
	"log/slog"
	"math"
)

// StallConfig stops a run once the reported value has not improved for
// Patience consecutive iterations.
type StallConfig struct {
	// Patience is the number of iterations without significant improvement
	// tolerated before stopping. Zero disables stall detection.
	Patience int

	// Threshold is the minimum relative improvement that counts as progress.
	// Relative improvement = (last - value) / |last|
	Threshold float64
}

// stallTracker tracks reported values and detects stagnation.
type stallTracker struct {
	config          StallConfig
	best            float64
	lastSignificant float64
	seen            int
	staleCount      int
}

func newStallTracker(config StallConfig) *stallTracker {
	return &stallTracker{
		config:          config,
		best:            math.Inf(1),
		lastSignificant: math.Inf(1),
	}
}

// update records a new value and returns true once the run has stalled.
func (s *stallTracker) update(value float64) bool {
	if s.config.Patience <= 0 || math.IsNaN(value) {
		return false
	}

	s.seen++
	if value < s.best {
		s.best = value
	}
	if s.seen == 1 {
		s.lastSignificant = value
		return false
	}

	improvement := s.lastSignificant - value
	if s.lastSignificant != 0 {
		improvement /= math.Abs(s.lastSignificant)
	}

	if improvement >= s.config.Threshold && improvement > 0 {
		s.lastSignificant = value
		s.staleCount = 0
		return false
	}

	s.staleCount++
	slog.Debug("No significant improvement",
		"value", value,
		"last_significant", s.lastSignificant,
		"stale_count", s.staleCount,
		"patience", s.config.Patience,
	)
	if s.staleCount >= s.config.Patience {
		slog.Info("Stall detected - stopping early",
			"stale_count", s.staleCount,
			"best", s.best,
		)
		return true
	}
	return false
}
