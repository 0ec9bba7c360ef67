package opt

import (
	"math"

	"github.com/kasmith/coep/internal/errdefs"
)

// Bounds defines valid parameter ranges
type Bounds struct {
	Lower []float64
	Upper []float64
}

// NewBounds creates bounds from (lo, hi) pairs. Every pair must satisfy
// lo < hi.
func NewBounds(pairs [][2]float64) (*Bounds, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	b := &Bounds{
		Lower: make([]float64, len(pairs)),
		Upper: make([]float64, len(pairs)),
	}
	for i, p := range pairs {
		if math.IsNaN(p[0]) || math.IsNaN(p[1]) || p[0] >= p[1] {
			return nil, errdefs.NewConfigError("bounds", "dimension %d: lower bound %g must be below upper bound %g", i, p[0], p[1])
		}
		b.Lower[i] = p[0]
		b.Upper[i] = p[1]
	}
	return b, nil
}

// Dim returns the number of bounded dimensions.
func (b *Bounds) Dim() int {
	if b == nil {
		return 0
	}
	return len(b.Lower)
}

// ClampVector clamps all parameters in a vector. Nil bounds leave the
// vector untouched.
func (b *Bounds) ClampVector(data []float64) {
	if b == nil {
		return
	}
	for i := range data {
		data[i] = clamp(data[i], b.Lower[i], b.Upper[i])
	}
}

func clamp(val, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, val))
}
