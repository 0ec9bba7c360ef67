package store

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/kasmith/coep/internal/dispatch"
)

// Vector is a float slice whose non-finite entries are encoded as null and
// decoded back as NaN.
type Vector []float64

// MarshalJSON implements json.Marshaler.
func (v Vector) MarshalJSON() ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}
	out := make([]*float64, len(v))
	for i, x := range v {
		out[i] = finite(x)
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Vector) UnmarshalJSON(data []byte) error {
	var raw []*float64
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil {
		*v = nil
		return nil
	}
	out := make(Vector, len(raw))
	for i, x := range raw {
		if x == nil {
			out[i] = math.NaN()
		} else {
			out[i] = *x
		}
	}
	*v = out
	return nil
}

// finite returns nil for NaN and infinities.
func finite(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

// jsonSafe rewrites v so it always encodes: non-finite floats become nil at
// any depth, errors become their text and anything else that still fails to
// encode is stored as its printed form.
func jsonSafe(v any) any {
	switch n := v.(type) {
	case nil:
		return nil
	case float64:
		if f := finite(n); f != nil {
			return n
		}
		return nil
	case float32:
		if f := finite(float64(n)); f != nil {
			return n
		}
		return nil
	case []float64:
		return Vector(n)
	case error:
		return n.Error()
	case []any:
		out := make([]any, len(n))
		for i, x := range n {
			out[i] = jsonSafe(x)
		}
		return out
	case map[string]any:
		return safeMap(n)
	case dispatch.Item:
		return safeMap(n)
	}
	if _, err := json.Marshal(v); err != nil {
		return fmt.Sprint(v)
	}
	return v
}

func safeMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, x := range m {
		out[k] = jsonSafe(x)
	}
	return out
}

func safeMaps(ms []map[string]any) []map[string]any {
	if ms == nil {
		return nil
	}
	out := make([]map[string]any, len(ms))
	for i, m := range ms {
		out[i] = safeMap(m)
	}
	return out
}
