// Package builtin holds the objectives that can be selected by name from a
// run configuration.
package builtin

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/kasmith/coep/internal/dispatch"
	"github.com/kasmith/coep/internal/errdefs"
	"github.com/kasmith/coep/internal/objective"
)

// Builder completes a definition whose Name, ParameterNames, Instances and
// AuxParams are already set, filling Process and optionally Reduce.
type Builder func(def *objective.Definition) error

// Registry maps objective names to builders.
var Registry = map[string]Builder{
	// quadratic: sum over parameters of (p - <p>_target)^2 per instance
	"quadratic": buildQuadratic,
	// regression: squared error of a linear model with interaction terms
	"regression": buildRegression,
	// crasher: (x + idx)^2, failing on every fourth instance
	"crasher": buildCrasher,
}

// Names lists the registered objectives.
func Names() []string {
	names := make([]string, 0, len(Registry))
	for name := range Registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Apply looks up def.Name and completes def.
func Apply(def *objective.Definition) error {
	build, ok := Registry[def.Name]
	if !ok {
		return errdefs.NewConfigError("objective.name", "unknown objective %q (must be one of %s)", def.Name, strings.Join(Names(), ", "))
	}
	return build(def)
}

func buildQuadratic(def *objective.Definition) error {
	names := slices.Clone(def.ParameterNames)
	def.Process = func(_ context.Context, it dispatch.Item) (any, error) {
		var sum float64
		for _, name := range names {
			p, err := it.Float(name)
			if err != nil {
				return nil, err
			}
			target, err := it.Float(name + "_target")
			if err != nil {
				return nil, errdefs.Permanent(err)
			}
			d := p - target
			sum += d * d
		}
		return sum, nil
	}
	return nil
}

// term is one regression coefficient: the product of its features, or the
// intercept when features is empty.
type term struct {
	param    string
	features []string
}

func buildRegression(def *objective.Definition) error {
	terms := make([]term, 0, len(def.ParameterNames))
	for _, name := range def.ParameterNames {
		switch {
		case name == "b0":
			terms = append(terms, term{param: name})
		case strings.HasPrefix(name, "b_") && len(name) > 2:
			terms = append(terms, term{param: name, features: strings.Split(name[2:], "*")})
		default:
			return errdefs.NewConfigError("parameter_names", "regression parameter %q must be b0 or b_<feature>[*<feature>...]", name)
		}
	}

	def.Process = func(_ context.Context, it dispatch.Item) (any, error) {
		y, err := it.Float("y")
		if err != nil {
			return nil, errdefs.Permanent(err)
		}
		var pred float64
		for _, tm := range terms {
			coef, err := it.Float(tm.param)
			if err != nil {
				return nil, err
			}
			v := 1.0
			for _, f := range tm.features {
				x, err := it.Float(f)
				if err != nil {
					return nil, errdefs.Permanent(fmt.Errorf("term %s: %w", tm.param, err))
				}
				v *= x
			}
			pred += coef * v
		}
		d := pred - y
		return d * d, nil
	}
	return nil
}

func buildCrasher(def *objective.Definition) error {
	if len(def.ParameterNames) != 1 {
		return errdefs.NewConfigError("parameter_names", "crasher takes exactly one parameter, got %d", len(def.ParameterNames))
	}
	name := def.ParameterNames[0]
	def.Process = func(_ context.Context, it dispatch.Item) (any, error) {
		x, err := it.Float(name)
		if err != nil {
			return nil, err
		}
		idx, err := it.Float("idx")
		if err != nil {
			return nil, errdefs.Permanent(err)
		}
		if int(idx)%4 == 3 {
			return nil, fmt.Errorf("crashed at idx %d", int(idx))
		}
		return (x + idx) * (x + idx), nil
	}
	return nil
}
