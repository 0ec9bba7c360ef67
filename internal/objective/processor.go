// Package objective turns a parameter vector into one batch of work items,
// runs it through a dispatch backend and reduces the outcomes to a single
// objective value.
package objective

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/kasmith/coep/internal/dispatch"
	"github.com/kasmith/coep/internal/errdefs"
)

// ReduceFunc folds processed outcomes into the objective value.
type ReduceFunc func(processed []Processed, aux map[string]any) (float64, error)

// TransformFunc maps raw optimizer parameters before they are bound to
// names. It must keep the length.
type TransformFunc func(params []float64) ([]float64, error)

// Definition describes an objective.
type Definition struct {
	Name           string
	ParameterNames []string
	Instances      []map[string]any
	AuxParams      map[string]any

	Process   dispatch.Func
	Reduce    ReduceFunc
	Init      dispatch.InitFunc
	Transform TransformFunc
}

// Processed is one instance outcome with the fit and aux keys stripped
// from its context.
type Processed struct {
	Context map[string]any
	Outcome any
	Err     error
}

// Processor owns a dispatch backend and evaluates the objective over all
// instances. It is not safe for concurrent ProcessAll calls; the optimizer
// is the sole driver.
type Processor struct {
	def     Definition
	backend dispatch.Backend

	closeOnce sync.Once
	closeErr  error
}

func (d Definition) validate() error {
	if len(d.ParameterNames) == 0 {
		return errdefs.NewConfigError("parameter_names", "cannot be empty")
	}
	seen := make(map[string]bool, len(d.ParameterNames))
	for _, name := range d.ParameterNames {
		if name == "" {
			return errdefs.NewConfigError("parameter_names", "contains an empty name")
		}
		if seen[name] {
			return errdefs.NewConfigError("parameter_names", "duplicate name %q", name)
		}
		seen[name] = true
	}
	if len(d.Instances) == 0 {
		return errdefs.NewConfigError("instances", "cannot be empty")
	}
	if d.Process == nil {
		return errdefs.NewConfigError("process", "cannot be nil")
	}
	return nil
}

// New validates def and starts the backend selected by cfg. The returned
// Processor exclusively owns the backend; call Close to release it.
func New(def Definition, cfg dispatch.Config) (*Processor, error) {
	if err := def.validate(); err != nil {
		return nil, err
	}
	if def.Reduce == nil {
		def.Reduce = SumOutcomes
	}

	backend, err := dispatch.New(cfg, def.Process, def.Init)
	if err != nil {
		return nil, fmt.Errorf("failed to start %s backend: %w", cfg.Type, err)
	}

	slog.Info("Objective ready",
		"objective", def.Name,
		"parameters", len(def.ParameterNames),
		"instances", len(def.Instances),
		"backend", backend.Name(),
	)
	return &Processor{def: def, backend: backend}, nil
}

// Run creates a Processor, hands it to fn and closes it when fn returns or
// panics.
func Run(def Definition, cfg dispatch.Config, fn func(*Processor) error) (err error) {
	p, err := New(def, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := p.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(p)
}

// Name returns the objective name.
func (p *Processor) Name() string { return p.def.Name }

// ParameterNames returns the fit parameter names in binding order.
func (p *Processor) ParameterNames() []string { return slices.Clone(p.def.ParameterNames) }

// Backend returns the owned backend.
func (p *Processor) Backend() dispatch.Backend { return p.backend }

// bind returns the named parameter map for params.
func (p *Processor) bind(params []float64) (map[string]any, error) {
	if len(params) != len(p.def.ParameterNames) {
		return nil, errdefs.NewConfigError("params", "got %d values for %d parameter names", len(params), len(p.def.ParameterNames))
	}
	if p.def.Transform != nil {
		transformed, err := p.def.Transform(slices.Clone(params))
		if err != nil {
			return nil, fmt.Errorf("failed to transform parameters: %w", err)
		}
		if len(transformed) != len(params) {
			return nil, errdefs.NewConfigError("transform", "returned %d values, expected %d", len(transformed), len(params))
		}
		params = transformed
	}

	bound := make(map[string]any, len(params))
	for i, name := range p.def.ParameterNames {
		bound[name] = params[i]
	}
	return bound, nil
}

// items builds one work item per instance: instance, then fit params, then
// aux params, later sources winning on collision.
func (p *Processor) items(bound map[string]any) []dispatch.Item {
	items := make([]dispatch.Item, len(p.def.Instances))
	for i, inst := range p.def.Instances {
		it := make(dispatch.Item, len(inst)+len(bound)+len(p.def.AuxParams))
		for k, v := range inst {
			it[k] = v
		}
		for k, v := range bound {
			it[k] = v
		}
		for k, v := range p.def.AuxParams {
			it[k] = v
		}
		items[i] = it
	}
	return items
}

// strip removes every fit and aux key from an item.
func (p *Processor) strip(it dispatch.Item) map[string]any {
	ctx := make(map[string]any, len(it))
	for k, v := range it {
		ctx[k] = v
	}
	for _, name := range p.def.ParameterNames {
		delete(ctx, name)
	}
	for k := range p.def.AuxParams {
		delete(ctx, k)
	}
	return ctx
}

// ProcessAll evaluates every instance at params.
func (p *Processor) ProcessAll(ctx context.Context, params []float64, opts dispatch.Options) ([]Processed, error) {
	bound, err := p.bind(params)
	if err != nil {
		return nil, err
	}

	results, err := p.backend.SubmitBatch(ctx, p.items(bound), opts)
	if err != nil {
		return nil, err
	}

	processed := make([]Processed, len(results))
	for i, r := range results {
		processed[i] = Processed{
			Context: p.strip(r.Item),
			Outcome: r.Outcome,
			Err:     r.Err,
		}
	}
	return processed, nil
}

// CalculateObjective reduces processed outcomes with the definition's
// reducer.
func (p *Processor) CalculateObjective(processed []Processed, aux map[string]any) (float64, error) {
	v, err := p.def.Reduce(processed, aux)
	if err != nil {
		return 0, fmt.Errorf("failed to reduce %s: %w", p.def.Name, err)
	}
	return v, nil
}

// Close shuts the backend down. It is safe to call more than once.
func (p *Processor) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = p.backend.Shutdown()
		slog.Debug("Objective closed", "objective", p.def.Name, "backend", p.backend.Name())
	})
	return p.closeErr
}

// ErrNoOutcomes is returned by SumOutcomes when no item succeeded, so a
// fully failed batch never scores as a perfect objective.
var ErrNoOutcomes = errors.New("no item produced an outcome")

// SumOutcomes is the default reducer. It sums numeric outcomes and skips
// failed items (nil outcome). A batch without any outcome is an error.
func SumOutcomes(processed []Processed, _ map[string]any) (float64, error) {
	var (
		sum float64
		ok  int
	)
	for i, pr := range processed {
		if pr.Outcome == nil {
			continue
		}
		v, numeric := dispatch.ToFloat(pr.Outcome)
		if !numeric {
			return 0, fmt.Errorf("outcome %d is not numeric (%T)", i, pr.Outcome)
		}
		sum += v
		ok++
	}
	if ok == 0 {
		return 0, fmt.Errorf("%w: all %d items failed", ErrNoOutcomes, len(processed))
	}
	return sum, nil
}
