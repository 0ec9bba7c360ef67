package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/kasmith/coep/internal/dispatch"
	"github.com/kasmith/coep/internal/errdefs"
)

const (
	callsDir      = "calls"
	defaultGroup  = "output"
	outputFileExt = ".jsonl"
)

// Output lets a wrapped function return one value to the caller while
// storing another. Return this (or a map with exactly the keys "Return" and
// "Write") from a function passed to WrapFunc.
type Output struct {
	Return any
	Write  any
}

// CallOutput is one line of runs/<n>/calls/<call>/<group>.jsonl.
type CallOutput struct {
	Call      int            `json:"call"`
	Group     string         `json:"group"`
	Item      map[string]any `json:"item"`
	Output    any            `json:"output"`
	Timestamp time.Time      `json:"timestamp"`
}

// splitOutput separates the stored value from the returned one.
func splitOutput(v any) (ret, write any) {
	switch o := v.(type) {
	case Output:
		return o.Return, o.Write
	case *Output:
		if o != nil {
			return o.Return, o.Write
		}
	case map[string]any:
		r, hasReturn := o["Return"]
		w, hasWrite := o["Write"]
		if hasReturn && hasWrite {
			return r, w
		}
	}
	return v, v
}

// groupName joins the item's grouping fields with "_". A missing field is a
// permanent error since retrying cannot produce it.
func groupName(item dispatch.Item, grouping []string) (string, error) {
	if len(grouping) == 0 {
		return defaultGroup, nil
	}
	parts := make([]string, len(grouping))
	for i, g := range grouping {
		v, ok := item[g]
		if !ok {
			return "", errdefs.Permanent(fmt.Errorf("grouping field %q not found in item", g))
		}
		parts[i] = fmt.Sprint(v)
	}
	name := strings.Join(parts, "_")
	name = strings.NewReplacer("/", "-", `\`, "-").Replace(name)
	if name == "" || name == "." || name == ".." {
		name = defaultGroup
	}
	return name, nil
}

// WrapFunc returns fn with every successful outcome also stored in r under
// runs/<n>/calls/<call>/<group>.jsonl, where call is the evaluation in
// progress and group is built from the item's grouping fields. An Output
// outcome stores Write and hands only Return back to the caller.
func WrapFunc(fn dispatch.Func, r *Recorder, grouping []string) dispatch.Func {
	return func(ctx context.Context, item dispatch.Item) (any, error) {
		group, err := groupName(item, grouping)
		if err != nil {
			return nil, err
		}
		out, err := fn(ctx, item)
		if err != nil {
			return nil, err
		}
		ret, write := splitOutput(out)
		if err := r.writeOutput(group, item, write); err != nil {
			return nil, err
		}
		return ret, nil
	}
}

func (r *Recorder) writeOutput(group string, item dispatch.Item, output any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		slog.Warn("Output written outside a run, not stored", "group", group)
		return nil
	}
	call := r.lastCall + 1
	path := filepath.Join(runDir(r.dir, r.run), callsDir, strconv.Itoa(call), group+outputFileExt)

	tw, err := NewTraceWriter(path, true)
	if err != nil {
		return err
	}
	werr := tw.Write(CallOutput{
		Call:      call,
		Group:     group,
		Item:      safeMap(item),
		Output:    jsonSafe(output),
		Timestamp: time.Now(),
	})
	if cerr := tw.Close(); werr == nil {
		werr = cerr
	}
	return werr
}

// ReadCallOutputs loads the stored outputs of one evaluation, keyed by group.
func ReadCallOutputs(dir string, run, call int) (map[string][]CallOutput, error) {
	callDir := filepath.Join(runDir(dir, run), callsDir, strconv.Itoa(call))
	entries, err := os.ReadDir(callDir)
	if os.IsNotExist(err) {
		return nil, &NotFoundError{Name: callDir}
	} else if err != nil {
		return nil, fmt.Errorf("failed to read call directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), outputFileExt) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	out := make(map[string][]CallOutput, len(names))
	for _, name := range names {
		records, err := ReadTrace[CallOutput](filepath.Join(callDir, name))
		if err != nil {
			return nil, err
		}
		out[strings.TrimSuffix(name, outputFileExt)] = records
	}
	return out, nil
}
