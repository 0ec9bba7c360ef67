package store

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kasmith/coep/internal/controller"
	"github.com/kasmith/coep/internal/opt"
)

// Record file names.
const (
	initializationFile = "initialization.json"
	functionCallsFile  = "function_calls.jsonl"
	solverResultsFile  = "solver_results.jsonl"
	resultFile         = "result.json"
	runsDir            = "runs"
)

// ErrRecordsExist is returned when a record directory is already in use and
// overwriting was not requested.
var ErrRecordsExist = errors.New("record directory already exists")

// InitializationInfo identifies the objective a record directory belongs to.
type InitializationInfo struct {
	Objective      string           `json:"objective"`
	ParameterNames []string         `json:"parameter_names"`
	Instances      []map[string]any `json:"instances"`
	AuxParams      map[string]any   `json:"aux_params,omitempty"`
	Solver         string           `json:"solver"`
	Backend        string           `json:"backend,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
}

// RunInitialization is written when a run starts.
type RunInitialization struct {
	RunID     string         `json:"run_id"`
	Run       int            `json:"run"`
	X0        Vector         `json:"x0"`
	Options   map[string]any `json:"options,omitempty"`
	StartedAt time.Time      `json:"started_at"`
}

// ProcessedRecord is one instance outcome inside a function call.
type ProcessedRecord struct {
	Context map[string]any `json:"context"`
	Outcome any            `json:"outcome"`
	Error   string         `json:"error,omitempty"`
}

// FunctionCall is one line of function_calls.jsonl.
type FunctionCall struct {
	Call           int               `json:"call"`
	Parameters     Vector            `json:"parameters"`
	Processed      []ProcessedRecord `json:"processed"`
	Objective      *float64          `json:"objective"`
	RuntimeSeconds float64           `json:"runtime_seconds"`
	Timestamp      time.Time         `json:"timestamp"`
}

// SolverResult is one line of solver_results.jsonl.
type SolverResult struct {
	Iteration  int       `json:"iteration"`
	Parameters Vector    `json:"parameters"`
	Value      *float64  `json:"value"`
	Timestamp  time.Time `json:"timestamp"`
}

// RunResult is the final result.json of a run.
type RunResult struct {
	X           Vector    `json:"x"`
	Fun         *float64  `json:"fun"`
	Iterations  int       `json:"iterations"`
	Evaluations int       `json:"evaluations"`
	Reason      string    `json:"reason"`
	Message     string    `json:"message"`
	Status      int       `json:"status"`
	Success     bool      `json:"success"`
	FinishedAt  time.Time `json:"finished_at"`
}

// Recorder writes the hierarchical, append-only history of optimization
// runs under one directory:
//
//	<dir>/initialization.json
//	<dir>/runs/<n>/initialization.json
//	<dir>/runs/<n>/function_calls.jsonl
//	<dir>/runs/<n>/solver_results.jsonl
//	<dir>/runs/<n>/result.json
type Recorder struct {
	dir string

	mu       sync.Mutex
	run      int
	runID    string
	calls    *TraceWriter
	solver   *TraceWriter
	running  bool
	lastCall int
}

var _ controller.Sink = (*Recorder)(nil)

// NewRecorder creates a record directory for info. An existing, non-empty
// directory is refused unless overwrite is set, in which case it is
// cleared first.
func NewRecorder(dir string, info InitializationInfo, overwrite bool) (*Recorder, error) {
	entries, err := os.ReadDir(dir)
	switch {
	case err == nil && len(entries) > 0:
		if !overwrite {
			return nil, fmt.Errorf("%w: %s", ErrRecordsExist, dir)
		}
		slog.Warn("Overwriting existing records", "dir", dir)
		if err := os.RemoveAll(dir); err != nil {
			return nil, fmt.Errorf("failed to clear record directory: %w", err)
		}
	case err != nil && !os.IsNotExist(err):
		return nil, fmt.Errorf("failed to read record directory: %w", err)
	}

	if err := os.MkdirAll(filepath.Join(dir, runsDir), 0755); err != nil {
		return nil, fmt.Errorf("failed to create record directory: %w", err)
	}
	if info.CreatedAt.IsZero() {
		info.CreatedAt = time.Now()
	}
	info.Instances = safeMaps(info.Instances)
	info.AuxParams = safeMap(info.AuxParams)
	if err := writeJSONAtomic(filepath.Join(dir, initializationFile), info); err != nil {
		return nil, err
	}

	slog.Info("Recording runs", "dir", dir, "objective", info.Objective)
	return &Recorder{dir: dir}, nil
}

// OpenRecorder reopens an existing record directory so further runs are
// appended after the ones already there.
func OpenRecorder(dir string) (*Recorder, error) {
	if _, err := ReadInitialization(dir); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(dir, runsDir), 0755); err != nil {
		return nil, fmt.Errorf("failed to create runs directory: %w", err)
	}
	return &Recorder{dir: dir}, nil
}

// Dir returns the record directory.
func (r *Recorder) Dir() string { return r.dir }

// Run returns the index of the current or last run.
func (r *Recorder) Run() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.run
}

func runDir(dir string, run int) string {
	return filepath.Join(dir, runsDir, strconv.Itoa(run))
}

// BeginRun starts runs/<n> with the next free n.
func (r *Recorder) BeginRun(x0 []float64, options map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return fmt.Errorf("run %d is still open", r.run)
	}

	runs, err := ListRuns(r.dir)
	if err != nil {
		return err
	}
	next := 0
	if len(runs) > 0 {
		next = runs[len(runs)-1] + 1
	}

	rd := runDir(r.dir, next)
	if err := os.MkdirAll(rd, 0755); err != nil {
		return fmt.Errorf("failed to create run directory: %w", err)
	}

	runInit := RunInitialization{
		RunID:     uuid.NewString(),
		Run:       next,
		X0:        x0,
		Options:   safeMap(options),
		StartedAt: time.Now(),
	}
	if err := writeJSONAtomic(filepath.Join(rd, initializationFile), runInit); err != nil {
		return err
	}

	calls, err := NewTraceWriter(filepath.Join(rd, functionCallsFile), true)
	if err != nil {
		return err
	}
	solver, err := NewTraceWriter(filepath.Join(rd, solverResultsFile), true)
	if err != nil {
		calls.Close()
		return err
	}

	r.run, r.runID = next, runInit.RunID
	r.calls, r.solver = calls, solver
	r.running = true
	r.lastCall = 0

	slog.Info("Run started", "run", next, "run_id", runInit.RunID, "dir", rd)
	return nil
}

// RecordEvaluation appends one function call line.
func (r *Recorder) RecordEvaluation(rec controller.EvaluationRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return fmt.Errorf("no run in progress")
	}

	processed := make([]ProcessedRecord, len(rec.Processed))
	for i, p := range rec.Processed {
		pr := ProcessedRecord{Context: safeMap(p.Context), Outcome: jsonSafe(p.Outcome)}
		if p.Err != nil {
			pr.Error = p.Err.Error()
		}
		processed[i] = pr
	}

	if err := r.calls.Write(FunctionCall{
		Call:           rec.Call,
		Parameters:     rec.Parameters,
		Processed:      processed,
		Objective:      finite(rec.Objective),
		RuntimeSeconds: rec.Runtime.Seconds(),
		Timestamp:      time.Now(),
	}); err != nil {
		return err
	}
	r.lastCall = rec.Call
	return r.calls.Flush()
}

// RecordIteration appends one solver result line.
func (r *Recorder) RecordIteration(rec controller.IterationRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return fmt.Errorf("no run in progress")
	}

	if err := r.solver.Write(SolverResult{
		Iteration:  rec.Iteration,
		Parameters: rec.Parameters,
		Value:      finite(rec.Value),
		Timestamp:  time.Now(),
	}); err != nil {
		return err
	}
	return r.solver.Flush()
}

// EndRun writes result.json and closes the run's trace files.
func (r *Recorder) EndRun(res *opt.Result) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return fmt.Errorf("no run in progress")
	}

	out := RunResult{FinishedAt: time.Now()}
	if res != nil {
		out.X = res.X
		out.Fun = finite(res.Fun)
		out.Iterations = res.Iterations
		out.Evaluations = res.Evaluations
		out.Reason = res.Reason
		out.Message = res.Message
		out.Status = res.Status
		out.Success = res.Success
	}

	err := writeJSONAtomic(filepath.Join(runDir(r.dir, r.run), resultFile), out)
	if cerr := r.closeRun(); err == nil {
		err = cerr
	}
	slog.Info("Run recorded", "run", r.run, "run_id", r.runID)
	return err
}

func (r *Recorder) closeRun() error {
	r.running = false
	return errors.Join(r.calls.Close(), r.solver.Close())
}

// Close closes an unfinished run. The run keeps its records but gets no
// result.json.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return nil
	}
	slog.Warn("Closing unfinished run", "run", r.run, "run_id", r.runID)
	return r.closeRun()
}

// ReadInitialization loads <dir>/initialization.json.
func ReadInitialization(dir string) (*InitializationInfo, error) {
	var info InitializationInfo
	if err := readJSON(filepath.Join(dir, initializationFile), dir, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// ListRuns returns the run indices under dir in ascending order.
func ListRuns(dir string) ([]int, error) {
	entries, err := os.ReadDir(filepath.Join(dir, runsDir))
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to read runs directory: %w", err)
	}

	var runs []int
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		n, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		runs = append(runs, n)
	}
	sort.Ints(runs)
	return runs, nil
}

// ReadRunInitialization loads the initialization of one run.
func ReadRunInitialization(dir string, run int) (*RunInitialization, error) {
	var runInit RunInitialization
	path := filepath.Join(runDir(dir, run), initializationFile)
	if err := readJSON(path, path, &runInit); err != nil {
		return nil, err
	}
	return &runInit, nil
}

// ReadFunctionCalls loads every function call of one run.
func ReadFunctionCalls(dir string, run int) ([]FunctionCall, error) {
	return ReadTrace[FunctionCall](filepath.Join(runDir(dir, run), functionCallsFile))
}

// ReadSolverResults loads every solver iteration of one run.
func ReadSolverResults(dir string, run int) ([]SolverResult, error) {
	return ReadTrace[SolverResult](filepath.Join(runDir(dir, run), solverResultsFile))
}

// LoadResult loads the final result of one run. A run that never finished
// returns ErrNotFound.
func LoadResult(dir string, run int) (*RunResult, error) {
	var res RunResult
	path := filepath.Join(runDir(dir, run), resultFile)
	if err := readJSON(path, path, &res); err != nil {
		return nil, err
	}
	return &res, nil
}
