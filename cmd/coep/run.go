package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/kasmith/coep/internal/config"
	"github.com/kasmith/coep/internal/controller"
	"github.com/kasmith/coep/internal/dispatch"
	"github.com/kasmith/coep/internal/objective"
	"github.com/kasmith/coep/internal/opt"
	"github.com/kasmith/coep/internal/server"
	"github.com/kasmith/coep/internal/store"
)

var (
	configPath string
	listenAddr string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run an optimization from a configuration file",
	Long: `Runs the configured optimizer over the configured objective and prints the
result. With --listen the run is served over HTTP (status, events, metrics).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runFromConfig(cmd, false)
	},
}

func init() {
	runCmd.Flags().StringVar(&configPath, "config", "", "Run configuration file (required)")
	runCmd.Flags().StringVar(&listenAddr, "listen", "", "Serve status, events and /metrics on this address while running")

	runCmd.MarkFlagRequired("config")
	rootCmd.AddCommand(runCmd)
}

func runFromConfig(cmd *cobra.Command, resume bool) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if !cmd.Flags().Changed("log-level") {
		setupLogger(cfg.LogLevel)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	_, err = execute(ctx, cfg, runParams{resume: resume, listen: listenAddr, out: cmd.OutOrStdout()})
	return err
}

type runParams struct {
	resume bool
	listen string
	out    io.Writer
}

// execute builds the processor, optimizer, sink and optional HTTP server
// from cfg and runs one optimization.
func execute(ctx context.Context, cfg *config.Config, p runParams) (*opt.Result, error) {
	def, err := cfg.Definition()
	if err != nil {
		return nil, err
	}

	var cp opt.Checkpointer
	if cfg.CheckpointEnabled() {
		fsStore, err := store.NewFSStore(cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("failed to create checkpoint store: %w", err)
		}
		if p.resume {
			if err := checkResumable(fsStore, cfg); err != nil {
				return nil, err
			}
		}
		cp = fsStore.Checkpointer(cfg.Name)
	} else if p.resume {
		return nil, fmt.Errorf("resume requires spsa with checkpoint: true")
	}

	optimizer, err := cfg.NewOptimizer(cp)
	if err != nil {
		return nil, err
	}

	var rec *store.Recorder
	if cfg.Records != nil {
		rec, err = openRecorder(cfg, def, p.resume)
		if err != nil {
			return nil, err
		}
		defer rec.Close()
		if out := cfg.Records.Outputs; out != nil {
			def.Process = store.WrapFunc(def.Process, rec, out.GroupBy)
		}
	}

	reg := prometheus.NewRegistry()
	metrics := dispatch.NewMetrics(reg)

	var result *opt.Result
	err = objective.Run(def, cfg.DispatchConfig(metrics), func(proc *objective.Processor) error {
		opts := []controller.Option{
			controller.WithDispatchOptions(cfg.DispatchOptions()),
			controller.WithAuxObjectiveParams(cfg.Objective.AuxObjectiveParams),
		}
		if rec != nil {
			opts = append(opts, controller.WithSink(rec))
		}

		ctrl, err := controller.New(proc, optimizer, opts...)
		if err != nil {
			return err
		}
		defer ctrl.Close()

		if p.listen != "" {
			srv := server.NewServer(p.listen, ctrl, reg)
			go func() {
				if err := srv.Start(); err != nil {
					slog.Error("HTTP server failed", "error", err)
				}
			}()
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
		}

		options, err := cfg.RunOptions()
		if err != nil {
			return err
		}
		result, err = ctrl.Optimize(ctx, cfg.X0(), options)
		if result != nil {
			printResult(p.out, proc.ParameterNames(), result)
		}
		return err
	})
	return result, err
}

// checkResumable makes sure a compatible checkpoint exists.
func checkResumable(fsStore *store.FSStore, cfg *config.Config) error {
	checkpoint, err := fsStore.LoadCheckpoint(cfg.Name)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("no checkpoint named %q in %s", cfg.Name, cfg.DataDir)
	}
	if err != nil {
		return err
	}
	if err := checkpoint.IsCompatible(len(cfg.Objective.ParameterNames)); err != nil {
		return fmt.Errorf("checkpoint %q: %w", cfg.Name, err)
	}
	slog.Info("Resuming from checkpoint", "name", cfg.Name, "iteration", checkpoint.NIter, "evaluations", checkpoint.NFev)
	return nil
}

// openRecorder creates the record directory, or appends to it on resume.
func openRecorder(cfg *config.Config, def objective.Definition, resume bool) (*store.Recorder, error) {
	if resume {
		rec, err := store.OpenRecorder(cfg.Records.Dir)
		if err == nil || !errors.Is(err, store.ErrNotFound) {
			return rec, err
		}
	}
	return store.NewRecorder(cfg.Records.Dir, store.InitializationInfo{
		Objective:      def.Name,
		ParameterNames: def.ParameterNames,
		Instances:      def.Instances,
		AuxParams:      def.AuxParams,
		Solver:         cfg.Optimizer.Type,
		Backend:        cfg.Backend.Type,
	}, cfg.Records.Overwrite)
}

func printResult(out io.Writer, names []string, res *opt.Result) {
	fmt.Fprintf(out, "%s\n", res.Message)
	fmt.Fprintf(out, "Objective: %g (%d iterations, %d evaluations)\n\n", res.Fun, res.Iterations, res.Evaluations)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PARAMETER\tVALUE")
	for i, x := range res.X {
		name := fmt.Sprintf("x%d", i)
		if i < len(names) {
			name = names[i]
		}
		fmt.Fprintf(w, "%s\t%g\n", name, x)
	}
	w.Flush()
}
