package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kasmith/coep/internal/store"
)

var recordsCmd = &cobra.Command{
	Use:   "records",
	Short: "Inspect run records",
}

var showRecordsCmd = &cobra.Command{
	Use:   "show <dir>",
	Short: "Summarize the runs in a record directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return showRecords(cmd.OutOrStdout(), args[0])
	},
}

func init() {
	rootCmd.AddCommand(recordsCmd)
	recordsCmd.AddCommand(showRecordsCmd)
}

func showRecords(out io.Writer, dir string) error {
	info, err := store.ReadInitialization(dir)
	if err != nil {
		return fmt.Errorf("failed to read records: %w", err)
	}

	fmt.Fprintf(out, "Objective: %s\n", info.Objective)
	fmt.Fprintf(out, "Parameters: %s\n", strings.Join(info.ParameterNames, ", "))
	fmt.Fprintf(out, "Instances: %d\n", len(info.Instances))
	fmt.Fprintf(out, "Solver: %s (backend %s)\n", info.Solver, info.Backend)
	fmt.Fprintf(out, "Created: %s\n\n", info.CreatedAt.Format("2006-01-02 15:04:05"))

	runs, err := store.ListRuns(dir)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs recorded.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tRUN ID\tSTARTED\tCALLS\tITERATIONS\tOBJECTIVE\tREASON")
	for _, run := range runs {
		runInit, err := store.ReadRunInitialization(dir, run)
		if err != nil {
			return err
		}
		calls, err := store.ReadFunctionCalls(dir, run)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		iters, err := store.ReadSolverResults(dir, run)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}

		objective, reason := "-", "unfinished"
		res, err := store.LoadResult(dir, run)
		switch {
		case err == nil:
			reason = res.Reason
			if res.Fun != nil {
				objective = fmt.Sprintf("%g", *res.Fun)
			} else {
				objective = "null"
			}
		case !errors.Is(err, store.ErrNotFound):
			return err
		}

		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%d\t%s\t%s\n",
			run,
			runInit.RunID,
			runInit.StartedAt.Format("2006-01-02 15:04:05"),
			len(calls),
			len(iters),
			objective,
			reason,
		)
	}
	return w.Flush()
}
