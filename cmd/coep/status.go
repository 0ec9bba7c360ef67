package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/kasmith/coep/internal/server"
)

var serverURL string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Query the status of a running optimization",
	Long: `Queries a run started with --listen for its current state, evaluation and
iteration counts and the best objective value seen so far.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return getRunStatus(cmd.OutOrStdout(), serverURL)
	},
}

func init() {
	statusCmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "Server URL")
	rootCmd.AddCommand(statusCmd)
}

func getRunStatus(out io.Writer, baseURL string) error {
	resp, err := http.Get(baseURL + "/api/v1/status")
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned error: %s", string(body))
	}

	var status server.RunStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	fmt.Fprintf(out, "State: %s\n", status.State)
	fmt.Fprintf(out, "Evaluations: %d\n", status.Evaluations)
	fmt.Fprintf(out, "Iterations: %d\n", status.Iterations)
	if status.BestValue != nil {
		fmt.Fprintf(out, "Best objective: %g at %v\n", *status.BestValue, status.BestParameters)
	}
	if status.LastValue != nil {
		fmt.Fprintf(out, "Last objective: %g\n", *status.LastValue)
	}
	if status.StartTime != nil {
		elapsed := time.Duration(status.Elapsed * float64(time.Second))
		fmt.Fprintf(out, "Elapsed: %s\n", elapsed.Round(time.Millisecond))
	}
	if status.Error != "" {
		fmt.Fprintf(out, "\nError: %s\n", status.Error)
	}
	return nil
}
