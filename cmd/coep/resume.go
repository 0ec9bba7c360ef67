package main

import (
	"github.com/spf13/cobra"
)

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume an SPSA run from its checkpoint",
	Long: `Resumes the run described by the configuration file from the checkpoint
saved under its name in the data directory. Records, when enabled, are
appended as a new run in the existing record directory.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runFromConfig(cmd, true)
	},
}

func init() {
	resumeCmd.Flags().StringVar(&configPath, "config", "", "Run configuration file (required)")
	resumeCmd.Flags().StringVar(&listenAddr, "listen", "", "Serve status, events and /metrics on this address while running")

	resumeCmd.MarkFlagRequired("config")
	rootCmd.AddCommand(resumeCmd)
}
