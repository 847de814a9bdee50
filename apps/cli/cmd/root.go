package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "apicize",
	Short: "Run declarative API test workbooks with production-grade resilience.",
	Long: `apicize executes HTTP requests defined in JSON workbooks: manual
redirect following with correct method-downgrade semantics, per-attempt
timeouts, typed error classification, bounded retry with exponential
backoff, and a per-destination circuit breaker.`,
}

func Execute(v, bt string) {
	version = v
	buildTime = bt
	if err := rootCmd.Execute(); err != nil {
		os.Exit(ExitUsageError)
	}
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(versionCmd)
}
