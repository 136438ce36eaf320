package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	rootCmd    = &cobra.Command{
		Use:   "veritas",
		Short: "Veritas - generate and validate pytest suites with an LLM",
		Long: `Veritas reads a Python function, infers its behavior, generates pytest tests,
runs and repairs them, measures coverage and produces a PR-ready patch.
Runs can be driven from the command line or through the HTTP API.`,
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
