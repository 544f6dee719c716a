package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
	logFormat  string
	rootCmd    = &cobra.Command{
		Use:   "are",
		Short: "Epistemic Engine - governed research pipeline",
		Long: `are drives an inquiry through eight fixed phases, from ingestion to
publication. Every transition is written to a hash-chained audit log, every
phase output is checked against ethical axioms, and selected phases wait for a
human reviewer before the run may continue.`,
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
