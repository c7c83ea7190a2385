package main

import (
	"github.com/spf13/cobra"
)

var (
	logLevel  string
	logPretty bool
)

var rootCmd = &cobra.Command{
	Use:   "fetcherd",
	Short: "fetcherd runs the portfolio tracker's price-fetching core",
	Long: `fetcherd maintains a monitored set of financial instruments, refreshes
their prices on a fixed cadence, backfills a year of history when an
instrument is newly purchased, recomputes portfolio valuations after each
refresh, and exposes its own operational state over a read-only HTTP API.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override FETCHERD_LOG_LEVEL")
	rootCmd.PersistentFlags().BoolVar(&logPretty, "log-pretty", false, "use console-writer log output instead of JSON")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
}
