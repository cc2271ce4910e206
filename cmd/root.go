package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	cfgFile   string
	logFormat string
)

var rootCmd = &cobra.Command{
	Use:   "phytod",
	Short: "Greenhouse plant-sensor data pipeline daemon",
	Long: `phytod ingests plant-sensor time series (stem diameter, sap flow) from an
external per-device sensor API, keeps a local history store in SQLite or
PostgreSQL in sync on the sensor's native 5-minute cadence, and serves the
data at multiple temporal resolutions to the greenhouse dashboard, routing
each query between synced history, cached live fetches, and last-known-good
fallback.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "json", "log format (text or json)")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
