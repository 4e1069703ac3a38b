// Package cmd implements the rooswarm command-line interface.
package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "rooswarm",
	Short: "Parallel multi-agent task coordinator",
	Long: `Rooswarm decomposes a bounded task DAG into concurrent workers,
dispatches them over a local message channel, enforces per-provider rate
limits, isolates their working directories, and brokers reviews between
producer and reviewer workers.`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is ./rooswarm.yaml)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
}

// configPath returns the --config flag value.
func configPath() string {
	return viper.GetString("config")
}
