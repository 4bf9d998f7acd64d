// Package cmd holds the dealdrip command line.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"dealdrip/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "dealdrip",
	Short: "Deal Drip - publishes discounted catalog products through the day",
	Long: "Deal Drip pulls discounted products from an affiliate catalog, publishes them " +
		"as posts on a daily quota and keeps the published set in sync with the catalog.",
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("timezone", "", "Site timezone, e.g. Europe/Amsterdam")
	rootCmd.PersistentFlags().String("local-storage", "", "Directory for local state (ignored with --bucket)")
	rootCmd.PersistentFlags().String("bucket", "", "Cloud Storage bucket for state")
	rootCmd.PersistentFlags().String("database", "", "Path to the content database")
	rootCmd.PersistentFlags().Bool("jitter", false, "Randomize dripfeed wake times")
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
}

func initConfig() {
	cfg = config.DefaultConfig()
	cfg.LoadFromEnv()

	// Override from flags
	if v, _ := rootCmd.PersistentFlags().GetString("timezone"); v != "" {
		cfg.Timezone = v
	}
	if v, _ := rootCmd.PersistentFlags().GetString("local-storage"); v != "" {
		cfg.LocalStorage = v
	}
	if v, _ := rootCmd.PersistentFlags().GetString("bucket"); v != "" {
		cfg.StorageBucket = v
	}
	if v, _ := rootCmd.PersistentFlags().GetString("database"); v != "" {
		cfg.DatabasePath = v
	}
	if v, _ := rootCmd.PersistentFlags().GetBool("jitter"); v {
		cfg.Jitter = true
	}
}

// newLogger returns a JSON logger for the service and a text logger for
// one-shot commands.
func newLogger(cmd *cobra.Command, jsonOut bool) *slog.Logger {
	level := slog.LevelInfo
	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if jsonOut {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
