package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/dvloznov/fraud-tracker/internal/app"
	"github.com/dvloznov/fraud-tracker/internal/config"
	"github.com/dvloznov/fraud-tracker/internal/logger"
)

var (
	configPath string
	timeout    time.Duration
	rootCmd    *cobra.Command
)

func init() {
	rootCmd = &cobra.Command{
		Use:   "fraudctl",
		Short: "Operate the transaction risk pipeline",
		Long: `fraudctl runs the ingestion, backlog scoring, review and schema
operations of the fraud tracker against the configured store.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("FRAUD_CONFIG"), "Path to a config file (yaml, json or toml)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Minute, "Overall deadline for the command")
}

func main() {
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(uploadCmd)
	rootCmd.AddCommand(backlogCmd)
	rootCmd.AddCommand(decideCmd)
	rootCmd.AddCommand(reviewSyncCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(linkAccountCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(seedCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// withApp loads config, builds the component graph and runs fn under the
// command deadline.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	// CLIs always log to the console.
	log := logger.NewForService("cli", cfg.Log.Level, "console")

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	ctx = logger.WithContext(ctx, log)

	a, err := app.New(ctx, cfg, "cli", log)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to release resources")
		}
	}()

	return fn(ctx, a)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
