package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dvloznov/fraud-tracker/internal/app"
	"github.com/dvloznov/fraud-tracker/internal/config"
	"github.com/dvloznov/fraud-tracker/internal/logger"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations to the configured store",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			n, err := a.Migrate(ctx)
			if errors.Is(err, app.ErrNoMigrations) {
				fmt.Printf("Store %q has no schema to migrate.\n", a.Config.Store.Driver)
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Printf("Applied %d migration(s).\n", n)
			return nil
		})
	},
}

var reviewSyncCmd = &cobra.Command{
	Use:   "review-sync",
	Short: "Synchronise flagged transactions with the Notion review board",
}

var reviewPushCmd = &cobra.Command{
	Use:   "push",
	Short: "Create or refresh review cards for flagged, undecided transactions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			syncer, err := a.ReviewSyncer()
			if err != nil {
				return err
			}
			res, err := syncer.Push(ctx, limit, dryRun)
			if err != nil {
				return err
			}
			log := logger.FromContext(ctx)
			log.Info().Bool("dry_run", dryRun).Msg("Review push finished")
			return printJSON(res)
		})
	},
}

var reviewPullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Record decisions reviewers made on the board",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			syncer, err := a.ReviewSyncer()
			if err != nil {
				return err
			}
			res, err := syncer.Pull(ctx, dryRun)
			if err != nil {
				return err
			}
			return printJSON(res)
		})
	},
}

func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}

func init() {
	reviewSyncCmd.PersistentFlags().Bool("dry-run", false, "Preview changes without writing")
	reviewPushCmd.Flags().Int("limit", 200, "Maximum transactions to push")
	reviewSyncCmd.AddCommand(reviewPushCmd, reviewPullCmd)
}
