package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dvloznov/fraud-tracker/internal/app"
	"github.com/dvloznov/fraud-tracker/internal/domain"
	"github.com/dvloznov/fraud-tracker/internal/importer"
	"github.com/dvloznov/fraud-tracker/internal/logger"
	"github.com/dvloznov/fraud-tracker/internal/store"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest FILE",
	Short: "Score and store a file of raw records for one user",
	Long: `Reads a JSON array, a {"transactions": [...]} object or JSON lines from FILE
and runs every record through the full ingestion pipeline.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user")
		if userID == "" {
			return fmt.Errorf("--user is required")
		}
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read %s: %w", args[0], err)
		}
		records, err := importer.DecodeRecords(data)
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			res, err := a.Ingester.Ingest(ctx, userID, records)
			if err != nil {
				return err
			}
			log := logger.FromContext(ctx)
			log.Info().
				Int("stored", len(res.Transactions)).
				Int("skipped", len(res.Skipped)).
				Int("failed", len(res.Failed)).
				Msg("Ingestion finished")
			return printJSON(res)
		})
	},
}

var importCmd = &cobra.Command{
	Use:   "import URI",
	Short: "Bulk import unscored records from a local path or gs:// URI",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user")
		score, _ := cmd.Flags().GetBool("score")
		if userID == "" {
			return fmt.Errorf("--user is required")
		}
		uri := args[0]
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			// No consumer runs here; rows wait for --score or the worker.
			im, err := a.Importer(ctx, strings.HasPrefix(uri, "gs://"), false)
			if err != nil {
				return err
			}
			res, err := im.Import(ctx, userID, uri)
			if err != nil {
				return err
			}
			if err := printJSON(res); err != nil {
				return err
			}
			if score && len(res.Imported) > 0 {
				batch, err := a.Backlog.ProcessPending(ctx, len(res.Imported))
				if err != nil {
					return err
				}
				return printJSON(batch)
			}
			return nil
		})
	},
}

var uploadCmd = &cobra.Command{
	Use:   "upload FILE",
	Short: "Upload an export file to GCS for a later import",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		bucket, _ := cmd.Flags().GetString("bucket")
		object, _ := cmd.Flags().GetString("object")
		filePath := args[0]
		if object == "" {
			object = filepath.Base(filePath)
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if bucket == "" {
			bucket = cfg.GCS.Bucket
		}
		if bucket == "" {
			return fmt.Errorf("--bucket or gcs.bucket is required")
		}

		ctx := cmd.Context()
		src, err := importer.NewGCSSource(ctx)
		if err != nil {
			return err
		}
		defer src.Close()

		uri, err := src.Upload(ctx, bucket, object, filePath)
		if err != nil {
			return err
		}
		fmt.Println(uri)
		return nil
	},
}

var backlogCmd = &cobra.Command{
	Use:   "backlog",
	Short: "Score one batch of unscored transactions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			if limit <= 0 {
				limit = a.Config.Worker.BatchSize
			}
			res, err := a.Backlog.ProcessPending(ctx, limit)
			if err != nil {
				return err
			}
			return printJSON(res)
		})
	},
}

var decideCmd = &cobra.Command{
	Use:   "decide TRANSACTION_ID approve|decline",
	Short: "Record a reviewer decision on a scored transaction",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user")
		if userID == "" {
			return fmt.Errorf("--user is required")
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			tx, err := a.Recorder.RecordDecision(ctx, userID, args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(tx)
		})
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored transactions, flagged first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user")
		flagged, _ := cmd.Flags().GetBool("flagged")
		limit, _ := cmd.Flags().GetInt("limit")
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			txs, err := a.Store.ListTransactions(ctx, store.TransactionFilter{
				UserID:      userID,
				FlaggedOnly: flagged,
				Limit:       limit,
			})
			if err != nil {
				return err
			}
			return printJSON(txs)
		})
	},
}

var linkAccountCmd = &cobra.Command{
	Use:   "link-account EXTERNAL_ACCOUNT_ID",
	Short: "Register a provider account so ingested records resolve to it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user")
		name, _ := cmd.Flags().GetString("name")
		if userID == "" {
			return fmt.Errorf("--user is required")
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			id, err := a.Store.UpsertAccount(ctx, &domain.Account{
				UserID:            userID,
				ExternalAccountID: args[0],
				Name:              name,
			})
			if err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		})
	},
}

func init() {
	for _, c := range []*cobra.Command{ingestCmd, importCmd, decideCmd, linkAccountCmd} {
		c.Flags().String("user", "", "User the records belong to")
	}
	listCmd.Flags().String("user", "", "Restrict to one user (all users when empty)")
	listCmd.Flags().Bool("flagged", false, "Only flagged transactions")
	listCmd.Flags().Int("limit", 50, "Maximum rows")

	importCmd.Flags().Bool("score", false, "Score the imported rows before exiting")

	uploadCmd.Flags().String("bucket", "", "GCS bucket (defaults to gcs.bucket)")
	uploadCmd.Flags().String("object", "", "Object name (defaults to the file name)")

	backlogCmd.Flags().Int("limit", 0, "Rows per batch (defaults to worker.batch_size)")

	linkAccountCmd.Flags().String("name", "", "Display name")
}
