package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dvloznov/fraud-tracker/internal/app"
	"github.com/dvloznov/fraud-tracker/internal/domain"
	"github.com/dvloznov/fraud-tracker/internal/logger"
	"github.com/dvloznov/fraud-tracker/internal/pipeline"
	"github.com/dvloznov/fraud-tracker/internal/store"
)

const seedDays = 30

var demoMerchants = []string{"Coffee Hut", "Grocery Co", "RideShare", "Electronics Hub"}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load demo accounts and transactions",
	Long: `Creates a demo checking account per user and scores thirty days of demo
transactions through the ingestion pipeline. Flagged demo rows get seeded
flags. Rows already present are skipped, so seeding twice is harmless.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		users, _ := cmd.Flags().GetStringSlice("users")
		if len(users) == 0 {
			return fmt.Errorf("--users must name at least one user")
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			in := pipeline.NewIngester(a.Store, a.Assessor, a.Locker, a.Settings, a.Publisher, a.Metrics, pipeline.Options{
				FlagType: domain.FlagTypeSeeded,
			})
			out := map[string]*pipeline.IngestResult{}
			for _, userID := range users {
				res, err := seedUser(ctx, a.Store, in, userID, time.Now())
				if err != nil {
					return err
				}
				out[userID] = res
			}
			return printJSON(out)
		})
	},
}

// seedUser upserts the demo account for userID and ingests its demo rows,
// oldest first so each row is scored against the ones before it.
func seedUser(ctx context.Context, s store.TransactionStore, in *pipeline.Ingester, userID string, today time.Time) (*pipeline.IngestResult, error) {
	log := logger.FromContext(ctx)

	accountRef := "demo-" + userID
	if _, err := s.UpsertAccount(ctx, &domain.Account{
		UserID:            userID,
		ExternalAccountID: accountRef,
		Name:              "Demo Checking",
	}); err != nil {
		return nil, fmt.Errorf("seedUser: %s: %w", userID, err)
	}

	records, err := demoRecords(userID, accountRef, today)
	if err != nil {
		return nil, fmt.Errorf("seedUser: %s: %w", userID, err)
	}
	res, err := in.Ingest(ctx, userID, records)
	if err != nil {
		return nil, fmt.Errorf("seedUser: %s: %w", userID, err)
	}

	flagged := 0
	for _, tx := range res.Transactions {
		if tx.IsFlagged {
			flagged++
		}
	}
	log.Info().
		Str("user_id", userID).
		Int("created", len(res.Transactions)).
		Int("skipped", len(res.Skipped)).
		Int("flagged", flagged).
		Msg("Seeded demo transactions")
	return res, nil
}

// demoRecords builds one record per day ending today. Every second
// Electronics Hub purchase is a large one.
func demoRecords(userID, accountRef string, today time.Time) ([]json.RawMessage, error) {
	records := make([]json.RawMessage, 0, seedDays)
	for i := seedDays - 1; i >= 0; i-- {
		merchant := demoMerchants[i%len(demoMerchants)]
		amount := fmt.Sprintf("%d.%02d", 5+(i*7)%40, (i*13)%100)
		if merchant == "Electronics Hub" && i%8 == 3 {
			amount = "420.50"
		}
		raw, err := json.Marshal(map[string]interface{}{
			"tx_id":            fmt.Sprintf("demo-%s-%d", userID, i),
			"account_id":       accountRef,
			"amount":           json.Number(amount),
			"date":             today.AddDate(0, 0, -i).Format("2006-01-02"),
			"merchant_name":    merchant,
			"category":         []string{"Shops"},
			"transaction_type": "place",
		})
		if err != nil {
			return nil, err
		}
		records = append(records, raw)
	}
	return records, nil
}

func init() {
	seedCmd.Flags().StringSlice("users", []string{"demo-user-1", "demo-user-2"}, "Users to seed")
}
