package bigquery

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"

	"github.com/dvloznov/fraud-tracker/internal/domain"
)

type AccountRow struct {
	AccountID         string              `bigquery:"account_id"`          // REQUIRED
	UserID            string              `bigquery:"user_id"`             // REQUIRED
	ExternalAccountID string              `bigquery:"external_account_id"` // REQUIRED
	Name              bigquery.NullString `bigquery:"name"`                // NULLABLE
	CreatedTS         time.Time           `bigquery:"created_ts"`          // REQUIRED
}

type TransactionRow struct {
	TransactionID string              `bigquery:"transaction_id"` // REQUIRED
	ExternalID    string              `bigquery:"external_id"`    // REQUIRED
	UserID        string              `bigquery:"user_id"`        // REQUIRED
	AccountID     bigquery.NullString `bigquery:"account_id"`     // NULLABLE

	Amount *big.Rat   `bigquery:"amount"` // REQUIRED NUMERIC
	Date   civil.Date `bigquery:"date"`   // REQUIRED

	MerchantName    bigquery.NullString `bigquery:"merchant_name"`    // NULLABLE
	Category        []string            `bigquery:"category"`         // REPEATED STRING
	TransactionType bigquery.NullString `bigquery:"transaction_type"` // NULLABLE
	Raw             bigquery.NullJSON   `bigquery:"raw"`              // NULLABLE JSON

	RiskScore   bigquery.NullInt64     `bigquery:"risk_score"`  // NULLABLE, NULL until scored
	IsFlagged   bool                   `bigquery:"is_flagged"`  // REQUIRED
	FlaggedAt   bigquery.NullTimestamp `bigquery:"flagged_at"`  // NULLABLE
	Explanation bigquery.NullJSON      `bigquery:"explanation"` // NULLABLE JSON

	Decision   bigquery.NullString    `bigquery:"decision"`    // NULLABLE
	DecisionAt bigquery.NullTimestamp `bigquery:"decision_at"` // NULLABLE

	ClaimToken   bigquery.NullString    `bigquery:"claim_token"`   // NULLABLE
	ClaimedUntil bigquery.NullTimestamp `bigquery:"claimed_until"` // NULLABLE

	CreatedTS time.Time `bigquery:"created_ts"` // REQUIRED
	UpdatedTS time.Time `bigquery:"updated_ts"` // REQUIRED
}

type FlagRow struct {
	FlagID        string            `bigquery:"flag_id"`        // REQUIRED
	TransactionID string            `bigquery:"transaction_id"` // REQUIRED
	UserID        string            `bigquery:"user_id"`        // REQUIRED
	FlagType      string            `bigquery:"flag_type"`      // REQUIRED
	Metadata      bigquery.NullJSON `bigquery:"metadata"`       // NULLABLE JSON
	CreatedTS     time.Time         `bigquery:"created_ts"`     // REQUIRED
}

func nullString(s string) bigquery.NullString {
	return bigquery.NullString{StringVal: s, Valid: s != ""}
}

func nullStringPtr(s *string) bigquery.NullString {
	if s == nil {
		return bigquery.NullString{}
	}
	return bigquery.NullString{StringVal: *s, Valid: true}
}

func nullTimestamp(t *time.Time) bigquery.NullTimestamp {
	if t == nil {
		return bigquery.NullTimestamp{}
	}
	return bigquery.NullTimestamp{Timestamp: *t, Valid: true}
}

func nullInt(v *int) bigquery.NullInt64 {
	if v == nil {
		return bigquery.NullInt64{}
	}
	return bigquery.NullInt64{Int64: int64(*v), Valid: true}
}

// jsonParam encodes v for use with PARSE_JSON(@param). A nil value becomes NULL.
func jsonParam(v interface{}) (bigquery.NullString, error) {
	if v == nil {
		return bigquery.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return bigquery.NullString{}, err
	}
	if string(b) == "null" {
		return bigquery.NullString{}, nil
	}
	return bigquery.NullString{StringVal: string(b), Valid: true}, nil
}

func rawParam(raw json.RawMessage) bigquery.NullString {
	if len(raw) == 0 {
		return bigquery.NullString{}
	}
	return bigquery.NullString{StringVal: string(raw), Valid: true}
}

func (r *TransactionRow) toDomain() (*domain.Transaction, error) {
	tx := &domain.Transaction{
		ID:              r.TransactionID,
		ExternalID:      r.ExternalID,
		UserID:          r.UserID,
		Date:            r.Date,
		MerchantName:    r.MerchantName.StringVal,
		TransactionType: r.TransactionType.StringVal,
		IsFlagged:       r.IsFlagged,
		Decision:        domain.Decision(r.Decision.StringVal),
		CreatedAt:       r.CreatedTS,
		UpdatedAt:       r.UpdatedTS,
	}
	if len(r.Category) > 0 {
		tx.Category = r.Category
	}
	if r.AccountID.Valid {
		v := r.AccountID.StringVal
		tx.AccountID = &v
	}
	if r.Amount != nil {
		amount, err := decimal.NewFromString(r.Amount.FloatString(domain.AmountScale))
		if err != nil {
			return nil, fmt.Errorf("amount: %w", err)
		}
		tx.Amount = amount
	}
	if r.Raw.Valid {
		tx.Raw = json.RawMessage(r.Raw.JSONVal)
	}
	if r.RiskScore.Valid {
		v := int(r.RiskScore.Int64)
		tx.RiskScore = &v
	}
	if r.FlaggedAt.Valid {
		v := r.FlaggedAt.Timestamp
		tx.FlaggedAt = &v
	}
	if r.DecisionAt.Valid {
		v := r.DecisionAt.Timestamp
		tx.DecisionAt = &v
	}
	if r.Explanation.Valid {
		var e domain.Explanation
		if err := json.Unmarshal([]byte(r.Explanation.JSONVal), &e); err != nil {
			return nil, fmt.Errorf("explanation: %w", err)
		}
		tx.Explanation = &e
	}
	return tx, nil
}

func (r *FlagRow) toDomain() (*domain.Flag, error) {
	f := &domain.Flag{
		ID:            r.FlagID,
		TransactionID: r.TransactionID,
		UserID:        r.UserID,
		FlagType:      domain.FlagType(r.FlagType),
		CreatedAt:     r.CreatedTS,
	}
	if r.Metadata.Valid {
		if err := json.Unmarshal([]byte(r.Metadata.JSONVal), &f.Metadata); err != nil {
			return nil, fmt.Errorf("metadata: %w", err)
		}
	}
	return f, nil
}

// transactionParams binds every column of an insert.
func transactionParams(tx *domain.Transaction) ([]bigquery.QueryParameter, error) {
	explanation, err := jsonParam(tx.Explanation)
	if err != nil {
		return nil, fmt.Errorf("encoding explanation: %w", err)
	}
	category := tx.Category
	if category == nil {
		category = []string{}
	}
	return []bigquery.QueryParameter{
		{Name: "transaction_id", Value: tx.ID},
		{Name: "external_id", Value: tx.ExternalID},
		{Name: "user_id", Value: tx.UserID},
		{Name: "account_id", Value: nullStringPtr(tx.AccountID)},
		{Name: "amount", Value: tx.Amount.Round(domain.AmountScale).Rat()},
		{Name: "date", Value: tx.Date},
		{Name: "merchant_name", Value: nullString(tx.MerchantName)},
		{Name: "category", Value: category},
		{Name: "transaction_type", Value: nullString(tx.TransactionType)},
		{Name: "raw", Value: rawParam(tx.Raw)},
		{Name: "risk_score", Value: nullInt(tx.RiskScore)},
		{Name: "is_flagged", Value: tx.IsFlagged},
		{Name: "flagged_at", Value: nullTimestamp(tx.FlaggedAt)},
		{Name: "explanation", Value: explanation},
		{Name: "decision", Value: nullString(string(tx.Decision))},
		{Name: "decision_at", Value: nullTimestamp(tx.DecisionAt)},
		{Name: "created_ts", Value: tx.CreatedAt},
		{Name: "updated_ts", Value: tx.UpdatedAt},
	}, nil
}

// flagParams binds a flag insert. Names are prefixed so they can share a
// script with a transaction statement.
func flagParams(f *domain.Flag) ([]bigquery.QueryParameter, error) {
	metadata, err := jsonParam(f.Metadata)
	if err != nil {
		return nil, fmt.Errorf("encoding flag metadata: %w", err)
	}
	return []bigquery.QueryParameter{
		{Name: "flag_id", Value: f.ID},
		{Name: "flag_transaction_id", Value: f.TransactionID},
		{Name: "flag_user_id", Value: f.UserID},
		{Name: "flag_type", Value: string(f.FlagType)},
		{Name: "flag_metadata", Value: metadata},
		{Name: "flag_created_ts", Value: f.CreatedAt},
	}, nil
}
