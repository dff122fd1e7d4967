package domain

import (
	"encoding/json"
	"time"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"
)

// AmountScale is the number of fractional digits amounts are stored and compared with.
const AmountScale = 2

// Decision is a reviewer's disposition of a transaction.
type Decision string

const (
	DecisionNone    Decision = ""
	DecisionApprove Decision = "approve"
	DecisionDecline Decision = "decline"
)

// ParseDecision validates a decision supplied by a caller.
func ParseDecision(s string) (Decision, error) {
	switch Decision(s) {
	case DecisionApprove, DecisionDecline:
		return Decision(s), nil
	}
	return DecisionNone, &ValidationError{Field: "decision", Reason: "must be approve or decline"}
}

// Transaction is the canonical record of one financial movement.
// RiskScore is nil until the transaction has been scored.
type Transaction struct {
	ID              string          `json:"id"`
	ExternalID      string          `json:"external_id"`
	UserID          string          `json:"user_id"`
	AccountID       *string         `json:"account_id"`
	Amount          decimal.Decimal `json:"amount"`
	Date            civil.Date      `json:"date"`
	MerchantName    string          `json:"merchant_name"`
	Category        []string        `json:"category"`
	TransactionType string          `json:"transaction_type"`
	Raw             json.RawMessage `json:"raw,omitempty"`

	RiskScore   *int         `json:"risk_score"`
	IsFlagged   bool         `json:"is_flagged"`
	FlaggedAt   *time.Time   `json:"flagged_at,omitempty"`
	Explanation *Explanation `json:"explanation,omitempty"`

	Decision   Decision   `json:"decision,omitempty"`
	DecisionAt *time.Time `json:"decision_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Scored reports whether a risk score has been assigned.
func (t *Transaction) Scored() bool {
	return t.RiskScore != nil
}

// Decided reports whether a reviewer decision has been recorded.
func (t *Transaction) Decided() bool {
	return t.Decision != DecisionNone
}

// Clone returns a deep copy so callers can mutate it without aliasing stored state.
func (t *Transaction) Clone() *Transaction {
	if t == nil {
		return nil
	}
	c := *t
	if t.AccountID != nil {
		v := *t.AccountID
		c.AccountID = &v
	}
	if t.Category != nil {
		c.Category = append([]string(nil), t.Category...)
	}
	if t.Raw != nil {
		c.Raw = append(json.RawMessage(nil), t.Raw...)
	}
	if t.RiskScore != nil {
		v := *t.RiskScore
		c.RiskScore = &v
	}
	if t.FlaggedAt != nil {
		v := *t.FlaggedAt
		c.FlaggedAt = &v
	}
	if t.DecisionAt != nil {
		v := *t.DecisionAt
		c.DecisionAt = &v
	}
	if t.Explanation != nil {
		c.Explanation = t.Explanation.Clone()
	}
	return &c
}

// Account links a provider account identifier to an internal account for a user.
type Account struct {
	ID                string    `json:"id"`
	UserID            string    `json:"user_id"`
	ExternalAccountID string    `json:"external_account_id"`
	Name              string    `json:"name,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}
