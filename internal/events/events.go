// Package events publishes transaction lifecycle notifications for
// downstream consumers such as review dashboards.
package events

import (
	"context"
	"time"

	"github.com/dvloznov/fraud-tracker/internal/domain"
)

// Type names an event.
type Type string

const (
	TypeScored           Type = "transaction.scored"
	TypeFlagged          Type = "transaction.flagged"
	TypeDecisionRecorded Type = "transaction.decision_recorded"
)

// Event is the payload written to the event stream.
type Event struct {
	Type          Type      `json:"type"`
	TransactionID string    `json:"transaction_id"`
	ExternalID    string    `json:"external_id"`
	UserID        string    `json:"user_id"`
	RiskScore     *int      `json:"risk_score,omitempty"`
	IsFlagged     bool      `json:"is_flagged"`
	Reasons       []string  `json:"reasons,omitempty"`
	Decision      string    `json:"decision,omitempty"`
	Source        string    `json:"source,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// Publisher delivers events. Callers treat delivery as best effort.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(ctx context.Context, ev Event) error { return nil }
func (Nop) Close() error                                { return nil }

var _ Publisher = Nop{}

// ForTransaction builds an event of type t from tx's current state.
func ForTransaction(t Type, tx *domain.Transaction, at time.Time) Event {
	ev := Event{
		Type:          t,
		TransactionID: tx.ID,
		ExternalID:    tx.ExternalID,
		UserID:        tx.UserID,
		RiskScore:     tx.RiskScore,
		IsFlagged:     tx.IsFlagged,
		Decision:      string(tx.Decision),
		OccurredAt:    at.UTC(),
	}
	if tx.Explanation != nil {
		ev.Reasons = append([]string(nil), tx.Explanation.Flags...)
	}
	return ev
}
