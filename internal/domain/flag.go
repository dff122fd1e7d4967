package domain

import "time"

// FlagType classifies an audit entry.
type FlagType string

const (
	FlagTypeRisk         FlagType = "risk"
	FlagTypeUserDecision FlagType = "user_decision"
	FlagTypeSeeded       FlagType = "seeded"
)

// Flag is an append-only audit entry attached to a transaction.
type Flag struct {
	ID            string                 `json:"id"`
	TransactionID string                 `json:"transaction_id"`
	UserID        string                 `json:"user_id"`
	FlagType      FlagType               `json:"flag_type"`
	Metadata      map[string]interface{} `json:"metadata"`
	CreatedAt     time.Time              `json:"created_at"`
}

// Clone returns a copy of f with its own metadata map.
func (f *Flag) Clone() *Flag {
	if f == nil {
		return nil
	}
	c := *f
	if f.Metadata != nil {
		c.Metadata = make(map[string]interface{}, len(f.Metadata))
		for k, v := range f.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}
