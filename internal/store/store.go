// Package store declares the persistence contract the pipeline, backlog
// worker and decision recorder depend on. Implementations live in
// store/memory, infra/postgres and infra/bigquery.
package store

import (
	"context"
	"time"

	"cloud.google.com/go/civil"

	"github.com/dvloznov/fraud-tracker/internal/domain"
)

// AccountResolver maps a provider account identifier to an internal account id.
type AccountResolver interface {
	// ResolveAccount returns ok=false when the user has no such account.
	ResolveAccount(ctx context.Context, userID, externalAccountID string) (accountID string, ok bool, err error)
}

// HistoryQuery selects prior transactions used as scoring context.
type HistoryQuery struct {
	UserID string
	// Before is exclusive.
	Before civil.Date
	Limit  int
	// ExcludeIDs drops transactions whose ID or ExternalID matches.
	ExcludeIDs []string
}

// HistoryReader returns a user's transactions most-recent-first.
type HistoryReader interface {
	History(ctx context.Context, q HistoryQuery) ([]*domain.Transaction, error)
}

// Claim marks rows as being scored by one worker run until Until.
type Claim struct {
	Token string
	Until time.Time
}

// TransactionFilter narrows ListTransactions.
type TransactionFilter struct {
	UserID      string
	FlaggedOnly bool
	Limit       int
}

// FlagFilter narrows ListFlags.
type FlagFilter struct {
	TransactionID string
	UserID        string
	FlagType      domain.FlagType
	Limit         int
}

// TransactionStore is the full persistence contract.
//
// Inserts fail with domain.ErrDuplicate when the external id already exists.
// ApplyScore and ApplyDecision fail with domain.ErrConflict when the row is
// no longer in the state the caller observed (already scored, claim lost,
// already decided). Lookups that match nothing return domain.ErrNotFound,
// except FindByExternalID which returns nil, nil.
type TransactionStore interface {
	AccountResolver
	HistoryReader

	UpsertAccount(ctx context.Context, acc *domain.Account) (string, error)

	FindByExternalID(ctx context.Context, externalID string) (*domain.Transaction, error)
	GetTransaction(ctx context.Context, userID, id string) (*domain.Transaction, error)

	// InsertScored persists a scored transaction and its optional risk flag in one unit.
	InsertScored(ctx context.Context, tx *domain.Transaction, flag *domain.Flag) error
	// InsertUnscored persists a transaction for later scoring by the backlog worker.
	InsertUnscored(ctx context.Context, tx *domain.Transaction) error

	// ClaimUnscored atomically selects up to limit unscored, unclaimed rows
	// oldest-created first and marks them with claim.
	ClaimUnscored(ctx context.Context, claim Claim, limit int) ([]*domain.Transaction, error)
	// ClaimTransaction claims a single row; domain.ErrConflict if it is scored or held.
	ClaimTransaction(ctx context.Context, claim Claim, id string) (*domain.Transaction, error)
	ReleaseClaim(ctx context.Context, token, id string) error
	// ApplyScore writes score fields and the optional risk flag if the row is
	// still unscored and held by token.
	ApplyScore(ctx context.Context, token string, tx *domain.Transaction, flag *domain.Flag) error

	// ApplyDecision writes decision fields and the user_decision flag in one unit.
	ApplyDecision(ctx context.Context, tx *domain.Transaction, flag *domain.Flag) error

	ListTransactions(ctx context.Context, filter TransactionFilter) ([]*domain.Transaction, error)
	ListFlags(ctx context.Context, filter FlagFilter) ([]*domain.Flag, error)

	Close() error
}
