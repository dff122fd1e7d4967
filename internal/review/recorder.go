// Package review records reviewer decisions on scored transactions.
package review

import (
	"context"
	"fmt"
	"time"

	"github.com/dvloznov/fraud-tracker/internal/domain"
	"github.com/dvloznov/fraud-tracker/internal/events"
	"github.com/dvloznov/fraud-tracker/internal/logger"
	"github.com/dvloznov/fraud-tracker/internal/metrics"
	"github.com/dvloznov/fraud-tracker/internal/store"
)

// Recorder applies approve/decline decisions.
type Recorder struct {
	store     store.TransactionStore
	publisher events.Publisher
	metrics   *metrics.Metrics
	now       func() time.Time
}

// NewRecorder creates a Recorder. A nil publisher discards events.
func NewRecorder(s store.TransactionStore, publisher events.Publisher, m *metrics.Metrics) *Recorder {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Recorder{store: s, publisher: publisher, metrics: m, now: time.Now}
}

// RecordDecision sets the decision on userID's transaction txID. Decline
// always leaves the transaction flagged and approve always clears it; both
// append a user_decision flag in the same write.
//
// Errors: *domain.ValidationError for an unknown decision, domain.ErrNotFound
// for an unknown or foreign id, domain.ErrConflict when the transaction is
// already decided or not scored yet.
func (r *Recorder) RecordDecision(ctx context.Context, userID, txID, decision string) (*domain.Transaction, error) {
	log := logger.FromContext(ctx)

	d, err := domain.ParseDecision(decision)
	if err != nil {
		return nil, err
	}

	tx, err := r.store.GetTransaction(ctx, userID, txID)
	if err != nil {
		return nil, fmt.Errorf("RecordDecision: %w", err)
	}
	if tx.Decided() {
		return nil, fmt.Errorf("RecordDecision: %s already %s: %w", txID, tx.Decision, domain.ErrConflict)
	}
	if !tx.Scored() {
		return nil, fmt.Errorf("RecordDecision: %s is not scored yet: %w", txID, domain.ErrConflict)
	}

	now := r.now().UTC()
	next, flag := applyDecision(tx, d, now)

	if err := r.store.ApplyDecision(ctx, next, flag); err != nil {
		return nil, fmt.Errorf("RecordDecision: %w", err)
	}
	r.metrics.RecordFlag(string(domain.FlagTypeUserDecision))

	log.Info().
		Str("transaction_id", next.ID).
		Str("user_id", userID).
		Str("decision", string(d)).
		Bool("is_flagged", next.IsFlagged).
		Msg("Decision recorded")

	if err := r.publisher.Publish(ctx, events.ForTransaction(events.TypeDecisionRecorded, next, now)); err != nil {
		log.Warn().Err(err).Str("transaction_id", next.ID).Msg("Failed to publish decision event")
	}
	return next, nil
}

// applyDecision returns the decided copy of tx and its audit flag. FlaggedAt
// keeps the first time the transaction became flagged.
func applyDecision(tx *domain.Transaction, d domain.Decision, now time.Time) (*domain.Transaction, *domain.Flag) {
	next := tx.Clone()
	next.Decision = d
	next.DecisionAt = &now
	next.IsFlagged = d == domain.DecisionDecline
	if next.IsFlagged && next.FlaggedAt == nil {
		next.FlaggedAt = &now
	}

	flag := &domain.Flag{
		TransactionID: next.ID,
		UserID:        next.UserID,
		FlagType:      domain.FlagTypeUserDecision,
		Metadata:      map[string]interface{}{"decision": string(d)},
		CreatedAt:     now,
	}
	return next, flag
}
