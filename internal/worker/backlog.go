// Package worker scores transactions that were persisted without a risk
// score, such as rows written by the bulk importer.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dvloznov/fraud-tracker/internal/domain"
	"github.com/dvloznov/fraud-tracker/internal/events"
	"github.com/dvloznov/fraud-tracker/internal/logger"
	"github.com/dvloznov/fraud-tracker/internal/metrics"
	"github.com/dvloznov/fraud-tracker/internal/pipeline"
	"github.com/dvloznov/fraud-tracker/internal/store"
)

const (
	// DefaultBatchSize is the number of rows claimed per tick.
	DefaultBatchSize = 20
	// DefaultClaimTTL is how long a claimed row stays reserved for one run.
	DefaultClaimTTL = 5 * time.Minute
)

// Failure is a row the backlog could not score.
type Failure struct {
	TransactionID string `json:"transaction_id"`
	Reason        string `json:"reason"`
	Err           error  `json:"-"`
}

// BatchResult summarises one ProcessPending call.
type BatchResult struct {
	Claimed int                   `json:"claimed"`
	Scored  []*domain.Transaction `json:"scored"`
	// Lost lists rows that were scored by someone else after being claimed.
	Lost   []string  `json:"lost"`
	Failed []Failure `json:"failed"`
}

// Backlog scores unscored rows with the same stages as ingestion.
type Backlog struct {
	store      store.TransactionStore
	assessor   *pipeline.Assessor
	thresholds pipeline.ThresholdSource
	publisher  events.Publisher
	metrics    *metrics.Metrics
	claimTTL   time.Duration
	now        func() time.Time
}

// NewBacklog creates a backlog worker. claimTTL <= 0 uses DefaultClaimTTL.
func NewBacklog(
	s store.TransactionStore,
	assessor *pipeline.Assessor,
	thresholds pipeline.ThresholdSource,
	publisher events.Publisher,
	m *metrics.Metrics,
	claimTTL time.Duration,
) *Backlog {
	if publisher == nil {
		publisher = events.Nop{}
	}
	if claimTTL <= 0 {
		claimTTL = DefaultClaimTTL
	}
	return &Backlog{
		store:      s,
		assessor:   assessor,
		thresholds: thresholds,
		publisher:  publisher,
		metrics:    m,
		claimTTL:   claimTTL,
		now:        time.Now,
	}
}

func (b *Backlog) newClaim() store.Claim {
	return store.Claim{Token: uuid.NewString(), Until: b.now().Add(b.claimTTL)}
}

// ProcessPending claims up to limit unscored rows, oldest first, and scores
// each one. A failing row is released and reported; the rest of the batch
// continues. The error is non-nil only when the claim itself fails.
func (b *Backlog) ProcessPending(ctx context.Context, limit int) (*BatchResult, error) {
	log := logger.FromContext(ctx)

	if limit <= 0 {
		limit = DefaultBatchSize
	}

	claim := b.newClaim()
	rows, err := b.store.ClaimUnscored(ctx, claim, limit)
	if err != nil {
		return nil, fmt.Errorf("ProcessPending: claiming rows: %w: %w", domain.ErrPersistence, err)
	}
	b.metrics.ObserveBatch(len(rows))

	result := &BatchResult{
		Claimed: len(rows),
		Scored:  []*domain.Transaction{},
		Lost:    []string{},
		Failed:  []Failure{},
	}
	if len(rows) == 0 {
		return result, nil
	}

	threshold := b.thresholds.Threshold()
	for _, tx := range rows {
		if ctx.Err() != nil {
			b.release(ctx, claim.Token, tx.ID)
			result.Failed = append(result.Failed, Failure{TransactionID: tx.ID, Reason: ctx.Err().Error(), Err: ctx.Err()})
			continue
		}

		scored, err := b.score(ctx, claim.Token, tx, threshold)
		switch {
		case errors.Is(err, domain.ErrConflict):
			b.metrics.RecordBacklog(metrics.OutcomeSkipped)
			result.Lost = append(result.Lost, tx.ID)
		case err != nil:
			b.metrics.RecordBacklog(metrics.OutcomeFailed)
			log.Warn().
				Err(err).
				Str("transaction_id", tx.ID).
				Str("external_id", tx.ExternalID).
				Msg("Failed to score backlog transaction")
			result.Failed = append(result.Failed, Failure{TransactionID: tx.ID, Reason: err.Error(), Err: err})
		default:
			b.metrics.RecordBacklog(metrics.OutcomeScored)
			result.Scored = append(result.Scored, scored)
		}
	}

	log.Info().
		Int("claimed", result.Claimed).
		Int("scored", len(result.Scored)).
		Int("lost", len(result.Lost)).
		Int("failed", len(result.Failed)).
		Msg("Backlog batch complete")

	return result, nil
}

// ScoreOne claims and scores a single row. It returns an error wrapping
// domain.ErrConflict when the row is already scored or held by another run.
func (b *Backlog) ScoreOne(ctx context.Context, id string) (*domain.Transaction, error) {
	claim := b.newClaim()
	tx, err := b.store.ClaimTransaction(ctx, claim, id)
	if err != nil {
		return nil, fmt.Errorf("ScoreOne: %w", err)
	}

	scored, err := b.score(ctx, claim.Token, tx, b.thresholds.Threshold())
	if err != nil {
		return nil, fmt.Errorf("ScoreOne: %w", err)
	}
	b.metrics.RecordBacklog(metrics.OutcomeScored)
	return scored, nil
}

// score runs history, scoring and flagging for a claimed row and writes the
// result. The claim is released on any failure.
func (b *Backlog) score(ctx context.Context, token string, tx *domain.Transaction, threshold int) (*domain.Transaction, error) {
	a, err := b.assessor.Assess(ctx, tx, threshold)
	if err != nil {
		b.release(ctx, token, tx.ID)
		return nil, err
	}

	if err := b.store.ApplyScore(ctx, token, a.Transaction, a.Flag); err != nil {
		b.release(ctx, token, tx.ID)
		if errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("applying score to %s: %w: %w", tx.ID, domain.ErrPersistence, err)
	}

	pipeline.Announce(ctx, b.publisher, b.metrics, a)
	return a.Transaction, nil
}

func (b *Backlog) release(ctx context.Context, token, id string) {
	if err := b.store.ReleaseClaim(context.WithoutCancel(ctx), token, id); err != nil {
		log := logger.FromContext(ctx)
		log.Warn().Err(err).Str("transaction_id", id).Msg("Failed to release claim")
	}
}

// Run processes the backlog every interval until ctx is cancelled. The first
// batch runs immediately.
func (b *Backlog) Run(ctx context.Context, interval time.Duration, batchSize int) {
	log := logger.FromContext(ctx)

	tick := func() {
		if _, err := b.ProcessPending(ctx, batchSize); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("Backlog tick failed")
		}
	}

	tick()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Backlog worker stopped")
			return
		case <-ticker.C:
			tick()
		}
	}
}
