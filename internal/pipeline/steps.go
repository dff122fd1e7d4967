package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dvloznov/fraud-tracker/internal/domain"
	"github.com/dvloznov/fraud-tracker/internal/lock"
	"github.com/dvloznov/fraud-tracker/internal/store"
)

// RecordStep is one stage of ingesting a single record.
type RecordStep interface {
	Execute(ctx context.Context, state *RecordState) error
}

// SkipReason explains why a record was not ingested without being a failure.
type SkipReason string

const (
	SkipExists   SkipReason = "already_exists"
	SkipInFlight SkipReason = "in_flight"
)

// RecordState carries one record through the steps.
type RecordState struct {
	UserID    string
	Raw       json.RawMessage
	Threshold int

	Transaction *domain.Transaction
	History     []*domain.Transaction
	Assessment  *Assessment

	Skipped SkipReason
	release lock.ReleaseFunc
}

// Step 1: NormalizeStep maps the raw record to a canonical transaction.
type NormalizeStep struct {
	normalizer *Normalizer
}

func (s *NormalizeStep) Execute(ctx context.Context, state *RecordState) error {
	tx, err := s.normalizer.Normalize(ctx, state.UserID, state.Raw)
	if err != nil {
		return err
	}
	state.Transaction = tx
	return nil
}

// Step 2: ClaimExternalIDStep takes the per-external-id lock and skips ids
// that already exist or are being ingested elsewhere.
type ClaimExternalIDStep struct {
	locker  lock.Locker
	store   store.TransactionStore
	lockTTL time.Duration
}

func (s *ClaimExternalIDStep) Execute(ctx context.Context, state *RecordState) error {
	ext := state.Transaction.ExternalID

	release, ok, err := s.locker.TryLock(ctx, "ingest:"+ext, s.lockTTL)
	if err != nil {
		return fmt.Errorf("ClaimExternalIDStep: locking %s: %w: %w", ext, domain.ErrPersistence, err)
	}
	if !ok {
		state.Skipped = SkipInFlight
		return nil
	}
	state.release = release

	existing, err := s.store.FindByExternalID(ctx, ext)
	if err != nil {
		return fmt.Errorf("ClaimExternalIDStep: looking up %s: %w: %w", ext, domain.ErrPersistence, err)
	}
	if existing != nil {
		state.Skipped = SkipExists
	}
	return nil
}

// Step 3: LoadHistoryStep fetches the scoring window.
type LoadHistoryStep struct {
	history *HistoryProvider
}

func (s *LoadHistoryStep) Execute(ctx context.Context, state *RecordState) error {
	history, err := s.history.ForTransaction(ctx, state.Transaction)
	if err != nil {
		return err
	}
	state.History = history
	return nil
}

// Step 4: ScoreStep scores the transaction and applies the flagging policy.
type ScoreStep struct {
	assessor *Assessor
	flagType domain.FlagType
}

func (s *ScoreStep) Execute(ctx context.Context, state *RecordState) error {
	state.Assessment = s.assessor.assessWithHistory(ctx, state.Transaction, state.History, state.Threshold)
	if s.flagType != "" && state.Assessment.Flag != nil {
		state.Assessment.Flag.FlagType = s.flagType
	}
	return nil
}

// Step 5: PersistStep writes the transaction and its risk flag together.
// A unique violation means another attempt won the race and is a skip.
type PersistStep struct {
	store store.TransactionStore
}

func (s *PersistStep) Execute(ctx context.Context, state *RecordState) error {
	tx := state.Assessment.Transaction
	if err := s.store.InsertScored(ctx, tx, state.Assessment.Flag); err != nil {
		if errors.Is(err, domain.ErrDuplicate) {
			state.Skipped = SkipExists
			return nil
		}
		return fmt.Errorf("PersistStep: %s: %w: %w", tx.ExternalID, domain.ErrPersistence, err)
	}
	return nil
}

// runSteps executes steps in order, stopping at the first error or skip.
// The external id lock is always released.
func runSteps(ctx context.Context, steps []RecordStep, state *RecordState) error {
	defer func() {
		if state.release != nil {
			_ = state.release(context.WithoutCancel(ctx))
		}
	}()

	for _, step := range steps {
		if err := step.Execute(ctx, state); err != nil {
			return err
		}
		if state.Skipped != "" {
			return nil
		}
	}
	return nil
}
