package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dvloznov/fraud-tracker/internal/domain"
	"github.com/dvloznov/fraud-tracker/internal/events"
	"github.com/dvloznov/fraud-tracker/internal/lock"
	"github.com/dvloznov/fraud-tracker/internal/logger"
	"github.com/dvloznov/fraud-tracker/internal/metrics"
	"github.com/dvloznov/fraud-tracker/internal/store"
)

// DefaultLockTTL bounds how long one record may hold its external id lock.
const DefaultLockTTL = 30 * time.Second

// ThresholdSource supplies the current flag threshold.
type ThresholdSource interface {
	Threshold() int
}

// SkippedRecord is a record that was not ingested because its external id
// already exists or is being ingested concurrently.
type SkippedRecord struct {
	Index      int        `json:"index"`
	ExternalID string     `json:"external_id"`
	Reason     SkipReason `json:"reason"`
}

// RecordError is a record whose processing failed.
type RecordError struct {
	Index      int    `json:"index"`
	ExternalID string `json:"external_id,omitempty"`
	Reason     string `json:"reason"`
	Err        error  `json:"-"`
}

// IngestResult aggregates one batch. Transactions holds the newly created
// rows in input order.
type IngestResult struct {
	Transactions []*domain.Transaction `json:"transactions"`
	Skipped      []SkippedRecord       `json:"skipped"`
	Failed       []RecordError         `json:"failed"`
}

// Options tunes an Ingester.
type Options struct {
	// Concurrency is the number of records processed at once. Values below 2
	// process records sequentially so later records see earlier ones as history.
	Concurrency int
	LockTTL     time.Duration
	// FlagType labels the flags this ingester writes. Empty means risk.
	FlagType domain.FlagType
}

// Ingester converts raw records into scored, persisted transactions.
type Ingester struct {
	normalizer *Normalizer
	assessor   *Assessor
	store      store.TransactionStore
	locker     lock.Locker
	thresholds ThresholdSource
	publisher  events.Publisher
	metrics    *metrics.Metrics
	opts       Options
}

// NewIngester wires the pipeline. A nil locker uses an in-process lock, a
// nil publisher discards events.
func NewIngester(
	s store.TransactionStore,
	assessor *Assessor,
	locker lock.Locker,
	thresholds ThresholdSource,
	publisher events.Publisher,
	m *metrics.Metrics,
	opts Options,
) *Ingester {
	if locker == nil {
		locker = lock.NewLocal()
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = DefaultLockTTL
	}
	return &Ingester{
		normalizer: NewNormalizer(s),
		assessor:   assessor,
		store:      s,
		locker:     locker,
		thresholds: thresholds,
		publisher:  publisher,
		metrics:    m,
		opts:       opts,
	}
}

func (in *Ingester) steps() []RecordStep {
	return []RecordStep{
		&NormalizeStep{normalizer: in.normalizer},
		&ClaimExternalIDStep{locker: in.locker, store: in.store, lockTTL: in.opts.LockTTL},
		&LoadHistoryStep{history: in.assessor.history},
		&ScoreStep{assessor: in.assessor, flagType: in.opts.FlagType},
		&PersistStep{store: in.store},
	}
}

type recordResult struct {
	state *RecordState
	err   error
}

// Ingest processes records for userID. Failures are isolated per record and
// reported in the result; the returned error is non-nil only when ctx ends
// before the batch completes.
func (in *Ingester) Ingest(ctx context.Context, userID string, records []json.RawMessage) (*IngestResult, error) {
	log := logger.FromContext(ctx)

	result := &IngestResult{
		Transactions: []*domain.Transaction{},
		Skipped:      []SkippedRecord{},
		Failed:       []RecordError{},
	}
	if len(records) == 0 {
		return result, nil
	}

	threshold := in.thresholds.Threshold()
	results := make([]recordResult, len(records))

	process := func(i int) {
		state := &RecordState{UserID: userID, Raw: records[i], Threshold: threshold}
		results[i] = recordResult{state: state, err: runSteps(ctx, in.steps(), state)}
	}

	if in.opts.Concurrency < 2 {
		for i := range records {
			if ctx.Err() != nil {
				results[i] = recordResult{state: &RecordState{}, err: ctx.Err()}
				continue
			}
			process(i)
		}
	} else {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(in.opts.Concurrency)
		for i := range records {
			g.Go(func() error {
				if gctx.Err() != nil {
					results[i] = recordResult{state: &RecordState{}, err: gctx.Err()}
					return nil
				}
				process(i)
				return nil
			})
		}
		_ = g.Wait()
	}

	for i, r := range results {
		ext := ""
		if r.state.Transaction != nil {
			ext = r.state.Transaction.ExternalID
		}
		switch {
		case r.err != nil:
			in.metrics.RecordIngest(metrics.OutcomeFailed)
			log.Warn().
				Err(r.err).
				Str("user_id", userID).
				Int("index", i).
				Str("external_id", ext).
				Msg("Failed to ingest record")
			result.Failed = append(result.Failed, RecordError{Index: i, ExternalID: ext, Reason: r.err.Error(), Err: r.err})
		case r.state.Skipped != "":
			in.metrics.RecordIngest(metrics.OutcomeSkipped)
			log.Debug().
				Str("external_id", ext).
				Str("reason", string(r.state.Skipped)).
				Msg("Skipping record")
			result.Skipped = append(result.Skipped, SkippedRecord{Index: i, ExternalID: ext, Reason: r.state.Skipped})
		default:
			a := r.state.Assessment
			in.metrics.RecordIngest(metrics.OutcomeCreated)
			Announce(ctx, in.publisher, in.metrics, a)
			result.Transactions = append(result.Transactions, a.Transaction)
		}
	}

	log.Info().
		Str("user_id", userID).
		Int("records", len(records)).
		Int("created", len(result.Transactions)).
		Int("skipped", len(result.Skipped)).
		Int("failed", len(result.Failed)).
		Msg("Ingestion batch complete")

	return result, ctx.Err()
}

// Preview normalizes and scores a record without persisting anything.
func (in *Ingester) Preview(ctx context.Context, userID string, raw json.RawMessage) (*Assessment, error) {
	tx, err := in.normalizer.Normalize(ctx, userID, raw)
	if err != nil {
		return nil, err
	}
	a, err := in.assessor.Assess(ctx, tx, in.thresholds.Threshold())
	if err != nil {
		return nil, fmt.Errorf("Preview: %w", err)
	}
	return a, nil
}

// Announce records flag metrics and publishes events for a persisted
// assessment. Publishing is best effort.
func Announce(ctx context.Context, pub events.Publisher, m *metrics.Metrics, a *Assessment) {
	log := logger.FromContext(ctx)
	tx := a.Transaction
	now := time.Now()

	types := []events.Type{events.TypeScored}
	if a.Flag != nil {
		m.RecordFlag(string(a.Flag.FlagType))
		types = append(types, events.TypeFlagged)
	}
	for _, t := range types {
		ev := events.ForTransaction(t, tx, now)
		ev.Source = string(a.Outcome.Source)
		if err := pub.Publish(ctx, ev); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn().
				Err(err).
				Str("transaction_id", tx.ID).
				Str("event_type", string(t)).
				Msg("Failed to publish event")
		}
	}
}
