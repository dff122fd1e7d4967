// Package importer bulk-loads exported transaction records without scoring
// them. Imported rows are scored later by the backlog worker, or sooner when a
// score job reaches it.
package importer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dvloznov/fraud-tracker/internal/domain"
	"github.com/dvloznov/fraud-tracker/internal/jobs"
	"github.com/dvloznov/fraud-tracker/internal/logger"
	"github.com/dvloznov/fraud-tracker/internal/metrics"
	"github.com/dvloznov/fraud-tracker/internal/pipeline"
	"github.com/dvloznov/fraud-tracker/internal/store"
)

// Result summarises one import.
type Result struct {
	URI      string                   `json:"uri"`
	Imported []string                 `json:"imported"`
	Skipped  []pipeline.SkippedRecord `json:"skipped"`
	Failed   []pipeline.RecordError   `json:"failed"`
}

// Importer reads an export and inserts unscored transactions.
type Importer struct {
	source     Source
	normalizer *pipeline.Normalizer
	store      store.TransactionStore
	jobs       jobs.Publisher
	metrics    *metrics.Metrics
}

// New creates an Importer. publisher may be nil, in which case rows wait for
// the backlog poller.
func New(source Source, s store.TransactionStore, publisher jobs.Publisher, m *metrics.Metrics) *Importer {
	return &Importer{
		source:     source,
		normalizer: pipeline.NewNormalizer(s),
		store:      s,
		jobs:       publisher,
		metrics:    m,
	}
}

// Import loads the export at uri for userID. A malformed file fails the
// whole import; bad records only fail themselves.
func (im *Importer) Import(ctx context.Context, userID, uri string) (*Result, error) {
	log := logger.FromContext(ctx)

	data, err := im.source.Fetch(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("Import: fetching %s: %w", uri, err)
	}
	records, err := DecodeRecords(data)
	if err != nil {
		return nil, fmt.Errorf("Import: %s: %w", uri, err)
	}

	result := &Result{
		URI:      uri,
		Imported: []string{},
		Skipped:  []pipeline.SkippedRecord{},
		Failed:   []pipeline.RecordError{},
	}

	for i, raw := range records {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		tx, err := im.normalizer.Normalize(ctx, userID, raw)
		if err == nil {
			err = im.store.InsertUnscored(ctx, tx)
		}
		switch {
		case errors.Is(err, domain.ErrDuplicate):
			im.metrics.RecordIngest(metrics.OutcomeSkipped)
			result.Skipped = append(result.Skipped, pipeline.SkippedRecord{Index: i, ExternalID: tx.ExternalID, Reason: pipeline.SkipExists})
			continue
		case err != nil:
			im.metrics.RecordIngest(metrics.OutcomeFailed)
			rec := pipeline.RecordError{Index: i, Reason: err.Error(), Err: err}
			if tx != nil {
				rec.ExternalID = tx.ExternalID
			}
			result.Failed = append(result.Failed, rec)
			continue
		}

		im.metrics.RecordIngest(metrics.OutcomeCreated)
		result.Imported = append(result.Imported, tx.ID)
		im.enqueue(ctx, tx, uri)
	}

	log.Info().
		Str("user_id", userID).
		Str("uri", uri).
		Int("records", len(records)).
		Int("imported", len(result.Imported)).
		Int("skipped", len(result.Skipped)).
		Int("failed", len(result.Failed)).
		Msg("Import complete")

	return result, nil
}

func (im *Importer) enqueue(ctx context.Context, tx *domain.Transaction, uri string) {
	if im.jobs == nil {
		return
	}
	job := &jobs.ScoreTransactionJob{
		TransactionID: tx.ID,
		ExternalID:    tx.ExternalID,
		UserID:        tx.UserID,
		Source:        uri,
	}
	if err := im.jobs.PublishScoreTransaction(ctx, job); err != nil {
		log := logger.FromContext(ctx)
		log.Warn().Err(err).Str("transaction_id", tx.ID).Msg("Failed to enqueue score job, leaving row to the backlog")
	}
}

// DecodeRecords accepts a JSON array of records, an object with a
// "transactions" array, or newline-delimited JSON objects.
func DecodeRecords(data []byte) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return []json.RawMessage{}, nil
	}

	switch trimmed[0] {
	case '[':
		var records []json.RawMessage
		if err := json.Unmarshal(trimmed, &records); err != nil {
			return nil, fmt.Errorf("decoding record array: %w", err)
		}
		return records, nil
	case '{':
		var envelope struct {
			Transactions []json.RawMessage `json:"transactions"`
		}
		if err := json.Unmarshal(trimmed, &envelope); err == nil && envelope.Transactions != nil {
			return envelope.Transactions, nil
		}
		return decodeLines(trimmed)
	}
	return nil, errors.New("export must be a JSON array, an object with transactions, or JSON lines")
}

func decodeLines(data []byte) ([]json.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	var records []json.RawMessage
	for dec.More() {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("decoding record %d: %w", len(records), err)
		}
		records = append(records, raw)
	}
	return records, nil
}
