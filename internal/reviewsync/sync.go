// Package reviewsync mirrors flagged transactions onto a Notion review board
// and records the decisions reviewers make there.
package reviewsync

import (
	"context"
	"errors"
	"fmt"

	"github.com/jomei/notionapi"

	"github.com/dvloznov/fraud-tracker/internal/domain"
	"github.com/dvloznov/fraud-tracker/internal/logger"
	"github.com/dvloznov/fraud-tracker/internal/store"
)

// pageSize is the Notion query page size.
const pageSize = 100

// DecisionRecorder applies a reviewer decision.
type DecisionRecorder interface {
	RecordDecision(ctx context.Context, userID, txID, decision string) (*domain.Transaction, error)
}

// PushResult summarises a push.
type PushResult struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Failed  int `json:"failed"`
}

// PullResult summarises a pull.
type PullResult struct {
	Recorded int `json:"recorded"`
	// Stale counts cards whose transaction was already decided elsewhere.
	Stale   int `json:"stale"`
	Invalid int `json:"invalid"`
	Failed  int `json:"failed"`
}

// Syncer moves review state between the store and a Notion database.
type Syncer struct {
	store      store.TransactionStore
	recorder   DecisionRecorder
	notion     NotionService
	databaseID string
}

// NewSyncer creates a Syncer for the given review database.
func NewSyncer(s store.TransactionStore, recorder DecisionRecorder, notion NotionService, databaseID string) *Syncer {
	return &Syncer{store: s, recorder: recorder, notion: notion, databaseID: databaseID}
}

// Push creates a card for every flagged transaction without one and refreshes
// the status of existing cards. limit bounds how many flagged transactions are
// read; 0 uses the store default.
func (s *Syncer) Push(ctx context.Context, limit int, dryRun bool) (*PushResult, error) {
	log := logger.FromContext(ctx)

	flagged, err := s.store.ListTransactions(ctx, store.TransactionFilter{FlaggedOnly: true, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("Push: listing flagged transactions: %w", err)
	}

	pages, err := s.queryAllPages(ctx)
	if err != nil {
		return nil, fmt.Errorf("Push: %w", err)
	}
	existing := make(map[string]card, len(pages))
	for _, p := range pages {
		c := readCard(p)
		if c.TransactionID != "" {
			existing[c.TransactionID] = c
		}
	}

	result := &PushResult{}
	for _, tx := range flagged {
		c, found := existing[tx.ID]
		status := statusFor(tx)

		switch {
		case found && c.Status == status:
			continue
		case dryRun:
			log.Info().
				Str("transaction_id", tx.ID).
				Bool("exists", found).
				Msg("[DRY RUN] Would push review card")
			if found {
				result.Updated++
			} else {
				result.Created++
			}
			continue
		case found:
			if _, err := s.notion.UpdatePage(ctx, c.PageID, statusProperties(status)); err != nil {
				log.Warn().Err(err).Str("transaction_id", tx.ID).Str("page_id", c.PageID).Msg("Failed to update review card")
				result.Failed++
				continue
			}
			result.Updated++
		default:
			page, err := s.notion.CreatePage(ctx, s.databaseID, TransactionToNotionProperties(tx))
			if err != nil {
				log.Warn().Err(err).Str("transaction_id", tx.ID).Msg("Failed to create review card")
				result.Failed++
				continue
			}
			log.Debug().Str("transaction_id", tx.ID).Str("page_id", string(page.ID)).Msg("Created review card")
			result.Created++
		}
	}

	log.Info().
		Int("flagged", len(flagged)).
		Int("created", result.Created).
		Int("updated", result.Updated).
		Int("failed", result.Failed).
		Msg("Review board push completed")

	return result, nil
}

// Pull records the decision on every pending card a reviewer has filled in.
func (s *Syncer) Pull(ctx context.Context, dryRun bool) (*PullResult, error) {
	log := logger.FromContext(ctx)

	pages, err := s.queryAllPages(ctx)
	if err != nil {
		return nil, fmt.Errorf("Pull: %w", err)
	}

	result := &PullResult{}
	for _, p := range pages {
		c := readCard(p)
		if c.Status != StatusPending || c.Decision == "" {
			continue
		}
		if c.TransactionID == "" || c.UserID == "" {
			result.Invalid++
			continue
		}
		if dryRun {
			log.Info().
				Str("transaction_id", c.TransactionID).
				Str("decision", c.Decision).
				Msg("[DRY RUN] Would record decision")
			result.Recorded++
			continue
		}

		tx, err := s.recorder.RecordDecision(ctx, c.UserID, c.TransactionID, c.Decision)
		switch {
		case domain.IsValidation(err), errors.Is(err, domain.ErrNotFound):
			log.Warn().Err(err).Str("page_id", c.PageID).Msg("Ignoring review card")
			result.Invalid++
			continue
		case errors.Is(err, domain.ErrConflict):
			tx, err = s.store.GetTransaction(ctx, c.UserID, c.TransactionID)
			if err != nil {
				result.Failed++
				continue
			}
			result.Stale++
		case err != nil:
			log.Warn().Err(err).Str("transaction_id", c.TransactionID).Msg("Failed to record decision")
			result.Failed++
			continue
		default:
			result.Recorded++
		}

		if _, err := s.notion.UpdatePage(ctx, c.PageID, statusProperties(statusFor(tx))); err != nil {
			log.Warn().Err(err).Str("page_id", c.PageID).Msg("Failed to update review card status")
		}
	}

	log.Info().
		Int("pages", len(pages)).
		Int("recorded", result.Recorded).
		Int("stale", result.Stale).
		Int("invalid", result.Invalid).
		Int("failed", result.Failed).
		Msg("Review board pull completed")

	return result, nil
}

func (s *Syncer) queryAllPages(ctx context.Context) ([]notionapi.Page, error) {
	var pages []notionapi.Page
	var cursor notionapi.Cursor

	for {
		req := &notionapi.DatabaseQueryRequest{PageSize: pageSize}
		if cursor != "" {
			req.StartCursor = cursor
		}

		resp, err := s.notion.QueryDatabase(ctx, s.databaseID, req)
		if err != nil {
			return nil, fmt.Errorf("queryAllPages: %w", err)
		}
		pages = append(pages, resp.Results...)

		if !resp.HasMore {
			return pages, nil
		}
		cursor = resp.NextCursor
	}
}
