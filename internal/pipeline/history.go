package pipeline

import (
	"context"
	"fmt"

	"cloud.google.com/go/civil"

	"github.com/dvloznov/fraud-tracker/internal/domain"
	"github.com/dvloznov/fraud-tracker/internal/store"
)

// DefaultHistoryLimit bounds the scoring context window.
const DefaultHistoryLimit = 50

// HistoryProvider reads a user's prior transactions for scoring.
type HistoryProvider struct {
	reader store.HistoryReader
	limit  int
}

// NewHistoryProvider creates a provider; limit <= 0 uses DefaultHistoryLimit.
func NewHistoryProvider(reader store.HistoryReader, limit int) *HistoryProvider {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &HistoryProvider{reader: reader, limit: limit}
}

// History returns up to limit transactions for userID dated strictly before
// before, most recent first. Transactions whose id or external id appears in
// exclude are left out.
func (h *HistoryProvider) History(ctx context.Context, userID string, before civil.Date, limit int, exclude ...string) ([]*domain.Transaction, error) {
	if limit <= 0 {
		limit = h.limit
	}
	rows, err := h.reader.History(ctx, store.HistoryQuery{
		UserID:     userID,
		Before:     before,
		Limit:      limit,
		ExcludeIDs: exclude,
	})
	if err != nil {
		return nil, fmt.Errorf("History: %w: %w", domain.ErrPersistence, err)
	}
	return rows, nil
}

// ForTransaction returns the scoring window for tx, excluding tx itself.
func (h *HistoryProvider) ForTransaction(ctx context.Context, tx *domain.Transaction) ([]*domain.Transaction, error) {
	var exclude []string
	if tx.ID != "" {
		exclude = append(exclude, tx.ID)
	}
	if tx.ExternalID != "" {
		exclude = append(exclude, tx.ExternalID)
	}
	return h.History(ctx, tx.UserID, tx.Date, h.limit, exclude...)
}
