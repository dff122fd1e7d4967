package pipeline

import (
	"context"
	"errors"
	"testing"

	"cloud.google.com/go/civil"

	"github.com/dvloznov/fraud-tracker/internal/domain"
	"github.com/dvloznov/fraud-tracker/internal/store"
)

// mockHistoryReader is a mock implementation of store.HistoryReader for testing.
type mockHistoryReader struct {
	HistoryFunc func(ctx context.Context, q store.HistoryQuery) ([]*domain.Transaction, error)
	queries     []store.HistoryQuery
}

func (m *mockHistoryReader) History(ctx context.Context, q store.HistoryQuery) ([]*domain.Transaction, error) {
	m.queries = append(m.queries, q)
	if m.HistoryFunc != nil {
		return m.HistoryFunc(ctx, q)
	}
	return nil, nil
}

func TestHistoryProvider_ForTransaction(t *testing.T) {
	reader := &mockHistoryReader{}
	h := NewHistoryProvider(reader, 0)

	tx := &domain.Transaction{
		ID:         "id-1",
		ExternalID: "ext-1",
		UserID:     "u1",
		Date:       civil.Date{Year: 2024, Month: 2, Day: 10},
	}
	if _, err := h.ForTransaction(context.Background(), tx); err != nil {
		t.Fatalf("ForTransaction() error = %v", err)
	}

	if len(reader.queries) != 1 {
		t.Fatalf("expected 1 query, got %d", len(reader.queries))
	}
	q := reader.queries[0]
	if q.UserID != "u1" || q.Before != tx.Date || q.Limit != DefaultHistoryLimit {
		t.Errorf("query = %+v", q)
	}
	if len(q.ExcludeIDs) != 2 || q.ExcludeIDs[0] != "id-1" || q.ExcludeIDs[1] != "ext-1" {
		t.Errorf("ExcludeIDs = %v, want [id-1 ext-1]", q.ExcludeIDs)
	}
}

func TestHistoryProvider_UnsavedTransactionExcludesExternalIDOnly(t *testing.T) {
	reader := &mockHistoryReader{}
	h := NewHistoryProvider(reader, 10)

	tx := &domain.Transaction{ExternalID: "ext-9", UserID: "u1"}
	if _, err := h.ForTransaction(context.Background(), tx); err != nil {
		t.Fatalf("ForTransaction() error = %v", err)
	}

	q := reader.queries[0]
	if q.Limit != 10 {
		t.Errorf("Limit = %d, want 10", q.Limit)
	}
	if len(q.ExcludeIDs) != 1 || q.ExcludeIDs[0] != "ext-9" {
		t.Errorf("ExcludeIDs = %v, want [ext-9]", q.ExcludeIDs)
	}
}

func TestHistoryProvider_ExplicitLimitWins(t *testing.T) {
	reader := &mockHistoryReader{}
	h := NewHistoryProvider(reader, 50)

	if _, err := h.History(context.Background(), "u1", civil.Date{Year: 2024, Month: 1, Day: 1}, 5); err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if reader.queries[0].Limit != 5 {
		t.Errorf("Limit = %d, want 5", reader.queries[0].Limit)
	}
}

func TestHistoryProvider_ReadFailure(t *testing.T) {
	reader := &mockHistoryReader{HistoryFunc: func(ctx context.Context, q store.HistoryQuery) ([]*domain.Transaction, error) {
		return nil, errors.New("timeout")
	}}
	h := NewHistoryProvider(reader, 0)

	_, err := h.History(context.Background(), "u1", civil.Date{Year: 2024, Month: 1, Day: 1}, 0)
	if !errors.Is(err, domain.ErrPersistence) {
		t.Errorf("History() error = %v, want ErrPersistence", err)
	}
}
