package worker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"

	"github.com/dvloznov/fraud-tracker/internal/domain"
	"github.com/dvloznov/fraud-tracker/internal/pipeline"
	"github.com/dvloznov/fraud-tracker/internal/scoring"
	"github.com/dvloznov/fraud-tracker/internal/store"
	"github.com/dvloznov/fraud-tracker/internal/store/memory"
)

type fixedThreshold int

func (f fixedThreshold) Threshold() int { return int(f) }

// flakyStore fails ApplyScore for one transaction id.
type flakyStore struct {
	*memory.Store
	failID string
}

func (f *flakyStore) ApplyScore(ctx context.Context, token string, tx *domain.Transaction, flag *domain.Flag) error {
	if tx.ID == f.failID {
		return errors.New("write timeout")
	}
	return f.Store.ApplyScore(ctx, token, tx, flag)
}

func newBacklog(s store.TransactionStore) *Backlog {
	assessor := pipeline.NewAssessor(
		pipeline.NewHistoryProvider(s, 0),
		scoring.NewResilient(nil, nil),
		pipeline.NewPolicy(nil),
	)
	return NewBacklog(s, assessor, fixedThreshold(75), nil, nil, time.Minute)
}

// seed inserts n unscored rows with strictly increasing creation times and
// returns their ids in insertion order.
func seed(t *testing.T, s *memory.Store, n int) []string {
	t.Helper()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		created := base.Add(time.Duration(i) * time.Minute)
		tx := &domain.Transaction{
			ExternalID:   fmt.Sprintf("ext-%d", i),
			UserID:       "u1",
			Amount:       decimal.NewFromInt(int64(50 + i*100)),
			Date:         civil.Date{Year: 2024, Month: 1, Day: 1 + i},
			MerchantName: "Shop",
			CreatedAt:    created,
		}
		if err := s.InsertUnscored(context.Background(), tx); err != nil {
			t.Fatalf("InsertUnscored() error = %v", err)
		}
		ids[i] = tx.ID
	}
	return ids
}

func pendingCount(t *testing.T, s store.TransactionStore) int {
	t.Helper()
	txs, err := s.ListTransactions(context.Background(), store.TransactionFilter{UserID: "u1"})
	if err != nil {
		t.Fatalf("ListTransactions() error = %v", err)
	}
	n := 0
	for _, tx := range txs {
		if !tx.Scored() {
			n++
		}
	}
	return n
}

func TestBacklog_ProcessPending_Empty(t *testing.T) {
	b := newBacklog(memory.NewStore())

	res, err := b.ProcessPending(context.Background(), 10)
	if err != nil {
		t.Fatalf("ProcessPending() error = %v", err)
	}
	if res.Claimed != 0 || len(res.Scored) != 0 || len(res.Failed) != 0 {
		t.Errorf("result = %+v, want empty", res)
	}
}

func TestBacklog_ProcessPending_OldestFirst(t *testing.T) {
	s := memory.NewStore()
	ids := seed(t, s, 5)
	b := newBacklog(s)

	res, err := b.ProcessPending(context.Background(), 2)
	if err != nil {
		t.Fatalf("ProcessPending() error = %v", err)
	}
	if len(res.Scored) != 2 || res.Scored[0].ID != ids[0] || res.Scored[1].ID != ids[1] {
		t.Fatalf("scored = %+v, want the two oldest", res.Scored)
	}
	if got := pendingCount(t, s); got != 3 {
		t.Errorf("pending = %d, want 3", got)
	}
}

func TestBacklog_Convergence(t *testing.T) {
	tests := []struct {
		name    string
		pending int
		batch   int
		ticks   int
	}{
		{name: "single tick", pending: 4, batch: 4, ticks: 1},
		{name: "batch larger than backlog", pending: 3, batch: 20, ticks: 1},
		{name: "several ticks", pending: 7, batch: 3, ticks: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := memory.NewStore()
			seed(t, s, tt.pending)
			b := newBacklog(s)

			for i := 0; i < tt.ticks; i++ {
				if _, err := b.ProcessPending(context.Background(), tt.batch); err != nil {
					t.Fatalf("tick %d: %v", i, err)
				}
			}
			if got := pendingCount(t, s); got != 0 {
				t.Errorf("pending = %d after %d ticks, want 0", got, tt.ticks)
			}
		})
	}
}

func TestBacklog_FailureIsIsolatedAndReleased(t *testing.T) {
	mem := memory.NewStore()
	ids := seed(t, mem, 3)
	s := &flakyStore{Store: mem, failID: ids[1]}
	b := newBacklog(s)

	res, err := b.ProcessPending(context.Background(), 10)
	if err != nil {
		t.Fatalf("ProcessPending() error = %v", err)
	}
	if len(res.Scored) != 2 {
		t.Errorf("scored %d, want 2", len(res.Scored))
	}
	if len(res.Failed) != 1 || res.Failed[0].TransactionID != ids[1] || !errors.Is(res.Failed[0].Err, domain.ErrPersistence) {
		t.Fatalf("failed = %+v", res.Failed)
	}

	// The failed row is claimable again by the next run.
	s.failID = ""
	res, err = b.ProcessPending(context.Background(), 10)
	if err != nil {
		t.Fatalf("second ProcessPending() error = %v", err)
	}
	if len(res.Scored) != 1 || res.Scored[0].ID != ids[1] {
		t.Errorf("second run scored %+v, want %s", res.Scored, ids[1])
	}
}

func TestBacklog_OverlappingRunsDoNotShareRows(t *testing.T) {
	ctx := context.Background()
	s := memory.NewStore()
	seed(t, s, 4)

	held, err := s.ClaimUnscored(ctx, store.Claim{Token: "other-run", Until: time.Now().Add(time.Hour)}, 3)
	if err != nil || len(held) != 3 {
		t.Fatalf("ClaimUnscored() = %d rows, %v", len(held), err)
	}

	res, err := newBacklog(s).ProcessPending(ctx, 10)
	if err != nil {
		t.Fatalf("ProcessPending() error = %v", err)
	}
	if res.Claimed != 1 {
		t.Errorf("claimed %d, want only the unheld row", res.Claimed)
	}
}

func TestBacklog_FlaggedRowsGetRiskFlag(t *testing.T) {
	ctx := context.Background()
	s := memory.NewStore()
	seed(t, s, 4)

	if _, err := newBacklog(s).ProcessPending(ctx, 10); err != nil {
		t.Fatalf("ProcessPending() error = %v", err)
	}

	txs, _ := s.ListTransactions(ctx, store.TransactionFilter{UserID: "u1"})
	for _, tx := range txs {
		flags, _ := s.ListFlags(ctx, store.FlagFilter{TransactionID: tx.ID, FlagType: domain.FlagTypeRisk})
		if tx.IsFlagged != (len(flags) == 1) {
			t.Errorf("%s: flagged=%v with %d risk flags", tx.ExternalID, tx.IsFlagged, len(flags))
		}
	}
}

func TestBacklog_ScoreOne(t *testing.T) {
	ctx := context.Background()
	s := memory.NewStore()
	ids := seed(t, s, 2)
	b := newBacklog(s)

	tx, err := b.ScoreOne(ctx, ids[1])
	if err != nil {
		t.Fatalf("ScoreOne() error = %v", err)
	}
	if !tx.Scored() {
		t.Error("ScoreOne returned an unscored transaction")
	}

	if _, err := b.ScoreOne(ctx, ids[1]); !errors.Is(err, domain.ErrConflict) {
		t.Errorf("second ScoreOne() error = %v, want ErrConflict", err)
	}
	if _, err := b.ScoreOne(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("ScoreOne(missing) error = %v, want ErrNotFound", err)
	}
}

func TestBacklog_RunStopsOnCancel(t *testing.T) {
	s := memory.NewStore()
	seed(t, s, 3)
	b := newBacklog(s)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Run(ctx, 10*time.Millisecond, 1)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for pendingCount(t, s) > 0 {
		select {
		case <-deadline:
			t.Fatal("backlog did not converge")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
