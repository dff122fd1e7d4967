package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dvloznov/fraud-tracker/internal/domain"
	"github.com/dvloznov/fraud-tracker/internal/events"
	"github.com/dvloznov/fraud-tracker/internal/lock"
	"github.com/dvloznov/fraud-tracker/internal/scoring"
	"github.com/dvloznov/fraud-tracker/internal/store"
	"github.com/dvloznov/fraud-tracker/internal/store/memory"
)

type fixedThreshold int

func (f fixedThreshold) Threshold() int { return int(f) }

// mockScorer is a mock implementation of scoring.Scorer for testing.
type mockScorer struct {
	ScoreFunc func(ctx context.Context, req scoring.Request) (domain.RiskAssessment, error)
}

func (m *mockScorer) Score(ctx context.Context, req scoring.Request) (domain.RiskAssessment, error) {
	return m.ScoreFunc(ctx, req)
}

// mockPublisher is a mock implementation of events.Publisher for testing.
type mockPublisher struct {
	PublishFunc func(ctx context.Context, ev events.Event) error

	mu     sync.Mutex
	events []events.Event
}

func (m *mockPublisher) Publish(ctx context.Context, ev events.Event) error {
	m.mu.Lock()
	m.events = append(m.events, ev)
	m.mu.Unlock()
	if m.PublishFunc != nil {
		return m.PublishFunc(ctx, ev)
	}
	return nil
}

func (m *mockPublisher) Close() error { return nil }

// failingStore fails InsertScored for one external id.
type failingStore struct {
	*memory.Store
	failExternalID string
}

func (f *failingStore) InsertScored(ctx context.Context, tx *domain.Transaction, flag *domain.Flag) error {
	if tx.ExternalID == f.failExternalID {
		return errors.New("disk full")
	}
	return f.Store.InsertScored(ctx, tx, flag)
}

type ingestFixture struct {
	store     store.TransactionStore
	ingester  *Ingester
	publisher *mockPublisher
	locker    *lock.Local
}

func newIngestFixture(t *testing.T, s store.TransactionStore, primary scoring.Scorer, opts Options) *ingestFixture {
	t.Helper()
	if s == nil {
		s = memory.NewStore()
	}
	pub := &mockPublisher{}
	locker := lock.NewLocal()
	assessor := NewAssessor(NewHistoryProvider(s, 0), scoring.NewResilient(primary, nil), NewPolicy(nil))
	return &ingestFixture{
		store:     s,
		ingester:  NewIngester(s, assessor, locker, fixedThreshold(75), pub, nil, opts),
		publisher: pub,
		locker:    locker,
	}
}

func records(raw ...string) []json.RawMessage {
	out := make([]json.RawMessage, len(raw))
	for i, r := range raw {
		out[i] = json.RawMessage(r)
	}
	return out
}

func TestIngester_EndToEnd(t *testing.T) {
	ctx := context.Background()
	f := newIngestFixture(t, nil, nil, Options{})

	res, err := f.ingester.Ingest(ctx, "user-1", records(
		`{"amount":3,"date":"2024-01-01"}`,
		`{"amount":300,"merchant":"NewCo","date":"2024-01-02"}`,
	))
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if len(res.Transactions) != 2 || len(res.Failed) != 0 || len(res.Skipped) != 0 {
		t.Fatalf("result = %+v", res)
	}

	first, second := res.Transactions[0], res.Transactions[1]
	if *first.RiskScore != 5 || first.IsFlagged {
		t.Errorf("first: score=%d flagged=%v, want 5 unflagged", *first.RiskScore, first.IsFlagged)
	}
	if got := first.Explanation.Flags; len(got) != 1 || got[0] != "micro-amount" {
		t.Errorf("first flags = %v", got)
	}
	if *second.RiskScore != 90 || !second.IsFlagged || second.FlaggedAt == nil {
		t.Errorf("second: score=%d flagged=%v", *second.RiskScore, second.IsFlagged)
	}
	if got := second.Explanation.Flags; len(got) != 2 || got[0] != "high_amount" || got[1] != "new_merchant" {
		t.Errorf("second flags = %v", got)
	}
	if first.ID == "" || second.ID == "" {
		t.Error("persisted transactions have no id")
	}

	flags, err := f.store.ListFlags(ctx, store.FlagFilter{UserID: "user-1"})
	if err != nil {
		t.Fatalf("ListFlags() error = %v", err)
	}
	if len(flags) != 1 || flags[0].TransactionID != second.ID || flags[0].FlagType != domain.FlagTypeRisk {
		t.Errorf("flags = %+v, want one risk flag for %s", flags, second.ID)
	}
}

func TestIngester_Idempotent(t *testing.T) {
	ctx := context.Background()
	f := newIngestFixture(t, nil, nil, Options{})
	batch := records(
		`{"transaction_id":"a","amount":10,"date":"2024-01-01","merchant_name":"A"}`,
		`{"transaction_id":"b","amount":20,"date":"2024-01-02","merchant_name":"B"}`,
	)

	if _, err := f.ingester.Ingest(ctx, "u1", batch); err != nil {
		t.Fatalf("first Ingest() error = %v", err)
	}
	res, err := f.ingester.Ingest(ctx, "u1", batch)
	if err != nil {
		t.Fatalf("second Ingest() error = %v", err)
	}

	if len(res.Transactions) != 0 {
		t.Errorf("second ingest created %d transactions, want 0", len(res.Transactions))
	}
	if len(res.Skipped) != 2 || res.Skipped[0].Reason != SkipExists {
		t.Errorf("Skipped = %+v", res.Skipped)
	}

	all, _ := f.store.ListTransactions(ctx, store.TransactionFilter{UserID: "u1"})
	if len(all) != 2 {
		t.Errorf("store holds %d transactions, want 2", len(all))
	}
}

func TestIngester_RepeatWithinBatch(t *testing.T) {
	f := newIngestFixture(t, nil, nil, Options{})

	res, err := f.ingester.Ingest(context.Background(), "u1", records(
		`{"transaction_id":"dup","amount":10,"date":"2024-01-01"}`,
		`{"transaction_id":"dup","amount":10,"date":"2024-01-01"}`,
	))
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if len(res.Transactions) != 1 || len(res.Skipped) != 1 || res.Skipped[0].Index != 1 {
		t.Errorf("result = %+v", res)
	}
}

func TestIngester_InFlightRecordIsSkipped(t *testing.T) {
	ctx := context.Background()
	f := newIngestFixture(t, nil, nil, Options{})

	release, ok, err := f.locker.TryLock(ctx, "ingest:busy", time.Minute)
	if err != nil || !ok {
		t.Fatalf("TryLock() = %v, %v", ok, err)
	}
	defer release(ctx)

	res, err := f.ingester.Ingest(ctx, "u1", records(`{"transaction_id":"busy","amount":10,"date":"2024-01-01"}`))
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if len(res.Skipped) != 1 || res.Skipped[0].Reason != SkipInFlight {
		t.Errorf("Skipped = %+v, want in_flight", res.Skipped)
	}
}

func TestIngester_EmptyInput(t *testing.T) {
	f := newIngestFixture(t, nil, nil, Options{})

	res, err := f.ingester.Ingest(context.Background(), "u1", nil)
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if res == nil || len(res.Transactions) != 0 || len(res.Failed) != 0 || len(res.Skipped) != 0 {
		t.Errorf("result = %+v, want empty", res)
	}
}

func TestIngester_BatchIsolation(t *testing.T) {
	tests := []struct {
		name        string
		store       func() store.TransactionStore
		primary     scoring.Scorer
		wantCreated int
		wantFailed  []int
	}{
		{
			name: "scorer failure on one record falls back",
			primary: &mockScorer{ScoreFunc: func(ctx context.Context, req scoring.Request) (domain.RiskAssessment, error) {
				if req.Transaction.ExternalID == "b" {
					return domain.RiskAssessment{}, fmt.Errorf("boom: %w", domain.ErrScorerUnavailable)
				}
				return domain.RiskAssessment{Score: 10, RecommendedAction: domain.ActionAllow}, nil
			}},
			wantCreated: 3,
		},
		{
			name: "out of range score on one record falls back",
			primary: &mockScorer{ScoreFunc: func(ctx context.Context, req scoring.Request) (domain.RiskAssessment, error) {
				if req.Transaction.ExternalID == "b" {
					return domain.RiskAssessment{Score: 400}, nil
				}
				return domain.RiskAssessment{Score: 10, RecommendedAction: domain.ActionAllow}, nil
			}},
			wantCreated: 3,
		},
		{
			name: "persistence failure on one record",
			store: func() store.TransactionStore {
				return &failingStore{Store: memory.NewStore(), failExternalID: "b"}
			},
			wantCreated: 2,
			wantFailed:  []int{1},
		},
	}

	batch := records(
		`{"transaction_id":"a","amount":10,"date":"2024-01-01"}`,
		`{"transaction_id":"b","amount":20,"date":"2024-01-02"}`,
		`{"transaction_id":"c","amount":30,"date":"2024-01-03"}`,
	)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var s store.TransactionStore
			if tt.store != nil {
				s = tt.store()
			}
			f := newIngestFixture(t, s, tt.primary, Options{})

			res, err := f.ingester.Ingest(context.Background(), "u1", batch)
			if err != nil {
				t.Fatalf("Ingest() error = %v", err)
			}
			if len(res.Transactions) != tt.wantCreated {
				t.Errorf("created %d, want %d", len(res.Transactions), tt.wantCreated)
			}
			if len(res.Failed) != len(tt.wantFailed) {
				t.Fatalf("Failed = %+v, want indexes %v", res.Failed, tt.wantFailed)
			}
			for i, idx := range tt.wantFailed {
				if res.Failed[i].Index != idx || !errors.Is(res.Failed[i].Err, domain.ErrPersistence) {
					t.Errorf("Failed[%d] = %+v", i, res.Failed[i])
				}
			}
			for _, tx := range res.Transactions {
				if !tx.Scored() {
					t.Errorf("transaction %s was persisted without a score", tx.ExternalID)
				}
			}
		})
	}
}

func TestIngester_ValidationFailureIsReported(t *testing.T) {
	f := newIngestFixture(t, nil, nil, Options{})

	res, err := f.ingester.Ingest(context.Background(), "u1", records(
		`{"transaction_id":"a","amount":10,"date":"2024-01-01"}`,
		`{"transaction_id":"b","date":"2024-01-01"}`,
	))
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if len(res.Transactions) != 1 {
		t.Errorf("created %d, want 1", len(res.Transactions))
	}
	if len(res.Failed) != 1 || res.Failed[0].Index != 1 || !domain.IsValidation(res.Failed[0].Err) {
		t.Errorf("Failed = %+v", res.Failed)
	}
}

func TestIngester_FlaggedTransactionsAlwaysHaveAFlag(t *testing.T) {
	ctx := context.Background()
	f := newIngestFixture(t, nil, nil, Options{})

	var batch []json.RawMessage
	for i := 0; i < 12; i++ {
		batch = append(batch, json.RawMessage(fmt.Sprintf(
			`{"transaction_id":"t%d","amount":%d,"date":"2024-01-%02d","merchant_name":"M%d"}`,
			i, i*40, i+1, i%3)))
	}
	if _, err := f.ingester.Ingest(ctx, "u1", batch); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}

	txs, _ := f.store.ListTransactions(ctx, store.TransactionFilter{UserID: "u1"})
	for _, tx := range txs {
		if !tx.IsFlagged {
			continue
		}
		flags, _ := f.store.ListFlags(ctx, store.FlagFilter{TransactionID: tx.ID})
		if len(flags) == 0 {
			t.Errorf("flagged transaction %s has no flag", tx.ExternalID)
		}
	}
}

func TestIngester_ConcurrentKeepsInputOrder(t *testing.T) {
	f := newIngestFixture(t, nil, nil, Options{Concurrency: 4})

	var batch []json.RawMessage
	for i := 0; i < 10; i++ {
		batch = append(batch, json.RawMessage(fmt.Sprintf(`{"transaction_id":"c%d","amount":50,"date":"2024-02-01"}`, i)))
	}

	res, err := f.ingester.Ingest(context.Background(), "u1", batch)
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if len(res.Transactions) != 10 || len(res.Skipped) != 0 || len(res.Failed) != 0 {
		t.Fatalf("result = %+v, want 10 created", res)
	}
	for i, tx := range res.Transactions {
		if want := fmt.Sprintf("c%d", i); tx.ExternalID != want {
			t.Errorf("Transactions[%d] = %s, want %s", i, tx.ExternalID, want)
		}
	}
}

func TestIngester_PublishesEvents(t *testing.T) {
	f := newIngestFixture(t, nil, nil, Options{})
	f.publisher.PublishFunc = func(ctx context.Context, ev events.Event) error {
		return errors.New("broker down")
	}

	res, err := f.ingester.Ingest(context.Background(), "u1", records(
		`{"transaction_id":"small","amount":3,"date":"2024-01-01"}`,
		`{"transaction_id":"big","amount":300,"date":"2024-01-02","merchant_name":"NewCo"}`,
	))
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if len(res.Transactions) != 2 {
		t.Fatalf("publish failures must not fail ingestion, created %d", len(res.Transactions))
	}

	var flagged int
	for _, ev := range f.publisher.events {
		if ev.Type == events.TypeFlagged {
			flagged++
			if ev.ExternalID != "big" || ev.Source != string(scoring.SourceFallback) {
				t.Errorf("flagged event = %+v", ev)
			}
		}
	}
	if len(f.publisher.events) != 3 || flagged != 1 {
		t.Errorf("events = %+v, want 2 scored and 1 flagged", f.publisher.events)
	}
}

func TestIngester_Preview(t *testing.T) {
	ctx := context.Background()
	f := newIngestFixture(t, nil, nil, Options{})

	a, err := f.ingester.Preview(ctx, "u1", json.RawMessage(`{"transaction_id":"p","amount":250,"date":"2024-01-01"}`))
	if err != nil {
		t.Fatalf("Preview() error = %v", err)
	}
	if *a.Transaction.RiskScore != 90 || a.Flag == nil {
		t.Errorf("assessment = %+v", a)
	}

	existing, err := f.store.FindByExternalID(ctx, "p")
	if err != nil || existing != nil {
		t.Errorf("Preview persisted a transaction: %v, %v", existing, err)
	}
}

func TestIngester_FlagTypeOption(t *testing.T) {
	ctx := context.Background()
	f := newIngestFixture(t, nil, nil, Options{FlagType: domain.FlagTypeSeeded})

	res, err := f.ingester.Ingest(ctx, "user-1", records(
		`{"tx_id":"s-1","amount":12,"merchant":"Cafe","date":"2024-01-01"}`,
		`{"tx_id":"s-2","amount":420.5,"merchant":"Electronics Hub","date":"2024-01-02"}`,
	))
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if len(res.Transactions) != 2 || !res.Transactions[1].IsFlagged {
		t.Fatalf("result = %+v", res)
	}

	flags, err := f.store.ListFlags(ctx, store.FlagFilter{UserID: "user-1"})
	if err != nil {
		t.Fatalf("ListFlags() error = %v", err)
	}
	if len(flags) != 1 || flags[0].FlagType != domain.FlagTypeSeeded || flags[0].TransactionID != res.Transactions[1].ID {
		t.Errorf("flags = %+v, want one seeded flag", flags)
	}
}
