package memory

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"

	"github.com/dvloznov/fraud-tracker/internal/domain"
	"github.com/dvloznov/fraud-tracker/internal/store"
)

func newTx(ext, user string, date civil.Date) *domain.Transaction {
	return &domain.Transaction{
		ExternalID:   ext,
		UserID:       user,
		Amount:       decimal.RequireFromString("10.00"),
		Date:         date,
		MerchantName: "Shop " + ext,
	}
}

func intPtr(v int) *int { return &v }

func TestStore_InsertDuplicate(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	day := civil.Date{Year: 2024, Month: 1, Day: 1}

	if err := s.InsertUnscored(ctx, newTx("ext-1", "u1", day)); err != nil {
		t.Fatalf("first insert failed: %v", err)
	}
	err := s.InsertUnscored(ctx, newTx("ext-1", "u1", day))
	if !errors.Is(err, domain.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	scored := newTx("ext-1", "u1", day)
	scored.RiskScore = intPtr(10)
	if err := s.InsertScored(ctx, scored, nil); !errors.Is(err, domain.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate from InsertScored, got %v", err)
	}
}

func TestStore_InsertScoredWithFlag(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	tx := newTx("ext-1", "u1", civil.Date{Year: 2024, Month: 1, Day: 2})
	tx.RiskScore = intPtr(90)
	tx.IsFlagged = true
	flag := &domain.Flag{FlagType: domain.FlagTypeRisk, Metadata: map[string]interface{}{"score": 90}}

	if err := s.InsertScored(ctx, tx, flag); err != nil {
		t.Fatalf("InsertScored failed: %v", err)
	}
	if tx.ID == "" {
		t.Fatal("expected ID to be assigned")
	}

	flags, err := s.ListFlags(ctx, store.FlagFilter{TransactionID: tx.ID})
	if err != nil {
		t.Fatalf("ListFlags failed: %v", err)
	}
	if len(flags) != 1 || flags[0].UserID != "u1" || flags[0].FlagType != domain.FlagTypeRisk {
		t.Errorf("unexpected flags: %+v", flags)
	}

	unscored := newTx("ext-2", "u1", civil.Date{Year: 2024, Month: 1, Day: 2})
	if err := s.InsertScored(ctx, unscored, nil); err == nil {
		t.Error("expected error inserting unscored transaction through InsertScored")
	}
}

func TestStore_History(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	days := []civil.Date{
		{Year: 2024, Month: 1, Day: 1},
		{Year: 2024, Month: 1, Day: 3},
		{Year: 2024, Month: 1, Day: 2},
		{Year: 2024, Month: 1, Day: 5},
	}
	for i, d := range days {
		if err := s.InsertUnscored(ctx, newTx(string(rune('a'+i)), "u1", d)); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.InsertUnscored(ctx, newTx("other", "u2", days[0])); err != nil {
		t.Fatal(err)
	}

	got, err := s.History(ctx, store.HistoryQuery{
		UserID: "u1",
		Before: civil.Date{Year: 2024, Month: 1, Day: 5},
		Limit:  2,
	})
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(got))
	}
	if got[0].ExternalID != "b" || got[1].ExternalID != "c" {
		t.Errorf("expected most-recent-first [b c], got [%s %s]", got[0].ExternalID, got[1].ExternalID)
	}

	got, _ = s.History(ctx, store.HistoryQuery{
		UserID:     "u1",
		Before:     civil.Date{Year: 2024, Month: 2, Day: 1},
		ExcludeIDs: []string{"d"},
	})
	for _, tx := range got {
		if tx.ExternalID == "d" {
			t.Error("excluded transaction returned")
		}
		if tx.UserID != "u1" {
			t.Error("foreign transaction returned")
		}
	}
	if len(got) != 3 {
		t.Errorf("expected 3 rows, got %d", len(got))
	}
}

func TestStore_ClaimUnscoredIsExclusive(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now := base
	s.SetClock(func() time.Time { return now })

	for i := 0; i < 3; i++ {
		now = base.Add(time.Duration(i) * time.Minute)
		if err := s.InsertUnscored(ctx, newTx(string(rune('a'+i)), "u1", civil.Date{Year: 2024, Month: 1, Day: 1})); err != nil {
			t.Fatal(err)
		}
	}

	first, err := s.ClaimUnscored(ctx, store.Claim{Token: "run-1", Until: now.Add(time.Minute)}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 2 || first[0].ExternalID != "a" || first[1].ExternalID != "b" {
		t.Fatalf("expected oldest two rows, got %+v", first)
	}

	second, _ := s.ClaimUnscored(ctx, store.Claim{Token: "run-2", Until: now.Add(time.Minute)}, 10)
	if len(second) != 1 || second[0].ExternalID != "c" {
		t.Fatalf("overlapping run should only see row c, got %+v", second)
	}

	// Expired leases become claimable again.
	now = now.Add(2 * time.Minute)
	third, _ := s.ClaimUnscored(ctx, store.Claim{Token: "run-3", Until: now.Add(time.Minute)}, 10)
	if len(third) != 3 {
		t.Errorf("expected expired claims to be reclaimable, got %d", len(third))
	}
}

func TestStore_ApplyScore(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	tx := newTx("a", "u1", civil.Date{Year: 2024, Month: 1, Day: 1})
	if err := s.InsertUnscored(ctx, tx); err != nil {
		t.Fatal(err)
	}

	claimed, err := s.ClaimTransaction(ctx, store.Claim{Token: "t1", Until: time.Now().Add(time.Minute)}, tx.ID)
	if err != nil {
		t.Fatalf("ClaimTransaction failed: %v", err)
	}
	if _, err := s.ClaimTransaction(ctx, store.Claim{Token: "t2", Until: time.Now().Add(time.Minute)}, tx.ID); !errors.Is(err, domain.ErrConflict) {
		t.Errorf("expected ErrConflict for held claim, got %v", err)
	}

	claimed.RiskScore = intPtr(80)
	claimed.IsFlagged = true
	if err := s.ApplyScore(ctx, "wrong", claimed, nil); !errors.Is(err, domain.ErrConflict) {
		t.Errorf("expected ErrConflict for wrong token, got %v", err)
	}
	if err := s.ApplyScore(ctx, "t1", claimed, &domain.Flag{FlagType: domain.FlagTypeRisk}); err != nil {
		t.Fatalf("ApplyScore failed: %v", err)
	}
	if err := s.ApplyScore(ctx, "t1", claimed, nil); !errors.Is(err, domain.ErrConflict) {
		t.Errorf("expected ErrConflict for second score, got %v", err)
	}

	got, _ := s.GetTransaction(ctx, "u1", tx.ID)
	if got.RiskScore == nil || *got.RiskScore != 80 || !got.IsFlagged {
		t.Errorf("score not applied: %+v", got)
	}
}

func TestStore_ApplyDecision(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	tx := newTx("a", "u1", civil.Date{Year: 2024, Month: 1, Day: 1})
	tx.RiskScore = intPtr(20)
	if err := s.InsertScored(ctx, tx, nil); err != nil {
		t.Fatal(err)
	}

	foreign := tx.Clone()
	foreign.UserID = "u2"
	foreign.Decision = domain.DecisionDecline
	if err := s.ApplyDecision(ctx, foreign, nil); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound for foreign user, got %v", err)
	}

	decided := tx.Clone()
	decided.Decision = domain.DecisionDecline
	decided.IsFlagged = true
	if err := s.ApplyDecision(ctx, decided, &domain.Flag{FlagType: domain.FlagTypeUserDecision}); err != nil {
		t.Fatalf("ApplyDecision failed: %v", err)
	}
	if err := s.ApplyDecision(ctx, decided, nil); !errors.Is(err, domain.ErrConflict) {
		t.Errorf("expected ErrConflict for second decision, got %v", err)
	}

	if _, err := s.GetTransaction(ctx, "u2", tx.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound for foreign lookup, got %v", err)
	}

	flagged, _ := s.ListTransactions(ctx, store.TransactionFilter{FlaggedOnly: true})
	if len(flagged) != 1 {
		t.Errorf("expected 1 flagged transaction, got %d", len(flagged))
	}
}

func TestStore_Accounts(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	if _, ok, _ := s.ResolveAccount(ctx, "u1", "plaid-1"); ok {
		t.Fatal("expected no account before upsert")
	}
	id, err := s.UpsertAccount(ctx, &domain.Account{UserID: "u1", ExternalAccountID: "plaid-1"})
	if err != nil {
		t.Fatal(err)
	}
	again, _ := s.UpsertAccount(ctx, &domain.Account{UserID: "u1", ExternalAccountID: "plaid-1"})
	if again != id {
		t.Errorf("upsert not idempotent: %s vs %s", id, again)
	}
	got, ok, _ := s.ResolveAccount(ctx, "u1", "plaid-1")
	if !ok || got != id {
		t.Errorf("ResolveAccount = %s, %v", got, ok)
	}
	if _, ok, _ := s.ResolveAccount(ctx, "u2", "plaid-1"); ok {
		t.Error("account resolved for the wrong user")
	}
}

func TestStore_ClaimUnscoredSameTimestampIsFIFO(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	fixed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return fixed })
	day := civil.Date{Year: 2024, Month: 1, Day: 1}

	var want []string
	for i := 0; i < 30; i++ {
		tx := newTx(fmt.Sprintf("ext-%02d", i), "u1", day)
		if err := s.InsertUnscored(ctx, tx); err != nil {
			t.Fatalf("InsertUnscored() error = %v", err)
		}
		want = append(want, tx.ExternalID)
	}

	got, err := s.ClaimUnscored(ctx, store.Claim{Token: "a", Until: fixed.Add(time.Minute)}, 10)
	if err != nil {
		t.Fatalf("ClaimUnscored() error = %v", err)
	}
	if len(got) != 10 {
		t.Fatalf("claimed %d, want 10", len(got))
	}
	for i, tx := range got {
		if tx.ExternalID != want[i] {
			t.Errorf("claim[%d] = %s, want %s", i, tx.ExternalID, want[i])
		}
	}
}
