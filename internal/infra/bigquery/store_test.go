package bigquery

import (
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"

	"github.com/dvloznov/fraud-tracker/internal/domain"
	"github.com/dvloznov/fraud-tracker/internal/store"
)

func testStore() *Store {
	s := NewStoreWithClient(nil, "proj", "fraud")
	s.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
	return s
}

func paramValue(params []bigquery.QueryParameter, name string) (interface{}, bool) {
	for _, p := range params {
		if p.Name == name {
			return p.Value, true
		}
	}
	return nil, false
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		msg  string
		want error
	}{
		{name: "duplicate", msg: "job error: " + markerDuplicate + " at [4:2]", want: domain.ErrDuplicate},
		{name: "not found", msg: "job error: " + markerNotFound, want: domain.ErrNotFound},
		{name: "conflict", msg: "job error: " + markerConflict, want: domain.ErrConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify(errors.New(tt.msg))
			if !errors.Is(err, tt.want) {
				t.Errorf("classify(%q) = %v, want %v", tt.msg, err, tt.want)
			}
		})
	}

	plain := errors.New("quota exceeded")
	if got := classify(plain); got != plain {
		t.Errorf("unmarked errors should pass through, got %v", got)
	}
	if classify(nil) != nil {
		t.Error("classify(nil) should be nil")
	}
}

func TestTransactionRowToDomain(t *testing.T) {
	row := TransactionRow{
		TransactionID: "tx-1",
		ExternalID:    "ext-1",
		UserID:        "user-1",
		AccountID:     bigquery.NullString{StringVal: "acc-1", Valid: true},
		Amount:        big.NewRat(12345, 100),
		Date:          civil.Date{Year: 2024, Month: 4, Day: 30},
		MerchantName:  bigquery.NullString{StringVal: "Cafe", Valid: true},
		Category:      []string{"Food"},
		Raw:           bigquery.NullJSON{JSONVal: `{"amount":123.45}`, Valid: true},
		RiskScore:     bigquery.NullInt64{Int64: 80, Valid: true},
		IsFlagged:     true,
		FlaggedAt:     bigquery.NullTimestamp{Timestamp: time.Unix(100, 0), Valid: true},
		Explanation:   bigquery.NullJSON{JSONVal: `{"flags":["high_amount"],"top_features":[{"feature":"high_amount","weight":0.2}]}`, Valid: true},
		Decision:      bigquery.NullString{},
	}

	tx, err := row.toDomain()
	if err != nil {
		t.Fatalf("toDomain() error = %v", err)
	}
	if !tx.Amount.Equal(decimal.RequireFromString("123.45")) {
		t.Errorf("Amount = %s", tx.Amount)
	}
	if tx.AccountID == nil || *tx.AccountID != "acc-1" {
		t.Errorf("AccountID = %v", tx.AccountID)
	}
	if tx.RiskScore == nil || *tx.RiskScore != 80 {
		t.Errorf("RiskScore = %v", tx.RiskScore)
	}
	if tx.Explanation == nil || tx.Explanation.Flags[0] != "high_amount" {
		t.Errorf("Explanation = %+v", tx.Explanation)
	}
	if tx.Decided() {
		t.Error("NULL decision should read as undecided")
	}
	if tx.DecisionAt != nil {
		t.Error("DecisionAt should be nil")
	}
}

func TestTransactionRowToDomain_Unscored(t *testing.T) {
	row := TransactionRow{TransactionID: "tx-1", Amount: big.NewRat(5, 1)}
	tx, err := row.toDomain()
	if err != nil {
		t.Fatal(err)
	}
	if tx.Scored() || tx.Explanation != nil || tx.AccountID != nil {
		t.Errorf("unexpected fields on unscored row: %+v", tx)
	}
}

func TestTransactionParams(t *testing.T) {
	score := 30
	tx := &domain.Transaction{
		ID:          "tx-1",
		ExternalID:  "ext-1",
		Amount:      decimal.RequireFromString("10.005"),
		RiskScore:   &score,
		Explanation: &domain.Explanation{Flags: []string{"new_merchant"}},
	}

	params, err := transactionParams(tx)
	if err != nil {
		t.Fatalf("transactionParams() error = %v", err)
	}

	amount, _ := paramValue(params, "amount")
	if got := amount.(*big.Rat).FloatString(2); got != "10.01" {
		t.Errorf("amount = %s, want 10.01", got)
	}
	category, _ := paramValue(params, "category")
	if c, ok := category.([]string); !ok || c == nil {
		t.Errorf("category should bind as an empty array, got %#v", category)
	}
	raw, _ := paramValue(params, "raw")
	if raw.(bigquery.NullString).Valid {
		t.Error("empty raw should bind as NULL")
	}
	explanation, _ := paramValue(params, "explanation")
	if !strings.Contains(explanation.(bigquery.NullString).StringVal, "new_merchant") {
		t.Errorf("explanation = %v", explanation)
	}
	account, _ := paramValue(params, "account_id")
	if account.(bigquery.NullString).Valid {
		t.Error("nil account should bind as NULL")
	}
}

func TestFlagParams_NilMetadata(t *testing.T) {
	params, err := flagParams(&domain.Flag{ID: "f-1", FlagType: domain.FlagTypeRisk})
	if err != nil {
		t.Fatal(err)
	}
	metadata, _ := paramValue(params, "flag_metadata")
	if metadata.(bigquery.NullString).Valid {
		t.Error("nil metadata should bind as NULL")
	}
}

func TestInsertScript(t *testing.T) {
	s := testStore()

	withFlag := s.insertScript(true)
	for _, want := range []string{"BEGIN TRANSACTION", markerDuplicate, "`proj.fraud.transactions`", "`proj.fraud.flags`", "COMMIT TRANSACTION"} {
		if !strings.Contains(withFlag, want) {
			t.Errorf("insert script missing %q", want)
		}
	}
	if strings.Contains(s.insertScript(false), "`proj.fraud.flags`") {
		t.Error("script without flag should not touch flags table")
	}
}

func TestHistorySQL(t *testing.T) {
	s := testStore()

	sql, params := s.historySQL(store.HistoryQuery{
		UserID: "user-1",
		Before: civil.Date{Year: 2024, Month: 5, Day: 1},
		Limit:  50,
	})
	if !strings.Contains(sql, "date < @before") || !strings.Contains(sql, "LIMIT @limit") {
		t.Errorf("unexpected history sql: %s", sql)
	}
	exclude, _ := paramValue(params, "exclude")
	if exclude.([]string) == nil {
		t.Error("exclude should bind as an empty array")
	}

	sql, params = s.historySQL(store.HistoryQuery{UserID: "user-1"})
	if strings.Contains(sql, "LIMIT") {
		t.Error("zero limit should not bound the query")
	}
	if _, ok := paramValue(params, "limit"); ok {
		t.Error("limit parameter bound without LIMIT clause")
	}
}

func TestListSQL(t *testing.T) {
	s := testStore()

	sql, params := s.listSQL(store.TransactionFilter{UserID: "user-1", FlaggedOnly: true})
	if !strings.Contains(sql, "user_id = @user_id AND is_flagged") {
		t.Errorf("missing filters: %s", sql)
	}
	if !strings.Contains(sql, "ORDER BY flagged_at DESC") {
		t.Errorf("flagged listing should order by flagged_at: %s", sql)
	}
	limit, _ := paramValue(params, "limit")
	if limit.(int) != defaultListLimit {
		t.Errorf("limit = %v, want %d", limit, defaultListLimit)
	}

	sql, _ = s.listSQL(store.TransactionFilter{})
	if strings.Contains(sql, "WHERE") {
		t.Errorf("unfiltered listing should have no WHERE: %s", sql)
	}
}

func TestFlagsSQL(t *testing.T) {
	s := testStore()
	sql, params := s.flagsSQL(store.FlagFilter{TransactionID: "tx-1", FlagType: domain.FlagTypeUserDecision, Limit: 5})
	if !strings.Contains(sql, "transaction_id = @transaction_id AND flag_type = @flag_type") {
		t.Errorf("unexpected flags sql: %s", sql)
	}
	if v, _ := paramValue(params, "flag_type"); v != "user_decision" {
		t.Errorf("flag_type = %v", v)
	}
}

func TestStampFlag(t *testing.T) {
	s := testStore()
	tx := &domain.Transaction{ID: "tx-1", UserID: "user-1"}
	in := &domain.Flag{FlagType: domain.FlagTypeRisk}

	got := s.stampFlag(in, tx)
	if got.ID == "" || got.TransactionID != "tx-1" || got.UserID != "user-1" || got.CreatedAt.IsZero() {
		t.Errorf("stampFlag = %+v", got)
	}
	if in.ID != "" {
		t.Error("stampFlag mutated its input")
	}
}
