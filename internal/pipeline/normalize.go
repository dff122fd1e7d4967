package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/dvloznov/fraud-tracker/internal/domain"
	"github.com/dvloznov/fraud-tracker/internal/store"
)

// Field aliases, in precedence order. The canonical name comes first,
// provider-specific names after it.
var (
	externalIDFields      = []string{"transaction_id", "tx_id", "external_id", "id"}
	merchantFields        = []string{"merchant_name", "merchant", "name"}
	transactionTypeFields = []string{"transaction_type", "payment_channel"}
	accountFields         = []string{"account_id", "account"}
	dateFields            = []string{"date", "transaction_date", "authorized_date"}
	categoryFields        = []string{"category", "categories"}
)

// generatedIDSpace namespaces external ids derived from record content.
var generatedIDSpace = uuid.MustParse("5b0c3f3e-8f44-4a43-9d3e-6f0b8b8e2a11")

// Normalizer maps provider records onto the canonical transaction model.
type Normalizer struct {
	accounts store.AccountResolver
}

// NewNormalizer creates a Normalizer. accounts may be nil, in which case no
// account is ever resolved.
func NewNormalizer(accounts store.AccountResolver) *Normalizer {
	return &Normalizer{accounts: accounts}
}

// Normalize returns an unscored transaction for userID. Missing or
// unparsable amount or date yields a *domain.ValidationError. An unknown
// source account leaves AccountID nil.
func (n *Normalizer) Normalize(ctx context.Context, userID string, raw json.RawMessage) (*domain.Transaction, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, &domain.ValidationError{Field: "user_id", Reason: "is required"}
	}

	fields, canonical, err := decodeRecord(raw)
	if err != nil {
		return nil, err
	}

	amount, err := parseAmount(fields["amount"])
	if err != nil {
		return nil, err
	}

	date, err := parseDate(firstValue(fields, dateFields))
	if err != nil {
		return nil, err
	}

	externalID := firstString(fields, externalIDFields)
	if externalID == "" {
		externalID = "gen-" + uuid.NewSHA1(generatedIDSpace, append([]byte(userID+"\x00"), canonical...)).String()
	}

	tx := &domain.Transaction{
		ExternalID:      externalID,
		UserID:          userID,
		Amount:          amount,
		Date:            date,
		MerchantName:    firstString(fields, merchantFields),
		Category:        parseCategory(firstValue(fields, categoryFields)),
		TransactionType: firstString(fields, transactionTypeFields),
		Raw:             compact(raw),
	}

	if sourceAccount := firstString(fields, accountFields); sourceAccount != "" && n.accounts != nil {
		accountID, ok, err := n.accounts.ResolveAccount(ctx, userID, sourceAccount)
		if err != nil {
			return nil, fmt.Errorf("Normalize: resolving account %s: %w: %w", sourceAccount, domain.ErrPersistence, err)
		}
		if ok {
			tx.AccountID = &accountID
		}
	}

	return tx, nil
}

// decodeRecord parses raw into a field map and a canonical re-encoding with
// sorted keys, used to derive a stable id for records that carry none.
func decodeRecord(raw json.RawMessage) (map[string]interface{}, []byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var fields map[string]interface{}
	if err := dec.Decode(&fields); err != nil || fields == nil {
		return nil, nil, &domain.ValidationError{Field: "record", Reason: "must be a JSON object"}
	}
	canonical, err := json.Marshal(fields)
	if err != nil {
		return nil, nil, &domain.ValidationError{Field: "record", Reason: err.Error()}
	}
	return fields, canonical, nil
}

func firstValue(fields map[string]interface{}, keys []string) interface{} {
	for _, k := range keys {
		if v, ok := fields[k]; ok && v != nil && v != "" {
			return v
		}
	}
	return nil
}

func firstString(fields map[string]interface{}, keys []string) string {
	for _, k := range keys {
		switch v := fields[k].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case json.Number:
			return v.String()
		}
	}
	return ""
}

func parseAmount(v interface{}) (decimal.Decimal, error) {
	var (
		d   decimal.Decimal
		err error
	)
	switch x := v.(type) {
	case nil:
		return decimal.Decimal{}, &domain.ValidationError{Field: "amount", Reason: "is required"}
	case json.Number:
		d, err = decimal.NewFromString(x.String())
	case string:
		d, err = decimal.NewFromString(strings.TrimSpace(x))
	default:
		return decimal.Decimal{}, &domain.ValidationError{Field: "amount", Reason: fmt.Sprintf("unsupported type %T", v)}
	}
	if err != nil {
		return decimal.Decimal{}, &domain.ValidationError{Field: "amount", Reason: "not a number"}
	}
	return d.Round(domain.AmountScale), nil
}

func parseDate(v interface{}) (civil.Date, error) {
	s, ok := v.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return civil.Date{}, &domain.ValidationError{Field: "date", Reason: "is required"}
	}
	s = strings.TrimSpace(s)

	if d, err := civil.ParseDate(s); err == nil {
		return d, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return civil.DateOf(t), nil
	}
	return civil.Date{}, &domain.ValidationError{Field: "date", Reason: fmt.Sprintf("%q is not YYYY-MM-DD", s)}
}

func parseCategory(v interface{}) []string {
	switch x := v.(type) {
	case string:
		return []string{x}
	case []interface{}:
		out := make([]string, 0, len(x))
		for _, item := range x {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return []string{}
}

func compact(raw json.RawMessage) json.RawMessage {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return append(json.RawMessage(nil), raw...)
	}
	return buf.Bytes()
}
