package bigquery

import (
	"context"
	"fmt"

	"cloud.google.com/go/bigquery"
	"github.com/google/uuid"

	"github.com/dvloznov/fraud-tracker/internal/domain"
	"github.com/dvloznov/fraud-tracker/internal/store"
)

func (s *Store) insertTransactionSQL() string {
	return `
INSERT INTO ` + s.table("transactions") + ` (
	transaction_id, external_id, user_id, account_id, amount, date,
	merchant_name, category, transaction_type, raw,
	risk_score, is_flagged, flagged_at, explanation,
	decision, decision_at, created_ts, updated_ts
)
VALUES (
	@transaction_id, @external_id, @user_id, @account_id, @amount, @date,
	@merchant_name, @category, @transaction_type, PARSE_JSON(@raw),
	@risk_score, @is_flagged, @flagged_at, PARSE_JSON(@explanation),
	@decision, @decision_at, @created_ts, @updated_ts
);`
}

func (s *Store) insertFlagSQL() string {
	return `
INSERT INTO ` + s.table("flags") + ` (flag_id, transaction_id, user_id, flag_type, metadata, created_ts)
VALUES (@flag_id, @flag_transaction_id, @flag_user_id, @flag_type, PARSE_JSON(@flag_metadata), @flag_created_ts);`
}

// insertScript guards the insert on external_id inside one transaction.
func (s *Store) insertScript(withFlag bool) string {
	sql := `
BEGIN TRANSACTION;
IF EXISTS (SELECT 1 FROM ` + s.table("transactions") + ` WHERE external_id = @external_id) THEN
	RAISE USING MESSAGE = '` + markerDuplicate + `';
END IF;` + s.insertTransactionSQL()
	if withFlag {
		sql += s.insertFlagSQL()
	}
	return sql + `
COMMIT TRANSACTION;`
}

// guardScript raises not-found or conflict when the preceding UPDATE matched
// no row. idCondition must select the row regardless of its state.
func (s *Store) guardScript(idCondition string) string {
	return `
IF @@row_count = 0 THEN
	IF EXISTS (SELECT 1 FROM ` + s.table("transactions") + ` WHERE ` + idCondition + `) THEN
		RAISE USING MESSAGE = '` + markerConflict + `';
	ELSE
		RAISE USING MESSAGE = '` + markerNotFound + `';
	END IF;
END IF;`
}

func (s *Store) stamp(tx *domain.Transaction) *domain.Transaction {
	c := tx.Clone()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := s.now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	return c
}

func (s *Store) stampFlag(flag *domain.Flag, tx *domain.Transaction) *domain.Flag {
	c := flag.Clone()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.TransactionID = tx.ID
	c.UserID = tx.UserID
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	return c
}

func (s *Store) insert(ctx context.Context, tx *domain.Transaction, flag *domain.Flag) error {
	row := s.stamp(tx)
	params, err := transactionParams(row)
	if err != nil {
		return err
	}

	var stamped *domain.Flag
	if flag != nil {
		stamped = s.stampFlag(flag, row)
		fp, err := flagParams(stamped)
		if err != nil {
			return err
		}
		params = append(params, fp...)
	}

	if err := s.run(ctx, s.insertScript(flag != nil), params); err != nil {
		return err
	}

	tx.ID, tx.CreatedAt, tx.UpdatedAt = row.ID, row.CreatedAt, row.UpdatedAt
	if flag != nil {
		*flag = *stamped
	}
	return nil
}

func (s *Store) InsertScored(ctx context.Context, tx *domain.Transaction, flag *domain.Flag) error {
	if !tx.Scored() {
		return fmt.Errorf("InsertScored: transaction %s has no score", tx.ExternalID)
	}
	if err := s.insert(ctx, tx, flag); err != nil {
		return fmt.Errorf("InsertScored: %w", err)
	}
	return nil
}

func (s *Store) InsertUnscored(ctx context.Context, tx *domain.Transaction) error {
	if err := s.insert(ctx, tx, nil); err != nil {
		return fmt.Errorf("InsertUnscored: %w", err)
	}
	return nil
}

// ClaimUnscored marks the oldest claimable rows with the claim token and then
// reads back exactly the rows carrying it.
func (s *Store) ClaimUnscored(ctx context.Context, claim store.Claim, limit int) ([]*domain.Transaction, error) {
	tt := s.table("transactions")
	sql := `
UPDATE ` + tt + `
SET claim_token = @token, claimed_until = @until, updated_ts = @now
WHERE risk_score IS NULL
  AND (claimed_until IS NULL OR claimed_until < @now)
  AND transaction_id IN (
	SELECT transaction_id FROM ` + tt + `
	WHERE risk_score IS NULL
	  AND (claimed_until IS NULL OR claimed_until < @now)
	ORDER BY created_ts ASC
	LIMIT @limit
  );
SELECT ` + transactionColumns + ` FROM ` + tt + `
WHERE claim_token = @token AND risk_score IS NULL
ORDER BY created_ts ASC;`

	txs, err := s.readTransactions(ctx, sql, []bigquery.QueryParameter{
		{Name: "token", Value: claim.Token},
		{Name: "until", Value: claim.Until},
		{Name: "now", Value: s.now()},
		{Name: "limit", Value: listLimit(limit)},
	})
	if err != nil {
		return nil, fmt.Errorf("ClaimUnscored: %w", err)
	}
	return txs, nil
}

func (s *Store) ClaimTransaction(ctx context.Context, claim store.Claim, id string) (*domain.Transaction, error) {
	tt := s.table("transactions")
	sql := `
UPDATE ` + tt + `
SET claim_token = @token, claimed_until = @until, updated_ts = @now
WHERE transaction_id = @transaction_id
  AND risk_score IS NULL
  AND (claimed_until IS NULL OR claimed_until < @now);` +
		s.guardScript("transaction_id = @transaction_id") + `
SELECT ` + transactionColumns + ` FROM ` + tt + `
WHERE transaction_id = @transaction_id;`

	tx, err := s.readOne(ctx, sql, []bigquery.QueryParameter{
		{Name: "token", Value: claim.Token},
		{Name: "until", Value: claim.Until},
		{Name: "now", Value: s.now()},
		{Name: "transaction_id", Value: id},
	})
	if err != nil {
		return nil, fmt.Errorf("ClaimTransaction: %s: %w", id, err)
	}
	if tx == nil {
		return nil, fmt.Errorf("ClaimTransaction: %s: %w", id, domain.ErrNotFound)
	}
	return tx, nil
}

func (s *Store) ReleaseClaim(ctx context.Context, token, id string) error {
	err := s.run(ctx, `
UPDATE `+s.table("transactions")+`
SET claim_token = NULL, claimed_until = NULL
WHERE transaction_id = @transaction_id AND claim_token = @token`,
		[]bigquery.QueryParameter{
			{Name: "transaction_id", Value: id},
			{Name: "token", Value: token},
		})
	if err != nil {
		return fmt.Errorf("ReleaseClaim: %w", err)
	}
	return nil
}

func (s *Store) ApplyScore(ctx context.Context, token string, tx *domain.Transaction, flag *domain.Flag) error {
	explanation, err := jsonParam(tx.Explanation)
	if err != nil {
		return fmt.Errorf("ApplyScore: encoding explanation: %w", err)
	}
	params := []bigquery.QueryParameter{
		{Name: "transaction_id", Value: tx.ID},
		{Name: "token", Value: token},
		{Name: "risk_score", Value: nullInt(tx.RiskScore)},
		{Name: "is_flagged", Value: tx.IsFlagged},
		{Name: "flagged_at", Value: nullTimestamp(tx.FlaggedAt)},
		{Name: "explanation", Value: explanation},
		{Name: "now", Value: s.now()},
	}

	var stamped *domain.Flag
	if flag != nil {
		stamped = s.stampFlag(flag, tx)
		fp, err := flagParams(stamped)
		if err != nil {
			return fmt.Errorf("ApplyScore: %w", err)
		}
		params = append(params, fp...)
	}

	sql := `
BEGIN TRANSACTION;
UPDATE ` + s.table("transactions") + `
SET risk_score = @risk_score,
	is_flagged = @is_flagged,
	flagged_at = @flagged_at,
	explanation = PARSE_JSON(@explanation),
	claim_token = NULL,
	claimed_until = NULL,
	updated_ts = @now
WHERE transaction_id = @transaction_id
  AND claim_token = @token
  AND risk_score IS NULL;` + s.guardScript("transaction_id = @transaction_id")
	if flag != nil {
		sql += s.insertFlagSQL()
	}
	sql += `
COMMIT TRANSACTION;`

	if err := s.run(ctx, sql, params); err != nil {
		return fmt.Errorf("ApplyScore: %s: %w", tx.ID, err)
	}
	if flag != nil {
		*flag = *stamped
	}
	return nil
}

func (s *Store) ApplyDecision(ctx context.Context, tx *domain.Transaction, flag *domain.Flag) error {
	params := []bigquery.QueryParameter{
		{Name: "transaction_id", Value: tx.ID},
		{Name: "user_id", Value: tx.UserID},
		{Name: "decision", Value: string(tx.Decision)},
		{Name: "decision_at", Value: nullTimestamp(tx.DecisionAt)},
		{Name: "is_flagged", Value: tx.IsFlagged},
		{Name: "flagged_at", Value: nullTimestamp(tx.FlaggedAt)},
		{Name: "now", Value: s.now()},
	}

	var stamped *domain.Flag
	if flag != nil {
		stamped = s.stampFlag(flag, tx)
		fp, err := flagParams(stamped)
		if err != nil {
			return fmt.Errorf("ApplyDecision: %w", err)
		}
		params = append(params, fp...)
	}

	sql := `
BEGIN TRANSACTION;
UPDATE ` + s.table("transactions") + `
SET decision = @decision,
	decision_at = @decision_at,
	is_flagged = @is_flagged,
	flagged_at = @flagged_at,
	updated_ts = @now
WHERE transaction_id = @transaction_id
  AND user_id = @user_id
  AND COALESCE(decision, '') = ''
  AND risk_score IS NOT NULL;` + s.guardScript("transaction_id = @transaction_id AND user_id = @user_id")
	if flag != nil {
		sql += s.insertFlagSQL()
	}
	sql += `
COMMIT TRANSACTION;`

	if err := s.run(ctx, sql, params); err != nil {
		return fmt.Errorf("ApplyDecision: %s: %w", tx.ID, err)
	}
	if flag != nil {
		*flag = *stamped
	}
	return nil
}
