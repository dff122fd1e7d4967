package bigquery

import (
	"context"
	"fmt"

	"cloud.google.com/go/bigquery"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"

	"github.com/dvloznov/fraud-tracker/internal/domain"
)

func (s *Store) ResolveAccount(ctx context.Context, userID, externalAccountID string) (string, bool, error) {
	q := s.client.Query(`
		SELECT account_id, user_id, external_account_id, name, created_ts
		FROM ` + s.table("accounts") + `
		WHERE user_id = @user_id AND external_account_id = @external_account_id
		ORDER BY created_ts ASC
		LIMIT 1
	`)
	q.Parameters = []bigquery.QueryParameter{
		{Name: "user_id", Value: userID},
		{Name: "external_account_id", Value: externalAccountID},
	}

	it, err := q.Read(ctx)
	if err != nil {
		return "", false, fmt.Errorf("ResolveAccount: reading query: %w", err)
	}

	var row AccountRow
	err = it.Next(&row)
	if err == iterator.Done {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("ResolveAccount: iterating: %w", err)
	}
	return row.AccountID, true, nil
}

// UpsertAccount inserts the account unless (user_id, external_account_id)
// already exists, then returns the stored id.
func (s *Store) UpsertAccount(ctx context.Context, acc *domain.Account) (string, error) {
	if acc.UserID == "" || acc.ExternalAccountID == "" {
		return "", fmt.Errorf("UpsertAccount: user_id and external_account_id are required")
	}

	id := acc.ID
	if id == "" {
		id = uuid.NewString()
	}
	created := acc.CreatedAt
	if created.IsZero() {
		created = s.now()
	}

	at := s.table("accounts")
	err := s.run(ctx, `
BEGIN TRANSACTION;
IF NOT EXISTS (
	SELECT 1 FROM `+at+`
	WHERE user_id = @user_id AND external_account_id = @external_account_id
) THEN
	INSERT INTO `+at+` (account_id, user_id, external_account_id, name, created_ts)
	VALUES (@account_id, @user_id, @external_account_id, @name, @created_ts);
END IF;
COMMIT TRANSACTION;`,
		[]bigquery.QueryParameter{
			{Name: "account_id", Value: id},
			{Name: "user_id", Value: acc.UserID},
			{Name: "external_account_id", Value: acc.ExternalAccountID},
			{Name: "name", Value: nullString(acc.Name)},
			{Name: "created_ts", Value: created},
		})
	if err != nil {
		return "", fmt.Errorf("UpsertAccount: %w", err)
	}

	stored, ok, err := s.ResolveAccount(ctx, acc.UserID, acc.ExternalAccountID)
	if err != nil {
		return "", fmt.Errorf("UpsertAccount: %w", err)
	}
	if !ok {
		return "", fmt.Errorf("UpsertAccount: account %s not visible after insert", acc.ExternalAccountID)
	}
	return stored, nil
}
