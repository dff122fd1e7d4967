// Package bigquery implements store.TransactionStore on a BigQuery dataset.
//
// Units that must be atomic (insert with flag, score with flag, decision with
// flag) run as multi-statement scripts inside BEGIN/COMMIT TRANSACTION.
// Lifecycle guards RAISE with a marker message that is mapped back to the
// domain sentinel errors.
package bigquery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/iterator"

	"github.com/dvloznov/fraud-tracker/internal/domain"
	"github.com/dvloznov/fraud-tracker/internal/store"
)

const (
	defaultListLimit = 200

	markerDuplicate = "duplicate_external_id"
	markerNotFound  = "transaction_not_found"
	markerConflict  = "transaction_state_conflict"
)

const transactionColumns = `
	transaction_id, external_id, user_id, account_id, amount, date,
	merchant_name, category, transaction_type, raw,
	risk_score, is_flagged, flagged_at, explanation,
	decision, decision_at, claim_token, claimed_until,
	created_ts, updated_ts`

// Store holds a shared BigQuery client for one dataset.
type Store struct {
	client    *bigquery.Client
	projectID string
	datasetID string
	now       func() time.Time
}

// NewStore creates a client for projectID. Close releases it.
func NewStore(ctx context.Context, projectID, datasetID string) (*Store, error) {
	client, err := bigquery.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("NewStore: creating client: %w", err)
	}
	return NewStoreWithClient(client, projectID, datasetID), nil
}

// NewStoreWithClient uses an existing client.
func NewStoreWithClient(client *bigquery.Client, projectID, datasetID string) *Store {
	return &Store{client: client, projectID: projectID, datasetID: datasetID, now: time.Now}
}

// Client exposes the shared client for migrations.
func (s *Store) Client() *bigquery.Client {
	return s.client
}

func (s *Store) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

func (s *Store) table(name string) string {
	return fmt.Sprintf("`%s.%s.%s`", s.projectID, s.datasetID, name)
}

// run executes a statement or script and waits for it to finish.
func (s *Store) run(ctx context.Context, sql string, params []bigquery.QueryParameter) error {
	q := s.client.Query(sql)
	q.Parameters = params

	job, err := q.Run(ctx)
	if err != nil {
		return classify(fmt.Errorf("run query: %w", err))
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return classify(fmt.Errorf("wait for job: %w", err))
	}
	if err := status.Err(); err != nil {
		return classify(fmt.Errorf("job error: %w", err))
	}
	return nil
}

// readTransactions returns the rows produced by the last statement of sql.
func (s *Store) readTransactions(ctx context.Context, sql string, params []bigquery.QueryParameter) ([]*domain.Transaction, error) {
	q := s.client.Query(sql)
	q.Parameters = params

	it, err := q.Read(ctx)
	if err != nil {
		return nil, classify(fmt.Errorf("reading query: %w", err))
	}

	var out []*domain.Transaction
	for {
		var row TransactionRow
		err := it.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, classify(fmt.Errorf("iterating: %w", err))
		}
		tx, err := row.toDomain()
		if err != nil {
			return nil, fmt.Errorf("decoding %s: %w", row.TransactionID, err)
		}
		out = append(out, tx)
	}
	return out, nil
}

func (s *Store) readOne(ctx context.Context, sql string, params []bigquery.QueryParameter) (*domain.Transaction, error) {
	txs, err := s.readTransactions(ctx, sql, params)
	if err != nil {
		return nil, err
	}
	if len(txs) == 0 {
		return nil, nil
	}
	return txs[0], nil
}

// classify maps RAISE markers to domain errors, keeping the original text.
func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, markerDuplicate):
		return errors.Join(domain.ErrDuplicate, err)
	case strings.Contains(msg, markerNotFound):
		return errors.Join(domain.ErrNotFound, err)
	case strings.Contains(msg, markerConflict):
		return errors.Join(domain.ErrConflict, err)
	}
	return err
}

func (s *Store) FindByExternalID(ctx context.Context, externalID string) (*domain.Transaction, error) {
	tx, err := s.readOne(ctx,
		`SELECT `+transactionColumns+` FROM `+s.table("transactions")+`
		WHERE external_id = @external_id
		LIMIT 1`,
		[]bigquery.QueryParameter{{Name: "external_id", Value: externalID}})
	if err != nil {
		return nil, fmt.Errorf("FindByExternalID: %w", err)
	}
	return tx, nil
}

func (s *Store) GetTransaction(ctx context.Context, userID, id string) (*domain.Transaction, error) {
	tx, err := s.readOne(ctx,
		`SELECT `+transactionColumns+` FROM `+s.table("transactions")+`
		WHERE transaction_id = @transaction_id AND user_id = @user_id
		LIMIT 1`,
		[]bigquery.QueryParameter{
			{Name: "transaction_id", Value: id},
			{Name: "user_id", Value: userID},
		})
	if err != nil {
		return nil, fmt.Errorf("GetTransaction: %w", err)
	}
	if tx == nil {
		return nil, fmt.Errorf("GetTransaction: %s: %w", id, domain.ErrNotFound)
	}
	return tx, nil
}

// historySQL builds the history query. The exclusion list is always bound so
// the statement shape does not depend on it.
func (s *Store) historySQL(q store.HistoryQuery) (string, []bigquery.QueryParameter) {
	exclude := q.ExcludeIDs
	if exclude == nil {
		exclude = []string{}
	}
	sql := `SELECT ` + transactionColumns + ` FROM ` + s.table("transactions") + `
		WHERE user_id = @user_id
		  AND date < @before
		  AND transaction_id NOT IN UNNEST(@exclude)
		  AND external_id NOT IN UNNEST(@exclude)
		ORDER BY date DESC, created_ts DESC`
	params := []bigquery.QueryParameter{
		{Name: "user_id", Value: q.UserID},
		{Name: "before", Value: q.Before},
		{Name: "exclude", Value: exclude},
	}
	if q.Limit > 0 {
		sql += `
		LIMIT @limit`
		params = append(params, bigquery.QueryParameter{Name: "limit", Value: q.Limit})
	}
	return sql, params
}

func (s *Store) History(ctx context.Context, q store.HistoryQuery) ([]*domain.Transaction, error) {
	sql, params := s.historySQL(q)
	txs, err := s.readTransactions(ctx, sql, params)
	if err != nil {
		return nil, fmt.Errorf("History: %w", err)
	}
	return txs, nil
}

func (s *Store) listSQL(filter store.TransactionFilter) (string, []bigquery.QueryParameter) {
	var where []string
	var params []bigquery.QueryParameter
	if filter.UserID != "" {
		where = append(where, "user_id = @user_id")
		params = append(params, bigquery.QueryParameter{Name: "user_id", Value: filter.UserID})
	}
	order := "created_ts DESC"
	if filter.FlaggedOnly {
		where = append(where, "is_flagged")
		order = "flagged_at DESC, created_ts DESC"
	}

	sql := `SELECT ` + transactionColumns + ` FROM ` + s.table("transactions")
	if len(where) > 0 {
		sql += `
		WHERE ` + strings.Join(where, " AND ")
	}
	sql += `
		ORDER BY ` + order + `
		LIMIT @limit`
	params = append(params, bigquery.QueryParameter{Name: "limit", Value: listLimit(filter.Limit)})
	return sql, params
}

func (s *Store) ListTransactions(ctx context.Context, filter store.TransactionFilter) ([]*domain.Transaction, error) {
	sql, params := s.listSQL(filter)
	txs, err := s.readTransactions(ctx, sql, params)
	if err != nil {
		return nil, fmt.Errorf("ListTransactions: %w", err)
	}
	return txs, nil
}

func listLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	return limit
}

var _ store.TransactionStore = (*Store)(nil)
