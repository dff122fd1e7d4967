package bigquery

import (
	"context"
	"fmt"
	"strings"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/iterator"

	"github.com/dvloznov/fraud-tracker/internal/domain"
	"github.com/dvloznov/fraud-tracker/internal/store"
)

func (s *Store) flagsSQL(filter store.FlagFilter) (string, []bigquery.QueryParameter) {
	var where []string
	var params []bigquery.QueryParameter
	if filter.TransactionID != "" {
		where = append(where, "transaction_id = @transaction_id")
		params = append(params, bigquery.QueryParameter{Name: "transaction_id", Value: filter.TransactionID})
	}
	if filter.UserID != "" {
		where = append(where, "user_id = @user_id")
		params = append(params, bigquery.QueryParameter{Name: "user_id", Value: filter.UserID})
	}
	if filter.FlagType != "" {
		where = append(where, "flag_type = @flag_type")
		params = append(params, bigquery.QueryParameter{Name: "flag_type", Value: string(filter.FlagType)})
	}

	sql := `SELECT flag_id, transaction_id, user_id, flag_type, metadata, created_ts FROM ` + s.table("flags")
	if len(where) > 0 {
		sql += `
		WHERE ` + strings.Join(where, " AND ")
	}
	sql += `
		ORDER BY created_ts DESC
		LIMIT @limit`
	params = append(params, bigquery.QueryParameter{Name: "limit", Value: listLimit(filter.Limit)})
	return sql, params
}

func (s *Store) ListFlags(ctx context.Context, filter store.FlagFilter) ([]*domain.Flag, error) {
	sql, params := s.flagsSQL(filter)
	q := s.client.Query(sql)
	q.Parameters = params

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("ListFlags: reading query: %w", err)
	}

	var flags []*domain.Flag
	for {
		var row FlagRow
		err := it.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("ListFlags: iterating: %w", err)
		}
		f, err := row.toDomain()
		if err != nil {
			return nil, fmt.Errorf("ListFlags: decoding %s: %w", row.FlagID, err)
		}
		flags = append(flags, f)
	}
	return flags, nil
}
