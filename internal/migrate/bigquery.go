package migrate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/iterator"
)

// BigQueryRunner applies migrations to one dataset.
type BigQueryRunner struct {
	client    *bigquery.Client
	projectID string
	datasetID string
}

func NewBigQueryRunner(client *bigquery.Client, projectID, datasetID string) *BigQueryRunner {
	return &BigQueryRunner{client: client, projectID: projectID, datasetID: datasetID}
}

func (r *BigQueryRunner) table() string {
	return fmt.Sprintf("`%s.%s.schema_migrations`", r.projectID, r.datasetID)
}

func (r *BigQueryRunner) run(ctx context.Context, q *bigquery.Query) error {
	job, err := q.Run(ctx)
	if err != nil {
		return fmt.Errorf("running query: %w", err)
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return fmt.Errorf("waiting for job: %w", err)
	}
	if err := status.Err(); err != nil {
		return fmt.Errorf("job error: %w", err)
	}
	return nil
}

func (r *BigQueryRunner) EnsureSchemaTable(ctx context.Context) error {
	return r.run(ctx, r.client.Query(`
		CREATE TABLE IF NOT EXISTS `+r.table()+` (
			version    INT64 NOT NULL,
			name       STRING NOT NULL,
			applied_at TIMESTAMP NOT NULL,
			checksum   STRING,
			applied_by STRING
		)
	`))
}

func (r *BigQueryRunner) Applied(ctx context.Context) ([]AppliedMigration, error) {
	q := r.client.Query(`SELECT version, name, applied_at, checksum, applied_by FROM ` + r.table() + ` ORDER BY version`)
	it, err := q.Read(ctx)
	if err != nil {
		if strings.Contains(err.Error(), "Not found") {
			return []AppliedMigration{}, nil
		}
		return nil, fmt.Errorf("reading applied migrations: %w", err)
	}

	var applied []AppliedMigration
	for {
		var row struct {
			Version   int64               `bigquery:"version"`
			Name      string              `bigquery:"name"`
			AppliedAt time.Time           `bigquery:"applied_at"`
			Checksum  bigquery.NullString `bigquery:"checksum"`
			AppliedBy bigquery.NullString `bigquery:"applied_by"`
		}
		err := it.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterating results: %w", err)
		}
		applied = append(applied, AppliedMigration{
			Version:   int(row.Version),
			Name:      row.Name,
			AppliedAt: row.AppliedAt,
			Checksum:  row.Checksum.StringVal,
			AppliedBy: row.AppliedBy.StringVal,
		})
	}
	return applied, nil
}

func (r *BigQueryRunner) Execute(ctx context.Context, m Migration) error {
	return r.run(ctx, r.client.Query(m.SQL))
}

func (r *BigQueryRunner) Record(ctx context.Context, m Migration, appliedBy string) error {
	q := r.client.Query(`
		INSERT INTO ` + r.table() + ` (version, name, applied_at, checksum, applied_by)
		VALUES (@version, @name, CURRENT_TIMESTAMP(), @checksum, @applied_by)
	`)
	q.Parameters = []bigquery.QueryParameter{
		{Name: "version", Value: m.Version},
		{Name: "name", Value: m.Name},
		{Name: "checksum", Value: m.Checksum},
		{Name: "applied_by", Value: appliedBy},
	}
	return r.run(ctx, q)
}

var _ Runner = (*BigQueryRunner)(nil)
