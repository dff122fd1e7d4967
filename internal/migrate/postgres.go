package migrate

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// PostgresRunner applies migrations through gorm. Each migration runs in its
// own database transaction together with its schema_migrations row.
type PostgresRunner struct {
	db *gorm.DB
}

func NewPostgresRunner(db *gorm.DB) *PostgresRunner {
	return &PostgresRunner{db: db}
}

func (r *PostgresRunner) EnsureSchemaTable(ctx context.Context) error {
	return r.db.WithContext(ctx).Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			name       TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			checksum   TEXT,
			applied_by TEXT
		)
	`).Error
}

func (r *PostgresRunner) Applied(ctx context.Context) ([]AppliedMigration, error) {
	var rows []struct {
		Version   int
		Name      string
		AppliedAt time.Time
		Checksum  *string
		AppliedBy *string
	}
	err := r.db.WithContext(ctx).
		Raw(`SELECT version, name, applied_at, checksum, applied_by FROM schema_migrations ORDER BY version`).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("reading applied migrations: %w", err)
	}

	applied := make([]AppliedMigration, 0, len(rows))
	for _, row := range rows {
		am := AppliedMigration{Version: row.Version, Name: row.Name, AppliedAt: row.AppliedAt}
		if row.Checksum != nil {
			am.Checksum = *row.Checksum
		}
		if row.AppliedBy != nil {
			am.AppliedBy = *row.AppliedBy
		}
		applied = append(applied, am)
	}
	return applied, nil
}

func (r *PostgresRunner) Execute(ctx context.Context, m Migration) error {
	return r.db.WithContext(ctx).Exec(m.SQL).Error
}

func (r *PostgresRunner) Record(ctx context.Context, m Migration, appliedBy string) error {
	return r.db.WithContext(ctx).Exec(
		`INSERT INTO schema_migrations (version, name, checksum, applied_by) VALUES (?, ?, ?, ?)`,
		m.Version, m.Name, m.Checksum, appliedBy,
	).Error
}

var _ Runner = (*PostgresRunner)(nil)
