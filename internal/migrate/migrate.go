// Package migrate applies the versioned SQL files embedded under sql/ to a
// Postgres database or a BigQuery dataset and records them in
// schema_migrations.
package migrate

import (
	"context"
	"crypto/sha256"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dvloznov/fraud-tracker/internal/logger"
)

//go:embed sql
var embedded embed.FS

// Backend directories under sql/.
const (
	BackendPostgres = "postgres"
	BackendBigQuery = "bigquery"
)

// filenamePattern matches 0001_name.sql.
var filenamePattern = regexp.MustCompile(`^(\d{4})_(.+)\.sql$`)

// Migration is one versioned SQL file.
type Migration struct {
	Version  int
	Name     string
	Filename string
	SQL      string
	// Checksum covers the file before placeholder replacement.
	Checksum string
}

// AppliedMigration is a row of schema_migrations.
type AppliedMigration struct {
	Version   int
	Name      string
	AppliedAt time.Time
	Checksum  string
	AppliedBy string
}

// Runner executes migrations against one backend.
type Runner interface {
	EnsureSchemaTable(ctx context.Context) error
	Applied(ctx context.Context) ([]AppliedMigration, error)
	Execute(ctx context.Context, m Migration) error
	Record(ctx context.Context, m Migration, appliedBy string) error
}

// Embedded returns the migrations bundled for backend with placeholders
// such as {{PROJECT_ID}} replaced from vars.
func Embedded(backend string, vars map[string]string) ([]Migration, error) {
	sub, err := fs.Sub(embedded, path.Join("sql", backend))
	if err != nil {
		return nil, fmt.Errorf("Embedded: %w", err)
	}
	return Read(sub, vars)
}

// Read loads migrations from the root of fsys sorted by version. Files that
// do not match the naming pattern are ignored.
func Read(fsys fs.FS, vars map[string]string) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("Read: reading migrations directory: %w", err)
	}

	var migrations []Migration
	seen := make(map[int]string)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		matches := filenamePattern.FindStringSubmatch(entry.Name())
		if matches == nil {
			continue
		}
		version, err := strconv.Atoi(matches[1])
		if err != nil {
			continue
		}
		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("Read: version %04d used by %s and %s", version, prev, entry.Name())
		}
		seen[version] = entry.Name()

		content, err := fs.ReadFile(fsys, entry.Name())
		if err != nil {
			return nil, fmt.Errorf("Read: reading %s: %w", entry.Name(), err)
		}

		sql := string(content)
		for k, v := range vars {
			sql = strings.ReplaceAll(sql, "{{"+k+"}}", v)
		}

		migrations = append(migrations, Migration{
			Version:  version,
			Name:     matches[2],
			Filename: entry.Name(),
			SQL:      sql,
			Checksum: fmt.Sprintf("%x", sha256.Sum256(content)),
		})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}

// Apply runs every migration not yet recorded and returns how many ran. An
// applied migration whose file has changed is an error.
func Apply(ctx context.Context, r Runner, migrations []Migration, appliedBy string) (int, error) {
	log := logger.FromContext(ctx)

	if err := r.EnsureSchemaTable(ctx); err != nil {
		return 0, fmt.Errorf("Apply: ensuring schema_migrations: %w", err)
	}

	applied, err := r.Applied(ctx)
	if err != nil {
		return 0, fmt.Errorf("Apply: reading applied migrations: %w", err)
	}
	done := make(map[int]AppliedMigration, len(applied))
	for _, am := range applied {
		done[am.Version] = am
	}

	count := 0
	for _, m := range migrations {
		if am, ok := done[m.Version]; ok {
			if am.Checksum != "" && am.Checksum != m.Checksum {
				return count, fmt.Errorf("Apply: %s changed after it was applied", m.Filename)
			}
			log.Debug().Str("migration", m.Filename).Msg("Already applied")
			continue
		}

		log.Info().Str("migration", m.Filename).Msg("Applying migration")
		if err := r.Execute(ctx, m); err != nil {
			return count, fmt.Errorf("Apply: executing %s: %w", m.Filename, err)
		}
		if err := r.Record(ctx, m, appliedBy); err != nil {
			return count, fmt.Errorf("Apply: recording %s: %w", m.Filename, err)
		}
		count++
	}
	return count, nil
}
