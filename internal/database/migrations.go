package database

import (
	"context"
	"fmt"
	"strings"
)

// migration defines a single idempotent schema migration.
type migration struct {
	name  string
	sql   string
	check string // query that returns true if the migration is already applied
}

// migrations is the ordered list of schema migrations to apply.
// Each must be idempotent (use IF NOT EXISTS, IF EXISTS, etc.).
var migrations = []migration{
	{
		name: "create reports",
		sql: `CREATE TABLE IF NOT EXISTS reports (
			job_id        text PRIMARY KEY,
			source        text NOT NULL,
			title         text NOT NULL DEFAULT '',
			model         text NOT NULL,
			language      text NOT NULL,
			duration      double precision NOT NULL DEFAULT 0,
			total_chunks  int NOT NULL DEFAULT 0,
			scored_chunks int NOT NULL DEFAULT 0,
			avg_wer       double precision,
			avg_cer       double precision,
			avg_semantic  double precision,
			avg_hybrid    double precision,
			degraded      boolean NOT NULL DEFAULT false,
			body          jsonb NOT NULL,
			created_at    timestamptz NOT NULL
		)`,
		check: `SELECT EXISTS (SELECT FROM pg_tables WHERE schemaname = 'public' AND tablename = 'reports')`,
	},
	{
		name:  "add reports.audio_hash",
		sql:   `ALTER TABLE reports ADD COLUMN IF NOT EXISTS audio_hash text NOT NULL DEFAULT ''`,
		check: `SELECT EXISTS (SELECT 1 FROM information_schema.columns WHERE table_name = 'reports' AND column_name = 'audio_hash')`,
	},
	{
		name:  "add reports created_at index",
		sql:   `CREATE INDEX IF NOT EXISTS idx_reports_created_at ON reports (created_at DESC)`,
		check: `SELECT EXISTS (SELECT 1 FROM pg_indexes WHERE indexname = 'idx_reports_created_at')`,
	},
	{
		name:  "add reports model index",
		sql:   `CREATE INDEX IF NOT EXISTS idx_reports_model ON reports (model, created_at DESC)`,
		check: `SELECT EXISTS (SELECT 1 FROM pg_indexes WHERE indexname = 'idx_reports_model')`,
	},
}

// Migrate runs all pending schema migrations.
// For each migration, it first checks whether the change is already present.
// If not, it attempts to apply it. If the apply fails (e.g. insufficient
// privileges), the error is returned. Callers treat it as fatal: the report
// queries depend on these columns.
func (db *DB) Migrate(ctx context.Context) error {
	var pending []migration
	for _, m := range migrations {
		if m.check != "" {
			var exists bool
			if err := db.Pool.QueryRow(ctx, m.check).Scan(&exists); err == nil && exists {
				continue
			}
		}
		pending = append(pending, m)
	}

	if len(pending) == 0 {
		return nil
	}

	// Try to apply each pending migration
	applied := 0
	for _, m := range pending {
		if _, err := db.Pool.Exec(ctx, m.sql); err != nil {
			return &MigrationError{
				failed:  m,
				pending: pending[applied:],
				err:     err,
			}
		}
		db.log.Info().Str("migration", m.name).Msg("schema migration applied")
		applied++
	}
	db.log.Info().Int("applied", applied).Msg("schema migrations complete")
	return nil
}

// MigrationError is returned when a migration fails.
// It includes the SQL needed to apply all remaining migrations manually.
type MigrationError struct {
	failed  migration
	pending []migration
	err     error
}

func (e *MigrationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "migration %q failed: %v\n\n", e.failed.name, e.err)
	b.WriteString("Run the following SQL as a database superuser to fix this:\n\n")
	for _, m := range e.pending {
		fmt.Fprintf(&b, "  %s;\n", m.sql)
	}
	b.WriteString("\nThen restart subcheck.")
	return b.String()
}

func (e *MigrationError) Unwrap() error {
	return e.err
}
