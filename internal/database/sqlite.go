package database

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/snarg/subcheck/internal/report"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS reports (
	job_id        TEXT PRIMARY KEY,
	source        TEXT NOT NULL,
	title         TEXT NOT NULL DEFAULT '',
	model         TEXT NOT NULL,
	language      TEXT NOT NULL,
	duration      REAL NOT NULL DEFAULT 0,
	total_chunks  INTEGER NOT NULL DEFAULT 0,
	scored_chunks INTEGER NOT NULL DEFAULT 0,
	avg_wer       REAL,
	avg_cer       REAL,
	avg_semantic  REAL,
	avg_hybrid    REAL,
	degraded      INTEGER NOT NULL DEFAULT 0,
	audio_hash    TEXT NOT NULL DEFAULT '',
	body          TEXT NOT NULL,
	created_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_reports_created_at ON reports (created_at DESC);
CREATE INDEX IF NOT EXISTS idx_reports_model ON reports (model, created_at DESC);
`

// sortable: fixed width, always UTC
const sqliteTime = "2006-01-02T15:04:05.000000000Z"

// SQLite is the embedded report store.
type SQLite struct {
	db  *sql.DB
	log zerolog.Logger
}

// OpenSQLite opens (creating if needed) the database file at path and
// applies the schema.
func OpenSQLite(ctx context.Context, path string, log zerolog.Logger) (*SQLite, error) {
	if path == "" {
		return nil, errors.New("sqlite: empty path")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one writer; also keeps :memory: on a single connection
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	log.Info().Str("path", path).Msg("sqlite database opened")
	return &SQLite{db: db, log: log}, nil
}

func (s *SQLite) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.db.PingContext(ctx)
}

func (s *SQLite) Close() {
	s.log.Info().Msg("closing sqlite database")
	s.db.Close()
}

func (s *SQLite) SaveReport(ctx context.Context, r *report.Report) error {
	rw, err := toRow(r)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO reports (job_id, source, title, model, language, duration,
			total_chunks, scored_chunks, avg_wer, avg_cer, avg_semantic, avg_hybrid,
			degraded, audio_hash, body, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (job_id) DO UPDATE SET
			source = excluded.source, title = excluded.title, model = excluded.model,
			language = excluded.language, duration = excluded.duration,
			total_chunks = excluded.total_chunks, scored_chunks = excluded.scored_chunks,
			avg_wer = excluded.avg_wer, avg_cer = excluded.avg_cer,
			avg_semantic = excluded.avg_semantic, avg_hybrid = excluded.avg_hybrid,
			degraded = excluded.degraded, audio_hash = excluded.audio_hash,
			body = excluded.body, created_at = excluded.created_at`,
		rw.JobID, rw.Source, rw.Title, rw.Model, rw.Language, rw.Duration,
		rw.TotalChunks, rw.ScoredChunks, rw.AvgWER, rw.AvgCER, rw.AvgSemantic, rw.AvgHybrid,
		rw.Degraded, rw.AudioHash, string(rw.Body), rw.CreatedAt.Format(sqliteTime),
	)
	if err != nil {
		return fmt.Errorf("insert report %s: %w", r.JobID, err)
	}
	return nil
}

func (s *SQLite) GetReport(ctx context.Context, jobID string) (*report.Report, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM reports WHERE job_id = ?`, jobID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", report.ErrNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("get report %s: %w", jobID, err)
	}
	return report.ReadJSON(bytes.NewReader([]byte(body)))
}

func (s *SQLite) ListReports(ctx context.Context, f ListFilter) ([]ReportRow, int, error) {
	model := pqString(f.Model)

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM reports WHERE (? IS NULL OR model = ?)`, model, model,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count reports: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, source, title, model, language, duration, total_chunks,
			scored_chunks, avg_wer, avg_cer, avg_semantic, avg_hybrid, degraded, created_at
		FROM reports
		WHERE (? IS NULL OR model = ?)
		ORDER BY created_at DESC, job_id
		LIMIT ? OFFSET ?`,
		model, model, f.limit(), max(f.Offset, 0),
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list reports: %w", err)
	}
	defer rows.Close()

	var out []ReportRow
	for rows.Next() {
		var (
			r       ReportRow
			created string
		)
		if err := rows.Scan(&r.JobID, &r.Source, &r.Title, &r.Model, &r.Language, &r.Duration,
			&r.TotalChunks, &r.ScoredChunks, &r.AvgWER, &r.AvgCER, &r.AvgSemantic, &r.AvgHybrid,
			&r.Degraded, &created); err != nil {
			return nil, 0, fmt.Errorf("scan report: %w", err)
		}
		if r.CreatedAt, err = time.Parse(sqliteTime, created); err != nil {
			return nil, 0, fmt.Errorf("parse created_at %q: %w", created, err)
		}
		out = append(out, r)
	}
	return out, total, rows.Err()
}
