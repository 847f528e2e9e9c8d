package database

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/snarg/subcheck/internal/report"
)

// DB is the PostgreSQL report store.
type DB struct {
	Pool *pgxpool.Pool
	log  zerolog.Logger
}

func Connect(ctx context.Context, databaseURL string, log zerolog.Logger) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}

	cfg.MaxConns = 10
	cfg.MinConns = 1

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	log.Info().
		Str("url", maskDSN(databaseURL)).
		Int32("max_conns", cfg.MaxConns).
		Int32("min_conns", cfg.MinConns).
		Msg("database connected")

	return &DB{Pool: pool, log: log}, nil
}

func (db *DB) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return db.Pool.Ping(ctx)
}

func (db *DB) Close() {
	db.log.Info().Msg("closing database pool")
	db.Pool.Close()
}

// SaveReport inserts or replaces the report for its job id.
func (db *DB) SaveReport(ctx context.Context, r *report.Report) error {
	rw, err := toRow(r)
	if err != nil {
		return err
	}
	_, err = db.Pool.Exec(ctx, `
		INSERT INTO reports (job_id, source, title, model, language, duration,
			total_chunks, scored_chunks, avg_wer, avg_cer, avg_semantic, avg_hybrid,
			degraded, audio_hash, body, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (job_id) DO UPDATE SET
			source = EXCLUDED.source, title = EXCLUDED.title, model = EXCLUDED.model,
			language = EXCLUDED.language, duration = EXCLUDED.duration,
			total_chunks = EXCLUDED.total_chunks, scored_chunks = EXCLUDED.scored_chunks,
			avg_wer = EXCLUDED.avg_wer, avg_cer = EXCLUDED.avg_cer,
			avg_semantic = EXCLUDED.avg_semantic, avg_hybrid = EXCLUDED.avg_hybrid,
			degraded = EXCLUDED.degraded, audio_hash = EXCLUDED.audio_hash,
			body = EXCLUDED.body, created_at = EXCLUDED.created_at`,
		rw.JobID, rw.Source, rw.Title, rw.Model, rw.Language, rw.Duration,
		rw.TotalChunks, rw.ScoredChunks, rw.AvgWER, rw.AvgCER, rw.AvgSemantic, rw.AvgHybrid,
		rw.Degraded, rw.AudioHash, rw.Body, rw.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert report %s: %w", r.JobID, err)
	}
	return nil
}

func (db *DB) GetReport(ctx context.Context, jobID string) (*report.Report, error) {
	var body []byte
	err := db.Pool.QueryRow(ctx, `SELECT body FROM reports WHERE job_id = $1`, jobID).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", report.ErrNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("get report %s: %w", jobID, err)
	}
	return report.ReadJSON(bytes.NewReader(body))
}

// ListReports returns a page of reports, newest first, and the total count
// matching the filter.
func (db *DB) ListReports(ctx context.Context, f ListFilter) ([]ReportRow, int, error) {
	var total int
	if err := db.Pool.QueryRow(ctx,
		`SELECT count(*) FROM reports WHERE ($1::text IS NULL OR model = $1)`,
		pqString(f.Model),
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count reports: %w", err)
	}

	rows, err := db.Pool.Query(ctx, `
		SELECT job_id, source, title, model, language, duration, total_chunks,
			scored_chunks, avg_wer, avg_cer, avg_semantic, avg_hybrid, degraded, created_at
		FROM reports
		WHERE ($1::text IS NULL OR model = $1)
		ORDER BY created_at DESC, job_id
		LIMIT $2 OFFSET $3`,
		pqString(f.Model), f.limit(), max(f.Offset, 0),
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list reports: %w", err)
	}
	defer rows.Close()

	var out []ReportRow
	for rows.Next() {
		var r ReportRow
		if err := rows.Scan(&r.JobID, &r.Source, &r.Title, &r.Model, &r.Language, &r.Duration,
			&r.TotalChunks, &r.ScoredChunks, &r.AvgWER, &r.AvgCER, &r.AvgSemantic, &r.AvgHybrid,
			&r.Degraded, &r.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan report: %w", err)
		}
		out = append(out, r)
	}
	return out, total, rows.Err()
}
