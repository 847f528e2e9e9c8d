// Package database keeps a queryable history of finished reports, in
// PostgreSQL or in an embedded SQLite file.
package database

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/subcheck/internal/report"
)

// Store is a report history backend.
type Store interface {
	SaveReport(ctx context.Context, r *report.Report) error
	GetReport(ctx context.Context, jobID string) (*report.Report, error)
	ListReports(ctx context.Context, f ListFilter) ([]ReportRow, int, error)
	HealthCheck(ctx context.Context) error
	Close()
}

// ListFilter narrows ListReports. Zero values match everything.
type ListFilter struct {
	Model  string
	Limit  int
	Offset int
}

const (
	defaultLimit = 50
	maxLimit     = 500
)

func (f ListFilter) limit() int {
	switch {
	case f.Limit <= 0:
		return defaultLimit
	case f.Limit > maxLimit:
		return maxLimit
	}
	return f.Limit
}

// ReportRow is the history listing of one report, without its chunk table.
type ReportRow struct {
	JobID        string    `json:"job_id"`
	Source       string    `json:"source"`
	Title        string    `json:"title,omitempty"`
	Model        string    `json:"model"`
	Language     string    `json:"language"`
	Duration     float64   `json:"duration"`
	TotalChunks  int       `json:"total_chunks"`
	ScoredChunks int       `json:"scored_chunks"`
	AvgWER       *float64  `json:"avg_wer,omitempty"`
	AvgCER       *float64  `json:"avg_cer,omitempty"`
	AvgSemantic  *float64  `json:"avg_semantic_similarity,omitempty"`
	AvgHybrid    *float64  `json:"avg_hybrid_score,omitempty"`
	Degraded     bool      `json:"degraded"`
	CreatedAt    time.Time `json:"created_at"`
}

// Open connects to the store named by databaseURL. postgres:// and
// postgresql:// URLs use a pgx pool and run migrations; sqlite:// opens a
// local file.
func Open(ctx context.Context, databaseURL string, log zerolog.Logger) (Store, error) {
	switch {
	case strings.HasPrefix(databaseURL, "sqlite://"):
		return OpenSQLite(ctx, strings.TrimPrefix(databaseURL, "sqlite://"), log)
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		db, err := Connect(ctx, databaseURL, log)
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return nil, err
		}
		return db, nil
	}
	return nil, fmt.Errorf("unsupported DATABASE_URL scheme: %s", maskDSN(databaseURL))
}

// row is the column set shared by both backends.
type row struct {
	ReportRow
	AudioHash string
	Body      []byte
}

func toRow(r *report.Report) (row, error) {
	body, err := json.Marshal(r)
	if err != nil {
		return row{}, fmt.Errorf("marshal report: %w", err)
	}
	s := r.Summary
	out := row{
		ReportRow: ReportRow{
			JobID:        r.JobID,
			Source:       r.Source,
			Title:        r.Title,
			Model:        r.Model,
			Language:     r.Language,
			Duration:     r.Duration,
			TotalChunks:  r.TotalChunks,
			ScoredChunks: s.ScoredChunks,
			Degraded:     r.Degraded,
			CreatedAt:    r.CreatedAt.UTC(),
		},
		AudioHash: r.AudioHash,
		Body:      body,
	}
	if s.ScoredChunks > 0 {
		out.AvgWER = ptr(s.AvgWER)
		out.AvgCER = ptr(s.AvgCER)
	}
	if s.SemanticChunks > 0 {
		out.AvgSemantic = ptr(s.AvgSemantic)
		out.AvgHybrid = ptr(s.AvgHybrid)
	}
	return out, nil
}

func ptr(v float64) *float64 { return &v }

func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		if _, hasPass := u.User.Password(); hasPass {
			u.User = url.UserPassword(u.User.Username(), "***")
		}
	}
	return u.String()
}
