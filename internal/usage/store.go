// Package usage persists per-model daily token accounting in sqlite so the
// numbers survive process restarts. Counters are additive upserts keyed by
// (model, day).
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps the sqlite handle.
type Store struct {
	db   *sql.DB
	path string
}

// Row is one (model, day) usage bucket.
type Row struct {
	Model          string `json:"model"`
	Day            string `json:"day"`
	Requests       int64  `json:"requests"`
	FailedRequests int64  `json:"failed_requests"`

	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`

	// EstimatedRequests counts requests whose token figures were estimated
	// locally because the upstream response carried no usage block.
	EstimatedRequests int64 `json:"estimated_requests"`

	UpdatedAt int64 `json:"updated_at,omitempty"`
}

// Report aggregates one day across models.
type Report struct {
	Day             string `json:"day"`
	TotalRequests   int64  `json:"total_requests"`
	TotalFailed     int64  `json:"total_failed_requests"`
	TotalTokens     int64  `json:"total_tokens"`
	Models          []Row  `json:"models"`
	GeneratedAtUnix int64  `json:"generated_at_unix"`
}

// NewStore opens (creating if needed) the sqlite database at path.
func NewStore(path string) (*Store, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("usage sqlite: path is required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("usage sqlite: resolve path: %w", err)
	}
	if err = os.MkdirAll(filepath.Dir(abs), 0o700); err != nil {
		return nil, fmt.Errorf("usage sqlite: create directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", abs)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("usage sqlite: open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err = db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("usage sqlite: ping database: %w", err)
	}

	store := &Store{db: db, path: abs}
	if err = store.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS model_daily_usage (
			model TEXT NOT NULL,
			day TEXT NOT NULL,
			requests INTEGER NOT NULL,
			failed_requests INTEGER NOT NULL,
			prompt_tokens INTEGER NOT NULL,
			completion_tokens INTEGER NOT NULL,
			total_tokens INTEGER NOT NULL,
			estimated_requests INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (model, day)
		)
	`)
	if err != nil {
		return fmt.Errorf("usage sqlite: ensure schema: %w", err)
	}
	return nil
}

// AddUsage folds one exchange's figures into the (model, day) bucket.
func (s *Store) AddUsage(ctx context.Context, model, dayKey string, delta Row) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("usage sqlite: not initialized")
	}
	modelKey := normalizeModelKey(model)
	dayKey = strings.TrimSpace(dayKey)
	if modelKey == "" {
		modelKey = "unknown"
	}
	if dayKey == "" {
		return fmt.Errorf("usage sqlite: day is required")
	}

	now := time.Now().UTC().Unix()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO model_daily_usage (
			model, day,
			requests, failed_requests,
			prompt_tokens, completion_tokens, total_tokens,
			estimated_requests, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(model, day) DO UPDATE SET
			requests = requests + excluded.requests,
			failed_requests = failed_requests + excluded.failed_requests,
			prompt_tokens = prompt_tokens + excluded.prompt_tokens,
			completion_tokens = completion_tokens + excluded.completion_tokens,
			total_tokens = total_tokens + excluded.total_tokens,
			estimated_requests = estimated_requests + excluded.estimated_requests,
			updated_at = excluded.updated_at
	`, modelKey, dayKey,
		max64(0, delta.Requests), max64(0, delta.FailedRequests),
		max64(0, delta.PromptTokens), max64(0, delta.CompletionTokens), max64(0, delta.TotalTokens),
		max64(0, delta.EstimatedRequests), now,
	)
	if err != nil {
		return fmt.Errorf("usage sqlite: add usage: %w", err)
	}
	return nil
}

// DailyReport returns the per-model rows and totals for one day.
func (s *Store) DailyReport(ctx context.Context, dayKey string) (Report, error) {
	report := Report{
		Day:             strings.TrimSpace(dayKey),
		GeneratedAtUnix: time.Now().UTC().Unix(),
	}
	if report.Day == "" {
		return report, fmt.Errorf("usage sqlite: day is required")
	}
	if s == nil || s.db == nil {
		return report, fmt.Errorf("usage sqlite: not initialized")
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT model, day,
			requests, failed_requests,
			prompt_tokens, completion_tokens, total_tokens,
			estimated_requests, updated_at
		FROM model_daily_usage
		WHERE day = ?
		ORDER BY model ASC
	`, report.Day)
	if err != nil {
		return report, fmt.Errorf("usage sqlite: query daily usage: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var row Row
		if err = rows.Scan(
			&row.Model, &row.Day,
			&row.Requests, &row.FailedRequests,
			&row.PromptTokens, &row.CompletionTokens, &row.TotalTokens,
			&row.EstimatedRequests, &row.UpdatedAt,
		); err != nil {
			return report, fmt.Errorf("usage sqlite: scan daily usage: %w", err)
		}
		report.TotalRequests += row.Requests
		report.TotalFailed += row.FailedRequests
		report.TotalTokens += row.TotalTokens
		report.Models = append(report.Models, row)
	}
	if err = rows.Err(); err != nil {
		return report, fmt.Errorf("usage sqlite: daily usage rows: %w", err)
	}
	return report, nil
}

// DayKey returns the YYYY-MM-DD bucket key in UTC.
func DayKey(now time.Time) string {
	if now.IsZero() {
		now = time.Now()
	}
	return now.UTC().Format("2006-01-02")
}

func normalizeModelKey(model string) string {
	return strings.ToLower(strings.TrimSpace(model))
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
