package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/posterforge/internal/domain"
)

// LogRepo appends and reads per-job audit log lines.
type LogRepo struct{ Pool PgxPool }

// NewLogRepo constructs a LogRepo with the given pool.
func NewLogRepo(p PgxPool) *LogRepo { return &LogRepo{Pool: p} }

// Append writes one log line.
func (r *LogRepo) Append(ctx domain.Context, e domain.LogEntry) error {
	tracer := otel.Tracer("repo.logs")
	ctx, span := tracer.Start(ctx, "logs.Append")
	defer span.End()
	details, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Errorf("op=log.append: marshal details: %w", err)
	}
	q := `INSERT INTO job_logs (job_id, level, message, details, created_at) VALUES ($1,$2,$3,$4,$5)`
	_, err = r.Pool.Exec(ctx, q, e.JobID, e.Level, e.Message, details, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=log.append: %w", err)
	}
	return nil
}

// ListByJob returns log lines oldest first, optionally filtered by level.
func (r *LogRepo) ListByJob(ctx domain.Context, jobID string, level domain.LogLevel, limit int) ([]domain.LogEntry, error) {
	tracer := otel.Tracer("repo.logs")
	ctx, span := tracer.Start(ctx, "logs.ListByJob")
	defer span.End()
	if limit <= 0 {
		limit = 200
	}
	q := `SELECT job_id, level, message, details, created_at FROM job_logs
		WHERE job_id=$1 AND ($2 = '' OR level=$2) ORDER BY created_at ASC LIMIT $3`
	rows, err := r.Pool.Query(ctx, q, jobID, string(level), limit)
	if err != nil {
		return nil, fmt.Errorf("op=log.list: %w", err)
	}
	defer rows.Close()
	var out []domain.LogEntry
	for rows.Next() {
		var e domain.LogEntry
		var details []byte
		if err := rows.Scan(&e.JobID, &e.Level, &e.Message, &details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("op=log.list_scan: %w", err)
		}
		if len(details) > 0 {
			_ = json.Unmarshal(details, &e.Details)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=log.list_rows: %w", err)
	}
	return out, nil
}
