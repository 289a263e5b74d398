package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/posterforge/internal/domain"
)

// FailureRepo appends and reads per-item failure detail rows.
type FailureRepo struct{ Pool PgxPool }

// NewFailureRepo constructs a FailureRepo with the given pool.
func NewFailureRepo(p PgxPool) *FailureRepo { return &FailureRepo{Pool: p} }

// Record appends one failure row. Failures are append-only.
func (r *FailureRepo) Record(ctx domain.Context, f domain.FailureRecord) error {
	tracer := otel.Tracer("repo.failures")
	ctx, span := tracer.Start(ctx, "failures.Record")
	defer span.End()
	details, err := json.Marshal(f.Details)
	if err != nil {
		return fmt.Errorf("op=failure.record: marshal details: %w", err)
	}
	q := `INSERT INTO failures (job_id, item_id, identifier, kind, message, details, template_snapshot, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`
	_, err = r.Pool.Exec(ctx, q, f.JobID, f.ItemID, f.Identifier, f.Kind,
		f.Message, details, f.TemplateSnapshot, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=failure.record: %w", err)
	}
	return nil
}

// ListByJob returns the failure rows of a job, oldest first.
func (r *FailureRepo) ListByJob(ctx domain.Context, jobID string) ([]domain.FailureRecord, error) {
	tracer := otel.Tracer("repo.failures")
	ctx, span := tracer.Start(ctx, "failures.ListByJob")
	defer span.End()
	q := `SELECT job_id, item_id, identifier, kind, message, details, COALESCE(template_snapshot,''), created_at
		FROM failures WHERE job_id=$1 ORDER BY created_at ASC`
	rows, err := r.Pool.Query(ctx, q, jobID)
	if err != nil {
		return nil, fmt.Errorf("op=failure.list: %w", err)
	}
	defer rows.Close()
	var out []domain.FailureRecord
	for rows.Next() {
		var f domain.FailureRecord
		var details []byte
		if err := rows.Scan(&f.JobID, &f.ItemID, &f.Identifier, &f.Kind,
			&f.Message, &details, &f.TemplateSnapshot, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("op=failure.list_scan: %w", err)
		}
		if len(details) > 0 {
			_ = json.Unmarshal(details, &f.Details)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=failure.list_rows: %w", err)
	}
	return out, nil
}
