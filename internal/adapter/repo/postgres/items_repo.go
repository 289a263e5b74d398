package postgres

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/posterforge/internal/domain"
)

// ItemRepo persists per-item state keyed by (job_id, item_id).
type ItemRepo struct{ Pool PgxPool }

// NewItemRepo constructs an ItemRepo with the given pool.
func NewItemRepo(p PgxPool) *ItemRepo { return &ItemRepo{Pool: p} }

const itemColumns = `id, job_id, identifier, username, display_name, status,
	COALESCE(artifact_url,''), COALESCE(artifact_key,''), processing_ms,
	COALESCE(error,''), metadata, created_at, updated_at`

// Upsert inserts or refreshes a work item. A terminal row is never
// overwritten; redelivered envelopes re-seed pending items harmlessly.
func (r *ItemRepo) Upsert(ctx domain.Context, it domain.WorkItem) error {
	tracer := otel.Tracer("repo.items")
	ctx, span := tracer.Start(ctx, "items.Upsert")
	defer span.End()
	meta, err := json.Marshal(it.Metadata)
	if err != nil {
		return fmt.Errorf("op=item.upsert: marshal metadata: %w", err)
	}
	now := time.Now().UTC()
	q := `INSERT INTO items (id, job_id, identifier, username, display_name, status,
		artifact_url, artifact_key, processing_ms, error, metadata, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$12)
		ON CONFLICT (job_id, id) DO UPDATE SET
			identifier=EXCLUDED.identifier,
			username=EXCLUDED.username,
			display_name=EXCLUDED.display_name,
			status=EXCLUDED.status,
			updated_at=EXCLUDED.updated_at
		WHERE items.status NOT IN ('completed','failed')`
	_, err = r.Pool.Exec(ctx, q, it.ID, it.JobID, it.Identifier, it.Username,
		it.DisplayName, it.Status, it.ArtifactURL, it.ArtifactKey, it.ProcessingMS,
		it.Error, meta, now)
	if err != nil {
		return fmt.Errorf("op=item.upsert: %w", err)
	}
	return nil
}

// Close marks the item terminal and bumps the parent job counters in one
// transaction, returning the counters as the bump left them. When the item
// is already terminal the close is a duplicate delivery; nothing is written
// and ErrConflict is returned.
func (r *ItemRepo) Close(ctx domain.Context, jobID string, out domain.ItemOutcome) (domain.JobCounters, error) {
	tracer := otel.Tracer("repo.items")
	ctx, span := tracer.Start(ctx, "items.Close")
	defer span.End()

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.JobCounters{}, fmt.Errorf("op=item.close: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	status := domain.ItemFailed
	if out.Success {
		status = domain.ItemCompleted
	}
	now := time.Now().UTC()
	q := `UPDATE items SET status=$3, artifact_url=$4, artifact_key=$5, processing_ms=$6, error=$7, updated_at=$8
		WHERE job_id=$1 AND id=$2 AND status NOT IN ('completed','failed')`
	tag, err := tx.Exec(ctx, q, jobID, out.ItemID, status, out.ArtifactURL,
		out.ArtifactKey, out.ProcessingMS, out.Error, now)
	if err != nil {
		return domain.JobCounters{}, fmt.Errorf("op=item.close: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.JobCounters{}, fmt.Errorf("op=item.close: item %s already terminal: %w", out.ItemID, domain.ErrConflict)
	}

	dSuccess, dFailure := 0, 1
	if out.Success {
		dSuccess, dFailure = 1, 0
	}
	bump := `UPDATE jobs SET processed=processed+1, success=success+$2, failure=failure+$3, updated_at=$4
		WHERE id=$1 AND processed < total AND state NOT IN ('completed','failed','cancelled')
		RETURNING total, processed, success, failure`
	var c domain.JobCounters
	err = tx.QueryRow(ctx, bump, jobID, dSuccess, dFailure, now).Scan(&c.Total, &c.Processed, &c.Success, &c.Failure)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return domain.JobCounters{}, fmt.Errorf("op=item.close: bump counters: %w", err)
	}
	// No row means the job raced into a terminal state or its counters are
	// already full; the item close itself still commits.

	if err := tx.Commit(ctx); err != nil {
		return domain.JobCounters{}, fmt.Errorf("op=item.close: commit: %w", err)
	}
	return c, nil
}

// ListByJob returns all items of a job in insertion order.
func (r *ItemRepo) ListByJob(ctx domain.Context, jobID string) ([]domain.WorkItem, error) {
	tracer := otel.Tracer("repo.items")
	ctx, span := tracer.Start(ctx, "items.ListByJob")
	defer span.End()
	q := `SELECT ` + itemColumns + ` FROM items WHERE job_id=$1 ORDER BY created_at ASC`
	rows, err := r.Pool.Query(ctx, q, jobID)
	if err != nil {
		return nil, fmt.Errorf("op=item.list: %w", err)
	}
	defer rows.Close()
	var out []domain.WorkItem
	for rows.Next() {
		var it domain.WorkItem
		var meta []byte
		if err := rows.Scan(&it.ID, &it.JobID, &it.Identifier, &it.Username,
			&it.DisplayName, &it.Status, &it.ArtifactURL, &it.ArtifactKey,
			&it.ProcessingMS, &it.Error, &meta, &it.CreatedAt, &it.UpdatedAt); err != nil {
			return nil, fmt.Errorf("op=item.list_scan: %w", err)
		}
		if len(meta) > 0 {
			_ = json.Unmarshal(meta, &it.Metadata)
		}
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=item.list_rows: %w", err)
	}
	return out, nil
}

// Stats counts the items of a job by terminal outcome.
func (r *ItemRepo) Stats(ctx domain.Context, jobID string) (domain.JobCounters, error) {
	tracer := otel.Tracer("repo.items")
	ctx, span := tracer.Start(ctx, "items.Stats")
	defer span.End()
	q := `SELECT COUNT(*),
		COUNT(*) FILTER (WHERE status IN ('completed','failed')),
		COUNT(*) FILTER (WHERE status = 'completed'),
		COUNT(*) FILTER (WHERE status = 'failed')
		FROM items WHERE job_id=$1`
	var c domain.JobCounters
	if err := r.Pool.QueryRow(ctx, q, jobID).Scan(&c.Total, &c.Processed, &c.Success, &c.Failure); err != nil {
		return domain.JobCounters{}, fmt.Errorf("op=item.stats: %w", err)
	}
	return c, nil
}
