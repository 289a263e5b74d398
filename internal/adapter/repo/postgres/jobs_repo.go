package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/posterforge/internal/domain"
)

// JobRepo persists and loads jobs from PostgreSQL using a minimal pgx pool.
type JobRepo struct{ Pool PgxPool }

// NewJobRepo constructs a JobRepo with the given pool.
func NewJobRepo(p PgxPool) *JobRepo { return &JobRepo{Pool: p} }

const jobColumns = `id, kind, campaign_name, state, total, processed, success, failure,
	template, poster_size, width, height, COALESCE(error,''), metadata,
	created_at, started_at, completed_at, updated_at`

// Create inserts a new job row in its initial state.
func (r *JobRepo) Create(ctx domain.Context, j domain.Job) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Create")
	defer span.End()
	if j.ID == "" {
		j.ID = uuid.New().String()
	}
	meta, err := json.Marshal(j.Metadata)
	if err != nil {
		return fmt.Errorf("op=job.create: marshal metadata: %w", err)
	}
	now := time.Now().UTC()
	q := `INSERT INTO jobs (id, kind, campaign_name, state, total, processed, success, failure,
		template, poster_size, width, height, error, metadata, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`
	_, err = r.Pool.Exec(ctx, q, j.ID, j.Kind, j.CampaignName, j.State, j.Total,
		j.Processed, j.Success, j.Failure, j.Template, j.PosterSize,
		j.Dims.Width, j.Dims.Height, j.Error, meta, now, now)
	if err != nil {
		return fmt.Errorf("op=job.create: %w", err)
	}
	return nil
}

// Transition performs a compare-and-swap state change. The update matches
// the row only when it is still in `from`; zero rows affected means a
// concurrent writer won and the caller gets ErrStateMismatch.
func (r *JobRepo) Transition(ctx domain.Context, id string, from, to domain.JobState, errMsg string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Transition")
	defer span.End()
	now := time.Now().UTC()
	var q string
	var args []any
	switch to {
	case domain.JobProcessing:
		q = `UPDATE jobs SET state=$3, error=$4, started_at=COALESCE(started_at,$5), updated_at=$5 WHERE id=$1 AND state=$2`
		args = []any{id, from, to, errMsg, now}
	case domain.JobCompleted, domain.JobFailed, domain.JobCancelled:
		q = `UPDATE jobs SET state=$3, error=$4, completed_at=$5, updated_at=$5 WHERE id=$1 AND state=$2`
		args = []any{id, from, to, errMsg, now}
	default:
		q = `UPDATE jobs SET state=$3, error=$4, updated_at=$5 WHERE id=$1 AND state=$2`
		args = []any{id, from, to, errMsg, now}
	}
	tag, err := r.Pool.Exec(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("op=job.transition: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=job.transition: %s -> %s: %w", from, to, domain.ErrStateMismatch)
	}
	return nil
}

// BumpCounters atomically increments progress counters. Terminal rows are
// excluded from the match so a late item close never mutates a finished job.
func (r *JobRepo) BumpCounters(ctx domain.Context, id string, dProcessed, dSuccess, dFailure int) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.BumpCounters")
	defer span.End()
	q := `UPDATE jobs SET processed=processed+$2, success=success+$3, failure=failure+$4, updated_at=$5
		WHERE id=$1 AND state NOT IN ('completed','failed','cancelled')`
	tag, err := r.Pool.Exec(ctx, q, id, dProcessed, dSuccess, dFailure, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=job.bump_counters: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=job.bump_counters: %w", domain.ErrStateMismatch)
	}
	return nil
}

// Get loads a job by id.
func (r *JobRepo) Get(ctx domain.Context, id string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE id=$1`
	j, err := scanJob(r.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.get: %w", err)
	}
	return j, nil
}

// List returns jobs newest first, optionally filtered by state.
func (r *JobRepo) List(ctx domain.Context, state domain.JobState, limit, offset int) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.List")
	defer span.End()
	if limit <= 0 {
		limit = 50
	}
	var rows pgx.Rows
	var err error
	if state == "" {
		q := `SELECT ` + jobColumns + ` FROM jobs ORDER BY created_at DESC LIMIT $1 OFFSET $2`
		rows, err = r.Pool.Query(ctx, q, limit, offset)
	} else {
		q := `SELECT ` + jobColumns + ` FROM jobs WHERE state=$1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`
		rows, err = r.Pool.Query(ctx, q, state, limit, offset)
	}
	if err != nil {
		return nil, fmt.Errorf("op=job.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=job.list_scan: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.list_rows: %w", err)
	}
	return out, nil
}

// FindStale returns non-terminal jobs whose last update is older than the
// cutoff, for the stale sweeper.
func (r *JobRepo) FindStale(ctx domain.Context, cutoff time.Time, limit int) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.FindStale")
	defer span.End()
	q := `SELECT ` + jobColumns + ` FROM jobs
		WHERE state IN ('queued','processing') AND updated_at < $1
		ORDER BY updated_at ASC LIMIT $2`
	rows, err := r.Pool.Query(ctx, q, cutoff.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("op=job.find_stale: %w", err)
	}
	defer rows.Close()
	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=job.find_stale_scan: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.find_stale_rows: %w", err)
	}
	return out, nil
}

func scanJob(row pgx.Row) (domain.Job, error) {
	var j domain.Job
	var meta []byte
	err := row.Scan(&j.ID, &j.Kind, &j.CampaignName, &j.State, &j.Total, &j.Processed,
		&j.Success, &j.Failure, &j.Template, &j.PosterSize, &j.Dims.Width, &j.Dims.Height,
		&j.Error, &meta, &j.CreatedAt, &j.StartedAt, &j.CompletedAt, &j.UpdatedAt)
	if err != nil {
		return domain.Job{}, err
	}
	if len(meta) > 0 {
		_ = json.Unmarshal(meta, &j.Metadata)
	}
	return j, nil
}
