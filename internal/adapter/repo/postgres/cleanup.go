package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// CleanupService prunes terminal jobs and their child rows past the
// retention window.
type CleanupService struct {
	Pool          *pgxpool.Pool
	RetentionDays int
}

// NewCleanupService creates a new cleanup service.
func NewCleanupService(pool *pgxpool.Pool, retentionDays int) *CleanupService {
	if retentionDays <= 0 {
		retentionDays = 90
	}
	return &CleanupService{Pool: pool, RetentionDays: retentionDays}
}

// CleanupOldData removes terminal jobs older than the retention period
// together with their items, failures, and log lines.
func (s *CleanupService) CleanupOldData(ctx context.Context) error {
	cutoff := time.Now().AddDate(0, 0, -s.RetentionDays)

	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("cleanup begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	old := `SELECT id FROM jobs WHERE created_at < $1 AND state IN ('completed','failed','cancelled')`

	var deletedItems, deletedFailures, deletedLogs, deletedJobs int64
	tag, err := tx.Exec(ctx, `DELETE FROM items WHERE job_id IN (`+old+`)`, cutoff)
	if err != nil {
		return fmt.Errorf("cleanup items: %w", err)
	}
	deletedItems = tag.RowsAffected()

	tag, err = tx.Exec(ctx, `DELETE FROM failures WHERE job_id IN (`+old+`)`, cutoff)
	if err != nil {
		return fmt.Errorf("cleanup failures: %w", err)
	}
	deletedFailures = tag.RowsAffected()

	tag, err = tx.Exec(ctx, `DELETE FROM job_logs WHERE job_id IN (`+old+`)`, cutoff)
	if err != nil {
		return fmt.Errorf("cleanup logs: %w", err)
	}
	deletedLogs = tag.RowsAffected()

	tag, err = tx.Exec(ctx, `DELETE FROM jobs WHERE created_at < $1 AND state IN ('completed','failed','cancelled')`, cutoff)
	if err != nil {
		return fmt.Errorf("cleanup jobs: %w", err)
	}
	deletedJobs = tag.RowsAffected()

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("cleanup commit: %w", err)
	}

	slog.Info("data cleanup completed",
		slog.Int64("deleted_jobs", deletedJobs),
		slog.Int64("deleted_items", deletedItems),
		slog.Int64("deleted_failures", deletedFailures),
		slog.Int64("deleted_logs", deletedLogs),
		slog.Time("cutoff", cutoff),
	)
	return nil
}

// RunPeriodic starts a periodic cleanup job.
func (s *CleanupService) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := s.CleanupOldData(ctx); err != nil {
		slog.Error("initial cleanup failed", slog.Any("error", err))
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("cleanup service stopping")
			return
		case <-ticker.C:
			if err := s.CleanupOldData(ctx); err != nil {
				slog.Error("periodic cleanup failed", slog.Any("error", err))
			}
		}
	}
}
