package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/posterforge/internal/domain"
)

// StaleJobFinder extends the job repository with the stale query the
// sweeper needs.
type StaleJobFinder interface {
	domain.JobRepository
	FindStale(ctx domain.Context, cutoff time.Time, limit int) ([]domain.Job, error)
}

// StaleJobSweeper fails jobs whose last update is older than the
// configured age. A worker crash mid-job leaves the row in processing
// forever otherwise; the sweeper is the recovery path.
type StaleJobSweeper struct {
	jobs     StaleJobFinder
	events   domain.EventPublisher
	maxAge   time.Duration
	interval time.Duration
}

// NewStaleJobSweeper constructs a sweeper; a nil repository yields a nil
// sweeper whose Run is a no-op.
func NewStaleJobSweeper(jobs StaleJobFinder, events domain.EventPublisher, maxAge, interval time.Duration) *StaleJobSweeper {
	if jobs == nil {
		return nil
	}
	if maxAge <= 0 {
		maxAge = 30 * time.Minute
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &StaleJobSweeper{jobs: jobs, events: events, maxAge: maxAge, interval: interval}
}

// Run sweeps immediately and then on every tick until the context ends.
func (s *StaleJobSweeper) Run(ctx context.Context) {
	if s == nil || s.jobs == nil {
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweepOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("stale job sweeper stopping")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *StaleJobSweeper) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("jobs.sweeper")
	ctx, span := tracer.Start(ctx, "StaleJobSweeper.sweepOnce")
	defer span.End()

	cutoff := time.Now().Add(-s.maxAge)
	const pageSize = 100
	span.SetAttributes(
		attribute.Int("jobs.page_size", pageSize),
		attribute.Float64("jobs.max_age_seconds", s.maxAge.Seconds()),
	)

	swept := 0
	for {
		jobs, err := s.jobs.FindStale(ctx, cutoff, pageSize)
		if err != nil {
			span.RecordError(err)
			slog.Error("stale job sweep failed to list jobs", slog.Any("error", err))
			return
		}
		if len(jobs) == 0 {
			break
		}

		progressed := false
		for _, j := range jobs {
			msg := fmt.Sprintf("no progress for %v; failed by sweeper", s.maxAge)
			err := s.jobs.Transition(ctx, j.ID, j.State, domain.JobFailed, msg)
			if err != nil {
				// A worker beat us to it; skip and keep sweeping.
				slog.Warn("stale job sweep transition skipped",
					slog.String("job_id", j.ID), slog.Any("error", err))
				continue
			}
			progressed = true
			swept++
			slog.Warn("stale job failed by sweeper",
				slog.String("job_id", j.ID),
				slog.String("previous_state", string(j.State)),
				slog.Time("updated_at", j.UpdatedAt))
			if s.events != nil {
				_ = s.events.Publish(ctx, domain.NewJobFailedEvent(j.ID, domain.JobFailed, msg))
			}
		}
		// Every candidate was raced away; the next tick retries.
		if !progressed {
			break
		}
		if len(jobs) < pageSize {
			break
		}
	}

	span.SetAttributes(attribute.Int("jobs.swept", swept))
}
