package usecase

import (
	"fmt"
	"time"

	"github.com/fairyhunter13/posterforge/internal/domain"
)

// StatusService serves read projections of jobs: status, per-item
// results, failure details, and audit logs.
type StatusService struct {
	Jobs     domain.JobRepository
	Items    domain.ItemRepository
	Failures domain.FailureRepository
	LogRepo  domain.LogRepository
}

// NewStatusService constructs a StatusService with its dependencies.
func NewStatusService(jobs domain.JobRepository, items domain.ItemRepository, failures domain.FailureRepository, logs domain.LogRepository) StatusService {
	return StatusService{Jobs: jobs, Items: items, Failures: failures, LogRepo: logs}
}

// JobStatus is the status projection of one job.
type JobStatus struct {
	JobID        string     `json:"job_id"`
	Kind         string     `json:"kind"`
	CampaignName string     `json:"campaign_name,omitempty"`
	State        string     `json:"state"`
	Total        int        `json:"total"`
	Processed    int        `json:"processed"`
	Success      int        `json:"success"`
	Failure      int        `json:"failure"`
	Percent      float64    `json:"percent"`
	Error        string     `json:"error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// Status returns the current lifecycle snapshot of a job.
func (s StatusService) Status(ctx domain.Context, jobID string) (JobStatus, error) {
	job, err := s.Jobs.Get(ctx, jobID)
	if err != nil {
		return JobStatus{}, fmt.Errorf("op=status.get: %w", err)
	}
	return projectStatus(job), nil
}

func projectStatus(job domain.Job) JobStatus {
	pct := 0.0
	if job.Total > 0 {
		pct = float64(job.Processed) / float64(job.Total) * 100
	}
	return JobStatus{
		JobID:        job.ID,
		Kind:         string(job.Kind),
		CampaignName: job.CampaignName,
		State:        string(job.State),
		Total:        job.Total,
		Processed:    job.Processed,
		Success:      job.Success,
		Failure:      job.Failure,
		Percent:      pct,
		Error:        job.Error,
		CreatedAt:    job.CreatedAt,
		StartedAt:    job.StartedAt,
		CompletedAt:  job.CompletedAt,
	}
}

// ItemResult is one item row of the results projection.
type ItemResult struct {
	ItemID       string `json:"item_id"`
	Identifier   string `json:"identifier"`
	Username     string `json:"username,omitempty"`
	Status       string `json:"status"`
	ArtifactURL  string `json:"artifact_url,omitempty"`
	ProcessingMS int64  `json:"processing_ms,omitempty"`
	Error        string `json:"error,omitempty"`
}

// JobResults is the full results projection of one job.
type JobResults struct {
	JobStatus
	Items    []ItemResult           `json:"items"`
	Failures []domain.FailureRecord `json:"failures,omitempty"`
}

// Results returns the job snapshot with its per-item outcomes and
// recorded failure details.
func (s StatusService) Results(ctx domain.Context, jobID string) (JobResults, error) {
	job, err := s.Jobs.Get(ctx, jobID)
	if err != nil {
		return JobResults{}, fmt.Errorf("op=status.results: %w", err)
	}
	items, err := s.Items.ListByJob(ctx, jobID)
	if err != nil {
		return JobResults{}, fmt.Errorf("op=status.results: list items: %w", err)
	}
	failures, err := s.Failures.ListByJob(ctx, jobID)
	if err != nil {
		return JobResults{}, fmt.Errorf("op=status.results: list failures: %w", err)
	}

	out := JobResults{JobStatus: projectStatus(job), Items: make([]ItemResult, 0, len(items))}
	for _, it := range items {
		out.Items = append(out.Items, ItemResult{
			ItemID:       it.ID,
			Identifier:   it.Identifier,
			Username:     it.Username,
			Status:       string(it.Status),
			ArtifactURL:  it.ArtifactURL,
			ProcessingMS: it.ProcessingMS,
			Error:        it.Error,
		})
	}
	out.Failures = failures
	return out, nil
}

// FailureList returns only the recorded failure details of a job.
func (s StatusService) FailureList(ctx domain.Context, jobID string) ([]domain.FailureRecord, error) {
	if _, err := s.Jobs.Get(ctx, jobID); err != nil {
		return nil, fmt.Errorf("op=status.failures: %w", err)
	}
	failures, err := s.Failures.ListByJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("op=status.failures: list failures: %w", err)
	}
	return failures, nil
}

// Logs returns the persisted audit log of a job, optionally filtered by
// level.
func (s StatusService) Logs(ctx domain.Context, jobID string, level domain.LogLevel, limit int) ([]domain.LogEntry, error) {
	if _, err := s.Jobs.Get(ctx, jobID); err != nil {
		return nil, fmt.Errorf("op=status.logs: %w", err)
	}
	entries, err := s.LogRepo.ListByJob(ctx, jobID, level, limit)
	if err != nil {
		return nil, fmt.Errorf("op=status.logs: %w", err)
	}
	return entries, nil
}

// List returns recent jobs, optionally filtered by state.
func (s StatusService) List(ctx domain.Context, state domain.JobState, limit, offset int) ([]JobStatus, error) {
	jobs, err := s.Jobs.List(ctx, state, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("op=status.list: %w", err)
	}
	out := make([]JobStatus, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, projectStatus(j))
	}
	return out, nil
}
