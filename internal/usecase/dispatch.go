// Package usecase contains application business logic services.
package usecase

import (
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/fairyhunter13/posterforge/internal/domain"
	"github.com/fairyhunter13/posterforge/internal/template"
)

// DispatchService validates submissions, persists the job row, and
// publishes the self-contained envelope on the bus. The job only becomes
// visible as queued after the publish succeeds.
type DispatchService struct {
	Jobs   domain.JobRepository
	Queue  domain.Queue
	Events domain.EventPublisher

	// Defaults applied to every envelope.
	LogoURL string
	Scale   float64
}

// NewDispatchService constructs a DispatchService with its dependencies.
func NewDispatchService(jobs domain.JobRepository, queue domain.Queue, events domain.EventPublisher, logoURL string, scale float64) DispatchService {
	return DispatchService{Jobs: jobs, Queue: queue, Events: events, LogoURL: logoURL, Scale: scale}
}

// Submission is the common shape of a job submission.
type Submission struct {
	CampaignName string
	Template     string
	PosterSize   string
	CustomDims   domain.Dimensions
	SkipOverlays bool
	Metadata     map[string]any
}

// Receipt is returned to the caller after a successful submit.
type Receipt struct {
	JobID          string    `json:"job_id"`
	State          string    `json:"state"`
	Total          int       `json:"total"`
	CreatedAt      time.Time `json:"created_at"`
	StreamEndpoint string    `json:"stream_endpoint"`
}

// SubmitByIdentifier creates a job whose items come from a free-form
// identifier blob.
func (s DispatchService) SubmitByIdentifier(ctx domain.Context, sub Submission, identifiers string) (Receipt, error) {
	usernames, userIDs := ParseIdentifiers(identifiers)
	total := len(usernames) + len(userIDs)
	if total == 0 {
		return Receipt{}, fmt.Errorf("op=dispatch.submit: %w: no identifiers", domain.ErrInvalidArgument)
	}
	return s.submit(ctx, sub, domain.JobKindByIdentifier, total, func(spec *domain.JobSpec) {
		spec.Usernames = usernames
		spec.UserIDs = userIDs
	})
}

// SubmitByRow creates a job with one item per data row.
func (s DispatchService) SubmitByRow(ctx domain.Context, sub Submission, rows []domain.Row) (Receipt, error) {
	if len(rows) == 0 {
		return Receipt{}, fmt.Errorf("op=dispatch.submit: %w: no rows", domain.ErrInvalidArgument)
	}
	return s.submit(ctx, sub, domain.JobKindByRow, len(rows), func(spec *domain.JobSpec) {
		spec.Rows = rows
	})
}

// SubmitTemplateGeneration creates a single-item job that renders the
// template with the submission metadata as its data.
func (s DispatchService) SubmitTemplateGeneration(ctx domain.Context, sub Submission) (Receipt, error) {
	return s.submit(ctx, sub, domain.JobKindByTemplate, 1, func(_ *domain.JobSpec) {})
}

// SubmitExport creates a job that pushes finished artifacts downstream.
func (s DispatchService) SubmitExport(ctx domain.Context, sub Submission, exports []domain.ExportItem) (Receipt, error) {
	if len(exports) == 0 {
		return Receipt{}, fmt.Errorf("op=dispatch.submit: %w: no export items", domain.ErrInvalidArgument)
	}
	return s.submitSpec(ctx, sub, domain.JobKindExport, len(exports), domain.Dimensions{}, func(spec *domain.JobSpec) {
		spec.Exports = exports
	})
}

func (s DispatchService) submit(ctx domain.Context, sub Submission, kind domain.JobKind, total int, fill func(*domain.JobSpec)) (Receipt, error) {
	if sub.Template == "" {
		return Receipt{}, fmt.Errorf("op=dispatch.submit: %w: template required", domain.ErrInvalidArgument)
	}
	dims, err := domain.ResolveDims(sub.PosterSize, sub.CustomDims)
	if err != nil {
		return Receipt{}, fmt.Errorf("op=dispatch.submit: %w", err)
	}
	return s.submitSpec(ctx, sub, kind, total, dims, fill)
}

func (s DispatchService) submitSpec(ctx domain.Context, sub Submission, kind domain.JobKind, total int, dims domain.Dimensions, fill func(*domain.JobSpec)) (Receipt, error) {
	now := time.Now().UTC()
	// Templates may arrive in the double-brace dialect; everything past
	// this point speaks single braces.
	tmpl := template.Normalize(sub.Template)

	job := domain.Job{
		ID:           ulid.Make().String(),
		Kind:         kind,
		CampaignName: sub.CampaignName,
		State:        domain.JobPending,
		Total:        total,
		Template:     tmpl,
		PosterSize:   sub.PosterSize,
		Dims:         dims,
		Metadata:     sub.Metadata,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if job.PosterSize == "" && kind != domain.JobKindExport {
		job.PosterSize = domain.DefaultPosterSize
	}
	if err := s.Jobs.Create(ctx, job); err != nil {
		return Receipt{}, fmt.Errorf("op=dispatch.submit: create job: %w", err)
	}

	spec := domain.JobSpec{
		JobID:        job.ID,
		Kind:         kind,
		CampaignName: sub.CampaignName,
		Template:     tmpl,
		PosterSize:   job.PosterSize,
		Dims:         dims,
		Scale:        s.Scale,
		SkipOverlays: sub.SkipOverlays,
		LogoURL:      s.LogoURL,
		Metadata:     sub.Metadata,
	}
	fill(&spec)

	// Publish before the queued transition. A failed publish leaves the
	// job pending so nothing downstream ever sees a queued job without an
	// envelope on the bus.
	if err := s.Queue.PublishJob(ctx, spec); err != nil {
		return Receipt{}, fmt.Errorf("op=dispatch.submit: publish envelope: %w", err)
	}
	if err := s.Jobs.Transition(ctx, job.ID, domain.JobPending, domain.JobQueued, ""); err != nil {
		return Receipt{}, fmt.Errorf("op=dispatch.submit: mark queued: %w", err)
	}
	s.publishEvent(ctx, domain.NewStatusEvent(job.ID, domain.JobQueued, "job queued"))

	return Receipt{
		JobID:          job.ID,
		State:          string(domain.JobQueued),
		Total:          total,
		CreatedAt:      now,
		StreamEndpoint: fmt.Sprintf("/v1/jobs/%s/stream", job.ID),
	}, nil
}

// CancelResult reports how a cancel request was resolved.
type CancelResult struct {
	JobID           string `json:"job_id"`
	State           string `json:"state"`
	AlreadyTerminal bool   `json:"already_terminal"`
}

// Cancel moves a live job to cancelled. Cancelling a job that already
// reached a terminal state is reported as success, not an error.
func (s DispatchService) Cancel(ctx domain.Context, jobID string) (CancelResult, error) {
	const reason = "cancelled by user"

	for attempt := 0; attempt < 3; attempt++ {
		job, err := s.Jobs.Get(ctx, jobID)
		if err != nil {
			return CancelResult{}, fmt.Errorf("op=dispatch.cancel: %w", err)
		}
		if job.State.Terminal() {
			return CancelResult{JobID: jobID, State: string(job.State), AlreadyTerminal: true}, nil
		}

		err = s.Jobs.Transition(ctx, jobID, job.State, domain.JobCancelled, reason)
		if err == nil {
			s.publishEvent(ctx, domain.NewJobFailedEvent(jobID, domain.JobCancelled, reason))
			return CancelResult{JobID: jobID, State: string(domain.JobCancelled)}, nil
		}
		if !errors.Is(err, domain.ErrStateMismatch) {
			return CancelResult{}, fmt.Errorf("op=dispatch.cancel: %w", err)
		}
		// The state moved under us; re-read and retry.
	}
	return CancelResult{}, fmt.Errorf("op=dispatch.cancel: %w: job kept moving", domain.ErrConflict)
}

func (s DispatchService) publishEvent(ctx domain.Context, ev domain.Event) {
	if s.Events == nil {
		return
	}
	_ = s.Events.Publish(ctx, ev)
}
