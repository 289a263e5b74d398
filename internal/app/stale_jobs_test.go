package app

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/posterforge/internal/domain"
)

type staleRepo struct {
	jobs        map[string]domain.Job
	transitions []string
	// forceStale, when set, is returned from FindStale as-is to simulate a
	// snapshot that went stale between list and CAS.
	forceStale []domain.Job
}

func newStaleRepo(jobs ...domain.Job) *staleRepo {
	r := &staleRepo{jobs: map[string]domain.Job{}}
	for _, j := range jobs {
		r.jobs[j.ID] = j
	}
	return r
}

func (r *staleRepo) Create(_ domain.Context, j domain.Job) error { r.jobs[j.ID] = j; return nil }

func (r *staleRepo) Transition(_ domain.Context, id string, from, to domain.JobState, errMsg string) error {
	j, ok := r.jobs[id]
	if !ok || j.State != from {
		return fmt.Errorf("op=job.transition: %w", domain.ErrStateMismatch)
	}
	j.State = to
	j.Error = errMsg
	r.jobs[id] = j
	r.transitions = append(r.transitions, fmt.Sprintf("%s:%s->%s", id, from, to))
	return nil
}

func (r *staleRepo) BumpCounters(_ domain.Context, _ string, _, _, _ int) error { return nil }

func (r *staleRepo) Get(_ domain.Context, id string) (domain.Job, error) {
	j, ok := r.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	return j, nil
}

func (r *staleRepo) List(_ domain.Context, _ domain.JobState, _, _ int) ([]domain.Job, error) {
	return nil, nil
}

func (r *staleRepo) FindStale(_ domain.Context, cutoff time.Time, _ int) ([]domain.Job, error) {
	if r.forceStale != nil {
		out := r.forceStale
		r.forceStale = nil
		return out, nil
	}
	var out []domain.Job
	for _, j := range r.jobs {
		if !j.State.Terminal() && j.UpdatedAt.Before(cutoff) {
			out = append(out, j)
		}
	}
	return out, nil
}

type captureEvents struct{ events []domain.Event }

func (c *captureEvents) Publish(_ domain.Context, ev domain.Event) error {
	c.events = append(c.events, ev)
	return nil
}

func TestStaleJobSweeper_FailsStaleJobs(t *testing.T) {
	old := time.Now().Add(-time.Hour)
	repo := newStaleRepo(
		domain.Job{ID: "stale-1", State: domain.JobProcessing, UpdatedAt: old},
		domain.Job{ID: "fresh-1", State: domain.JobProcessing, UpdatedAt: time.Now()},
		domain.Job{ID: "done-1", State: domain.JobCompleted, UpdatedAt: old},
	)
	events := &captureEvents{}

	s := NewStaleJobSweeper(repo, events, 30*time.Minute, time.Minute)
	s.sweepOnce(context.Background())

	assert.Equal(t, domain.JobFailed, repo.jobs["stale-1"].State)
	assert.Contains(t, repo.jobs["stale-1"].Error, "failed by sweeper")
	assert.Equal(t, domain.JobProcessing, repo.jobs["fresh-1"].State)
	assert.Equal(t, domain.JobCompleted, repo.jobs["done-1"].State)

	require.Len(t, events.events, 1)
	assert.Equal(t, domain.EventJobFailed, events.events[0].Name)
	assert.Equal(t, "stale-1", events.events[0].JobID)
}

func TestStaleJobSweeper_RacedTransitionIsSkipped(t *testing.T) {
	old := time.Now().Add(-time.Hour)
	repo := newStaleRepo(domain.Job{ID: "stale-1", State: domain.JobCompleted, UpdatedAt: old})
	// The snapshot claims processing but the job already finished; the CAS
	// must miss and leave the terminal state alone.
	repo.forceStale = []domain.Job{{ID: "stale-1", State: domain.JobProcessing, UpdatedAt: old}}
	events := &captureEvents{}

	s := NewStaleJobSweeper(repo, events, 30*time.Minute, time.Minute)
	s.sweepOnce(context.Background())

	assert.Equal(t, domain.JobCompleted, repo.jobs["stale-1"].State)
	assert.Empty(t, events.events)
}

func TestNewStaleJobSweeper_Defaults(t *testing.T) {
	s := NewStaleJobSweeper(newStaleRepo(), nil, 0, 0)
	require.NotNil(t, s)
	assert.Equal(t, 30*time.Minute, s.maxAge)
	assert.Equal(t, 5*time.Minute, s.interval)

	assert.Nil(t, NewStaleJobSweeper(nil, nil, time.Minute, time.Minute))
}
