package usecase

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/posterforge/internal/domain"
)

type fakeJobs struct {
	jobs       map[string]domain.Job
	createErr  error
	transition []string
	listFn     func(state domain.JobState) []domain.Job
}

func newFakeJobs() *fakeJobs { return &fakeJobs{jobs: map[string]domain.Job{}} }

func (f *fakeJobs) Create(_ domain.Context, j domain.Job) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.jobs[j.ID] = j
	return nil
}

func (f *fakeJobs) Transition(_ domain.Context, id string, from, to domain.JobState, errMsg string) error {
	j, ok := f.jobs[id]
	if !ok || j.State != from {
		return fmt.Errorf("op=job.transition: %w", domain.ErrStateMismatch)
	}
	j.State = to
	j.Error = errMsg
	f.jobs[id] = j
	f.transition = append(f.transition, fmt.Sprintf("%s->%s", from, to))
	return nil
}

func (f *fakeJobs) BumpCounters(_ domain.Context, _ string, _, _, _ int) error { return nil }

func (f *fakeJobs) Get(_ domain.Context, id string) (domain.Job, error) {
	j, ok := f.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	return j, nil
}

func (f *fakeJobs) List(_ domain.Context, state domain.JobState, _, _ int) ([]domain.Job, error) {
	if f.listFn != nil {
		return f.listFn(state), nil
	}
	return nil, nil
}

type fakeQueue struct {
	specs      []domain.JobSpec
	publishErr error
}

func (f *fakeQueue) PublishJob(_ domain.Context, spec domain.JobSpec) error {
	if f.publishErr != nil {
		return f.publishErr
	}
	f.specs = append(f.specs, spec)
	return nil
}

func (f *fakeQueue) PublishResult(_ domain.Context, _ string, _ map[string]any) error { return nil }
func (f *fakeQueue) PublishError(_ domain.Context, _ string, _ string) error          { return nil }

type fakeEvents struct {
	events []domain.Event
}

func (f *fakeEvents) Publish(_ domain.Context, ev domain.Event) error {
	f.events = append(f.events, ev)
	return nil
}

func newService() (DispatchService, *fakeJobs, *fakeQueue, *fakeEvents) {
	jobs := newFakeJobs()
	queue := &fakeQueue{}
	events := &fakeEvents{}
	return NewDispatchService(jobs, queue, events, "https://cdn/logo.png", 1.0), jobs, queue, events
}

func TestSubmitByIdentifier(t *testing.T) {
	svc, jobs, queue, events := newService()

	r, err := svc.SubmitByIdentifier(context.Background(), Submission{
		CampaignName: "launch",
		Template:     "<h1>{{ name }}</h1>",
		PosterSize:   "instagram-square",
	}, "alice, bob\n42")
	require.NoError(t, err)
	assert.NotEmpty(t, r.JobID)
	assert.Equal(t, "queued", r.State)
	assert.Equal(t, 3, r.Total)
	assert.Equal(t, fmt.Sprintf("/v1/jobs/%s/stream", r.JobID), r.StreamEndpoint)

	job := jobs.jobs[r.JobID]
	assert.Equal(t, domain.JobQueued, job.State)
	// Double-brace tokens were normalized at ingress.
	assert.Equal(t, "<h1>{name}</h1>", job.Template)
	assert.Equal(t, domain.Dimensions{Width: 1080, Height: 1080}, job.Dims)

	require.Len(t, queue.specs, 1)
	assert.Equal(t, []string{"alice", "bob"}, queue.specs[0].Usernames)
	assert.Equal(t, []int64{42}, queue.specs[0].UserIDs)
	assert.Equal(t, "https://cdn/logo.png", queue.specs[0].LogoURL)

	require.NotEmpty(t, events.events)
	assert.Equal(t, domain.EventStatus, events.events[0].Name)
}

func TestSubmitByIdentifier_Empty(t *testing.T) {
	svc, _, queue, _ := newService()

	_, err := svc.SubmitByIdentifier(context.Background(), Submission{Template: "<p>{name}</p>"}, " ,\n ")
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
	assert.Empty(t, queue.specs)
}

func TestSubmit_TemplateRequired(t *testing.T) {
	svc, _, _, _ := newService()

	_, err := svc.SubmitByIdentifier(context.Background(), Submission{}, "alice")
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestSubmit_UnknownPosterSize(t *testing.T) {
	svc, _, _, _ := newService()

	_, err := svc.SubmitByIdentifier(context.Background(), Submission{
		Template:   "<p>{name}</p>",
		PosterSize: "billboard-giant",
	}, "alice")
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestSubmit_PublishFailureLeavesJobPending(t *testing.T) {
	svc, jobs, queue, _ := newService()
	queue.publishErr = fmt.Errorf("broker unreachable")

	_, err := svc.SubmitByIdentifier(context.Background(), Submission{Template: "<p>{name}</p>"}, "alice")
	require.Error(t, err)

	require.Len(t, jobs.jobs, 1)
	for _, j := range jobs.jobs {
		assert.Equal(t, domain.JobPending, j.State)
	}
}

func TestSubmitByRow(t *testing.T) {
	svc, _, queue, _ := newService()

	r, err := svc.SubmitByRow(context.Background(), Submission{Template: "<p>{title}</p>"}, []domain.Row{
		{"name": "alice", "title": "Winner"},
		{"name": "bob", "title": "Second"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, r.Total)
	require.Len(t, queue.specs, 1)
	assert.Len(t, queue.specs[0].Rows, 2)

	_, err = svc.SubmitByRow(context.Background(), Submission{Template: "<p>x</p>"}, nil)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestSubmitTemplateGeneration(t *testing.T) {
	svc, _, queue, _ := newService()

	r, err := svc.SubmitTemplateGeneration(context.Background(), Submission{
		Template: "<h1>{headline}</h1>",
		Metadata: map[string]any{"headline": "Launch Day"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, r.Total)
	assert.Equal(t, domain.JobKindByTemplate, queue.specs[0].Kind)
}

func TestSubmitExport(t *testing.T) {
	svc, _, queue, _ := newService()
	uid := int64(42)

	r, err := svc.SubmitExport(context.Background(), Submission{CampaignName: "launch"}, []domain.ExportItem{
		{Identifier: "alice", UserID: &uid, ArtifactURL: "https://cdn/a.png"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, r.Total)
	assert.Equal(t, domain.JobKindExport, queue.specs[0].Kind)

	_, err = svc.SubmitExport(context.Background(), Submission{}, nil)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestCancel_LiveJob(t *testing.T) {
	svc, jobs, _, events := newService()
	jobs.jobs["job-1"] = domain.Job{ID: "job-1", State: domain.JobProcessing}

	res, err := svc.Cancel(context.Background(), "job-1")
	require.NoError(t, err)
	assert.False(t, res.AlreadyTerminal)
	assert.Equal(t, string(domain.JobCancelled), res.State)
	assert.Equal(t, domain.JobCancelled, jobs.jobs["job-1"].State)
	assert.Equal(t, "cancelled by user", jobs.jobs["job-1"].Error)

	require.Len(t, events.events, 1)
	assert.Equal(t, domain.EventJobFailed, events.events[0].Name)
}

func TestCancel_AlreadyTerminalIsSuccess(t *testing.T) {
	svc, jobs, _, events := newService()
	jobs.jobs["job-1"] = domain.Job{ID: "job-1", State: domain.JobCompleted}

	res, err := svc.Cancel(context.Background(), "job-1")
	require.NoError(t, err)
	assert.True(t, res.AlreadyTerminal)
	assert.Equal(t, string(domain.JobCompleted), res.State)
	assert.Empty(t, events.events)
}

func TestCancel_NotFound(t *testing.T) {
	svc, _, _, _ := newService()

	_, err := svc.Cancel(context.Background(), "ghost")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestParseIdentifiers(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		usernames []string
		userIDs   []int64
	}{
		{
			name:      "commas and newlines",
			input:     "alice, bob\ncarol",
			usernames: []string{"alice", "bob", "carol"},
		},
		{
			name:      "numeric entries are user ids",
			input:     "alice, 42, 99",
			usernames: []string{"alice"},
			userIDs:   []int64{42, 99},
		},
		{
			name:      "dedup keeps first occurrence",
			input:     "alice,bob,alice,bob",
			usernames: []string{"alice", "bob"},
		},
		{
			name:      "at prefix stripped",
			input:     "@alice",
			usernames: []string{"alice"},
		},
		{
			name:  "blank entries ignored",
			input: " , \n ,",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			usernames, userIDs := ParseIdentifiers(tt.input)
			assert.Equal(t, tt.usernames, usernames)
			assert.Equal(t, tt.userIDs, userIDs)
		})
	}
}
