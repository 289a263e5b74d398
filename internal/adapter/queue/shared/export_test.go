package shared

import (
	"context"
	"encoding/base64"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/posterforge/internal/domain"
)

func ptr[T any](v T) *T { return &v }

func TestHandleEnvelope_ExportDeliversArtifacts(t *testing.T) {
	f := newFixture(queuedJob(domain.JobKindExport, 2))
	h := f.handler()

	spec := domain.JobSpec{
		JobID:        "job-1",
		Kind:         domain.JobKindExport,
		CampaignName: "launch",
		Exports: []domain.ExportItem{
			{Identifier: "alice", UserID: ptr[int64](42), ArtifactURL: "https://cdn/a.png"},
			{Identifier: "bob", UserID: ptr[int64](43), ArtifactURL: "https://cdn/b.png"},
		},
	}
	require.NoError(t, h.HandleEnvelope(context.Background(), spec))

	job, _ := f.jobs.Get(context.Background(), "job-1")
	assert.Equal(t, domain.JobCompleted, job.State)
	assert.Equal(t, 2, job.Success)
	assert.Equal(t, []int64{42, 43}, f.sink.calls)
}

func TestHandleEnvelope_ExportMissingUserID(t *testing.T) {
	f := newFixture(queuedJob(domain.JobKindExport, 2))
	h := f.handler()

	spec := domain.JobSpec{
		JobID:        "job-1",
		Kind:         domain.JobKindExport,
		CampaignName: "launch",
		Exports: []domain.ExportItem{
			{Identifier: "ghost", ArtifactURL: "https://cdn/g.png"},
			{Identifier: "alice", UserID: ptr[int64](42), ArtifactURL: "https://cdn/a.png"},
		},
	}
	require.NoError(t, h.HandleEnvelope(context.Background(), spec))

	job, _ := f.jobs.Get(context.Background(), "job-1")
	assert.Equal(t, domain.JobCompleted, job.State)
	assert.Equal(t, 1, job.Success)
	assert.Equal(t, 1, job.Failure)
	require.Len(t, f.failures.records, 1)
	assert.Equal(t, domain.FailureMissingUserID, f.failures.records[0].Kind)
	// The ghost item never reached the sink.
	assert.Equal(t, []int64{42}, f.sink.calls)
}

func TestHandleEnvelope_ExportSinkFailure(t *testing.T) {
	f := newFixture(queuedJob(domain.JobKindExport, 1))
	f.sink.err = fmt.Errorf("webhook returned 500")
	h := f.handler()

	spec := domain.JobSpec{
		JobID: "job-1",
		Kind:  domain.JobKindExport,
		Exports: []domain.ExportItem{
			{Identifier: "alice", UserID: ptr[int64](42), ArtifactURL: "https://cdn/a.png"},
		},
	}
	require.NoError(t, h.HandleEnvelope(context.Background(), spec))

	job, _ := f.jobs.Get(context.Background(), "job-1")
	assert.Equal(t, domain.JobCompleted, job.State)
	assert.Equal(t, 1, job.Failure)
	require.Len(t, f.failures.records, 1)
	assert.Equal(t, domain.FailureWebhook, f.failures.records[0].Kind)
}

func TestHandleEnvelope_ExportHostsDataURLs(t *testing.T) {
	f := newFixture(queuedJob(domain.JobKindExport, 1))
	h := f.handler()

	payload := base64.StdEncoding.EncodeToString([]byte("png bytes"))
	spec := domain.JobSpec{
		JobID: "job-1",
		Kind:  domain.JobKindExport,
		Exports: []domain.ExportItem{
			{Identifier: "alice", UserID: ptr[int64](42), ArtifactURL: "data:image/png;base64," + payload},
		},
	}
	require.NoError(t, h.HandleEnvelope(context.Background(), spec))

	// Inline payload was parked in the blob store before the sink call.
	require.Len(t, f.blobs.keys, 1)
	assert.Contains(t, f.blobs.keys[0], "jobs/job-1/alice_")
	assert.Equal(t, []int64{42}, f.sink.calls)
}

func TestHandleEnvelope_ExportEmptyFailsJob(t *testing.T) {
	f := newFixture(queuedJob(domain.JobKindExport, 0))
	h := f.handler()

	err := h.HandleEnvelope(context.Background(), domain.JobSpec{JobID: "job-1", Kind: domain.JobKindExport})
	require.Error(t, err)
	job, _ := f.jobs.Get(context.Background(), "job-1")
	assert.Equal(t, domain.JobFailed, job.State)
}

func TestDecodeDataURL(t *testing.T) {
	payload, ct, err := decodeDataURL("data:image/jpeg;base64," + base64.StdEncoding.EncodeToString([]byte("x")))
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", ct)
	assert.Equal(t, []byte("x"), payload)

	_, ct, err = decodeDataURL("data:;base64," + base64.StdEncoding.EncodeToString([]byte("x")))
	require.NoError(t, err)
	assert.Equal(t, "image/png", ct)

	_, _, err = decodeDataURL("data:image/png;base64")
	require.Error(t, err)

	_, _, err = decodeDataURL("data:image/png,plain")
	require.Error(t, err)
}
