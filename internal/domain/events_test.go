package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEventNameCritical(t *testing.T) {
	assert.True(t, EventJobCompleted.Critical())
	assert.True(t, EventJobFailed.Critical())
	assert.False(t, EventProgress.Critical())
	assert.False(t, EventHeartbeat.Critical())
	assert.False(t, EventPosterCompleted.Critical())
}

func TestEventNameSheddable(t *testing.T) {
	assert.True(t, EventProgress.Sheddable())
	assert.True(t, EventHeartbeat.Sheddable())
	assert.True(t, EventStatus.Sheddable())
	assert.True(t, EventConnected.Sheddable())
	assert.False(t, EventPosterCompleted.Sheddable())
	assert.False(t, EventLog.Sheddable())
	assert.False(t, EventJobCompleted.Sheddable())
	assert.False(t, EventJobFailed.Sheddable())
}

func TestNewPosterCompletedEvent(t *testing.T) {
	ok := NewPosterCompletedEvent("job-1", ItemOutcome{
		ItemID: "item-0001", Identifier: "alice", Username: "alice",
		Success: true, ArtifactURL: "https://cdn/a.png", ProcessingMS: 900,
	})
	assert.Equal(t, EventPosterCompleted, ok.Name)
	assert.Equal(t, true, ok.Payload["success"])
	assert.Equal(t, "https://cdn/a.png", ok.Payload["artifact_url"])
	assert.NotContains(t, ok.Payload, "failure_kind")

	failed := NewPosterCompletedEvent("job-1", ItemOutcome{
		ItemID: "item-0002", Identifier: "bob",
		Kind: FailureHTMLConversion, Error: "render failed",
	})
	assert.Equal(t, false, failed.Payload["success"])
	assert.Equal(t, string(FailureHTMLConversion), failed.Payload["failure_kind"])
	assert.Equal(t, "render failed", failed.Payload["error"])
	assert.NotContains(t, failed.Payload, "artifact_url")
}

func TestNewProgressEvent(t *testing.T) {
	ev := NewProgressEvent("job-1", JobCounters{Total: 4, Processed: 2, Success: 1, Failure: 1})
	assert.Equal(t, EventProgress, ev.Name)
	assert.Equal(t, "job-1", ev.JobID)
	assert.Equal(t, 4, ev.Payload["total"])
	assert.Equal(t, 2, ev.Payload["processed"])
	assert.InDelta(t, 50.0, ev.Payload["percent"], 0.001)
	assert.False(t, ev.Timestamp.IsZero())
}

func TestNewProgressEventZeroTotal(t *testing.T) {
	ev := NewProgressEvent("job-1", JobCounters{})
	assert.InDelta(t, 0.0, ev.Payload["percent"], 0.001)
}

func TestNewJobFailedEvent(t *testing.T) {
	ev := NewJobFailedEvent("job-2", JobCancelled, "cancelled by user")
	assert.Equal(t, EventJobFailed, ev.Name)
	assert.Equal(t, string(JobCancelled), ev.Payload["state"])
	assert.Equal(t, "cancelled by user", ev.Payload["error"])
}
