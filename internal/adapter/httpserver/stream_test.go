package httpserver_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/posterforge/internal/domain"
)

func TestStream_LateSubscriberToTerminalJob(t *testing.T) {
	f := newFixture(t)
	f.jobs.set(domain.Job{ID: "job-1", State: domain.JobCompleted, Total: 2, Processed: 2, Success: 2})

	rec := f.do(http.MethodGet, "/v1/jobs/job-1/stream", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.Contains(t, body, "event: connected")
	assert.Contains(t, body, "event: status")
	assert.Contains(t, body, "event: job_completed")
	// The terminal snapshot closes the stream; no subscription lingers.
	assert.Zero(t, f.hub.Subscribers("job-1"))
}

func TestStream_UnknownJob(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/v1/jobs/ghost/stream", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStream_ForwardsEventsAndClosesOnTerminal(t *testing.T) {
	f := newFixture(t)
	f.jobs.set(domain.Job{ID: "job-1", State: domain.JobProcessing, Total: 2})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/job-1/stream", nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.router.ServeHTTP(rec, req)
	}()

	require.Eventually(t, func() bool { return f.hub.Subscribers("job-1") == 1 },
		time.Second, 5*time.Millisecond)

	f.hub.Dispatch(domain.NewProgressEvent("job-1", domain.JobCounters{Total: 2, Processed: 1, Success: 1}))
	f.hub.Dispatch(domain.NewJobFailedEvent("job-1", domain.JobFailed, "upstream exploded"))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not close after terminal event")
	}

	body := rec.Body.String()
	assert.Contains(t, body, "event: connected")
	assert.Contains(t, body, "event: progress")
	assert.Contains(t, body, "event: job_failed")
	assert.Contains(t, body, "upstream exploded")
}

func TestStream_IdleConsultsStoreAndSynthesizesTerminal(t *testing.T) {
	f := newFixture(t)
	f.srv.Cfg.SSEHeartbeat = 20 * time.Millisecond
	f.jobs.set(domain.Job{ID: "job-1", State: domain.JobProcessing, Total: 1})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/job-1/stream", nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.router.ServeHTTP(rec, req)
	}()

	require.Eventually(t, func() bool { return f.hub.Subscribers("job-1") == 1 },
		time.Second, 5*time.Millisecond)

	// The job finishes on another process; no event ever reaches this hub.
	f.jobs.set(domain.Job{ID: "job-1", State: domain.JobCompleted, Total: 1, Processed: 1, Success: 1})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not detect terminal state on idle")
	}
	assert.Contains(t, rec.Body.String(), "event: job_completed")
}

func TestStream_IdleHeartbeatOnLiveJob(t *testing.T) {
	f := newFixture(t)
	f.srv.Cfg.SSEHeartbeat = 20 * time.Millisecond
	f.jobs.set(domain.Job{ID: "job-1", State: domain.JobProcessing, Total: 1})

	rec := httptest.NewRecorder()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/job-1/stream", nil).WithContext(ctx)

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.router.ServeHTTP(rec, req)
	}()

	require.Eventually(t, func() bool { return f.hub.Subscribers("job-1") == 1 },
		time.Second, 5*time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not stop on client disconnect")
	}
	assert.Contains(t, rec.Body.String(), "event: heartbeat")
}
