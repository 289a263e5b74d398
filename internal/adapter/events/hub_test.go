package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/posterforge/internal/domain"
)

func TestHub_SubscribeAndDispatch(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe("job-1")
	defer cancel()

	h.Dispatch(domain.NewStatusEvent("job-1", domain.JobProcessing, "processing started"))

	select {
	case ev := <-ch:
		assert.Equal(t, domain.EventStatus, ev.Name)
		assert.Equal(t, "job-1", ev.JobID)
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestHub_DispatchIsScopedToJob(t *testing.T) {
	h := NewHub()
	ch1, cancel1 := h.Subscribe("job-1")
	ch2, cancel2 := h.Subscribe("job-2")
	defer cancel1()
	defer cancel2()

	h.Dispatch(domain.NewHeartbeatEvent("job-1"))

	select {
	case <-ch1:
	case <-time.After(time.Second):
		t.Fatal("job-1 subscriber missed its event")
	}
	select {
	case ev := <-ch2:
		t.Fatalf("job-2 subscriber received foreign event %s", ev.Name)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_UnsubscribeIsIdempotent(t *testing.T) {
	h := NewHub()
	_, cancel := h.Subscribe("job-1")
	require.Equal(t, 1, h.Subscribers("job-1"))

	cancel()
	cancel()
	assert.Equal(t, 0, h.Subscribers("job-1"))
}

func TestHub_OverflowShedsOldestProgress(t *testing.T) {
	h := NewHub(WithQueueSize(2))
	ch, cancel := h.Subscribe("job-1")
	defer cancel()

	for i := 0; i < 5; i++ {
		h.Dispatch(domain.NewProgressEvent("job-1", domain.JobCounters{Total: 5, Processed: i}))
	}

	// The queue holds the most recent events; the oldest were shed.
	var got []int
	for len(got) < 2 {
		select {
		case ev := <-ch:
			got = append(got, ev.Payload["processed"].(int))
		case <-time.After(time.Second):
			t.Fatal("expected buffered events")
		}
	}
	assert.Equal(t, 4, got[len(got)-1])
}

func TestHub_CriticalEventWaitsForSlowSubscriber(t *testing.T) {
	h := NewHub(WithQueueSize(1), WithBlockBudget(500*time.Millisecond))
	ch, cancel := h.Subscribe("job-1")
	defer cancel()

	// Fill the queue with an unsheddable event, then drain it shortly
	// after the critical dispatch starts blocking.
	h.Dispatch(domain.NewLogEvent("job-1", domain.LogInfo, "filler"))
	go func() {
		time.Sleep(50 * time.Millisecond)
		<-ch
	}()

	done := make(chan struct{})
	go func() {
		h.Dispatch(domain.NewJobCompletedEvent("job-1", domain.JobCounters{Total: 1, Processed: 1, Success: 1}))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("critical dispatch did not unblock")
	}

	select {
	case ev := <-ch:
		assert.Equal(t, domain.EventJobCompleted, ev.Name)
	case <-time.After(time.Second):
		t.Fatal("critical event never arrived")
	}
}

func TestHub_CriticalEventDroppedAfterBudget(t *testing.T) {
	h := NewHub(WithQueueSize(1), WithBlockBudget(30*time.Millisecond))
	_, cancel := h.Subscribe("job-1")
	defer cancel()

	h.Dispatch(domain.NewLogEvent("job-1", domain.LogInfo, "filler"))

	start := time.Now()
	h.Dispatch(domain.NewJobFailedEvent("job-1", domain.JobFailed, "boom"))
	// Returned after the budget instead of hanging forever.
	assert.Less(t, time.Since(start), time.Second)
}

func TestHub_ItemResultDisplacesBufferedProgress(t *testing.T) {
	h := NewHub(WithQueueSize(2))
	ch, cancel := h.Subscribe("job-1")
	defer cancel()

	h.Dispatch(domain.NewProgressEvent("job-1", domain.JobCounters{Total: 3, Processed: 1}))
	h.Dispatch(domain.NewProgressEvent("job-1", domain.JobCounters{Total: 3, Processed: 2}))
	h.Dispatch(domain.NewPosterCompletedEvent("job-1", domain.ItemOutcome{ItemID: "item-0001", Success: true}))

	// The oldest progress tick was shed to make room; the newer tick and
	// the item result arrive in order without blocking.
	first := <-ch
	require.Equal(t, domain.EventProgress, first.Name)
	assert.Equal(t, 2, first.Payload["processed"])
	second := <-ch
	assert.Equal(t, domain.EventPosterCompleted, second.Name)
	assert.Equal(t, "item-0001", second.Payload["item_id"])
}

func TestHub_ItemResultsSurviveOverflow(t *testing.T) {
	h := NewHub(WithQueueSize(2))
	ch, cancel := h.Subscribe("job-1")
	defer cancel()

	h.Dispatch(domain.NewPosterCompletedEvent("job-1", domain.ItemOutcome{ItemID: "item-0001", Success: true}))
	h.Dispatch(domain.NewPosterCompletedEvent("job-1", domain.ItemOutcome{
		ItemID: "item-0002", Success: false, Kind: domain.FailureUpload, Error: "bucket write denied",
	}))
	// Nothing buffered is sheddable, so the progress tick itself drops.
	h.Dispatch(domain.NewProgressEvent("job-1", domain.JobCounters{Total: 2, Processed: 2}))

	assert.Equal(t, "item-0001", (<-ch).Payload["item_id"])
	assert.Equal(t, "item-0002", (<-ch).Payload["item_id"])
	select {
	case ev := <-ch:
		t.Fatalf("event %s survived a full queue of item results", ev.Name)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_LogEventBlocksInsteadOfShedding(t *testing.T) {
	h := NewHub(WithQueueSize(1), WithBlockBudget(500*time.Millisecond))
	ch, cancel := h.Subscribe("job-1")
	defer cancel()

	h.Dispatch(domain.NewLogEvent("job-1", domain.LogInfo, "first"))
	go func() {
		time.Sleep(50 * time.Millisecond)
		<-ch
	}()

	done := make(chan struct{})
	go func() {
		h.Dispatch(domain.NewLogEvent("job-1", domain.LogInfo, "second"))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("log dispatch did not unblock")
	}
	select {
	case ev := <-ch:
		assert.Equal(t, domain.EventLog, ev.Name)
		assert.Equal(t, "second", ev.Payload["message"])
	case <-time.After(time.Second):
		t.Fatal("log event never arrived")
	}
}
