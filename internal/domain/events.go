package domain

import "time"

// EventName is the closed set of live event types emitted over SSE.
type EventName string

const (
	EventConnected       EventName = "connected"
	EventStatus          EventName = "status"
	EventProgress        EventName = "progress"
	EventPosterCompleted EventName = "poster_completed"
	EventJobCompleted    EventName = "job_completed"
	EventJobFailed       EventName = "job_failed"
	EventLog             EventName = "log"
	EventHeartbeat       EventName = "heartbeat"
)

// Critical reports whether a delivery stall should block rather than drop.
// Terminal notifications must reach subscribers; progress ticks may be
// coalesced or shed under backpressure.
func (n EventName) Critical() bool {
	return n == EventJobCompleted || n == EventJobFailed
}

// Sheddable reports whether an event may be dropped under backpressure.
// Progress ticks and keepalives are superseded by the next one; per-item
// results, log lines and terminal notifications are not.
func (n EventName) Sheddable() bool {
	switch n {
	case EventProgress, EventHeartbeat, EventStatus, EventConnected:
		return true
	default:
		return false
	}
}

// Event is one live notification about a job, fanned out to every SSE
// subscriber of that job across all processes.
type Event struct {
	Name      EventName      `json:"event"`
	JobID     string         `json:"job_id"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// EventPublisher pushes events toward subscribers, local and remote.
type EventPublisher interface {
	Publish(ctx Context, ev Event) error
}

// EventSubscriber registers interest in one job's event stream. The
// returned channel is bounded; Unsubscribe must be called exactly once.
type EventSubscriber interface {
	Subscribe(jobID string) (<-chan Event, func())
}

// NewStatusEvent reports a job state change.
func NewStatusEvent(jobID string, state JobState, message string) Event {
	return Event{
		Name:  EventStatus,
		JobID: jobID,
		Payload: map[string]any{
			"state":   string(state),
			"message": message,
		},
		Timestamp: time.Now().UTC(),
	}
}

// NewProgressEvent reports counter movement after an item closes.
func NewProgressEvent(jobID string, c JobCounters) Event {
	pct := 0.0
	if c.Total > 0 {
		pct = float64(c.Processed) / float64(c.Total) * 100
	}
	return Event{
		Name:  EventProgress,
		JobID: jobID,
		Payload: map[string]any{
			"total":     c.Total,
			"processed": c.Processed,
			"success":   c.Success,
			"failure":   c.Failure,
			"percent":   pct,
		},
		Timestamp: time.Now().UTC(),
	}
}

// NewPosterCompletedEvent announces one terminal item, success or not.
func NewPosterCompletedEvent(jobID string, out ItemOutcome) Event {
	payload := map[string]any{
		"item_id":       out.ItemID,
		"identifier":    out.Identifier,
		"username":      out.Username,
		"success":       out.Success,
		"processing_ms": out.ProcessingMS,
	}
	if out.Success {
		payload["artifact_url"] = out.ArtifactURL
	} else {
		payload["failure_kind"] = string(out.Kind)
		payload["error"] = out.Error
	}
	return Event{
		Name:      EventPosterCompleted,
		JobID:     jobID,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// NewJobCompletedEvent announces natural drain of all items.
func NewJobCompletedEvent(jobID string, c JobCounters) Event {
	return Event{
		Name:  EventJobCompleted,
		JobID: jobID,
		Payload: map[string]any{
			"total":     c.Total,
			"processed": c.Processed,
			"success":   c.Success,
			"failure":   c.Failure,
		},
		Timestamp: time.Now().UTC(),
	}
}

// NewJobFailedEvent announces a job-level failure or cancellation.
func NewJobFailedEvent(jobID string, state JobState, errMsg string) Event {
	return Event{
		Name:  EventJobFailed,
		JobID: jobID,
		Payload: map[string]any{
			"state": string(state),
			"error": errMsg,
		},
		Timestamp: time.Now().UTC(),
	}
}

// NewLogEvent mirrors a persisted log line onto the live stream.
func NewLogEvent(jobID string, level LogLevel, message string) Event {
	return Event{
		Name:  EventLog,
		JobID: jobID,
		Payload: map[string]any{
			"level":   string(level),
			"message": message,
		},
		Timestamp: time.Now().UTC(),
	}
}

// NewHeartbeatEvent keeps idle SSE connections alive through proxies.
func NewHeartbeatEvent(jobID string) Event {
	return Event{
		Name:      EventHeartbeat,
		JobID:     jobID,
		Timestamp: time.Now().UTC(),
	}
}
