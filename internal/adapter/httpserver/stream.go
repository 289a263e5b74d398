package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/fairyhunter13/posterforge/internal/domain"
	"github.com/fairyhunter13/posterforge/internal/usecase"
)

// StreamHandler serves the live SSE event stream of one job.
//
// The subscription is registered before the status snapshot is read, so
// an event landing in between is duplicated rather than lost. The stream
// opens with `connected` and a `status` snapshot, forwards hub events
// verbatim, and closes after a terminal event. On idle the store is
// consulted: a terminal job gets a synthesized terminal event, a live one
// a heartbeat.
func (s *Server) StreamHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobIDFromRequest(w, r)
		if !ok {
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, r, fmt.Errorf("%w: streaming unsupported", domain.ErrInternal), nil)
			return
		}

		events, unsubscribe := s.Events.Subscribe(id)
		defer unsubscribe()

		st, err := s.Status.Status(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)

		writeSSE(w, domain.Event{Name: domain.EventConnected, JobID: id, Timestamp: time.Now().UTC()})
		writeSSE(w, statusSnapshotEvent(st))
		if terminal := synthesizeTerminal(st); terminal != nil {
			writeSSE(w, *terminal)
			flusher.Flush()
			return
		}
		flusher.Flush()

		heartbeat := s.Cfg.SSEHeartbeat
		if heartbeat <= 0 {
			heartbeat = 5 * time.Second
		}
		idle := time.NewTimer(heartbeat)
		defer idle.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case ev, open := <-events:
				if !open {
					return
				}
				writeSSE(w, ev)
				flusher.Flush()
				if ev.Name.Critical() {
					return
				}
				resetTimer(idle, heartbeat)
			case <-idle.C:
				// The hub went quiet; the job may have finished on another
				// process before we subscribed, or the worker may be between
				// batches. Consult the store before deciding.
				st, err := s.Status.Status(r.Context(), id)
				if err == nil {
					if terminal := synthesizeTerminal(st); terminal != nil {
						writeSSE(w, statusSnapshotEvent(st))
						writeSSE(w, *terminal)
						flusher.Flush()
						return
					}
				}
				writeSSE(w, domain.NewHeartbeatEvent(id))
				flusher.Flush()
				idle.Reset(heartbeat)
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, ev domain.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Name, data)
}

func statusSnapshotEvent(st usecase.JobStatus) domain.Event {
	return domain.Event{
		Name:  domain.EventStatus,
		JobID: st.JobID,
		Payload: map[string]any{
			"state":     st.State,
			"total":     st.Total,
			"processed": st.Processed,
			"success":   st.Success,
			"failure":   st.Failure,
			"percent":   st.Percent,
		},
		Timestamp: time.Now().UTC(),
	}
}

// synthesizeTerminal builds the terminal event a late subscriber missed,
// or nil for a live job.
func synthesizeTerminal(st usecase.JobStatus) *domain.Event {
	switch domain.JobState(st.State) {
	case domain.JobCompleted:
		ev := domain.NewJobCompletedEvent(st.JobID, domain.JobCounters{
			Total: st.Total, Processed: st.Processed, Success: st.Success, Failure: st.Failure,
		})
		return &ev
	case domain.JobFailed, domain.JobCancelled:
		ev := domain.NewJobFailedEvent(st.JobID, domain.JobState(st.State), st.Error)
		return &ev
	}
	return nil
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
