// Package events fans job events out to SSE subscribers. A local hub
// handles in-process delivery; the Redis bus federates events across
// processes so a subscriber on one instance sees work done on another.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/posterforge/internal/adapter/observability"
	"github.com/fairyhunter13/posterforge/internal/domain"
)

const (
	defaultQueueSize   = 64
	defaultBlockBudget = 2 * time.Second
)

type subscription struct {
	jobID string
	ch    chan domain.Event
	once  sync.Once
}

// Hub is the in-process fan-out: job id to its live subscriptions.
// Publishes never hold the lock across channel sends.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[*subscription]struct{}

	queueSize   int
	blockBudget time.Duration
}

// HubOption tweaks hub tunables.
type HubOption func(*Hub)

// WithQueueSize sets the per-subscription buffer.
func WithQueueSize(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.queueSize = n
		}
	}
}

// WithBlockBudget sets how long an unsheddable event may block a slow
// subscriber before being dropped.
func WithBlockBudget(d time.Duration) HubOption {
	return func(h *Hub) { h.blockBudget = d }
}

// NewHub constructs a Hub with production defaults.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		subs:        map[string]map[*subscription]struct{}{},
		queueSize:   defaultQueueSize,
		blockBudget: defaultBlockBudget,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribe registers a listener for one job's events. The cancel func is
// idempotent and must be called when the client goes away.
func (h *Hub) Subscribe(jobID string) (<-chan domain.Event, func()) {
	s := &subscription{jobID: jobID, ch: make(chan domain.Event, h.queueSize)}

	h.mu.Lock()
	set, ok := h.subs[jobID]
	if !ok {
		set = map[*subscription]struct{}{}
		h.subs[jobID] = set
	}
	set[s] = struct{}{}
	h.mu.Unlock()
	observability.SSESubscribers.Inc()

	cancel := func() {
		s.once.Do(func() {
			h.mu.Lock()
			if set, ok := h.subs[jobID]; ok {
				delete(set, s)
				if len(set) == 0 {
					delete(h.subs, jobID)
				}
			}
			h.mu.Unlock()
			close(s.ch)
			observability.SSESubscribers.Dec()
		})
	}
	return s.ch, cancel
}

// Dispatch delivers one event to every local subscriber of its job.
// Slow subscribers shed progress-style events; per-item results, log
// lines and terminal events block up to the budget before being dropped.
func (h *Hub) Dispatch(ev domain.Event) {
	h.mu.Lock()
	set := h.subs[ev.JobID]
	targets := make([]*subscription, 0, len(set))
	for s := range set {
		targets = append(targets, s)
	}
	h.mu.Unlock()

	for _, s := range targets {
		h.deliver(s, ev)
	}
}

func (h *Hub) deliver(s *subscription, ev domain.Event) {
	defer func() {
		// The subscription may close concurrently with delivery.
		if recover() != nil {
			return
		}
	}()

	select {
	case s.ch <- ev:
		return
	default:
	}

	// Full queue: coalesce by shedding the oldest sheddable buffered event.
	h.shedOne(s)
	select {
	case s.ch <- ev:
		return
	default:
	}

	if ev.Name.Sheddable() {
		// Progress-style events are superseded by the next one anyway.
		observability.SSEEventsDroppedTotal.WithLabelValues(string(ev.Name)).Inc()
		return
	}

	timer := time.NewTimer(h.blockBudget)
	defer timer.Stop()
	select {
	case s.ch <- ev:
	case <-timer.C:
		slog.Warn("dropping event for stalled subscriber",
			slog.String("job_id", ev.JobID),
			slog.String("event", string(ev.Name)))
		observability.SSEEventsDroppedTotal.WithLabelValues(string(ev.Name)).Inc()
	}
}

// shedOne drops the oldest sheddable event buffered on s, requeueing the
// rest in their original order. Per-item results, log lines and terminal
// events are never shed.
func (h *Hub) shedOne(s *subscription) {
	kept := make([]domain.Event, 0, cap(s.ch))
	shed := false
	for {
		select {
		case buffered := <-s.ch:
			if !shed && buffered.Name.Sheddable() {
				shed = true
				observability.SSEEventsDroppedTotal.WithLabelValues(string(buffered.Name)).Inc()
				continue
			}
			kept = append(kept, buffered)
		default:
			for _, ev := range kept {
				s.ch <- ev
			}
			return
		}
	}
}

// Subscribers reports the live subscription count for a job.
func (h *Hub) Subscribers(jobID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[jobID])
}
