package shared

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/fairyhunter13/posterforge/internal/adapter/observability"
	"github.com/fairyhunter13/posterforge/internal/domain"
	"github.com/fairyhunter13/posterforge/internal/imaging"
	obsctx "github.com/fairyhunter13/posterforge/internal/observability"
	"github.com/fairyhunter13/posterforge/internal/template"
)

// Deps bundles everything the envelope handler needs.
type Deps struct {
	Jobs     domain.JobRepository
	Items    domain.ItemRepository
	Failures domain.FailureRepository
	Logs     domain.LogRepository
	Queue    domain.Queue
	Events   domain.EventPublisher
	Raster   domain.Rasterizer
	Blobs    domain.BlobStore
	Profiles domain.ProfileService
	Sink     domain.SinkClient
	Overlays *imaging.Compositor
}

// Handler runs one job envelope end to end: expand items, fan out the
// per-item pipeline in bounded batches, close each item, and finalize the
// job when the last item drains.
type Handler struct {
	deps Deps

	batchSize     int
	batchPause    time.Duration
	rasterTimeout time.Duration
	sinkBatchSize int
	sinkSpacing   time.Duration
	retry         domain.RetryPolicy
}

// Option tweaks handler tunables.
type Option func(*Handler)

// WithBatchSize bounds how many items render concurrently.
func WithBatchSize(n int) Option {
	return func(h *Handler) {
		if n > 0 {
			h.batchSize = n
		}
	}
}

// WithBatchPause sets the pause between item batches.
func WithBatchPause(d time.Duration) Option {
	return func(h *Handler) { h.batchPause = d }
}

// WithRasterTimeout sets the per-item rendering deadline.
func WithRasterTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.rasterTimeout = d
		}
	}
}

// WithSinkBatch sets the export batch size and inter-item spacing.
func WithSinkBatch(size int, spacing time.Duration) Option {
	return func(h *Handler) {
		if size > 0 {
			h.sinkBatchSize = size
		}
		h.sinkSpacing = spacing
	}
}

// WithRetryPolicy sets the backoff policy for retryable side calls.
func WithRetryPolicy(p domain.RetryPolicy) Option {
	return func(h *Handler) { h.retry = p }
}

// NewHandler constructs a Handler with defaults matching production tuning.
func NewHandler(deps Deps, opts ...Option) *Handler {
	h := &Handler{
		deps:          deps,
		batchSize:     8,
		batchPause:    500 * time.Millisecond,
		rasterTimeout: 60 * time.Second,
		sinkBatchSize: 10,
		sinkSpacing:   100 * time.Millisecond,
		retry:         domain.DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// workUnit is one expanded item before the pipeline runs.
type workUnit struct {
	itemID     string
	identifier string
	username   string
	userID     *int64
	data       map[string]any
}

// jobRun carries per-envelope state across the batch loop.
type jobRun struct {
	spec      domain.JobSpec
	tmpl      string
	cancelled atomic.Bool

	// Serializes event publication so subscribers observe processed
	// counts in increasing order even though items close concurrently.
	pubMu     sync.Mutex
	published int
}

// HandleEnvelope processes one job envelope. Returning nil acks the
// envelope; redelivery of a terminal job is a silent ack.
func (h *Handler) HandleEnvelope(ctx domain.Context, spec domain.JobSpec) error {
	tracer := otel.Tracer("queue.handler")
	ctx, span := tracer.Start(ctx, "HandleEnvelope")
	defer span.End()

	lg := obsctx.LoggerFromContext(ctx)

	job, err := h.deps.Jobs.Get(ctx, spec.JobID)
	if err != nil {
		return fmt.Errorf("op=handler.envelope: load job: %w", err)
	}
	if job.State.Terminal() {
		lg.Info("job already terminal, acking envelope", slog.String("state", string(job.State)))
		return nil
	}

	if job.State == domain.JobQueued || job.State == domain.JobPending {
		from := job.State
		if err := h.deps.Jobs.Transition(ctx, spec.JobID, from, domain.JobProcessing, ""); err != nil {
			if errors.Is(err, domain.ErrStateMismatch) {
				// Lost the race; re-read and decide.
				job, err = h.deps.Jobs.Get(ctx, spec.JobID)
				if err != nil {
					return fmt.Errorf("op=handler.envelope: reload job: %w", err)
				}
				if job.State.Terminal() {
					return nil
				}
			} else {
				return fmt.Errorf("op=handler.envelope: start processing: %w", err)
			}
		}
	}
	observability.StartProcessingJob(string(spec.Kind))
	starting := domain.NewProgressEvent(spec.JobID, domain.JobCounters{Total: spec.ItemCount()})
	starting.Payload["message"] = "starting"
	h.publishEvent(ctx, starting)
	h.appendLog(ctx, spec.JobID, domain.LogInfo, "processing started", map[string]any{"kind": string(spec.Kind), "items": spec.ItemCount()})

	if spec.Kind == domain.JobKindExport {
		return h.handleExport(ctx, spec)
	}

	units, err := expandItems(spec)
	if err != nil {
		h.failJob(ctx, spec, fmt.Sprintf("envelope expansion failed: %v", err))
		return fmt.Errorf("op=handler.envelope: expand: %w", err)
	}

	run := &jobRun{spec: spec, tmpl: template.Normalize(spec.Template)}

	// Redelivered envelopes resume: items already closed are skipped.
	done, err := h.terminalItems(ctx, spec.JobID)
	if err != nil {
		return fmt.Errorf("op=handler.envelope: list items: %w", err)
	}

	for start := 0; start < len(units); start += h.batchSize {
		if h.observeCancel(ctx, run) {
			lg.Info("cancel observed, stopping batch scheduling")
			return nil
		}

		end := start + h.batchSize
		if end > len(units) {
			end = len(units)
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(h.batchSize)
		for _, u := range units[start:end] {
			if done[u.itemID] {
				continue
			}
			u := u
			g.Go(func() error {
				h.processItem(gctx, run, u)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return fmt.Errorf("op=handler.envelope: batch: %w", err)
		}

		if end < len(units) && h.batchPause > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(h.batchPause):
			}
		}
	}

	return h.finalize(ctx, run)
}

// processItem runs the full per-item pipeline and closes the item. Item
// failures never propagate; they are recorded and counted.
func (h *Handler) processItem(ctx context.Context, run *jobRun, u workUnit) {
	start := time.Now()
	lg := obsctx.LoggerFromContext(ctx).With(slog.String("item_id", u.itemID), slog.String("identifier", u.identifier))

	if err := h.deps.Items.Upsert(ctx, domain.WorkItem{
		ID:         u.itemID,
		JobID:      run.spec.JobID,
		Identifier: u.identifier,
		Username:   u.username,
		Status:     domain.ItemProcessing,
	}); err != nil {
		lg.Error("failed to upsert item", slog.Any("error", err))
	}

	data, username, err := h.resolveData(ctx, run.spec, u)
	if err != nil {
		lg.Warn("profile resolution failed", slog.Any("error", err))
		h.closeItem(ctx, run, domain.ItemOutcome{
			ItemID:       u.itemID,
			Identifier:   u.identifier,
			Username:     u.username,
			Kind:         domain.FailureProfileFetch,
			Error:        err.Error(),
			ProcessingMS: time.Since(start).Milliseconds(),
		})
		return
	}

	html := template.Fill(run.tmpl, data)

	renderCtx, cancel := context.WithTimeout(ctx, h.rasterTimeout)
	png, err := h.deps.Raster.RenderPNG(renderCtx, html, run.spec.Dims, run.spec.Scale)
	cancel()
	if err != nil {
		kind := Classify(err)
		if kind != domain.FailureTimeout {
			kind = domain.FailureHTMLConversion
		}
		lg.Warn("rasterization failed", slog.Any("error", err))
		h.closeItem(ctx, run, domain.ItemOutcome{
			ItemID:       u.itemID,
			Identifier:   u.identifier,
			Username:     username,
			Kind:         kind,
			Error:        err.Error(),
			ProcessingMS: time.Since(start).Milliseconds(),
		})
		return
	}

	if !run.spec.SkipOverlays && h.deps.Overlays != nil {
		profileSrc, _ := data["profile_pic"].(string)
		stamped, err := h.deps.Overlays.Apply(ctx, png, run.spec.LogoURL, profileSrc)
		if err != nil {
			// Overlay failures are cosmetic; ship the base render.
			lg.Warn("overlay composition failed, using base render", slog.Any("error", err))
		} else {
			png = stamped
		}
	}

	key := fmt.Sprintf("jobs/%s/%s_%d.png", run.spec.JobID, u.identifier, time.Now().UnixMilli())
	url, err := h.deps.Blobs.Put(ctx, key, png, "image/png")
	if err != nil {
		lg.Error("artifact upload failed", slog.Any("error", err))
		h.closeItem(ctx, run, domain.ItemOutcome{
			ItemID:       u.itemID,
			Identifier:   u.identifier,
			Username:     username,
			Kind:         domain.FailureUpload,
			Error:        err.Error(),
			ProcessingMS: time.Since(start).Milliseconds(),
		})
		return
	}

	h.closeItem(ctx, run, domain.ItemOutcome{
		ItemID:       u.itemID,
		Identifier:   u.identifier,
		Username:     username,
		Success:      true,
		ArtifactURL:  url,
		ArtifactKey:  key,
		ProcessingMS: time.Since(start).Milliseconds(),
	})
}

// resolveData builds the template data map for one item. Identifier jobs
// resolve a profile; row and template jobs already carry their data.
func (h *Handler) resolveData(ctx context.Context, spec domain.JobSpec, u workUnit) (map[string]any, string, error) {
	if u.data != nil {
		return u.data, u.username, nil
	}

	var p domain.Profile
	// Transient upstream hiccups are retried; a missing profile is final.
	err := h.withRetry(ctx, func() error {
		var ferr error
		if u.userID != nil {
			p, ferr = h.deps.Profiles.FetchByUserID(ctx, *u.userID)
		} else {
			p, ferr = h.deps.Profiles.FetchByUsername(ctx, u.username)
		}
		if errors.Is(ferr, domain.ErrNotFound) || errors.Is(ferr, domain.ErrInvalidArgument) {
			return backoff.Permanent(ferr)
		}
		return ferr
	})
	if err != nil {
		return nil, u.username, err
	}

	data := make(map[string]any, len(spec.Metadata)+6)
	for k, v := range spec.Metadata {
		data[k] = v
	}
	for k, v := range p.Extra {
		data[k] = v
	}
	data["name"] = p.DisplayName
	data["display_name"] = p.DisplayName
	data["username"] = p.Username
	data["user_id"] = p.UserID
	data["profile_pic"] = p.ProfilePic
	data["bio"] = p.Bio
	return data, p.Username, nil
}

// closeItem persists the terminal outcome and emits the per-item events.
// A duplicate close (bus redelivery) is swallowed.
func (h *Handler) closeItem(ctx context.Context, run *jobRun, out domain.ItemOutcome) {
	lg := obsctx.LoggerFromContext(ctx)

	counters, err := h.deps.Items.Close(ctx, run.spec.JobID, out)
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			lg.Info("item already closed, skipping", slog.String("item_id", out.ItemID))
			return
		}
		lg.Error("failed to close item", slog.String("item_id", out.ItemID), slog.Any("error", err))
		return
	}

	observability.ObserveItem(out.Success, string(out.Kind), time.Duration(out.ProcessingMS)*time.Millisecond)

	if !out.Success {
		if err := h.deps.Failures.Record(ctx, domain.FailureRecord{
			JobID:      run.spec.JobID,
			ItemID:     out.ItemID,
			Identifier: out.Identifier,
			Kind:       out.Kind,
			Message:    out.Error,
		}); err != nil {
			lg.Error("failed to record failure", slog.Any("error", err))
		}
		h.appendLog(ctx, run.spec.JobID, domain.LogError,
			fmt.Sprintf("item %s failed: %s", out.Identifier, out.Error),
			map[string]any{"item_id": out.ItemID, "kind": string(out.Kind)})
	} else {
		h.appendLog(ctx, run.spec.JobID, domain.LogSuccess,
			fmt.Sprintf("poster ready for %s", out.Identifier),
			map[string]any{"item_id": out.ItemID, "artifact_url": out.ArtifactURL})
	}

	// Events after an observed cancel are suppressed; the stream has
	// already seen its terminal notification.
	if run.cancelled.Load() {
		return
	}

	if counters.Total == 0 {
		counters.Total = run.spec.ItemCount()
	}
	// The counters came out of the close transaction; publish under the
	// run lock so a slower goroutine cannot emit a stale count after a
	// newer one went out.
	run.pubMu.Lock()
	defer run.pubMu.Unlock()
	if counters.Processed > run.published {
		run.published = counters.Processed
		h.publishEvent(ctx, domain.NewProgressEvent(run.spec.JobID, counters))
	}
	h.publishEvent(ctx, domain.NewPosterCompletedEvent(run.spec.JobID, out))
}

// finalize drains the job to its terminal state. A fully processed job
// completes even when every item failed; per-item failures are data, not
// job errors.
func (h *Handler) finalize(ctx context.Context, run *jobRun) error {
	lg := obsctx.LoggerFromContext(ctx)

	job, err := h.deps.Jobs.Get(ctx, run.spec.JobID)
	if err != nil {
		return fmt.Errorf("op=handler.finalize: reload job: %w", err)
	}
	if job.State.Terminal() {
		return nil
	}

	// Summarize from the item rows; they are the ground truth the job
	// counters approximate.
	counters, err := h.deps.Items.Stats(ctx, run.spec.JobID)
	if err != nil || counters.Total == 0 {
		counters = domain.JobCounters{Total: job.Total, Processed: job.Processed, Success: job.Success, Failure: job.Failure}
	}

	if err := h.deps.Jobs.Transition(ctx, run.spec.JobID, domain.JobProcessing, domain.JobCompleted, ""); err != nil {
		if errors.Is(err, domain.ErrStateMismatch) {
			// A concurrent cancel won the race.
			return nil
		}
		return fmt.Errorf("op=handler.finalize: complete: %w", err)
	}
	observability.CompleteJob(string(run.spec.Kind))

	summary := map[string]any{
		"job_id":    run.spec.JobID,
		"kind":      string(run.spec.Kind),
		"total":     counters.Total,
		"processed": counters.Processed,
		"success":   counters.Success,
		"failure":   counters.Failure,
	}
	if err := h.deps.Queue.PublishResult(ctx, run.spec.JobID, summary); err != nil {
		lg.Error("failed to publish job summary", slog.Any("error", err))
	}
	h.publishEvent(ctx, domain.NewJobCompletedEvent(run.spec.JobID, counters))
	h.appendLog(ctx, run.spec.JobID, domain.LogInfo, "job completed",
		map[string]any{"success": counters.Success, "failure": counters.Failure})

	lg.Info("job completed",
		slog.Int("success", counters.Success),
		slog.Int("failure", counters.Failure))
	return nil
}

// failJob marks the job failed from whichever live state it is in and
// emits the terminal notifications.
func (h *Handler) failJob(ctx context.Context, spec domain.JobSpec, errMsg string) {
	lg := obsctx.LoggerFromContext(ctx)

	transitioned := false
	for _, from := range []domain.JobState{domain.JobProcessing, domain.JobQueued, domain.JobPending} {
		err := h.deps.Jobs.Transition(ctx, spec.JobID, from, domain.JobFailed, errMsg)
		if err == nil {
			transitioned = true
			break
		}
		if !errors.Is(err, domain.ErrStateMismatch) {
			lg.Error("failed to mark job failed", slog.Any("error", err))
			return
		}
	}
	if !transitioned {
		// Already terminal.
		return
	}
	observability.FailJob(string(spec.Kind))

	if err := h.deps.Queue.PublishError(ctx, spec.JobID, errMsg); err != nil {
		lg.Error("failed to publish job error", slog.Any("error", err))
	}
	h.publishEvent(ctx, domain.NewJobFailedEvent(spec.JobID, domain.JobFailed, errMsg))
	h.appendLog(ctx, spec.JobID, domain.LogError, errMsg, nil)
}

// observeCancel re-reads the job between batches and reports whether work
// should stop. Counters freeze where they are; queued batches never start.
func (h *Handler) observeCancel(ctx context.Context, run *jobRun) bool {
	job, err := h.deps.Jobs.Get(ctx, run.spec.JobID)
	if err != nil {
		obsctx.LoggerFromContext(ctx).Error("cancel check failed", slog.Any("error", err))
		return false
	}
	if job.State.Terminal() {
		run.cancelled.Store(true)
		return true
	}
	return false
}

// terminalItems returns the ids of items that already reached a terminal
// status, so a redelivered envelope does not redo them.
func (h *Handler) terminalItems(ctx context.Context, jobID string) (map[string]bool, error) {
	items, err := h.deps.Items.ListByJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	done := make(map[string]bool, len(items))
	for _, it := range items {
		if it.Status.Terminal() {
			done[it.ID] = true
		}
	}
	return done, nil
}

func (h *Handler) publishEvent(ctx context.Context, ev domain.Event) {
	if h.deps.Events == nil {
		return
	}
	if err := h.deps.Events.Publish(ctx, ev); err != nil {
		obsctx.LoggerFromContext(ctx).Error("failed to publish event",
			slog.String("event", string(ev.Name)), slog.Any("error", err))
	}
}

func (h *Handler) appendLog(ctx context.Context, jobID string, level domain.LogLevel, msg string, details map[string]any) {
	if h.deps.Logs == nil {
		return
	}
	if err := h.deps.Logs.Append(ctx, domain.LogEntry{JobID: jobID, Level: level, Message: msg, Details: details}); err != nil {
		obsctx.LoggerFromContext(ctx).Error("failed to append job log", slog.Any("error", err))
	}
	h.publishEvent(ctx, domain.NewLogEvent(jobID, level, msg))
}

// expandItems turns a job envelope into its per-item work units. Item ids
// are positional so redelivered envelopes expand identically.
func expandItems(spec domain.JobSpec) ([]workUnit, error) {
	switch spec.Kind {
	case domain.JobKindByIdentifier:
		units := make([]workUnit, 0, len(spec.Usernames)+len(spec.UserIDs))
		for _, name := range spec.Usernames {
			units = append(units, workUnit{identifier: name, username: name})
		}
		for _, id := range spec.UserIDs {
			id := id
			units = append(units, workUnit{identifier: strconv.FormatInt(id, 10), userID: &id})
		}
		if len(units) == 0 {
			return nil, fmt.Errorf("no identifiers in envelope")
		}
		number(units)
		return units, nil

	case domain.JobKindByRow:
		if len(spec.Rows) == 0 {
			return nil, fmt.Errorf("no rows in envelope")
		}
		units := make([]workUnit, 0, len(spec.Rows))
		for i, row := range spec.Rows {
			ident := rowIdentifier(row, i)
			units = append(units, workUnit{identifier: ident, username: ident, data: map[string]any(row)})
		}
		number(units)
		return units, nil

	case domain.JobKindByTemplate:
		data := spec.Metadata
		if data == nil {
			data = map[string]any{}
		}
		units := []workUnit{{identifier: "template", username: "template", data: data}}
		number(units)
		return units, nil

	default:
		return nil, fmt.Errorf("unsupported job kind %q", spec.Kind)
	}
}

func number(units []workUnit) {
	for i := range units {
		units[i].itemID = fmt.Sprintf("item-%04d", i+1)
	}
}

// rowIdentifier picks a human-readable identifier for a data row.
func rowIdentifier(row domain.Row, idx int) string {
	for _, key := range []string{"username", "name", "identifier", "id"} {
		if v, ok := row[key]; ok {
			if s := fmt.Sprint(v); s != "" && s != "<nil>" {
				return s
			}
		}
	}
	return fmt.Sprintf("row-%d", idx+1)
}
