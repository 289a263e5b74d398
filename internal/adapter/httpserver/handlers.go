package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/posterforge/internal/config"
	"github.com/fairyhunter13/posterforge/internal/domain"
	"github.com/fairyhunter13/posterforge/internal/usecase"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg        config.Config
	Dispatch   usecase.DispatchService
	Status     usecase.StatusService
	Events     domain.EventSubscriber
	DBCheck    func(ctx context.Context) error
	RedisCheck func(ctx context.Context) error
	KafkaCheck func(ctx context.Context) error
}

// NewServer constructs an HTTP server with all handlers and checks wired.
func NewServer(cfg config.Config, dispatch usecase.DispatchService, status usecase.StatusService, events domain.EventSubscriber, dbCheck, redisCheck, kafkaCheck func(context.Context) error) *Server {
	return &Server{Cfg: cfg, Dispatch: dispatch, Status: status, Events: events, DBCheck: dbCheck, RedisCheck: redisCheck, KafkaCheck: kafkaCheck}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// decodeJSON caps the body, decodes into v, and runs struct validation.
// Validation failures come back as a field->tag map for the error details.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) (map[string]string, error) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1MB
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return nil, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument)
	}
	if err := getValidator().Struct(v); err != nil {
		verrs := map[string]string{}
		if ve, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range ve {
				verrs[strings.ToLower(fe.Field())] = fe.Tag()
			}
		}
		return verrs, fmt.Errorf("%w: validation failed", domain.ErrInvalidArgument)
	}
	return nil, nil
}

// acceptsJSON enforces Accept negotiation: only JSON responses are supported.
func acceptsJSON(w http.ResponseWriter, r *http.Request) bool {
	a := r.Header.Get("Accept")
	if a == "" || a == "*/*" || strings.Contains(a, "application/json") {
		return true
	}
	writeJSON(w, http.StatusNotAcceptable, errorEnvelope{Error: apiError{
		Code:    "INVALID_ARGUMENT",
		Message: "not acceptable",
		Details: map[string]any{"accept": a},
	}})
	return false
}

type submissionFields struct {
	CampaignName string         `json:"campaign_name" validate:"max=200"`
	Template     string         `json:"template" validate:"required"`
	PosterSize   string         `json:"poster_size" validate:"max=50"`
	Width        int            `json:"width" validate:"min=0,max=10000"`
	Height       int            `json:"height" validate:"min=0,max=10000"`
	SkipOverlays bool           `json:"skip_overlays"`
	Metadata     map[string]any `json:"metadata"`
}

func (f submissionFields) toSubmission() usecase.Submission {
	return usecase.Submission{
		CampaignName: f.CampaignName,
		Template:     f.Template,
		PosterSize:   f.PosterSize,
		CustomDims:   domain.Dimensions{Width: f.Width, Height: f.Height},
		SkipOverlays: f.SkipOverlays,
		Metadata:     f.Metadata,
	}
}

// SubmitByIdentifierHandler creates a job from a free-form identifier blob.
func (s *Server) SubmitByIdentifierHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !acceptsJSON(w, r) {
			return
		}
		var req struct {
			submissionFields
			Identifiers string `json:"identifiers" validate:"required"`
		}
		if details, err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, err, details)
			return
		}
		receipt, err := s.Dispatch.SubmitByIdentifier(r.Context(), req.toSubmission(), req.Identifiers)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusAccepted, receipt)
	}
}

// SubmitByRowHandler creates a job with one item per submitted data row.
func (s *Server) SubmitByRowHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !acceptsJSON(w, r) {
			return
		}
		var req struct {
			submissionFields
			Rows []domain.Row `json:"rows" validate:"required,min=1"`
		}
		if details, err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, err, details)
			return
		}
		receipt, err := s.Dispatch.SubmitByRow(r.Context(), req.toSubmission(), req.Rows)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusAccepted, receipt)
	}
}

// SubmitTemplateHandler creates a single-item job rendering the template
// with the submission metadata.
func (s *Server) SubmitTemplateHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !acceptsJSON(w, r) {
			return
		}
		var req submissionFields
		if details, err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, err, details)
			return
		}
		receipt, err := s.Dispatch.SubmitTemplateGeneration(r.Context(), req.toSubmission())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusAccepted, receipt)
	}
}

// SubmitExportHandler creates a job that pushes finished artifacts to the
// downstream sink.
func (s *Server) SubmitExportHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !acceptsJSON(w, r) {
			return
		}
		var req struct {
			CampaignName string              `json:"campaign_name" validate:"required,max=200"`
			Items        []domain.ExportItem `json:"items" validate:"required,min=1"`
		}
		if details, err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, err, details)
			return
		}
		receipt, err := s.Dispatch.SubmitExport(r.Context(), usecase.Submission{CampaignName: req.CampaignName}, req.Items)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusAccepted, receipt)
	}
}

// CancelHandler moves a live job to cancelled. Cancelling an already
// terminal job is reported as success.
func (s *Server) CancelHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobIDFromRequest(w, r)
		if !ok {
			return
		}
		res, err := s.Dispatch.Cancel(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		body := map[string]any{"success": true, "job_id": res.JobID, "state": res.State}
		if res.AlreadyTerminal {
			body["message"] = "already terminal"
		}
		writeJSON(w, http.StatusOK, body)
	}
}

// StatusHandler returns the lifecycle snapshot of a job.
func (s *Server) StatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobIDFromRequest(w, r)
		if !ok {
			return
		}
		st, err := s.Status.Status(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

// ResultsHandler returns the job snapshot with per-item outcomes and
// failure details.
func (s *Server) ResultsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobIDFromRequest(w, r)
		if !ok {
			return
		}
		res, err := s.Status.Results(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// FailuresHandler returns only the recorded failure details of a job.
func (s *Server) FailuresHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobIDFromRequest(w, r)
		if !ok {
			return
		}
		failures, err := s.Status.FailureList(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"job_id": id, "failures": failures})
	}
}

// LogsHandler returns the persisted audit log of a job.
func (s *Server) LogsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobIDFromRequest(w, r)
		if !ok {
			return
		}
		level := domain.LogLevel(strings.ToUpper(r.URL.Query().Get("level")))
		limit := parseIntDefault(r.URL.Query().Get("limit"), 200)
		entries, err := s.Status.Logs(r.Context(), id, level, limit)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"job_id": id, "logs": entries})
	}
}

// ListJobsHandler returns recent jobs, optionally filtered by state.
func (s *Server) ListJobsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		state := r.URL.Query().Get("state")
		if vr := ValidateState(state); !vr.Valid {
			writeError(w, r, fmt.Errorf("%w: invalid state filter", domain.ErrInvalidArgument), vr.Errors)
			return
		}
		limit := parseIntDefault(r.URL.Query().Get("limit"), 50)
		if limit > 200 {
			limit = 200
		}
		offset := parseIntDefault(r.URL.Query().Get("offset"), 0)
		jobs, err := s.Status.List(r.Context(), domain.JobState(state), limit, offset)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "limit": limit, "offset": offset})
	}
}

// ReadyzHandler probes Postgres, Redis and the Kafka bus.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := make([]check, 0, 3)
		run := func(name string, fn func(context.Context) error) {
			if fn == nil {
				return
			}
			if err := fn(ctx); err != nil {
				checks = append(checks, check{Name: name, OK: false, Details: err.Error()})
				return
			}
			checks = append(checks, check{Name: name, OK: true})
		}
		run("db", s.DBCheck)
		run("redis", s.RedisCheck)
		run("kafka", s.KafkaCheck)
		ok := true
		for _, c := range checks {
			if !c.OK {
				ok = false
				break
			}
		}
		st := http.StatusOK
		if !ok {
			st = http.StatusServiceUnavailable
		}
		writeJSON(w, st, map[string]any{"checks": checks})
	}
}

func jobIDFromRequest(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if vr := ValidateJobID(id); !vr.Valid {
		writeError(w, r, fmt.Errorf("%w: invalid job id", domain.ErrInvalidArgument), vr.Errors)
		return "", false
	}
	return id, true
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return def
	}
	return n
}
