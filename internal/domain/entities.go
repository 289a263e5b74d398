// Package domain holds the core entities and ports of the poster pipeline.
package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrStateMismatch   = errors.New("state mismatch")
	ErrRasterTimeout   = errors.New("raster timeout")
	ErrInternal        = errors.New("internal error")
)

// JobKind enumerates how a job's work-items are sourced.
type JobKind string

const (
	JobKindByIdentifier JobKind = "by_identifier"
	JobKindByRow        JobKind = "by_row"
	JobKindByTemplate   JobKind = "by_template_param"
	JobKindExport       JobKind = "export"
)

// JobState is the job lifecycle state machine.
// pending -> queued -> processing -> {completed, failed, cancelled}
type JobState string

const (
	JobPending    JobState = "pending"
	JobQueued     JobState = "queued"
	JobProcessing JobState = "processing"
	JobCompleted  JobState = "completed"
	JobFailed     JobState = "failed"
	JobCancelled  JobState = "cancelled"
)

// Terminal reports whether s admits no further transitions.
func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// ItemStatus is the per-work-item lifecycle.
type ItemStatus string

const (
	ItemPending    ItemStatus = "pending"
	ItemProcessing ItemStatus = "processing"
	ItemCompleted  ItemStatus = "completed"
	ItemFailed     ItemStatus = "failed"
)

// Terminal reports whether the item status admits no further transitions.
func (s ItemStatus) Terminal() bool { return s == ItemCompleted || s == ItemFailed }

// FailureKind classifies per-item and per-job failures.
type FailureKind string

const (
	FailureTimeout        FailureKind = "timeout"
	FailureHTMLConversion FailureKind = "html_conversion"
	FailureUpload         FailureKind = "upload"
	FailureProfileFetch   FailureKind = "profile_fetch"
	FailureMissingUserID  FailureKind = "missing_user_id"
	FailureWebhook        FailureKind = "webhook_failed"
	FailureStore          FailureKind = "store"
	FailureUnknown        FailureKind = "unknown"
)

// Dimensions is the poster pixel box.
type Dimensions struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Job is one campaign submission producing N artifacts.
// Invariants: Processed == Success + Failure after every update;
// Processed <= Total; once terminal, counters never change again.
type Job struct {
	ID           string
	Kind         JobKind
	CampaignName string
	State        JobState
	Total        int
	Processed    int
	Success      int
	Failure      int
	Template     string
	PosterSize   string
	Dims         Dimensions
	Error        string
	Metadata     map[string]any
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
	UpdatedAt    time.Time
}

// JobCounters is a read snapshot of a job's progress counters.
type JobCounters struct {
	Total     int
	Processed int
	Success   int
	Failure   int
}

// WorkItem is one artifact of a job with its own lifecycle.
type WorkItem struct {
	ID           string
	JobID        string
	Identifier   string
	Username     string
	DisplayName  string
	Status       ItemStatus
	ArtifactURL  string
	ArtifactKey  string
	ProcessingMS int64
	Error        string
	Metadata     map[string]any
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ItemOutcome is the terminal result of running the per-item pipeline.
type ItemOutcome struct {
	ItemID       string
	Identifier   string
	Username     string
	Success      bool
	ArtifactURL  string
	ArtifactKey  string
	ProcessingMS int64
	Kind         FailureKind
	Error        string
}

// FailureRecord is an append-only failure detail row.
type FailureRecord struct {
	JobID            string
	ItemID           string
	Identifier       string
	Kind             FailureKind
	Message          string
	Details          map[string]any
	TemplateSnapshot string
	CreatedAt        time.Time
}

// LogLevel mirrors the levels persisted per job.
type LogLevel string

const (
	LogDebug   LogLevel = "DEBUG"
	LogInfo    LogLevel = "INFO"
	LogWarning LogLevel = "WARNING"
	LogError   LogLevel = "ERROR"
	LogSuccess LogLevel = "SUCCESS"
)

// LogEntry is an append-only audit line attached to a job.
type LogEntry struct {
	JobID     string
	Level     LogLevel
	Message   string
	Details   map[string]any
	CreatedAt time.Time
}

// Row is one data record of a row-mode job.
type Row map[string]any

// ExportItem is one artifact push of an export (sink) job.
type ExportItem struct {
	Identifier  string `json:"identifier"`
	UserID      *int64 `json:"user_id"`
	ArtifactURL string `json:"artifact_url"`
}

// JobSpec is the self-contained payload published on the requests topic.
// One envelope per job; the worker expands it into per-item work.
type JobSpec struct {
	JobID        string         `json:"job_id"`
	Kind         JobKind        `json:"kind"`
	CampaignName string         `json:"campaign_name"`
	Template     string         `json:"template"`
	PosterSize   string         `json:"poster_size"`
	Dims         Dimensions     `json:"dims"`
	Scale        float64        `json:"scale,omitempty"`
	SkipOverlays bool           `json:"skip_overlays,omitempty"`
	LogoURL      string         `json:"logo_url,omitempty"`
	Usernames    []string       `json:"usernames,omitempty"`
	UserIDs      []int64        `json:"user_ids,omitempty"`
	Rows         []Row          `json:"rows,omitempty"`
	Exports      []ExportItem   `json:"exports,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// ItemCount returns how many work-items the spec expands into.
func (s JobSpec) ItemCount() int {
	switch s.Kind {
	case JobKindByRow:
		return len(s.Rows)
	case JobKindExport:
		return len(s.Exports)
	case JobKindByTemplate:
		return 1
	default:
		return len(s.Usernames) + len(s.UserIDs)
	}
}

// Profile is the external profile record resolved for an identifier.
type Profile struct {
	UserID      int64          `json:"user_id"`
	Username    string         `json:"username"`
	DisplayName string         `json:"display_name"`
	ProfilePic  string         `json:"profile_pic"`
	Bio         string         `json:"bio"`
	Extra       map[string]any `json:"extra,omitempty"`
}

// Repositories (ports)

// JobRepository is the durable source of truth for jobs.
type JobRepository interface {
	Create(ctx Context, j Job) error
	// Transition performs a CAS state change; returns ErrStateMismatch when
	// the current state differs from `from`.
	Transition(ctx Context, id string, from, to JobState, errMsg string) error
	// BumpCounters atomically increments progress counters.
	BumpCounters(ctx Context, id string, dProcessed, dSuccess, dFailure int) error
	Get(ctx Context, id string) (Job, error)
	List(ctx Context, state JobState, limit, offset int) ([]Job, error)
}

// ItemRepository persists per-item state keyed by (job_id, item_id).
type ItemRepository interface {
	Upsert(ctx Context, it WorkItem) error
	// Close marks the item terminal and bumps the parent job counters in one
	// transaction, returning the post-bump counters. Returns ErrConflict when
	// the item is already terminal, which makes bus redelivery a no-op.
	Close(ctx Context, jobID string, out ItemOutcome) (JobCounters, error)
	ListByJob(ctx Context, jobID string) ([]WorkItem, error)
	Stats(ctx Context, jobID string) (JobCounters, error)
}

// FailureRepository appends failure detail rows.
type FailureRepository interface {
	Record(ctx Context, f FailureRecord) error
	ListByJob(ctx Context, jobID string) ([]FailureRecord, error)
}

// LogRepository appends and reads per-job audit log lines.
type LogRepository interface {
	Append(ctx Context, e LogEntry) error
	ListByJob(ctx Context, jobID string, level LogLevel, limit int) ([]LogEntry, error)
}

// Queue (port)

// Queue publishes job envelopes and job-level outcomes on the bus.
type Queue interface {
	PublishJob(ctx Context, spec JobSpec) error
	PublishResult(ctx Context, jobID string, summary map[string]any) error
	PublishError(ctx Context, jobID string, errMsg string) error
}

// External capabilities (ports)

// Rasterizer turns HTML into a PNG of exactly the requested dimensions.
type Rasterizer interface {
	// RenderPNG honors the ctx deadline; expiry maps to ErrRasterTimeout.
	RenderPNG(ctx Context, html string, dims Dimensions, scale float64) ([]byte, error)
}

// BlobStore stores artifact bytes at a key and returns a public URL.
type BlobStore interface {
	Put(ctx Context, key string, data []byte, contentType string) (string, error)
	URL(key string) string
}

// ProfileService resolves an external identifier to a profile record.
type ProfileService interface {
	FetchByUsername(ctx Context, username string) (Profile, error)
	FetchByUserID(ctx Context, userID int64) (Profile, error)
}

// SinkClient pushes one artifact into the downstream system of record.
// Implementations chain two calls: create the media record, then trigger
// the share record referencing it.
type SinkClient interface {
	StoreArtifact(ctx Context, artifactURL, campaignName string, userID int64) error
}

// Context is an alias so domain signatures stay decoupled from std context;
// adapters and usecases pass context.Context through.
type Context = context.Context
