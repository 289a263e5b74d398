package domain

import "time"

// RetryPolicy bounds retries of upstream calls (profile lookups, blob
// uploads, sink webhooks). Items themselves are never re-run; only the
// network call inside a step is retried before the item fails once.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultRetryPolicy matches the upstream call budget of the pipeline.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
	}
}

// Retryable reports whether a failure kind is worth another attempt.
// Input problems and rendering faults are deterministic; transport and
// storage faults are not.
func (RetryPolicy) Retryable(kind FailureKind) bool {
	switch kind {
	case FailureUpload, FailureProfileFetch, FailureWebhook, FailureStore:
		return true
	default:
		return false
	}
}
