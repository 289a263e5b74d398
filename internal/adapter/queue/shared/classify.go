// Package shared holds the worker-side envelope handling used by queue
// consumers: per-item poster pipeline, export delivery, and failure
// classification.
package shared

import (
	"context"
	"errors"
	"strings"

	"github.com/fairyhunter13/posterforge/internal/domain"
)

// Classify maps an error to a failure kind for recording and metrics.
// Sentinels win over string matching.
func Classify(err error) domain.FailureKind {
	if err == nil {
		return domain.FailureUnknown
	}
	switch {
	case errors.Is(err, domain.ErrRasterTimeout), errors.Is(err, context.DeadlineExceeded):
		return domain.FailureTimeout
	case errors.Is(err, domain.ErrStateMismatch), errors.Is(err, domain.ErrConflict):
		return domain.FailureStore
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		return domain.FailureTimeout
	case strings.Contains(msg, "render") || strings.Contains(msg, "raster") || strings.Contains(msg, "chrome") || strings.Contains(msg, "screenshot"):
		return domain.FailureHTMLConversion
	case strings.Contains(msg, "upload") || strings.Contains(msg, "bucket") || strings.Contains(msg, "blob"):
		return domain.FailureUpload
	case strings.Contains(msg, "profile"):
		return domain.FailureProfileFetch
	case strings.Contains(msg, "user_id") || strings.Contains(msg, "user id"):
		return domain.FailureMissingUserID
	case strings.Contains(msg, "webhook") || strings.Contains(msg, "media") || strings.Contains(msg, "share"):
		return domain.FailureWebhook
	case strings.Contains(msg, "database") || strings.Contains(msg, "sql") || strings.Contains(msg, "postgres") || strings.Contains(msg, "store"):
		return domain.FailureStore
	default:
		return domain.FailureUnknown
	}
}
