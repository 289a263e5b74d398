package httpserver

import "regexp"

// ValidationError is one field-level validation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationResult is the outcome of validating a request value.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

var validJobID = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidateJobID checks the path parameter before it reaches a query.
func ValidateJobID(jobID string) ValidationResult {
	switch {
	case jobID == "":
		return invalid("id", "REQUIRED", "job id is required")
	case len(jobID) > 100:
		return invalid("id", "TOO_LONG", "job id is too long (max 100 characters)")
	case !validJobID.MatchString(jobID):
		return invalid("id", "INVALID_FORMAT", "job id contains invalid characters")
	}
	return ValidationResult{Valid: true}
}

// ValidateState checks a job state filter against the lifecycle states.
func ValidateState(state string) ValidationResult {
	if state == "" {
		return ValidationResult{Valid: true}
	}
	switch state {
	case "pending", "queued", "processing", "completed", "failed", "cancelled":
		return ValidationResult{Valid: true}
	}
	return invalid("state", "INVALID_VALUE", "state must be one of: pending, queued, processing, completed, failed, cancelled")
}

func invalid(field, code, msg string) ValidationResult {
	return ValidationResult{Valid: false, Errors: []ValidationError{{Field: field, Code: code, Message: msg}}}
}
