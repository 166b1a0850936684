package models

import "errors"

// ErrorCategory is the closed set of pipeline failure categories. Every
// error crossing a stage boundary is carried as a typed value with one of
// these categories, never as a panic.
type ErrorCategory string

// Error categories.
const (
	CategoryInvalidPayload      ErrorCategory = "invalid_payload"
	CategoryAuthFailure         ErrorCategory = "auth_failure"
	CategoryConfigError         ErrorCategory = "config_error"
	CategoryTransientDownstream ErrorCategory = "transient_downstream"
	CategoryPermanentDownstream ErrorCategory = "permanent_downstream"
	CategoryInternal            ErrorCategory = "internal"
)

// Retriable reports whether failures in this category may be retried.
func (c ErrorCategory) Retriable() bool {
	return c == CategoryTransientDownstream
}

// PipelineError attaches a category and the downstream service name to an
// error crossing a stage boundary.
type PipelineError struct {
	Category ErrorCategory
	Service  string
	Err      error
}

func (e *PipelineError) Error() string {
	return string(e.Category) + ": " + e.Err.Error()
}

func (e *PipelineError) Unwrap() error { return e.Err }

// NewPipelineError wraps err with a category and service.
func NewPipelineError(category ErrorCategory, service string, err error) *PipelineError {
	return &PipelineError{Category: category, Service: service, Err: err}
}

// Categorize extracts the category from an error chain, defaulting to
// internal for unclassified errors.
func Categorize(err error) ErrorCategory {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Category
	}
	return CategoryInternal
}
