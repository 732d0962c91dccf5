package audit

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Error classes surfaced by the orchestration core.
var (
	// ErrValidation marks malformed request parameters.
	ErrValidation = errors.New("invalid scan parameters")
	// ErrResourceExhausted marks a pool or queue that could not admit work before the caller's deadline.
	ErrResourceExhausted = errors.New("resource exhausted")
	// ErrUpstream marks a failure inside the scanner collaborator.
	ErrUpstream = errors.New("upstream scanner failure")
	// ErrTimeout marks an abandoned wait for a job result.
	ErrTimeout = errors.New("scan wait timed out")
	// ErrPoolClosed is returned by a pool after Shutdown.
	ErrPoolClosed = errors.New("browser pool closed")
	// ErrQueueClosed is returned by a queue after Close.
	ErrQueueClosed = errors.New("queue closed")
	// ErrNotFound is returned when a job or ticket id is unknown.
	ErrNotFound = errors.New("not found")
)

// ValidationError describes which parameter was rejected.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Is lets errors.Is match ErrValidation.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// UpstreamError carries the status class reported by a scanner.
type UpstreamError struct {
	Status  int
	Message string
	Err     error
}

// NewUpstreamError builds an UpstreamError, defaulting the status to 500.
func NewUpstreamError(status int, message string, err error) *UpstreamError {
	switch status {
	case http.StatusBadRequest, http.StatusInternalServerError, http.StatusServiceUnavailable:
	default:
		status = http.StatusInternalServerError
	}
	return &UpstreamError{Status: status, Message: message, Err: err}
}

func (e *UpstreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("scanner error (%d): %s: %v", e.Status, e.Message, e.Err)
	}
	return fmt.Sprintf("scanner error (%d): %s", e.Status, e.Message)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match ErrUpstream.
func (e *UpstreamError) Is(target error) bool {
	return target == ErrUpstream
}

// AsUpstream converts any scanner failure into an *UpstreamError.
// Errors that already carry a class, or that belong to another class of the taxonomy, pass through.
func AsUpstream(err error) error {
	if err == nil {
		return nil
	}
	var upstream *UpstreamError
	if errors.As(err, &upstream) {
		return err
	}
	if errors.Is(err, ErrResourceExhausted) || errors.Is(err, ErrValidation) || errors.Is(err, ErrPoolClosed) {
		return err
	}
	return NewUpstreamError(http.StatusInternalServerError, "scan failed", err)
}

// TimeoutError reports that a caller stopped waiting for a job.
// The job itself keeps running.
type TimeoutError struct {
	JobID string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("job %s did not settle within %s", e.JobID, e.After)
}

// Is lets errors.Is match ErrTimeout.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}
