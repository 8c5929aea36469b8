// Package apperr defines the typed failure taxonomy shared by the HTTP
// surface, the worker pool and the background jobs. Handlers translate
// these into HTTP status codes; workers classify them into terminal task
// states.
package apperr

import "fmt"

// ValidationError covers bad request input: invalid webhook URL,
// unsupported format, malformed path. Maps to 400.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func Validation(format string, args ...any) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// MissingFileError is returned when an admission request carries no
// `file` form field. Maps to 422, distinct from ValidationError's 400
// per spec.md §6's admission error table.
type MissingFileError struct{}

func (e *MissingFileError) Error() string { return "no file provided" }

func MissingFile() *MissingFileError { return &MissingFileError{} }

// SizeExceededError is returned when a streamed upload crosses the
// configured ceiling. The partial file has already been removed by the
// caller before this is returned.
type SizeExceededError struct {
	LimitBytes int64
}

func (e *SizeExceededError) Error() string {
	return fmt.Sprintf("upload exceeds maximum size of %d bytes", e.LimitBytes)
}

// NotFoundError covers an unknown task_id.
type NotFoundError struct {
	TaskID string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("task %s not found", e.TaskID) }

// GoneError is returned for operations against an expired task.
type GoneError struct {
	TaskID string
}

func (e *GoneError) Error() string { return fmt.Sprintf("task %s has expired", e.TaskID) }

// PreconditionFailedError is returned when an operation requires the task
// to be in a particular status (usually completed) and it is not.
type PreconditionFailedError struct {
	TaskID        string
	CurrentStatus string
}

func (e *PreconditionFailedError) Error() string {
	return fmt.Sprintf("task %s is not completed (status: %s)", e.TaskID, e.CurrentStatus)
}

// ConversionError wraps any pipeline failure (extractor crash, unsupported
// format, disk write failure). The worker truncates Message to 500 chars
// before persisting it as the task's error_message.
type ConversionError struct {
	Message string
	Cause   error
}

func (e *ConversionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ConversionError) Unwrap() error { return e.Cause }

func Conversion(message string, cause error) *ConversionError {
	return &ConversionError{Message: message, Cause: cause}
}

// DescriptionError is a per-image vision failure. It never propagates to
// the task; the pipeline absorbs it into the rewritten markdown.
type DescriptionError struct {
	ImageID string
	Cause   error
}

func (e *DescriptionError) Error() string {
	return fmt.Sprintf("image %s: %v", e.ImageID, e.Cause)
}

func (e *DescriptionError) Unwrap() error { return e.Cause }

// WebhookError is a delivery failure. It never fails the task; the
// notifier absorbs it into telemetry fields.
type WebhookError struct {
	TaskID string
	Cause  error
}

func (e *WebhookError) Error() string {
	return fmt.Sprintf("webhook delivery for task %s: %v", e.TaskID, e.Cause)
}

func (e *WebhookError) Unwrap() error { return e.Cause }

// InternalError covers unclassified store or I/O faults.
type InternalError struct {
	Message string
	Cause   error
}

func (e *InternalError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *InternalError) Unwrap() error { return e.Cause }

func Internal(message string, cause error) *InternalError {
	return &InternalError{Message: message, Cause: cause}
}
