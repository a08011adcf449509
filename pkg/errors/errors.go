package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// ErrorType represents the type of error
type ErrorType string

const (
	// ErrorTypeFetch represents network, timeout and non-2xx failures
	ErrorTypeFetch ErrorType = "fetch"
	// ErrorTypeBlocked represents a domain that answered with a rate-limit response
	ErrorTypeBlocked ErrorType = "blocked"
	// ErrorTypeExtraction represents a fetched page with no recognizable price
	ErrorTypeExtraction ErrorType = "extraction"
	// ErrorTypeNotFound represents a referenced entity that no longer exists
	ErrorTypeNotFound ErrorType = "not_found"
	// ErrorTypeDelivery represents an outbound notification failure
	ErrorTypeDelivery ErrorType = "delivery"
	// ErrorTypeStore represents persistence failures
	ErrorTypeStore ErrorType = "store"
	// ErrorTypeConflict represents work already in progress for the same subject
	ErrorTypeConflict ErrorType = "conflict"
	// ErrorTypeValidation represents invalid input
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeConfiguration represents configuration errors
	ErrorTypeConfiguration ErrorType = "configuration"
)

// PipelineError is an error raised somewhere in the price pipeline.
// Subject names what the error is about: a url, a competitor id, a webhook id.
type PipelineError struct {
	Type    ErrorType
	Subject string
	Message string
	Err     error
	Time    time.Time
}

// Error implements the error interface
func (e *PipelineError) Error() string {
	if e.Subject == "" {
		if e.Err != nil {
			return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
		}
		return fmt.Sprintf("[%s] %s", e.Type, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %s - %v", e.Type, e.Subject, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Type, e.Subject, e.Message)
}

// Unwrap returns the underlying error
func (e *PipelineError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether the job layer should try again later.
func (e *PipelineError) IsRetryable() bool {
	switch e.Type {
	case ErrorTypeFetch, ErrorTypeBlocked, ErrorTypeExtraction, ErrorTypeDelivery, ErrorTypeStore:
		return true
	default:
		return false
	}
}

// New creates a new PipelineError
func New(errType ErrorType, subject, message string, err error) *PipelineError {
	return &PipelineError{
		Type:    errType,
		Subject: subject,
		Message: message,
		Err:     err,
		Time:    time.Now(),
	}
}

// NewFetch creates a new fetch error
func NewFetch(subject, message string, err error) *PipelineError {
	return New(ErrorTypeFetch, subject, message, err)
}

// NewBlocked creates an error for a domain inside its block window
func NewBlocked(domain string, duration time.Duration) *PipelineError {
	return New(ErrorTypeBlocked, domain, fmt.Sprintf("blocked for %v", duration), nil)
}

// NewExtraction creates a new extraction error
func NewExtraction(subject, message string) *PipelineError {
	return New(ErrorTypeExtraction, subject, message, nil)
}

// NewNotFound creates an error for a missing entity
func NewNotFound(kind, id string) *PipelineError {
	return New(ErrorTypeNotFound, id, kind+" not found", nil)
}

// NewDelivery creates a new delivery error
func NewDelivery(subject, message string, err error) *PipelineError {
	return New(ErrorTypeDelivery, subject, message, err)
}

// NewStore creates a new store error
func NewStore(message string, err error) *PipelineError {
	return New(ErrorTypeStore, "", message, err)
}

// NewConflict creates an error for work another caller already holds
func NewConflict(subject, message string) *PipelineError {
	return New(ErrorTypeConflict, subject, message, nil)
}

// NewValidation creates a new validation error
func NewValidation(subject, message string) *PipelineError {
	return New(ErrorTypeValidation, subject, message, nil)
}

// NewConfiguration creates a new configuration error
func NewConfiguration(message string, err error) *PipelineError {
	return New(ErrorTypeConfiguration, "", message, err)
}

// terminalError wraps an error that must not be retried by the job dispatcher.
type terminalError struct {
	err error
}

func (t *terminalError) Error() string { return t.err.Error() }
func (t *terminalError) Unwrap() error { return t.err }

// Terminal marks err as final. The dispatcher records the failure and does not reschedule.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &terminalError{err: err}
}

// IsTerminal reports whether err (or anything it wraps) was marked with Terminal.
func IsTerminal(err error) bool {
	var t *terminalError
	return stderrors.As(err, &t)
}

// IsRetryable reports whether err should be retried. Unclassified errors are retryable,
// matching how a job handler's unexpected failure is treated.
func IsRetryable(err error) bool {
	if err == nil || IsTerminal(err) {
		return false
	}
	var pe *PipelineError
	if stderrors.As(err, &pe) {
		return pe.IsRetryable()
	}
	return true
}

// TypeOf returns the ErrorType of the first PipelineError in the chain, or "".
func TypeOf(err error) ErrorType {
	var pe *PipelineError
	if stderrors.As(err, &pe) {
		return pe.Type
	}
	return ""
}

// Is reports whether any error in err's tree matches target.
func Is(err, target error) bool { return stderrors.Is(err, target) }

// As finds the first error in err's tree that matches target.
func As(err error, target any) bool { return stderrors.As(err, target) }
