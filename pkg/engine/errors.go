package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: backend timeouts, a lease held by another pass.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassConflict indicates an optimistic-concurrency failure.
	// Examples: a manifest write against a stale generation.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassValidation indicates the manifest itself is invalid.
	// Examples: forward references, reference cycles, dangling references.
	ErrorClassValidation ErrorClass = "validation"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: unknown backend kind, backend rejected the claim outright.
	ErrorClassPermanent ErrorClass = "permanent"
)

// OrchestratorError is a classified error with component context.
// Every terminal error carries the component name it concerns so an
// external notifier can report precisely which piece of a
// multi-component manifest failed.
type OrchestratorError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Component is the component name the error concerns, if applicable.
	Component string `json:"component,omitempty"`

	// Property is the property path involved, if applicable.
	Property string `json:"property,omitempty"`

	// Manifest is the manifest ID the error concerns, if applicable.
	Manifest string `json:"manifest,omitempty"`

	// Path is the reference cycle path, set only for CYCLE_DETECTED.
	Path []string `json:"path,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *OrchestratorError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Class, e.Message)
	if e.Component != "" {
		fmt.Fprintf(&b, " (component=%s", e.Component)
		if e.Property != "" {
			fmt.Fprintf(&b, ", property=%s", e.Property)
		}
		b.WriteString(")")
	}
	if len(e.Path) > 0 {
		fmt.Fprintf(&b, ": %s", strings.Join(e.Path, " -> "))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %s", e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *OrchestratorError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *OrchestratorError) Is(target error) bool {
	t, ok := target.(*OrchestratorError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// WithComponent adds component context to an error.
func (e *OrchestratorError) WithComponent(name string) *OrchestratorError {
	e.Component = name
	return e
}

// WithManifest adds manifest context to an error.
func (e *OrchestratorError) WithManifest(id string) *OrchestratorError {
	e.Manifest = id
	return e
}

// Error codes.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeDanglingReference = "DANGLING_REFERENCE"
	ErrCodeForwardReference  = "FORWARD_REFERENCE"
	ErrCodeCycleDetected     = "CYCLE_DETECTED"
	ErrCodeStalled           = "STALLED"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeAlreadyExists     = "ALREADY_EXISTS"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeBackendFailed     = "BACKEND_FAILED"
	ErrCodeLeaseHeld         = "LEASE_HELD"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeInternal          = "INTERNAL_ERROR"
)

// NewDanglingReferenceError reports a reference to a component that does
// not exist in the manifest. Reported, never silently dropped; the pass
// continues for unaffected components.
func NewDanglingReferenceError(component, property, target string) *OrchestratorError {
	return &OrchestratorError{
		Class:     ErrorClassValidation,
		Code:      ErrCodeDanglingReference,
		Message:   fmt.Sprintf("reference %q names no component in the manifest", target),
		Component: component,
		Property:  property,
	}
}

// NewForwardReferenceError reports a reference from an earlier tier to a
// later tier. The referencing component's dispatch is blocked; the pass
// continues for others.
func NewForwardReferenceError(component, property, target string, from, to Tier) *OrchestratorError {
	return &OrchestratorError{
		Class:     ErrorClassValidation,
		Code:      ErrCodeForwardReference,
		Message:   fmt.Sprintf("component in tier %s may not reference %q in later tier %s", from, target, to),
		Component: component,
		Property:  property,
	}
}

// NewCycleError reports a cycle in the reference graph. The entire
// ordering is aborted; nothing is dispatched.
func NewCycleError(path []string) *OrchestratorError {
	e := &OrchestratorError{
		Class:   ErrorClassValidation,
		Code:    ErrCodeCycleDetected,
		Message: "reference cycle detected",
		Path:    path,
	}
	if len(path) > 0 {
		e.Component = path[0]
	}
	return e
}

// NewStalledError reports a request that exceeded its readiness timeout.
// Blocks dependents only; unrelated components continue.
func NewStalledError(component string) *OrchestratorError {
	return &OrchestratorError{
		Class:     ErrorClassTransient,
		Code:      ErrCodeStalled,
		Message:   "provisioning request exceeded readiness timeout",
		Component: component,
	}
}

// NewConflictError reports an optimistic-concurrency failure on a
// manifest write. Retried automatically with a re-read.
func NewConflictError(manifestID string, expected, actual int64) *OrchestratorError {
	return &OrchestratorError{
		Class:    ErrorClassConflict,
		Code:     ErrCodeConflict,
		Message:  fmt.Sprintf("stale generation %d, store has %d", expected, actual),
		Manifest: manifestID,
	}
}

// NewBackendError reports a failed provisioning request.
func NewBackendError(component, reason string, err error) *OrchestratorError {
	return &OrchestratorError{
		Class:     ErrorClassPermanent,
		Code:      ErrCodeBackendFailed,
		Message:   reason,
		Component: component,
		Err:       err,
	}
}

// NewLeaseHeldError reports that another pass holds the manifest lease.
func NewLeaseHeldError(manifestID, holder string) *OrchestratorError {
	return &OrchestratorError{
		Class:    ErrorClassTransient,
		Code:     ErrCodeLeaseHeld,
		Message:  fmt.Sprintf("lease held by %s", holder),
		Manifest: manifestID,
	}
}

// NewValidationError reports a generic manifest validation failure.
func NewValidationError(message string, err error) *OrchestratorError {
	return &OrchestratorError{
		Class:   ErrorClassValidation,
		Code:    ErrCodeValidation,
		Message: message,
		Err:     err,
	}
}

// NewInternalError reports an unexpected internal failure.
func NewInternalError(message string, err error) *OrchestratorError {
	return &OrchestratorError{
		Class:   ErrorClassPermanent,
		Code:    ErrCodeInternal,
		Message: message,
		Err:     err,
	}
}

// NewNotFoundError reports a missing manifest or request.
func NewNotFoundError(what, id string) *OrchestratorError {
	return &OrchestratorError{
		Class:   ErrorClassPermanent,
		Code:    ErrCodeNotFound,
		Message: fmt.Sprintf("%s %q not found", what, id),
	}
}

// CodeOf returns the orchestrator error code of err, or "" if err is not
// an OrchestratorError.
func CodeOf(err error) string {
	var e *OrchestratorError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsConflict returns true if the error is an optimistic-concurrency conflict.
func IsConflict(err error) bool {
	return CodeOf(err) == ErrCodeConflict
}

// IsCycle returns true if the error is a reference-cycle rejection.
func IsCycle(err error) bool {
	return CodeOf(err) == ErrCodeCycleDetected
}

// IsStalled returns true if the error is a readiness-timeout stall.
func IsStalled(err error) bool {
	return CodeOf(err) == ErrCodeStalled
}

// IsRetryable returns true if the error can be retried. Transient and
// conflict errors are retryable; validation and permanent errors are not.
func IsRetryable(err error) bool {
	var e *OrchestratorError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient || e.Class == ErrorClassConflict
	}
	return false
}
