package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrorClass represents the classification of an engine failure.
type ErrorClass string

const (
	// ErrorClassValidation indicates unresolvable action ids or malformed input.
	ErrorClassValidation ErrorClass = "validation"

	// ErrorClassLock indicates the profile is in use or not current.
	ErrorClassLock ErrorClass = "lock"

	// ErrorClassAction indicates an action's execute or undo faulted.
	ErrorClassAction ErrorClass = "action"

	// ErrorClassPhase aggregates action failures within one phase.
	ErrorClassPhase ErrorClass = "phase"

	// ErrorClassCancel indicates the caller cancelled the operation.
	ErrorClassCancel ErrorClass = "cancel"

	// ErrorClassPersistence indicates an I/O failure reading or writing snapshots.
	ErrorClassPersistence ErrorClass = "persistence"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Profile is the profile id involved, if applicable.
	Profile string `json:"profile,omitempty"`

	// Operation is the phase, action or registry operation being performed.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Class, e.Message)
	switch {
	case e.Profile != "" && e.Operation != "":
		fmt.Fprintf(&b, " (profile=%s, operation=%s)", e.Profile, e.Operation)
	case e.Profile != "":
		fmt.Fprintf(&b, " (profile=%s)", e.Profile)
	case e.Operation != "":
		fmt.Fprintf(&b, " (operation=%s)", e.Operation)
	}
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && (t.Code == "" || e.Code == t.Code)
}

func newError(class ErrorClass, message string, err error) *EngineError {
	return &EngineError{Class: class, Message: message, Err: err}
}

// NewValidationError creates a new validation error.
func NewValidationError(message string, err error) *EngineError {
	return newError(ErrorClassValidation, message, err)
}

// NewLockError creates a new lock error.
func NewLockError(message string, err error) *EngineError {
	return newError(ErrorClassLock, message, err)
}

// NewActionError creates a new action error.
func NewActionError(message string, err error) *EngineError {
	return newError(ErrorClassAction, message, err)
}

// NewPhaseError creates a new phase error.
func NewPhaseError(message string, err error) *EngineError {
	return newError(ErrorClassPhase, message, err)
}

// NewCancelError creates a new cancel error.
func NewCancelError(message string, err error) *EngineError {
	return newError(ErrorClassCancel, message, err)
}

// NewPersistenceError creates a new persistence error.
func NewPersistenceError(message string, err error) *EngineError {
	return newError(ErrorClassPersistence, message, err)
}

// WithProfile adds profile context to an error.
func (e *EngineError) WithProfile(profileID string) *EngineError {
	e.Profile = profileID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func classOf(err error) (ErrorClass, bool) {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class, true
	}
	return "", false
}

// IsValidation returns true if the error is classified as a validation error.
func IsValidation(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassValidation
}

// IsLock returns true if the error is classified as a lock error.
func IsLock(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassLock
}

// IsAction returns true if the error is classified as an action error.
func IsAction(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassAction
}

// IsPersistence returns true if the error is classified as a persistence error.
func IsPersistence(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassPersistence
}

// IsCancel returns true if the error is a cancel error or a context cancellation.
func IsCancel(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	c, ok := classOf(err)
	return ok && c == ErrorClassCancel
}

// Common error codes.
const (
	ErrCodeMissingAction     = "MISSING_ACTION"
	ErrCodeSyntax            = "SYNTAX_ERROR"
	ErrCodeInvalidOperand    = "INVALID_OPERAND"
	ErrCodeProfileInUse      = "PROFILE_IN_USE"
	ErrCodeNotCurrent        = "NOT_CURRENT"
	ErrCodeProfileChanged    = "PROFILE_CHANGED"
	ErrCodeReentrantLock     = "REENTRANT_LOCK"
	ErrCodeNotLocked         = "NOT_LOCKED"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeAlreadyExists     = "ALREADY_EXISTS"
	ErrCodeSubstitution      = "SUBSTITUTION_ERROR"
	ErrCodeTouchpointMissing = "TOUCHPOINT_NOT_FOUND"
	ErrCodeActionPanic       = "ACTION_PANIC"
)

// MissingActionsError lists every action id that could not be resolved
// during validation.
type MissingActionsError struct {
	Actions []*MissingAction
}

func (e *MissingActionsError) Error() string {
	ids := make([]string, 0, len(e.Actions))
	for _, a := range e.Actions {
		ids = append(ids, a.String())
	}
	sort.Strings(ids)
	return "actions not found: " + strings.Join(ids, ", ")
}
