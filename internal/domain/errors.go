// Package domain defines core types, interfaces, and errors for the gateway.
package domain

import (
	"errors"
	"fmt"
	"time"
)

// AuthErrorKind classifies token verification failures.
type AuthErrorKind string

// Token verification failure kinds.
const (
	AuthMalformed        AuthErrorKind = "Malformed"
	AuthExpired          AuthErrorKind = "Expired"
	AuthInvalidSignature AuthErrorKind = "InvalidSignature"
)

// AuthError indicates the caller could not be authenticated.
type AuthError struct {
	Kind AuthErrorKind
	Err  error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authentication failed (%s): %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("authentication failed (%s)", e.Kind)
}

func (e *AuthError) Unwrap() error { return e.Err }

// ErrAuth creates an AuthError of the given kind wrapping err.
func ErrAuth(kind AuthErrorKind, err error) *AuthError {
	return &AuthError{Kind: kind, Err: err}
}

// AuthzErrorKind classifies authorization failures.
type AuthzErrorKind string

// AuthzProjectNotAccessible is returned when the requested project is outside
// the caller's allowlist.
const AuthzProjectNotAccessible AuthzErrorKind = "ProjectNotAccessible"

// AuthzError indicates an authenticated caller may not access a project.
type AuthzError struct {
	Kind    AuthzErrorKind
	Project string
}

func (e *AuthzError) Error() string {
	return fmt.Sprintf("access denied to project: %s", e.Project)
}

// ErrProjectNotAccessible creates an AuthzError for project.
func ErrProjectNotAccessible(project string) *AuthzError {
	return &AuthzError{Kind: AuthzProjectNotAccessible, Project: project}
}

// RateLimitError indicates the caller exceeded its request budget.
type RateLimitError struct {
	Limit      int
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded: %d requests per window", e.Limit)
}

// Kind returns the stable error kind reported to clients.
func (e *RateLimitError) Kind() string { return "Exceeded" }

// ExecErrorKind classifies query execution failures.
type ExecErrorKind string

// Query execution failure kinds.
const (
	ExecUnscoped         ExecErrorKind = "Unscoped"
	ExecScopeViolation   ExecErrorKind = "ScopeViolation"
	ExecTimeout          ExecErrorKind = "Timeout"
	ExecQuotaExceeded    ExecErrorKind = "QuotaExceeded"
	ExecInvalidQuery     ExecErrorKind = "InvalidQuery"
	ExecPermissionDenied ExecErrorKind = "PermissionDenied"
	// ExecUnavailable covers warehouse failures that fit no other kind
	// (backend errors, transport failures).
	ExecUnavailable ExecErrorKind = "Unavailable"
)

// ExecError indicates a query could not be executed.
type ExecError struct {
	Kind    ExecErrorKind
	Message string
	Err     error
}

func (e *ExecError) Error() string {
	if e.Err != nil && e.Message == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ExecError) Unwrap() error { return e.Err }

// ErrExec creates an ExecError with a formatted message.
func ErrExec(kind ExecErrorKind, format string, args ...interface{}) *ExecError {
	return &ExecError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapExec creates an ExecError of kind wrapping err.
func WrapExec(kind ExecErrorKind, err error) *ExecError {
	return &ExecError{Kind: kind, Message: err.Error(), Err: err}
}

// IsExecKind reports whether err is an ExecError of the given kind.
func IsExecKind(err error, kind ExecErrorKind) bool {
	var execErr *ExecError
	return errors.As(err, &execErr) && execErr.Kind == kind
}

// ValidationError indicates invalid input.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// ErrValidation creates a ValidationError with a formatted message.
func ErrValidation(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// NotFoundError indicates a resource was not found.
type NotFoundError struct {
	Message string
}

func (e *NotFoundError) Error() string { return e.Message }

// ErrNotFound creates a NotFoundError with a formatted message.
func ErrNotFound(format string, args ...interface{}) *NotFoundError {
	return &NotFoundError{Message: fmt.Sprintf(format, args...)}
}
