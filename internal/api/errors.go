package api

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"bq-gateway/internal/domain"
	"bq-gateway/internal/middleware"
)

// StatusClientClosedRequest is reported when the client went away before the
// response was ready.
const StatusClientClosedRequest = 499

// ErrorResponse is the JSON body of every failed request.
type ErrorResponse struct {
	ErrorKind string `json:"errorKind"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// httpStatusFromDomainError maps domain errors to HTTP status codes.
func httpStatusFromDomainError(err error) int {
	var authErr *domain.AuthError
	var authzErr *domain.AuthzError
	var rateErr *domain.RateLimitError
	var execErr *domain.ExecError
	var validation *domain.ValidationError
	var notFound *domain.NotFoundError

	switch {
	case errors.As(err, &authErr):
		return http.StatusUnauthorized
	case errors.As(err, &authzErr):
		return http.StatusForbidden
	case errors.As(err, &rateErr):
		return http.StatusTooManyRequests
	case errors.As(err, &execErr):
		switch execErr.Kind {
		case domain.ExecUnscoped:
			return http.StatusBadRequest
		case domain.ExecScopeViolation:
			return http.StatusForbidden
		case domain.ExecTimeout:
			return http.StatusGatewayTimeout
		default:
			return http.StatusBadGateway
		}
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.Is(err, context.Canceled):
		return StatusClientClosedRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// errorKindFromDomainError returns the stable errorKind reported to clients.
func errorKindFromDomainError(err error) string {
	var authErr *domain.AuthError
	var authzErr *domain.AuthzError
	var rateErr *domain.RateLimitError
	var execErr *domain.ExecError
	var validation *domain.ValidationError
	var notFound *domain.NotFoundError

	switch {
	case errors.As(err, &authErr):
		return string(authErr.Kind)
	case errors.As(err, &authzErr):
		return string(authzErr.Kind)
	case errors.As(err, &rateErr):
		return rateErr.Kind()
	case errors.As(err, &execErr):
		return string(execErr.Kind)
	case errors.As(err, &validation):
		return "BadRequest"
	case errors.As(err, &notFound):
		return "NotFound"
	case errors.Is(err, context.Canceled):
		return "ClientClosedRequest"
	case errors.Is(err, context.DeadlineExceeded):
		return string(domain.ExecTimeout)
	default:
		return "Internal"
	}
}

// clientMessage hides internal error detail behind a generic message.
func clientMessage(err error, status int) string {
	if status == http.StatusInternalServerError {
		return "internal server error"
	}
	var authErr *domain.AuthError
	if errors.As(err, &authErr) {
		switch authErr.Kind {
		case domain.AuthExpired:
			return "identity token has expired"
		case domain.AuthMalformed:
			return "missing or malformed identity token"
		default:
			return "identity token could not be verified"
		}
	}
	var execErr *domain.ExecError
	if errors.As(err, &execErr) && execErr.Message != "" {
		return execErr.Message
	}
	return err.Error()
}

// writeError renders err as an ErrorResponse with its mapped status.
func writeError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	status := httpStatusFromDomainError(err)
	kind := errorKindFromDomainError(err)

	var rateErr *domain.RateLimitError
	if errors.As(err, &rateErr) {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(rateErr)))
	}
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="bq-gateway"`)
	}

	switch {
	case status >= http.StatusInternalServerError:
		logger.ErrorContext(r.Context(), "request failed", "status", status, "error_kind", kind, "error", err)
	case status != StatusClientClosedRequest:
		logger.InfoContext(r.Context(), "request rejected", "status", status, "error_kind", kind, "error", err)
	}

	writeJSON(w, status, ErrorResponse{
		ErrorKind: kind,
		Message:   clientMessage(err, status),
		RequestID: middleware.RequestIDFromContext(r.Context()),
	})
}

func retryAfterSeconds(e *domain.RateLimitError) int {
	secs := int(math.Ceil(e.RetryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}
