// Package apperr defines the error taxonomy shared by the trust core.
//
// Domain packages wrap these sentinels so callers can branch with errors.Is
// regardless of which engine produced the failure:
//
//	var ErrEscrowNotFound = fmt.Errorf("%w: escrow", apperr.ErrNotFound)
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrValidation        = errors.New("validation failed")
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrConflict          = errors.New("concurrent modification")
	ErrPermissionDenied  = errors.New("permission denied")
	ErrThrottled         = errors.New("too many attempts")
	ErrExternal          = errors.New("external dependency failure")
	ErrTimeout           = errors.New("operation timed out")
)

// Validation returns a validation error describing the offending field.
func Validation(field, msg string) error {
	return fmt.Errorf("%w: %s: %s", ErrValidation, field, msg)
}

// Transition returns an invalid-transition error naming both states.
func Transition(entity string, from, to fmt.Stringer) error {
	return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, entity, from, to)
}

// External wraps a collaborator failure. Context deadline expiry is reported
// as ErrTimeout so callers never hold a lock waiting on a dead dependency.
func External(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %v", ErrTimeout, op, err)
	}
	if errors.Is(err, ErrExternal) || errors.Is(err, ErrTimeout) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", ErrExternal, op, err)
}

// Retryable reports whether err may succeed on a later attempt.
// Only conflicts, timeouts and external failures qualify.
func Retryable(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrTimeout) || errors.Is(err, ErrExternal)
}

// Status maps an error to the HTTP status and machine-readable code the
// route layer returns.
func Status(err error) (int, string) {
	switch {
	case err == nil:
		return http.StatusOK, ""
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ErrPermissionDenied):
		return http.StatusForbidden, "permission_denied"
	case errors.Is(err, ErrInvalidTransition):
		return http.StatusConflict, "invalid_state"
	case errors.Is(err, ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, ErrThrottled):
		return http.StatusTooManyRequests, "throttled"
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, ErrExternal):
		return http.StatusBadGateway, "upstream_error"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
