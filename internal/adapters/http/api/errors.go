package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/okian/mentorsync/internal/app/scheduler"
	"github.com/okian/mentorsync/internal/domain/failure"
	"github.com/okian/mentorsync/internal/domain/projection"
)

// Sentinel kinds for API errors.
var (
	ErrBadRequest = errors.New("bad request")
)

// badRequest wraps a request parsing problem as an invalid failure.
func badRequest(op string, err error) error {
	return failure.Wrap(failure.KindInvalid, op, fmt.Errorf("%w: %w", ErrBadRequest, err))
}

// statusFor maps an operation error onto an HTTP status and the
// user-visible category.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, projection.ErrVerifiedFinal):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, scheduler.ErrStopped),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "transient"
	}
	switch failure.KindOf(err) {
	case failure.KindUnauthorized:
		return http.StatusForbidden, failure.Category(err)
	case failure.KindTransient:
		return http.StatusServiceUnavailable, failure.Category(err)
	case failure.KindNotFound, failure.KindUnknownIdentifier:
		return http.StatusNotFound, failure.Category(err)
	case failure.KindInvalid, failure.KindDecode:
		return http.StatusBadRequest, failure.Category(err)
	case failure.KindResolverConflict:
		return http.StatusConflict, failure.Category(err)
	default:
		return http.StatusInternalServerError, "internal"
	}
}
