package api

import (
	"context"
	"database/sql"
	"errors"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/solatis/tollgate/internal/types"
)

// ErrInvalidRequest marks a malformed request.
var ErrInvalidRequest = errors.New("invalid request")

// Error mapping shared by both transports.
// Validation errors map to INVALID_ARGUMENT.
// Ledger and storage errors map to UNAVAILABLE.
// Context timeouts map to DEADLINE_EXCEEDED.
// Auth errors are mapped in the auth package.

// Code maps a service error onto a gRPC status code.
func Code(err error) codes.Code {
	switch {
	case err == nil:
		return codes.OK
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, types.ErrContextTooLarge),
		errors.Is(err, types.ErrTypeMismatch),
		errors.Is(err, types.ErrMissingAckIdentity),
		errors.Is(err, types.ErrMissingSession):
		return codes.InvalidArgument
	case errors.Is(err, types.ErrEntryPointNotFound),
		errors.Is(err, types.ErrRuleNotFound),
		errors.Is(err, sql.ErrNoRows):
		return codes.NotFound
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, types.ErrLedger):
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// Status converts err into a gRPC status error.
func Status(err error) error {
	if err == nil {
		return nil
	}
	return status.Error(Code(err), err.Error())
}

// HTTPStatus maps a service error onto an HTTP status.
func HTTPStatus(err error) int {
	switch Code(err) {
	case codes.OK:
		return http.StatusOK
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.NotFound:
		return http.StatusNotFound
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	case codes.Canceled:
		return 499
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
