// ABOUTME: Maps domain errors onto gRPC status codes and HTTP status codes
// ABOUTME: Shared by the gRPC server and the gateway's HTTP API

package control

import (
	"context"
	"errors"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/2389/coven-conductor/internal/admission"
	"github.com/2389/coven-conductor/internal/approval"
	"github.com/2389/coven-conductor/internal/store"
	"github.com/2389/coven-conductor/internal/task"
)

// Code classifies err. Errors that already carry a status keep its code.
func Code(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	if s, ok := status.FromError(err); ok {
		return s.Code()
	}
	switch {
	case errors.Is(err, task.ErrInvalidRequest),
		errors.Is(err, admission.ErrEmptyKey),
		errors.Is(err, approval.ErrProjectMismatch):
		return codes.InvalidArgument
	case errors.Is(err, task.ErrTaskNotFound), errors.Is(err, store.ErrNotFound):
		return codes.NotFound
	case errors.Is(err, store.ErrDecisionExists):
		return codes.AlreadyExists
	case errors.Is(err, task.ErrAlreadyRunning),
		errors.Is(err, task.ErrNotRunning),
		errors.Is(err, approval.ErrNoPendingDecision):
		return codes.FailedPrecondition
	case errors.Is(err, task.ErrClosed):
		return codes.Unavailable
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	default:
		return codes.Internal
	}
}

// toStatus converts err into a gRPC status error.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	return status.Error(Code(err), err.Error())
}

// HTTPStatus is the HTTP equivalent of Code.
func HTTPStatus(err error) int {
	switch Code(err) {
	case codes.OK:
		return http.StatusOK
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.NotFound:
		return http.StatusNotFound
	case codes.AlreadyExists, codes.FailedPrecondition:
		return http.StatusConflict
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	case codes.Canceled, codes.DeadlineExceeded:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}
