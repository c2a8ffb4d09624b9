package api

import (
	"errors"
	"net/http"

	"labreserve/internal/domain"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// errorBody is the JSON error envelope. Rule is set for validation failures.
type errorBody struct {
	Error string `json:"error"`
	Rule  string `json:"rule,omitempty"`
}

func httpError(err error) (int, errorBody) {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusUnprocessableEntity, errorBody{Error: verr.Message, Rule: verr.Rule}
	case errors.Is(err, domain.ErrSlotConflict):
		return http.StatusConflict, errorBody{Error: domain.ErrSlotConflict.Error()}
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, errorBody{Error: domain.ErrNotFound.Error()}
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden, errorBody{Error: domain.ErrForbidden.Error()}
	case errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict, errorBody{Error: domain.ErrInvalidTransition.Error()}
	case errors.Is(err, errUnauthenticated):
		return http.StatusUnauthorized, errorBody{Error: err.Error()}
	case errors.Is(err, domain.ErrApprovalFailed):
		return http.StatusServiceUnavailable, errorBody{Error: domain.ErrApprovalFailed.Error()}
	default:
		return http.StatusInternalServerError, errorBody{Error: "internal error"}
	}
}

func grpcError(err error) error {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		return status.Errorf(codes.InvalidArgument, "%s: %s", verr.Rule, verr.Message)
	case errors.Is(err, domain.ErrSlotConflict):
		return status.Error(codes.AlreadyExists, domain.ErrSlotConflict.Error())
	case errors.Is(err, domain.ErrNotFound):
		return status.Error(codes.NotFound, domain.ErrNotFound.Error())
	case errors.Is(err, domain.ErrForbidden):
		return status.Error(codes.PermissionDenied, domain.ErrForbidden.Error())
	case errors.Is(err, domain.ErrInvalidTransition):
		return status.Error(codes.FailedPrecondition, domain.ErrInvalidTransition.Error())
	case errors.Is(err, errUnauthenticated):
		return status.Error(codes.Unauthenticated, err.Error())
	case errors.Is(err, domain.ErrApprovalFailed):
		return status.Error(codes.Unavailable, domain.ErrApprovalFailed.Error())
	default:
		return status.Error(codes.Internal, "internal error")
	}
}
