package utils

import (
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	ErrBadRequest        = fmt.Errorf("Bad request")
	ErrNoEligibleWorker  = fmt.Errorf("No eligible worker available")
	ErrNotFound          = fmt.Errorf("Not found")
	ErrParse             = fmt.Errorf("Parse error")
	ErrTerminalOperation = fmt.Errorf("Operation is terminal")
	ErrInvalidArgument   = fmt.Errorf("Invalid argument")
	ErrAborted           = fmt.Errorf("Aborted")
	ErrMissingReferent   = fmt.Errorf("Referenced blob is missing from the CAS")
)

type DetailedError interface {
	error
	Details() string
}

// Convert errors to errors with grpc status codes
func GrpcError(err error) error {
	switch err {
	case ErrNotFound:
		return status.Errorf(codes.NotFound, "%s", err.Error())
	case ErrNoEligibleWorker:
		return status.Errorf(codes.Unavailable, "%s", err.Error())
	case ErrTerminalOperation:
		return status.Errorf(codes.FailedPrecondition, "%s", err.Error())
	case ErrInvalidArgument:
		return status.Errorf(codes.InvalidArgument, "%s", err.Error())
	case ErrAborted:
		return status.Errorf(codes.Aborted, "%s", err.Error())
	case ErrMissingReferent:
		return status.Errorf(codes.FailedPrecondition, "%s", err.Error())
	case ErrBadRequest, ErrParse:
		return status.Errorf(codes.InvalidArgument, "%s", err.Error())
	}
	return err
}
