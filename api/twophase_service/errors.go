package twophaseservice

import (
	"context"
	"errors"

	"github.com/sushant-115/gojo2pc/core/lockmanager"
	"github.com/sushant-115/gojo2pc/core/twophase"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var codeTable = []struct {
	err  error
	code codes.Code
}{
	{twophase.ErrDuplicateIdentifier, codes.AlreadyExists},
	{twophase.ErrExhausted, codes.ResourceExhausted},
	{twophase.ErrRecordTooLarge, codes.ResourceExhausted},
	{twophase.ErrNotFound, codes.NotFound},
	{twophase.ErrBusy, codes.FailedPrecondition},
	{twophase.ErrSessionHoldsEntry, codes.FailedPrecondition},
	{twophase.ErrDependentWorkUnderflow, codes.FailedPrecondition},
	{twophase.ErrPermissionDenied, codes.PermissionDenied},
	{twophase.ErrCrossDatabase, codes.Unimplemented},
	{twophase.ErrIdentifierTooLong, codes.InvalidArgument},
	{twophase.ErrInvalidIdentifier, codes.InvalidArgument},
	{twophase.ErrDataCorrupted, codes.DataLoss},
	{twophase.ErrNotReady, codes.Unavailable},
	{twophase.ErrFatal, codes.Internal},
	{lockmanager.ErrLockConflict, codes.Aborted},
	{context.Canceled, codes.Canceled},
	{context.DeadlineExceeded, codes.DeadlineExceeded},
}

// toStatus converts a domain error into a gRPC status error.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	for _, e := range codeTable {
		if errors.Is(err, e.err) {
			return status.Error(e.code, err.Error())
		}
	}
	return status.Error(codes.Unknown, err.Error())
}
