package server

import (
	"errors"

	"github.com/pixperk/lowkey-rwlock/pkg/types"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// status code each domain error travels with, the message keeps the error text so clients can map it back
var errorCodes = []struct {
	err  error
	code codes.Code
}{
	{types.ErrNoNode, codes.NotFound},
	{types.ErrSessionNotFound, codes.NotFound},
	{types.ErrNodeExists, codes.AlreadyExists},
	{types.ErrBadVersion, codes.Aborted},
	{types.ErrNotEmpty, codes.FailedPrecondition},
	{types.ErrNoChildrenForEphemerals, codes.FailedPrecondition},
	{types.ErrSessionExpired, codes.FailedPrecondition},
	{types.ErrSessionClosed, codes.FailedPrecondition},
	{types.ErrInvalidPath, codes.InvalidArgument},
	{types.ErrInvalidTTL, codes.InvalidArgument},
	{types.ErrNotLeader, codes.Unavailable},
}

// converts domain errors to gRPC status errors
func toGRPCError(err error) error {
	if err == nil {
		return nil
	}

	for _, e := range errorCodes {
		if errors.Is(err, e.err) {
			return status.Error(e.code, err.Error())
		}
	}
	return status.Error(codes.Internal, err.Error())
}

// returns a not leader error with the given leader address
// includes the current leader address in the error message
func notLeaderError(leaderAddr string) error {
	return status.Errorf(codes.Unavailable,
		"%s, leader is at : %s", types.ErrNotLeader, leaderAddr)
}
