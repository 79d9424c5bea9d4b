package client

import (
	"fmt"
	"strings"

	"github.com/pixperk/lowkey-rwlock/pkg/types"
	"google.golang.org/grpc/status"
)

// domain errors the server sends as status messages
var knownErrors = []error{
	types.ErrNoNode,
	types.ErrNodeExists,
	types.ErrBadVersion,
	types.ErrNotEmpty,
	types.ErrNoChildrenForEphemerals,
	types.ErrInvalidPath,
	types.ErrSessionNotFound,
	types.ErrSessionExpired,
	types.ErrSessionClosed,
	types.ErrInvalidTTL,
	types.ErrNotLeader,
}

// turns a gRPC status back into the domain error it was made from, so errors.Is works across the wire
func fromGRPCError(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}

	msg := st.Message()
	for _, known := range knownErrors {
		if msg == known.Error() {
			return known
		}
		if strings.Contains(msg, known.Error()) {
			return fmt.Errorf("%w (%s)", known, msg)
		}
	}
	return err
}
