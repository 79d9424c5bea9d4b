// Package coord is the narrow set of coordination primitives the lock protocol is written against.
//
// Implementations exist over the in-process and raft backends of this module (Session),
// over gRPC (pkg/client), Redis (pkg/redisstore) and ZooKeeper (pkg/zkstore).
// All of them pass the conformance suite in coordtest.
package coord

import (
	"context"

	"github.com/pixperk/lowkey-rwlock/pkg/types"
)

// errors every implementation reports, compare with errors.Is
var (
	ErrNoNode                  = types.ErrNoNode
	ErrNodeExists              = types.ErrNodeExists
	ErrBadVersion              = types.ErrBadVersion
	ErrNotEmpty                = types.ErrNotEmpty
	ErrNoChildrenForEphemerals = types.ErrNoChildrenForEphemerals
	ErrInvalidPath             = types.ErrInvalidPath
	ErrSessionNotFound         = types.ErrSessionNotFound
	ErrSessionExpired          = types.ErrSessionExpired
	ErrSessionClosed           = types.ErrSessionClosed
	ErrNotLeader               = types.ErrNotLeader
)

// Client is one session against a coordination service.
//
// Watches are one-shot: the channel yields at most one event and is then closed.
// A channel closed without an event means the session ended or the watch was dropped by the service;
// callers re-read the state they were waiting on either way.
// A watch lives as long as the ctx it was set with: once ctx ends the channel closes without an event
// and the registration is dropped.
type Client interface {
	// reports whether a node exists at path
	Exists(ctx context.Context, path string) (bool, error)

	// creates a persistent node, fails with ErrNodeExists if one is already there
	CreatePersistent(ctx context.Context, path string, data []byte) error

	// creates an ephemeral node under parent named prefix plus a service assigned sequence number,
	// returns the assigned name (not the full path)
	CreateEphemeralSequential(ctx context.Context, parent, prefix string, data []byte) (string, error)

	// deletes the node at path regardless of version, a missing node is not an error
	Delete(ctx context.Context, path string) error

	// child names of path, unordered
	Children(ctx context.Context, path string) ([]string, error)

	// node data and its version
	GetData(ctx context.Context, path string) ([]byte, int64, error)

	// writes data if the node is still at version, returns the new version or ErrBadVersion
	SetData(ctx context.Context, path string, data []byte, version int64) (int64, error)

	// watches path for deletion
	// the watch is registered before existence is checked, exists=false means there is nothing to wait for
	WatchDelete(ctx context.Context, path string) (bool, <-chan types.Event, error)

	// reads path and watches it for the next data change or deletion
	WatchData(ctx context.Context, path string) ([]byte, int64, <-chan types.Event, error)

	// ends the session, its ephemeral nodes are removed
	Close(ctx context.Context) error
}
