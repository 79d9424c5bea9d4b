package types

import "errors"

var (
	// Session errors
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExpired  = errors.New("session has expired")
	ErrSessionClosed   = errors.New("session is closed")
	ErrInvalidTTL      = errors.New("invalid session TTL")

	// Node errors
	ErrNoNode                  = errors.New("node does not exist")
	ErrNodeExists              = errors.New("node already exists")
	ErrBadVersion              = errors.New("version conflict")
	ErrNotEmpty                = errors.New("node has children")
	ErrNoChildrenForEphemerals = errors.New("ephemeral nodes may not have children")
	ErrInvalidPath             = errors.New("invalid node path")

	// Cluster errors
	ErrNotLeader = errors.New("node is not the leader")
)
