package types

import "time"

// type of FSM command
type CommandType uint

const (
	CommandTypeCreateSession CommandType = iota + 1
	CommandTypeRenewSession
	CommandTypeCloseSession
	CommandTypeExpireSession
	CommandTypeCreateNode
	CommandTypeDeleteNode
	CommandTypeSetData
)

// AnyVersion disables the version check of delete and set-data commands
const AnyVersion int64 = -1

// interface all FSM commands implement
type Command interface {
	Type() CommandType
}

// opens a new session
type CreateSessionCmd struct {
	OwnerID string
	TTL     time.Duration
}

func (c CreateSessionCmd) Type() CommandType { return CommandTypeCreateSession }

// renews an existing session (heartbeat)
type RenewSessionCmd struct {
	SessionID uint64
}

func (c RenewSessionCmd) Type() CommandType { return CommandTypeRenewSession }

// closes a session on client request and deletes its ephemeral nodes
type CloseSessionCmd struct {
	SessionID uint64
}

func (c CloseSessionCmd) Type() CommandType { return CommandTypeCloseSession }

// expires a session and deletes its ephemeral nodes (internal)
type ExpireSessionCmd struct {
	SessionID uint64
}

func (c ExpireSessionCmd) Type() CommandType { return CommandTypeExpireSession }

// creates a node, optionally ephemeral and/or sequential
// for sequential nodes Path is the prefix the counter gets appended to
type CreateNodeCmd struct {
	Path       string
	Data       []byte
	Ephemeral  bool
	Sequential bool
	SessionID  uint64
}

func (c CreateNodeCmd) Type() CommandType { return CommandTypeCreateNode }

// deletes a node if its version matches (AnyVersion skips the check)
type DeleteNodeCmd struct {
	Path    string
	Version int64
}

func (c DeleteNodeCmd) Type() CommandType { return CommandTypeDeleteNode }

// version checked write of node data
type SetDataCmd struct {
	Path    string
	Data    []byte
	Version int64
}

func (c SetDataCmd) Type() CommandType { return CommandTypeSetData }
