package types

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// wire field numbers of a replicated command
// the layout is a flat protobuf message, so entries stay readable by any protobuf decoder
const (
	fieldType       protowire.Number = 1
	fieldOwnerID    protowire.Number = 2
	fieldTTL        protowire.Number = 3
	fieldSessionID  protowire.Number = 4
	fieldPath       protowire.Number = 5
	fieldData       protowire.Number = 6
	fieldEphemeral  protowire.Number = 7
	fieldSequential protowire.Number = 8
	fieldVersion    protowire.Number = 9
)

// serializes a command into the bytes stored in the raft log
func EncodeCommand(cmd Command) ([]byte, error) {
	b := protowire.AppendTag(nil, fieldType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(cmd.Type()))

	switch c := cmd.(type) {
	case CreateSessionCmd:
		b = appendString(b, fieldOwnerID, c.OwnerID)
		b = appendVarint(b, fieldTTL, uint64(c.TTL))
	case RenewSessionCmd:
		b = appendVarint(b, fieldSessionID, c.SessionID)
	case CloseSessionCmd:
		b = appendVarint(b, fieldSessionID, c.SessionID)
	case ExpireSessionCmd:
		b = appendVarint(b, fieldSessionID, c.SessionID)
	case CreateNodeCmd:
		b = appendString(b, fieldPath, c.Path)
		b = appendBytes(b, fieldData, c.Data)
		b = appendVarint(b, fieldEphemeral, protowire.EncodeBool(c.Ephemeral))
		b = appendVarint(b, fieldSequential, protowire.EncodeBool(c.Sequential))
		b = appendVarint(b, fieldSessionID, c.SessionID)
	case DeleteNodeCmd:
		b = appendString(b, fieldPath, c.Path)
		b = appendVarint(b, fieldVersion, protowire.EncodeZigZag(c.Version))
	case SetDataCmd:
		b = appendString(b, fieldPath, c.Path)
		b = appendBytes(b, fieldData, c.Data)
		b = appendVarint(b, fieldVersion, protowire.EncodeZigZag(c.Version))
	default:
		return nil, fmt.Errorf("unknown command type: %T", cmd)
	}

	return b, nil
}

// decoded field values, shared by all command types
type commandFields struct {
	typ        CommandType
	ownerID    string
	ttl        time.Duration
	sessionID  uint64
	path       string
	data       []byte
	ephemeral  bool
	sequential bool
	version    int64
}

// parses bytes produced by EncodeCommand
func DecodeCommand(b []byte) (Command, error) {
	var f commandFields

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("decode command tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("decode command field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			f.setVarint(num, v)

		case typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("decode command field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			f.setBytes(num, v)

		default:
			//skip fields written by newer versions
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("skip command field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	return f.command()
}

func (f *commandFields) setVarint(num protowire.Number, v uint64) {
	switch num {
	case fieldType:
		f.typ = CommandType(v)
	case fieldTTL:
		f.ttl = time.Duration(v)
	case fieldSessionID:
		f.sessionID = v
	case fieldEphemeral:
		f.ephemeral = protowire.DecodeBool(v)
	case fieldSequential:
		f.sequential = protowire.DecodeBool(v)
	case fieldVersion:
		f.version = protowire.DecodeZigZag(v)
	}
}

func (f *commandFields) setBytes(num protowire.Number, v []byte) {
	switch num {
	case fieldOwnerID:
		f.ownerID = string(v)
	case fieldPath:
		f.path = string(v)
	case fieldData:
		f.data = append([]byte(nil), v...)
	}
}

func (f *commandFields) command() (Command, error) {
	switch f.typ {
	case CommandTypeCreateSession:
		return CreateSessionCmd{OwnerID: f.ownerID, TTL: f.ttl}, nil
	case CommandTypeRenewSession:
		return RenewSessionCmd{SessionID: f.sessionID}, nil
	case CommandTypeCloseSession:
		return CloseSessionCmd{SessionID: f.sessionID}, nil
	case CommandTypeExpireSession:
		return ExpireSessionCmd{SessionID: f.sessionID}, nil
	case CommandTypeCreateNode:
		return CreateNodeCmd{
			Path:       f.path,
			Data:       f.data,
			Ephemeral:  f.ephemeral,
			Sequential: f.sequential,
			SessionID:  f.sessionID,
		}, nil
	case CommandTypeDeleteNode:
		return DeleteNodeCmd{Path: f.path, Version: f.version}, nil
	case CommandTypeSetData:
		return SetDataCmd{Path: f.path, Data: f.data, Version: f.version}, nil
	default:
		return nil, fmt.Errorf("unknown command type: %d", f.typ)
	}
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}
