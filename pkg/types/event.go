package types

// kind of namespace change observed by watchers
type EventType uint8

const (
	EventNodeCreated EventType = iota + 1
	EventNodeDeleted
	EventNodeDataChanged
	EventNodeChildrenChanged
	EventSessionClosed
)

func (e EventType) String() string {
	switch e {
	case EventNodeCreated:
		return "node_created"
	case EventNodeDeleted:
		return "node_deleted"
	case EventNodeDataChanged:
		return "node_data_changed"
	case EventNodeChildrenChanged:
		return "node_children_changed"
	case EventSessionClosed:
		return "session_closed"
	default:
		return "unknown"
	}
}

// inverse of String, unknown names map to zero
func ParseEventType(name string) EventType {
	for t := EventNodeCreated; t <= EventSessionClosed; t++ {
		if t.String() == name {
			return t
		}
	}
	return 0
}

// a single change to the namespace, emitted by every mutating command
// session events carry the session and no path
type Event struct {
	Type      EventType
	Path      string
	SessionID uint64
}
