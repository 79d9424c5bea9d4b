package rwlock

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// requested access of a waiter node
type mode uint8

const (
	modeRead mode = iota + 1
	modeWrite
)

func (m mode) String() string {
	switch m {
	case modeRead:
		return "read"
	case modeWrite:
		return "write"
	default:
		return "unknown"
	}
}

// waiter node names are <tag><identity>_<sequence>
const (
	readTag   = "r_"
	writeTag  = "w_"
	separator = "_"
)

func (m mode) tag() string {
	if m == modeWrite {
		return writeTag
	}
	return readTag
}

// prefix the service appends the sequence number to
func nodePrefix(m mode, identity string) string {
	return m.tag() + identity + separator
}

// one entry of the lock queue
type waiter struct {
	name     string
	mode     mode
	identity string
	seq      int64
}

func parseWaiter(name string) (waiter, error) {
	var m mode
	switch {
	case strings.HasPrefix(name, readTag):
		m = modeRead
	case strings.HasPrefix(name, writeTag):
		m = modeWrite
	default:
		return waiter{}, fmt.Errorf("%w: unexpected node %q under lock", ErrSystem, name)
	}

	i := strings.LastIndex(name, separator)
	if i < len(m.tag()) {
		return waiter{}, fmt.Errorf("%w: node %q has no sequence", ErrSystem, name)
	}
	//suffixes are decimal and may or may not be zero padded, so sort numerically
	seq, err := strconv.ParseInt(name[i+1:], 10, 64)
	if err != nil {
		return waiter{}, fmt.Errorf("%w: node %q has no sequence", ErrSystem, name)
	}

	return waiter{
		name:     name,
		mode:     m,
		identity: strings.TrimSuffix(name[len(m.tag()):i+1], separator),
		seq:      seq,
	}, nil
}

// builds the queue from an unordered child listing, ascending by sequence
func buildQueue(names []string) ([]waiter, error) {
	q := make([]waiter, 0, len(names))
	for _, name := range names {
		w, err := parseWaiter(name)
		if err != nil {
			return nil, err
		}
		q = append(q, w)
	}

	sort.Slice(q, func(i, j int) bool {
		if q[i].seq != q[j].seq {
			return q[i].seq < q[j].seq
		}
		return q[i].name < q[j].name
	})
	return q, nil
}

// position of name in q, -1 when absent
func queueIndex(q []waiter, name string) int {
	for i, w := range q {
		if w.name == name {
			return i
		}
	}
	return -1
}

// a writer waits for whatever sits right before it, any mode
func writerPredecessor(q []waiter, idx int) (waiter, bool) {
	if idx <= 0 || idx > len(q) {
		return waiter{}, false
	}
	return q[idx-1], true
}

func hasReaders(q []waiter) bool {
	for _, w := range q {
		if w.mode == modeRead {
			return true
		}
	}
	return false
}
