package rwlock

// Policy decides how readers queue behind writers
// writers are FIFO across both modes under either policy
type Policy uint8

const (
	// readers join an active read phase regardless of writers queued before them
	// lower read latency, a writer can starve under constant read load
	NonFair Policy = iota
	// readers never pass a writer that queued earlier
	Fair
)

func (p Policy) String() string {
	switch p {
	case NonFair:
		return "non_fair"
	case Fair:
		return "fair"
	default:
		return "unknown"
	}
}

// reports whether a writer sits anywhere in q[0:idx], which bars the reader at idx from joining
// the non-fair policy has no such rule
func (p Policy) writerAhead(q []waiter, idx int) bool {
	if p != Fair {
		return false
	}
	for i := 0; i < idx && i < len(q); i++ {
		if q[i].mode == modeWrite {
			return true
		}
	}
	return false
}

// the node a waiting reader at idx watches for deletion
// false means no writer blocks it and it only has to wait for the read phase to open
func (p Policy) readerPredecessor(q []waiter, idx int) (waiter, bool) {
	if p == Fair {
		//nearest writer before self
		for i := idx - 1; i >= 0; i-- {
			if q[i].mode == modeWrite {
				return q[i], true
			}
		}
		return waiter{}, false
	}

	//the writer right before the first reader of the queue
	for i, w := range q {
		if w.mode == modeRead {
			if i == 0 {
				return waiter{}, false
			}
			return q[i-1], true
		}
	}
	return waiter{}, false
}
