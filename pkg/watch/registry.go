package watch

import (
	"sync"

	"github.com/pixperk/lowkey-rwlock/pkg/metrics"
	"github.com/pixperk/lowkey-rwlock/pkg/types"
)

// what a watch waits for
type Kind uint8

const (
	KindDelete Kind = iota + 1 // node removal
	KindData                   // data write or removal
)

func (k Kind) String() string {
	switch k {
	case KindDelete:
		return "delete"
	case KindData:
		return "data"
	default:
		return "unknown"
	}
}

type key struct {
	path string
	kind Kind
}

// a one-shot registration
// C yields the triggering event and is then closed
// it is closed without a value when the owning session ends or the watch is removed
type Watch struct {
	id      uint64
	key     key
	session uint64
	ch      chan types.Event
}

func (w *Watch) C() <-chan types.Event {
	return w.ch
}

func (w *Watch) Path() string {
	return w.key.path
}

func (w *Watch) Kind() Kind {
	return w.key.kind
}

// pending watches keyed by path and kind
// fed with namespace events, each watch fires at most once and is forgotten
type Registry struct {
	mu sync.Mutex

	byKey     map[key]map[uint64]*Watch
	bySession map[uint64]map[uint64]*Watch
	nextID    uint64
}

func NewRegistry() *Registry {
	return &Registry{
		byKey:     make(map[key]map[uint64]*Watch),
		bySession: make(map[uint64]map[uint64]*Watch),
	}
}

// registers a watch
// callers register before reading the state they watch so a change in between is never missed
func (r *Registry) Add(sessionID uint64, path string, kind Kind) *Watch {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	w := &Watch{
		id:      r.nextID,
		key:     key{path: path, kind: kind},
		session: sessionID,
		ch:      make(chan types.Event, 1),
	}

	if r.byKey[w.key] == nil {
		r.byKey[w.key] = make(map[uint64]*Watch)
	}
	r.byKey[w.key][w.id] = w

	if r.bySession[sessionID] == nil {
		r.bySession[sessionID] = make(map[uint64]*Watch)
	}
	r.bySession[sessionID][w.id] = w

	metrics.WatchesActive.Inc()
	return w
}

// drops a watch that has not fired, closing its channel
// removing a fired watch is a no-op
func (r *Registry) Remove(w *Watch) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.detach(w) {
		close(w.ch)
	}
}

// fires every watch matching the events
func (r *Registry) Dispatch(events []types.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, ev := range events {
		switch ev.Type {
		case types.EventNodeDeleted:
			r.fire(key{path: ev.Path, kind: KindDelete}, ev)
			r.fire(key{path: ev.Path, kind: KindData}, ev)
		case types.EventNodeDataChanged:
			r.fire(key{path: ev.Path, kind: KindData}, ev)
		case types.EventSessionClosed:
			r.closeSession(ev.SessionID)
		}
	}
}

func (r *Registry) fire(k key, ev types.Event) {
	for _, w := range r.byKey[k] {
		r.detach(w)
		w.ch <- ev
		close(w.ch)
		metrics.WatchFiredTotal.WithLabelValues(k.kind.String()).Inc()
	}
}

// closes all pending watches of a session
func (r *Registry) CloseSession(sessionID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closeSession(sessionID)
}

func (r *Registry) closeSession(sessionID uint64) {
	for _, w := range r.bySession[sessionID] {
		r.detach(w)
		close(w.ch)
	}
}

// closes every pending watch
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for sessionID := range r.bySession {
		for _, w := range r.bySession[sessionID] {
			r.detach(w)
			close(w.ch)
		}
	}
}

// number of pending watches
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, ws := range r.byKey {
		n += len(ws)
	}
	return n
}

// unlinks w, reports false if it was already gone
func (r *Registry) detach(w *Watch) bool {
	ws, ok := r.byKey[w.key]
	if !ok {
		return false
	}
	if _, ok := ws[w.id]; !ok {
		return false
	}

	delete(ws, w.id)
	if len(ws) == 0 {
		delete(r.byKey, w.key)
	}
	if ss := r.bySession[w.session]; ss != nil {
		delete(ss, w.id)
		if len(ss) == 0 {
			delete(r.bySession, w.session)
		}
	}

	metrics.WatchesActive.Dec()
	return true
}
