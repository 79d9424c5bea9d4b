package fsm

import (
	"fmt"
	"sort"
	"strconv"
	"sync"

	tm "time"

	"github.com/pixperk/lowkey-rwlock/pkg/metrics"
	"github.com/pixperk/lowkey-rwlock/pkg/time"
	"github.com/pixperk/lowkey-rwlock/pkg/types"
)

// manages the namespace tree and the sessions owning its ephemeral nodes
// critical :
// - a node's parent always exists
// - ephemeral nodes never have children
// - a session's ephemeral nodes vanish with the session
// - sequential suffixes under a parent never repeat
type FSM struct {
	mu sync.RWMutex

	nodes    map[string]*types.Node         // path -> Node
	children map[string]map[string]struct{} // parent path -> child names
	sessions map[uint64]*types.Session      // session ID -> Session

	nextSessionID uint64 // next session ID to assign

	clock *time.Clock // monotonic clock

	sink func([]types.Event) // receives the events of every mutation
}

func NewFSM() *FSM {
	return NewFSMWithClock(time.NewClock())
}

func NewFSMWithClock(clock *time.Clock) *FSM {
	f := &FSM{
		sessions:      make(map[uint64]*types.Session),
		nextSessionID: 1, //0 marks persistent nodes
		clock:         clock,
	}
	f.resetTree()
	return f
}

func (f *FSM) resetTree() {
	f.nodes = map[string]*types.Node{
		types.RootPath: {Path: types.RootPath},
	}
	f.children = map[string]map[string]struct{}{
		types.RootPath: {},
	}
}

// registers the receiver of namespace events
// the sink runs under the state lock so events arrive in apply order, it must not call back into the FSM
func (f *FSM) SetEventSink(sink func([]types.Event)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sink = sink
}

// applies a command to the FSM and returns the result or error
func (f *FSM) Apply(cmd types.Command) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var (
		result any
		events []types.Event
		err    error
	)

	switch c := cmd.(type) {
	case types.CreateSessionCmd:
		result, err = f.applyCreateSession(c)
	case types.RenewSessionCmd:
		result, err = f.applyRenewSession(c)
	case types.CloseSessionCmd:
		result, events, err = f.applyRemoveSession(c.SessionID)
	case types.ExpireSessionCmd:
		result, events, err = f.applyRemoveSession(c.SessionID)
	case types.CreateNodeCmd:
		result, events, err = f.applyCreateNode(c)
	case types.DeleteNodeCmd:
		result, events, err = f.applyDeleteNode(c)
	case types.SetDataCmd:
		result, events, err = f.applySetData(c)
	default:
		return nil, fmt.Errorf("unknown command type: %T", cmd)
	}

	if err != nil {
		return nil, err
	}
	if f.sink != nil && len(events) > 0 {
		f.sink(events)
	}
	return result, nil
}

// returned when a session is created
type CreateSessionResponse struct {
	SessionID uint64
	ExpiresAt tm.Duration
}

func (f *FSM) applyCreateSession(cmd types.CreateSessionCmd) (any, error) {
	if cmd.TTL <= 0 {
		return nil, types.ErrInvalidTTL
	}

	sessionID := f.nextSessionID
	f.nextSessionID++

	expiresAt := f.clock.ExpiresAt(cmd.TTL)

	f.sessions[sessionID] = &types.Session{
		SessionID: sessionID,
		OwnerID:   cmd.OwnerID,
		ExpiresAt: expiresAt,
		TTL:       cmd.TTL,
	}
	metrics.SessionCreateTotal.Inc()
	metrics.SessionsActive.Inc()

	return CreateSessionResponse{
		SessionID: sessionID,
		ExpiresAt: expiresAt,
	}, nil
}

// returned when a session is renewed
type RenewSessionResponse struct {
	ExpiresAt tm.Duration
}

func (f *FSM) applyRenewSession(cmd types.RenewSessionCmd) (any, error) {
	session, err := f.liveSession(cmd.SessionID)
	if err != nil {
		return nil, err
	}

	session.ExpiresAt = f.clock.ExpiresAt(session.TTL)

	return RenewSessionResponse{
		ExpiresAt: session.ExpiresAt,
	}, nil
}

// returned when a session is closed or expired
type RemoveSessionResponse struct {
	NodesDeleted int
}

// close and expire share the effect: the session and all its ephemeral nodes are gone
func (f *FSM) applyRemoveSession(sessionID uint64) (any, []types.Event, error) {
	if _, exists := f.sessions[sessionID]; !exists {
		return nil, nil, types.ErrSessionNotFound
	}

	var owned []string
	for path, node := range f.nodes {
		if node.EphemeralOwner == sessionID {
			owned = append(owned, path)
		}
	}
	sort.Strings(owned)

	var events []types.Event
	for _, path := range owned {
		events = append(events, f.removeNode(path)...)
	}

	delete(f.sessions, sessionID)
	metrics.SessionsActive.Dec()
	events = append(events, types.Event{Type: types.EventSessionClosed, SessionID: sessionID})

	return RemoveSessionResponse{
		NodesDeleted: len(owned),
	}, events, nil
}

// returned when a node is created, Path is the final path including any sequence suffix
type CreateNodeResponse struct {
	Path string
}

func (f *FSM) applyCreateNode(cmd types.CreateNodeCmd) (any, []types.Event, error) {
	if err := types.ValidatePath(cmd.Path); err != nil {
		return nil, nil, err
	}
	if cmd.Path == types.RootPath {
		return nil, nil, types.ErrNodeExists
	}

	parentPath, name := types.SplitPath(cmd.Path)
	parent, exists := f.nodes[parentPath]
	if !exists {
		return nil, nil, types.ErrNoNode
	}
	if parent.IsEphemeral() {
		return nil, nil, types.ErrNoChildrenForEphemerals
	}

	var owner uint64
	if cmd.Ephemeral {
		if _, err := f.liveSession(cmd.SessionID); err != nil {
			return nil, nil, err
		}
		owner = cmd.SessionID
	}

	if cmd.Sequential {
		//suffix is the parent's counter in plain decimal, consumed even if the create fails below
		name += strconv.FormatUint(parent.CSeq, 10)
		parent.CSeq++
	}

	path := types.JoinPath(parentPath, name)
	if _, exists := f.nodes[path]; exists {
		return nil, nil, types.ErrNodeExists
	}

	f.nodes[path] = &types.Node{
		Path:           path,
		Data:           append([]byte(nil), cmd.Data...),
		EphemeralOwner: owner,
	}
	f.children[path] = map[string]struct{}{}
	f.children[parentPath][name] = struct{}{}

	events := []types.Event{
		{Type: types.EventNodeCreated, Path: path},
		{Type: types.EventNodeChildrenChanged, Path: parentPath},
	}

	return CreateNodeResponse{Path: path}, events, nil
}

// returned when a node is deleted
type DeleteNodeResponse struct {
	Deleted bool
}

func (f *FSM) applyDeleteNode(cmd types.DeleteNodeCmd) (any, []types.Event, error) {
	if err := types.ValidatePath(cmd.Path); err != nil {
		return nil, nil, err
	}
	if cmd.Path == types.RootPath {
		return nil, nil, fmt.Errorf("%w: cannot delete root", types.ErrInvalidPath)
	}

	node, exists := f.nodes[cmd.Path]
	if !exists {
		return nil, nil, types.ErrNoNode
	}
	if cmd.Version != types.AnyVersion && cmd.Version != node.Version {
		return nil, nil, types.ErrBadVersion
	}
	if len(f.children[cmd.Path]) > 0 {
		return nil, nil, types.ErrNotEmpty
	}

	events := f.removeNode(cmd.Path)

	return DeleteNodeResponse{Deleted: true}, events, nil
}

// drops a childless node and unlinks it from its parent
func (f *FSM) removeNode(path string) []types.Event {
	parentPath, name := types.SplitPath(path)

	delete(f.nodes, path)
	delete(f.children, path)
	if siblings, ok := f.children[parentPath]; ok {
		delete(siblings, name)
	}

	return []types.Event{
		{Type: types.EventNodeDeleted, Path: path},
		{Type: types.EventNodeChildrenChanged, Path: parentPath},
	}
}

// returned when node data is written
type SetDataResponse struct {
	Version int64
}

func (f *FSM) applySetData(cmd types.SetDataCmd) (any, []types.Event, error) {
	if err := types.ValidatePath(cmd.Path); err != nil {
		return nil, nil, err
	}

	node, exists := f.nodes[cmd.Path]
	if !exists {
		return nil, nil, types.ErrNoNode
	}
	if cmd.Version != types.AnyVersion && cmd.Version != node.Version {
		return nil, nil, types.ErrBadVersion
	}

	node.Data = append([]byte(nil), cmd.Data...)
	node.Version++

	events := []types.Event{
		{Type: types.EventNodeDataChanged, Path: cmd.Path},
	}

	return SetDataResponse{Version: node.Version}, events, nil
}

func (f *FSM) liveSession(sessionID uint64) (*types.Session, error) {
	session, exists := f.sessions[sessionID]
	if !exists {
		return nil, types.ErrSessionNotFound
	}
	if session.IsExpired(f.clock.Elapsed()) {
		return nil, types.ErrSessionExpired
	}
	return session, nil
}

// returns a copy of the node at path
func (f *FSM) Get(path string) (*types.Node, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	node, exists := f.nodes[path]
	if !exists {
		return nil, false
	}
	nodeCopy := *node
	nodeCopy.Data = append([]byte(nil), node.Data...)
	return &nodeCopy, true
}

// returns node metadata
func (f *FSM) Stat(path string) (types.Stat, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	node, exists := f.nodes[path]
	if !exists {
		return types.Stat{}, false
	}
	return types.Stat{
		Version:        node.Version,
		EphemeralOwner: node.EphemeralOwner,
		NumChildren:    len(f.children[path]),
	}, true
}

func (f *FSM) Exists(path string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()

	_, exists := f.nodes[path]
	return exists
}

// returns the child names of path in no particular order
func (f *FSM) Children(path string) ([]string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	kids, exists := f.children[path]
	if !exists {
		return nil, types.ErrNoNode
	}

	names := make([]string, 0, len(kids))
	for name := range kids {
		names = append(names, name)
	}
	return names, nil
}

// returns a session by ID
func (f *FSM) GetSession(sessionID uint64) (*types.Session, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	session, exists := f.sessions[sessionID]
	if !exists {
		return nil, false
	}
	sessionCopy := *session
	return &sessionCopy, true
}

// current fsm stats
type Stats struct {
	Nodes      int
	Ephemerals int
	Sessions   int
}

func (f *FSM) Stats() Stats {
	f.mu.RLock()
	defer f.mu.RUnlock()

	stats := Stats{
		Nodes:    len(f.nodes) - 1, //root is implicit
		Sessions: len(f.sessions),
	}
	for _, node := range f.nodes {
		if node.IsEphemeral() {
			stats.Ephemerals++
		}
	}
	return stats
}

// returns all session IDs that have expired
func (f *FSM) GetExpiredSessions(now tm.Duration) []uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var expired []uint64
	for sessionID, session := range f.sessions {
		if session.IsExpired(now) {
			expired = append(expired, sessionID)
		}
	}

	return expired
}

func (f *FSM) CurrentTime() tm.Duration {
	return f.clock.Elapsed()
}

func (f *FSM) Clock() *time.Clock {
	return f.clock
}
