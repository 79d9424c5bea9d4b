package fsm

import (
	"encoding/json"
	"io"

	"github.com/hashicorp/raft"
	"github.com/pixperk/lowkey-rwlock/pkg/metrics"
	"github.com/pixperk/lowkey-rwlock/pkg/types"
)

// adapter to bridge Raft FSM with our internal FSM
type RaftFSM struct {
	fsm *FSM
}

func NewRaftFSM() *RaftFSM {
	return &RaftFSM{
		fsm: NewFSM(),
	}
}

// the namespace state behind the adapter, used for local reads
func (rf *RaftFSM) State() *FSM {
	return rf.fsm
}

// result of applying a log entry, raft hands back a single value so the error travels inside it
type ApplyResult struct {
	Response any
	Err      error
}

func (rf *RaftFSM) Apply(log *raft.Log) any {
	//s1 : decode the command from the log entry
	cmd, err := types.DecodeCommand(log.Data)
	if err != nil {
		return ApplyResult{Err: err}
	}

	//s2 : apply it to the namespace
	result, err := rf.fsm.Apply(cmd)
	return ApplyResult{Response: result, Err: err}
}

// create a snapshot of the current FSM state
func (rf *RaftFSM) Snapshot() (raft.FSMSnapshot, error) {
	rf.fsm.mu.RLock()
	defer rf.fsm.mu.RUnlock()

	snapshot := &fsmSnapshot{
		Nodes:         make(map[string]*types.Node, len(rf.fsm.nodes)),
		Sessions:      make(map[uint64]*types.Session, len(rf.fsm.sessions)),
		NextSessionID: rf.fsm.nextSessionID,
	}

	//deep copy nodes, sequence counters included
	for path, node := range rf.fsm.nodes {
		nodeCopy := *node
		nodeCopy.Data = append([]byte(nil), node.Data...)
		snapshot.Nodes[path] = &nodeCopy
	}

	//deep copy sessions
	for id, session := range rf.fsm.sessions {
		sessionCopy := *session
		snapshot.Sessions[id] = &sessionCopy
	}

	return snapshot, nil
}

// restores FSM state from snapshot
// when a node falls behind and needs to catch up or a new node joins
func (rf *RaftFSM) Restore(snapshot io.ReadCloser) error {
	defer snapshot.Close()

	var snap fsmSnapshot
	if err := json.NewDecoder(snapshot).Decode(&snap); err != nil {
		return err
	}

	rf.fsm.mu.Lock()
	defer rf.fsm.mu.Unlock()

	rf.fsm.resetTree()
	for path, node := range snap.Nodes {
		if path == types.RootPath {
			rf.fsm.nodes[path].CSeq = node.CSeq
			continue
		}
		rf.fsm.nodes[path] = node
		if _, ok := rf.fsm.children[path]; !ok {
			rf.fsm.children[path] = map[string]struct{}{}
		}
		parent, name := types.SplitPath(path)
		if _, ok := rf.fsm.children[parent]; !ok {
			rf.fsm.children[parent] = map[string]struct{}{}
		}
		rf.fsm.children[parent][name] = struct{}{}
	}

	//deadlines are offsets of the clock that wrote them, restart every session's ttl on ours
	rf.fsm.sessions = make(map[uint64]*types.Session, len(snap.Sessions))
	for id, session := range snap.Sessions {
		session.ExpiresAt = rf.fsm.clock.ExpiresAt(session.TTL)
		rf.fsm.sessions[id] = session
	}
	rf.fsm.nextSessionID = snap.NextSessionID
	metrics.SessionsActive.Set(float64(len(rf.fsm.sessions)))

	return nil
}

// point-in-time snapshot of FSM state
type fsmSnapshot struct {
	Nodes         map[string]*types.Node    `json:"nodes"`
	Sessions      map[uint64]*types.Session `json:"sessions"`
	NextSessionID uint64                    `json:"next_session_id"`
}

// persist snapshot to given sink
func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	if err := json.NewEncoder(sink).Encode(s); err != nil {
		sink.Cancel() //fail snapshot on error
		return err
	}
	return sink.Close() //mark snapshot as complete
}

// called when snapshot is no longer needed
// we have no resources to clean up here
func (s *fsmSnapshot) Release() {}
