package raft

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"
	"github.com/pixperk/lowkey-rwlock/pkg/fsm"
	"github.com/pixperk/lowkey-rwlock/pkg/metrics"
	"github.com/pixperk/lowkey-rwlock/pkg/storage"
	"github.com/pixperk/lowkey-rwlock/pkg/types"
	"github.com/pixperk/lowkey-rwlock/pkg/watch"
)

const (
	applyTimeout    = 5 * time.Second
	metricsInterval = time.Second
)

// wraps a raft inst with our namespace fsm and serves it as a coordination backend
// writes are replicated through the log, reads and watches are served from the local replica
type Node struct {
	raft      *raft.Raft
	fsm       *fsm.FSM
	raftFSM   *fsm.RaftFSM
	store     *storage.Storage
	transport raft.Transport
	watches   *watch.Registry
	cfg       *Config
	logger    hclog.Logger

	cancel       context.CancelFunc
	wg           sync.WaitGroup
	shutdownOnce sync.Once
	shutdownErr  error
}

type Config struct {
	NodeID       uuid.UUID     //unique ID for this node
	BindAddr     string        //net addr to bind Raft communication
	DataDir      string        //data directory for Raft storage
	Bootstrap    bool          //if this is the first node in the cluster
	InMemory     bool          //volatile stores and an in-process transport, DataDir is ignored
	ReapInterval time.Duration //how often the leader looks for lapsed sessions
	Logger       hclog.Logger
}

func NewNode(cfg *Config) (*Node, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	logger = logger.With("node_id", cfg.NodeID.String())

	raftFSM := fsm.NewRaftFSM()
	stateMachine := raftFSM.State()

	//every replica feeds its own watchers as it applies the log
	watches := watch.NewRegistry()
	stateMachine.SetEventSink(watches.Dispatch)

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID.String())
	raftCfg.Logger = logger.Named("raft")

	raftCfg.HeartbeatTimeout = 1000 * time.Millisecond
	raftCfg.ElectionTimeout = 1000 * time.Millisecond
	raftCfg.LeaderLeaseTimeout = 500 * time.Millisecond
	raftCfg.CommitTimeout = 50 * time.Millisecond //time to wait before committing entries
	raftCfg.SnapshotThreshold = 8192              // snapshot after 8K log entries

	var (
		raftStorage *storage.Storage
		transport   raft.Transport
		localAddr   raft.ServerAddress
	)

	if cfg.InMemory {
		raftStorage = storage.NewInMemoryStorage()
		addr, inmem := raft.NewInmemTransport(raft.ServerAddress(cfg.BindAddr))
		transport, localAddr = inmem, addr
	} else {
		//add boltDB storage
		var err error
		raftStorage, err = storage.NewBoltDBStorage(cfg.DataDir, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create stores: %w", err)
		}

		//tcp transport for inter-node communication
		addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
		if err != nil {
			raftStorage.Close()
			return nil, fmt.Errorf("failed to resolve bind addr: %w", err)
		}
		var advertise net.Addr = addr
		if addr.Port == 0 {
			advertise = nil //let the listener tell us the port it got
		}

		tcp, err := raft.NewTCPTransportWithLogger(cfg.BindAddr, advertise, 3, 10*time.Second, logger.Named("transport"))
		if err != nil {
			raftStorage.Close()
			return nil, fmt.Errorf("failed to create transport: %w", err)
		}
		transport, localAddr = tcp, tcp.LocalAddr()
	}

	r, err := raft.NewRaft(raftCfg, raftFSM, raftStorage.LogStore, raftStorage.StableStore, raftStorage.SnapshotStore, transport)
	if err != nil {
		raftStorage.Close()
		return nil, fmt.Errorf("failed to create raft: %w", err)
	}

	//bootstrap if needed
	if cfg.Bootstrap {
		configuration := raft.Configuration{
			Servers: []raft.Server{
				{
					ID:      raftCfg.LocalID,
					Address: localAddr,
				},
			},
		}

		if err := r.BootstrapCluster(configuration).Error(); err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
			r.Shutdown()
			raftStorage.Close()
			return nil, fmt.Errorf("failed to bootstrap cluster: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		raft:      r,
		fsm:       stateMachine,
		raftFSM:   raftFSM,
		store:     raftStorage,
		transport: transport,
		watches:   watches,
		cfg:       cfg,
		logger:    logger,
		cancel:    cancel,
	}

	//only the leader expires sessions, the expiry is replicated like any other write
	reaper := fsm.NewReaper(stateMachine, n.Apply, n.IsLeader, cfg.ReapInterval, logger.Named("reaper"))
	n.wg.Add(2)
	go func() {
		defer n.wg.Done()
		reaper.Run(ctx)
	}()
	go func() {
		defer n.wg.Done()
		n.metricsLoop(ctx)
	}()

	logger.Info("raft node started", "addr", localAddr, "bootstrap", cfg.Bootstrap, "in_memory", cfg.InMemory)
	return n, nil
}

// apply a command to the Raft cluster
// followers refuse with ErrNotLeader, clients are expected to go to GetLeader
func (n *Node) Apply(cmd types.Command) (any, error) {
	if !n.IsLeader() {
		return nil, types.ErrNotLeader
	}

	data, err := types.EncodeCommand(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to encode command: %w", err)
	}

	//replicate to cluster via Raft
	future := n.raft.Apply(data, applyTimeout)
	if err := future.Error(); err != nil {
		if errors.Is(err, raft.ErrNotLeader) || errors.Is(err, raft.ErrLeadershipLost) {
			return nil, fmt.Errorf("%w: %v", types.ErrNotLeader, err)
		}
		return nil, fmt.Errorf("failed to apply command: %w", err)
	}

	result, ok := future.Response().(fsm.ApplyResult)
	if !ok {
		return nil, fmt.Errorf("unexpected apply response %T", future.Response())
	}
	return result.Response, result.Err
}

func (n *Node) Get(path string) (*types.Node, bool) {
	return n.fsm.Get(path)
}

func (n *Node) Children(path string) ([]string, error) {
	return n.fsm.Children(path)
}

func (n *Node) Session(sessionID uint64) (*types.Session, bool) {
	return n.fsm.GetSession(sessionID)
}

func (n *Node) Watches() *watch.Registry {
	return n.watches
}

// returns true if this node is the leader
func (n *Node) IsLeader() bool {
	return n.raft.State() == raft.Leader
}

// returns the leader's address
func (n *Node) GetLeader() string {
	leaderAddr, _ := n.raft.LeaderWithID()
	return string(leaderAddr)
}

func (n *Node) NodeID() uuid.UUID {
	return n.cfg.NodeID
}

// address other nodes reach this one at
func (n *Node) Addr() string {
	return string(n.transport.LocalAddr())
}

// blocks until a leader is elected
func (n *Node) WaitForLeader(timeout time.Duration) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	timeoutCh := time.After(timeout)

	for {
		select {
		case <-timeoutCh:
			return fmt.Errorf("no leader elected within timeout")
		case <-ticker.C:
			if n.GetLeader() != "" {
				return nil
			}
		}
	}
}

// adds a voter to the cluster, must be called on the leader
func (n *Node) AddVoter(id uuid.UUID, addr string) error {
	if !n.IsLeader() {
		return types.ErrNotLeader
	}
	future := n.raft.AddVoter(raft.ServerID(id.String()), raft.ServerAddress(addr), 0, applyTimeout)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to add voter %s: %w", id, err)
	}
	n.logger.Info("voter added", "peer", id.String(), "addr", addr)
	return nil
}

// forces a snapshot of the namespace
func (n *Node) Snapshot() error {
	return n.raft.Snapshot().Error()
}

// returns FSM statistics
func (n *Node) Stats() fsm.Stats {
	return n.fsm.Stats()
}

// point-in-time view of this node for the admin endpoint
type Status struct {
	NodeID       string    `json:"node_id"`
	State        string    `json:"state"`
	IsLeader     bool      `json:"is_leader"`
	Leader       string    `json:"leader"`
	ClusterSize  int       `json:"cluster_size"`
	AppliedIndex uint64    `json:"applied_index"`
	Stats        fsm.Stats `json:"stats"`
}

func (n *Node) Status() Status {
	return Status{
		NodeID:       n.cfg.NodeID.String(),
		State:        n.raft.State().String(),
		IsLeader:     n.IsLeader(),
		Leader:       n.GetLeader(),
		ClusterSize:  n.clusterSize(),
		AppliedIndex: n.raft.AppliedIndex(),
		Stats:        n.fsm.Stats(),
	}
}

func (n *Node) clusterSize() int {
	future := n.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return 0
	}
	return len(future.Configuration().Servers)
}

func (n *Node) metricsLoop(ctx context.Context) {
	ticker := time.NewTicker(metricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n.IsLeader() {
				metrics.RaftIsLeader.Set(1)
			} else {
				metrics.RaftIsLeader.Set(0)
			}
			metrics.RaftPeers.Set(float64(n.clusterSize()))
			metrics.RaftAppliedIndex.Set(float64(n.raft.AppliedIndex()))
		}
	}
}

// gracefully shuts down the Raft node
// pending watches are closed, their sessions will have to reconnect elsewhere
func (n *Node) Shutdown() error {
	n.shutdownOnce.Do(func() {
		n.cancel()
		n.wg.Wait()

		n.shutdownErr = n.raft.Shutdown().Error()
		n.watches.CloseAll()
		if err := n.store.Close(); err != nil && n.shutdownErr == nil {
			n.shutdownErr = err
		}
		n.logger.Info("raft node stopped")
	})
	return n.shutdownErr
}
