package storage

import (
	"io"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"
)

// number of fsm snapshots kept on disk
const snapshotsRetained = 3

// Storage bundles the stores a raft node needs
// logstore : raft log entries, the replicated coordination commands
// stablestore : term and vote metadata [stable = survives restarts]
// snapshotstore : snapshots of the namespace tree and sessions
type Storage struct {
	LogStore      raft.LogStore
	StableStore   raft.StableStore
	SnapshotStore raft.SnapshotStore

	closer io.Closer
}

// opens durable stores under dataDir
func NewBoltDBStorage(dataDir string, logger hclog.Logger) (*Storage, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	dbPath := filepath.Join(dataDir, "raft.db")

	//boltDB is used for both log and stable storage
	boltDB, err := raftboltdb.New(raftboltdb.Options{
		Path: dbPath,
	})
	if err != nil {
		return nil, err
	}

	//snapshot store (file-based)
	snapshotDir := filepath.Join(dataDir, "snapshots")
	snapshotStore, err := raft.NewFileSnapshotStoreWithLogger(snapshotDir, snapshotsRetained, logger.Named("snapshots"))
	if err != nil {
		boltDB.Close()
		return nil, err
	}

	return &Storage{
		LogStore:      boltDB,
		StableStore:   boltDB,
		SnapshotStore: snapshotStore,
		closer:        boltDB,
	}, nil
}

// volatile stores for tests and throwaway single-process nodes
func NewInMemoryStorage() *Storage {
	store := raft.NewInmemStore()
	return &Storage{
		LogStore:      store,
		StableStore:   store,
		SnapshotStore: raft.NewInmemSnapshotStore(),
	}
}

func (s *Storage) Close() error {
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}
