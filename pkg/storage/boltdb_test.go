package storage

import (
	"testing"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBoltDBStores(t *testing.T) {
	stores, err := NewBoltDBStorage(t.TempDir(), nil)
	require.NoError(t, err)
	defer stores.Close()

	assert.NotNil(t, stores.LogStore)
	assert.NotNil(t, stores.StableStore)
	assert.NotNil(t, stores.SnapshotStore)
}

func TestLogStore(t *testing.T) {
	for name, open := range map[string]func(t *testing.T) *Storage{
		"boltdb": func(t *testing.T) *Storage {
			s, err := NewBoltDBStorage(t.TempDir(), nil)
			require.NoError(t, err)
			return s
		},
		"inmem": func(t *testing.T) *Storage { return NewInMemoryStorage() },
	} {
		t.Run(name, func(t *testing.T) {
			stores := open(t)
			defer stores.Close()

			//a replicated create-node command as it sits in the log
			log := &raft.Log{
				Index: 1,
				Term:  1,
				Type:  raft.LogCommand,
				Data:  []byte("\x08\x05\x2a\x0c/lock_orders"),
			}
			require.NoError(t, stores.LogStore.StoreLog(log))

			retrieved := &raft.Log{}
			require.NoError(t, stores.LogStore.GetLog(1, retrieved))

			assert.Equal(t, uint64(1), retrieved.Index)
			assert.Equal(t, log.Data, retrieved.Data)

			last, err := stores.LogStore.LastIndex()
			require.NoError(t, err)
			assert.Equal(t, uint64(1), last)
		})
	}
}

func TestSnapshotStore(t *testing.T) {
	stores, err := NewBoltDBStorage(t.TempDir(), nil)
	require.NoError(t, err)
	defer stores.Close()

	snapshotData := []byte(`{"nodes":{},"sessions":{},"next_session_id":1}`)

	sink, err := stores.SnapshotStore.Create(
		raft.SnapshotVersionMax,
		100, // last included index
		1,   // last included term
		raft.Configuration{},
		1,   // configuration index
		nil, // transport
	)
	require.NoError(t, err)

	_, err = sink.Write(snapshotData)
	require.NoError(t, err)
	require.NoError(t, sink.Close())

	snapshots, err := stores.SnapshotStore.List()
	require.NoError(t, err)
	require.Len(t, snapshots, 1)
	assert.Equal(t, uint64(100), snapshots[0].Index)
	assert.Equal(t, uint64(1), snapshots[0].Term)
}

func TestStoresPersistence(t *testing.T) {
	dir := t.TempDir()

	stores1, err := NewBoltDBStorage(dir, nil)
	require.NoError(t, err)
	require.NoError(t, stores1.StableStore.SetUint64([]byte("CurrentTerm"), 42))
	require.NoError(t, stores1.Close())

	stores2, err := NewBoltDBStorage(dir, nil)
	require.NoError(t, err)
	defer stores2.Close()

	term, err := stores2.StableStore.GetUint64([]byte("CurrentTerm"))
	require.NoError(t, err)
	assert.Equal(t, uint64(42), term)
}
