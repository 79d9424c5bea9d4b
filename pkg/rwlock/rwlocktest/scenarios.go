// Package rwlocktest runs read-write lock scenarios against any coord.Client implementation.
package rwlocktest

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pixperk/lowkey-rwlock/pkg/coord"
	"github.com/pixperk/lowkey-rwlock/pkg/coord/coordtest"
	"github.com/pixperk/lowkey-rwlock/pkg/rwlock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

const (
	grantTimeout = 10 * time.Second
	// how long a blocked request is watched to make sure it stays blocked
	settle = 200 * time.Millisecond
)

var runID atomic.Int64

// Run executes the scenarios, each against its own resource name
// opts apply to every lock the scenarios create
func Run(t *testing.T, connect coordtest.Connect, opts ...rwlock.Option) {
	cases := []struct {
		name string
		fn   func(t *testing.T, resource string, connect coordtest.Connect, opts []rwlock.Option)
	}{
		{"WritersInArrivalOrder", testWritersInArrivalOrder},
		{"ConcurrentReaders", testConcurrentReaders},
		{"MutualExclusion", testMutualExclusion},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resource := fmt.Sprintf("orders%d%d", time.Now().UnixNano(), runID.Add(1))
			tc.fn(t, resource, connect, opts)
		})
	}
}

func newLock(t *testing.T, connect coordtest.Connect, resource string, opts ...rwlock.Option) (*rwlock.ReadWriteLock, coord.Client) {
	t.Helper()
	client := connect(t)
	l, err := rwlock.New(client, resource, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		l.Close(context.Background())
		client.Close(context.Background())
	})
	return l, client
}

// ReadCount returns the reader count stored on the resource node, -1 when the node is gone
func ReadCount(t *testing.T, client coord.Client, l *rwlock.ReadWriteLock) int64 {
	t.Helper()
	data, _, err := client.GetData(context.Background(), l.ResourcePath())
	if err != nil {
		require.ErrorIs(t, err, coord.ErrNoNode)
		return -1
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	require.NoError(t, err)
	return n
}

// QueueLen returns the number of waiter nodes under the resource, 0 when the node is gone
func QueueLen(t *testing.T, client coord.Client, l *rwlock.ReadWriteLock) int {
	t.Helper()
	names, err := client.Children(context.Background(), l.ResourcePath())
	if err != nil {
		require.ErrorIs(t, err, coord.ErrNoNode)
		return 0
	}
	return len(names)
}

// two clients request the write lock, the first to ask is granted first
// and the second only after the first unlocks
func testWritersInArrivalOrder(t *testing.T, resource string, connect coordtest.Connect, opts []rwlock.Option) {
	ctx := context.Background()
	a, client := newLock(t, connect, resource, opts...)
	b, _ := newLock(t, connect, resource, opts...)

	require.NoError(t, a.WriteLock().Lock(ctx))

	granted := make(chan error, 1)
	go func() {
		granted <- b.WriteLock().Lock(ctx)
	}()

	require.Eventually(t, func() bool { return QueueLen(t, client, a) == 2 }, grantTimeout, 10*time.Millisecond)

	select {
	case <-granted:
		t.Fatal("second writer granted while first holds the lock")
	case <-time.After(settle):
	}

	require.NoError(t, a.WriteLock().Unlock(ctx))

	select {
	case err := <-granted:
		require.NoError(t, err)
	case <-time.After(grantTimeout):
		t.Fatal("second writer not granted after first unlocked")
	}

	_, write := b.Held()
	assert.True(t, write)
	require.NoError(t, b.WriteLock().Unlock(ctx))
}

// three readers with no writer around all get in, the count follows them
// and the resource node goes away with the last one
func testConcurrentReaders(t *testing.T, resource string, connect coordtest.Connect, opts []rwlock.Option) {
	ctx := context.Background()

	var locks []*rwlock.ReadWriteLock
	var client coord.Client
	for i := 0; i < 3; i++ {
		l, c := newLock(t, connect, resource, opts...)
		locks = append(locks, l)
		client = c
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, l := range locks {
		g.Go(func() error {
			return l.ReadLock().Lock(gctx)
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int64(3), ReadCount(t, client, locks[0]))

	for _, l := range locks {
		require.NoError(t, l.ReadLock().Unlock(ctx))
	}

	exists, err := client.Exists(ctx, locks[0].ResourcePath())
	require.NoError(t, err)
	assert.False(t, exists, "resource node should be removed once empty")
}

// readers and writers hammer one resource, at no point may a writer overlap anyone
func testMutualExclusion(t *testing.T, resource string, connect coordtest.Connect, opts []rwlock.Option) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	var (
		mu      sync.Mutex
		readers int
		writers int
		maxRead int
	)
	enter := func(write bool) error {
		mu.Lock()
		defer mu.Unlock()
		if write {
			if readers > 0 || writers > 0 {
				return fmt.Errorf("writer entered with %d readers and %d writers inside", readers, writers)
			}
			writers++
			return nil
		}
		if writers > 0 {
			return fmt.Errorf("reader entered with a writer inside")
		}
		readers++
		if readers > maxRead {
			maxRead = readers
		}
		return nil
	}
	leave := func(write bool) {
		mu.Lock()
		defer mu.Unlock()
		if write {
			writers--
		} else {
			readers--
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < 6; i++ {
		write := i%3 == 0
		l, _ := newLock(t, connect, resource, opts...)
		g.Go(func() error {
			locker := l.ReadLock()
			if write {
				locker = l.WriteLock()
			}
			for round := 0; round < 5; round++ {
				err := rwlock.WithLock(gctx, locker, func(ctx context.Context) error {
					if err := enter(write); err != nil {
						return err
					}
					time.Sleep(5 * time.Millisecond)
					leave(write)
					return nil
				})
				if err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.GreaterOrEqual(t, maxRead, 1)
}
