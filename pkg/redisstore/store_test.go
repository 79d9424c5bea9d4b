package redisstore

import (
	"context"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pixperk/lowkey-rwlock/pkg/coord"
	"github.com/pixperk/lowkey-rwlock/pkg/coord/coordtest"
	"github.com/pixperk/lowkey-rwlock/pkg/rwlock"
	"github.com/pixperk/lowkey-rwlock/pkg/rwlock/rwlocktest"
	"github.com/pixperk/lowkey-rwlock/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	opts := DefaultOptions()
	opts.Addr = mr.Addr()
	opts.ReapInterval = 20 * time.Millisecond

	s, err := NewStore(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, mr
}

func connector(s *Store) coordtest.Connect {
	return func(t *testing.T) coord.Client {
		sess, err := s.Connect(context.Background(), coord.SessionConfig{OwnerID: t.Name(), TTL: time.Minute})
		require.NoError(t, err)
		t.Cleanup(func() { sess.Close(context.Background()) })
		return sess
	}
}

func TestRedisConformance(t *testing.T) {
	s, _ := newTestStore(t)
	coordtest.Run(t, connector(s))
}

func TestRedisLockScenarios(t *testing.T) {
	s, _ := newTestStore(t)
	rwlocktest.Run(t, connector(s))
}

func TestRedisLockScenariosFair(t *testing.T) {
	s, _ := newTestStore(t)
	rwlocktest.Run(t, connector(s), rwlock.WithFair())
}

// TestRedisTimedOutWaitsUnsubscribe tests that abandoned waits give back their pub/sub connections
func TestRedisTimedOutWaitsUnsubscribe(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	connect := connector(s)

	holder, err := rwlock.New(connect(t), "orders")
	require.NoError(t, err)
	waiter, err := rwlock.New(connect(t), "orders")
	require.NoError(t, err)

	require.NoError(t, holder.WriteLock().Lock(ctx))
	baseline := mr.CurrentConnectionCount()

	for i := 0; i < 20; i++ {
		ok, err := waiter.WriteLock().TryLockTimeout(ctx, 10*time.Millisecond)
		require.NoError(t, err)
		require.False(t, ok)
	}

	//pooled connections may grow by one under concurrent heartbeats, subscriptions must all be gone
	require.Eventually(t, func() bool {
		return mr.CurrentConnectionCount() <= baseline+1
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, holder.WriteLock().Unlock(ctx))
}

func TestRedisSessionExpiry(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	owner, err := s.Connect(ctx, coord.SessionConfig{OwnerID: "owner", TTL: 300 * time.Millisecond})
	require.NoError(t, err)
	watcher, err := s.Connect(ctx, coord.SessionConfig{OwnerID: "watcher", TTL: time.Minute})
	require.NoError(t, err)
	defer watcher.Close(ctx)

	require.NoError(t, watcher.CreatePersistent(ctx, "/lock_orders", []byte("0")))
	name, err := owner.CreateEphemeralSequential(ctx, "/lock_orders", "w_a_", nil)
	require.NoError(t, err)

	exists, ch, err := watcher.WatchDelete(ctx, "/lock_orders/"+name)
	require.NoError(t, err)
	require.True(t, exists)

	//miniredis only moves ttls when told to
	mr.FastForward(time.Second)

	select {
	case ev, ok := <-ch:
		require.True(t, ok)
		assert.Equal(t, types.EventNodeDeleted, ev.Type)
	case <-time.After(5 * time.Second):
		t.Fatal("ephemeral of the expired session not removed")
	}

	require.Eventually(t, func() bool {
		_, err := owner.Exists(ctx, "/")
		return err != nil
	}, 5*time.Second, 10*time.Millisecond)

	_, err = owner.Children(ctx, "/lock_orders")
	assert.ErrorIs(t, err, coord.ErrSessionExpired)
	assert.NoError(t, owner.Close(ctx))
}

func TestRedisHeartbeatKeepsSession(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	sess, err := s.Connect(ctx, coord.SessionConfig{OwnerID: "a", TTL: 300 * time.Millisecond})
	require.NoError(t, err)
	defer sess.Close(ctx)

	key := s.sessionKey(sess.SessionID())
	mr.FastForward(200 * time.Millisecond)
	require.True(t, mr.Exists(key))

	assert.Eventually(t, func() bool {
		return mr.TTL(key) == 300*time.Millisecond
	}, 2*time.Second, 10*time.Millisecond, "heartbeat resets the ttl")
}

func TestRedisCloseRemovesSessionKeys(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	sess, err := s.Connect(ctx, coord.SessionConfig{OwnerID: "a", TTL: time.Minute})
	require.NoError(t, err)

	require.NoError(t, sess.CreatePersistent(ctx, "/lock_orders", []byte("0")))
	_, err = sess.CreateEphemeralSequential(ctx, "/lock_orders", "r_a_", nil)
	require.NoError(t, err)

	_, _, ch, err := sess.WatchData(ctx, "/lock_orders")
	require.NoError(t, err)

	require.NoError(t, sess.Close(ctx))

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "pending watch closes without an event")
	case <-time.After(5 * time.Second):
		t.Fatal("watch not closed with the session")
	}

	assert.False(t, mr.Exists(s.sessionKey(sess.SessionID())))
	members, _ := mr.Members(s.key("sessions"))
	assert.Empty(t, members)

	kids, err := mr.Members(s.childrenKey("/lock_orders"))
	if err == nil {
		assert.Empty(t, kids)
	}
	assert.True(t, mr.Exists(s.nodeKey("/lock_orders")), "persistent nodes survive the session")
}

func TestRedisEphemeralHasNoChildren(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	sess, err := s.Connect(ctx, coord.SessionConfig{OwnerID: "a", TTL: time.Minute})
	require.NoError(t, err)
	defer sess.Close(ctx)

	name, err := sess.CreateEphemeralSequential(ctx, "/", "w_a_", nil)
	require.NoError(t, err)

	_, err = sess.CreateEphemeralSequential(ctx, "/"+name, "r_a_", nil)
	assert.ErrorIs(t, err, coord.ErrNoChildrenForEphemerals)

	err = sess.CreatePersistent(ctx, "/missing/child", nil)
	assert.ErrorIs(t, err, coord.ErrNoNode)

	err = sess.CreatePersistent(ctx, "relative", nil)
	assert.ErrorIs(t, err, coord.ErrInvalidPath)
}

func TestRedisSharedPrefixIsolation(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	open := func(prefix string) *Session {
		opts := DefaultOptions()
		opts.Addr = mr.Addr()
		opts.Prefix = prefix
		s, err := NewStore(ctx, opts)
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })

		sess, err := s.Connect(ctx, coord.SessionConfig{OwnerID: prefix, TTL: time.Minute})
		require.NoError(t, err)
		t.Cleanup(func() { sess.Close(ctx) })
		return sess
	}
	a := open("app-a:")
	b := open("app-b:")

	require.NoError(t, a.CreatePersistent(ctx, "/lock_orders", []byte("0")))

	exists, err := b.Exists(ctx, "/lock_orders")
	require.NoError(t, err)
	assert.False(t, exists)
	require.NoError(t, b.CreatePersistent(ctx, "/lock_orders", []byte("0")))
}

// TestRedisHashTaggedPrefix tests that every key a session writes carries the prefix, so a hash tag keeps them in one cluster slot
func TestRedisHashTaggedPrefix(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	opts := DefaultOptions()
	opts.Addr = mr.Addr()
	opts.Prefix = "{lowkey}:"
	s, err := NewStore(ctx, opts)
	require.NoError(t, err)
	defer s.Close()

	sess, err := s.Connect(ctx, coord.SessionConfig{OwnerID: "tagged", TTL: time.Minute})
	require.NoError(t, err)

	require.NoError(t, sess.CreatePersistent(ctx, "/lock_orders", []byte("0")))
	name, err := sess.CreateEphemeralSequential(ctx, "/lock_orders", "r_a_", []byte("a"))
	require.NoError(t, err)
	assert.Equal(t, "r_a_0", name)
	_, err = sess.SetData(ctx, "/lock_orders", []byte("1"), 0)
	require.NoError(t, err)

	keys := mr.Keys()
	require.NotEmpty(t, keys)
	for _, k := range keys {
		assert.True(t, strings.HasPrefix(k, "{lowkey}:"), k)
	}
	assert.True(t, mr.Exists("{lowkey}:cseq:/lock_orders"))
	assert.True(t, mr.Exists("{lowkey}:session:"+strconv.FormatUint(sess.SessionID(), 10)+":nodes"))

	require.NoError(t, sess.Close(ctx))
	assert.False(t, mr.Exists("{lowkey}:node:/lock_orders/r_a_0"))
	assert.True(t, mr.Exists("{lowkey}:node:/lock_orders"))
}

func TestNewStoreUnreachable(t *testing.T) {
	opts := DefaultOptions()
	opts.Addr = "127.0.0.1:1"

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := NewStore(ctx, opts)
	assert.Error(t, err)
}
