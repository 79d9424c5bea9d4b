package rwlock_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pixperk/lowkey-rwlock/pkg/coord"
	"github.com/pixperk/lowkey-rwlock/pkg/rwlock"
	"github.com/pixperk/lowkey-rwlock/pkg/rwlock/rwlocktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const grantTimeout = 5 * time.Second

func newService(t *testing.T) *coord.LocalService {
	svc := coord.NewLocalService(coord.WithReapInterval(10 * time.Millisecond))
	t.Cleanup(func() { svc.Close() })
	return svc
}

func connect(t *testing.T, svc *coord.LocalService, ttl time.Duration) *coord.Session {
	t.Helper()
	s, err := coord.Connect(context.Background(), svc, coord.SessionConfig{OwnerID: t.Name(), TTL: ttl})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close(context.Background()) })
	return s
}

func newLock(t *testing.T, svc *coord.LocalService, opts ...rwlock.Option) (*rwlock.ReadWriteLock, *coord.Session) {
	t.Helper()
	client := connect(t, svc, time.Hour)
	l, err := rwlock.New(client, "orders", opts...)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close(context.Background()) })
	return l, client
}

// runs lock in the background, the result lands on the returned channel
func lockAsync(ctx context.Context, l rwlock.Locker) <-chan error {
	ch := make(chan error, 1)
	go func() { ch <- l.Lock(ctx) }()
	return ch
}

func requireGranted(t *testing.T, ch <-chan error) {
	t.Helper()
	select {
	case err := <-ch:
		require.NoError(t, err)
	case <-time.After(grantTimeout):
		t.Fatal("lock not granted")
	}
}

func requireBlocked(t *testing.T, ch <-chan error) {
	t.Helper()
	select {
	case err := <-ch:
		t.Fatalf("lock returned while it should block: %v", err)
	case <-time.After(200 * time.Millisecond):
	}
}

func waitQueueLen(t *testing.T, client coord.Client, l *rwlock.ReadWriteLock, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return rwlocktest.QueueLen(t, client, l) == n
	}, grantTimeout, 5*time.Millisecond)
}

func TestLocalScenarios(t *testing.T) {
	svc := newService(t)
	rwlocktest.Run(t, func(t *testing.T) coord.Client {
		return connect(t, svc, time.Minute)
	})
}

func TestLocalScenariosFair(t *testing.T) {
	svc := newService(t)
	rwlocktest.Run(t, func(t *testing.T) coord.Client {
		return connect(t, svc, time.Minute)
	}, rwlock.WithFair())
}

func TestWriteLockReentrant(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	l, client := newLock(t, svc)

	require.NoError(t, l.WriteLock().Lock(ctx))
	ok, err := l.WriteLock().TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, l.HoldCount())
	assert.Equal(t, 1, rwlocktest.QueueLen(t, client, l))

	require.NoError(t, l.WriteLock().Unlock(ctx))
	_, write := l.Held()
	assert.True(t, write, "one hold left")

	require.NoError(t, l.WriteLock().Unlock(ctx))
	_, write = l.Held()
	assert.False(t, write)
	assert.Equal(t, 0, l.HoldCount())
	assert.Equal(t, int64(-1), rwlocktest.ReadCount(t, client, l), "resource node removed once empty")

	assert.ErrorIs(t, l.WriteLock().Unlock(ctx), rwlock.ErrNotLocked)
}

// TestReadLockReentrantCountsOnce tests that the reader count tracks readers and not holds
func TestReadLockReentrantCountsOnce(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	l, client := newLock(t, svc)

	require.NoError(t, l.ReadLock().Lock(ctx))
	require.NoError(t, l.ReadLock().Lock(ctx))
	assert.Equal(t, int64(1), rwlocktest.ReadCount(t, client, l))

	require.NoError(t, l.ReadLock().Unlock(ctx))
	assert.Equal(t, int64(1), rwlocktest.ReadCount(t, client, l))
	read, _ := l.Held()
	assert.True(t, read)

	require.NoError(t, l.ReadLock().Unlock(ctx))
	assert.Equal(t, int64(-1), rwlocktest.ReadCount(t, client, l))
}

func TestReadHolderCannotUpgrade(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	l, _ := newLock(t, svc)

	require.NoError(t, l.ReadLock().Lock(ctx))

	assert.ErrorIs(t, l.WriteLock().Lock(ctx), rwlock.ErrUpgrade)
	_, err := l.WriteLock().TryLock(ctx)
	assert.ErrorIs(t, err, rwlock.ErrUpgrade)
	assert.Equal(t, 1, l.HoldCount())

	require.NoError(t, l.ReadLock().Unlock(ctx))
}

func TestWriteHolderMayRead(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	l, client := newLock(t, svc)

	require.NoError(t, l.WriteLock().Lock(ctx))
	require.NoError(t, l.ReadLock().Lock(ctx))

	assert.Equal(t, 2, l.HoldCount())
	assert.Equal(t, int64(0), rwlocktest.ReadCount(t, client, l), "nested read does not count as a reader")
	assert.Equal(t, 1, rwlocktest.QueueLen(t, client, l))

	require.NoError(t, l.ReadLock().Unlock(ctx))
	require.NoError(t, l.WriteLock().Unlock(ctx))
	assert.Equal(t, 0, l.HoldCount())
}

func TestUnlockWithoutLock(t *testing.T) {
	svc := newService(t)
	l, _ := newLock(t, svc)

	assert.ErrorIs(t, l.ReadLock().Unlock(context.Background()), rwlock.ErrNotLocked)
	assert.ErrorIs(t, l.WriteLock().Unlock(context.Background()), rwlock.ErrNotLocked)
}

// TestReaderBehindQueuedWriter tests how a reader arriving behind a waiting writer is treated while readers are inside
func TestReaderBehindQueuedWriter(t *testing.T) {
	cases := []struct {
		name     string
		policy   rwlock.Policy
		admitted bool
	}{
		{name: "non fair joins the read phase", policy: rwlock.NonFair, admitted: true},
		{name: "fair queues behind the writer", policy: rwlock.Fair, admitted: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := newService(t)
			ctx := context.Background()
			holder, client := newLock(t, svc, rwlock.WithPolicy(tc.policy))
			writer, _ := newLock(t, svc, rwlock.WithPolicy(tc.policy))
			reader, _ := newLock(t, svc, rwlock.WithPolicy(tc.policy))

			require.NoError(t, holder.ReadLock().Lock(ctx))
			granted := lockAsync(ctx, writer.WriteLock())
			waitQueueLen(t, client, holder, 2)

			ok, err := reader.ReadLock().TryLock(ctx)
			require.NoError(t, err)
			assert.Equal(t, tc.admitted, ok)

			if tc.admitted {
				assert.Equal(t, int64(2), rwlocktest.ReadCount(t, client, holder))
				assert.Equal(t, 3, rwlocktest.QueueLen(t, client, holder))
			} else {
				assert.Equal(t, int64(1), rwlocktest.ReadCount(t, client, holder))
				assert.Equal(t, 2, rwlocktest.QueueLen(t, client, holder), "refused reader leaves no node")
			}

			require.NoError(t, holder.ReadLock().Unlock(ctx))
			if tc.admitted {
				//the writer is at the head now but the admitted reader is still inside
				requireBlocked(t, granted)
				require.NoError(t, reader.ReadLock().Unlock(ctx))
			}

			requireGranted(t, granted)
			assert.Equal(t, int64(0), rwlocktest.ReadCount(t, client, holder))
			require.NoError(t, writer.WriteLock().Unlock(ctx))
		})
	}
}

// TestFairReaderBetweenWriters tests that with W1 holding, R1 then W2 queued, R1 goes before W2
func TestFairReaderBetweenWriters(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	w1, client := newLock(t, svc, rwlock.WithFair())
	r1, _ := newLock(t, svc, rwlock.WithFair())
	w2, _ := newLock(t, svc, rwlock.WithFair())

	require.NoError(t, w1.WriteLock().Lock(ctx))

	readGranted := lockAsync(ctx, r1.ReadLock())
	waitQueueLen(t, client, w1, 2)
	writeGranted := lockAsync(ctx, w2.WriteLock())
	waitQueueLen(t, client, w1, 3)

	requireBlocked(t, readGranted)
	require.NoError(t, w1.WriteLock().Unlock(ctx))

	requireGranted(t, readGranted)
	requireBlocked(t, writeGranted)

	require.NoError(t, r1.ReadLock().Unlock(ctx))
	requireGranted(t, writeGranted)
	require.NoError(t, w2.WriteLock().Unlock(ctx))
}

func TestTryLockRefusedLeavesNothing(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	holder, client := newLock(t, svc)
	other, _ := newLock(t, svc)

	require.NoError(t, holder.WriteLock().Lock(ctx))

	ok, err := other.WriteLock().TryLock(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = other.ReadLock().TryLock(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, 1, rwlocktest.QueueLen(t, client, holder))
	assert.Equal(t, int64(0), rwlocktest.ReadCount(t, client, holder))
	assert.ErrorIs(t, other.WriteLock().Unlock(ctx), rwlock.ErrNotLocked)

	require.NoError(t, holder.WriteLock().Unlock(ctx))
}

func TestTryLockTimeout(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	holder, client := newLock(t, svc)
	other, _ := newLock(t, svc)

	require.NoError(t, holder.WriteLock().Lock(ctx))

	for _, locker := range []rwlock.Locker{other.WriteLock(), other.ReadLock()} {
		start := time.Now()
		ok, err := locker.TryLockTimeout(ctx, 100*time.Millisecond)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)

		assert.Equal(t, 1, rwlocktest.QueueLen(t, client, holder), "timed out request leaves no node")
		assert.Equal(t, int64(0), rwlocktest.ReadCount(t, client, holder))
	}

	//no budget at all is a single attempt
	for _, d := range []time.Duration{0, -time.Second} {
		start := time.Now()
		ok, err := other.WriteLock().TryLockTimeout(ctx, d)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Less(t, time.Since(start), time.Second)
		assert.Equal(t, 1, rwlocktest.QueueLen(t, client, holder))
	}

	//granted within the budget once the holder lets go
	go func() {
		time.Sleep(50 * time.Millisecond)
		holder.WriteLock().Unlock(context.Background())
	}()
	ok, err := other.ReadLock().TryLockTimeout(ctx, grantTimeout)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(1), rwlocktest.ReadCount(t, client, other))
	require.NoError(t, other.ReadLock().Unlock(ctx))
}

// TestInterruptedWaitStaysQueued tests that a cancelled wait keeps its node until Unlock withdraws it
func TestInterruptedWaitStaysQueued(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	holder, client := newLock(t, svc)
	waiter, _ := newLock(t, svc)

	require.NoError(t, holder.WriteLock().Lock(ctx))

	waitCtx, cancel := context.WithCancel(ctx)
	result := lockAsync(waitCtx, waiter.WriteLock())
	waitQueueLen(t, client, holder, 2)
	cancel()

	select {
	case err := <-result:
		assert.ErrorIs(t, err, rwlock.ErrInterrupted)
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(grantTimeout):
		t.Fatal("cancelled wait did not return")
	}

	assert.Equal(t, 2, rwlocktest.QueueLen(t, client, holder))
	_, write := waiter.Held()
	assert.False(t, write)

	require.NoError(t, waiter.WriteLock().Unlock(ctx))
	assert.Equal(t, 1, rwlocktest.QueueLen(t, client, holder))
	assert.ErrorIs(t, waiter.WriteLock().Unlock(ctx), rwlock.ErrNotLocked)

	require.NoError(t, holder.WriteLock().Unlock(ctx))
}

func TestInterruptedWaitResumes(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	holder, client := newLock(t, svc)
	waiter, _ := newLock(t, svc)

	require.NoError(t, holder.WriteLock().Lock(ctx))

	waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, waiter.WriteLock().Lock(waitCtx), rwlock.ErrInterrupted)

	//the retry reuses the queued node
	result := lockAsync(ctx, waiter.WriteLock())
	requireBlocked(t, result)
	assert.Equal(t, 2, rwlocktest.QueueLen(t, client, holder))

	require.NoError(t, holder.WriteLock().Unlock(ctx))
	requireGranted(t, result)
	assert.Equal(t, 1, rwlocktest.QueueLen(t, client, waiter))
	require.NoError(t, waiter.WriteLock().Unlock(ctx))
}

func TestSessionLossUnblocksSuccessor(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	holder, holderClient := newLock(t, svc)
	waiter, client := newLock(t, svc)

	require.NoError(t, holder.WriteLock().Lock(ctx))
	granted := lockAsync(ctx, waiter.WriteLock())
	waitQueueLen(t, client, waiter, 2)

	require.NoError(t, holderClient.Close(ctx))

	requireGranted(t, granted)
	assert.Equal(t, 1, rwlocktest.QueueLen(t, client, waiter))
	require.NoError(t, waiter.WriteLock().Unlock(ctx))
}

// TestStaleReadCountRepaired tests that a writer is not starved by the count of a reader whose session expired
func TestStaleReadCountRepaired(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	readerClient := connect(t, svc, 30*time.Second)
	reader, err := rwlock.New(readerClient, "orders")
	require.NoError(t, err)
	writer, client := newLock(t, svc)

	require.NoError(t, reader.ReadLock().Lock(ctx))
	assert.Equal(t, int64(1), rwlocktest.ReadCount(t, client, writer))

	svc.State().Clock().Advance(time.Minute)
	waitQueueLen(t, client, writer, 0)
	assert.Equal(t, int64(1), rwlocktest.ReadCount(t, client, writer), "a lost reader never decrements")

	ok, err := writer.WriteLock().TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(0), rwlocktest.ReadCount(t, client, writer))

	require.NoError(t, writer.WriteLock().Unlock(ctx))
	assert.Error(t, reader.ReadLock().Unlock(ctx), "reader session is gone")
}

// TestReadCountConverges tests that the count is back to nothing after readers churn concurrently
func TestReadCountConverges(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	var locks []*rwlock.ReadWriteLock
	var client coord.Client
	for i := 0; i < 4; i++ {
		l, c := newLock(t, svc)
		locks = append(locks, l)
		client = c
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(locks))
	for _, l := range locks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				if err := l.ReadLock().Lock(ctx); err != nil {
					errs <- err
					return
				}
				if err := l.ReadLock().Unlock(ctx); err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	count := rwlocktest.ReadCount(t, client, locks[0])
	assert.Contains(t, []int64{-1, 0}, count)
	assert.Equal(t, 0, rwlocktest.QueueLen(t, client, locks[0]))
}

func TestOwnNodeDeletedExternally(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	holder, client := newLock(t, svc)
	waiter, _ := newLock(t, svc, rwlock.WithIdentity("victim"))

	require.NoError(t, holder.WriteLock().Lock(ctx))
	result := lockAsync(ctx, waiter.WriteLock())
	waitQueueLen(t, client, holder, 2)

	names, err := client.Children(ctx, holder.ResourcePath())
	require.NoError(t, err)
	for _, name := range names {
		if strings.HasPrefix(name, "w_victim_") {
			require.NoError(t, client.Delete(ctx, holder.ResourcePath()+"/"+name))
		}
	}

	require.NoError(t, holder.WriteLock().Unlock(ctx))

	select {
	case err := <-result:
		assert.ErrorIs(t, err, rwlock.ErrSystem)
	case <-time.After(grantTimeout):
		t.Fatal("waiter did not notice its node vanished")
	}
}

func TestForeignNodeUnderResource(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	l, client := newLock(t, svc)

	require.NoError(t, client.CreatePersistent(ctx, l.ResourcePath(), []byte("0")))
	require.NoError(t, client.CreatePersistent(ctx, l.ResourcePath()+"/config", nil))

	err := l.WriteLock().Lock(ctx)
	assert.ErrorIs(t, err, rwlock.ErrSystem)
}

func TestCloseReleases(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	l, client := newLock(t, svc)

	require.NoError(t, l.ReadLock().Lock(ctx))
	require.NoError(t, l.ReadLock().Lock(ctx))

	require.NoError(t, l.Close(ctx))
	assert.Equal(t, int64(-1), rwlocktest.ReadCount(t, client, l))

	assert.ErrorIs(t, l.ReadLock().Lock(ctx), rwlock.ErrClosed)
	_, err := l.WriteLock().TryLock(ctx)
	assert.ErrorIs(t, err, rwlock.ErrClosed)
	assert.ErrorIs(t, l.ReadLock().Unlock(ctx), rwlock.ErrClosed)
	assert.NoError(t, l.Close(ctx))

	//the session outlives the lock
	exists, err := client.Exists(ctx, "/")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestCloseSessionOption(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	client := connect(t, svc, time.Hour)

	l, err := rwlock.New(client, "orders", rwlock.WithCloseSession())
	require.NoError(t, err)
	require.NoError(t, l.WriteLock().Lock(ctx))
	require.NoError(t, l.Close(ctx))

	_, err = client.Exists(ctx, "/")
	assert.ErrorIs(t, err, coord.ErrSessionClosed)
}

func TestWithLock(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	l, _ := newLock(t, svc)

	boom := errors.New("boom")
	err := rwlock.WithLock(ctx, l.WriteLock(), func(ctx context.Context) error {
		_, write := l.Held()
		assert.True(t, write)
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, l.HoldCount())
}

func TestCustomRoot(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	l, client := newLock(t, svc, rwlock.WithRoot("/locks/app"))

	assert.Equal(t, "/locks/app/lock_orders", l.ResourcePath())
	require.NoError(t, l.WriteLock().Lock(ctx))

	exists, err := client.Exists(ctx, "/locks/app")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, l.WriteLock().Unlock(ctx))
	exists, err = client.Exists(ctx, "/locks/app")
	require.NoError(t, err)
	assert.True(t, exists, "the root is never removed")
}

func TestInvalidNames(t *testing.T) {
	svc := newService(t)
	client := connect(t, svc, time.Hour)

	_, err := rwlock.New(client, "")
	assert.ErrorIs(t, err, rwlock.ErrInvalidName)

	_, err = rwlock.New(client, "a/b")
	assert.ErrorIs(t, err, rwlock.ErrInvalidName)

	_, err = rwlock.New(client, "orders", rwlock.WithIdentity("has_separator"))
	assert.ErrorIs(t, err, rwlock.ErrInvalidName)

	_, err = rwlock.New(client, "orders", rwlock.WithRoot("locks"))
	assert.ErrorIs(t, err, coord.ErrInvalidPath)

	l, err := rwlock.New(client, "orders", rwlock.WithIdentity("worker7"), rwlock.WithFair())
	require.NoError(t, err)
	assert.Equal(t, "worker7", l.Identity())
	assert.Equal(t, rwlock.Fair, l.Policy())
	assert.Equal(t, "non_fair", rwlock.NonFair.String())
}

// reaches the service on every call but can lose the reply of a create or a write,
// the way a cancelled remote call or a commit timeout does
type lostReplyClient struct {
	coord.Client
	loseCreate   atomic.Bool
	loseSet      atomic.Bool
	failChildren atomic.Bool
}

func (c *lostReplyClient) CreateEphemeralSequential(ctx context.Context, parent, prefix string, data []byte) (string, error) {
	name, err := c.Client.CreateEphemeralSequential(ctx, parent, prefix, data)
	if err == nil && c.loseCreate.Load() {
		return "", context.Canceled
	}
	return name, err
}

func (c *lostReplyClient) SetData(ctx context.Context, path string, data []byte, version int64) (int64, error) {
	v, err := c.Client.SetData(ctx, path, data, version)
	if err == nil && c.loseSet.Load() {
		return 0, context.Canceled
	}
	return v, err
}

func (c *lostReplyClient) Children(ctx context.Context, path string) ([]string, error) {
	if c.failChildren.Load() {
		return nil, errors.New("connection reset")
	}
	return c.Client.Children(ctx, path)
}

func newLostReplyLock(t *testing.T, svc *coord.LocalService) (*rwlock.ReadWriteLock, *lostReplyClient, *coord.Session) {
	t.Helper()
	session := connect(t, svc, time.Hour)
	client := &lostReplyClient{Client: session}
	l, err := rwlock.New(client, "orders")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close(context.Background()) })
	return l, client, session
}

func TestLostCreateReplyWithdrawnByUnlock(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	l, client, session := newLostReplyLock(t, svc)
	other, _ := newLock(t, svc)

	client.loseCreate.Store(true)
	err := l.WriteLock().Lock(ctx)
	client.loseCreate.Store(false)
	assert.ErrorIs(t, err, context.Canceled)

	//the node landed even though the create failed
	assert.Equal(t, 1, rwlocktest.QueueLen(t, session, l))
	_, write := l.Held()
	assert.False(t, write)

	require.NoError(t, l.WriteLock().Unlock(ctx))
	assert.Equal(t, 0, rwlocktest.QueueLen(t, session, l))
	assert.ErrorIs(t, l.WriteLock().Unlock(ctx), rwlock.ErrNotLocked)

	ok, err := other.ReadLock().TryLockTimeout(ctx, time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "resource left blocked")
	require.NoError(t, other.ReadLock().Unlock(ctx))
}

func TestLostCreateReplyResumedByLock(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	l, client, session := newLostReplyLock(t, svc)

	client.loseCreate.Store(true)
	require.Error(t, l.WriteLock().Lock(ctx))
	client.loseCreate.Store(false)

	ok, err := l.WriteLock().TryLockTimeout(ctx, time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, rwlocktest.QueueLen(t, session, l), "the landed node is reused")
	require.NoError(t, l.WriteLock().Unlock(ctx))
	assert.Equal(t, 0, rwlocktest.QueueLen(t, session, l))
}

// TestLostCreateReplyFoundLater tests that a node the failed call could not look up is reclaimed by the next call
func TestLostCreateReplyFoundLater(t *testing.T) {
	for _, next := range []string{"lock", "unlock"} {
		t.Run(next, func(t *testing.T) {
			svc := newService(t)
			ctx := context.Background()
			l, client, session := newLostReplyLock(t, svc)

			client.loseCreate.Store(true)
			client.failChildren.Store(true)
			require.Error(t, l.ReadLock().Lock(ctx))
			client.loseCreate.Store(false)
			client.failChildren.Store(false)
			require.Equal(t, 1, rwlocktest.QueueLen(t, session, l))

			if next == "unlock" {
				require.NoError(t, l.ReadLock().Unlock(ctx))
				assert.Equal(t, 0, rwlocktest.QueueLen(t, session, l))
				return
			}

			require.NoError(t, l.ReadLock().Lock(ctx))
			assert.Equal(t, 1, rwlocktest.QueueLen(t, session, l))
			assert.Equal(t, int64(1), rwlocktest.ReadCount(t, session, l))
			require.NoError(t, l.ReadLock().Unlock(ctx))
			assert.Equal(t, 0, rwlocktest.QueueLen(t, session, l))
		})
	}
}

// TestLostDecrementReplyCountsOnce tests that a decrement whose reply was lost is not applied twice
func TestLostDecrementReplyCountsOnce(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	l, client, session := newLostReplyLock(t, svc)
	other, _ := newLock(t, svc)

	require.NoError(t, other.ReadLock().Lock(ctx))
	require.NoError(t, l.ReadLock().Lock(ctx))
	require.Equal(t, int64(2), rwlocktest.ReadCount(t, session, l))

	client.loseSet.Store(true)
	require.NoError(t, l.ReadLock().Unlock(ctx))
	client.loseSet.Store(false)

	assert.Equal(t, int64(1), rwlocktest.ReadCount(t, session, l))
	assert.Equal(t, 1, rwlocktest.QueueLen(t, session, l))
	require.NoError(t, other.ReadLock().Unlock(ctx))
}

// TestLostIncrementReplyRepaired tests that a count raised by a reader that never held is reset for the next writer
func TestLostIncrementReplyRepaired(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	l, client, session := newLostReplyLock(t, svc)
	reader, _ := newLock(t, svc)
	writer, _ := newLock(t, svc)

	require.NoError(t, reader.ReadLock().Lock(ctx))
	pending := lockAsync(ctx, writer.WriteLock())
	waitQueueLen(t, session, l, 2)

	//joins the active read phase, the increment lands but the reply is lost
	client.loseSet.Store(true)
	require.Error(t, l.ReadLock().Lock(ctx))
	client.loseSet.Store(false)
	assert.Equal(t, int64(2), rwlocktest.ReadCount(t, session, l))

	require.NoError(t, l.ReadLock().Unlock(ctx))
	//the count is left at one with no reader queued
	require.NoError(t, reader.ReadLock().Unlock(ctx))

	requireGranted(t, pending)
	assert.Equal(t, int64(0), rwlocktest.ReadCount(t, session, l))
	require.NoError(t, writer.WriteLock().Unlock(ctx))
}

func TestTimedOutWaitsDropWatches(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	holder, _ := newLock(t, svc)
	waiter, _ := newLock(t, svc)

	require.NoError(t, holder.WriteLock().Lock(ctx))
	for i := 0; i < 20; i++ {
		ok, err := waiter.WriteLock().TryLockTimeout(ctx, 10*time.Millisecond)
		require.NoError(t, err)
		require.False(t, ok)

		ok, err = waiter.ReadLock().TryLockTimeout(ctx, 10*time.Millisecond)
		require.NoError(t, err)
		require.False(t, ok)
	}

	require.Eventually(t, func() bool {
		return svc.Watches().Len() == 0
	}, grantTimeout, 5*time.Millisecond)
	require.NoError(t, holder.WriteLock().Unlock(ctx))
}
