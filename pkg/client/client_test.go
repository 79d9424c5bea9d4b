package client_test

import (
	"context"
	"net"
	"testing"
	"time"

	pb "github.com/pixperk/lowkey-rwlock/api/v1"
	"github.com/pixperk/lowkey-rwlock/pkg/client"
	"github.com/pixperk/lowkey-rwlock/pkg/coord"
	"github.com/pixperk/lowkey-rwlock/pkg/coord/coordtest"
	"github.com/pixperk/lowkey-rwlock/pkg/rwlock"
	"github.com/pixperk/lowkey-rwlock/pkg/rwlock/rwlocktest"
	"github.com/pixperk/lowkey-rwlock/pkg/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
)

// an in-process server on a local service, reached over an in-memory listener
type harness struct {
	svc *coord.LocalService
	lis *bufconn.Listener
}

func startServer(tb testing.TB) *harness {
	tb.Helper()
	svc := coord.NewLocalService(coord.WithReapInterval(10 * time.Millisecond))
	lis := bufconn.Listen(1 << 20)

	grpcServer := grpc.NewServer()
	pb.RegisterCoordinationServer(grpcServer, server.NewServer(svc, nil))
	go grpcServer.Serve(lis)

	tb.Cleanup(func() {
		grpcServer.Stop()
		svc.Close()
	})
	return &harness{svc: svc, lis: lis}
}

func (h *harness) dial(tb testing.TB, ttl time.Duration) *client.Client {
	tb.Helper()
	dialer := grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return h.lis.DialContext(ctx)
	})
	c, err := client.Dial(context.Background(), "passthrough:///bufnet", tb.Name(), ttl, client.WithDialOptions(dialer))
	require.NoError(tb, err)
	tb.Cleanup(func() { c.Close(context.Background()) })
	return c
}

func (h *harness) connect(t *testing.T) coord.Client {
	return h.dial(t, time.Minute)
}

func TestGRPCConformance(t *testing.T) {
	coordtest.Run(t, startServer(t).connect)
}

func TestGRPCLockScenarios(t *testing.T) {
	rwlocktest.Run(t, startServer(t).connect)
}

func TestGRPCLockScenariosFair(t *testing.T) {
	rwlocktest.Run(t, startServer(t).connect, rwlock.WithFair())
}

func TestSessionHeartbeat(t *testing.T) {
	h := startServer(t)
	c := h.dial(t, 300*time.Millisecond)

	//several ttls go by, heartbeats every 100ms keep the session
	time.Sleep(time.Second)

	_, alive := h.svc.Session(c.SessionID())
	assert.True(t, alive)
	_, err := c.Exists(context.Background(), "/")
	assert.NoError(t, err)
}

func TestSessionExpiryReported(t *testing.T) {
	h := startServer(t)
	c := h.dial(t, 30*time.Second)
	ctx := context.Background()

	name, err := c.CreateEphemeralSequential(ctx, "/", "w_a_", nil)
	require.NoError(t, err)

	h.svc.State().Clock().Advance(time.Minute)

	require.Eventually(t, func() bool {
		_, err := c.Exists(ctx, "/")
		return err != nil
	}, 5*time.Second, 10*time.Millisecond)

	_, err = c.Children(ctx, "/")
	assert.ErrorIs(t, err, coord.ErrSessionExpired)

	_, alive := h.svc.State().Get("/" + name)
	assert.False(t, alive, "ephemeral of the expired session is gone")
}

// TestPendingWatchEndsWithSession tests that closing the client closes its pending watches without an event
func TestPendingWatchEndsWithSession(t *testing.T) {
	h := startServer(t)
	c := h.dial(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, c.CreatePersistent(ctx, "/lock_orders", []byte("0")))
	_, _, ch, err := c.WatchData(ctx, "/lock_orders")
	require.NoError(t, err)

	require.NoError(t, c.Close(ctx))

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("watch not closed with the session")
	}

	_, err = c.Exists(ctx, "/")
	assert.ErrorIs(t, err, coord.ErrSessionClosed)
	assert.NoError(t, c.Close(ctx), "second close is a no-op")
}

func TestWatchRegistrationHonoursContext(t *testing.T) {
	h := startServer(t)
	c := h.dial(t, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := c.WatchDelete(ctx, "/")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStatus(t *testing.T) {
	h := startServer(t)
	c := h.dial(t, time.Minute)

	status, err := c.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, status.IsLeader)
	assert.Equal(t, "local", status.LeaderAddress)
}

func TestNewLockUsesSession(t *testing.T) {
	h := startServer(t)
	c := h.dial(t, time.Minute)
	ctx := context.Background()

	l, err := c.NewLock("orders", rwlock.WithCloseSession())
	require.NoError(t, err)
	require.NoError(t, l.WriteLock().Lock(ctx))

	names, err := c.Children(ctx, l.ResourcePath())
	require.NoError(t, err)
	require.Len(t, names, 1)

	node, ok := h.svc.State().Get(l.ResourcePath() + "/" + names[0])
	require.True(t, ok)
	assert.Equal(t, c.SessionID(), node.EphemeralOwner)

	require.NoError(t, l.Close(ctx))
	_, alive := h.svc.Session(c.SessionID())
	assert.False(t, alive, "lock close ends the session")
}

func TestOpenSessionValidation(t *testing.T) {
	h := startServer(t)
	dialer := grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return h.lis.DialContext(ctx)
	})

	c, err := client.NewClient("passthrough:///bufnet", "", client.WithDialOptions(dialer))
	require.NoError(t, err)
	defer c.Close(context.Background())

	err = c.Start(context.Background(), time.Minute)
	assert.Error(t, err, "owner id is required")

	_, err = c.Exists(context.Background(), "/")
	assert.ErrorIs(t, err, coord.ErrSessionClosed)
}

// TestTimedOutWaitsEndStreams tests that the watch streams of abandoned waits are closed on the server
func TestTimedOutWaitsEndStreams(t *testing.T) {
	h := startServer(t)
	ctx := context.Background()

	holder, err := h.dial(t, time.Minute).NewLock("orders")
	require.NoError(t, err)
	waiter, err := h.dial(t, time.Minute).NewLock("orders")
	require.NoError(t, err)

	require.NoError(t, holder.WriteLock().Lock(ctx))
	for i := 0; i < 20; i++ {
		ok, err := waiter.WriteLock().TryLockTimeout(ctx, 10*time.Millisecond)
		require.NoError(t, err)
		require.False(t, ok)
	}

	require.Eventually(t, func() bool {
		return h.svc.Watches().Len() == 0
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, holder.WriteLock().Unlock(ctx))
}
