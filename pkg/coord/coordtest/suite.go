// Package coordtest holds the conformance suite every coord.Client implementation runs.
package coordtest

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pixperk/lowkey-rwlock/pkg/coord"
	"github.com/pixperk/lowkey-rwlock/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// how long a watch may take to fire before the suite gives up
const eventTimeout = 5 * time.Second

// Connect opens a new session against the service under test
// sessions from one Connect share the same namespace
type Connect func(t *testing.T) coord.Client

var runID atomic.Int64

// Run executes the suite, each case under its own root so a shared server can be reused
func Run(t *testing.T, connect Connect) {
	cases := []struct {
		name string
		fn   func(t *testing.T, root string, connect Connect)
	}{
		{"CreateExistsDelete", testCreateExistsDelete},
		{"SequentialNaming", testSequentialNaming},
		{"SetDataVersionConflict", testSetDataVersionConflict},
		{"DeleteNotEmpty", testDeleteNotEmpty},
		{"WatchDelete", testWatchDelete},
		{"WatchData", testWatchData},
		{"WatchEndsWithContext", testWatchEndsWithContext},
		{"EphemeralCleanupOnClose", testEphemeralCleanupOnClose},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			root := fmt.Sprintf("/coordtest_%d_%d", time.Now().UnixNano(), runID.Add(1))
			tc.fn(t, root, connect)
		})
	}
}

func ctxT(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func closeClient(t *testing.T, c coord.Client) {
	t.Cleanup(func() {
		c.Close(context.Background())
	})
}

func cleanupRoot(t *testing.T, c coord.Client, root string) {
	t.Cleanup(func() {
		ctx := context.Background()
		children, err := c.Children(ctx, root)
		if err != nil {
			return
		}
		for _, name := range children {
			c.Delete(ctx, root+"/"+name)
		}
		c.Delete(ctx, root)
	})
}

func awaitEvent(t *testing.T, ch <-chan types.Event) types.Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "watch closed without an event")
		return ev
	case <-time.After(eventTimeout):
		t.Fatal("watch did not fire")
		return types.Event{}
	}
}

func testCreateExistsDelete(t *testing.T, root string, connect Connect) {
	ctx := ctxT(t)
	c := connect(t)
	closeClient(t, c)

	exists, err := c.Exists(ctx, root)
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, c.CreatePersistent(ctx, root, []byte("0")))
	cleanupRoot(t, c, root)

	exists, err = c.Exists(ctx, root)
	require.NoError(t, err)
	assert.True(t, exists)

	err = c.CreatePersistent(ctx, root, []byte("0"))
	assert.ErrorIs(t, err, coord.ErrNodeExists)

	data, _, err := c.GetData(ctx, root)
	require.NoError(t, err)
	assert.Equal(t, "0", string(data))

	require.NoError(t, c.Delete(ctx, root))
	exists, err = c.Exists(ctx, root)
	require.NoError(t, err)
	assert.False(t, exists)

	//deleting a missing node is fine
	require.NoError(t, c.Delete(ctx, root))

	_, _, err = c.GetData(ctx, root)
	assert.ErrorIs(t, err, coord.ErrNoNode)

	_, err = c.Children(ctx, root)
	assert.ErrorIs(t, err, coord.ErrNoNode)
}

func testSequentialNaming(t *testing.T, root string, connect Connect) {
	ctx := ctxT(t)
	c := connect(t)
	closeClient(t, c)

	require.NoError(t, c.CreatePersistent(ctx, root, []byte("0")))
	cleanupRoot(t, c, root)

	var (
		names []string
		last  int64 = -1
	)
	for i := 0; i < 12; i++ {
		prefix := "w_abc_"
		if i%2 == 1 {
			prefix = "r_abc_"
		}
		name, err := c.CreateEphemeralSequential(ctx, root, prefix, []byte("abc"))
		require.NoError(t, err)
		require.True(t, strings.HasPrefix(name, prefix), "name %q lacks prefix %q", name, prefix)

		seq, err := strconv.ParseInt(strings.TrimPrefix(name, prefix), 10, 64)
		require.NoError(t, err, "suffix of %q is not a number", name)
		assert.Greater(t, seq, last, "sequence numbers must increase")
		last = seq

		names = append(names, name)
	}

	children, err := c.Children(ctx, root)
	require.NoError(t, err)
	assert.ElementsMatch(t, names, children)

	data, _, err := c.GetData(ctx, root+"/"+names[0])
	require.NoError(t, err)
	assert.Equal(t, "abc", string(data))
}

func testSetDataVersionConflict(t *testing.T, root string, connect Connect) {
	ctx := ctxT(t)
	a := connect(t)
	closeClient(t, a)
	b := connect(t)
	closeClient(t, b)

	require.NoError(t, a.CreatePersistent(ctx, root, []byte("0")))
	cleanupRoot(t, a, root)

	_, v0, err := a.GetData(ctx, root)
	require.NoError(t, err)

	v1, err := b.SetData(ctx, root, []byte("1"), v0)
	require.NoError(t, err)
	assert.NotEqual(t, v0, v1)

	//a still holds v0
	_, err = a.SetData(ctx, root, []byte("5"), v0)
	assert.ErrorIs(t, err, coord.ErrBadVersion)

	data, v, err := a.GetData(ctx, root)
	require.NoError(t, err)
	assert.Equal(t, "1", string(data))
	assert.Equal(t, v1, v)

	_, err = a.SetData(ctx, root+"/missing", []byte("1"), 0)
	assert.ErrorIs(t, err, coord.ErrNoNode)
}

func testDeleteNotEmpty(t *testing.T, root string, connect Connect) {
	ctx := ctxT(t)
	c := connect(t)
	closeClient(t, c)

	require.NoError(t, c.CreatePersistent(ctx, root, nil))
	cleanupRoot(t, c, root)
	_, err := c.CreateEphemeralSequential(ctx, root, "w_x_", nil)
	require.NoError(t, err)

	err = c.Delete(ctx, root)
	assert.ErrorIs(t, err, coord.ErrNotEmpty)
}

func testWatchDelete(t *testing.T, root string, connect Connect) {
	ctx := ctxT(t)
	a := connect(t)
	closeClient(t, a)
	b := connect(t)
	closeClient(t, b)

	require.NoError(t, a.CreatePersistent(ctx, root, []byte("0")))
	cleanupRoot(t, a, root)

	name, err := a.CreateEphemeralSequential(ctx, root, "w_a_", nil)
	require.NoError(t, err)
	path := root + "/" + name

	exists, ch, err := b.WatchDelete(ctx, path)
	require.NoError(t, err)
	require.True(t, exists)

	require.NoError(t, a.Delete(ctx, path))

	ev := awaitEvent(t, ch)
	assert.Equal(t, types.EventNodeDeleted, ev.Type)

	//one-shot: closed after the event
	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(eventTimeout):
		t.Fatal("watch channel not closed after firing")
	}

	exists, ch, err = b.WatchDelete(ctx, path)
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Nil(t, ch)
}

func testWatchData(t *testing.T, root string, connect Connect) {
	ctx := ctxT(t)
	a := connect(t)
	closeClient(t, a)
	b := connect(t)
	closeClient(t, b)

	require.NoError(t, a.CreatePersistent(ctx, root, []byte("0")))
	cleanupRoot(t, a, root)

	data, version, ch, err := b.WatchData(ctx, root)
	require.NoError(t, err)
	assert.Equal(t, "0", string(data))

	_, err = a.SetData(ctx, root, []byte("1"), version)
	require.NoError(t, err)

	ev := awaitEvent(t, ch)
	assert.Equal(t, types.EventNodeDataChanged, ev.Type)

	//data watches fire on deletion as well
	_, _, ch, err = b.WatchData(ctx, root)
	require.NoError(t, err)
	require.NoError(t, a.Delete(ctx, root))
	ev = awaitEvent(t, ch)
	assert.Equal(t, types.EventNodeDeleted, ev.Type)

	_, _, _, err = b.WatchData(ctx, root)
	assert.ErrorIs(t, err, coord.ErrNoNode)
}

// a watch set with a context ends with it: the channel closes without an event
func testWatchEndsWithContext(t *testing.T, root string, connect Connect) {
	ctx := ctxT(t)
	c := connect(t)
	closeClient(t, c)

	require.NoError(t, c.CreatePersistent(ctx, root, []byte("0")))
	cleanupRoot(t, c, root)

	watchCtx, cancel := context.WithCancel(ctx)
	exists, deleted, err := c.WatchDelete(watchCtx, root)
	require.NoError(t, err)
	require.True(t, exists)
	_, version, changed, err := c.WatchData(watchCtx, root)
	require.NoError(t, err)

	cancel()
	for _, ch := range []<-chan types.Event{deleted, changed} {
		select {
		case ev, ok := <-ch:
			assert.False(t, ok, "event %v after the watch ended", ev.Type)
		case <-time.After(eventTimeout):
			t.Fatal("watch still open after its context ended")
		}
	}

	//the session is unaffected
	_, err = c.SetData(ctx, root, []byte("1"), version)
	require.NoError(t, err)
	exists, _, err = c.WatchDelete(ctx, root)
	require.NoError(t, err)
	assert.True(t, exists)
}

func testEphemeralCleanupOnClose(t *testing.T, root string, connect Connect) {
	ctx := ctxT(t)
	a := connect(t)
	closeClient(t, a)
	b := connect(t)

	require.NoError(t, a.CreatePersistent(ctx, root, []byte("0")))
	cleanupRoot(t, a, root)

	name, err := b.CreateEphemeralSequential(ctx, root, "r_b_", []byte("b"))
	require.NoError(t, err)

	exists, ch, err := a.WatchDelete(ctx, root+"/"+name)
	require.NoError(t, err)
	require.True(t, exists)

	require.NoError(t, b.Close(ctx))

	ev := awaitEvent(t, ch)
	assert.Equal(t, types.EventNodeDeleted, ev.Type)

	children, err := a.Children(ctx, root)
	require.NoError(t, err)
	assert.Empty(t, children)

	//a closed session refuses further work
	_, err = b.Children(ctx, root)
	assert.Error(t, err)
}
