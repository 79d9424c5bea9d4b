// Package zkstore runs the coordination primitives against a real ZooKeeper ensemble.
package zkstore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-zookeeper/zk"
	"github.com/hashicorp/go-hclog"
	"github.com/pixperk/lowkey-rwlock/pkg/coord"
	"github.com/pixperk/lowkey-rwlock/pkg/metrics"
	"github.com/pixperk/lowkey-rwlock/pkg/types"
	"github.com/pixperk/lowkey-rwlock/pkg/watch"
)

var acl = zk.WorldACL(zk.PermAll)

// Session is one ZooKeeper session exposed as a coord.Client
type Session struct {
	conn   *zk.Conn
	logger hclog.Logger

	//ends pending watches when the session goes away
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	err       error
	done      chan struct{}
	closeOnce sync.Once
}

var _ coord.Client = (*Session)(nil)

// connects to the ensemble and waits until the session is established
// cfg.TTL becomes the ZooKeeper session timeout
func Connect(ctx context.Context, servers []string, cfg coord.SessionConfig) (*Session, error) {
	if cfg.TTL <= 0 {
		cfg.TTL = coord.DefaultSessionTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	logger := cfg.Logger.Named("zkstore")

	conn, events, err := zk.Connect(servers, cfg.TTL,
		zk.WithLogger(logger.StandardLogger(&hclog.StandardLoggerOptions{InferLevels: true})),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	if err := awaitSession(ctx, events); err != nil {
		conn.Close()
		return nil, err
	}
	metrics.SessionCreateTotal.Inc()

	sessCtx, cancel := context.WithCancel(context.Background())
	s := &Session{
		conn:   conn,
		logger: logger.With("session_id", conn.SessionID(), "owner", cfg.OwnerID),
		ctx:    sessCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.watchState(events)

	s.logger.Debug("session opened", "ttl", cfg.TTL)
	return s, nil
}

func awaitSession(ctx context.Context, events <-chan zk.Event) error {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return types.ErrSessionClosed
			}
			switch ev.State {
			case zk.StateHasSession:
				return nil
			case zk.StateAuthFailed, zk.StateExpired:
				return fmt.Errorf("zookeeper session: %s", ev.State)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// follows the connection state, expiry ends the session for good
func (s *Session) watchState(events <-chan zk.Event) {
	defer close(s.done)

	for ev := range events {
		switch ev.State {
		case zk.StateExpired:
			metrics.SessionExpireTotal.Inc()
			s.logger.Error("session lost")
			s.fail(types.ErrSessionExpired)
		case zk.StateDisconnected:
			s.logger.Warn("connection lost, retrying")
		case zk.StateHasSession:
			s.logger.Debug("connected", "server", ev.Server)
		}
	}
}

func (s *Session) SessionID() int64 {
	return s.conn.SessionID()
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.cancel()
}

func (s *Session) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// zookeeper errors onto the errors every coord.Client reports
var zkErrors = []struct {
	zk  error
	err error
}{
	{zk.ErrNoNode, types.ErrNoNode},
	{zk.ErrNodeExists, types.ErrNodeExists},
	{zk.ErrBadVersion, types.ErrBadVersion},
	{zk.ErrNotEmpty, types.ErrNotEmpty},
	{zk.ErrNoChildrenForEphemerals, types.ErrNoChildrenForEphemerals},
	{zk.ErrInvalidPath, types.ErrInvalidPath},
	{zk.ErrSessionExpired, types.ErrSessionExpired},
	{zk.ErrConnectionClosed, types.ErrSessionClosed},
	{zk.ErrClosing, types.ErrSessionClosed},
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	for _, e := range zkErrors {
		if errors.Is(err, e.zk) {
			return e.err
		}
	}
	return err
}

// zookeeper calls do not take a context, run them in the background so ctx still bounds the caller
func call[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		val T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()

	select {
	case r := <-ch:
		return r.val, mapError(r.err)
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (s *Session) Exists(ctx context.Context, path string) (bool, error) {
	if err := s.check(ctx); err != nil {
		return false, err
	}
	return call(ctx, func() (bool, error) {
		ok, _, err := s.conn.Exists(path)
		return ok, err
	})
}

func (s *Session) CreatePersistent(ctx context.Context, path string, data []byte) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	_, err := call(ctx, func() (string, error) {
		return s.conn.Create(path, data, 0, acl)
	})
	return err
}

func (s *Session) CreateEphemeralSequential(ctx context.Context, parent, prefix string, data []byte) (string, error) {
	if err := s.check(ctx); err != nil {
		return "", err
	}
	created, err := call(ctx, func() (string, error) {
		return s.conn.Create(types.JoinPath(parent, prefix), data, zk.FlagEphemeral|zk.FlagSequence, acl)
	})
	if err != nil {
		return "", err
	}
	_, name := types.SplitPath(created)
	return name, nil
}

func (s *Session) Delete(ctx context.Context, path string) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	_, err := call(ctx, func() (struct{}, error) {
		return struct{}{}, s.conn.Delete(path, -1)
	})
	if errors.Is(err, types.ErrNoNode) {
		return nil
	}
	return err
}

func (s *Session) Children(ctx context.Context, path string) ([]string, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	return call(ctx, func() ([]string, error) {
		names, _, err := s.conn.Children(path)
		return names, err
	})
}

type nodeData struct {
	data    []byte
	version int64
}

func (s *Session) GetData(ctx context.Context, path string) ([]byte, int64, error) {
	if err := s.check(ctx); err != nil {
		return nil, 0, err
	}
	nd, err := call(ctx, func() (nodeData, error) {
		data, stat, err := s.conn.Get(path)
		if err != nil {
			return nodeData{}, err
		}
		return nodeData{data, int64(stat.Version)}, nil
	})
	return nd.data, nd.version, err
}

func (s *Session) SetData(ctx context.Context, path string, data []byte, version int64) (int64, error) {
	if err := s.check(ctx); err != nil {
		return 0, err
	}
	return call(ctx, func() (int64, error) {
		stat, err := s.conn.Set(path, data, int32(version))
		if err != nil {
			return 0, err
		}
		return int64(stat.Version), nil
	})
}

// turns a zookeeper watch into a one-shot channel, session loss or ctx ending closes it without an event
// exists watches also fire on data changes, a delete watch re-arms itself on those
// zookeeper offers no way to remove a watch, one given up on stays on the server until the node changes
func (s *Session) forward(ctx context.Context, zch <-chan zk.Event, path string, kind watch.Kind) <-chan types.Event {
	ch := make(chan types.Event, 1)
	metrics.WatchesActive.Inc()

	go func() {
		defer metrics.WatchesActive.Dec()
		defer close(ch)

		for {
			var ev zk.Event
			var ok bool
			select {
			case ev, ok = <-zch:
				if !ok {
					return
				}
			case <-ctx.Done():
				return
			case <-s.ctx.Done():
				return
			}

			var t types.EventType
			switch ev.Type {
			case zk.EventNodeDeleted:
				t = types.EventNodeDeleted
			case zk.EventNodeDataChanged:
				if kind == watch.KindDelete {
					exists, _, next, err := s.conn.ExistsW(path)
					if err != nil {
						return
					}
					if exists {
						zch = next
						continue
					}
					t = types.EventNodeDeleted
					break
				}
				t = types.EventNodeDataChanged
			default:
				//EventNotWatching, the session is gone
				return
			}

			metrics.WatchFiredTotal.WithLabelValues(kind.String()).Inc()
			ch <- types.Event{Type: t, Path: path}
			return
		}
	}()
	return ch
}

// ExistsW sets the watch and reads in one request
func (s *Session) WatchDelete(ctx context.Context, path string) (bool, <-chan types.Event, error) {
	if err := s.check(ctx); err != nil {
		return false, nil, err
	}

	type result struct {
		exists bool
		ch     <-chan zk.Event
	}
	r, err := call(ctx, func() (result, error) {
		exists, _, ch, err := s.conn.ExistsW(path)
		return result{exists, ch}, err
	})
	if err != nil {
		return false, nil, err
	}
	//a creation watch is left on a missing node, it lingers until something creates the path
	if !r.exists {
		return false, nil, nil
	}
	return true, s.forward(ctx, r.ch, path, watch.KindDelete), nil
}

func (s *Session) WatchData(ctx context.Context, path string) ([]byte, int64, <-chan types.Event, error) {
	if err := s.check(ctx); err != nil {
		return nil, 0, nil, err
	}

	type result struct {
		nodeData
		ch <-chan zk.Event
	}
	r, err := call(ctx, func() (result, error) {
		data, stat, ch, err := s.conn.GetW(path)
		if err != nil {
			return result{}, err
		}
		return result{nodeData{data, int64(stat.Version)}, ch}, nil
	})
	if err != nil {
		return nil, 0, nil, err
	}
	return r.data, r.version, s.forward(ctx, r.ch, path, watch.KindData), nil
}

// closes the ZooKeeper session, its ephemeral nodes vanish
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.err == nil {
		s.err = types.ErrSessionClosed
	}
	s.mu.Unlock()

	var err error
	s.closeOnce.Do(func() {
		s.conn.Close()
		s.cancel()

		select {
		case <-s.done:
			s.logger.Debug("session closed")
		case <-ctx.Done():
			err = ctx.Err()
		}
	})
	return err
}
