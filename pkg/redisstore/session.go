package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pixperk/lowkey-rwlock/pkg/coord"
	"github.com/pixperk/lowkey-rwlock/pkg/metrics"
	"github.com/pixperk/lowkey-rwlock/pkg/types"
	"github.com/pixperk/lowkey-rwlock/pkg/watch"
	"github.com/redis/go-redis/v9"
)

// Session is a coord.Client over a Store
type Session struct {
	store  *Store
	id     uint64
	ttl    time.Duration
	logger hclog.Logger

	//ends pending watches when the session goes away
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	err      error
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

var _ coord.Client = (*Session)(nil)

// opens a session and starts heartbeating every ttl/3
func (s *Store) Connect(ctx context.Context, cfg coord.SessionConfig) (*Session, error) {
	if cfg.TTL <= 0 {
		cfg.TTL = coord.DefaultSessionTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = s.logger
	}

	id, err := s.client.Incr(ctx, s.key("seq", "session")).Result()
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	sid := uint64(id)

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.sessionKey(sid), cfg.OwnerID, cfg.TTL)
		pipe.SAdd(ctx, s.key("sessions"), sid)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	metrics.SessionCreateTotal.Inc()

	sessCtx, cancel := context.WithCancel(context.Background())
	sess := &Session{
		store:  s,
		id:     sid,
		ttl:    cfg.TTL,
		logger: cfg.Logger.With("session_id", sid),
		ctx:    sessCtx,
		cancel: cancel,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go sess.heartbeatLoop()

	sess.logger.Debug("session opened", "owner", cfg.OwnerID, "ttl", cfg.TTL)
	return sess, nil
}

func (s *Session) SessionID() uint64 {
	return s.id
}

func (s *Session) heartbeatLoop() {
	defer close(s.done)

	ticker := time.NewTicker(s.ttl / 3)
	defer ticker.Stop()

	var failureCount int

	for {
		select {
		case <-ticker.C:
			renewed, err := s.store.client.PExpire(s.ctx, s.store.sessionKey(s.id), s.ttl).Result()
			if err == nil && renewed {
				metrics.HeartbeatTotal.WithLabelValues("success").Inc()
				if failureCount > 0 {
					s.logger.Info("heartbeat recovered", "failures", failureCount)
					failureCount = 0
				}
				continue
			}

			metrics.HeartbeatTotal.WithLabelValues("failure").Inc()
			if err == nil {
				//the key is gone, the session expired
				s.logger.Error("session lost")
				s.fail(types.ErrSessionExpired)
				return
			}

			failureCount++
			s.logger.Warn("heartbeat failed", "attempt", failureCount, "error", err)

		case <-s.stopCh:
			return
		}
	}
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

func (s *Session) Exists(ctx context.Context, path string) (bool, error) {
	if err := s.check(ctx); err != nil {
		return false, err
	}
	if path == types.RootPath {
		return true, nil
	}
	n, err := s.store.client.Exists(ctx, s.store.nodeKey(path)).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Session) create(ctx context.Context, path string, data []byte, ephemeral, sequential bool) (string, error) {
	if err := types.ValidatePath(path); err != nil {
		return "", err
	}
	if path == types.RootPath {
		return "", types.ErrNodeExists
	}

	parent, name := types.SplitPath(path)
	keys := []string{
		s.store.nodeKey(parent),
		s.store.childrenKey(parent),
		s.store.seqKey(parent),
		s.store.sessionKey(s.id),
		s.store.sessionNodesKey(s.id),
		s.store.eventsKey(parent),
	}
	created, err := createScript.Run(ctx, s.store.client, keys,
		s.store.opts.Prefix, parent, name, data,
		flag(ephemeral), flag(sequential), strconv.FormatUint(s.id, 10),
	).Text()
	if err != nil {
		return "", mapScriptError(err)
	}
	return created, nil
}

func flag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func (s *Session) CreatePersistent(ctx context.Context, path string, data []byte) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	_, err := s.create(ctx, path, data, false, false)
	return err
}

func (s *Session) CreateEphemeralSequential(ctx context.Context, parent, prefix string, data []byte) (string, error) {
	if err := s.check(ctx); err != nil {
		return "", err
	}
	created, err := s.create(ctx, types.JoinPath(parent, prefix), data, true, true)
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
	if path == types.RootPath {
		return types.ErrInvalidPath
	}
	keys := []string{s.store.nodeKey(path), s.store.childrenKey(path)}
	err := deleteScript.Run(ctx, s.store.client, keys,
		s.store.opts.Prefix, path, strconv.FormatInt(types.AnyVersion, 10),
	).Err()
	return mapScriptError(err)
}

func (s *Session) Children(ctx context.Context, path string) ([]string, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	var (
		exists  *redis.IntCmd
		members *redis.StringSliceCmd
	)
	_, err := s.store.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		exists = pipe.Exists(ctx, s.store.nodeKey(path))
		members = pipe.SMembers(ctx, s.store.childrenKey(path))
		return nil
	})
	if err != nil {
		return nil, err
	}
	if path != types.RootPath && exists.Val() == 0 {
		return nil, types.ErrNoNode
	}
	return members.Val(), nil
}

// data and version of a node in one round trip
func (s *Session) readNode(ctx context.Context, path string) ([]byte, int64, error) {
	if path == types.RootPath {
		return nil, 0, nil
	}
	vals, err := s.store.client.HMGet(ctx, s.store.nodeKey(path), "data", "version").Result()
	if err != nil {
		return nil, 0, err
	}
	if vals[1] == nil {
		return nil, 0, types.ErrNoNode
	}

	version, err := strconv.ParseInt(vals[1].(string), 10, 64)
	if err != nil {
		return nil, 0, fmt.Errorf("node %s: bad version: %w", path, err)
	}
	var data []byte
	if raw, ok := vals[0].(string); ok && raw != "" {
		data = []byte(raw)
	}
	return data, version, nil
}

func (s *Session) GetData(ctx context.Context, path string) ([]byte, int64, error) {
	if err := s.check(ctx); err != nil {
		return nil, 0, err
	}
	return s.readNode(ctx, path)
}

func (s *Session) SetData(ctx context.Context, path string, data []byte, version int64) (int64, error) {
	if err := s.check(ctx); err != nil {
		return 0, err
	}
	keys := []string{s.store.nodeKey(path), s.store.eventsKey(path)}
	v, err := setDataScript.Run(ctx, s.store.client, keys,
		s.store.opts.Prefix, data, strconv.FormatInt(version, 10),
	).Int64()
	if err != nil {
		return 0, mapScriptError(err)
	}
	return v, nil
}

// subscribes to the node's event channel, the subscription is confirmed before it is returned
func (s *Session) subscribe(ctx context.Context, path string) (*redis.PubSub, error) {
	sub := s.store.client.Subscribe(ctx, s.store.eventsKey(path))
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}
	return sub, nil
}

// relays the first matching message of sub as an event, then closes both
// ctx ending closes them without an event
func (s *Session) forward(ctx context.Context, sub *redis.PubSub, path string, kind watch.Kind) <-chan types.Event {
	ch := make(chan types.Event, 1)
	metrics.WatchesActive.Inc()

	go func() {
		defer metrics.WatchesActive.Dec()
		defer close(ch)
		defer sub.Close()

		msgs := sub.Channel()
		for {
			select {
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				ev := types.ParseEventType(msg.Payload)
				if ev != types.EventNodeDeleted && (kind != watch.KindData || ev != types.EventNodeDataChanged) {
					continue
				}
				metrics.WatchFiredTotal.WithLabelValues(kind.String()).Inc()
				ch <- types.Event{Type: ev, Path: path}
				return
			case <-ctx.Done():
				return
			case <-s.ctx.Done():
				return
			}
		}
	}()
	return ch
}

func (s *Session) WatchDelete(ctx context.Context, path string) (bool, <-chan types.Event, error) {
	if err := s.check(ctx); err != nil {
		return false, nil, err
	}

	sub, err := s.subscribe(ctx, path)
	if err != nil {
		return false, nil, err
	}
	exists, err := s.Exists(ctx, path)
	if err != nil || !exists {
		sub.Close()
		return false, nil, err
	}
	return true, s.forward(ctx, sub, path, watch.KindDelete), nil
}

func (s *Session) WatchData(ctx context.Context, path string) ([]byte, int64, <-chan types.Event, error) {
	if err := s.check(ctx); err != nil {
		return nil, 0, nil, err
	}

	sub, err := s.subscribe(ctx, path)
	if err != nil {
		return nil, 0, nil, err
	}
	data, version, err := s.readNode(ctx, path)
	if err != nil {
		sub.Close()
		return nil, 0, nil, err
	}
	return data, version, s.forward(ctx, sub, path, watch.KindData), nil
}

// removes the session and its ephemeral nodes, pending watches close without an event
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	prev := s.err
	if prev == nil {
		s.err = types.ErrSessionClosed
	}
	s.mu.Unlock()

	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.done
	defer s.cancel()

	if prev != nil {
		return nil
	}

	removed, err := s.store.removeSession(ctx, s.id)
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("close session: %w", err)
	}

	s.logger.Debug("session closed", "ephemerals_deleted", removed)
	return nil
}
