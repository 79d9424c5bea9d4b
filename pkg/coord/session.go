package coord

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pixperk/lowkey-rwlock/pkg/fsm"
	"github.com/pixperk/lowkey-rwlock/pkg/metrics"
	"github.com/pixperk/lowkey-rwlock/pkg/types"
	"github.com/pixperk/lowkey-rwlock/pkg/watch"
)

const DefaultSessionTTL = 10 * time.Second

type SessionConfig struct {
	OwnerID string        //free form, shows up in server logs
	TTL     time.Duration //session timeout, heartbeats go out every TTL/3
	Logger  hclog.Logger
}

// Session is a Client bound directly to a Backend in the same process
type Session struct {
	backend Backend
	id      uint64
	ttl     time.Duration
	logger  hclog.Logger

	mu       sync.Mutex
	err      error //set once the session is closed or expired
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

var _ Client = (*Session)(nil)

// opens a session and starts heartbeating, returns once the backend confirmed the session
func Connect(ctx context.Context, backend Backend, cfg SessionConfig) (*Session, error) {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultSessionTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result, err := backend.Apply(types.CreateSessionCmd{
		OwnerID: cfg.OwnerID,
		TTL:     cfg.TTL,
	})
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	resp := result.(fsm.CreateSessionResponse)

	s := &Session{
		backend: backend,
		id:      resp.SessionID,
		ttl:     cfg.TTL,
		logger:  cfg.Logger.With("session_id", resp.SessionID),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	go s.heartbeatLoop()

	s.logger.Debug("session opened", "owner", cfg.OwnerID, "ttl", cfg.TTL)
	return s, nil
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
			_, err := s.backend.Apply(types.RenewSessionCmd{SessionID: s.id})
			if err == nil {
				metrics.HeartbeatTotal.WithLabelValues("success").Inc()
				if failureCount > 0 {
					s.logger.Info("heartbeat recovered", "failures", failureCount)
					failureCount = 0
				}
				continue
			}

			metrics.HeartbeatTotal.WithLabelValues("failure").Inc()
			if errors.Is(err, types.ErrSessionExpired) || errors.Is(err, types.ErrSessionNotFound) {
				s.logger.Error("session lost", "error", err)
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

// marks the session dead and wakes every waiter
func (s *Session) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.backend.Watches().CloseSession(s.id)
}

// fails fast once the session is gone, including expiry the heartbeat has not noticed yet
func (s *Session) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	err := s.err
	s.mu.Unlock()
	if err != nil {
		return err
	}

	if _, alive := s.backend.Session(s.id); !alive {
		s.fail(types.ErrSessionExpired)
		return types.ErrSessionExpired
	}
	return nil
}

func (s *Session) Exists(ctx context.Context, path string) (bool, error) {
	if err := s.check(ctx); err != nil {
		return false, err
	}
	_, exists := s.backend.Get(path)
	return exists, nil
}

func (s *Session) CreatePersistent(ctx context.Context, path string, data []byte) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	_, err := s.backend.Apply(types.CreateNodeCmd{Path: path, Data: data})
	return err
}

func (s *Session) CreateEphemeralSequential(ctx context.Context, parent, prefix string, data []byte) (string, error) {
	if err := s.check(ctx); err != nil {
		return "", err
	}
	result, err := s.backend.Apply(types.CreateNodeCmd{
		Path:       types.JoinPath(parent, prefix),
		Data:       data,
		Ephemeral:  true,
		Sequential: true,
		SessionID:  s.id,
	})
	if err != nil {
		return "", err
	}
	_, name := types.SplitPath(result.(fsm.CreateNodeResponse).Path)
	return name, nil
}

func (s *Session) Delete(ctx context.Context, path string) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	_, err := s.backend.Apply(types.DeleteNodeCmd{Path: path, Version: types.AnyVersion})
	if errors.Is(err, types.ErrNoNode) {
		return nil
	}
	return err
}

func (s *Session) Children(ctx context.Context, path string) ([]string, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	return s.backend.Children(path)
}

func (s *Session) GetData(ctx context.Context, path string) ([]byte, int64, error) {
	if err := s.check(ctx); err != nil {
		return nil, 0, err
	}
	node, exists := s.backend.Get(path)
	if !exists {
		return nil, 0, types.ErrNoNode
	}
	return node.Data, node.Version, nil
}

func (s *Session) SetData(ctx context.Context, path string, data []byte, version int64) (int64, error) {
	if err := s.check(ctx); err != nil {
		return 0, err
	}
	result, err := s.backend.Apply(types.SetDataCmd{Path: path, Data: data, Version: version})
	if err != nil {
		return 0, err
	}
	return result.(fsm.SetDataResponse).Version, nil
}

func (s *Session) WatchDelete(ctx context.Context, path string) (bool, <-chan types.Event, error) {
	if err := s.check(ctx); err != nil {
		return false, nil, err
	}

	w := s.backend.Watches().Add(s.id, path, watch.KindDelete)
	if _, exists := s.backend.Get(path); !exists {
		s.backend.Watches().Remove(w)
		return false, nil, nil
	}
	s.bind(ctx, w)
	return true, w.C(), nil
}

func (s *Session) WatchData(ctx context.Context, path string) ([]byte, int64, <-chan types.Event, error) {
	if err := s.check(ctx); err != nil {
		return nil, 0, nil, err
	}

	w := s.backend.Watches().Add(s.id, path, watch.KindData)
	node, exists := s.backend.Get(path)
	if !exists {
		s.backend.Watches().Remove(w)
		return nil, 0, nil, types.ErrNoNode
	}
	s.bind(ctx, w)
	return node.Data, node.Version, w.C(), nil
}

// drops w once ctx ends, a fired watch is left alone
func (s *Session) bind(ctx context.Context, w *watch.Watch) {
	registry := s.backend.Watches()
	context.AfterFunc(ctx, func() { registry.Remove(w) })
}

// closes the session on the backend, its ephemeral nodes vanish
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	prev := s.err
	if prev == nil {
		s.err = types.ErrSessionClosed
	}
	s.mu.Unlock()

	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.done

	//already closed, or expired on the backend with nothing left to close
	if prev != nil {
		return nil
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.backend.Apply(types.CloseSessionCmd{SessionID: s.id})
	if err != nil && !errors.Is(err, types.ErrSessionNotFound) {
		return fmt.Errorf("close session: %w", err)
	}

	s.logger.Debug("session closed")
	return nil
}
