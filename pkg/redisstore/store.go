// Package redisstore implements the coordination primitives on a plain Redis server.
//
// Mutations run as Lua scripts so each one is atomic, watches ride on pub/sub
// and sessions are keys with a TTL that heartbeats keep alive.
// Any store connected to the same Redis reaps sessions whose key expired.
//
// Scripts also touch keys they derive while running (a sequential node's name, a session's nodes),
// so every key has to live on one node: a single Redis server, or under Redis Cluster a prefix
// carrying a hash tag such as "{lowkey}:" that maps all keys to one slot.
package redisstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pixperk/lowkey-rwlock/pkg/metrics"
	"github.com/redis/go-redis/v9"
)

// RedisClient is the part of go-redis the store needs, *redis.Client satisfies it
type RedisClient interface {
	redis.Cmdable
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
}

type Options struct {
	Addr     string
	Password string
	DB       int

	// key prefix, lets several namespaces share one Redis
	Prefix string

	// how often expired sessions are looked for
	ReapInterval time.Duration

	Logger hclog.Logger
}

func DefaultOptions() Options {
	return Options{
		Addr:         "localhost:6379",
		Prefix:       "lowkey:",
		ReapInterval: time.Second,
	}
}

// Store is a connection to the Redis holding the namespace
type Store struct {
	client RedisClient
	owned  bool //client was created by the store and is closed with it
	opts   Options
	logger hclog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// dials Redis with opts and starts the session reaper
func NewStore(ctx context.Context, opts Options) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	s, err := NewStoreWithClient(ctx, client, opts)
	if err != nil {
		client.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// like NewStore over an existing client, the client stays open when the store closes
func NewStoreWithClient(ctx context.Context, client RedisClient, opts Options) (*Store, error) {
	defaults := DefaultOptions()
	if opts.Prefix == "" {
		opts.Prefix = defaults.Prefix
	}
	if opts.ReapInterval <= 0 {
		opts.ReapInterval = defaults.ReapInterval
	}
	if opts.Logger == nil {
		opts.Logger = hclog.NewNullLogger()
	}

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	reapCtx, cancel := context.WithCancel(context.Background())
	s := &Store{
		client: client,
		opts:   opts,
		logger: opts.Logger.Named("redisstore"),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.reapLoop(reapCtx)

	return s, nil
}

func (s *Store) key(parts ...string) string {
	k := s.opts.Prefix
	for i, p := range parts {
		if i > 0 {
			k += ":"
		}
		k += p
	}
	return k
}

func (s *Store) nodeKey(path string) string       { return s.key("node", path) }
func (s *Store) childrenKey(path string) string   { return s.key("children", path) }
func (s *Store) eventsKey(path string) string     { return s.key("events", path) }
func (s *Store) seqKey(path string) string        { return s.key("cseq", path) }
func (s *Store) sessionKey(id uint64) string      { return s.key("session", strconv.FormatUint(id, 10)) }
func (s *Store) sessionNodesKey(id uint64) string { return s.key("session", strconv.FormatUint(id, 10), "nodes") }

func (s *Store) reapLoop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.opts.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.reap(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("session reap failed", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// removes every session whose liveness key is gone along with its ephemeral nodes
func (s *Store) reap(ctx context.Context) error {
	ids, err := s.client.SMembers(ctx, s.key("sessions")).Result()
	if err != nil {
		return err
	}

	for _, raw := range ids {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			continue
		}
		alive, err := s.client.Exists(ctx, s.sessionKey(id)).Result()
		if err != nil {
			return err
		}
		if alive == 1 {
			continue
		}

		removed, err := s.removeSession(ctx, id)
		if err != nil {
			return err
		}
		metrics.SessionExpireTotal.Inc()
		s.logger.Info("session expired", "session_id", id, "ephemerals_deleted", removed)
	}
	return nil
}

func (s *Store) removeSession(ctx context.Context, id uint64) (int64, error) {
	keys := []string{s.sessionKey(id), s.sessionNodesKey(id), s.key("sessions")}
	return removeSessionScript.Run(ctx, s.client, keys, s.opts.Prefix, strconv.FormatUint(id, 10)).Int64()
}

// stops the reaper, open sessions are left to expire
func (s *Store) Close() error {
	s.cancel()
	<-s.done
	if s.owned {
		if c, ok := s.client.(interface{ Close() error }); ok {
			return c.Close()
		}
	}
	return nil
}
