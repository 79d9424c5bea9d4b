// Package rwlock implements a reentrant read-write lock shared by processes that only talk
// to a coordination service.
//
// Every contender queues an ephemeral sequential node under the resource node; a writer waits
// for the node right before it, readers wait only for writers (which writers depends on the Policy).
// The resource node holds the number of readers inside, maintained by compare-and-swap.
// One ReadWriteLock is one client: its read and write sides share the queue position and the
// reentrancy count, and it is not meant to be used by several goroutines at once.
package rwlock

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/pixperk/lowkey-rwlock/pkg/coord"
	"github.com/pixperk/lowkey-rwlock/pkg/types"
)

// name prefix of resource nodes under the root
const resourcePrefix = "lock_"

type config struct {
	policy       Policy
	identity     string
	root         string
	logger       hclog.Logger
	closeSession bool
}

type Option func(*config)

// readers never pass a writer that queued earlier
func WithFair() Option {
	return func(c *config) { c.policy = Fair }
}

func WithPolicy(p Policy) Option {
	return func(c *config) { c.policy = p }
}

// token embedded in waiter node names and stored as their data
// defaults to a random uuid without dashes
// must be unique per lock: nodes with this identity that the lock lost track of are reclaimed as its own
func WithIdentity(identity string) Option {
	return func(c *config) { c.identity = identity }
}

// parent of resource nodes, created on first use
func WithRoot(root string) Option {
	return func(c *config) { c.root = root }
}

func WithLogger(logger hclog.Logger) Option {
	return func(c *config) { c.logger = logger }
}

// Close also closes the coordination session
func WithCloseSession() Option {
	return func(c *config) { c.closeSession = true }
}

// ReadWriteLock binds one resource to one coordination session
type ReadWriteLock struct {
	client       coord.Client
	sync         *synchronizer
	read         *facade
	write        *facade
	closeSession bool
	closed       atomic.Bool
}

func New(client coord.Client, resource string, opts ...Option) (*ReadWriteLock, error) {
	cfg := config{
		policy:   NonFair,
		identity: strings.ReplaceAll(uuid.NewString(), "-", ""),
		root:     types.RootPath,
		logger:   hclog.NewNullLogger(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	if resource == "" || strings.Contains(resource, "/") {
		return nil, fmt.Errorf("%w: resource %q", ErrInvalidName, resource)
	}
	if cfg.identity == "" || strings.ContainsAny(cfg.identity, "/"+separator) {
		return nil, fmt.Errorf("%w: identity %q", ErrInvalidName, cfg.identity)
	}
	if err := types.ValidatePath(cfg.root); err != nil {
		return nil, err
	}

	l := &ReadWriteLock{
		client:       client,
		closeSession: cfg.closeSession,
	}
	l.sync = &synchronizer{
		client:   client,
		root:     cfg.root,
		resource: resource,
		path:     types.JoinPath(cfg.root, resourcePrefix+resource),
		identity: cfg.identity,
		policy:   cfg.policy,
		logger:   cfg.logger.Named("rwlock").With("resource", resource, "policy", cfg.policy.String()),
	}
	l.read = &facade{owner: l, mode: modeRead}
	l.write = &facade{owner: l, mode: modeWrite}

	return l, nil
}

func (l *ReadWriteLock) ReadLock() Locker {
	return l.read
}

func (l *ReadWriteLock) WriteLock() Locker {
	return l.write
}

// path of the node holding the reader count
func (l *ReadWriteLock) ResourcePath() string {
	return l.sync.path
}

func (l *ReadWriteLock) Identity() string {
	return l.sync.identity
}

func (l *ReadWriteLock) Policy() Policy {
	return l.sync.policy
}

// outstanding acquisitions, zero when not held
func (l *ReadWriteLock) HoldCount() int {
	held, _, holds, _ := l.sync.state()
	if !held {
		return 0
	}
	return holds
}

// reports whether this client holds the lock for reading or writing
func (l *ReadWriteLock) Held() (read, write bool) {
	held, m, _, _ := l.sync.state()
	return held && m == modeRead, held && m == modeWrite
}

// releases anything held or queued, whatever the reentrancy count
// with WithCloseSession the session is closed too
func (l *ReadWriteLock) Close(ctx context.Context) error {
	if l.closed.Swap(true) {
		return nil
	}

	err := l.sync.reset(ctx)
	if l.closeSession {
		if cerr := l.client.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

func (l *ReadWriteLock) checkOpen() error {
	if l.closed.Load() {
		return ErrClosed
	}
	return nil
}
