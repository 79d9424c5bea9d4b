package coord

import (
	"context"
	tm "time"

	"github.com/hashicorp/go-hclog"
	"github.com/pixperk/lowkey-rwlock/pkg/fsm"
	"github.com/pixperk/lowkey-rwlock/pkg/time"
	"github.com/pixperk/lowkey-rwlock/pkg/types"
	"github.com/pixperk/lowkey-rwlock/pkg/watch"
)

// Backend is a server-side coordination service
// writes go through Apply and return the fsm response structs, reads hit the local state
type Backend interface {
	Apply(cmd types.Command) (any, error)
	Get(path string) (*types.Node, bool)
	Children(path string) ([]string, error)
	Session(sessionID uint64) (*types.Session, bool)
	Watches() *watch.Registry
	IsLeader() bool
	GetLeader() string
}

// LocalService is a single process backend: one fsm, one watch registry and a session reaper
type LocalService struct {
	state   *fsm.FSM
	watches *watch.Registry
	logger  hclog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

type localConfig struct {
	clock        *time.Clock
	reapInterval tm.Duration
	logger       hclog.Logger
}

type LocalOption func(*localConfig)

// clock used for session deadlines
func WithClock(clock *time.Clock) LocalOption {
	return func(c *localConfig) { c.clock = clock }
}

func WithReapInterval(d tm.Duration) LocalOption {
	return func(c *localConfig) { c.reapInterval = d }
}

func WithServiceLogger(logger hclog.Logger) LocalOption {
	return func(c *localConfig) { c.logger = logger }
}

func NewLocalService(opts ...LocalOption) *LocalService {
	cfg := localConfig{
		clock:        time.NewClock(),
		reapInterval: fsm.DefaultReapInterval,
		logger:       hclog.NewNullLogger(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	s := &LocalService{
		state:   fsm.NewFSMWithClock(cfg.clock),
		watches: watch.NewRegistry(),
		logger:  cfg.logger,
		done:    make(chan struct{}),
	}
	s.state.SetEventSink(s.watches.Dispatch)

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	reaper := fsm.NewReaper(s.state, s.state.Apply, nil, cfg.reapInterval, cfg.logger.Named("reaper"))
	go func() {
		defer close(s.done)
		reaper.Run(ctx)
	}()

	return s
}

func (s *LocalService) Apply(cmd types.Command) (any, error) {
	return s.state.Apply(cmd)
}

func (s *LocalService) Get(path string) (*types.Node, bool) {
	return s.state.Get(path)
}

func (s *LocalService) Children(path string) ([]string, error) {
	return s.state.Children(path)
}

func (s *LocalService) Session(sessionID uint64) (*types.Session, bool) {
	return s.state.GetSession(sessionID)
}

func (s *LocalService) Watches() *watch.Registry {
	return s.watches
}

func (s *LocalService) IsLeader() bool {
	return true
}

func (s *LocalService) GetLeader() string {
	return "local"
}

// the state machine, exposed for inspection
func (s *LocalService) State() *fsm.FSM {
	return s.state
}

// stops the reaper and closes every pending watch
func (s *LocalService) Close() error {
	s.cancel()
	<-s.done
	s.watches.CloseAll()
	return nil
}
