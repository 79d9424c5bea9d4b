package fsm

import (
	"context"
	"errors"
	tm "time"

	"github.com/hashicorp/go-hclog"
	"github.com/pixperk/lowkey-rwlock/pkg/metrics"
	"github.com/pixperk/lowkey-rwlock/pkg/types"
)

// DefaultReapInterval is how often lapsed sessions are looked for
const DefaultReapInterval = 500 * tm.Millisecond

// expires sessions whose heartbeats stopped
// expiry goes through apply so that on a replicated backend it is a log entry like any other write
type Reaper struct {
	state    *FSM
	apply    func(types.Command) (any, error)
	leader   func() bool
	interval tm.Duration
	logger   hclog.Logger
}

// leader may be nil for a single process backend
func NewReaper(state *FSM, apply func(types.Command) (any, error), leader func() bool, interval tm.Duration, logger hclog.Logger) *Reaper {
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Reaper{
		state:    state,
		apply:    apply,
		leader:   leader,
		interval: interval,
		logger:   logger,
	}
}

// runs until ctx is done
func (r *Reaper) Run(ctx context.Context) {
	ticker := tm.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if r.leader != nil && !r.leader() {
				continue
			}
			r.ReapOnce()
		}
	}
}

// expires every lapsed session once, returns how many went
func (r *Reaper) ReapOnce() int {
	expired := r.state.GetExpiredSessions(r.state.CurrentTime())

	reaped := 0
	for _, sessionID := range expired {
		result, err := r.apply(types.ExpireSessionCmd{SessionID: sessionID})
		if err != nil {
			//closed concurrently, nothing left to do
			if errors.Is(err, types.ErrSessionNotFound) {
				continue
			}
			r.logger.Warn("failed to expire session", "session_id", sessionID, "error", err)
			continue
		}

		reaped++
		metrics.SessionExpireTotal.Inc()

		nodes := 0
		if resp, ok := result.(RemoveSessionResponse); ok {
			nodes = resp.NodesDeleted
		}
		r.logger.Info("session expired", "session_id", sessionID, "ephemerals_deleted", nodes)
	}

	return reaped
}
