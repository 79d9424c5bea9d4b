package rwlock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pixperk/lowkey-rwlock/pkg/coord"
	"github.com/pixperk/lowkey-rwlock/pkg/metrics"
	"github.com/pixperk/lowkey-rwlock/pkg/types"
)

// attempts at creating the waiter node when the resource node keeps vanishing under us
const createAttempts = 3

// how long cleanup after a call with an unknown outcome may take once the caller's context is gone
const settleTimeout = 5 * time.Second

// synchronizer runs the queue protocol for one resource on behalf of one client
//
// state (guarded by mu, which is held for a whole acquisition or release):
//   - owner: name of our waiter node, set from enqueue until release or abandon
//   - hasLock: we hold the resource in ownerMode
//   - holds: reentrant acquisitions not yet released
//   - stray: a create failed after it may have reached the service, a node of ours may sit in the queue unnamed
type synchronizer struct {
	client   coord.Client
	root     string
	resource string
	path     string
	identity string
	policy   Policy
	logger   hclog.Logger

	mu        sync.Mutex
	owner     string
	ownerMode mode
	hasLock   bool
	holds     int
	stray     bool
	rootReady bool
}

// how long an acquisition may block
type waitPolicy struct {
	block    bool      //false: one admission attempt, no watches
	deadline time.Time //zero: no deadline
}

// what an unsuccessful admission attempt has to wait for
type waitTarget struct {
	reason  string //predecessor, readers or counter
	node    string //child watched for deletion, empty for none
	counter bool   //also watch the counter for a change from version
	version int64
}

func (s *synchronizer) nodePath(name string) string {
	return s.path + "/" + name
}

// acquire takes the lock in mode m, blocking as allowed by wp
func (s *synchronizer) acquire(ctx context.Context, m mode, wp waitPolicy) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.hasLock {
		if s.ownerMode == modeRead && m == modeWrite {
			metrics.LockAcquireTotal.WithLabelValues(m.String(), "error").Inc()
			return false, ErrUpgrade
		}
		s.holds++
		metrics.LockAcquireTotal.WithLabelValues(m.String(), "reentrant").Inc()
		s.logger.Debug("reentrant acquire", "mode", m, "holds", s.holds)
		return true, nil
	}

	start := time.Now()
	granted, err := s.acquireQueued(ctx, m, wp)
	switch {
	case err != nil && ctx.Err() != nil:
		err = fmt.Errorf("%w: %w", ErrInterrupted, ctx.Err())
		metrics.LockAcquireTotal.WithLabelValues(m.String(), "interrupted").Inc()
	case err != nil:
		metrics.LockAcquireTotal.WithLabelValues(m.String(), "error").Inc()
	case granted:
		metrics.LockAcquireDuration.WithLabelValues(m.String()).Observe(time.Since(start).Seconds())
		metrics.LockAcquireTotal.WithLabelValues(m.String(), "acquired").Inc()
		metrics.LocksHeld.WithLabelValues(m.String()).Inc()
	case !wp.block:
		metrics.LockAcquireTotal.WithLabelValues(m.String(), "rejected").Inc()
	default:
		metrics.LockAcquireTotal.WithLabelValues(m.String(), "timeout").Inc()
	}
	return granted, err
}

func (s *synchronizer) acquireQueued(ctx context.Context, m mode, wp waitPolicy) (bool, error) {
	if s.owner == "" {
		if err := s.enqueue(ctx, m); err != nil {
			return false, err
		}
	} else if s.ownerMode != m {
		//left queued by an interrupted wait in the other mode
		if err := s.abandon(ctx); err != nil {
			return false, err
		}
		if err := s.enqueue(ctx, m); err != nil {
			return false, err
		}
	}

	for {
		var (
			granted bool
			target  waitTarget
			err     error
		)
		if m == modeWrite {
			granted, target, err = s.tryWrite(ctx)
		} else {
			granted, target, err = s.tryRead(ctx)
		}
		if err != nil {
			return false, err
		}
		if granted {
			s.hasLock = true
			s.holds = 1
			s.logger.Debug("lock granted", "mode", m, "node", s.owner)
			return true, nil
		}

		if !wp.block {
			return false, s.abandon(ctx)
		}

		var timer *time.Timer
		var timeout <-chan time.Time
		if !wp.deadline.IsZero() {
			remaining := time.Until(wp.deadline)
			if remaining <= 0 {
				s.logger.Debug("lock wait timed out", "mode", m, "node", s.owner)
				return false, s.abandon(ctx)
			}
			//each wait gets what is left of the budget, expiry leads to one last attempt
			timer = time.NewTimer(remaining)
			timeout = timer.C
		}

		err = s.wait(ctx, target, timeout)
		if timer != nil {
			timer.Stop()
		}
		if err != nil {
			return false, err
		}
	}
}

// creates our waiter node, recreating the resource node if a releasing client removed it meanwhile
func (s *synchronizer) enqueue(ctx context.Context, m mode) error {
	if s.stray {
		adopted, err := s.sweep(ctx, m, true)
		if err != nil {
			return err
		}
		if adopted {
			return nil
		}
	}

	var lastErr error
	for attempt := 0; attempt < createAttempts; attempt++ {
		if err := s.ensureResource(ctx); err != nil {
			return err
		}

		name, err := s.client.CreateEphemeralSequential(ctx, s.path, nodePrefix(m, s.identity), []byte(s.identity))
		if err == nil {
			s.owner = name
			s.ownerMode = m
			s.logger.Debug("enqueued", "mode", m, "node", name)
			return nil
		}
		if !errors.Is(err, coord.ErrNoNode) {
			s.settleCreate(ctx, m)
			return fmt.Errorf("create waiter node: %w", err)
		}
		lastErr = err
	}
	return fmt.Errorf("create waiter node: %w", lastErr)
}

// a failed create may still have landed (a cancelled call, a commit timeout), look for the node
// a node found is adopted, so Unlock withdraws it and the next Lock resumes with it
// when the lookup fails or finds nothing the next Lock or Unlock looks again
func (s *synchronizer) settleCreate(ctx context.Context, m mode) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	adopted, err := s.sweep(sctx, m, true)
	if err != nil {
		s.logger.Warn("waiter node lookup failed", "mode", m, "error", err)
	}
	//not found yet, the create may still be on its way
	s.stray = !adopted
}

// collects queue nodes carrying our identity that we lost track of
// with keep set the earliest one in mode m becomes our waiter node, every other one is deleted
func (s *synchronizer) sweep(ctx context.Context, m mode, keep bool) (bool, error) {
	names, err := s.client.Children(ctx, s.path)
	if errors.Is(err, coord.ErrNoNode) {
		s.stray = false
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("list queue: %w", err)
	}

	var ours []waiter
	for _, name := range names {
		w, err := parseWaiter(name)
		if err != nil || w.identity != s.identity || name == s.owner {
			continue
		}
		ours = append(ours, w)
	}
	sort.Slice(ours, func(i, j int) bool { return ours[i].seq < ours[j].seq })

	adopted := false
	for _, w := range ours {
		if keep && !adopted && w.mode == m {
			s.owner = w.name
			s.ownerMode = m
			adopted = true
			s.logger.Debug("adopted waiter node", "mode", m, "node", w.name)
			continue
		}
		if err := s.client.Delete(ctx, s.nodePath(w.name)); err != nil {
			return adopted, fmt.Errorf("remove stray waiter node: %w", err)
		}
		s.logger.Debug("removed stray waiter node", "node", w.name)
	}
	s.stray = false
	return adopted, nil
}

func (s *synchronizer) ensureResource(ctx context.Context) error {
	if !s.rootReady {
		if s.root != types.RootPath {
			if err := s.createPath(ctx, s.root); err != nil {
				return fmt.Errorf("create lock root: %w", err)
			}
		}
		s.rootReady = true
	}

	exists, err := s.client.Exists(ctx, s.path)
	if err != nil {
		return fmt.Errorf("check resource node: %w", err)
	}
	if exists {
		return nil
	}

	err = s.client.CreatePersistent(ctx, s.path, []byte("0"))
	if err != nil && !errors.Is(err, coord.ErrNodeExists) {
		return fmt.Errorf("create resource node: %w", err)
	}
	return nil
}

// creates every missing persistent node along path
func (s *synchronizer) createPath(ctx context.Context, path string) error {
	current := ""
	for _, seg := range strings.Split(strings.TrimPrefix(path, "/"), "/") {
		current += "/" + seg
		err := s.client.CreatePersistent(ctx, current, nil)
		if err != nil && !errors.Is(err, coord.ErrNodeExists) {
			return err
		}
	}
	return nil
}

// lists the queue and locates our node in it
func (s *synchronizer) queue(ctx context.Context) ([]waiter, int, error) {
	names, err := s.client.Children(ctx, s.path)
	if err != nil {
		if errors.Is(err, coord.ErrNoNode) {
			return nil, -1, fmt.Errorf("%w: resource node %s vanished", ErrSystem, s.path)
		}
		return nil, -1, fmt.Errorf("list queue: %w", err)
	}

	q, err := buildQueue(names)
	if err != nil {
		return nil, -1, err
	}

	idx := queueIndex(q, s.owner)
	if idx < 0 {
		return nil, -1, fmt.Errorf("%w: own node %s missing from queue", ErrSystem, s.owner)
	}
	return q, idx, nil
}

// one write admission attempt
func (s *synchronizer) tryWrite(ctx context.Context) (bool, waitTarget, error) {
	q, idx, err := s.queue(ctx)
	if err != nil {
		return false, waitTarget{}, err
	}

	if idx > 0 {
		pred, _ := writerPredecessor(q, idx)
		return false, waitTarget{reason: "predecessor", node: pred.name}, nil
	}

	//at the head, readers admitted behind us may still be inside
	count, version, err := s.readCount(ctx)
	if err != nil {
		return false, waitTarget{}, err
	}
	if count == 0 {
		return true, waitTarget{}, nil
	}

	repaired, err := s.repairReadCount(ctx, count, version)
	if err != nil {
		return false, waitTarget{}, err
	}
	if repaired {
		return s.tryWrite(ctx)
	}
	return false, waitTarget{reason: "readers", counter: true, version: version}, nil
}

// resets a positive count no queued reader accounts for
// a reader that crashed while holding never decrements, its node is gone with its session
// the listing is taken after the count was read, so any reader counted at that version is visible in it
func (s *synchronizer) repairReadCount(ctx context.Context, count, version int64) (bool, error) {
	names, err := s.client.Children(ctx, s.path)
	if err != nil {
		return false, fmt.Errorf("list queue: %w", err)
	}
	q, err := buildQueue(names)
	if err != nil {
		return false, err
	}
	if hasReaders(q) {
		return false, nil
	}

	_, err = s.client.SetData(ctx, s.path, []byte("0"), version)
	if errors.Is(err, coord.ErrBadVersion) {
		metrics.ReadCountConflictTotal.Inc()
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reset read count: %w", err)
	}
	s.logger.Warn("reset read count left by lost readers", "resource", s.resource, "count", count)
	return true, nil
}

// one read admission attempt
func (s *synchronizer) tryRead(ctx context.Context) (bool, waitTarget, error) {
	q, idx, err := s.queue(ctx)
	if err != nil {
		return false, waitTarget{}, err
	}

	var version int64
	if !s.policy.writerAhead(q, idx) {
		if idx == 0 {
			if _, err := s.readCountCas(ctx, 1); err != nil {
				return false, waitTarget{}, err
			}
			return true, waitTarget{}, nil
		}

		joined, v, err := s.incrementIfPositive(ctx)
		if err != nil {
			return false, waitTarget{}, err
		}
		if joined {
			return true, waitTarget{}, nil
		}
		version = v
	}

	if pred, ok := s.policy.readerPredecessor(q, idx); ok {
		return false, waitTarget{reason: "predecessor", node: pred.name}, nil
	}

	//no writer blocks us: wait for the read phase to open, or for the reader ahead to leave without opening it
	return false, waitTarget{reason: "counter", node: q[idx-1].name, counter: true, version: version}, nil
}

// blocks until the target changes, the deadline passes or ctx is cancelled
// returns nil to request another admission attempt
func (s *synchronizer) wait(ctx context.Context, target waitTarget, timeout <-chan time.Time) error {
	var deleted, changed <-chan types.Event

	//both watches end with the wait, whichever of them fired
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if target.node != "" {
		exists, ch, err := s.client.WatchDelete(waitCtx, s.nodePath(target.node))
		if err != nil {
			return fmt.Errorf("watch %s: %w", target.node, err)
		}
		if !exists {
			return nil
		}
		deleted = ch
	}

	if target.counter {
		_, version, ch, err := s.client.WatchData(waitCtx, s.path)
		if errors.Is(err, coord.ErrNoNode) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("watch read count: %w", err)
		}
		if version != target.version {
			return nil
		}
		changed = ch
	}

	metrics.LockWaitTotal.WithLabelValues(target.reason).Inc()
	s.logger.Debug("waiting", "node", s.owner, "reason", target.reason, "predecessor", target.node)

	select {
	case <-deleted:
	case <-changed:
	case <-timeout:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// removes our waiter node after a failed attempt, the read count was never touched
func (s *synchronizer) abandon(ctx context.Context) error {
	if s.owner == "" {
		return nil
	}
	if err := s.client.Delete(ctx, s.nodePath(s.owner)); err != nil {
		return fmt.Errorf("remove waiter node: %w", err)
	}
	s.logger.Debug("abandoned", "node", s.owner)
	s.owner = ""
	s.deleteResourceIfEmpty(ctx)
	return nil
}

// release gives up one hold, the final one leaves the queue
// the read count is decremented only by the final release of a read hold, so it counts readers rather than holds
func (s *synchronizer) release(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.hasLock {
		//a node left queued by an interrupted wait
		if s.owner != "" {
			return s.abandon(ctx)
		}
		//a create whose reply never came back
		if s.stray {
			if _, err := s.sweep(ctx, s.ownerMode, false); err != nil {
				return err
			}
			s.deleteResourceIfEmpty(ctx)
			return nil
		}
		return ErrNotLocked
	}
	if s.holds > 1 {
		s.holds--
		s.logger.Debug("reentrant release", "mode", s.ownerMode, "holds", s.holds)
		return nil
	}

	if s.ownerMode == modeRead {
		if _, err := s.readCountCas(ctx, -1); err != nil {
			return err
		}
	}

	//the grant is gone from here on, a failed delete below leaves a queued node for the next unlock
	s.hasLock = false
	s.holds = 0
	metrics.LockReleaseTotal.WithLabelValues(s.ownerMode.String()).Inc()
	metrics.LocksHeld.WithLabelValues(s.ownerMode.String()).Dec()

	if err := s.client.Delete(ctx, s.nodePath(s.owner)); err != nil {
		return fmt.Errorf("remove waiter node: %w", err)
	}
	s.logger.Debug("lock released", "mode", s.ownerMode, "node", s.owner)

	s.owner = ""
	s.deleteResourceIfEmpty(ctx)
	return nil
}

// drops whatever we hold or have queued, used when the container closes
func (s *synchronizer) reset(ctx context.Context) error {
	s.mu.Lock()
	if s.hasLock {
		s.holds = 1
	}
	s.mu.Unlock()

	err := s.release(ctx)
	if errors.Is(err, ErrNotLocked) {
		return nil
	}
	return err
}

// best effort, another client's node or a concurrent create keeps it alive
func (s *synchronizer) deleteResourceIfEmpty(ctx context.Context) {
	err := s.client.Delete(ctx, s.path)
	if err != nil && !errors.Is(err, coord.ErrNotEmpty) {
		s.logger.Debug("resource node not removed", "resource", s.resource, "error", err)
	}
}

func parseReadCount(data []byte) (int64, error) {
	text := strings.TrimSpace(string(data))
	if text == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: read count %q is not a number", ErrSystem, text)
	}
	return n, nil
}

func (s *synchronizer) readCount(ctx context.Context) (int64, int64, error) {
	data, version, err := s.client.GetData(ctx, s.path)
	if err != nil {
		return 0, 0, fmt.Errorf("read count: %w", err)
	}
	count, err := parseReadCount(data)
	return count, version, err
}

// adds delta to the read count, retrying on version conflicts until it lands
func (s *synchronizer) readCountCas(ctx context.Context, delta int64) (int64, error) {
	for {
		count, version, err := s.readCount(ctx)
		if err != nil {
			return 0, err
		}

		next := count + delta
		if next < 0 {
			s.logger.Warn("read count would go negative", "resource", s.resource, "count", count, "delta", delta)
			next = 0
		}

		_, err = s.client.SetData(ctx, s.path, []byte(strconv.FormatInt(next, 10)), version)
		if err == nil {
			return next, nil
		}
		if !errors.Is(err, coord.ErrBadVersion) {
			if s.countMoved(ctx, version) {
				if delta < 0 {
					//counting a lost decrement twice could admit a writer next to a reader, one too many only delays writers
					s.logger.Warn("read count decrement outcome unknown, taking it as applied", "resource", s.resource, "error", err)
					return next, nil
				}
				s.warnExtraReader(err)
			}
			return 0, fmt.Errorf("update read count: %w", err)
		}
		metrics.ReadCountConflictTotal.Inc()
	}
}

// joins an active read phase: increments the count only while it is positive
// returns the version seen when the count was zero
func (s *synchronizer) incrementIfPositive(ctx context.Context) (bool, int64, error) {
	for {
		count, version, err := s.readCount(ctx)
		if err != nil {
			return false, 0, err
		}
		if count <= 0 {
			return false, version, nil
		}

		_, err = s.client.SetData(ctx, s.path, []byte(strconv.FormatInt(count+1, 10)), version)
		if err == nil {
			return true, version, nil
		}
		if !errors.Is(err, coord.ErrBadVersion) {
			if s.countMoved(ctx, version) {
				s.warnExtraReader(err)
			}
			return false, 0, fmt.Errorf("update read count: %w", err)
		}
		metrics.ReadCountConflictTotal.Inc()
	}
}

// after a read count write failed without a verdict: reports whether the count moved past version,
// which it did if the write landed. a failed re-read counts as moved
func (s *synchronizer) countMoved(ctx context.Context, version int64) bool {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	_, current, err := s.client.GetData(sctx, s.path)
	if errors.Is(err, coord.ErrNoNode) {
		return false
	}
	return err != nil || current != version
}

// an increment that may have landed counts a reader that never holds
// a writer reaching the head resets such a count once no reader is queued (repairReadCount)
func (s *synchronizer) warnExtraReader(err error) {
	s.logger.Warn("read count increment outcome unknown, the count may be one too high", "resource", s.resource, "error", err)
}

func (s *synchronizer) state() (held bool, m mode, holds int, owner string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasLock, s.ownerMode, s.holds, s.owner
}
