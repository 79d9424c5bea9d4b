package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// read/write lock acquisition latency, enqueue to grant
	// labels: mode (read/write)
	LockAcquireDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lowkey_rwlock_acquire_duration_seconds",
			Help:    "time taken to acquire a read or write lock",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
		},
		[]string{"mode"},
	)

	// acquisition outcomes
	// labels: mode, status (acquired/reentrant/rejected/timeout/interrupted/error)
	LockAcquireTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lowkey_rwlock_acquire_total",
			Help: "total number of lock acquisition attempts by outcome",
		},
		[]string{"mode", "status"},
	)

	// final releases, reentrant unlocks are not counted
	LockReleaseTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lowkey_rwlock_release_total",
			Help: "total number of lock releases",
		},
		[]string{"mode"},
	)

	// grants currently held by this process
	// a value that only grows points at a missing unlock
	LocksHeld = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lowkey_rwlock_held",
			Help: "current number of locks held by this process",
		},
		[]string{"mode"},
	)

	// reader count compare-and-swap attempts that lost against a concurrent writer of the counter
	// a high rate means heavy reader churn on one resource
	ReadCountConflictTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lowkey_rwlock_read_count_conflicts_total",
			Help: "total number of version conflicts while updating the reader count",
		},
	)

	// blocking waits inside the acquisition loop
	// labels: reason (predecessor/readers/counter)
	LockWaitTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lowkey_rwlock_wait_total",
			Help: "total number of blocking waits during lock acquisition",
		},
		[]string{"reason"},
	)

	// session creation counter
	SessionCreateTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lowkey_session_create_total",
			Help: "total number of sessions created",
		},
	)

	// session expiration counter - tracks client failures
	// spikes indicate network issues or crashed clients
	SessionExpireTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lowkey_session_expire_total",
			Help: "total number of session expirations (client failures)",
		},
	)

	// live sessions as seen by this server
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lowkey_sessions_active",
			Help: "current number of active sessions",
		},
	)

	// heartbeat counter - tracks keepalive success/failure
	// labels: status (success/failure)
	HeartbeatTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lowkey_heartbeat_total",
			Help: "total number of heartbeats processed",
		},
		[]string{"status"},
	)

	// pending one-shot watches
	WatchesActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lowkey_watches_active",
			Help: "current number of registered watches",
		},
	)

	// fired watches
	// labels: kind (delete/data)
	WatchFiredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lowkey_watch_fired_total",
			Help: "total number of watches fired",
		},
		[]string{"kind"},
	)

	// raft leader status - 1 if this node is leader, 0 if follower
	// exactly one node in cluster should have this = 1
	RaftIsLeader = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lowkey_raft_is_leader",
			Help: "whether this node is the raft leader (1 = leader, 0 = follower)",
		},
	)

	// cluster size - number of peers in raft cluster
	RaftPeers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lowkey_raft_peers",
			Help: "number of peers in the raft cluster",
		},
	)

	// raft log index - last index applied to FSM
	// lag between leader and follower = replication delay
	RaftAppliedIndex = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lowkey_raft_applied_index",
			Help: "last raft log index applied to the fsm",
		},
	)

	// service uptime - always 1 when running
	Up = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lowkey_up",
			Help: "whether the service is up (always 1 when running)",
		},
	)
)

func init() {
	// set uptime gauge to 1 on startup
	Up.Set(1)
}
