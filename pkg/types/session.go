package types

import "time"

// a session is a time-bound client presence in the namespace
// ephemeral nodes live exactly as long as the session that created them
// a session that misses heartbeats past its TTL is expired by the leader
type Session struct {
	SessionID uint64
	OwnerID   string
	ExpiresAt time.Duration //monotonic time from server start
	TTL       time.Duration
}

// checks if the session has expired given the elapsed time since server start
func (s *Session) IsExpired(elapsed time.Duration) bool {
	return elapsed >= s.ExpiresAt
}
