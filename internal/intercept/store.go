package intercept

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultHistoryCapacity is the ring size used when none is configured.
const DefaultHistoryCapacity = 1000

// Stats is a point-in-time snapshot of a [Store].
type Stats struct {
	TotalRequests       int64   `json:"total_requests"`
	RequestsPerSecond   float64 `json:"requests_per_second"`
	RecentRequestsCount int     `json:"recent_requests_count"`
	UptimeSeconds       float64 `json:"uptime_seconds"`
	Enabled             bool    `json:"enabled"`
}

// Store holds the live interception statistics and the bounded history of
// recent records. Counters and history share one mutex that is held only
// for the mutation itself.
type Store struct {
	mu    sync.Mutex
	total int64
	rps   float64
	start time.Time
	ring  *Ring[Record]

	enabled     atomic.Bool
	logRequests atomic.Bool

	now func() time.Time
}

// StoreOption configures a [Store].
type StoreOption func(*Store)

// WithStoreClock replaces time.Now.
func WithStoreClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// NewStore creates an enabled Store with request logging on. A non-positive
// capacity uses [DefaultHistoryCapacity].
func NewStore(capacity int, opts ...StoreOption) *Store {
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}
	s := &Store{ring: NewRing[Record](capacity), now: time.Now}
	for _, o := range opts {
		o(s)
	}
	s.start = s.now()
	s.enabled.Store(true)
	s.logRequests.Store(true)
	return s
}

// Count increments the total and recomputes requests per second.
func (s *Store) Count() int64 {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total++
	if elapsed := now.Sub(s.start).Seconds(); elapsed > 0 {
		s.rps = float64(s.total) / elapsed
	}
	return s.total
}

// Append adds rec to the history, evicting the oldest at capacity.
func (s *Store) Append(rec Record) {
	s.mu.Lock()
	s.ring.Push(rec)
	s.mu.Unlock()
}

// Recent returns up to limit of the newest records, oldest first. limit <= 0
// returns the whole history.
func (s *Store) Recent(limit int) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ring.Last(limit)
}

// Stats returns a snapshot. Rates and uptime are rounded to two decimals.
func (s *Store) Stats() Stats {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		TotalRequests:       s.total,
		RequestsPerSecond:   round2(s.rps),
		RecentRequestsCount: s.ring.Len(),
		UptimeSeconds:       round2(now.Sub(s.start).Seconds()),
		Enabled:             s.enabled.Load(),
	}
}

// Clear empties the history. Counters are kept.
func (s *Store) Clear() {
	s.mu.Lock()
	s.ring.Clear()
	s.mu.Unlock()
}

// Reset zeroes the counters and restarts the uptime clock. History is kept.
func (s *Store) Reset() {
	now := s.now()
	s.mu.Lock()
	s.total, s.rps, s.start = 0, 0, now
	s.mu.Unlock()
}

// Capacity returns the history capacity.
func (s *Store) Capacity() int { return s.ring.Cap() }

func (s *Store) Enabled() bool         { return s.enabled.Load() }
func (s *Store) SetEnabled(v bool)     { s.enabled.Store(v) }
func (s *Store) LogRequests() bool     { return s.logRequests.Load() }
func (s *Store) SetLogRequests(v bool) { s.logRequests.Store(v) }

func round2(f float64) float64 { return math.Round(f*100) / 100 }
