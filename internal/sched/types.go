package sched

import (
	"sync"
	"time"

	"tradepipe/internal/task"
)

// QueueConfig sets one queue's execution constraints.
type QueueConfig struct {
	// Ceiling is the queue's max concurrent tasks. 1 means strictly serial
	// (consistency-sensitive queues); higher allows parallel fetches.
	Ceiling int
	// Bridged queues run on a dedicated bridge worker instead of the loop.
	Bridged bool
}

// Config controls the scheduler loop.
type Config struct {
	Enabled      bool
	TickInterval time.Duration

	// GlobalCeiling caps RUNNING tasks across all loop-scheduled queues.
	GlobalCeiling int

	Queues map[task.Queue]QueueConfig

	// Retention controls how long terminal tasks are kept before the sweep
	// deletes them.
	Retention     time.Duration
	SweepInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	if c.GlobalCeiling <= 0 {
		c.GlobalCeiling = 8
	}
	if c.Retention <= 0 {
		c.Retention = 7 * 24 * time.Hour
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Hour
	}
	if c.Queues == nil {
		c.Queues = map[task.Queue]QueueConfig{}
	}
	for _, q := range task.Queues() {
		qc := c.Queues[q]
		if qc.Ceiling <= 0 {
			qc.Ceiling = 1
		}
		c.Queues[q] = qc
	}
	return c
}

// ceilingSem is a resizable counting semaphore. Unlike a channel semaphore
// the limit can change at runtime (config hot reload) without draining.
type ceilingSem struct {
	mu    sync.Mutex
	limit int
	used  int
}

func newCeilingSem(limit int) *ceilingSem {
	if limit <= 0 {
		limit = 1
	}
	return &ceilingSem{limit: limit}
}

func (s *ceilingSem) tryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.used >= s.limit {
		return false
	}
	s.used++
	return true
}

// forceAcquire takes a slot past the limit. Used for critical overflow so
// release stays symmetric.
func (s *ceilingSem) forceAcquire() {
	s.mu.Lock()
	s.used++
	s.mu.Unlock()
}

func (s *ceilingSem) release() {
	s.mu.Lock()
	if s.used > 0 {
		s.used--
	}
	s.mu.Unlock()
}

func (s *ceilingSem) setLimit(limit int) {
	if limit <= 0 {
		limit = 1
	}
	s.mu.Lock()
	s.limit = limit
	s.mu.Unlock()
}

func (s *ceilingSem) inUse() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used
}

// Snapshot is a point-in-time diagnostics view (the global scheduling
// status exposed to operators).
type Snapshot struct {
	Enabled       bool                   `json:"enabled"`
	TickInterval  time.Duration          `json:"tick_interval"`
	GlobalCeiling int                    `json:"global_ceiling"`
	Running       int                    `json:"running"`
	RunningPerQ   map[task.Queue]int     `json:"running_per_queue"`
	Ticks         uint64                 `json:"ticks"`
	Admitted      uint64                 `json:"admitted"`
	CriticalOver  uint64                 `json:"critical_overflow"`
	StoreErrors   uint64                 `json:"store_errors"`
}
