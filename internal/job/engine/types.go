package engine

import (
	"context"
	"sync"
	"time"
)

// Config controls the job executor. The scheduler only triggers; execution
// settings live here.
type Config struct {
	Workers   int
	QueueSize int

	// DefaultTimeout applies when Job.Timeout is 0. 0 means no timeout.
	DefaultTimeout time.Duration

	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 16
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 100
	}
	return c
}

// RunState gates overlapping runs of one logical job. A job holding a
// RunState is skipped while a previous run is queued or executing.
type RunState struct {
	mu       sync.Mutex
	inflight bool
	lastEnd  time.Time
}

func (s *RunState) tryAcquire() bool {
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight {
		return false
	}
	s.inflight = true
	return true
}

func (s *RunState) release() {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.inflight = false
	s.lastEnd = time.Now()
	s.mu.Unlock()
}

// Running reports whether a run is queued or executing.
func (s *RunState) Running() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight
}

// Job is a unit of work executed by the engine.
type Job struct {
	ID      string
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context) error

	// State, when set, makes the job non-reentrant.
	State *RunState
}

type HistoryItem struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

type Snapshot struct {
	Running  bool          `json:"running"`
	Workers  int           `json:"workers"`
	QueueLen int           `json:"queue_len"`
	QueueCap int           `json:"queue_cap"`
	InFlight int32         `json:"in_flight"`
	Skipped  uint64        `json:"skipped"`
	Dropped  uint64        `json:"dropped"`
	History  []HistoryItem `json:"history"`
}
