// Package engine executes jobs on a small worker pool with overlap gating,
// per-job timeouts and panic recovery.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"taskpulse/internal/runtime/supervisor"
	logx "taskpulse/pkg/logx"
)

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger

	q      chan queuedJob
	stopCh chan struct{}
	sup    *supervisor.Supervisor

	hmu     sync.Mutex
	history []HistoryItem

	idSeq    atomic.Uint64
	inFlight atomic.Int32
	skipped  atomic.Uint64
	dropped  atomic.Uint64
}

type queuedJob struct {
	job        Job
	enqueuedAt time.Time
	timeout    time.Duration
	gated      bool
}

func New(cfg Config, log logx.Logger) *Service {
	return &Service{cfg: cfg.withDefaults(), log: log.With(logx.Component("engine"))}
}

// Start launches the workers. Calling Start on a running engine is a no-op.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return
	}
	s.q = make(chan queuedJob, s.cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log))

	queue, stopCh := s.q, s.stopCh
	for i := 0; i < s.cfg.Workers; i++ {
		s.sup.GoRestart0(fmt.Sprintf("worker.%d", i), func(c context.Context) {
			s.worker(c, stopCh, queue)
		}, supervisor.WithStopOnCleanExit(true))
	}
	s.log.Info("engine started", logx.Int("workers", s.cfg.Workers), logx.Int("queue", s.cfg.QueueSize))
}

// Stop signals workers and waits for in-flight jobs until ctx ends.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	stopCh, sup := s.stopCh, s.sup
	s.stopCh, s.sup, s.q = nil, nil, nil
	s.mu.Unlock()
	if stopCh == nil {
		return nil
	}
	close(stopCh)
	return sup.Stop(ctx)
}

// Submit queues job without blocking and returns its id.
func (s *Service) Submit(job Job) (string, error) {
	if job.Run == nil {
		return "", errors.New("job has no Run func")
	}
	s.mu.Lock()
	q, stopCh := s.q, s.stopCh
	timeout := job.Timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	s.mu.Unlock()
	if q == nil {
		return "", ErrNotStarted
	}
	select {
	case <-stopCh:
		return "", ErrStopped
	default:
	}

	if job.ID == "" {
		job.ID = s.newJobID()
	}
	if !job.State.tryAcquire() {
		s.skipped.Add(1)
		return "", ErrOverlapSkip
	}
	qj := queuedJob{job: job, enqueuedAt: time.Now(), timeout: timeout, gated: job.State != nil}
	select {
	case q <- qj:
		return job.ID, nil
	default:
		job.State.release()
		s.dropped.Add(1)
		return "", ErrQueueFull
	}
}

func (s *Service) newJobID() string {
	return fmt.Sprintf("job-%x-%x", time.Now().UnixNano(), s.idSeq.Add(1))
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		Running: s.stopCh != nil,
		Workers: s.cfg.Workers,
	}
	if s.q != nil {
		snap.QueueLen, snap.QueueCap = len(s.q), cap(s.q)
	}
	s.mu.Unlock()

	snap.InFlight = s.inFlight.Load()
	snap.Skipped = s.skipped.Load()
	snap.Dropped = s.dropped.Load()
	s.hmu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return snap
}

func (s *Service) record(item HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, item)
	if n := s.cfg.HistorySize; len(s.history) > n {
		s.history = s.history[len(s.history)-n:]
	}
	s.hmu.Unlock()
}
