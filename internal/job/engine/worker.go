package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	logx "taskpulse/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan queuedJob) {
	for {
		// a closed stopCh wins over queued work
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case qj := <-queue:
			s.inFlight.Add(1)
			s.execOne(ctx, qj)
			s.inFlight.Add(-1)
		}
	}
}

func (s *Service) execOne(ctx context.Context, qj queuedJob) {
	if qj.gated {
		defer qj.job.State.release()
	}
	start := time.Now()
	queueDelay := max(start.Sub(qj.enqueuedAt), 0)
	log := s.log.With(logx.String("job", qj.job.Name), logx.String("job_id", qj.job.ID))
	log.Debug("job.started", logx.Duration("queue_delay", queueDelay))

	runCtx := ctx
	if qj.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, qj.timeout)
		defer cancel()
	}

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				log.Error("job.panic", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			}
		}()
		return qj.job.Run(runCtx)
	}()

	dur := time.Since(start)
	item := HistoryItem{ID: qj.job.ID, Name: qj.job.Name, Started: start, QueueDelay: queueDelay, Duration: dur}
	if err != nil {
		item.Error = err.Error()
		log.Warn("job.failed", logx.Err(err), logx.Duration("dur", dur))
	} else {
		log.Debug("job.completed", logx.Duration("dur", dur))
	}
	s.record(item)
}
