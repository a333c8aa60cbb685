package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	logx "taskpulse/pkg/logx"
)

// errExited marks a clean return from a loop that is expected to run forever.
var errExited = errors.New("exited")

type RestartOption func(*restartCfg)

type restartCfg struct {
	minBackoff      time.Duration
	maxBackoff      time.Duration
	maxRestarts     int // <=0 means unlimited
	stopOnCleanExit bool
	fatalOnGiveUp   bool
	publishErr      bool
	healthyAfter    time.Duration
}

// WithRestartBackoff bounds the exponential backoff between restarts.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(c *restartCfg) {
		if min > 0 {
			c.minBackoff = min
		}
		if max > 0 {
			c.maxBackoff = max
		}
	}
}

// WithMaxRestarts gives up after n restarts. The first run is not counted.
func WithMaxRestarts(n int) RestartOption { return func(c *restartCfg) { c.maxRestarts = n } }

// WithFatalOnGiveUp records the final error (and cancels when WithCancelOnError
// is set) once restarts are exhausted.
func WithFatalOnGiveUp(enabled bool) RestartOption {
	return func(c *restartCfg) { c.fatalOnGiveUp = enabled }
}

// WithPublishError records every failed run as the supervisor error.
func WithPublishError(enabled bool) RestartOption {
	return func(c *restartCfg) { c.publishErr = enabled }
}

// WithStopOnCleanExit controls whether a nil return ends the loop. Default true.
func WithStopOnCleanExit(enabled bool) RestartOption {
	return func(c *restartCfg) { c.stopOnCleanExit = enabled }
}

// GoRestart runs fn and restarts it after errors or panics with jittered
// exponential backoff until the supervisor context ends. A run that lasted
// longer than 30s resets the backoff.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	cfg := restartCfg{
		minBackoff:      250 * time.Millisecond,
		maxBackoff:      30 * time.Second,
		stopOnCleanExit: true,
		healthyAfter:    30 * time.Second,
	}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.maxBackoff < cfg.minBackoff {
		cfg.maxBackoff = cfg.minBackoff
	}

	s.started.Add(1)
	s.active.Add(1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.active.Add(-1)
		s.restartLoop(name, fn, cfg)
	}()
}

// GoRestart0 is GoRestart for functions without an error result.
func (s *Supervisor) GoRestart0(name string, fn func(ctx context.Context), opts ...RestartOption) {
	if fn == nil {
		return
	}
	s.GoRestart(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	}, opts...)
}

func (s *Supervisor) restartLoop(name string, fn func(ctx context.Context) error, cfg restartCfg) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	backoff := cfg.minBackoff
	restarts := 0
	for {
		if s.ctx.Err() != nil {
			return
		}

		startedAt := time.Now()
		s.noteStart(name, restarts > 0)
		err, panicked := s.runGuarded(name, fn)

		// shutdown in progress: whatever fn returned is a clean stop
		if s.ctx.Err() != nil || errors.Is(err, context.Canceled) {
			s.noteStop(name, nil, panicked)
			return
		}
		if err == nil {
			if cfg.stopOnCleanExit {
				s.noteStop(name, nil, false)
				return
			}
			err = errExited
		}

		err = fmt.Errorf("%s: %w", name, err)
		s.noteStop(name, err, panicked)
		if cfg.publishErr {
			s.setErr(err)
		}

		restarts++
		if time.Since(startedAt) >= cfg.healthyAfter {
			backoff = cfg.minBackoff
		}
		if cfg.maxRestarts > 0 && restarts > cfg.maxRestarts {
			s.log.Error("goroutine gave up after restarts", logx.String("name", name), logx.Int("restarts", restarts), logx.Err(err))
			if cfg.fatalOnGiveUp {
				s.setErr(err)
				if s.cancelOnErr {
					s.cancel()
				}
			}
			return
		}

		wait := min(max(backoff, cfg.minBackoff), cfg.maxBackoff)
		if j := int64(wait) / 5; j > 0 {
			wait += time.Duration(rng.Int63n(j + 1))
		}
		s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))

		t := time.NewTimer(wait)
		select {
		case <-s.ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		backoff = min(backoff*2, cfg.maxBackoff)
	}
}
