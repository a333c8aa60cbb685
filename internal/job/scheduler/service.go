// Package scheduler triggers engine jobs from cron expressions or fixed
// intervals. It never runs job bodies itself; every activation is submitted to
// the engine, which owns overlap gating and execution.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"taskpulse/internal/job/engine"
	logx "taskpulse/pkg/logx"
)

// Submitter is the part of the engine the scheduler needs.
type Submitter interface {
	Submit(job engine.Job) (string, error)
}

type Config struct {
	Timezone string
}

// Options tunes a single schedule.
type Options struct {
	// InitialDelay postpones the first activation after Start.
	InitialDelay time.Duration
	// StartupSpread adds a random extra delay in [0, StartupSpread).
	StartupSpread time.Duration
	Timeout       time.Duration
}

type def struct {
	name  string
	spec  ParsedSpec
	opt   Options
	run   func(ctx context.Context) error
	state *engine.RunState
	entry cron.EntryID
}

type Service struct {
	mu     sync.Mutex
	cfg    Config
	log    logx.Logger
	eng    Submitter
	parser cron.Parser
	c      *cron.Cron
	loc    *time.Location
	rng    *rand.Rand
	now    func() time.Time

	defs  map[string]*def
	// gates outlive Remove so a re-added name still sees its in-flight run.
	gates map[string]*engine.RunState

	warnMu     sync.Mutex
	lastWarnAt map[string]time.Time
}

func New(cfg Config, eng Submitter, log logx.Logger) *Service {
	return &Service{
		cfg:        cfg,
		log:        log.With(logx.Component("scheduler")),
		eng:        eng,
		parser:     cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		now:        time.Now,
		defs:       map[string]*def{},
		gates:      map[string]*engine.RunState{},
		lastWarnAt: map[string]time.Time{},
	}
}

// Add registers a named schedule. Activations are submitted as non-reentrant
// jobs: a trigger that fires while the previous run is queued or executing is
// skipped. Adding an existing name replaces it and keeps its overlap gate.
func (s *Service) Add(name, schedule string, opt Options, run func(ctx context.Context) error) error {
	name = strings.TrimSpace(name)
	if name == "" || run == nil {
		return errors.New("schedule name and func required")
	}
	spec, err := ParseSchedule(schedule)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	if spec.Kind == SpecCron {
		if _, err := s.parser.Parse(spec.Cron); err != nil {
			return fmt.Errorf("schedule %s: invalid cron %q: %w", name, spec.Cron, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old := s.defs[name]; old != nil && s.c != nil {
		s.c.Remove(old.entry)
	}
	d := &def{name: name, spec: spec, opt: opt, run: run, state: s.gateLocked(name)}
	s.defs[name] = d
	if s.c != nil {
		return s.registerLocked(d)
	}
	return nil
}

// Remove unregisters a schedule. It reports whether the name existed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.defs[name]
	if d == nil {
		return false
	}
	if s.c != nil {
		s.c.Remove(d.entry)
	}
	delete(s.defs, name)
	return true
}

func (s *Service) gateLocked(name string) *engine.RunState {
	g := s.gates[name]
	if g == nil {
		g = &engine.RunState{}
		s.gates[name] = g
	}
	return g
}

// Trigger submits a schedule's job immediately, sharing its overlap gate.
func (s *Service) Trigger(name string) (string, error) {
	s.mu.Lock()
	d := s.defs[name]
	s.mu.Unlock()
	if d == nil {
		return "", fmt.Errorf("unknown schedule %q", name)
	}
	return s.eng.Submit(s.jobFor(d))
}

func (s *Service) jobFor(d *def) engine.Job {
	return engine.Job{Name: d.name, Timeout: d.opt.Timeout, Run: d.run, State: d.state}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, d := range s.defs {
		if err := s.registerLocked(d); err != nil {
			s.log.Error("schedule registration failed", logx.String("schedule", d.name), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("scheduler stopped")
}

func (s *Service) registerLocked(d *def) error {
	var base cron.Schedule
	if d.spec.Kind == SpecInterval {
		base = cron.Every(d.spec.Every)
	} else {
		sched, err := s.parser.Parse(d.spec.Cron)
		if err != nil {
			return err
		}
		base = sched
	}

	var sched cron.Schedule = base
	if d.opt.InitialDelay > 0 || d.opt.StartupSpread > 0 {
		first := firstRunAt(s.now().In(s.loc), d.opt.InitialDelay, d.opt.StartupSpread, s.rng)
		sched = &delayedSchedule{base: base, notBefore: first, exact: d.spec.Kind == SpecInterval}
	}

	d.entry = s.c.Schedule(sched, cron.FuncJob(func() {
		if _, err := s.eng.Submit(s.jobFor(d)); err != nil {
			s.reportSubmitError(d.name, err)
		}
	}))
	return nil
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; using local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

const submitWarnEvery = 5 * time.Second

// reportSubmitError logs rejected activations, throttled per schedule.
// Overlap skips are expected for long ticks and stay at debug.
func (s *Service) reportSubmitError(name string, err error) {
	if errors.Is(err, engine.ErrOverlapSkip) {
		s.log.Debug("activation skipped; previous run still active", logx.String("schedule", name))
		return
	}
	now := time.Now()
	s.warnMu.Lock()
	last := s.lastWarnAt[name]
	if now.Sub(last) < submitWarnEvery {
		s.warnMu.Unlock()
		return
	}
	s.lastWarnAt[name] = now
	s.warnMu.Unlock()
	s.log.Warn("activation rejected", logx.String("schedule", name), logx.Err(err))
}

// Entry describes a registered schedule.
type Entry struct {
	Name    string    `json:"name"`
	Spec    string    `json:"spec"`
	Running bool      `json:"running"`
	Next    time.Time `json:"next,omitempty"`
	Prev    time.Time `json:"prev,omitempty"`
}

func (s *Service) Snapshot() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.defs))
	for _, d := range s.defs {
		e := Entry{Name: d.name, Spec: d.spec.String(), Running: d.state.Running()}
		if s.c != nil {
			ce := s.c.Entry(d.entry)
			e.Next, e.Prev = ce.Next, ce.Prev
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
