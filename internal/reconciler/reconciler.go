// Package reconciler moves tasks through their lifecycle on a timer.
//
// A tick is a function of the current time and the store: it reads fresh
// state for every sweep and carries nothing over to the next tick. Sweeps run
// in a fixed order:
//
//  1. overdue: NOT_COMPLETED tasks past due become OVERDUE (recurring ones
//     spawn their successor first) and TASK_OVERDUE intents go out.
//  2. completed_recurring: COMPLETED recurring tasks past due spawn their
//     successor once.
//  3. nearly_overdue: NOT_COMPLETED tasks due within the soon window get
//     TASK_SOON_OVERDUE intents and are flagged.
//
// A task's status or flag only changes after every intent for it was
// acknowledged by the broker, so a failed publish is retried by the next tick
// and notifications are delivered at least once.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"taskpulse/internal/notification"
	"taskpulse/internal/storage"
	"taskpulse/internal/task"
	"taskpulse/internal/users"
	logx "taskpulse/pkg/logx"
)

const (
	DefaultGranularity = time.Minute
	DefaultSoonWindow  = 15 * time.Minute
	DefaultParallelism = 4
)

// Publisher emits notification intents and waits for the broker ack.
type Publisher interface {
	PublishIntent(ctx context.Context, in notification.Intent) error
}

// TickRecorder persists tick summaries. Stores that implement it get one row
// per tick; the reconciler never reads them back.
type TickRecorder interface {
	RecordTick(ctx context.Context, run storage.TickRun) (storage.TickRun, error)
}

type Options struct {
	// Granularity truncates the tick time. Default one minute.
	Granularity time.Duration
	SoonWindow  time.Duration
	// Parallelism bounds how many tasks of a sweep are handled at once.
	Parallelism int
	Clock       func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Granularity <= 0 {
		o.Granularity = DefaultGranularity
	}
	if o.SoonWindow <= 0 {
		o.SoonWindow = DefaultSoonWindow
	}
	if o.Parallelism <= 0 {
		o.Parallelism = DefaultParallelism
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

type Reconciler struct {
	store task.Store
	dir   users.Directory
	pub   Publisher
	ticks TickRecorder
	opt   Options
	log   logx.Logger
}

func New(store task.Store, dir users.Directory, pub Publisher, opt Options, log logx.Logger) *Reconciler {
	r := &Reconciler{
		store: store,
		dir:   dir,
		pub:   pub,
		opt:   opt.withDefaults(),
		log:   log.With(logx.Component("reconciler")),
	}
	if tr, ok := store.(TickRecorder); ok {
		r.ticks = tr
	}
	return r
}

// Run is the scheduled job body: one tick at the current clock time.
func (r *Reconciler) Run(ctx context.Context) error {
	rep, err := r.Tick(ctx, r.opt.Clock())
	if err != nil {
		return err
	}
	if rep.Failed > 0 {
		r.log.Warn("tick finished with task failures",
			logx.Int("failed", rep.Failed),
			logx.Err(errors.Join(rep.Errors()...)),
		)
	}
	return nil
}

// Tick runs the three sweeps at now. Per-task failures are collected in the
// report; a store failure aborts the tick and is returned as *StoreError.
func (r *Reconciler) Tick(ctx context.Context, now time.Time) (Report, error) {
	rep := Report{
		Now:       now.Truncate(r.opt.Granularity),
		StartedAt: r.opt.Clock(),
	}
	err := r.sweeps(ctx, &rep)
	rep.FinishedAt = r.opt.Clock()

	fields := []logx.Field{
		logx.Time("now", rep.Now),
		logx.Int("overdue", rep.Overdue),
		logx.Int("spawned", rep.Spawned),
		logx.Int("soon_overdue", rep.SoonOverdue),
		logx.Int("failed", rep.Failed),
		logx.Duration("took", rep.FinishedAt.Sub(rep.StartedAt)),
	}
	if err != nil {
		r.log.Error("tick aborted", append(fields, logx.Err(err))...)
	} else {
		r.log.Info("tick done", fields...)
	}
	r.record(ctx, rep, err)
	return rep, err
}

func (r *Reconciler) sweeps(ctx context.Context, rep *Report) error {
	steps := []struct {
		sweep Sweep
		run   func(context.Context, time.Time) ([]Result, error)
	}{
		{SweepOverdue, r.overdueSweep},
		{SweepCompletedRecurring, r.completedSweep},
		{SweepNearlyOverdue, r.nearlyOverdueSweep},
	}
	for _, s := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err := s.run(ctx, rep.Now)
		rep.add(res)
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) record(ctx context.Context, rep Report, tickErr error) {
	if r.ticks == nil {
		return
	}
	run := storage.TickRun{
		StartedAt:   rep.StartedAt,
		FinishedAt:  rep.FinishedAt,
		Now:         rep.Now,
		Overdue:     rep.Overdue,
		Spawned:     rep.Spawned,
		SoonOverdue: rep.SoonOverdue,
		Failed:      rep.Failed,
	}
	if tickErr != nil {
		run.Error = tickErr.Error()
	}
	// the tick context may already be cancelled
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if _, err := r.ticks.RecordTick(rctx, run); err != nil {
		r.log.Warn("record tick failed", logx.Err(err))
	}
}

// overdueSweep flips past-due open tasks to OVERDUE.
func (r *Reconciler) overdueSweep(ctx context.Context, now time.Time) ([]Result, error) {
	tasks, err := r.store.FindByDueBefore(ctx, now, task.StatusNotCompleted)
	if err != nil {
		return nil, &StoreError{Sweep: SweepOverdue, Op: "query", Err: err}
	}
	results := make([]Result, len(tasks))
	r.forEach(len(tasks), func(i int) {
		t := tasks[i]
		res := Result{TaskID: t.ID, Sweep: SweepOverdue}
		if t.IsRepeat {
			res.SpawnedID, res.SpawnErr = r.spawnOnce(ctx, t, now)
		}
		r.notifyInto(ctx, &res, notification.EventTaskOverdue, t, now)
		if res.Changed {
			tasks[i].Status = task.StatusOverdue
		}
		results[i] = res
	})
	return results, r.saveChanged(ctx, SweepOverdue, tasks, results)
}

// completedSweep spawns the successor of completed recurring tasks whose due
// date passed. The predecessor itself is left untouched.
func (r *Reconciler) completedSweep(ctx context.Context, now time.Time) ([]Result, error) {
	tasks, err := r.store.FindByDueBeforeAndStatusAndRepeat(ctx, now, task.StatusCompleted, true)
	if err != nil {
		return nil, &StoreError{Sweep: SweepCompletedRecurring, Op: "query", Err: err}
	}
	results := make([]Result, len(tasks))
	r.forEach(len(tasks), func(i int) {
		t := tasks[i]
		res := Result{TaskID: t.ID, Sweep: SweepCompletedRecurring, Outcome: Succeeded}
		id, err := r.spawnOnce(ctx, t, now)
		switch {
		case err != nil:
			res.Outcome, res.Reason, res.Err = Failed, ReasonSpawnFailed, err
		case id == 0:
			res.Outcome, res.Reason = Skipped, ReasonSuccessorExists
		default:
			res.SpawnedID = id
		}
		results[i] = res
	})
	return results, nil
}

// nearlyOverdueSweep warns about open tasks due within the soon window.
func (r *Reconciler) nearlyOverdueSweep(ctx context.Context, now time.Time) ([]Result, error) {
	found, err := r.store.FindByDueBetween(ctx, now, now.Add(r.opt.SoonWindow), task.StatusNotCompleted)
	if err != nil {
		return nil, &StoreError{Sweep: SweepNearlyOverdue, Op: "query", Err: err}
	}
	tasks := found[:0]
	for _, t := range found {
		if !t.NearlyOverdueNotified {
			tasks = append(tasks, t)
		}
	}
	results := make([]Result, len(tasks))
	r.forEach(len(tasks), func(i int) {
		t := tasks[i]
		res := Result{TaskID: t.ID, Sweep: SweepNearlyOverdue}
		r.notifyInto(ctx, &res, notification.EventTaskSoonOverdue, t, now)
		if res.Changed {
			tasks[i].NearlyOverdueNotified = true
		}
		results[i] = res
	})
	return results, r.saveChanged(ctx, SweepNearlyOverdue, tasks, results)
}

func (r *Reconciler) saveChanged(ctx context.Context, sweep Sweep, tasks []task.Task, results []Result) error {
	changed := make([]task.Task, 0, len(tasks))
	for i, res := range results {
		if res.Changed {
			changed = append(changed, tasks[i])
		}
	}
	if len(changed) == 0 {
		return nil
	}
	if _, err := r.store.SaveAll(ctx, changed); err != nil {
		return &StoreError{Sweep: sweep, Op: "save batch", Err: err}
	}
	return nil
}

// notifyInto publishes ev for every channel of t's owner and fills res.
// Changed is set unless a publish failed.
func (r *Reconciler) notifyInto(ctx context.Context, res *Result, ev notification.EventType, t task.Task, now time.Time) {
	log := r.log.With(logx.TaskID(t.ID), logx.String("sweep", string(res.Sweep)))

	contact, err := r.dir.GetUser(ctx, t.OwnerID)
	if err != nil {
		rerr := &RecipientError{TaskID: t.ID, OwnerID: t.OwnerID, Err: err}
		log.Warn("recipient unresolved, notification skipped", logx.Err(rerr))
		res.Outcome, res.Reason, res.Err, res.Changed = Skipped, ReasonRecipientUnresolved, rerr, true
		return
	}
	targets := notification.TargetsFor(contact)
	if len(targets) == 0 {
		log.Debug("owner has no notification channel")
		res.Outcome, res.Reason, res.Changed = Skipped, ReasonNoRecipients, true
		return
	}

	published, err := r.publishAll(ctx, ev, t, targets, now)
	res.Published = published
	if err != nil {
		log.Warn("publish failed, task left for next tick", logx.Int("published", published), logx.Err(err))
		res.Outcome, res.Reason, res.Err = Failed, ReasonPublishFailed, err
		return
	}
	res.Outcome, res.Changed = Succeeded, true
}

// publishAll sends one intent per target concurrently.
func (r *Reconciler) publishAll(ctx context.Context, ev notification.EventType, t task.Task, targets notification.Targets, now time.Time) (int, error) {
	errs := make([]error, len(targets))
	var wg sync.WaitGroup
	for i, to := range targets {
		wg.Add(1)
		go func(i int, to notification.Target) {
			defer wg.Done()
			errs[i] = r.pub.PublishIntent(ctx, notification.NewIntent(ev, t, to, now))
		}(i, to)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
		}
	}
	return ok, errors.Join(errs...)
}

// spawnOnce saves the successor of t unless its series already has one.
// It returns the new task id, or 0 when nothing was spawned.
func (r *Reconciler) spawnOnce(ctx context.Context, t task.Task, now time.Time) (int64, error) {
	log := r.log.With(logx.TaskID(t.ID))
	series, err := r.store.FindSeries(ctx, t.RootID())
	if err != nil {
		log.Warn("load series failed", logx.Err(err))
		return 0, fmt.Errorf("load series of task %d: %w", t.ID, err)
	}
	if task.HasSuccessor(t, series) {
		return 0, nil
	}
	next, err := task.Spawn(t, now)
	if err != nil {
		log.Warn("spawn failed", logx.Err(err))
		return 0, fmt.Errorf("spawn successor of task %d: %w", t.ID, err)
	}
	saved, err := r.store.Save(ctx, next)
	if err != nil {
		log.Warn("save successor failed", logx.Err(err))
		return 0, fmt.Errorf("save successor of task %d: %w", t.ID, err)
	}
	log.Info("successor spawned",
		logx.Int64("successor_id", saved.ID),
		logx.Int64("series_id", t.RootID()),
		logx.Time("due", *saved.DueDate),
	)
	return saved.ID, nil
}

// forEach calls fn for 0..n-1 with at most Parallelism calls in flight.
// Every index is visited; fn sees a cancelled ctx through its own calls.
func (r *Reconciler) forEach(n int, fn func(i int)) {
	if n == 0 {
		return
	}
	sem := make(chan struct{}, r.opt.Parallelism)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		sem <- struct{}{}
		wg.Add(1)
		go func(i int) {
			defer func() {
				<-sem
				wg.Done()
			}()
			fn(i)
		}(i)
	}
	wg.Wait()
}
