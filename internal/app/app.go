// Package app wires taskpulse together: it opens storage and the broker,
// builds the reconciler and dispatcher halves for the configured roles, and
// owns start order, hot reload and bounded shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"taskpulse/internal/broker"
	"taskpulse/internal/config"
	"taskpulse/internal/dispatcher"
	"taskpulse/internal/events"
	"taskpulse/internal/job/engine"
	"taskpulse/internal/job/scheduler"
	"taskpulse/internal/notification"
	"taskpulse/internal/ops"
	"taskpulse/internal/reconciler"
	rtsup "taskpulse/internal/runtime/supervisor"
	"taskpulse/internal/storage"
	"taskpulse/internal/transport/email"
	"taskpulse/internal/transport/telegram"
	logx "taskpulse/pkg/logx"
)

const (
	RoleReconciler = "reconciler"
	RoleDispatcher = "dispatcher"
)

type App struct {
	cfgm *config.ConfigManager
	cfg  *config.Config
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	sd   *sdNotifier

	store storage.Store
	bus   broker.Broker
	pub   *events.Publisher

	rec    *reconciler.Reconciler
	engine *engine.Service
	sched  *scheduler.Service
	tick   tickSchedule

	disp      *dispatcher.Dispatcher
	consumers []*broker.Consumer

	tg  *telegram.Adapter
	ops *ops.Server
}

type tickSchedule struct {
	spec string
	opt  scheduler.Options
}

// New loads cfgPath and builds every component the configured roles need.
// Nothing runs until Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateLive(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logs, log := logx.New(mapLogging(cfg))
	a := &App{
		cfgm: cfgm,
		cfg:  cfg,
		log:  log.With(logx.Component("app")),
		logs: logs,
		sd:   newSDNotifier(log.With(logx.Component("systemd"))),
	}
	if err := a.build(ctx, log); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, log logx.Logger) error {
	cfg := a.cfg

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	a.store, err = storage.Open(ctx, sc, log)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	a.log.Info("storage ready", logx.String("driver", sc.Driver))

	bc, err := mapBrokerConfig(cfg)
	if err != nil {
		return err
	}
	a.bus, err = broker.Open(bc, log.With(logx.Component("broker")))
	if err != nil {
		return fmt.Errorf("open broker: %w", err)
	}

	po, err := mapPublisherOptions(cfg)
	if err != nil {
		return err
	}
	a.pub = events.New(a.bus, po, log)

	if cfg.Telegram.Enabled {
		tc, err := mapTelegramConfig(cfg)
		if err != nil {
			return err
		}
		a.tg, err = telegram.New(tc, a.pub, log)
		if err != nil {
			return fmt.Errorf("telegram: %w", err)
		}
		a.logs.SetAlertSender(a.tg)
		// alerts were configured before the sender existed
		a.logs.Apply(mapLogging(cfg))
	}

	if cfg.App.HasRole(RoleReconciler) {
		if err := a.buildReconciler(log); err != nil {
			return err
		}
	}
	if cfg.App.HasRole(RoleDispatcher) && cfg.Dispatcher.IsEnabled() {
		if err := a.buildDispatcher(log); err != nil {
			return err
		}
	}

	if cfg.Ops.Enabled {
		deps := ops.Deps{Store: a.store}
		if a.sched != nil {
			deps.Trigger = a.sched
			deps.Engine = a.engine.Snapshot
			deps.Schedules = a.sched.Snapshot
		}
		a.ops = ops.New(mapOpsConfig(cfg), deps, log)
	}
	return nil
}

func (a *App) buildReconciler(log logx.Logger) error {
	dir, err := buildDirectory(a.cfg, log.With(logx.Component("users")))
	if err != nil {
		return err
	}
	ro, err := mapReconcilerOptions(a.cfg)
	if err != nil {
		return err
	}
	a.rec = reconciler.New(a.store, dir, a.pub, ro, log)

	ec, err := mapEngineConfig(a.cfg)
	if err != nil {
		return err
	}
	a.engine = engine.New(ec, log)
	a.sched = scheduler.New(scheduler.Config{Timezone: a.cfg.App.Timezone}, a.engine, log)

	spec, opt, err := mapTickSchedule(a.cfg)
	if err != nil {
		return err
	}
	a.tick = tickSchedule{spec: spec, opt: opt}
	if a.cfg.Reconciler.IsEnabled() {
		if err := a.sched.Add(ops.TickJob, spec, opt, a.rec.Run); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) buildDispatcher(log logx.Logger) error {
	do, err := mapDispatcherOptions(a.cfg)
	if err != nil {
		return err
	}
	a.disp = dispatcher.New(a.store, do, log)
	if a.tg != nil {
		a.disp.Register(notification.ChannelTelegram, a.tg)
	}
	if a.cfg.Email.Enabled {
		ec, err := mapEmailConfig(a.cfg)
		if err != nil {
			return err
		}
		es, err := email.New(ec, log)
		if err != nil {
			return fmt.Errorf("email: %w", err)
		}
		a.disp.Register(notification.ChannelEmail, es)
	}

	handlers := []struct {
		topic string
		h     broker.Handler
	}{
		{broker.TopicTaskEvents, a.disp.Handle},
		{broker.TopicVerification, a.disp.HandleVerification},
		{broker.TopicLinkResponses, a.disp.HandleLinkResponse},
	}
	for _, x := range handlers {
		cc, err := mapConsumerConfig(a.cfg, x.topic)
		if err != nil {
			return err
		}
		a.consumers = append(a.consumers, broker.NewConsumer(a.bus, cc, x.h, log))
	}
	return nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// RunOnce runs a single reconciliation tick and returns its report. It does
// not start the scheduler or any consumer.
func (a *App) RunOnce(ctx context.Context) (reconciler.Report, error) {
	if a.rec == nil {
		return reconciler.Report{}, errors.New("reconciler role not enabled")
	}
	return a.rec.Tick(ctx, time.Now())
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.Component("config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateLive(cfg)
	})

	if a.engine != nil {
		a.engine.Start(a.sup.Context())
		a.sched.Start(a.sup.Context())
	}
	for _, c := range a.consumers {
		a.sup.GoRestart("consumer."+c.Stats().Topic, c.Run,
			rtsup.WithRestartBackoff(time.Second, 30*time.Second),
			rtsup.WithStopOnCleanExit(true),
		)
	}
	if a.tg != nil {
		if err := a.tg.Start(a.sup.Context()); err != nil {
			return err
		}
	}
	if a.ops != nil {
		if err := a.ops.Start(a.sup.Context()); err != nil {
			return fmt.Errorf("ops: %w", err)
		}
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) { a.reloadLoop(c, sub) })
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
	if a.cfg.App.Watchdog {
		a.sup.Go0("systemd.watchdog", a.sd.Watchdog)
	}

	a.sd.Ready()
	a.log.Info("app started",
		logx.Strings("roles", a.roles()),
		logx.Int("consumers", len(a.consumers)),
		logx.Bool("telegram", a.tg != nil),
	)
	return nil
}

func (a *App) roles() []string {
	var out []string
	for _, r := range []string{RoleReconciler, RoleDispatcher} {
		if a.cfg.App.HasRole(r) {
			out = append(out, r)
		}
	}
	return out
}

func (a *App) reloadLoop(c context.Context, sub chan *config.Config) {
	defer a.cfgm.Unsubscribe(sub)
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

// liveSections apply without a restart.
var liveSections = map[string]bool{"logging": true, "reconciler": true, "dispatcher": true}

func (a *App) applyConfig(prev, next *config.Config) {
	sections, attrs, _ := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	var restart []string
	for _, s := range sections {
		if !liveSections[s] {
			restart = append(restart, s)
		}
	}
	if len(restart) > 0 {
		a.log.Warn("config sections changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLogging(next))

	if a.tg != nil && prev.Dispatcher.TelegramRatePer != next.Dispatcher.TelegramRatePer {
		a.tg.SetRate(next.Dispatcher.TelegramRatePer)
	}

	if a.sched != nil {
		was, now := prev.Reconciler.IsEnabled(), next.Reconciler.IsEnabled()
		switch {
		case was && !now:
			a.sched.Remove(ops.TickJob)
			a.log.Info("reconciler disabled via config")
		case !was && now:
			if err := a.sched.Add(ops.TickJob, a.tick.spec, a.tick.opt, a.rec.Run); err != nil {
				a.log.Error("reconciler enable failed", logx.Err(err))
			} else {
				a.log.Info("reconciler enabled via config")
			}
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop shuts components down in reverse start order. Every step is bounded
// so one component cannot stall the whole stop.
func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		a.close()
		return nil
	}
	a.sd.Stopping()
	a.log.Info("stopping")

	// cancel first so background loops start unwinding immediately
	a.sup.Cancel()

	if a.ops != nil {
		a.step(ctx, "ops", 3*time.Second, a.ops.Stop)
	}
	if a.tg != nil {
		a.step(ctx, "telegram", 3*time.Second, a.tg.Stop)
	}
	if a.sched != nil {
		a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
		a.step(ctx, "engine", 5*time.Second, a.engine.Stop)
	}
	// consumers exit on cancel; wait for them before the broker goes away
	a.step(ctx, "supervisor", 3*time.Second, a.sup.Wait)
	a.close()

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// close releases the broker and the store.
func (a *App) close() {
	if a.bus != nil {
		if err := a.bus.Close(); err != nil {
			a.log.Warn("broker close failed", logx.Err(err))
		}
		a.bus = nil
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
		a.store = nil
	}
}

func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	// respect the caller's deadline; never extend it
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped, no time left", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			if err := <-done; err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
			}
		}()
	}
}
