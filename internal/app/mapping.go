package app

import (
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
	"taskpulse/internal/storage"
	"taskpulse/internal/transport/email"
	"taskpulse/internal/transport/telegram"
	"taskpulse/internal/users"
	logx "taskpulse/pkg/logx"
)

const (
	defaultSchedule      = "60s"
	defaultInitialDelay  = 10 * time.Second
	defaultStartupSpread = 5 * time.Second
	defaultGroup         = "taskpulse"
)

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alerts: logx.AlertConfig{
			Enabled:    cfg.Logging.Alerts.Enabled,
			ChatID:     cfg.Logging.Alerts.ChatID,
			MinLevel:   cfg.Logging.Alerts.MinLevel,
			RatePerSec: cfg.Logging.Alerts.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:       strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:         strings.TrimSpace(sc.Path),
		DSN:          sc.DSN,
		BusyTimeout:  busy,
		MaxOpenConns: sc.MaxOpen,
		Migrate:      sc.ShouldMigrate(),
	}, nil
}

func mapBrokerConfig(cfg *config.Config) (broker.Config, error) {
	wt, err := config.ParseDurationField("broker.write_timeout", cfg.Broker.WriteTimeout)
	if err != nil {
		return broker.Config{}, err
	}
	clientID := cfg.Broker.ClientID
	if clientID == "" {
		clientID = "taskpulse"
	}
	return broker.Config{
		Driver:       cfg.Broker.Driver,
		Brokers:      cfg.Broker.Brokers,
		ClientID:     clientID,
		WriteTimeout: wt,
	}, nil
}

func mapConsumerConfig(cfg *config.Config, topic string) (broker.ConsumerConfig, error) {
	backoff, err := config.ParseDurationOrDefault("broker.backoff", cfg.Broker.Backoff, broker.DefaultBackoff)
	if err != nil {
		return broker.ConsumerConfig{}, err
	}
	group := cfg.Broker.GroupID
	if group == "" {
		group = defaultGroup
	}
	return broker.ConsumerConfig{
		Topic:       topic,
		Group:       group,
		MaxAttempts: cfg.Broker.MaxAttempts,
		Backoff:     backoff,
	}, nil
}

func mapPublisherOptions(cfg *config.Config) (events.Options, error) {
	timeout, err := config.ParseDurationOrDefault("publisher.timeout", cfg.Publisher.Timeout, events.DefaultTimeout)
	if err != nil {
		return events.Options{}, err
	}
	return events.Options{Timeout: timeout, BreakerTrip: cfg.Publisher.BreakerTrip}, nil
}

func mapReconcilerOptions(cfg *config.Config) (reconciler.Options, error) {
	rc := cfg.Reconciler
	gran, err := config.ParseDurationOrDefault("reconciler.granularity", rc.Granularity, reconciler.DefaultGranularity)
	if err != nil {
		return reconciler.Options{}, err
	}
	soon, err := config.ParseDurationOrDefault("reconciler.soon_window", rc.SoonWindow, reconciler.DefaultSoonWindow)
	if err != nil {
		return reconciler.Options{}, err
	}
	return reconciler.Options{Granularity: gran, SoonWindow: soon, Parallelism: rc.Parallelism}, nil
}

// mapTickSchedule returns the tick schedule and its scheduler options.
func mapTickSchedule(cfg *config.Config) (string, scheduler.Options, error) {
	rc := cfg.Reconciler
	sched := strings.TrimSpace(rc.Schedule)
	if sched == "" {
		sched = defaultSchedule
	}
	if _, err := scheduler.ParseSchedule(sched); err != nil {
		return "", scheduler.Options{}, fmt.Errorf("reconciler.schedule: %w", err)
	}
	delay, err := config.ParseDurationOrDefault("reconciler.initial_delay", rc.InitialDelay, defaultInitialDelay)
	if err != nil {
		return "", scheduler.Options{}, err
	}
	spread, err := config.ParseDurationOrDefault("reconciler.startup_spread", rc.StartupSpread, defaultStartupSpread)
	if err != nil {
		return "", scheduler.Options{}, err
	}
	timeout, err := config.ParseDurationField("engine.timeout", cfg.Engine.Timeout)
	if err != nil {
		return "", scheduler.Options{}, err
	}
	return sched, scheduler.Options{InitialDelay: delay, StartupSpread: spread, Timeout: timeout}, nil
}

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	timeout, err := config.ParseDurationField("engine.timeout", cfg.Engine.Timeout)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Workers:        cfg.Engine.Workers,
		QueueSize:      cfg.Engine.QueueSize,
		DefaultTimeout: timeout,
		HistorySize:    cfg.Engine.HistorySize,
	}, nil
}

func mapDispatcherOptions(cfg *config.Config) (dispatcher.Options, error) {
	st, err := config.ParseDurationField("dispatcher.send_timeout", cfg.Dispatcher.SendTimeout)
	if err != nil {
		return dispatcher.Options{}, err
	}
	return dispatcher.Options{SendTimeout: st, VerifyURLBase: cfg.Dispatcher.VerifyURLBase}, nil
}

func buildDirectory(cfg *config.Config, log logx.Logger) (users.Directory, error) {
	uc := cfg.Users
	switch uc.Driver {
	case "http":
		timeout, err := config.ParseDurationField("users.timeout", uc.Timeout)
		if err != nil {
			return nil, err
		}
		return users.NewHTTP(users.HTTPConfig{
			BaseURL: uc.BaseURL,
			Path:    uc.Path,
			Token:   uc.Token,
			Timeout: timeout,
		}, log)
	case "", "static":
		dir := users.Static{}
		for _, u := range uc.Static {
			dir[u.ID] = notification.Contact{Name: u.Name, Email: u.Email, TelegramChatID: u.TelegramChatID}
		}
		return dir, nil
	default:
		return nil, fmt.Errorf("unknown users.driver: %s", uc.Driver)
	}
}

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	pt, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pt,
		RatePerSec:  cfg.Dispatcher.TelegramRatePer,
	}, nil
}

func mapEmailConfig(cfg *config.Config) (email.Config, error) {
	ec := cfg.Email
	timeout, err := config.ParseDurationField("email.timeout", ec.Timeout)
	if err != nil {
		return email.Config{}, err
	}
	return email.Config{
		Host:     ec.Host,
		Port:     ec.Port,
		Username: ec.Username,
		Password: ec.Password,
		From:     ec.From,
		FromName: ec.FromName,
		TLS:      ec.TLS,
		Timeout:  timeout,
	}, nil
}

func mapOpsConfig(cfg *config.Config) ops.Config {
	return ops.Config{Addr: cfg.Ops.Addr, Profiler: cfg.Ops.Profiler, Token: cfg.Ops.Token}
}

// validateLive runs the checks Validate cannot do on its own: everything the
// mappers parse must parse.
func validateLive(cfg *config.Config) error {
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapTickSchedule(cfg); err != nil {
		return err
	}
	if _, err := mapReconcilerOptions(cfg); err != nil {
		return err
	}
	if cfg.Telegram.Enabled {
		if _, err := mapTelegramConfig(cfg); err != nil {
			return err
		}
	}
	if cfg.Logging.Alerts.Enabled && !cfg.Telegram.Enabled {
		return fmt.Errorf("logging.alerts requires telegram.enabled")
	}
	return nil
}
