package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"taskpulse/internal/app"
	"taskpulse/internal/config"
	"taskpulse/internal/storage"
	logx "taskpulse/pkg/logx"
)

func main() {
	var (
		cfgPath     string
		once        bool
		migrateOnly bool
	)
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config yaml/json")
	flag.BoolVar(&once, "once", false, "run a single reconciliation tick and exit")
	flag.BoolVar(&migrateOnly, "migrate-only", false, "apply storage migrations and exit")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if migrateOnly {
		if err := migrate(ctx, cfgPath); err != nil {
			fmt.Fprintln(os.Stderr, "fatal migrate:", err)
			os.Exit(1)
		}
		return
	}

	a, err := app.New(ctx, cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	if once {
		rep, err := a.RunOnce(ctx)
		_ = a.Stop(context.Background())
		if err != nil {
			fmt.Fprintln(os.Stderr, "fatal tick:", err)
			os.Exit(1)
		}
		if rep.Failed > 0 {
			os.Exit(2)
		}
		return
	}

	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		stopCtx, c := context.WithTimeout(context.Background(), 10*time.Second)
		_ = a.Stop(stopCtx)
		c()
		os.Exit(1)
	}

	select {
	case <-ctx.Done():
	case <-a.Done():
	}
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx)
	if err := a.Err(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func migrate(ctx context.Context, cfgPath string) error {
	cfg, err := config.NewConfigManager(cfgPath).Load()
	if err != nil {
		return err
	}
	logs, log := logx.New(logx.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	defer logs.Close()

	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return err
	}
	return storage.Migrate(ctx, storage.Config{
		Driver:       cfg.Storage.Driver,
		Path:         cfg.Storage.Path,
		DSN:          cfg.Storage.DSN,
		BusyTimeout:  busy,
		MaxOpenConns: cfg.Storage.MaxOpen,
	}, log)
}
