package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"strings"
	"sync"

	"github.com/pressly/goose/v3"

	logx "taskpulse/pkg/logx"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

// goose keeps dialect and base FS in package globals.
var gooseMu sync.Mutex

func migrateUp(ctx context.Context, db *sql.DB, d dialect, log logx.Logger) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(migrationsFS)
	defer goose.SetBaseFS(nil)
	goose.SetLogger(gooseLogger{log: log.With(logx.String("dialect", d.name))})
	if err := goose.SetDialect(d.goose); err != nil {
		return fmt.Errorf("goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, d.dir); err != nil {
		return fmt.Errorf("migrate %s: %w", d.name, err)
	}
	return nil
}

// Migrate applies pending migrations without opening a Store.
func Migrate(ctx context.Context, cfg Config, log logx.Logger) error {
	cfg.Migrate = true
	st, err := Open(ctx, cfg, log)
	if err != nil {
		return err
	}
	return st.Close()
}

type gooseLogger struct{ log logx.Logger }

func (g gooseLogger) Printf(format string, v ...any) {
	g.log.Info(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

// Fatalf must not exit the process; migrateUp reports the error instead.
func (g gooseLogger) Fatalf(format string, v ...any) {
	g.log.Error(strings.TrimSpace(fmt.Sprintf(format, v...)))
}
