package storage

import (
	"context"
	"fmt"
	"strings"

	logx "taskpulse/pkg/logx"
)

// Open initializes the configured store and, for SQL drivers with
// cfg.Migrate set, applies pending migrations.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	log = log.With(logx.Component("storage"))
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))

	switch driver {
	case "memory", "":
		return NewMemory(), nil
	case "sqlite", "sqlite3":
		return openSQLite(ctx, cfg, log)
	case "postgres", "postgresql", "pgx":
		return openPostgres(ctx, cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
}
