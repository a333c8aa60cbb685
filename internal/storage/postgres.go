package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	logx "taskpulse/pkg/logx"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
	pgCheckViolation      = "23514"
	pgNotNullViolation    = "23502"
)

var postgresDialect = dialect{
	name:   "postgres",
	goose:  "postgres",
	dir:    "migrations/postgres",
	dollar: true,
	mapErr: MapPostgresError,
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("postgres dsn is required")
	}
	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 10
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxOpen / 2)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	if cfg.Migrate {
		if err := migrateUp(ctx, db, postgresDialect, log); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	log.Info("storage opened", logx.String("driver", "postgres"), logx.Int("max_open_conns", maxOpen))
	return newSQLStore(db, postgresDialect, log), nil
}

// MapPostgresError maps constraint violations onto ErrConflict and ErrInvalid.
// Driver detail stays out of the message; other errors pass through.
func MapPostgresError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case pgUniqueViolation:
		return fmt.Errorf("%w: constraint %s", ErrConflict, pgErr.ConstraintName)
	case pgForeignKeyViolation, pgCheckViolation, pgNotNullViolation:
		return fmt.Errorf("%w: constraint %s", ErrInvalid, pgErr.ConstraintName)
	}
	return err
}
