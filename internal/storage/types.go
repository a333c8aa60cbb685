package storage

import (
	"context"
	"errors"
	"time"

	"taskpulse/internal/notification"
	"taskpulse/internal/task"
)

var (
	// ErrNotFound covers records and tick history; task lookups return task.ErrNotFound.
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("storage conflict")
	ErrInvalid  = errors.New("invalid entity")
)

type Config struct {
	Driver       string
	Path         string
	DSN          string
	BusyTimeout  time.Duration
	MaxOpenConns int
	Migrate      bool
}

// TickRun is the persisted summary of one reconciliation tick.
type TickRun struct {
	ID          int64     `json:"id"`
	StartedAt   time.Time `json:"startedAt"`
	FinishedAt  time.Time `json:"finishedAt"`
	Now         time.Time `json:"now"`
	Overdue     int       `json:"overdue"`
	Spawned     int       `json:"spawned"`
	SoonOverdue int       `json:"soonOverdue"`
	Failed      int       `json:"failed"`
	Error       string    `json:"error,omitempty"`
}

// TickStore keeps tick history for operators.
type TickStore interface {
	RecordTick(ctx context.Context, run TickRun) (TickRun, error)
	LastTick(ctx context.Context) (TickRun, error)
}

// Store is everything the application persists.
type Store interface {
	task.Store
	notification.RecordStore
	TickStore

	Ping(ctx context.Context) error
	Close() error
}
