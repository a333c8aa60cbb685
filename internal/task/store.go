package task

import (
	"context"
	"time"
)

// Store is the persistence contract for tasks.
//
// Due-date bounds: FindByDueBefore is strict (due < ts); FindByDueBetween is
// closed (lo <= due <= hi). Tasks without a due date never match either.
type Store interface {
	Get(ctx context.Context, id int64) (Task, error)
	FindByStatus(ctx context.Context, status Status) ([]Task, error)
	FindByDueBefore(ctx context.Context, ts time.Time, status Status) ([]Task, error)
	FindByDueBetween(ctx context.Context, lo, hi time.Time, status Status) ([]Task, error)
	FindByDueBeforeAndStatusAndRepeat(ctx context.Context, ts time.Time, status Status, repeat bool) ([]Task, error)

	// FindSeries returns the root task and every instance whose SeriesID is rootID.
	FindSeries(ctx context.Context, rootID int64) ([]Task, error)

	// Save inserts a task with ID 0 and updates otherwise.
	Save(ctx context.Context, t Task) (Task, error)
	// SaveAll writes every task or none of them.
	SaveAll(ctx context.Context, tasks []Task) ([]Task, error)

	// DeleteArchived removes the given tasks of owner. It fails without
	// deleting anything unless every task exists, belongs to owner and is ARCHIVED.
	DeleteArchived(ctx context.Context, ownerID int64, ids []int64) error
}
