package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"taskpulse/internal/notification"
	"taskpulse/internal/task"
	logx "taskpulse/pkg/logx"
)

// sqlStore implements Store on database/sql for every SQL dialect.
// SaveAll and DeleteArchived run in a single transaction.
type sqlStore struct {
	db  *sql.DB
	d   dialect
	log logx.Logger
	now func() time.Time
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func newSQLStore(db *sql.DB, d dialect, log logx.Logger) *sqlStore {
	return &sqlStore{db: db, d: d, log: log, now: time.Now}
}

func (s *sqlStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *sqlStore) Close() error { return s.db.Close() }

func (s *sqlStore) mapErr(err error) error {
	if err == nil {
		return nil
	}
	if s.d.mapErr != nil {
		return s.d.mapErr(err)
	}
	return err
}

const taskColumns = `id, owner_id, title, description, created_at, updated_at, due_date, status,
	priority, is_repeat, frequency, nearly_overdue_notified, series_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner) (task.Task, error) {
	var (
		t                  task.Task
		created, updated   dbTime
		due                dbTime
		status, prio, freq string
		series             sql.NullInt64
	)
	err := r.Scan(&t.ID, &t.OwnerID, &t.Title, &t.Description, &created, &updated, &due, &status,
		&prio, &t.IsRepeat, &freq, &t.NearlyOverdueNotified, &series)
	if err != nil {
		return task.Task{}, err
	}
	t.CreatedAt, t.UpdatedAt = created.T, updated.T
	t.DueDate = due.ptr()
	t.Status, t.Priority, t.Frequency = task.Status(status), task.Priority(prio), task.Frequency(freq)
	if series.Valid {
		t.SeriesID = &series.Int64
	}
	return t, nil
}

func (s *sqlStore) queryTasks(ctx context.Context, where string, args ...any) ([]task.Task, error) {
	q := s.d.rebind(`SELECT ` + taskColumns + ` FROM tasks WHERE ` + where + ` ORDER BY id`)
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, s.mapErr(err)
	}
	defer rows.Close()

	out := make([]task.Task, 0)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, s.mapErr(rows.Err())
}

func (s *sqlStore) Get(ctx context.Context, id int64) (task.Task, error) {
	row := s.db.QueryRowContext(ctx, s.d.rebind(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`), id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return task.Task{}, fmt.Errorf("task %d: %w", id, task.ErrNotFound)
	}
	return t, s.mapErr(err)
}

func (s *sqlStore) FindByStatus(ctx context.Context, status task.Status) ([]task.Task, error) {
	return s.queryTasks(ctx, `status = ?`, string(status))
}

func (s *sqlStore) FindByDueBefore(ctx context.Context, ts time.Time, status task.Status) ([]task.Task, error) {
	return s.queryTasks(ctx, `status = ? AND due_date IS NOT NULL AND due_date < ?`, string(status), s.d.timeArg(ts))
}

func (s *sqlStore) FindByDueBetween(ctx context.Context, lo, hi time.Time, status task.Status) ([]task.Task, error) {
	return s.queryTasks(ctx, `status = ? AND due_date IS NOT NULL AND due_date >= ? AND due_date <= ?`,
		string(status), s.d.timeArg(lo), s.d.timeArg(hi))
}

func (s *sqlStore) FindByDueBeforeAndStatusAndRepeat(ctx context.Context, ts time.Time, status task.Status, repeat bool) ([]task.Task, error) {
	return s.queryTasks(ctx, `status = ? AND is_repeat = ? AND due_date IS NOT NULL AND due_date < ?`,
		string(status), repeat, s.d.timeArg(ts))
}

func (s *sqlStore) FindSeries(ctx context.Context, rootID int64) ([]task.Task, error) {
	return s.queryTasks(ctx, `id = ? OR series_id = ?`, rootID, rootID)
}

func (s *sqlStore) Save(ctx context.Context, t task.Task) (task.Task, error) {
	return s.saveOne(ctx, s.db, t, s.now().UTC())
}

func (s *sqlStore) SaveAll(ctx context.Context, tasks []task.Task) ([]task.Task, error) {
	if len(tasks) == 0 {
		return nil, nil
	}
	out := make([]task.Task, 0, len(tasks))
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		now := s.now().UTC()
		for _, t := range tasks {
			saved, err := s.saveOne(ctx, tx, t, now)
			if err != nil {
				return err
			}
			out = append(out, saved)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *sqlStore) saveOne(ctx context.Context, q querier, t task.Task, now time.Time) (task.Task, error) {
	t = t.Clone()
	t.UpdatedAt = now
	var series any
	if t.SeriesID != nil {
		series = *t.SeriesID
	}

	if t.ID == 0 {
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}
		err := q.QueryRowContext(ctx, s.d.rebind(`INSERT INTO tasks
			(owner_id, title, description, created_at, updated_at, due_date, status, priority,
			 is_repeat, frequency, nearly_overdue_notified, series_id)
			VALUES (`+placeholders(12)+`) RETURNING id`),
			t.OwnerID, t.Title, t.Description, s.d.timeArg(t.CreatedAt), s.d.timeArg(now), s.d.nullTimeArg(t.DueDate),
			string(t.Status), string(t.Priority), t.IsRepeat, string(t.Frequency), t.NearlyOverdueNotified, series,
		).Scan(&t.ID)
		if err != nil {
			return task.Task{}, fmt.Errorf("insert task: %w", s.mapErr(err))
		}
		return t, nil
	}

	// owner_id is part of the key: ownership never changes
	res, err := q.ExecContext(ctx, s.d.rebind(`UPDATE tasks SET
			title = ?, description = ?, updated_at = ?, due_date = ?, status = ?, priority = ?,
			is_repeat = ?, frequency = ?, nearly_overdue_notified = ?, series_id = ?
			WHERE id = ? AND owner_id = ?`),
		t.Title, t.Description, s.d.timeArg(now), s.d.nullTimeArg(t.DueDate), string(t.Status), string(t.Priority),
		t.IsRepeat, string(t.Frequency), t.NearlyOverdueNotified, series, t.ID, t.OwnerID,
	)
	if err != nil {
		return task.Task{}, fmt.Errorf("update task %d: %w", t.ID, s.mapErr(err))
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return task.Task{}, fmt.Errorf("update task %d: %w", t.ID, task.ErrNotFound)
	}
	return t, nil
}

func (s *sqlStore) DeleteArchived(ctx context.Context, ownerID int64, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, s.d.rebind(`SELECT id, owner_id, status FROM tasks WHERE id IN (`+placeholders(len(ids))+`)`), args...)
		if err != nil {
			return s.mapErr(err)
		}
		found := make(map[int64]struct{}, len(ids))
		for rows.Next() {
			var (
				id, owner int64
				status    string
			)
			if err := rows.Scan(&id, &owner, &status); err != nil {
				rows.Close()
				return err
			}
			found[id] = struct{}{}
			if owner != ownerID {
				rows.Close()
				return fmt.Errorf("task %d: %w", id, task.ErrForbidden)
			}
			if task.Status(status) != task.StatusArchived {
				rows.Close()
				return fmt.Errorf("task %d: %w", id, task.ErrNotArchived)
			}
		}
		if err := rows.Close(); err != nil {
			return err
		}
		for _, id := range ids {
			if _, ok := found[id]; !ok {
				return fmt.Errorf("task %d: %w", id, task.ErrNotFound)
			}
		}
		_, err = tx.ExecContext(ctx, s.d.rebind(`DELETE FROM tasks WHERE id IN (`+placeholders(len(ids))+`)`), args...)
		return s.mapErr(err)
	})
}

func (s *sqlStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", s.mapErr(err))
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.log.Warn("rollback failed", logx.Err(rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", s.mapErr(err))
	}
	return nil
}

const recordColumns = `id, event_id, task_id, user_id, channel, recipient, recipient_telegram_id,
	subject, message, event_type, status, error, created_at, sent_at`

func (s *sqlStore) CreateRecord(ctx context.Context, r notification.Record) error {
	_, err := s.db.ExecContext(ctx, s.d.rebind(`INSERT INTO notifications (`+recordColumns+`) VALUES (`+placeholders(14)+`)`),
		r.ID, r.EventID, r.TaskID, r.UserID, string(r.Channel), r.Recipient, nullInt64(r.RecipientTelegramID),
		r.Subject, r.Message, string(r.EventType), string(r.Status), r.Error, s.d.timeArg(r.CreatedAt), s.d.nullTimeArg(r.SentAt),
	)
	if err != nil {
		return fmt.Errorf("insert notification: %w", s.mapErr(err))
	}
	return nil
}

func (s *sqlStore) UpdateRecord(ctx context.Context, r notification.Record) error {
	res, err := s.db.ExecContext(ctx, s.d.rebind(`UPDATE notifications SET status = ?, error = ?, sent_at = ? WHERE id = ?`),
		string(r.Status), r.Error, s.d.nullTimeArg(r.SentAt), r.ID,
	)
	if err != nil {
		return fmt.Errorf("update notification: %w", s.mapErr(err))
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("notification %s: %w", r.ID, ErrNotFound)
	}
	return nil
}

func (s *sqlStore) ListRecordsByTask(ctx context.Context, taskID int64) ([]notification.Record, error) {
	rows, err := s.db.QueryContext(ctx, s.d.rebind(`SELECT `+recordColumns+` FROM notifications WHERE task_id = ? ORDER BY created_at`), taskID)
	if err != nil {
		return nil, s.mapErr(err)
	}
	defer rows.Close()

	out := make([]notification.Record, 0)
	for rows.Next() {
		var (
			r                       notification.Record
			channel, evType, status string
			chat                    sql.NullInt64
			created, sent           dbTime
		)
		if err := rows.Scan(&r.ID, &r.EventID, &r.TaskID, &r.UserID, &channel, &r.Recipient, &chat,
			&r.Subject, &r.Message, &evType, &status, &r.Error, &created, &sent); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		r.Channel, r.EventType, r.Status = notification.Channel(channel), notification.EventType(evType), notification.Status(status)
		if chat.Valid {
			r.RecipientTelegramID = &chat.Int64
		}
		r.CreatedAt, r.SentAt = created.T, sent.ptr()
		out = append(out, r)
	}
	return out, s.mapErr(rows.Err())
}

func (s *sqlStore) RecordTick(ctx context.Context, run TickRun) (TickRun, error) {
	err := s.db.QueryRowContext(ctx, s.d.rebind(`INSERT INTO tick_runs
		(started_at, finished_at, tick_now, overdue, spawned, soon_overdue, failed, error)
		VALUES (`+placeholders(8)+`) RETURNING id`),
		s.d.timeArg(run.StartedAt), s.d.timeArg(run.FinishedAt), s.d.timeArg(run.Now),
		run.Overdue, run.Spawned, run.SoonOverdue, run.Failed, run.Error,
	).Scan(&run.ID)
	if err != nil {
		return TickRun{}, fmt.Errorf("insert tick: %w", s.mapErr(err))
	}
	return run, nil
}

func (s *sqlStore) LastTick(ctx context.Context) (TickRun, error) {
	var (
		run                    TickRun
		started, finished, now dbTime
	)
	err := s.db.QueryRowContext(ctx, `SELECT id, started_at, finished_at, tick_now, overdue, spawned, soon_overdue, failed, error
		FROM tick_runs ORDER BY id DESC LIMIT 1`).
		Scan(&run.ID, &started, &finished, &now, &run.Overdue, &run.Spawned, &run.SoonOverdue, &run.Failed, &run.Error)
	if errors.Is(err, sql.ErrNoRows) {
		return TickRun{}, ErrNotFound
	}
	if err != nil {
		return TickRun{}, s.mapErr(err)
	}
	run.StartedAt, run.FinishedAt, run.Now = started.T, finished.T, now.T
	return run, nil
}

func nullInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
