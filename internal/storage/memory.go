package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"taskpulse/internal/notification"
	"taskpulse/internal/task"
)

// memoryStore keeps everything in maps behind one mutex. SaveAll validates the
// whole batch before applying any of it, so batches are all-or-nothing.
type memoryStore struct {
	mu      sync.RWMutex
	nextID  int64
	tasks   map[int64]task.Task
	records map[string]notification.Record
	ticks   []TickRun
	tickSeq int64
}

// tickRetention bounds the tick history kept by the memory driver.
const tickRetention = 256

// NewMemory returns an empty in-memory store.
func NewMemory() Store {
	return &memoryStore{
		tasks:   map[int64]task.Task{},
		records: map[string]notification.Record{},
	}
}

func (m *memoryStore) Ping(context.Context) error { return nil }
func (m *memoryStore) Close() error               { return nil }

func (m *memoryStore) Get(_ context.Context, id int64) (task.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return task.Task{}, fmt.Errorf("task %d: %w", id, task.ErrNotFound)
	}
	return t.Clone(), nil
}

func (m *memoryStore) filter(keep func(task.Task) bool) []task.Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]task.Task, 0)
	for _, t := range m.tasks {
		if keep(t) {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *memoryStore) FindByStatus(_ context.Context, status task.Status) ([]task.Task, error) {
	return m.filter(func(t task.Task) bool { return t.Status == status }), nil
}

func (m *memoryStore) FindByDueBefore(_ context.Context, ts time.Time, status task.Status) ([]task.Task, error) {
	return m.filter(func(t task.Task) bool {
		return t.Status == status && t.DueDate != nil && t.DueDate.Before(ts)
	}), nil
}

func (m *memoryStore) FindByDueBetween(_ context.Context, lo, hi time.Time, status task.Status) ([]task.Task, error) {
	return m.filter(func(t task.Task) bool {
		return t.Status == status && t.DueDate != nil && !t.DueDate.Before(lo) && !t.DueDate.After(hi)
	}), nil
}

func (m *memoryStore) FindByDueBeforeAndStatusAndRepeat(_ context.Context, ts time.Time, status task.Status, repeat bool) ([]task.Task, error) {
	return m.filter(func(t task.Task) bool {
		return t.Status == status && t.IsRepeat == repeat && t.DueDate != nil && t.DueDate.Before(ts)
	}), nil
}

func (m *memoryStore) FindSeries(_ context.Context, rootID int64) ([]task.Task, error) {
	return m.filter(func(t task.Task) bool {
		return t.ID == rootID || (t.SeriesID != nil && *t.SeriesID == rootID)
	}), nil
}

func (m *memoryStore) Save(ctx context.Context, t task.Task) (task.Task, error) {
	out, err := m.SaveAll(ctx, []task.Task{t})
	if err != nil {
		return task.Task{}, err
	}
	return out[0], nil
}

func (m *memoryStore) SaveAll(_ context.Context, tasks []task.Task) ([]task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range tasks {
		if t.ID == 0 {
			continue
		}
		prev, ok := m.tasks[t.ID]
		if !ok {
			return nil, fmt.Errorf("task %d: %w", t.ID, task.ErrNotFound)
		}
		if prev.OwnerID != t.OwnerID {
			return nil, fmt.Errorf("task %d: owner change: %w", t.ID, ErrInvalid)
		}
	}

	now := time.Now().UTC()
	out := make([]task.Task, 0, len(tasks))
	for _, t := range tasks {
		t = t.Clone()
		if t.ID == 0 {
			m.nextID++
			t.ID = m.nextID
			if t.CreatedAt.IsZero() {
				t.CreatedAt = now
			}
		}
		t.UpdatedAt = now
		m.tasks[t.ID] = t
		out = append(out, t.Clone())
	}
	return out, nil
}

func (m *memoryStore) DeleteArchived(_ context.Context, ownerID int64, ids []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		t, ok := m.tasks[id]
		switch {
		case !ok:
			return fmt.Errorf("task %d: %w", id, task.ErrNotFound)
		case t.OwnerID != ownerID:
			return fmt.Errorf("task %d: %w", id, task.ErrForbidden)
		case t.Status != task.StatusArchived:
			return fmt.Errorf("task %d: %w", id, task.ErrNotArchived)
		}
	}
	for _, id := range ids {
		delete(m.tasks, id)
	}
	return nil
}

func (m *memoryStore) CreateRecord(_ context.Context, r notification.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := r.ID.String()
	if _, ok := m.records[key]; ok {
		return fmt.Errorf("record %s: %w", key, ErrConflict)
	}
	m.records[key] = r
	return nil
}

func (m *memoryStore) UpdateRecord(_ context.Context, r notification.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := r.ID.String()
	if _, ok := m.records[key]; !ok {
		return fmt.Errorf("record %s: %w", key, ErrNotFound)
	}
	m.records[key] = r
	return nil
}

func (m *memoryStore) ListRecordsByTask(_ context.Context, taskID int64) ([]notification.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]notification.Record, 0)
	for _, r := range m.records {
		if r.TaskID == taskID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memoryStore) RecordTick(_ context.Context, run TickRun) (TickRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tickSeq++
	run.ID = m.tickSeq
	m.ticks = append(m.ticks, run)
	if over := len(m.ticks) - tickRetention; over > 0 {
		m.ticks = append(m.ticks[:0], m.ticks[over:]...)
	}
	return run, nil
}

func (m *memoryStore) LastTick(context.Context) (TickRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.ticks) == 0 {
		return TickRun{}, ErrNotFound
	}
	return m.ticks[len(m.ticks)-1], nil
}
