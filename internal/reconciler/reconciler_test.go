package reconciler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskpulse/internal/events"
	"taskpulse/internal/notification"
	"taskpulse/internal/storage"
	"taskpulse/internal/task"
	"taskpulse/internal/users"
	logx "taskpulse/pkg/logx"
)

var T = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

type fakePublisher struct {
	mu      sync.Mutex
	intents []notification.Intent
	failFor map[int64]bool
	failCh  notification.Channel
}

func (f *fakePublisher) PublishIntent(_ context.Context, in notification.Intent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFor[in.TaskID] && (f.failCh == "" || f.failCh == in.Channel) {
		return &events.PublishError{TaskID: in.TaskID, Topic: "task-events", Err: errors.New("broker down")}
	}
	f.intents = append(f.intents, in)
	return nil
}

func (f *fakePublisher) sent() []notification.Intent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]notification.Intent(nil), f.intents...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].TaskID != out[j].TaskID {
			return out[i].TaskID < out[j].TaskID
		}
		return out[i].Channel < out[j].Channel
	})
	return out
}

func (f *fakePublisher) reset() {
	f.mu.Lock()
	f.intents = nil
	f.mu.Unlock()
}

type fixture struct {
	store storage.Store
	pub   *fakePublisher
	dir   users.Static
	r     *Reconciler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	chat := int64(144)
	f := &fixture{
		store: storage.NewMemory(),
		pub:   &fakePublisher{failFor: map[int64]bool{}},
		dir: users.Static{
			1: {Email: "both@example.com", TelegramChatID: &chat},
			2: {Email: "mail@example.com"},
			3: {},
		},
	}
	f.r = New(f.store, f.dir, f.pub, Options{Clock: func() time.Time { return T }}, logx.Nop())
	return f
}

func (f *fixture) add(t *testing.T, tk task.Task) task.Task {
	t.Helper()
	if tk.Title == "" {
		tk.Title = "task"
	}
	if tk.Status == "" {
		tk.Status = task.StatusNotCompleted
	}
	saved, err := f.store.Save(context.Background(), tk)
	require.NoError(t, err)
	return saved
}

func (f *fixture) get(t *testing.T, id int64) task.Task {
	t.Helper()
	got, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	return got
}

func (f *fixture) series(t *testing.T, root int64) []task.Task {
	t.Helper()
	s, err := f.store.FindSeries(context.Background(), root)
	require.NoError(t, err)
	return s
}

func TestOverdueBothChannels(t *testing.T) {
	f := newFixture(t)
	tk := f.add(t, task.Task{OwnerID: 1, Title: "pay rent", DueDate: task.TimePtr(T.Add(-5 * time.Minute))})

	rep, err := f.r.Tick(context.Background(), T)
	require.NoError(t, err)

	assert.Equal(t, task.StatusOverdue, f.get(t, tk.ID).Status)
	sent := f.pub.sent()
	require.Len(t, sent, 2)
	for _, in := range sent {
		assert.Equal(t, notification.EventTaskOverdue, in.EventType)
		assert.Equal(t, tk.ID, in.TaskID)
		assert.Equal(t, "Task overdue", in.Subject)
		assert.Equal(t, "You haven't completed the task pay rent. Try to complete it as quickly as possible!", in.Message)
		require.NoError(t, in.Validate())
	}
	assert.Equal(t, notification.ChannelEmail, sent[0].Channel)
	assert.Equal(t, "both@example.com", sent[0].Recipient)
	assert.Equal(t, notification.ChannelTelegram, sent[1].Channel)
	require.NotNil(t, sent[1].RecipientTelegramID)
	assert.Equal(t, int64(144), *sent[1].RecipientTelegramID)

	assert.Len(t, f.series(t, tk.ID), 1, "non-repeating task must not spawn")
	assert.Equal(t, 1, rep.Overdue)
	assert.Equal(t, 0, rep.Spawned)
	assert.Equal(t, 0, rep.SoonOverdue)
}

func TestOverdueRecurringSpawnsAdvancedSuccessor(t *testing.T) {
	f := newFixture(t)
	pred := f.add(t, task.Task{
		OwnerID:     2,
		Title:       "water plants",
		Description: "balcony",
		Priority:    task.PriorityHigh,
		IsRepeat:    true,
		Frequency:   task.FrequencyDay,
		DueDate:     task.TimePtr(T.Add(-50 * time.Hour)),
	})

	rep, err := f.r.Tick(context.Background(), T)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Spawned)

	assert.Equal(t, task.StatusOverdue, f.get(t, pred.ID).Status)
	series := f.series(t, pred.ID)
	require.Len(t, series, 2)
	succ := series[1]
	require.NotNil(t, succ.DueDate)
	assert.True(t, succ.DueDate.Equal(T.Add(22*time.Hour)), "got %s", succ.DueDate)
	assert.True(t, succ.DueDate.After(T))
	require.NotNil(t, succ.SeriesID)
	assert.Equal(t, pred.ID, *succ.SeriesID)
	assert.Equal(t, task.StatusNotCompleted, succ.Status)
	assert.False(t, succ.NearlyOverdueNotified)
	assert.Equal(t, "water plants", succ.Title)
	assert.Equal(t, "balcony", succ.Description)
	assert.Equal(t, task.PriorityHigh, succ.Priority)
	assert.True(t, succ.IsRepeat)
	assert.Equal(t, task.FrequencyDay, succ.Frequency)

	// the successor becomes overdue a day later: the third generation keeps the root id
	next := T.Add(23 * time.Hour)
	f.r.opt.Clock = func() time.Time { return next }
	_, err = f.r.Tick(context.Background(), next)
	require.NoError(t, err)
	series = f.series(t, pred.ID)
	require.Len(t, series, 3)
	require.NotNil(t, series[2].SeriesID)
	assert.Equal(t, pred.ID, *series[2].SeriesID)
	assert.True(t, series[2].DueDate.After(next))
}

func TestPublishFailureIsolatedToOneTask(t *testing.T) {
	f := newFixture(t)
	var ids []int64
	for i := 0; i < 5; i++ {
		tk := f.add(t, task.Task{OwnerID: 2, DueDate: task.TimePtr(T.Add(-time.Duration(i+1) * time.Minute))})
		ids = append(ids, tk.ID)
	}
	failing := ids[2]
	f.pub.failFor[failing] = true

	rep, err := f.r.Tick(context.Background(), T)
	require.NoError(t, err)
	assert.Equal(t, 4, rep.Overdue)
	assert.Equal(t, 1, rep.Failed)

	for _, id := range ids {
		want := task.StatusOverdue
		if id == failing {
			want = task.StatusNotCompleted
		}
		assert.Equal(t, want, f.get(t, id).Status, "task %d", id)
	}
	assert.Len(t, f.pub.sent(), 4)

	errs := rep.Errors()
	require.Len(t, errs, 1)
	var pe *events.PublishError
	require.ErrorAs(t, errs[0], &pe)
	assert.Equal(t, failing, pe.TaskID)

	failed := rep.ResultsFor(SweepOverdue)
	var got Result
	for _, r := range failed {
		if r.TaskID == failing {
			got = r
		}
	}
	assert.Equal(t, Failed, got.Outcome)
	assert.Equal(t, ReasonPublishFailed, got.Reason)
	assert.False(t, got.Changed)

	// broker back: the next tick picks the task up again
	f.pub.failFor[failing] = false
	_, err = f.r.Tick(context.Background(), T)
	require.NoError(t, err)
	assert.Equal(t, task.StatusOverdue, f.get(t, failing).Status)
}

func TestPartialChannelFailureKeepsStatus(t *testing.T) {
	f := newFixture(t)
	tk := f.add(t, task.Task{OwnerID: 1, DueDate: task.TimePtr(T.Add(-time.Minute))})
	f.pub.failFor[tk.ID] = true
	f.pub.failCh = notification.ChannelTelegram

	rep, err := f.r.Tick(context.Background(), T)
	require.NoError(t, err)
	assert.Equal(t, task.StatusNotCompleted, f.get(t, tk.ID).Status)
	res := rep.ResultsFor(SweepOverdue)
	require.Len(t, res, 1)
	assert.Equal(t, 1, res[0].Published)
	assert.Equal(t, Failed, res[0].Outcome)
}

func TestRecurringPublishFailureSpawnsOnce(t *testing.T) {
	f := newFixture(t)
	pred := f.add(t, task.Task{
		OwnerID:   2,
		IsRepeat:  true,
		Frequency: task.FrequencyWeek,
		DueDate:   task.TimePtr(T.Add(-time.Hour)),
	})
	f.pub.failFor[pred.ID] = true

	for i := 0; i < 3; i++ {
		_, err := f.r.Tick(context.Background(), T)
		require.NoError(t, err)
	}
	assert.Equal(t, task.StatusNotCompleted, f.get(t, pred.ID).Status)
	assert.Len(t, f.series(t, pred.ID), 2)
}

func TestRecipientUnresolvedStillTransitions(t *testing.T) {
	f := newFixture(t)
	tk := f.add(t, task.Task{OwnerID: 99, DueDate: task.TimePtr(T.Add(-time.Minute))})
	mute := f.add(t, task.Task{OwnerID: 3, DueDate: task.TimePtr(T.Add(-time.Minute))})

	rep, err := f.r.Tick(context.Background(), T)
	require.NoError(t, err)
	assert.Equal(t, task.StatusOverdue, f.get(t, tk.ID).Status)
	assert.Equal(t, task.StatusOverdue, f.get(t, mute.ID).Status)
	assert.Empty(t, f.pub.sent())

	res := rep.ResultsFor(SweepOverdue)
	require.Len(t, res, 2)
	assert.Equal(t, Skipped, res[0].Outcome)
	assert.Equal(t, ReasonRecipientUnresolved, res[0].Reason)
	var re *RecipientError
	require.ErrorAs(t, res[0].Err, &re)
	assert.Equal(t, int64(99), re.OwnerID)
	assert.ErrorIs(t, res[0].Err, users.ErrUserNotFound)

	assert.Equal(t, Skipped, res[1].Outcome)
	assert.Equal(t, ReasonNoRecipients, res[1].Reason)
	assert.Equal(t, 2, rep.Overdue)
}

func TestCompletedRecurringSpawnsOnce(t *testing.T) {
	f := newFixture(t)
	done := f.add(t, task.Task{
		OwnerID:   2,
		Status:    task.StatusCompleted,
		IsRepeat:  true,
		Frequency: task.FrequencyMonth,
		DueDate:   task.TimePtr(T.Add(-time.Hour)),
	})
	f.add(t, task.Task{OwnerID: 2, Status: task.StatusCompleted, DueDate: task.TimePtr(T.Add(-time.Hour))})

	rep, err := f.r.Tick(context.Background(), T)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Spawned)
	assert.Equal(t, task.StatusCompleted, f.get(t, done.ID).Status)
	series := f.series(t, done.ID)
	require.Len(t, series, 2)
	assert.True(t, series[1].DueDate.Equal(T.Add(-time.Hour).AddDate(0, 1, 0)))
	assert.Empty(t, f.pub.sent())

	rep, err = f.r.Tick(context.Background(), T.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Spawned)
	res := rep.ResultsFor(SweepCompletedRecurring)
	require.Len(t, res, 1)
	assert.Equal(t, Skipped, res[0].Outcome)
	assert.Equal(t, ReasonSuccessorExists, res[0].Reason)
	assert.Len(t, f.series(t, done.ID), 2)
}

func TestNearlyOverdueFlaggedOnce(t *testing.T) {
	f := newFixture(t)
	soon := f.add(t, task.Task{OwnerID: 2, Title: "submit form", DueDate: task.TimePtr(T.Add(10 * time.Minute))})

	rep, err := f.r.Tick(context.Background(), T)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.SoonOverdue)
	assert.True(t, f.get(t, soon.ID).NearlyOverdueNotified)
	sent := f.pub.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, notification.EventTaskSoonOverdue, sent[0].EventType)
	assert.Equal(t, "The task will soon be overdue!", sent[0].Subject)
	assert.Equal(t, "Less than 15 minutes left until the deadline for the task: submit form. Hurry up!", sent[0].Message)

	f.pub.reset()
	rep, err = f.r.Tick(context.Background(), T.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, rep.SoonOverdue)
	assert.Empty(t, f.pub.sent())
}

func TestNearlyOverdueWindowIsClosed(t *testing.T) {
	f := newFixture(t)
	atNow := f.add(t, task.Task{OwnerID: 2, DueDate: task.TimePtr(T)})
	atEdge := f.add(t, task.Task{OwnerID: 2, DueDate: task.TimePtr(T.Add(15 * time.Minute))})
	beyond := f.add(t, task.Task{OwnerID: 2, DueDate: task.TimePtr(T.Add(16 * time.Minute))})
	past := f.add(t, task.Task{OwnerID: 2, DueDate: task.TimePtr(T.Add(-time.Minute))})

	_, err := f.r.Tick(context.Background(), T)
	require.NoError(t, err)
	assert.True(t, f.get(t, atNow.ID).NearlyOverdueNotified)
	assert.True(t, f.get(t, atEdge.ID).NearlyOverdueNotified)
	assert.False(t, f.get(t, beyond.ID).NearlyOverdueNotified)

	// overdue runs first: the past task is reported overdue, never soon overdue
	p := f.get(t, past.ID)
	assert.Equal(t, task.StatusOverdue, p.Status)
	assert.False(t, p.NearlyOverdueNotified)
	for _, in := range f.pub.sent() {
		if in.TaskID == past.ID {
			assert.Equal(t, notification.EventTaskOverdue, in.EventType)
		}
	}
}

func TestNowIsTruncated(t *testing.T) {
	f := newFixture(t)
	// due 30s after the minute boundary: not overdue at 12:00:45 truncated to 12:00
	tk := f.add(t, task.Task{OwnerID: 2, DueDate: task.TimePtr(T.Add(30 * time.Second))})
	rep, err := f.r.Tick(context.Background(), T.Add(45*time.Second))
	require.NoError(t, err)
	assert.True(t, rep.Now.Equal(T))
	got := f.get(t, tk.ID)
	assert.Equal(t, task.StatusNotCompleted, got.Status)
	assert.True(t, got.NearlyOverdueNotified)
}

type failingSaveStore struct {
	storage.Store
}

func (s failingSaveStore) SaveAll(context.Context, []task.Task) ([]task.Task, error) {
	return nil, errors.New("disk full")
}

func TestBatchFailureAbortsTick(t *testing.T) {
	f := newFixture(t)
	over := f.add(t, task.Task{OwnerID: 2, DueDate: task.TimePtr(T.Add(-time.Minute))})
	soon := f.add(t, task.Task{OwnerID: 2, DueDate: task.TimePtr(T.Add(time.Minute))})

	r := New(failingSaveStore{f.store}, f.dir, f.pub, Options{Clock: func() time.Time { return T }}, logx.Nop())
	rep, err := r.Tick(context.Background(), T)
	require.Error(t, err)
	var se *StoreError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, SweepOverdue, se.Sweep)
	assert.True(t, IsStoreError(err))

	assert.Equal(t, task.StatusNotCompleted, f.get(t, over.ID).Status)
	assert.False(t, f.get(t, soon.ID).NearlyOverdueNotified)
	assert.Empty(t, rep.ResultsFor(SweepNearlyOverdue), "sweeps after a store failure must not run")

	last, err := f.store.LastTick(context.Background())
	require.NoError(t, err)
	assert.Contains(t, last.Error, "disk full")
}

func TestTickIsRecorded(t *testing.T) {
	f := newFixture(t)
	f.add(t, task.Task{OwnerID: 2, DueDate: task.TimePtr(T.Add(-time.Minute))})
	require.NoError(t, f.r.Run(context.Background()))

	last, err := f.store.LastTick(context.Background())
	require.NoError(t, err)
	assert.True(t, last.Now.Equal(T))
	assert.Equal(t, 1, last.Overdue)
	assert.Empty(t, last.Error)
}

func TestManyTasksInParallel(t *testing.T) {
	f := newFixture(t)
	f.r.opt.Parallelism = 3
	for i := 0; i < 40; i++ {
		f.add(t, task.Task{OwnerID: 1, DueDate: task.TimePtr(T.Add(-time.Duration(i+1) * time.Minute))})
	}
	rep, err := f.r.Tick(context.Background(), T)
	require.NoError(t, err)
	assert.Equal(t, 40, rep.Overdue)
	assert.Len(t, f.pub.sent(), 80)

	open, err := f.store.FindByStatus(context.Background(), task.StatusNotCompleted)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestEmptyStore(t *testing.T) {
	f := newFixture(t)
	rep, err := f.r.Tick(context.Background(), T)
	require.NoError(t, err)
	assert.Empty(t, rep.Results)
	assert.Equal(t, 0, rep.Failed)
}
