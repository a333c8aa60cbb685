package task

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	ok := Task{OwnerID: 1, Title: "t", Status: StatusNotCompleted}
	require.NoError(t, ok.Validate())

	recurring := ok
	recurring.IsRepeat = true
	recurring.Frequency = FrequencyWeek
	recurring.DueDate = TimePtr(d0)
	require.NoError(t, recurring.Validate())

	tests := []struct {
		name   string
		mutate func(*Task)
		field  string
	}{
		{name: "owner", mutate: func(t *Task) { t.OwnerID = 0 }, field: "ownerId"},
		{name: "title", mutate: func(t *Task) { t.Title = "" }, field: "title"},
		{name: "status", mutate: func(t *Task) { t.Status = "DONE" }, field: "status"},
		{name: "repeat without frequency", mutate: func(t *Task) { t.IsRepeat = true; t.DueDate = TimePtr(d0) }, field: "frequency"},
		{name: "frequency without repeat", mutate: func(t *Task) { t.Frequency = FrequencyDay }, field: "frequency"},
		{name: "repeat without due date", mutate: func(t *Task) { t.IsRepeat = true; t.Frequency = FrequencyDay }, field: "dueDate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := ok
			tt.mutate(&c)
			err := c.Validate()
			var verr *ValidationError
			require.True(t, errors.As(err, &verr), "got %v", err)
			var fields []string
			for _, f := range verr.Fields {
				fields = append(fields, f.Field)
			}
			assert.Contains(t, fields, tt.field)
		})
	}
}

func TestPredicates(t *testing.T) {
	now := d0
	open := Task{Status: StatusNotCompleted, DueDate: TimePtr(now.Add(-time.Minute))}
	assert.True(t, open.IsOverdueAt(now))

	atNow := Task{Status: StatusNotCompleted, DueDate: TimePtr(now)}
	assert.False(t, atNow.IsOverdueAt(now))
	assert.True(t, atNow.IsNearlyOverdueAt(now, 15*time.Minute))

	edge := Task{Status: StatusNotCompleted, DueDate: TimePtr(now.Add(15 * time.Minute))}
	assert.True(t, edge.IsNearlyOverdueAt(now, 15*time.Minute))

	notified := edge
	notified.NearlyOverdueNotified = true
	assert.False(t, notified.IsNearlyOverdueAt(now, 15*time.Minute))

	assert.False(t, Task{Status: StatusNotCompleted}.IsOverdueAt(now))
}

func TestCloneIsDeep(t *testing.T) {
	orig := Task{ID: 1, DueDate: TimePtr(d0), SeriesID: Int64Ptr(9)}
	cp := orig.Clone()
	*cp.DueDate = d0.Add(time.Hour)
	*cp.SeriesID = 10
	assert.Equal(t, d0, *orig.DueDate)
	assert.Equal(t, int64(9), *orig.SeriesID)
	assert.Equal(t, int64(9), orig.RootID())
	assert.Equal(t, int64(5), Task{ID: 5}.RootID())
}

func TestParseStatus(t *testing.T) {
	st, ok := ParseStatus(" overdue ")
	assert.True(t, ok)
	assert.Equal(t, StatusOverdue, st)
	_, ok = ParseStatus("later")
	assert.False(t, ok)
}
