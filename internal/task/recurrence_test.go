package task

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var d0 = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func TestNextDue(t *testing.T) {
	tests := []struct {
		name string
		due  time.Time
		freq Frequency
		now  time.Time
		want time.Time
	}{
		{name: "day catches up after outage", due: d0, freq: FrequencyDay, now: d0.Add(74 * time.Hour), want: d0.AddDate(0, 0, 4)},
		{name: "hour", due: d0, freq: FrequencyHour, now: d0.Add(90 * time.Minute), want: d0.Add(2 * time.Hour)},
		{name: "week", due: d0, freq: FrequencyWeek, now: d0.Add(24 * time.Hour), want: d0.AddDate(0, 0, 7)},
		{name: "month", due: d0, freq: FrequencyMonth, now: d0.AddDate(0, 1, 1), want: d0.AddDate(0, 2, 0)},
		{name: "year", due: d0, freq: FrequencyYear, now: d0.Add(time.Minute), want: d0.AddDate(1, 0, 0)},
		{name: "unknown means daily", due: d0, freq: "FORTNIGHT", now: d0.Add(time.Hour), want: d0.AddDate(0, 0, 1)},
		{name: "boundary is not after now", due: d0, freq: FrequencyDay, now: d0.AddDate(0, 0, 1), want: d0.AddDate(0, 0, 2)},
		{name: "future due still advances once", due: d0, freq: FrequencyDay, now: d0.Add(-time.Hour), want: d0.AddDate(0, 0, 1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NextDue(tt.due, tt.freq, tt.now)
			assert.Equal(t, tt.want, got)
			assert.True(t, got.After(tt.now))
			assert.Equal(t, got, NextDue(tt.due, tt.freq, tt.now), "same inputs, same result")
		})
	}
}

func TestNextDueFiftyHoursLate(t *testing.T) {
	now := d0
	got := NextDue(now.Add(-50*time.Hour), FrequencyDay, now)
	assert.Equal(t, now.Add(22*time.Hour), got)
}

func TestSpawnCopiesAndLinksSeries(t *testing.T) {
	due := d0
	root := Task{
		ID: 7, OwnerID: 3, Title: "water plants", Description: "balcony",
		DueDate: &due, Status: StatusOverdue, Priority: PriorityHigh,
		IsRepeat: true, Frequency: FrequencyDay, NearlyOverdueNotified: true,
	}
	now := d0.Add(time.Hour)

	next, err := Spawn(root, now)
	require.NoError(t, err)
	assert.Zero(t, next.ID)
	assert.Equal(t, int64(3), next.OwnerID)
	assert.Equal(t, "water plants", next.Title)
	assert.Equal(t, "balcony", next.Description)
	assert.Equal(t, PriorityHigh, next.Priority)
	assert.Equal(t, FrequencyDay, next.Frequency)
	assert.True(t, next.IsRepeat)
	assert.Equal(t, StatusNotCompleted, next.Status)
	assert.False(t, next.NearlyOverdueNotified)
	assert.Equal(t, now, next.CreatedAt)
	assert.Equal(t, d0.AddDate(0, 0, 1), *next.DueDate)
	require.NotNil(t, next.SeriesID)
	assert.Equal(t, int64(7), *next.SeriesID)

	// second generation keeps the root, not the immediate predecessor
	next.ID = 8
	third, err := Spawn(next, d0.AddDate(0, 0, 1).Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(7), *third.SeriesID)
}

func TestSpawnRejects(t *testing.T) {
	_, err := Spawn(Task{ID: 1}, d0)
	assert.ErrorIs(t, err, ErrNotRecurring)

	_, err = Spawn(Task{ID: 1, IsRepeat: true, Frequency: FrequencyDay}, d0)
	assert.ErrorIs(t, err, ErrNoDueDate)
}

func TestHasSuccessor(t *testing.T) {
	pred := Task{ID: 1, DueDate: TimePtr(d0)}
	assert.False(t, HasSuccessor(pred, []Task{pred}))
	assert.False(t, HasSuccessor(pred, []Task{pred, {ID: 2, DueDate: TimePtr(d0.Add(-time.Hour))}}))
	assert.True(t, HasSuccessor(pred, []Task{pred, {ID: 3, DueDate: TimePtr(d0.Add(time.Hour))}}))
}
