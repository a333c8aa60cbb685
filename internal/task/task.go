// Package task holds the task domain: the Task entity, its status machine,
// recurrence rules and the store contract the reconciler works against.
package task

import (
	"strings"
	"time"
)

type Status string

const (
	StatusNotCompleted Status = "NOT_COMPLETED"
	StatusCompleted    Status = "COMPLETED"
	StatusOverdue      Status = "OVERDUE"
	StatusArchived     Status = "ARCHIVED"
)

func (s Status) Valid() bool {
	switch s {
	case StatusNotCompleted, StatusCompleted, StatusOverdue, StatusArchived:
		return true
	}
	return false
}

// ParseStatus accepts any letter case.
func ParseStatus(s string) (Status, bool) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	return st, st.Valid()
}

type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityMedium Priority = "MEDIUM"
	PriorityHigh   Priority = "HIGH"
)

type Frequency string

const (
	FrequencyHour  Frequency = "HOUR"
	FrequencyDay   Frequency = "DAY"
	FrequencyWeek  Frequency = "WEEK"
	FrequencyMonth Frequency = "MONTH"
	FrequencyYear  Frequency = "YEAR"
)

// Task is one task instance. Recurring series are chains of instances linked
// by SeriesID, which points at the series root and is nil on the root itself.
type Task struct {
	ID          int64     `json:"id"`
	OwnerID     int64     `json:"ownerId" validate:"gt=0"`
	Title       string    `json:"title" validate:"required,max=255"`
	Description string    `json:"description" validate:"max=4000"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`

	DueDate *time.Time `json:"dueDate,omitempty"`
	Status  Status     `json:"status" validate:"oneof=NOT_COMPLETED COMPLETED OVERDUE ARCHIVED"`

	Priority  Priority  `json:"priority" validate:"omitempty,oneof=LOW MEDIUM HIGH"`
	IsRepeat  bool      `json:"isRepeat"`
	Frequency Frequency `json:"frequency,omitempty" validate:"omitempty,oneof=HOUR DAY WEEK MONTH YEAR"`

	NearlyOverdueNotified bool   `json:"nearlyOverdueNotified"`
	SeriesID              *int64 `json:"seriesId,omitempty"`
}

// RootID is the id of the series the task belongs to: its SeriesID, or its
// own id for a series root.
func (t Task) RootID() int64 {
	if t.SeriesID != nil {
		return *t.SeriesID
	}
	return t.ID
}

// IsOverdueAt reports whether an open task's due date lies strictly before now.
func (t Task) IsOverdueAt(now time.Time) bool {
	return t.Status == StatusNotCompleted && t.DueDate != nil && t.DueDate.Before(now)
}

// IsNearlyOverdueAt reports whether an open, not yet notified task is due
// within [now, now+window].
func (t Task) IsNearlyOverdueAt(now time.Time, window time.Duration) bool {
	if t.Status != StatusNotCompleted || t.NearlyOverdueNotified || t.DueDate == nil {
		return false
	}
	return !t.DueDate.Before(now) && !t.DueDate.After(now.Add(window))
}

// Clone returns a copy that shares no pointers with t.
func (t Task) Clone() Task {
	cp := t
	if t.DueDate != nil {
		d := *t.DueDate
		cp.DueDate = &d
	}
	if t.SeriesID != nil {
		id := *t.SeriesID
		cp.SeriesID = &id
	}
	return cp
}

// TimePtr returns a pointer to a copy of ts.
func TimePtr(ts time.Time) *time.Time { return &ts }

// Int64Ptr returns a pointer to a copy of v.
func Int64Ptr(v int64) *int64 { return &v }
