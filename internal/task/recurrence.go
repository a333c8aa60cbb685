package task

import "time"

// NextDue advances due by whole frequency periods until the result is strictly
// after now. It always advances at least once. Unknown frequencies advance daily.
func NextDue(due time.Time, f Frequency, now time.Time) time.Time {
	next := step(due, f)
	for !next.After(now) {
		next = step(next, f)
	}
	return next
}

func step(t time.Time, f Frequency) time.Time {
	switch f {
	case FrequencyHour:
		return t.Add(time.Hour)
	case FrequencyWeek:
		return t.AddDate(0, 0, 7)
	case FrequencyMonth:
		return t.AddDate(0, 1, 0)
	case FrequencyYear:
		return t.AddDate(1, 0, 0)
	default:
		return t.AddDate(0, 0, 1)
	}
}

// Spawn builds the next instance of a recurring task. The successor is unsaved
// (ID 0), open, not yet notified, created at now and due at the first period
// boundary after now. It joins the predecessor's series.
func Spawn(pred Task, now time.Time) (Task, error) {
	if !pred.IsRepeat {
		return Task{}, ErrNotRecurring
	}
	if pred.DueDate == nil {
		return Task{}, ErrNoDueDate
	}
	due := NextDue(*pred.DueDate, pred.Frequency, now)
	root := pred.RootID()
	return Task{
		OwnerID:     pred.OwnerID,
		Title:       pred.Title,
		Description: pred.Description,
		CreatedAt:   now,
		UpdatedAt:   now,
		DueDate:     &due,
		Status:      StatusNotCompleted,
		Priority:    pred.Priority,
		IsRepeat:    pred.IsRepeat,
		Frequency:   pred.Frequency,
		SeriesID:    &root,
	}, nil
}

// HasSuccessor reports whether series already holds an instance due after
// pred, meaning pred has been spawned from before.
func HasSuccessor(pred Task, series []Task) bool {
	if pred.DueDate == nil {
		return false
	}
	for _, t := range series {
		if t.ID == pred.ID || t.DueDate == nil {
			continue
		}
		if t.DueDate.After(*pred.DueDate) {
			return true
		}
	}
	return false
}
