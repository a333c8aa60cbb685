package notification

import (
	"time"

	"github.com/google/uuid"

	"taskpulse/internal/task"
)

// Render returns the subject and body for an event about t.
func Render(ev EventType, t task.Task) (subject, body string) {
	switch ev {
	case EventTaskSoonOverdue:
		return "The task will soon be overdue!",
			"Less than 15 minutes left until the deadline for the task: " + t.Title + ". Hurry up!"
	default:
		return "Task overdue",
			"You haven't completed the task " + t.Title + ". Try to complete it as quickly as possible!"
	}
}

// NewIntent builds a pending intent for one target.
func NewIntent(ev EventType, t task.Task, to Target, now time.Time) Intent {
	subject, body := Render(ev, t)
	in := Intent{
		EventID:     uuid.NewString(),
		TaskID:      t.ID,
		UserID:      t.OwnerID,
		Subject:     subject,
		Title:       t.Title,
		Description: t.Description,
		DueDate:     t.DueDate,
		Channel:     to.Channel,
		EventType:   ev,
		Message:     body,
		CreatedAt:   now,
		Status:      StatusPending,
	}
	switch to.Channel {
	case ChannelTelegram:
		id := to.ChatID
		in.RecipientTelegramID = &id
	case ChannelEmail:
		in.Recipient = to.Email
	}
	return in
}
