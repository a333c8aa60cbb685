package notification

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Record tracks delivery of one intent. It starts PENDING and ends SENT
// (with SentAt) or FAILED (with Error and no SentAt).
type Record struct {
	ID                  uuid.UUID  `json:"id"`
	EventID             string     `json:"eventId"`
	TaskID              int64      `json:"taskId"`
	UserID              int64      `json:"userId"`
	Channel             Channel    `json:"channel"`
	Recipient           string     `json:"recipient,omitempty"`
	RecipientTelegramID *int64     `json:"recipientTelegramId,omitempty"`
	Subject             string     `json:"subject"`
	Message             string     `json:"message"`
	EventType           EventType  `json:"eventType"`
	Status              Status     `json:"status"`
	Error               string     `json:"error,omitempty"`
	CreatedAt           time.Time  `json:"createdAt"`
	SentAt              *time.Time `json:"sentAt,omitempty"`
}

// NewRecord starts a pending record for in.
func NewRecord(in Intent, now time.Time) Record {
	return Record{
		ID:                  uuid.New(),
		EventID:             in.EventID,
		TaskID:              in.TaskID,
		UserID:              in.UserID,
		Channel:             in.Channel,
		Recipient:           in.Recipient,
		RecipientTelegramID: in.RecipientTelegramID,
		Subject:             in.Subject,
		Message:             in.Message,
		EventType:           in.EventType,
		Status:              StatusPending,
		CreatedAt:           now,
	}
}

func (r *Record) MarkSent(at time.Time) {
	r.Status = StatusSent
	r.Error = ""
	r.SentAt = &at
}

func (r *Record) MarkFailed(err error) {
	r.Status = StatusFailed
	r.SentAt = nil
	if err != nil {
		r.Error = err.Error()
	}
}

// RecordStore persists delivery records.
type RecordStore interface {
	CreateRecord(ctx context.Context, r Record) error
	UpdateRecord(ctx context.Context, r Record) error
	ListRecordsByTask(ctx context.Context, taskID int64) ([]Record, error)
}
