// Package notification defines the notification intent that crosses the
// broker, the per-task recipient set, message texts, and the delivery record
// kept by the dispatcher.
package notification

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type Channel string

const (
	ChannelEmail    Channel = "EMAIL"
	ChannelTelegram Channel = "TELEGRAM"
)

type EventType string

const (
	EventTaskOverdue     EventType = "TASK_OVERDUE"
	EventTaskSoonOverdue EventType = "TASK_SOON_OVERDUE"
)

type Status string

const (
	StatusPending Status = "PENDING"
	StatusSent    Status = "SENT"
	StatusFailed  Status = "FAILED"
)

var ErrInvalidIntent = errors.New("invalid notification intent")

// Intent asks the dispatcher to deliver one message on one channel.
type Intent struct {
	EventID             string     `json:"eventId"`
	TaskID              int64      `json:"taskId"`
	UserID              int64      `json:"userId"`
	Recipient           string     `json:"recipient,omitempty"`
	RecipientTelegramID *int64     `json:"recipientTelegramId,omitempty"`
	Subject             string     `json:"subject"`
	Title               string     `json:"title"`
	Description         string     `json:"description,omitempty"`
	DueDate             *time.Time `json:"dueDate,omitempty"`
	Channel             Channel    `json:"channel"`
	EventType           EventType  `json:"eventType"`
	Message             string     `json:"message"`
	CreatedAt           time.Time  `json:"createdAt"`
	Status              Status     `json:"status"`
}

// Key is the partition key: all events of one task stay ordered.
func (i Intent) Key() string { return strconv.FormatInt(i.TaskID, 10) }

// Validate rejects intents the dispatcher cannot act on.
func (i Intent) Validate() error {
	var problems []string
	switch i.EventType {
	case EventTaskOverdue, EventTaskSoonOverdue:
	default:
		problems = append(problems, fmt.Sprintf("unknown event type %q", i.EventType))
	}
	switch i.Channel {
	case ChannelEmail:
		if strings.TrimSpace(i.Recipient) == "" {
			problems = append(problems, "email intent without recipient")
		}
	case ChannelTelegram:
		if i.RecipientTelegramID == nil {
			problems = append(problems, "telegram intent without chat id")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown channel %q", i.Channel))
	}
	if strings.TrimSpace(i.Message) == "" {
		problems = append(problems, "empty message")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidIntent, strings.Join(problems, "; "))
	}
	return nil
}

// Target returns the channel address the intent is meant for.
func (i Intent) Target() Target {
	t := Target{Channel: i.Channel, Email: i.Recipient}
	if i.RecipientTelegramID != nil {
		t.ChatID = *i.RecipientTelegramID
	}
	return t
}
