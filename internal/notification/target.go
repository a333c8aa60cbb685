package notification

import (
	"strconv"
	"strings"
)

// Contact is what the user directory knows about a task owner.
type Contact struct {
	Name           string `json:"name,omitempty"`
	Email          string `json:"email,omitempty"`
	TelegramChatID *int64 `json:"telegramChatId,omitempty"`
}

// Target is one deliverable address. Exactly one of Email or ChatID is
// meaningful, selected by Channel.
type Target struct {
	Channel Channel
	Email   string
	ChatID  int64
}

func (t Target) String() string {
	if t.Channel == ChannelTelegram {
		return "telegram:" + strconv.FormatInt(t.ChatID, 10)
	}
	return "email:" + t.Email
}

// Targets is the recipient set of one task: zero, one or two channels.
type Targets []Target

// TargetsFor resolves the channels a contact can be reached on, Telegram first.
func TargetsFor(c Contact) Targets {
	out := make(Targets, 0, 2)
	if c.TelegramChatID != nil {
		out = append(out, Target{Channel: ChannelTelegram, ChatID: *c.TelegramChatID})
	}
	if e := strings.TrimSpace(c.Email); e != "" {
		out = append(out, Target{Channel: ChannelEmail, Email: e})
	}
	return out
}
