package telegram

import (
	"context"
	"strconv"
	"strings"
	"time"

	"taskpulse/internal/broker"
	"taskpulse/internal/notification"
	logx "taskpulse/pkg/logx"
)

// LinkPublisher hands link tokens to the user service.
type LinkPublisher interface {
	Publish(ctx context.Context, topic, key string, v any) error
}

// onText handles one incoming chat message and returns the reply, if any.
// /start prompts for a token; anything else is taken as the token.
func (a *Adapter) onText(ctx context.Context, chatID int64, text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	if text == "/start" || strings.HasPrefix(text, "/start ") {
		return notification.LinkPrompt
	}
	if a.links == nil {
		a.log.Warn("link request ignored, no publisher", logx.Int64("chat_id", chatID))
		return ""
	}

	pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req := notification.LinkRequest{Token: text, ChatID: chatID}
	if err := a.links.Publish(pctx, broker.TopicLinkRequests, strconv.FormatInt(chatID, 10), req); err != nil {
		a.log.Error("link request not published", logx.Int64("chat_id", chatID), logx.Err(err))
		return "Something went wrong. Please try again later."
	}
	a.log.Info("link request published", logx.Int64("chat_id", chatID))
	// the outcome arrives later on telegram-link-responses
	return ""
}
