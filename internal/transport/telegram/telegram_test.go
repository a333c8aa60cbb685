package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"

	"taskpulse/internal/broker"
	"taskpulse/internal/notification"
	logx "taskpulse/pkg/logx"
)

type fakeBot struct {
	mu    sync.Mutex
	sent  []string
	chats []int64
	err   error
}

func (f *fakeBot) Send(to tele.Recipient, what interface{}, _ ...interface{}) (*tele.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.sent = append(f.sent, what.(string))
	if c, ok := to.(*tele.Chat); ok {
		f.chats = append(f.chats, c.ID)
	}
	return &tele.Message{}, nil
}

type fakeLinks struct {
	topic string
	key   string
	v     any
	err   error
}

func (f *fakeLinks) Publish(_ context.Context, topic, key string, v any) error {
	f.topic, f.key, f.v = topic, key, v
	return f.err
}

func TestSplitText(t *testing.T) {
	assert.Equal(t, []string{"short"}, splitText("short", 10))

	long := strings.Repeat("a", 25)
	parts := splitText(long, 10)
	require.Len(t, parts, 3)
	assert.Equal(t, "aaaaaaaaaa", parts[0])
	assert.Equal(t, "aaaaa", parts[2])

	lines := "line one\nline two\nline three"
	parts = splitText(lines, 12)
	assert.Equal(t, "line one", parts[0])
	for _, p := range parts {
		assert.LessOrEqual(t, len([]rune(p)), 12)
	}

	// runes, not bytes
	cyr := strings.Repeat("я", 15)
	parts = splitText(cyr, 10)
	require.Len(t, parts, 2)
	assert.Len(t, []rune(parts[0]), 10)
}

func TestSendChunksLongBodies(t *testing.T) {
	bot := &fakeBot{}
	a := newAdapter(Config{}, bot, nil, logx.Nop())

	body := strings.Repeat("x", textLimit+10)
	err := a.Send(context.Background(), notification.Target{Channel: notification.ChannelTelegram, ChatID: 42}, "subject", body)
	require.NoError(t, err)

	require.Len(t, bot.sent, 2)
	assert.Equal(t, []int64{42, 42}, bot.chats)
	assert.Len(t, bot.sent[0], textLimit)
	assert.Equal(t, uint64(1), a.sent.Load())
}

func TestSendErrors(t *testing.T) {
	bot := &fakeBot{err: errors.New("blocked by user")}
	a := newAdapter(Config{}, bot, nil, logx.Nop())

	err := a.Send(context.Background(), notification.Target{ChatID: 1}, "", "hi")
	require.Error(t, err)
	assert.Equal(t, uint64(1), a.failed.Load())

	err = a.Send(context.Background(), notification.Target{}, "", "hi")
	require.Error(t, err)
}

func TestSendHonorsRateAndContext(t *testing.T) {
	bot := &fakeBot{}
	a := newAdapter(Config{RatePerSec: 1}, bot, nil, logx.Nop())

	// burst of one: the first send goes out, the second waits for a token
	require.NoError(t, a.SendAlert(context.Background(), 7, "first"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := a.SendAlert(ctx, 7, "second")
	require.Error(t, err)
	assert.Len(t, bot.sent, 1)

	a.SetRate(0)
	require.NoError(t, a.SendAlert(context.Background(), 7, "third"))
	assert.Len(t, bot.sent, 2)
}

func TestStartPromptsForToken(t *testing.T) {
	links := &fakeLinks{}
	a := newAdapter(Config{}, &fakeBot{}, links, logx.Nop())

	assert.Equal(t, notification.LinkPrompt, a.onText(context.Background(), 5, "/start"))
	assert.Nil(t, links.v)
	assert.Empty(t, a.onText(context.Background(), 5, "   "))
}

func TestTokenPublishesLinkRequest(t *testing.T) {
	links := &fakeLinks{}
	a := newAdapter(Config{}, &fakeBot{}, links, logx.Nop())

	reply := a.onText(context.Background(), 99, "  tok-123 ")
	assert.Empty(t, reply)
	assert.Equal(t, broker.TopicLinkRequests, links.topic)
	assert.Equal(t, "99", links.key)
	assert.Equal(t, notification.LinkRequest{Token: "tok-123", ChatID: 99}, links.v)

	links.err = errors.New("broker down")
	reply = a.onText(context.Background(), 99, "tok-456")
	assert.NotEmpty(t, reply)
}
