package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskpulse/internal/broker"
	"taskpulse/internal/notification"
	"taskpulse/internal/storage"
	logx "taskpulse/pkg/logx"
)

var now = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

type sent struct {
	to      notification.Target
	subject string
	body    string
}

type fakeSender struct {
	mu   sync.Mutex
	err  error
	sent []sent
}

func (f *fakeSender) Send(_ context.Context, to notification.Target, subject, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sent{to: to, subject: subject, body: body})
	return nil
}

func newDispatcher(t *testing.T) (*Dispatcher, storage.Store, *fakeSender, *fakeSender) {
	t.Helper()
	st := storage.NewMemory()
	d := New(st, Options{VerifyURLBase: "https://app.example.com/", Clock: func() time.Time { return now }}, logx.Nop())
	mail, tg := &fakeSender{}, &fakeSender{}
	d.Register(notification.ChannelEmail, mail)
	d.Register(notification.ChannelTelegram, tg)
	return d, st, mail, tg
}

func intentMsg(t *testing.T, in notification.Intent) broker.Message {
	t.Helper()
	b, err := json.Marshal(in)
	require.NoError(t, err)
	return broker.Message{Topic: broker.TopicTaskEvents, Key: []byte(in.Key()), Value: b}
}

func emailIntent() notification.Intent {
	return notification.Intent{
		EventID:   "evt-1",
		TaskID:    10,
		UserID:    2,
		Recipient: "u@example.com",
		Subject:   "Task overdue",
		Title:     "pay rent",
		Channel:   notification.ChannelEmail,
		EventType: notification.EventTaskOverdue,
		Message:   "You haven't completed the task pay rent. Try to complete it as quickly as possible!",
		CreatedAt: now,
		Status:    notification.StatusPending,
	}
}

func records(t *testing.T, st storage.Store, taskID int64) []notification.Record {
	t.Helper()
	recs, err := st.ListRecordsByTask(context.Background(), taskID)
	require.NoError(t, err)
	return recs
}

func TestHandleEmailSent(t *testing.T) {
	d, st, mail, tg := newDispatcher(t)
	require.NoError(t, d.Handle(context.Background(), intentMsg(t, emailIntent())))

	require.Len(t, mail.sent, 1)
	assert.Empty(t, tg.sent)
	assert.Equal(t, "u@example.com", mail.sent[0].to.Email)
	assert.Equal(t, "Task overdue", mail.sent[0].subject)

	recs := records(t, st, 10)
	require.Len(t, recs, 1)
	assert.Equal(t, notification.StatusSent, recs[0].Status)
	require.NotNil(t, recs[0].SentAt)
	assert.True(t, recs[0].SentAt.Equal(now))
	assert.Empty(t, recs[0].Error)
	assert.Equal(t, "evt-1", recs[0].EventID)
}

func TestHandleTelegramFailureRecorded(t *testing.T) {
	d, st, _, tg := newDispatcher(t)
	tg.err = errors.New("bot was blocked by the user")
	in := emailIntent()
	in.Channel, in.Recipient, in.RecipientTelegramID = notification.ChannelTelegram, "", func() *int64 { v := int64(144); return &v }()

	// delivery failures are not redelivered
	require.NoError(t, d.Handle(context.Background(), intentMsg(t, in)))

	recs := records(t, st, 10)
	require.Len(t, recs, 1)
	assert.Equal(t, notification.StatusFailed, recs[0].Status)
	assert.Equal(t, "bot was blocked by the user", recs[0].Error)
	assert.Nil(t, recs[0].SentAt)
	require.NotNil(t, recs[0].RecipientTelegramID)
	assert.Equal(t, int64(144), *recs[0].RecipientTelegramID)
}

func TestHandleMissingSender(t *testing.T) {
	d, st, _, _ := newDispatcher(t)
	d.Register(notification.ChannelEmail, nil)
	require.NoError(t, d.Handle(context.Background(), intentMsg(t, emailIntent())))
	recs := records(t, st, 10)
	require.Len(t, recs, 1)
	assert.Equal(t, notification.StatusFailed, recs[0].Status)
	assert.Contains(t, recs[0].Error, "no sender for channel")
}

func TestHandleStructuralErrorsAreNoRetry(t *testing.T) {
	d, st, mail, _ := newDispatcher(t)

	err := d.Handle(context.Background(), broker.Message{Value: []byte("{not json")})
	assert.True(t, broker.IsNoRetry(err))

	bad := emailIntent()
	bad.Recipient = ""
	err = d.Handle(context.Background(), intentMsg(t, bad))
	assert.True(t, broker.IsNoRetry(err))
	assert.ErrorIs(t, err, notification.ErrInvalidIntent)

	assert.Empty(t, mail.sent)
	assert.Empty(t, records(t, st, 10))
}

func TestHandleRedeliveryIsIdempotent(t *testing.T) {
	d, st, mail, _ := newDispatcher(t)
	msg := intentMsg(t, emailIntent())
	require.NoError(t, d.Handle(context.Background(), msg))
	require.NoError(t, d.Handle(context.Background(), msg))
	assert.Len(t, mail.sent, 1)
	assert.Len(t, records(t, st, 10), 1)
}

type brokenRecords struct{ storage.Store }

func (brokenRecords) CreateRecord(context.Context, notification.Record) error {
	return errors.New("db down")
}

func TestHandleRecordStoreFailureIsRetried(t *testing.T) {
	d := New(brokenRecords{storage.NewMemory()}, Options{}, logx.Nop())
	mail := &fakeSender{}
	d.Register(notification.ChannelEmail, mail)
	err := d.Handle(context.Background(), intentMsg(t, emailIntent()))
	require.Error(t, err)
	assert.False(t, broker.IsNoRetry(err))
	assert.Empty(t, mail.sent)
}

func TestHandleVerification(t *testing.T) {
	d, st, mail, _ := newDispatcher(t)
	ev := notification.VerificationEvent{UserID: 4, Name: "andrey", Email: "a@example.com", VerificationToken: "tok123"}
	b, _ := json.Marshal(ev)
	require.NoError(t, d.HandleVerification(context.Background(), broker.Message{Topic: broker.TopicVerification, Value: b}))

	require.Len(t, mail.sent, 1)
	assert.Equal(t, "Email verification", mail.sent[0].subject)
	assert.Equal(t, "Hello, andrey! \nFollow the link: https://app.example.com/api/auth/verify-email?token=tok123", mail.sent[0].body)

	recs := records(t, st, 0)
	require.Len(t, recs, 1)
	assert.Equal(t, notification.EventEmailVerification, recs[0].EventType)
	assert.Equal(t, int64(4), recs[0].UserID)

	err := d.HandleVerification(context.Background(), broker.Message{Value: []byte(`{"userId":4}`)})
	assert.True(t, broker.IsNoRetry(err))
}

func TestHandleLinkResponse(t *testing.T) {
	d, _, _, tg := newDispatcher(t)
	for _, ok := range []bool{true, false} {
		b, _ := json.Marshal(notification.LinkResponse{ChatID: 77, Success: ok})
		require.NoError(t, d.HandleLinkResponse(context.Background(), broker.Message{Value: b}))
	}
	require.Len(t, tg.sent, 2)
	assert.Equal(t, int64(77), tg.sent[0].to.ChatID)
	assert.Equal(t, notification.LinkSuccess, tg.sent[0].body)
	assert.Equal(t, notification.LinkFailure, tg.sent[1].body)

	tg.err = errors.New("timeout")
	b, _ := json.Marshal(notification.LinkResponse{ChatID: 77, Success: true})
	err := d.HandleLinkResponse(context.Background(), broker.Message{Value: b})
	require.Error(t, err)
	assert.False(t, broker.IsNoRetry(err))

	err = d.HandleLinkResponse(context.Background(), broker.Message{Value: []byte(`{"success":true}`)})
	assert.True(t, broker.IsNoRetry(err))
}

func TestEndToEndThroughConsumer(t *testing.T) {
	d, st, mail, _ := newDispatcher(t)
	b := broker.NewMemory()
	defer b.Close()
	c := broker.NewConsumer(b, broker.ConsumerConfig{Topic: broker.TopicTaskEvents, Group: "dispatcher", Backoff: time.Millisecond}, d.Handle, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	require.NoError(t, b.Publish(context.Background(), intentMsg(t, emailIntent())))
	require.NoError(t, b.Publish(context.Background(), broker.Message{Topic: broker.TopicTaskEvents, Value: []byte("garbage")}))

	require.Eventually(t, func() bool { return c.Stats().DeadLettered == 1 }, 2*time.Second, 5*time.Millisecond)
	mail.mu.Lock()
	assert.Len(t, mail.sent, 1)
	mail.mu.Unlock()
	assert.Len(t, records(t, st, 10), 1)
}
