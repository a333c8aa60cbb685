package email

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wneessen/go-mail"

	"taskpulse/internal/notification"
	logx "taskpulse/pkg/logx"
)

type fakeClient struct {
	msgs []*mail.Msg
	err  error
}

func (f *fakeClient) DialAndSendWithContext(_ context.Context, messages ...*mail.Msg) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, messages...)
	return nil
}

func testConfig() Config {
	return Config{Host: "smtp.example.com", From: "noreply@example.com", FromName: "Tasks"}
}

func TestSendBuildsMessage(t *testing.T) {
	fc := &fakeClient{}
	s := newSender(testConfig(), fc, logx.Nop())

	err := s.Send(context.Background(), notification.Target{Channel: notification.ChannelEmail, Email: "ann@example.com"}, "Task overdue", "body")
	require.NoError(t, err)
	require.Len(t, fc.msgs, 1)

	m := fc.msgs[0]
	assert.Equal(t, []string{"<ann@example.com>"}, m.GetToString())
	assert.Equal(t, []string{"Task overdue"}, m.GetGenHeader(mail.HeaderSubject))
	from := m.GetFromString()
	require.Len(t, from, 1)
	assert.Contains(t, from[0], "noreply@example.com")
	assert.Contains(t, from[0], "Tasks")
}

func TestSendRejectsMissingAddress(t *testing.T) {
	fc := &fakeClient{}
	s := newSender(testConfig(), fc, logx.Nop())

	err := s.Send(context.Background(), notification.Target{Channel: notification.ChannelEmail}, "s", "b")
	require.Error(t, err)
	assert.Empty(t, fc.msgs)
}

func TestSendWrapsTransportError(t *testing.T) {
	boom := errors.New("connection refused")
	s := newSender(testConfig(), &fakeClient{err: boom}, logx.Nop())

	err := s.Send(context.Background(), notification.Target{Email: "ann@example.com"}, "s", "b")
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}

func TestNewValidatesHost(t *testing.T) {
	_, err := New(Config{}, logx.Nop())
	require.Error(t, err)

	s, err := New(Config{Host: "localhost", Port: 2525, TLS: "none", From: "a@example.com"}, logx.Nop())
	require.NoError(t, err)
	assert.NotNil(t, s)
}
