// Package dispatcher consumes notification intents and delivers them through
// the channel senders, keeping one delivery record per intent.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"taskpulse/internal/broker"
	"taskpulse/internal/notification"
	logx "taskpulse/pkg/logx"
)

var ErrNoSender = errors.New("no sender for channel")

// Sender delivers one message to one target.
type Sender interface {
	Send(ctx context.Context, to notification.Target, subject, body string) error
}

type Options struct {
	// SendTimeout bounds a single Send call. Default 30s.
	SendTimeout time.Duration
	// VerifyURLBase prefixes the verification link in verification emails.
	VerifyURLBase string
	Clock         func() time.Time
}

type Dispatcher struct {
	records notification.RecordStore
	opt     Options
	log     logx.Logger

	mu      sync.RWMutex
	senders map[notification.Channel]Sender
}

func New(records notification.RecordStore, opt Options, log logx.Logger) *Dispatcher {
	if opt.SendTimeout <= 0 {
		opt.SendTimeout = 30 * time.Second
	}
	if opt.Clock == nil {
		opt.Clock = time.Now
	}
	opt.VerifyURLBase = strings.TrimRight(opt.VerifyURLBase, "/")
	return &Dispatcher{
		records: records,
		opt:     opt,
		log:     log.With(logx.Component("dispatcher")),
		senders: map[notification.Channel]Sender{},
	}
}

// Register routes ch to s. A nil sender removes the route.
func (d *Dispatcher) Register(ch notification.Channel, s Sender) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s == nil {
		delete(d.senders, ch)
		return
	}
	d.senders[ch] = s
}

func (d *Dispatcher) sender(ch notification.Channel) Sender {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.senders[ch]
}

// Handle processes one task-events message. Undecodable or invalid intents
// are marked NoRetry so the consumer dead-letters them. Sender failures end
// in a FAILED record and return nil; record store failures are returned.
func (d *Dispatcher) Handle(ctx context.Context, msg broker.Message) error {
	var in notification.Intent
	if err := json.Unmarshal(msg.Value, &in); err != nil {
		return broker.NoRetry(fmt.Errorf("decode intent: %w", err))
	}
	if err := in.Validate(); err != nil {
		return broker.NoRetry(err)
	}
	if sent, err := d.alreadySent(ctx, in); err != nil {
		return err
	} else if sent {
		d.log.Info("duplicate intent ignored", logx.TaskID(in.TaskID), logx.String("event_id", in.EventID))
		return nil
	}
	_, err := d.deliver(ctx, notification.NewRecord(in, d.opt.Clock()))
	return err
}

// alreadySent reports whether a redelivered intent was delivered before.
func (d *Dispatcher) alreadySent(ctx context.Context, in notification.Intent) (bool, error) {
	if in.EventID == "" {
		return false, nil
	}
	recs, err := d.records.ListRecordsByTask(ctx, in.TaskID)
	if err != nil {
		return false, fmt.Errorf("list records: %w", err)
	}
	for _, r := range recs {
		if r.EventID == in.EventID && r.Channel == in.Channel && r.Status == notification.StatusSent {
			return true, nil
		}
	}
	return false, nil
}

// deliver persists rec as PENDING, sends it and persists the outcome.
func (d *Dispatcher) deliver(ctx context.Context, rec notification.Record) (notification.Record, error) {
	log := d.log.With(
		logx.TaskID(rec.TaskID),
		logx.String("channel", string(rec.Channel)),
		logx.String("event_type", string(rec.EventType)),
	)
	if err := d.records.CreateRecord(ctx, rec); err != nil {
		return rec, fmt.Errorf("create record: %w", err)
	}

	to := notification.Target{Channel: rec.Channel, Email: rec.Recipient}
	if rec.RecipientTelegramID != nil {
		to.ChatID = *rec.RecipientTelegramID
	}
	if err := d.send(ctx, to, rec.Subject, rec.Message); err != nil {
		rec.MarkFailed(err)
		log.Warn("delivery failed", logx.String("to", to.String()), logx.Err(err))
	} else {
		rec.MarkSent(d.opt.Clock())
		log.Info("delivered", logx.String("to", to.String()))
	}

	if err := d.records.UpdateRecord(ctx, rec); err != nil {
		return rec, fmt.Errorf("update record: %w", err)
	}
	return rec, nil
}

func (d *Dispatcher) send(ctx context.Context, to notification.Target, subject, body string) (err error) {
	s := d.sender(to.Channel)
	if s == nil {
		return fmt.Errorf("%w %s", ErrNoSender, to.Channel)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sender panic: %v", r)
		}
	}()
	sctx, cancel := context.WithTimeout(ctx, d.opt.SendTimeout)
	defer cancel()
	return s.Send(sctx, to, subject, body)
}

// HandleVerification sends the account verification email.
func (d *Dispatcher) HandleVerification(ctx context.Context, msg broker.Message) error {
	var ev notification.VerificationEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		return broker.NoRetry(fmt.Errorf("decode verification event: %w", err))
	}
	if strings.TrimSpace(ev.Email) == "" || strings.TrimSpace(ev.VerificationToken) == "" {
		return broker.NoRetry(fmt.Errorf("%w: verification event needs email and token", notification.ErrInvalidIntent))
	}
	now := d.opt.Clock()
	in := notification.Intent{
		EventID:   msg.Header(broker.HeaderEventID),
		UserID:    ev.UserID,
		Recipient: ev.Email,
		Subject:   notification.VerificationSubject,
		Channel:   notification.ChannelEmail,
		EventType: notification.EventEmailVerification,
		Message:   notification.VerificationBody(ev.Name, d.opt.VerifyURLBase, ev.VerificationToken),
		CreatedAt: now,
		Status:    notification.StatusPending,
	}
	_, err := d.deliver(ctx, notification.NewRecord(in, now))
	return err
}

// HandleLinkResponse tells the Telegram user whether linking worked. No record is kept.
func (d *Dispatcher) HandleLinkResponse(ctx context.Context, msg broker.Message) error {
	var resp notification.LinkResponse
	if err := json.Unmarshal(msg.Value, &resp); err != nil {
		return broker.NoRetry(fmt.Errorf("decode link response: %w", err))
	}
	if resp.ChatID == 0 {
		return broker.NoRetry(fmt.Errorf("%w: link response without chat id", notification.ErrInvalidIntent))
	}
	to := notification.Target{Channel: notification.ChannelTelegram, ChatID: resp.ChatID}
	if err := d.send(ctx, to, "", resp.Text()); err != nil {
		d.log.Warn("link response not delivered", logx.Int64("chat_id", resp.ChatID), logx.Err(err))
		if errors.Is(err, ErrNoSender) {
			return broker.NoRetry(err)
		}
		return err
	}
	return nil
}
