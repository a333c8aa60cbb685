// Package telegram is the Telegram side of taskpulse: it delivers TELEGRAM
// notifications and operator alerts, and takes account-link tokens from users.
package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"taskpulse/internal/notification"
	rtsup "taskpulse/internal/runtime/supervisor"
	logx "taskpulse/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// RatePerSec paces outgoing messages. 0 means unlimited.
	RatePerSec int
}

// botAPI is the part of *tele.Bot used for sending.
type botAPI interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

type Adapter struct {
	cfg Config
	log logx.Logger

	bot     *tele.Bot
	api     botAPI
	limiter *rate.Limiter
	links   LinkPublisher

	runMu   sync.Mutex
	running bool
	// sup owns the poll loop and its stop watcher between Start and Stop.
	sup *rtsup.Supervisor

	sent   atomic.Uint64
	failed atomic.Uint64
}

func New(cfg Config, links LinkPublisher, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	a := newAdapter(cfg, b, links, log)
	a.bot = b
	a.registerHandlers()
	return a, nil
}

func newAdapter(cfg Config, api botAPI, links LinkPublisher, log logx.Logger) *Adapter {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{
		cfg:     cfg,
		log:     log.With(logx.Component("telegram")),
		api:     api,
		limiter: rate.NewLimiter(limitFor(cfg.RatePerSec), 1),
		links:   links,
	}
}

func limitFor(perSec int) rate.Limit {
	if perSec <= 0 {
		return rate.Inf
	}
	return rate.Limit(perSec)
}

// SetRate changes send pacing at runtime.
func (a *Adapter) SetRate(perSec int) {
	a.limiter.SetLimit(limitFor(perSec))
	a.log.Info("send rate updated", logx.Int("per_sec", perSec))
}

func (a *Adapter) registerHandlers() {
	a.bot.Handle(tele.OnText, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Chat == nil {
			return nil
		}
		reply := a.onText(context.Background(), m.Chat.ID, m.Text)
		if reply == "" {
			return nil
		}
		return c.Send(reply)
	})
}

// Start begins long polling for link tokens.
func (a *Adapter) Start(ctx context.Context) error {
	if a.bot == nil {
		return errors.New("telegram bot not initialized")
	}
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log),
		// polling problems must not take the process down
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})
	sup.GoRestart0("telebot.poll", func(c context.Context) {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

// Stop ends polling. It waits at most two seconds for the long poll to return.
func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	a.runMu.Unlock()

	if !wasRunning || sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.Uint64("sent", a.sent.Load()), logx.Uint64("failed", a.failed.Load()))
	// stop_on_cancel stops the bot
	sup.Cancel()

	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			a.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		a.log.Debug("telegram stopped with supervisor error", logx.Err(err))
	}
	return nil
}

// Send delivers body to to.ChatID. Telegram has no subject line, so subject
// is dropped; the body already names the task.
func (a *Adapter) Send(ctx context.Context, to notification.Target, _ string, body string) error {
	if to.ChatID == 0 {
		return errors.New("telegram target without chat id")
	}
	err := a.sendText(ctx, to.ChatID, body)
	if err != nil {
		a.failed.Add(1)
		return err
	}
	a.sent.Add(1)
	return nil
}

// SendAlert forwards an operator alert. It satisfies logx.AlertSender.
func (a *Adapter) SendAlert(ctx context.Context, chatID int64, text string) error {
	return a.sendText(ctx, chatID, text)
}

func (a *Adapter) sendText(ctx context.Context, chatID int64, text string) error {
	chat := &tele.Chat{ID: chatID}
	for _, chunk := range splitText(text, textLimit) {
		if err := a.limiter.Wait(ctx); err != nil {
			return err
		}
		if _, err := a.api.Send(chat, chunk, &tele.SendOptions{DisableWebPagePreview: true}); err != nil {
			return err
		}
	}
	return nil
}
