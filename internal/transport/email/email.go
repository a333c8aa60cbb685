// Package email delivers EMAIL notifications over SMTP.
package email

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wneessen/go-mail"

	"taskpulse/internal/notification"
	logx "taskpulse/pkg/logx"
)

type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	FromName string
	// TLS is "starttls" (default), "tls" or "none".
	TLS     string
	Timeout time.Duration
}

type client interface {
	DialAndSendWithContext(ctx context.Context, messages ...*mail.Msg) error
}

type Sender struct {
	cfg Config
	c   client
	log logx.Logger
}

func New(cfg Config, log logx.Logger) (*Sender, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, errors.New("email host is empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}

	opts := []mail.Option{mail.WithTimeout(cfg.Timeout)}
	switch strings.ToLower(cfg.TLS) {
	case "tls":
		opts = append(opts, mail.WithSSLPort(false))
	case "none":
		opts = append(opts, mail.WithTLSPolicy(mail.NoTLS))
	default:
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
	}
	if cfg.Port > 0 {
		opts = append(opts, mail.WithPort(cfg.Port))
	}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}

	c, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("smtp client: %w", err)
	}
	return newSender(cfg, c, log), nil
}

func newSender(cfg Config, c client, log logx.Logger) *Sender {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sender{cfg: cfg, c: c, log: log.With(logx.Component("email"))}
}

// Send mails a plain-text body to to.Email.
func (s *Sender) Send(ctx context.Context, to notification.Target, subject, body string) error {
	m, err := s.message(to.Email, subject, body)
	if err != nil {
		return err
	}
	if err := s.c.DialAndSendWithContext(ctx, m); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	s.log.Debug("mail sent", logx.String("to", to.Email))
	return nil
}

func (s *Sender) message(to, subject, body string) (*mail.Msg, error) {
	if strings.TrimSpace(to) == "" {
		return nil, errors.New("email target without address")
	}
	m := mail.NewMsg()
	var err error
	if s.cfg.FromName != "" {
		err = m.FromFormat(s.cfg.FromName, s.cfg.From)
	} else {
		err = m.From(s.cfg.From)
	}
	if err != nil {
		return nil, fmt.Errorf("from address: %w", err)
	}
	if err := m.To(to); err != nil {
		return nil, fmt.Errorf("to address: %w", err)
	}
	m.Subject(subject)
	m.SetBodyString(mail.TypeTextPlain, body)
	return m, nil
}
