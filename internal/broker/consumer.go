package broker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	logx "taskpulse/pkg/logx"
)

const (
	DefaultMaxAttempts = 3
	DefaultBackoff     = time.Second
)

// Handler processes one message. Returning an error marked NoRetry sends the
// message straight to the dead-letter topic.
type Handler func(ctx context.Context, msg Message) error

type ConsumerConfig struct {
	Topic string
	Group string
	// MaxAttempts counts every delivery, the first one included.
	MaxAttempts int
	Backoff     time.Duration
}

// Consumer runs a fetch/handle/commit loop for one topic. Failed messages are
// retried with a fixed backoff, then republished to the dead-letter topic and
// committed.
type Consumer struct {
	b       Broker
	cfg     ConsumerConfig
	handler Handler
	log     logx.Logger

	handled      atomic.Uint64
	retried      atomic.Uint64
	deadLettered atomic.Uint64
}

type ConsumerStats struct {
	Topic        string `json:"topic"`
	Group        string `json:"group"`
	Handled      uint64 `json:"handled"`
	Retried      uint64 `json:"retried"`
	DeadLettered uint64 `json:"deadLettered"`
}

func NewConsumer(b Broker, cfg ConsumerConfig, h Handler, log logx.Logger) *Consumer {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	return &Consumer{
		b:       b,
		cfg:     cfg,
		handler: h,
		log:     log.With(logx.Component("consumer"), logx.String("topic", cfg.Topic), logx.String("group", cfg.Group)),
	}
}

func (c *Consumer) Stats() ConsumerStats {
	return ConsumerStats{
		Topic:        c.cfg.Topic,
		Group:        c.cfg.Group,
		Handled:      c.handled.Load(),
		Retried:      c.retried.Load(),
		DeadLettered: c.deadLettered.Load(),
	}
}

// Run consumes until ctx ends. Fetch and commit errors are returned so the
// caller's supervisor can restart the loop with backoff.
func (c *Consumer) Run(ctx context.Context) error {
	sub, err := c.b.Subscribe(c.cfg.Topic, c.cfg.Group)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", c.cfg.Topic, err)
	}
	defer sub.Close()
	c.log.Info("consumer started")

	for {
		msg, err := sub.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, ErrClosed) {
				return nil
			}
			return fmt.Errorf("fetch %s: %w", c.cfg.Topic, err)
		}
		if err := c.process(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := sub.Commit(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("commit %s@%d: %w", c.cfg.Topic, msg.Offset, err)
		}
	}
}

// process returns nil once msg was handled or dead-lettered.
func (c *Consumer) process(ctx context.Context, msg Message) error {
	var lastErr error
	attempts := 0
	for attempts < c.cfg.MaxAttempts {
		attempts++
		lastErr = c.safeHandle(ctx, msg)
		if lastErr == nil {
			c.handled.Add(1)
			return nil
		}
		if IsNoRetry(lastErr) {
			break
		}
		if attempts < c.cfg.MaxAttempts {
			c.retried.Add(1)
			c.log.Warn("handler failed, retrying",
				logx.Int("attempt", attempts),
				logx.Int64("offset", msg.Offset),
				logx.Err(lastErr),
			)
			t := time.NewTimer(c.cfg.Backoff)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
	}
	return c.deadLetter(ctx, msg, attempts, lastErr)
}

func (c *Consumer) safeHandle(ctx context.Context, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
			c.log.Error("handler panic", logx.Any("panic", r), logx.Stack(logx.StackTrace(3, 32)))
		}
	}()
	return c.handler(ctx, msg)
}

func (c *Consumer) deadLetter(ctx context.Context, msg Message, attempts int, cause error) error {
	dlt := Message{
		Topic:   DeadLetterTopic(msg.Topic),
		Key:     msg.Key,
		Value:   msg.Value,
		Headers: cloneHeaders(msg.Headers),
	}
	if dlt.Headers == nil {
		dlt.Headers = map[string]string{}
	}
	dlt.Headers[HeaderDLTError] = cause.Error()
	dlt.Headers[HeaderDLTTopic] = msg.Topic
	dlt.Headers[HeaderDLTAttempts] = strconv.Itoa(attempts)

	if err := c.b.Publish(ctx, dlt); err != nil {
		return fmt.Errorf("dead-letter %s@%d: %w", msg.Topic, msg.Offset, err)
	}
	c.deadLettered.Add(1)
	c.log.Error("message dead-lettered",
		logx.String("dlt_topic", dlt.Topic),
		logx.Int64("offset", msg.Offset),
		logx.Int("attempts", attempts),
		logx.Err(cause),
	)
	return nil
}
