// Package events publishes task notification intents and adjacent-flow
// payloads to the broker.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"taskpulse/internal/broker"
	"taskpulse/internal/notification"
	logx "taskpulse/pkg/logx"
)

const DefaultTimeout = 30 * time.Second

var ErrBrokerUnavailable = errors.New("broker unavailable")

// PublishError reports a failed publish for one task. The reconciler keeps the
// task's state unchanged when it sees one, so the next tick retries.
type PublishError struct {
	TaskID int64
	Topic  string
	Err    error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish task %d to %s: %v", e.TaskID, e.Topic, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

type Options struct {
	// Timeout bounds each publish including the broker acknowledgement.
	Timeout time.Duration
	// BreakerTrip opens the breaker after this many consecutive failures. 0 disables it.
	BreakerTrip int
	BreakerBase time.Duration
	BreakerMax  time.Duration
}

type Publisher struct {
	p       broker.Producer
	opt     Options
	log     logx.Logger
	breaker *breaker
	now     func() time.Time
}

func New(p broker.Producer, opt Options, log logx.Logger) *Publisher {
	if opt.Timeout <= 0 {
		opt.Timeout = DefaultTimeout
	}
	return &Publisher{
		p:       p,
		opt:     opt,
		log:     log.With(logx.Component("publisher")),
		breaker: newBreaker(opt.BreakerTrip, opt.BreakerBase, opt.BreakerMax),
		now:     time.Now,
	}
}

// PublishIntent sends in to task-events keyed by task id and waits for the
// broker ack. It never retries; any failure is a *PublishError.
func (p *Publisher) PublishIntent(ctx context.Context, in notification.Intent) error {
	headers := map[string]string{
		broker.HeaderEventType: string(in.EventType),
		broker.HeaderEventID:   in.EventID,
	}
	return p.publish(ctx, in.TaskID, broker.TopicTaskEvents, in.Key(), in, headers)
}

// Publish sends any JSON payload to topic. Failures carry TaskID 0.
func (p *Publisher) Publish(ctx context.Context, topic, key string, v any) error {
	return p.publish(ctx, 0, topic, key, v, nil)
}

func (p *Publisher) publish(ctx context.Context, taskID int64, topic, key string, v any, headers map[string]string) error {
	fail := func(err error) error { return &PublishError{TaskID: taskID, Topic: topic, Err: err} }

	if open, until := p.breaker.open(p.now()); open {
		return fail(fmt.Errorf("%w until %s", ErrBrokerUnavailable, until.Format(time.RFC3339)))
	}

	body, err := json.Marshal(v)
	if err != nil {
		return fail(fmt.Errorf("encode: %w", err))
	}
	if headers == nil {
		headers = map[string]string{}
	}
	headers[broker.HeaderContentType] = broker.ContentTypeJSON

	pctx, cancel := context.WithTimeout(ctx, p.opt.Timeout)
	defer cancel()
	start := p.now()
	err = p.p.Publish(pctx, broker.Message{
		Topic:   topic,
		Key:     []byte(key),
		Value:   body,
		Headers: headers,
		Time:    start,
	})
	p.breaker.record(p.now(), err)
	if err != nil {
		p.log.Warn("publish failed",
			logx.String("topic", topic),
			logx.String("key", key),
			logx.Duration("took", p.now().Sub(start)),
			logx.Err(err),
		)
		return fail(err)
	}
	p.log.Debug("published", logx.String("topic", topic), logx.String("key", key))
	return nil
}

// ConsecutiveFailures is exposed for the ops status endpoint.
func (p *Publisher) ConsecutiveFailures() int { return p.breaker.failures() }
