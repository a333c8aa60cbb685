// Package broker is the message transport between the reconciler and the
// dispatcher. Producers wait for the broker's acknowledgement; consumers fetch
// and commit explicitly so a message is only acknowledged after it was handled
// or dead-lettered.
package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	logx "taskpulse/pkg/logx"
)

const (
	TopicTaskEvents    = "task-events"
	TopicVerification  = "account-verification-events"
	TopicLinkRequests  = "telegram-link-requests"
	TopicLinkResponses = "telegram-link-responses"
	deadLetterSuffix   = ".DLT"
	HeaderEventType    = "event-type"
	HeaderEventID      = "event-id"
	HeaderContentType  = "content-type"
	HeaderDLTError     = "dlt-error"
	HeaderDLTTopic     = "dlt-original-topic"
	HeaderDLTAttempts  = "dlt-attempts"
	ContentTypeJSON    = "application/json"
)

var ErrClosed = errors.New("broker closed")

// DeadLetterTopic returns the dead-letter topic for topic.
func DeadLetterTopic(topic string) string { return topic + deadLetterSuffix }

type Message struct {
	Topic     string
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Time      time.Time
	Partition int
	Offset    int64
}

func (m Message) Header(k string) string {
	if m.Headers == nil {
		return ""
	}
	return m.Headers[k]
}

// Producer publishes a message and returns once the broker acknowledged it.
type Producer interface {
	Publish(ctx context.Context, msg Message) error
}

// Subscription delivers messages of one topic to one consumer group.
type Subscription interface {
	Fetch(ctx context.Context) (Message, error)
	Commit(ctx context.Context, msg Message) error
	Close() error
}

type Broker interface {
	Producer
	Subscribe(topic, group string) (Subscription, error)
	Close() error
}

type Config struct {
	Driver       string
	Brokers      []string
	ClientID     string
	WriteTimeout time.Duration
}

// Open builds the configured broker.
func Open(cfg Config, log logx.Logger) (Broker, error) {
	log = log.With(logx.Component("broker"))
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "memory", "":
		log.Info("broker ready", logx.String("driver", "memory"))
		return NewMemory(), nil
	case "kafka":
		return NewKafka(cfg, log)
	default:
		return nil, fmt.Errorf("unknown broker driver: %s", cfg.Driver)
	}
}

type noRetryError struct{ err error }

func (e *noRetryError) Error() string { return e.err.Error() }
func (e *noRetryError) Unwrap() error { return e.err }

// NoRetry marks err as structural: the consumer dead-letters the message
// without further attempts.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return &noRetryError{err: err}
}

func IsNoRetry(err error) bool {
	var nr *noRetryError
	return errors.As(err, &nr)
}
