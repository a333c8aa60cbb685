package broker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	logx "taskpulse/pkg/logx"
)

type kafkaBroker struct {
	cfg    Config
	log    logx.Logger
	writer *kafka.Writer
	dialer *kafka.Dialer

	mu      sync.Mutex
	readers map[*kafkaSub]struct{}
	closed  bool
}

// NewKafka connects lazily: kafka-go dials on first write or fetch.
func NewKafka(cfg Config, log logx.Logger) (Broker, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	timeout := cfg.WriteTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "taskpulse"
	}
	transport := &kafka.Transport{ClientID: clientID}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		WriteTimeout:           timeout,
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
		Transport:              transport,
		ErrorLogger:            kafkaLogger(log, "kafka writer"),
	}
	log.Info("broker ready", logx.String("driver", "kafka"), logx.Strings("brokers", cfg.Brokers))
	return &kafkaBroker{
		cfg:     cfg,
		log:     log,
		writer:  w,
		dialer:  &kafka.Dialer{ClientID: clientID, Timeout: 10 * time.Second, DualStack: true},
		readers: map[*kafkaSub]struct{}{},
	}, nil
}

func (b *kafkaBroker) Publish(ctx context.Context, msg Message) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return b.writer.WriteMessages(ctx, toKafka(msg))
}

// toKafka maps an outgoing message. Headers are emitted in key order.
func toKafka(msg Message) kafka.Message {
	km := kafka.Message{
		Topic: msg.Topic,
		Key:   msg.Key,
		Value: msg.Value,
		Time:  msg.Time,
	}
	if len(msg.Headers) == 0 {
		return km
	}
	keys := make([]string, 0, len(msg.Headers))
	for k := range msg.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	km.Headers = make([]kafka.Header, 0, len(keys))
	for _, k := range keys {
		km.Headers = append(km.Headers, kafka.Header{Key: k, Value: []byte(msg.Headers[k])})
	}
	return km
}

// fromKafka maps a fetched message. A repeated header key keeps its last value.
func fromKafka(km kafka.Message) Message {
	msg := Message{
		Topic:     km.Topic,
		Key:       km.Key,
		Value:     km.Value,
		Time:      km.Time,
		Partition: km.Partition,
		Offset:    km.Offset,
	}
	if len(km.Headers) > 0 {
		msg.Headers = make(map[string]string, len(km.Headers))
		for _, h := range km.Headers {
			msg.Headers[h.Key] = string(h.Value)
		}
	}
	return msg
}

// commitRef is the minimal message kafka-go needs to commit msg's offset.
func commitRef(msg Message) kafka.Message {
	return kafka.Message{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
	}
}

func (b *kafkaBroker) Subscribe(topic, group string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     b.cfg.Brokers,
		GroupID:     group,
		Topic:       topic,
		Dialer:      b.dialer,
		MinBytes:    1,
		MaxBytes:    10 << 20,
		MaxWait:     time.Second,
		StartOffset: kafka.FirstOffset,

		// commits are explicit and synchronous
		CommitInterval: 0,
		ErrorLogger:    kafkaLogger(b.log.With(logx.String("topic", topic)), "kafka reader"),
	})
	s := &kafkaSub{b: b, r: r}
	b.readers[s] = struct{}{}
	return s, nil
}

func (b *kafkaBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*kafkaSub, 0, len(b.readers))
	for s := range b.readers {
		subs = append(subs, s)
		delete(b.readers, s)
	}
	b.mu.Unlock()

	var errs []error
	for _, s := range subs {
		errs = append(errs, s.r.Close())
	}
	errs = append(errs, b.writer.Close())
	return errors.Join(errs...)
}

type kafkaSub struct {
	b *kafkaBroker
	r *kafka.Reader
}

func (s *kafkaSub) Fetch(ctx context.Context) (Message, error) {
	km, err := s.r.FetchMessage(ctx)
	if err != nil {
		return Message{}, err
	}
	return fromKafka(km), nil
}

func (s *kafkaSub) Commit(ctx context.Context, msg Message) error {
	return s.r.CommitMessages(ctx, commitRef(msg))
}

func (s *kafkaSub) Close() error {
	s.b.mu.Lock()
	_, ok := s.b.readers[s]
	delete(s.b.readers, s)
	s.b.mu.Unlock()
	if !ok {
		return nil
	}
	return s.r.Close()
}

func kafkaLogger(log logx.Logger, msg string) kafka.LoggerFunc {
	return func(format string, args ...any) {
		log.Warn(msg, logx.String("detail", fmt.Sprintf(format, args...)))
	}
}
