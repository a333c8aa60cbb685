package broker

import (
	"context"
	"sync"
	"time"
)

// DefaultRetention bounds each in-memory topic log.
const DefaultRetention = 10000

// memoryBroker keeps an append-only log per topic and a committed cursor per
// (topic, group). It is the single-process stand-in for Kafka: publishes are
// acknowledged once appended, and uncommitted messages are redelivered to the
// next subscription of the same group.
type memoryBroker struct {
	mu        sync.Mutex
	topics    map[string]*memTopic
	retention int
	closed    bool
	done      chan struct{}
}

type memTopic struct {
	base   int64 // offset of msgs[0]
	msgs   []Message
	groups map[string]*memGroup
	signal chan struct{}
}

type memGroup struct {
	committed int64
	next      int64
}

// NewMemory returns an in-process broker.
func NewMemory() Broker {
	return &memoryBroker{
		topics:    map[string]*memTopic{},
		retention: DefaultRetention,
		done:      make(chan struct{}),
	}
}

func (b *memoryBroker) topic(name string) *memTopic {
	t, ok := b.topics[name]
	if !ok {
		t = &memTopic{groups: map[string]*memGroup{}, signal: make(chan struct{})}
		b.topics[name] = t
	}
	return t
}

func (b *memoryBroker) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	t := b.topic(msg.Topic)
	msg.Offset = t.base + int64(len(t.msgs))
	if msg.Time.IsZero() {
		msg.Time = time.Now()
	}
	msg.Headers = cloneHeaders(msg.Headers)
	t.msgs = append(t.msgs, msg)
	if over := len(t.msgs) - b.retention; over > 0 {
		t.msgs = append([]Message(nil), t.msgs[over:]...)
		t.base += int64(over)
	}
	// wake fetchers
	close(t.signal)
	t.signal = make(chan struct{})
	return nil
}

func (b *memoryBroker) Subscribe(topic, group string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	t := b.topic(topic)
	g, ok := t.groups[group]
	if !ok {
		g = &memGroup{committed: t.base, next: t.base}
		t.groups[group] = g
	}
	// redeliver whatever the group has not committed yet
	g.next = g.committed
	return &memorySub{b: b, topic: topic, group: group, done: make(chan struct{})}, nil
}

func (b *memoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.done)
	}
	return nil
}

type memorySub struct {
	b     *memoryBroker
	topic string
	group string
	once  sync.Once
	done  chan struct{}
}

func (s *memorySub) Fetch(ctx context.Context) (Message, error) {
	for {
		s.b.mu.Lock()
		if s.b.closed || s.isClosed() {
			s.b.mu.Unlock()
			return Message{}, ErrClosed
		}
		t := s.b.topics[s.topic]
		g := t.groups[s.group]
		if g.next < t.base {
			g.next = t.base
		}
		if idx := g.next - t.base; idx < int64(len(t.msgs)) {
			msg := t.msgs[idx]
			msg.Headers = cloneHeaders(msg.Headers)
			g.next++
			s.b.mu.Unlock()
			return msg, nil
		}
		wait := t.signal
		s.b.mu.Unlock()

		select {
		case <-ctx.Done():
			return Message{}, ctx.Err()
		case <-s.b.done:
			return Message{}, ErrClosed
		case <-s.done:
			return Message{}, ErrClosed
		case <-wait:
		}
	}
}

func (s *memorySub) Commit(_ context.Context, msg Message) error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	if s.b.closed {
		return ErrClosed
	}
	g := s.b.topics[s.topic].groups[s.group]
	if msg.Offset+1 > g.committed {
		g.committed = msg.Offset + 1
	}
	return nil
}

func (s *memorySub) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *memorySub) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func cloneHeaders(h map[string]string) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}
