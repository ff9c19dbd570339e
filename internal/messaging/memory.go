package messaging

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrClosed is returned by a closed in-memory client.
var ErrClosed = errors.New("messaging: client closed")

// InMemoryClient delivers messages synchronously inside the process. It
// backs single-node deployments without a broker and tests. Handler errors
// are returned to the publisher.
type InMemoryClient struct {
	mu      sync.Mutex
	subs    []*memSub
	next    map[string]int
	closed  bool
	history []Message
}

func NewInMemoryClient() *InMemoryClient {
	return &InMemoryClient{next: make(map[string]int)}
}

type memSub struct {
	client  *InMemoryClient
	subject string
	queue   string
	handler MessageHandler
	valid   bool
}

func (s *memSub) Unsubscribe() error {
	s.client.mu.Lock()
	defer s.client.mu.Unlock()
	s.valid = false
	return nil
}

func (s *memSub) Subject() string { return s.subject }

func (s *memSub) IsValid() bool {
	s.client.mu.Lock()
	defer s.client.mu.Unlock()
	return s.valid
}

func (c *InMemoryClient) Publish(ctx context.Context, subject string, data []byte) error {
	return c.PublishMsg(ctx, &Message{Subject: subject, Data: data})
}

func (c *InMemoryClient) PublishMsg(ctx context.Context, msg *Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	delivered := *msg
	delivered.Timestamp = time.Now()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.history = append(c.history, delivered)
	targets := c.targets(msg.Subject)
	c.mu.Unlock()

	var errs []error
	for _, s := range targets {
		m := delivered
		if err := s.handler(ctx, &m); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// targets picks every plain subscriber plus one member per queue group.
// Callers hold c.mu.
func (c *InMemoryClient) targets(subject string) []*memSub {
	var out []*memSub
	queues := make(map[string][]*memSub)
	var order []string
	for _, s := range c.subs {
		if !s.valid || s.subject != subject {
			continue
		}
		if s.queue == "" {
			out = append(out, s)
			continue
		}
		if _, seen := queues[s.queue]; !seen {
			order = append(order, s.queue)
		}
		queues[s.queue] = append(queues[s.queue], s)
	}
	for _, q := range order {
		members := queues[q]
		k := subject + "\x00" + q
		out = append(out, members[c.next[k]%len(members)])
		c.next[k]++
	}
	return out
}

func (c *InMemoryClient) Subscribe(subject string, handler MessageHandler) (Subscription, error) {
	return c.QueueSubscribe(subject, "", handler)
}

func (c *InMemoryClient) QueueSubscribe(subject, queue string, handler MessageHandler) (Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	s := &memSub{client: c, subject: subject, queue: queue, handler: handler, valid: true}
	c.subs = append(c.subs, s)
	return s, nil
}

// Published returns a copy of every message published so far.
func (c *InMemoryClient) Published() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.history...)
}

func (c *InMemoryClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for _, s := range c.subs {
		s.valid = false
	}
	c.subs = nil
	return nil
}

func (c *InMemoryClient) Drain() error { return c.Close() }

func (c *InMemoryClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}
