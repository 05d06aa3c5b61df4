package bus

import (
	"context"
	"strings"
	"sync"
)

// Memory is an in-process broker used by tests and local runs without a
// RabbitMQ instance. Deliveries go through one dispatch goroutine so
// per-topic ordering matches publish order.
type Memory struct {
	mu      sync.Mutex
	clients []*MemoryClient
	queue   chan delivery
	once    sync.Once
}

type delivery struct {
	topic   string
	payload []byte
}

func NewMemory() *Memory {
	m := &Memory{queue: make(chan delivery, 256)}
	go m.dispatch()
	return m
}

// Client attaches a participant (server or connector) to the broker.
func (m *Memory) Client(h Handler) *MemoryClient {
	c := &MemoryClient{broker: m, handler: h, subs: make(map[string]struct{})}
	m.mu.Lock()
	m.clients = append(m.clients, c)
	m.mu.Unlock()
	return c
}

func (m *Memory) Close() {
	m.once.Do(func() { close(m.queue) })
}

func (m *Memory) dispatch() {
	for d := range m.queue {
		m.mu.Lock()
		clients := make([]*MemoryClient, len(m.clients))
		copy(clients, m.clients)
		m.mu.Unlock()
		for _, c := range clients {
			if c.matches(d.topic) {
				c.handler(d.topic, d.payload)
			}
		}
	}
}

type MemoryClient struct {
	broker  *Memory
	handler Handler

	mu   sync.Mutex
	subs map[string]struct{}
}

func (c *MemoryClient) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p := make([]byte, len(payload))
	copy(p, payload)
	c.broker.queue <- delivery{topic: topic, payload: p}
	return nil
}

func (c *MemoryClient) Subscribe(topic string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[topic] = struct{}{}
	return nil
}

func (c *MemoryClient) Unsubscribe(topic string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, topic)
	return nil
}

func (c *MemoryClient) Close() error { return nil }

func (c *MemoryClient) matches(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for pattern := range c.subs {
		if topicMatches(pattern, topic) {
			return true
		}
	}
	return false
}

// topicMatches implements MQTT-style matching: "+" matches one level,
// "#" matches the rest of the topic.
func topicMatches(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	pp := strings.Split(pattern, "/")
	tp := strings.Split(topic, "/")
	for i, seg := range pp {
		if seg == "#" {
			return true
		}
		if i >= len(tp) {
			return false
		}
		if seg != "+" && seg != tp[i] {
			return false
		}
	}
	return len(pp) == len(tp)
}
