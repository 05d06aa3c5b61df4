// Package correlator turns fire-and-forget bus messages into awaitable
// call/response pairs. A call publishes on its topic and waits on
// {topic}/response; {topic}/keepalive messages extend the deadline
// without resolving the call.
package correlator

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/team-moca/moca-server/internal/bus"
	"github.com/team-moca/moca-server/internal/observability"
)

var (
	// ErrTimeout means no response and no keepalive arrived within the
	// deadline. Surfaces as a gateway timeout at the HTTP boundary.
	ErrTimeout = errors.New("connector did not answer in time")

	// ErrCallPending rejects a second call on a topic that already has a
	// waiter. Correlation ids in call topics make this a caller bug, not
	// a race to arbitrate.
	ErrCallPending = errors.New("call already pending for topic")
)

// respBuffer bounds how far chunk delivery may run ahead of the waiter.
const respBuffer = 64

type pendingCall struct {
	resp     chan json.RawMessage
	activity chan struct{}
}

// Pool tracks pending calls keyed by topic. Handle must be wired as the
// transport's dispatch handler (directly or via a topic mux).
type Pool struct {
	transport bus.Transport
	log       *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingCall
}

func New(transport bus.Transport, log *slog.Logger) *Pool {
	if log == nil {
		log = slog.Default()
	}
	return &Pool{
		transport: transport,
		log:       log,
		pending:   make(map[string]*pendingCall),
	}
}

// Get publishes payload on topic and waits for the response, up to
// timeout after the last bus activity for this call.
func (p *Pool) Get(ctx context.Context, topic string, payload any, timeout time.Duration) (json.RawMessage, error) {
	call, cleanup, err := p.open(topic)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	if err := p.publish(ctx, topic, payload); err != nil {
		observability.BusCalls.WithLabelValues(verb(topic), "publish_error").Inc()
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case raw := <-call.resp:
			observability.BusCalls.WithLabelValues(verb(topic), "ok").Inc()
			return raw, nil
		case <-call.activity:
			resetTimer(timer, timeout)
		case <-timer.C:
			observability.BusCalls.WithLabelValues(verb(topic), "timeout").Inc()
			return nil, fmt.Errorf("%w: %s", ErrTimeout, topic)
		case <-ctx.Done():
			observability.BusCalls.WithLabelValues(verb(topic), "cancelled").Inc()
			return nil, ctx.Err()
		}
	}
}

type chunkEnvelope struct {
	Data     string `json:"data"`
	Filename string `json:"filename"`
	Mime     string `json:"mime"`
}

// GetBytes is the chunked variant for media transfer. Response messages
// carry a base64 "data" chunk (which also acts as a keepalive); a message
// without data terminates the stream and carries filename and mime type.
func (p *Pool) GetBytes(ctx context.Context, topic string, payload any, timeout time.Duration) (filename, mime string, data []byte, err error) {
	call, cleanup, err := p.open(topic)
	if err != nil {
		return "", "", nil, err
	}
	defer cleanup()

	if err := p.publish(ctx, topic, payload); err != nil {
		observability.BusCalls.WithLabelValues(verb(topic), "publish_error").Inc()
		return "", "", nil, err
	}

	var buf bytes.Buffer
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case raw := <-call.resp:
			var env chunkEnvelope
			if err := json.Unmarshal(raw, &env); err != nil {
				// a malformed chunk must not corrupt the accumulator
				p.log.Warn("discarding malformed chunk", "topic", topic, "err", err)
				continue
			}
			if env.Data == "" {
				observability.BusCalls.WithLabelValues(verb(topic), "ok").Inc()
				return env.Filename, env.Mime, buf.Bytes(), nil
			}
			chunk, err := base64.StdEncoding.DecodeString(env.Data)
			if err != nil {
				p.log.Warn("discarding undecodable chunk", "topic", topic, "err", err)
				continue
			}
			buf.Write(chunk)
			resetTimer(timer, timeout)
		case <-call.activity:
			resetTimer(timer, timeout)
		case <-timer.C:
			observability.BusCalls.WithLabelValues(verb(topic), "timeout").Inc()
			return "", "", nil, fmt.Errorf("%w: %s", ErrTimeout, topic)
		case <-ctx.Done():
			observability.BusCalls.WithLabelValues(verb(topic), "cancelled").Inc()
			return "", "", nil, ctx.Err()
		}
	}
}

// Handle dispatches one inbound bus message. O(1): suffix check plus one
// map lookup. Messages for topics with no pending call are dropped.
func (p *Pool) Handle(topic string, payload []byte) {
	if base, ok := strings.CutSuffix(topic, "/response"); ok {
		p.mu.Lock()
		call := p.pending[base]
		p.mu.Unlock()
		if call == nil {
			return // late or stray response
		}
		raw := make(json.RawMessage, len(payload))
		copy(raw, payload)
		select {
		case call.resp <- raw:
		default:
			p.log.Warn("response buffer full, dropping message", "topic", base)
		}
		return
	}
	if base, ok := strings.CutSuffix(topic, "/keepalive"); ok {
		p.mu.Lock()
		call := p.pending[base]
		p.mu.Unlock()
		if call == nil {
			return
		}
		select {
		case call.activity <- struct{}{}:
		default: // a pending reset is already queued
		}
	}
}

func (p *Pool) open(topic string) (*pendingCall, func(), error) {
	p.mu.Lock()
	if _, exists := p.pending[topic]; exists {
		p.mu.Unlock()
		return nil, nil, fmt.Errorf("%w: %s", ErrCallPending, topic)
	}
	call := &pendingCall{
		resp:     make(chan json.RawMessage, respBuffer),
		activity: make(chan struct{}, 1),
	}
	p.pending[topic] = call
	p.mu.Unlock()
	observability.CallsInFlight.Inc()

	if err := p.transport.Subscribe(topic + "/response"); err != nil {
		p.discard(topic)
		return nil, nil, err
	}
	if err := p.transport.Subscribe(topic + "/keepalive"); err != nil {
		_ = p.transport.Unsubscribe(topic + "/response")
		p.discard(topic)
		return nil, nil, err
	}

	cleanup := func() {
		// unsubscribe on every exit path so a stale late response
		// cannot resolve a no-longer-awaited slot
		if err := p.transport.Unsubscribe(topic + "/response"); err != nil {
			p.log.Warn("unsubscribe failed", "topic", topic, "err", err)
		}
		if err := p.transport.Unsubscribe(topic + "/keepalive"); err != nil {
			p.log.Warn("unsubscribe failed", "topic", topic, "err", err)
		}
		p.discard(topic)
	}
	return call, cleanup, nil
}

func (p *Pool) discard(topic string) {
	p.mu.Lock()
	delete(p.pending, topic)
	p.mu.Unlock()
	observability.CallsInFlight.Dec()
}

func (p *Pool) publish(ctx context.Context, topic string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return p.transport.Publish(ctx, topic, body)
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

func verb(topic string) string {
	if i := strings.LastIndexByte(topic, '/'); i >= 0 {
		return topic[i+1:]
	}
	return topic
}
