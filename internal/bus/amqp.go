package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

// AMQP implements Transport on a RabbitMQ topic exchange. Slash-separated
// topics map to dot-separated routing keys; the MQTT-style wildcards "#"
// and "+" map to the AMQP "#" and "*".
type AMQP struct {
	conn     *amqp091.Connection
	ch       *amqp091.Channel
	exchange string
	queue    string
	msgs     <-chan amqp091.Delivery
	log      *slog.Logger

	mu   sync.Mutex // guards ch for bind/unbind
	done chan struct{}
}

type AMQPOptions struct {
	URL          string
	Exchange     string
	Queue        string
	DialAttempts int
	DialDelay    time.Duration
	Logger       *slog.Logger
}

const maxDialDelay = 60 * time.Second

// NewAMQP connects with exponential backoff and declares the topic
// exchange and an exclusive server queue. No messages are delivered
// until Start.
func NewAMQP(ctx context.Context, opts AMQPOptions) (*AMQP, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	conn, err := dialWithRetry(ctx, opts)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := ch.ExchangeDeclare(opts.Exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, err
	}
	q, err := ch.QueueDeclare(opts.Queue, false, true, true, false, nil)
	if err != nil {
		conn.Close()
		return nil, err
	}
	msgs, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &AMQP{
		conn:     conn,
		ch:       ch,
		exchange: opts.Exchange,
		queue:    q.Name,
		msgs:     msgs,
		log:      opts.Logger,
		done:     make(chan struct{}),
	}, nil
}

// Start begins delivering inbound messages to handler. Called after the
// handler's collaborators are fully wired; the deferred launch means the
// consume goroutine never observes a half-built handler.
func (t *AMQP) Start(handler Handler) {
	go consume(t.done, t.msgs, handler)
}

func consume(done <-chan struct{}, msgs <-chan amqp091.Delivery, handler Handler) {
	for {
		select {
		case <-done:
			return
		case d, ok := <-msgs:
			if !ok {
				return
			}
			handler(keyToTopic(d.RoutingKey), d.Body)
		}
	}
}

func (t *AMQP) Publish(ctx context.Context, topic string, payload []byte) error {
	// publishing gets its own short-lived channel so it never races
	// the consume channel
	ch, err := t.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()
	return ch.PublishWithContext(ctx, t.exchange, topicToKey(topic), false, false,
		amqp091.Publishing{
			ContentType: "application/json",
			Timestamp:   time.Now(),
			Body:        payload,
		},
	)
}

func (t *AMQP) Subscribe(topic string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ch.QueueBind(t.queue, topicToKey(topic), t.exchange, false, nil)
}

func (t *AMQP) Unsubscribe(topic string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ch.QueueUnbind(t.queue, topicToKey(topic), t.exchange, nil)
}

func (t *AMQP) Close() error {
	close(t.done)
	t.mu.Lock()
	_ = t.ch.Close()
	t.mu.Unlock()
	return t.conn.Close()
}

func topicToKey(topic string) string {
	key := strings.ReplaceAll(topic, "/", ".")
	return strings.ReplaceAll(key, "+", "*")
}

func keyToTopic(key string) string {
	topic := strings.ReplaceAll(key, ".", "/")
	return strings.ReplaceAll(topic, "*", "+")
}

func dialWithRetry(ctx context.Context, opts AMQPOptions) (*amqp091.Connection, error) {
	var lastErr error
	for i := 1; i <= opts.DialAttempts; i++ {
		conn, err := amqp091.Dial(opts.URL)
		if err == nil {
			if i > 1 {
				opts.Logger.Info("bus connected", slog.Int("attempt", i))
			}
			return conn, nil
		}
		lastErr = err

		sleep := opts.DialDelay * time.Duration(math.Pow(2, float64(i-1)))
		if sleep > maxDialDelay {
			sleep = maxDialDelay
		}
		opts.Logger.Warn("bus dial failed",
			slog.Int("attempt", i),
			slog.Duration("sleep", sleep),
			slog.Any("error", err),
		)

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, errors.New("bus dial cancelled: " + ctx.Err().Error())
		case <-timer.C:
		}
	}
	return nil, fmt.Errorf("bus dial failed after %d attempts: %w", opts.DialAttempts, lastErr)
}
