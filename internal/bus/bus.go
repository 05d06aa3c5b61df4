// Package bus abstracts the publish/subscribe transport connecting the
// server to its connector workers. Topics are slash-separated strings;
// every inbound message is fanned out through a single dispatch handler.
package bus

import "context"

// Handler receives every inbound message delivered to this client.
type Handler func(topic string, payload []byte)

type Transport interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(topic string) error
	Unsubscribe(topic string) error
	Close() error
}
