// Package broker adapts the message-broker capabilities the bucket
// distributor needs (connections, channels, queues, exchanges,
// publish/subscribe, acknowledgement) behind a small interface, so the
// rest of the module never imports an AMQP client directly and can be
// exercised against an in-memory fake in tests.
package broker

import "context"

// QueueOptions mirrors the AMQP queue-declaration flags spec.md §4.1
// requires the gateway to expose.
type QueueOptions struct {
	Durable    bool
	Exclusive  bool
	AutoDelete bool
}

// Delivery is a single inbound message together with the metadata a
// caller needs to acknowledge or reject it.
type Delivery struct {
	DeliveryTag uint64
	Headers     map[string]any
	Body        []byte
}

// DeliveryHandler receives every delivery a subscription produces.
type DeliveryHandler func(Delivery)

// Connection is a live link to the broker. A Connection outlives the
// distributor that uses it; the distributor never closes a Connection
// it did not open itself.
type Connection interface {
	// Channel opens a fresh channel. Callers are responsible for
	// closing it on every exit path.
	Channel(ctx context.Context) (Channel, error)
	Close() error
}

// Channel is a single AMQP channel: the unit of queue/exchange
// declaration, publish, and subscription.
type Channel interface {
	DeclareQueue(ctx context.Context, name string, opts QueueOptions) error
	// DeclareQueuePassive probes for a queue's existence without
	// declaring it. It returns ErrQueueConflict-wrapped errors only if
	// the broker reports a parameter mismatch; a missing queue is
	// reported via the bool return, not an error.
	DeclareQueuePassive(ctx context.Context, name string) (exists bool, err error)
	DeleteQueue(ctx context.Context, name string) error

	DeclareFanoutExchange(ctx context.Context, name string) error
	Bind(ctx context.Context, queue, exchange string) error

	Publish(ctx context.Context, exchange, routingKey string, body []byte, headers map[string]any) error

	SetPrefetch(n int) error
	Subscribe(ctx context.Context, queue string, handler DeliveryHandler) (consumerTag string, err error)

	Ack(deliveryTag uint64) error
	RejectRequeue(deliveryTag uint64) error
	Cancel(consumerTag string) error
	Recover(requeue bool) error

	// Close is idempotent and never returns an error to callers; broker
	// protocol errors during teardown are logged by the implementation
	// and otherwise swallowed, per spec.md §7's best-effort teardown
	// discipline.
	Close()
}
