// Package brokertest provides an in-memory stand-in for an AMQP broker,
// implementing enough of the exchange/queue/prefetch/ack model that the
// pool initializer, bucket consumer, broadcast plane, and distributor
// can be exercised without a live broker. It follows the teacher's test
// philosophy (internal/shards/manager_test.go): no mocking framework,
// hand-rolled fakes, plain *testing.T assertions.
package brokertest

import (
	"context"
	"sync"
	"time"

	"github.com/lizongti/bucketdist/internal/broker"
)

// Broker is a shared, in-memory message broker. Multiple Connections
// opened against the same Broker observe the same queues and
// exchanges, exactly as multiple peers see the same real broker.
type Broker struct {
	mu        sync.Mutex
	queues    map[string]*fakeQueue
	exchanges map[string]*fakeExchange
	nextTag   uint64
}

// New creates an empty in-memory broker.
func New() *Broker {
	return &Broker{
		queues:    make(map[string]*fakeQueue),
		exchanges: make(map[string]*fakeExchange),
	}
}

type fakeQueue struct {
	mu         sync.Mutex
	cond       *sync.Cond
	name       string
	opts       broker.QueueOptions
	declared   bool
	exclusiveOwner *fakeConnection
	messages   []fakeMessage
}

type fakeMessage struct {
	body    []byte
	headers map[string]any
}

type fakeExchange struct {
	mu    sync.Mutex
	name  string
	bound []string
}

func (b *Broker) queue(name string) *fakeQueue {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		q = &fakeQueue{name: name}
		q.cond = sync.NewCond(&q.mu)
		b.queues[name] = q
	}
	return q
}

func (b *Broker) exchange(name string) *fakeExchange {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.exchanges[name]
	if !ok {
		e = &fakeExchange{name: name}
		b.exchanges[name] = e
	}
	return e
}

// QueueDepth returns the number of undelivered messages sitting in the
// named queue, for test assertions.
func (b *Broker) QueueDepth(name string) int {
	q := b.queue(name)
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}

// Connection opens a new logical connection to this broker. Each
// connection has its own identity for the purposes of exclusive-queue
// ownership, matching real AMQP semantics: a connection's exclusive
// queues are released when that connection closes.
func (b *Broker) Connection() broker.Connection {
	return &fakeConnection{broker: b}
}

type fakeConnection struct {
	broker *Broker
	mu     sync.Mutex
	closed bool
}

func (c *fakeConnection) Channel(ctx context.Context) (broker.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, broker.ErrBrokerUnavailable
	}
	return &fakeChannel{conn: c, broker: c.broker, pending: make(map[uint64]pendingDelivery)}, nil
}

func (c *fakeConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.broker.mu.Lock()
	for _, q := range c.broker.queues {
		q.mu.Lock()
		if q.exclusiveOwner == c {
			q.exclusiveOwner = nil
			q.declared = false
		}
		q.mu.Unlock()
	}
	c.broker.mu.Unlock()
	return nil
}

type pendingDelivery struct {
	queue   string
	message fakeMessage
}

type fakeChannel struct {
	conn   *fakeConnection
	broker *Broker

	mu       sync.Mutex
	prefetch int
	pending  map[uint64]pendingDelivery
	closed   bool

	consumersMu sync.Mutex
	consumers   map[string]*fakeConsumer
}

type fakeConsumer struct {
	tag     string
	queue   string
	handler broker.DeliveryHandler
	stopCh  chan struct{}
}

func (ch *fakeChannel) DeclareQueue(ctx context.Context, name string, opts broker.QueueOptions) error {
	q := ch.broker.queue(name)
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.declared {
		if q.opts != opts {
			return broker.ErrQueueConflict
		}
		if opts.Exclusive && q.exclusiveOwner != ch.conn {
			return broker.ErrLockContended
		}
		return nil
	}

	q.declared = true
	q.opts = opts
	if opts.Exclusive {
		q.exclusiveOwner = ch.conn
	}
	return nil
}

func (ch *fakeChannel) DeclareQueuePassive(ctx context.Context, name string) (bool, error) {
	q := ch.broker.queue(name)
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.declared, nil
}

func (ch *fakeChannel) DeleteQueue(ctx context.Context, name string) error {
	q := ch.broker.queue(name)
	q.mu.Lock()
	q.declared = false
	q.exclusiveOwner = nil
	q.messages = nil
	q.mu.Unlock()
	return nil
}

func (ch *fakeChannel) DeclareFanoutExchange(ctx context.Context, name string) error {
	ch.broker.exchange(name)
	return nil
}

func (ch *fakeChannel) Bind(ctx context.Context, queue, exchange string) error {
	ch.broker.queue(queue) // ensure it exists so publish can find it
	e := ch.broker.exchange(exchange)
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, q := range e.bound {
		if q == queue {
			return nil
		}
	}
	e.bound = append(e.bound, queue)
	return nil
}

func (ch *fakeChannel) Publish(ctx context.Context, exchange, routingKey string, body []byte, headers map[string]any) error {
	msg := fakeMessage{body: append([]byte(nil), body...), headers: headers}

	if exchange == "" {
		// default exchange: routing key addresses the queue directly.
		ch.enqueue(routingKey, msg)
		return nil
	}

	e := ch.broker.exchange(exchange)
	e.mu.Lock()
	targets := append([]string(nil), e.bound...)
	e.mu.Unlock()
	for _, q := range targets {
		ch.enqueue(q, msg)
	}
	return nil
}

func (ch *fakeChannel) enqueue(queueName string, msg fakeMessage) {
	q := ch.broker.queue(queueName)
	q.mu.Lock()
	q.messages = append(q.messages, msg)
	q.cond.Broadcast()
	q.mu.Unlock()
}

func (ch *fakeChannel) SetPrefetch(n int) error {
	if n < 1 {
		n = 1
	}
	ch.mu.Lock()
	ch.prefetch = n
	ch.mu.Unlock()
	return nil
}

func (ch *fakeChannel) outstanding() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return len(ch.pending)
}

func (ch *fakeChannel) Subscribe(ctx context.Context, queueName string, handler broker.DeliveryHandler) (string, error) {
	tag := ch.newConsumerTag()
	consumer := &fakeConsumer{tag: tag, queue: queueName, handler: handler, stopCh: make(chan struct{})}

	ch.consumersMu.Lock()
	if ch.consumers == nil {
		ch.consumers = make(map[string]*fakeConsumer)
	}
	ch.consumers[tag] = consumer
	ch.consumersMu.Unlock()

	q := ch.broker.queue(queueName)
	go ch.deliverLoop(q, consumer)
	return tag, nil
}

func (ch *fakeChannel) currentPrefetch() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.prefetch < 1 {
		return 1
	}
	return ch.prefetch
}

// deliverLoop pops messages for one consumer, respecting the channel's
// prefetch limit and waking promptly on either a fresh publish or a
// Cancel/Close of this consumer.
func (ch *fakeChannel) deliverLoop(q *fakeQueue, consumer *fakeConsumer) {
	for {
		select {
		case <-consumer.stopCh:
			return
		default:
		}

		limit := ch.currentPrefetch()
		if ch.outstanding() >= limit {
			select {
			case <-consumer.stopCh:
				return
			case <-time.After(5 * time.Millisecond):
			}
			continue
		}

		q.mu.Lock()
		for len(q.messages) == 0 {
			waiterDone := make(chan struct{})
			go func() {
				select {
				case <-consumer.stopCh:
					q.mu.Lock()
					q.cond.Broadcast()
					q.mu.Unlock()
				case <-waiterDone:
				}
			}()
			q.cond.Wait()
			close(waiterDone)
			select {
			case <-consumer.stopCh:
				q.mu.Unlock()
				return
			default:
			}
		}

		msg := q.messages[0]
		q.messages = q.messages[1:]
		q.mu.Unlock()

		tag := ch.nextDeliveryTag()
		ch.mu.Lock()
		ch.pending[tag] = pendingDelivery{queue: q.name, message: msg}
		ch.mu.Unlock()

		consumer.handler(broker.Delivery{DeliveryTag: tag, Headers: msg.headers, Body: msg.body})
	}
}

func (ch *fakeChannel) nextDeliveryTag() uint64 {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	ch.broker.nextTag++
	return ch.broker.nextTag
}

func (ch *fakeChannel) newConsumerTag() string {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	ch.broker.nextTag++
	return "fake-consumer-" + itoa(ch.broker.nextTag)
}

func itoa(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

func (ch *fakeChannel) Ack(deliveryTag uint64) error {
	ch.mu.Lock()
	delete(ch.pending, deliveryTag)
	ch.mu.Unlock()
	return nil
}

func (ch *fakeChannel) RejectRequeue(deliveryTag uint64) error {
	ch.mu.Lock()
	pd, ok := ch.pending[deliveryTag]
	delete(ch.pending, deliveryTag)
	ch.mu.Unlock()
	if !ok {
		return nil
	}
	ch.enqueue(pd.queue, pd.message)
	return nil
}

func (ch *fakeChannel) Cancel(consumerTag string) error {
	ch.consumersMu.Lock()
	consumer, ok := ch.consumers[consumerTag]
	if ok {
		delete(ch.consumers, consumerTag)
	}
	ch.consumersMu.Unlock()
	if ok {
		close(consumer.stopCh)
	}
	return nil
}

func (ch *fakeChannel) Recover(requeue bool) error {
	ch.mu.Lock()
	pending := ch.pending
	ch.pending = make(map[uint64]pendingDelivery)
	ch.mu.Unlock()

	if !requeue {
		return nil
	}
	for _, pd := range pending {
		ch.enqueue(pd.queue, pd.message)
	}
	return nil
}

func (ch *fakeChannel) Close() {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return
	}
	ch.closed = true
	ch.mu.Unlock()

	ch.consumersMu.Lock()
	consumers := ch.consumers
	ch.consumers = nil
	ch.consumersMu.Unlock()
	for _, c := range consumers {
		close(c.stopCh)
	}
}
