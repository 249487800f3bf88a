// Package gossip implements the fanout-based broadcast plane of
// spec.md §4.4: announce/retract/poll messages carried on a single
// fanout exchange, with one auto-named private queue per peer.
package gossip

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/lizongti/bucketdist/internal/broker"
)

const broadcastPrefetch = 10

// Handler processes one broadcast message from senderID.
type Handler func(senderID, message string)

// Consumer is a running broadcast subscription. Stop cancels the
// subscription and closes its channel.
type Consumer struct {
	channel     broker.Channel
	consumerTag string
	logger      *log.Logger
}

// Send publishes message to exchange on a short-lived channel, with
// peerID attached in the "peer-id" header so a receiver can identify
// (and, if it wants, ignore) its own broadcasts.
func Send(ctx context.Context, conn broker.Connection, exchange, peerID, message string) error {
	ch, err := conn.Channel(ctx)
	if err != nil {
		return fmt.Errorf("gossip: open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.DeclareFanoutExchange(ctx, exchange); err != nil {
		return fmt.Errorf("gossip: declare exchange: %w", err)
	}
	headers := map[string]any{"peer-id": peerID}
	if err := ch.Publish(ctx, exchange, "", []byte(message), headers); err != nil {
		return fmt.Errorf("gossip: publish: %w", err)
	}
	return nil
}

// StartConsumer declares exchange (fanout), binds a fresh auto-named
// exclusive queue to it, and subscribes handler to every message that
// arrives, including this peer's own broadcasts (fanout delivers a copy
// to every bound queue, this peer's included).
func StartConsumer(ctx context.Context, conn broker.Connection, exchange, ownQueueName string, handler Handler, logger *log.Logger) (*Consumer, error) {
	if logger == nil {
		logger = log.Default()
	}

	ch, err := conn.Channel(ctx)
	if err != nil {
		return nil, fmt.Errorf("gossip: open channel: %w", err)
	}

	if err := ch.DeclareFanoutExchange(ctx, exchange); err != nil {
		ch.Close()
		return nil, fmt.Errorf("gossip: declare exchange: %w", err)
	}
	if err := ch.DeclareQueue(ctx, ownQueueName, broker.QueueOptions{Durable: false, Exclusive: true, AutoDelete: true}); err != nil {
		ch.Close()
		return nil, fmt.Errorf("gossip: declare own queue: %w", err)
	}
	if err := ch.Bind(ctx, ownQueueName, exchange); err != nil {
		ch.Close()
		return nil, fmt.Errorf("gossip: bind: %w", err)
	}
	if err := ch.SetPrefetch(broadcastPrefetch); err != nil {
		ch.Close()
		return nil, fmt.Errorf("gossip: set prefetch: %w", err)
	}

	consumerTag, err := ch.Subscribe(ctx, ownQueueName, func(d broker.Delivery) {
		deliverSafely(ch, d, handler, logger)
	})
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("gossip: subscribe: %w", err)
	}

	return &Consumer{channel: ch, consumerTag: consumerTag, logger: logger}, nil
}

// deliverSafely calls handler and always acks the delivery afterward,
// even if handler panics or the sender is this same peer, so a single
// bad message never turns into a poison-message storm (spec.md §7,
// HandlerFailure).
func deliverSafely(ch broker.Channel, d broker.Delivery, handler Handler, logger *log.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Printf("gossip: handler panic: %v", r)
		}
		if err := ch.Ack(d.DeliveryTag); err != nil {
			logger.Printf("gossip: ack: %v", err)
		}
	}()

	senderID, _ := d.Headers["peer-id"].(string)
	handler(senderID, string(d.Body))
}

// Stop cancels the subscription and closes the channel. Errors are
// logged and otherwise swallowed.
func (c *Consumer) Stop() {
	if err := c.channel.Cancel(c.consumerTag); err != nil {
		c.logger.Printf("gossip: cancel: %v", err)
	}
	c.channel.Close()
}

// Message kinds recognized by the broadcast handler.
const (
	prefixAnnounce = "announce:"
	prefixRetract  = "retract:"
	messagePoll    = "poll"
)

// Announce formats an announce:<id> message.
func Announce(peerID string) string { return prefixAnnounce + peerID }

// Retract formats a retract:<id> message.
func Retract(peerID string) string { return prefixRetract + peerID }

// Poll is the literal poll message.
func Poll() string { return messagePoll }

// ParseAnnounce reports whether msg is an announce message and, if so,
// the announced peer id.
func ParseAnnounce(msg string) (peerID string, ok bool) {
	if !strings.HasPrefix(msg, prefixAnnounce) {
		return "", false
	}
	id := strings.TrimPrefix(msg, prefixAnnounce)
	if id == "" {
		return "", false
	}
	return id, true
}

// ParseRetract reports whether msg is a retract message and, if so,
// the retracted peer id.
func ParseRetract(msg string) (peerID string, ok bool) {
	if !strings.HasPrefix(msg, prefixRetract) {
		return "", false
	}
	id := strings.TrimPrefix(msg, prefixRetract)
	if id == "" {
		return "", false
	}
	return id, true
}

// IsPoll reports whether msg is the literal poll message.
func IsPoll(msg string) bool { return msg == messagePoll }
