// Package consumer implements the per-peer bucket-consumer state
// machine of spec.md §4.3: a broker subscription that tracks incoming
// deliveries, the buckets currently exposed to the client, and buckets
// pending broker-level release, with quiesce-then-stop shutdown.
package consumer

import (
	"context"
	"fmt"
	"log"

	"github.com/lizongti/bucketdist/internal/broker"
	"github.com/lizongti/bucketdist/internal/cell"
)

// Status is one of the three bucket-consumer lifecycle states.
type Status int

const (
	Running Status = iota
	Stopping
	Stopped
)

func (s Status) String() string {
	switch s {
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// item is a (bucket name, broker delivery tag) pair, the unit tracked
// across the incoming/active/released lists.
type item struct {
	name string
	tag  uint64
}

// State is the immutable snapshot held in a Cell. Every transition
// replaces it wholesale via Cell.Swap; nothing outside this package
// mutates a State's slices in place.
type State struct {
	InstanceID string
	Status     Status

	channel     broker.Channel
	consumerTag string

	incoming []item
	active   []item
	released []item
}

// Consumer is the external handle returned by Start. Its identity is
// stable across restarts: Start on an existing Consumer replaces the
// channel, subscription, and lists but keeps this pointer valid for
// callers holding it.
type Consumer struct {
	cell        *cell.Cell[State]
	drainSignal chan struct{}
	logger      *log.Logger
}

// New creates a Consumer in the Stopped state. Call Start to begin
// consuming.
func New(logger *log.Logger) *Consumer {
	if logger == nil {
		logger = log.Default()
	}
	c := &Consumer{
		cell:   cell.New(State{Status: Stopped}),
		logger: logger,
	}
	c.cell.Watch(c.onStateChange)
	return c
}

// Start opens a channel on conn, sets prefetch, and subscribes to
// queueName. It replaces this Consumer's channel, subscription, and
// lists even if Start was called before; the returned error is nil
// unless the broker refuses the channel or subscription.
func (c *Consumer) Start(ctx context.Context, conn broker.Connection, queueName string, prefetch int, instanceID string) error {
	ch, err := conn.Channel(ctx)
	if err != nil {
		return fmt.Errorf("consumer: open channel: %w", err)
	}
	if err := ch.SetPrefetch(prefetch); err != nil {
		ch.Close()
		return fmt.Errorf("consumer: set prefetch: %w", err)
	}

	drain := make(chan struct{}, 1)
	c.drainSignal = drain

	consumerTag, err := ch.Subscribe(ctx, queueName, func(d broker.Delivery) {
		c.onDelivery(ch, d)
	})
	if err != nil {
		ch.Close()
		return fmt.Errorf("consumer: subscribe: %w", err)
	}

	c.cell.Swap(func(State) State {
		return State{
			InstanceID:  instanceID,
			Status:      Running,
			channel:     ch,
			consumerTag: consumerTag,
		}
	})
	c.logger.Printf("consumer[%s]: started on %s prefetch=%d", instanceID, queueName, prefetch)
	return nil
}

// onDelivery is the Subscribe callback for the channel opened by a
// single Start call. Start-Stop-Start replaces both the channel and the
// Cell's State wholesale, but a subscription cancelled during Stop can
// still flush one more buffered delivery through this closure after the
// next Start has already installed a new channel and generation. ch
// pins the channel this callback was registered against, so a delivery
// arriving after its generation has been superseded is dropped instead
// of being appended to a State it doesn't belong to — appending it
// would let a later Release call RejectRequeue with a delivery tag
// scoped to the wrong (closed) channel.
func (c *Consumer) onDelivery(ch broker.Channel, d broker.Delivery) {
	name := string(d.Body)
	c.cell.Swap(func(s State) State {
		if s.channel != ch {
			return s
		}
		s.incoming = append(append([]item(nil), s.incoming...), item{name: name, tag: d.DeliveryTag})
		return s
	})
}

// Buckets returns the current set of active bucket names, promoting
// every pending incoming delivery to active first if the consumer is
// still running.
func (c *Consumer) Buckets() map[string]struct{} {
	_, s := c.cell.Swap(func(s State) State {
		if s.Status != Running {
			return s
		}
		s.active = append(append([]item(nil), s.active...), s.incoming...)
		s.incoming = nil
		return s
	})
	return namesOf(s.active)
}

// Release moves every active bucket whose name is in names into the
// released list, then asks the broker to reject-with-requeue each of
// those deliveries. Broker failures during requeue are logged, not
// returned, per spec.md §7.
func (c *Consumer) Release(names map[string]struct{}) {
	_, s := c.cell.Swap(func(s State) State {
		var kept, released []item
		for _, it := range s.active {
			if _, ok := names[it.name]; ok {
				released = append(released, it)
			} else {
				kept = append(kept, it)
			}
		}
		s.active = kept
		s.released = append(append([]item(nil), s.released...), released...)
		return s
	})

	ch := s.channel
	if ch == nil {
		return
	}
	for _, it := range s.released {
		if _, ok := names[it.name]; !ok {
			continue
		}
		if err := ch.RejectRequeue(it.tag); err != nil {
			c.logger.Printf("consumer[%s]: reject-requeue %s (tag=%d): %v", s.InstanceID, it.name, it.tag, err)
		}
	}
	// The released items we just requeued are now the broker's problem;
	// drop them from our own bookkeeping so a future Stop doesn't wait
	// on deliveries that are already gone.
	c.cell.Swap(func(s State) State {
		s.released = removeNames(s.released, names)
		return s
	})
}

// Stop quiesces the consumer: if force is true, or active is already
// empty, it transitions straight to Stopped; otherwise it blocks until
// every active bucket has been released via Release, then stops.
func (c *Consumer) Stop(force bool) {
	for {
		_, s := c.cell.Swap(func(s State) State {
			if s.Status == Stopped {
				return s
			}
			if len(s.active) == 0 || force {
				s.Status = Stopped
				s.incoming = nil
				s.released = nil
				return s
			}
			s.Status = Stopping
			return s
		})

		if s.Status == Stopped {
			return
		}

		<-c.drainSignal
	}
}

// onStateChange implements the state-change watcher table of
// spec.md §4.3.
func (c *Consumer) onStateChange(old, new State) {
	if new.Status == Stopping && len(new.active) == 0 {
		select {
		case c.drainSignal <- struct{}{}:
		default:
		}
		return
	}

	if new.Status == Stopped && old.Status != Stopped {
		ch := old.channel
		if ch == nil {
			return
		}
		if err := ch.Cancel(old.consumerTag); err != nil {
			c.logger.Printf("consumer[%s]: cancel: %v", old.InstanceID, err)
		}
		if err := ch.Recover(true); err != nil {
			c.logger.Printf("consumer[%s]: recover: %v", old.InstanceID, err)
		}
		ch.Close()
	}
}

// StatusString returns the current lifecycle status as a lowercase
// string, for diagnostic snapshots.
func (c *Consumer) StatusString() string {
	return c.cell.Get().Status.String()
}

func namesOf(items []item) map[string]struct{} {
	out := make(map[string]struct{}, len(items))
	for _, it := range items {
		out[it.name] = struct{}{}
	}
	return out
}

func removeNames(items []item, names map[string]struct{}) []item {
	var out []item
	for _, it := range items {
		if _, ok := names[it.name]; ok {
			continue
		}
		out = append(out, it)
	}
	return out
}
