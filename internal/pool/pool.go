// Package pool seeds the shared bucket queue exactly once per cluster,
// using an exclusive-queue declaration on the broker as a mutual
// exclusion lock, per spec.md §4.2.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/lizongti/bucketdist/internal/broker"
)

// Init ensures bucketQueue exists and has been seeded with one message
// per entry of defaultBuckets, using ownerQueue as an exclusive-queue
// lock so only one peer across the cluster performs the seeding.
//
// Init is safe to call from every peer on startup: at most one caller
// across the whole cluster executes the critical section; everyone
// else observes the lock contended and returns promptly.
func Init(ctx context.Context, conn broker.Connection, ownerQueue, bucketQueue string, defaultBuckets []string, logger *log.Logger) error {
	if logger == nil {
		logger = log.Default()
	}

	attempt := uuid.NewString()
	ch, err := conn.Channel(ctx)
	if err != nil {
		return fmt.Errorf("pool: open lock channel: %w", err)
	}
	defer ch.Close()

	err = ch.DeclareQueue(ctx, ownerQueue, broker.QueueOptions{Durable: false, Exclusive: true, AutoDelete: false})
	if err != nil {
		if errors.Is(err, broker.ErrLockContended) {
			logger.Printf("pool: lock %s contended (attempt=%s), another peer is seeding", ownerQueue, attempt)
			return nil
		}
		return fmt.Errorf("pool: declare owner queue: %w", err)
	}
	logger.Printf("pool: acquired lock %s (attempt=%s)", ownerQueue, attempt)

	defer func() {
		if err := ch.DeleteQueue(ctx, ownerQueue); err != nil {
			logger.Printf("pool: release lock %s: %v", ownerQueue, err)
		}
	}()

	return seed(ctx, ch, bucketQueue, defaultBuckets, logger)
}

// seed is the critical section: passive-declare bucketQueue and return
// early if it already exists, otherwise declare it and publish one
// message per bucket name.
func seed(ctx context.Context, ch broker.Channel, bucketQueue string, defaultBuckets []string, logger *log.Logger) error {
	exists, err := ch.DeclareQueuePassive(ctx, bucketQueue)
	if err != nil {
		return fmt.Errorf("pool: passive declare %s: %w", bucketQueue, err)
	}
	if exists {
		logger.Printf("pool: bucket queue %s already seeded", bucketQueue)
		return nil
	}

	if err := ch.DeclareQueue(ctx, bucketQueue, broker.QueueOptions{Durable: false, Exclusive: false, AutoDelete: false}); err != nil {
		return fmt.Errorf("pool: declare bucket queue %s: %w", bucketQueue, err)
	}

	for _, name := range defaultBuckets {
		if err := ch.Publish(ctx, "", bucketQueue, []byte(name), nil); err != nil {
			return fmt.Errorf("pool: publish bucket %q: %w", name, err)
		}
	}
	logger.Printf("pool: seeded %s with %d buckets", bucketQueue, len(defaultBuckets))
	return nil
}
