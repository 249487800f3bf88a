package consumer

import (
	"context"
	"testing"
	"time"

	"github.com/lizongti/bucketdist/internal/broker"
	"github.com/lizongti/bucketdist/internal/brokertest"
)

func seedQueue(t *testing.T, b *brokertest.Broker, queue string, names ...string) {
	t.Helper()
	conn := b.Connection()
	ctx := context.Background()
	ch, err := conn.Channel(ctx)
	if err != nil {
		t.Fatalf("channel: %v", err)
	}
	defer ch.Close()
	if err := ch.DeclareQueue(ctx, queue, broker.QueueOptions{}); err != nil {
		t.Fatalf("declare: %v", err)
	}
	for _, n := range names {
		if err := ch.Publish(ctx, "", queue, []byte(n), nil); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
}

func waitForBuckets(t *testing.T, c *Consumer, want int) map[string]struct{} {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		buckets := c.Buckets()
		if len(buckets) >= want {
			return buckets
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d buckets, last=%v", want, c.Buckets())
	return nil
}

func TestStartAcquiresSeededBuckets(t *testing.T) {
	b := brokertest.New()
	seedQueue(t, b, "cluster.bucket", "a", "b", "c")

	c := New(nil)
	ctx := context.Background()
	if err := c.Start(ctx, b.Connection(), "cluster.bucket", 3, "peer-1"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	buckets := waitForBuckets(t, c, 3)
	for _, want := range []string{"a", "b", "c"} {
		if _, ok := buckets[want]; !ok {
			t.Fatalf("buckets=%v missing %q", buckets, want)
		}
	}
}

func TestReleaseRequeuesToBroker(t *testing.T) {
	b := brokertest.New()
	seedQueue(t, b, "cluster.bucket", "a", "b")

	c1 := New(nil)
	ctx := context.Background()
	if err := c1.Start(ctx, b.Connection(), "cluster.bucket", 2, "peer-1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	buckets := waitForBuckets(t, c1, 2)
	c1.Release(buckets)

	if got := b.QueueDepth("cluster.bucket"); got != 2 {
		t.Fatalf("QueueDepth after release = %d, want 2", got)
	}
}

func TestStopDrainsBeforeClosing(t *testing.T) {
	b := brokertest.New()
	seedQueue(t, b, "cluster.bucket", "a", "b")

	c := New(nil)
	ctx := context.Background()
	if err := c.Start(ctx, b.Connection(), "cluster.bucket", 2, "peer-1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	buckets := waitForBuckets(t, c, 2)

	stopped := make(chan struct{})
	go func() {
		c.Stop(false)
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatalf("Stop returned before active buckets were released")
	case <-time.After(200 * time.Millisecond):
	}

	c.Release(buckets)

	select {
	case <-stopped:
	case <-time.After(3 * time.Second):
		t.Fatalf("Stop did not return after release")
	}

	if got := b.QueueDepth("cluster.bucket"); got != 2 {
		t.Fatalf("QueueDepth after drain = %d, want 2", got)
	}
}

func TestForceStopAbandonsActiveBuckets(t *testing.T) {
	b := brokertest.New()
	seedQueue(t, b, "cluster.bucket", "a", "b")

	c := New(nil)
	ctx := context.Background()
	if err := c.Start(ctx, b.Connection(), "cluster.bucket", 2, "peer-1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForBuckets(t, c, 2)

	done := make(chan struct{})
	go func() {
		c.Stop(true)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("force Stop did not return promptly")
	}

	// Recover(requeue=true) on close should return the abandoned
	// deliveries to the queue.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if b.QueueDepth("cluster.bucket") == 2 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("QueueDepth after force stop = %d, want 2", b.QueueDepth("cluster.bucket"))
}
