package distributor

import (
	"context"
	"log"
	"testing"
	"time"

	"github.com/lizongti/bucketdist/internal/brokertest"
)

type fixedRng struct{ n int }

func (r fixedRng) Intn(n int) int { return r.n % n }

func testOptions(rngSeed int, sched Scheduler) Options {
	return Options{
		PeersPeriod:      time.Hour,
		ExpirationPeriod: time.Hour,
		PartitionDelay:   time.Hour,
		PartitionPeriod:  time.Hour,
		Logger:           log.New(discard{}, "", 0),
		Rng:              fixedRng{n: rngSeed},
		Scheduler:        sched,
	}
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	if !cond() {
		t.Fatalf("condition not met within %s", timeout)
	}
}

func TestStartAcquiresDefaultBucketsSoloPeer(t *testing.T) {
	b := brokertest.New()
	sched := newManualScheduler()

	d, err := Start(context.Background(), b.Connection(), "cluster1", []string{"b1", "b2", "b3"}, testOptions(0, sched))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer d.Stop()

	waitFor(t, time.Second, func() bool { return len(d.Acquire()) == 3 })
}

func TestPartitionSizeSplitsAcrossTwoPeers(t *testing.T) {
	b := brokertest.New()
	buckets := []string{"b1", "b2", "b3", "b4"}

	schedA := newManualScheduler()
	dA, err := Start(context.Background(), b.Connection(), "cluster2", buckets, testOptions(0, schedA))
	if err != nil {
		t.Fatalf("start peer A: %v", err)
	}
	defer dA.Stop()

	schedB := newManualScheduler()
	dB, err := Start(context.Background(), b.Connection(), "cluster2", buckets, testOptions(1, schedB))
	if err != nil {
		t.Fatalf("start peer B: %v", err)
	}
	defer dB.Stop()

	// Simulate the gossip exchange each peer would eventually observe:
	// deliver each peer's announce into the other's cluster state
	// directly, since the fake broker's fanout is real but timing across
	// two independently-scheduled peers is not what this test measures.
	dA.handleBroadcast(dB.PeerID(), "announce:"+dB.PeerID())
	dB.handleBroadcast(dA.PeerID(), "announce:"+dA.PeerID())

	schedA.firePartitions()
	schedB.firePartitions()

	waitFor(t, time.Second, func() bool {
		return dA.cell.Get().PartitionSize == 2 && dB.cell.Get().PartitionSize == 2
	})
}

func TestPeerExpirationDropsStaleAnnounce(t *testing.T) {
	b := brokertest.New()
	sched := newManualScheduler()
	opts := testOptions(0, sched)
	opts.ExpirationPeriod = -time.Nanosecond // everything is immediately stale once re-swept

	d, err := Start(context.Background(), b.Connection(), "cluster3", []string{"b1"}, opts)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer d.Stop()

	d.handleBroadcast("peer-x", "announce:peer-x")
	if _, ok := d.cell.Get().Peers["peer-x"]; !ok {
		t.Fatalf("expected peer-x recorded before sweep")
	}

	sched.firePeers()
	waitFor(t, time.Second, func() bool {
		_, ok := d.cell.Get().Peers["peer-x"]
		return !ok
	})
}

func TestRetractRemovesPeerImmediately(t *testing.T) {
	b := brokertest.New()
	sched := newManualScheduler()
	d, err := Start(context.Background(), b.Connection(), "cluster4", []string{"b1"}, testOptions(0, sched))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer d.Stop()

	d.handleBroadcast("peer-y", "announce:peer-y")
	d.handleBroadcast("peer-y", "retract:peer-y")

	if _, ok := d.cell.Get().Peers["peer-y"]; ok {
		t.Fatalf("expected peer-y removed after retract")
	}
}

func TestReleaseReturnsBucketForReacquire(t *testing.T) {
	b := brokertest.New()
	sched := newManualScheduler()
	d, err := Start(context.Background(), b.Connection(), "cluster5", []string{"only"}, testOptions(0, sched))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer d.Stop()

	waitFor(t, time.Second, func() bool { return len(d.Acquire()) == 1 })
	d.Release(map[string]struct{}{"only": {}})
	waitFor(t, time.Second, func() bool { return len(d.Acquire()) == 1 })
}

func TestUnknownBroadcastMessageIgnored(t *testing.T) {
	b := brokertest.New()
	sched := newManualScheduler()
	d, err := Start(context.Background(), b.Connection(), "cluster6", []string{"b1"}, testOptions(0, sched))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer d.Stop()

	before := d.cell.Get()
	d.handleBroadcast("peer-z", "garbage-message")
	after := d.cell.Get()
	if len(before.Peers) != len(after.Peers) {
		t.Fatalf("unknown message mutated peer set: before=%v after=%v", before.Peers, after.Peers)
	}
}

func TestPartitionSizeHelper(t *testing.T) {
	cases := []struct{ buckets, peers, want int }{
		{10, 0, 1},
		{10, 1, 10},
		{10, 3, 3},
		{1, 5, 1},
	}
	for _, c := range cases {
		if got := partitionSize(c.buckets, c.peers); got != c.want {
			t.Errorf("partitionSize(%d,%d) = %d, want %d", c.buckets, c.peers, got, c.want)
		}
	}
}
