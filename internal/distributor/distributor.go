// Package distributor composes the broker gateway, pool initializer,
// bucket consumer, and broadcast plane into the peer-local orchestrator
// of spec.md §4.5: it holds peer identity and cluster-view state, runs
// the self-announce/expiration and partition-size-recompute periodic
// tasks, and restarts the bucket consumer with a new prefetch whenever
// the computed per-peer share changes.
package distributor

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lizongti/bucketdist/internal/broker"
	"github.com/lizongti/bucketdist/internal/cell"
	"github.com/lizongti/bucketdist/internal/consumer"
	"github.com/lizongti/bucketdist/internal/gossip"
	"github.com/lizongti/bucketdist/internal/peerid"
	"github.com/lizongti/bucketdist/internal/pool"
)

// ClusterState is the per-peer view of cluster membership and the
// current per-peer share, per spec.md §3.
type ClusterState struct {
	Peers         map[string]int64 // peer id -> last-seen epoch millis
	PartitionSize int
	Shutdown      bool
}

func (s ClusterState) clone() ClusterState {
	peers := make(map[string]int64, len(s.Peers))
	for k, v := range s.Peers {
		peers[k] = v
	}
	s.Peers = peers
	return s
}

// Snapshot is a read-only view of a Distributor for diagnostics.
type Snapshot struct {
	PeerID         string   `json:"peerId"`
	Peers          []string `json:"peers"`
	PartitionSize  int      `json:"partitionSize"`
	ActiveBuckets  []string `json:"activeBuckets"`
	ConsumerStatus string   `json:"consumerStatus"`
	BucketQueue    string   `json:"bucketQueue"`
	BroadcastTopic string   `json:"broadcastExchange"`
}

// Distributor is the running peer-local orchestrator returned by Start.
type Distributor struct {
	peerID      string
	conn        broker.Connection
	clusterName string

	ownerQueue        string
	bucketQueue       string
	broadcastExchange string
	ownGossipQueue    string

	defaultBuckets []string
	options        Options

	cell    *cell.Cell[ClusterState]
	bucket  *consumer.Consumer
	gossipC *gossip.Consumer

	ctx    context.Context
	cancel context.CancelFunc

	stopPeersTask     func()
	stopPartitionTask func()

	events chan stateEvent
	wg     sync.WaitGroup
}

type stateEvent struct {
	old, new ClusterState
}

// Start bootstraps a distributor: it derives the broker topology names
// from clusterName, generates this peer's identity, runs the pool
// initializer, starts the bucket consumer and broadcast plane, and
// schedules the two periodic tasks described in spec.md §4.5.
func Start(ctx context.Context, conn broker.Connection, clusterName string, defaultBuckets []string, opts Options) (*Distributor, error) {
	opts = opts.withDefaults()

	words := peerid.Words()
	rng := opts.Rng
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	id, err := peerid.Generate(rng, words)
	if err != nil {
		return nil, fmt.Errorf("distributor: generate peer id: %w", err)
	}

	ownerQueue := clusterName + ".bucket.owner"
	bucketQueue := clusterName + ".bucket"
	broadcastExchange := clusterName + ".bucket.broadcast"
	ownGossipQueue := broadcastExchange + ".peer." + uuid.NewString()

	if err := pool.Init(ctx, conn, ownerQueue, bucketQueue, defaultBuckets, opts.Logger); err != nil {
		return nil, fmt.Errorf("distributor: init pool: %w", err)
	}

	dctx, cancel := context.WithCancel(context.Background())

	d := &Distributor{
		peerID:            id,
		conn:              conn,
		clusterName:       clusterName,
		ownerQueue:        ownerQueue,
		bucketQueue:       bucketQueue,
		broadcastExchange: broadcastExchange,
		ownGossipQueue:    ownGossipQueue,
		defaultBuckets:    defaultBuckets,
		options:           opts,
		cell:              cell.New(ClusterState{Peers: map[string]int64{}, PartitionSize: 1}),
		bucket:            consumer.New(opts.Logger),
		ctx:               dctx,
		cancel:            cancel,
		events:            make(chan stateEvent, 64),
	}

	if err := d.bucket.Start(dctx, conn, bucketQueue, 1, id); err != nil {
		cancel()
		return nil, fmt.Errorf("distributor: start bucket consumer: %w", err)
	}

	d.cell.Watch(d.enqueueEvent)
	d.wg.Add(1)
	go d.runEventLoop()

	gc, err := gossip.StartConsumer(dctx, conn, broadcastExchange, ownGossipQueue, d.handleBroadcast, opts.Logger)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("distributor: start broadcast consumer: %w", err)
	}
	d.gossipC = gc

	if err := gossip.Send(dctx, conn, broadcastExchange, id, gossip.Poll()); err != nil {
		opts.Logger.Printf("distributor[%s]: initial poll broadcast failed: %v", id, err)
	}

	d.stopPeersTask = opts.Scheduler.Schedule(0, opts.PeersPeriod, d.updatePeers)
	d.stopPartitionTask = opts.Scheduler.Schedule(opts.PartitionDelay, opts.PartitionPeriod, d.updatePartitions)

	opts.Logger.Printf("distributor[%s]: started for cluster %q with %d default buckets", id, clusterName, len(defaultBuckets))
	return d, nil
}

// PeerID returns this peer's generated identity.
func (d *Distributor) PeerID() string { return d.peerID }

// Acquire returns the current set of active bucket names.
func (d *Distributor) Acquire() map[string]struct{} {
	return d.bucket.Buckets()
}

// Release returns the named buckets to the broker.
func (d *Distributor) Release(names map[string]struct{}) {
	d.bucket.Release(names)
}

// Snapshot returns a diagnostic view suitable for JSON serialization.
func (d *Distributor) Snapshot() Snapshot {
	state := d.cell.Get()
	peers := make([]string, 0, len(state.Peers))
	for p := range state.Peers {
		peers = append(peers, p)
	}
	active := d.bucket.Buckets()
	activeNames := make([]string, 0, len(active))
	for n := range active {
		activeNames = append(activeNames, n)
	}
	return Snapshot{
		PeerID:         d.peerID,
		Peers:          peers,
		PartitionSize:  state.PartitionSize,
		ActiveBuckets:  activeNames,
		ConsumerStatus: d.bucket.StatusString(),
		BucketQueue:    d.bucketQueue,
		BroadcastTopic: d.broadcastExchange,
	}
}

// Stop cancels the periodic tasks, stops the broadcast consumer, drains
// and stops the bucket consumer, and broadcasts a final retract.
//
// stopPeersTask/stopPartitionTask block until their scheduler goroutine
// has actually exited, so no updatePeers/updatePartitions call can still
// be in flight (and about to Swap the cluster-state Cell) once Stop
// moves on; runEventLoop itself is torn down via ctx cancellation rather
// than closing d.events, so a broadcast handler racing this shutdown
// (gossipC.Stop does not wait for an in-flight delivery either) can
// never send on an already-closed channel.
func (d *Distributor) Stop() {
	d.stopPeersTask()
	d.stopPartitionTask()

	d.cell.Swap(func(s ClusterState) ClusterState {
		s.Shutdown = true
		return s
	})

	d.gossipC.Stop()
	d.bucket.Stop(false)

	if err := gossip.Send(context.Background(), d.conn, d.broadcastExchange, d.peerID, gossip.Retract(d.peerID)); err != nil {
		d.options.Logger.Printf("distributor[%s]: retract broadcast failed: %v", d.peerID, err)
	}

	d.cancel()
	d.wg.Wait()
}

// updatePeers broadcasts this peer's announce and sweeps expired peers.
// Exceptions are swallowed and logged, per spec.md §4.5 step 8.
func (d *Distributor) updatePeers(ctx context.Context) {
	if err := gossip.Send(ctx, d.conn, d.broadcastExchange, d.peerID, gossip.Announce(d.peerID)); err != nil {
		d.options.Logger.Printf("distributor[%s]: announce broadcast failed: %v", d.peerID, err)
	}

	expiry := d.options.ExpirationPeriod
	d.cell.Swap(func(s ClusterState) ClusterState {
		s = s.clone()
		cutoff := nowMillis() - expiry.Milliseconds()
		for id, lastSeen := range s.Peers {
			if lastSeen < cutoff {
				delete(s.Peers, id)
			}
		}
		return s
	})
}

// updatePartitions recomputes the per-peer share per spec.md §3 and §9.
func (d *Distributor) updatePartitions(ctx context.Context) {
	d.cell.Swap(func(s ClusterState) ClusterState {
		s.PartitionSize = partitionSize(len(d.defaultBuckets), len(s.Peers))
		return s
	})
}

// partitionSize implements spec.md's "partition_size =
// max(1, floor(|default_buckets| / |peers|))", with the |peers| = 0
// boundary (before the first self-announce completes) clamped to 1.
func partitionSize(numBuckets, numPeers int) int {
	if numPeers <= 0 {
		return 1
	}
	size := numBuckets / numPeers
	if size < 1 {
		size = 1
	}
	return size
}

// handleBroadcast implements the broadcast handler of spec.md §4.5.2.
// It is invoked for every message on the broadcast exchange, including
// this peer's own, so a self-announce is idempotently reflected in
// local state (spec.md §4.5.2's final sentence).
func (d *Distributor) handleBroadcast(senderID, body string) {
	if id, ok := gossip.ParseAnnounce(body); ok {
		now := nowMillis()
		d.cell.Swap(func(s ClusterState) ClusterState {
			s = s.clone()
			s.Peers[id] = now
			return s
		})
		return
	}
	if id, ok := gossip.ParseRetract(body); ok {
		d.cell.Swap(func(s ClusterState) ClusterState {
			s = s.clone()
			delete(s.Peers, id)
			return s
		})
		return
	}
	if gossip.IsPoll(body) {
		if err := gossip.Send(d.ctx, d.conn, d.broadcastExchange, d.peerID, gossip.Announce(d.peerID)); err != nil {
			d.options.Logger.Printf("distributor[%s]: poll-response announce failed: %v", d.peerID, err)
		}
		return
	}
	// Unknown message kind: ignore, per spec.md §4.5.2.
}

// enqueueEvent is the cluster-state Cell's watcher. It only forwards
// the transition onto an event channel consumed by a single goroutine
// (runEventLoop), so the partition-size listener's potentially
// blocking side effects (stopping and restarting the bucket consumer)
// never run synchronously inside a Cell.Swap call, per the "explicit
// event channel" guidance of spec.md §9.
func (d *Distributor) enqueueEvent(old, new ClusterState) {
	select {
	case d.events <- stateEvent{old: old, new: new}:
	case <-d.ctx.Done():
	default:
		d.options.Logger.Printf("distributor[%s]: event queue full, dropping a cluster-state transition", d.peerID)
	}
}

// runEventLoop exits on ctx cancellation rather than on d.events being
// closed: Stop never closes d.events, since a watcher-originated send
// (from a broadcast handler racing shutdown, or a scheduled task) could
// otherwise land on an already-closed channel and panic.
func (d *Distributor) runEventLoop() {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case ev := <-d.events:
			d.partitionSizeListener(ev.old, ev.new)
		}
	}
}

// partitionSizeListener implements spec.md §4.5.1.
func (d *Distributor) partitionSizeListener(old, new ClusterState) {
	switch {
	case new.PartitionSize != old.PartitionSize:
		d.options.Logger.Printf("distributor[%s]: partition size %d -> %d", d.peerID, old.PartitionSize, new.PartitionSize)
		d.bucket.Stop(false)
		if err := d.bucket.Start(d.ctx, d.conn, d.bucketQueue, new.PartitionSize, d.peerID); err != nil {
			d.options.Logger.Printf("distributor[%s]: restart bucket consumer: %v", d.peerID, err)
		}
	case d.bucket.StatusString() == "stopped" && !new.Shutdown:
		d.options.Logger.Printf("distributor[%s]: retrying bucket consumer start at partition size %d", d.peerID, new.PartitionSize)
		if err := d.bucket.Start(d.ctx, d.conn, d.bucketQueue, new.PartitionSize, d.peerID); err != nil {
			d.options.Logger.Printf("distributor[%s]: retry start bucket consumer: %v", d.peerID, err)
		}
	}
}

func nowMillis() int64 { return time.Now().UnixMilli() }

// Log exposes the configured logger for embedding applications that
// want to route cmd/peer-style demo logging through the same sink.
func (d *Distributor) Log() *log.Logger { return d.options.Logger }
