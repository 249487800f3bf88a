// Package bucketdist distributes an application-defined set of named
// "buckets" evenly across a pool of peer processes coordinated through
// a shared AMQP broker: each peer acquires an exclusive slice of the
// bucket space, releases individual buckets back to the pool on
// demand, and the slice size is continuously rebalanced as peers join
// or leave.
package bucketdist

import (
	"context"
	"fmt"

	"github.com/lizongti/bucketdist/internal/broker"
	"github.com/lizongti/bucketdist/internal/distributor"
)

// Scheduler runs a periodic background task. Distributor is the
// default implementation, driving the self-announce and
// partition-size-recompute loops on time.Ticker.
type Scheduler = distributor.Scheduler

// Options configures a BucketDistributor. The zero value is valid;
// unset fields take the defaults documented on each field.
type Options = distributor.Options

// Snapshot is a diagnostic view of a running BucketDistributor, safe
// to serialize with encoding/json.
type Snapshot = distributor.Snapshot

// BucketDistributor is a running peer participating in bucket
// distribution for one cluster. Obtain one with StartBucketDistributor.
type BucketDistributor struct {
	inner *distributor.Distributor
	conn  broker.Connection
}

// StartBucketDistributor connects to the broker at brokerURL, joins
// clusterName's bucket pool (seeding it with defaultBuckets if this is
// the first peer to reach it), and begins acquiring and rebalancing
// buckets. The returned BucketDistributor must be stopped with Stop
// once the caller is done with it.
func StartBucketDistributor(ctx context.Context, brokerURL, clusterName string, defaultBuckets []string, opts Options) (*BucketDistributor, error) {
	conn, err := broker.Dial(brokerURL)
	if err != nil {
		return nil, fmt.Errorf("bucketdist: dial broker: %w", err)
	}

	d, err := distributor.Start(ctx, conn, clusterName, defaultBuckets, opts)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("bucketdist: start distributor: %w", err)
	}

	return &BucketDistributor{inner: d, conn: conn}, nil
}

// PeerID returns this process's generated peer identity
// ("<hostname>/<word>"), stable for the lifetime of the
// BucketDistributor.
func (bd *BucketDistributor) PeerID() string { return bd.inner.PeerID() }

// AcquireBuckets returns the set of bucket names currently owned by
// this peer, including any newly delivered since the last call.
func (bd *BucketDistributor) AcquireBuckets() map[string]struct{} {
	return bd.inner.Acquire()
}

// ReleaseBuckets returns the named buckets to the shared pool so
// another peer (or this one, later) may acquire them again. Names not
// currently owned by this peer are ignored.
func (bd *BucketDistributor) ReleaseBuckets(names map[string]struct{}) {
	bd.inner.Release(names)
}

// Snapshot returns a diagnostic view of cluster membership, partition
// size, and currently-owned buckets.
func (bd *BucketDistributor) Snapshot() Snapshot {
	return bd.inner.Snapshot()
}

// StopBucketDistributor stops the periodic tasks, drains and releases
// this peer's active buckets back to the pool, broadcasts a retract so
// other peers immediately rebalance, and closes the broker connection.
func StopBucketDistributor(bd *BucketDistributor) {
	bd.inner.Stop()
	bd.conn.Close()
}
