package distributor

import (
	"log"
	"time"

	"github.com/lizongti/bucketdist/internal/peerid"
)

// Options mirrors the recognized keys of spec.md §6, with the flat
// struct-plus-constructor-side-defaulting pattern of the teacher's
// internal/shards.ManagerConfig.
type Options struct {
	// PeersPeriod is the self-announce cadence (default 1 minute).
	PeersPeriod time.Duration
	// ExpirationPeriod is how long a peer may go unannounced before it
	// is dropped from the local peer map (default 2 minutes).
	ExpirationPeriod time.Duration
	// PartitionDelay is the delay before the first partition-size
	// recompute (default 5 seconds).
	PartitionDelay time.Duration
	// PartitionPeriod is the recompute cadence thereafter (default 5
	// seconds).
	PartitionPeriod time.Duration

	// Logger receives one line per state transition. Defaults to
	// log.Default().
	Logger *log.Logger
	// Rng picks the random word-list fragment for this peer's identity.
	// Defaults to a math/rand source seeded from the current time,
	// matching the teacher's cmd/client -seed injection pattern.
	Rng peerid.Rng
	// Scheduler runs the two periodic tasks. Defaults to a
	// ticker-based Scheduler.
	Scheduler Scheduler
}

func (o Options) withDefaults() Options {
	if o.PeersPeriod <= 0 {
		o.PeersPeriod = time.Minute
	}
	if o.ExpirationPeriod <= 0 {
		o.ExpirationPeriod = 2 * time.Minute
	}
	if o.PartitionDelay <= 0 {
		o.PartitionDelay = 5 * time.Second
	}
	if o.PartitionPeriod <= 0 {
		o.PartitionPeriod = 5 * time.Second
	}
	if o.Logger == nil {
		o.Logger = log.Default()
	}
	if o.Scheduler == nil {
		o.Scheduler = NewTickerScheduler()
	}
	return o
}
