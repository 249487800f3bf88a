package broker

import "errors"

// Sentinel errors mirroring the error kinds of spec.md §7. Callers
// compare with errors.Is; implementations wrap these with %w so the
// underlying broker error text is preserved.
var (
	// ErrBrokerUnavailable means a connection or channel was refused.
	ErrBrokerUnavailable = errors.New("broker: unavailable")
	// ErrQueueConflict means a passive or non-passive declare reported
	// parameters that differ from an existing queue.
	ErrQueueConflict = errors.New("broker: queue declaration conflict")
	// ErrLockContended means an exclusive queue declaration lost the
	// race to another peer. This is not a failure; it signals that some
	// other peer is doing the work this caller was about to attempt.
	ErrLockContended = errors.New("broker: exclusive lock contended")
)
