// Package txn implements C6: MVCC storage with snapshot isolation, a
// two-phase commit driver for cross-node transactions, and the lock
// manager guarding write-write conflicts, per spec.md §4.6. The local MVCC
// path is grounded on original_source/build-database/src/mvcc/{transaction,
// version,snapshot,visibility}.rs; the lock manager and deadlock victim
// selection are reinstated from build-database/src/mvcc/lock_manager.rs and
// src/transaction/locking.rs per SPEC_FULL.md's supplemented-features note,
// since the Rust sketch's own lock manager is a simplified stub with no
// real deadlock detection. The 2PC driver follows spec.md §4.6 directly,
// unifying it with the local MVCC path per spec.md §9's second Open
// Question: single-partition transactions short-circuit prepare when this
// node is the sole participant.
package txn

import "time"

// IsolationLevel selects the visibility rule a transaction's reads use,
// per spec.md §4.6.
type IsolationLevel int

const (
	ReadUncommitted IsolationLevel = iota
	ReadCommitted
	RepeatableRead
	Serializable
)

// Config holds the tunables spec.md §4.6 and §5 name, reinstated per
// SPEC_FULL.md's supplemented-features note (the distilled spec.md left
// these as prose: "a deadlock detector runs periodically", "bounded cache
// of recently-resolved transaction commit timestamps").
type Config struct {
	// LockWaitTimeout bounds how long Write and Delete block on a
	// conflicting intent before returning coordinatorerr.ErrTimeout
	// instead of waiting indefinitely.
	LockWaitTimeout time.Duration

	// DeadlockDetectInterval is how often the wait-for graph is rebuilt
	// and checked for cycles, per spec.md §4.6.
	DeadlockDetectInterval time.Duration

	// CommitTSCacheSize bounds the LRU cache of resolved commit
	// timestamps used by the visibility check to avoid rescanning the
	// transaction table on hot keys.
	CommitTSCacheSize int

	// PrepareTimeout bounds how long the coordinator waits for a
	// participant's PreparedAck before treating it as a No vote.
	PrepareTimeout time.Duration
}

// DefaultConfig matches the timeouts the rest of this module's consensus
// and membership layers use, scaled for transactional workloads.
func DefaultConfig() Config {
	return Config{
		LockWaitTimeout:        500 * time.Millisecond,
		DeadlockDetectInterval: 100 * time.Millisecond,
		CommitTSCacheSize:      4096,
		PrepareTimeout:         500 * time.Millisecond,
	}
}
