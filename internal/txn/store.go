// Package txn's Store implements the MVCC version-chain half of C6:
// per-key version chains, snapshot-based visibility, and vacuum, per
// spec.md §3's VersionedTuple/Snapshot and §4.6's Visibility rules.
// Grounded on original_source/build-database/src/mvcc/{version,snapshot,
// visibility}.rs, reworked around a process-local transaction table
// instead of the sketch's separate MVCC-manager/2PC split, per spec.md §9's
// unification note.
package txn

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/latticedb/core/internal/coordinatorerr"
)

// Store owns every key's version chain and the process-local transaction
// table. All exported methods are safe for concurrent use: per spec.md §5,
// writers serialize via the key's intent lock (LockManager), readers never
// block, and Vacuum acquires a chain exclusively but skips chains with
// active-snapshot dependencies.
type Store struct {
	mu sync.RWMutex

	chains map[string][]*VersionedTuple // newest last, ordered by Xmin
	txns   map[uint64]*Transaction

	nextTS uint64

	commitTSCache *lru.Cache[uint64, uint64] // txnID -> commitTS, once known
}

// NewStore constructs an empty MVCC store.
func NewStore(cfg Config) *Store {
	size := cfg.CommitTSCacheSize
	if size <= 0 {
		size = 1
	}
	cache, _ := lru.New[uint64, uint64](size)
	return &Store{
		chains:        make(map[string][]*VersionedTuple),
		txns:          make(map[uint64]*Transaction),
		commitTSCache: cache,
	}
}

// BeginLocal registers a new transaction in the table with the given
// start timestamp (assigned by the caller, which per spec.md §4.6 is the
// leader/coordinator issuing monotonic timestamps through consensus) and
// isolation level. RepeatableRead/Serializable transactions take their
// snapshot now, held for the transaction's lifetime.
func (s *Store) BeginLocal(txnID uint64, isolation IsolationLevel) *Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()

	if txnID >= s.nextTS {
		s.nextTS = txnID + 1
	}

	t := &Transaction{
		ID:           txnID,
		State:        Active,
		Isolation:    isolation,
		StartTS:      txnID,
		ModifiedKeys: make(map[string]struct{}),
		LocksHeld:    make(map[string]struct{}),
	}
	if isolation == RepeatableRead || isolation == Serializable {
		t.Snapshot = s.currentSnapshotLocked()
		t.hasSnapshot = true
	}
	s.txns[txnID] = t
	return t
}

// NextTS allocates the next monotonic transaction/commit id.
func (s *Store) NextTS() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextTS++
	return s.nextTS
}

// currentSnapshotLocked builds a Snapshot from the live transaction table.
// Caller holds s.mu (read or write).
func (s *Store) currentSnapshotLocked() Snapshot {
	snap := Snapshot{Xmax: s.nextTS, ActiveTxns: make(map[uint64]struct{})}
	xmin := s.nextTS
	for id, t := range s.txns {
		if t.State == Committed || t.State == Aborted {
			continue
		}
		snap.ActiveTxns[id] = struct{}{}
		if id < xmin {
			xmin = id
		}
	}
	snap.Xmin = xmin
	return snap
}

// txnCommittedLocked reports whether txnID's state is Committed. Caller
// holds s.mu.
func (s *Store) txnCommittedLocked(txnID uint64) bool {
	if txnID == 0 {
		return false // Xmax unset sentinel
	}
	t, ok := s.txns[txnID]
	if !ok {
		// Not in the live table: either never existed (shouldn't happen for
		// a real xmin/xmax) or has aged out after recovery; treat as
		// committed only if the commit-ts cache remembers it.
		_, cached := s.commitTSCache.Get(txnID)
		return cached
	}
	return t.State == Committed
}

// committedBeforeLocked reports whether txnID's creation/deletion is visible to
// a reader holding snap, per spec.md §3's Snapshot visibility rule. Caller
// holds s.mu.
func (s *Store) committedBeforeLocked(txnID uint64, snap Snapshot) bool {
	if txnID < snap.Xmin {
		return true
	}
	if txnID >= snap.Xmax {
		return false
	}
	if snap.isActive(txnID) {
		return false
	}
	return s.txnCommittedLocked(txnID)
}

// visibleLocked reports whether version v is visible to a transaction with the
// given isolation level, snapshot (if any) and read-committed ad-hoc
// snapshot built at read time. Caller holds s.mu.
func (s *Store) visibleLocked(v *VersionedTuple, t *Transaction) bool {
	if creator, ok := s.txns[v.Xmin]; ok && creator.State == Aborted {
		return false
	}
	switch t.Isolation {
	case ReadUncommitted:
		return true
	case ReadCommitted:
		snap := s.currentSnapshotLocked() // fresh snapshot per statement
		return s.versionVisibleUnder(v, snap)
	default: // RepeatableRead, Serializable
		return s.versionVisibleUnder(v, t.Snapshot)
	}
}

func (s *Store) versionVisibleUnder(v *VersionedTuple, snap Snapshot) bool {
	if !s.committedBeforeLocked(v.Xmin, snap) {
		return false
	}
	if v.Xmax == 0 {
		return true
	}
	return !s.committedBeforeLocked(v.Xmax, snap)
}

// Read returns the visible value for key under txnID's isolation rules,
// per spec.md §4.6. Read Uncommitted sees every version; Read Committed
// re-evaluates visibility per call against the live transaction table;
// Repeatable Read/Serializable use the snapshot frozen at Begin.
func (s *Store) Read(txnID uint64, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.txns[txnID]
	if !ok {
		return nil, false, coordinatorerr.InvalidArgument("txn: unknown transaction %d", txnID)
	}

	chain := s.chains[key]
	for i := len(chain) - 1; i >= 0; i-- {
		v := chain[i]
		if !s.visibleLocked(v, t) {
			continue
		}
		if v.Deleted {
			return nil, false, nil
		}
		return v.Value, true, nil
	}
	return nil, false, nil
}

// closeChainTailLocked sets Xmax on the chain's current newest version, if
// any, so Vacuum can later tell it's superseded. Caller holds s.mu and the
// key's write intent, so there is exactly one writer at a time.
func (s *Store) closeChainTailLocked(key string, txnID uint64) {
	chain := s.chains[key]
	if len(chain) == 0 {
		return
	}
	if last := chain[len(chain)-1]; last.Xmax == 0 {
		last.Xmax = txnID
	}
}

// Write installs a new version of key created by txnID, chaining it onto
// any prior version and closing that prior version's Xmax so it stops
// being the newest once this write commits. Caller must already hold the
// key's write intent via LockManager.Acquire.
func (s *Store) Write(txnID uint64, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.txns[txnID]
	if !ok || t.State != Active && t.State != Preparing {
		return coordinatorerr.InvalidArgument("txn: write on transaction %d not active", txnID)
	}

	s.closeChainTailLocked(key, txnID)
	s.chains[key] = append(s.chains[key], &VersionedTuple{Key: key, Xmin: txnID, Value: append([]byte(nil), value...)})
	t.ModifiedKeys[key] = struct{}{}
	return nil
}

// Delete installs a tombstone version, per spec.md §3's VersionedTuple,
// closing the prior version's Xmax the same way Write does.
func (s *Store) Delete(txnID uint64, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.txns[txnID]
	if !ok || t.State != Active && t.State != Preparing {
		return coordinatorerr.InvalidArgument("txn: delete on transaction %d not active", txnID)
	}

	s.closeChainTailLocked(key, txnID)
	s.chains[key] = append(s.chains[key], &VersionedTuple{Key: key, Xmin: txnID, Deleted: true})
	t.ModifiedKeys[key] = struct{}{}
	return nil
}

// MarkCommitted transitions txnID to Committed with the given commit
// timestamp, making its writes visible to snapshots taken afterward.
func (s *Store) MarkCommitted(txnID, commitTS uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.txns[txnID]
	if !ok {
		return
	}
	t.State = Committed
	t.CommitTS = commitTS
	s.commitTSCache.Add(txnID, commitTS)
	if commitTS >= s.nextTS {
		s.nextTS = commitTS + 1
	}
}

// MarkAborted transitions txnID to Aborted. Its versions stay in their
// chains (Vacuum only removes versions whose Xmax committed) but are never
// visible to anyone, since visibleLocked skips versions whose creator
// aborted.
func (s *Store) MarkAborted(txnID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.txns[txnID]
	if !ok {
		return
	}
	t.State = Aborted
}

// SetState transitions txnID to an arbitrary state (used by the 2PC driver
// for Preparing/Prepared, which aren't terminal).
func (s *Store) SetState(txnID uint64, state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.txns[txnID]; ok {
		t.State = state
	}
}

// SetCoordinator records which node is driving 2PC for txnID, set when a
// participant logs RecPrepared and restored by internal/recovery's redo
// pass so a restarted node can later resolve an orphaned PREPARED
// transaction via ResolveOrphans.
func (s *Store) SetCoordinator(txnID, coordinatorID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.txns[txnID]; ok {
		t.CoordinatorID = coordinatorID
	}
}

// PreparedTransactions returns the ids of every transaction currently
// sitting in the Prepared state, for ResolveOrphans to query after a
// restart, per spec.md §4.6.
func (s *Store) PreparedTransactions() []uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []uint64
	for id, t := range s.txns {
		if t.State == Prepared {
			out = append(out, id)
		}
	}
	return out
}

// Transaction returns a copy of the transaction record, or false if unknown.
func (s *Store) Transaction(txnID uint64) (Transaction, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.txns[txnID]
	if !ok {
		return Transaction{}, false
	}
	return *t, true
}

// Forget removes a finished transaction from the live table. Nothing in
// the module calls it outside tests; finished transactions otherwise stay
// in the table for the life of the process. Its resolved commit
// timestamp, if any, stays in the LRU cache so older in-flight snapshots
// can still resolve visibility against it.
func (s *Store) Forget(txnID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.txns, txnID)
}

// Vacuum removes any version whose Xmax is committed and strictly older
// than every active snapshot's Xmin, per spec.md §3's ownership note.
// oldestActiveXmin is the smallest snapshot Xmin among all unfinished
// transactions holding a snapshot (RepeatableRead/Serializable), as
// OldestActiveSnapshotXmin computes it; with no such transactions that is
// the current next timestamp, so vacuum is unconstrained.
func (s *Store) Vacuum(oldestActiveXmin uint64) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, chain := range s.chains {
		kept := chain[:0:0]
		for _, v := range chain {
			if v.Xmax != 0 && s.txnCommittedLocked(v.Xmax) && v.Xmax < oldestActiveXmin {
				removed++
				continue
			}
			kept = append(kept, v)
		}
		if len(kept) == 0 {
			delete(s.chains, key)
		} else {
			s.chains[key] = kept
		}
	}
	return removed
}

// UndoWrite reverses one Write/Delete made by txnID on key during ARIES
// undo (internal/recovery): it removes the version the loser transaction
// installed and, if that version had closed a predecessor's Xmax, reopens
// it. Used only during crash recovery, before any other transaction can
// observe the chain.
func (s *Store) UndoWrite(txnID uint64, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	chain := s.chains[key]
	idx := -1
	for i := len(chain) - 1; i >= 0; i-- {
		if chain[i].Xmin == txnID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}

	if idx > 0 {
		chain[idx-1].Xmax = 0
	}
	s.chains[key] = append(chain[:idx], chain[idx+1:]...)
	if len(s.chains[key]) == 0 {
		delete(s.chains, key)
	}
}

// ActiveSnapshot returns a copy of every transaction not yet Committed or
// Aborted, for internal/recovery's checkpoint writer.
func (s *Store) ActiveSnapshot() map[uint64]Transaction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[uint64]Transaction)
	for id, t := range s.txns {
		if t.State != Committed && t.State != Aborted {
			out[id] = *t
		}
	}
	return out
}

// OldestActiveSnapshotXmin scans live transactions for the smallest
// snapshot Xmin in use, for callers driving Vacuum.
func (s *Store) OldestActiveSnapshotXmin() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	oldest := s.nextTS
	for _, t := range s.txns {
		if t.hasSnapshot && (t.State == Active || t.State == Preparing || t.State == Prepared) {
			if t.Snapshot.Xmin < oldest {
				oldest = t.Snapshot.Xmin
			}
		}
	}
	return oldest
}
