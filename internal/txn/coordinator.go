package txn

import (
	"context"
	"sync"
	"time"

	"github.com/latticedb/core/internal/coordinatorerr"
	"github.com/latticedb/core/internal/metrics"
	"github.com/latticedb/core/internal/util"
)

// Proposer decouples the coordinator from internal/raft the same way
// raft.IPeerProxy decouples the consensus engine from internal/transport:
// the façade wires a concrete adapter that calls (*raft.Node).Propose with
// a wal.Payload{Tag: wal.PayloadTxnRecord} and hands back the assigned log
// index as this record's LSN; tests wire a fake that just records calls.
// The returned LSN lets Coordinator chain LogRecord.PrevLSN per
// transaction, which ARIES undo (internal/recovery) walks backward.
type Proposer interface {
	ProposeTxnRecord(r LogRecord) (lsn uint64, err error)
}

// Participant is the 2PC RPC seam towards one remote participant node,
// mirroring raft.IPeerProxy's shape (context-aware, explicit error
// returns) per spec.md §4.6's PREPARE/PREPARED/COMMIT/ABORT exchange.
type Participant interface {
	Prepare(ctx context.Context, txnID, coordinatorID uint64) (vote bool, err error)
	Commit(ctx context.Context, txnID uint64, commitTS uint64) error
	Abort(ctx context.Context, txnID uint64) error

	// QueryDecision asks this node (acting as the coordinator of txnID) what
	// it decided, for a restarted participant resolving an orphaned
	// PREPARED transaction per spec.md §4.6 and §4.7.
	QueryDecision(ctx context.Context, txnID uint64) (DecisionResult, error)
}

// DecisionOutcome is the coordinator's answer to a QueryDecision call.
type DecisionOutcome int

const (
	// DecisionUnknown means the coordinator hasn't decided yet (still
	// Preparing/Prepared itself); the caller should retry later.
	DecisionUnknown DecisionOutcome = iota
	DecisionCommit
	DecisionAbort
)

// DecisionResult is QueryDecision's reply.
type DecisionResult struct {
	Outcome  DecisionOutcome
	CommitTS uint64
}

// ParticipantFactory builds the concrete transport-backed Participant for
// a peer node id. The real implementation lives in internal/transport.
type ParticipantFactory interface {
	Participant(nodeID uint64) Participant
}

// Coordinator drives C6's transaction lifecycle: local MVCC reads/writes
// through Store, write-write serialization through LockManager, and
// cross-node commit through two-phase commit, per spec.md §4.6. Per
// spec.md §9's Open Question, a transaction whose only participant is this
// node short-circuits straight to COMMIT without a PREPARE round trip.
type Coordinator struct {
	selfNodeID uint64
	cfg        Config

	store    *Store
	locks    *LockManager
	proposer Proposer
	factory  ParticipantFactory

	mu           sync.Mutex
	participants map[uint64][]uint64 // txnID -> participant node ids, set at Begin
	lastLSN      map[uint64]uint64   // txnID -> LSN of its most recent LogRecord, for PrevLSN chaining

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewCoordinator wires the pieces together. factory may be nil for a
// single-node deployment that never opens a distributed transaction.
func NewCoordinator(selfNodeID uint64, store *Store, locks *LockManager, proposer Proposer, factory ParticipantFactory, cfg Config) *Coordinator {
	return &Coordinator{
		selfNodeID:   selfNodeID,
		cfg:          cfg,
		store:        store,
		locks:        locks,
		proposer:     proposer,
		factory:      factory,
		participants: make(map[uint64][]uint64),
		lastLSN:      make(map[uint64]uint64),
		stop:         make(chan struct{}),
	}
}

// propose chains rec.PrevLSN from the transaction's last logged record,
// proposes it, and remembers the newly assigned LSN for the next call, per
// spec.md §4.7's CLR undo_next_lsn chaining requirement. A nil proposer
// (single-node deployments with no consensus wiring) is a no-op.
func (c *Coordinator) propose(rec LogRecord) error {
	if c.proposer == nil {
		return nil
	}

	c.mu.Lock()
	rec.PrevLSN = c.lastLSN[rec.TxnID]
	c.mu.Unlock()

	lsn, err := c.proposer.ProposeTxnRecord(rec)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if rec.Type == RecCommit || rec.Type == RecAbort {
		delete(c.lastLSN, rec.TxnID)
	} else {
		c.lastLSN[rec.TxnID] = lsn
	}
	c.mu.Unlock()
	return nil
}

// Reset swaps in a freshly recovered store and lock manager, discarding
// any in-flight participant/lastLSN bookkeeping from a prior term. The
// façade calls this when this node transitions from follower to leader:
// only the leader's in-process MVCC state is kept live by direct mutation,
// so a promoted follower must start from what C7 just reconstructed from
// its own WAL rather than the empty store it booted with. Callers must
// ensure no concurrent Begin/Write/Commit/Abort calls are in flight against
// the coordinator's previous store when calling this (true immediately
// after a leadership transition, before any client traffic has been routed
// to the new leader).
func (c *Coordinator) Reset(store *Store, locks *LockManager) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store = store
	c.locks = locks
	c.participants = make(map[uint64][]uint64)
	c.lastLSN = make(map[uint64]uint64)
}

// Start launches the background deadlock-detection loop, per spec.md
// §4.6's "a deadlock detector runs periodically".
func (c *Coordinator) Start() {
	c.wg.Add(1)
	go c.deadlockLoop()
}

// Stop halts the deadlock-detection loop.
func (c *Coordinator) Stop() {
	close(c.stop)
	c.wg.Wait()
}

func (c *Coordinator) deadlockLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.DeadlockDetectInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for _, txnID := range c.locks.DetectDeadlocks() {
				ctx, cancel := context.WithTimeout(context.Background(), c.cfg.PrepareTimeout)
				if err := c.Abort(ctx, txnID); err != nil {
					util.WriteWarning("txn: deadlock-victim abort of %d failed: %v", txnID, err)
				}
				cancel()
			}
		case <-c.stop:
			return
		}
	}
}

// Begin starts a new transaction. participants is the full node id list
// for a distributed transaction (including selfNodeID), or nil/[selfNodeID]
// for a purely local one.
func (c *Coordinator) Begin(isolation IsolationLevel, participants []uint64) uint64 {
	txnID := c.store.NextTS()
	t := c.store.BeginLocal(txnID, isolation)
	t.Participants = participants
	t.CoordinatorID = c.selfNodeID

	c.mu.Lock()
	c.participants[txnID] = participants
	c.mu.Unlock()

	metrics.ActiveTransactions.Inc()

	if err := c.propose(LogRecord{Type: RecBegin, TxnID: txnID, Isolation: isolation, Participants: participants}); err != nil {
		util.WriteWarning("txn: failed to log BEGIN for %d: %v", txnID, err)
	}
	return txnID
}

// Read returns the visible value for key under the transaction's isolation
// rules, per spec.md §4.6.
func (c *Coordinator) Read(txnID uint64, key string) ([]byte, bool, error) {
	return c.store.Read(txnID, key)
}

// Write acquires key's write intent (blocking on conflict, per spec.md
// §4.6) then installs the new version and logs it.
func (c *Coordinator) Write(ctx context.Context, txnID uint64, key string, value []byte) error {
	waitCtx, cancel := context.WithTimeout(ctx, c.cfg.LockWaitTimeout)
	defer cancel()
	if err := c.locks.Acquire(waitCtx, txnID, key); err != nil {
		return err
	}

	prev, hadPrev, _ := c.store.Read(txnID, key)
	if err := c.store.Write(txnID, key, value); err != nil {
		return err
	}
	rec := LogRecord{Type: RecWrite, TxnID: txnID, Key: key, After: value, Before: prev, HadBefore: hadPrev}
	if err := c.propose(rec); err != nil {
		util.WriteWarning("txn: failed to log WRITE for %d/%s: %v", txnID, key, err)
	}
	return nil
}

// Delete acquires key's write intent then installs a tombstone version.
func (c *Coordinator) Delete(ctx context.Context, txnID uint64, key string) error {
	waitCtx, cancel := context.WithTimeout(ctx, c.cfg.LockWaitTimeout)
	defer cancel()
	if err := c.locks.Acquire(waitCtx, txnID, key); err != nil {
		return err
	}

	prev, hadPrev, _ := c.store.Read(txnID, key)
	if err := c.store.Delete(txnID, key); err != nil {
		return err
	}
	rec := LogRecord{Type: RecDelete, TxnID: txnID, Key: key, Before: prev, HadBefore: hadPrev}
	if err := c.propose(rec); err != nil {
		util.WriteWarning("txn: failed to log DELETE for %d/%s: %v", txnID, key, err)
	}
	return nil
}

// Commit drives the transaction to completion: a single-participant
// transaction commits directly; a multi-participant one runs full 2PC,
// aborting on any No vote or participant failure, per spec.md §4.6.
func (c *Coordinator) Commit(ctx context.Context, txnID uint64) error {
	c.mu.Lock()
	parts := c.participants[txnID]
	delete(c.participants, txnID)
	c.mu.Unlock()

	remote := remoteParticipants(parts, c.selfNodeID)

	if len(remote) == 0 {
		return c.commitLocal(txnID)
	}
	return c.commitDistributed(ctx, txnID, remote)
}

func remoteParticipants(parts []uint64, self uint64) []uint64 {
	var remote []uint64
	for _, id := range parts {
		if id != self {
			remote = append(remote, id)
		}
	}
	return remote
}

// commitLocal is the single-partition fast path from spec.md §9's Open
// Question: the leader is the sole participant, so PREPARE is skipped and
// COMMIT is logged directly.
func (c *Coordinator) commitLocal(txnID uint64) error {
	commitTS := c.store.NextTS()
	if err := c.propose(LogRecord{Type: RecCommit, TxnID: txnID, CommitTS: commitTS}); err != nil {
		return err
	}
	c.store.MarkCommitted(txnID, commitTS)
	c.locks.Release(txnID)
	metrics.ActiveTransactions.Dec()
	return nil
}

func (c *Coordinator) commitDistributed(ctx context.Context, txnID uint64, remote []uint64) error {
	c.store.SetState(txnID, Preparing)
	if err := c.propose(LogRecord{Type: RecPrepare, TxnID: txnID, Participants: remote}); err != nil {
		return err
	}

	prepareCtx, cancel := context.WithTimeout(ctx, c.cfg.PrepareTimeout)
	defer cancel()

	votes := make([]bool, len(remote))
	var wg sync.WaitGroup
	for i, nodeID := range remote {
		wg.Add(1)
		go func(i int, nodeID uint64) {
			defer wg.Done()
			p := c.factory.Participant(nodeID)
			ok, err := p.Prepare(prepareCtx, txnID, c.selfNodeID)
			votes[i] = ok && err == nil
			if err != nil {
				util.WriteWarning("txn: prepare RPC to node %d failed for txn %d: %v", nodeID, txnID, err)
			}
		}(i, nodeID)
	}
	wg.Wait()

	allYes := true
	for _, v := range votes {
		if !v {
			allYes = false
			break
		}
	}

	if !allYes {
		c.abortDistributed(ctx, txnID, remote)
		return coordinatorerr.ErrConflict
	}

	c.store.SetState(txnID, Prepared)
	commitTS := c.store.NextTS()
	if err := c.propose(LogRecord{Type: RecCommit, TxnID: txnID, CommitTS: commitTS}); err != nil {
		return err
	}
	c.store.MarkCommitted(txnID, commitTS)
	c.locks.Release(txnID)
	metrics.ActiveTransactions.Dec()

	commitCtx, commitCancel := context.WithTimeout(context.Background(), c.cfg.PrepareTimeout)
	defer commitCancel()
	for _, nodeID := range remote {
		p := c.factory.Participant(nodeID)
		if err := p.Commit(commitCtx, txnID, commitTS); err != nil {
			util.WriteWarning("txn: commit RPC to node %d failed for txn %d: %v", nodeID, txnID, err)
		}
	}
	return nil
}

// Abort transitions the transaction to Aborted and releases its locks,
// notifying any remote participants if it was prepared. Used both for
// client-initiated rollback and deadlock-victim abort.
func (c *Coordinator) Abort(ctx context.Context, txnID uint64) error {
	c.mu.Lock()
	parts := c.participants[txnID]
	delete(c.participants, txnID)
	c.mu.Unlock()

	c.abortDistributed(ctx, txnID, remoteParticipants(parts, c.selfNodeID))
	return nil
}

func (c *Coordinator) abortDistributed(ctx context.Context, txnID uint64, remote []uint64) {
	if err := c.propose(LogRecord{Type: RecAbort, TxnID: txnID}); err != nil {
		util.WriteWarning("txn: failed to log ABORT for %d: %v", txnID, err)
	}
	c.store.MarkAborted(txnID)
	c.locks.Release(txnID)
	metrics.ActiveTransactions.Dec()

	if c.factory != nil && len(remote) > 0 {
		abortCtx, cancel := context.WithTimeout(ctx, c.cfg.PrepareTimeout)
		defer cancel()
		for _, nodeID := range remote {
			p := c.factory.Participant(nodeID)
			if err := p.Abort(abortCtx, txnID); err != nil {
				util.WriteWarning("txn: abort RPC to node %d failed for txn %d: %v", nodeID, txnID, err)
			}
		}
	}
}

// HandlePrepare is the participant-side handler for an incoming 2PC
// Prepare request, per spec.md §4.6 step 2: "Each participant validates
// (conflicts, constraints), logs PREPARED(txn), and replies Yes/No." The
// transaction must already be Active on this node (the client drove its
// reads/writes here directly, addressing this node as one of the
// transaction's participants); a transaction unknown here, or already
// decided, votes No.
func (c *Coordinator) HandlePrepare(ctx context.Context, txnID, coordinatorID uint64) (bool, error) {
	t, ok := c.store.Transaction(txnID)
	if !ok || t.State != Active {
		return false, nil
	}

	c.store.SetState(txnID, Prepared)
	c.store.SetCoordinator(txnID, coordinatorID)
	if err := c.propose(LogRecord{Type: RecPrepared, TxnID: txnID, CoordinatorID: coordinatorID}); err != nil {
		c.store.SetState(txnID, Active)
		return false, err
	}
	return true, nil
}

// HandleDecisionQuery answers a restarted participant's QueryDecision call
// for a transaction this node coordinated, per spec.md §4.6's orphaned-
// PREPARED recovery path. A transaction this node has no record of at all
// is reported as aborted: presumed-abort is safe because a coordinator
// never forgets a transaction it actually committed until every participant
// has acknowledged (spec.md §4.6 step 4).
func (c *Coordinator) HandleDecisionQuery(ctx context.Context, txnID uint64) (DecisionResult, error) {
	t, ok := c.store.Transaction(txnID)
	if !ok {
		return DecisionResult{Outcome: DecisionAbort}, nil
	}
	switch t.State {
	case Committed:
		return DecisionResult{Outcome: DecisionCommit, CommitTS: t.CommitTS}, nil
	case Aborted:
		return DecisionResult{Outcome: DecisionAbort}, nil
	default:
		return DecisionResult{Outcome: DecisionUnknown}, nil
	}
}

// ResolveOrphans queries the coordinator of every transaction this node
// holds Prepared (typically left that way by a crash-and-restart, per
// internal/recovery's undo pass) and applies the learned decision, per
// spec.md §4.6 scenario 5. The façade runs this once after startup
// recovery completes.
func (c *Coordinator) ResolveOrphans(ctx context.Context) {
	if c.factory == nil {
		return
	}
	for _, txnID := range c.store.PreparedTransactions() {
		c.resolveOrphan(ctx, txnID)
	}
}

func (c *Coordinator) resolveOrphan(ctx context.Context, txnID uint64) {
	t, ok := c.store.Transaction(txnID)
	if !ok || t.CoordinatorID == 0 || t.CoordinatorID == c.selfNodeID {
		return
	}

	queryCtx, cancel := context.WithTimeout(ctx, c.cfg.PrepareTimeout)
	defer cancel()

	p := c.factory.Participant(t.CoordinatorID)
	result, err := p.QueryDecision(queryCtx, txnID)
	if err != nil {
		util.WriteWarning("txn: decision query to coordinator %d for orphaned txn %d failed: %v", t.CoordinatorID, txnID, err)
		return
	}

	switch result.Outcome {
	case DecisionCommit:
		if err := c.propose(LogRecord{Type: RecCommit, TxnID: txnID, CommitTS: result.CommitTS}); err != nil {
			util.WriteWarning("txn: failed to log resolved COMMIT for orphaned txn %d: %v", txnID, err)
			return
		}
		c.store.MarkCommitted(txnID, result.CommitTS)
		c.locks.Release(txnID)
		metrics.ActiveTransactions.Dec()
		util.WriteInfo("txn: resolved orphaned PREPARED txn %d as COMMIT via coordinator %d", txnID, t.CoordinatorID)
	case DecisionAbort:
		if err := c.propose(LogRecord{Type: RecAbort, TxnID: txnID}); err != nil {
			util.WriteWarning("txn: failed to log resolved ABORT for orphaned txn %d: %v", txnID, err)
		}
		c.store.MarkAborted(txnID)
		c.locks.Release(txnID)
		metrics.ActiveTransactions.Dec()
		util.WriteInfo("txn: resolved orphaned PREPARED txn %d as ABORT via coordinator %d", txnID, t.CoordinatorID)
	default:
		util.WriteInfo("txn: coordinator %d has no decision yet for orphaned txn %d", t.CoordinatorID, txnID)
	}
}

// HandleParticipantCommit applies the coordinator's COMMIT decision to a
// transaction this node prepared as a participant, per spec.md §4.6 step 4.
func (c *Coordinator) HandleParticipantCommit(ctx context.Context, txnID, commitTS uint64) error {
	if err := c.propose(LogRecord{Type: RecCommit, TxnID: txnID, CommitTS: commitTS}); err != nil {
		return err
	}
	c.store.MarkCommitted(txnID, commitTS)
	c.locks.Release(txnID)
	metrics.ActiveTransactions.Dec()
	return nil
}

// HandleParticipantAbort applies the coordinator's ABORT decision to a
// transaction this node prepared as a participant, per spec.md §4.6 step 4.
func (c *Coordinator) HandleParticipantAbort(ctx context.Context, txnID uint64) error {
	if err := c.propose(LogRecord{Type: RecAbort, TxnID: txnID}); err != nil {
		util.WriteWarning("txn: failed to log participant ABORT for %d: %v", txnID, err)
	}
	c.store.MarkAborted(txnID)
	c.locks.Release(txnID)
	metrics.ActiveTransactions.Dec()
	return nil
}
