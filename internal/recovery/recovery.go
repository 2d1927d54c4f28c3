package recovery

import (
	"github.com/latticedb/core/internal/txn"
	"github.com/latticedb/core/internal/util"
	"github.com/latticedb/core/internal/wal"
)

// Manager runs the three ARIES passes from spec.md §4.7 over a node's
// durable log on startup, rebuilding internal/txn's MVCC store and lock
// manager to exactly the state they held at crash time, then rolling back
// every transaction that was neither committed nor durably prepared.
type Manager struct {
	log   *wal.Store
	store *txn.Store
	locks *txn.LockManager
	ckpt  *CheckpointStore
}

// NewManager wires a recovery manager over the given log, MVCC store, lock
// manager and checkpoint store. ckpt may be nil, in which case recovery
// always scans from the start of the log.
func NewManager(log *wal.Store, store *txn.Store, locks *txn.LockManager, ckpt *CheckpointStore) *Manager {
	return &Manager{log: log, store: store, locks: locks, ckpt: ckpt}
}

// txnTableEntry tracks one transaction during the analysis pass.
type txnTableEntry struct {
	state       txn.State
	isolation   txn.IsolationLevel
	lastLSN     uint64
	undoNextLSN uint64
}

// Recover performs Analysis, Redo and Undo in order and returns once the
// store reflects durable state with every loser transaction either rolled
// back (Active/Preparing losers) or left Prepared pending the 2PC outcome,
// per spec.md §4.7's blocking-participant note.
func (m *Manager) Recover() error {
	startLSN := uint64(1)
	table := make(map[uint64]*txnTableEntry)

	if m.ckpt != nil {
		cp, ok, err := m.ckpt.Latest()
		if err != nil {
			return util.WrapFatal(err, "recovery: reading latest checkpoint")
		}
		if ok {
			startLSN = cp.LSN + 1
			for id, e := range cp.TxnTable {
				table[id] = &txnTableEntry{state: e.State, isolation: e.Isolation, lastLSN: e.LastLSN, undoNextLSN: e.UndoNextLSN}
			}
		}
	}

	lastIndex := m.log.LastIndex()
	if startLSN > lastIndex {
		return nil // nothing durable beyond the checkpoint to recover
	}

	entries, err := m.log.ReadRange(startLSN, lastIndex+1)
	if err != nil {
		return util.WrapFatal(err, "recovery: analysis scan")
	}

	m.analyze(entries, table)

	redoLSN := startLSN
	for _, e := range table {
		if e.lastLSN != 0 && e.lastLSN < redoLSN {
			redoLSN = e.lastLSN
		}
	}

	redoEntries := entries
	if redoLSN < startLSN {
		redoEntries, err = m.log.ReadRange(redoLSN, lastIndex+1)
		if err != nil {
			return util.WrapFatal(err, "recovery: redo scan")
		}
	}
	m.redo(redoEntries)

	return m.undo(table)
}

// analyze rebuilds the transaction table: every BEGIN starts an entry,
// every subsequent record for that transaction advances lastLSN, and
// COMMIT/ABORT close it out (a winner needs no undo), per spec.md §4.7
// step 1.
func (m *Manager) analyze(entries []wal.LogEntry, table map[uint64]*txnTableEntry) {
	for _, e := range entries {
		if e.Payload.Tag != wal.PayloadTxnRecord {
			continue
		}
		rec, err := txn.DecodeLogRecord(e.Payload.Data)
		if err != nil {
			util.WriteWarning("recovery: skipping undecodable txn record at lsn %d: %v", e.Index, err)
			continue
		}

		switch rec.Type {
		case txn.RecBegin:
			table[rec.TxnID] = &txnTableEntry{state: txn.Active, isolation: rec.Isolation, lastLSN: e.Index}
		case txn.RecCommit, txn.RecAbort:
			delete(table, rec.TxnID)
		default:
			if t, ok := table[rec.TxnID]; ok {
				t.lastLSN = e.Index
				if rec.Type == txn.RecCLR {
					t.undoNextLSN = rec.UndoNextLSN
				}
				if rec.Type == txn.RecPrepare {
					t.state = txn.Preparing
				}
				if rec.Type == txn.RecPrepared {
					t.state = txn.Prepared
				}
			}
		}
	}
}

// redo reapplies every txn record unconditionally in log order, per
// spec.md §4.7 step 2: the store starts empty after a crash, so every
// entry at or after redo_lsn is by definition not yet reflected and must
// be reapplied, including the tentative writes of transactions that will
// be undone next.
func (m *Manager) redo(entries []wal.LogEntry) {
	for _, e := range entries {
		if e.Payload.Tag != wal.PayloadTxnRecord {
			continue
		}
		rec, err := txn.DecodeLogRecord(e.Payload.Data)
		if err != nil {
			continue
		}

		switch rec.Type {
		case txn.RecBegin:
			m.store.BeginLocal(rec.TxnID, rec.Isolation)
		case txn.RecWrite:
			_ = m.store.Write(rec.TxnID, rec.Key, rec.After)
		case txn.RecDelete:
			_ = m.store.Delete(rec.TxnID, rec.Key)
		case txn.RecPrepare:
			m.store.SetState(rec.TxnID, txn.Preparing)
		case txn.RecPrepared:
			m.store.SetState(rec.TxnID, txn.Prepared)
			m.store.SetCoordinator(rec.TxnID, rec.CoordinatorID)
		case txn.RecCommit:
			m.store.MarkCommitted(rec.TxnID, rec.CommitTS)
		case txn.RecAbort:
			m.store.MarkAborted(rec.TxnID)
		case txn.RecCLR:
			if rec.HadBefore {
				_ = m.store.Write(rec.TxnID, rec.Key, rec.After)
			} else {
				m.store.UndoWrite(rec.TxnID, rec.Key)
			}
		}
	}
}

// undo walks each loser transaction's chain backward, compensating every
// Write/Delete and logging a CLR as it goes, per spec.md §4.7 step 3.
// Transactions left in Prepared state are never undone here: per spec.md
// §4.7's participant-recovery note, an orphaned PREPARED is resolved by
// txn.Coordinator.ResolveOrphans querying its CoordinatorID for the
// outcome, not unilaterally undone.
func (m *Manager) undo(table map[uint64]*txnTableEntry) error {
	for txnID, entry := range table {
		if entry.state == txn.Prepared {
			util.WriteInfo("recovery: txn %d left Prepared pending coordinator decision", txnID)
			continue
		}

		cur := entry.lastLSN
		if entry.undoNextLSN != 0 {
			cur = entry.undoNextLSN
		}

		for cur != 0 {
			recs, err := m.log.ReadRange(cur, cur+1)
			if err != nil || len(recs) == 0 {
				break
			}
			e := recs[0]
			if e.Payload.Tag != wal.PayloadTxnRecord {
				break
			}
			rec, err := txn.DecodeLogRecord(e.Payload.Data)
			if err != nil {
				break
			}

			switch rec.Type {
			case txn.RecWrite, txn.RecDelete:
				m.store.UndoWrite(rec.TxnID, rec.Key)
				clr := txn.LogRecord{
					Type:        txn.RecCLR,
					TxnID:       rec.TxnID,
					Key:         rec.Key,
					After:       rec.Before,
					HadBefore:   rec.HadBefore,
					UndoNextLSN: rec.PrevLSN,
				}
				if err := m.appendDirect(clr); err != nil {
					return util.WrapFatal(err, "recovery: logging CLR")
				}
				cur = rec.PrevLSN
			case txn.RecCLR:
				// a previous crash already compensated this step; skip
				// straight to what it still had left to undo.
				cur = rec.UndoNextLSN
			case txn.RecBegin:
				cur = 0
			default:
				cur = rec.PrevLSN
			}
		}

		if err := m.appendDirect(txn.LogRecord{Type: txn.RecAbort, TxnID: txnID}); err != nil {
			return util.WrapFatal(err, "recovery: logging ABORT after undo")
		}
		m.store.MarkAborted(txnID)
		m.locks.Release(txnID)
	}
	return nil
}

// appendDirect writes a CLR straight to the log outside of consensus,
// matching how a node recovering solo (no active leader yet) must be able
// to make its own undo pass durable before it can safely serve traffic.
func (m *Manager) appendDirect(rec txn.LogRecord) error {
	entry := wal.LogEntry{
		Index: m.log.LastIndex() + 1,
		Term:  m.log.LastTerm(),
		Payload: wal.Payload{
			Tag:  wal.PayloadTxnRecord,
			Data: txn.EncodeLogRecord(rec),
		},
	}
	return m.log.Append([]wal.LogEntry{entry})
}

// Checkpoint captures the store's current active-transaction table and
// persists it at the given LSN (the highest index already durable in the
// log at checkpoint time), per spec.md §4.7's periodic checkpoint note.
func (m *Manager) Checkpoint(lsn uint64) error {
	if m.ckpt == nil {
		return nil
	}

	active := m.store.ActiveSnapshot()
	table := make(map[uint64]TxnTableEntry, len(active))
	for id, t := range active {
		table[id] = TxnTableEntry{State: t.State, Isolation: t.Isolation, LastLSN: lsn}
	}

	return m.ckpt.Write(Checkpoint{LSN: lsn, TxnTable: table})
}
