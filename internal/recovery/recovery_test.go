package recovery

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/latticedb/core/internal/txn"
	"github.com/latticedb/core/internal/wal"
)

// appendTxnRecord appends one gob-encoded txn.LogRecord directly to the log
// and returns its assigned LSN (index), for building a log by hand the way
// a running coordinator would have, one record at a time.
func appendTxnRecord(t *testing.T, log *wal.Store, rec txn.LogRecord) uint64 {
	t.Helper()
	index := log.LastIndex() + 1
	entry := wal.LogEntry{
		Index: index,
		Term:  1,
		Payload: wal.Payload{
			Tag:  wal.PayloadTxnRecord,
			Data: txn.EncodeLogRecord(rec),
		},
	}
	require.NoError(t, log.Append([]wal.LogEntry{entry}))
	return index
}

func TestRecoverCommitsWinnerAndUndoesLoser(t *testing.T) {
	log, err := wal.Open(t.TempDir())
	require.NoError(t, err)
	defer log.Close()

	// Transaction A: begins, writes, commits (a winner).
	appendTxnRecord(t, log, txn.LogRecord{Type: txn.RecBegin, TxnID: 10, Isolation: txn.ReadCommitted})
	lsnAWrite := appendTxnRecord(t, log, txn.LogRecord{Type: txn.RecWrite, TxnID: 10, Key: "x", After: []byte("1"), PrevLSN: 0})
	_ = lsnAWrite
	appendTxnRecord(t, log, txn.LogRecord{Type: txn.RecCommit, TxnID: 10, CommitTS: 100})

	// Transaction B: begins, writes twice, then the log ends mid-flight (a
	// crash before commit or abort was ever logged).
	appendTxnRecord(t, log, txn.LogRecord{Type: txn.RecBegin, TxnID: 20, Isolation: txn.ReadCommitted})
	lsnBWrite1 := appendTxnRecord(t, log, txn.LogRecord{Type: txn.RecWrite, TxnID: 20, Key: "y", After: []byte("2"), PrevLSN: 0})
	appendTxnRecord(t, log, txn.LogRecord{Type: txn.RecWrite, TxnID: 20, Key: "z", After: []byte("3"), PrevLSN: lsnBWrite1})

	store := txn.NewStore(txn.DefaultConfig())
	locks := txn.NewLockManager()
	mgr := NewManager(log, store, locks, nil)
	require.NoError(t, mgr.Recover())

	reader := store.BeginLocal(store.NextTS(), txn.ReadCommitted)
	val, ok, err := store.Read(reader.ID, "x")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("1"), val)

	_, ok, err = store.Read(reader.ID, "y")
	require.NoError(t, err)
	require.False(t, ok, "loser transaction's write must be undone")

	_, ok, err = store.Read(reader.ID, "z")
	require.NoError(t, err)
	require.False(t, ok, "loser transaction's second write must be undone")

	tx, ok := store.Transaction(20)
	require.True(t, ok)
	require.Equal(t, txn.Aborted, tx.State)
}

func TestRecoverLeavesPreparedTransactionAlone(t *testing.T) {
	log, err := wal.Open(t.TempDir())
	require.NoError(t, err)
	defer log.Close()

	appendTxnRecord(t, log, txn.LogRecord{Type: txn.RecBegin, TxnID: 30, Isolation: txn.Serializable, Participants: []uint64{1, 2}})
	appendTxnRecord(t, log, txn.LogRecord{Type: txn.RecWrite, TxnID: 30, Key: "k", After: []byte("v")})
	appendTxnRecord(t, log, txn.LogRecord{Type: txn.RecPrepare, TxnID: 30, Participants: []uint64{2}})
	appendTxnRecord(t, log, txn.LogRecord{Type: txn.RecPrepared, TxnID: 30})

	store := txn.NewStore(txn.DefaultConfig())
	locks := txn.NewLockManager()
	mgr := NewManager(log, store, locks, nil)
	require.NoError(t, mgr.Recover())

	tx, ok := store.Transaction(30)
	require.True(t, ok)
	require.Equal(t, txn.Prepared, tx.State, "an orphaned PREPARED transaction must survive recovery undecided")

	val, ok, err := store.Read(30, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v"), val, "a prepared transaction's own writes stay visible to itself")
}

func TestRecoveryIsIdempotentAcrossRepeatedCrashes(t *testing.T) {
	log, err := wal.Open(t.TempDir())
	require.NoError(t, err)
	defer log.Close()

	appendTxnRecord(t, log, txn.LogRecord{Type: txn.RecBegin, TxnID: 40, Isolation: txn.ReadCommitted})
	lsnWrite := appendTxnRecord(t, log, txn.LogRecord{Type: txn.RecWrite, TxnID: 40, Key: "k", After: []byte("v1")})
	appendTxnRecord(t, log, txn.LogRecord{Type: txn.RecWrite, TxnID: 40, Key: "k", After: []byte("v2"), PrevLSN: lsnWrite})

	store1 := txn.NewStore(txn.DefaultConfig())
	locks1 := txn.NewLockManager()
	require.NoError(t, NewManager(log, store1, locks1, nil).Recover())

	lastIndexAfterFirst := log.LastIndex()

	// Simulate a second crash right after the first recovery completed
	// (or mid-way through it) by running Recover again against the same
	// durable log, now including the CLR/ABORT records the first pass
	// appended.
	store2 := txn.NewStore(txn.DefaultConfig())
	locks2 := txn.NewLockManager()
	require.NoError(t, NewManager(log, store2, locks2, nil).Recover())

	require.Equal(t, lastIndexAfterFirst, log.LastIndex(), "a second recovery over an already-resolved transaction must not append more compensation records")

	_, ok, err := store2.Read(40, "k")
	require.NoError(t, err)
	require.False(t, ok)

	tx, ok := store2.Transaction(40)
	require.True(t, ok)
	require.Equal(t, txn.Aborted, tx.State)
}
