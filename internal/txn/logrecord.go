package txn

import (
	"bytes"
	"encoding/gob"
)

// RecordType tags the kind of transactional event inside one LogRecord,
// spec.md §4.6's 2PC steps (PREPARE/PREPARED/COMMIT/ABORT) plus the plain
// local Write/Begin events needed to replay MVCC state during recovery
// (C7). CLR is ARIES's compensation log record, spec.md §4.7.
type RecordType uint8

const (
	RecBegin RecordType = iota + 1
	RecWrite
	RecDelete
	RecPrepare
	RecPrepared
	RecCommit
	RecAbort
	RecCLR
)

// LogRecord is the payload carried inside a wal.LogEntry tagged
// wal.PayloadTxnRecord. Its own LSN is implicitly the wal entry's Index;
// PrevLSN chains a transaction's records backward for ARIES undo, and
// UndoNextLSN is only meaningful on a CLR (spec.md §4.7).
type LogRecord struct {
	Type        RecordType
	TxnID       uint64
	PrevLSN     uint64
	UndoNextLSN uint64

	// Write/Delete/CLR fields.
	Key        string
	Before     []byte // nil on first write to a key
	After      []byte // nil for Delete and for a CLR undoing a Delete's tombstone
	HadBefore  bool

	// Prepare/Commit fields.
	Participants []uint64
	CommitTS     uint64
	Isolation    IsolationLevel

	// CoordinatorID identifies the node driving 2PC for this transaction,
	// set on RecPrepared so a restarted participant's recovery (internal/
	// recovery) knows which node to ask for the outcome of an orphaned
	// PREPARED transaction, per spec.md §4.6.
	CoordinatorID uint64
}

// Encode/DecodeLogRecord serialize a LogRecord to/from the bytes stored in
// wal.Payload.Data, mirroring internal/wal/record.go's own choice of gob
// for LogEntry encoding.
func EncodeLogRecord(r LogRecord) []byte {
	var buf bytes.Buffer
	_ = gob.NewEncoder(&buf).Encode(r)
	return buf.Bytes()
}

func DecodeLogRecord(data []byte) (LogRecord, error) {
	var r LogRecord
	err := gob.NewDecoder(bytes.NewReader(data)).Decode(&r)
	return r, err
}
