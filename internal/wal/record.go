package wal

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"hash/crc64"
)

// PayloadTag identifies the tagged-sum kind of a LogEntry's payload, per
// spec.md §9 ("Polymorphism"). The state machine dispatches on this tag;
// new tags can be added without changing the on-disk record format because
// unknown tags are treated as opaque no-ops unless StrictUnknownTags is set.
type PayloadTag uint8

const (
	PayloadConfigChange PayloadTag = iota + 1
	PayloadSchemaChange
	PayloadTxnRecord
	PayloadHeartbeat
	PayloadOpaque
)

// Payload is the tagged union stored inside a LogEntry. Data is the
// tag-specific encoding (e.g. a gob-encoded txn.LogRecord for
// PayloadTxnRecord); the log store itself never interprets it.
type Payload struct {
	Tag  PayloadTag
	Data []byte
}

// LogEntry is the unit of replication, per spec.md §3. Index and Term are
// dense and monotonic within one node's log; two logs sharing (Index, Term)
// must be byte-identical (Log Matching).
type LogEntry struct {
	Index   uint64
	Term    uint64
	Payload Payload
}

var crcTable = crc64.MakeTable(crc64.ISO)

// record is the exact on-disk framing from spec.md §6:
// { lsn: u64, length: u32, checksum: u64, bytes }. length covers everything
// after the checksum; checksum covers (lsn || length || bytes).
type record struct {
	lsn      uint64
	length   uint32
	checksum uint64
	bytes    []byte
}

func encodeEntry(e LogEntry) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(e); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeEntry(b []byte) (LogEntry, error) {
	var e LogEntry
	err := gob.NewDecoder(bytes.NewReader(b)).Decode(&e)
	return e, err
}

// marshalRecord serializes a record to its exact wire/disk layout.
func marshalRecord(lsn uint64, payload []byte) []byte {
	length := uint32(len(payload))
	out := make([]byte, 8+4+8+len(payload))
	binary.BigEndian.PutUint64(out[0:8], lsn)
	binary.BigEndian.PutUint32(out[8:12], length)

	checksum := computeChecksum(lsn, length, payload)
	binary.BigEndian.PutUint64(out[12:20], checksum)
	copy(out[20:], payload)
	return out
}

func computeChecksum(lsn uint64, length uint32, payload []byte) uint64 {
	h := crc64.New(crcTable)
	var hdr [12]byte
	binary.BigEndian.PutUint64(hdr[0:8], lsn)
	binary.BigEndian.PutUint32(hdr[8:12], length)
	h.Write(hdr[:])
	h.Write(payload)
	return h.Sum64()
}

// headerSize is lsn(8) + length(4) + checksum(8).
const headerSize = 20
