// Package wal implements C1, the durable append-only log store described in
// spec.md §4.1 and §6. It is grounded on the teacher's in-memory logMgr
// (sidecus-raft/pkg/raft, referenced from node.go/nodeleader.go/
// followerinfo.go) but replaces the teacher's plain slice with a real
// fsync'd file, since the teacher never persisted its log at all.
package wal

import (
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/latticedb/core/internal/util"
)

// ErrCompacted is returned by ReadRange when the requested range overlaps
// entries already removed by a snapshot.
var ErrCompacted = errors.New("wal: requested range has been compacted")

// ErrOutOfOrderAppend is returned by Append when entries[0].Index doesn't
// immediately follow the current last index.
var ErrOutOfOrderAppend = errors.New("wal: append batch does not start at last_index+1")

// Store is the durable, append-only, checksummed log described in spec.md
// §4.1. All exported methods are safe for concurrent use; Append is the
// only writer (the consensus engine's append path, per spec.md §5 "Shared
// mutable state"), while ReadRange may run concurrently with it for
// indices at or below the committed watermark.
type Store struct {
	mu sync.RWMutex

	dir  string
	file *os.File

	entries       []LogEntry // entries[i] corresponds to logical index snapshotIndex+1+i
	snapshotIndex uint64
	snapshotTerm  uint64
	snapshotData  []byte
	nextLSN       uint64
}

// snapshotFileName is the durable file holding spec.md §6's snapshot
// format: { last_included_index: u64, last_included_term: u64,
// state_bytes }.
const snapshotFileName = "snapshot"

// Open opens (creating if needed) the log store rooted at dir, replaying
// any existing log file and stopping replay at the first checksum mismatch
// (torn-write detection), per spec.md §4.1.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, util.WrapFatal(err, "wal: creating directory")
	}

	path := filepath.Join(dir, "log")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, util.WrapFatal(err, "wal: opening log file")
	}

	s := &Store{
		dir:           dir,
		file:          f,
		snapshotIndex: 0,
		snapshotTerm:  0,
	}

	if err := s.loadSnapshot(); err != nil {
		f.Close()
		return nil, util.WrapFatal(err, "wal: loading snapshot file")
	}

	if err := s.replay(); err != nil {
		f.Close()
		return nil, util.WrapFatal(err, "wal: replaying log file")
	}

	return s, nil
}

// loadSnapshot restores snapshotIndex/snapshotTerm/snapshotData from the
// durable snapshot file written by InstallSnapshot, if one exists. Called
// once from Open before replay, so a restart after any snapshot resumes
// index/term math from the compacted boundary instead of from zero.
func (s *Store) loadSnapshot() error {
	path := filepath.Join(s.dir, snapshotFileName)
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(b) < 16 {
		return errors.New("wal: truncated snapshot file")
	}

	s.snapshotIndex = beUint64(b[0:8])
	s.snapshotTerm = beUint64(b[8:16])
	s.snapshotData = append([]byte(nil), b[16:]...)
	return nil
}

// persistSnapshotLocked durably writes the snapshot file, write-then-rename
// so a crash mid-write can never leave a torn snapshot behind. Caller holds
// s.mu.
func (s *Store) persistSnapshotLocked(index, term uint64, data []byte) error {
	path := filepath.Join(s.dir, snapshotFileName)
	tmp := path + ".tmp"

	out := make([]byte, 16+len(data))
	binary.BigEndian.PutUint64(out[0:8], index)
	binary.BigEndian.PutUint64(out[8:16], term)
	copy(out[16:], data)

	f, err := os.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(out); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	f.Close()

	return os.Rename(tmp, path)
}

// SnapshotData returns the state-machine bytes captured by the most recent
// InstallSnapshot, or nil if no snapshot has ever been installed.
func (s *Store) SnapshotData() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotData
}

// replay scans the log file from the start, decoding entries until EOF or a
// checksum mismatch. On mismatch it truncates the file at the last good
// offset, treating the torn tail as if it had never been appended.
func (s *Store) replay() error {
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return err
	}

	var lastGoodOffset int64
	for {
		hdr := make([]byte, headerSize)
		n, err := io.ReadFull(s.file, hdr)
		if err == io.EOF || (err == io.ErrUnexpectedEOF && n == 0) {
			break
		}
		if err == io.ErrUnexpectedEOF {
			// torn header write
			break
		}
		if err != nil {
			return err
		}

		lsn := beUint64(hdr[0:8])
		length := beUint32(hdr[8:12])
		checksum := beUint64(hdr[12:20])
		payloadLen := int(length)

		payload := make([]byte, payloadLen)
		if _, err := io.ReadFull(s.file, payload); err != nil {
			break // torn payload write
		}

		if computeChecksum(lsn, length, payload) != checksum {
			util.WriteWarning("wal: checksum mismatch at lsn %d, treating as end of log", lsn)
			break
		}

		entry, err := decodeEntry(payload)
		if err != nil {
			break
		}

		s.entries = append(s.entries, entry)
		s.nextLSN = lsn + 1
		lastGoodOffset += int64(headerSize + payloadLen)
	}

	return s.file.Truncate(lastGoodOffset)
}

// LastIndex returns the index of the last entry in the log, or
// SnapshotIndex() if the log (beyond the snapshot) is empty.
func (s *Store) LastIndex() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastIndexLocked()
}

func (s *Store) lastIndexLocked() uint64 {
	return s.snapshotIndex + uint64(len(s.entries))
}

// LastTerm returns the term of the last entry, or the snapshot term if the
// log is empty.
func (s *Store) LastTerm() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.entries) == 0 {
		return s.snapshotTerm
	}
	return s.entries[len(s.entries)-1].Term
}

// SnapshotIndex returns the last index compacted into the current snapshot.
func (s *Store) SnapshotIndex() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotIndex
}

// SnapshotTerm returns the term of SnapshotIndex.
func (s *Store) SnapshotTerm() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotTerm
}

// TermAt returns the term of the entry at index, and whether it's known
// (either present in the in-memory tail, or equal to the snapshot boundary).
func (s *Store) TermAt(index uint64) (uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.termAtLocked(index)
}

func (s *Store) termAtLocked(index uint64) (uint64, bool) {
	if index == s.snapshotIndex {
		return s.snapshotTerm, true
	}
	if index < s.snapshotIndex || index > s.lastIndexLocked() {
		return 0, false
	}
	return s.entries[index-s.snapshotIndex-1].Term, true
}

// Append atomically appends a contiguous batch of entries, fsyncing before
// returning success. It fails if entries[0].Index != LastIndex()+1.
func (s *Store) Append(entries []LogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if entries[0].Index != s.lastIndexLocked()+1 {
		return ErrOutOfOrderAppend
	}

	if _, err := s.file.Seek(0, io.SeekEnd); err != nil {
		return err
	}

	for _, e := range entries {
		payload, err := encodeEntry(e)
		if err != nil {
			return err
		}
		rec := marshalRecord(s.nextLSN, payload)
		if _, err := s.file.Write(rec); err != nil {
			return util.WrapFatal(err, "wal: append write failed")
		}
		s.nextLSN++
	}

	if err := s.file.Sync(); err != nil {
		return util.WrapFatal(err, "wal: fsync failed")
	}

	s.entries = append(s.entries, entries...)
	return nil
}

// TruncateSuffix removes entries at index >= fromIndex. Used only by
// followers overwriting a conflicting tail (spec.md §4.1). The physical log
// file is rewritten from scratch so that a subsequent crash can't resurrect
// truncated entries.
func (s *Store) TruncateSuffix(fromIndex uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if fromIndex <= s.snapshotIndex {
		return errors.New("wal: cannot truncate into compacted prefix")
	}
	if fromIndex > s.lastIndexLocked() {
		return nil
	}

	keep := fromIndex - s.snapshotIndex - 1
	s.entries = s.entries[:keep]
	return s.rewriteLocked()
}

// rewriteLocked rewrites the log file from the current in-memory entries.
// Caller holds s.mu.
func (s *Store) rewriteLocked() error {
	path := s.file.Name()
	tmp := path + ".tmp"

	f, err := os.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	lsn := uint64(0)
	for _, e := range s.entries {
		payload, err := encodeEntry(e)
		if err != nil {
			f.Close()
			return err
		}
		if _, err := f.Write(marshalRecord(lsn, payload)); err != nil {
			f.Close()
			return err
		}
		lsn++
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	f.Close()

	if err := os.Rename(tmp, path); err != nil {
		return err
	}

	newFile, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	s.file.Close()
	s.file = newFile
	s.nextLSN = lsn
	return nil
}

// ReadRange returns entries in [lo, hi), or ErrCompacted if lo falls at or
// below the snapshot watermark.
func (s *Store) ReadRange(lo, hi uint64) ([]LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if lo <= s.snapshotIndex {
		return nil, ErrCompacted
	}
	last := s.lastIndexLocked()
	if hi > last+1 {
		hi = last + 1
	}
	if lo >= hi {
		return nil, nil
	}

	start := lo - s.snapshotIndex - 1
	end := hi - s.snapshotIndex - 1
	out := make([]LogEntry, end-start)
	copy(out, s.entries[start:end])
	return out, nil
}

// InstallSnapshot replaces the log prefix up to and including index with a
// compacted snapshot, durably persisting the snapshot file described in
// spec.md §6 ({ last_included_index, last_included_term, state_bytes })
// before trimming the log, so a crash between the two leaves either the old
// or the new snapshot intact, never neither. Subsequent appends must start
// at index+1.
func (s *Store) InstallSnapshot(index, term uint64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index < s.snapshotIndex {
		return nil // stale, already compacted further
	}

	if err := s.persistSnapshotLocked(index, term, data); err != nil {
		return util.WrapFatal(err, "wal: persisting snapshot failed")
	}

	if index <= s.lastIndexLocked() {
		keep := s.entries[index-s.snapshotIndex:]
		s.entries = append([]LogEntry(nil), keep...)
	} else {
		s.entries = nil
	}

	s.snapshotIndex = index
	s.snapshotTerm = term
	s.snapshotData = data
	return s.rewriteLocked()
}

// Close releases the underlying file handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

func beUint64(b []byte) uint64 {
	return uint64(b[0])<<56 | uint64(b[1])<<48 | uint64(b[2])<<40 | uint64(b[3])<<32 |
		uint64(b[4])<<24 | uint64(b[5])<<16 | uint64(b[6])<<8 | uint64(b[7])
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
