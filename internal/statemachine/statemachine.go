// Package statemachine implements C2: the deterministic applier that
// consumes committed log entries in index order, per spec.md §4.2. It is
// grounded on the teacher's pkg/kvstore (KVStore implements the same
// Apply/Get/Serialize/Deserialize shape as raft.IStateMachine), generalized
// here to dispatch on the tagged payload sum from spec.md §9 instead of a
// single hardcoded command type.
package statemachine

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"io"
	"sync"

	"github.com/latticedb/core/internal/util"
	"github.com/latticedb/core/internal/wal"
)

// Applier is the interface the consensus engine drives: Apply is called
// exactly once per committed entry, in index order, with entry.Index >
// LastApplied(). Query reads a consistent snapshot of state without
// blocking concurrent applies (readers take the RLock; Apply takes the
// write lock only for the duration of the mutation, not for any I/O).
type Applier interface {
	Apply(entry wal.LogEntry)
	Query(params ...interface{}) (interface{}, error)
	LastApplied() uint64
	Serialize(w io.Writer) error
	Deserialize(r io.Reader, lastApplied uint64) error
}

// Config controls snapshotting and unknown-tag handling.
type Config struct {
	// SnapshotInterval is the number of newly-applied entries
	// (lastApplied - lastSnapshot) that triggers a new snapshot.
	SnapshotInterval uint64

	// StrictUnknownTags makes Apply panic on a payload tag the applier's
	// Handlers map doesn't recognize, instead of silently treating it as a
	// no-op. Operators who want forward-compatible rolling upgrades leave
	// this false; operators who want to catch a misconfigured version skew
	// immediately set it true. Per spec.md §9.
	StrictUnknownTags bool
}

// DefaultConfig matches the conservative, forward-compatible reading from
// spec.md §9.
func DefaultConfig() Config {
	return Config{SnapshotInterval: 1000, StrictUnknownTags: false}
}

// Handler processes one payload tag's bytes against the backing store.
// Handlers must be deterministic given the bytes: no wall-clock reads, no
// randomness, no unguarded map iteration order dependence.
type Handler func(data []byte) error

// KVStore is the reference Applier used by the coordinator façade and by
// tests: an in-memory key/value map plus a pluggable set of tag handlers
// for the other payload kinds (config/schema changes, txn records). It
// keeps the teacher's in-memory-only storage choice (state survives only
// through snapshot + replay, never touching disk directly) since spec.md
// §3 says state-machine state "is persisted via snapshot only."
type KVStore struct {
	mu     sync.RWMutex
	cfg    Config
	data   map[string]string
	lastApplied   uint64
	lastSnapshot  uint64
	handlers      map[wal.PayloadTag]Handler
}

// NewKVStore creates an applier with the given config and extra handlers
// for non-KV payload tags (config change, schema change, txn record). The
// Heartbeat tag is always a no-op; Opaque entries carry the store's own
// set/del commands.
func NewKVStore(cfg Config, handlers map[wal.PayloadTag]Handler) *KVStore {
	if handlers == nil {
		handlers = map[wal.PayloadTag]Handler{}
	}
	return &KVStore{
		cfg:      cfg,
		data:     make(map[string]string),
		handlers: handlers,
	}
}

// kvCommand is the payload shape for PayloadOpaque entries produced by the
// façade's plain key/value operations (distinct from the MVCC path, which
// uses PayloadTxnRecord instead).
type kvCommand struct {
	Op    string // "set" or "del"
	Key   string
	Value string
}

// EncodeSet/EncodeDelete are used by callers constructing log entries.
func EncodeSet(key, value string) []byte {
	var buf bytes.Buffer
	_ = gob.NewEncoder(&buf).Encode(kvCommand{Op: "set", Key: key, Value: value})
	return buf.Bytes()
}

func EncodeDelete(key string) []byte {
	var buf bytes.Buffer
	_ = gob.NewEncoder(&buf).Encode(kvCommand{Op: "del", Key: key})
	return buf.Bytes()
}

// Apply implements Applier. It must be called exactly once per committed
// entry in index order; the caller (the consensus engine's commit loop)
// enforces that ordering, not this type.
func (s *KVStore) Apply(entry wal.LogEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch entry.Payload.Tag {
	case wal.PayloadHeartbeat:
		// no-op by definition
	case wal.PayloadOpaque:
		s.applyKVLocked(entry.Payload.Data)
	default:
		if h, ok := s.handlers[entry.Payload.Tag]; ok {
			if err := h(entry.Payload.Data); err != nil {
				util.WriteError("statemachine: handler for tag %d failed at index %d: %s", entry.Payload.Tag, entry.Index, err)
			}
		} else if s.cfg.StrictUnknownTags {
			util.Panicf("statemachine: unknown payload tag %d at index %d in strict mode", entry.Payload.Tag, entry.Index)
		} else {
			util.WriteTrace("statemachine: treating unknown payload tag %d at index %d as opaque no-op", entry.Payload.Tag, entry.Index)
		}
	}

	s.lastApplied = entry.Index
}

func (s *KVStore) applyKVLocked(data []byte) {
	var cmd kvCommand
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&cmd); err != nil {
		util.WriteError("statemachine: malformed kv command: %s", err)
		return
	}
	switch cmd.Op {
	case "set":
		s.data[cmd.Key] = cmd.Value
	case "del":
		delete(s.data, cmd.Key)
	default:
		util.WriteError("statemachine: unknown kv op %q", cmd.Op)
	}
}

// Query implements Applier.Query for the single-key-lookup case used by
// the reference KV store.
func (s *KVStore) Query(params ...interface{}) (interface{}, error) {
	if len(params) != 1 {
		return nil, fmt.Errorf("statemachine: Query expects exactly one key parameter")
	}
	key, ok := params[0].(string)
	if !ok {
		return nil, fmt.Errorf("statemachine: Query parameter must be a string key")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return nil, fmt.Errorf("statemachine: key %q not found", key)
	}
	return v, nil
}

// LastApplied implements Applier.
func (s *KVStore) LastApplied() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastApplied
}

// ShouldSnapshot reports whether enough entries have been applied since the
// last snapshot to trigger a new one, per spec.md §4.2.
func (s *KVStore) ShouldSnapshot() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastApplied-s.lastSnapshot >= s.cfg.SnapshotInterval
}

// Serialize captures the complete applied state plus lastApplied.
func (s *KVStore) Serialize(w io.Writer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	enc := gob.NewEncoder(w)
	if err := enc.Encode(s.lastApplied); err != nil {
		return err
	}
	if err := enc.Encode(s.data); err != nil {
		return err
	}
	s.lastSnapshot = s.lastApplied
	return nil
}

// Deserialize installs a snapshot, reversing Serialize.
func (s *KVStore) Deserialize(r io.Reader, lastApplied uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dec := gob.NewDecoder(r)
	var appliedInSnapshot uint64
	if err := dec.Decode(&appliedInSnapshot); err != nil {
		return err
	}
	var data map[string]string
	if err := dec.Decode(&data); err != nil {
		return err
	}

	s.data = data
	s.lastApplied = lastApplied
	s.lastSnapshot = lastApplied
	return nil
}
