// Package transport implements the wire layer carrying Raft RPCs, SWIM
// gossip messages and 2PC participant calls between nodes, grounded on
// pkg/kvstore/kvstorerpcserver.go and kvstorepeerclient.go's grpc usage.
// Unlike the teacher, this package never generates protobuf stubs: per the
// domain stack's explicit exclusion of generated .pb.go code, every message
// is carried as an opaque byte slice inside a single Envelope, framed by a
// hand-written grpc.ServiceDesc (service.go) and a custom grpc codec
// (codec.go) instead of protoc-gen-go-grpc output.
package transport

import (
	"bytes"
	"encoding/gob"

	"github.com/google/uuid"
)

// EnvelopeKind tags what Payload carries, letting one generic RPC method
// stand in for every message type the teacher split across distinct
// protobuf services (KVStoreRaft's AppendEntries/RequestVote/Set/Delete/Get
// each got their own RPC; here they share one transport and dispatch on
// Kind instead).
type EnvelopeKind uint8

const (
	KindAppendEntriesRequest EnvelopeKind = iota + 1
	KindAppendEntriesReply
	KindRequestVoteRequest
	KindRequestVoteReply
	KindPing
	KindAck
	KindPingReq
	KindPrepareRequest
	KindPrepareReply
	KindCommitRequest
	KindCommitReply
	KindAbortRequest
	KindAbortReply
	KindDecisionQueryRequest
	KindDecisionQueryReply
)

// Envelope is the single message type framed over the wire by the unary
// Send method. Client sets ID to a fresh UUID per request and Server copies
// it into the reply Envelope; nothing else reads it. Snapshot streams carry
// SnapshotChunk frames, not Envelopes.
type Envelope struct {
	ID      uuid.UUID
	Kind    EnvelopeKind
	Payload []byte
}

// PrepareRequest/PrepareReply, CommitRequest/CommitReply and
// AbortRequest/AbortReply are the gob-encoded bodies carried inside
// Envelopes of the matching Kind, mirroring txn.Participant's method
// signatures (internal/txn never depends on this package directly, per the
// same decoupling raft.IPeerProxy gives internal/raft).
type PrepareRequest struct {
	TxnID         uint64
	CoordinatorID uint64
}

type PrepareReply struct {
	Vote bool
}

type CommitRequest struct {
	TxnID    uint64
	CommitTS uint64
}

type CommitReply struct{}

type AbortRequest struct {
	TxnID uint64
}

type AbortReply struct{}

// DecisionQueryRequest/DecisionQueryReply carry a restarted participant's
// query for the outcome of a transaction it still holds Prepared, mirroring
// txn.Coordinator.HandleDecisionQuery/txn.DecisionResult, per spec.md §4.6's
// orphaned-PREPARED recovery path.
type DecisionQueryRequest struct {
	TxnID uint64
}

type DecisionQueryReply struct {
	Outcome  uint8
	CommitTS uint64
}

// SnapshotChunk is one frame of a streamed InstallSnapshot transfer, per
// spec.md §4.2's snapshot transport note. The leader sends the metadata in
// every chunk; the follower takes it from the first chunk, buffers the data
// in memory and installs once the stream closes, the same shape as
// kvstorerpcserver.go's RPCServer.InstallSnapshot minus its temp file.
type SnapshotChunk struct {
	LeaderID      uint64
	Term          uint64
	SnapshotIndex uint64
	SnapshotTerm  uint64
	Data          []byte
}

// SnapshotAck is the single reply sent once a streamed InstallSnapshot
// finishes, carrying back the follower's AppendEntriesReply-shaped outcome.
type SnapshotAck struct {
	Term      uint64
	Success   bool
	NodeID    uint64
	LastMatch uint64
}

func gobEncode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gobDecode(b []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
