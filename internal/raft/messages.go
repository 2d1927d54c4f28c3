package raft

import "github.com/latticedb/core/internal/wal"

// NodeInfo identifies a cluster member for dialing/addressing purposes.
// Mirrors the teacher's NodeInfo used by IPeerProxyFactory.
type NodeInfo struct {
	NodeID  uint64
	Address string
}

// RequestVoteRequest is §4.5's RequestVote RPC.
type RequestVoteRequest struct {
	Term         uint64
	CandidateID  uint64
	LastLogIndex uint64
	LastLogTerm  uint64
}

// RequestVoteReply carries back the voter's own term so the candidate can
// step down on a higher term, and VotedTerm so stale replies (from a prior
// term's RequestVote) can be detected and ignored.
type RequestVoteReply struct {
	Term        uint64
	VoteGranted bool
	NodeID      uint64
	VotedTerm   uint64
}

// AppendEntriesRequest is §4.5's AppendEntries RPC, doubling as heartbeat
// when Entries is empty.
type AppendEntriesRequest struct {
	Term         uint64
	LeaderID     uint64
	PrevLogIndex uint64
	PrevLogTerm  uint64
	Entries      []wal.LogEntry
	LeaderCommit uint64
}

// AppendEntriesReply reports the follower's outcome. LastMatch is the
// highest index the follower can confirm matches the leader's log: on
// success it's PrevLogIndex+len(Entries); on failure it's the follower's own
// last index, letting the leader jump nextIndex down in one round trip
// instead of decrementing one at a time.
type AppendEntriesReply struct {
	Term      uint64
	Success   bool
	NodeID    uint64
	LastMatch uint64
}

// InstallSnapshotRequest transfers a full state-machine snapshot to a
// follower whose nextIndex has fallen behind the leader's compacted prefix.
type InstallSnapshotRequest struct {
	Term          uint64
	LeaderID      uint64
	SnapshotIndex uint64
	SnapshotTerm  uint64
	Data          []byte
}

// InstallSnapshotReply acknowledges a snapshot transfer.
type InstallSnapshotReply struct {
	Term   uint64
	NodeID uint64
}

// ProposeResult is returned by Node.Propose.
type ProposeResult struct {
	Index uint64
	Term  uint64
}
