package raft

import (
	"bytes"
	"context"
	"time"

	"github.com/latticedb/core/internal/metrics"
	"github.com/latticedb/core/internal/util"
	"github.com/latticedb/core/internal/wal"
)

const rpcTimeout = 200 * time.Millisecond
const rpcSnapshotTimeout = rpcTimeout * 5

// maxAppendEntriesBatch caps how many entries one AppendEntries carries, so
// a far-behind follower doesn't force one giant RPC.
const maxAppendEntriesBatch = 64

func (n *Node) commitIndexLocked() uint64 {
	return n.commitIndex
}

// replicateTo is invoked on the per-peer replication goroutine owned by
// peerManager, grounded on the teacher's replicateData/prepareReplicate
// split (nodeleader.go). It decides, under a brief read lock, whether to
// send a snapshot or a log batch, then performs the RPC unlocked.
func (n *Node) replicateTo(nodeID uint64) {
	p := n.peers.getPeer(nodeID)

	n.mu.RLock()
	if n.role != RoleLeader {
		n.mu.RUnlock()
		return
	}
	currentTerm := n.currentTerm
	snapshotIndex := n.log.SnapshotIndex()
	leaderCommit := n.commitIndex
	nextIndex := p.nextIndex
	n.mu.RUnlock()

	if nextIndex <= snapshotIndex {
		n.sendSnapshotTo(p, currentTerm)
		return
	}

	entries, err := n.log.ReadRange(nextIndex, nextIndex+maxAppendEntriesBatch)
	if err != nil {
		util.WriteTrace("raft: reading log range for node %d failed: %s", nodeID, err)
		return
	}

	prevIndex := nextIndex - 1
	prevTerm, ok := n.log.TermAt(prevIndex)
	if !ok {
		n.sendSnapshotTo(p, currentTerm)
		return
	}

	req := &AppendEntriesRequest{
		Term:         currentTerm,
		LeaderID:     n.id,
		PrevLogIndex: prevIndex,
		PrevLogTerm:  prevTerm,
		Entries:      entries,
		LeaderCommit: leaderCommit,
	}

	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()
	reply, err := p.proxy.AppendEntries(ctx, req)
	if err != nil {
		util.WriteTrace("raft: AppendEntries to node %d failed: %s", nodeID, err)
		return
	}
	n.handleAppendEntriesReply(reply)
}

func (n *Node) sendSnapshotTo(p *peer, term uint64) {
	var buf bytes.Buffer
	if err := n.sm.Serialize(&buf); err != nil {
		util.WriteError("raft: serializing snapshot for node %d failed: %s", p.NodeID, err)
		return
	}

	req := &InstallSnapshotRequest{
		Term:          term,
		LeaderID:      n.id,
		SnapshotIndex: n.log.SnapshotIndex(),
		SnapshotTerm:  n.log.SnapshotTerm(),
		Data:          buf.Bytes(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), rpcSnapshotTimeout)
	defer cancel()
	reply, err := p.proxy.InstallSnapshot(ctx, req)
	if err != nil {
		util.WriteTrace("raft: InstallSnapshot to node %d failed: %s", p.NodeID, err)
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.tryFollowNewTermLocked(reply.NodeID, reply.Term, false) {
		return
	}
	p.updateMatchIndex(true, req.SnapshotIndex, n.acceptOutOfOrderAcksLocked())
}

// AppendEntries is the RPC handler invoked on a follower (or a stale
// leader/candidate, which must step down first) when the leader replicates.
func (n *Node) AppendEntries(req *AppendEntriesRequest) *AppendEntriesReply {
	n.mu.Lock()
	defer n.mu.Unlock()

	if req.Term < n.currentTerm {
		return &AppendEntriesReply{Term: n.currentTerm, Success: false, NodeID: n.id, LastMatch: n.log.LastIndex()}
	}

	n.tryFollowNewTermLocked(req.LeaderID, req.Term, true)
	if n.role == RoleCandidate && req.Term == n.currentTerm {
		n.enterFollowerLocked(req.LeaderID, req.Term)
	}
	n.currentLeader = req.LeaderID

	prevTerm, ok := n.log.TermAt(req.PrevLogIndex)
	if !ok || prevTerm != req.PrevLogTerm {
		if n.mode == ModePipelined && req.PrevLogIndex > n.log.LastIndex() {
			// Steady-state pipelined mode: rather than reject outright and
			// force the leader to retransmit the whole gap, buffer these
			// entries until the missing prefix arrives on a later RPC.
			for _, e := range req.Entries {
				n.outOfOrder[e.Index] = e
			}
			n.flushOutOfOrderLocked()
			return &AppendEntriesReply{Term: n.currentTerm, Success: false, NodeID: n.id, LastMatch: n.log.LastIndex()}
		}
		return &AppendEntriesReply{Term: n.currentTerm, Success: false, NodeID: n.id, LastMatch: n.log.LastIndex()}
	}

	for _, e := range req.Entries {
		existingTerm, known := n.log.TermAt(e.Index)
		if known && existingTerm != e.Term {
			if err := n.log.TruncateSuffix(e.Index); err != nil {
				util.WriteError("raft: truncating conflicting suffix at %d failed: %s", e.Index, err)
				return &AppendEntriesReply{Term: n.currentTerm, Success: false, NodeID: n.id, LastMatch: n.log.LastIndex()}
			}
			known = false
		}
		if !known {
			if err := n.log.Append([]wal.LogEntry{e}); err != nil {
				util.WriteError("raft: appending entry %d failed: %s", e.Index, err)
				return &AppendEntriesReply{Term: n.currentTerm, Success: false, NodeID: n.id, LastMatch: n.log.LastIndex()}
			}
		}
	}
	n.flushOutOfOrderLocked()

	lastNew := req.PrevLogIndex + uint64(len(req.Entries))
	if commit := util.MinU64(req.LeaderCommit, lastNew); commit > n.commitIndex {
		n.commitIndex = commit
		n.applyCommittedLocked()
	}

	return &AppendEntriesReply{Term: n.currentTerm, Success: true, NodeID: n.id, LastMatch: lastNew}
}

// flushOutOfOrderLocked applies any buffered pipelined-mode entries that
// have become contiguous with the log tail. Caller holds n.mu.
func (n *Node) flushOutOfOrderLocked() {
	for {
		next := n.log.LastIndex() + 1
		e, ok := n.outOfOrder[next]
		if !ok {
			return
		}
		if err := n.log.Append([]wal.LogEntry{e}); err != nil {
			util.WriteError("raft: flushing buffered entry %d failed: %s", next, err)
			return
		}
		delete(n.outOfOrder, next)
	}
}

// handleAppendEntriesReply updates follower bookkeeping and attempts to
// advance the commit index, grounded on nodeleader.go's handleReplicationReply.
func (n *Node) handleAppendEntriesReply(reply *AppendEntriesReply) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.tryFollowNewTermLocked(reply.NodeID, reply.Term, false) {
		return
	}
	if n.role != RoleLeader {
		return
	}

	p := n.peers.getPeer(reply.NodeID)
	p.updateMatchIndex(reply.Success, reply.LastMatch, n.acceptOutOfOrderAcksLocked())

	committed := n.leaderCommitLocked()
	if committed {
		n.checkModeSwitchLocked()
	}

	if p.nextIndex <= n.log.LastIndex() || committed {
		p.triggerReplication()
	}
}

// leaderCommitLocked advances commitIndex to the highest index reachable by
// quorum among entries from the current term, per Raft's §5.4.2 restriction
// that a leader may only commit entries it created itself.
func (n *Node) leaderCommitLocked() bool {
	advanced := false
	for i := n.log.LastIndex(); i > n.commitIndex; i-- {
		term, ok := n.log.TermAt(i)
		if !ok {
			continue
		}
		if term < n.currentTerm {
			break
		}
		if term > n.currentTerm {
			continue
		}
		if n.peers.quorumReached(i) {
			n.commitIndex = i
			advanced = true
			break
		}
	}
	if advanced {
		util.WriteTrace("T%d: leader %d committing to %d", n.currentTerm, n.id, n.commitIndex)
		n.applyCommittedLocked()
	}
	return advanced
}

func (n *Node) applyCommittedLocked() {
	for n.sm.LastApplied() < n.commitIndex {
		entries, err := n.log.ReadRange(n.sm.LastApplied()+1, n.sm.LastApplied()+2)
		if err != nil || len(entries) == 0 {
			util.WriteError("raft: could not read entry to apply: %v", err)
			return
		}
		n.sm.Apply(entries[0])
	}
	metrics.CommitIndex.WithLabelValues(labelID(n.id)).Set(float64(n.commitIndex))
}

// Propose appends a new entry as the current term's leader. It returns
// ErrNotLeader if this node isn't the leader, matching spec.md §7's
// not_leader client error.
func (n *Node) Propose(payload wal.Payload) (ProposeResult, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.role != RoleLeader {
		return ProposeResult{}, ErrNotLeader
	}

	index := n.log.LastIndex() + 1
	entry := wal.LogEntry{Index: index, Term: n.currentTerm, Payload: payload}
	if err := n.log.Append([]wal.LogEntry{entry}); err != nil {
		return ProposeResult{}, err
	}

	for _, p := range n.peers.getPeers() {
		p.triggerReplication()
	}

	return ProposeResult{Index: index, Term: n.currentTerm}, nil
}
