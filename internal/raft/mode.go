package raft

import "github.com/latticedb/core/internal/util"

// checkModeSwitchLocked implements spec.md §4.5's hybrid consensus mode:
// a fresh leader always starts in ModeStrict (textbook Raft). Once the
// leader has completed Config.MinStableTerms successful commit rounds under
// the same term without an intervening step-down, it relaxes into
// ModePipelined, where a rejected AppendEntries no longer moves a peer's
// nextIndex back (see peer.updateMatchIndex). Commit advancement uses the
// same leaderCommitLocked quorum rule in both modes. Caller holds n.mu and
// must only call this after a successful leaderCommitLocked advance.
func (n *Node) checkModeSwitchLocked() {
	if n.role != RoleLeader || n.mode == ModePipelined {
		return
	}

	n.stableTermCount++
	if n.stableTermCount >= n.cfg.MinStableTerms {
		n.mode = ModePipelined
		util.WriteInfo("T%d: node %d switching to pipelined steady-state replication", n.currentTerm, n.id)
	}
}

// acceptOutOfOrderAcks reports whether the node is in ModePipelined.
// handleAppendEntriesReply and sendSnapshotTo pass the Locked variant's
// result to peer.updateMatchIndex, which then leaves a peer's nextIndex
// unchanged on a rejected AppendEntries (pipelined mode) instead of moving
// it back (strict mode).
func (n *Node) acceptOutOfOrderAcks() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.acceptOutOfOrderAcksLocked()
}

// acceptOutOfOrderAcksLocked is acceptOutOfOrderAcks for callers that
// already hold n.mu.
func (n *Node) acceptOutOfOrderAcksLocked() bool {
	return n.mode == ModePipelined
}

// OnMembershipChange reverts the engine to strict replication mode, per
// spec.md §4.5: "An election or detected membership change immediately
// reverts to the strict startup mode." The façade wires this to C4's
// StatusChangeFunc so a suspected/failed/rejoined peer forces the leader
// back to ordered-ack commit advancement.
func (n *Node) OnMembershipChange() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.mode != ModeStrict {
		util.WriteInfo("T%d: node %d reverting to strict replication after a membership change", n.currentTerm, n.id)
	}
	n.mode = ModeStrict
	n.stableTermCount = 0
}
