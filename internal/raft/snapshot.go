package raft

import (
	"bytes"

	"github.com/latticedb/core/internal/util"
)

// snapshotter is implemented by statemachine.KVStore (and any other
// Applier) to expose the snapshot-interval check MaybeSnapshot consults.
type snapshotter interface {
	ShouldSnapshot() bool
}

// InstallSnapshot is the RPC handler invoked on a follower whose log has
// fallen behind the leader's compacted prefix.
func (n *Node) InstallSnapshot(req *InstallSnapshotRequest) *InstallSnapshotReply {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.tryFollowNewTermLocked(req.LeaderID, req.Term, true)
	if req.Term < n.currentTerm {
		return &InstallSnapshotReply{Term: n.currentTerm, NodeID: n.id}
	}
	n.currentLeader = req.LeaderID

	if err := n.sm.Deserialize(bytes.NewReader(req.Data), req.SnapshotIndex); err != nil {
		util.WriteError("raft: installing snapshot failed: %s", err)
		return &InstallSnapshotReply{Term: n.currentTerm, NodeID: n.id}
	}
	if err := n.log.InstallSnapshot(req.SnapshotIndex, req.SnapshotTerm, req.Data); err != nil {
		util.WriteError("raft: compacting log after snapshot install failed: %s", err)
	}
	if req.SnapshotIndex > n.commitIndex {
		n.commitIndex = req.SnapshotIndex
	}

	return &InstallSnapshotReply{Term: n.currentTerm, NodeID: n.id}
}

// MaybeSnapshot compacts the durable log once the applier reports enough
// entries have accumulated since the last snapshot, per spec.md §4.2. The
// coordinator façade calls this on every SnapshotCheckInterval tick; it's a
// cheap no-op check whenever the applier is not yet due.
func (n *Node) MaybeSnapshot() error {
	snap, ok := n.sm.(snapshotter)
	if !ok || !snap.ShouldSnapshot() {
		return nil
	}

	var buf bytes.Buffer
	if err := n.sm.Serialize(&buf); err != nil {
		return err
	}

	lastApplied := n.sm.LastApplied()
	term, ok := n.log.TermAt(lastApplied)
	if !ok {
		term = n.log.LastTerm()
	}
	return n.log.InstallSnapshot(lastApplied, term, buf.Bytes())
}
