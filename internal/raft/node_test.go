package raft

import (
	"testing"
	"time"

	"github.com/latticedb/core/internal/statemachine"
	"github.com/latticedb/core/internal/wal"
	"github.com/stretchr/testify/require"
)

// newTestCluster builds n nodes wired together via localProxy, each backed
// by its own on-disk WAL in a temp dir and its own KVStore applier. Timers
// are never started (Start is not called); tests drive state transitions
// and RPC handlers directly for determinism.
func newTestCluster(t *testing.T, n int) []*Node {
	t.Helper()

	registry := newNodeRegistry()
	members := make(map[uint64]NodeInfo, n)
	for i := 0; i < n; i++ {
		id := uint64(i + 1)
		members[id] = NodeInfo{NodeID: id, Address: "local"}
	}

	cfg := DefaultConfig()
	cfg.MinStableTerms = 2

	nodes := make([]*Node, n)
	for i := 0; i < n; i++ {
		id := uint64(i + 1)
		peers := make(map[uint64]NodeInfo, n-1)
		for pid, info := range members {
			if pid != id {
				peers[pid] = info
			}
		}

		store, err := wal.Open(t.TempDir())
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })

		sm := statemachine.NewKVStore(statemachine.DefaultConfig(), nil)
		node := NewNode(id, peers, nil, sm, store, &localFactory{registry: registry}, cfg)
		nodes[i] = node
		registry.nodes[id] = node
	}

	return nodes
}

// electNode drives a candidacy synchronously (no goroutines): it enters
// candidate state then invokes requestVoteFrom directly against each peer,
// which itself calls handleRequestVoteReply inline.
func electNode(n *Node) {
	n.mu.Lock()
	n.enterCandidateLocked()
	req := &RequestVoteRequest{
		Term:         n.currentTerm,
		CandidateID:  n.id,
		LastLogIndex: n.log.LastIndex(),
		LastLogTerm:  n.log.LastTerm(),
	}
	peers := n.peers.getPeers()
	n.mu.Unlock()

	for _, p := range peers {
		n.requestVoteFrom(p, req)
	}
}

func TestElectionSingleCandidateWinsMajority(t *testing.T) {
	nodes := newTestCluster(t, 3)
	electNode(nodes[0])

	st := nodes[0].Status()
	require.Equal(t, RoleLeader, st.Role)
	require.Equal(t, uint64(1), st.Term)
}

func TestRequestVoteRejectsStaleTerm(t *testing.T) {
	nodes := newTestCluster(t, 3)
	n := nodes[0]
	n.mu.Lock()
	n.currentTerm = 5
	n.mu.Unlock()

	reply := n.RequestVote(&RequestVoteRequest{Term: 3, CandidateID: 2})
	require.False(t, reply.VoteGranted)
	require.Equal(t, uint64(5), reply.Term)
}

func TestRequestVoteDeniesSecondVoteSameTerm(t *testing.T) {
	nodes := newTestCluster(t, 3)
	n := nodes[0]

	first := n.RequestVote(&RequestVoteRequest{Term: 1, CandidateID: 2})
	require.True(t, first.VoteGranted)

	second := n.RequestVote(&RequestVoteRequest{Term: 1, CandidateID: 3})
	require.False(t, second.VoteGranted)
}

func TestAppendEntriesRejectsOnPrevLogMismatch(t *testing.T) {
	nodes := newTestCluster(t, 2)
	follower := nodes[1]

	reply := follower.AppendEntries(&AppendEntriesRequest{
		Term:         1,
		LeaderID:     1,
		PrevLogIndex: 5,
		PrevLogTerm:  1,
	})
	require.False(t, reply.Success)
}

func TestAppendEntriesAppendsAndAppliesOnCommit(t *testing.T) {
	nodes := newTestCluster(t, 2)
	follower := nodes[1]

	entry := wal.LogEntry{Index: 1, Term: 1, Payload: wal.Payload{Tag: wal.PayloadOpaque, Data: statemachine.EncodeSet("k", "v")}}
	reply := follower.AppendEntries(&AppendEntriesRequest{
		Term:         1,
		LeaderID:     1,
		PrevLogIndex: 0,
		PrevLogTerm:  0,
		Entries:      []wal.LogEntry{entry},
		LeaderCommit: 1,
	})
	require.True(t, reply.Success)
	require.Equal(t, uint64(1), reply.LastMatch)
	require.Equal(t, uint64(1), follower.sm.LastApplied())
}

func TestLeaderReplicationAdvancesCommitOnQuorum(t *testing.T) {
	nodes := newTestCluster(t, 3)
	leader := nodes[0]
	electNode(leader)
	require.Equal(t, RoleLeader, leader.Status().Role)

	_, err := leader.Propose(wal.Payload{Tag: wal.PayloadOpaque, Data: statemachine.EncodeSet("k", "v")})
	require.NoError(t, err)

	leader.replicateTo(nodes[1].id)
	leader.replicateTo(nodes[2].id)

	require.Eventually(t, func() bool {
		return leader.Status().CommitIndex == 1
	}, time.Second, time.Millisecond)

	v, err := nodes[0].sm.Query("k")
	require.NoError(t, err)
	require.Equal(t, "v", v)
}

func TestProposeRejectsOnNonLeader(t *testing.T) {
	nodes := newTestCluster(t, 3)
	_, err := nodes[0].Propose(wal.Payload{Tag: wal.PayloadHeartbeat})
	require.ErrorIs(t, err, ErrNotLeader)
}

func TestHigherTermForcesStepDown(t *testing.T) {
	nodes := newTestCluster(t, 3)
	leader := nodes[0]
	electNode(leader)
	require.Equal(t, RoleLeader, leader.Status().Role)

	leader.AppendEntries(&AppendEntriesRequest{Term: 99, LeaderID: 2})

	st := leader.Status()
	require.Equal(t, RoleFollower, st.Role)
	require.Equal(t, uint64(99), st.Term)
}

func TestModeSwitchesToPipelinedAfterStableTerms(t *testing.T) {
	nodes := newTestCluster(t, 3)
	leader := nodes[0]
	electNode(leader)

	for i := 0; i < 3; i++ {
		_, err := leader.Propose(wal.Payload{Tag: wal.PayloadHeartbeat})
		require.NoError(t, err)
		leader.replicateTo(nodes[1].id)
		leader.replicateTo(nodes[2].id)
	}

	require.Eventually(t, func() bool {
		return leader.Status().Mode == ModePipelined
	}, time.Second, time.Millisecond)
}
