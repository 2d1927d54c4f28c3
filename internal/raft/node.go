// Package raft implements C5, the consensus engine described in spec.md
// §4.5: leader election, log replication, and the hybrid mode switch
// between strict Raft and a pipelined Multi-Paxos-style steady state. It is
// grounded on the teacher's pkg/raft (node.go, nodeleader.go, nodenonleader.go,
// followerinfo.go, peermanager.go), adapted to drive a durable
// internal/wal.Store instead of an in-memory log slice, and an
// internal/statemachine.Applier instead of a hardcoded KV store.
package raft

import (
	"bytes"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/latticedb/core/internal/metrics"
	"github.com/latticedb/core/internal/statemachine"
	"github.com/latticedb/core/internal/util"
	"github.com/latticedb/core/internal/wal"
)

// Role is the node's current raft state.
type Role int

const (
	RoleFollower Role = iota
	RoleCandidate
	RoleLeader
)

func (r Role) String() string {
	switch r {
	case RoleFollower:
		return "follower"
	case RoleCandidate:
		return "candidate"
	case RoleLeader:
		return "leader"
	default:
		return "unknown"
	}
}

// Mode is the replication discipline currently in effect, spec.md §4.5.
type Mode int

const (
	// ModeStrict requires AppendEntries acks to land in log-prefix order
	// before advancing the commit index; the safe default during startup,
	// elections, and membership changes.
	ModeStrict Mode = iota
	// ModePipelined allows out-of-order acks once the current leader has
	// advanced its commit index Config.MinStableTerms times within its term.
	ModePipelined
)

// ErrNoLeader is returned by operations that need to know the current
// leader but none is known yet.
var ErrNoLeader = errors.New("raft: no leader currently known")

// ErrNotLeader is returned by Propose when called on a non-leader node.
var ErrNotLeader = errors.New("raft: node is not the leader")

// ErrStopped is returned by Propose after Stop has been called.
var ErrStopped = errors.New("raft: node is stopped")

// Node is one member of the consensus cluster.
type Node struct {
	mu sync.RWMutex

	id   uint64
	cfg  Config
	rng  *rand.Rand

	role          Role
	mode          Mode
	currentTerm   uint64
	currentLeader uint64 // noNode if unknown
	votedFor      uint64 // noNode if none this term
	votes         map[uint64]bool

	leaderTermStartedAt time.Time
	stableTermCount     uint64
	commitIndex         uint64

	// outOfOrder buffers entries received from the leader while in
	// ModePipelined that arrive ahead of the contiguous log prefix, keyed
	// by index, per spec.md §4.5's out-of-order-ack pipelined mode.
	outOfOrder map[uint64]wal.LogEntry

	log *wal.Store
	sm  statemachine.Applier

	peers *peerManager

	onBecomeLeader func(term uint64)

	electionTimer *time.Timer
	heartbeatTick *time.Ticker
	chStop        chan struct{}
	wg            sync.WaitGroup
	started       bool
	stopped       bool
}

// NewNode constructs a node given its own id, voting peers, non-voting
// learners, the applier it drives on commit, the durable log it replicates
// over, and a factory for dialing peer RPC proxies.
func NewNode(id uint64, members map[uint64]NodeInfo, learners map[uint64]NodeInfo, sm statemachine.Applier, log *wal.Store, factory IPeerProxyFactory, cfg Config) *Node {
	n := &Node{
		id:            id,
		cfg:           cfg,
		rng:           rand.New(rand.NewSource(int64(id) + 1)),
		role:          RoleFollower,
		mode:          ModeStrict,
		currentLeader: noNode,
		votedFor:      noNode,
		log:           log,
		sm:            sm,
		outOfOrder:    make(map[uint64]wal.LogEntry),
		chStop:        make(chan struct{}),
	}
	n.peers = newPeerManager(members, learners, factory, n.replicateTo)
	n.restoreFromSnapshot()
	return n
}

// restoreFromSnapshot reconstructs the applier's in-memory state and this
// node's commit index from the log store's durably persisted snapshot, if
// one exists. Without this, a node restarting after any MaybeSnapshot would
// come up with its state machine empty even though the log prefix that
// built that state has been compacted away, per spec.md §6.
func (n *Node) restoreFromSnapshot() {
	data := n.log.SnapshotData()
	if data == nil {
		return
	}
	snapshotIndex := n.log.SnapshotIndex()
	if err := n.sm.Deserialize(bytes.NewReader(data), snapshotIndex); err != nil {
		util.WriteError("raft: restoring state machine from snapshot failed: %s", err)
		return
	}
	if snapshotIndex > n.commitIndex {
		n.commitIndex = snapshotIndex
	}
}

// ID returns this node's cluster id.
func (n *Node) ID() uint64 { return n.id }

// SetOnBecomeLeader wires a callback fired (on its own goroutine, so it
// never blocks the node's own lock) every time this node wins an election,
// after peer replication bookkeeping has been reset for the new term. The
// coordinator façade uses this to re-run C7 recovery against this node's
// own WAL: only the current leader's in-process MVCC store is kept live by
// direct mutation (spec.md §9), so a promoted follower must reconstruct
// its transaction state from the log before serving new transactions. Must
// be called before Start.
func (n *Node) SetOnBecomeLeader(fn func(term uint64)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onBecomeLeader = fn
}

// Start begins the election timer and the per-peer replication goroutines.
func (n *Node) Start() {
	n.mu.Lock()
	n.started = true
	n.mu.Unlock()

	n.peers.start()

	n.mu.Lock()
	n.electionTimer = time.NewTimer(n.randomElectionTimeout())
	n.heartbeatTick = time.NewTicker(n.cfg.HeartbeatInterval)
	n.mu.Unlock()

	n.wg.Add(1)
	go n.timerLoop()
}

// Stop halts the timer loop and replication goroutines.
func (n *Node) Stop() {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return
	}
	n.stopped = true
	n.mu.Unlock()

	close(n.chStop)
	n.wg.Wait()
	n.peers.stop()
}

func (n *Node) timerLoop() {
	defer n.wg.Done()
	for {
		n.mu.RLock()
		electionC := n.electionTimer.C
		heartbeatC := n.heartbeatTick.C
		n.mu.RUnlock()

		select {
		case <-electionC:
			n.onElectionTimeout()
		case <-heartbeatC:
			n.onHeartbeatTick()
		case <-n.chStop:
			return
		}
	}
}

func (n *Node) randomElectionTimeout() time.Duration {
	span := n.cfg.ElectionTimeoutMax - n.cfg.ElectionTimeoutMin
	if span <= 0 {
		return n.cfg.ElectionTimeoutMin
	}
	return n.cfg.ElectionTimeoutMin + time.Duration(n.rng.Int63n(int64(span)))
}

// refreshElectionTimerLocked resets the election countdown; caller holds n.mu.
func (n *Node) refreshElectionTimerLocked() {
	if n.electionTimer == nil {
		return
	}
	if !n.electionTimer.Stop() {
		select {
		case <-n.electionTimer.C:
		default:
		}
	}
	n.electionTimer.Reset(n.randomElectionTimeout())
}

func (n *Node) onElectionTimeout() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.role == RoleLeader {
		return
	}
	n.startElectionLocked()
}

func (n *Node) onHeartbeatTick() {
	n.mu.RLock()
	isLeader := n.role == RoleLeader
	n.mu.RUnlock()
	if !isLeader {
		return
	}
	for _, p := range n.peers.getPeers() {
		p.triggerReplication()
	}
}

// enterFollowerLocked transitions to follower state under sourceNodeID's
// term. Caller holds n.mu.
func (n *Node) enterFollowerLocked(sourceNodeID, newTerm uint64) {
	wasLeader := n.role == RoleLeader
	n.role = RoleFollower
	n.currentLeader = sourceNodeID
	n.setTermLocked(newTerm)
	n.refreshElectionTimerLocked()

	if wasLeader || n.mode != ModeStrict {
		// stepping down always forces strict mode back on, spec.md §4.5.
		n.mode = ModeStrict
		n.stableTermCount = 0
	}

	metrics.CurrentTerm.WithLabelValues(labelID(n.id)).Set(float64(n.currentTerm))
}

func (n *Node) enterCandidateLocked() {
	n.role = RoleCandidate
	n.currentLeader = noNode
	n.mode = ModeStrict
	n.stableTermCount = 0
	n.setTermLocked(n.currentTerm + 1)

	n.votedFor = n.id
	n.votes = map[uint64]bool{n.id: true}

	util.WriteInfo("T%d: node %d starts election", n.currentTerm, n.id)
	metrics.CurrentTerm.WithLabelValues(labelID(n.id)).Set(float64(n.currentTerm))
}

func (n *Node) enterLeaderLocked() {
	n.role = RoleLeader
	n.currentLeader = n.id
	n.leaderTermStartedAt = time.Now()
	n.stableTermCount = 0
	n.mode = ModeStrict
	n.peers.resetFollowerIndices(n.log.LastIndex())

	util.WriteInfo("T%d: node %d won election", n.currentTerm, n.id)
	metrics.LeaderElections.WithLabelValues(labelID(n.id)).Inc()

	if n.onBecomeLeader != nil {
		term := n.currentTerm
		go n.onBecomeLeader(term)
	}
}

func (n *Node) setTermLocked(newTerm uint64) {
	if newTerm < n.currentTerm {
		util.Panicf("raft: cannot set term %d lower than current term %d", newTerm, n.currentTerm)
	}
	if newTerm > n.currentTerm {
		n.votedFor = noNode
	}
	n.currentTerm = newTerm
}

// tryFollowNewTermLocked steps down to follower if newTerm is higher than
// ours, per spec.md §4.5's "higher term always wins" rule. Returns true if
// we stepped down. Caller holds n.mu.
func (n *Node) tryFollowNewTermLocked(sourceNodeID, newTerm uint64, refreshOnSameTerm bool) bool {
	if newTerm > n.currentTerm {
		n.enterFollowerLocked(sourceNodeID, newTerm)
		return true
	}
	if newTerm == n.currentTerm && refreshOnSameTerm {
		n.refreshElectionTimerLocked()
	}
	return false
}

// Status is a point-in-time snapshot of the node's consensus state, used by
// the coordinator façade's cluster_status operation.
type Status struct {
	ID          uint64
	Role        Role
	Mode        Mode
	Term        uint64
	Leader      uint64
	HasLeader   bool
	CommitIndex uint64
	LastIndex   uint64
}

func (n *Node) Status() Status {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return Status{
		ID:          n.id,
		Role:        n.role,
		Mode:        n.mode,
		Term:        n.currentTerm,
		Leader:      n.currentLeader,
		HasLeader:   n.currentLeader != noNode,
		CommitIndex: n.commitIndexLocked(),
		LastIndex:   n.log.LastIndex(),
	}
}

func labelID(id uint64) string {
	return util.FormatUint(id)
}
