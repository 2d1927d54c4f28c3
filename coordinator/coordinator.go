package coordinator

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"time"

	"github.com/latticedb/core/internal/coordinatorerr"
	"github.com/latticedb/core/internal/failuredetector"
	"github.com/latticedb/core/internal/membership"
	"github.com/latticedb/core/internal/raft"
	"github.com/latticedb/core/internal/recovery"
	"github.com/latticedb/core/internal/statemachine"
	"github.com/latticedb/core/internal/transport"
	"github.com/latticedb/core/internal/txn"
	"github.com/latticedb/core/internal/util"
	"github.com/latticedb/core/internal/wal"
)

// Coordinator is C8: the single process-level entry point for one node.
// It owns every other component and is the only type client and
// administrative code outside this module ever talks to.
type Coordinator struct {
	cfg Config

	log  *wal.Store
	ckpt *recovery.CheckpointStore
	pool *transport.ClientPool
	book *addressBook

	sm       *statemachine.KVStore
	node     *raft.Node
	members  *membership.List
	detector *failuredetector.Detector
	server   *transport.Server
	txnCoord *txn.Coordinator

	// store/locks/recov are rebuilt from the log every time this node
	// becomes leader (see onBecomeLeader); txnMu guards the swap against
	// the periodic vacuum/checkpoint loops reading them concurrently.
	txnMu sync.RWMutex
	store *txn.Store
	locks *txn.LockManager
	recov *recovery.Manager

	stop chan struct{}
	wg   sync.WaitGroup
}

// New wires every sub-component for cfg.SelfID without starting any of
// them. Call Start to recover from disk and begin serving.
func New(cfg Config) (*Coordinator, error) {
	if cfg.SelfAddress == "" {
		return nil, errors.New("coordinator: Config.SelfAddress is required")
	}
	if cfg.DataDir == "" {
		return nil, errors.New("coordinator: Config.DataDir is required")
	}

	logStore, err := wal.Open(filepath.Join(cfg.DataDir, "wal"))
	if err != nil {
		return nil, err
	}

	ckpt, err := recovery.OpenCheckpointStore(filepath.Join(cfg.DataDir, "checkpoint.db"))
	if err != nil {
		logStore.Close()
		return nil, err
	}

	seedAddrs := make(map[uint64]string, len(cfg.Members)+len(cfg.Learners)+1)
	seedAddrs[cfg.SelfID] = cfg.SelfAddress
	for id, a := range cfg.Members {
		seedAddrs[id] = a
	}
	for id, a := range cfg.Learners {
		seedAddrs[id] = a
	}
	book := newAddressBook(seedAddrs)

	store := txn.NewStore(cfg.Txn)
	locks := txn.NewLockManager()
	recov := recovery.NewManager(logStore, store, locks, ckpt)

	pool := transport.NewClientPool()

	c := &Coordinator{
		cfg:   cfg,
		log:   logStore,
		ckpt:  ckpt,
		pool:  pool,
		book:  book,
		store: store,
		locks: locks,
		recov: recov,
		stop:  make(chan struct{}),
	}

	c.sm = statemachine.NewKVStore(cfg.StateMachine, map[wal.PayloadTag]statemachine.Handler{
		wal.PayloadConfigChange: applyConfigChangeHandler(book),
	})

	raftMembers := make(map[uint64]raft.NodeInfo, len(cfg.Members))
	for id, a := range cfg.Members {
		raftMembers[id] = raft.NodeInfo{NodeID: id, Address: a}
	}
	raftLearners := make(map[uint64]raft.NodeInfo, len(cfg.Learners))
	for id, a := range cfg.Learners {
		raftLearners[id] = raft.NodeInfo{NodeID: id, Address: a}
	}
	c.node = raft.NewNode(cfg.SelfID, raftMembers, raftLearners, c.sm, logStore, transport.PeerProxyFactory{Pool: pool}, cfg.Raft)
	c.node.SetOnBecomeLeader(c.onBecomeLeader)

	c.txnCoord = txn.NewCoordinator(cfg.SelfID, store, locks, raftProposer{node: c.node},
		transport.ParticipantFactory{Pool: pool, NodeAddresses: book.lookup}, cfg.Txn)

	seedMembers := make([]membership.NodeInfo, 0, len(cfg.Members)+len(cfg.Learners))
	for id, a := range cfg.Members {
		seedMembers = append(seedMembers, membership.NodeInfo{NodeID: id, Address: a})
	}
	for id, a := range cfg.Learners {
		seedMembers = append(seedMembers, membership.NodeInfo{NodeID: id, Address: a})
	}
	c.members = membership.New(cfg.SelfID, cfg.SelfAddress, seedMembers,
		transport.MembershipTransportFactory{Pool: pool}, cfg.Membership, c.onMembershipChange)

	c.detector = failuredetector.New(cfg.FailureDetector)
	c.members.SetHeartbeatObserver(func(nodeID uint64, at time.Time) {
		c.detector.RecordHeartbeat(nodeID, at)
	})
	c.members.SetSuspicionDetector(c.detector)

	c.server = transport.NewServer(transport.Handlers{
		AppendEntries: func(ctx context.Context, req *raft.AppendEntriesRequest) (*raft.AppendEntriesReply, error) {
			return c.node.AppendEntries(req), nil
		},
		RequestVote: func(ctx context.Context, req *raft.RequestVoteRequest) (*raft.RequestVoteReply, error) {
			return c.node.RequestVote(req), nil
		},
		InstallSnapshot: func(ctx context.Context, req *raft.InstallSnapshotRequest) (*raft.InstallSnapshotReply, error) {
			return c.node.InstallSnapshot(req), nil
		},
		Ping: func(ctx context.Context, req membership.PingMessage) (membership.AckMessage, error) {
			return c.members.HandlePing(req), nil
		},
		PingReq: func(ctx context.Context, req membership.PingReqMessage) (membership.AckMessage, error) {
			return c.members.HandlePingReq(req), nil
		},
		Prepare: func(ctx context.Context, txnID, coordinatorID uint64) (bool, error) {
			return c.txnCoord.HandlePrepare(ctx, txnID, coordinatorID)
		},
		Commit: func(ctx context.Context, txnID, commitTS uint64) error {
			return c.txnCoord.HandleParticipantCommit(ctx, txnID, commitTS)
		},
		Abort: func(ctx context.Context, txnID uint64) error {
			return c.txnCoord.HandleParticipantAbort(ctx, txnID)
		},
		DecisionQuery: func(ctx context.Context, txnID uint64) (txn.DecisionResult, error) {
			return c.txnCoord.HandleDecisionQuery(ctx, txnID)
		},
	})

	return c, nil
}

// onBecomeLeader re-runs C7 recovery against this node's own WAL every
// time it wins an election. Only the current leader's in-process MVCC
// store is kept live by direct mutation as transactions commit (spec.md
// §9), so a node promoted from follower must reconstruct that state from
// the log before it can safely serve new transactions; a freshly started
// node gets the same treatment via Start's own Recover call below. This
// intentionally does not freeze client traffic during the rebuild — it is
// a documented, narrow-race-accepted simplification, not a fully
// synchronized handoff.
func (c *Coordinator) onBecomeLeader(term uint64) {
	store := txn.NewStore(c.cfg.Txn)
	locks := txn.NewLockManager()
	recov := recovery.NewManager(c.log, store, locks, c.ckpt)
	if err := recov.Recover(); err != nil {
		util.WriteError("coordinator: recovery after leadership transition (term %d) failed: %v", term, err)
		return
	}

	c.txnMu.Lock()
	c.store = store
	c.locks = locks
	c.recov = recov
	c.txnMu.Unlock()

	c.txnCoord.Reset(store, locks)
	util.WriteInfo("coordinator: node %d rebuilt transaction state for term %d", c.cfg.SelfID, term)
}

func (c *Coordinator) onMembershipChange(m membership.Member) {
	c.node.OnMembershipChange()
}

// Start recovers this node's transaction state from its log, then starts
// the RPC server, the consensus engine, the gossip membership list, the
// deadlock detector loop, and the periodic snapshot/checkpoint/vacuum
// tickers, in that order.
func (c *Coordinator) Start() error {
	c.txnMu.RLock()
	recov := c.recov
	c.txnMu.RUnlock()
	if err := recov.Recover(); err != nil {
		return err
	}

	if err := c.server.Start(c.cfg.SelfAddress); err != nil {
		return err
	}

	c.node.Start()
	c.members.Start()
	c.txnCoord.Start()

	go c.txnCoord.ResolveOrphans(context.Background())

	c.wg.Add(2)
	go c.snapshotLoop()
	go c.vacuumLoop()

	return nil
}

// Stop tears down every sub-component in reverse start order and closes
// this node's durable stores.
func (c *Coordinator) Stop() {
	close(c.stop)
	c.wg.Wait()

	c.txnCoord.Stop()
	c.members.Stop()
	c.node.Stop()
	c.server.Stop()
	c.pool.Close()
	c.ckpt.Close()
	c.log.Close()
}

func (c *Coordinator) snapshotLoop() {
	defer c.wg.Done()
	snapTick := time.NewTicker(c.cfg.SnapshotCheckInterval)
	defer snapTick.Stop()
	ckptTick := time.NewTicker(c.cfg.CheckpointInterval)
	defer ckptTick.Stop()

	for {
		select {
		case <-snapTick.C:
			if err := c.node.MaybeSnapshot(); err != nil {
				util.WriteWarning("coordinator: snapshot check failed: %v", err)
			}
		case <-ckptTick.C:
			c.txnMu.RLock()
			recov := c.recov
			c.txnMu.RUnlock()
			if err := recov.Checkpoint(c.node.Status().CommitIndex); err != nil {
				util.WriteWarning("coordinator: checkpoint failed: %v", err)
			}
		case <-c.stop:
			return
		}
	}
}

func (c *Coordinator) vacuumLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.VacuumInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.txnMu.RLock()
			store := c.store
			c.txnMu.RUnlock()
			if removed := store.Vacuum(store.OldestActiveSnapshotXmin()); removed > 0 {
				util.WriteTrace("coordinator: vacuumed %d dead tuple versions", removed)
			}
		case <-c.stop:
			return
		}
	}
}

// BeginTransaction starts a new transaction under the given isolation
// level with the given participant node ids (spec.md §4.6; a single-node
// transaction passes only this node's id).
func (c *Coordinator) BeginTransaction(isolation txn.IsolationLevel, participants []uint64) uint64 {
	return c.txnCoord.Begin(isolation, participants)
}

// Read returns the value visible to txnID's snapshot for key.
func (c *Coordinator) Read(txnID uint64, key string) ([]byte, bool, error) {
	v, ok, err := c.txnCoord.Read(txnID, key)
	return v, ok, c.translateErr(err)
}

// Write buffers a key/value mutation under txnID, acquiring its lock.
func (c *Coordinator) Write(ctx context.Context, txnID uint64, key string, value []byte) error {
	return c.translateErr(c.txnCoord.Write(ctx, txnID, key, value))
}

// Delete buffers a tombstone for key under txnID.
func (c *Coordinator) Delete(ctx context.Context, txnID uint64, key string) error {
	return c.translateErr(c.txnCoord.Delete(ctx, txnID, key))
}

// Commit drives txnID through 2PC (or single-phase commit, if it has a
// single participant) to a durable decision.
func (c *Coordinator) Commit(ctx context.Context, txnID uint64) error {
	return c.translateErr(c.txnCoord.Commit(ctx, txnID))
}

// Abort rolls txnID back, releasing every lock it holds.
func (c *Coordinator) Abort(ctx context.Context, txnID uint64) error {
	return c.translateErr(c.txnCoord.Abort(ctx, txnID))
}

// RegisterNode is a convenience wrapper proposing a ConfigChangeAddNode.
func (c *Coordinator) RegisterNode(nodeID uint64, address string) error {
	return c.ProposeConfigChange(ConfigChange{Op: ConfigChangeAddNode, NodeID: nodeID, Address: address})
}

// ProposeConfigChange durably replicates change through consensus. See
// ConfigChange's doc comment for what this does and does not do to the
// live voting/gossip sets.
func (c *Coordinator) ProposeConfigChange(change ConfigChange) error {
	if _, err := c.node.Propose(wal.Payload{Tag: wal.PayloadConfigChange, Data: encodeConfigChange(change)}); err != nil {
		return c.translateErr(err)
	}

	switch change.Op {
	case ConfigChangeAddNode:
		c.book.set(change.NodeID, change.Address)
	case ConfigChangeRemoveNode:
		c.book.remove(change.NodeID)
	}
	return nil
}

// ClusterMember is one row of ClusterStatus's member view.
type ClusterMember struct {
	NodeID  uint64
	Address string
	Status  membership.Status
	Voting  bool
}

// ClusterStatus is the result of a cluster-status read, combining C5's
// leader/term/commit-index view with C4's member health view, per
// spec.md §4.8.
type ClusterStatus struct {
	Leader      uint64
	HasLeader   bool
	Term        uint64
	CommitIndex uint64
	Members     []ClusterMember
}

// ClusterStatus reports this node's current view of the cluster.
func (c *Coordinator) ClusterStatus() ClusterStatus {
	raftStatus := c.node.Status()

	votingSet := make(map[uint64]struct{}, len(c.cfg.Members)+1)
	votingSet[c.cfg.SelfID] = struct{}{}
	for id := range c.cfg.Members {
		votingSet[id] = struct{}{}
	}

	gossipMembers := c.members.Members()
	members := make([]ClusterMember, 0, len(gossipMembers))
	for _, m := range gossipMembers {
		_, voting := votingSet[m.NodeID]
		members = append(members, ClusterMember{NodeID: m.NodeID, Address: m.Address, Status: m.Status, Voting: voting})
	}

	return ClusterStatus{
		Leader:      raftStatus.Leader,
		HasLeader:   raftStatus.HasLeader,
		Term:        raftStatus.Term,
		CommitIndex: raftStatus.CommitIndex,
		Members:     members,
	}
}

// translateErr maps C1-C7's internal errors to coordinatorerr's closed
// set, per spec.md §7: a not-leader condition becomes a hint at the
// current leader's address, and an expired context becomes ErrTimeout.
// Anything already a *coordinatorerr.Error passes through unchanged.
func (c *Coordinator) translateErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, raft.ErrNotLeader) || errors.Is(err, raft.ErrNoLeader) {
		return coordinatorerr.NewNotLeader(c.leaderHint())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return coordinatorerr.ErrTimeout
	}
	var cerr *coordinatorerr.Error
	if errors.As(err, &cerr) {
		return cerr
	}
	return err
}

func (c *Coordinator) leaderHint() string {
	st := c.node.Status()
	if !st.HasLeader {
		return ""
	}
	if addr, ok := c.book.lookup(st.Leader); ok {
		return addr
	}
	return util.FormatUint(st.Leader)
}
