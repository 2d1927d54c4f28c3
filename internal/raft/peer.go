package raft

import (
	"context"
	"errors"
	"sync"

	"github.com/latticedb/core/internal/util"
)

// nextIndexFallbackStep is how far a rejected AppendEntries moves nextIndex
// back when the follower's reported last index does not lie below it;
// otherwise updateMatchIndex jumps nextIndex to that last index + 1 in a
// single round trip, per spec.md §4.5's "next_index decrement on reject".
const nextIndexFallbackStep = 1

var errNoPeersProvided = errors.New("raft: no peers provided")
var errUnknownPeer = errors.New("raft: unknown peer node id")

// IPeerProxy is the RPC client seam towards one peer, grounded on the
// teacher's pkg/raft/peermanager.go IPeerProxy, generalized to take a
// context (for timeout/cancellation) and to return errors explicitly
// instead of invoking a callback.
type IPeerProxy interface {
	AppendEntries(ctx context.Context, req *AppendEntriesRequest) (*AppendEntriesReply, error)
	RequestVote(ctx context.Context, req *RequestVoteRequest) (*RequestVoteReply, error)
	InstallSnapshot(ctx context.Context, req *InstallSnapshotRequest) (*InstallSnapshotReply, error)
}

// IPeerProxyFactory builds the concrete transport-backed proxy for a peer.
// The real implementation lives in internal/transport; tests use an
// in-memory fake wired directly to other Node instances.
type IPeerProxyFactory interface {
	NewPeerProxy(info NodeInfo) IPeerProxy
}

// peer wraps one cluster member's replication bookkeeping plus its RPC
// proxy. Learner members replicate but never vote and never count toward
// quorum, per spec.md §3's ClusterMember.Role.
type peer struct {
	NodeInfo
	voting     bool
	nextIndex  uint64
	matchIndex uint64
	hasMatch   bool

	proxy IPeerProxy

	replicateSig chan struct{}
}

// peerManager owns the set of peers (voting members and learners) and the
// per-peer replication trigger channels, grounded on the teacher's
// PeerManager.
type peerManager struct {
	mu    sync.RWMutex
	peers map[uint64]*peer

	replicate func(nodeID uint64)

	chStop chan struct{}
	wg     sync.WaitGroup
}

func newPeerManager(members map[uint64]NodeInfo, learners map[uint64]NodeInfo, factory IPeerProxyFactory, replicate func(nodeID uint64)) *peerManager {
	if len(members)+len(learners) == 0 {
		util.Panicln(errNoPeersProvided)
	}

	mgr := &peerManager{
		peers:     make(map[uint64]*peer, len(members)+len(learners)),
		replicate: replicate,
		chStop:    make(chan struct{}),
	}

	addPeer := func(info NodeInfo, voting bool) {
		mgr.peers[info.NodeID] = &peer{
			NodeInfo:     info,
			voting:       voting,
			nextIndex:    1,
			matchIndex:   0,
			proxy:        factory.NewPeerProxy(info),
			replicateSig: make(chan struct{}, 1),
		}
	}
	for _, info := range members {
		addPeer(info, true)
	}
	for _, info := range learners {
		addPeer(info, false)
	}

	return mgr
}

func (mgr *peerManager) getPeer(nodeID uint64) *peer {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()
	p, ok := mgr.peers[nodeID]
	if !ok {
		util.Panicln(errUnknownPeer)
	}
	return p
}

func (mgr *peerManager) getPeers() []*peer {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()
	out := make([]*peer, 0, len(mgr.peers))
	for _, p := range mgr.peers {
		out = append(out, p)
	}
	return out
}

// votingCount returns the number of voting peers (excludes learners and the
// local node itself, which isn't in the map).
func (mgr *peerManager) votingCount() int {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()
	n := 0
	for _, p := range mgr.peers {
		if p.voting {
			n++
		}
	}
	return n
}

// resetFollowerIndices resets every peer's replication bookkeeping to point
// just past lastLogIndex, called when a node becomes leader.
func (mgr *peerManager) resetFollowerIndices(lastLogIndex uint64) {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()
	for _, p := range mgr.peers {
		p.nextIndex = lastLogIndex + 1
		p.matchIndex = 0
		p.hasMatch = false
	}
}

// quorumReached reports whether a majority of voting peers (plus the leader
// itself) have matchIndex >= index.
func (mgr *peerManager) quorumReached(index uint64) bool {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()

	votingTotal := 0
	matchCount := 1 // the leader itself
	for _, p := range mgr.peers {
		if !p.voting {
			continue
		}
		votingTotal++
		if p.matchIndex >= index {
			matchCount++
		}
	}
	return matchCount > (votingTotal+1)/2
}

// updateMatchIndex folds one AppendEntries reply into the peer's
// bookkeeping. In pipelined mode an unsuccessful reply isn't necessarily a
// real conflict: the follower may simply be buffering a later range of
// entries out of order (see AppendEntries's outOfOrder path) and will
// self-heal once the gap fills, so nextIndex is left alone rather than
// regressed, per mode.go's acceptOutOfOrderAcks.
func (p *peer) updateMatchIndex(success bool, lastMatch uint64, pipelined bool) {
	if success {
		p.nextIndex = lastMatch + 1
		p.matchIndex = lastMatch
		p.hasMatch = true
		return
	}
	if pipelined {
		return
	}
	if lastMatch+1 < p.nextIndex {
		p.nextIndex = lastMatch + 1
	} else if p.nextIndex > nextIndexFallbackStep {
		p.nextIndex -= nextIndexFallbackStep
	}
	p.hasMatch = false
}

func (p *peer) triggerReplication() {
	select {
	case p.replicateSig <- struct{}{}:
	default:
		// a replication pass is already pending for this peer
	}
}

// start launches one replication goroutine per peer, triggered by
// triggerReplication and fed through mgr.replicate.
func (mgr *peerManager) start() {
	peers := mgr.getPeers()
	mgr.wg.Add(len(peers))
	for _, p := range peers {
		go func(p *peer) {
			defer mgr.wg.Done()
			for {
				select {
				case <-p.replicateSig:
					mgr.replicate(p.NodeID)
				case <-mgr.chStop:
					return
				}
			}
		}(p)
	}
}

func (mgr *peerManager) stop() {
	close(mgr.chStop)
	mgr.wg.Wait()
}
