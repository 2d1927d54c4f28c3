package raft

import (
	"context"

	"github.com/latticedb/core/internal/util"
)

// startElectionLocked transitions to candidate and broadcasts RequestVote.
// Caller holds n.mu; the RPCs themselves run on separate goroutines so the
// lock isn't held across the network call.
func (n *Node) startElectionLocked() {
	n.enterCandidateLocked()

	req := &RequestVoteRequest{
		Term:         n.currentTerm,
		CandidateID:  n.id,
		LastLogIndex: n.log.LastIndex(),
		LastLogTerm:  n.log.LastTerm(),
	}

	for _, p := range n.peers.getPeers() {
		if !p.voting {
			continue
		}
		go n.requestVoteFrom(p, req)
	}
}

func (n *Node) requestVoteFrom(p *peer, req *RequestVoteRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()

	reply, err := p.proxy.RequestVote(ctx, req)
	if err != nil {
		util.WriteTrace("raft: RequestVote to node %d failed: %s", p.NodeID, err)
		return
	}
	n.handleRequestVoteReply(reply)
}

// RequestVote is the RPC handler invoked on this node when a peer is
// soliciting votes, per spec.md §4.5's election safety rules: grant at most
// one vote per term, and only to a candidate whose log is at least as
// up-to-date as ours.
func (n *Node) RequestVote(req *RequestVoteRequest) *RequestVoteReply {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.tryFollowNewTermLocked(req.CandidateID, req.Term, false)

	if req.Term < n.currentTerm {
		return &RequestVoteReply{Term: n.currentTerm, VoteGranted: false, NodeID: n.id, VotedTerm: n.currentTerm}
	}

	alreadyVoted := n.votedFor != noNode && n.votedFor != req.CandidateID
	logOK := req.LastLogTerm > n.log.LastTerm() ||
		(req.LastLogTerm == n.log.LastTerm() && req.LastLogIndex >= n.log.LastIndex())

	grant := !alreadyVoted && logOK
	if grant {
		n.votedFor = req.CandidateID
		n.refreshElectionTimerLocked()
	}

	return &RequestVoteReply{
		Term:        n.currentTerm,
		VoteGranted: grant,
		NodeID:      n.id,
		VotedTerm:   req.Term,
	}
}

// handleRequestVoteReply processes a vote response on whichever goroutine
// the RPC completed on.
func (n *Node) handleRequestVoteReply(reply *RequestVoteReply) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.tryFollowNewTermLocked(reply.NodeID, reply.Term, false) {
		return
	}
	if n.role != RoleCandidate || reply.VotedTerm != n.currentTerm || !reply.VoteGranted {
		return
	}

	n.votes[reply.NodeID] = true
	if n.wonElectionLocked() {
		n.enterLeaderLocked()
		for _, p := range n.peers.getPeers() {
			p.triggerReplication()
		}
	}
}

func (n *Node) wonElectionLocked() bool {
	granted := 0
	for _, v := range n.votes {
		if v {
			granted++
		}
	}
	votingTotal := n.peers.votingCount() + 1 // +1 for self
	return granted > votingTotal/2
}
