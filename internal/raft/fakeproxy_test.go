package raft

import "context"

// localProxy wires a Node directly to another in-process Node, skipping any
// real transport. Used by tests to exercise election/replication/snapshot
// logic deterministically without goroutines or real RPC timeouts.
type localProxy struct {
	registry *nodeRegistry
	target   uint64
}

func (p *localProxy) AppendEntries(ctx context.Context, req *AppendEntriesRequest) (*AppendEntriesReply, error) {
	return p.registry.get(p.target).AppendEntries(req), nil
}

func (p *localProxy) RequestVote(ctx context.Context, req *RequestVoteRequest) (*RequestVoteReply, error) {
	return p.registry.get(p.target).RequestVote(req), nil
}

func (p *localProxy) InstallSnapshot(ctx context.Context, req *InstallSnapshotRequest) (*InstallSnapshotReply, error) {
	return p.registry.get(p.target).InstallSnapshot(req), nil
}

// nodeRegistry resolves peer ids to Node pointers lazily, since NewNode's
// IPeerProxyFactory is invoked before every node in the cluster exists yet.
type nodeRegistry struct {
	nodes map[uint64]*Node
}

func newNodeRegistry() *nodeRegistry {
	return &nodeRegistry{nodes: make(map[uint64]*Node)}
}

func (r *nodeRegistry) get(id uint64) *Node {
	n, ok := r.nodes[id]
	if !ok {
		panic("test registry: node not registered")
	}
	return n
}

type localFactory struct {
	registry *nodeRegistry
}

func (f *localFactory) NewPeerProxy(info NodeInfo) IPeerProxy {
	return &localProxy{registry: f.registry, target: info.NodeID}
}
