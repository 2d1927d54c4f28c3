package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/latticedb/core/internal/membership"
	"github.com/latticedb/core/internal/raft"
	"github.com/latticedb/core/internal/txn"
)

var errUnreachableParticipant = errors.New("transport: no known address for participant node")

// ClientPool dials each peer address at most once and hands the same
// *Client back to every adapter (raft, membership, txn) that needs it,
// rather than the teacher's KVPeerClient, which opened a fresh connection
// per NewPeerProxy call since kvstore only ever wired one consumer.
type ClientPool struct {
	mu      sync.Mutex
	clients map[string]*Client
}

// NewClientPool constructs an empty pool.
func NewClientPool() *ClientPool {
	return &ClientPool{clients: make(map[string]*Client)}
}

func (p *ClientPool) get(nodeID uint64, addr string) *Client {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.clients[addr]; ok {
		return c
	}

	// Dial never blocks on the network (grpc.NewClient is lazy), so a
	// dial error here would only ever be a malformed address; treat that
	// as a programming error the caller's first RPC will otherwise never
	// surface cleanly.
	c, err := Dial(nodeID, addr)
	if err != nil {
		c = &Client{nodeID: nodeID}
	}
	p.clients[addr] = c
	return c
}

// Close tears down every pooled connection.
func (p *ClientPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.clients {
		if c.conn != nil {
			c.conn.Close()
		}
	}
}

// PeerProxyFactory adapts ClientPool to raft.IPeerProxyFactory.
type PeerProxyFactory struct {
	Pool *ClientPool
}

func (f PeerProxyFactory) NewPeerProxy(info raft.NodeInfo) raft.IPeerProxy {
	return f.Pool.get(info.NodeID, info.Address)
}

// MembershipTransportFactory adapts ClientPool to membership.TransportFactory.
type MembershipTransportFactory struct {
	Pool *ClientPool
}

func (f MembershipTransportFactory) NewTransport(info membership.NodeInfo) membership.Transport {
	return f.Pool.get(info.NodeID, info.Address)
}

// ParticipantFactory adapts ClientPool to txn.ParticipantFactory. Unlike
// the raft/membership factories, spec.md §4.6's participants are addressed
// by bare node id; NodeAddresses resolves that id to the dialable address
// the façade learned from membership.
type ParticipantFactory struct {
	Pool          *ClientPool
	NodeAddresses func(nodeID uint64) (string, bool)
}

func (f ParticipantFactory) Participant(nodeID uint64) txn.Participant {
	addr, ok := f.NodeAddresses(nodeID)
	if !ok {
		return unreachableParticipant{}
	}
	return f.Pool.get(nodeID, addr)
}

// unreachableParticipant is returned when the façade has no known address
// for a participant node id, turning every call into a clean error instead
// of a nil-pointer panic deep inside ClientPool.
type unreachableParticipant struct{}

func (unreachableParticipant) Prepare(ctx context.Context, txnID, coordinatorID uint64) (bool, error) {
	return false, errUnreachableParticipant
}

func (unreachableParticipant) Commit(ctx context.Context, txnID uint64, commitTS uint64) error {
	return errUnreachableParticipant
}

func (unreachableParticipant) Abort(ctx context.Context, txnID uint64) error {
	return errUnreachableParticipant
}

func (unreachableParticipant) QueryDecision(ctx context.Context, txnID uint64) (txn.DecisionResult, error) {
	return txn.DecisionResult{}, errUnreachableParticipant
}
