package membership

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeTransport wires a List directly to another in-process List, skipping
// real transport, the same pattern internal/raft's localProxy test fake
// uses.
type fakeTransport struct {
	registry *registry
	target   uint64
	drop     *bool
}

func (t *fakeTransport) Ping(ctx context.Context, req PingMessage) (AckMessage, error) {
	if t.drop != nil && *t.drop {
		return AckMessage{}, context.DeadlineExceeded
	}
	return t.registry.get(t.target).HandlePing(req), nil
}

func (t *fakeTransport) PingReq(ctx context.Context, req PingReqMessage) (AckMessage, error) {
	return t.registry.get(t.target).HandlePingReq(req), nil
}

type registry struct {
	lists map[uint64]*List
	drop  map[uint64]*bool
}

func newRegistry() *registry {
	return &registry{lists: make(map[uint64]*List), drop: make(map[uint64]*bool)}
}

func (r *registry) get(id uint64) *List {
	return r.lists[id]
}

type fakeFactory struct {
	registry *registry
}

func (f *fakeFactory) NewTransport(info NodeInfo) Transport {
	d := f.registry.drop[info.NodeID]
	if d == nil {
		no := false
		d = &no
		f.registry.drop[info.NodeID] = d
	}
	return &fakeTransport{registry: f.registry, target: info.NodeID, drop: d}
}

func newCluster(t *testing.T, n int, cfg Config) ([]*List, *registry) {
	t.Helper()
	reg := newRegistry()
	factory := &fakeFactory{registry: reg}

	seedFor := func(self uint64) []NodeInfo {
		var out []NodeInfo
		for i := 1; i <= n; i++ {
			id := uint64(i)
			if id == self {
				continue
			}
			out = append(out, NodeInfo{NodeID: id, Address: "local"})
		}
		return out
	}

	lists := make([]*List, n)
	for i := 1; i <= n; i++ {
		id := uint64(i)
		l := New(id, "local", seedFor(id), factory, cfg, nil)
		lists[i-1] = l
		reg.lists[id] = l
	}
	return lists, reg
}

func TestSuccessfulDirectPingMarksAlive(t *testing.T) {
	cfg := DefaultConfig()
	lists, _ := newCluster(t, 2, cfg)

	lists[0].probeOnce()
	// no panics, no state corruption; node 2 still healthy in node 1's view
	for _, m := range lists[0].Members() {
		if m.NodeID == 2 {
			require.Equal(t, Healthy, m.Status)
		}
	}
}

func TestUnreachablePeerBecomesSuspectedThenFailed(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ProbeTimeout = time.Millisecond
	cfg.IndirectProbeTimeout = time.Millisecond
	cfg.SuspectTimeout = 10 * time.Millisecond
	cfg.IndirectProbeCount = 1

	lists, reg := newCluster(t, 3, cfg)
	*reg.drop[3] = true // node 3 unreachable from everyone

	// Run probeOnce's steps against node 3 itself (probeOnce picks its
	// target at random between nodes 2 and 3).
	if !lists[0].directPing(3) && !lists[0].indirectPing(3) {
		lists[0].markSuspectedLocal(3)
	}
	// after unreachable probe + failed indirect probes, node1 marks node3 suspected
	found := false
	for _, m := range lists[0].Members() {
		if m.NodeID == 3 && m.Status == Suspected {
			found = true
		}
	}
	require.True(t, found)

	time.Sleep(20 * time.Millisecond)
	lists[0].sweepSuspectTimeouts()
	for _, m := range lists[0].Members() {
		if m.NodeID == 3 {
			require.Equal(t, Failed, m.Status)
		}
	}
}

func TestRefutationOnSuspectSelf(t *testing.T) {
	lists, _ := newCluster(t, 2, DefaultConfig())
	n1 := lists[0]

	n1.applyUpdate(UpdateMsg{Member: 1, Status: Suspected, Incarnation: 0})

	self := n1.Members()
	for _, m := range self {
		if m.NodeID == 1 {
			require.Equal(t, Healthy, m.Status)
			require.Equal(t, uint64(1), m.Incarnation)
		}
	}
}

func TestSupersedesHigherIncarnationWins(t *testing.T) {
	require.True(t, supersedes(2, Healthy, 1, Failed))
	require.False(t, supersedes(1, Failed, 2, Healthy))
}

func TestSupersedesTieBreaksByStatusPrecedence(t *testing.T) {
	require.True(t, supersedes(1, Failed, 1, Suspected))
	require.False(t, supersedes(1, Suspected, 1, Failed))
	require.True(t, supersedes(1, Left, 1, Healthy))
}

func TestBroadcastQueueBoundsRetransmits(t *testing.T) {
	var q broadcastQueue
	q.enqueue(UpdateMsg{Member: 1, Status: Suspected}, 2)

	first := q.take(10)
	require.Len(t, first, 1)
	second := q.take(10)
	require.Len(t, second, 1)
	third := q.take(10)
	require.Len(t, third, 0)
}
