package membership

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/latticedb/core/internal/util"
)

// NodeInfo identifies a cluster member for dialing purposes, mirroring
// raft.NodeInfo's shape (kept as its own type so this package doesn't
// depend on internal/raft).
type NodeInfo struct {
	NodeID  uint64
	Address string
}

// Transport is the RPC seam towards one peer. The concrete implementation
// lives in internal/transport; tests use an in-memory fake wired directly
// to other List instances, the same pattern internal/raft's IPeerProxy
// uses for its tests.
type Transport interface {
	Ping(ctx context.Context, req PingMessage) (AckMessage, error)
	PingReq(ctx context.Context, req PingReqMessage) (AckMessage, error)
}

// TransportFactory builds the concrete transport-backed client for a peer.
type TransportFactory interface {
	NewTransport(info NodeInfo) Transport
}

// StatusChangeFunc is invoked whenever this node's local view of a member
// changes status (including discovering a brand-new member). The
// consensus engine (C5) subscribes to this to revert to strict replication
// mode on any membership change, per spec.md §4.5.
type StatusChangeFunc func(Member)

// List is one node's local membership view plus the SWIM probe/gossip
// protocol driving it, per spec.md §4.4.
type List struct {
	mu sync.Mutex

	selfID      uint64
	selfAddr    string
	incarnation uint64

	cfg     Config
	factory TransportFactory
	rng     *rand.Rand

	members   map[uint64]*Member
	transport map[uint64]Transport
	suspectAt map[uint64]time.Time

	queue broadcastQueue

	onChange    StatusChangeFunc
	onHeartbeat func(nodeID uint64, at time.Time)
	detector    SuspicionSource

	chStop  chan struct{}
	wg      sync.WaitGroup
	started bool
}

// SetHeartbeatObserver wires a callback invoked whenever this node gains
// fresh evidence that a peer is alive: a successful direct or indirect
// probe, or an incoming Ping from that peer. The façade feeds this to C3's
// Detector.RecordHeartbeat, per spec.md §2's "Heartbeats and membership
// gossip flow C4 ↔ C3". Must be called before Start.
func (l *List) SetHeartbeatObserver(fn func(nodeID uint64, at time.Time)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onHeartbeat = fn
}

// SuspicionSource reports a peer's adaptive suspicion verdict, satisfied by
// internal/failuredetector.Detector.IsSuspected. Wiring it in lets C3's
// continuous inter-arrival statistics raise suspicion for a peer ahead of
// (or independent from) this node's own randomly-scheduled SWIM probes, per
// spec.md §2's "heartbeats and membership gossip flow C4 <-> C3".
type SuspicionSource interface {
	IsSuspected(nodeID uint64, at time.Time) bool
}

// SetSuspicionDetector wires the adaptive failure detector whose verdict
// augments SWIM's own probe-failure suspicion. Must be called before Start.
func (l *List) SetSuspicionDetector(d SuspicionSource) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.detector = d
}

func (l *List) reportHeartbeat(nodeID uint64) {
	l.mu.Lock()
	fn := l.onHeartbeat
	l.mu.Unlock()
	if fn != nil {
		fn(nodeID, time.Now())
	}
}

// New constructs a List seeded with the known initial members (which must
// include every voting/learner node except self; addresses are required so
// this node can dial them).
func New(selfID uint64, selfAddr string, seed []NodeInfo, factory TransportFactory, cfg Config, onChange StatusChangeFunc) *List {
	l := &List{
		selfID:    selfID,
		selfAddr:  selfAddr,
		cfg:       cfg,
		factory:   factory,
		rng:       rand.New(rand.NewSource(int64(selfID) + 7)),
		members:   make(map[uint64]*Member),
		transport: make(map[uint64]Transport),
		suspectAt: make(map[uint64]time.Time),
		onChange:  onChange,
		chStop:    make(chan struct{}),
	}
	l.members[selfID] = &Member{NodeID: selfID, Address: selfAddr, Status: Healthy, Incarnation: 0}
	for _, info := range seed {
		l.members[info.NodeID] = &Member{NodeID: info.NodeID, Address: info.Address, Status: Healthy, Incarnation: 0}
		l.transport[info.NodeID] = factory.NewTransport(info)
	}
	return l
}

// Start begins the periodic probe loop.
func (l *List) Start() {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return
	}
	l.started = true
	l.mu.Unlock()

	l.wg.Add(1)
	go l.probeLoop()
}

// Stop halts the probe loop.
func (l *List) Stop() {
	l.mu.Lock()
	if !l.started {
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()
	close(l.chStop)
	l.wg.Wait()
}

// Members returns a point-in-time snapshot of every known member.
func (l *List) Members() []Member {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Member, 0, len(l.members))
	for _, m := range l.members {
		out = append(out, *m)
	}
	return out
}

// retransmitLimitLocked computes λ·log2(N+1) rounded up (λ alone while this
// node knows no other member), spec.md §4.4's bounded dissemination budget.
func (l *List) retransmitLimitLocked() int {
	n := len(l.members)
	if n <= 1 {
		return l.cfg.RetransmitMultiplier
	}
	return int(math.Ceil(float64(l.cfg.RetransmitMultiplier) * math.Log2(float64(n+1))))
}

func (l *List) probeLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.probeOnce()
			l.sweepSuspectTimeouts()
			l.checkAdaptiveSuspicion()
		case <-l.chStop:
			return
		}
	}
}

// candidateTargetsLocked returns the set of peers eligible to be probed: every
// known member except self and those already Left/Failed.
func (l *List) candidateTargetsLocked() []uint64 {
	var out []uint64
	for id, m := range l.members {
		if id == l.selfID {
			continue
		}
		if m.Status == Failed || m.Status == Left {
			continue
		}
		out = append(out, id)
	}
	return out
}

// probeOnce runs one round of spec.md §4.4's steps 1-5 against a single
// randomly chosen peer.
func (l *List) probeOnce() {
	l.mu.Lock()
	targets := l.candidateTargetsLocked()
	if len(targets) == 0 {
		l.mu.Unlock()
		return
	}
	target := targets[l.rng.Intn(len(targets))]
	l.mu.Unlock()

	if l.directPing(target) {
		l.markAlive(target)
		return
	}

	if l.indirectPing(target) {
		l.markAlive(target)
		return
	}

	l.markSuspectedLocal(target)
}

func (l *List) directPing(target uint64) bool {
	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.ProbeTimeout)
	defer cancel()

	tr := l.transportFor(target)
	if tr == nil {
		return false
	}

	req := l.buildPing()
	reply, err := tr.Ping(ctx, req)
	if err != nil {
		util.WriteTrace("membership: ping to node %d failed: %s", target, err)
		return false
	}
	l.ingestGossip(reply.Piggyback)
	l.reportHeartbeat(target)
	return true
}

// indirectPing asks IndirectProbeCount random peers (excluding self and
// target) to relay a ping, per spec.md §4.4 step 3-4. The first successful
// relay counts as alive.
func (l *List) indirectPing(target uint64) bool {
	l.mu.Lock()
	var helpers []uint64
	for id := range l.members {
		if id == l.selfID || id == target {
			continue
		}
		if l.members[id].Status == Failed || l.members[id].Status == Left {
			continue
		}
		helpers = append(helpers, id)
	}
	l.rng.Shuffle(len(helpers), func(i, j int) { helpers[i], helpers[j] = helpers[j], helpers[i] })
	if len(helpers) > l.cfg.IndirectProbeCount {
		helpers = helpers[:l.cfg.IndirectProbeCount]
	}
	l.mu.Unlock()

	type result struct {
		ok    bool
		reply AckMessage
	}
	results := make(chan result, len(helpers))

	for _, h := range helpers {
		tr := l.transportFor(h)
		if tr == nil {
			results <- result{ok: false}
			continue
		}
		go func(tr Transport) {
			ctx, cancel := context.WithTimeout(context.Background(), l.cfg.IndirectProbeTimeout)
			defer cancel()
			reply, err := tr.PingReq(ctx, PingReqMessage{SenderID: l.selfID, TargetID: target, Piggyback: l.takePiggyback()})
			if err != nil {
				results <- result{ok: false}
				return
			}
			results <- result{ok: true, reply: reply}
		}(tr)
	}

	for range helpers {
		r := <-results
		if r.ok && r.reply.Success {
			l.ingestGossip(r.reply.Piggyback)
			l.reportHeartbeat(target)
			return true
		}
	}
	return false
}

func (l *List) transportFor(id uint64) Transport {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.transport[id]
}

func (l *List) buildPing() PingMessage {
	l.mu.Lock()
	inc := l.incarnation
	l.mu.Unlock()
	return PingMessage{SenderID: l.selfID, Incarnation: inc, Piggyback: l.takePiggyback()}
}

func (l *List) takePiggyback() Gossip {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Gossip{Updates: l.queue.take(maxPiggybackPerMessage)}
}

// HandlePing is the RPC handler invoked when a peer directly pings us.
func (l *List) HandlePing(req PingMessage) AckMessage {
	l.ingestGossip(req.Piggyback)
	l.reportHeartbeat(req.SenderID)
	return AckMessage{SenderID: l.selfID, Incarnation: l.selfIncarnation(), Success: true, Piggyback: l.takePiggyback()}
}

// HandlePingReq is the RPC handler invoked when a peer asks us to
// indirectly probe TargetID on its behalf, per spec.md §4.4 step 3. This
// node performs its own direct ping against the target and returns the
// outcome synchronously as the PingReq's reply (a documented
// simplification of SWIM's asynchronous ack-forwarding, which doesn't
// change the protocol's convergence properties for this core's purposes).
func (l *List) HandlePingReq(req PingReqMessage) AckMessage {
	l.ingestGossip(req.Piggyback)

	ok := l.directPing(req.TargetID)
	return AckMessage{SenderID: l.selfID, Incarnation: l.selfIncarnation(), Success: ok, Piggyback: l.takePiggyback()}
}

func (l *List) selfIncarnation() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.incarnation
}

// markAlive records that target responded (directly or indirectly),
// clearing any pending local suspicion.
func (l *List) markAlive(target uint64) {
	l.mu.Lock()
	m, ok := l.members[target]
	if ok && m.Status == Suspected {
		m.Status = Healthy
		delete(l.suspectAt, target)
	}
	l.mu.Unlock()
}

// markSuspectedLocal transitions target to Suspected in our local view and
// disseminates Suspect(target, incarnation), per spec.md §4.4 step 5. A
// timer is armed so an unrefuted suspicion becomes Failed after
// SuspectTimeout.
func (l *List) markSuspectedLocal(target uint64) {
	l.mu.Lock()
	m, ok := l.members[target]
	if !ok || m.Status == Failed || m.Status == Left {
		l.mu.Unlock()
		return
	}
	if m.Status != Suspected {
		m.Status = Suspected
		l.suspectAt[target] = time.Now()
		l.enqueueLocked(UpdateMsg{Member: target, Address: m.Address, Status: Suspected, Incarnation: m.Incarnation})
	}
	changed := *m
	l.mu.Unlock()

	l.notify(changed)
}

// sweepSuspectTimeouts transitions every member whose local Suspected
// status has gone unrefuted for SuspectTimeout to Failed, per spec.md
// §4.4. Run once per probe tick rather than one timer per suspicion, so
// Stop() doesn't race a fan-out of per-member timer goroutines against
// wg.Wait().
func (l *List) sweepSuspectTimeouts() {
	now := time.Now()

	l.mu.Lock()
	var expired []Member
	for id, since := range l.suspectAt {
		m, ok := l.members[id]
		if !ok || m.Status != Suspected || now.Sub(since) < l.cfg.SuspectTimeout {
			continue
		}
		m.Status = Failed
		delete(l.suspectAt, id)
		l.enqueueLocked(UpdateMsg{Member: id, Address: m.Address, Status: Failed, Incarnation: m.Incarnation})
		expired = append(expired, *m)
	}
	l.mu.Unlock()

	for _, m := range expired {
		util.WriteInfo("membership: node %d declared failed after unrefuted suspicion", m.NodeID)
		l.notify(m)
	}
}

// checkAdaptiveSuspicion lets C3's adaptive suspicion value flag a peer as
// Suspected ahead of this node's own randomly-scheduled SWIM probe reaching
// it, per spec.md §2's C3->C4 feed.
func (l *List) checkAdaptiveSuspicion() {
	l.mu.Lock()
	detector := l.detector
	if detector == nil {
		l.mu.Unlock()
		return
	}
	var candidates []uint64
	for id, m := range l.members {
		if id == l.selfID || m.Status != Healthy {
			continue
		}
		candidates = append(candidates, id)
	}
	l.mu.Unlock()

	now := time.Now()
	for _, id := range candidates {
		if detector.IsSuspected(id, now) {
			l.markSuspectedLocal(id)
		}
	}
}

func (l *List) enqueueLocked(u UpdateMsg) {
	l.queue.enqueue(u, l.retransmitLimitLocked())
}

// ingestGossip applies every update in g to the local view, per spec.md
// §4.4's conflict resolution (supersedes), refuting a Suspect(self,...)
// update by broadcasting a higher-incarnation Alive.
func (l *List) ingestGossip(g Gossip) {
	for _, u := range g.Updates {
		l.applyUpdate(u)
	}
}

func (l *List) applyUpdate(u UpdateMsg) {
	if u.Member == l.selfID {
		l.maybeRefuteSelf(u)
		return
	}

	l.mu.Lock()
	m, known := l.members[u.Member]
	if !known {
		m = &Member{NodeID: u.Member, Address: u.Address}
		l.members[u.Member] = m
		if tr := l.transport[u.Member]; tr == nil && u.Address != "" {
			l.transport[u.Member] = l.factory.NewTransport(NodeInfo{NodeID: u.Member, Address: u.Address})
		}
	}
	if !supersedes(u.Incarnation, u.Status, m.Incarnation, m.Status) {
		newcomer := *m
		l.mu.Unlock()
		if !known {
			l.notify(newcomer)
		}
		return
	}

	m.Incarnation = u.Incarnation
	m.Status = u.Status
	if u.Address != "" {
		m.Address = u.Address
	}
	if m.Status == Suspected {
		l.suspectAt[u.Member] = time.Now()
	} else {
		delete(l.suspectAt, u.Member)
	}
	l.enqueueLocked(u)
	changed := *m
	l.mu.Unlock()

	l.notify(changed)
}

// maybeRefuteSelf implements spec.md §4.4's refutation rule: "If a node
// observes Suspect(self, inc) with inc >= its own, it refutes by
// broadcasting Alive(self, inc+1)."
func (l *List) maybeRefuteSelf(u UpdateMsg) {
	if u.Status != Suspected && u.Status != Failed {
		return
	}
	l.mu.Lock()
	if u.Incarnation < l.incarnation {
		l.mu.Unlock()
		return
	}
	l.incarnation = u.Incarnation + 1
	self := l.members[l.selfID]
	self.Incarnation = l.incarnation
	self.Status = Healthy
	l.enqueueLocked(UpdateMsg{Member: l.selfID, Address: l.selfAddr, Status: Healthy, Incarnation: l.incarnation})
	l.mu.Unlock()

	util.WriteInfo("membership: node %d refuting suspicion at incarnation %d", l.selfID, l.incarnation)
}

func (l *List) notify(m Member) {
	if l.onChange != nil {
		l.onChange(m)
	}
}

// Leave announces a voluntary departure, spec.md §4.4's "Leave messages
// carry monotonic incarnations".
func (l *List) Leave() {
	l.mu.Lock()
	l.incarnation++
	self := l.members[l.selfID]
	self.Status = Left
	self.Incarnation = l.incarnation
	l.enqueueLocked(UpdateMsg{Member: l.selfID, Address: l.selfAddr, Status: Left, Incarnation: l.incarnation})
	l.mu.Unlock()
}
