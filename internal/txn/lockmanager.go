package txn

import (
	"context"
	"sync"

	"github.com/latticedb/core/internal/coordinatorerr"
	"github.com/latticedb/core/internal/metrics"
	"github.com/latticedb/core/internal/util"
)

// LockManager grants per-key exclusive write intents and detects deadlocks
// by periodically rebuilding a wait-for graph from the current lock/wait
// state, per spec.md §4.6. Reinstated from
// original_source/build-database/src/mvcc/lock_manager.rs and
// src/transaction/locking.rs, generalized with real cycle detection and
// youngest-victim selection since the Rust sketch only queues conflicting
// requests without ever resolving a deadlock. Modeled by identity rather
// than pointer, per spec.md §9's cyclic-reference note: the wait-for graph
// is rebuilt on demand from waiters/holders, never stored as an owning
// cycle of transaction<->lock pointers.
type LockManager struct {
	mu sync.Mutex

	holder  map[string]uint64            // key -> txnID currently holding the exclusive intent
	waiters map[string][]*waiter         // key -> FIFO queue of blocked requests
	victim  map[uint64]chan struct{}     // txnID -> closed when chosen as a deadlock victim
	heldBy  map[uint64]map[string]struct{} // txnID -> keys it holds, for fast release
}

type waiter struct {
	txnID uint64
	key   string
	ready chan struct{} // closed when this waiter becomes the holder
}

// NewLockManager constructs an empty lock manager.
func NewLockManager() *LockManager {
	return &LockManager{
		holder:  make(map[string]uint64),
		waiters: make(map[string][]*waiter),
		victim:  make(map[uint64]chan struct{}),
		heldBy:  make(map[uint64]map[string]struct{}),
	}
}

// Acquire blocks until txnID holds the exclusive intent on key, the
// context expires, or this transaction is chosen as a deadlock victim, per
// spec.md §4.6: "A second writer on the same key blocks... A deadlock
// detector runs periodically... on a cycle, abort the youngest transaction."
func (lm *LockManager) Acquire(ctx context.Context, txnID uint64, key string) error {
	lm.mu.Lock()
	if h, ok := lm.holder[key]; ok && h == txnID {
		lm.mu.Unlock()
		return nil
	}
	if _, ok := lm.holder[key]; !ok {
		lm.grantLocked(txnID, key)
		lm.mu.Unlock()
		return nil
	}

	w := &waiter{txnID: txnID, key: key, ready: make(chan struct{})}
	lm.waiters[key] = append(lm.waiters[key], w)
	vc := lm.victimChanLocked(txnID)
	lm.mu.Unlock()

	metrics.LockWaiters.Inc()
	defer metrics.LockWaiters.Dec()

	select {
	case <-w.ready:
		return nil
	case <-vc:
		lm.removeWaiter(w)
		return coordinatorerr.ErrConflict
	case <-ctx.Done():
		lm.removeWaiter(w)
		return coordinatorerr.ErrTimeout
	}
}

func (lm *LockManager) grantLocked(txnID uint64, key string) {
	lm.holder[key] = txnID
	keys, ok := lm.heldBy[txnID]
	if !ok {
		keys = make(map[string]struct{})
		lm.heldBy[txnID] = keys
	}
	keys[key] = struct{}{}
}

func (lm *LockManager) victimChanLocked(txnID uint64) chan struct{} {
	ch, ok := lm.victim[txnID]
	if !ok {
		ch = make(chan struct{})
		lm.victim[txnID] = ch
	}
	return ch
}

func (lm *LockManager) removeWaiter(w *waiter) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	ws := lm.waiters[w.key]
	for i, other := range ws {
		if other == w {
			lm.waiters[w.key] = append(ws[:i], ws[i+1:]...)
			break
		}
	}
}

// Release drops every lock held by txnID, handing each key to the next
// FIFO waiter (if any). Called on commit and abort.
func (lm *LockManager) Release(txnID uint64) {
	lm.mu.Lock()
	keys := lm.heldBy[txnID]
	delete(lm.heldBy, txnID)
	delete(lm.victim, txnID)

	var toWake []*waiter
	for key := range keys {
		if lm.holder[key] != txnID {
			continue
		}
		delete(lm.holder, key)
		ws := lm.waiters[key]
		if len(ws) == 0 {
			continue
		}
		next := ws[0]
		lm.waiters[key] = ws[1:]
		lm.grantLocked(next.txnID, key)
		toWake = append(toWake, next)
	}
	lm.mu.Unlock()

	for _, w := range toWake {
		close(w.ready)
	}
}

// DetectDeadlocks rebuilds the wait-for graph from current waiters/holders
// and aborts the youngest transaction (highest id, since ids double as
// start timestamps) in every cycle found, per spec.md §4.6. Intended to be
// called on Config.DeadlockDetectInterval by the coordinator's background
// loop.
func (lm *LockManager) DetectDeadlocks() []uint64 {
	lm.mu.Lock()
	graph := make(map[uint64]map[uint64]struct{})
	for key, ws := range lm.waiters {
		holder, ok := lm.holder[key]
		if !ok {
			continue
		}
		for _, w := range ws {
			if w.txnID == holder {
				continue
			}
			edges, ok := graph[w.txnID]
			if !ok {
				edges = make(map[uint64]struct{})
				graph[w.txnID] = edges
			}
			edges[holder] = struct{}{}
		}
	}
	lm.mu.Unlock()

	cycles := findCycles(graph)
	var victims []uint64
	seen := make(map[uint64]struct{})
	for _, cycle := range cycles {
		youngest := cycle[0]
		for _, id := range cycle[1:] {
			if id > youngest {
				youngest = id
			}
		}
		if _, ok := seen[youngest]; ok {
			continue
		}
		seen[youngest] = struct{}{}
		victims = append(victims, youngest)
		lm.markVictim(youngest)
	}
	return victims
}

func (lm *LockManager) markVictim(txnID uint64) {
	lm.mu.Lock()
	ch := lm.victimChanLocked(txnID)
	lm.mu.Unlock()

	select {
	case <-ch:
		// already marked
	default:
		close(ch)
		util.WriteInfo("txn: aborting txn %d as deadlock victim", txnID)
	}
}

// findCycles does a plain DFS cycle search over the wait-for graph and
// returns every distinct cycle found, each as the list of node ids on it.
func findCycles(graph map[uint64]map[uint64]struct{}) [][]uint64 {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[uint64]int)
	var stack []uint64
	var cycles [][]uint64

	var visit func(uint64)
	visit = func(n uint64) {
		color[n] = gray
		stack = append(stack, n)
		for next := range graph[n] {
			switch color[next] {
			case white:
				visit(next)
			case gray:
				// found a cycle: the portion of stack from next's first
				// occurrence to the top.
				for i, s := range stack {
					if s == next {
						cycle := append([]uint64(nil), stack[i:]...)
						cycles = append(cycles, cycle)
						break
					}
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[n] = black
	}

	for n := range graph {
		if color[n] == white {
			visit(n)
		}
	}
	return cycles
}
