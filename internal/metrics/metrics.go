// Package metrics holds the prometheus collectors shared across the
// consensus, membership and transaction components. None of this is
// required by spec.md's testable properties; it's the ambient
// observability layer the rest of the retrieved corpus (cuemby-warren,
// offsoc-cockroach, estuary-flow, moby-moby) always wires in alongside
// grpc, so the coordinator façade does too.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry is a dedicated registry rather than the global default one, so
// multiple coordinator instances (as used in tests that stand up several
// nodes in one process) don't collide on metric registration.
var Registry = prometheus.NewRegistry()

var (
	// CurrentTerm reports each node's currentTerm (node_id label: the raft
	// node's own id).
	CurrentTerm = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "consensus_current_term",
		Help: "Current raft term observed by this node.",
	}, []string{"node_id"})

	// CommitIndex reports each node's commit index.
	CommitIndex = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "consensus_commit_index",
		Help: "Highest committed log index observed by this node.",
	}, []string{"node_id"})

	// LeaderElections counts completed elections won by this node.
	LeaderElections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "consensus_leader_elections_total",
		Help: "Elections won by this node.",
	}, []string{"node_id"})

	// SuspicionValue reports the failure detector's current suspicion score
	// per monitored peer.
	SuspicionValue = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "membership_suspicion_value",
		Help: "Current suspicion value computed for a peer.",
	}, []string{"peer_id"})

	// ActiveTransactions reports the number of transactions currently in the
	// Active/Preparing/Prepared states.
	ActiveTransactions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "txn_active_total",
		Help: "Transactions currently active, preparing or prepared.",
	})

	// LockWaiters reports the number of transactions blocked on a key lock.
	LockWaiters = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "txn_lock_waiters",
		Help: "Transactions currently blocked waiting for a key lock.",
	})
)

func init() {
	Registry.MustRegister(CurrentTerm, CommitIndex, LeaderElections, SuspicionValue, ActiveTransactions, LockWaiters)
}
