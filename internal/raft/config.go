package raft

import "time"

// Config holds the tunables spec.md names across §4.5, reinstated from
// original_source/build-coordinator/src/config.rs's ConsensusConfig (the
// distilled spec.md left them as prose: "randomized election timeout",
// "heartbeat interval", "once the term has been stable for
// min_stable_term terms").
type Config struct {
	// ElectionTimeoutMin/Max bound the randomized follower election timer,
	// spec.md §4.5 "[t_min, t_max]".
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration

	// HeartbeatInterval is how often a leader sends empty AppendEntries.
	HeartbeatInterval time.Duration

	// MinStableTerms is the number of commit-index advances a leader must
	// make within one term, with no step-down or membership change in
	// between, before it switches from strict Raft replication into
	// pipelined steady state (see checkModeSwitchLocked), spec.md §4.5.
	MinStableTerms uint64

	// MaxInFlightProposals caps outstanding unacknowledged proposals a
	// leader keeps in flight while in steady-state (Paxos) mode.
	MaxInFlightProposals int
}

// DefaultConfig matches the original_source ConsensusConfig defaults,
// scaled to the timeouts spec.md's testable-properties section assumes
// (election_timeout_max on the order of hundreds of milliseconds).
func DefaultConfig() Config {
	return Config{
		ElectionTimeoutMin:   150 * time.Millisecond,
		ElectionTimeoutMax:   300 * time.Millisecond,
		HeartbeatInterval:    50 * time.Millisecond,
		MinStableTerms:       3,
		MaxInFlightProposals: 16,
	}
}

// noNode is the sentinel value for "no leader"/"no vote yet", since NodeId
// is an unsigned integer and 0 is a valid assigned id.
const noNode = ^uint64(0)
