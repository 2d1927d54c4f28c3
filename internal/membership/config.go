package membership

import "time"

// Config holds the tunables spec.md §4.4 names, reinstated as a concrete
// struct per SPEC_FULL.md's supplemented-features note (the distilled
// spec.md left these as prose: "every probe interval", "k random other
// peers", "a configured timeout without refutation").
type Config struct {
	// ProbeInterval is how often this node picks a random peer to probe.
	ProbeInterval time.Duration

	// ProbeTimeout bounds how long a direct Ping waits for an Ack before
	// falling back to indirect probing.
	ProbeTimeout time.Duration

	// IndirectProbeCount is k: the number of peers asked to PingReq a
	// suspected-unreachable target.
	IndirectProbeCount int

	// IndirectProbeTimeout bounds how long the indirect round waits before
	// the target is marked locally Suspected.
	IndirectProbeTimeout time.Duration

	// SuspectTimeout is how long a member stays Suspected, absent a
	// refuting Alive update with an equal-or-higher incarnation, before
	// this node locally transitions it to Failed.
	SuspectTimeout time.Duration

	// RetransmitMultiplier is λ in spec.md §4.4's "λ·log(N) times" bound on
	// how many outgoing pings/acks a given update gets piggybacked onto.
	RetransmitMultiplier int
}

// DefaultConfig matches typical SWIM deployments (serf's own defaults are
// in the same range): sub-second probing, suspicion measured in seconds.
func DefaultConfig() Config {
	return Config{
		ProbeInterval:         1 * time.Second,
		ProbeTimeout:          200 * time.Millisecond,
		IndirectProbeCount:    3,
		IndirectProbeTimeout:  400 * time.Millisecond,
		SuspectTimeout:        5 * time.Second,
		RetransmitMultiplier:  4,
	}
}
