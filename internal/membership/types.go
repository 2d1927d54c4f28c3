// Package membership implements C4: infection-style (SWIM) gossip
// dissemination of join/leave/fail events with direct and indirect probing,
// per spec.md §4.4. It is grounded on hashicorp/serf's gossip design (the
// canonical SWIM-over-msgpack implementation retrieved in this pack's
// other_examples/manifests/hashicorp-serf) for the wire-encoding choice and
// piggyback-on-ack dissemination style; the probe/suspect/refute state
// machine itself follows spec.md §4.4 directly since serf's own state
// machine carries more features (roles, tags, user events) than this core
// needs.
package membership

// Status is a member's membership state, spec.md §3's ClusterMember.status
// restricted to the subset this protocol disseminates (Healthy/Suspected/
// Failed plus Left for a voluntary leave, which spec.md §4.4 also names).
type Status int

const (
	Healthy Status = iota
	Suspected
	Failed
	Left
)

func (s Status) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Suspected:
		return "suspected"
	case Failed:
		return "failed"
	case Left:
		return "left"
	default:
		return "unknown"
	}
}

// statusRank orders statuses for the tie-break rule spec.md §4.4 specifies
// when two updates about the same member carry the same incarnation:
// "Failed > Left > Suspected > Alive". Higher rank wins.
func statusRank(s Status) int {
	switch s {
	case Failed:
		return 3
	case Left:
		return 2
	case Suspected:
		return 1
	default: // Healthy ("Alive")
		return 0
	}
}

// Member is one node as known by this node's local view, spec.md §3's
// ClusterMember narrowed to the fields the gossip layer itself owns
// (role/capabilities/last_heartbeat belong to the façade's richer
// ClusterMember view, composed from this plus C3's suspicion values).
type Member struct {
	NodeID      uint64
	Address     string
	Status      Status
	Incarnation uint64
}

// supersedes reports whether an update carrying (incarnation, status)
// should replace the currently-known (curInc, curStatus) for the same
// member, per spec.md §4.4: higher incarnation always wins; on a tie,
// higher status rank wins.
func supersedes(incarnation uint64, status Status, curInc uint64, curStatus Status) bool {
	if incarnation != curInc {
		return incarnation > curInc
	}
	return statusRank(status) > statusRank(curStatus)
}
