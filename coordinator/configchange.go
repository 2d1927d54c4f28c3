package coordinator

import (
	"bytes"
	"encoding/gob"
	"sync"

	"github.com/latticedb/core/internal/statemachine"
)

// ConfigChangeOp identifies the kind of membership-address-book mutation a
// ConfigChange record carries.
type ConfigChangeOp uint8

const (
	ConfigChangeAddNode ConfigChangeOp = iota + 1
	ConfigChangeRemoveNode
)

// ConfigChange is the payload carried inside a wal.LogEntry tagged
// wal.PayloadConfigChange. Per spec.md §9's Open Question on dynamic
// cluster membership (see DESIGN.md), this module does not implement live
// quorum/gossip-set resizing (joint consensus): RegisterNode/
// ProposeConfigChange durably replicate and apply a change to the
// façade-owned address book (the read-model ClusterStatus reports from),
// but a node only actually joins C5's voting set or C4's probe rotation
// after a process restart with an updated Config.
type ConfigChange struct {
	Op      ConfigChangeOp
	NodeID  uint64
	Address string
}

func encodeConfigChange(c ConfigChange) []byte {
	var buf bytes.Buffer
	_ = gob.NewEncoder(&buf).Encode(c)
	return buf.Bytes()
}

func decodeConfigChange(data []byte) (ConfigChange, error) {
	var c ConfigChange
	err := gob.NewDecoder(bytes.NewReader(data)).Decode(&c)
	return c, err
}

// addressBook is the façade's replicated view of every node id's dialable
// address, seeded from Config.Members/Learners and kept current by applied
// ConfigChange records, per spec.md §4.8's "member view" in cluster status.
type addressBook struct {
	mu   sync.RWMutex
	addr map[uint64]string
}

func newAddressBook(seed map[uint64]string) *addressBook {
	b := &addressBook{addr: make(map[uint64]string, len(seed))}
	for id, a := range seed {
		b.addr[id] = a
	}
	return b
}

func (b *addressBook) set(nodeID uint64, addr string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.addr[nodeID] = addr
}

func (b *addressBook) remove(nodeID uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.addr, nodeID)
}

func (b *addressBook) lookup(nodeID uint64) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	a, ok := b.addr[nodeID]
	return a, ok
}

func (b *addressBook) snapshot() map[uint64]string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[uint64]string, len(b.addr))
	for id, a := range b.addr {
		out[id] = a
	}
	return out
}

// applyConfigChangeHandler returns the statemachine.Handler the façade
// registers for wal.PayloadConfigChange, applied identically on every node
// (leader and followers) as their replicated log commits, per spec.md
// §5's "consensus commit -> state-machine apply is strictly in-order"
// ordering rule.
func applyConfigChangeHandler(book *addressBook) statemachine.Handler {
	return func(data []byte) error {
		c, err := decodeConfigChange(data)
		if err != nil {
			return err
		}
		switch c.Op {
		case ConfigChangeAddNode:
			book.set(c.NodeID, c.Address)
		case ConfigChangeRemoveNode:
			book.remove(c.NodeID)
		}
		return nil
	}
}
