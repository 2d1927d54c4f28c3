package coordinator

import (
	"github.com/latticedb/core/internal/raft"
	"github.com/latticedb/core/internal/txn"
	"github.com/latticedb/core/internal/wal"
)

// raftProposer adapts (*raft.Node).Propose to txn.Proposer, the same
// decoupling seam transport.Client provides between internal/raft and
// internal/membership/internal/txn's own RPC interfaces. It's the one
// place C6's log records are actually handed to C5.
type raftProposer struct {
	node *raft.Node
}

func (p raftProposer) ProposeTxnRecord(r txn.LogRecord) (uint64, error) {
	res, err := p.node.Propose(wal.Payload{Tag: wal.PayloadTxnRecord, Data: txn.EncodeLogRecord(r)})
	if err != nil {
		return 0, err
	}
	return res.Index, nil
}
