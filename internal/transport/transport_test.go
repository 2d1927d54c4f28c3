package transport

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/latticedb/core/internal/membership"
	"github.com/latticedb/core/internal/raft"
	"github.com/latticedb/core/internal/txn"
)

func TestGobCodecRoundTripsEnvelope(t *testing.T) {
	c := gobCodec{}
	env := &Envelope{ID: uuid.New(), Kind: KindPing, Payload: []byte("hello")}

	b, err := c.Marshal(env)
	require.NoError(t, err)

	var out Envelope
	require.NoError(t, c.Unmarshal(b, &out))
	require.Equal(t, env.ID, out.ID)
	require.Equal(t, env.Kind, out.Kind)
	require.Equal(t, env.Payload, out.Payload)
}

func TestServerSendDispatchesAppendEntriesByKind(t *testing.T) {
	var gotReq *raft.AppendEntriesRequest
	srv := NewServer(Handlers{
		AppendEntries: func(ctx context.Context, req *raft.AppendEntriesRequest) (*raft.AppendEntriesReply, error) {
			gotReq = req
			return &raft.AppendEntriesReply{Term: req.Term, Success: true, NodeID: 2}, nil
		},
	})

	payload, err := gobEncode(&raft.AppendEntriesRequest{Term: 5, LeaderID: 1})
	require.NoError(t, err)

	reply, err := srv.Send(context.Background(), &Envelope{ID: uuid.New(), Kind: KindAppendEntriesRequest, Payload: payload})
	require.NoError(t, err)
	require.Equal(t, KindAppendEntriesReply, reply.Kind)
	require.Equal(t, uint64(5), gotReq.Term)

	var out raft.AppendEntriesReply
	require.NoError(t, gobDecode(reply.Payload, &out))
	require.True(t, out.Success)
	require.Equal(t, uint64(2), out.NodeID)
}

func TestServerSendDispatchesPingByKind(t *testing.T) {
	srv := NewServer(Handlers{
		Ping: func(ctx context.Context, req membership.PingMessage) (membership.AckMessage, error) {
			return membership.AckMessage{SenderID: req.SenderID + 1}, nil
		},
	})

	payload, err := membership.EncodePing(membership.PingMessage{SenderID: 7})
	require.NoError(t, err)

	reply, err := srv.Send(context.Background(), &Envelope{ID: uuid.New(), Kind: KindPing, Payload: payload})
	require.NoError(t, err)
	require.Equal(t, KindAck, reply.Kind)

	ack, err := membership.DecodeAck(reply.Payload)
	require.NoError(t, err)
	require.Equal(t, uint64(8), ack.SenderID)
}

func TestServerSendDispatchesPrepareCommitAbort(t *testing.T) {
	var preparedTxn, preparedCoordinator, committedTxn, abortedTxn uint64
	srv := NewServer(Handlers{
		Prepare: func(ctx context.Context, txnID, coordinatorID uint64) (bool, error) {
			preparedTxn = txnID
			preparedCoordinator = coordinatorID
			return true, nil
		},
		Commit: func(ctx context.Context, txnID, commitTS uint64) error {
			committedTxn = txnID
			return nil
		},
		Abort: func(ctx context.Context, txnID uint64) error {
			abortedTxn = txnID
			return nil
		},
	})

	preparePayload, err := gobEncode(PrepareRequest{TxnID: 42, CoordinatorID: 1})
	require.NoError(t, err)
	reply, err := srv.Send(context.Background(), &Envelope{Kind: KindPrepareRequest, Payload: preparePayload})
	require.NoError(t, err)
	var pr PrepareReply
	require.NoError(t, gobDecode(reply.Payload, &pr))
	require.True(t, pr.Vote)
	require.Equal(t, uint64(42), preparedTxn)
	require.Equal(t, uint64(1), preparedCoordinator)

	commitPayload, err := gobEncode(CommitRequest{TxnID: 42, CommitTS: 100})
	require.NoError(t, err)
	_, err = srv.Send(context.Background(), &Envelope{Kind: KindCommitRequest, Payload: commitPayload})
	require.NoError(t, err)
	require.Equal(t, uint64(42), committedTxn)

	abortPayload, err := gobEncode(AbortRequest{TxnID: 43})
	require.NoError(t, err)
	_, err = srv.Send(context.Background(), &Envelope{Kind: KindAbortRequest, Payload: abortPayload})
	require.NoError(t, err)
	require.Equal(t, uint64(43), abortedTxn)
}

func TestServerSendDispatchesDecisionQuery(t *testing.T) {
	var queriedTxn uint64
	srv := NewServer(Handlers{
		DecisionQuery: func(ctx context.Context, txnID uint64) (txn.DecisionResult, error) {
			queriedTxn = txnID
			return txn.DecisionResult{Outcome: txn.DecisionCommit, CommitTS: 77}, nil
		},
	})

	payload, err := gobEncode(DecisionQueryRequest{TxnID: 9})
	require.NoError(t, err)
	reply, err := srv.Send(context.Background(), &Envelope{Kind: KindDecisionQueryRequest, Payload: payload})
	require.NoError(t, err)
	var out DecisionQueryReply
	require.NoError(t, gobDecode(reply.Payload, &out))
	require.Equal(t, uint64(9), queriedTxn)
	require.Equal(t, uint8(txn.DecisionCommit), out.Outcome)
	require.Equal(t, uint64(77), out.CommitTS)
}

func TestServerSendRejectsUnknownKind(t *testing.T) {
	srv := NewServer(Handlers{})
	_, err := srv.Send(context.Background(), &Envelope{Kind: EnvelopeKind(250)})
	require.Error(t, err)
}
