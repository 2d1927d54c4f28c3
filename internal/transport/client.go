package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/latticedb/core/internal/membership"
	"github.com/latticedb/core/internal/raft"
	"github.com/latticedb/core/internal/txn"
)

// rpcTimeout and snapshotTimeout mirror kvstorepeerclient.go's
// rpcTimeOut/snapshotRPCTimeout constants; the teacher's proxyRPCTimeout
// (for RPCs the leader proxies on to itself) has no analogue here since
// this module's 2PC participant calls are already peer-to-peer.
const (
	rpcTimeout      = 200 * time.Millisecond
	snapshotTimeout = rpcTimeout * 3
)

// Client is the transport-backed stub for one peer, implementing
// raft.IPeerProxy, membership.Transport and txn.Participant over the same
// connection, replacing the teacher's KVPeerClient (which only ever wired
// raft.IPeerProxy since kvstore had no gossip or 2PC layer of its own).
type Client struct {
	nodeID uint64
	conn   *grpc.ClientConn
}

// Dial opens a connection to addr. Per the teacher's comment that
// grpc.Dial's connection is itself non-blocking, Dial here never blocks
// on the network; failures surface on the first RPC instead.
func Dial(nodeID uint64, addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("transport: dialing %s: %w", addr, err)
	}
	return &Client{nodeID: nodeID, conn: conn}, nil
}

// Close releases the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) send(ctx context.Context, kind EnvelopeKind, payload []byte) (*Envelope, error) {
	env := &Envelope{ID: uuid.New(), Kind: kind, Payload: payload}
	reply := new(Envelope)
	err := c.conn.Invoke(ctx, "/"+serviceName+"/Send", env, reply)
	if err != nil {
		return nil, err
	}
	return reply, nil
}

// AppendEntries implements raft.IPeerProxy.
func (c *Client) AppendEntries(ctx context.Context, req *raft.AppendEntriesRequest) (*raft.AppendEntriesReply, error) {
	ctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()

	payload, err := gobEncode(req)
	if err != nil {
		return nil, err
	}
	reply, err := c.send(ctx, KindAppendEntriesRequest, payload)
	if err != nil {
		return nil, err
	}
	var out raft.AppendEntriesReply
	if err := gobDecode(reply.Payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RequestVote implements raft.IPeerProxy.
func (c *Client) RequestVote(ctx context.Context, req *raft.RequestVoteRequest) (*raft.RequestVoteReply, error) {
	ctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()

	payload, err := gobEncode(req)
	if err != nil {
		return nil, err
	}
	reply, err := c.send(ctx, KindRequestVoteRequest, payload)
	if err != nil {
		return nil, err
	}
	var out raft.RequestVoteReply
	if err := gobDecode(reply.Payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// InstallSnapshot implements raft.IPeerProxy by opening SendSnapshot's
// client-streaming RPC and writing req.Data across as frames of at most
// 256 KiB, each repeating the snapshot metadata, mirroring
// KVPeerClient.InstallSnapshot's io.Copy into a stream writer but slicing
// Data in memory instead of reading it from a file handle. An empty Data
// is still sent as one frame.
func (c *Client) InstallSnapshot(ctx context.Context, req *raft.InstallSnapshotRequest) (*raft.InstallSnapshotReply, error) {
	ctx, cancel := context.WithTimeout(ctx, snapshotTimeout)
	defer cancel()

	stream, err := c.conn.NewStream(ctx, &ServiceDesc.Streams[0], "/"+serviceName+"/SendSnapshot")
	if err != nil {
		return nil, err
	}

	const chunkSize = 1 << 18
	data := req.Data
	for first := true; first || len(data) > 0; first = false {
		n := len(data)
		if n > chunkSize {
			n = chunkSize
		}
		chunk := &SnapshotChunk{
			LeaderID:      req.LeaderID,
			Term:          req.Term,
			SnapshotIndex: req.SnapshotIndex,
			SnapshotTerm:  req.SnapshotTerm,
			Data:          data[:n],
		}
		if err := stream.SendMsg(chunk); err != nil {
			return nil, err
		}
		data = data[n:]
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}

	var ack SnapshotAck
	if err := stream.RecvMsg(&ack); err != nil {
		return nil, err
	}
	return &raft.InstallSnapshotReply{Term: ack.Term, NodeID: ack.NodeID}, nil
}

// Ping implements membership.Transport.
func (c *Client) Ping(ctx context.Context, req membership.PingMessage) (membership.AckMessage, error) {
	payload, err := membership.EncodePing(req)
	if err != nil {
		return membership.AckMessage{}, err
	}
	reply, err := c.send(ctx, KindPing, payload)
	if err != nil {
		return membership.AckMessage{}, err
	}
	return membership.DecodeAck(reply.Payload)
}

// PingReq implements membership.Transport.
func (c *Client) PingReq(ctx context.Context, req membership.PingReqMessage) (membership.AckMessage, error) {
	payload, err := membership.EncodePingReq(req)
	if err != nil {
		return membership.AckMessage{}, err
	}
	reply, err := c.send(ctx, KindPingReq, payload)
	if err != nil {
		return membership.AckMessage{}, err
	}
	return membership.DecodeAck(reply.Payload)
}

// Prepare implements txn.Participant.
func (c *Client) Prepare(ctx context.Context, txnID, coordinatorID uint64) (bool, error) {
	payload, err := gobEncode(PrepareRequest{TxnID: txnID, CoordinatorID: coordinatorID})
	if err != nil {
		return false, err
	}
	reply, err := c.send(ctx, KindPrepareRequest, payload)
	if err != nil {
		return false, err
	}
	var out PrepareReply
	if err := gobDecode(reply.Payload, &out); err != nil {
		return false, err
	}
	return out.Vote, nil
}

// QueryDecision implements txn.Participant.
func (c *Client) QueryDecision(ctx context.Context, txnID uint64) (txn.DecisionResult, error) {
	payload, err := gobEncode(DecisionQueryRequest{TxnID: txnID})
	if err != nil {
		return txn.DecisionResult{}, err
	}
	reply, err := c.send(ctx, KindDecisionQueryRequest, payload)
	if err != nil {
		return txn.DecisionResult{}, err
	}
	var out DecisionQueryReply
	if err := gobDecode(reply.Payload, &out); err != nil {
		return txn.DecisionResult{}, err
	}
	return txn.DecisionResult{Outcome: txn.DecisionOutcome(out.Outcome), CommitTS: out.CommitTS}, nil
}

// Commit implements txn.Participant.
func (c *Client) Commit(ctx context.Context, txnID uint64, commitTS uint64) error {
	payload, err := gobEncode(CommitRequest{TxnID: txnID, CommitTS: commitTS})
	if err != nil {
		return err
	}
	_, err = c.send(ctx, KindCommitRequest, payload)
	return err
}

// Abort implements txn.Participant.
func (c *Client) Abort(ctx context.Context, txnID uint64) error {
	payload, err := gobEncode(AbortRequest{TxnID: txnID})
	if err != nil {
		return err
	}
	_, err = c.send(ctx, KindAbortRequest, payload)
	return err
}
