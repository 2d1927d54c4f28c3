package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"google.golang.org/grpc"

	"github.com/latticedb/core/internal/membership"
	"github.com/latticedb/core/internal/raft"
	"github.com/latticedb/core/internal/txn"
	"github.com/latticedb/core/internal/util"
)

// Handlers are the façade-supplied callbacks a Server dispatches incoming
// Envelopes to, one per EnvelopeKind family. Grounded on
// kvstorerpcserver.go's RPCServer, which does the same dispatch by having
// one grpc method per RPC; here it's one method (Send) dispatching
// internally on Envelope.Kind since no generated service exists to give
// each message its own method.
type Handlers struct {
	AppendEntries   func(ctx context.Context, req *raft.AppendEntriesRequest) (*raft.AppendEntriesReply, error)
	RequestVote     func(ctx context.Context, req *raft.RequestVoteRequest) (*raft.RequestVoteReply, error)
	InstallSnapshot func(ctx context.Context, req *raft.InstallSnapshotRequest) (*raft.InstallSnapshotReply, error)
	Ping            func(ctx context.Context, req membership.PingMessage) (membership.AckMessage, error)
	PingReq         func(ctx context.Context, req membership.PingReqMessage) (membership.AckMessage, error)
	Prepare         func(ctx context.Context, txnID, coordinatorID uint64) (bool, error)
	Commit          func(ctx context.Context, txnID, commitTS uint64) error
	Abort           func(ctx context.Context, txnID uint64) error
	DecisionQuery   func(ctx context.Context, txnID uint64) (txn.DecisionResult, error)
}

// Server hosts one node's inbound RPC surface: Raft replication, SWIM
// probes and 2PC participant calls all arrive over the same listener and
// get dispatched by Envelope.Kind to Handlers, mirroring RPCServer.Start's
// goroutine-served grpc.Server but over the hand-written ServiceDesc.
type Server struct {
	wg       sync.WaitGroup
	grpc     *grpc.Server
	handlers Handlers
}

// NewServer constructs a Server bound to handlers. It does not start
// listening until Start is called.
func NewServer(handlers Handlers) *Server {
	s := &Server{handlers: handlers}
	s.grpc = grpc.NewServer(grpc.ForceServerCodec(gobCodec{}))
	s.grpc.RegisterService(&ServiceDesc, s)
	return s
}

// Start listens on addr and serves in a background goroutine, per
// RPCServer.Start's pattern.
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return util.WrapFatal(err, "transport: listening on "+addr)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.grpc.Serve(lis); err != nil {
			util.WriteWarning("transport: server exited: %v", err)
		}
	}()
	return nil
}

// Stop gracefully drains in-flight RPCs, then blocks until Start's
// goroutine returns.
func (s *Server) Stop() {
	s.grpc.GracefulStop()
	s.wg.Wait()
}

// Send implements transportServer, routing one Envelope to its Handlers
// entry and wrapping the response (or error) back into a reply Envelope.
func (s *Server) Send(ctx context.Context, env *Envelope) (*Envelope, error) {
	switch env.Kind {
	case KindAppendEntriesRequest:
		return s.handleAppendEntries(ctx, env)
	case KindRequestVoteRequest:
		return s.handleRequestVote(ctx, env)
	case KindPing:
		return s.handlePing(ctx, env)
	case KindPingReq:
		return s.handlePingReq(ctx, env)
	case KindPrepareRequest:
		return s.handlePrepare(ctx, env)
	case KindCommitRequest:
		return s.handleCommit(ctx, env)
	case KindAbortRequest:
		return s.handleAbort(ctx, env)
	case KindDecisionQueryRequest:
		return s.handleDecisionQuery(ctx, env)
	default:
		return nil, fmt.Errorf("transport: unrecognized envelope kind %d", env.Kind)
	}
}

func (s *Server) handleAppendEntries(ctx context.Context, env *Envelope) (*Envelope, error) {
	var req raft.AppendEntriesRequest
	if err := gobDecode(env.Payload, &req); err != nil {
		return nil, err
	}
	reply, err := s.handlers.AppendEntries(ctx, &req)
	if err != nil {
		return nil, err
	}
	payload, err := gobEncode(reply)
	if err != nil {
		return nil, err
	}
	return &Envelope{ID: env.ID, Kind: KindAppendEntriesReply, Payload: payload}, nil
}

func (s *Server) handleRequestVote(ctx context.Context, env *Envelope) (*Envelope, error) {
	var req raft.RequestVoteRequest
	if err := gobDecode(env.Payload, &req); err != nil {
		return nil, err
	}
	reply, err := s.handlers.RequestVote(ctx, &req)
	if err != nil {
		return nil, err
	}
	payload, err := gobEncode(reply)
	if err != nil {
		return nil, err
	}
	return &Envelope{ID: env.ID, Kind: KindRequestVoteReply, Payload: payload}, nil
}

func (s *Server) handlePing(ctx context.Context, env *Envelope) (*Envelope, error) {
	req, err := membership.DecodePing(env.Payload)
	if err != nil {
		return nil, err
	}
	ack, err := s.handlers.Ping(ctx, req)
	if err != nil {
		return nil, err
	}
	payload, err := membership.EncodeAck(ack)
	if err != nil {
		return nil, err
	}
	return &Envelope{ID: env.ID, Kind: KindAck, Payload: payload}, nil
}

func (s *Server) handlePingReq(ctx context.Context, env *Envelope) (*Envelope, error) {
	req, err := membership.DecodePingReq(env.Payload)
	if err != nil {
		return nil, err
	}
	ack, err := s.handlers.PingReq(ctx, req)
	if err != nil {
		return nil, err
	}
	payload, err := membership.EncodeAck(ack)
	if err != nil {
		return nil, err
	}
	return &Envelope{ID: env.ID, Kind: KindAck, Payload: payload}, nil
}

func (s *Server) handlePrepare(ctx context.Context, env *Envelope) (*Envelope, error) {
	var req PrepareRequest
	if err := gobDecode(env.Payload, &req); err != nil {
		return nil, err
	}
	vote, err := s.handlers.Prepare(ctx, req.TxnID, req.CoordinatorID)
	if err != nil {
		return nil, err
	}
	payload, err := gobEncode(PrepareReply{Vote: vote})
	if err != nil {
		return nil, err
	}
	return &Envelope{ID: env.ID, Kind: KindPrepareReply, Payload: payload}, nil
}

func (s *Server) handleCommit(ctx context.Context, env *Envelope) (*Envelope, error) {
	var req CommitRequest
	if err := gobDecode(env.Payload, &req); err != nil {
		return nil, err
	}
	if err := s.handlers.Commit(ctx, req.TxnID, req.CommitTS); err != nil {
		return nil, err
	}
	payload, err := gobEncode(CommitReply{})
	if err != nil {
		return nil, err
	}
	return &Envelope{ID: env.ID, Kind: KindCommitReply, Payload: payload}, nil
}

func (s *Server) handleAbort(ctx context.Context, env *Envelope) (*Envelope, error) {
	var req AbortRequest
	if err := gobDecode(env.Payload, &req); err != nil {
		return nil, err
	}
	if err := s.handlers.Abort(ctx, req.TxnID); err != nil {
		return nil, err
	}
	payload, err := gobEncode(AbortReply{})
	if err != nil {
		return nil, err
	}
	return &Envelope{ID: env.ID, Kind: KindAbortReply, Payload: payload}, nil
}

func (s *Server) handleDecisionQuery(ctx context.Context, env *Envelope) (*Envelope, error) {
	var req DecisionQueryRequest
	if err := gobDecode(env.Payload, &req); err != nil {
		return nil, err
	}
	result, err := s.handlers.DecisionQuery(ctx, req.TxnID)
	if err != nil {
		return nil, err
	}
	payload, err := gobEncode(DecisionQueryReply{Outcome: uint8(result.Outcome), CommitTS: result.CommitTS})
	if err != nil {
		return nil, err
	}
	return &Envelope{ID: env.ID, Kind: KindDecisionQueryReply, Payload: payload}, nil
}

// SendSnapshot implements transportServer's client-streaming RPC: the
// leader streams SnapshotChunk frames (the first carrying the transfer's
// metadata, each carrying a slice of the serialized state machine), the
// follower buffers them, then installs once the stream closes, mirroring
// RPCServer.InstallSnapshot's file-based buffering but in memory since
// internal/raft's InstallSnapshotRequest already carries Data as bytes.
func (s *Server) SendSnapshot(stream grpc.ServerStream) error {
	var meta *SnapshotChunk
	var data []byte

	for {
		var chunk SnapshotChunk
		err := stream.RecvMsg(&chunk)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		if meta == nil {
			m := chunk
			meta = &m
		}
		data = append(data, chunk.Data...)
	}

	if meta == nil {
		return errors.New("transport: empty snapshot stream")
	}

	reply, err := s.handlers.InstallSnapshot(stream.Context(), &raft.InstallSnapshotRequest{
		Term:          meta.Term,
		LeaderID:      meta.LeaderID,
		SnapshotIndex: meta.SnapshotIndex,
		SnapshotTerm:  meta.SnapshotTerm,
		Data:          data,
	})
	if err != nil {
		return err
	}

	return stream.SendMsg(&SnapshotAck{Term: reply.Term, NodeID: reply.NodeID, Success: true})
}
