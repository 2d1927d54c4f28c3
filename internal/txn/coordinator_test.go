package txn

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingProposer struct {
	mu      sync.Mutex
	records []LogRecord
	nextLSN uint64
}

func (p *recordingProposer) ProposeTxnRecord(r LogRecord) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextLSN++
	p.records = append(p.records, r)
	return p.nextLSN, nil
}

func (p *recordingProposer) types() []RecordType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]RecordType, len(p.records))
	for i, r := range p.records {
		out[i] = r.Type
	}
	return out
}

// fakeParticipant is an in-process stand-in for a remote participant,
// votable and abortable by the test.
type fakeParticipant struct {
	vote      bool
	committed bool
	aborted   bool
	mu        sync.Mutex
}

func (p *fakeParticipant) Prepare(ctx context.Context, txnID, coordinatorID uint64) (bool, error) {
	return p.vote, nil
}

func (p *fakeParticipant) QueryDecision(ctx context.Context, txnID uint64) (DecisionResult, error) {
	return DecisionResult{Outcome: DecisionUnknown}, nil
}

func (p *fakeParticipant) Commit(ctx context.Context, txnID uint64, commitTS uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.committed = true
	return nil
}

func (p *fakeParticipant) Abort(ctx context.Context, txnID uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.aborted = true
	return nil
}

type fakeFactory struct {
	participants map[uint64]*fakeParticipant
}

func (f *fakeFactory) Participant(nodeID uint64) Participant {
	return f.participants[nodeID]
}

func newTestCoordinator(factory ParticipantFactory) (*Coordinator, *recordingProposer) {
	cfg := DefaultConfig()
	cfg.LockWaitTimeout = 200 * time.Millisecond
	cfg.PrepareTimeout = 200 * time.Millisecond
	store := NewStore(cfg)
	locks := NewLockManager()
	proposer := &recordingProposer{}
	return NewCoordinator(1, store, locks, proposer, factory, cfg), proposer
}

func TestCommitSingleParticipantSkipsPrepare(t *testing.T) {
	c, proposer := newTestCoordinator(nil)

	txnID := c.Begin(ReadCommitted, []uint64{1})
	require.NoError(t, c.Write(context.Background(), txnID, "k", []byte("v1")))
	require.NoError(t, c.Commit(context.Background(), txnID))

	types := proposer.types()
	require.Contains(t, types, RecBegin)
	require.Contains(t, types, RecWrite)
	require.Contains(t, types, RecCommit)
	require.NotContains(t, types, RecPrepare, "a single-participant transaction must short-circuit PREPARE")

	val, ok, err := c.Read(txnID, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v1"), val)
}

func TestCommitTwoPhaseAllYesCommits(t *testing.T) {
	remote := &fakeParticipant{vote: true}
	factory := &fakeFactory{participants: map[uint64]*fakeParticipant{2: remote}}
	c, proposer := newTestCoordinator(factory)

	txnID := c.Begin(ReadCommitted, []uint64{1, 2})
	require.NoError(t, c.Write(context.Background(), txnID, "k", []byte("v1")))
	require.NoError(t, c.Commit(context.Background(), txnID))

	require.Contains(t, proposer.types(), RecPrepare)
	require.True(t, remote.committed)
	require.False(t, remote.aborted)
}

func TestCommitTwoPhaseNoVoteAborts(t *testing.T) {
	remote := &fakeParticipant{vote: false}
	factory := &fakeFactory{participants: map[uint64]*fakeParticipant{2: remote}}
	c, _ := newTestCoordinator(factory)

	txnID := c.Begin(ReadCommitted, []uint64{1, 2})
	require.NoError(t, c.Write(context.Background(), txnID, "k", []byte("v1")))

	err := c.Commit(context.Background(), txnID)
	require.Error(t, err)
	require.True(t, remote.aborted)
	require.False(t, remote.committed)

	_, ok, err := c.Read(txnID, "k")
	require.NoError(t, err)
	require.False(t, ok, "an aborted transaction's write must not be visible")
}

func TestWriteWriteConflictBlocksSecondWriter(t *testing.T) {
	c, _ := newTestCoordinator(nil)

	txnA := c.Begin(ReadCommitted, nil)
	require.NoError(t, c.Write(context.Background(), txnA, "k", []byte("a")))

	txnB := c.Begin(ReadCommitted, nil)
	err := c.Write(context.Background(), txnB, "k", []byte("b"))
	require.Error(t, err, "txnB must not acquire the intent while txnA holds it")

	require.NoError(t, c.Commit(context.Background(), txnA))
}

func TestDeadlockDetectionAbortsYoungestVictim(t *testing.T) {
	c, _ := newTestCoordinator(nil)
	c.Start()
	defer c.Stop()

	txnA := c.Begin(ReadCommitted, nil)
	txnB := c.Begin(ReadCommitted, nil)

	require.NoError(t, c.Write(context.Background(), txnA, "x", []byte("1")))
	require.NoError(t, c.Write(context.Background(), txnB, "y", []byte("1")))

	var wg sync.WaitGroup
	wg.Add(2)
	errA := make(chan error, 1)
	errB := make(chan error, 1)
	go func() {
		defer wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		errA <- c.Write(ctx, txnA, "y", []byte("2"))
	}()
	go func() {
		defer wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		errB <- c.Write(ctx, txnB, "x", []byte("2"))
	}()
	wg.Wait()

	a, b := <-errA, <-errB
	require.True(t, (a == nil) != (b == nil), "exactly one side of the cycle must be aborted as victim, the other proceeds")
	require.Error(t, b, "txnB has the higher id, so it is the youngest and must be the victim")
}
