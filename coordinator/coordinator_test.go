package coordinator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/latticedb/core/internal/coordinatorerr"
	"github.com/latticedb/core/internal/txn"
)

func newTestConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig(1, "127.0.0.1:17001", t.TempDir(),
		map[uint64]string{2: "127.0.0.1:17002"}, nil)
	return cfg
}

func TestNewRequiresAddressAndDataDir(t *testing.T) {
	cfg := newTestConfig(t)

	missingAddr := cfg
	missingAddr.SelfAddress = ""
	_, err := New(missingAddr)
	require.Error(t, err)

	missingDir := cfg
	missingDir.DataDir = ""
	_, err = New(missingDir)
	require.Error(t, err)
}

func TestNewWiresWithoutStarting(t *testing.T) {
	c, err := New(newTestConfig(t))
	require.NoError(t, err)
	require.NotNil(t, c.node)
	require.NotNil(t, c.txnCoord)
	require.NotNil(t, c.members)

	status := c.ClusterStatus()
	require.False(t, status.HasLeader)
}

func TestLocalTransactionLifecycleWithoutConsensus(t *testing.T) {
	c, err := New(newTestConfig(t))
	require.NoError(t, err)

	txnID := c.BeginTransaction(txn.ReadCommitted, []uint64{1})
	require.NoError(t, c.Write(context.Background(), txnID, "k", []byte("v1")))

	v, ok, err := c.Read(txnID, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v1"), v)
}

func TestCommitBeforeStartIsNotLeader(t *testing.T) {
	c, err := New(newTestConfig(t))
	require.NoError(t, err)

	txnID := c.BeginTransaction(txn.ReadCommitted, []uint64{1})
	require.NoError(t, c.Write(context.Background(), txnID, "k", []byte("v1")))

	err = c.Commit(context.Background(), txnID)
	require.True(t, errors.Is(err, coordinatorerr.NewNotLeader("")))
}

func TestProposeConfigChangeUpdatesAddressBookOnlyOnSuccess(t *testing.T) {
	c, err := New(newTestConfig(t))
	require.NoError(t, err)

	_, ok := c.book.lookup(3)
	require.False(t, ok)

	err = c.RegisterNode(3, "127.0.0.1:17003")
	require.Error(t, err) // not leader: this node never started raft

	_, ok = c.book.lookup(3)
	require.False(t, ok)
}

func TestConfigChangeEncodeDecodeRoundTrip(t *testing.T) {
	original := ConfigChange{Op: ConfigChangeAddNode, NodeID: 9, Address: "127.0.0.1:9000"}
	decoded, err := decodeConfigChange(encodeConfigChange(original))
	require.NoError(t, err)
	require.Equal(t, original, decoded)
}

func TestAddressBook(t *testing.T) {
	book := newAddressBook(map[uint64]string{1: "a"})
	book.set(2, "b")
	addr, ok := book.lookup(2)
	require.True(t, ok)
	require.Equal(t, "b", addr)

	book.remove(1)
	_, ok = book.lookup(1)
	require.False(t, ok)

	snap := book.snapshot()
	require.Equal(t, map[uint64]string{2: "b"}, snap)
}

func TestApplyConfigChangeHandler(t *testing.T) {
	book := newAddressBook(nil)
	handler := applyConfigChangeHandler(book)

	require.NoError(t, handler(encodeConfigChange(ConfigChange{Op: ConfigChangeAddNode, NodeID: 5, Address: "x"})))
	addr, ok := book.lookup(5)
	require.True(t, ok)
	require.Equal(t, "x", addr)

	require.NoError(t, handler(encodeConfigChange(ConfigChange{Op: ConfigChangeRemoveNode, NodeID: 5})))
	_, ok = book.lookup(5)
	require.False(t, ok)
}
