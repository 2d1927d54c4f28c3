package txn

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadCommittedSeesOnlyCommittedWrites(t *testing.T) {
	s := NewStore(DefaultConfig())

	writer := s.BeginLocal(s.NextTS(), ReadCommitted)
	require.NoError(t, s.Write(writer.ID, "k", []byte("v1")))

	reader := s.BeginLocal(s.NextTS(), ReadCommitted)
	_, ok, err := s.Read(reader.ID, "k")
	require.NoError(t, err)
	require.False(t, ok, "uncommitted write must not be visible to another transaction")

	s.MarkCommitted(writer.ID, s.NextTS())

	val, ok, err := s.Read(reader.ID, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v1"), val)
}

func TestRepeatableReadHoldsSnapshotAcrossConcurrentCommit(t *testing.T) {
	s := NewStore(DefaultConfig())

	setup := s.BeginLocal(s.NextTS(), ReadCommitted)
	require.NoError(t, s.Write(setup.ID, "k", []byte("initial")))
	s.MarkCommitted(setup.ID, s.NextTS())

	reader := s.BeginLocal(s.NextTS(), RepeatableRead)

	writer := s.BeginLocal(s.NextTS(), ReadCommitted)
	require.NoError(t, s.Write(writer.ID, "k", []byte("updated")))
	s.MarkCommitted(writer.ID, s.NextTS())

	val, ok, err := s.Read(reader.ID, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("initial"), val, "repeatable read must not see a commit that happened after its snapshot")

	fresh := s.BeginLocal(s.NextTS(), ReadCommitted)
	val2, ok2, err2 := s.Read(fresh.ID, "k")
	require.NoError(t, err2)
	require.True(t, ok2)
	require.Equal(t, []byte("updated"), val2)
}

func TestReadUncommittedSeesDirtyWrites(t *testing.T) {
	s := NewStore(DefaultConfig())

	writer := s.BeginLocal(s.NextTS(), ReadCommitted)
	require.NoError(t, s.Write(writer.ID, "k", []byte("dirty")))

	reader := s.BeginLocal(s.NextTS(), ReadUncommitted)
	val, ok, err := s.Read(reader.ID, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("dirty"), val)
}

func TestDeleteTombstoneHidesValue(t *testing.T) {
	s := NewStore(DefaultConfig())

	writer := s.BeginLocal(s.NextTS(), ReadCommitted)
	require.NoError(t, s.Write(writer.ID, "k", []byte("v1")))
	s.MarkCommitted(writer.ID, s.NextTS())

	deleter := s.BeginLocal(s.NextTS(), ReadCommitted)
	require.NoError(t, s.Delete(deleter.ID, "k"))
	s.MarkCommitted(deleter.ID, s.NextTS())

	reader := s.BeginLocal(s.NextTS(), ReadCommitted)
	_, ok, err := s.Read(reader.ID, "k")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAbortedWriteNeverVisible(t *testing.T) {
	s := NewStore(DefaultConfig())

	writer := s.BeginLocal(s.NextTS(), ReadCommitted)
	require.NoError(t, s.Write(writer.ID, "k", []byte("v1")))
	s.MarkAborted(writer.ID)

	reader := s.BeginLocal(s.NextTS(), ReadUncommitted)
	_, ok, err := s.Read(reader.ID, "k")
	require.NoError(t, err)
	require.False(t, ok, "an aborted transaction's writes must never become visible, even to read-uncommitted")
}

func TestVacuumRemovesVersionsOlderThanOldestSnapshot(t *testing.T) {
	s := NewStore(DefaultConfig())

	first := s.BeginLocal(s.NextTS(), ReadCommitted)
	require.NoError(t, s.Write(first.ID, "k", []byte("v1")))
	s.MarkCommitted(first.ID, s.NextTS())
	s.Forget(first.ID)

	second := s.BeginLocal(s.NextTS(), ReadCommitted)
	require.NoError(t, s.Write(second.ID, "k", []byte("v2")))
	secondCommitTS := s.NextTS()
	s.MarkCommitted(second.ID, secondCommitTS)
	s.Forget(second.ID)

	removed := s.Vacuum(secondCommitTS)
	require.Equal(t, 1, removed, "the superseded v1 version should be vacuumed once nothing can see it")

	reader := s.BeginLocal(s.NextTS(), ReadCommitted)
	val, ok, _ := s.Read(reader.ID, "k")
	require.True(t, ok)
	require.Equal(t, []byte("v2"), val)
}
