package statemachine

import (
	"bytes"
	"testing"

	"github.com/latticedb/core/internal/wal"
	"github.com/stretchr/testify/require"
)

func TestApplySetAndDelete(t *testing.T) {
	sm := NewKVStore(DefaultConfig(), nil)

	sm.Apply(wal.LogEntry{Index: 1, Term: 1, Payload: wal.Payload{Tag: wal.PayloadOpaque, Data: EncodeSet("k", "v1")}})
	v, err := sm.Query("k")
	require.NoError(t, err)
	require.Equal(t, "v1", v)

	sm.Apply(wal.LogEntry{Index: 2, Term: 1, Payload: wal.Payload{Tag: wal.PayloadOpaque, Data: EncodeDelete("k")}})
	_, err = sm.Query("k")
	require.Error(t, err)

	require.Equal(t, uint64(2), sm.LastApplied())
}

func TestUnknownTagStrictMode(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StrictUnknownTags = true
	sm := NewKVStore(cfg, nil)

	require.Panics(t, func() {
		sm.Apply(wal.LogEntry{Index: 1, Term: 1, Payload: wal.Payload{Tag: 99}})
	})
}

func TestUnknownTagForwardCompatibleMode(t *testing.T) {
	sm := NewKVStore(DefaultConfig(), nil)
	require.NotPanics(t, func() {
		sm.Apply(wal.LogEntry{Index: 1, Term: 1, Payload: wal.Payload{Tag: 99}})
	})
	require.Equal(t, uint64(1), sm.LastApplied())
}

func TestCustomHandlerDispatch(t *testing.T) {
	var seen []byte
	handlers := map[wal.PayloadTag]Handler{
		wal.PayloadConfigChange: func(data []byte) error {
			seen = data
			return nil
		},
	}
	sm := NewKVStore(DefaultConfig(), handlers)
	sm.Apply(wal.LogEntry{Index: 1, Term: 1, Payload: wal.Payload{Tag: wal.PayloadConfigChange, Data: []byte("cfg")}})

	require.Equal(t, []byte("cfg"), seen)
}

func TestSnapshotRoundTrip(t *testing.T) {
	sm := NewKVStore(DefaultConfig(), nil)
	sm.Apply(wal.LogEntry{Index: 1, Term: 1, Payload: wal.Payload{Tag: wal.PayloadOpaque, Data: EncodeSet("k", "v")}})

	var buf bytes.Buffer
	require.NoError(t, sm.Serialize(&buf))

	restored := NewKVStore(DefaultConfig(), nil)
	require.NoError(t, restored.Deserialize(&buf, 1))

	v, err := restored.Query("k")
	require.NoError(t, err)
	require.Equal(t, "v", v)
	require.Equal(t, uint64(1), restored.LastApplied())
}

func TestShouldSnapshotTrigger(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SnapshotInterval = 2
	sm := NewKVStore(cfg, nil)

	sm.Apply(wal.LogEntry{Index: 1, Term: 1, Payload: wal.Payload{Tag: wal.PayloadHeartbeat}})
	require.False(t, sm.ShouldSnapshot())

	sm.Apply(wal.LogEntry{Index: 2, Term: 1, Payload: wal.Payload{Tag: wal.PayloadHeartbeat}})
	require.True(t, sm.ShouldSnapshot())
}
