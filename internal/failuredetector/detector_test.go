package failuredetector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSuspicionZeroForUnknownPeer(t *testing.T) {
	d := New(DefaultConfig())
	require.Equal(t, 0.0, d.Suspicion(1, time.Now()))
	require.False(t, d.IsSuspected(1, time.Now()))
}

func TestInsufficientDataFallsBackToTwiceExpectedInterval(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ExpectedInterval = 100 * time.Millisecond
	d := New(cfg)

	base := time.Unix(0, 0)
	d.RecordHeartbeat(1, base)

	require.False(t, d.IsSuspected(1, base.Add(150*time.Millisecond)))
	require.True(t, d.IsSuspected(1, base.Add(250*time.Millisecond)))
}

func TestSuspicionMonotonicBetweenHeartbeats(t *testing.T) {
	cfg := DefaultConfig()
	d := New(cfg)
	base := time.Unix(0, 0)

	// Seed enough regular samples to get a non-zero stddev.
	interval := 100 * time.Millisecond
	for i := 0; i < 50; i++ {
		jitter := time.Duration(i%3) * time.Millisecond
		d.RecordHeartbeat(1, base.Add(time.Duration(i)*interval+jitter))
	}
	last := base.Add(49 * interval)

	prev := d.Suspicion(1, last)
	for step := 1; step <= 10; step++ {
		cur := d.Suspicion(1, last.Add(time.Duration(step)*10*time.Millisecond))
		require.GreaterOrEqual(t, cur, prev)
		prev = cur
	}
}

func TestVariableLatencyScenario(t *testing.T) {
	// Mirrors spec.md §8 scenario 6 with samples of mean 100ms (population
	// sigma about 12ms) over 200 heartbeats: a 500ms miss should suspect, a
	// 150ms miss should not.
	cfg := DefaultConfig()
	d := New(cfg)
	base := time.Unix(0, 0)

	samples := []int64{80, 120, 100, 90, 110, 95, 105, 85, 115, 100}
	t0 := base
	for i := 0; i < 200; i++ {
		ms := samples[i%len(samples)]
		t0 = t0.Add(time.Duration(ms) * time.Millisecond)
		d.RecordHeartbeat(1, t0)
	}

	require.True(t, d.IsSuspected(1, t0.Add(500*time.Millisecond)))
	require.False(t, d.IsSuspected(1, t0.Add(150*time.Millisecond)))
}

func TestMaxSamplesEvictsOldestAndKeepsStatsConsistent(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSamples = 5
	d := New(cfg)
	base := time.Unix(0, 0)

	t0 := base
	for i := 0; i < 20; i++ {
		t0 = t0.Add(100 * time.Millisecond)
		d.RecordHeartbeat(1, t0)
	}

	p := d.peers[1]
	require.Len(t, p.samples, 5)
	require.Equal(t, uint64(5), p.count)
}

func TestForgetClearsState(t *testing.T) {
	d := New(DefaultConfig())
	d.RecordHeartbeat(1, time.Now())
	d.Forget(1)
	require.Equal(t, 0.0, d.Suspicion(1, time.Now()))
}

func TestClampBoundsInterArrival(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinInterval = 50 * time.Millisecond
	cfg.MaxInterval = 200 * time.Millisecond
	d := New(cfg)
	base := time.Unix(0, 0)

	d.RecordHeartbeat(1, base)
	d.RecordHeartbeat(1, base.Add(5*time.Second)) // way above max, should clamp
	d.RecordHeartbeat(1, base.Add(5*time.Second+1*time.Millisecond))

	p := d.peers[1]
	require.Equal(t, cfg.MaxInterval, p.samples[0])
}
