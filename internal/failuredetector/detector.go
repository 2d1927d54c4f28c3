// Package failuredetector implements C3: a per-peer adaptive suspicion
// value derived from heartbeat inter-arrival times, per spec.md §4.3. It is
// grounded on original_source/build-coordinator/src/membership/phi_accrual.rs
// (a Phi Accrual sketch: incremental mean/variance over a bounded sample
// window, clamped expected interval, threshold-gated suspicion), adapted to
// the exact formula spec.md §4.3 specifies instead of the sketch's
// approximated Phi function, and to incremental Welford updates instead of
// the sketch's O(n) recompute-from-scratch-every-sample approach, per
// SPEC_FULL.md's supplemented-features note.
package failuredetector

import (
	"math"
	"sync"
	"time"

	"github.com/latticedb/core/internal/metrics"
	"github.com/latticedb/core/internal/util"
)

// Config holds the tunables spec.md §4.3 names, reinstated from
// original_source/build-coordinator/src/membership/phi_accrual.rs's
// PhiAccrualConfig.
type Config struct {
	// MaxSamples bounds the per-peer inter-arrival sample window (FIFO
	// eviction), spec.md §3's FailureSample.
	MaxSamples int

	// ExpectedInterval is the assumed heartbeat cadence used for the
	// insufficient-data fallback rule (elapsed > 2*ExpectedInterval) and as
	// the initial estimate before any samples arrive.
	ExpectedInterval time.Duration

	// MinInterval/MaxInterval clamp recorded inter-arrivals, per spec.md
	// §4.3 "to prevent pathological adaptation".
	MinInterval time.Duration
	MaxInterval time.Duration

	// SuspicionThreshold is the suspicion value above which a peer is
	// reported Suspected. spec.md §4.3 names "~8 standard deviations for
	// ~99.9% confidence" as the default.
	SuspicionThreshold float64
}

// DefaultConfig matches spec.md §4.3's stated default and the original
// sketch's PhiAccrualConfig defaults, scaled to this module's millisecond
// heartbeat cadence.
func DefaultConfig() Config {
	return Config{
		MaxSamples:         1000,
		ExpectedInterval:   100 * time.Millisecond,
		MinInterval:        10 * time.Millisecond,
		MaxInterval:        10 * time.Second,
		SuspicionThreshold: 8.0,
	}
}

// peerState tracks one peer's sliding inter-arrival window and incremental
// mean/variance (Welford's algorithm), plus the last heartbeat's arrival
// time so Suspicion can compute elapsed time without rescanning samples.
type peerState struct {
	samples    []time.Duration // FIFO ring, len <= cfg.MaxSamples
	lastBeat   time.Time
	hasBeat    bool
	count      uint64
	mean       float64 // seconds
	m2         float64 // sum of squared deviations from mean (Welford)
}

// Detector maintains adaptive suspicion state for every peer it has
// received a heartbeat from. All exported methods are safe for concurrent
// use; state is rebuilt from incoming messages, never persisted, per
// spec.md §3's ownership note on FailureSample.
type Detector struct {
	mu    sync.Mutex
	cfg   Config
	peers map[uint64]*peerState
	now   func() time.Time
}

// New constructs a Detector with the given config.
func New(cfg Config) *Detector {
	return &Detector{
		cfg:   cfg,
		peers: make(map[uint64]*peerState),
		now:   time.Now,
	}
}

// RecordHeartbeat registers a heartbeat arrival from peerID at time t. The
// inter-arrival time since the previous heartbeat is clamped to
// [MinInterval, MaxInterval] before being folded into the running
// mean/variance, per spec.md §4.3.
func (d *Detector) RecordHeartbeat(peerID uint64, t time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.peers[peerID]
	if !ok {
		p = &peerState{}
		d.peers[peerID] = p
	}

	if p.hasBeat {
		interArrival := t.Sub(p.lastBeat)
		interArrival = clamp(interArrival, d.cfg.MinInterval, d.cfg.MaxInterval)
		d.addSampleLocked(p, interArrival)
	}

	p.lastBeat = t
	p.hasBeat = true
}

// addSampleLocked folds one clamped inter-arrival sample into the peer's
// window, FIFO-evicting the oldest sample once MaxSamples is reached and
// updating mean/variance via Welford's online algorithm so Suspicion never
// needs to rescan the whole window.
func (d *Detector) addSampleLocked(p *peerState, interArrival time.Duration) {
	if d.cfg.MaxSamples > 0 && len(p.samples) >= d.cfg.MaxSamples {
		evicted := p.samples[0]
		p.samples = p.samples[1:]
		removeWelford(p, evicted.Seconds())
	}
	p.samples = append(p.samples, interArrival)
	addWelford(p, interArrival.Seconds())
}

// addWelford folds one new sample x into (count, mean, m2).
func addWelford(p *peerState, x float64) {
	p.count++
	delta := x - p.mean
	p.mean += delta / float64(p.count)
	delta2 := x - p.mean
	p.m2 += delta * delta2
}

// removeWelford reverses addWelford for a sample being FIFO-evicted,
// keeping the running statistics exact rather than drifting over a long
// session, unlike the original sketch's keep-75%-and-drop-the-rest eviction.
func removeWelford(p *peerState, x float64) {
	if p.count <= 1 {
		p.count = 0
		p.mean = 0
		p.m2 = 0
		return
	}
	oldMean := p.mean
	p.count--
	p.mean = (p.mean*float64(p.count+1) - x) / float64(p.count)
	p.m2 -= (x - oldMean) * (x - p.mean)
	if p.m2 < 0 {
		p.m2 = 0
	}
}

func (p *peerState) stddev() float64 {
	if p.count < 2 {
		return 0
	}
	variance := p.m2 / float64(p.count)
	if variance < 0 {
		variance = 0
	}
	return math.Sqrt(variance)
}

// Suspicion computes the current suspicion value for peerID at time t, per
// spec.md §4.3's formula:
//
//	elapsed = t - t_last
//	if σ == 0 (insufficient data): suspect iff elapsed > 2*ExpectedInterval
//	else: suspicion = max(0, (elapsed - μ) / σ)
//
// A peer never heard from returns a suspicion of 0 (no evidence of failure
// yet, matching the original sketch's "no heartbeats recorded" case).
func (d *Detector) Suspicion(peerID uint64, t time.Time) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.peers[peerID]
	if !ok || !p.hasBeat {
		return 0
	}

	elapsed := t.Sub(p.lastBeat)
	sigma := p.stddev()

	var suspicion float64
	if sigma == 0 {
		if elapsed > 2*d.cfg.ExpectedInterval {
			suspicion = d.cfg.SuspicionThreshold + 1 // unambiguously past threshold
		} else {
			suspicion = 0
		}
	} else {
		mu := p.mean
		v := (elapsed.Seconds() - mu) / sigma
		if v < 0 {
			v = 0
		}
		suspicion = v
	}

	metrics.SuspicionValue.WithLabelValues(util.FormatUint(peerID)).Set(suspicion)
	return suspicion
}

// IsSuspected reports whether peerID's suspicion at time t exceeds the
// configured threshold.
func (d *Detector) IsSuspected(peerID uint64, t time.Time) bool {
	return d.Suspicion(peerID, t) > d.cfg.SuspicionThreshold
}

// Forget drops all state for a peer so stale suspicion values don't linger.
// Membership does not call it: a peer marked Failed or Left keeps its
// detector state until Forget is called.
func (d *Detector) Forget(peerID uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.peers, peerID)
}

func clamp(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}
