package stats

import (
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/screa/coin-finder/pkg/types"
)

const (
	// Window is how far back rate samples are kept
	Window = 10 * time.Second

	// DefaultSaveInterval is the minimum time between opportunistic persists
	DefaultSaveInterval = 5 * time.Second
	minSaveInterval     = time.Second

	minElapsed = time.Microsecond

	// FundedAddressesEstimate approximates the number of funded Ethereum addresses
	FundedAddressesEstimate = 110_000_000
)

// hitChanceDenominator is the address space divided by the funded address estimate
var hitChanceDenominator = math.Ldexp(1, 160) / FundedAddressesEstimate

// Snapshot is a point-in-time copy of the statistics. It is never mutated.
type Snapshot struct {
	Timestamp time.Time
	Uptime    time.Duration

	TotalBatches       uint64
	TotalKeysGenerated uint64
	TotalRequests      uint64
	TotalHits          uint64
	TotalErrors        uint64
	LastBatchDuration  time.Duration
	LastRPCLatency     time.Duration
	LastHit            string

	RequestsPerSec float64
	KeysPerSec     float64
	HitsPerSec     float64

	// Lifetime figures include previous sessions when persistence is enabled
	Persistent         bool
	LifetimeRuntime    time.Duration
	LifetimeKeys       uint64
	LifetimeHits       uint64
	LifetimeKeysPerSec float64
	LifetimeHitChance  float64
}

type sample struct {
	at       time.Time
	requests uint64
	keys     uint64
	hits     uint64
}

// Options configures Statistics.
type Options struct {
	// StorePath enables lifetime persistence when non-empty
	StorePath    string
	SaveInterval time.Duration
	// Now overrides the clock (tests)
	Now func() time.Time
}

// Statistics aggregates batch events from all workers. Every field is guarded
// by mu.
type Statistics struct {
	mu  sync.Mutex
	now func() time.Time

	start          time.Time
	totalBatches   uint64
	totalKeys      uint64
	totalRequests  uint64
	totalHits      uint64
	totalErrors    uint64
	lastBatchDur   time.Duration
	lastRPCLatency time.Duration
	lastHit        string
	history        []sample

	storePath    string
	saveInterval time.Duration
	lifetime     LifetimeStats
	baseRuntime  time.Duration
	sessionStart time.Time
	lastPersist  time.Time
}

// New creates a statistics store, loading lifetime totals from opts.StorePath
// if it exists
func New(opts Options) *Statistics {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	interval := opts.SaveInterval
	if interval <= 0 {
		interval = DefaultSaveInterval
	}
	if interval < minSaveInterval {
		interval = minSaveInterval
	}

	t := now()
	s := &Statistics{
		now:          now,
		start:        t,
		storePath:    opts.StorePath,
		saveInterval: interval,
		sessionStart: t,
		lastPersist:  t,
	}
	if s.storePath != "" {
		_ = os.MkdirAll(filepath.Dir(s.storePath), 0o755)
		s.lifetime = LoadLifetime(s.storePath)
		s.baseRuntime = secondsToDuration(s.lifetime.TotalRuntimeSeconds)
	}
	s.addSampleLocked(t)
	return s
}

// RecordBatch merges one worker batch into the cumulative counters
func (s *Statistics) RecordBatch(ev types.BatchEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.totalBatches++
	s.totalKeys += uint64(ev.KeysGenerated)
	s.totalRequests += uint64(ev.RequestsMade)
	s.totalHits += uint64(ev.Hits)
	s.totalErrors += uint64(ev.Errors)
	s.lastBatchDur = ev.BatchDuration
	s.lastRPCLatency = ev.RPCLatency
	if ev.LastHit != "" {
		s.lastHit = ev.LastHit
	}

	s.lifetime.TotalKeysGenerated += uint64(ev.KeysGenerated)
	s.lifetime.TotalHits += uint64(ev.Hits)

	now := s.now()
	s.addSampleLocked(now)
	s.maybePersistLocked(now, false)
}

// RecordError counts errors that did not belong to a completed batch
func (s *Statistics) RecordError(count int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.totalErrors += uint64(count)
	now := s.now()
	s.addSampleLocked(now)
	s.maybePersistLocked(now, false)
}

// Snapshot returns the current counters and window rates
func (s *Statistics) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	snap := Snapshot{
		Timestamp:          now,
		Uptime:             now.Sub(s.start),
		TotalBatches:       s.totalBatches,
		TotalKeysGenerated: s.totalKeys,
		TotalRequests:      s.totalRequests,
		TotalHits:          s.totalHits,
		TotalErrors:        s.totalErrors,
		LastBatchDuration:  s.lastBatchDur,
		LastRPCLatency:     s.lastRPCLatency,
		LastHit:            s.lastHit,
		Persistent:         s.storePath != "",
		LifetimeRuntime:    s.baseRuntime + now.Sub(s.sessionStart),
		LifetimeKeys:       s.lifetime.TotalKeysGenerated,
		LifetimeHits:       s.lifetime.TotalHits,
	}

	if len(s.history) >= 2 {
		first, last := s.history[0], s.history[len(s.history)-1]
		dt := last.at.Sub(first.at)
		if dt < minElapsed {
			dt = minElapsed
		}
		sec := dt.Seconds()
		snap.RequestsPerSec = float64(last.requests-first.requests) / sec
		snap.KeysPerSec = float64(last.keys-first.keys) / sec
		snap.HitsPerSec = float64(last.hits-first.hits) / sec
	}
	if rt := snap.LifetimeRuntime.Seconds(); rt > 0 {
		snap.LifetimeKeysPerSec = float64(snap.LifetimeKeys) / rt
	}
	if snap.LifetimeKeys > 0 {
		snap.LifetimeHitChance = float64(snap.LifetimeKeys) / hitChanceDenominator
	}

	s.maybePersistLocked(now, false)
	return snap
}

// Close forces a final persist. Call it after every worker has stopped.
func (s *Statistics) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maybePersistLocked(s.now(), true)
}

// addSampleLocked appends a window sample and prunes entries older than Window
func (s *Statistics) addSampleLocked(now time.Time) {
	s.history = append(s.history, sample{
		at:       now,
		requests: s.totalRequests,
		keys:     s.totalKeys,
		hits:     s.totalHits,
	})
	cutoff := now.Add(-Window)
	drop := 0
	for drop < len(s.history) && s.history[drop].at.Before(cutoff) {
		drop++
	}
	if drop > 0 {
		s.history = append(s.history[:0], s.history[drop:]...)
	}
}

func secondsToDuration(sec float64) time.Duration {
	if sec <= 0 || math.IsNaN(sec) || math.IsInf(sec, 0) {
		return 0
	}
	return time.Duration(sec * float64(time.Second))
}
