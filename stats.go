package llmcache

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/blueberrycongee/llmcache/pkg/cache"
)

// statsTracker owns the manager's statistics. Integer counters are
// atomic; the running-mean accumulators share a small mutex.
type statsTracker struct {
	hits        atomic.Int64
	misses      atomic.Int64
	entries     atomic.Int64
	sizeBytes   atomic.Int64
	evictions   atomic.Int64
	expirations atomic.Int64
	tokensSaved atomic.Int64

	mu            sync.Mutex
	hitLatencySum time.Duration
	hitCount      int64
	missOverhead  time.Duration
	missCount     int64
	costSaved     float64
	lastReset     time.Time
}

func newStatsTracker() *statsTracker {
	return &statsTracker{lastReset: time.Now()}
}

func (s *statsTracker) recordHit(latency time.Duration, tokens int64, cost float64) {
	s.hits.Add(1)
	s.tokensSaved.Add(tokens)

	s.mu.Lock()
	s.hitLatencySum += latency
	s.hitCount++
	s.costSaved += cost
	s.mu.Unlock()
}

func (s *statsTracker) recordMiss(overhead time.Duration) {
	s.misses.Add(1)

	s.mu.Lock()
	s.missOverhead += overhead
	s.missCount++
	s.mu.Unlock()
}

func (s *statsTracker) recordSet(sizeBytes int64) {
	s.entries.Add(1)
	s.sizeBytes.Add(sizeBytes)
}

func (s *statsTracker) recordReplace(sizeDelta int64) {
	s.sizeBytes.Add(sizeDelta)
}

func (s *statsTracker) recordRemoval(reason cache.EvictReason, sizeBytes int64) {
	if s.entries.Add(-1) < 0 {
		s.entries.Store(0)
	}
	if s.sizeBytes.Add(-sizeBytes) < 0 {
		s.sizeBytes.Store(0)
	}
	switch reason {
	case cache.EvictTTL:
		s.expirations.Add(1)
	default:
		s.evictions.Add(1)
	}
}

func (s *statsTracker) recordClear() {
	s.entries.Store(0)
	s.sizeBytes.Store(0)
}

// snapshot recomputes derived fields and returns a copy.
func (s *statsTracker) snapshot() cache.Stats {
	hits := s.hits.Load()
	misses := s.misses.Load()

	var hitRate float64
	if hits+misses > 0 {
		hitRate = float64(hits) / float64(hits+misses)
	}

	s.mu.Lock()
	var avgHit, avgMiss time.Duration
	if s.hitCount > 0 {
		avgHit = s.hitLatencySum / time.Duration(s.hitCount)
	}
	if s.missCount > 0 {
		avgMiss = s.missOverhead / time.Duration(s.missCount)
	}
	costSaved := s.costSaved
	lastReset := s.lastReset
	s.mu.Unlock()

	return cache.Stats{
		Hits:            hits,
		Misses:          misses,
		HitRate:         hitRate,
		Entries:         s.entries.Load(),
		SizeBytes:       s.sizeBytes.Load(),
		AvgHitLatency:   avgHit,
		AvgMissOverhead: avgMiss,
		TokensSaved:     s.tokensSaved.Load(),
		CostSaved:       costSaved,
		Evictions:       s.evictions.Load(),
		Expirations:     s.expirations.Load(),
		LastReset:       lastReset.UnixMilli(),
	}
}

// reset reinitializes counters and accumulators. Entry and byte gauges
// survive; they track store contents, not a counting window.
func (s *statsTracker) reset() {
	s.hits.Store(0)
	s.misses.Store(0)
	s.evictions.Store(0)
	s.expirations.Store(0)
	s.tokensSaved.Store(0)

	s.mu.Lock()
	s.hitLatencySum = 0
	s.hitCount = 0
	s.missOverhead = 0
	s.missCount = 0
	s.costSaved = 0
	s.lastReset = time.Now()
	s.mu.Unlock()
}
