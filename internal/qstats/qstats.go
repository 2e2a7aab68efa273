// Package qstats records per-query statistics and emits them as metric
// events. Recording is advisory: a stats failure is logged and never
// surfaces to the request that triggered it.
package qstats

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quotewire/quotewire/internal/metrics"
)

// SlowQueryThreshold marks a query as slow.
const SlowQueryThreshold = 500 * time.Millisecond

// Sample is one completed query observation.
type Sample struct {
	Capability  string
	Provider    string
	SymbolCount int
	CacheHit    bool
	Degraded    bool
	Elapsed     time.Duration
	Err         error
}

// Totals is the running aggregate snapshot.
type Totals struct {
	Queries      int64   `json:"queries"`
	Errors       int64   `json:"errors"`
	CacheHits    int64   `json:"cacheHits"`
	SlowQueries  int64   `json:"slowQueries"`
	HitRate      float64 `json:"hitRate"`
	AvgElapsedMs float64 `json:"avgElapsedMs"`
}

// Recorder aggregates query samples and mirrors them onto the metrics bus.
type Recorder struct {
	bus metrics.Bus

	mu        sync.Mutex
	queries   int64
	errors    int64
	cacheHits int64
	slow      int64
	elapsedMs int64

	closeOnce sync.Once
}

// NewRecorder wires a recorder onto the bus.
func NewRecorder(bus metrics.Bus) *Recorder {
	if bus == nil {
		bus = metrics.NopBus{}
	}
	return &Recorder{bus: bus}
}

// Record ingests one sample. Never fails; a panic inside emission is caught
// so the caller's response path stays clean.
func (r *Recorder) Record(s Sample) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Warn().Interface("panic", rec).Msg("query stats recording panicked")
		}
	}()

	r.mu.Lock()
	r.queries++
	if s.Err != nil {
		r.errors++
	}
	if s.CacheHit {
		r.cacheHits++
	}
	slow := s.Elapsed > SlowQueryThreshold
	if slow {
		r.slow++
	}
	r.elapsedMs += s.Elapsed.Milliseconds()
	r.mu.Unlock()

	status := "ok"
	if s.Err != nil {
		status = "error"
	}
	r.bus.Emit(metrics.Event{Source: "query_stats", MetricType: "histogram",
		MetricName: metrics.EventRequestProcessed, MetricValue: float64(s.Elapsed.Milliseconds()),
		Tags: map[string]string{
			"capability": s.Capability, "provider": s.Provider, "status": status,
		}})

	if slow {
		log.Warn().Dur("elapsed", s.Elapsed).Str("capability", s.Capability).
			Str("provider", s.Provider).Int("symbols", s.SymbolCount).Msg("slow query detected")
		r.bus.Emit(metrics.Event{Source: "query_stats", MetricType: "counter",
			MetricName: metrics.EventSlowQueryDetected, MetricValue: 1,
			Tags: map[string]string{
				"capability": s.Capability, "provider": s.Provider, "severity": "warning",
			}})
	}
}

// Snapshot returns the running aggregates.
func (r *Recorder) Snapshot() Totals {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := Totals{
		Queries:     r.queries,
		Errors:      r.errors,
		CacheHits:   r.cacheHits,
		SlowQueries: r.slow,
	}
	if r.queries > 0 {
		t.HitRate = float64(r.cacheHits) / float64(r.queries)
		t.AvgElapsedMs = float64(r.elapsedMs) / float64(r.queries)
	}
	return t
}

// Reset zeroes the aggregates.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.queries, r.errors, r.cacheHits, r.slow, r.elapsedMs = 0, 0, 0, 0, 0
	r.mu.Unlock()
	r.bus.Emit(metrics.Event{Source: "query_stats", MetricType: "counter",
		MetricName: metrics.EventStatsReset, MetricValue: 1})
}

// Close announces service shutdown. Idempotent.
func (r *Recorder) Close() {
	r.closeOnce.Do(func() {
		r.bus.Emit(metrics.Event{Source: "query_stats", MetricType: "counter",
			MetricName: metrics.EventServiceShutdown, MetricValue: 1})
		log.Info().Msg("query stats recorder closed")
	})
}
