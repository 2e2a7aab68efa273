// Package cache implements the smart cache orchestrator: strategy-dispatched
// caching with market-aware dynamic TTLs, single-flight fetch coalescing,
// batch fan-in, warm-up, hotspot analysis and a host-pressure governor.
package cache

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/quotewire/quotewire/internal/errs"
	"github.com/quotewire/quotewire/internal/market"
	"github.com/quotewire/quotewire/internal/metrics"
	"github.com/quotewire/quotewire/internal/model"
	"github.com/quotewire/quotewire/internal/store"
)

// TTL and warm-up bounds, seconds unless noted.
const (
	minTTLSeconds     = 5
	maxTTLSeconds     = 3600
	defaultTTLSeconds = 60
	warmThreshold     = 60 * time.Second
	hotspotThreshold  = 60 * time.Second
	defaultFetchTTL   = 5 * time.Second
	accessWindow      = 5 * time.Minute
	weakRefreshShare  = 0.2 // refresh in background below this share of TTL
)

// AccessFrequency buckets for adaptive TTL scaling.
type AccessFrequency string

const (
	FrequencyLow    AccessFrequency = "low"
	FrequencyMedium AccessFrequency = "medium"
	FrequencyHigh   AccessFrequency = "high"
)

// MarketStatus is the slice of the market engine the orchestrator needs.
type MarketStatus interface {
	Get(ctx context.Context, m model.Market) (*market.Status, error)
	RecommendedTTL(ctx context.Context, m model.Market, mode model.TTLMode) int
}

// FetchFn produces fresh data for a cache key.
type FetchFn func(ctx context.Context) (any, error)

// Request describes one smart-cache lookup.
type Request struct {
	CacheKey string
	Strategy model.Strategy
	Market   model.Market
	Timeout  time.Duration // fetch deadline; defaults to 5s
	TTL      time.Duration // explicit TTL override; 0 = derive from market
	FetchFn  FetchFn
}

// Result is the smart-cache envelope.
type Result struct {
	Data         any            `json:"data"`
	Hit          bool           `json:"hit"`
	TTLRemaining *int           `json:"ttlRemaining,omitempty"` // seconds
	DynamicTTL   *int           `json:"dynamicTtl,omitempty"`   // seconds
	Strategy     model.Strategy `json:"strategy"`
	StorageKey   string         `json:"storageKey"`
	Timestamp    time.Time      `json:"timestamp"`
	Error        string         `json:"error,omitempty"`
}

// BatchOptions tune batch fan-out.
type BatchOptions struct {
	Concurrency int  // 0 = governor-managed
	EnableCache bool
}

// WarmupQuery is one warm-up candidate.
type WarmupQuery struct {
	Key      string
	Request  Request
	Priority int
}

// WarmupResult reports one warm-up outcome.
type WarmupResult struct {
	Key     string `json:"key"`
	Success bool   `json:"success"`
	TTL     int    `json:"ttl,omitempty"` // seconds
	Skipped bool   `json:"skipped,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Analysis is the cache-performance report.
type Analysis struct {
	Summary         AnalysisSummary `json:"summary"`
	Hotspots        []string        `json:"hotspots"`
	Recommendations []string        `json:"recommendations"`
}

// AnalysisSummary aggregates per-key findings.
type AnalysisSummary struct {
	TotalKeys int     `json:"totalKeys"`
	Cached    int     `json:"cached"`
	Expired   int     `json:"expired"`
	HitRate   float64 `json:"hitRate"`
}

// AdaptiveSetOptions tune SetWithAdaptiveTTL.
type AdaptiveSetOptions struct {
	DataType        string
	Symbol          string
	AccessFrequency AccessFrequency
	Market          model.Market
}

// AdaptiveSetResult reports an adaptive store.
type AdaptiveSetResult struct {
	Success  bool           `json:"success"`
	TTL      int            `json:"ttl"` // seconds
	Strategy model.Strategy `json:"strategy"`
}

// Orchestrator coordinates store, market engine, governor and metrics bus.
type Orchestrator struct {
	store    store.CacheStore
	statuses MarketStatus
	governor *Governor
	bus      metrics.Bus
	now      func() time.Time

	flight singleflight.Group

	mu       sync.Mutex
	accesses map[string]*accessCounter
}

type accessCounter struct {
	count int
	since time.Time
}

// New wires an orchestrator.
func New(cs store.CacheStore, statuses MarketStatus, governor *Governor, bus metrics.Bus) *Orchestrator {
	if bus == nil {
		bus = metrics.NopBus{}
	}
	return &Orchestrator{
		store:    cs,
		statuses: statuses,
		governor: governor,
		bus:      bus,
		now:      time.Now,
		accesses: make(map[string]*accessCounter),
	}
}

// SetClock overrides the time source. Test hook.
func (o *Orchestrator) SetClock(now func() time.Time) { o.now = now }

// GetWithSmartCache serves one request under its strategy. Storage faults
// never surface when fresh data is available: the orchestrator falls back to
// the fetch closure and reports the fault in Result.Error.
func (o *Orchestrator) GetWithSmartCache(ctx context.Context, req Request) (*Result, error) {
	if req.FetchFn == nil {
		return nil, errs.New("cache.get", errs.KindValidation, errs.WithMessage("fetchFn is required"))
	}
	strategy := req.Strategy
	if strategy == "" {
		strategy = model.StrategyStrongTimeliness
	}
	if !strategy.Valid() {
		return nil, errs.New("cache.get", errs.KindValidation, errs.WithMessage("unknown strategy %q", strategy))
	}

	if strategy == model.StrategyNoCache {
		data, err := o.fetch(ctx, req)
		if err != nil {
			return nil, err
		}
		return &Result{Data: data, Hit: false, Strategy: strategy, StorageKey: req.CacheKey, Timestamp: o.now()}, nil
	}

	o.recordAccess(req.CacheKey)

	entry, ok, lookupErr := o.store.Get(ctx, req.CacheKey)
	if lookupErr != nil {
		log.Warn().Err(lookupErr).Str("key", req.CacheKey).Msg("cache lookup failed, fetching directly")
		data, err := o.fetch(ctx, req)
		if err != nil {
			return nil, err
		}
		return &Result{
			Data: data, Hit: false, Strategy: strategy, StorageKey: req.CacheKey,
			Timestamp: o.now(), Error: lookupErr.Error(),
		}, nil
	}

	if ok {
		o.bus.Emit(metrics.Event{Source: "cache_orchestrator", MetricType: "counter",
			MetricName: metrics.EventCacheHit, MetricValue: 1, Tags: map[string]string{"strategy": string(strategy)}})

		remaining := int(entry.Remaining(o.now()).Seconds())
		res := &Result{
			Data: entry.Value, Hit: true, TTLRemaining: &remaining,
			Strategy: strategy, StorageKey: req.CacheKey, Timestamp: o.now(),
		}
		if o.weakBehaviour(ctx, strategy, req.Market) && float64(remaining) < entry.TTL.Seconds()*weakRefreshShare {
			o.refreshInBackground(req, strategy)
		}
		return res, nil
	}

	o.bus.Emit(metrics.Event{Source: "cache_orchestrator", MetricType: "counter",
		MetricName: metrics.EventCacheMiss, MetricValue: 1, Tags: map[string]string{"strategy": string(strategy)}})

	return o.fetchAndStore(ctx, req, strategy)
}

// fetchAndStore coalesces concurrent misses for one key into a single fetch.
func (o *Orchestrator) fetchAndStore(ctx context.Context, req Request, strategy model.Strategy) (*Result, error) {
	type flightResult struct {
		data     any
		ttl      time.Duration
		storeErr error
	}

	v, err, _ := o.flight.Do(req.CacheKey, func() (any, error) {
		data, err := o.fetch(ctx, req)
		if err != nil {
			return nil, err
		}
		ttl := o.resolveTTL(ctx, req, strategy)
		var storeErr error
		if strategy != model.StrategyNoCache {
			storeErr = o.store.Set(ctx, &store.Entry{
				Key: req.CacheKey, Value: data, StoredAt: o.now(), TTL: ttl, Strategy: strategy,
			})
			if storeErr != nil {
				log.Warn().Err(storeErr).Str("key", req.CacheKey).Msg("cache store failed, serving fresh data")
			}
		}
		return flightResult{data: data, ttl: ttl, storeErr: storeErr}, nil
	})
	if err != nil {
		return nil, err
	}

	fr := v.(flightResult)
	ttlSeconds := int(fr.ttl.Seconds())
	res := &Result{
		Data: fr.data, Hit: false, DynamicTTL: &ttlSeconds,
		Strategy: strategy, StorageKey: req.CacheKey, Timestamp: o.now(),
	}
	if fr.storeErr != nil {
		res.Error = fr.storeErr.Error()
	}
	return res, nil
}

// BatchGetWithOptimizedConcurrency issues one batch lookup, then fans misses
// out through a bounded worker pool. Results preserve input order.
func (o *Orchestrator) BatchGetWithOptimizedConcurrency(ctx context.Context, reqs []Request, opts BatchOptions) ([]*Result, error) {
	results := make([]*Result, len(reqs))
	if len(reqs) == 0 {
		return results, nil
	}

	hits := map[string]*store.Entry{}
	if opts.EnableCache {
		keys := make([]string, 0, len(reqs))
		for _, r := range reqs {
			if r.Strategy != model.StrategyNoCache {
				keys = append(keys, r.CacheKey)
			}
		}
		found, err := o.store.MGet(ctx, keys)
		if err != nil {
			log.Warn().Err(err).Int("keys", len(keys)).Msg("batch cache lookup failed, fetching all")
		} else {
			hits = found
		}
	}

	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = o.calculateOptimalConcurrency(len(reqs))
	}

	if o.governor != nil {
		o.governor.TrackLoad(len(reqs))
		defer o.governor.TrackLoad(-len(reqs))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i := range reqs {
		i := i
		if entry, ok := hits[reqs[i].CacheKey]; ok && opts.EnableCache && reqs[i].Strategy != model.StrategyNoCache {
			remaining := int(entry.Remaining(o.now()).Seconds())
			results[i] = &Result{
				Data: entry.Value, Hit: true, TTLRemaining: &remaining,
				Strategy: reqs[i].Strategy, StorageKey: reqs[i].CacheKey, Timestamp: o.now(),
			}
			continue
		}
		g.Go(func() error {
			res, err := o.GetWithSmartCache(gctx, reqs[i])
			if err != nil {
				results[i] = &Result{
					Strategy: reqs[i].Strategy, StorageKey: reqs[i].CacheKey,
					Timestamp: o.now(), Error: err.Error(),
				}
				return nil // per-entry isolation
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// calculateOptimalConcurrency bounds batch workers by governor state and
// batch size.
func (o *Orchestrator) calculateOptimalConcurrency(batch int) int {
	limit := 8
	if o.governor != nil {
		limit = o.governor.MaxConcurrency()
	}
	if batch < limit {
		return max(batch, 1)
	}
	return limit
}

// WarmupHotQueries primes entries in descending priority, skipping keys that
// are still comfortably fresh. Errors are isolated per entry.
func (o *Orchestrator) WarmupHotQueries(ctx context.Context, queries []WarmupQuery) []WarmupResult {
	sorted := append([]WarmupQuery(nil), queries...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority > sorted[j].Priority })

	results := make([]WarmupResult, 0, len(sorted))
	for _, q := range sorted {
		entry, ok, err := o.store.Get(ctx, q.Key)
		if err == nil && ok && entry.Remaining(o.now()) >= warmThreshold {
			results = append(results, WarmupResult{Key: q.Key, Success: true, Skipped: true,
				TTL: int(entry.Remaining(o.now()).Seconds())})
			continue
		}

		req := q.Request
		req.CacheKey = q.Key
		res, err := o.fetchAndStore(ctx, req, normalizeStrategy(req.Strategy))
		if err != nil {
			log.Warn().Err(err).Str("key", q.Key).Msg("cache warm-up entry failed")
			results = append(results, WarmupResult{Key: q.Key, Error: err.Error()})
			continue
		}
		wr := WarmupResult{Key: q.Key, Success: true}
		if res.DynamicTTL != nil {
			wr.TTL = *res.DynamicTTL
		}
		results = append(results, wr)
	}
	return results
}

// AnalyzeCachePerformance inspects keys and produces hotspots plus
// recommendations from a fixed catalogue.
func (o *Orchestrator) AnalyzeCachePerformance(ctx context.Context, keys []string) (*Analysis, error) {
	found, err := o.store.MGet(ctx, keys)
	if err != nil {
		return nil, errs.New("cache.analyze", errs.KindStorageFailure, errs.WithCause(err))
	}

	analysis := &Analysis{Hotspots: []string{}, Recommendations: []string{}}
	analysis.Summary.TotalKeys = len(keys)
	now := o.now()
	for _, k := range keys {
		entry, ok := found[k]
		if !ok {
			analysis.Summary.Expired++
			analysis.Hotspots = append(analysis.Hotspots, k)
			continue
		}
		analysis.Summary.Cached++
		if entry.Remaining(now) < hotspotThreshold {
			analysis.Hotspots = append(analysis.Hotspots, k)
		}
	}
	if analysis.Summary.TotalKeys > 0 {
		analysis.Summary.HitRate = float64(analysis.Summary.Cached) / float64(analysis.Summary.TotalKeys)
	}

	if analysis.Summary.HitRate < 0.7 {
		analysis.Recommendations = append(analysis.Recommendations,
			"hit rate below 70%: consider warming hot queries or lengthening TTLs")
	}
	if analysis.Summary.TotalKeys > 0 &&
		float64(analysis.Summary.Expired)/float64(analysis.Summary.TotalKeys) > 0.2 {
		analysis.Recommendations = append(analysis.Recommendations,
			"over 20% of keys expired: TTLs may be too short for their access pattern")
	}
	if len(analysis.Hotspots) > len(keys)/2 {
		analysis.Recommendations = append(analysis.Recommendations,
			"majority of keys near expiry: schedule a warm-up pass")
	}
	return analysis, nil
}

// SetWithAdaptiveTTL stores a value with a frequency-scaled TTL.
func (o *Orchestrator) SetWithAdaptiveTTL(ctx context.Context, key string, value any, opts AdaptiveSetOptions) (*AdaptiveSetResult, error) {
	base := defaultTTLSeconds
	if opts.Market != "" && o.statuses != nil {
		base = o.statuses.RecommendedTTL(ctx, opts.Market, model.TTLRealtime)
	}
	ttl := scaleTTL(base, opts.AccessFrequency)

	err := o.store.Set(ctx, &store.Entry{
		Key: key, Value: value, StoredAt: o.now(),
		TTL: time.Duration(ttl) * time.Second, Strategy: model.StrategyAdaptive,
	})
	if err != nil {
		return &AdaptiveSetResult{Success: false, TTL: ttl, Strategy: model.StrategyAdaptive},
			errs.New("cache.adaptiveSet", errs.KindStorageFailure, errs.WithCause(err))
	}
	return &AdaptiveSetResult{Success: true, TTL: ttl, Strategy: model.StrategyAdaptive}, nil
}

// ResetStats clears adaptive access tracking and emits stats_reset.
func (o *Orchestrator) ResetStats() {
	o.mu.Lock()
	o.accesses = make(map[string]*accessCounter)
	o.mu.Unlock()
	o.bus.Emit(metrics.Event{Source: "cache_orchestrator", MetricType: "counter",
		MetricName: metrics.EventStatsReset, MetricValue: 1})
}

// fetch runs the closure under the request deadline. The cache is never
// populated on error; singleflight waiters all see the timeout.
func (o *Orchestrator) fetch(ctx context.Context, req Request) (any, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = defaultFetchTTL
	}
	fctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	data, err := req.FetchFn(fctx)
	if err != nil {
		if fctx.Err() == context.DeadlineExceeded {
			return nil, errs.New("cache.fetch", errs.KindUpstreamTimeout,
				errs.WithMessage("fetch for %s exceeded %s", req.CacheKey, timeout), errs.WithCause(err))
		}
		return nil, err
	}
	return data, nil
}

// resolveTTL derives the entry TTL from overrides, strategy and market state.
func (o *Orchestrator) resolveTTL(ctx context.Context, req Request, strategy model.Strategy) time.Duration {
	if req.TTL > 0 {
		return req.TTL
	}
	base := defaultTTLSeconds
	if o.statuses != nil && req.Market != "" {
		mode := model.TTLRealtime
		if o.weakBehaviour(ctx, strategy, req.Market) {
			mode = model.TTLAnalytical
		}
		base = o.statuses.RecommendedTTL(ctx, req.Market, mode)
	}
	if strategy == model.StrategyAdaptive {
		base = scaleTTL(base, o.frequencyOf(req.CacheKey))
	}
	return time.Duration(clampInt(base, minTTLSeconds, maxTTLSeconds)) * time.Second
}

// weakBehaviour reports whether the strategy behaves as weak-timeliness right
// now: WEAK always, MARKET_AWARE outside trading hours.
func (o *Orchestrator) weakBehaviour(ctx context.Context, strategy model.Strategy, m model.Market) bool {
	switch strategy {
	case model.StrategyWeakTimeliness:
		return true
	case model.StrategyMarketAware:
		if o.statuses == nil || m == "" {
			return false
		}
		status, err := o.statuses.Get(ctx, m)
		if err != nil {
			return false
		}
		return status.State != market.StateTrading
	}
	return false
}

func (o *Orchestrator) refreshInBackground(req Request, strategy model.Strategy) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), defaultFetchTTL)
		defer cancel()
		if _, err := o.fetchAndStore(ctx, req, strategy); err != nil {
			log.Debug().Err(err).Str("key", req.CacheKey).Msg("background refresh failed")
		}
	}()
}

func (o *Orchestrator) recordAccess(key string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	now := o.now()
	c, ok := o.accesses[key]
	if !ok || now.Sub(c.since) > accessWindow {
		o.accesses[key] = &accessCounter{count: 1, since: now}
		return
	}
	c.count++
}

func (o *Orchestrator) frequencyOf(key string) AccessFrequency {
	o.mu.Lock()
	defer o.mu.Unlock()
	c, ok := o.accesses[key]
	if !ok {
		return FrequencyLow
	}
	switch {
	case c.count >= 30:
		return FrequencyHigh
	case c.count >= 10:
		return FrequencyMedium
	default:
		return FrequencyLow
	}
}

// scaleTTL applies the frequency multiplier and clamps to [5s, 3600s].
// Rarely accessed data keeps longer; hot data refreshes sooner.
func scaleTTL(base int, freq AccessFrequency) int {
	scaled := float64(base)
	switch freq {
	case FrequencyLow:
		scaled *= 4
	case FrequencyHigh:
		scaled *= 0.5
	}
	return clampInt(int(scaled), minTTLSeconds, maxTTLSeconds)
}

func normalizeStrategy(s model.Strategy) model.Strategy {
	if !s.Valid() || s == "" {
		return model.StrategyStrongTimeliness
	}
	return s
}

// Key builds the canonical storage key for a receiver request.
func Key(capability, provider string, symbols []string) string {
	csv := ""
	for i, s := range symbols {
		if i > 0 {
			csv += ","
		}
		csv += s
	}
	return fmt.Sprintf("receiver:%s:%s:%s", capability, provider, csv)
}
