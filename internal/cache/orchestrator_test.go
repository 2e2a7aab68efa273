package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quotewire/quotewire/internal/market"
	"github.com/quotewire/quotewire/internal/model"
	"github.com/quotewire/quotewire/internal/store"
)

type stubStatuses struct {
	state         market.State
	realtimeTTL   int
	analyticalTTL int
}

func (s *stubStatuses) Get(_ context.Context, m model.Market) (*market.Status, error) {
	return &market.Status{Market: m, State: s.state, RealtimeTTL: s.realtimeTTL, AnalyticalTTL: s.analyticalTTL}, nil
}

func (s *stubStatuses) RecommendedTTL(_ context.Context, _ model.Market, mode model.TTLMode) int {
	if mode == model.TTLRealtime {
		return s.realtimeTTL
	}
	return s.analyticalTTL
}

// faultyStore wraps a MemoryStore and fails on demand.
type faultyStore struct {
	*store.MemoryStore
	failGet atomic.Bool
	failSet atomic.Bool
}

func (f *faultyStore) Get(ctx context.Context, key string) (*store.Entry, bool, error) {
	if f.failGet.Load() {
		return nil, false, errors.New("redis: connection refused")
	}
	return f.MemoryStore.Get(ctx, key)
}

func (f *faultyStore) Set(ctx context.Context, entry *store.Entry) error {
	if f.failSet.Load() {
		return errors.New("redis: connection refused")
	}
	return f.MemoryStore.Set(ctx, entry)
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	t.Cleanup(ms.Stop)
	statuses := &stubStatuses{state: market.StateTrading, realtimeTTL: 5, analyticalTTL: 300}
	return New(ms, statuses, nil, nil), ms
}

func fetchCounter(data any, calls *atomic.Int64) FetchFn {
	return func(context.Context) (any, error) {
		calls.Add(1)
		return data, nil
	}
}

func TestGetWithSmartCache_MissThenHit(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	var calls atomic.Int64
	req := Request{CacheKey: "quote:700.HK", Strategy: model.StrategyStrongTimeliness,
		Market: model.MarketHK, FetchFn: fetchCounter("payload", &calls)}

	res, err := o.GetWithSmartCache(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, res.Hit)
	assert.Equal(t, "payload", res.Data)
	require.NotNil(t, res.DynamicTTL)
	assert.Equal(t, 5, *res.DynamicTTL, "trading realtime TTL")

	res, err = o.GetWithSmartCache(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Hit)
	require.NotNil(t, res.TTLRemaining)
	assert.LessOrEqual(t, *res.TTLRemaining, 5)
	assert.Equal(t, int64(1), calls.Load())
}

func TestGetWithSmartCache_HitIsAlwaysFresh(t *testing.T) {
	o, ms := newTestOrchestrator(t)
	base := time.Now()
	now := base
	clock := func() time.Time { return now }
	o.SetClock(clock)
	ms.SetClock(clock)

	var calls atomic.Int64
	req := Request{CacheKey: "k", Strategy: model.StrategyStrongTimeliness,
		Market: model.MarketHK, FetchFn: fetchCounter("v", &calls)}

	_, err := o.GetWithSmartCache(context.Background(), req)
	require.NoError(t, err)

	now = base.Add(6 * time.Second) // past the 5s trading TTL
	res, err := o.GetWithSmartCache(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, res.Hit, "expired entries must never surface as hits")
	assert.Equal(t, int64(2), calls.Load())
}

func TestGetWithSmartCache_SingleFlight(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	var calls atomic.Int64
	release := make(chan struct{})
	req := Request{CacheKey: "cold", Strategy: model.StrategyStrongTimeliness, Market: model.MarketHK,
		FetchFn: func(context.Context) (any, error) {
			calls.Add(1)
			<-release
			return "shared", nil
		}}

	const n = 50
	var wg sync.WaitGroup
	results := make([]*Result, n)
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := o.GetWithSmartCache(context.Background(), req)
			if assert.NoError(t, err) {
				results[i] = res
			}
		}()
	}
	// Let the callers pile onto the flight before releasing the leader.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int64(1), calls.Load(), "exactly one fetch for a cold key")
	for _, res := range results {
		require.NotNil(t, res)
		assert.Equal(t, "shared", res.Data)
	}
}

func TestGetWithSmartCache_NoCacheNeverStores(t *testing.T) {
	o, ms := newTestOrchestrator(t)
	var calls atomic.Int64
	req := Request{CacheKey: "nc", Strategy: model.StrategyNoCache, FetchFn: fetchCounter("fresh", &calls)}

	for i := 0; i < 3; i++ {
		res, err := o.GetWithSmartCache(context.Background(), req)
		require.NoError(t, err)
		assert.False(t, res.Hit)
	}
	assert.Equal(t, int64(3), calls.Load())
	assert.Zero(t, ms.Len())
}

func TestGetWithSmartCache_StorageFaultsNeverSurface(t *testing.T) {
	ms := store.NewMemoryStore()
	t.Cleanup(ms.Stop)
	fs := &faultyStore{MemoryStore: ms}
	o := New(fs, &stubStatuses{state: market.StateTrading, realtimeTTL: 5, analyticalTTL: 300}, nil, nil)

	var calls atomic.Int64
	req := Request{CacheKey: "k", Strategy: model.StrategyStrongTimeliness, Market: model.MarketHK,
		FetchFn: fetchCounter("fresh", &calls)}

	t.Run("lookup failure falls back to fetch", func(t *testing.T) {
		fs.failGet.Store(true)
		res, err := o.GetWithSmartCache(context.Background(), req)
		require.NoError(t, err)
		assert.False(t, res.Hit)
		assert.Equal(t, "fresh", res.Data)
		assert.NotEmpty(t, res.Error)
		fs.failGet.Store(false)
	})

	t.Run("store failure still returns fresh data", func(t *testing.T) {
		fs.failSet.Store(true)
		res, err := o.GetWithSmartCache(context.Background(), Request{
			CacheKey: "k2", Strategy: model.StrategyStrongTimeliness, Market: model.MarketHK,
			FetchFn: fetchCounter("fresh2", &calls)})
		require.NoError(t, err)
		assert.Equal(t, "fresh2", res.Data)
		assert.NotEmpty(t, res.Error)
	})
}

func TestGetWithSmartCache_TimeoutNotCached(t *testing.T) {
	o, ms := newTestOrchestrator(t)
	req := Request{CacheKey: "slow", Strategy: model.StrategyStrongTimeliness, Timeout: 20 * time.Millisecond,
		FetchFn: func(ctx context.Context) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}}

	_, err := o.GetWithSmartCache(context.Background(), req)
	require.Error(t, err)
	assert.Zero(t, ms.Len(), "timeouts must not populate the cache")
}

func TestBatchGet_PreservesOrderAndUsesOneLookup(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	// Pre-populate the middle key.
	_, err := o.GetWithSmartCache(context.Background(), Request{
		CacheKey: "k1", Strategy: model.StrategyStrongTimeliness, Market: model.MarketHK,
		FetchFn: func(context.Context) (any, error) { return "v1", nil }})
	require.NoError(t, err)

	reqs := []Request{
		{CacheKey: "k0", Strategy: model.StrategyStrongTimeliness, Market: model.MarketHK,
			FetchFn: func(context.Context) (any, error) { return "v0", nil }},
		{CacheKey: "k1", Strategy: model.StrategyStrongTimeliness, Market: model.MarketHK,
			FetchFn: func(context.Context) (any, error) { return "stale-should-not-run", nil }},
		{CacheKey: "k2", Strategy: model.StrategyStrongTimeliness, Market: model.MarketHK,
			FetchFn: func(context.Context) (any, error) { return "v2", nil }},
	}

	results, err := o.BatchGetWithOptimizedConcurrency(context.Background(), reqs, BatchOptions{Concurrency: 4, EnableCache: true})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "v0", results[0].Data)
	assert.True(t, results[1].Hit)
	assert.Equal(t, "v1", results[1].Data)
	assert.Equal(t, "v2", results[2].Data)
}

func TestBatchGet_IsolatesEntryErrors(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	reqs := []Request{
		{CacheKey: "ok", Strategy: model.StrategyStrongTimeliness,
			FetchFn: func(context.Context) (any, error) { return "fine", nil }},
		{CacheKey: "bad", Strategy: model.StrategyStrongTimeliness,
			FetchFn: func(context.Context) (any, error) { return nil, errors.New("upstream down") }},
	}
	results, err := o.BatchGetWithOptimizedConcurrency(context.Background(), reqs, BatchOptions{Concurrency: 2, EnableCache: false})
	require.NoError(t, err)
	assert.Equal(t, "fine", results[0].Data)
	assert.NotEmpty(t, results[1].Error)
}

func TestWarmupHotQueries(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	ctx := context.Background()

	// Warm key with long TTL: should be skipped.
	_, err := o.GetWithSmartCache(ctx, Request{CacheKey: "warm", Strategy: model.StrategyStrongTimeliness,
		TTL: 10 * time.Minute, FetchFn: func(context.Context) (any, error) { return "w", nil }})
	require.NoError(t, err)

	var coldRuns, failRuns atomic.Int64
	results := o.WarmupHotQueries(ctx, []WarmupQuery{
		{Key: "cold", Priority: 1, Request: Request{TTL: time.Minute,
			FetchFn: func(context.Context) (any, error) { coldRuns.Add(1); return "c", nil }}},
		{Key: "warm", Priority: 5, Request: Request{
			FetchFn: func(context.Context) (any, error) { t.Error("warm key must be skipped"); return nil, nil }}},
		{Key: "failing", Priority: 10, Request: Request{
			FetchFn: func(context.Context) (any, error) { failRuns.Add(1); return nil, errors.New("boom") }}},
	})

	require.Len(t, results, 3)
	// Descending priority: failing, warm, cold.
	assert.Equal(t, "failing", results[0].Key)
	assert.False(t, results[0].Success)
	assert.NotEmpty(t, results[0].Error)

	assert.Equal(t, "warm", results[1].Key)
	assert.True(t, results[1].Skipped)

	assert.Equal(t, "cold", results[2].Key)
	assert.True(t, results[2].Success)
	assert.Equal(t, int64(1), coldRuns.Load())
}

func TestAnalyzeCachePerformance(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	ctx := context.Background()

	_, err := o.GetWithSmartCache(ctx, Request{CacheKey: "long", Strategy: model.StrategyStrongTimeliness,
		TTL: 10 * time.Minute, FetchFn: func(context.Context) (any, error) { return 1, nil }})
	require.NoError(t, err)
	_, err = o.GetWithSmartCache(ctx, Request{CacheKey: "short", Strategy: model.StrategyStrongTimeliness,
		TTL: 10 * time.Second, FetchFn: func(context.Context) (any, error) { return 2, nil }})
	require.NoError(t, err)

	analysis, err := o.AnalyzeCachePerformance(ctx, []string{"long", "short", "missing1", "missing2"})
	require.NoError(t, err)

	assert.Equal(t, 4, analysis.Summary.TotalKeys)
	assert.Equal(t, 2, analysis.Summary.Cached)
	assert.Equal(t, 2, analysis.Summary.Expired)
	assert.InDelta(t, 0.5, analysis.Summary.HitRate, 1e-9)
	assert.Contains(t, analysis.Hotspots, "short")
	assert.Contains(t, analysis.Hotspots, "missing1")
	assert.NotContains(t, analysis.Hotspots, "long")
	assert.NotEmpty(t, analysis.Recommendations)
}

func TestSetWithAdaptiveTTL(t *testing.T) {
	ms := store.NewMemoryStore()
	t.Cleanup(ms.Stop)
	statuses := &stubStatuses{state: market.StateTrading, realtimeTTL: 60, analyticalTTL: 600}
	o := New(ms, statuses, nil, nil)

	tests := []struct {
		freq    AccessFrequency
		wantTTL int
	}{
		{FrequencyLow, 240},
		{FrequencyMedium, 60},
		{FrequencyHigh, 30},
	}
	for _, tt := range tests {
		t.Run(string(tt.freq), func(t *testing.T) {
			res, err := o.SetWithAdaptiveTTL(context.Background(), "k:"+string(tt.freq), "v", AdaptiveSetOptions{
				AccessFrequency: tt.freq, Market: model.MarketHK})
			require.NoError(t, err)
			assert.True(t, res.Success)
			assert.Equal(t, tt.wantTTL, res.TTL)
			assert.Equal(t, model.StrategyAdaptive, res.Strategy)
		})
	}
}

func TestScaleTTL_Clamps(t *testing.T) {
	assert.Equal(t, maxTTLSeconds, scaleTTL(1800, FrequencyLow))
	assert.Equal(t, minTTLSeconds, scaleTTL(6, FrequencyHigh))
	assert.Equal(t, 100, scaleTTL(100, FrequencyMedium))
}

func TestKey(t *testing.T) {
	assert.Equal(t, "receiver:get-stock-quote:longport:700.HK,AAPL",
		Key("get-stock-quote", "longport", []string{"700.HK", "AAPL"}))
}
