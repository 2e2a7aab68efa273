package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/quotewire/quotewire/internal/cache"
	"github.com/quotewire/quotewire/internal/errs"
	"github.com/quotewire/quotewire/internal/model"
	"github.com/quotewire/quotewire/internal/qstats"
	"github.com/quotewire/quotewire/internal/registry"
	"github.com/quotewire/quotewire/internal/store"
)

// passthroughCache invokes the fetch closure directly, reporting a miss.
type passthroughCache struct {
	lastStrategy model.Strategy
	hit          bool
	hitData      any
}

func (c *passthroughCache) GetWithSmartCache(ctx context.Context, req cache.Request) (*cache.Result, error) {
	c.lastStrategy = req.Strategy
	if c.hit {
		remaining := 42
		return &cache.Result{Data: c.hitData, Hit: true, TTLRemaining: &remaining,
			Strategy: req.Strategy, StorageKey: req.CacheKey, Timestamp: time.Now()}, nil
	}
	data, err := req.FetchFn(ctx)
	if err != nil {
		return nil, err
	}
	return &cache.Result{Data: data, Hit: false, Strategy: req.Strategy,
		StorageKey: req.CacheKey, Timestamp: time.Now()}, nil
}

type stubFetcher struct {
	payload map[string]any
	err     error
	calls   int
}

func (f *stubFetcher) Fetch(context.Context, string, string, []string, map[string]any) (map[string]any, error) {
	f.calls++
	return f.payload, f.err
}

func (f *stubFetcher) Has(string) bool { return true }

type identityTransform struct {
	err    error
	panics bool
}

func (t identityTransform) Apply(_ context.Context, _, _, _ string, raw map[string]any) (map[string]any, error) {
	if t.panics {
		panic("transform bug")
	}
	if t.err != nil {
		return nil, t.err
	}
	return raw, nil
}

type memorySnapshots struct {
	mu    sync.Mutex
	snaps []*store.Snapshot
}

func (m *memorySnapshots) Persist(_ context.Context, snap *store.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps = append(m.snaps, snap)
	return nil
}

func (m *memorySnapshots) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.snaps)
}

func catalogue() *registry.Registry {
	return registry.New([]registry.Provider{
		{Name: "longport", Priority: 10,
			Capabilities: []string{"get-stock-quote", "get-stock-history"},
			Markets:      []model.Market{model.MarketHK, model.MarketUS}},
		{Name: "itick", Priority: 5,
			Capabilities: []string{"get-stock-quote"},
			Markets:      []model.Market{model.MarketUS}},
	})
}

func testDeps() Deps {
	return Deps{
		Registry:  catalogue(),
		Fetcher:   &stubFetcher{payload: map[string]any{"data": []any{map[string]any{"lastPrice": 321.5, "volume": 1000.0}}}},
		Cache:     &passthroughCache{},
		Transform: identityTransform{},
		Stats:     qstats.NewRecorder(nil),
		Limiter:   NewConnLimiter(10),
	}
}

func post(t *testing.T, srv *Server, body any) *httptest.ResponseRecorder {
	t.Helper()
	buf, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/data", bytes.NewReader(buf))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func dataRequest() model.DataRequest {
	return model.DataRequest{
		Symbols:      []string{"700.HK"},
		ReceiverType: "get-stock-quote",
	}
}

func TestHandleData_Success(t *testing.T) {
	deps := testDeps()
	snaps := &memorySnapshots{}
	deps.Snapshots = snaps
	srv := NewServer(deps)

	rec := post(t, srv, dataRequest())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp model.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 1)
	assert.Equal(t, 321.5, resp.Data[0]["lastPrice"])
	assert.Equal(t, "longport", resp.Metadata.Provider)
	assert.Equal(t, "get-stock-quote", resp.Metadata.Capability)
	assert.NotEmpty(t, resp.Metadata.RequestID)
	assert.False(t, resp.Metadata.HasPartialFailures)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	require.Eventually(t, func() bool { return snaps.count() == 1 }, time.Second, 10*time.Millisecond)
	snaps.mu.Lock()
	defer snaps.mu.Unlock()
	assert.Equal(t, "receiver:get-stock-quote:longport:700.HK", snaps.snaps[0].Key)
	assert.Equal(t, "STOCK_QUOTE", snaps.snaps[0].Classification)
	assert.Equal(t, snapshotTTL, snaps.snaps[0].TTL)
	assert.Equal(t, "700.HK", snaps.snaps[0].Tags["symbols"])
}

func TestHandleData_FieldProjection(t *testing.T) {
	srv := NewServer(testDeps())
	req := dataRequest()
	req.Options.Fields = []string{"lastPrice"}

	rec := post(t, srv, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp model.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 1)
	assert.Contains(t, resp.Data[0], "lastPrice")
	assert.NotContains(t, resp.Data[0], "volume")
}

func TestHandleData_Validation(t *testing.T) {
	srv := NewServer(testDeps())
	tests := []struct {
		name string
		req  model.DataRequest
	}{
		{"empty symbols", model.DataRequest{ReceiverType: "get-stock-quote"}},
		{"missing receiver type", model.DataRequest{Symbols: []string{"700.HK"}}},
		{"bad strategy", model.DataRequest{Symbols: []string{"700.HK"}, ReceiverType: "get-stock-quote",
			Options: model.RequestOptions{CacheStrategy: "SOMETIMES"}}},
		{"negative timeout", model.DataRequest{Symbols: []string{"700.HK"}, ReceiverType: "get-stock-quote",
			Options: model.RequestOptions{TimeoutMs: -1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := post(t, srv, tt.req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			var body errorBody
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, "VALIDATION", body.Code)
		})
	}
}

func TestHandleData_OversizedBatch(t *testing.T) {
	srv := NewServer(testDeps())
	req := dataRequest()
	req.Symbols = make([]string, 1001)
	for i := range req.Symbols {
		req.Symbols[i] = "700.HK"
	}
	rec := post(t, srv, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleData_PreferredProviderUnsupported(t *testing.T) {
	srv := NewServer(testDeps())
	req := dataRequest()
	req.Options.PreferredProvider = "itick" // itick has no HK coverage

	rec := post(t, srv, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "NOT_FOUND", body.Code)
}

func TestHandleData_NoProviderForCapability(t *testing.T) {
	srv := NewServer(testDeps())
	req := dataRequest()
	req.ReceiverType = "get-crypto-quote"
	rec := post(t, srv, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleData_UpstreamFailure(t *testing.T) {
	deps := testDeps()
	deps.Fetcher = &stubFetcher{err: errs.New("provider.fetch", errs.KindUpstreamFailure,
		errs.WithMessage("longport fetch failed"))}
	srv := NewServer(deps)

	rec := post(t, srv, dataRequest())
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "UPSTREAM_FAILURE", body.Code)
}

func TestHandleData_UpstreamTimeoutMapsTo504(t *testing.T) {
	deps := testDeps()
	deps.Fetcher = &stubFetcher{err: errs.New("provider.fetch", errs.KindUpstreamTimeout,
		errs.WithMessage("longport did not answer"))}
	srv := NewServer(deps)

	rec := post(t, srv, dataRequest())
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
}

func TestHandleData_OperationalKindsStayHidden(t *testing.T) {
	deps := testDeps()
	deps.Fetcher = &stubFetcher{err: errs.New("store.set", errs.KindStorageFailure,
		errs.WithMessage("redis connection pool exhausted at 10.0.0.5"))}
	srv := NewServer(deps)

	rec := post(t, srv, dataRequest())
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "internal server error", body.Error, "storage details never leak to callers")
}

func TestHandleData_SlotReleasedOnEveryPath(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Deps)
		status int
	}{
		{"success", func(*Deps) {}, http.StatusOK},
		{"fetch error", func(d *Deps) {
			d.Fetcher = &stubFetcher{err: errors.New("boom")}
		}, http.StatusInternalServerError},
		{"transform error", func(d *Deps) {
			d.Transform = identityTransform{err: errs.New("transform.apply", errs.KindTransformFailure,
				errs.WithMessage("required field missing"))}
		}, http.StatusInternalServerError},
		{"transform panic", func(d *Deps) {
			d.Transform = identityTransform{panics: true}
		}, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps := testDeps()
			tt.mutate(&deps)
			srv := NewServer(deps)

			rec := post(t, srv, dataRequest())
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, 0, deps.Limiter.InUse(), "slot must be released exactly once on %s", tt.name)
		})
	}
}

func TestHandleData_ConnectionLimit(t *testing.T) {
	deps := testDeps()
	deps.Limiter = NewConnLimiter(1)
	slot, err := deps.Limiter.Acquire() // occupy the only slot
	require.NoError(t, err)
	defer slot.Release()
	srv := NewServer(deps)

	rec := post(t, srv, dataRequest())
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "RATE_LIMITED", body.Code)
	assert.EqualValues(t, 1, deps.Limiter.Rejected())
}

func TestHandleData_RateLimitMiddleware(t *testing.T) {
	deps := testDeps()
	deps.RateLimiter = rate.NewLimiter(rate.Every(time.Hour), 1)
	srv := NewServer(deps)

	first := post(t, srv, dataRequest())
	assert.Equal(t, http.StatusOK, first.Code)
	second := post(t, srv, dataRequest())
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
}

func TestHandleData_StrategyResolution(t *testing.T) {
	off := false
	tests := []struct {
		name string
		opts model.RequestOptions
		want model.Strategy
	}{
		{"default is strong timeliness", model.RequestOptions{}, model.StrategyStrongTimeliness},
		{"realtime prefers strong", model.RequestOptions{Realtime: true}, model.StrategyStrongTimeliness},
		{"explicit strategy wins", model.RequestOptions{Realtime: true, CacheStrategy: model.StrategyAdaptive}, model.StrategyAdaptive},
		{"smart cache off forces no-cache", model.RequestOptions{UseSmartCache: &off, CacheStrategy: model.StrategyAdaptive}, model.StrategyNoCache},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pc := &passthroughCache{}
			deps := testDeps()
			deps.Cache = pc
			srv := NewServer(deps)

			req := dataRequest()
			req.Options = tt.opts
			rec := post(t, srv, req)
			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, tt.want, pc.lastStrategy)
		})
	}
}

func TestHandleData_CacheHitSkipsFetch(t *testing.T) {
	fetcher := &stubFetcher{}
	deps := testDeps()
	deps.Fetcher = fetcher
	deps.Cache = &passthroughCache{hit: true,
		hitData: map[string]any{"data": []any{map[string]any{"lastPrice": 100.0}}}}
	srv := NewServer(deps)

	rec := post(t, srv, dataRequest())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, fetcher.calls, "a cache hit never reaches the provider")
}

func TestHandleData_CacheHitSkipsPersist(t *testing.T) {
	deps := testDeps()
	snaps := &memorySnapshots{}
	deps.Snapshots = snaps
	deps.Cache = &passthroughCache{hit: true,
		hitData: map[string]any{"data": []any{map[string]any{"lastPrice": 100.0}}}}
	srv := NewServer(deps)

	rec := post(t, srv, dataRequest())
	require.Equal(t, http.StatusOK, rec.Code)

	// Hits re-serve an already persisted snapshot; only misses write.
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, snaps.count())
}

func TestHandleData_AdmissionPrecedesValidation(t *testing.T) {
	deps := testDeps()
	deps.Limiter = NewConnLimiter(1)
	srv := NewServer(deps)

	held, err := deps.Limiter.Acquire()
	require.NoError(t, err)
	defer held.Release()

	// Even an invalid request needs a slot first.
	rec := post(t, srv, model.DataRequest{ReceiverType: "get-stock-quote"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	held.Release()
	rec = post(t, srv, model.DataRequest{ReceiverType: "get-stock-quote"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, deps.Limiter.InUse(), "validation rejection returns its slot")
}

func TestHandleData_PartialFailures(t *testing.T) {
	deps := testDeps()
	deps.Fetcher = &stubFetcher{payload: map[string]any{"data": []any{
		map[string]any{"lastPrice": 321.5},
		map[string]any{"poison": true},
	}}}
	deps.Transform = poisonAwareTransform{}
	srv := NewServer(deps)

	rec := post(t, srv, dataRequest())
	require.Equal(t, http.StatusOK, rec.Code)
	var resp model.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Data, 1)
	assert.True(t, resp.Metadata.HasPartialFailures)
}

type poisonAwareTransform struct{}

func (poisonAwareTransform) Apply(_ context.Context, _, _, _ string, raw map[string]any) (map[string]any, error) {
	if _, ok := raw["poison"]; ok {
		return nil, errs.New("transform.record", errs.KindTransformFailure, errs.WithMessage("poison record"))
	}
	return raw, nil
}

func TestHandleHealth(t *testing.T) {
	deps := testDeps()
	deps.Health = func() map[string]any { return map[string]any{"cache": "ok"} }
	srv := NewServer(deps)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "ok", body["cache"])
}

func TestHandleStats_AndReset(t *testing.T) {
	srv := NewServer(testDeps())
	require.Equal(t, http.StatusOK, post(t, srv, dataRequest()).Code)

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Queries qstats.Totals `json:"queries"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.EqualValues(t, 1, body.Queries.Queries)

	resetReq := httptest.NewRequest(http.MethodPost, "/stats/reset", nil)
	resetRec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(resetRec, resetReq)
	require.Equal(t, http.StatusOK, resetRec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Zero(t, body.Queries.Queries)
}

func TestRequestID_InboundHeaderIsHonoured(t *testing.T) {
	srv := NewServer(testDeps())
	buf, _ := json.Marshal(dataRequest())
	req := httptest.NewRequest(http.MethodPost, "/data", bytes.NewReader(buf))
	req.Header.Set("X-Request-ID", "trace-me-123")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "trace-me-123", rec.Header().Get("X-Request-ID"))
	var resp model.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "trace-me-123", resp.Metadata.RequestID)
}
