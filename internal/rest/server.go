// Package rest serves the single-shot data API: validation, admission
// control, symbol preparation, provider selection, smart-cache fetch, field
// transformation and fire-and-forget persistence.
package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/quotewire/quotewire/internal/cache"
	"github.com/quotewire/quotewire/internal/errs"
	"github.com/quotewire/quotewire/internal/market"
	"github.com/quotewire/quotewire/internal/model"
	"github.com/quotewire/quotewire/internal/qstats"
	"github.com/quotewire/quotewire/internal/registry"
	"github.com/quotewire/quotewire/internal/store"
	"github.com/quotewire/quotewire/internal/symbols"
	"github.com/quotewire/quotewire/internal/transform"
)

// Persist TTLs for REST snapshots. Large requests keep longer.
const (
	snapshotTTL      = 60 * time.Second
	snapshotTTLLarge = 120 * time.Second
	largeRequest     = 20
)

// SmartCache is the orchestrator surface the server calls.
type SmartCache interface {
	GetWithSmartCache(ctx context.Context, req cache.Request) (*cache.Result, error)
}

// Fetcher reaches upstream providers.
type Fetcher interface {
	Fetch(ctx context.Context, provider, capability string, syms []string, options map[string]any) (map[string]any, error)
	Has(provider string) bool
}

// RecordTransformer maps one raw provider record onto response fields.
type RecordTransformer interface {
	Apply(ctx context.Context, provider, apiType, capability string, raw map[string]any) (map[string]any, error)
}

// MarketEngine answers market status queries for the diagnostics route.
type MarketEngine interface {
	Get(ctx context.Context, m model.Market) (*market.Status, error)
	Batch(ctx context.Context, markets []model.Market) map[model.Market]*market.Status
}

// SymbolPrep prepares request symbols for the chosen provider.
type SymbolPrep interface {
	TransformForProvider(ctx context.Context, provider string, syms []string) (*symbols.ProviderResult, error)
}

// Deps bundles the server's collaborators.
type Deps struct {
	Registry    *registry.Registry
	Fetcher     Fetcher
	Cache       SmartCache
	Transform   RecordTransformer
	Symbols     SymbolPrep
	Markets     MarketEngine
	Snapshots   store.SnapshotStore
	Stats       *qstats.Recorder
	Limiter     *ConnLimiter
	RateLimiter *rate.Limiter
	Health      func() map[string]any
	WSHandler   http.Handler
	Metrics     http.Handler
}

// Server is the REST surface.
type Server struct {
	deps   Deps
	router *mux.Router
}

// NewServer builds the router with the standard middleware chain.
func NewServer(deps Deps) *Server {
	if deps.Limiter == nil {
		deps.Limiter = NewConnLimiter(100)
	}
	if deps.RateLimiter == nil {
		deps.RateLimiter = rate.NewLimiter(rate.Inf, 0)
	}
	s := &Server{deps: deps, router: mux.NewRouter()}

	s.router.Use(withRequestID, withLogging, withRecovery, withRateLimit(deps.RateLimiter))

	s.router.HandleFunc("/data", s.handleData).Methods(http.MethodPost)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	s.router.HandleFunc("/stats/reset", s.handleStatsReset).Methods(http.MethodPost)
	s.router.HandleFunc("/market-status/{market}", s.handleMarketStatus).Methods(http.MethodGet)
	if deps.WSHandler != nil {
		s.router.Handle("/ws", deps.WSHandler)
	}
	if deps.Metrics != nil {
		s.router.Handle("/metrics", deps.Metrics).Methods(http.MethodGet)
	}
	return s
}

// Handler exposes the routed handler for http.Server.
func (s *Server) Handler() http.Handler { return s.router }

// handleData runs the full request pipeline. The connection slot taken at
// admission is released exactly once on every exit path.
func (s *Server) handleData(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	var req model.DataRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "VALIDATION", "malformed request body")
		return
	}

	// Admission precedes validation: rejected requests still occupy a slot.
	slot, err := s.deps.Limiter.Acquire()
	if err != nil {
		writeErrs(w, r, err)
		return
	}
	defer slot.Release()

	if v := validateRequest(req); !v.Valid {
		writeError(w, r, http.StatusBadRequest, "VALIDATION", strings.Join(v.Errors, "; "))
		return
	}

	capability := req.ReceiverType
	mkt := symbols.InferMarket(req.Symbols)

	provider, err := s.selectProvider(req.Options.PreferredProvider, capability, mkt)
	if err != nil {
		writeErrs(w, r, err)
		return
	}

	prepared := req.Symbols
	if s.deps.Symbols != nil {
		pr, err := s.deps.Symbols.TransformForProvider(ctx, provider, req.Symbols)
		if err != nil {
			writeErrs(w, r, err)
			return
		}
		prepared = pr.Symbols
	}

	result, err := s.lookup(ctx, req, provider, capability, mkt, prepared)
	if err != nil {
		s.recordSample(req, provider, start, false, err)
		writeErrs(w, r, err)
		return
	}

	records, partial, err := s.shapeRecords(ctx, provider, capability, req.Options.Fields, result.Data)
	if err != nil {
		s.recordSample(req, provider, start, result.Hit, err)
		writeErrs(w, r, err)
		return
	}

	if !result.Hit {
		s.persistAsync(RequestID(ctx), req, provider, capability, mkt, result, records)
	}
	s.recordSample(req, provider, start, result.Hit, nil)

	writeJSON(w, http.StatusOK, model.Response{
		Data: records,
		Metadata: model.ResponseMetadata{
			Provider:           provider,
			Capability:         capability,
			RequestID:          RequestID(ctx),
			ProcessingTimeMs:   time.Since(start).Milliseconds(),
			HasPartialFailures: partial,
		},
	})
}

// selectProvider verifies an explicit preference or asks the registry.
func (s *Server) selectProvider(preferred, capability string, mkt model.Market) (string, error) {
	if preferred != "" {
		if !s.deps.Registry.Supports(preferred, capability) || !s.deps.Registry.SupportsMarket(preferred, mkt) {
			return "", errs.New("rest.selectProvider", errs.KindNotFound,
				errs.WithMessage("provider %s does not support %s for market %s", preferred, capability, mkt))
		}
		return preferred, nil
	}
	return s.deps.Registry.Best(capability, mkt)
}

// lookup routes the fetch through the smart cache under the resolved
// strategy.
func (s *Server) lookup(ctx context.Context, req model.DataRequest, provider, capability string, mkt model.Market, prepared []string) (*cache.Result, error) {
	strategy := resolveStrategy(req.Options)
	timeout := time.Duration(req.Options.TimeoutMs) * time.Millisecond

	fetch := func(fctx context.Context) (any, error) {
		options := map[string]any{}
		if req.Options.TimeoutMs > 0 {
			options["timeoutMs"] = req.Options.TimeoutMs
		}
		payload, err := s.deps.Fetcher.Fetch(fctx, provider, capability, prepared, options)
		if err != nil {
			return nil, err
		}
		return payload, nil
	}

	return s.deps.Cache.GetWithSmartCache(ctx, cache.Request{
		CacheKey: cache.Key(capability, provider, req.Symbols),
		Strategy: strategy,
		Market:   mkt,
		Timeout:  timeout,
		FetchFn:  fetch,
	})
}

// shapeRecords transforms the raw payload per record and applies the field
// projection. One bad record marks the response partial, never fails it when
// siblings survive.
func (s *Server) shapeRecords(ctx context.Context, provider, capability string, fields []string, data any) ([]map[string]any, bool, error) {
	raws := extractRecords(data)
	if len(raws) == 0 {
		return []map[string]any{}, false, nil
	}

	records := make([]map[string]any, 0, len(raws))
	failed := 0
	var lastErr error
	for _, raw := range raws {
		rec, err := s.deps.Transform.Apply(ctx, provider, "rest", capability, raw)
		if err != nil {
			failed++
			lastErr = err
			log.Debug().Err(err).Str("provider", provider).Str("capability", capability).Msg("response record transform failed")
			continue
		}
		records = append(records, projectFields(rec, fields))
	}
	if len(records) == 0 {
		return nil, false, lastErr
	}
	return records, failed > 0, nil
}

// extractRecords normalizes a provider payload to a record list: a "data"
// array when present, otherwise the payload itself as one record.
func extractRecords(data any) []map[string]any {
	payload, ok := data.(map[string]any)
	if !ok {
		return nil
	}
	list, ok := payload["data"].([]any)
	if !ok {
		return []map[string]any{payload}
	}
	out := make([]map[string]any, 0, len(list))
	for _, item := range list {
		if rec, ok := item.(map[string]any); ok {
			out = append(out, rec)
		}
	}
	return out
}

func projectFields(rec map[string]any, fields []string) map[string]any {
	if len(fields) == 0 {
		return rec
	}
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		if v, ok := rec[f]; ok {
			out[f] = v
		}
	}
	return out
}

// persistAsync writes the transformed snapshot without holding the request.
func (s *Server) persistAsync(requestID string, req model.DataRequest, provider, capability string, mkt model.Market, result *cache.Result, records []map[string]any) {
	if s.deps.Snapshots == nil {
		return
	}
	ttl := snapshotTTL
	if len(req.Symbols) > largeRequest {
		ttl = snapshotTTLLarge
	}
	snap := &store.Snapshot{
		Key:            result.StorageKey,
		Data:           records,
		Classification: transform.ClassificationForCapability(capability),
		Market:         mkt,
		Provider:       provider,
		Capability:     capability,
		TTL:            ttl,
		Tags: map[string]string{
			"symbols":       strings.Join(req.Symbols, ","),
			"requestId":     requestID,
			"transformedAt": result.Timestamp.UTC().Format(time.RFC3339),
		},
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.deps.Snapshots.Persist(ctx, snap); err != nil {
			log.Warn().Err(err).Str("key", snap.Key).Msg("snapshot persist failed")
		}
	}()
}

func (s *Server) recordSample(req model.DataRequest, provider string, start time.Time, hit bool, err error) {
	if s.deps.Stats == nil {
		return
	}
	s.deps.Stats.Record(qstats.Sample{
		Capability:  req.ReceiverType,
		Provider:    provider,
		SymbolCount: len(req.Symbols),
		CacheHit:    hit,
		Elapsed:     time.Since(start),
		Err:         err,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok", "timestamp": time.Now().UTC().Format(time.RFC3339)}
	if s.deps.Health != nil {
		for k, v := range s.deps.Health() {
			body[k] = v
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"connectionsInUse":    s.deps.Limiter.InUse(),
		"connectionsRejected": s.deps.Limiter.Rejected(),
	}
	if s.deps.Stats != nil {
		body["queries"] = s.deps.Stats.Snapshot()
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleStatsReset(w http.ResponseWriter, r *http.Request) {
	if s.deps.Stats != nil {
		s.deps.Stats.Reset()
	}
	writeJSON(w, http.StatusOK, map[string]any{"reset": true})
}

func (s *Server) handleMarketStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Markets == nil {
		writeError(w, r, http.StatusNotFound, "NOT_FOUND", "market status engine not configured")
		return
	}
	mkt := model.Market(strings.ToUpper(mux.Vars(r)["market"]))
	status, err := s.deps.Markets.Get(r.Context(), mkt)
	if err != nil {
		writeErrs(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// validateRequest applies the request contract: bounded batch, bounded
// symbol length, known receiver type shape.
func validateRequest(req model.DataRequest) model.ValidationResult {
	v := model.ValidationResult{Valid: true}
	if len(req.Symbols) == 0 {
		v.Valid = false
		v.Errors = append(v.Errors, "symbols must not be empty")
	}
	if len(req.Symbols) > symbols.MaxBatchSize {
		v.Valid = false
		v.Errors = append(v.Errors, "too many symbols in one request")
	}
	for _, sym := range req.Symbols {
		if sym == "" || len(sym) > symbols.MaxSymbolLength {
			v.Valid = false
			v.Errors = append(v.Errors, "invalid symbol: "+sym)
			break
		}
	}
	if req.ReceiverType == "" {
		v.Valid = false
		v.Errors = append(v.Errors, "receiverType is required")
	}
	if req.Options.CacheStrategy != "" && !req.Options.CacheStrategy.Valid() {
		v.Valid = false
		v.Errors = append(v.Errors, "unknown cacheStrategy: "+string(req.Options.CacheStrategy))
	}
	if req.Options.TimeoutMs < 0 {
		v.Valid = false
		v.Errors = append(v.Errors, "timeout must not be negative")
	}
	if req.Options.TimeoutMs > 30000 {
		v.Warnings = append(v.Warnings, "timeout above 30s is clamped by the provider deadline")
	}
	return v
}

// resolveStrategy picks the effective cache strategy: smart cache off means
// NO_CACHE, an explicit strategy wins, everything else defaults to strong
// timeliness (which also covers realtime requests).
func resolveStrategy(opts model.RequestOptions) model.Strategy {
	if opts.UseSmartCache != nil && !*opts.UseSmartCache {
		return model.StrategyNoCache
	}
	if opts.CacheStrategy != "" {
		return opts.CacheStrategy
	}
	return model.StrategyStrongTimeliness
}

type errorBody struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: message, Code: code, RequestID: RequestID(r.Context())})
}

// writeErrs maps a taxonomy error onto its transport status. Kinds that must
// not surface answer a generic internal error.
func writeErrs(w http.ResponseWriter, r *http.Request, err error) {
	kind := errs.KindOf(err)
	message := err.Error()
	if !errs.UserVisible(kind) {
		message = "internal server error"
	}
	writeError(w, r, errs.HTTPStatus(err), strings.ToUpper(string(kind)), message)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Debug().Err(err).Msg("response encode failed")
	}
}
