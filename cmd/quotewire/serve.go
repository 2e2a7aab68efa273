package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/quotewire/quotewire/internal/cache"
	"github.com/quotewire/quotewire/internal/config"
	"github.com/quotewire/quotewire/internal/gateway"
	"github.com/quotewire/quotewire/internal/market"
	"github.com/quotewire/quotewire/internal/metrics"
	"github.com/quotewire/quotewire/internal/model"
	"github.com/quotewire/quotewire/internal/pipeline"
	"github.com/quotewire/quotewire/internal/provider"
	"github.com/quotewire/quotewire/internal/qstats"
	"github.com/quotewire/quotewire/internal/registry"
	"github.com/quotewire/quotewire/internal/rest"
	"github.com/quotewire/quotewire/internal/store"
	"github.com/quotewire/quotewire/internal/stream"
	"github.com/quotewire/quotewire/internal/symbols"
	"github.com/quotewire/quotewire/internal/transform"
)

// streamPollInterval drives the REST-polling bridge feeding the batching
// pipeline when a provider has no native stream.
const streamPollInterval = 2 * time.Second

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the QuoteWire service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.HTTPAddr = addr
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	return cmd
}

func serve(ctx context.Context, cfg config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	sink := metrics.NewPrometheusSink()
	bus := metrics.NewChannelBus(sink, 4096)
	defer bus.Stop()

	cacheStore := openCacheStore(ctx, cfg)
	snapshots := openSnapshots(ctx, cfg)

	engine := market.NewEngine(cfg.Markets)
	governor := cache.NewGovernor(cache.GovernorConfig{
		MemWarningThreshold:  cfg.Memory.WarningThreshold,
		MemCriticalThreshold: cfg.Memory.CriticalThreshold,
	}, bus, nil)
	go governor.Run()
	defer governor.Stop()

	orchestrator := cache.New(cacheStore, engine, governor, bus)
	reg := registry.New(cfg.Providers)
	fetcher := provider.NewFetcher(providerClients(cfg.Providers), reg, bus)

	symbolPrep := symbols.NewTransformer(symbols.NewRuleMapper(nil), bus)
	rules := transform.NewEngine(transform.DefaultRules())
	stats := qstats.NewRecorder(bus)
	defer stats.Close()

	mgr := stream.NewManager(bus)
	go mgr.RunReaper(stream.DefaultReapInterval)
	defer mgr.Stop()

	hub := gateway.NewHub()
	gateway.Bind(hub, mgr)
	defer hub.Shutdown()

	pipe := pipeline.New("stream", batchingConfig(cfg.Batching), rules,
		pipelineCallbacks(orchestrator, mgr, hub, bus), bus)
	go pipe.Run(ctx)
	defer pipe.Stop()

	go pollStreams(ctx, mgr, reg, fetcher, pipe)

	limiter := rest.NewConnLimiter(cfg.RateLimit.MaxConnections)
	window := cfg.RateLimit.WindowSize
	if window <= 0 {
		window = time.Minute
	}
	server := rest.NewServer(rest.Deps{
		Registry:    reg,
		Fetcher:     fetcher,
		Cache:       orchestrator,
		Transform:   rules,
		Symbols:     symbolPrep,
		Markets:     engine,
		Snapshots:   snapshots,
		Stats:       stats,
		Limiter:     limiter,
		RateLimiter: rate.NewLimiter(rate.Limit(float64(cfg.RateLimit.MaxConnections)/window.Seconds()), cfg.RateLimit.MaxConnections),
		Health:      healthFunc(hub, governor, limiter),
		WSHandler:   gateway.Handler(hub),
		Metrics:     sink.Handler(),
	})

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("quotewire listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func openCacheStore(ctx context.Context, cfg config.Config) store.CacheStore {
	if cfg.RedisAddr != "" {
		dialCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		rs, err := store.DialRedis(dialCtx, cfg.RedisAddr)
		if err == nil {
			log.Info().Str("addr", cfg.RedisAddr).Msg("cache store: redis")
			return rs
		}
		log.Warn().Err(err).Msg("redis unreachable, caching in memory")
	}
	return store.NewMemoryStore()
}

func openSnapshots(ctx context.Context, cfg config.Config) store.SnapshotStore {
	if cfg.PostgresDSN == "" {
		return nil
	}
	openCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	ps, err := store.OpenPostgres(openCtx, cfg.PostgresDSN)
	if err != nil {
		log.Warn().Err(err).Msg("postgres unreachable, snapshot persistence disabled")
		return nil
	}
	log.Info().Msg("snapshot store: postgres")
	return ps
}

// providerClients builds HTTP adapters for providers with a configured
// endpoint (PROVIDER_<NAME>_URL). Providers without one are catalogue-only.
func providerClients(providers []registry.Provider) []provider.Client {
	clients := make([]provider.Client, 0, len(providers))
	for _, p := range providers {
		env := "PROVIDER_" + strings.ToUpper(strings.ReplaceAll(p.Name, "-", "_")) + "_URL"
		url := os.Getenv(env)
		if url == "" {
			log.Warn().Str("provider", p.Name).Str("env", env).Msg("provider has no endpoint configured")
			continue
		}
		clients = append(clients, provider.NewHTTPClient(p.Name, url, &http.Client{Timeout: provider.DefaultTimeout}))
	}
	return clients
}

func batchingConfig(b config.Batching) pipeline.Config {
	cfg := pipeline.DefaultConfig()
	cfg.BaseInterval = b.BaseInterval
	cfg.MinInterval = b.MinInterval
	cfg.MaxInterval = b.MaxInterval
	cfg.HighLoadInterval = b.HighLoadInterval
	cfg.LowLoadInterval = b.LowLoadInterval
	cfg.HighLoadThreshold = b.HighLoadThreshold
	cfg.LowLoadThreshold = b.LowLoadThreshold
	cfg.SampleWindow = b.SampleWindow
	cfg.AdjustmentStep = b.AdjustmentStep
	if !b.Enabled {
		// Tuning off pins the flush interval to base.
		cfg.AdjustmentFreq = 24 * time.Hour
	} else {
		cfg.AdjustmentFreq = b.AdjustmentFrequency
	}
	return cfg
}

// pipelineCallbacks fan transformed stream records into the cache and the
// websocket rooms.
func pipelineCallbacks(orch *cache.Orchestrator, mgr *stream.Manager, hub *gateway.Hub, bus metrics.Bus) pipeline.Callbacks {
	return pipeline.Callbacks{
		EnsureSymbolConsistency: func(rec map[string]any, syms []string) map[string]any {
			if _, ok := rec["symbols"]; !ok && len(syms) > 0 {
				rec["symbols"] = syms
			}
			return rec
		},
		CacheData: func(ctx context.Context, providerName, capability string, rec map[string]any) {
			syms := recordSymbols(rec)
			if len(syms) == 0 {
				return
			}
			key := cache.Key(capability, providerName, syms)
			if _, err := orch.SetWithAdaptiveTTL(ctx, key, rec, cache.AdaptiveSetOptions{
				DataType: capability,
				Market:   symbols.InferMarket(syms),
			}); err != nil {
				log.Debug().Err(err).Str("key", key).Msg("stream record cache store failed")
			}
		},
		BroadcastData: func(ctx context.Context, providerName, capability string, rec map[string]any, degraded bool) {
			payload := map[string]any{
				"data":       rec,
				"provider":   providerName,
				"capability": capability,
				"timestamp":  time.Now().UnixMilli(),
			}
			if degraded {
				payload["degraded"] = true
			}
			for _, sym := range recordSymbols(rec) {
				if err := mgr.BroadcastToSymbol(ctx, sym, payload, hub); err != nil {
					log.Debug().Err(err).Str("symbol", sym).Msg("stream broadcast failed")
				}
			}
		},
	}
}

func recordSymbols(rec map[string]any) []string {
	switch v := rec["symbols"].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, s := range v {
			if str, ok := s.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	if s, ok := rec["symbol"].(string); ok {
		return []string{s}
	}
	return nil
}

// pollStreams bridges providers without native streaming: it periodically
// fetches every subscribed symbol set and feeds the batching pipeline.
func pollStreams(ctx context.Context, mgr *stream.Manager, reg *registry.Registry, fetcher *provider.Fetcher, pipe *pipeline.Pipeline) {
	ticker := time.NewTicker(streamPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		syms := mgr.AllRequiredSymbols("", "")
		if len(syms) == 0 {
			continue
		}
		byProvider := map[string][]string{}
		for _, s := range syms {
			providerName, err := reg.Best("stream-stock-quote", symbols.InferMarket([]string{s}))
			if err != nil {
				continue
			}
			byProvider[providerName] = append(byProvider[providerName], s)
		}
		for providerName, ps := range byProvider {
			if !fetcher.Has(providerName) {
				continue
			}
			payload, err := fetcher.Fetch(ctx, providerName, "stream-stock-quote", ps, nil)
			if err != nil {
				log.Debug().Err(err).Str("provider", providerName).Msg("stream poll fetch failed")
				continue
			}
			pipe.AddQuote(model.QuoteEvent{
				Raw:        payload,
				Provider:   providerName,
				Capability: "stream-stock-quote",
				ArrivedAt:  time.Now(),
				Symbols:    ps,
			})
		}
	}
}

func healthFunc(hub *gateway.Hub, governor *cache.Governor, limiter *rest.ConnLimiter) func() map[string]any {
	start := time.Now()
	return func() map[string]any {
		return map[string]any{
			"uptimeSeconds":   int(time.Since(start).Seconds()),
			"wsConnections":   hub.ConnCount(),
			"maxConcurrency":  governor.MaxConcurrency(),
			"underPressure":   governor.UnderPressure(),
			"connectionsBusy": limiter.InUse(),
		}
	}
}
