// Package provider abstracts upstream market-data clients and wraps them
// with deadlines, bounded retry and health reporting.
package provider

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/quotewire/quotewire/internal/errs"
	"github.com/quotewire/quotewire/internal/metrics"
	"github.com/quotewire/quotewire/internal/registry"
)

// DefaultTimeout bounds one upstream call when the request carries none.
const DefaultTimeout = 5 * time.Second

const (
	maxRetries      = 2
	initialInterval = 100 * time.Millisecond
	maxInterval     = time.Second
)

// Client is one upstream data source. Fetch returns the provider's raw
// payload for the capability and symbol set.
type Client interface {
	Name() string
	Fetch(ctx context.Context, capability string, symbols []string, options map[string]any) (map[string]any, error)
}

// Fetcher routes fetches to named clients with retry and health accounting.
type Fetcher struct {
	clients  map[string]Client
	registry *registry.Registry
	bus      metrics.Bus
	timeout  time.Duration
}

// NewFetcher builds a fetcher over the given clients.
func NewFetcher(clients []Client, reg *registry.Registry, bus metrics.Bus) *Fetcher {
	if bus == nil {
		bus = metrics.NopBus{}
	}
	byName := make(map[string]Client, len(clients))
	for _, c := range clients {
		byName[c.Name()] = c
	}
	return &Fetcher{clients: byName, registry: reg, bus: bus, timeout: DefaultTimeout}
}

// Fetch calls the named provider under a deadline, retrying transient
// failures with exponential backoff. Reads are idempotent, so retry is safe.
// Outcomes feed the registry's health view.
func (f *Fetcher) Fetch(ctx context.Context, provider, capability string, symbols []string, options map[string]any) (map[string]any, error) {
	client, ok := f.clients[provider]
	if !ok {
		return nil, errs.New("provider.fetch", errs.KindNotFound,
			errs.WithMessage("no client registered for provider %s", provider))
	}

	timeout := f.timeout
	if ms, ok := options["timeoutMs"].(int); ok && ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	policy := backoff.WithContext(backoff.WithMaxRetries(&backoff.ExponentialBackOff{
		InitialInterval:     initialInterval,
		MaxInterval:         maxInterval,
		Multiplier:          2,
		RandomizationFactor: 0.2,
		Clock:               backoff.SystemClock,
		Stop:                backoff.Stop,
	}, maxRetries), ctx)
	policy.Reset()

	start := time.Now()
	var payload map[string]any
	err := backoff.Retry(func() error {
		var ferr error
		payload, ferr = client.Fetch(ctx, capability, symbols, options)
		if ferr == nil {
			return nil
		}
		// Caller-input problems never heal on retry.
		if errs.IsKind(ferr, errs.KindValidation) || errs.IsKind(ferr, errs.KindNotFound) {
			return backoff.Permanent(ferr)
		}
		log.Debug().Err(ferr).Str("provider", provider).Str("capability", capability).Msg("provider fetch attempt failed")
		return ferr
	}, policy)

	status := "ok"
	if err != nil {
		status = "error"
		if errors.Is(err, context.DeadlineExceeded) {
			err = errs.New("provider.fetch", errs.KindUpstreamTimeout,
				errs.WithMessage("%s did not answer within %s", provider, timeout),
				errs.WithField("capability", capability), errs.WithCause(err))
			status = "timeout"
		} else if !errs.IsKind(err, errs.KindValidation) && !errs.IsKind(err, errs.KindNotFound) {
			err = errs.New("provider.fetch", errs.KindUpstreamFailure,
				errs.WithMessage("%s fetch failed", provider),
				errs.WithField("capability", capability), errs.WithCause(err))
		}
		if f.registry != nil {
			f.registry.ReportFailure(provider, err)
		}
	} else if f.registry != nil {
		f.registry.ReportSuccess(provider)
	}

	f.bus.Emit(metrics.Event{Source: "provider_fetcher", MetricType: "histogram",
		MetricName: metrics.EventProviderFetch, MetricValue: float64(time.Since(start).Milliseconds()),
		Tags: map[string]string{"provider": provider, "capability": capability, "status": status}})
	return payload, err
}

// Has reports whether a client is registered for the provider.
func (f *Fetcher) Has(provider string) bool {
	_, ok := f.clients[provider]
	return ok
}
