// Package registry keeps the capability catalogue of upstream providers and
// selects the best provider for a (capability, market) pair by priority,
// market support and recent health.
package registry

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quotewire/quotewire/internal/errs"
	"github.com/quotewire/quotewire/internal/model"
)

// Consecutive failures after which a provider is considered down and skipped
// during selection when an alternative exists.
const downThreshold = 5

// Provider describes one upstream's catalogue entry.
type Provider struct {
	Name         string         `yaml:"name" json:"name"`
	Priority     int            `yaml:"priority" json:"priority"` // higher wins
	Capabilities []string       `yaml:"capabilities" json:"capabilities"`
	Markets      []model.Market `yaml:"markets" json:"markets"`
}

// Health is a point-in-time provider health snapshot.
type Health struct {
	Status              string    `json:"status"` // "healthy", "degraded", "down"
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
	LastCheck           time.Time `json:"last_check"`
}

// Registry is the in-memory capability catalogue.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	health    map[string]*Health
}

// New builds a registry from the configured catalogue.
func New(providers []Provider) *Registry {
	r := &Registry{
		providers: make(map[string]Provider, len(providers)),
		health:    make(map[string]*Health, len(providers)),
	}
	for _, p := range providers {
		r.providers[p.Name] = p
		r.health[p.Name] = &Health{Status: "healthy"}
	}
	return r
}

// Supports reports whether the provider advertises the capability.
func (r *Registry) Supports(provider, capability string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[provider]
	if !ok {
		return false
	}
	return hasCapability(p, capability)
}

// SupportsMarket reports whether the provider covers the market. The CN meta
// label is satisfied by SH or SZ coverage. MIXED and UNKNOWN match any
// provider covering at least one market.
func (r *Registry) SupportsMarket(provider string, market model.Market) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[provider]
	if !ok {
		return false
	}
	return marketCovered(p, market)
}

// Best selects the highest-priority healthy provider for the capability and
// market. Down providers lose to healthy ones regardless of priority.
func (r *Registry) Best(capability string, market model.Market) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best, fallback string
	bestPrio, fallbackPrio := -1, -1
	for name, p := range r.providers {
		if !hasCapability(p, capability) || !marketCovered(p, market) {
			continue
		}
		if r.isDown(name) {
			if p.Priority > fallbackPrio {
				fallback, fallbackPrio = name, p.Priority
			}
			continue
		}
		if p.Priority > bestPrio {
			best, bestPrio = name, p.Priority
		}
	}
	if best == "" {
		best = fallback
	}
	if best == "" {
		return "", errs.New("registry.best", errs.KindNotFound,
			errs.WithMessage("no provider supports %s for market %s", capability, market))
	}
	return best, nil
}

// ReportSuccess records a successful provider call.
func (r *Registry) ReportSuccess(provider string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.healthLocked(provider)
	h.ConsecutiveFailures = 0
	h.Status = "healthy"
	h.LastCheck = time.Now()
}

// ReportFailure records a failed provider call and degrades health.
func (r *Registry) ReportFailure(provider string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.healthLocked(provider)
	h.ConsecutiveFailures++
	h.LastCheck = time.Now()
	if err != nil {
		h.LastError = err.Error()
	}
	switch {
	case h.ConsecutiveFailures >= downThreshold:
		if h.Status != "down" {
			log.Warn().Str("provider", provider).Int("failures", h.ConsecutiveFailures).Msg("provider marked down")
		}
		h.Status = "down"
	default:
		h.Status = "degraded"
	}
}

// HealthOf returns a copy of the provider's health snapshot.
func (r *Registry) HealthOf(provider string) (Health, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.health[provider]
	if !ok {
		return Health{}, false
	}
	return *h, true
}

// Providers lists the catalogue, for diagnostics.
func (r *Registry) Providers() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, p)
	}
	return out
}

func (r *Registry) healthLocked(provider string) *Health {
	h, ok := r.health[provider]
	if !ok {
		h = &Health{Status: "healthy"}
		r.health[provider] = h
	}
	return h
}

func (r *Registry) isDown(provider string) bool {
	h, ok := r.health[provider]
	return ok && h.Status == "down"
}

func hasCapability(p Provider, capability string) bool {
	for _, c := range p.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

func marketCovered(p Provider, market model.Market) bool {
	if market == model.MarketMixed || market == model.MarketUnknown {
		return len(p.Markets) > 0
	}
	for _, m := range p.Markets {
		if m == market {
			return true
		}
		if market == model.MarketCN && (m == model.MarketSH || m == model.MarketSZ || m == model.MarketCN) {
			return true
		}
		if m == model.MarketCN && (market == model.MarketSH || market == model.MarketSZ) {
			return true
		}
	}
	return false
}
