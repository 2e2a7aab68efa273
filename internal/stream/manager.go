// Package stream keeps per-client subscription state, the symbol-to-clients
// inverse index, gateway broadcast accounting and the idle-client reaper.
package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quotewire/quotewire/internal/errs"
	"github.com/quotewire/quotewire/internal/metrics"
)

// Reaper defaults.
const (
	DefaultIdleTimeout  = 5 * time.Minute
	DefaultReapInterval = time.Minute
)

// Gateway is the transport the manager pushes through. The manager never
// retains a gateway; callers pass one per broadcast.
type Gateway interface {
	IsAvailable() bool
	BroadcastToRoom(room, event string, payload any) error
	HealthDetail() string
}

// Subscription is one client's live subscription state.
type Subscription struct {
	ClientID     string              `json:"clientId"`
	Symbols      map[string]struct{} `json:"-"`
	Capability   string              `json:"capability"`
	Provider     string              `json:"provider"`
	SubscribedAt time.Time           `json:"subscribedAt"`
	LastActive   time.Time           `json:"lastActive"`
}

// ChangeAction tags a subscription change event.
type ChangeAction string

const (
	ActionSubscribe   ChangeAction = "subscribe"
	ActionUnsubscribe ChangeAction = "unsubscribe"
)

// ChangeEvent notifies listeners of subscription changes.
type ChangeEvent struct {
	Action     ChangeAction `json:"action"`
	ClientID   string       `json:"clientId"`
	Symbols    []string     `json:"symbols"`
	Provider   string       `json:"provider"`
	Capability string       `json:"capability"`
}

// Listener receives change events. Panics are caught and logged.
type Listener func(ev ChangeEvent)

// BroadcastStats is the running gateway counter set.
type BroadcastStats struct {
	GatewaySuccess int64 `json:"gatewaySuccess"`
	GatewayFailure int64 `json:"gatewayFailure"`
	TotalAttempts  int64 `json:"totalAttempts"`
	Errors         struct {
		BroadcastErrors int64  `json:"broadcastErrors"`
		LastReason      string `json:"lastReason,omitempty"`
	} `json:"errors"`
}

// StatsReport is the derived health view of the broadcast path.
type StatsReport struct {
	GatewayUsageRate float64        `json:"gatewayUsageRate"`
	ErrorRate        float64        `json:"errorRate"`
	HealthStatus     string         `json:"healthStatus"` // excellent, good, warning, critical
	Analysis         StatsAnalysis  `json:"analysis"`
	Raw              BroadcastStats `json:"raw"`
}

// StatsAnalysis summarizes broadcast throughput.
type StatsAnalysis struct {
	TotalBroadcasts int64   `json:"totalBroadcasts"`
	SuccessRate     float64 `json:"successRate"`
}

// Manager owns the two-way subscription index. All index mutations are
// serialised behind one mutex; reads return snapshots.
type Manager struct {
	mu          sync.RWMutex
	clients     map[string]*Subscription
	symbolIndex map[string]map[string]struct{}
	listeners   []Listener
	stats       BroadcastStats

	bus         metrics.Bus
	now         func() time.Time
	idleTimeout time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithIdleTimeout overrides the reaper's idle threshold.
func WithIdleTimeout(d time.Duration) Option {
	return func(m *Manager) { m.idleTimeout = d }
}

// WithClock overrides the time source. Test hook.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates an empty subscription manager.
func NewManager(bus metrics.Bus, opts ...Option) *Manager {
	if bus == nil {
		bus = metrics.NopBus{}
	}
	m := &Manager{
		clients:     make(map[string]*Subscription),
		symbolIndex: make(map[string]map[string]struct{}),
		bus:         bus,
		now:         time.Now,
		idleTimeout: DefaultIdleTimeout,
		stopCh:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnChange registers a change listener.
func (m *Manager) OnChange(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Add unions symbols into the client's subscription and updates the inverse
// index. First Add for a client creates its record.
func (m *Manager) Add(clientID string, symbols []string, capability, provider string) {
	if clientID == "" || len(symbols) == 0 {
		return
	}
	m.mu.Lock()
	sub, ok := m.clients[clientID]
	if !ok {
		sub = &Subscription{
			ClientID:     clientID,
			Symbols:      make(map[string]struct{}, len(symbols)),
			Capability:   capability,
			Provider:     provider,
			SubscribedAt: m.now(),
		}
		m.clients[clientID] = sub
	}
	added := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if _, dup := sub.Symbols[s]; dup {
			continue
		}
		sub.Symbols[s] = struct{}{}
		added = append(added, s)
		idx, ok := m.symbolIndex[s]
		if !ok {
			idx = make(map[string]struct{})
			m.symbolIndex[s] = idx
		}
		idx[clientID] = struct{}{}
	}
	sub.LastActive = m.now()
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.Unlock()

	if len(added) > 0 {
		m.notify(listeners, ChangeEvent{
			Action: ActionSubscribe, ClientID: clientID, Symbols: added,
			Provider: provider, Capability: capability,
		})
	}
}

// Remove drops symbols from the client, or the whole client when symbols is
// nil. Symbols with no remaining subscribers leave the inverse index; a
// client with no remaining symbols is destroyed.
func (m *Manager) Remove(clientID string, symbols []string) {
	m.mu.Lock()
	sub, ok := m.clients[clientID]
	if !ok {
		m.mu.Unlock()
		return
	}

	var removed []string
	if symbols == nil {
		removed = make([]string, 0, len(sub.Symbols))
		for s := range sub.Symbols {
			removed = append(removed, s)
		}
	} else {
		for _, s := range symbols {
			if _, has := sub.Symbols[s]; has {
				removed = append(removed, s)
			}
		}
	}

	for _, s := range removed {
		delete(sub.Symbols, s)
		if idx, ok := m.symbolIndex[s]; ok {
			delete(idx, clientID)
			if len(idx) == 0 {
				delete(m.symbolIndex, s)
			}
		}
	}
	provider, capability := sub.Provider, sub.Capability
	if len(sub.Symbols) == 0 {
		delete(m.clients, clientID)
	}
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.Unlock()

	if len(removed) > 0 {
		m.notify(listeners, ChangeEvent{
			Action: ActionUnsubscribe, ClientID: clientID, Symbols: removed,
			Provider: provider, Capability: capability,
		})
	}
}

// UpdateActivity bumps the client's lastActive.
func (m *Manager) UpdateActivity(clientID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sub, ok := m.clients[clientID]; ok {
		sub.LastActive = m.now()
	}
}

// ClientsForSymbol returns the subscriber set snapshot for a symbol.
func (m *Manager) ClientsForSymbol(symbol string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx, ok := m.symbolIndex[symbol]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(idx))
	for c := range idx {
		out = append(out, c)
	}
	return out
}

// SymbolsForClient returns the client's symbol snapshot.
func (m *Manager) SymbolsForClient(clientID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.clients[clientID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(sub.Symbols))
	for s := range sub.Symbols {
		out = append(out, s)
	}
	return out
}

// AllRequiredSymbols unions symbols across clients, optionally filtered by
// provider and capability.
func (m *Manager) AllRequiredSymbols(provider, capability string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := make(map[string]struct{})
	for _, sub := range m.clients {
		if provider != "" && sub.Provider != provider {
			continue
		}
		if capability != "" && sub.Capability != capability {
			continue
		}
		for s := range sub.Symbols {
			set[s] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	return out
}

// ClientCount reports the live client total.
func (m *Manager) ClientCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

// BroadcastToSymbol pushes one update to the symbol's room through the given
// gateway. Failures are counted and surfaced as a gateway error; retry policy
// belongs to the caller.
func (m *Manager) BroadcastToSymbol(_ context.Context, symbol string, data any, gw Gateway) error {
	m.mu.Lock()
	m.stats.TotalAttempts++
	m.mu.Unlock()

	fail := func(reason string, cause error) error {
		m.mu.Lock()
		m.stats.GatewayFailure++
		m.stats.Errors.BroadcastErrors++
		m.stats.Errors.LastReason = reason
		m.mu.Unlock()
		m.bus.Emit(metrics.Event{Source: "subscription_manager", MetricType: "counter",
			MetricName: metrics.EventBroadcastFailed, MetricValue: 1,
			Tags: map[string]string{"symbol": symbol}})
		opts := []errs.Option{errs.WithMessage("%s", reason), errs.WithField("symbol", symbol)}
		if cause != nil {
			opts = append(opts, errs.WithCause(cause))
		}
		return errs.New("stream.broadcast", errs.KindGatewayBroadcast, opts...)
	}

	if gw == nil || !gw.IsAvailable() {
		detail := "gateway is nil"
		if gw != nil {
			detail = gw.HealthDetail()
		}
		return fail(fmt.Sprintf("gateway unavailable: %s", detail), nil)
	}

	room := "symbol:" + symbol
	if err := gw.BroadcastToRoom(room, "data", map[string]any{"symbol": symbol, "data": data}); err != nil {
		return fail(fmt.Sprintf("gateway rejected push: %s", gw.HealthDetail()), err)
	}

	m.mu.Lock()
	m.stats.GatewaySuccess++
	now := m.now()
	if idx, ok := m.symbolIndex[symbol]; ok {
		for clientID := range idx {
			if sub, ok := m.clients[clientID]; ok {
				sub.LastActive = now
			}
		}
	}
	m.mu.Unlock()

	m.bus.Emit(metrics.Event{Source: "subscription_manager", MetricType: "counter",
		MetricName: metrics.EventBroadcastDelivered, MetricValue: 1,
		Tags: map[string]string{"symbol": symbol}})
	return nil
}

// Stats derives the health report from the raw counters.
func (m *Manager) Stats() StatsReport {
	m.mu.RLock()
	raw := m.stats
	m.mu.RUnlock()

	report := StatsReport{Raw: raw}
	if raw.TotalAttempts > 0 {
		report.GatewayUsageRate = 1.0
		report.ErrorRate = float64(raw.GatewayFailure) / float64(raw.TotalAttempts)
		report.Analysis = StatsAnalysis{
			TotalBroadcasts: raw.TotalAttempts,
			SuccessRate:     float64(raw.GatewaySuccess) / float64(raw.TotalAttempts),
		}
	}
	switch {
	case report.ErrorRate > 0.10:
		report.HealthStatus = "critical"
	case report.ErrorRate > 0.05:
		report.HealthStatus = "warning"
	case report.ErrorRate == 0:
		report.HealthStatus = "excellent"
	default:
		report.HealthStatus = "good"
	}
	return report
}

// ResetStats zeroes the broadcast counters.
func (m *Manager) ResetStats() {
	m.mu.Lock()
	m.stats = BroadcastStats{}
	m.mu.Unlock()
	m.bus.Emit(metrics.Event{Source: "subscription_manager", MetricType: "counter",
		MetricName: metrics.EventStatsReset, MetricValue: 1})
}

// RunReaper evicts idle clients on a timer until Stop.
func (m *Manager) RunReaper(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.ReapIdle()
		}
	}
}

// ReapIdle removes every client idle past the timeout. One pass, exception
// safe: a listener panic cannot leave the index half-updated.
func (m *Manager) ReapIdle() int {
	cutoff := m.now().Add(-m.idleTimeout)

	m.mu.RLock()
	idle := make([]string, 0)
	for id, sub := range m.clients {
		if sub.LastActive.Before(cutoff) {
			idle = append(idle, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range idle {
		log.Info().Str("client", id).Msg("reaping idle stream client")
		m.Remove(id, nil)
		m.bus.Emit(metrics.Event{Source: "subscription_manager", MetricType: "counter",
			MetricName: metrics.EventIdleClientReaped, MetricValue: 1,
			Tags: map[string]string{"client": id}})
	}
	return len(idle)
}

// Stop terminates the reaper loop.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// notify fans a change event to listeners, isolating panics per listener.
func (m *Manager) notify(listeners []Listener, ev ChangeEvent) {
	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Warn().Interface("panic", r).Str("client", ev.ClientID).Msg("subscription listener panicked")
				}
			}()
			l(ev)
		}()
	}
	m.bus.Emit(metrics.Event{Source: "subscription_manager", MetricType: "counter",
		MetricName: metrics.EventSubscriptionChanged, MetricValue: float64(len(ev.Symbols)),
		Tags: map[string]string{"action": string(ev.Action), "client": ev.ClientID}})
}
