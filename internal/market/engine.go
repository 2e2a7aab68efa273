package market

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quotewire/quotewire/internal/errs"
	"github.com/quotewire/quotewire/internal/model"
)

// Cache durations for computed statuses.
const (
	tradingCacheTTL = 60 * time.Second
	defaultCacheTTL = 600 * time.Second
)

// AdvisorySource supplies a provider's view of a market. Optional: the engine
// works local-only without one, and failures here are warnings, not errors.
type AdvisorySource interface {
	Advise(ctx context.Context, market model.Market) (Advisory, error)
}

// Engine computes and caches per-market statuses.
type Engine struct {
	configs  map[model.Market]Config
	advisory AdvisorySource
	now      func() time.Time

	mu    sync.RWMutex
	cache map[model.Market]cachedStatus
}

type cachedStatus struct {
	status  *Status
	expires time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithAdvisorySource attaches a provider advisory source.
func WithAdvisorySource(src AdvisorySource) Option {
	return func(e *Engine) { e.advisory = src }
}

// WithClock overrides the engine's time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an engine over the given market calendars.
func NewEngine(configs map[model.Market]Config, opts ...Option) *Engine {
	e := &Engine{
		configs: configs,
		now:     time.Now,
		cache:   make(map[model.Market]cachedStatus),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Get returns the market's status, computing and caching it when stale.
func (e *Engine) Get(ctx context.Context, market model.Market) (*Status, error) {
	e.mu.RLock()
	if c, ok := e.cache[market]; ok && e.now().Before(c.expires) {
		e.mu.RUnlock()
		return c.status, nil
	}
	e.mu.RUnlock()

	cfg, ok := e.configs[market]
	if !ok {
		return nil, errs.New("market.get", errs.KindNotFound, errs.WithMessage("no calendar for market %s", market))
	}

	status, err := e.compute(market, cfg)
	if err != nil {
		return nil, err
	}
	e.reconcile(ctx, status)

	ttl := defaultCacheTTL
	if status.State == StateTrading {
		ttl = tradingCacheTTL
	}
	e.mu.Lock()
	e.cache[market] = cachedStatus{status: status, expires: e.now().Add(ttl)}
	e.mu.Unlock()

	return status, nil
}

// Batch computes statuses for several markets. A failure on one market only
// degrades that entry; the batch itself never fails.
func (e *Engine) Batch(ctx context.Context, markets []model.Market) map[model.Market]*Status {
	out := make(map[model.Market]*Status, len(markets))
	for _, m := range markets {
		status, err := e.Get(ctx, m)
		if err != nil {
			log.Warn().Err(err).Str("market", string(m)).Msg("market status unavailable, skipping entry")
			continue
		}
		out[m] = status
	}
	return out
}

// RecommendedTTL returns the cache TTL in seconds for the market and mode.
func (e *Engine) RecommendedTTL(ctx context.Context, market model.Market, mode model.TTLMode) int {
	status, err := e.Get(ctx, market)
	if err != nil {
		// Unknown market: conservative analytical default.
		if mode == model.TTLRealtime {
			return 60
		}
		return 3600
	}
	if mode == model.TTLRealtime {
		return status.RealtimeTTL
	}
	return status.AnalyticalTTL
}

// compute derives the local-only status from the calendar.
func (e *Engine) compute(market model.Market, cfg Config) (*Status, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, errs.New("market.compute", errs.KindValidation,
			errs.WithMessage("bad timezone %q for market %s", cfg.Timezone, market), errs.WithCause(err))
	}
	local := e.now().In(loc)

	status := &Status{
		Market:     market,
		LocalTime:  local,
		Timezone:   cfg.Timezone,
		Confidence: confidenceLocal,
		IsDST:      cfg.DSTSupport && isDST(local),
	}

	switch {
	case isHoliday(cfg, local):
		status.State = StateHoliday
		status.IsHoliday = true
	case !isTradingDay(cfg, local):
		status.State = StateWeekend
	default:
		status.State, status.Session, status.NextSession = locateSession(cfg.Sessions, local)
	}

	status.RealtimeTTL, status.AnalyticalTTL = ttlHints(status.State)
	return status, nil
}

// reconcile folds in the provider advisory. The provider wins disagreements
// but only costs confidence; advisory failures are warnings.
func (e *Engine) reconcile(ctx context.Context, status *Status) {
	if e.advisory == nil {
		return
	}
	adv, err := e.advisory.Advise(ctx, status.Market)
	if err != nil {
		log.Warn().Err(err).Str("market", string(status.Market)).Msg("provider market advisory unavailable")
		return
	}
	provState, ok := advisoryState(adv)
	if !ok {
		log.Warn().Str("advisory", string(adv)).Str("market", string(status.Market)).Msg("unrecognized market advisory")
		return
	}
	if provState == status.State {
		status.Confidence = confidenceAgree
		return
	}
	status.State = provState
	status.Confidence = confidenceDisagree
	status.RealtimeTTL, status.AnalyticalTTL = ttlHints(provState)
}

// locateSession finds the enclosing or neighbouring session by minute-of-day.
func locateSession(sessions []Session, local time.Time) (State, *Session, *Session) {
	if len(sessions) == 0 {
		return StateClosed, nil, nil
	}
	minute := local.Hour()*60 + local.Minute()

	for i := range sessions {
		start, end := sessionMinutes(sessions[i])
		if minute >= start && minute < end {
			return StateTrading, &sessions[i], nil
		}
	}

	first, _ := sessionMinutes(sessions[0])
	if minute < first {
		return StatePreMarket, nil, &sessions[0]
	}
	_, last := sessionMinutes(sessions[len(sessions)-1])
	if minute >= last {
		return StateAfterHours, nil, nil
	}

	// Between two sessions: the next one starts after the current minute.
	for i := range sessions {
		start, _ := sessionMinutes(sessions[i])
		if minute < start {
			return StateLunchBreak, nil, &sessions[i]
		}
	}
	return StateClosed, nil, nil
}

func sessionMinutes(s Session) (start, end int) {
	return parseClock(s.Start), parseClock(s.End)
}

// parseClock converts "09:30" to minutes from midnight. Malformed values
// collapse to 0 so a bad calendar degrades rather than panics.
func parseClock(v string) int {
	parts := strings.SplitN(v, ":", 2)
	if len(parts) != 2 {
		return 0
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return 0
	}
	return h*60 + m
}

func isTradingDay(cfg Config, local time.Time) bool {
	wd := int(local.Weekday())
	for _, d := range cfg.TradingDays {
		if d == wd {
			return true
		}
	}
	return false
}

func isHoliday(cfg Config, local time.Time) bool {
	key := fmt.Sprintf("%04d-%02d-%02d", local.Year(), local.Month(), local.Day())
	for _, h := range cfg.Holidays {
		if h == key {
			return true
		}
	}
	return false
}

// isDST compares the current zone offset against the January offset, which is
// standard time in the northern-hemisphere zones we carry calendars for.
func isDST(local time.Time) bool {
	_, current := local.Zone()
	jan := time.Date(local.Year(), time.January, 1, 12, 0, 0, 0, local.Location())
	_, winter := jan.Zone()
	return current != winter
}
