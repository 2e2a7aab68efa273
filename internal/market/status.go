// Package market implements the market status engine: given a market and an
// instant it reports the trading session state, the next transition, and the
// cache TTL hints derived from that state. Results are cached briefly and can
// be reconciled against a provider advisory with confidence scoring.
package market

import (
	"time"

	"github.com/quotewire/quotewire/internal/model"
)

// State is the session state of a market at an instant.
type State string

const (
	StatePreMarket  State = "PRE_MARKET"
	StateTrading    State = "TRADING"
	StateLunchBreak State = "LUNCH_BREAK"
	StateAfterHours State = "AFTER_HOURS"
	StateClosed     State = "CLOSED"
	StateWeekend    State = "WEEKEND"
	StateHoliday    State = "HOLIDAY"
)

// Advisory is the coarse status a provider reports for a market.
type Advisory string

const (
	AdvisoryOpen      Advisory = "OPEN"
	AdvisoryClosed    Advisory = "CLOSED"
	AdvisoryPreOpen   Advisory = "PRE_OPEN"
	AdvisoryPostClose Advisory = "POST_CLOSE"
	AdvisoryHoliday   Advisory = "HOLIDAY"
)

// Confidence levels for the reconciled status.
const (
	confidenceLocal    = 0.90
	confidenceAgree    = 0.98
	confidenceDisagree = 0.85
)

// Session is a named interval inside a trading day, minutes from midnight.
type Session struct {
	Name  string `yaml:"name" json:"name"`
	Start string `yaml:"start" json:"start"` // "09:30"
	End   string `yaml:"end" json:"end"`     // "12:00"
}

// Config describes one market's trading calendar.
type Config struct {
	Timezone    string    `yaml:"timezone" json:"timezone"`
	TradingDays []int     `yaml:"trading_days" json:"tradingDays"` // time.Weekday values, Mon=1
	Sessions    []Session `yaml:"sessions" json:"sessions"`
	Holidays    []string  `yaml:"holidays" json:"holidays"` // "2026-01-01"
	DSTSupport  bool      `yaml:"dst_support" json:"dstSupport"`
}

// Status is the full reconciled view of a market at an instant.
type Status struct {
	Market        model.Market `json:"market"`
	State         State        `json:"state"`
	LocalTime     time.Time    `json:"localTime"`
	Timezone      string       `json:"timezone"`
	Session       *Session     `json:"session,omitempty"`
	NextSession   *Session     `json:"nextSession,omitempty"`
	RealtimeTTL   int          `json:"realtimeTTL"`   // seconds
	AnalyticalTTL int          `json:"analyticalTTL"` // seconds
	IsHoliday     bool         `json:"isHoliday"`
	IsDST         bool         `json:"isDST"`
	Confidence    float64      `json:"confidence"`
}

// TTL hints by state, in seconds. Weekend realtime stays at 60 so pollers
// back off without going completely stale across provider reconnects.
func ttlHints(state State) (realtime, analytical int) {
	switch state {
	case StateTrading:
		return 5, 300
	case StatePreMarket, StateAfterHours, StateLunchBreak:
		return 30, 600
	default: // CLOSED, WEEKEND, HOLIDAY
		return 60, 3600
	}
}

func advisoryState(a Advisory) (State, bool) {
	switch a {
	case AdvisoryOpen:
		return StateTrading, true
	case AdvisoryClosed:
		return StateClosed, true
	case AdvisoryPreOpen:
		return StatePreMarket, true
	case AdvisoryPostClose:
		return StateAfterHours, true
	case AdvisoryHoliday:
		return StateHoliday, true
	}
	return "", false
}
