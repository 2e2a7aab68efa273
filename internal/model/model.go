// Package model holds the contracts shared across QuoteWire components:
// market labels, cache strategies, quote events and response envelopes.
package model

import "time"

// Market labels the venue a symbol trades on. CN is a meta label covering
// the SH and SZ exchanges when callers do not care which one.
type Market string

const (
	MarketUS      Market = "US"
	MarketHK      Market = "HK"
	MarketSH      Market = "SH"
	MarketSZ      Market = "SZ"
	MarketSG      Market = "SG"
	MarketCN      Market = "CN"
	MarketMixed   Market = "MIXED"
	MarketUnknown Market = "UNKNOWN"
)

// Strategy selects the cache behaviour for a request.
type Strategy string

const (
	StrategyStrongTimeliness Strategy = "STRONG_TIMELINESS"
	StrategyWeakTimeliness   Strategy = "WEAK_TIMELINESS"
	StrategyMarketAware      Strategy = "MARKET_AWARE"
	StrategyNoCache          Strategy = "NO_CACHE"
	StrategyAdaptive         Strategy = "ADAPTIVE"
)

// Valid reports whether s is a known cache strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyStrongTimeliness, StrategyWeakTimeliness, StrategyMarketAware, StrategyNoCache, StrategyAdaptive:
		return true
	}
	return false
}

// TTLMode selects which market-derived TTL a caller wants.
type TTLMode string

const (
	TTLRealtime   TTLMode = "REALTIME"
	TTLAnalytical TTLMode = "ANALYTICAL"
)

// QuoteEvent is one raw streamed update entering the batching pipeline.
// ArrivedAt is monotonic per provider connection.
type QuoteEvent struct {
	Raw        map[string]any `json:"raw"`
	Provider   string         `json:"provider"`
	Capability string         `json:"capability"`
	ArrivedAt  time.Time      `json:"arrived_at"`
	Symbols    []string       `json:"symbols"`
}

// ResponseMetadata annotates a successful REST response.
type ResponseMetadata struct {
	Provider           string `json:"provider"`
	Capability         string `json:"capability"`
	RequestID          string `json:"requestId"`
	ProcessingTimeMs   int64  `json:"processingTime"`
	HasPartialFailures bool   `json:"hasPartialFailures"`
}

// Response is the REST envelope returned to callers.
type Response struct {
	Data     []map[string]any `json:"data"`
	Metadata ResponseMetadata `json:"metadata"`
}

// DataRequest is the single-shot REST request shape after decoding.
type DataRequest struct {
	Symbols      []string       `json:"symbols"`
	ReceiverType string         `json:"receiverType"`
	Options      RequestOptions `json:"options"`
}

// RequestOptions carries per-request tuning knobs.
type RequestOptions struct {
	TimeoutMs         int      `json:"timeout,omitempty"`
	Fields            []string `json:"fields,omitempty"`
	PreferredProvider string   `json:"preferredProvider,omitempty"`
	Realtime          bool     `json:"realtime,omitempty"`
	UseSmartCache     *bool    `json:"useSmartCache,omitempty"`
	CacheStrategy     Strategy `json:"cacheStrategy,omitempty"`
}

// ValidationResult is the outcome of an explicit request validator.
// Warnings never fail a request.
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}
