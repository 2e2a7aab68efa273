package transform

import (
	"context"
	"fmt"
)

// StaticRules is an in-memory RuleProvider. Lookup tries the exact
// (provider, apiType, ruleList) entry first, then the provider-agnostic
// wildcard for the same list.
type StaticRules struct {
	rules map[string][]FieldMapping
}

// NewStaticRules builds a provider over a rule table keyed
// "provider/apiType/ruleList". Use "*" for provider or apiType wildcards.
func NewStaticRules(rules map[string][]FieldMapping) *StaticRules {
	return &StaticRules{rules: rules}
}

func (s *StaticRules) Rules(_ context.Context, provider, apiType, ruleListType string) ([]FieldMapping, error) {
	for _, key := range []string{
		fmt.Sprintf("%s/%s/%s", provider, apiType, ruleListType),
		fmt.Sprintf("%s/*/%s", provider, ruleListType),
		fmt.Sprintf("*/*/%s", ruleListType),
	} {
		if rules, ok := s.rules[key]; ok {
			return rules, nil
		}
	}
	return nil, fmt.Errorf("no rule list %s for provider %s api %s", ruleListType, provider, apiType)
}

// DefaultRules returns the built-in provider-agnostic mapping tables. They
// cover the common quote envelope shapes; provider-specific overrides layer
// on top via exact keys.
func DefaultRules() *StaticRules {
	active := func(src, dst string, required bool, fallbacks ...string) FieldMapping {
		return FieldMapping{
			SourceFieldPath: src, TargetField: dst, Required: required,
			FallbackPaths: fallbacks, Confidence: 1, Active: true,
		}
	}
	return NewStaticRules(map[string][]FieldMapping{
		"*/*/" + RulesQuoteFields: {
			active("symbol", "symbol", false, "code", "ticker"),
			active("last_done", "lastPrice", true, "lastPrice", "last", "price", "close"),
			active("open", "open", false),
			active("high", "high", false),
			active("low", "low", false),
			active("prev_close", "prevClose", false, "prevClose", "pre_close"),
			active("volume", "volume", false, "vol"),
			active("turnover", "turnover", false, "amount"),
			active("timestamp", "timestamp", false, "ts", "time"),
		},
		"*/*/" + RulesBasicInfoFields: {
			active("symbol", "symbol", false, "code"),
			active("name_en", "name", true, "name", "name_cn"),
			active("exchange", "exchange", false),
			active("currency", "currency", false),
			active("lot_size", "lotSize", false, "lotSize"),
			active("total_shares", "totalShares", false),
		},
		"*/*/" + RulesIndexFields: {
			active("symbol", "symbol", false, "code"),
			active("last_done", "lastPrice", true, "last", "value"),
			active("prev_close", "prevClose", false, "pre_close"),
			active("change", "change", false),
			active("change_rate", "changeRate", false, "change_pct"),
		},
		"*/*/" + RulesMarketStatusFields: {
			active("market", "market", true),
			active("status", "status", true, "trade_status"),
			active("timezone", "timezone", false),
		},
	})
}
