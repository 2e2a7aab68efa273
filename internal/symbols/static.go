package symbols

import (
	"context"
	"strings"
)

// RuleMapper is the built-in Mapper: case and suffix normalization plus an
// optional per-provider alias table. It never fails; symbols it cannot place
// are absent from the result, per the Mapper contract.
type RuleMapper struct {
	// aliases maps provider -> input symbol -> output symbol, consulted
	// before the normalization rules.
	aliases map[string]map[string]string
}

// NewRuleMapper builds a mapper over an optional alias table.
func NewRuleMapper(aliases map[string]map[string]string) *RuleMapper {
	return &RuleMapper{aliases: aliases}
}

func (m *RuleMapper) BulkMap(_ context.Context, provider string, syms []string, direction Direction) (map[string]string, error) {
	out := make(map[string]string, len(syms))
	table := m.aliases[provider]
	for _, s := range syms {
		if mapped, ok := table[s]; ok {
			out[s] = mapped
			continue
		}
		if mapped, ok := normalize(s, direction); ok {
			out[s] = mapped
		}
	}
	return out, nil
}

// normalize applies the standard-form rules: HK suffixes upper-cased with
// leading zeros trimmed, US tickers upper-cased, CN six-digit codes kept
// as-is. FROM_STANDARD is the identity for these providers; their wire
// format matches the standard form.
func normalize(s string, direction Direction) (string, bool) {
	if direction == FromStandard {
		if isStandardForm(s) {
			return s, true
		}
		return "", false
	}

	switch {
	case reHK.MatchString(s):
		base := strings.TrimSuffix(strings.TrimSuffix(s, ".hk"), ".HK")
		base = strings.TrimLeft(base, "0")
		if base == "" {
			return "", false
		}
		return base + ".HK", true
	case reUS.MatchString(s):
		return strings.ToUpper(s), true
	case reCN.MatchString(s):
		return s, true
	}
	return "", false
}
