// Package transform applies per-provider field-mapping rules to raw provider
// payloads, producing normalized records. Rule lists are owned by the data
// mapper collaborator and consumed read-only here.
package transform

import (
	"context"
	"fmt"
	"strings"
)

// TransformType enumerates the value transforms a mapping rule may request.
type TransformType string

const (
	TransformMultiply TransformType = "multiply"
	TransformDivide   TransformType = "divide"
	TransformAdd      TransformType = "add"
	TransformSubtract TransformType = "subtract"
	TransformFormat   TransformType = "format"
	TransformCustom   TransformType = "custom"
	TransformNone     TransformType = "none"
)

// ValueTransform is the optional per-field value adjustment.
type ValueTransform struct {
	Type  TransformType `json:"type"`
	Value any           `json:"value,omitempty"`
}

// FieldMapping binds one source path to one target field.
type FieldMapping struct {
	SourceFieldPath string          `json:"sourceFieldPath"`
	TargetField     string          `json:"targetField"`
	Transform       *ValueTransform `json:"transform,omitempty"`
	FallbackPaths   []string        `json:"fallbackPaths,omitempty"`
	Confidence      float64         `json:"confidence"`
	Required        bool            `json:"required"`
	Active          bool            `json:"active"`
}

// RuleProvider resolves the active rule list for (provider, apiType, ruleListType).
type RuleProvider interface {
	Rules(ctx context.Context, provider, apiType, ruleListType string) ([]FieldMapping, error)
}

// Rule list types and the capability table selecting them.
const (
	RulesQuoteFields        = "quote_fields"
	RulesBasicInfoFields    = "basic_info_fields"
	RulesIndexFields        = "index_fields"
	RulesMarketStatusFields = "market_status_fields"
)

// Storage classifications for persisted payloads.
const (
	ClassStockQuote     = "STOCK_QUOTE"
	ClassStockCandle    = "STOCK_CANDLE"
	ClassStockBasicInfo = "STOCK_BASIC_INFO"
	ClassIndexQuote     = "INDEX_QUOTE"
	ClassMarketStatus   = "MARKET_STATUS"
)

// RuleListForCapability maps a capability name to its rule list type.
func RuleListForCapability(capability string) string {
	switch capability {
	case "get-stock-quote", "get-stock-realtime", "stream-stock-quote", "get-stock-history":
		return RulesQuoteFields
	case "get-stock-basic-info", "stream-stock-basic-info":
		return RulesBasicInfoFields
	case "get-index-quote":
		return RulesIndexFields
	case "get-market-status":
		return RulesMarketStatusFields
	default:
		return RulesQuoteFields
	}
}

// ClassificationForCapability maps a capability to its storage classification.
func ClassificationForCapability(capability string) string {
	switch capability {
	case "get-stock-history":
		return ClassStockCandle
	case "get-stock-basic-info", "stream-stock-basic-info":
		return ClassStockBasicInfo
	case "get-index-quote":
		return ClassIndexQuote
	case "get-market-status":
		return ClassMarketStatus
	default:
		return ClassStockQuote
	}
}

// lookupPath resolves a dot path ("quote.last_done") inside a nested record.
func lookupPath(raw map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	cur := any(raw)
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		var f float64
		if _, err := fmt.Sscanf(n, "%g", &f); err == nil {
			return f, true
		}
	}
	return 0, false
}

// applyValueTransform adjusts a resolved value. Non-numeric inputs to numeric
// transforms pass through unchanged rather than failing the record.
func applyValueTransform(v any, tr *ValueTransform) any {
	if tr == nil || tr.Type == TransformNone || tr.Type == "" {
		return v
	}
	switch tr.Type {
	case TransformMultiply, TransformDivide, TransformAdd, TransformSubtract:
		f, ok := toFloat(v)
		if !ok {
			return v
		}
		operand, ok := toFloat(tr.Value)
		if !ok {
			return v
		}
		switch tr.Type {
		case TransformMultiply:
			return f * operand
		case TransformDivide:
			if operand == 0 {
				return v
			}
			return f / operand
		case TransformAdd:
			return f + operand
		default:
			return f - operand
		}
	case TransformFormat:
		format, ok := tr.Value.(string)
		if !ok || format == "" {
			return v
		}
		return fmt.Sprintf(format, v)
	case TransformCustom:
		// Custom transforms are resolved by the mapper collaborator before the
		// rule reaches us; an unresolved one passes the value through.
		return v
	}
	return v
}
