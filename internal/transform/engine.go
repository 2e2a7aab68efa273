package transform

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/quotewire/quotewire/internal/errs"
)

// Engine applies mapping rule lists to raw provider records.
type Engine struct {
	rules RuleProvider
}

// NewEngine wires the engine over the rule collaborator.
func NewEngine(rules RuleProvider) *Engine {
	return &Engine{rules: rules}
}

// BatchOutcome reports a per-record transform run over one batch. Records is
// aligned with the input slice; failed records hold nil.
type BatchOutcome struct {
	Records []map[string]any
	Failed  int
}

// Apply transforms one raw record with the rule list for (provider, apiType,
// capability). A missing required field fails the record; optional gaps are
// skipped.
func (e *Engine) Apply(ctx context.Context, provider, apiType, capability string, raw map[string]any) (map[string]any, error) {
	ruleList := RuleListForCapability(capability)
	rules, err := e.rules.Rules(ctx, provider, apiType, ruleList)
	if err != nil {
		return nil, errs.New("transform.apply", errs.KindTransformFailure,
			errs.WithMessage("rule lookup failed for %s/%s/%s", provider, apiType, ruleList), errs.WithCause(err))
	}
	return applyRules(rules, raw)
}

// ApplyBatch transforms each record independently; failures are counted and
// logged, never fatal for the batch.
func (e *Engine) ApplyBatch(ctx context.Context, provider, apiType, capability string, raws []map[string]any) (*BatchOutcome, error) {
	ruleList := RuleListForCapability(capability)
	rules, err := e.rules.Rules(ctx, provider, apiType, ruleList)
	if err != nil {
		return nil, errs.New("transform.applyBatch", errs.KindTransformFailure,
			errs.WithMessage("rule lookup failed for %s/%s/%s", provider, apiType, ruleList), errs.WithCause(err))
	}

	out := &BatchOutcome{Records: make([]map[string]any, len(raws))}
	for i, raw := range raws {
		rec, err := applyRules(rules, raw)
		if err != nil {
			out.Failed++
			log.Debug().Err(err).Str("provider", provider).Str("capability", capability).Msg("record transform failed")
			continue
		}
		out.Records[i] = rec
	}
	return out, nil
}

func applyRules(rules []FieldMapping, raw map[string]any) (map[string]any, error) {
	if raw == nil {
		return nil, errs.New("transform.record", errs.KindTransformFailure, errs.WithMessage("nil record"))
	}
	out := make(map[string]any, len(rules))
	for _, rule := range rules {
		if !rule.Active {
			continue
		}
		v, ok := lookupPath(raw, rule.SourceFieldPath)
		if !ok {
			for _, fb := range rule.FallbackPaths {
				if v, ok = lookupPath(raw, fb); ok {
					break
				}
			}
		}
		if !ok {
			if rule.Required {
				return nil, errs.New("transform.record", errs.KindTransformFailure,
					errs.WithMessage("required field %s missing (source %s)", rule.TargetField, rule.SourceFieldPath))
			}
			continue
		}
		out[rule.TargetField] = applyValueTransform(v, rule.Transform)
	}
	return out, nil
}
