// Package symbols implements bulk provider-specific symbol translation with
// market inference, validation and metrics emission. Mapping data itself is
// owned by the data-mapper collaborator; this package drives it and applies
// the pass-through and failure rules.
package symbols

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quotewire/quotewire/internal/errs"
	"github.com/quotewire/quotewire/internal/metrics"
	"github.com/quotewire/quotewire/internal/model"
)

// Direction selects which way a translation runs.
type Direction string

const (
	ToStandard   Direction = "TO_STANDARD"
	FromStandard Direction = "FROM_STANDARD"
)

// Validation limits.
const (
	MaxBatchSize    = 1000
	MaxSymbolLength = 50
)

var (
	reCN = regexp.MustCompile(`^\d{6}$`)
	reUS = regexp.MustCompile(`^[A-Za-z]+$`)
	reHK = regexp.MustCompile(`(?i).+\.hk$`)
)

// Mapper is the data-mapper collaborator: it resolves symbol translations in
// bulk for one provider. Unknown symbols are simply absent from the result.
type Mapper interface {
	BulkMap(ctx context.Context, provider string, symbols []string, direction Direction) (map[string]string, error)
}

// Metadata summarizes one transform call. TotalSymbols is always
// SuccessCount + FailedCount.
type Metadata struct {
	TotalSymbols int   `json:"totalSymbols"`
	SuccessCount int   `json:"successCount"`
	FailedCount  int   `json:"failedCount"`
	ElapsedMs    int64 `json:"elapsedMs"`
}

// Result is the envelope returned by Transform.
type Result struct {
	Mapped   []string          `json:"mapped"`
	Details  map[string]string `json:"details"`
	Failed   []string          `json:"failed"`
	Metadata Metadata          `json:"metadata"`
}

// ProviderResult is the envelope returned by TransformForProvider.
type ProviderResult struct {
	Symbols        []string `json:"symbols"`
	MappingResults *Result  `json:"mappingResults,omitempty"`
}

// Transformer drives the mapper and enforces the translation contract.
type Transformer struct {
	mapper Mapper
	bus    metrics.Bus
	now    func() time.Time
}

// NewTransformer wires a transformer over the mapper collaborator.
func NewTransformer(mapper Mapper, bus metrics.Bus) *Transformer {
	if bus == nil {
		bus = metrics.NopBus{}
	}
	return &Transformer{mapper: mapper, bus: bus, now: time.Now}
}

// Transform maps symbols in bulk. Validation failures return an error before
// any work; a fatal mapper failure returns an all-failed envelope and emits a
// metric, but never an error.
func (t *Transformer) Transform(ctx context.Context, provider string, syms []string, direction Direction) (*Result, error) {
	if err := validate(provider, syms, direction); err != nil {
		return nil, err
	}

	start := t.now()
	mapping, err := t.mapper.BulkMap(ctx, provider, syms, direction)
	if err != nil {
		log.Warn().Err(err).Str("provider", provider).Int("symbols", len(syms)).Msg("bulk symbol mapping failed")
		t.bus.Emit(metrics.Event{
			Source:      "symbol_transformer",
			MetricType:  "counter",
			MetricName:  metrics.EventSymbolTransformFailed,
			MetricValue: float64(len(syms)),
			Tags:        map[string]string{"provider": provider, "direction": string(direction)},
		})
		return &Result{
			Mapped:  []string{},
			Details: map[string]string{},
			Failed:  append([]string(nil), syms...),
			Metadata: Metadata{
				TotalSymbols: len(syms),
				FailedCount:  len(syms),
				ElapsedMs:    t.now().Sub(start).Milliseconds(),
			},
		}, nil
	}

	res := &Result{
		Mapped:  make([]string, 0, len(syms)),
		Details: make(map[string]string, len(syms)),
		Failed:  []string{},
	}
	for _, s := range syms {
		if out, ok := mapping[s]; ok && out != "" {
			res.Mapped = append(res.Mapped, out)
			res.Details[s] = out
		} else {
			res.Failed = append(res.Failed, s)
		}
	}
	res.Metadata = Metadata{
		TotalSymbols: len(syms),
		SuccessCount: len(res.Mapped),
		FailedCount:  len(res.Failed),
		ElapsedMs:    t.now().Sub(start).Milliseconds(),
	}
	return res, nil
}

// TransformSingle maps one symbol, falling back to the input on mapping gaps.
// Only validation problems produce an error.
func (t *Transformer) TransformSingle(ctx context.Context, provider, symbol string, direction Direction) (string, error) {
	res, err := t.Transform(ctx, provider, []string{symbol}, direction)
	if err != nil {
		return "", err
	}
	if out, ok := res.Details[symbol]; ok {
		return out, nil
	}
	return symbol, nil
}

// TransformForProvider prepares symbols for a provider fetch. Symbols already
// in standard form pass through untouched; the rest go through the bulk path.
func (t *Transformer) TransformForProvider(ctx context.Context, provider string, syms []string) (*ProviderResult, error) {
	if err := validate(provider, syms, FromStandard); err != nil {
		return nil, err
	}

	out := make([]string, 0, len(syms))
	pending := make([]string, 0)
	for _, s := range syms {
		if isStandardForm(s) {
			out = append(out, s)
		} else {
			pending = append(pending, s)
		}
	}

	pr := &ProviderResult{Symbols: out}
	if len(pending) == 0 {
		return pr, nil
	}

	res, err := t.Transform(ctx, provider, pending, FromStandard)
	if err != nil {
		return nil, err
	}
	pr.MappingResults = res
	for _, s := range pending {
		if mapped, ok := res.Details[s]; ok {
			pr.Symbols = append(pr.Symbols, mapped)
		} else {
			// Mapping gap: send the original through rather than drop it.
			pr.Symbols = append(pr.Symbols, s)
		}
	}
	return pr, nil
}

// InferMarket classifies symbols into a single market label, MIXED when the
// inputs disagree, UNKNOWN when nothing matches.
func InferMarket(syms []string) model.Market {
	inferred := model.MarketUnknown
	for _, s := range syms {
		m := inferOne(s)
		if m == model.MarketUnknown {
			continue
		}
		switch inferred {
		case model.MarketUnknown:
			inferred = m
		case m:
		default:
			return model.MarketMixed
		}
	}
	return inferred
}

func inferOne(s string) model.Market {
	switch {
	case reCN.MatchString(s):
		return model.MarketCN
	case reHK.MatchString(s):
		return model.MarketHK
	case reUS.MatchString(s):
		return model.MarketUS
	}
	return model.MarketUnknown
}

func isStandardForm(s string) bool {
	return reCN.MatchString(s) || reUS.MatchString(s) || reHK.MatchString(s)
}

func validate(provider string, syms []string, direction Direction) error {
	if strings.TrimSpace(provider) == "" {
		return errs.New("symbols.transform", errs.KindValidation, errs.WithMessage("provider must not be empty"))
	}
	if direction != ToStandard && direction != FromStandard {
		return errs.New("symbols.transform", errs.KindValidation, errs.WithMessage("unknown direction %q", direction))
	}
	if len(syms) == 0 {
		return errs.New("symbols.transform", errs.KindValidation, errs.WithMessage("symbols must not be empty"))
	}
	if len(syms) > MaxBatchSize {
		return errs.New("symbols.transform", errs.KindValidation,
			errs.WithMessage("batch of %d exceeds limit %d", len(syms), MaxBatchSize))
	}
	for _, s := range syms {
		if s == "" {
			return errs.New("symbols.transform", errs.KindValidation, errs.WithMessage("symbols must not contain empty strings"))
		}
		if len(s) > MaxSymbolLength {
			return errs.New("symbols.transform", errs.KindValidation,
				errs.WithMessage("symbol %q exceeds max length %d", s, MaxSymbolLength))
		}
	}
	return nil
}
