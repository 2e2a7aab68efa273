package symbols

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quotewire/quotewire/internal/errs"
	"github.com/quotewire/quotewire/internal/model"
)

type mapperFunc func(ctx context.Context, provider string, symbols []string, direction Direction) (map[string]string, error)

func (f mapperFunc) BulkMap(ctx context.Context, provider string, symbols []string, direction Direction) (map[string]string, error) {
	return f(ctx, provider, symbols, direction)
}

func staticMapper(m map[string]string) Mapper {
	return mapperFunc(func(_ context.Context, _ string, _ []string, _ Direction) (map[string]string, error) {
		return m, nil
	})
}

func failingMapper(err error) Mapper {
	return mapperFunc(func(_ context.Context, _ string, _ []string, _ Direction) (map[string]string, error) {
		return nil, err
	})
}

func TestTransform_MapsAndReportsGaps(t *testing.T) {
	tr := NewTransformer(staticMapper(map[string]string{"700.HK": "00700"}), nil)

	res, err := tr.Transform(context.Background(), "longport", []string{"700.HK", "MISSING"}, FromStandard)
	require.NoError(t, err)

	assert.Equal(t, []string{"00700"}, res.Mapped)
	assert.Equal(t, map[string]string{"700.HK": "00700"}, res.Details)
	assert.Equal(t, []string{"MISSING"}, res.Failed)
	assert.Equal(t, 2, res.Metadata.TotalSymbols)
	assert.Equal(t, 1, res.Metadata.SuccessCount)
	assert.Equal(t, 1, res.Metadata.FailedCount)
}

func TestTransform_MetadataTotalsAlwaysBalance(t *testing.T) {
	tr := NewTransformer(staticMapper(map[string]string{"A": "a", "B": "b"}), nil)

	res, err := tr.Transform(context.Background(), "longport", []string{"A", "B", "C", "D"}, FromStandard)
	require.NoError(t, err)
	assert.Equal(t, res.Metadata.TotalSymbols, res.Metadata.SuccessCount+res.Metadata.FailedCount)
}

func TestTransform_FatalMapperFailureNeverThrows(t *testing.T) {
	tr := NewTransformer(failingMapper(errors.New("mapping service down")), nil)

	res, err := tr.Transform(context.Background(), "longport", []string{"700.HK", "AAPL"}, FromStandard)
	require.NoError(t, err)

	assert.Empty(t, res.Mapped)
	assert.Empty(t, res.Details)
	assert.Equal(t, []string{"700.HK", "AAPL"}, res.Failed)
	assert.Equal(t, 0, res.Metadata.SuccessCount)
	assert.Equal(t, 2, res.Metadata.FailedCount)
}

func TestTransform_Validation(t *testing.T) {
	tr := NewTransformer(staticMapper(nil), nil)
	ctx := context.Background()

	long := make([]byte, MaxSymbolLength+1)
	for i := range long {
		long[i] = 'A'
	}
	big := make([]string, MaxBatchSize+1)
	for i := range big {
		big[i] = "AAPL"
	}

	tests := []struct {
		name     string
		provider string
		symbols  []string
		dir      Direction
	}{
		{"empty provider", "", []string{"AAPL"}, FromStandard},
		{"bad direction", "longport", []string{"AAPL"}, Direction("SIDEWAYS")},
		{"empty symbols", "longport", nil, FromStandard},
		{"empty symbol element", "longport", []string{"AAPL", ""}, FromStandard},
		{"oversized symbol", "longport", []string{string(long)}, FromStandard},
		{"oversized batch", "longport", big, FromStandard},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tr.Transform(ctx, tt.provider, tt.symbols, tt.dir)
			require.Error(t, err)
			assert.True(t, errs.IsKind(err, errs.KindValidation))
		})
	}
}

func TestTransformSingle_FallsBackToInput(t *testing.T) {
	tr := NewTransformer(staticMapper(map[string]string{"700.HK": "00700"}), nil)

	out, err := tr.TransformSingle(context.Background(), "longport", "700.HK", FromStandard)
	require.NoError(t, err)
	assert.Equal(t, "00700", out)

	out, err = tr.TransformSingle(context.Background(), "longport", "UNMAPPED", FromStandard)
	require.NoError(t, err)
	assert.Equal(t, "UNMAPPED", out)
}

func TestTransformForProvider_StandardFormPassesThrough(t *testing.T) {
	calls := 0
	tr := NewTransformer(mapperFunc(func(_ context.Context, _ string, syms []string, _ Direction) (map[string]string, error) {
		calls++
		out := make(map[string]string, len(syms))
		for _, s := range syms {
			out[s] = "mapped:" + s
		}
		return out, nil
	}), nil)

	res, err := tr.TransformForProvider(context.Background(), "longport", []string{"700.HK", "AAPL", "600519"})
	require.NoError(t, err)
	assert.Equal(t, []string{"700.HK", "AAPL", "600519"}, res.Symbols)
	assert.Zero(t, calls, "standard-form symbols must not hit the mapper")

	res, err = tr.TransformForProvider(context.Background(), "longport", []string{"AAPL", "BRK-B"})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, []string{"AAPL", "mapped:BRK-B"}, res.Symbols)
	require.NotNil(t, res.MappingResults)
	assert.Equal(t, 1, res.MappingResults.Metadata.SuccessCount)
}

func TestInferMarket(t *testing.T) {
	tests := []struct {
		name    string
		symbols []string
		want    model.Market
	}{
		{"mixed hk and us", []string{"700.HK", "AAPL"}, model.MarketMixed},
		{"all us", []string{"AAPL", "MSFT"}, model.MarketUS},
		{"all hk case-insensitive", []string{"700.HK", "9988.hk"}, model.MarketHK},
		{"all cn", []string{"600519", "000001"}, model.MarketCN},
		{"unknown", []string{"***", "!!"}, model.MarketUnknown},
		{"unknown ignored next to known", []string{"AAPL", "***"}, model.MarketUS},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, InferMarket(tt.symbols))
		})
	}
}
