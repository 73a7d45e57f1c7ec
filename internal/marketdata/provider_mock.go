package marketdata

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"

	"paper_trader/internal/core"
)

// Base prices for the synthetic generator. Unknown symbols fall back to 1.0.
var mockBasePrices = map[string]float64{
	"EURUSD": 1.08,
	"GBPUSD": 1.27,
	"USDJPY": 149.50,
	"AUDUSD": 0.66,
}

// MockProvider generates deterministic synthetic candles: the same
// (symbol, timeframe, open_time) always yields the same bar.
type MockProvider struct{}

// NewMockProvider returns the synthetic candle generator.
func NewMockProvider() *MockProvider {
	return &MockProvider{}
}

func (p *MockProvider) Name() string { return ProviderMock }

// FetchCandles generates one candle per timeframe slot in [start, end].
func (p *MockProvider) FetchCandles(ctx context.Context, symbol string, tf core.Timeframe, start, end time.Time) ([]core.Candle, error) {
	from := tf.Align(start)
	to := tf.Align(end)

	var out []core.Candle
	for slot := from; !slot.After(to); slot = slot.Add(tf.Duration()) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		out = append(out, p.candleAt(symbol, tf, slot))
	}
	return out, nil
}

// candleAt derives the bar from an FNV-64 hash of the slot identity.
func (p *MockProvider) candleAt(symbol string, tf core.Timeframe, openTime time.Time) core.Candle {
	key := fmt.Sprintf("%s:%s:%s", symbol, tf, openTime.UTC().Format(time.RFC3339))
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	rng := rand.New(rand.NewSource(int64(h.Sum64())))

	base, ok := mockBasePrices[symbol]
	if !ok {
		base = 1.0
	}

	open := base + (rng.Float64()-0.5)*0.004*base
	close := open + (rng.Float64()-0.5)*0.001*base
	high := maxF(open, close) + rng.Float64()*0.0005*base
	low := minF(open, close) - rng.Float64()*0.0005*base
	volume := 1000 + rng.Float64()*9000

	return core.Candle{
		Symbol:     symbol,
		Timeframe:  tf,
		OpenTime:   openTime.UTC(),
		Open:       decimal.NewFromFloat(open).Round(5),
		High:       decimal.NewFromFloat(high).Round(5),
		Low:        decimal.NewFromFloat(low).Round(5),
		Close:      decimal.NewFromFloat(close).Round(5),
		Volume:     decimal.NewFromFloat(volume).Round(2),
		Source:     ProviderMock,
		IngestedAt: openTime.UTC(),
	}
}

func maxF(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
