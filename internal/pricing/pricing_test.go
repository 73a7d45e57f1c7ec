package pricing

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"paper_trader/internal/core"
)

func candleWithOpen(open float64) core.Candle {
	o := decimal.NewFromFloat(open)
	return core.Candle{
		Symbol:    "EURUSD",
		Timeframe: core.TimeframeM5,
		OpenTime:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Open:      o,
		High:      o.Add(decimal.NewFromFloat(0.001)),
		Low:       o.Sub(decimal.NewFromFloat(0.001)),
		Close:     o,
		Volume:    decimal.NewFromInt(1000),
	}
}

func TestDeterministicFillPricing(t *testing.T) {
	e := NewEngine(1.0, 0.5, 0.00010)
	q := e.QuoteFromCandle(candleWithOpen(1.10000))

	assert.True(t, q.Bid.Equal(decimal.NewFromFloat(1.09995)), "bid=%s", q.Bid)
	assert.True(t, q.Ask.Equal(decimal.NewFromFloat(1.10005)), "ask=%s", q.Ask)
	assert.True(t, e.FillPrice(q, core.SideBuy).Equal(decimal.NewFromFloat(1.10010)))
	assert.True(t, e.FillPrice(q, core.SideSell).Equal(decimal.NewFromFloat(1.09990)))
}

func TestFillPriceAlwaysWorsensTheSide(t *testing.T) {
	e := NewEngine(1.0, 0.5, 0.00010)
	q := e.QuoteFromCandle(candleWithOpen(1.10000))

	assert.True(t, e.FillPrice(q, core.SideBuy).GreaterThan(q.Mid))
	assert.True(t, e.FillPrice(q, core.SideSell).LessThan(q.Mid))
}

func TestMarkPriceBySide(t *testing.T) {
	e := NewEngine(1.0, 0.5, 0.00010)
	q := e.QuoteFromCandle(candleWithOpen(1.10000))

	long := e.MarkPrice(q, decimal.NewFromInt(2))
	short := e.MarkPrice(q, decimal.NewFromInt(-2))
	assert.True(t, long.Equal(q.Bid))
	assert.True(t, short.Equal(q.Ask))
}

func TestZeroSpreadAndSlippage(t *testing.T) {
	e := NewEngine(0, 0, 0.00010)
	q := e.QuoteFromCandle(candleWithOpen(1.10000))

	assert.True(t, q.Bid.Equal(q.Ask))
	assert.True(t, e.FillPrice(q, core.SideBuy).Equal(q.Mid))
	assert.True(t, e.FillPrice(q, core.SideSell).Equal(q.Mid))
}
