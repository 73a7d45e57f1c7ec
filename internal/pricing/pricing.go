// Package pricing derives deterministic bid/ask quotes and fill prices from candles.
package pricing

import (
	"github.com/shopspring/decimal"

	"paper_trader/internal/core"
)

// Quote is a synthetic top-of-book derived from one candle open.
type Quote struct {
	Symbol string
	TS     core.Candle
	Mid    decimal.Decimal
	Bid    decimal.Decimal
	Ask    decimal.Decimal
}

// Engine converts candles to quotes using a fixed spread/slippage model.
type Engine struct {
	spreadPips   decimal.Decimal
	slippagePips decimal.Decimal
	pipSize      decimal.Decimal
}

// NewEngine builds a pricing engine from pip-denominated spread and slippage.
func NewEngine(spreadPips, slippagePips, pipSize float64) *Engine {
	return &Engine{
		spreadPips:   decimal.NewFromFloat(spreadPips),
		slippagePips: decimal.NewFromFloat(slippagePips),
		pipSize:      decimal.NewFromFloat(pipSize),
	}
}

// SpreadAmount is the full bid/ask spread in price units.
func (e *Engine) SpreadAmount() decimal.Decimal {
	return e.spreadPips.Mul(e.pipSize)
}

// SlippageAmount is the per-fill slippage in price units.
func (e *Engine) SlippageAmount() decimal.Decimal {
	return e.slippagePips.Mul(e.pipSize)
}

// QuoteFromCandle derives the synthetic quote at the candle open.
// mid is the open; bid and ask sit half a spread either side.
func (e *Engine) QuoteFromCandle(c core.Candle) Quote {
	mid := c.Open
	half := e.SpreadAmount().Div(decimal.NewFromInt(2))
	return Quote{
		Symbol: c.Symbol,
		TS:     c,
		Mid:    mid,
		Bid:    mid.Sub(half),
		Ask:    mid.Add(half),
	}
}

// FillPrice is the executable price for a side: BUY lifts the ask plus
// slippage, SELL hits the bid minus slippage. Slippage always worsens the fill.
func (e *Engine) FillPrice(q Quote, side core.Side) decimal.Decimal {
	slip := e.SlippageAmount()
	if side == core.SideBuy {
		return q.Ask.Add(slip)
	}
	return q.Bid.Sub(slip)
}

// MarkPrice is the close-out price for an open position: longs mark on the
// bid, shorts on the ask.
func (e *Engine) MarkPrice(q Quote, netQty decimal.Decimal) decimal.Decimal {
	if netQty.IsNegative() {
		return q.Ask
	}
	return q.Bid
}
