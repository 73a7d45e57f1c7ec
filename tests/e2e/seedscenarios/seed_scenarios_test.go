package seedscenarios

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paper_trader/internal/core"
	"paper_trader/internal/oms"
	"paper_trader/internal/risk"
	"paper_trader/internal/store"
)

func TestDeterministicFillPricing(t *testing.T) {
	stack := newDefaultStack(t)

	quote := stack.Pricing.QuoteFromCandle(candleAt(t0, 1.10000))
	assert.True(t, quote.Bid.Equal(decimal.NewFromFloat(1.09995)), "bid %s", quote.Bid)
	assert.True(t, quote.Ask.Equal(decimal.NewFromFloat(1.10005)), "ask %s", quote.Ask)

	buy := stack.Pricing.FillPrice(quote, core.SideBuy)
	sell := stack.Pricing.FillPrice(quote, core.SideSell)
	assert.True(t, buy.Equal(decimal.NewFromFloat(1.10010)), "buy %s", buy)
	assert.True(t, sell.Equal(decimal.NewFromFloat(1.09990)), "sell %s", sell)
}

func TestNextOpenRule(t *testing.T) {
	stack := newDefaultStack(t)
	ctx := context.Background()
	t1 := t0.Add(5 * time.Minute)
	seedCandles(t, stack.Store, candleAt(t0, 1.10), candleAt(t1, 1.101))

	require.NoError(t, stack.Store.InTx(ctx, func(tx *store.Tx) error {
		return tx.InsertOrder(ctx, &core.Order{
			TS: t0, Symbol: "EURUSD", Side: core.SideBuy, Type: "MARKET",
			Qty: decimal.NewFromInt(1), Status: core.OrderNew,
		})
	}))

	// The order's own candle never fills it.
	fills, err := stack.Execution.ProcessNewOrdersForCandle(ctx, "EURUSD", core.TimeframeM5, t0)
	require.NoError(t, err)
	assert.Empty(t, fills)

	fills, err = stack.Execution.ProcessNewOrdersForCandle(ctx, "EURUSD", core.TimeframeM5, t1)
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.Equal(t, t1, fills[0].TS)
}

func TestNettingAndRealizedPnL(t *testing.T) {
	stack := newStack(t, filepath.Join(t.TempDir(), "e2e.db"), stackOptions{
		spreadPips: 0, slippagePips: 0, limits: defaultLimits(),
	})
	ctx := context.Background()

	tPre := t0.Add(-5 * time.Minute)
	t1 := t0.Add(5 * time.Minute)
	t2 := t0.Add(10 * time.Minute)
	candleA := candleAt(t0, 1.1000)
	candleB := candleAt(t1, 1.1010)
	candleC := candleAt(t2, 1.1020)
	seedCandles(t, stack.Store, candleA, candleB, candleC)

	insertOrder := func(ts time.Time, side core.Side, qty int64) {
		require.NoError(t, stack.Store.InTx(ctx, func(tx *store.Tx) error {
			return tx.InsertOrder(ctx, &core.Order{
				TS: ts, Symbol: "EURUSD", Side: side, Type: "MARKET",
				Qty: decimal.NewFromInt(qty), Status: core.OrderNew,
			})
		}))
	}

	// BUY 2 fills at candle A's open 1.1000.
	insertOrder(tPre, core.SideBuy, 2)
	_, err := stack.Execution.ProcessNewOrdersForCandle(ctx, "EURUSD", core.TimeframeM5, t0)
	require.NoError(t, err)
	_, err = stack.Accounting.ProcessAccountingForCandle(ctx, stack.AccountID, t0, candleA)
	require.NoError(t, err)

	// SELL 1 fills at candle B's open 1.1010.
	insertOrder(t0, core.SideSell, 1)
	_, err = stack.Execution.ProcessNewOrdersForCandle(ctx, "EURUSD", core.TimeframeM5, t1)
	require.NoError(t, err)
	snap, err := stack.Accounting.ProcessAccountingForCandle(ctx, stack.AccountID, t1, candleB)
	require.NoError(t, err)

	pos, err := stack.Store.GetPosition(ctx, stack.AccountID, "EURUSD")
	require.NoError(t, err)
	assert.True(t, pos.NetQty.Equal(decimal.NewFromInt(1)), "net %s", pos.NetQty)
	assert.True(t, pos.AvgEntryPrice.Equal(decimal.NewFromFloat(1.1000)), "avg %s", pos.AvgEntryPrice)
	assert.True(t, pos.RealizedPnL.Equal(decimal.NewFromFloat(0.0010)), "realized %s", pos.RealizedPnL)
	assert.True(t, snap.Balance.Equal(decimal.NewFromFloat(10000.0010)), "balance %s", snap.Balance)

	// MTM at candle C's open 1.1020.
	snap, err = stack.Accounting.ProcessAccountingForCandle(ctx, stack.AccountID, t2, candleC)
	require.NoError(t, err)
	assert.True(t, snap.UnrealizedPnL.Equal(decimal.NewFromFloat(0.0020)), "upnl %s", snap.UnrealizedPnL)
	assert.True(t, snap.Equity.Equal(snap.Balance.Add(decimal.NewFromFloat(0.0020))), "equity %s", snap.Equity)
}

func TestRiskRejectionPerSymbolCap(t *testing.T) {
	stack := newDefaultStack(t)
	ctx := context.Background()
	seedCandles(t, stack.Store, candleAt(t0, 1.10))

	require.NoError(t, stack.Store.UpsertPosition(ctx, &core.Position{
		AccountID: stack.AccountID, Symbol: "EURUSD",
		NetQty: decimal.NewFromInt(1), AvgEntryPrice: decimal.NewFromFloat(1.10),
		UpdatedOpenTime: t0, RealizedPnL: decimal.Zero,
	}))

	res, err := stack.OMS.Place(ctx, oms.PlaceRequest{
		Symbol: "EURUSD", Side: core.SideBuy, Qty: decimal.NewFromInt(1),
	})
	require.NoError(t, err)
	assert.Equal(t, core.OrderRejected, res.Order.Status)
	assert.Equal(t, "max_open_positions_per_symbol", res.Order.Reason)

	fills, err := stack.Store.ListFills(ctx, "EURUSD", 0)
	require.NoError(t, err)
	assert.Empty(t, fills)

	pos, err := stack.Store.GetPosition(ctx, stack.AccountID, "EURUSD")
	require.NoError(t, err)
	assert.True(t, pos.NetQty.Equal(decimal.NewFromInt(1)))
}

func TestIdempotentCycle(t *testing.T) {
	stack := newDefaultStack(t)
	ctx := context.Background()
	candles := seedTrend(t, stack.Store, 40)

	// Find the candle whose window emits a BUY.
	var buyTS time.Time
	for _, c := range candles {
		intent, err := stack.Strategies.Evaluate(ctx, "", "EURUSD", core.TimeframeM5, c.OpenTime)
		require.NoError(t, err)
		if intent.Action == core.ActionBuy {
			buyTS = c.OpenTime
			break
		}
	}
	require.False(t, buyTS.IsZero(), "no BUY signal in the seeded trend")

	first, err := stack.Service.RunCycle(ctx, "EURUSD", core.TimeframeM5, buyTS, core.RunModeExecute)
	require.NoError(t, err)
	assert.Equal(t, core.RunOK, first.Status)

	second, err := stack.Service.RunCycle(ctx, "EURUSD", core.TimeframeM5, buyTS, core.RunModeExecute)
	require.NoError(t, err)
	assert.Equal(t, first.RunID, second.RunID)

	orders, err := stack.Store.ListOrders(ctx, store.OrderFilter{Symbol: "EURUSD"})
	require.NoError(t, err)
	assert.Len(t, orders, 1)

	reports, err := stack.Store.ListRunReports(ctx, "EURUSD", 0)
	require.NoError(t, err)
	assert.Len(t, reports, 1)
}

func TestRestartRecovery(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "e2e.db")
	ctx := context.Background()

	first := newStack(t, dbPath, stackOptions{spreadPips: 1.0, slippagePips: 0.5, limits: defaultLimits()})
	seedCandles(t, first.Store, candleAt(t0, 1.10))
	require.NoError(t, first.Store.InTx(ctx, func(tx *store.Tx) error {
		return tx.InsertOrder(ctx, &core.Order{
			TS: t0, Symbol: "EURUSD", Side: core.SideBuy, Type: "MARKET",
			Qty: decimal.NewFromInt(1), Status: core.OrderNew,
		})
	}))
	require.NoError(t, first.Store.Close())

	second := newStack(t, dbPath, stackOptions{spreadPips: 1.0, slippagePips: 0.5, limits: defaultLimits()})
	t1 := t0.Add(5 * time.Minute)
	seedCandles(t, second.Store, candleAt(t1, 1.101))

	_, err := second.Service.RunCycle(ctx, "EURUSD", core.TimeframeM5, t1, core.RunModeExecute)
	require.NoError(t, err)

	fills, err := second.Store.ListFills(ctx, "EURUSD", 0)
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.Equal(t, t1, fills[0].TS)

	// Rerunning the cycle must not fill again.
	_, err = second.Service.RunCycle(ctx, "EURUSD", core.TimeframeM5, t1, core.RunModeExecute)
	require.NoError(t, err)
	fills, err = second.Store.ListFills(ctx, "EURUSD", 0)
	require.NoError(t, err)
	assert.Len(t, fills, 1)
}

func TestRiskCheckIsPure(t *testing.T) {
	stack := newDefaultStack(t)
	ctx := context.Background()
	seedCandles(t, stack.Store, candleAt(t0, 1.10))

	res, err := stack.Risk.Check(ctx, &stack.Store.Queries, stack.AccountID, risk.CheckRequest{
		Symbol: "EURUSD", Side: core.SideBuy, RequestedQty: decimal.NewFromInt(1),
	}, candleAt(t0, 1.10))
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	orders, err := stack.Store.ListOrders(ctx, store.OrderFilter{})
	require.NoError(t, err)
	assert.Empty(t, orders)
}
