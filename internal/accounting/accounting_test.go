package accounting

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paper_trader/internal/core"
	"paper_trader/internal/pricing"
	"paper_trader/internal/store"
	"paper_trader/pkg/logging"
)

var (
	t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 = t0.Add(5 * time.Minute)
	t2 = t0.Add(10 * time.Minute)
)

func setup(t *testing.T) (*Engine, *store.Store, int64) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"), logging.GetGlobalLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	acct, err := s.EnsureAccount(context.Background(), "USD",
		decimal.NewFromInt(30), decimal.NewFromInt(10000), t0)
	require.NoError(t, err)

	// Zero spread/slippage keeps the arithmetic exact.
	e := NewEngine(s, pricing.NewEngine(0, 0, 0.00010), 1.0, logging.GetGlobalLogger())
	return e, s, acct.ID
}

func candleAt(ts time.Time, open float64) core.Candle {
	o := decimal.NewFromFloat(open)
	return core.Candle{
		Symbol: "EURUSD", Timeframe: core.TimeframeM5, OpenTime: ts,
		Open: o, High: o.Add(decimal.NewFromFloat(0.002)),
		Low: o.Sub(decimal.NewFromFloat(0.002)), Close: o,
		Volume: decimal.NewFromInt(1000),
	}
}

func insertFill(t *testing.T, s *store.Store, ts time.Time, side core.Side, qty, price float64) {
	t.Helper()
	ctx := context.Background()
	o := &core.Order{TS: ts.Add(-5 * time.Minute), Symbol: "EURUSD", Side: side,
		Type: "MARKET", Qty: decimal.NewFromFloat(qty), Status: core.OrderFilled}
	require.NoError(t, s.InsertOrder(ctx, o))
	require.NoError(t, s.InsertFill(ctx, &core.Fill{
		OrderID: o.ID, TS: ts, Symbol: "EURUSD", Side: side,
		Qty: decimal.NewFromFloat(qty), Price: decimal.NewFromFloat(price),
		Fee: decimal.Zero, Slippage: decimal.Zero,
	}))
}

func TestNettingAndRealizedPnL(t *testing.T) {
	e, s, acctID := setup(t)
	ctx := context.Background()

	insertFill(t, s, t0, core.SideBuy, 2, 1.1000)
	insertFill(t, s, t1, core.SideSell, 1, 1.1010)

	snap, err := e.ProcessAccountingForCandle(ctx, acctID, t1, candleAt(t1, 1.1010))
	require.NoError(t, err)

	pos, err := s.GetPosition(ctx, acctID, "EURUSD")
	require.NoError(t, err)
	assert.True(t, pos.NetQty.Equal(decimal.NewFromInt(1)), "net=%s", pos.NetQty)
	assert.True(t, pos.AvgEntryPrice.Equal(decimal.NewFromFloat(1.1000)))
	assert.True(t, pos.RealizedPnL.Equal(decimal.NewFromFloat(0.0010)))

	acct, err := s.GetDefaultAccount(ctx)
	require.NoError(t, err)
	assert.True(t, acct.Balance.Equal(decimal.NewFromFloat(10000.0010)), "balance=%s", acct.Balance)

	trades, err := s.ListTrades(ctx, acctID, 0)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.True(t, trades[0].PnL.Equal(decimal.NewFromFloat(0.0010)))
	assert.Equal(t, core.ExitReasonManual, trades[0].ExitReason)

	// MTM at a later candle open of 1.1020: +0.0020 unrealized on the lot.
	snap, err = e.ProcessAccountingForCandle(ctx, acctID, t2, candleAt(t2, 1.1020))
	require.NoError(t, err)
	assert.True(t, snap.UnrealizedPnL.Equal(decimal.NewFromFloat(0.0020)), "upnl=%s", snap.UnrealizedPnL)
	assert.True(t, snap.Equity.Equal(snap.Balance.Add(decimal.NewFromFloat(0.0020))))
	assert.True(t, snap.FreeMargin.Equal(snap.Equity.Sub(snap.MarginUsed)))
}

func TestSameSideIncreaseAveragesEntry(t *testing.T) {
	e, s, acctID := setup(t)
	ctx := context.Background()

	insertFill(t, s, t0, core.SideBuy, 1, 1.1000)
	insertFill(t, s, t1, core.SideBuy, 1, 1.1020)

	_, err := e.ProcessAccountingForCandle(ctx, acctID, t1, candleAt(t1, 1.1020))
	require.NoError(t, err)

	pos, err := s.GetPosition(ctx, acctID, "EURUSD")
	require.NoError(t, err)
	assert.True(t, pos.NetQty.Equal(decimal.NewFromInt(2)))
	assert.True(t, pos.AvgEntryPrice.Equal(decimal.NewFromFloat(1.1010)), "avg=%s", pos.AvgEntryPrice)
}

func TestCrossThroughReversal(t *testing.T) {
	e, s, acctID := setup(t)
	ctx := context.Background()

	insertFill(t, s, t0, core.SideBuy, 1, 1.1000)
	insertFill(t, s, t1, core.SideSell, 3, 1.1010)

	_, err := e.ProcessAccountingForCandle(ctx, acctID, t1, candleAt(t1, 1.1010))
	require.NoError(t, err)

	pos, err := s.GetPosition(ctx, acctID, "EURUSD")
	require.NoError(t, err)
	assert.True(t, pos.NetQty.Equal(decimal.NewFromInt(-2)), "net=%s", pos.NetQty)
	assert.True(t, pos.AvgEntryPrice.Equal(decimal.NewFromFloat(1.1010)))

	trades, err := s.ListTrades(ctx, acctID, 0)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, core.ExitReasonFlip, trades[0].ExitReason)
	assert.True(t, trades[0].PnL.Equal(decimal.NewFromFloat(0.0010)))
}

func TestReplayIsIdempotent(t *testing.T) {
	e, s, acctID := setup(t)
	ctx := context.Background()

	insertFill(t, s, t0, core.SideBuy, 2, 1.1000)
	insertFill(t, s, t1, core.SideSell, 1, 1.1010)

	_, err := e.ProcessAccountingForCandle(ctx, acctID, t1, candleAt(t1, 1.1010))
	require.NoError(t, err)
	balance1, _ := s.GetDefaultAccount(ctx)

	// Second pass over the same window: fills are stamped, nothing changes.
	_, err = e.ProcessAccountingForCandle(ctx, acctID, t1, candleAt(t1, 1.1010))
	require.NoError(t, err)
	balance2, _ := s.GetDefaultAccount(ctx)

	assert.True(t, balance1.Balance.Equal(balance2.Balance))

	trades, err := s.ListTrades(ctx, acctID, 0)
	require.NoError(t, err)
	assert.Len(t, trades, 1)
}

func TestFillsApplyInTimestampOrder(t *testing.T) {
	e, s, acctID := setup(t)
	ctx := context.Background()

	// Inserted out of order; accounting must apply t0 before t1.
	insertFill(t, s, t1, core.SideSell, 1, 1.1010)
	insertFill(t, s, t0, core.SideBuy, 1, 1.1000)

	_, err := e.ProcessAccountingForCandle(ctx, acctID, t1, candleAt(t1, 1.1010))
	require.NoError(t, err)

	pos, err := s.GetPosition(ctx, acctID, "EURUSD")
	require.NoError(t, err)
	assert.True(t, pos.NetQty.IsZero())
	assert.True(t, pos.RealizedPnL.Equal(decimal.NewFromFloat(0.0010)))
}

func TestShortMarkToMarket(t *testing.T) {
	e, s, acctID := setup(t)
	ctx := context.Background()

	insertFill(t, s, t0, core.SideSell, 1, 1.1000)

	snap, err := e.ProcessAccountingForCandle(ctx, acctID, t1, candleAt(t1, 1.0980))
	require.NoError(t, err)

	// Short from 1.1000, marked at ask 1.0980 (zero spread): +0.0020.
	assert.True(t, snap.UnrealizedPnL.Equal(decimal.NewFromFloat(0.0020)), "upnl=%s", snap.UnrealizedPnL)
}
