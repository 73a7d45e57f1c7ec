package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paper_trader/internal/core"
	apperrors "paper_trader/pkg/errors"
	"paper_trader/pkg/logging"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), logging.GetGlobalLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testCandle(openTime time.Time) core.Candle {
	return core.Candle{
		Symbol:     "EURUSD",
		Timeframe:  core.TimeframeM5,
		OpenTime:   openTime,
		Open:       decimal.NewFromFloat(1.1000),
		High:       decimal.NewFromFloat(1.1010),
		Low:        decimal.NewFromFloat(1.0990),
		Close:      decimal.NewFromFloat(1.1005),
		Volume:     decimal.NewFromInt(1000),
		Source:     "mock",
		IngestedAt: openTime,
	}
}

func TestCandleUpsertIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ts := time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)

	n, err := s.UpsertCandles(ctx, []core.Candle{testCandle(ts)})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Re-upsert with a revised close replaces in place.
	c := testCandle(ts)
	c.Close = decimal.NewFromFloat(1.1008)
	_, err = s.UpsertCandles(ctx, []core.Candle{c})
	require.NoError(t, err)

	got, err := s.GetCandle(ctx, "EURUSD", core.TimeframeM5, ts)
	require.NoError(t, err)
	assert.True(t, got.Close.Equal(decimal.NewFromFloat(1.1008)))

	cnt, err := s.CountCandles(ctx, "EURUSD", core.TimeframeM5, ts.Add(-time.Hour), ts.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, cnt)
}

func TestGetCandleNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetCandle(context.Background(), "EURUSD", core.TimeframeM5,
		time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC))
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestListCandlesUpTo(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)

	var candles []core.Candle
	for i := 0; i < 10; i++ {
		candles = append(candles, testCandle(base.Add(time.Duration(i)*5*time.Minute)))
	}
	_, err := s.UpsertCandles(ctx, candles)
	require.NoError(t, err)

	got, err := s.ListCandlesUpTo(ctx, "EURUSD", core.TimeframeM5, base.Add(30*time.Minute), 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, base.Add(20*time.Minute), got[0].OpenTime)
	assert.Equal(t, base.Add(30*time.Minute), got[2].OpenTime)
}

func TestDeleteCandlesBefore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		_, err := s.UpsertCandles(ctx, []core.Candle{testCandle(base.Add(time.Duration(i) * 5 * time.Minute))})
		require.NoError(t, err)
	}

	deleted, err := s.DeleteCandlesBefore(ctx, base.Add(10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)
}

func TestOrderLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ts := time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)

	o := &core.Order{
		TS:     ts,
		Symbol: "EURUSD",
		Side:   core.SideBuy,
		Type:   "MARKET",
		Qty:    decimal.NewFromInt(1),
		Status: core.OrderNew,
	}
	require.NoError(t, s.InsertOrder(ctx, o))
	require.NotZero(t, o.ID)

	require.NoError(t, s.TransitionOrder(ctx, o.ID, core.OrderNew, core.OrderFilled, ""))

	// FILLED is terminal.
	err := s.TransitionOrder(ctx, o.ID, core.OrderNew, core.OrderCanceled, "user")
	assert.ErrorIs(t, err, apperrors.ErrInvalidStateTransition)

	got, err := s.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, core.OrderFilled, got.Status)
}

func TestFillUniquePerOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ts := time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)

	o := &core.Order{TS: ts, Symbol: "EURUSD", Side: core.SideBuy, Type: "MARKET",
		Qty: decimal.NewFromInt(1), Status: core.OrderNew}
	require.NoError(t, s.InsertOrder(ctx, o))

	f := &core.Fill{OrderID: o.ID, TS: ts.Add(5 * time.Minute), Symbol: "EURUSD",
		Side: core.SideBuy, Qty: decimal.NewFromInt(1),
		Price: decimal.NewFromFloat(1.1001), Fee: decimal.Zero, Slippage: decimal.NewFromFloat(0.00005)}
	require.NoError(t, s.InsertFill(ctx, f))

	dup := &core.Fill{OrderID: o.ID, TS: ts.Add(5 * time.Minute), Symbol: "EURUSD",
		Side: core.SideBuy, Qty: decimal.NewFromInt(1),
		Price: decimal.NewFromFloat(1.1001), Fee: decimal.Zero, Slippage: decimal.Zero}
	assert.Error(t, s.InsertFill(ctx, dup))
}

func TestUnaccountedFillOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		o := &core.Order{TS: base, Symbol: "EURUSD", Side: core.SideBuy, Type: "MARKET",
			Qty: decimal.NewFromInt(1), Status: core.OrderFilled}
		require.NoError(t, s.InsertOrder(ctx, o))
		f := &core.Fill{OrderID: o.ID, TS: base.Add(time.Duration(2-i) * 5 * time.Minute),
			Symbol: "EURUSD", Side: core.SideBuy, Qty: decimal.NewFromInt(1),
			Price: decimal.NewFromFloat(1.1), Fee: decimal.Zero, Slippage: decimal.Zero}
		require.NoError(t, s.InsertFill(ctx, f))
	}

	fills, err := s.ListUnaccountedFills(ctx, base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, fills, 3)
	for i := 1; i < len(fills); i++ {
		assert.False(t, fills[i].TS.Before(fills[i-1].TS))
	}

	require.NoError(t, s.MarkFillAccounted(ctx, fills[0].ID, base.Add(time.Hour)))
	err = s.MarkFillAccounted(ctx, fills[0].ID, base.Add(time.Hour))
	assert.ErrorIs(t, err, apperrors.ErrInvalidStateTransition)

	remaining, err := s.ListUnaccountedFills(ctx, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, remaining, 2)
}

func TestAccountAndPositionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	asof := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

	acct, err := s.EnsureAccount(ctx, "USD", decimal.NewFromInt(30), decimal.NewFromInt(10000), asof)
	require.NoError(t, err)
	require.NotZero(t, acct.ID)

	// Second call returns the same singleton.
	again, err := s.EnsureAccount(ctx, "USD", decimal.NewFromInt(30), decimal.NewFromInt(99999), asof)
	require.NoError(t, err)
	assert.Equal(t, acct.ID, again.ID)
	assert.True(t, again.Balance.Equal(decimal.NewFromInt(10000)))

	p := &core.Position{
		AccountID:       acct.ID,
		Symbol:          "EURUSD",
		NetQty:          decimal.NewFromInt(2),
		AvgEntryPrice:   decimal.NewFromFloat(1.1001),
		UpdatedOpenTime: asof,
		RealizedPnL:     decimal.Zero,
	}
	require.NoError(t, s.UpsertPosition(ctx, p))

	open, err := s.ListOpenPositions(ctx, acct.ID)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.True(t, open[0].NetQty.Equal(decimal.NewFromInt(2)))

	p.NetQty = decimal.Zero
	require.NoError(t, s.UpsertPosition(ctx, p))
	open, err = s.ListOpenPositions(ctx, acct.ID)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestDailyEquityBaseline(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	asof := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

	acct, err := s.EnsureAccount(ctx, "USD", decimal.NewFromInt(30), decimal.NewFromInt(10000), asof)
	require.NoError(t, err)

	de, err := s.EnsureDailyEquity(ctx, acct.ID, "2024-01-02", decimal.NewFromInt(10000))
	require.NoError(t, err)
	assert.True(t, de.DayStartEquity.Equal(decimal.NewFromInt(10000)))

	// Baseline is sticky within the day.
	de, err = s.EnsureDailyEquity(ctx, acct.ID, "2024-01-02", decimal.NewFromInt(9000))
	require.NoError(t, err)
	assert.True(t, de.DayStartEquity.Equal(decimal.NewFromInt(10000)))

	require.NoError(t, s.UpdateDailyMinEquity(ctx, acct.ID, "2024-01-02", decimal.NewFromInt(9500)))
	de, err = s.GetDailyEquity(ctx, acct.ID, "2024-01-02")
	require.NoError(t, err)
	assert.True(t, de.MinEquity.Equal(decimal.NewFromInt(9500)))

	// A higher equity never raises the floor.
	require.NoError(t, s.UpdateDailyMinEquity(ctx, acct.ID, "2024-01-02", decimal.NewFromInt(9800)))
	de, err = s.GetDailyEquity(ctx, acct.ID, "2024-01-02")
	require.NoError(t, err)
	assert.True(t, de.MinEquity.Equal(decimal.NewFromInt(9500)))
}

func TestRunReportWindowUnique(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ts := time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)

	r := &core.RunReport{
		RunID:     "run-1",
		Symbol:    "EURUSD",
		Timeframe: core.TimeframeM5,
		CandleTS:  ts,
		Status:    core.RunOK,
		Mode:      core.RunModeExecute,
	}
	require.NoError(t, s.InsertRunReport(ctx, r))

	dup := &core.RunReport{RunID: "run-2", Symbol: "EURUSD", Timeframe: core.TimeframeM5,
		CandleTS: ts, Status: core.RunOK, Mode: core.RunModeExecute}
	assert.Error(t, s.InsertRunReport(ctx, dup))

	got, err := s.GetRunReportByWindow(ctx, "EURUSD", core.TimeframeM5, ts)
	require.NoError(t, err)
	assert.Equal(t, "run-1", got.RunID)
}

func TestInTxRollsBackOnError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ts := time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)

	err := s.InTx(ctx, func(tx *Tx) error {
		_, err := tx.UpsertCandles(ctx, []core.Candle{testCandle(ts)})
		require.NoError(t, err)
		return assert.AnError
	})
	require.Error(t, err)

	_, err = s.GetCandle(ctx, "EURUSD", core.TimeframeM5, ts)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}
