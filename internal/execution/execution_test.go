package execution

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
	apperrors "paper_trader/pkg/errors"
	"paper_trader/pkg/logging"
)

var (
	t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 = time.Date(2024, 1, 1, 0, 5, 0, 0, time.UTC)
)

func newEngine(t *testing.T) (*Engine, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"), logging.GetGlobalLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return NewEngine(s, pricing.NewEngine(1.0, 0.5, 0.00010), logging.GetGlobalLogger()), s
}

func seedCandle(t *testing.T, s *store.Store, openTime time.Time, open float64) {
	t.Helper()
	o := decimal.NewFromFloat(open)
	_, err := s.UpsertCandles(context.Background(), []core.Candle{{
		Symbol: "EURUSD", Timeframe: core.TimeframeM5, OpenTime: openTime,
		Open: o, High: o.Add(decimal.NewFromFloat(0.001)), Low: o.Sub(decimal.NewFromFloat(0.001)),
		Close: o, Volume: decimal.NewFromInt(1000), Source: "mock", IngestedAt: openTime,
	}})
	require.NoError(t, err)
}

func placeOrder(t *testing.T, s *store.Store, ts time.Time, side core.Side, qty int64) *core.Order {
	t.Helper()
	o := &core.Order{TS: ts, Symbol: "EURUSD", Side: side, Type: "MARKET",
		Qty: decimal.NewFromInt(qty), Status: core.OrderNew}
	require.NoError(t, s.InsertOrder(context.Background(), o))
	return o
}

func TestNextOpenRule(t *testing.T) {
	e, s := newEngine(t)
	ctx := context.Background()
	seedCandle(t, s, t0, 1.10000)
	seedCandle(t, s, t1, 1.10000)

	order := placeOrder(t, s, t0, core.SideBuy, 1)

	// Execution at t0 itself fills nothing: the order's ts is not before t0.
	fills, err := e.ProcessNewOrdersForCandle(ctx, "EURUSD", core.TimeframeM5, t0)
	require.NoError(t, err)
	assert.Empty(t, fills)

	// Execution at t1 fills exactly once at the t1 open.
	fills, err = e.ProcessNewOrdersForCandle(ctx, "EURUSD", core.TimeframeM5, t1)
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.Equal(t, order.ID, fills[0].OrderID)
	assert.Equal(t, t1, fills[0].TS)
	assert.True(t, fills[0].Price.Equal(decimal.NewFromFloat(1.10010)))

	got, err := s.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, core.OrderFilled, got.Status)
}

func TestReinvocationDoesNotDuplicateFills(t *testing.T) {
	e, s := newEngine(t)
	ctx := context.Background()
	seedCandle(t, s, t0, 1.10000)
	seedCandle(t, s, t1, 1.10000)
	placeOrder(t, s, t0, core.SideBuy, 1)

	fills, err := e.ProcessNewOrdersForCandle(ctx, "EURUSD", core.TimeframeM5, t1)
	require.NoError(t, err)
	require.Len(t, fills, 1)

	// The order is now FILLED, so a second pass sees no NEW orders.
	fills, err = e.ProcessNewOrdersForCandle(ctx, "EURUSD", core.TimeframeM5, t1)
	require.NoError(t, err)
	assert.Empty(t, fills)

	all, err := s.ListFills(ctx, "EURUSD", 0)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestMissingFillCandleFailsFast(t *testing.T) {
	e, s := newEngine(t)
	seedCandle(t, s, t0, 1.10000)
	order := placeOrder(t, s, t0, core.SideBuy, 1)

	_, err := e.ProcessNewOrdersForCandle(context.Background(), "EURUSD", core.TimeframeM5, t1)
	assert.ErrorIs(t, err, apperrors.ErrDeterministicSafety)

	// No state was persisted.
	got, err := s.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, core.OrderNew, got.Status)
}

func TestSellFillPrice(t *testing.T) {
	e, s := newEngine(t)
	ctx := context.Background()
	seedCandle(t, s, t0, 1.10000)
	seedCandle(t, s, t1, 1.10000)
	placeOrder(t, s, t0, core.SideSell, 2)

	fills, err := e.ProcessNewOrdersForCandle(ctx, "EURUSD", core.TimeframeM5, t1)
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.True(t, fills[0].Price.Equal(decimal.NewFromFloat(1.09990)))
}

func TestGapSkipsOrderUntilItsOwnSlot(t *testing.T) {
	e, s := newEngine(t)
	ctx := context.Background()
	t2 := t1.Add(5 * time.Minute)
	seedCandle(t, s, t0, 1.10000)
	seedCandle(t, s, t1, 1.10000)
	seedCandle(t, s, t2, 1.10200)

	// Order placed at t1 must fill at t2, not be picked up by an earlier pass.
	order := placeOrder(t, s, t1, core.SideBuy, 1)

	fills, err := e.ProcessNewOrdersForCandle(ctx, "EURUSD", core.TimeframeM5, t2)
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.Equal(t, order.ID, fills[0].OrderID)
	assert.Equal(t, t2, fills[0].TS)
}

func TestStaleOrderFillsAtFirstAvailableCandleAfterGap(t *testing.T) {
	e, s := newEngine(t)
	ctx := context.Background()
	t3 := t1.Add(10 * time.Minute)
	seedCandle(t, s, t0, 1.10000)
	seedCandle(t, s, t3, 1.10100)

	// t1 and t2 are missing; the order placed at t0 fills at the first stored
	// candle after its slot.
	order := placeOrder(t, s, t0, core.SideBuy, 1)

	fills, err := e.ProcessNewOrdersForCandle(ctx, "EURUSD", core.TimeframeM5, t3)
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.Equal(t, order.ID, fills[0].OrderID)
	assert.Equal(t, t3, fills[0].TS)
}
