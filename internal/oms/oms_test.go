package oms

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paper_trader/internal/core"
	"paper_trader/internal/execution"
	"paper_trader/internal/pricing"
	"paper_trader/internal/risk"
	"paper_trader/internal/store"
	apperrors "paper_trader/pkg/errors"
	"paper_trader/pkg/logging"
)

var (
	t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 = t0.Add(5 * time.Minute)
)

func testLimits() core.RiskLimits {
	return core.RiskLimits{
		MaxOpenPositions:          5,
		MaxOpenPositionsPerSymbol: 1,
		MaxTotalNotional:          decimal.NewFromInt(1000000),
		MaxSymbolNotional:         decimal.NewFromInt(500000),
		RiskPerTradePct:           decimal.NewFromFloat(0.01),
		DailyLossLimitPct:         decimal.NewFromFloat(0.05),
		DailyLossLimitAmount:      decimal.NewFromInt(500),
		Leverage:                  decimal.NewFromInt(30),
		LotStep:                   decimal.NewFromFloat(0.01),
	}
}

func setup(t *testing.T) (*Manager, *store.Store) {
	t.Helper()
	logger := logging.GetGlobalLogger()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	acct, err := s.EnsureAccount(context.Background(), "USD",
		decimal.NewFromInt(30), decimal.NewFromInt(10000), t0)
	require.NoError(t, err)

	pe := pricing.NewEngine(1.0, 0.5, 0.00010)
	re := risk.NewEngine(0.00010, 1.0, testLimits(), logger)
	ee := execution.NewEngine(s, pe, logger)
	m := NewManager(s, re, ee, acct.ID, core.TimeframeM5, 0.00010, 0.01,
		[]string{"EURUSD"}, logger)
	return m, s
}

func seedCandle(t *testing.T, s *store.Store, ts time.Time, open float64) {
	t.Helper()
	o := decimal.NewFromFloat(open)
	_, err := s.UpsertCandles(context.Background(), []core.Candle{{
		Symbol: "EURUSD", Timeframe: core.TimeframeM5, OpenTime: ts,
		Open: o, High: o.Add(decimal.NewFromFloat(0.001)),
		Low: o.Sub(decimal.NewFromFloat(0.001)), Close: o,
		Volume: decimal.NewFromInt(1000), Source: "mock", IngestedAt: ts,
	}})
	require.NoError(t, err)
}

func TestPlaceLeavesOrderNewWithoutNextCandle(t *testing.T) {
	m, s := setup(t)
	seedCandle(t, s, t0, 1.10)

	res, err := m.Place(context.Background(), PlaceRequest{
		Symbol: "EURUSD", Side: core.SideBuy, Qty: decimal.NewFromInt(1),
	})
	require.NoError(t, err)
	assert.Equal(t, core.OrderNew, res.Order.Status)
	assert.Equal(t, t0, res.Order.TS)
	assert.Nil(t, res.Fill)
}

func TestPlaceStampsLatestCandleOpenTime(t *testing.T) {
	m, s := setup(t)
	seedCandle(t, s, t0, 1.10)
	seedCandle(t, s, t1, 1.10)

	res, err := m.Place(context.Background(), PlaceRequest{
		Symbol: "EURUSD", Side: core.SideBuy, Qty: decimal.NewFromInt(1),
	})
	require.NoError(t, err)
	// The reference candle is the latest stored bar; its successor does not
	// exist yet so the order waits for the next cycle.
	assert.Equal(t, core.OrderNew, res.Order.Status)
	assert.Equal(t, t1, res.Order.TS)
}

func TestPlaceValidation(t *testing.T) {
	m, s := setup(t)
	seedCandle(t, s, t0, 1.10)
	ctx := context.Background()

	_, err := m.Place(ctx, PlaceRequest{Symbol: "XXXYYY", Side: core.SideBuy, Qty: decimal.NewFromInt(1)})
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	_, err = m.Place(ctx, PlaceRequest{Symbol: "EURUSD", Side: "LONG", Qty: decimal.NewFromInt(1)})
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	_, err = m.Place(ctx, PlaceRequest{Symbol: "EURUSD", Side: core.SideBuy, Qty: decimal.NewFromFloat(0.001)})
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	_, err = m.Place(ctx, PlaceRequest{Symbol: "EURUSD", Side: core.SideBuy, Qty: decimal.NewFromInt(1), Type: "LIMIT"})
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestRiskRejectionPersistsRejectedOrder(t *testing.T) {
	m, s := setup(t)
	ctx := context.Background()
	seedCandle(t, s, t0, 1.10)

	// An existing long with per-symbol cap 1 rejects a second BUY.
	acct, err := s.GetDefaultAccount(ctx)
	require.NoError(t, err)
	require.NoError(t, s.UpsertPosition(ctx, &core.Position{
		AccountID: acct.ID, Symbol: "EURUSD",
		NetQty: decimal.NewFromInt(1), AvgEntryPrice: decimal.NewFromFloat(1.10),
		UpdatedOpenTime: t0, RealizedPnL: decimal.Zero,
	}))

	res, err := m.Place(ctx, PlaceRequest{
		Symbol: "EURUSD", Side: core.SideBuy, Qty: decimal.NewFromInt(1),
	})
	require.NoError(t, err)
	assert.Equal(t, core.OrderRejected, res.Order.Status)
	assert.Equal(t, risk.ReasonMaxPerSymbol, res.Order.Reason)
	assert.Nil(t, res.Fill)

	// No fill rows and the position is untouched.
	fills, err := s.ListFills(ctx, "EURUSD", 0)
	require.NoError(t, err)
	assert.Empty(t, fills)
	pos, err := s.GetPosition(ctx, acct.ID, "EURUSD")
	require.NoError(t, err)
	assert.True(t, pos.NetQty.Equal(decimal.NewFromInt(1)))
}

func TestIdempotencyKeyReplay(t *testing.T) {
	m, s := setup(t)
	ctx := context.Background()
	seedCandle(t, s, t0, 1.10)

	first, err := m.Place(ctx, PlaceRequest{
		Symbol: "EURUSD", Side: core.SideBuy, Qty: decimal.NewFromInt(1),
		IdempotencyKey: "key-1",
	})
	require.NoError(t, err)

	second, err := m.Place(ctx, PlaceRequest{
		Symbol: "EURUSD", Side: core.SideBuy, Qty: decimal.NewFromInt(1),
		IdempotencyKey: "key-1",
	})
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Order.ID, second.Order.ID)

	orders, err := s.ListOrders(ctx, store.OrderFilter{Symbol: "EURUSD"})
	require.NoError(t, err)
	assert.Len(t, orders, 1)
}

func TestIdempotencyConflict(t *testing.T) {
	m, s := setup(t)
	ctx := context.Background()
	seedCandle(t, s, t0, 1.10)

	_, err := m.Place(ctx, PlaceRequest{
		Symbol: "EURUSD", Side: core.SideBuy, Qty: decimal.NewFromInt(1),
		IdempotencyKey: "key-1",
	})
	require.NoError(t, err)

	_, err = m.Place(ctx, PlaceRequest{
		Symbol: "EURUSD", Side: core.SideSell, Qty: decimal.NewFromInt(1),
		IdempotencyKey: "key-1",
	})
	assert.ErrorIs(t, err, apperrors.ErrIdempotencyConflict)
}

func TestCancelOnlyNewOrders(t *testing.T) {
	m, s := setup(t)
	ctx := context.Background()
	seedCandle(t, s, t0, 1.10)

	res, err := m.Place(ctx, PlaceRequest{
		Symbol: "EURUSD", Side: core.SideBuy, Qty: decimal.NewFromInt(1),
	})
	require.NoError(t, err)

	canceled, err := m.Cancel(ctx, res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, core.OrderCanceled, canceled.Status)

	_, err = m.Cancel(ctx, res.Order.ID)
	assert.ErrorIs(t, err, apperrors.ErrInvalidStateTransition)
}
