// Package accounting applies fills to the netting position and keeps the
// account, trades, and snapshots consistent.
package accounting

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"paper_trader/internal/core"
	"paper_trader/internal/pricing"
	"paper_trader/internal/store"
	apperrors "paper_trader/pkg/errors"
	"paper_trader/pkg/telemetry"
)

// Engine owns the netting position and account rows. All mutations happen in
// the caller-visible transaction; timestamps derive from fill ts and candle
// open_time only.
type Engine struct {
	store        *store.Store
	pricing      *pricing.Engine
	contractSize decimal.Decimal
	logger       core.ILogger
}

// NewEngine builds the accounting engine.
func NewEngine(s *store.Store, p *pricing.Engine, contractSize float64, logger core.ILogger) *Engine {
	return &Engine{
		store:        s,
		pricing:      p,
		contractSize: decimal.NewFromFloat(contractSize),
		logger:       logger.WithField("component", "accounting"),
	}
}

// ApplyNewFills consumes unaccounted fills with ts <= asof in (ts, id) order,
// updating positions, balance, and trades. Each fill is stamped with asof so a
// replay is a no-op.
func (e *Engine) ApplyNewFills(ctx context.Context, tx *store.Tx, accountID int64, asof time.Time) (int, error) {
	fills, err := tx.ListUnaccountedFills(ctx, asof)
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, f := range fills {
		if err := e.applyFill(ctx, tx, accountID, f, asof); err != nil {
			return applied, err
		}
		applied++
	}

	if applied > 0 {
		if m := telemetry.GetGlobalMetrics(); m.FillsAppliedTotal != nil {
			m.FillsAppliedTotal.Add(ctx, int64(applied))
		}
	}
	return applied, nil
}

func (e *Engine) applyFill(ctx context.Context, tx *store.Tx, accountID int64, f core.Fill, asof time.Time) error {
	pos, err := tx.GetPosition(ctx, accountID, f.Symbol)
	if errors.Is(err, apperrors.ErrNotFound) {
		pos = &core.Position{
			AccountID:     accountID,
			Symbol:        f.Symbol,
			NetQty:        decimal.Zero,
			AvgEntryPrice: decimal.Zero,
			RealizedPnL:   decimal.Zero,
		}
	} else if err != nil {
		return err
	}

	delta := f.Side.Signed(f.Qty)
	realized := decimal.Zero

	switch {
	case pos.NetQty.IsZero():
		e.openPosition(ctx, tx, pos, f, delta)

	case pos.NetQty.Sign() == delta.Sign():
		// Same-side increase: weighted average entry.
		oldAbs := pos.NetQty.Abs()
		addAbs := delta.Abs()
		pos.AvgEntryPrice = oldAbs.Mul(pos.AvgEntryPrice).Add(addAbs.Mul(f.Price)).
			Div(oldAbs.Add(addAbs))
		pos.NetQty = pos.NetQty.Add(delta)

	default:
		closeQty := decimal.Min(delta.Abs(), pos.NetQty.Abs())
		direction := decimal.NewFromInt(int64(pos.NetQty.Sign()))
		realized = f.Price.Sub(pos.AvgEntryPrice).Mul(closeQty).Mul(direction).Mul(e.contractSize)

		crossThrough := delta.Abs().GreaterThan(pos.NetQty.Abs())
		trade := &core.Trade{
			AccountID:    accountID,
			EntryTS:      pos.UpdatedOpenTime,
			ExitTS:       f.TS,
			Symbol:       f.Symbol,
			Qty:          closeQty.Mul(direction),
			EntryPrice:   pos.AvgEntryPrice,
			ExitPrice:    f.Price,
			PnL:          realized,
			ExitReason:   e.exitReason(ctx, tx, f.OrderID, crossThrough),
			EntryOrderID: pos.EntryOrderID,
		}
		trade.ExitOrderID = &f.OrderID
		if err := tx.InsertTrade(ctx, trade); err != nil {
			return err
		}

		pos.RealizedPnL = pos.RealizedPnL.Add(realized)
		remainder := pos.NetQty.Add(delta)
		if crossThrough {
			// Reverse: the surplus opens the opposite side at the fill price.
			e.openPosition(ctx, tx, pos, f, remainder)
		} else {
			pos.NetQty = remainder
			if pos.NetQty.IsZero() {
				pos.AvgEntryPrice = decimal.Zero
				pos.StopLoss = nil
				pos.TakeProfit = nil
				pos.EntryOrderID = nil
			}
		}

		acct, err := tx.GetDefaultAccount(ctx)
		if err != nil {
			return err
		}
		acct.Balance = acct.Balance.Add(realized)
		acct.UpdatedAt = asof
		if err := tx.UpdateAccount(ctx, acct); err != nil {
			return err
		}
		if m := telemetry.GetGlobalMetrics(); m.PnLRealizedTotal != nil {
			m.PnLRealizedTotal.Add(ctx, realized.InexactFloat64())
		}
	}

	pos.UpdatedOpenTime = f.TS
	if err := tx.UpsertPosition(ctx, pos); err != nil {
		return err
	}
	if err := tx.MarkFillAccounted(ctx, f.ID, asof); err != nil {
		return err
	}

	telemetry.GetGlobalMetrics().RecordPosition(f.Symbol, pos.NetQty.InexactFloat64())
	e.logger.Debug("Fill applied",
		"fill_id", f.ID, "symbol", f.Symbol, "net_qty", pos.NetQty.String(),
		"realized", realized.String())
	return nil
}

// openPosition sets the position to qty at the fill price and carries the
// order's SL/TP hints onto it.
func (e *Engine) openPosition(ctx context.Context, tx *store.Tx, pos *core.Position, f core.Fill, qty decimal.Decimal) {
	pos.NetQty = qty
	pos.AvgEntryPrice = f.Price
	pos.EntryOrderID = &f.OrderID
	pos.StopLoss = nil
	pos.TakeProfit = nil
	if o, err := tx.GetOrder(ctx, f.OrderID); err == nil {
		pos.StopLoss = o.StopLoss
		pos.TakeProfit = o.TakeProfit
	}
}

// exitReason derives the trade's exit reason from the closing order: SL/TP
// touch exits carry their reason on the order, a reversal is FLIP, anything
// else is MANUAL.
func (e *Engine) exitReason(ctx context.Context, tx *store.Tx, orderID int64, crossThrough bool) string {
	if crossThrough {
		return core.ExitReasonFlip
	}
	if o, err := tx.GetOrder(ctx, orderID); err == nil {
		switch o.Reason {
		case core.ExitReasonSL:
			return core.ExitReasonSL
		case core.ExitReasonTP:
			return core.ExitReasonTP
		}
	}
	return core.ExitReasonManual
}

// MarkToMarket values open positions at the candle and upserts the snapshot
// for (account, asof). Longs mark on bid, shorts on ask; margin uses mid.
func (e *Engine) MarkToMarket(ctx context.Context, tx *store.Tx, accountID int64, asof time.Time, candle core.Candle) (*core.Snapshot, error) {
	acct, err := tx.GetDefaultAccount(ctx)
	if err != nil {
		return nil, err
	}
	positions, err := tx.ListOpenPositions(ctx, accountID)
	if err != nil {
		return nil, err
	}

	unrealized := decimal.Zero
	marginUsed := decimal.Zero
	for _, p := range positions {
		mark := candle
		if p.Symbol != candle.Symbol {
			window, err := tx.ListCandlesUpTo(ctx, p.Symbol, candle.Timeframe, asof, 1)
			if err != nil {
				return nil, err
			}
			if len(window) == 0 {
				continue
			}
			mark = window[0]
		}

		quote := e.pricing.QuoteFromCandle(mark)
		markPrice := e.pricing.MarkPrice(quote, p.NetQty)
		unrealized = unrealized.Add(
			markPrice.Sub(p.AvgEntryPrice).Mul(p.NetQty).Mul(e.contractSize))
		marginUsed = marginUsed.Add(
			p.NetQty.Abs().Mul(quote.Mid).Mul(e.contractSize).Div(acct.Leverage))
	}

	snap := &core.Snapshot{
		AccountID:     accountID,
		AsOfOpenTime:  asof,
		Balance:       acct.Balance,
		Equity:        acct.Balance.Add(unrealized),
		UnrealizedPnL: unrealized,
		MarginUsed:    marginUsed,
	}
	snap.FreeMargin = snap.Equity.Sub(snap.MarginUsed)

	if err := tx.UpsertSnapshot(ctx, snap); err != nil {
		return nil, err
	}

	acct.Equity = snap.Equity
	acct.MarginUsed = snap.MarginUsed
	acct.FreeMargin = snap.FreeMargin
	acct.UpdatedAt = asof
	if err := tx.UpdateAccount(ctx, acct); err != nil {
		return nil, err
	}

	day := asof.UTC().Format("2006-01-02")
	if _, err := tx.EnsureDailyEquity(ctx, accountID, day, snap.Equity); err != nil {
		return nil, err
	}
	if err := tx.UpdateDailyMinEquity(ctx, accountID, day, snap.Equity); err != nil {
		return nil, err
	}

	telemetry.GetGlobalMetrics().RecordSnapshot(snap.Equity.InexactFloat64(), snap.FreeMargin.InexactFloat64())
	return snap, nil
}

// ProcessAccountingForCandle applies pending fills then marks to market, all
// in one transaction.
func (e *Engine) ProcessAccountingForCandle(ctx context.Context, accountID int64, asof time.Time, candle core.Candle) (*core.Snapshot, error) {
	var snap *core.Snapshot
	err := e.store.InTx(ctx, func(tx *store.Tx) error {
		if _, err := e.ApplyNewFills(ctx, tx, accountID, asof); err != nil {
			return err
		}
		var err error
		snap, err = e.MarkToMarket(ctx, tx, accountID, asof, candle)
		return err
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}
