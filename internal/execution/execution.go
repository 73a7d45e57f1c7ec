// Package execution fills NEW orders at the next candle open.
package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"paper_trader/internal/core"
	"paper_trader/internal/pricing"
	"paper_trader/internal/store"
	apperrors "paper_trader/pkg/errors"
	"paper_trader/pkg/telemetry"
)

// Engine executes eligible NEW orders against stored candles. An order placed
// during candle t fills only at the first candle whose open_time is after
// order.ts; fills are priced by the pricing engine, never by wall clock.
type Engine struct {
	store   *store.Store
	pricing *pricing.Engine
	logger  core.ILogger
}

// NewEngine builds the execution engine.
func NewEngine(s *store.Store, p *pricing.Engine, logger core.ILogger) *Engine {
	return &Engine{store: s, pricing: p, logger: logger.WithField("component", "execution")}
}

// ProcessNewOrdersForCandle fills every NEW order whose next candle is the one
// at fillOpenTime. Orders whose next candle is a different slot are skipped.
// Fails with DeterministicSafetyError when the fill candle is absent, writing
// nothing.
func (e *Engine) ProcessNewOrdersForCandle(ctx context.Context, symbol string, tf core.Timeframe, fillOpenTime time.Time) ([]core.Fill, error) {
	fillCandle, err := e.store.GetCandle(ctx, symbol, tf, fillOpenTime)
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil, fmt.Errorf("%w: fill candle %s/%s@%s missing", apperrors.ErrDeterministicSafety,
			symbol, tf, fillOpenTime.UTC().Format(time.RFC3339))
	}
	if err != nil {
		return nil, err
	}

	var fills []core.Fill
	err = e.store.InTx(ctx, func(tx *store.Tx) error {
		orders, err := tx.ListNewOrdersBefore(ctx, symbol, fillOpenTime)
		if err != nil {
			return err
		}

		for _, o := range orders {
			// Next-open rule: only orders whose first following slot is this
			// candle fill now. Earlier strays wait for their own slot unless
			// the data has a gap, in which case the first available candle
			// after order.ts executes them.
			next := tf.Next(o.TS)
			if next.Before(fillOpenTime) {
				prior, err := tx.CountCandles(ctx, symbol, tf, next, fillOpenTime.Add(-tf.Duration()))
				if err != nil {
					return err
				}
				if prior > 0 {
					continue
				}
			}

			fill, err := e.fillOrder(ctx, tx, o, *fillCandle)
			if err != nil {
				return err
			}
			fills = append(fills, *fill)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(fills) > 0 {
		if m := telemetry.GetGlobalMetrics(); m.OrdersFilledTotal != nil {
			m.OrdersFilledTotal.Add(ctx, int64(len(fills)))
		}
	}
	return fills, nil
}

func (e *Engine) fillOrder(ctx context.Context, tx *store.Tx, o core.Order, fillCandle core.Candle) (*core.Fill, error) {
	if !o.Side.Valid() {
		return nil, fmt.Errorf("%w: order %d has invalid side %q", apperrors.ErrValidation, o.ID, o.Side)
	}
	if !o.Qty.IsPositive() {
		return nil, fmt.Errorf("%w: order %d has non-positive qty %s", apperrors.ErrValidation, o.ID, o.Qty)
	}

	// A retried invocation finds the existing fill and returns it.
	if existing, err := tx.GetFillByOrderID(ctx, o.ID); err == nil {
		return existing, nil
	} else if !errors.Is(err, apperrors.ErrNotFound) {
		return nil, err
	}

	quote := e.pricing.QuoteFromCandle(fillCandle)
	price := e.pricing.FillPrice(quote, o.Side)

	fill := &core.Fill{
		OrderID:  o.ID,
		TS:       fillCandle.OpenTime,
		Symbol:   o.Symbol,
		Side:     o.Side,
		Qty:      o.Qty,
		Price:    price,
		Fee:      decimal.Zero,
		Slippage: e.pricing.SlippageAmount(),
	}
	if err := tx.InsertFill(ctx, fill); err != nil {
		return nil, err
	}
	if err := tx.TransitionOrder(ctx, o.ID, core.OrderNew, core.OrderFilled, ""); err != nil {
		return nil, err
	}

	e.logger.Info("Order filled",
		"order_id", o.ID, "symbol", o.Symbol, "side", string(o.Side),
		"qty", o.Qty.String(), "price", price.String(),
		"fill_ts", fillCandle.OpenTime.Format(time.RFC3339))
	return fill, nil
}
