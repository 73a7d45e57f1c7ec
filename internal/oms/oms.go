// Package oms manages the order lifecycle: placement through the risk gate,
// lookup, and cancellation.
package oms

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"paper_trader/internal/core"
	"paper_trader/internal/execution"
	"paper_trader/internal/risk"
	"paper_trader/internal/store"
	apperrors "paper_trader/pkg/errors"
	"paper_trader/pkg/telemetry"
)

// PlaceRequest is an order placement request. StopLoss doubles as the risk
// sizing hint: its pip distance from the reference open drives position sizing.
type PlaceRequest struct {
	Symbol         string           `json:"symbol"`
	Side           core.Side        `json:"side"`
	Type           string           `json:"type"`
	Qty            decimal.Decimal  `json:"qty"`
	StopLoss       *decimal.Decimal `json:"stop_loss,omitempty"`
	TakeProfit     *decimal.Decimal `json:"take_profit,omitempty"`
	IdempotencyKey string           `json:"idempotency_key,omitempty"`
	Reason         string           `json:"reason,omitempty"`
}

// PlaceResult carries the persisted order, its fill when execution ran, and
// the risk decision.
type PlaceResult struct {
	Order    *core.Order       `json:"order"`
	Fill     *core.Fill        `json:"fill,omitempty"`
	Risk     *risk.CheckResult `json:"risk,omitempty"`
	Replayed bool              `json:"replayed,omitempty"`
}

// Manager coordinates validation, risk, persistence, and execution for orders.
type Manager struct {
	store     *store.Store
	risk      *risk.Engine
	execution *execution.Engine
	accountID int64
	timeframe core.Timeframe
	pipSize   decimal.Decimal

	minQty         decimal.Decimal
	allowedSymbols map[string]bool
	logger         core.ILogger
}

// NewManager builds the OMS for one account.
func NewManager(s *store.Store, riskEngine *risk.Engine, execEngine *execution.Engine,
	accountID int64, tf core.Timeframe, pipSize, minQty float64, allowedSymbols []string,
	logger core.ILogger) *Manager {

	allowed := make(map[string]bool, len(allowedSymbols))
	for _, sym := range allowedSymbols {
		allowed[strings.ToUpper(sym)] = true
	}
	return &Manager{
		store:          s,
		risk:           riskEngine,
		execution:      execEngine,
		accountID:      accountID,
		timeframe:      tf,
		pipSize:        decimal.NewFromFloat(pipSize),
		minQty:         decimal.NewFromFloat(minQty),
		allowedSymbols: allowed,
		logger:         logger.WithField("component", "oms"),
	}
}

// Place runs the placement protocol. The order row (NEW or REJECTED) commits
// atomically with its risk decision; execution for the next candle runs after
// the commit so a crash leaves either a NEW order or nothing.
func (m *Manager) Place(ctx context.Context, req PlaceRequest) (*PlaceResult, error) {
	if err := m.validate(&req); err != nil {
		return nil, err
	}

	if req.IdempotencyKey != "" {
		if res, err := m.replayByKey(ctx, req); err != nil || res != nil {
			return res, err
		}
	}

	refCandle, err := m.store.LatestCandle(ctx, req.Symbol, m.timeframe)
	if err != nil {
		return nil, err
	}

	result := &PlaceResult{}
	err = m.store.InTx(ctx, func(tx *store.Tx) error {
		checkReq := risk.CheckRequest{
			Symbol:           req.Symbol,
			Side:             req.Side,
			RequestedQty:     req.Qty,
			StopDistancePips: m.stopDistancePips(req, refCandle.Open),
		}
		decision, err := m.risk.Check(ctx, &tx.Queries, m.accountID, checkReq, *refCandle)
		if err != nil {
			return err
		}
		result.Risk = decision

		order := &core.Order{
			TS:             refCandle.OpenTime,
			Symbol:         req.Symbol,
			Side:           req.Side,
			Type:           "MARKET",
			StopLoss:       req.StopLoss,
			TakeProfit:     req.TakeProfit,
			IdempotencyKey: req.IdempotencyKey,
			Reason:         req.Reason,
		}
		if decision.Allowed {
			order.Status = core.OrderNew
			order.Qty = decision.ApprovedQty
		} else {
			order.Status = core.OrderRejected
			order.Qty = req.Qty
			order.Reason = decision.Reason
		}
		if err := tx.InsertOrder(ctx, order); err != nil {
			return err
		}
		result.Order = order
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics := telemetry.GetGlobalMetrics()
	if result.Order.Status == core.OrderRejected {
		if metrics.OrdersRejectedTotal != nil {
			metrics.OrdersRejectedTotal.Add(ctx, 1)
		}
		m.logger.Info("Order rejected by risk",
			"order_id", result.Order.ID, "reason", result.Order.Reason)
		return result, nil
	}
	if metrics.OrdersPlacedTotal != nil {
		metrics.OrdersPlacedTotal.Add(ctx, 1)
	}

	// Fill at the next candle if it is already stored; otherwise the order
	// stays NEW for a later cycle.
	next := m.timeframe.Next(refCandle.OpenTime)
	if _, err := m.store.GetCandle(ctx, req.Symbol, m.timeframe, next); err == nil {
		if _, err := m.execution.ProcessNewOrdersForCandle(ctx, req.Symbol, m.timeframe, next); err != nil {
			return nil, err
		}
		if fill, err := m.store.GetFillByOrderID(ctx, result.Order.ID); err == nil {
			result.Fill = fill
			result.Order.Status = core.OrderFilled
		} else if !errors.Is(err, apperrors.ErrNotFound) {
			return nil, err
		}
	} else if !errors.Is(err, apperrors.ErrNotFound) {
		return nil, err
	}

	return result, nil
}

// Preview validates the request and runs the risk gate against the reference
// candle without persisting anything. Dry-run cycles use it to record the
// decision an execute cycle would have made.
func (m *Manager) Preview(ctx context.Context, req PlaceRequest) (*PlaceResult, error) {
	if err := m.validate(&req); err != nil {
		return nil, err
	}

	refCandle, err := m.store.LatestCandle(ctx, req.Symbol, m.timeframe)
	if err != nil {
		return nil, err
	}

	decision, err := m.risk.Check(ctx, &m.store.Queries, m.accountID, risk.CheckRequest{
		Symbol:           req.Symbol,
		Side:             req.Side,
		RequestedQty:     req.Qty,
		StopDistancePips: m.stopDistancePips(req, refCandle.Open),
	}, *refCandle)
	if err != nil {
		return nil, err
	}
	return &PlaceResult{Risk: decision}, nil
}

func (m *Manager) validate(req *PlaceRequest) error {
	req.Symbol = strings.ToUpper(strings.TrimSpace(req.Symbol))
	if !m.allowedSymbols[req.Symbol] {
		return fmt.Errorf("%w: symbol %q is not allowed", apperrors.ErrValidation, req.Symbol)
	}
	if !req.Side.Valid() {
		return fmt.Errorf("%w: side must be BUY or SELL", apperrors.ErrValidation)
	}
	if req.Type != "" && !strings.EqualFold(req.Type, "MARKET") {
		return fmt.Errorf("%w: only market orders are supported", apperrors.ErrValidation)
	}
	if req.Qty.LessThan(m.minQty) {
		return fmt.Errorf("%w: qty %s below minimum %s", apperrors.ErrValidation, req.Qty, m.minQty)
	}
	return nil
}

// replayByKey returns the prior order for the key, or an IdempotencyConflict
// when the key exists with an incompatible payload. Nil result means no prior
// order.
func (m *Manager) replayByKey(ctx context.Context, req PlaceRequest) (*PlaceResult, error) {
	existing, err := m.store.GetOrderByIdempotencyKey(ctx, req.IdempotencyKey)
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if existing.Symbol != req.Symbol || existing.Side != req.Side {
		return nil, fmt.Errorf("%w: key %q was used for %s %s", apperrors.ErrIdempotencyConflict,
			req.IdempotencyKey, existing.Side, existing.Symbol)
	}

	res := &PlaceResult{Order: existing, Replayed: true}
	if fill, err := m.store.GetFillByOrderID(ctx, existing.ID); err == nil {
		res.Fill = fill
	} else if !errors.Is(err, apperrors.ErrNotFound) {
		return nil, err
	}
	return res, nil
}

// stopDistancePips converts the stop-loss hint to a pip distance from the
// reference open.
func (m *Manager) stopDistancePips(req PlaceRequest, refOpen decimal.Decimal) decimal.Decimal {
	if req.StopLoss == nil {
		return decimal.Zero
	}
	return refOpen.Sub(*req.StopLoss).Abs().Div(m.pipSize)
}

// Get returns an order with its fill when present.
func (m *Manager) Get(ctx context.Context, id int64) (*core.Order, *core.Fill, error) {
	order, err := m.store.GetOrder(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	fill, err := m.store.GetFillByOrderID(ctx, id)
	if errors.Is(err, apperrors.ErrNotFound) {
		return order, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	return order, fill, nil
}

// List returns orders matching the filter.
func (m *Manager) List(ctx context.Context, f store.OrderFilter) ([]core.Order, error) {
	return m.store.ListOrders(ctx, f)
}

// Cancel transitions NEW -> CANCELED; any other source state fails with
// InvalidStateTransition.
func (m *Manager) Cancel(ctx context.Context, id int64) (*core.Order, error) {
	if err := m.store.TransitionOrder(ctx, id, core.OrderNew, core.OrderCanceled, "canceled"); err != nil {
		return nil, err
	}
	m.logger.Info("Order canceled", "order_id", id)
	return m.store.GetOrder(ctx, id)
}
