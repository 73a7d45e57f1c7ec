// Package risk gates proposed orders against per-account limits.
package risk

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"paper_trader/internal/core"
	"paper_trader/internal/store"
	apperrors "paper_trader/pkg/errors"
)

// Stable rejection reasons, persisted verbatim on rejected orders.
const (
	ReasonDailyLossBreached   = "daily_loss_limit_breached"
	ReasonMaxOpenPositions    = "max_open_positions"
	ReasonMaxPerSymbol        = "max_open_positions_per_symbol"
	ReasonQtyReducedToZero    = "risk_per_trade_qty_zero"
	ReasonMaxSymbolNotional   = "max_symbol_notional"
	ReasonMaxTotalNotional    = "max_total_notional"
	ReasonInsufficientMargin  = "insufficient_free_margin"
)

// CheckRequest is a proposed order under evaluation.
type CheckRequest struct {
	Symbol           string          `json:"symbol"`
	Side             core.Side       `json:"side"`
	RequestedQty     decimal.Decimal `json:"requested_qty"`
	StopDistancePips decimal.Decimal `json:"stop_distance_pips"`
}

// CheckResult is the gate decision. ApprovedQty may be below the requested
// quantity after risk-per-trade sizing.
type CheckResult struct {
	Allowed     bool            `json:"allowed"`
	ApprovedQty decimal.Decimal `json:"approved_qty"`
	Reason      string          `json:"reason,omitempty"`
	Equity      decimal.Decimal `json:"equity"`
	FreeMargin  decimal.Decimal `json:"free_margin"`
}

// Engine evaluates orders against the account's risk limits. All reads go
// through the caller's transaction so the decision and the order write are
// atomic.
type Engine struct {
	pipSize      decimal.Decimal
	contractSize decimal.Decimal
	defaults     core.RiskLimits
	logger       core.ILogger
}

// NewEngine builds the risk engine. defaults seed the risk_limits row for an
// account that has none yet.
func NewEngine(pipSize, contractSize float64, defaults core.RiskLimits, logger core.ILogger) *Engine {
	return &Engine{
		pipSize:      decimal.NewFromFloat(pipSize),
		contractSize: decimal.NewFromFloat(contractSize),
		defaults:     defaults,
		logger:       logger.WithField("component", "risk"),
	}
}

// EnsureLimits returns the account's limits, seeding the defaults on first use.
func (e *Engine) EnsureLimits(ctx context.Context, q *store.Queries, accountID int64) (*core.RiskLimits, error) {
	rl, err := q.GetRiskLimits(ctx, accountID)
	if err == nil {
		return rl, nil
	}
	if !errors.Is(err, apperrors.ErrNotFound) {
		return nil, err
	}
	seeded := e.defaults
	seeded.AccountID = accountID
	if err := q.UpsertRiskLimits(ctx, &seeded); err != nil {
		return nil, err
	}
	return &seeded, nil
}

// Check gates a proposed order against the reference candle. Checks run in a
// fixed order so rejection reasons are deterministic: daily loss, position
// caps, sizing, notional caps, free margin.
func (e *Engine) Check(ctx context.Context, q *store.Queries, accountID int64, req CheckRequest, refCandle core.Candle) (*CheckResult, error) {
	limits, err := e.EnsureLimits(ctx, q, accountID)
	if err != nil {
		return nil, err
	}

	equity, freeMargin, err := e.accountState(ctx, q, accountID)
	if err != nil {
		return nil, err
	}
	res := &CheckResult{ApprovedQty: req.RequestedQty, Equity: equity, FreeMargin: freeMargin}

	breached, err := e.dailyLossBreached(ctx, q, accountID, limits, equity, refCandle.OpenTime)
	if err != nil {
		return nil, err
	}
	if breached {
		return e.reject(res, ReasonDailyLossBreached), nil
	}

	positions, err := q.ListOpenPositions(ctx, accountID)
	if err != nil {
		return nil, err
	}

	var existing *core.Position
	for i := range positions {
		if positions[i].Symbol == req.Symbol {
			existing = &positions[i]
			break
		}
	}

	// Position-count caps apply only to exposure that opens or adds to a
	// position; reducing, closing, or flipping the existing side passes.
	increases := existing == nil || existing.NetQty.Sign() == req.Side.Signed(decimal.NewFromInt(1)).Sign()
	if increases {
		if existing == nil && len(positions) >= limits.MaxOpenPositions {
			return e.reject(res, ReasonMaxOpenPositions), nil
		}
		if existing != nil && limits.MaxOpenPositionsPerSymbol <= 1 {
			return e.reject(res, ReasonMaxPerSymbol), nil
		}
	}

	// Risk-per-trade sizing from the stop-distance hint.
	approved := req.RequestedQty
	if req.StopDistancePips.IsPositive() {
		riskAmount := equity.Mul(limits.RiskPerTradePct)
		maxUnits := riskAmount.Div(e.pipSize.Mul(req.StopDistancePips).Mul(e.contractSize))
		if maxUnits.LessThan(approved) {
			approved = maxUnits
		}
	}
	approved = floorToStep(approved, limits.LotStep)
	if !approved.IsPositive() {
		return e.reject(res, ReasonQtyReducedToZero), nil
	}
	res.ApprovedQty = approved

	mid := refCandle.Open
	orderQty := req.Side.Signed(approved)

	projectedSymbolQty := orderQty
	if existing != nil {
		projectedSymbolQty = existing.NetQty.Add(orderQty)
	}
	symbolNotional := projectedSymbolQty.Abs().Mul(mid).Mul(e.contractSize)
	if symbolNotional.GreaterThan(limits.MaxSymbolNotional) {
		return e.reject(res, ReasonMaxSymbolNotional), nil
	}

	totalNotional := symbolNotional
	for _, p := range positions {
		if p.Symbol == req.Symbol {
			continue
		}
		totalNotional = totalNotional.Add(p.NetQty.Abs().Mul(mid).Mul(e.contractSize))
	}
	if totalNotional.GreaterThan(limits.MaxTotalNotional) {
		return e.reject(res, ReasonMaxTotalNotional), nil
	}

	requiredMargin := approved.Mul(mid).Mul(e.contractSize).Div(limits.Leverage)
	if increases && freeMargin.LessThan(requiredMargin) {
		return e.reject(res, ReasonInsufficientMargin), nil
	}

	res.Allowed = true
	return res, nil
}

// accountState reads equity and free margin from the latest snapshot, falling
// back to the account row before any snapshot exists.
func (e *Engine) accountState(ctx context.Context, q *store.Queries, accountID int64) (equity, freeMargin decimal.Decimal, err error) {
	snap, err := q.LatestSnapshot(ctx, accountID)
	if err == nil {
		return snap.Equity, snap.FreeMargin, nil
	}
	if !errors.Is(err, apperrors.ErrNotFound) {
		return decimal.Zero, decimal.Zero, err
	}
	acct, err := q.GetDefaultAccount(ctx)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return acct.Equity, acct.FreeMargin, nil
}

// dailyLossBreached creates the day's baseline idempotently and tests both
// percentage and absolute drawdown limits. The day derives from the candle
// open_time, never wall clock.
func (e *Engine) dailyLossBreached(ctx context.Context, q *store.Queries, accountID int64, limits *core.RiskLimits, equity decimal.Decimal, asof time.Time) (bool, error) {
	day := asof.UTC().Format("2006-01-02")
	de, err := q.EnsureDailyEquity(ctx, accountID, day, equity)
	if err != nil {
		return false, err
	}

	pctFloor := de.DayStartEquity.Mul(decimal.NewFromInt(1).Sub(limits.DailyLossLimitPct))
	absFloor := de.DayStartEquity.Sub(limits.DailyLossLimitAmount)
	return equity.LessThanOrEqual(pctFloor) || equity.LessThanOrEqual(absFloor), nil
}

func (e *Engine) reject(res *CheckResult, reason string) *CheckResult {
	res.Allowed = false
	res.Reason = reason
	e.logger.Info("Risk check rejected", "reason", reason)
	return res
}

func floorToStep(qty, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return qty
	}
	return qty.Div(step).Floor().Mul(step)
}
