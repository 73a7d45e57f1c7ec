// Package core defines the domain types and core interfaces of the paper-trading engine.
package core

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	apperrors "paper_trader/pkg/errors"
)

// Side is an order direction.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Valid reports whether the side is BUY or SELL.
func (s Side) Valid() bool { return s == SideBuy || s == SideSell }

// Signed returns qty with the side's sign applied (BUY positive, SELL negative).
func (s Side) Signed(qty decimal.Decimal) decimal.Decimal {
	if s == SideSell {
		return qty.Neg()
	}
	return qty
}

// OrderStatus is the order lifecycle state. NEW is the only non-terminal state.
type OrderStatus string

const (
	OrderNew      OrderStatus = "NEW"
	OrderFilled   OrderStatus = "FILLED"
	OrderRejected OrderStatus = "REJECTED"
	OrderCanceled OrderStatus = "CANCELED"
)

// Terminal reports whether the status admits no further transition.
func (s OrderStatus) Terminal() bool { return s != OrderNew }

// RunStatus is the outcome of one orchestrator cycle.
type RunStatus string

const (
	RunOK    RunStatus = "OK"
	RunNoop  RunStatus = "NOOP"
	RunError RunStatus = "ERROR"
)

// Action is a strategy intent action.
type Action string

const (
	ActionBuy   Action = "BUY"
	ActionSell  Action = "SELL"
	ActionHold  Action = "HOLD"
	ActionClose Action = "CLOSE"
)

// Candle is one closed OHLCV bar. open_time is UTC and aligned to the timeframe grid.
type Candle struct {
	Symbol     string          `json:"symbol"`
	Timeframe  Timeframe       `json:"timeframe"`
	OpenTime   time.Time       `json:"open_time"`
	Open       decimal.Decimal `json:"open"`
	High       decimal.Decimal `json:"high"`
	Low        decimal.Decimal `json:"low"`
	Close      decimal.Decimal `json:"close"`
	Volume     decimal.Decimal `json:"volume"`
	Source     string          `json:"source"`
	IngestedAt time.Time       `json:"ingested_at"`
}

// Validate enforces OHLC sanity and timeframe alignment.
func (c Candle) Validate() error {
	if c.Symbol == "" {
		return fmt.Errorf("%w: candle symbol is empty", apperrors.ErrValidation)
	}
	if _, err := c.Timeframe.Minutes(); err != nil {
		return err
	}
	if !c.Timeframe.Aligned(c.OpenTime) {
		return fmt.Errorf("%w: open_time %s not aligned to %s grid",
			apperrors.ErrValidation, c.OpenTime.UTC().Format(time.RFC3339), c.Timeframe)
	}
	if c.High.LessThan(c.Low) {
		return fmt.Errorf("%w: high %s < low %s", apperrors.ErrValidation, c.High, c.Low)
	}
	if c.High.LessThan(c.Open) || c.High.LessThan(c.Close) {
		return fmt.Errorf("%w: high %s < open/close", apperrors.ErrValidation, c.High)
	}
	if c.Low.GreaterThan(c.Open) || c.Low.GreaterThan(c.Close) {
		return fmt.Errorf("%w: low %s > open/close", apperrors.ErrValidation, c.Low)
	}
	return nil
}

// Account is the singleton account row.
type Account struct {
	ID         int64           `json:"id"`
	Balance    decimal.Decimal `json:"balance"`
	Equity     decimal.Decimal `json:"equity"`
	MarginUsed decimal.Decimal `json:"margin_used"`
	FreeMargin decimal.Decimal `json:"free_margin"`
	Currency   string          `json:"currency"`
	Leverage   decimal.Decimal `json:"leverage"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Order is a market order. TS always derives from a candle open_time, never wall clock.
type Order struct {
	ID             int64            `json:"id"`
	TS             time.Time        `json:"ts"`
	Symbol         string           `json:"symbol"`
	Side           Side             `json:"side"`
	Type           string           `json:"type"`
	Qty            decimal.Decimal  `json:"qty"`
	Status         OrderStatus      `json:"status"`
	Reason         string           `json:"reason,omitempty"`
	RequestedPrice *decimal.Decimal `json:"requested_price,omitempty"`
	StopLoss       *decimal.Decimal `json:"stop_loss,omitempty"`
	TakeProfit     *decimal.Decimal `json:"take_profit,omitempty"`
	IdempotencyKey string           `json:"idempotency_key,omitempty"`
}

// Fill is the single execution record of a FILLED order.
type Fill struct {
	ID          int64           `json:"id"`
	OrderID     int64           `json:"order_id"`
	TS          time.Time       `json:"ts"`
	Symbol      string          `json:"symbol"`
	Side        Side            `json:"side"`
	Qty         decimal.Decimal `json:"qty"`
	Price       decimal.Decimal `json:"price"`
	Fee         decimal.Decimal `json:"fee"`
	Slippage    decimal.Decimal `json:"slippage"`
	AccountedAt *time.Time      `json:"accounted_at_open_time,omitempty"`
}

// Position is the mutable netting position per (account, symbol), owned by accounting.
type Position struct {
	ID              int64            `json:"id"`
	AccountID       int64            `json:"account_id"`
	Symbol          string           `json:"symbol"`
	NetQty          decimal.Decimal  `json:"net_qty"`
	AvgEntryPrice   decimal.Decimal  `json:"avg_entry_price"`
	UpdatedOpenTime time.Time        `json:"updated_open_time"`
	StopLoss        *decimal.Decimal `json:"stop_loss,omitempty"`
	TakeProfit      *decimal.Decimal `json:"take_profit,omitempty"`
	RealizedPnL     decimal.Decimal  `json:"realized_pnl_cum"`
	EntryOrderID    *int64           `json:"entry_order_id,omitempty"`
}

// Trade is an append-only closed lot.
type Trade struct {
	ID           int64           `json:"id"`
	AccountID    int64           `json:"account_id"`
	EntryTS      time.Time       `json:"entry_ts"`
	ExitTS       time.Time       `json:"exit_ts"`
	Symbol       string          `json:"symbol"`
	Qty          decimal.Decimal `json:"qty"`
	EntryPrice   decimal.Decimal `json:"entry_price"`
	ExitPrice    decimal.Decimal `json:"exit_price"`
	PnL          decimal.Decimal `json:"pnl"`
	ExitReason   string          `json:"exit_reason"`
	EntryOrderID *int64          `json:"entry_order_id,omitempty"`
	ExitOrderID  *int64          `json:"exit_order_id,omitempty"`
}

// Exit reasons recorded on trades.
const (
	ExitReasonSL     = "SL"
	ExitReasonTP     = "TP"
	ExitReasonManual = "MANUAL"
	ExitReasonFlip   = "FLIP"
)

// Snapshot is an accounting snapshot, unique per (account, asof_open_time).
type Snapshot struct {
	ID            int64           `json:"id"`
	AccountID     int64           `json:"account_id"`
	AsOfOpenTime  time.Time       `json:"asof_open_time"`
	Balance       decimal.Decimal `json:"balance"`
	Equity        decimal.Decimal `json:"equity"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	MarginUsed    decimal.Decimal `json:"margin_used"`
	FreeMargin    decimal.Decimal `json:"free_margin"`
}

// RiskLimits is the per-account risk tuning row.
type RiskLimits struct {
	AccountID                 int64           `json:"account_id"`
	MaxOpenPositions          int             `json:"max_open_positions"`
	MaxOpenPositionsPerSymbol int             `json:"max_open_positions_per_symbol"`
	MaxTotalNotional          decimal.Decimal `json:"max_total_notional"`
	MaxSymbolNotional         decimal.Decimal `json:"max_symbol_notional"`
	RiskPerTradePct           decimal.Decimal `json:"risk_per_trade_pct"`
	DailyLossLimitPct         decimal.Decimal `json:"daily_loss_limit_pct"`
	DailyLossLimitAmount      decimal.Decimal `json:"daily_loss_limit_amount"`
	Leverage                  decimal.Decimal `json:"leverage"`
	LotStep                   decimal.Decimal `json:"lot_step"`
}

// DailyEquity is the daily equity baseline, unique per (account, day).
// Day is the UTC date of the candle open_time, formatted 2006-01-02.
type DailyEquity struct {
	ID             int64           `json:"id"`
	AccountID      int64           `json:"account_id"`
	Day            string          `json:"day"`
	DayStartEquity decimal.Decimal `json:"day_start_equity"`
	MinEquity      decimal.Decimal `json:"min_equity"`
}

// RunReport is the persisted record of one orchestrator cycle,
// unique per (symbol, timeframe, candle_ts).
type RunReport struct {
	RunID        string          `json:"run_id"`
	Symbol       string          `json:"symbol"`
	Timeframe    Timeframe       `json:"timeframe"`
	CandleTS     time.Time       `json:"candle_ts"`
	Status       RunStatus       `json:"status"`
	Intent       json.RawMessage `json:"intent,omitempty"`
	Risk         json.RawMessage `json:"risk,omitempty"`
	Order        json.RawMessage `json:"order,omitempty"`
	Fill         json.RawMessage `json:"fill,omitempty"`
	Positions    json.RawMessage `json:"positions,omitempty"`
	Account      json.RawMessage `json:"account,omitempty"`
	SummaryText  string          `json:"summary_text"`
	TelegramText string          `json:"telegram_text"`
	ErrorText    string          `json:"error_text,omitempty"`
	Mode         string          `json:"mode"`
}

// Run modes accepted by the orchestrator.
const (
	RunModeExecute = "execute"
	RunModeDryRun  = "dry_run"
)

// StrategyIndicators are the indicator values behind an intent.
type StrategyIndicators struct {
	EmaFast *float64 `json:"ema_fast"`
	EmaSlow *float64 `json:"ema_slow"`
	ATR     *float64 `json:"atr"`
}

// StrategyRiskHints carry the SL/TP price suggestions of an intent.
type StrategyRiskHints struct {
	StopLossPrice   *decimal.Decimal `json:"stop_loss_price"`
	TakeProfitPrice *decimal.Decimal `json:"take_profit_price"`
}

// StrategyIntent is the pure strategy output for one candle window.
type StrategyIntent struct {
	Action     Action             `json:"action"`
	Reason     string             `json:"reason"`
	Symbol     string             `json:"symbol"`
	Timeframe  Timeframe          `json:"timeframe"`
	TS         *time.Time         `json:"ts"`
	Indicators StrategyIndicators `json:"indicators"`
	RiskHints  StrategyRiskHints  `json:"risk_hints"`
	Summary    string             `json:"summary"`
}
