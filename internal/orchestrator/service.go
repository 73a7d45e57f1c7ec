// Package orchestrator drives the per-candle trading cycle and the live loop.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"paper_trader/internal/accounting"
	"paper_trader/internal/core"
	"paper_trader/internal/execution"
	"paper_trader/internal/notify"
	"paper_trader/internal/oms"
	"paper_trader/internal/store"
	"paper_trader/internal/strategy"
	apperrors "paper_trader/pkg/errors"
	"paper_trader/pkg/telemetry"
)

// Service runs one cycle per (symbol, tf, candle_ts). Cycles for the same
// pair are serialized; the run-report unique key plus deterministic
// idempotency keys guarantee at most one placed order per window.
type Service struct {
	store      *store.Store
	strategy   *strategy.Runner
	execution  *execution.Engine
	accounting *accounting.Engine
	oms        *oms.Manager
	notifier   notify.Notifier

	accountID  int64
	defaultQty decimal.Decimal
	logger     core.ILogger

	mu sync.Mutex
}

// NewService wires the cycle dependencies. defaultQty is the requested size
// for strategy-driven entries before risk sizing.
func NewService(s *store.Store, runner *strategy.Runner, execEngine *execution.Engine,
	acctEngine *accounting.Engine, orderManager *oms.Manager, notifier notify.Notifier,
	accountID int64, defaultQty float64, logger core.ILogger) *Service {

	if notifier == nil {
		notifier = notify.NopNotifier{}
	}
	return &Service{
		store:      s,
		strategy:   runner,
		execution:  execEngine,
		accounting: acctEngine,
		oms:        orderManager,
		notifier:   notifier,
		accountID:  accountID,
		defaultQty: decimal.NewFromFloat(defaultQty),
		logger:     logger.WithField("component", "orchestrator"),
	}
}

// RunID derives the deterministic cycle id for a window.
func RunID(symbol string, tf core.Timeframe, candleTS time.Time) string {
	seed := fmt.Sprintf("%s|%s|%s", symbol, tf, candleTS.UTC().Format(time.RFC3339))
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(seed)).String()
}

// orderKey derives the idempotency key for the window's order.
func orderKey(symbol string, tf core.Timeframe, candleTS time.Time, side core.Side) string {
	seed := fmt.Sprintf("%s|%s|%s|%s", symbol, tf, candleTS.UTC().Format(time.RFC3339), side)
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(seed)).String()
}

// RunCycle executes one trading cycle. The candle must already be stored:
// a missing candle fails fast with no report. A prior OK or NOOP report for
// the window is returned unchanged.
func (s *Service) RunCycle(ctx context.Context, symbol string, tf core.Timeframe, candleTS time.Time, mode string) (*core.RunReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if mode == "" {
		mode = core.RunModeExecute
	}
	if mode != core.RunModeExecute && mode != core.RunModeDryRun {
		return nil, fmt.Errorf("%w: invalid run mode %q", apperrors.ErrValidation, mode)
	}

	candle, err := s.store.GetCandle(ctx, symbol, tf, candleTS)
	if err != nil {
		return nil, err
	}

	if existing, err := s.store.GetRunReportByWindow(ctx, symbol, tf, candleTS); err == nil {
		if existing.Status != core.RunError {
			return existing, nil
		}
	} else if !errors.Is(err, apperrors.ErrNotFound) {
		return nil, err
	}

	report, err := s.executeCycle(ctx, symbol, tf, *candle, mode)
	if err != nil {
		report = s.errorReport(symbol, tf, candleTS, mode, err)
	}

	if err := s.store.UpsertRunReport(ctx, report); err != nil {
		return nil, err
	}
	if m := telemetry.GetGlobalMetrics(); m.CyclesTotal != nil {
		m.CyclesTotal.Add(ctx, 1)
	}
	s.notifier.NotifyRun(ctx, report)
	return report, nil
}

func (s *Service) executeCycle(ctx context.Context, symbol string, tf core.Timeframe, candle core.Candle, mode string) (*core.RunReport, error) {
	candleTS := candle.OpenTime
	report := &core.RunReport{
		RunID:     RunID(symbol, tf, candleTS),
		Symbol:    symbol,
		Timeframe: tf,
		CandleTS:  candleTS,
		Mode:      mode,
	}

	// Fill orders left NEW by earlier windows, then settle the books at this
	// candle before any new decision.
	if _, err := s.execution.ProcessNewOrdersForCandle(ctx, symbol, tf, candleTS); err != nil &&
		!errors.Is(err, apperrors.ErrDeterministicSafety) {
		return nil, err
	}
	snap, err := s.accounting.ProcessAccountingForCandle(ctx, s.accountID, candleTS, candle)
	if err != nil {
		return nil, err
	}

	if mode == core.RunModeExecute {
		if err := s.checkProtectiveExits(ctx, symbol, candle); err != nil {
			return nil, err
		}
	}

	intent, err := s.strategy.Evaluate(ctx, "", symbol, tf, candleTS)
	if err != nil {
		return nil, err
	}
	report.Intent = mustJSON(intent)
	report.SummaryText = intent.Summary

	plan, ok, err := s.planOrder(ctx, intent)
	if err != nil {
		return nil, err
	}
	if !ok {
		report.Status = core.RunNoop
		s.finishReport(ctx, report, snap, nil)
		return report, nil
	}

	// Dry runs stop after the risk gate: the decision is recorded but no
	// order row is written.
	if mode == core.RunModeDryRun {
		preview, err := s.oms.Preview(ctx, *plan)
		if err != nil {
			return nil, err
		}
		report.Risk = mustJSON(preview.Risk)
		report.Status = core.RunNoop
		report.SummaryText += " => NOOP (dry_run)"
		s.finishReport(ctx, report, snap, nil)
		return report, nil
	}

	placed, err := s.oms.Place(ctx, *plan)
	if err != nil {
		return nil, err
	}
	report.Order = mustJSON(placed.Order)
	report.Risk = mustJSON(placed.Risk)

	if placed.Order.Status == core.OrderRejected {
		report.Status = core.RunNoop
		report.SummaryText += " => NOOP (risk_rejected)"
		s.finishReport(ctx, report, snap, placed)
		return report, nil
	}

	// Settle immediately when the order filled (its candle was stored).
	if placed.Fill != nil {
		fillCandle, err := s.store.GetCandle(ctx, symbol, tf, placed.Fill.TS)
		if err != nil {
			return nil, err
		}
		snap, err = s.accounting.ProcessAccountingForCandle(ctx, s.accountID, placed.Fill.TS, *fillCandle)
		if err != nil {
			return nil, err
		}
		report.Fill = mustJSON(placed.Fill)
	}

	report.Status = core.RunOK
	s.finishReport(ctx, report, snap, placed)
	return report, nil
}

// planOrder maps the intent to a placement request. Returns ok=false for HOLD
// and for CLOSE without an open position.
func (s *Service) planOrder(ctx context.Context, intent core.StrategyIntent) (*oms.PlaceRequest, bool, error) {
	switch intent.Action {
	case core.ActionHold:
		return nil, false, nil

	case core.ActionBuy, core.ActionSell:
		side := core.Side(intent.Action)
		return &oms.PlaceRequest{
			Symbol:         intent.Symbol,
			Side:           side,
			Qty:            s.defaultQty,
			StopLoss:       intent.RiskHints.StopLossPrice,
			TakeProfit:     intent.RiskHints.TakeProfitPrice,
			IdempotencyKey: orderKey(intent.Symbol, intent.Timeframe, *intent.TS, side),
			Reason:         intent.Reason,
		}, true, nil

	case core.ActionClose:
		pos, err := s.store.GetPosition(ctx, s.accountID, intent.Symbol)
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, err
		}
		if pos.NetQty.IsZero() {
			return nil, false, nil
		}
		side := core.SideSell
		if pos.NetQty.IsNegative() {
			side = core.SideBuy
		}
		return &oms.PlaceRequest{
			Symbol:         intent.Symbol,
			Side:           side,
			Qty:            pos.NetQty.Abs(),
			IdempotencyKey: orderKey(intent.Symbol, intent.Timeframe, *intent.TS, side),
			Reason:         intent.Reason,
		}, true, nil
	}
	return nil, false, fmt.Errorf("%w: unknown intent action %q", apperrors.ErrValidation, intent.Action)
}

// checkProtectiveExits places a closing order when the candle range touches
// the position's stop or target. The close fills at the next candle open like
// any other market order.
func (s *Service) checkProtectiveExits(ctx context.Context, symbol string, candle core.Candle) error {
	pos, err := s.store.GetPosition(ctx, s.accountID, symbol)
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if pos.NetQty.IsZero() {
		return nil
	}

	long := pos.NetQty.IsPositive()
	var reason string
	switch {
	case pos.StopLoss != nil && ((long && candle.Low.LessThanOrEqual(*pos.StopLoss)) ||
		(!long && candle.High.GreaterThanOrEqual(*pos.StopLoss))):
		reason = core.ExitReasonSL
	case pos.TakeProfit != nil && ((long && candle.High.GreaterThanOrEqual(*pos.TakeProfit)) ||
		(!long && candle.Low.LessThanOrEqual(*pos.TakeProfit))):
		reason = core.ExitReasonTP
	default:
		return nil
	}

	side := core.SideSell
	if !long {
		side = core.SideBuy
	}
	key := orderKey(symbol, candle.Timeframe, candle.OpenTime, side) + "|exit"

	res, err := s.oms.Place(ctx, oms.PlaceRequest{
		Symbol:         symbol,
		Side:           side,
		Qty:            pos.NetQty.Abs(),
		IdempotencyKey: key,
		Reason:         reason,
	})
	if err != nil {
		return err
	}
	s.logger.Info("Protective exit placed",
		"symbol", symbol, "reason", reason, "order_id", res.Order.ID,
		"candle", candle.OpenTime.Format(time.RFC3339))
	return nil
}

// finishReport attaches positions/account context and renders the texts.
func (s *Service) finishReport(ctx context.Context, report *core.RunReport, snap *core.Snapshot, placed *oms.PlaceResult) {
	if positions, err := s.store.ListOpenPositions(ctx, s.accountID); err == nil {
		report.Positions = mustJSON(positions)
	}
	if snap != nil {
		report.Account = mustJSON(snap)
	}
	report.TelegramText = renderTelegramText(report, snap, placed)
	if report.SummaryText == "" {
		report.SummaryText = fmt.Sprintf("%s %s/%s @ %s",
			report.Status, report.Symbol, report.Timeframe,
			report.CandleTS.Format(time.RFC3339))
	}
}

func (s *Service) errorReport(symbol string, tf core.Timeframe, candleTS time.Time, mode string, cause error) *core.RunReport {
	s.logger.Error("Cycle failed", "symbol", symbol, "candle_ts", candleTS.Format(time.RFC3339), "error", cause)
	report := &core.RunReport{
		RunID:     RunID(symbol, tf, candleTS),
		Symbol:    symbol,
		Timeframe: tf,
		CandleTS:  candleTS,
		Status:    core.RunError,
		Mode:      mode,
		ErrorText: cause.Error(),
		SummaryText: fmt.Sprintf("ERROR %s/%s @ %s: %v",
			symbol, tf, candleTS.Format(time.RFC3339), cause),
	}
	report.TelegramText = renderTelegramText(report, nil, nil)
	return report
}

// renderTelegramText builds the stable multi-line summary. The first line is
// always "run_id=… status=…".
func renderTelegramText(report *core.RunReport, snap *core.Snapshot, placed *oms.PlaceResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "run_id=%s status=%s\n", report.RunID, report.Status)
	fmt.Fprintf(&b, "symbol=%s tf=%s candle=%s mode=%s",
		report.Symbol, report.Timeframe, report.CandleTS.UTC().Format(time.RFC3339), report.Mode)

	if report.ErrorText != "" {
		fmt.Fprintf(&b, "\nerror=%s", report.ErrorText)
		return b.String()
	}
	if report.SummaryText != "" {
		fmt.Fprintf(&b, "\n%s", report.SummaryText)
	}
	if placed != nil && placed.Order != nil {
		fmt.Fprintf(&b, "\norder_id=%d side=%s qty=%s status=%s",
			placed.Order.ID, placed.Order.Side, placed.Order.Qty, placed.Order.Status)
		if placed.Order.Reason != "" {
			fmt.Fprintf(&b, " reason=%s", placed.Order.Reason)
		}
		if placed.Fill != nil {
			fmt.Fprintf(&b, "\nfill_price=%s fill_ts=%s",
				placed.Fill.Price, placed.Fill.TS.UTC().Format(time.RFC3339))
		}
	}
	if snap != nil {
		fmt.Fprintf(&b, "\nbalance=%s equity=%s free_margin=%s",
			snap.Balance.StringFixed(2), snap.Equity.StringFixed(2), snap.FreeMargin.StringFixed(2))
	}
	return b.String()
}

func mustJSON(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{"marshal_error":true}`)
	}
	return data
}
