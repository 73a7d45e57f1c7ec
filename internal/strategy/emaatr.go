package strategy

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"paper_trader/internal/core"
	apperrors "paper_trader/pkg/errors"
)

// EmaAtrParams tunes the EMA-cross strategy.
type EmaAtrParams struct {
	FastPeriod      int
	SlowPeriod      int
	ATRPeriod       int
	ATRSLMult       float64
	ATRTPMult       float64
	CooldownCandles int
}

// EmaAtr signals on EMA crossovers with ATR-derived stop/target hints. It is a
// pure function of the candle window: no account, position, or clock reads.
type EmaAtr struct {
	params EmaAtrParams
}

// NewEmaAtr validates the parameters and builds the strategy.
func NewEmaAtr(p EmaAtrParams) (*EmaAtr, error) {
	if p.FastPeriod <= 0 || p.SlowPeriod <= 0 || p.ATRPeriod <= 0 {
		return nil, fmt.Errorf("%w: ema/atr periods must be positive", apperrors.ErrValidation)
	}
	if p.FastPeriod >= p.SlowPeriod {
		return nil, fmt.Errorf("%w: fast period %d must be < slow period %d",
			apperrors.ErrValidation, p.FastPeriod, p.SlowPeriod)
	}
	return &EmaAtr{params: p}, nil
}

func (s *EmaAtr) Name() string { return "ema_atr" }

// Params exposes the tuning for the strategy catalog.
func (s *EmaAtr) Params() map[string]interface{} {
	return map[string]interface{}{
		"fast_period":      s.params.FastPeriod,
		"slow_period":      s.params.SlowPeriod,
		"atr_period":       s.params.ATRPeriod,
		"atr_sl_mult":      s.params.ATRSLMult,
		"atr_tp_mult":      s.params.ATRTPMult,
		"cooldown_candles": s.params.CooldownCandles,
	}
}

// warmup is the minimum window length for a signal.
func (s *EmaAtr) warmup() int {
	m := s.params.SlowPeriod
	if s.params.ATRPeriod > m {
		m = s.params.ATRPeriod
	}
	return m + 1
}

// Evaluate maps the window to an intent. The window must be ascending by
// open_time; the last bar is the decision bar.
func (s *EmaAtr) Evaluate(window []core.Candle) (core.StrategyIntent, error) {
	if len(window) == 0 {
		return core.StrategyIntent{}, fmt.Errorf("%w: empty candle window", apperrors.ErrValidation)
	}

	last := window[len(window)-1]
	intent := core.StrategyIntent{
		Action:    core.ActionHold,
		Symbol:    last.Symbol,
		Timeframe: last.Timeframe,
		TS:        &last.OpenTime,
	}

	if len(window) < s.warmup() {
		intent.Reason = "insufficient_data"
		intent.Summary = fmt.Sprintf("HOLD %s: warming up (%d/%d candles)",
			last.Symbol, len(window), s.warmup())
		return intent, nil
	}

	closes := make([]float64, len(window))
	highs := make([]float64, len(window))
	lows := make([]float64, len(window))
	for i, c := range window {
		closes[i] = c.Close.InexactFloat64()
		highs[i] = c.High.InexactFloat64()
		lows[i] = c.Low.InexactFloat64()
	}

	fast := EMA(closes, s.params.FastPeriod)
	slow := EMA(closes, s.params.SlowPeriod)
	atr, _ := ATR(highs, lows, closes, s.params.ATRPeriod)

	n := len(window) - 1
	fastNow, slowNow := fast[n], slow[n]
	fastPrev, slowPrev := fast[n-1], slow[n-1]

	intent.Indicators = core.StrategyIndicators{
		EmaFast: &fastNow,
		EmaSlow: &slowNow,
		ATR:     &atr,
	}

	gap := hasGap(window)

	switch {
	case fastPrev <= slowPrev && fastNow > slowNow:
		intent.Action = core.ActionBuy
		intent.Reason = "ema_cross_up"
	case fastPrev >= slowPrev && fastNow < slowNow:
		intent.Action = core.ActionSell
		intent.Reason = "ema_cross_down"
	default:
		intent.Reason = "no_cross"
	}

	if intent.Action != core.ActionHold && s.inCooldown(fast, slow, n) {
		intent.Action = core.ActionHold
		intent.Reason = "cooldown"
	}

	if intent.Action != core.ActionHold {
		entry := last.Close
		slDist := decimal.NewFromFloat(atr * s.params.ATRSLMult)
		tpDist := decimal.NewFromFloat(atr * s.params.ATRTPMult)
		var sl, tp decimal.Decimal
		if intent.Action == core.ActionBuy {
			sl = entry.Sub(slDist)
			tp = entry.Add(tpDist)
		} else {
			sl = entry.Add(slDist)
			tp = entry.Sub(tpDist)
		}
		intent.RiskHints = core.StrategyRiskHints{StopLossPrice: &sl, TakeProfitPrice: &tp}
	}

	if gap {
		intent.Reason += ",data_gap_detected"
	}

	intent.Summary = s.summarize(intent, last, fastNow, slowNow, atr, gap)
	return intent, nil
}

// inCooldown reports whether another cross occurred within the cooldown window
// before the decision bar.
func (s *EmaAtr) inCooldown(fast, slow []float64, n int) bool {
	if s.params.CooldownCandles <= 0 {
		return false
	}
	lo := n - s.params.CooldownCandles
	if lo < 1 {
		lo = 1
	}
	for i := lo; i < n; i++ {
		up := fast[i-1] <= slow[i-1] && fast[i] > slow[i]
		down := fast[i-1] >= slow[i-1] && fast[i] < slow[i]
		if up || down {
			return true
		}
	}
	return false
}

func (s *EmaAtr) summarize(intent core.StrategyIntent, last core.Candle, fast, slow, atr float64, gap bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s @ %s close=%s ema_fast=%.5f ema_slow=%.5f atr=%.5f",
		intent.Action, last.Symbol, last.OpenTime.Format("2006-01-02T15:04:05Z"),
		last.Close.String(), fast, slow, atr)
	if intent.RiskHints.StopLossPrice != nil {
		fmt.Fprintf(&b, " sl=%s tp=%s",
			intent.RiskHints.StopLossPrice.StringFixed(5),
			intent.RiskHints.TakeProfitPrice.StringFixed(5))
	}
	if gap {
		b.WriteString(" [data_gap_detected]")
	}
	return b.String()
}

// hasGap reports any irregular spacing in the window.
func hasGap(window []core.Candle) bool {
	if len(window) < 2 {
		return false
	}
	step := window[0].Timeframe.Duration()
	for i := 1; i < len(window); i++ {
		if window[i].OpenTime.Sub(window[i-1].OpenTime) != step {
			return true
		}
	}
	return false
}
