package seedscenarios

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"paper_trader/internal/accounting"
	"paper_trader/internal/core"
	"paper_trader/internal/execution"
	"paper_trader/internal/notify"
	"paper_trader/internal/oms"
	"paper_trader/internal/orchestrator"
	"paper_trader/internal/pricing"
	"paper_trader/internal/risk"
	"paper_trader/internal/store"
	"paper_trader/internal/strategy"
	"paper_trader/pkg/logging"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// Stack is a fully wired engine set over one database.
type Stack struct {
	Store      *store.Store
	Pricing    *pricing.Engine
	Risk       *risk.Engine
	Execution  *execution.Engine
	Accounting *accounting.Engine
	OMS        *oms.Manager
	Service    *orchestrator.Service
	Strategies *strategy.Runner
	AccountID  int64
}

type stackOptions struct {
	spreadPips   float64
	slippagePips float64
	limits       core.RiskLimits
}

func defaultLimits() core.RiskLimits {
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

// newStack wires everything against dbPath. Reusing a path simulates a
// process restart over persisted state.
func newStack(t *testing.T, dbPath string, opts stackOptions) *Stack {
	t.Helper()
	logger := logging.GetGlobalLogger()

	st, err := store.Open(dbPath, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	acct, err := st.EnsureAccount(context.Background(), "USD",
		decimal.NewFromInt(30), decimal.NewFromInt(10000), t0)
	require.NoError(t, err)

	pe := pricing.NewEngine(opts.spreadPips, opts.slippagePips, 0.00010)
	re := risk.NewEngine(0.00010, 1.0, opts.limits, logger)
	ee := execution.NewEngine(st, pe, logger)
	ae := accounting.NewEngine(st, pe, 1.0, logger)

	runner := strategy.NewRunner(st, 200, logger)
	emaAtr, err := strategy.NewEmaAtr(strategy.EmaAtrParams{
		FastPeriod: 5, SlowPeriod: 10, ATRPeriod: 5,
		ATRSLMult: 1.5, ATRTPMult: 2.0,
	})
	require.NoError(t, err)
	runner.Register(emaAtr)

	om := oms.NewManager(st, re, ee, acct.ID, core.TimeframeM5, 0.00010, 0.01,
		[]string{"EURUSD"}, logger)
	svc := orchestrator.NewService(st, runner, ee, ae, om, notify.NopNotifier{},
		acct.ID, 1000, logger)

	return &Stack{
		Store:      st,
		Pricing:    pe,
		Risk:       re,
		Execution:  ee,
		Accounting: ae,
		OMS:        om,
		Service:    svc,
		Strategies: runner,
		AccountID:  acct.ID,
	}
}

func newDefaultStack(t *testing.T) *Stack {
	return newStack(t, filepath.Join(t.TempDir(), "e2e.db"), stackOptions{
		spreadPips: 1.0, slippagePips: 0.5, limits: defaultLimits(),
	})
}

// candleAt stores one flat M5 candle at ts with the given open.
func candleAt(ts time.Time, open float64) core.Candle {
	p := decimal.NewFromFloat(open)
	return core.Candle{
		Symbol: "EURUSD", Timeframe: core.TimeframeM5, OpenTime: ts,
		Open: p, High: p.Add(decimal.NewFromFloat(0.0005)),
		Low: p.Sub(decimal.NewFromFloat(0.0005)), Close: p,
		Volume: decimal.NewFromInt(1000), Source: "mock", IngestedAt: ts,
	}
}

func seedCandles(t *testing.T, st *store.Store, candles ...core.Candle) {
	t.Helper()
	_, err := st.UpsertCandles(context.Background(), candles)
	require.NoError(t, err)
}

// seedTrend stores n candles that fall for 10 bars and then rise, producing
// an EMA cross-up on the up-leg.
func seedTrend(t *testing.T, st *store.Store, n int) []core.Candle {
	t.Helper()
	candles := make([]core.Candle, n)
	for i := 0; i < n; i++ {
		var price float64
		if i < 10 {
			price = 1.10 - 0.0001*float64(i)
		} else {
			price = 1.10 - 0.0001*10 + 0.0008*float64(i-10)
		}
		candles[i] = candleAt(t0.Add(time.Duration(i)*5*time.Minute), price)
	}
	seedCandles(t, st, candles...)
	return candles
}
