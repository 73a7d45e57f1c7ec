package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names.
const (
	MetricCyclesTotal         = "paper_trader_cycles_total"
	MetricOrdersPlacedTotal   = "paper_trader_orders_placed_total"
	MetricOrdersFilledTotal   = "paper_trader_orders_filled_total"
	MetricOrdersRejectedTotal = "paper_trader_orders_rejected_total"
	MetricFillsAppliedTotal   = "paper_trader_fills_applied_total"
	MetricCandlesIngested     = "paper_trader_candles_ingested_total"
	MetricPnLRealizedTotal    = "paper_trader_pnl_realized_total"
	MetricEquity              = "paper_trader_equity"
	MetricFreeMargin          = "paper_trader_free_margin"
	MetricPositionNetQty      = "paper_trader_position_net_qty"
)

// MetricsHolder holds initialized instruments.
type MetricsHolder struct {
	CyclesTotal         metric.Int64Counter
	OrdersPlacedTotal   metric.Int64Counter
	OrdersFilledTotal   metric.Int64Counter
	OrdersRejectedTotal metric.Int64Counter
	FillsAppliedTotal   metric.Int64Counter
	CandlesIngested     metric.Int64Counter
	PnLRealizedTotal    metric.Float64Counter
	Equity              metric.Float64ObservableGauge
	FreeMargin          metric.Float64ObservableGauge
	PositionNetQty      metric.Float64ObservableGauge

	// State for observable gauges, keyed by symbol (account gauges use "").
	mu          sync.RWMutex
	equity      float64
	freeMargin  float64
	netQtyMap   map[string]float64
	initialized bool
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder.
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			netQtyMap: make(map[string]float64),
		}
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter.
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	if m.CyclesTotal, err = meter.Int64Counter(MetricCyclesTotal,
		metric.WithDescription("Orchestrator cycles executed, by status")); err != nil {
		return err
	}
	if m.OrdersPlacedTotal, err = meter.Int64Counter(MetricOrdersPlacedTotal,
		metric.WithDescription("Orders accepted by OMS")); err != nil {
		return err
	}
	if m.OrdersFilledTotal, err = meter.Int64Counter(MetricOrdersFilledTotal,
		metric.WithDescription("Orders filled by the execution engine")); err != nil {
		return err
	}
	if m.OrdersRejectedTotal, err = meter.Int64Counter(MetricOrdersRejectedTotal,
		metric.WithDescription("Orders rejected by validation or risk")); err != nil {
		return err
	}
	if m.FillsAppliedTotal, err = meter.Int64Counter(MetricFillsAppliedTotal,
		metric.WithDescription("Fills applied by the accounting engine")); err != nil {
		return err
	}
	if m.CandlesIngested, err = meter.Int64Counter(MetricCandlesIngested,
		metric.WithDescription("Candles upserted by ingestion")); err != nil {
		return err
	}
	if m.PnLRealizedTotal, err = meter.Float64Counter(MetricPnLRealizedTotal,
		metric.WithDescription("Cumulative realized profit/loss")); err != nil {
		return err
	}

	m.Equity, err = meter.Float64ObservableGauge(MetricEquity,
		metric.WithDescription("Account equity at last snapshot"),
		metric.WithFloat64Callback(func(_ context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.equity)
			return nil
		}))
	if err != nil {
		return err
	}

	m.FreeMargin, err = meter.Float64ObservableGauge(MetricFreeMargin,
		metric.WithDescription("Account free margin at last snapshot"),
		metric.WithFloat64Callback(func(_ context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.freeMargin)
			return nil
		}))
	if err != nil {
		return err
	}

	m.PositionNetQty, err = meter.Float64ObservableGauge(MetricPositionNetQty,
		metric.WithDescription("Signed net position per symbol"),
		metric.WithFloat64Callback(func(_ context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, qty := range m.netQtyMap {
				obs.Observe(qty, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.initialized = true
	m.mu.Unlock()
	return nil
}

// RecordSnapshot updates the account gauges from the latest accounting snapshot.
func (m *MetricsHolder) RecordSnapshot(equity, freeMargin float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.equity = equity
	m.freeMargin = freeMargin
}

// RecordPosition updates the net-qty gauge for a symbol.
func (m *MetricsHolder) RecordPosition(symbol string, netQty float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.netQtyMap[symbol] = netQty
}

// GetEquity returns the last recorded equity (snapshot read; never blocks writers long).
func (m *MetricsHolder) GetEquity() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.equity
}
