// Package config handles configuration management with validation.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"paper_trader/internal/core"
)

// Config represents the complete configuration structure.
type Config struct {
	App        AppConfig        `yaml:"app"`
	MarketData MarketDataConfig `yaml:"market_data"`
	Execution  ExecutionConfig  `yaml:"execution"`
	Account    AccountConfig    `yaml:"account"`
	OMS        OMSConfig        `yaml:"oms"`
	Strategy   StrategyConfig   `yaml:"strategy"`
	Risk       RiskConfig       `yaml:"risk"`
	Loop       LoopConfig       `yaml:"loop"`
}

// AppConfig contains application-level settings.
type AppConfig struct {
	Name         string `yaml:"name"`
	LogLevel     string `yaml:"log_level"`
	HTTPPort     int    `yaml:"http_port"`
	DatabasePath string `yaml:"database_path"`
	WebhookURL   string `yaml:"webhook_url"`
}

// MarketDataConfig contains ingestion and vendor settings.
type MarketDataConfig struct {
	Symbol              string `yaml:"symbol"`
	Timeframe           string `yaml:"timeframe"`
	Provider            string `yaml:"provider"` // mock | real
	IngestOverlapCandle int    `yaml:"ingest_overlap_candles"`
	InitialBackfillDays int    `yaml:"initial_backfill_days"`
	RetentionDays       int    `yaml:"candle_retention_days"`
	VendorRateLimit     int    `yaml:"vendor_rate_limit"` // requests per second
}

// ExecutionConfig contains deterministic pricing parameters.
type ExecutionConfig struct {
	SpreadPips   float64 `yaml:"spread_pips"`
	SlippagePips float64 `yaml:"slippage_pips"`
	PipSize      float64 `yaml:"pip_size"`
	ContractSize float64 `yaml:"contract_size"`
}

// AccountConfig contains the paper account settings.
type AccountConfig struct {
	Currency       string  `yaml:"currency"`
	Leverage       float64 `yaml:"leverage"`
	InitialBalance float64 `yaml:"initial_balance"`
}

// OMSConfig contains order-management validation settings.
type OMSConfig struct {
	MinQty          float64  `yaml:"min_qty"`
	DefaultOrderQty float64  `yaml:"default_order_qty"`
	AllowedSymbols  []string `yaml:"allowed_symbols"`
}

// StrategyConfig contains the EMA/ATR strategy parameters.
type StrategyConfig struct {
	EmaFastPeriod   int     `yaml:"ema_fast_period"`
	EmaSlowPeriod   int     `yaml:"ema_slow_period"`
	ATRPeriod       int     `yaml:"atr_period"`
	ATRSLMult       float64 `yaml:"atr_sl_mult"`
	ATRTPMult       float64 `yaml:"atr_tp_mult"`
	CooldownCandles int     `yaml:"cooldown_candles"`
	WarmupLimit     int     `yaml:"warmup_limit"`
}

// RiskConfig contains the per-account risk limits (seeded into the store on first use).
type RiskConfig struct {
	MaxOpenPositions          int     `yaml:"max_open_positions"`
	MaxOpenPositionsPerSymbol int     `yaml:"max_open_positions_per_symbol"`
	MaxTotalNotional          float64 `yaml:"max_total_notional"`
	MaxSymbolNotional         float64 `yaml:"max_symbol_notional"`
	RiskPerTradePct           float64 `yaml:"risk_per_trade_pct"`
	DailyLossLimitPct         float64 `yaml:"daily_loss_limit_pct"`
	DailyLossLimitAmount      float64 `yaml:"daily_loss_limit_amount"`
	LotStep                   float64 `yaml:"lot_step"`
}

// LoopConfig controls the live ingest/cycle/prune loop.
type LoopConfig struct {
	Enabled       bool   `yaml:"enabled"`
	CycleSchedule string `yaml:"cycle_schedule"` // cron spec, e.g. "*/1 * * * *"
	PruneSchedule string `yaml:"prune_schedule"`
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable
// expansion, applies documented env overrides, and validates.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.Expand(string(data), os.Getenv)

	config := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyEnvOverrides()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return config, nil
}

// applyEnvOverrides maps the documented environment variables over the file values.
func (c *Config) applyEnvOverrides() {
	envString(&c.MarketData.Symbol, "SYMBOL")
	envString(&c.MarketData.Timeframe, "TIMEFRAME")
	envString(&c.MarketData.Provider, "MARKET_DATA_PROVIDER")
	envInt(&c.MarketData.IngestOverlapCandle, "INGEST_OVERLAP_CANDLES")
	envInt(&c.MarketData.InitialBackfillDays, "INITIAL_BACKFILL_DAYS")
	envInt(&c.MarketData.RetentionDays, "CANDLE_RETENTION_DAYS")
	envFloat(&c.Execution.SpreadPips, "EXECUTION_SPREAD_PIPS")
	envFloat(&c.Execution.SlippagePips, "EXECUTION_SLIPPAGE_PIPS")
	envFloat(&c.Execution.PipSize, "PIP_SIZE")
	envFloat(&c.Execution.ContractSize, "CONTRACT_SIZE")
	envString(&c.Account.Currency, "ACCOUNT_CURRENCY")
	envFloat(&c.Account.Leverage, "ACCOUNT_LEVERAGE")
	envFloat(&c.Account.InitialBalance, "INITIAL_BALANCE")
	envFloat(&c.OMS.MinQty, "OMS_MIN_QTY")
	envFloat(&c.OMS.DefaultOrderQty, "OMS_DEFAULT_ORDER_QTY")
	if v := os.Getenv("OMS_ALLOWED_SYMBOLS"); v != "" {
		c.OMS.AllowedSymbols = splitCSV(v)
	}
	envInt(&c.Strategy.EmaFastPeriod, "STRAT_SMA_FAST")
	envInt(&c.Strategy.EmaSlowPeriod, "STRAT_SMA_SLOW")
	envInt(&c.Strategy.ATRPeriod, "STRAT_ATR_PERIOD")
	envFloat(&c.Strategy.ATRSLMult, "STRAT_ATR_SL_MULT")
	envFloat(&c.Strategy.ATRTPMult, "STRAT_ATR_TP_MULT")
	envInt(&c.Strategy.CooldownCandles, "STRAT_COOLDOWN_CANDLES")
	envInt(&c.Risk.MaxOpenPositions, "RISK_MAX_OPEN_POSITIONS")
	envInt(&c.Risk.MaxOpenPositionsPerSymbol, "RISK_MAX_OPEN_POSITIONS_PER_SYMBOL")
	envFloat(&c.Risk.MaxTotalNotional, "RISK_MAX_TOTAL_NOTIONAL")
	envFloat(&c.Risk.MaxSymbolNotional, "RISK_MAX_SYMBOL_NOTIONAL")
	envFloat(&c.Risk.RiskPerTradePct, "RISK_PER_TRADE_PCT")
	envFloat(&c.Risk.DailyLossLimitPct, "RISK_DAILY_LOSS_LIMIT_PCT")
	envFloat(&c.Risk.DailyLossLimitAmount, "RISK_DAILY_LOSS_LIMIT_AMOUNT")
	envFloat(&c.Risk.LotStep, "RISK_LOT_STEP")
}

// Validate performs comprehensive validation of the configuration.
func (c *Config) Validate() error {
	var errs []string

	if c.MarketData.Symbol == "" {
		errs = append(errs, ValidationError{Field: "market_data.symbol", Message: "symbol is required"}.Error())
	}
	if _, err := core.ParseTimeframe(c.MarketData.Timeframe); err != nil {
		errs = append(errs, ValidationError{Field: "market_data.timeframe", Value: c.MarketData.Timeframe, Message: "must be one of M1, M5, M15, M30, H1, H4, D1"}.Error())
	}
	if c.MarketData.Provider != "mock" && c.MarketData.Provider != "real" {
		errs = append(errs, ValidationError{Field: "market_data.provider", Value: c.MarketData.Provider, Message: "must be one of: mock, real"}.Error())
	}
	if c.MarketData.IngestOverlapCandle < 0 {
		errs = append(errs, ValidationError{Field: "market_data.ingest_overlap_candles", Value: c.MarketData.IngestOverlapCandle, Message: "must be non-negative"}.Error())
	}
	if c.MarketData.InitialBackfillDays < 1 {
		errs = append(errs, ValidationError{Field: "market_data.initial_backfill_days", Value: c.MarketData.InitialBackfillDays, Message: "must be at least 1"}.Error())
	}
	if c.MarketData.RetentionDays < 1 {
		errs = append(errs, ValidationError{Field: "market_data.candle_retention_days", Value: c.MarketData.RetentionDays, Message: "must be at least 1"}.Error())
	}
	if c.Execution.SpreadPips < 0 {
		errs = append(errs, ValidationError{Field: "execution.spread_pips", Value: c.Execution.SpreadPips, Message: "must be non-negative"}.Error())
	}
	if c.Execution.SlippagePips < 0 {
		errs = append(errs, ValidationError{Field: "execution.slippage_pips", Value: c.Execution.SlippagePips, Message: "must be non-negative"}.Error())
	}
	if c.Execution.PipSize <= 0 {
		errs = append(errs, ValidationError{Field: "execution.pip_size", Value: c.Execution.PipSize, Message: "must be positive"}.Error())
	}
	if c.Execution.ContractSize <= 0 {
		errs = append(errs, ValidationError{Field: "execution.contract_size", Value: c.Execution.ContractSize, Message: "must be positive"}.Error())
	}
	if c.Account.Leverage <= 0 {
		errs = append(errs, ValidationError{Field: "account.leverage", Value: c.Account.Leverage, Message: "must be positive"}.Error())
	}
	if c.Account.InitialBalance <= 0 {
		errs = append(errs, ValidationError{Field: "account.initial_balance", Value: c.Account.InitialBalance, Message: "must be positive"}.Error())
	}
	if c.OMS.MinQty <= 0 {
		errs = append(errs, ValidationError{Field: "oms.min_qty", Value: c.OMS.MinQty, Message: "must be positive"}.Error())
	}
	if c.OMS.DefaultOrderQty < c.OMS.MinQty {
		errs = append(errs, ValidationError{Field: "oms.default_order_qty", Value: c.OMS.DefaultOrderQty, Message: "must be at least min_qty"}.Error())
	}
	if len(c.OMS.AllowedSymbols) == 0 {
		errs = append(errs, ValidationError{Field: "oms.allowed_symbols", Message: "at least one symbol must be allowed"}.Error())
	}
	if c.Strategy.EmaFastPeriod <= 0 || c.Strategy.EmaSlowPeriod <= 0 || c.Strategy.ATRPeriod <= 0 {
		errs = append(errs, ValidationError{Field: "strategy", Message: "ema/atr periods must be > 0"}.Error())
	}
	if c.Strategy.EmaFastPeriod >= c.Strategy.EmaSlowPeriod {
		errs = append(errs, ValidationError{Field: "strategy.ema_fast_period", Value: c.Strategy.EmaFastPeriod, Message: "must be < ema_slow_period"}.Error())
	}
	if c.Risk.LotStep <= 0 {
		errs = append(errs, ValidationError{Field: "risk.lot_step", Value: c.Risk.LotStep, Message: "must be positive"}.Error())
	}
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.App.LogLevel)) {
		errs = append(errs, ValidationError{Field: "app.log_level", Value: c.App.LogLevel, Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", "))}.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errs, "\n"))
	}
	return nil
}

// Timeframe returns the validated timeframe.
func (c *Config) Timeframe() core.Timeframe {
	tf, _ := core.ParseTimeframe(c.MarketData.Timeframe)
	return tf
}

// RiskLimits materializes the configured risk limits for an account.
func (c *Config) RiskLimits(accountID int64) core.RiskLimits {
	return core.RiskLimits{
		AccountID:                 accountID,
		MaxOpenPositions:          c.Risk.MaxOpenPositions,
		MaxOpenPositionsPerSymbol: c.Risk.MaxOpenPositionsPerSymbol,
		MaxTotalNotional:          decimal.NewFromFloat(c.Risk.MaxTotalNotional),
		MaxSymbolNotional:         decimal.NewFromFloat(c.Risk.MaxSymbolNotional),
		RiskPerTradePct:           decimal.NewFromFloat(c.Risk.RiskPerTradePct),
		DailyLossLimitPct:         decimal.NewFromFloat(c.Risk.DailyLossLimitPct),
		DailyLossLimitAmount:      decimal.NewFromFloat(c.Risk.DailyLossLimitAmount),
		Leverage:                  decimal.NewFromFloat(c.Account.Leverage),
		LotStep:                   decimal.NewFromFloat(c.Risk.LotStep),
	}
}

// SymbolAllowed reports whether the symbol is on the OMS allow-list.
func (c *Config) SymbolAllowed(symbol string) bool {
	return contains(c.OMS.AllowedSymbols, strings.ToUpper(symbol))
}

// DefaultConfig returns the default configuration (EURUSD M5 paper account).
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:         "paper_trader",
			LogLevel:     "INFO",
			HTTPPort:     8000,
			DatabasePath: "paper_trader.db",
		},
		MarketData: MarketDataConfig{
			Symbol:              "EURUSD",
			Timeframe:           "M5",
			Provider:            "mock",
			IngestOverlapCandle: 10,
			InitialBackfillDays: 7,
			RetentionDays:       180,
			VendorRateLimit:     5,
		},
		Execution: ExecutionConfig{
			SpreadPips:   1.0,
			SlippagePips: 0.5,
			PipSize:      0.0001,
			ContractSize: 1.0,
		},
		Account: AccountConfig{
			Currency:       "USD",
			Leverage:       30.0,
			InitialBalance: 10000.0,
		},
		OMS: OMSConfig{
			MinQty:          0.01,
			DefaultOrderQty: 1000,
			AllowedSymbols:  []string{"EURUSD"},
		},
		Strategy: StrategyConfig{
			EmaFastPeriod:   20,
			EmaSlowPeriod:   50,
			ATRPeriod:       14,
			ATRSLMult:       1.5,
			ATRTPMult:       2.0,
			CooldownCandles: 0,
			WarmupLimit:     200,
		},
		Risk: RiskConfig{
			MaxOpenPositions:          5,
			MaxOpenPositionsPerSymbol: 1,
			MaxTotalNotional:          1000000.0,
			MaxSymbolNotional:         500000.0,
			RiskPerTradePct:           0.01,
			DailyLossLimitPct:         0.05,
			DailyLossLimitAmount:      500.0,
			LotStep:                   0.01,
		},
		Loop: LoopConfig{
			Enabled:       false,
			CycleSchedule: "*/1 * * * *",
			PruneSchedule: "0 3 * * *",
		},
	}
}

// Helper functions

func envString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.ToUpper(strings.TrimSpace(p)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
