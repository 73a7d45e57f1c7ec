package core

import (
	"context"
	"time"
)

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}

// MarketDataProvider is the pull contract for the market-data vendor.
// Implementations must return closed, UTC-aligned bars in ascending order and
// must not mutate core state.
type MarketDataProvider interface {
	Name() string
	FetchCandles(ctx context.Context, symbol string, tf Timeframe, start, end time.Time) ([]Candle, error)
}
