// Package marketdata provides candle vendors, ingestion, integrity checking
// and retention for the candle store.
package marketdata

import (
	"fmt"

	"paper_trader/internal/core"
	apperrors "paper_trader/pkg/errors"
)

// Provider names accepted in configuration.
const (
	ProviderMock = "mock"
	ProviderReal = "real"
)

// NewProvider selects a vendor adapter by config string.
func NewProvider(name string, logger core.ILogger) (core.MarketDataProvider, error) {
	switch name {
	case ProviderMock:
		return NewMockProvider(), nil
	case ProviderReal:
		return NewBinanceProvider(logger), nil
	default:
		return nil, fmt.Errorf("%w: unknown market data provider %q", apperrors.ErrValidation, name)
	}
}
