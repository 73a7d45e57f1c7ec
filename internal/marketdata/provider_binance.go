package marketdata

import (
	"context"
	"fmt"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"paper_trader/internal/core"
	apperrors "paper_trader/pkg/errors"
)

var binanceIntervals = map[core.Timeframe]string{
	core.TimeframeM1:  "1m",
	core.TimeframeM5:  "5m",
	core.TimeframeM15: "15m",
	core.TimeframeM30: "30m",
	core.TimeframeH1:  "1h",
	core.TimeframeH4:  "4h",
	core.TimeframeD1:  "1d",
}

// FX pairs trade against USDT on the vendor; everything else passes through.
var binanceSymbols = map[string]string{
	"EURUSD": "EURUSDT",
	"GBPUSD": "GBPUSDT",
	"AUDUSD": "AUDUSDT",
}

const binanceKlineLimit = 1000

// BinanceProvider fetches closed klines from the Binance spot API.
// Public kline data needs no credentials.
type BinanceProvider struct {
	client  *binance.Client
	limiter *rate.Limiter
	logger  core.ILogger
}

// NewBinanceProvider creates the vendor adapter with a conservative rate limit.
func NewBinanceProvider(logger core.ILogger) *BinanceProvider {
	return &BinanceProvider{
		client:  binance.NewClient("", ""),
		limiter: rate.NewLimiter(rate.Limit(5), 5),
		logger:  logger.WithField("component", "binance_provider"),
	}
}

func (p *BinanceProvider) Name() string { return ProviderReal }

// FetchCandles pages through klines in [start, end], returning closed bars only.
func (p *BinanceProvider) FetchCandles(ctx context.Context, symbol string, tf core.Timeframe, start, end time.Time) ([]core.Candle, error) {
	interval, ok := binanceIntervals[tf]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported timeframe %s", apperrors.ErrValidation, tf)
	}
	vendorSymbol := symbol
	if mapped, ok := binanceSymbols[symbol]; ok {
		vendorSymbol = mapped
	}

	from := tf.Align(start)
	to := tf.Align(end)

	var out []core.Candle
	cursor := from
	for !cursor.After(to) {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		klines, err := p.client.NewKlinesService().
			Symbol(vendorSymbol).
			Interval(interval).
			StartTime(cursor.UnixMilli()).
			EndTime(to.Add(tf.Duration()).UnixMilli() - 1).
			Limit(binanceKlineLimit).
			Do(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: kline fetch for %s failed: %v", apperrors.ErrVendorUnavailable, vendorSymbol, err)
		}
		if len(klines) == 0 {
			break
		}

		for _, k := range klines {
			c, err := p.convertKline(symbol, tf, k)
			if err != nil {
				p.logger.Warn("Skipping malformed kline", "symbol", symbol, "open_time_ms", k.OpenTime, "error", err)
				continue
			}
			if c.OpenTime.After(to) {
				continue
			}
			out = append(out, c)
		}

		last := time.UnixMilli(klines[len(klines)-1].OpenTime).UTC()
		next := tf.Next(last)
		if !next.After(cursor) {
			break
		}
		cursor = next
		if len(klines) < binanceKlineLimit {
			break
		}
	}
	return out, nil
}

func (p *BinanceProvider) convertKline(symbol string, tf core.Timeframe, k *binance.Kline) (core.Candle, error) {
	var c core.Candle
	open, err := decimal.NewFromString(k.Open)
	if err != nil {
		return c, fmt.Errorf("bad open %q: %w", k.Open, err)
	}
	high, err := decimal.NewFromString(k.High)
	if err != nil {
		return c, fmt.Errorf("bad high %q: %w", k.High, err)
	}
	low, err := decimal.NewFromString(k.Low)
	if err != nil {
		return c, fmt.Errorf("bad low %q: %w", k.Low, err)
	}
	cl, err := decimal.NewFromString(k.Close)
	if err != nil {
		return c, fmt.Errorf("bad close %q: %w", k.Close, err)
	}
	vol, err := decimal.NewFromString(k.Volume)
	if err != nil {
		return c, fmt.Errorf("bad volume %q: %w", k.Volume, err)
	}

	c = core.Candle{
		Symbol:     symbol,
		Timeframe:  tf,
		OpenTime:   time.UnixMilli(k.OpenTime).UTC(),
		Open:       open,
		High:       high,
		Low:        low,
		Close:      cl,
		Volume:     vol,
		Source:     ProviderReal,
		IngestedAt: time.Now().UTC(),
	}
	return c, c.Validate()
}
