package marketdata

import (
	"context"
	"errors"
	"fmt"
	"time"

	"paper_trader/internal/core"
	"paper_trader/internal/store"
	apperrors "paper_trader/pkg/errors"
	"paper_trader/pkg/retry"
	"paper_trader/pkg/telemetry"
)

// IngestResult summarizes one ingest or backfill pass.
type IngestResult struct {
	Symbol    string         `json:"symbol"`
	Timeframe core.Timeframe `json:"timeframe"`
	From      time.Time      `json:"from"`
	To        time.Time      `json:"to"`
	Fetched   int            `json:"fetched"`
	Upserted  int            `json:"upserted"`
	Skipped   int            `json:"skipped"`
}

// Ingester pulls candles from the vendor into the store.
type Ingester struct {
	store    *store.Store
	provider core.MarketDataProvider
	logger   core.ILogger

	overlapCandles int
	backfillDays   int

	// now is injectable for tests; wall clock is only used to bound the fetch
	// window, never to stamp persisted decisions.
	now func() time.Time
}

// NewIngester builds an ingester with the configured overlap and backfill window.
func NewIngester(s *store.Store, provider core.MarketDataProvider, overlapCandles, backfillDays int, logger core.ILogger) *Ingester {
	return &Ingester{
		store:          s,
		provider:       provider,
		logger:         logger.WithField("component", "ingester"),
		overlapCandles: overlapCandles,
		backfillDays:   backfillDays,
		now:            time.Now,
	}
}

// SetNow overrides the clock used for fetch-window bounds.
func (in *Ingester) SetNow(now func() time.Time) { in.now = now }

// Ingest pulls the incremental window: from the latest stored bar minus the
// configured overlap (or the trailing backfill window on an empty store) up to
// the current aligned slot.
func (in *Ingester) Ingest(ctx context.Context, symbol string, tf core.Timeframe) (*IngestResult, error) {
	end := tf.Align(in.now())

	var start time.Time
	latest, err := in.store.LatestCandle(ctx, symbol, tf)
	switch {
	case err == nil:
		start = latest.OpenTime.Add(-time.Duration(in.overlapCandles) * tf.Duration())
	case errors.Is(err, apperrors.ErrNotFound):
		start = tf.Align(end.Add(-time.Duration(in.backfillDays) * 24 * time.Hour))
	default:
		return nil, err
	}

	return in.fetchAndUpsert(ctx, symbol, tf, start, end)
}

// Backfill ingests an explicit [start, end] range.
func (in *Ingester) Backfill(ctx context.Context, symbol string, tf core.Timeframe, start, end time.Time) (*IngestResult, error) {
	if !end.After(start) {
		return nil, fmt.Errorf("%w: backfill end %s not after start %s",
			apperrors.ErrValidation, end.Format(time.RFC3339), start.Format(time.RFC3339))
	}
	return in.fetchAndUpsert(ctx, symbol, tf, tf.Align(start), tf.Align(end))
}

func (in *Ingester) fetchAndUpsert(ctx context.Context, symbol string, tf core.Timeframe, start, end time.Time) (*IngestResult, error) {
	candles, err := retry.Get(ctx, retry.DefaultPolicy, isVendorTransient, func() ([]core.Candle, error) {
		return in.provider.FetchCandles(ctx, symbol, tf, start, end)
	})
	if err != nil {
		return nil, err
	}

	res := &IngestResult{Symbol: symbol, Timeframe: tf, From: start, To: end, Fetched: len(candles)}

	valid := make([]core.Candle, 0, len(candles))
	for _, c := range candles {
		if err := c.Validate(); err != nil {
			res.Skipped++
			in.logger.Warn("Skipping invalid candle",
				"symbol", c.Symbol, "open_time", c.OpenTime, "error", err)
			continue
		}
		valid = append(valid, c)
	}

	err = in.store.InTx(ctx, func(tx *store.Tx) error {
		n, err := tx.UpsertCandles(ctx, valid)
		res.Upserted = n
		return err
	})
	if err != nil {
		return nil, err
	}

	if m := telemetry.GetGlobalMetrics(); m.CandlesIngested != nil {
		m.CandlesIngested.Add(ctx, int64(res.Upserted))
	}
	in.logger.Info("Ingest complete",
		"symbol", symbol, "timeframe", string(tf),
		"fetched", res.Fetched, "upserted", res.Upserted, "skipped", res.Skipped)
	return res, nil
}

func isVendorTransient(err error) bool {
	return errors.Is(err, apperrors.ErrVendorUnavailable) || errors.Is(err, apperrors.ErrStoreUnavailable)
}
