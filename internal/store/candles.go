package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"paper_trader/internal/core"
	apperrors "paper_trader/pkg/errors"
)

const candleCols = `symbol, timeframe, open_time, open, high, low, close, volume, source, ingested_at`

// UpsertCandles inserts or replaces candles keyed by (symbol, timeframe, open_time)
// and returns the number of rows written.
func (q *Queries) UpsertCandles(ctx context.Context, candles []core.Candle) (int, error) {
	n := 0
	for _, c := range candles {
		_, err := q.q.ExecContext(ctx, `
			INSERT INTO candles (`+candleCols+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (symbol, timeframe, open_time) DO UPDATE SET
				open = excluded.open, high = excluded.high, low = excluded.low,
				close = excluded.close, volume = excluded.volume,
				source = excluded.source, ingested_at = excluded.ingested_at`,
			c.Symbol, string(c.Timeframe), toUnix(c.OpenTime),
			c.Open.String(), c.High.String(), c.Low.String(), c.Close.String(),
			c.Volume.String(), c.Source, toUnix(c.IngestedAt))
		if err != nil {
			return n, fmt.Errorf("failed to upsert candle %s/%s@%d: %w",
				c.Symbol, c.Timeframe, toUnix(c.OpenTime), err)
		}
		n++
	}
	return n, nil
}

func scanCandle(scan func(...interface{}) error) (core.Candle, error) {
	var (
		c                        core.Candle
		tf                       string
		openTime, ingestedAt     int64
		o, h, l, cl, vol, source string
	)
	if err := scan(&c.Symbol, &tf, &openTime, &o, &h, &l, &cl, &vol, &source, &ingestedAt); err != nil {
		return c, err
	}
	c.Timeframe = core.Timeframe(tf)
	c.OpenTime = fromUnix(openTime)
	c.IngestedAt = fromUnix(ingestedAt)
	c.Source = source
	var err error
	if c.Open, err = parseDec(o); err != nil {
		return c, err
	}
	if c.High, err = parseDec(h); err != nil {
		return c, err
	}
	if c.Low, err = parseDec(l); err != nil {
		return c, err
	}
	if c.Close, err = parseDec(cl); err != nil {
		return c, err
	}
	if c.Volume, err = parseDec(vol); err != nil {
		return c, err
	}
	return c, nil
}

// GetCandle returns the candle at exactly open_time.
func (q *Queries) GetCandle(ctx context.Context, symbol string, tf core.Timeframe, openTime time.Time) (*core.Candle, error) {
	row := q.q.QueryRowContext(ctx, `
		SELECT `+candleCols+` FROM candles
		WHERE symbol = ? AND timeframe = ? AND open_time = ?`,
		symbol, string(tf), toUnix(openTime))
	c, err := scanCandle(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: candle %s/%s@%s", apperrors.ErrNotFound,
			symbol, tf, openTime.UTC().Format(time.RFC3339))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get candle: %w", err)
	}
	return &c, nil
}

// ListCandles returns candles with open_time in [start, end], ascending.
func (q *Queries) ListCandles(ctx context.Context, symbol string, tf core.Timeframe, start, end time.Time) ([]core.Candle, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT `+candleCols+` FROM candles
		WHERE symbol = ? AND timeframe = ? AND open_time >= ? AND open_time <= ?
		ORDER BY open_time ASC`,
		symbol, string(tf), toUnix(start), toUnix(end))
	if err != nil {
		return nil, fmt.Errorf("failed to list candles: %w", err)
	}
	defer rows.Close()
	return collectCandles(rows)
}

// ListCandlesUpTo returns the last limit candles with open_time <= asof, ascending.
func (q *Queries) ListCandlesUpTo(ctx context.Context, symbol string, tf core.Timeframe, asof time.Time, limit int) ([]core.Candle, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT `+candleCols+` FROM (
			SELECT `+candleCols+` FROM candles
			WHERE symbol = ? AND timeframe = ? AND open_time <= ?
			ORDER BY open_time DESC LIMIT ?
		) ORDER BY open_time ASC`,
		symbol, string(tf), toUnix(asof), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list candles up to: %w", err)
	}
	defer rows.Close()
	return collectCandles(rows)
}

func collectCandles(rows *sql.Rows) ([]core.Candle, error) {
	var out []core.Candle
	for rows.Next() {
		c, err := scanCandle(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// LatestCandle returns the most recent candle for the pair, or ErrNotFound.
func (q *Queries) LatestCandle(ctx context.Context, symbol string, tf core.Timeframe) (*core.Candle, error) {
	row := q.q.QueryRowContext(ctx, `
		SELECT `+candleCols+` FROM candles
		WHERE symbol = ? AND timeframe = ?
		ORDER BY open_time DESC LIMIT 1`,
		symbol, string(tf))
	c, err := scanCandle(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no candles for %s/%s", apperrors.ErrNotFound, symbol, tf)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest candle: %w", err)
	}
	return &c, nil
}

// CountCandles counts candles in [start, end].
func (q *Queries) CountCandles(ctx context.Context, symbol string, tf core.Timeframe, start, end time.Time) (int, error) {
	var n int
	err := q.q.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM candles
		WHERE symbol = ? AND timeframe = ? AND open_time >= ? AND open_time <= ?`,
		symbol, string(tf), toUnix(start), toUnix(end)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count candles: %w", err)
	}
	return n, nil
}

// ListOpenTimes returns the open_times present in [start, end], ascending.
func (q *Queries) ListOpenTimes(ctx context.Context, symbol string, tf core.Timeframe, start, end time.Time) ([]time.Time, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT open_time FROM candles
		WHERE symbol = ? AND timeframe = ? AND open_time >= ? AND open_time <= ?
		ORDER BY open_time ASC`,
		symbol, string(tf), toUnix(start), toUnix(end))
	if err != nil {
		return nil, fmt.Errorf("failed to list open times: %w", err)
	}
	defer rows.Close()

	var out []time.Time
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, fromUnix(v))
	}
	return out, rows.Err()
}

// DeleteCandlesBefore removes candles with open_time < cutoff and returns the count.
func (q *Queries) DeleteCandlesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := q.q.ExecContext(ctx, `DELETE FROM candles WHERE open_time < ?`, toUnix(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to prune candles: %w", err)
	}
	return res.RowsAffected()
}
