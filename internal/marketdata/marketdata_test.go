package marketdata

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paper_trader/internal/core"
	"paper_trader/internal/store"
	apperrors "paper_trader/pkg/errors"
	"paper_trader/pkg/logging"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"), logging.GetGlobalLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestMockProviderIsDeterministic(t *testing.T) {
	p := NewMockProvider()
	ctx := context.Background()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(50 * 5 * time.Minute)

	a, err := p.FetchCandles(ctx, "EURUSD", core.TimeframeM5, start, end)
	require.NoError(t, err)
	b, err := p.FetchCandles(ctx, "EURUSD", core.TimeframeM5, start, end)
	require.NoError(t, err)

	require.Equal(t, len(a), len(b))
	for i := range a {
		assert.True(t, a[i].Open.Equal(b[i].Open))
		assert.True(t, a[i].Close.Equal(b[i].Close))
		assert.Equal(t, a[i].OpenTime, b[i].OpenTime)
	}
}

func TestMockProviderCandlesAreValid(t *testing.T) {
	p := NewMockProvider()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	candles, err := p.FetchCandles(context.Background(), "EURUSD", core.TimeframeM5, start, start.Add(100*5*time.Minute))
	require.NoError(t, err)
	require.Len(t, candles, 101)
	for _, c := range candles {
		require.NoError(t, c.Validate())
	}
}

func TestIngestBackfillsEmptyStore(t *testing.T) {
	s := newTestStore(t)
	in := NewIngester(s, NewMockProvider(), 10, 1, logging.GetGlobalLogger())
	now := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	in.SetNow(func() time.Time { return now })

	res, err := in.Ingest(context.Background(), "EURUSD", core.TimeframeM5)
	require.NoError(t, err)

	// One trailing day of M5 slots, inclusive of both ends.
	assert.Equal(t, 24*12+1, res.Upserted)
	assert.Zero(t, res.Skipped)

	latest, err := s.LatestCandle(context.Background(), "EURUSD", core.TimeframeM5)
	require.NoError(t, err)
	assert.Equal(t, now, latest.OpenTime)
}

func TestIngestOverlapReFetchesRecentBars(t *testing.T) {
	s := newTestStore(t)
	in := NewIngester(s, NewMockProvider(), 10, 1, logging.GetGlobalLogger())
	ctx := context.Background()

	t0 := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	in.SetNow(func() time.Time { return t0 })
	_, err := in.Ingest(ctx, "EURUSD", core.TimeframeM5)
	require.NoError(t, err)

	t1 := t0.Add(30 * time.Minute)
	in.SetNow(func() time.Time { return t1 })
	res, err := in.Ingest(ctx, "EURUSD", core.TimeframeM5)
	require.NoError(t, err)

	// 10 overlap slots re-fetched plus 6 new plus the latest bar itself.
	assert.Equal(t, 17, res.Fetched)

	latest, err := s.LatestCandle(ctx, "EURUSD", core.TimeframeM5)
	require.NoError(t, err)
	assert.Equal(t, t1, latest.OpenTime)
}

type flakyProvider struct {
	inner    core.MarketDataProvider
	failures int
	calls    int
}

func (f *flakyProvider) Name() string { return "flaky" }

func (f *flakyProvider) FetchCandles(ctx context.Context, symbol string, tf core.Timeframe, start, end time.Time) ([]core.Candle, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, fmt.Errorf("%w: transient vendor outage", apperrors.ErrVendorUnavailable)
	}
	return f.inner.FetchCandles(ctx, symbol, tf, start, end)
}

func TestIngestRetriesTransientVendorErrors(t *testing.T) {
	s := newTestStore(t)
	fp := &flakyProvider{inner: NewMockProvider(), failures: 2}
	in := NewIngester(s, fp, 10, 1, logging.GetGlobalLogger())
	in.SetNow(func() time.Time { return time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC) })

	_, err := in.Ingest(context.Background(), "EURUSD", core.TimeframeM5)
	require.NoError(t, err)
	assert.Equal(t, 3, fp.calls)
}

func TestBackfillRejectsInvertedRange(t *testing.T) {
	s := newTestStore(t)
	in := NewIngester(s, NewMockProvider(), 10, 1, logging.GetGlobalLogger())
	start := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

	_, err := in.Backfill(context.Background(), "EURUSD", core.TimeframeM5, start, start.Add(-time.Hour))
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestIntegrityDetectsMissingRanges(t *testing.T) {
	s := newTestStore(t)
	in := NewIngester(s, NewMockProvider(), 0, 1, logging.GetGlobalLogger())
	ctx := context.Background()

	start := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	end := start.Add(9 * 5 * time.Minute)

	_, err := in.Backfill(ctx, "EURUSD", core.TimeframeM5, start, end)
	require.NoError(t, err)

	report, err := CheckIntegrity(ctx, s, "EURUSD", core.TimeframeM5, start, end)
	require.NoError(t, err)
	assert.Equal(t, 10, report.Expected)
	assert.Equal(t, 10, report.Actual)
	assert.True(t, report.IsComplete)

	// A window wider than the data shows the hole at the front.
	report, err = CheckIntegrity(ctx, s, "EURUSD", core.TimeframeM5, start.Add(-15*time.Minute), end)
	require.NoError(t, err)
	assert.Equal(t, 13, report.Expected)
	assert.False(t, report.IsComplete)
	require.Len(t, report.MissingRanges, 1)
	assert.Equal(t, start.Add(-15*time.Minute), report.MissingRanges[0].FirstMissingOpenTime)
	assert.Equal(t, start.Add(-5*time.Minute), report.MissingRanges[0].LastMissingOpenTime)
}

func TestPruneDeletesOldCandles(t *testing.T) {
	s := newTestStore(t)
	in := NewIngester(s, NewMockProvider(), 0, 1, logging.GetGlobalLogger())
	ctx := context.Background()

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err := in.Backfill(ctx, "EURUSD", core.TimeframeM5, start, start.Add(time.Hour))
	require.NoError(t, err)

	p := NewPruner(s, logging.GetGlobalLogger())
	p.SetNow(func() time.Time { return start.Add(30*time.Minute + 180*24*time.Hour) })

	res, err := p.Prune(ctx, 180)
	require.NoError(t, err)
	assert.Equal(t, int64(6), res.DeletedCount)
	assert.Equal(t, start.Add(30*time.Minute), res.CutoffTime)
}
