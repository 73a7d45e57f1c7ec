package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"paper_trader/internal/core"
	apperrors "paper_trader/pkg/errors"
)

const reportCols = `run_id, symbol, timeframe, candle_ts, status, intent, risk, order_json, fill, positions, account, summary_text, telegram_text, error_text, mode`

// InsertRunReport persists a cycle report. The unique index on
// (symbol, timeframe, candle_ts) rejects duplicate windows.
func (q *Queries) InsertRunReport(ctx context.Context, r *core.RunReport) error {
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO run_reports (`+reportCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.Symbol, string(r.Timeframe), toUnix(r.CandleTS), string(r.Status),
		nullJSON(r.Intent), nullJSON(r.Risk), nullJSON(r.Order), nullJSON(r.Fill),
		nullJSON(r.Positions), nullJSON(r.Account),
		r.SummaryText, r.TelegramText, nullStr(r.ErrorText), r.Mode)
	if err != nil {
		return fmt.Errorf("failed to insert run report %s: %w", r.RunID, err)
	}
	return nil
}

// UpsertRunReport writes a report, replacing any prior report for the same
// window. Only ERROR reports are ever replaced; OK and NOOP reports are
// returned unchanged by the orchestrator before it gets here.
func (q *Queries) UpsertRunReport(ctx context.Context, r *core.RunReport) error {
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO run_reports (`+reportCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (symbol, timeframe, candle_ts) DO UPDATE SET
			run_id = excluded.run_id, status = excluded.status,
			intent = excluded.intent, risk = excluded.risk,
			order_json = excluded.order_json, fill = excluded.fill,
			positions = excluded.positions, account = excluded.account,
			summary_text = excluded.summary_text,
			telegram_text = excluded.telegram_text,
			error_text = excluded.error_text, mode = excluded.mode`,
		r.RunID, r.Symbol, string(r.Timeframe), toUnix(r.CandleTS), string(r.Status),
		nullJSON(r.Intent), nullJSON(r.Risk), nullJSON(r.Order), nullJSON(r.Fill),
		nullJSON(r.Positions), nullJSON(r.Account),
		r.SummaryText, r.TelegramText, nullStr(r.ErrorText), r.Mode)
	if err != nil {
		return fmt.Errorf("failed to upsert run report %s: %w", r.RunID, err)
	}
	return nil
}

func scanReport(scan func(...interface{}) error) (core.RunReport, error) {
	var (
		r                          core.RunReport
		tf, status                 string
		candleTS                   int64
		intent, risk, order        sql.NullString
		fill, positions, account   sql.NullString
		errorText                  sql.NullString
	)
	if err := scan(&r.RunID, &r.Symbol, &tf, &candleTS, &status,
		&intent, &risk, &order, &fill, &positions, &account,
		&r.SummaryText, &r.TelegramText, &errorText, &r.Mode); err != nil {
		return r, err
	}
	r.Timeframe = core.Timeframe(tf)
	r.CandleTS = fromUnix(candleTS)
	r.Status = core.RunStatus(status)
	r.Intent = rawJSON(intent)
	r.Risk = rawJSON(risk)
	r.Order = rawJSON(order)
	r.Fill = rawJSON(fill)
	r.Positions = rawJSON(positions)
	r.Account = rawJSON(account)
	r.ErrorText = errorText.String
	return r, nil
}

// GetRunReport returns the report by run id, or ErrNotFound.
func (q *Queries) GetRunReport(ctx context.Context, runID string) (*core.RunReport, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+reportCols+` FROM run_reports WHERE run_id = ?`, runID)
	r, err := scanReport(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: run report %s", apperrors.ErrNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run report: %w", err)
	}
	return &r, nil
}

// GetRunReportByWindow returns the report for (symbol, timeframe, candle_ts), or ErrNotFound.
func (q *Queries) GetRunReportByWindow(ctx context.Context, symbol string, tf core.Timeframe, candleTS time.Time) (*core.RunReport, error) {
	row := q.q.QueryRowContext(ctx, `
		SELECT `+reportCols+` FROM run_reports
		WHERE symbol = ? AND timeframe = ? AND candle_ts = ?`,
		symbol, string(tf), toUnix(candleTS))
	r, err := scanReport(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no run report for %s/%s@%s", apperrors.ErrNotFound,
			symbol, tf, candleTS.UTC().Format(time.RFC3339))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run report by window: %w", err)
	}
	return &r, nil
}

// ListRunReports returns reports newest first.
func (q *Queries) ListRunReports(ctx context.Context, symbol string, limit int) ([]core.RunReport, error) {
	query := `SELECT ` + reportCols + ` FROM run_reports`
	var args []interface{}
	if symbol != "" {
		query += ` WHERE symbol = ?`
		args = append(args, symbol)
	}
	query += ` ORDER BY candle_ts DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list run reports: %w", err)
	}
	defer rows.Close()

	var out []core.RunReport
	for rows.Next() {
		r, err := scanReport(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullJSON(v json.RawMessage) interface{} {
	if len(v) == 0 {
		return nil
	}
	return string(v)
}

func rawJSON(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}
