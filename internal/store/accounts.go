package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"paper_trader/internal/core"
	apperrors "paper_trader/pkg/errors"
)

const accountCols = `id, balance, equity, margin_used, free_margin, currency, leverage, updated_at`

// EnsureAccount returns the singleton account, creating it with the initial
// balance when the table is empty.
func (q *Queries) EnsureAccount(ctx context.Context, currency string, leverage, initialBalance decimal.Decimal, asof time.Time) (*core.Account, error) {
	acct, err := q.GetDefaultAccount(ctx)
	if err == nil {
		return acct, nil
	}
	if !errors.Is(err, apperrors.ErrNotFound) {
		return nil, err
	}

	res, err := q.q.ExecContext(ctx, `
		INSERT INTO accounts (balance, equity, margin_used, free_margin, currency, leverage, updated_at)
		VALUES (?, ?, '0', ?, ?, ?, ?)`,
		initialBalance.String(), initialBalance.String(), initialBalance.String(),
		currency, leverage.String(), toUnix(asof))
	if err != nil {
		return nil, fmt.Errorf("failed to create account: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &core.Account{
		ID:         id,
		Balance:    initialBalance,
		Equity:     initialBalance,
		MarginUsed: decimal.Zero,
		FreeMargin: initialBalance,
		Currency:   currency,
		Leverage:   leverage,
		UpdatedAt:  asof.UTC(),
	}, nil
}

func scanAccount(scan func(...interface{}) error) (core.Account, error) {
	var (
		a                        core.Account
		bal, eq, mu, fm, lev     string
		updated                  int64
	)
	if err := scan(&a.ID, &bal, &eq, &mu, &fm, &a.Currency, &lev, &updated); err != nil {
		return a, err
	}
	a.UpdatedAt = fromUnix(updated)
	var err error
	if a.Balance, err = parseDec(bal); err != nil {
		return a, err
	}
	if a.Equity, err = parseDec(eq); err != nil {
		return a, err
	}
	if a.MarginUsed, err = parseDec(mu); err != nil {
		return a, err
	}
	if a.FreeMargin, err = parseDec(fm); err != nil {
		return a, err
	}
	if a.Leverage, err = parseDec(lev); err != nil {
		return a, err
	}
	return a, nil
}

// GetDefaultAccount returns the first (singleton) account, or ErrNotFound.
func (q *Queries) GetDefaultAccount(ctx context.Context) (*core.Account, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+accountCols+` FROM accounts ORDER BY id ASC LIMIT 1`)
	a, err := scanAccount(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no account", apperrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return &a, nil
}

// UpdateAccount persists the mutable account fields.
func (q *Queries) UpdateAccount(ctx context.Context, a *core.Account) error {
	_, err := q.q.ExecContext(ctx, `
		UPDATE accounts SET balance = ?, equity = ?, margin_used = ?, free_margin = ?, updated_at = ?
		WHERE id = ?`,
		a.Balance.String(), a.Equity.String(), a.MarginUsed.String(),
		a.FreeMargin.String(), toUnix(a.UpdatedAt), a.ID)
	if err != nil {
		return fmt.Errorf("failed to update account %d: %w", a.ID, err)
	}
	return nil
}

const positionCols = `id, account_id, symbol, net_qty, avg_entry_price, updated_open_time, stop_loss, take_profit, realized_pnl_cum, entry_order_id`

func scanPosition(scan func(...interface{}) error) (core.Position, error) {
	var (
		p             core.Position
		netQty, avg   string
		updated       int64
		sl, tp        sql.NullString
		realized      string
		entryOrder    sql.NullInt64
	)
	if err := scan(&p.ID, &p.AccountID, &p.Symbol, &netQty, &avg, &updated, &sl, &tp, &realized, &entryOrder); err != nil {
		return p, err
	}
	p.UpdatedOpenTime = fromUnix(updated)
	if entryOrder.Valid {
		p.EntryOrderID = &entryOrder.Int64
	}
	var err error
	if p.NetQty, err = parseDec(netQty); err != nil {
		return p, err
	}
	if p.AvgEntryPrice, err = parseDec(avg); err != nil {
		return p, err
	}
	if p.RealizedPnL, err = parseDec(realized); err != nil {
		return p, err
	}
	if p.StopLoss, err = scanNullDec(sl); err != nil {
		return p, err
	}
	if p.TakeProfit, err = scanNullDec(tp); err != nil {
		return p, err
	}
	return p, nil
}

// GetPosition returns the netting position for (account, symbol), or ErrNotFound.
func (q *Queries) GetPosition(ctx context.Context, accountID int64, symbol string) (*core.Position, error) {
	row := q.q.QueryRowContext(ctx, `
		SELECT `+positionCols+` FROM positions WHERE account_id = ? AND symbol = ?`,
		accountID, symbol)
	p, err := scanPosition(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no position for %s", apperrors.ErrNotFound, symbol)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get position: %w", err)
	}
	return &p, nil
}

// ListOpenPositions returns positions with net_qty != 0.
func (q *Queries) ListOpenPositions(ctx context.Context, accountID int64) ([]core.Position, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT `+positionCols+` FROM positions
		WHERE account_id = ? AND net_qty != '0'
		ORDER BY symbol ASC`,
		accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list positions: %w", err)
	}
	defer rows.Close()

	var out []core.Position
	for rows.Next() {
		p, err := scanPosition(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpsertPosition inserts or replaces the position row keyed by (account, symbol).
func (q *Queries) UpsertPosition(ctx context.Context, p *core.Position) error {
	res, err := q.q.ExecContext(ctx, `
		INSERT INTO positions (account_id, symbol, net_qty, avg_entry_price, updated_open_time, stop_loss, take_profit, realized_pnl_cum, entry_order_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (account_id, symbol) DO UPDATE SET
			net_qty = excluded.net_qty,
			avg_entry_price = excluded.avg_entry_price,
			updated_open_time = excluded.updated_open_time,
			stop_loss = excluded.stop_loss,
			take_profit = excluded.take_profit,
			realized_pnl_cum = excluded.realized_pnl_cum,
			entry_order_id = excluded.entry_order_id`,
		p.AccountID, p.Symbol, p.NetQty.String(), p.AvgEntryPrice.String(),
		toUnix(p.UpdatedOpenTime), nullDec(p.StopLoss), nullDec(p.TakeProfit),
		p.RealizedPnL.String(), nullInt(p.EntryOrderID))
	if err != nil {
		return fmt.Errorf("failed to upsert position %s: %w", p.Symbol, err)
	}
	if p.ID == 0 {
		if id, err := res.LastInsertId(); err == nil {
			p.ID = id
		}
	}
	return nil
}

// InsertTrade appends a closed lot and sets its ID.
func (q *Queries) InsertTrade(ctx context.Context, t *core.Trade) error {
	res, err := q.q.ExecContext(ctx, `
		INSERT INTO trades (account_id, entry_ts, exit_ts, symbol, qty, entry_price, exit_price, pnl, exit_reason, entry_order_id, exit_order_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.AccountID, toUnix(t.EntryTS), toUnix(t.ExitTS), t.Symbol, t.Qty.String(),
		t.EntryPrice.String(), t.ExitPrice.String(), t.PnL.String(), t.ExitReason,
		nullInt(t.EntryOrderID), nullInt(t.ExitOrderID))
	if err != nil {
		return fmt.Errorf("failed to insert trade: %w", err)
	}
	t.ID, err = res.LastInsertId()
	return err
}

// ListTrades returns closed trades, newest exit first.
func (q *Queries) ListTrades(ctx context.Context, accountID int64, limit int) ([]core.Trade, error) {
	query := `SELECT id, account_id, entry_ts, exit_ts, symbol, qty, entry_price, exit_price, pnl, exit_reason, entry_order_id, exit_order_id
		FROM trades WHERE account_id = ? ORDER BY exit_ts DESC, id DESC`
	args := []interface{}{accountID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list trades: %w", err)
	}
	defer rows.Close()

	var out []core.Trade
	for rows.Next() {
		var (
			t                      core.Trade
			entryTS, exitTS        int64
			qty, ep, xp, pnl       string
			entryOrder, exitOrder  sql.NullInt64
		)
		if err := rows.Scan(&t.ID, &t.AccountID, &entryTS, &exitTS, &t.Symbol, &qty, &ep, &xp, &pnl, &t.ExitReason, &entryOrder, &exitOrder); err != nil {
			return nil, err
		}
		t.EntryTS = fromUnix(entryTS)
		t.ExitTS = fromUnix(exitTS)
		if entryOrder.Valid {
			t.EntryOrderID = &entryOrder.Int64
		}
		if exitOrder.Valid {
			t.ExitOrderID = &exitOrder.Int64
		}
		if t.Qty, err = parseDec(qty); err != nil {
			return nil, err
		}
		if t.EntryPrice, err = parseDec(ep); err != nil {
			return nil, err
		}
		if t.ExitPrice, err = parseDec(xp); err != nil {
			return nil, err
		}
		if t.PnL, err = parseDec(pnl); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

const snapshotCols = `id, account_id, asof_open_time, balance, equity, unrealized_pnl, margin_used, free_margin`

// UpsertSnapshot writes the accounting snapshot for (account, asof_open_time).
// Re-running a window overwrites with identical values, keeping replays idempotent.
func (q *Queries) UpsertSnapshot(ctx context.Context, s *core.Snapshot) error {
	res, err := q.q.ExecContext(ctx, `
		INSERT INTO snapshots (account_id, asof_open_time, balance, equity, unrealized_pnl, margin_used, free_margin)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (account_id, asof_open_time) DO UPDATE SET
			balance = excluded.balance, equity = excluded.equity,
			unrealized_pnl = excluded.unrealized_pnl,
			margin_used = excluded.margin_used, free_margin = excluded.free_margin`,
		s.AccountID, toUnix(s.AsOfOpenTime), s.Balance.String(), s.Equity.String(),
		s.UnrealizedPnL.String(), s.MarginUsed.String(), s.FreeMargin.String())
	if err != nil {
		return fmt.Errorf("failed to upsert snapshot: %w", err)
	}
	if s.ID == 0 {
		if id, err := res.LastInsertId(); err == nil {
			s.ID = id
		}
	}
	return nil
}

func scanSnapshot(scan func(...interface{}) error) (core.Snapshot, error) {
	var (
		s                      core.Snapshot
		asof                   int64
		bal, eq, upnl, mu, fm  string
	)
	if err := scan(&s.ID, &s.AccountID, &asof, &bal, &eq, &upnl, &mu, &fm); err != nil {
		return s, err
	}
	s.AsOfOpenTime = fromUnix(asof)
	var err error
	if s.Balance, err = parseDec(bal); err != nil {
		return s, err
	}
	if s.Equity, err = parseDec(eq); err != nil {
		return s, err
	}
	if s.UnrealizedPnL, err = parseDec(upnl); err != nil {
		return s, err
	}
	if s.MarginUsed, err = parseDec(mu); err != nil {
		return s, err
	}
	if s.FreeMargin, err = parseDec(fm); err != nil {
		return s, err
	}
	return s, nil
}

// LatestSnapshot returns the most recent snapshot, or ErrNotFound.
func (q *Queries) LatestSnapshot(ctx context.Context, accountID int64) (*core.Snapshot, error) {
	row := q.q.QueryRowContext(ctx, `
		SELECT `+snapshotCols+` FROM snapshots
		WHERE account_id = ? ORDER BY asof_open_time DESC LIMIT 1`,
		accountID)
	s, err := scanSnapshot(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no snapshots", apperrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest snapshot: %w", err)
	}
	return &s, nil
}

// ListSnapshots returns snapshots in [start, end], ascending.
func (q *Queries) ListSnapshots(ctx context.Context, accountID int64, start, end time.Time) ([]core.Snapshot, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT `+snapshotCols+` FROM snapshots
		WHERE account_id = ? AND asof_open_time >= ? AND asof_open_time <= ?
		ORDER BY asof_open_time ASC`,
		accountID, toUnix(start), toUnix(end))
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	var out []core.Snapshot
	for rows.Next() {
		s, err := scanSnapshot(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// GetRiskLimits returns the account's risk limits, or ErrNotFound.
func (q *Queries) GetRiskLimits(ctx context.Context, accountID int64) (*core.RiskLimits, error) {
	row := q.q.QueryRowContext(ctx, `
		SELECT account_id, max_open_positions, max_open_positions_per_symbol,
			max_total_notional, max_symbol_notional, risk_per_trade_pct,
			daily_loss_limit_pct, daily_loss_limit_amount, leverage, lot_step
		FROM risk_limits WHERE account_id = ?`,
		accountID)

	var (
		rl                          core.RiskLimits
		tot, sym, rpt, dlp, dla     string
		lev, step                   string
	)
	err := row.Scan(&rl.AccountID, &rl.MaxOpenPositions, &rl.MaxOpenPositionsPerSymbol,
		&tot, &sym, &rpt, &dlp, &dla, &lev, &step)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no risk limits for account %d", apperrors.ErrNotFound, accountID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get risk limits: %w", err)
	}
	if rl.MaxTotalNotional, err = parseDec(tot); err != nil {
		return nil, err
	}
	if rl.MaxSymbolNotional, err = parseDec(sym); err != nil {
		return nil, err
	}
	if rl.RiskPerTradePct, err = parseDec(rpt); err != nil {
		return nil, err
	}
	if rl.DailyLossLimitPct, err = parseDec(dlp); err != nil {
		return nil, err
	}
	if rl.DailyLossLimitAmount, err = parseDec(dla); err != nil {
		return nil, err
	}
	if rl.Leverage, err = parseDec(lev); err != nil {
		return nil, err
	}
	if rl.LotStep, err = parseDec(step); err != nil {
		return nil, err
	}
	return &rl, nil
}

// UpsertRiskLimits writes the account's risk limits.
func (q *Queries) UpsertRiskLimits(ctx context.Context, rl *core.RiskLimits) error {
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO risk_limits (account_id, max_open_positions, max_open_positions_per_symbol,
			max_total_notional, max_symbol_notional, risk_per_trade_pct,
			daily_loss_limit_pct, daily_loss_limit_amount, leverage, lot_step)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (account_id) DO UPDATE SET
			max_open_positions = excluded.max_open_positions,
			max_open_positions_per_symbol = excluded.max_open_positions_per_symbol,
			max_total_notional = excluded.max_total_notional,
			max_symbol_notional = excluded.max_symbol_notional,
			risk_per_trade_pct = excluded.risk_per_trade_pct,
			daily_loss_limit_pct = excluded.daily_loss_limit_pct,
			daily_loss_limit_amount = excluded.daily_loss_limit_amount,
			leverage = excluded.leverage,
			lot_step = excluded.lot_step`,
		rl.AccountID, rl.MaxOpenPositions, rl.MaxOpenPositionsPerSymbol,
		rl.MaxTotalNotional.String(), rl.MaxSymbolNotional.String(), rl.RiskPerTradePct.String(),
		rl.DailyLossLimitPct.String(), rl.DailyLossLimitAmount.String(),
		rl.Leverage.String(), rl.LotStep.String())
	if err != nil {
		return fmt.Errorf("failed to upsert risk limits: %w", err)
	}
	return nil
}

// GetDailyEquity returns the equity baseline for the UTC day, or ErrNotFound.
func (q *Queries) GetDailyEquity(ctx context.Context, accountID int64, day string) (*core.DailyEquity, error) {
	row := q.q.QueryRowContext(ctx, `
		SELECT id, account_id, day, day_start_equity, min_equity
		FROM daily_equity WHERE account_id = ? AND day = ?`,
		accountID, day)

	var (
		de         core.DailyEquity
		start, min string
	)
	err := row.Scan(&de.ID, &de.AccountID, &de.Day, &start, &min)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no daily equity for %s", apperrors.ErrNotFound, day)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get daily equity: %w", err)
	}
	if de.DayStartEquity, err = parseDec(start); err != nil {
		return nil, err
	}
	if de.MinEquity, err = parseDec(min); err != nil {
		return nil, err
	}
	return &de, nil
}

// EnsureDailyEquity creates the day's baseline from the given equity if missing,
// then returns the row. The baseline is never overwritten within a day.
func (q *Queries) EnsureDailyEquity(ctx context.Context, accountID int64, day string, equity decimal.Decimal) (*core.DailyEquity, error) {
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO daily_equity (account_id, day, day_start_equity, min_equity)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (account_id, day) DO NOTHING`,
		accountID, day, equity.String(), equity.String())
	if err != nil {
		return nil, fmt.Errorf("failed to ensure daily equity: %w", err)
	}
	return q.GetDailyEquity(ctx, accountID, day)
}

// UpdateDailyMinEquity lowers the day's min_equity if equity is below it.
func (q *Queries) UpdateDailyMinEquity(ctx context.Context, accountID int64, day string, equity decimal.Decimal) error {
	_, err := q.q.ExecContext(ctx, `
		UPDATE daily_equity SET min_equity = ?
		WHERE account_id = ? AND day = ? AND CAST(min_equity AS REAL) > CAST(? AS REAL)`,
		equity.String(), accountID, day, equity.String())
	if err != nil {
		return fmt.Errorf("failed to update daily min equity: %w", err)
	}
	return nil
}

func nullInt(v *int64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}
