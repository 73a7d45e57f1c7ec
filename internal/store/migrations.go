package store

import (
	"context"
	"fmt"
	"time"
)

// migration is one forward-only schema step. Versions are applied in order and
// recorded in schema_migrations; already-applied versions are skipped.
type migration struct {
	version int
	name    string
	stmts   []string
}

var migrations = []migration{
	{
		version: 1,
		name:    "candles",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS candles (
				symbol      TEXT    NOT NULL,
				timeframe   TEXT    NOT NULL,
				open_time   INTEGER NOT NULL,
				open        TEXT    NOT NULL,
				high        TEXT    NOT NULL,
				low         TEXT    NOT NULL,
				close       TEXT    NOT NULL,
				volume      TEXT    NOT NULL,
				source      TEXT    NOT NULL,
				ingested_at INTEGER NOT NULL,
				PRIMARY KEY (symbol, timeframe, open_time)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_candles_open_time ON candles (open_time)`,
		},
	},
	{
		version: 2,
		name:    "orders_and_fills",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS orders (
				id              INTEGER PRIMARY KEY AUTOINCREMENT,
				ts              INTEGER NOT NULL,
				symbol          TEXT    NOT NULL,
				side            TEXT    NOT NULL,
				type            TEXT    NOT NULL DEFAULT 'MARKET',
				qty             TEXT    NOT NULL,
				status          TEXT    NOT NULL DEFAULT 'NEW',
				reason          TEXT,
				requested_price TEXT,
				stop_loss       TEXT,
				take_profit     TEXT,
				idempotency_key TEXT UNIQUE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_orders_status_ts ON orders (status, ts)`,
			`CREATE TABLE IF NOT EXISTS fills (
				id                     INTEGER PRIMARY KEY AUTOINCREMENT,
				order_id               INTEGER NOT NULL UNIQUE REFERENCES orders (id),
				ts                     INTEGER NOT NULL,
				symbol                 TEXT    NOT NULL,
				side                   TEXT    NOT NULL,
				qty                    TEXT    NOT NULL,
				price                  TEXT    NOT NULL,
				fee                    TEXT    NOT NULL DEFAULT '0',
				slippage               TEXT    NOT NULL DEFAULT '0',
				accounted_at_open_time INTEGER
			)`,
			`CREATE INDEX IF NOT EXISTS idx_fills_ts_id ON fills (ts, id)`,
			`CREATE INDEX IF NOT EXISTS idx_fills_unaccounted ON fills (accounted_at_open_time) WHERE accounted_at_open_time IS NULL`,
		},
	},
	{
		version: 3,
		name:    "accounts_positions_trades",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS accounts (
				id          INTEGER PRIMARY KEY AUTOINCREMENT,
				balance     TEXT    NOT NULL,
				equity      TEXT    NOT NULL,
				margin_used TEXT    NOT NULL DEFAULT '0',
				free_margin TEXT    NOT NULL,
				currency    TEXT    NOT NULL DEFAULT 'USD',
				leverage    TEXT    NOT NULL DEFAULT '30',
				updated_at  INTEGER NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS positions (
				id                INTEGER PRIMARY KEY AUTOINCREMENT,
				account_id        INTEGER NOT NULL REFERENCES accounts (id),
				symbol            TEXT    NOT NULL,
				net_qty           TEXT    NOT NULL DEFAULT '0',
				avg_entry_price   TEXT    NOT NULL DEFAULT '0',
				updated_open_time INTEGER NOT NULL,
				stop_loss         TEXT,
				take_profit       TEXT,
				realized_pnl_cum  TEXT    NOT NULL DEFAULT '0',
				entry_order_id    INTEGER,
				UNIQUE (account_id, symbol)
			)`,
			`CREATE TABLE IF NOT EXISTS trades (
				id             INTEGER PRIMARY KEY AUTOINCREMENT,
				account_id     INTEGER NOT NULL REFERENCES accounts (id),
				entry_ts       INTEGER NOT NULL,
				exit_ts        INTEGER NOT NULL,
				symbol         TEXT    NOT NULL,
				qty            TEXT    NOT NULL,
				entry_price    TEXT    NOT NULL,
				exit_price     TEXT    NOT NULL,
				pnl            TEXT    NOT NULL,
				exit_reason    TEXT    NOT NULL,
				entry_order_id INTEGER,
				exit_order_id  INTEGER
			)`,
			`CREATE INDEX IF NOT EXISTS idx_trades_exit_ts ON trades (exit_ts)`,
		},
	},
	{
		version: 4,
		name:    "snapshots",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS snapshots (
				id             INTEGER PRIMARY KEY AUTOINCREMENT,
				account_id     INTEGER NOT NULL REFERENCES accounts (id),
				asof_open_time INTEGER NOT NULL,
				balance        TEXT    NOT NULL,
				equity         TEXT    NOT NULL,
				unrealized_pnl TEXT    NOT NULL,
				margin_used    TEXT    NOT NULL,
				free_margin    TEXT    NOT NULL,
				UNIQUE (account_id, asof_open_time)
			)`,
		},
	},
	{
		version: 5,
		name:    "risk_limits",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS risk_limits (
				account_id                    INTEGER PRIMARY KEY REFERENCES accounts (id),
				max_open_positions            INTEGER NOT NULL,
				max_open_positions_per_symbol INTEGER NOT NULL,
				max_total_notional            TEXT    NOT NULL,
				max_symbol_notional           TEXT    NOT NULL,
				risk_per_trade_pct            TEXT    NOT NULL,
				daily_loss_limit_pct          TEXT    NOT NULL,
				daily_loss_limit_amount       TEXT    NOT NULL,
				leverage                      TEXT    NOT NULL,
				lot_step                      TEXT    NOT NULL
			)`,
		},
	},
	{
		version: 6,
		name:    "daily_equity",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS daily_equity (
				id               INTEGER PRIMARY KEY AUTOINCREMENT,
				account_id       INTEGER NOT NULL REFERENCES accounts (id),
				day              TEXT    NOT NULL,
				day_start_equity TEXT    NOT NULL,
				min_equity       TEXT    NOT NULL,
				UNIQUE (account_id, day)
			)`,
		},
	},
	{
		version: 7,
		name:    "run_reports",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS run_reports (
				run_id        TEXT PRIMARY KEY,
				symbol        TEXT    NOT NULL,
				timeframe     TEXT    NOT NULL,
				candle_ts     INTEGER NOT NULL,
				status        TEXT    NOT NULL,
				intent        TEXT,
				risk          TEXT,
				order_json    TEXT,
				fill          TEXT,
				positions     TEXT,
				account       TEXT,
				summary_text  TEXT    NOT NULL DEFAULT '',
				telegram_text TEXT    NOT NULL DEFAULT '',
				error_text    TEXT,
				mode          TEXT    NOT NULL DEFAULT 'execute',
				UNIQUE (symbol, timeframe, candle_ts)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_run_reports_candle_ts ON run_reports (candle_ts)`,
		},
	},
}

// Migrate applies all pending migrations in order.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		name       TEXT    NOT NULL,
		applied_at INTEGER NOT NULL
	)`); err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM schema_migrations WHERE version = ?`, m.version).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check migration %d: %w", m.version, err)
		}
		if exists > 0 {
			continue
		}

		err = s.InTx(ctx, func(tx *Tx) error {
			for _, stmt := range m.stmts {
				if _, err := tx.tx.ExecContext(ctx, stmt); err != nil {
					return fmt.Errorf("migration %d (%s) failed: %w", m.version, m.name, err)
				}
			}
			_, err := tx.tx.ExecContext(ctx,
				`INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`,
				m.version, m.name, time.Now().UTC().Unix())
			return err
		})
		if err != nil {
			return err
		}
		s.logger.Info("Applied migration", "version", m.version, "name", m.name)
	}
	return nil
}
