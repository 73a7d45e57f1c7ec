// Package store is the SQLite persistence layer. All monetary values are stored
// as decimal strings and all timestamps as UTC unix seconds.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"paper_trader/internal/core"
	apperrors "paper_trader/pkg/errors"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Queries holds the entity query methods; it runs against a DB or a transaction.
type Queries struct {
	q querier
}

// Store wraps the SQLite database.
type Store struct {
	Queries
	db     *sql.DB
	logger core.ILogger
}

// Tx is an open transaction exposing the same query methods.
type Tx struct {
	Queries
	tx *sql.Tx
}

// Open opens (or creates) the database, enables WAL mode and applies migrations.
func Open(dbPath string, logger core.ILogger) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %v", apperrors.ErrStoreUnavailable, err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("%w: failed to ping database: %v", apperrors.ErrStoreUnavailable, err)
	}

	// WAL mode for crash recovery
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// The engine serializes all writes through one process; a single connection
	// avoids SQLITE_BUSY on concurrent transactions.
	db.SetMaxOpenConns(1)

	s := &Store{
		Queries: Queries{q: db},
		db:      db,
		logger:  logger.WithField("component", "store"),
	}

	if err := s.Migrate(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrStoreUnavailable, err)
	}
	return nil
}

// InTx runs fn inside a serializable transaction, committing on nil error.
func (s *Store) InTx(ctx context.Context, fn func(tx *Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(&Tx{Queries: Queries{q: tx}, tx: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Conversion helpers shared by the entity files.

func toUnix(t time.Time) int64 {
	return t.UTC().Unix()
}

func fromUnix(v int64) time.Time {
	return time.Unix(v, 0).UTC()
}

func parseDec(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("corrupt decimal %q: %w", s, err)
	}
	return d, nil
}

func nullDec(d *decimal.Decimal) interface{} {
	if d == nil {
		return nil
	}
	return d.String()
}

func scanNullDec(ns sql.NullString) (*decimal.Decimal, error) {
	if !ns.Valid {
		return nil, nil
	}
	d, err := parseDec(ns.String)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func nullUnix(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return toUnix(*t)
}

func scanNullUnix(ni sql.NullInt64) *time.Time {
	if !ni.Valid {
		return nil
	}
	t := fromUnix(ni.Int64)
	return &t
}

func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
