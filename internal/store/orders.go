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

const orderCols = `id, ts, symbol, side, type, qty, status, reason, requested_price, stop_loss, take_profit, idempotency_key`

// InsertOrder persists a new order and sets its ID.
func (q *Queries) InsertOrder(ctx context.Context, o *core.Order) error {
	res, err := q.q.ExecContext(ctx, `
		INSERT INTO orders (ts, symbol, side, type, qty, status, reason, requested_price, stop_loss, take_profit, idempotency_key)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		toUnix(o.TS), o.Symbol, string(o.Side), o.Type, o.Qty.String(), string(o.Status),
		nullStr(o.Reason), nullDec(o.RequestedPrice), nullDec(o.StopLoss), nullDec(o.TakeProfit),
		nullStr(o.IdempotencyKey))
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}
	o.ID, err = res.LastInsertId()
	return err
}

func scanOrder(scan func(...interface{}) error) (core.Order, error) {
	var (
		o          core.Order
		ts         int64
		side, st   string
		qty        string
		reason     sql.NullString
		reqPx      sql.NullString
		sl, tp     sql.NullString
		idemKey    sql.NullString
	)
	if err := scan(&o.ID, &ts, &o.Symbol, &side, &o.Type, &qty, &st, &reason, &reqPx, &sl, &tp, &idemKey); err != nil {
		return o, err
	}
	o.TS = fromUnix(ts)
	o.Side = core.Side(side)
	o.Status = core.OrderStatus(st)
	o.Reason = reason.String
	o.IdempotencyKey = idemKey.String
	var err error
	if o.Qty, err = parseDec(qty); err != nil {
		return o, err
	}
	if o.RequestedPrice, err = scanNullDec(reqPx); err != nil {
		return o, err
	}
	if o.StopLoss, err = scanNullDec(sl); err != nil {
		return o, err
	}
	if o.TakeProfit, err = scanNullDec(tp); err != nil {
		return o, err
	}
	return o, nil
}

// GetOrder returns the order by ID, or ErrNotFound.
func (q *Queries) GetOrder(ctx context.Context, id int64) (*core.Order, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+orderCols+` FROM orders WHERE id = ?`, id)
	o, err := scanOrder(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: order %d", apperrors.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return &o, nil
}

// GetOrderByIdempotencyKey returns the order carrying the key, or ErrNotFound.
func (q *Queries) GetOrderByIdempotencyKey(ctx context.Context, key string) (*core.Order, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+orderCols+` FROM orders WHERE idempotency_key = ?`, key)
	o, err := scanOrder(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no order with idempotency key %q", apperrors.ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order by idempotency key: %w", err)
	}
	return &o, nil
}

// OrderFilter narrows ListOrders.
type OrderFilter struct {
	Symbol string
	Status core.OrderStatus
	Limit  int
}

// ListOrders returns orders matching the filter, newest first.
func (q *Queries) ListOrders(ctx context.Context, f OrderFilter) ([]core.Order, error) {
	query := `SELECT ` + orderCols + ` FROM orders WHERE 1=1`
	var args []interface{}
	if f.Symbol != "" {
		query += ` AND symbol = ?`
		args = append(args, f.Symbol)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	query += ` ORDER BY ts DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	defer rows.Close()

	var out []core.Order
	for rows.Next() {
		o, err := scanOrder(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// ListNewOrdersBefore returns NEW orders for the symbol with ts strictly before t,
// in placement order.
func (q *Queries) ListNewOrdersBefore(ctx context.Context, symbol string, t time.Time) ([]core.Order, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT `+orderCols+` FROM orders
		WHERE status = 'NEW' AND symbol = ? AND ts < ?
		ORDER BY ts ASC, id ASC`,
		symbol, toUnix(t))
	if err != nil {
		return nil, fmt.Errorf("failed to list new orders: %w", err)
	}
	defer rows.Close()

	var out []core.Order
	for rows.Next() {
		o, err := scanOrder(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// TransitionOrder moves an order from one status to another, guarding the state
// machine at the database level. Returns ErrInvalidStateTransition when the
// order is not currently in from.
func (q *Queries) TransitionOrder(ctx context.Context, id int64, from, to core.OrderStatus, reason string) error {
	res, err := q.q.ExecContext(ctx, `
		UPDATE orders SET status = ?, reason = COALESCE(?, reason) WHERE id = ? AND status = ?`,
		string(to), nullStr(reason), id, string(from))
	if err != nil {
		return fmt.Errorf("failed to update order %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		cur, gerr := q.GetOrder(ctx, id)
		if gerr != nil {
			return gerr
		}
		return fmt.Errorf("%w: order %d is %s, cannot transition %s -> %s",
			apperrors.ErrInvalidStateTransition, id, cur.Status, from, to)
	}
	return nil
}

const fillCols = `id, order_id, ts, symbol, side, qty, price, fee, slippage, accounted_at_open_time`

// InsertFill persists the execution record of a filled order and sets its ID.
// The unique constraint on order_id enforces at most one fill per order.
func (q *Queries) InsertFill(ctx context.Context, f *core.Fill) error {
	res, err := q.q.ExecContext(ctx, `
		INSERT INTO fills (order_id, ts, symbol, side, qty, price, fee, slippage, accounted_at_open_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.OrderID, toUnix(f.TS), f.Symbol, string(f.Side), f.Qty.String(),
		f.Price.String(), f.Fee.String(), f.Slippage.String(), nullUnix(f.AccountedAt))
	if err != nil {
		return fmt.Errorf("failed to insert fill for order %d: %w", f.OrderID, err)
	}
	f.ID, err = res.LastInsertId()
	return err
}

func scanFill(scan func(...interface{}) error) (core.Fill, error) {
	var (
		f                        core.Fill
		ts                       int64
		side                     string
		qty, price, fee, slip    string
		accounted                sql.NullInt64
	)
	if err := scan(&f.ID, &f.OrderID, &ts, &f.Symbol, &side, &qty, &price, &fee, &slip, &accounted); err != nil {
		return f, err
	}
	f.TS = fromUnix(ts)
	f.Side = core.Side(side)
	f.AccountedAt = scanNullUnix(accounted)
	var err error
	if f.Qty, err = parseDec(qty); err != nil {
		return f, err
	}
	if f.Price, err = parseDec(price); err != nil {
		return f, err
	}
	if f.Fee, err = parseDec(fee); err != nil {
		return f, err
	}
	if f.Slippage, err = parseDec(slip); err != nil {
		return f, err
	}
	return f, nil
}

// GetFillByOrderID returns the fill of an order, or ErrNotFound.
func (q *Queries) GetFillByOrderID(ctx context.Context, orderID int64) (*core.Fill, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+fillCols+` FROM fills WHERE order_id = ?`, orderID)
	f, err := scanFill(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no fill for order %d", apperrors.ErrNotFound, orderID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get fill: %w", err)
	}
	return &f, nil
}

// ListUnaccountedFills returns fills not yet applied by accounting, with
// ts <= upTo, in deterministic (ts, id) order.
func (q *Queries) ListUnaccountedFills(ctx context.Context, upTo time.Time) ([]core.Fill, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT `+fillCols+` FROM fills
		WHERE accounted_at_open_time IS NULL AND ts <= ?
		ORDER BY ts ASC, id ASC`,
		toUnix(upTo))
	if err != nil {
		return nil, fmt.Errorf("failed to list unaccounted fills: %w", err)
	}
	defer rows.Close()

	var out []core.Fill
	for rows.Next() {
		f, err := scanFill(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// MarkFillAccounted stamps the fill with the open_time of the accounting pass
// that applied it. Only unaccounted fills can be stamped.
func (q *Queries) MarkFillAccounted(ctx context.Context, fillID int64, openTime time.Time) error {
	res, err := q.q.ExecContext(ctx, `
		UPDATE fills SET accounted_at_open_time = ?
		WHERE id = ? AND accounted_at_open_time IS NULL`,
		toUnix(openTime), fillID)
	if err != nil {
		return fmt.Errorf("failed to mark fill %d accounted: %w", fillID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: fill %d already accounted", apperrors.ErrInvalidStateTransition, fillID)
	}
	return nil
}

// ListFills returns fills for the symbol (all symbols when empty), newest first.
func (q *Queries) ListFills(ctx context.Context, symbol string, limit int) ([]core.Fill, error) {
	query := `SELECT ` + fillCols + ` FROM fills`
	var args []interface{}
	if symbol != "" {
		query += ` WHERE symbol = ?`
		args = append(args, symbol)
	}
	query += ` ORDER BY ts DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list fills: %w", err)
	}
	defer rows.Close()

	var out []core.Fill
	for rows.Next() {
		f, err := scanFill(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
