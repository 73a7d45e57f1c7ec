package risk

import (
	"context"
	"errors"

	"paper_trader/internal/core"
	"paper_trader/internal/store"
	apperrors "paper_trader/pkg/errors"
)

// Status is the current risk view of the account.
type Status struct {
	Limits        *core.RiskLimits  `json:"limits"`
	Snapshot      *core.Snapshot    `json:"snapshot,omitempty"`
	DailyBaseline *core.DailyEquity `json:"daily_baseline,omitempty"`
	OpenPositions int               `json:"open_positions"`
}

// Status reports the limits, latest snapshot, and the baseline for the
// snapshot's day.
func (e *Engine) Status(ctx context.Context, q *store.Queries, accountID int64) (*Status, error) {
	limits, err := e.EnsureLimits(ctx, q, accountID)
	if err != nil {
		return nil, err
	}

	st := &Status{Limits: limits}

	snap, err := q.LatestSnapshot(ctx, accountID)
	if err == nil {
		st.Snapshot = snap
		day := snap.AsOfOpenTime.UTC().Format("2006-01-02")
		if de, err := q.GetDailyEquity(ctx, accountID, day); err == nil {
			st.DailyBaseline = de
		} else if !errors.Is(err, apperrors.ErrNotFound) {
			return nil, err
		}
	} else if !errors.Is(err, apperrors.ErrNotFound) {
		return nil, err
	}

	positions, err := q.ListOpenPositions(ctx, accountID)
	if err != nil {
		return nil, err
	}
	st.OpenPositions = len(positions)
	return st, nil
}
