package marketdata

import (
	"context"
	"time"

	"paper_trader/internal/core"
	"paper_trader/internal/store"
)

// PruneResult reports one retention pass.
type PruneResult struct {
	DeletedCount  int64     `json:"deleted_count"`
	CutoffTime    time.Time `json:"cutoff_time"`
	RetentionDays int       `json:"retention_days"`
}

// Pruner deletes candles older than the retention horizon. This is the only
// place wall-clock time enters the core; aged candles are never referenced by
// live decisions.
type Pruner struct {
	store  *store.Store
	logger core.ILogger
	now    func() time.Time
}

// NewPruner builds a retention pruner.
func NewPruner(s *store.Store, logger core.ILogger) *Pruner {
	return &Pruner{store: s, logger: logger.WithField("component", "pruner"), now: time.Now}
}

// SetNow overrides the clock used for the cutoff.
func (p *Pruner) SetNow(now func() time.Time) { p.now = now }

// Prune deletes candles with open_time before now minus retentionDays.
func (p *Pruner) Prune(ctx context.Context, retentionDays int) (*PruneResult, error) {
	cutoff := p.now().UTC().Add(-time.Duration(retentionDays) * 24 * time.Hour)

	deleted, err := p.store.DeleteCandlesBefore(ctx, cutoff)
	if err != nil {
		return nil, err
	}

	p.logger.Info("Pruned candles", "deleted", deleted, "cutoff", cutoff, "retention_days", retentionDays)
	return &PruneResult{DeletedCount: deleted, CutoffTime: cutoff, RetentionDays: retentionDays}, nil
}
