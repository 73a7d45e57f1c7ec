package strategy

import (
	"context"
	"fmt"
	"time"

	"paper_trader/internal/core"
	"paper_trader/internal/store"
	apperrors "paper_trader/pkg/errors"
)

// Strategy maps a candle window to an intent.
type Strategy interface {
	Name() string
	Params() map[string]interface{}
	Evaluate(window []core.Candle) (core.StrategyIntent, error)
}

// Runner loads candle windows from the store and evaluates registered strategies.
type Runner struct {
	store       *store.Store
	strategies  map[string]Strategy
	defaultName string
	windowLimit int
	logger      core.ILogger
}

// NewRunner builds a runner. windowLimit bounds how many trailing candles are
// loaded per evaluation.
func NewRunner(s *store.Store, windowLimit int, logger core.ILogger) *Runner {
	if windowLimit <= 0 {
		windowLimit = 200
	}
	return &Runner{
		store:       s,
		strategies:  make(map[string]Strategy),
		windowLimit: windowLimit,
		logger:      logger.WithField("component", "strategy_runner"),
	}
}

// Register adds a strategy; the first registered becomes the default.
func (r *Runner) Register(s Strategy) {
	if len(r.strategies) == 0 {
		r.defaultName = s.Name()
	}
	r.strategies[s.Name()] = s
}

// Catalog lists registered strategies and their parameters.
func (r *Runner) Catalog() []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(r.strategies))
	for name, s := range r.strategies {
		out = append(out, map[string]interface{}{
			"name":    name,
			"default": name == r.defaultName,
			"params":  s.Params(),
		})
	}
	return out
}

// Get returns a strategy by name; empty selects the default.
func (r *Runner) Get(name string) (Strategy, error) {
	if name == "" {
		name = r.defaultName
	}
	s, ok := r.strategies[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown strategy %q", apperrors.ErrNotFound, name)
	}
	return s, nil
}

// Evaluate loads the window ending at asof and runs the named strategy.
func (r *Runner) Evaluate(ctx context.Context, name, symbol string, tf core.Timeframe, asof time.Time) (core.StrategyIntent, error) {
	s, err := r.Get(name)
	if err != nil {
		return core.StrategyIntent{}, err
	}

	window, err := r.store.ListCandlesUpTo(ctx, symbol, tf, asof, r.windowLimit)
	if err != nil {
		return core.StrategyIntent{}, err
	}
	if len(window) == 0 {
		return core.StrategyIntent{}, fmt.Errorf("%w: no candles for %s/%s at or before %s",
			apperrors.ErrNotFound, symbol, tf, asof.Format(time.RFC3339))
	}

	intent, err := s.Evaluate(window)
	if err != nil {
		return core.StrategyIntent{}, err
	}

	r.logger.Debug("Strategy evaluated",
		"strategy", s.Name(), "symbol", symbol, "asof", asof.Format(time.RFC3339),
		"action", string(intent.Action), "reason", intent.Reason)
	return intent, nil
}
