package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"paper_trader/internal/core"
	"paper_trader/internal/marketdata"
	"paper_trader/internal/store"
	"paper_trader/pkg/concurrency"
	apperrors "paper_trader/pkg/errors"
)

// BotState is the live-loop lifecycle state.
type BotState string

const (
	BotStopped BotState = "STOPPED"
	BotRunning BotState = "RUNNING"
	BotError   BotState = "ERROR"
)

// BotStatus is the observable controller state.
type BotStatus struct {
	State        BotState               `json:"state"`
	Symbol       string                 `json:"symbol"`
	Timeframe    core.Timeframe         `json:"timeframe"`
	Mode         string                 `json:"mode"`
	StartedAt    *time.Time             `json:"started_at,omitempty"`
	LastRunID    string                 `json:"last_run_id,omitempty"`
	LastCandleTS *time.Time             `json:"last_candle_ts,omitempty"`
	LastError    string                 `json:"last_error,omitempty"`
	Pool         map[string]interface{} `json:"pool,omitempty"`
}

// Controller owns the scheduled live loop: ingest on each tick, then run the
// cycle for the newest stored candle. Ticks are serialized through a
// single-worker pool so a slow cycle never overlaps the next.
type Controller struct {
	service  *Service
	ingester *marketdata.Ingester
	pruner   *marketdata.Pruner
	store    *store.Store

	symbol        string
	timeframe     core.Timeframe
	mode          string
	cycleSchedule string
	pruneSchedule string
	retentionDays int
	logger        core.ILogger

	mu        sync.Mutex
	state     BotState
	cron      *cron.Cron
	pool      *concurrency.WorkerPool
	startedAt time.Time
	lastRunID string
	lastTS    *time.Time
	lastError string
}

// NewController builds the controller in the STOPPED state.
func NewController(service *Service, ingester *marketdata.Ingester, pruner *marketdata.Pruner,
	s *store.Store, symbol string, tf core.Timeframe, cycleSchedule, pruneSchedule string,
	retentionDays int, logger core.ILogger) *Controller {

	return &Controller{
		service:       service,
		ingester:      ingester,
		pruner:        pruner,
		store:         s,
		symbol:        symbol,
		timeframe:     tf,
		mode:          core.RunModeExecute,
		cycleSchedule: cycleSchedule,
		pruneSchedule: pruneSchedule,
		retentionDays: retentionDays,
		logger:        logger.WithField("component", "bot_controller"),
		state:         BotStopped,
	}
}

// Start schedules the live loop. Starting a running bot is a conflict.
func (c *Controller) Start(mode string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == BotRunning {
		return fmt.Errorf("%w: bot is already running", apperrors.ErrInvalidStateTransition)
	}
	if mode == "" {
		mode = core.RunModeExecute
	}
	if mode != core.RunModeExecute && mode != core.RunModeDryRun {
		return fmt.Errorf("%w: invalid run mode %q", apperrors.ErrValidation, mode)
	}

	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "bot_cycle",
		MaxWorkers:  1,
		MaxCapacity: 4,
		NonBlocking: true,
	}, c.logger)

	sched := cron.New()
	if _, err := sched.AddFunc(c.cycleSchedule, func() {
		// A full queue means ticks are arriving faster than cycles finish;
		// dropping the tick is safe because the next one catches up.
		if err := pool.Submit(c.tick); err != nil {
			c.logger.Warn("Cycle tick dropped", "error", err)
		}
	}); err != nil {
		pool.Stop()
		return fmt.Errorf("%w: invalid cycle schedule %q: %v", apperrors.ErrValidation, c.cycleSchedule, err)
	}
	if c.pruneSchedule != "" {
		if _, err := sched.AddFunc(c.pruneSchedule, func() {
			_ = pool.Submit(c.prune)
		}); err != nil {
			pool.Stop()
			return fmt.Errorf("%w: invalid prune schedule %q: %v", apperrors.ErrValidation, c.pruneSchedule, err)
		}
	}

	c.mode = mode
	c.cron = sched
	c.pool = pool
	c.state = BotRunning
	c.startedAt = time.Now().UTC()
	c.lastError = ""
	sched.Start()

	c.logger.Info("Bot started",
		"symbol", c.symbol, "timeframe", string(c.timeframe),
		"mode", mode, "schedule", c.cycleSchedule)
	return nil
}

// Stop halts the schedule and drains in-flight work. Stopping a stopped bot
// is a no-op.
func (c *Controller) Stop() {
	c.mu.Lock()
	sched, pool := c.cron, c.pool
	c.cron, c.pool = nil, nil
	wasRunning := c.state != BotStopped
	c.state = BotStopped
	c.mu.Unlock()

	if sched != nil {
		<-sched.Stop().Done()
	}
	if pool != nil {
		pool.Stop()
	}
	if wasRunning {
		c.logger.Info("Bot stopped")
	}
}

// Status reports the controller state.
func (c *Controller) Status() BotStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	status := BotStatus{
		State:        c.state,
		Symbol:       c.symbol,
		Timeframe:    c.timeframe,
		Mode:         c.mode,
		LastRunID:    c.lastRunID,
		LastCandleTS: c.lastTS,
		LastError:    c.lastError,
	}
	if c.state != BotStopped {
		t := c.startedAt
		status.StartedAt = &t
	}
	if c.pool != nil {
		status.Pool = c.pool.Stats()
	}
	return status
}

// tick runs one ingest-then-cycle pass for the newest stored candle.
func (c *Controller) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if _, err := c.ingester.Ingest(ctx, c.symbol, c.timeframe); err != nil {
		c.recordFailure(fmt.Errorf("ingest: %w", err))
		return
	}

	latest, err := c.store.LatestCandle(ctx, c.symbol, c.timeframe)
	if err != nil {
		c.recordFailure(fmt.Errorf("latest candle: %w", err))
		return
	}

	report, err := c.service.RunCycle(ctx, c.symbol, c.timeframe, latest.OpenTime, c.mode)
	if err != nil {
		c.recordFailure(err)
		return
	}

	c.mu.Lock()
	if c.state == BotError {
		c.state = BotRunning
	}
	c.lastRunID = report.RunID
	ts := report.CandleTS
	c.lastTS = &ts
	if report.Status == core.RunError {
		c.lastError = report.ErrorText
	} else {
		c.lastError = ""
	}
	c.mu.Unlock()
}

func (c *Controller) prune() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if _, err := c.pruner.Prune(ctx, c.retentionDays); err != nil {
		c.logger.Error("Scheduled prune failed", "error", err)
	}
}

func (c *Controller) recordFailure(err error) {
	c.logger.Error("Bot tick failed", "error", err)
	c.mu.Lock()
	if c.state == BotRunning {
		c.state = BotError
	}
	c.lastError = err.Error()
	c.mu.Unlock()
}
