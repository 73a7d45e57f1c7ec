// Package server exposes the control surface over HTTP.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"paper_trader/internal/accounting"
	"paper_trader/internal/core"
	"paper_trader/internal/marketdata"
	"paper_trader/internal/oms"
	"paper_trader/internal/orchestrator"
	"paper_trader/internal/risk"
	"paper_trader/internal/store"
	"paper_trader/internal/strategy"
)

// Server serves the JSON control surface plus /health and /metrics.
type Server struct {
	store      *store.Store
	ingester   *marketdata.Ingester
	pruner     *marketdata.Pruner
	oms        *oms.Manager
	risk       *risk.Engine
	accounting *accounting.Engine
	service    *orchestrator.Service
	controller *orchestrator.Controller
	strategies *strategy.Runner

	accountID     int64
	symbol        string
	timeframe     core.Timeframe
	retentionDays int

	router *chi.Mux
	http   *http.Server
	logger core.ILogger
}

// Deps bundles the engines the server fronts.
type Deps struct {
	Store      *store.Store
	Ingester   *marketdata.Ingester
	Pruner     *marketdata.Pruner
	OMS        *oms.Manager
	Risk       *risk.Engine
	Accounting *accounting.Engine
	Service    *orchestrator.Service
	Controller *orchestrator.Controller
	Strategies *strategy.Runner

	AccountID     int64
	Symbol        string
	Timeframe     core.Timeframe
	RetentionDays int
}

// NewServer builds the router. Call Start to listen.
func NewServer(port int, d Deps, logger core.ILogger) *Server {
	s := &Server{
		store:         d.Store,
		ingester:      d.Ingester,
		pruner:        d.Pruner,
		oms:           d.OMS,
		risk:          d.Risk,
		accounting:    d.Accounting,
		service:       d.Service,
		controller:    d.Controller,
		strategies:    d.Strategies,
		accountID:     d.AccountID,
		symbol:        d.Symbol,
		timeframe:     d.Timeframe,
		retentionDays: d.RetentionDays,
		router:        chi.NewRouter(),
		logger:        logger.WithField("component", "http_server"),
	}
	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))

	s.router.Get("/health", s.handleHealth)
	s.router.Handle("/metrics", promhttp.Handler())

	s.router.Route("/v1/candles", func(r chi.Router) {
		r.Get("/", s.handleListCandles)
		r.Get("/latest", s.handleLatestCandle)
		r.Get("/integrity", s.handleIntegrity)
		r.Post("/admin/ingest", s.handleIngest)
		r.Post("/admin/backfill", s.handleBackfill)
		r.Post("/admin/prune", s.handlePrune)
	})

	s.router.Post("/paper/order", s.handlePlaceOrder)
	s.router.Route("/paper/orders", func(r chi.Router) {
		r.Get("/", s.handleListOrders)
		r.Get("/{id}", s.handleGetOrder)
		r.Post("/{id}/cancel", s.handleCancelOrder)
	})

	s.router.Get("/v6/risk/status", s.handleRiskStatus)
	s.router.Post("/v6/risk/check", s.handleRiskCheck)

	s.router.Get("/v7/account/status", s.handleAccountStatus)
	s.router.Get("/v7/account/history", s.handleAccountHistory)
	s.router.Post("/v7/account/recompute", s.handleAccountRecompute)

	s.router.Post("/orchestrator/run", s.handleRunCycle)
	s.router.Get("/orchestrator/runs", s.handleListRuns)
	s.router.Get("/orchestrator/runs/{id}", s.handleGetRun)

	s.router.Get("/strategy/strategies", s.handleStrategyCatalog)
	s.router.Post("/strategy/run", s.handleStrategyRun)

	s.router.Post("/bot/start", s.handleBotStart)
	s.router.Post("/bot/stop", s.handleBotStop)
	s.router.Get("/bot/status", s.handleBotStatus)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start listens until the server is shut down.
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.respondJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "unhealthy", "error": err.Error(),
		})
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}
