package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"paper_trader/internal/core"
	"paper_trader/internal/marketdata"
	"paper_trader/internal/oms"
	"paper_trader/internal/risk"
	"paper_trader/internal/store"
	apperrors "paper_trader/pkg/errors"
)

// symbolTF resolves the symbol/timeframe pair from query or body values,
// falling back to the configured defaults.
func (s *Server) symbolTF(symbol, tf string) (string, core.Timeframe, error) {
	if symbol == "" {
		symbol = s.symbol
	}
	symbol = strings.ToUpper(strings.TrimSpace(symbol))

	if tf == "" {
		return symbol, s.timeframe, nil
	}
	parsed, err := core.ParseTimeframe(tf)
	if err != nil {
		return "", "", err
	}
	return symbol, parsed, nil
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: invalid timestamp %q", apperrors.ErrValidation, v)
	}
	return t.UTC(), nil
}

// --- candles ---

func (s *Server) handleLatestCandle(w http.ResponseWriter, r *http.Request) {
	symbol, tf, err := s.symbolTF(r.URL.Query().Get("symbol"), r.URL.Query().Get("tf"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	candle, err := s.store.LatestCandle(r.Context(), symbol, tf)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, candle)
}

func (s *Server) handleListCandles(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	symbol, tf, err := s.symbolTF(q.Get("symbol"), q.Get("tf"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	start, err := parseTime(q.Get("start"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	end, err := parseTime(q.Get("end"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	if end.IsZero() {
		end = time.Now().UTC()
	}

	candles, err := s.store.ListCandles(r.Context(), symbol, tf, start, end)
	if err != nil {
		s.respondError(w, err)
		return
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			s.respondError(w, fmt.Errorf("%w: invalid limit %q", apperrors.ErrValidation, v))
			return
		}
		if limit > 0 && len(candles) > limit {
			candles = candles[len(candles)-limit:]
		}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"symbol": symbol, "timeframe": tf, "count": len(candles), "candles": candles,
	})
}

func (s *Server) handleIntegrity(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	symbol, tf, err := s.symbolTF(q.Get("symbol"), q.Get("tf"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	days := 7
	if v := q.Get("days"); v != "" {
		if days, err = strconv.Atoi(v); err != nil || days <= 0 {
			s.respondError(w, fmt.Errorf("%w: invalid days %q", apperrors.ErrValidation, v))
			return
		}
	}

	latest, err := s.store.LatestCandle(r.Context(), symbol, tf)
	if err != nil {
		s.respondError(w, err)
		return
	}
	end := latest.OpenTime
	start := tf.Align(end.AddDate(0, 0, -days))

	report, err := marketdata.CheckIntegrity(r.Context(), s.store, symbol, tf, start, end)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, report)
}

type ingestRequest struct {
	Symbol    string `json:"symbol,omitempty"`
	Timeframe string `json:"timeframe,omitempty"`
	Start     string `json:"start,omitempty"`
	End       string `json:"end,omitempty"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	_ = decodeBody(r, &req)
	symbol, tf, err := s.symbolTF(req.Symbol, req.Timeframe)
	if err != nil {
		s.respondError(w, err)
		return
	}
	res, err := s.ingester.Ingest(r.Context(), symbol, tf)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleBackfill(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := decodeBody(r, &req); err != nil {
		s.respondError(w, err)
		return
	}
	symbol, tf, err := s.symbolTF(req.Symbol, req.Timeframe)
	if err != nil {
		s.respondError(w, err)
		return
	}
	start, err := parseTime(req.Start)
	if err != nil {
		s.respondError(w, err)
		return
	}
	end, err := parseTime(req.End)
	if err != nil {
		s.respondError(w, err)
		return
	}
	if start.IsZero() || end.IsZero() {
		s.respondError(w, fmt.Errorf("%w: backfill requires start and end", apperrors.ErrValidation))
		return
	}

	res, err := s.ingester.Backfill(r.Context(), symbol, tf, start, end)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, res)
}

type pruneRequest struct {
	RetentionDays int `json:"retention_days,omitempty"`
}

func (s *Server) handlePrune(w http.ResponseWriter, r *http.Request) {
	var req pruneRequest
	_ = decodeBody(r, &req)
	days := req.RetentionDays
	if days <= 0 {
		days = s.retentionDays
	}
	res, err := s.pruner.Prune(r.Context(), days)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, res)
}

// --- orders ---

func (s *Server) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req oms.PlaceRequest
	if err := decodeBody(r, &req); err != nil {
		s.respondError(w, err)
		return
	}
	res, err := s.oms.Place(r.Context(), req)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, res)
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.OrderFilter{Symbol: strings.ToUpper(q.Get("symbol"))}
	if v := q.Get("status"); v != "" {
		filter.Status = core.OrderStatus(strings.ToUpper(v))
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			s.respondError(w, fmt.Errorf("%w: invalid limit %q", apperrors.ErrValidation, v))
			return
		}
		filter.Limit = limit
	}

	orders, err := s.oms.List(r.Context(), filter)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"count": len(orders), "orders": orders,
	})
}

func orderID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid order id", apperrors.ErrValidation)
	}
	return id, nil
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id, err := orderID(r)
	if err != nil {
		s.respondError(w, err)
		return
	}
	order, fill, err := s.oms.Get(r.Context(), id)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"order": order, "fill": fill,
	})
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	id, err := orderID(r)
	if err != nil {
		s.respondError(w, err)
		return
	}
	order, err := s.oms.Cancel(r.Context(), id)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, order)
}

// --- risk ---

func (s *Server) handleRiskStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.risk.Status(r.Context(), &s.store.Queries, s.accountID)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, status)
}

type riskCheckRequest struct {
	Symbol           string          `json:"symbol"`
	Side             core.Side       `json:"side"`
	Qty              decimal.Decimal `json:"qty"`
	StopDistancePips decimal.Decimal `json:"stop_distance_pips,omitempty"`
}

// handleRiskCheck runs the gate without persisting anything.
func (s *Server) handleRiskCheck(w http.ResponseWriter, r *http.Request) {
	var req riskCheckRequest
	if err := decodeBody(r, &req); err != nil {
		s.respondError(w, err)
		return
	}
	symbol, tf, err := s.symbolTF(req.Symbol, "")
	if err != nil {
		s.respondError(w, err)
		return
	}
	if !req.Side.Valid() {
		s.respondError(w, fmt.Errorf("%w: side must be BUY or SELL", apperrors.ErrValidation))
		return
	}

	refCandle, err := s.store.LatestCandle(r.Context(), symbol, tf)
	if err != nil {
		s.respondError(w, err)
		return
	}
	result, err := s.risk.Check(r.Context(), &s.store.Queries, s.accountID, risk.CheckRequest{
		Symbol:           symbol,
		Side:             req.Side,
		RequestedQty:     req.Qty,
		StopDistancePips: req.StopDistancePips,
	}, *refCandle)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, result)
}

// --- account ---

func (s *Server) handleAccountStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	account, err := s.store.GetDefaultAccount(ctx)
	if err != nil {
		s.respondError(w, err)
		return
	}
	positions, err := s.store.ListOpenPositions(ctx, s.accountID)
	if err != nil {
		s.respondError(w, err)
		return
	}

	out := map[string]interface{}{
		"account":   account,
		"positions": positions,
	}
	if snap, err := s.store.LatestSnapshot(ctx, s.accountID); err == nil {
		out["snapshot"] = snap
	} else if !errors.Is(err, apperrors.ErrNotFound) {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, out)
}

// handleAccountRecompute reruns accounting at the latest stored candle.
func (s *Server) handleAccountRecompute(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	latest, err := s.store.LatestCandle(ctx, s.symbol, s.timeframe)
	if err != nil {
		s.respondError(w, err)
		return
	}
	snap, err := s.accounting.ProcessAccountingForCandle(ctx, s.accountID, latest.OpenTime, *latest)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, snap)
}

// handleAccountHistory lists MTM snapshots in [start, end], ascending. An
// omitted end means now.
func (s *Server) handleAccountHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	start, err := parseTime(q.Get("start"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	end, err := parseTime(q.Get("end"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	if end.IsZero() {
		end = time.Now().UTC()
	}

	snapshots, err := s.store.ListSnapshots(ctx, s.accountID, start, end)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"snapshots": snapshots,
		"count":     len(snapshots),
	})
}

// --- orchestrator ---

type runCycleRequest struct {
	Symbol    string `json:"symbol,omitempty"`
	Timeframe string `json:"timeframe,omitempty"`
	CandleTS  string `json:"candle_ts,omitempty"`
	Mode      string `json:"mode,omitempty"`
}

func (s *Server) handleRunCycle(w http.ResponseWriter, r *http.Request) {
	var req runCycleRequest
	if err := decodeBody(r, &req); err != nil {
		s.respondError(w, err)
		return
	}
	symbol, tf, err := s.symbolTF(req.Symbol, req.Timeframe)
	if err != nil {
		s.respondError(w, err)
		return
	}

	var candleTS time.Time
	if req.CandleTS != "" {
		if candleTS, err = parseTime(req.CandleTS); err != nil {
			s.respondError(w, err)
			return
		}
	} else {
		latest, err := s.store.LatestCandle(r.Context(), symbol, tf)
		if err != nil {
			s.respondError(w, err)
			return
		}
		candleTS = latest.OpenTime
	}

	report, err := s.service.RunCycle(r.Context(), symbol, tf, candleTS, req.Mode)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, report)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 50
	if v := q.Get("limit"); v != "" {
		var err error
		if limit, err = strconv.Atoi(v); err != nil || limit < 0 {
			s.respondError(w, fmt.Errorf("%w: invalid limit %q", apperrors.ErrValidation, v))
			return
		}
	}
	reports, err := s.store.ListRunReports(r.Context(), strings.ToUpper(q.Get("symbol")), limit)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"count": len(reports), "runs": reports,
	})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	report, err := s.store.GetRunReport(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, report)
}

// --- strategy ---

func (s *Server) handleStrategyCatalog(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"strategies": s.strategies.Catalog(),
	})
}

type strategyRunRequest struct {
	Strategy  string `json:"strategy,omitempty"`
	Symbol    string `json:"symbol,omitempty"`
	Timeframe string `json:"timeframe,omitempty"`
	AsOf      string `json:"asof,omitempty"`
}

// handleStrategyRun computes an intent without placing anything.
func (s *Server) handleStrategyRun(w http.ResponseWriter, r *http.Request) {
	var req strategyRunRequest
	if err := decodeBody(r, &req); err != nil {
		s.respondError(w, err)
		return
	}
	symbol, tf, err := s.symbolTF(req.Symbol, req.Timeframe)
	if err != nil {
		s.respondError(w, err)
		return
	}

	asof, err := parseTime(req.AsOf)
	if err != nil {
		s.respondError(w, err)
		return
	}
	if asof.IsZero() {
		latest, err := s.store.LatestCandle(r.Context(), symbol, tf)
		if err != nil {
			s.respondError(w, err)
			return
		}
		asof = latest.OpenTime
	}

	intent, err := s.strategies.Evaluate(r.Context(), req.Strategy, symbol, tf, asof)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, intent)
}

// --- bot control ---

type botStartRequest struct {
	Mode string `json:"mode,omitempty"`
}

func (s *Server) handleBotStart(w http.ResponseWriter, r *http.Request) {
	var req botStartRequest
	_ = decodeBody(r, &req)
	if err := s.controller.Start(req.Mode); err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, s.controller.Status())
}

func (s *Server) handleBotStop(w http.ResponseWriter, r *http.Request) {
	s.controller.Stop()
	s.respondJSON(w, http.StatusOK, s.controller.Status())
}

func (s *Server) handleBotStatus(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.controller.Status())
}
