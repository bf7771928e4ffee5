package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/quantavia/tradecore/pkg/events"
	"github.com/quantavia/tradecore/pkg/risk"
	"github.com/quantavia/tradecore/pkg/trading"
)

// Server exposes the trading core, risk engine and event dispatcher
// over REST and WebSocket. It holds no state of its own: every handler
// delegates to the injected components.
type Server struct {
	core       *trading.Core
	engine     *risk.Engine
	dispatcher *events.Dispatcher
	router     *mux.Router
	hub        *Hub
}

// NewServer creates a new API server
func NewServer(core *trading.Core, engine *risk.Engine, dispatcher *events.Dispatcher) *Server {
	s := &Server{
		core:       core,
		engine:     engine,
		dispatcher: dispatcher,
		router:     mux.NewRouter(),
		hub:        NewHub(),
	}
	s.setupRoutes()
	return s
}

// EventHub returns the websocket hub so the composition root can feed
// it published events.
func (s *Server) EventHub() *Hub { return s.hub }

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Order endpoints
	api.HandleFunc("/orders/market", s.handlePlaceMarketOrder).Methods("POST")
	api.HandleFunc("/orders/limit", s.handlePlaceLimitOrder).Methods("POST")
	api.HandleFunc("/orders", s.handleGetOrders).Methods("GET")
	api.HandleFunc("/orders/{id}", s.handleGetOrder).Methods("GET")
	api.HandleFunc("/orders/{id}/cancel", s.handleCancelOrder).Methods("POST")

	// Position endpoints
	api.HandleFunc("/positions", s.handleGetPositions).Methods("GET")
	api.HandleFunc("/positions/{symbol}", s.handleGetPosition).Methods("GET")
	api.HandleFunc("/portfolio/value", s.handlePortfolioValue).Methods("POST")

	// Risk endpoints
	api.HandleFunc("/risk/evaluate", s.handleEvaluateRisk).Methods("POST")
	api.HandleFunc("/risk/position-size", s.handlePositionSize).Methods("POST")
	api.HandleFunc("/risk/reset-daily", s.handleResetDaily).Methods("POST")
	api.HandleFunc("/risk/stats", s.handleRiskStats).Methods("GET")
	api.HandleFunc("/compliance/check", s.handleComplianceCheck).Methods("POST")

	// Stop-loss endpoints
	api.HandleFunc("/stoploss/check", s.handleCheckStopLoss).Methods("POST")
	api.HandleFunc("/stoploss/execute", s.handleExecuteStopLoss).Methods("POST")

	// Metrics
	api.HandleFunc("/metrics", s.handleMetrics).Methods("GET")
	api.HandleFunc("/snapshots", s.handleSnapshot).Methods("POST")

	// Webhook endpoints (CRUD plus archive lifecycle)
	api.HandleFunc("/webhooks", s.handleRegisterWebhook).Methods("POST")
	api.HandleFunc("/webhooks", s.handleListWebhooks).Methods("GET")
	api.HandleFunc("/webhooks/{id}", s.handleGetWebhook).Methods("GET")
	api.HandleFunc("/webhooks/{id}", s.handleUpdateWebhook).Methods("PATCH")
	api.HandleFunc("/webhooks/{id}/archive", s.handleArchiveWebhook).Methods("POST")
	api.HandleFunc("/webhooks/{id}/restore", s.handleRestoreWebhook).Methods("POST")
	api.HandleFunc("/webhooks/{id}/test", s.handleTestWebhook).Methods("POST")
	api.HandleFunc("/events", s.handleEventHistory).Methods("GET")

	// WebSocket endpoint
	s.router.HandleFunc("/ws", s.handleWebSocket)

	// Health check
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Start starts the API server
func (s *Server) Start(addr string) error {
	go s.hub.Run()

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000", "http://localhost:3001"},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})

	handler := c.Handler(s.router)

	log.Printf("[api] server starting on %s", addr)
	return http.ListenAndServe(addr, handler)
}

// ==============================
// Order Handlers
// ==============================

func (s *Server) handlePlaceMarketOrder(w http.ResponseWriter, r *http.Request) {
	var req PlaceOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	order, err := s.core.PlaceMarketOrder(r.Context(), req.Symbol, trading.Side(req.Side), req.Quantity, req.Price, trading.OrderOptions{
		SkipRiskCheck: req.SkipRiskCheck,
		StopLoss:      req.StopLoss,
		Volatility:    req.Volatility,
	})
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, order)
}

func (s *Server) handlePlaceLimitOrder(w http.ResponseWriter, r *http.Request) {
	var req PlaceOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	order, err := s.core.PlaceLimitOrder(r.Context(), req.Symbol, trading.Side(req.Side), req.Quantity, req.Price, trading.OrderOptions{
		StopLoss: req.StopLoss,
	})
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, order)
}

func (s *Server) handleGetOrders(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	limit := queryInt(r, "limit", 50)
	respondJSON(w, s.core.OrderHistory(symbol, limit))
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.core.Order(mux.Vars(r)["id"])
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, order)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.core.CancelOrder(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, order)
}

// ==============================
// Position Handlers
// ==============================

func (s *Server) handleGetPositions(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.core.Positions())
}

func (s *Server) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	pos, err := s.core.Position(mux.Vars(r)["symbol"])
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, pos)
}

func (s *Server) handlePortfolioValue(w http.ResponseWriter, r *http.Request) {
	var req PriceMapRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	respondJSON(w, PortfolioValueResponse{
		Value:     s.core.PortfolioValue(req.Prices),
		Balance:   s.core.Balance(),
		Positions: len(s.core.Positions()),
	})
}

// ==============================
// Risk Handlers
// ==============================

func (s *Server) handleEvaluateRisk(w http.ResponseWriter, r *http.Request) {
	var req EvaluateRiskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	assessment, err := s.engine.EvaluateTrade(r.Context(), risk.TradeRequest{
		Symbol:     req.Symbol,
		Size:       req.Size,
		Price:      req.Price,
		Volatility: req.Volatility,
	})
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, assessment)
}

func (s *Server) handlePositionSize(w http.ResponseWriter, r *http.Request) {
	var req PositionSizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	size, err := s.core.RiskAdjustedSize(req.Symbol, req.CurrentPrice, req.StopLossPrice, req.RiskPct)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, PositionSizeResponse{Symbol: req.Symbol, Size: size})
}

func (s *Server) handleResetDaily(w http.ResponseWriter, r *http.Request) {
	s.core.ResetDaily()
	respondJSON(w, map[string]string{"status": "reset"})
}

func (s *Server) handleRiskStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.engine.Stats())
}

func (s *Server) handleComplianceCheck(w http.ResponseWriter, r *http.Request) {
	var req risk.ComplianceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	respondJSON(w, s.engine.CheckCompliance(r.Context(), req))
}

// ==============================
// Stop-Loss Handlers
// ==============================

func (s *Server) handleCheckStopLoss(w http.ResponseWriter, r *http.Request) {
	var req PriceMapRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	triggered := s.core.CheckStopLoss(req.Prices)
	if triggered == nil {
		triggered = []*trading.Position{}
	}
	respondJSON(w, triggered)
}

func (s *Server) handleExecuteStopLoss(w http.ResponseWriter, r *http.Request) {
	var req ExecuteStopLossRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	order, pnl, err := s.core.ExecuteStopLoss(r.Context(), req.Symbol, req.CurrentPrice)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, ExecuteStopLossResponse{Order: order, RealizedPnL: pnl})
}

// ==============================
// Metrics Handlers
// ==============================

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.core.Metrics())
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.core.Snapshot(r.Context()))
}

// ==============================
// Webhook Handlers
// ==============================

func (s *Server) handleRegisterWebhook(w http.ResponseWriter, r *http.Request) {
	var spec events.WebhookSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	wh, err := s.dispatcher.RegisterWebhook(spec)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(wh)
}

func (s *Server) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("archived") == "true" {
		respondJSON(w, s.dispatcher.ListArchivedWebhooks())
		return
	}
	respondJSON(w, s.dispatcher.ListWebhooks())
}

func (s *Server) handleGetWebhook(w http.ResponseWriter, r *http.Request) {
	wh, err := s.dispatcher.GetWebhook(mux.Vars(r)["id"])
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, wh)
}

func (s *Server) handleUpdateWebhook(w http.ResponseWriter, r *http.Request) {
	var upd events.WebhookUpdate
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	wh, err := s.dispatcher.UpdateWebhook(mux.Vars(r)["id"], upd)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, wh)
}

func (s *Server) handleArchiveWebhook(w http.ResponseWriter, r *http.Request) {
	wh, ok := s.dispatcher.ArchiveWebhook(mux.Vars(r)["id"])
	if !ok {
		respondError(w, http.StatusNotFound, "webhook not found", "no active webhook with that id")
		return
	}
	respondJSON(w, wh)
}

func (s *Server) handleRestoreWebhook(w http.ResponseWriter, r *http.Request) {
	wh, ok := s.dispatcher.RestoreWebhook(mux.Vars(r)["id"])
	if !ok {
		respondError(w, http.StatusNotFound, "webhook not found", "no archived webhook with that id")
		return
	}
	respondJSON(w, wh)
}

func (s *Server) handleTestWebhook(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	attempts, err := s.dispatcher.TestWebhook(id)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}

	success := false
	for _, att := range attempts {
		if att.Success {
			success = true
		}
	}
	respondJSON(w, TestWebhookResponse{WebhookID: id, Success: success, Attempts: attempts})
}

func (s *Server) handleEventHistory(w http.ResponseWriter, r *http.Request) {
	filter := events.HistoryFilter{
		Kind:  events.Kind(r.URL.Query().Get("kind")),
		Limit: queryInt(r, "limit", 0),
	}
	history := s.dispatcher.EventHistory(filter)
	if history == nil {
		history = []*events.Event{}
	}
	respondJSON(w, history)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// ==============================
// Helper Functions
// ==============================

// respondDomainError maps the error taxonomy onto HTTP status codes:
// malformed input 400, lookup misses 404, state conflicts 409,
// business-rule rejections 422.
func (s *Server) respondDomainError(w http.ResponseWriter, err error) {
	var riskErr *trading.RiskRejectedError
	switch {
	case errors.As(err, &riskErr):
		respondError(w, http.StatusUnprocessableEntity, "trade rejected", err.Error())
	case errors.Is(err, trading.ErrInvalidOrder),
		errors.Is(err, risk.ErrInvalidTrade),
		errors.Is(err, risk.ErrInvalidParameter),
		errors.Is(err, events.ErrValidation):
		respondError(w, http.StatusBadRequest, "invalid input", err.Error())
	case errors.Is(err, trading.ErrOrderNotFound),
		errors.Is(err, trading.ErrPositionNotFound),
		errors.Is(err, events.ErrWebhookNotFound):
		respondError(w, http.StatusNotFound, "not found", err.Error())
	case errors.Is(err, trading.ErrInvalidState):
		respondError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, trading.ErrInsufficientBalance),
		errors.Is(err, trading.ErrInsufficientPosition):
		respondError(w, http.StatusUnprocessableEntity, "rejected", err.Error())
	default:
		log.Printf("[api] internal error: %v", err)
		respondError(w, http.StatusInternalServerError, "internal error", err.Error())
	}
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   error,
		Message: message,
	})
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
