// Package api exposes the read-only HTTP surface: order, plan, quote, and
// trade queries backed by the persistence layer.
package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/fluxtrade/execore/internal/domain/orderstore"
	"github.com/fluxtrade/execore/internal/domain/quotestore"
	"github.com/fluxtrade/execore/internal/mm"
	"github.com/fluxtrade/execore/internal/observability"
	"github.com/fluxtrade/execore/internal/schema"
	"github.com/fluxtrade/execore/internal/twap"
)

// Server serves the execution-core query API.
type Server struct {
	orders orderstore.Store
	quotes quotestore.Store
	plans  *twap.Engine
	maker  *mm.Engine

	router *mux.Router
	srv    *http.Server
}

// NewServer wires the query routes. The TWAP and market-making engines may
// be nil when their modules are disabled.
func NewServer(orders orderstore.Store, quotes quotestore.Store, plans *twap.Engine, maker *mm.Engine) *Server {
	s := &Server{
		orders: orders,
		quotes: quotes,
		plans:  plans,
		maker:  maker,
		router: mux.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Statistics before the {id} route so it is not swallowed as an order id.
	api.HandleFunc("/orders/statistics", s.handleOrderStatistics).Methods("GET")
	api.HandleFunc("/orders", s.handleListOrders).Methods("GET")
	api.HandleFunc("/orders/{id}", s.handleGetOrder).Methods("GET")
	api.HandleFunc("/orders/{id}/fills", s.handleListFills).Methods("GET")
	api.HandleFunc("/orders/{id}/history", s.handleStatusHistory).Methods("GET")

	api.HandleFunc("/plans/{id}", s.handleGetPlan).Methods("GET")
	api.HandleFunc("/plans/{id}/statistics", s.handlePlanStatistics).Methods("GET")

	api.HandleFunc("/quotes/{symbol}", s.handleListQuotes).Methods("GET")
	api.HandleFunc("/trades/{symbol}", s.handleListTrades).Methods("GET")
	api.HandleFunc("/mm/{symbol}/statistics", s.handleMMStatistics).Methods("GET")

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the routed handler with CORS applied, for serving or tests.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
	})
	return c.Handler(s.router)
}

// Start serves until Shutdown or a listener error.
func (s *Server) Start(addr string) error {
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	observability.Log().Info("api server starting", observability.F("addr", addr))
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	query := orderstore.Query{
		Symbol: r.URL.Query().Get("symbol"),
		Limit:  parseLimit(r),
	}
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				query.Statuses = append(query.Statuses, schema.Status(part))
			}
		}
	}
	orders, err := s.orders.ListOrders(r.Context(), query)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "query failed", err.Error())
		return
	}
	respondJSON(w, orders)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	order, found, err := s.orders.GetOrder(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "query failed", err.Error())
		return
	}
	if !found {
		respondError(w, http.StatusNotFound, "order not found", id)
		return
	}
	respondJSON(w, order)
}

func (s *Server) handleListFills(w http.ResponseWriter, r *http.Request) {
	fills, err := s.orders.ListFills(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondError(w, http.StatusInternalServerError, "query failed", err.Error())
		return
	}
	respondJSON(w, fills)
}

func (s *Server) handleStatusHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.orders.StatusHistory(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondError(w, http.StatusInternalServerError, "query failed", err.Error())
		return
	}
	respondJSON(w, history)
}

func (s *Server) handleOrderStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := s.orders.Statistics(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "query failed", err.Error())
		return
	}
	respondJSON(w, stats)
}

func (s *Server) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	if s.plans == nil {
		respondError(w, http.StatusNotFound, "plans disabled", "")
		return
	}
	id := mux.Vars(r)["id"]
	plan, err := s.plans.GetPlan(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusNotFound, "plan not found", id)
		return
	}
	respondJSON(w, plan)
}

func (s *Server) handlePlanStatistics(w http.ResponseWriter, r *http.Request) {
	if s.plans == nil {
		respondError(w, http.StatusNotFound, "plans disabled", "")
		return
	}
	id := mux.Vars(r)["id"]
	stats, err := s.plans.PlanStats(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusNotFound, "plan not found", id)
		return
	}
	respondJSON(w, stats)
}

func (s *Server) handleListQuotes(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	var statuses []quotestore.QuoteStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				statuses = append(statuses, quotestore.QuoteStatus(part))
			}
		}
	}
	quotes, err := s.quotes.ListQuotes(r.Context(), symbol, statuses, parseLimit(r))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "query failed", err.Error())
		return
	}
	respondJSON(w, quotes)
}

func (s *Server) handleListTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := s.quotes.ListTrades(r.Context(), mux.Vars(r)["symbol"], parseLimit(r))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "query failed", err.Error())
		return
	}
	respondJSON(w, trades)
}

func (s *Server) handleMMStatistics(w http.ResponseWriter, r *http.Request) {
	if s.maker == nil {
		respondError(w, http.StatusNotFound, "market making disabled", "")
		return
	}
	symbol := mux.Vars(r)["symbol"]
	stats, err := s.maker.Statistics(symbol)
	if err != nil {
		respondError(w, http.StatusNotFound, "symbol not configured", symbol)
		return
	}
	respondJSON(w, stats)
}

func parseLimit(r *http.Request) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0
	}
	return limit
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func respondJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: error, Message: message})
}
