// Package server exposes the reserve pool over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/meridianlabs/unbond/core/pkg/store"
	"github.com/meridianlabs/unbond/reserve/internal/metrics"
	"github.com/meridianlabs/unbond/reserve/pkg/pool"
	"github.com/meridianlabs/unbond/utils/pkg/httpapi"
)

// Config holds server configuration.
type Config struct {
	Logger  *slog.Logger
	Pool    *pool.Pool
	Addr    string
	Version string
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if c.Pool == nil {
		return fmt.Errorf("pool is required")
	}
	if c.Addr == "" {
		return fmt.Errorf("addr is required")
	}
	return nil
}

// Server is the reserve HTTP server.
type Server struct {
	router  *chi.Mux
	srv     *http.Server
	log     *slog.Logger
	pool    *pool.Pool
	version string
}

// NewServer creates a reserve server from the given configuration.
func NewServer(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	s := &Server{
		router:  chi.NewRouter(),
		log:     cfg.Logger,
		pool:    cfg.Pool,
		version: cfg.Version,
	}
	s.setupRoutes()

	s.srv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s, nil
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "X-Caller-ID", "X-Controller-ID"},
	}))
	s.router.Use(metrics.Middleware)

	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/version", s.handleVersion)
	s.router.Handle("/metrics", promhttp.Handler())

	// 100 requests/minute per IP with a burst of 20.
	limiter := httpapi.NewRateLimiter(rate.Every(time.Minute/100), 20)
	s.router.Route("/v1", func(r chi.Router) {
		r.Use(httpapi.RateLimitMiddleware(limiter))
		r.Get("/status", s.handleStatus)
		r.Get("/whitelist", s.handleWhitelist)
		r.Post("/fund", s.handleFund)
		r.Post("/withdraw", s.handleWithdraw)
		r.Post("/reserves/request", s.handleRequestReserves)
		r.Post("/reserves/return", s.handleReturnReserves)
		r.Post("/controllers", s.handleAddController)
		r.Delete("/controllers/{controller}", s.handleRemoveController)
		r.Post("/owner", s.handleUpdateOwner)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.pool.Status(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	metrics.PoolAvailable.Set(float64(status.Available))
	metrics.PoolDeployed.Set(float64(status.Deployed))
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleWhitelist(w http.ResponseWriter, r *http.Request) {
	credits, err := s.pool.Whitelist(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, credits)
}

func (s *Server) handleFund(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount uint64 `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	shares, err := s.pool.Fund(r.Context(), req.Amount)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	metrics.DepositsTotal.Inc()
	s.refreshPoolGauges(r.Context())
	s.writeJSON(w, http.StatusOK, map[string]uint64{"shares": shares})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Shares uint64 `json:"shares"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	amount, err := s.pool.Withdraw(r.Context(), req.Shares)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	metrics.WithdrawalsTotal.Inc()
	s.refreshPoolGauges(r.Context())
	s.writeJSON(w, http.StatusOK, map[string]uint64{"amount": amount})
}

func (s *Server) handleRequestReserves(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount uint64 `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	controller := r.Header.Get("X-Controller-ID")
	granted, err := s.pool.RequestReserves(r.Context(), controller, req.Amount)
	if err != nil {
		metrics.DeploymentsTotal.WithLabelValues("denied").Inc()
		s.writeDomainError(w, err)
		return
	}

	metrics.DeploymentsTotal.WithLabelValues("granted").Inc()
	s.refreshPoolGauges(r.Context())
	s.writeJSON(w, http.StatusOK, map[string]uint64{"amount": granted})
}

func (s *Server) handleReturnReserves(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Original uint64 `json:"original"`
		Received uint64 `json:"received"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	controller := r.Header.Get("X-Controller-ID")
	if err := s.pool.ReturnReserves(r.Context(), controller, req.Original, req.Received); err != nil {
		s.writeDomainError(w, err)
		return
	}

	metrics.ReturnsTotal.Inc()
	s.refreshPoolGauges(r.Context())
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "returned"})
}

func (s *Server) handleAddController(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Controller string  `json:"controller"`
		Limit      *uint64 `json:"limit,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Controller == "" {
		s.writeError(w, http.StatusBadRequest, "controller is required")
		return
	}

	caller := r.Header.Get("X-Caller-ID")
	if err := s.pool.AddController(r.Context(), caller, req.Controller, req.Limit); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "added"})
}

func (s *Server) handleRemoveController(w http.ResponseWriter, r *http.Request) {
	controller := chi.URLParam(r, "controller")
	caller := r.Header.Get("X-Caller-ID")
	if err := s.pool.RemoveController(r.Context(), caller, controller); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (s *Server) handleUpdateOwner(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Owner string `json:"owner"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	caller := r.Header.Get("X-Caller-ID")
	if err := s.pool.UpdateOwner(r.Context(), caller, req.Owner); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

// refreshPoolGauges republishes pool balances after a state change.
func (s *Server) refreshPoolGauges(ctx context.Context) {
	status, err := s.pool.Status(ctx)
	if err != nil {
		return
	}
	metrics.PoolAvailable.Set(float64(status.Available))
	metrics.PoolDeployed.Set(float64(status.Deployed))
}

// writeDomainError maps domain errors to HTTP statuses.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pool.ErrInvalidPayment):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, pool.ErrUnauthorized), errors.Is(err, pool.ErrControllerLimitExceeded):
		s.writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, pool.ErrInsufficientFunds), errors.Is(err, pool.ErrInsufficientReserves):
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	default:
		s.log.Error("request failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// Handler returns the server's HTTP handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.log.Info("starting HTTP server", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down HTTP server")
	return s.srv.Shutdown(ctx)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error("failed to encode JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
