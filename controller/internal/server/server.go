// Package server exposes the controller over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/meridianlabs/unbond/controller/internal/controller"
	"github.com/meridianlabs/unbond/controller/internal/metrics"
	"github.com/meridianlabs/unbond/core/pkg/broker"
	"github.com/meridianlabs/unbond/utils/pkg/httpapi"
)

// Config holds server configuration.
type Config struct {
	Logger     *slog.Logger
	Controller *controller.Controller
	Addr       string
	Version    string
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if c.Controller == nil {
		return fmt.Errorf("controller is required")
	}
	if c.Addr == "" {
		return fmt.Errorf("addr is required")
	}
	return nil
}

// Server is the controller HTTP server.
type Server struct {
	router  *chi.Mux
	srv     *http.Server
	log     *slog.Logger
	ctrl    *controller.Controller
	version string
}

// NewServer creates a controller server from the given configuration.
func NewServer(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	s := &Server{
		router:  chi.NewRouter(),
		log:     cfg.Logger,
		ctrl:    cfg.Controller,
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
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "X-Caller-ID"},
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
		r.Get("/delegates", s.handleListDelegates)
		r.Get("/quote", s.handleQuote)
		r.Post("/unstake", s.handleUnstake)
		r.Post("/delegates/{id}/complete", s.handleComplete)
		r.Post("/broker", s.handleUpdateBroker)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.ctrl.Status(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"owner":            status.Owner,
		"min_rate":         status.MinRate,
		"duration_seconds": int64(status.Duration / time.Second),
		"total_base":       status.TotalBase,
		"total_quote":      status.TotalQuote,
		"delegates":        status.Delegates,
	})
}

func (s *Server) handleListDelegates(w http.ResponseWriter, r *http.Request) {
	delegates, err := s.ctrl.ListDelegates(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, delegates)
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	amount, err := strconv.ParseUint(r.URL.Query().Get("amount"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "amount is required")
		return
	}

	offer, err := s.ctrl.Quote(r.Context(), amount)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, offer)
}

func (s *Server) handleUnstake(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount uint64  `json:"amount"`
		MaxFee *uint64 `json:"max_fee,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Amount == 0 {
		s.writeError(w, http.StatusBadRequest, "amount is required")
		return
	}

	delegate, err := s.ctrl.Unstake(r.Context(), req.Amount, req.MaxFee)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	metrics.RecordUnstake(req.Amount)
	s.writeJSON(w, http.StatusOK, delegate)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid delegate id")
		return
	}

	settlement, err := s.ctrl.Complete(r.Context(), id)
	if err != nil {
		var insolvent *broker.InsolventError
		switch {
		case errors.As(err, &insolvent):
			metrics.RecordSettlement("insolvent")
		case errors.Is(err, controller.ErrUnknownDelegate):
		default:
			metrics.RecordSettlement("error")
		}
		s.writeDomainError(w, err)
		return
	}

	metrics.RecordSettlement("settled")
	s.writeJSON(w, http.StatusOK, settlement)
}

func (s *Server) handleUpdateBroker(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MinRate         decimal.Decimal `json:"min_rate"`
		DurationSeconds int64           `json:"duration_seconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	caller := r.Header.Get("X-Caller-ID")
	err := s.ctrl.UpdateBroker(r.Context(), caller, req.MinRate, time.Duration(req.DurationSeconds)*time.Second)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

// writeDomainError maps domain errors to HTTP statuses.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	var insolvent *broker.InsolventError
	switch {
	case errors.Is(err, controller.ErrUnknownDelegate):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, controller.ErrUnauthorized):
		s.writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, controller.ErrMaxFeeExceeded):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, broker.ErrRateOverflow), errors.Is(err, broker.ErrOfferUnviable):
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.As(err, &insolvent):
		s.writeJSON(w, http.StatusConflict, map[string]any{
			"error":          insolvent.Error(),
			"debt_remaining": insolvent.DebtRemaining,
		})
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
