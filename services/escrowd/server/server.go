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
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"proofpay/services/escrowd/chain"
	"proofpay/services/escrowd/escrow"
	"proofpay/services/escrowd/recon"
)

const maxBodyBytes = 32 << 20

// Jobs exposes the reconciliation sweeps to the job endpoints.
type Jobs interface {
	ReconcileFunding(ctx context.Context) (recon.Result, error)
	AutoReleaseSweep(ctx context.Context) (recon.Result, error)
	DeliveryReminders(ctx context.Context) (recon.Result, error)
}

// Config captures the dependencies required to construct the server.
type Config struct {
	Service   *escrow.Service
	Jobs      Jobs
	Auth      *Authenticator
	RateLimit RateLimit
	// Health reports readiness of backing stores for /healthz.
	Health func(ctx context.Context) error
	Logger *slog.Logger
}

// Server serves the escrow HTTP API.
type Server struct {
	svc     *escrow.Service
	jobs    Jobs
	auth    *Authenticator
	limiter *rateLimiter
	health  func(ctx context.Context) error
	logger  *slog.Logger
	router  http.Handler
}

func New(cfg Config) (*Server, error) {
	if cfg.Service == nil {
		return nil, fmt.Errorf("server: escrow service required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		svc:     cfg.Service,
		jobs:    cfg.Jobs,
		auth:    cfg.Auth,
		limiter: newRateLimiter(cfg.RateLimit),
		health:  cfg.Health,
		logger:  logger,
	}
	s.router = s.routes()
	return s, nil
}

// Handler exposes the configured router.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(api chi.Router) {
		api.Group(func(party chi.Router) {
			party.Use(s.auth.Require(ScopeEscrow))
			party.With(s.wrap("escrow.create")...).Post("/escrow/create", s.handleCreate)
			party.With(s.wrap("escrow.fund")...).Post("/escrow/fund", s.handleFund)
			party.With(s.wrap("escrow.release")...).Post("/escrow/release", s.handleRelease)
			party.With(s.wrap("escrow.dispute")...).Post("/escrow/dispute", s.handleDispute)
			party.With(s.wrap("escrow.by_identity")...).Get("/escrow/by-identity/{identity}", s.handleByIdentity)
			party.With(s.wrap("escrow.get")...).Get("/escrow/{shortCode}", s.handleGet)
			party.With(s.wrap("escrow.events")...).Get("/escrow/{shortCode}/events", s.handleEvents)
		})
		api.Group(func(op chi.Router) {
			op.Use(s.auth.Require(ScopeOperator))
			op.With(s.wrap("escrow.resolve_dispute")...).Post("/escrow/resolve-dispute", s.handleResolve)
			op.With(s.wrap("escrow.resync")...).Post("/escrow/{shortCode}/resync", s.handleResync)
		})
		api.Route("/jobs", func(jobs chi.Router) {
			jobs.Use(s.auth.Require(ScopeJobs))
			s.job(jobs, "/reconcile-funding", "jobs.reconcile_funding", func(ctx context.Context) (recon.Result, error) {
				return s.jobs.ReconcileFunding(ctx)
			})
			s.job(jobs, "/auto-release", "jobs.auto_release", func(ctx context.Context) (recon.Result, error) {
				return s.jobs.AutoReleaseSweep(ctx)
			})
			s.job(jobs, "/delivery-reminders", "jobs.delivery_reminders", func(ctx context.Context) (recon.Result, error) {
				return s.jobs.DeliveryReminders(ctx)
			})
		})
	})
	return r
}

func (s *Server) wrap(route string) []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{observe(route, s.logger), s.limiter.middleware(route)}
}

// job mounts a sweep on both GET (cron) and POST (manual trigger).
func (s *Server) job(r chi.Router, path, route string, run func(context.Context) (recon.Result, error)) {
	h := func(w http.ResponseWriter, req *http.Request) {
		if s.jobs == nil {
			writeError(w, http.StatusServiceUnavailable, "reconciliation disabled")
			return
		}
		res, err := run(req.Context())
		if err != nil {
			s.fail(w, route, err)
			return
		}
		writeJSON(w, http.StatusOK, jobResponse{
			ProcessedCount: res.Processed,
			FailedCount:    res.Failed,
			SkippedCount:   res.Skipped,
		})
	}
	r.With(observe(route, s.logger)).Get(path, h)
	r.With(observe(route, s.logger)).Post(path, h)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.health(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	var ce *chain.ChainError
	switch {
	case errors.Is(err, escrow.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, escrow.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, escrow.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, escrow.ErrInvalidState), errors.Is(err, chain.ErrInvalidTransition), errors.Is(err, recon.ErrLocked):
		return http.StatusConflict
	case chain.IsUnknownOutcome(err):
		return http.StatusGatewayTimeout
	case errors.As(err, &ce):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, route string, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", slog.String("route", route), slog.Any("error", err))
		msg = "internal error"
	} else if status >= http.StatusBadGateway {
		s.logger.Warn("chain call failed", slog.String("route", route), slog.Any("error", err))
	}
	writeError(w, status, msg)
}

func decode(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: invalid payload: %v", escrow.ErrValidation, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
