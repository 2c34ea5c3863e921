// Package httpapi exposes a thin operational HTTP surface over the scheduler
// facade: submission, instance reads, cancellation, pause/resume, and the
// diagnostic snapshot.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/MASITH-developpement/Azalscore-sub012/internal/sched"
	logx "github.com/MASITH-developpement/Azalscore-sub012/pkg/logx"
)

type Config struct {
	Addr string

	// SubmitRatePerSec caps job submissions; 0 disables the limiter.
	SubmitRatePerSec float64
	SubmitBurst      int

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = "127.0.0.1:8321"
	}
	if c.SubmitBurst <= 0 {
		c.SubmitBurst = 10
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	return c
}

type Server struct {
	cfg     Config
	svc     *sched.Service
	log     logx.Logger
	limiter *rate.Limiter
	srv     *http.Server
}

func NewServer(cfg Config, svc *sched.Service, log logx.Logger) *Server {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{cfg: cfg, svc: svc, log: log}
	if cfg.SubmitRatePerSec > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.SubmitRatePerSec), cfg.SubmitBurst)
	}
	s.srv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.routes(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/v1", func(r chi.Router) {
		r.With(s.submitLimit).Post("/jobs", s.handleSubmit)
		r.Get("/jobs", s.handleListInstances)
		r.Get("/jobs/{id}", s.handleGetInstance)
		r.Get("/jobs/{id}/events", s.handleInstanceEvents)
		r.Post("/jobs/{id}/cancel", s.handleCancel)
		r.Post("/jobs/{id}/stop", s.handleRequestStop)

		r.Post("/definitions", s.handleDefine)
		r.Get("/definitions", s.handleListDefinitions)
		r.Get("/definitions/{id}", s.handleGetDefinition)
		r.Post("/definitions/{id}/pause", s.handlePauseDefinition)
		r.Post("/definitions/{id}/resume", s.handleResumeDefinition)

		r.Get("/queues", s.handleListQueues)
		r.Post("/queues/{name}/pause", s.handlePauseQueue)
		r.Post("/queues/{name}/resume", s.handleResumeQueue)

		r.Get("/workers", s.handleListWorkers)
		r.Get("/snapshot", s.handleSnapshot)
	})
	return r
}

func (s *Server) submitLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			writeError(w, http.StatusTooManyRequests, "RateLimited", "submission rate exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	ln := s.srv
	go func() {
		s.log.Info("http api listening", logx.String("addr", s.cfg.Addr))
		if err := ln.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http api stopped", logx.Err(err))
		}
	}()
	return nil
}

// Stop drains in-flight requests bounded by ctx.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
