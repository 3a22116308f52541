package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/FairForge/recoverd/internal/audit"
	"github.com/FairForge/recoverd/internal/auth"
	"github.com/FairForge/recoverd/internal/config"
	"github.com/FairForge/recoverd/internal/recovery"
)

// JobStore persists emergency backup jobs across restarts.
type JobStore interface {
	CreateJob(ctx context.Context, job *recovery.BackupJob) error
	UpdateJob(ctx context.Context, job *recovery.BackupJob) error
	GetJob(ctx context.Context, id string) (*recovery.BackupJob, error)
	ListJobs(ctx context.Context, limit int) ([]*recovery.BackupJob, error)
}

// Deps are the collaborators behind the HTTP surface. Controller, Catalog,
// Objectives and Auth are required; the rest degrade gracefully when nil.
type Deps struct {
	Controller *recovery.ScenarioController
	Validator  *recovery.ValidationRunner
	Catalog    *recovery.BackupCatalog
	Objectives *recovery.ObjectiveTracker
	Engine     recovery.EngineClient
	Jobs       JobStore
	Auth       *auth.Service
	Audit      *audit.Service
}

// Server is the recoverd control API.
type Server struct {
	config     *config.Config
	logger     *zap.Logger
	router     chi.Router
	httpServer *http.Server

	controller *recovery.ScenarioController
	validator  *recovery.ValidationRunner
	catalog    *recovery.BackupCatalog
	objectives *recovery.ObjectiveTracker
	engine     recovery.EngineClient
	jobs       JobStore
	auth       *auth.Service
	audit      *audit.Service

	jobWG     sync.WaitGroup
	startTime time.Time
}

// NewServer wires routes and middleware and returns a server ready to Start.
func NewServer(cfg *config.Config, logger *zap.Logger, deps Deps) *Server {
	s := &Server{
		config:     cfg,
		logger:     logger,
		router:     chi.NewRouter(),
		controller: deps.Controller,
		validator:  deps.Validator,
		catalog:    deps.Catalog,
		objectives: deps.Objectives,
		engine:     deps.Engine,
		jobs:       deps.Jobs,
		auth:       deps.Auth,
		audit:      deps.Audit,
		startTime:  time.Now(),
	}

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

func (s *Server) setupRoutes() {
	r := s.router

	r.Use(s.loggingMiddleware)
	r.Use(RateLimitMiddleware(NewRateLimiter()))
	if s.audit != nil {
		r.Use(audit.RequestAudit(s.audit))
	}

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Get("/version", s.handleVersion)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Post("/auth/token", s.handleToken)

	// Read surface. Everything past the health probes needs a token; the
	// run record alone tells an attacker which namespaces are soft.
	r.Group(func(r chi.Router) {
		r.Use(s.auth.RequireRole(auth.RoleViewer))
		r.Get("/recover/{runID}", s.handleGetRun)
		r.Get("/recover", s.handleActiveRuns)
		r.Get("/status", s.handleStatus)
		r.Get("/backups", s.handleListBackups)
		r.Get("/backup/jobs", s.handleListBackupJobs)
		r.Get("/backup/jobs/{jobID}", s.handleGetBackupJob)
		r.Get("/validate/reports", s.handleValidationReports)
		r.Get("/compliance/report", s.handleComplianceReport)
		if s.audit != nil {
			audit.NewHandler(s.audit, s.logger).RegisterRoutes(r)
		}
	})

	// Mutating surface.
	r.Group(func(r chi.Router) {
		r.Use(s.auth.RequireRole(auth.RoleOperator))
		r.Post("/recover", s.handleSubmit)
		r.Post("/recover/{runID}/cancel", s.handleCancel)
		r.Post("/validate", s.handleValidate)
		r.Post("/backup/emergency", s.handleEmergencyBackup)
	})

	// Confirmation releases destructive scenarios; approvers only.
	r.Group(func(r chi.Router) {
		r.Use(s.auth.RequireRole(auth.RoleApprover))
		r.Post("/recover/{runID}/confirm", s.handleConfirm)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"version": "0.1.0",
		"uptime":  time.Since(s.startTime).Seconds(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"ready":     true,
		"memory_mb": getMemoryUsageMB(),
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{
		"version": "0.1.0",
		"go":      runtime.Version(),
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		next.ServeHTTP(w, r)

		s.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("latency", time.Since(start)),
		)
	})
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.logger.Info("starting server", zap.Int("port", s.config.Server.Port))
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests and waits for background backup jobs
// to record their final state, bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		s.jobWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("shutdown deadline hit with backup jobs still running")
	}
	return err
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode JSON response", zap.Error(err))
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, err error) {
	s.logger.Error("API error", zap.Error(err), zap.Int("status", status))
	s.respondJSON(w, status, map[string]string{
		"error": err.Error(),
	})
}

func getMemoryUsageMB() uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.Alloc / 1024 / 1024
}
