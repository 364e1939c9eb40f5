// Package api exposes the provisioning orchestrator over HTTP: the tsuru
// service broker under /resources and a small management API under
// /api/database.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/dbaas/dbaas/pkg/config"
	"github.com/dbaas/dbaas/pkg/provisioning"
	"github.com/dbaas/dbaas/pkg/telemetry"
)

// Server serves the HTTP API of one orchestrator.
type Server struct {
	orch        *provisioning.Orchestrator
	tel         *telemetry.Telemetry
	logger      *telemetry.Logger
	environment string
	httpServer  *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithTelemetry sets the telemetry used for request logging and /metrics.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(s *Server) {
		if tel != nil {
			s.tel = tel
		}
	}
}

// WithDefaultEnvironment sets the environment of broker calls that do not
// name one.
func WithDefaultEnvironment(environment string) Option {
	return func(s *Server) {
		s.environment = environment
	}
}

// NewServer creates the API server. Without a default environment, a
// catalog with exactly one environment supplies it.
func NewServer(orch *provisioning.Orchestrator, opts ...Option) (*Server, error) {
	if orch == nil {
		return nil, fmt.Errorf("orchestrator is required")
	}

	s := &Server{
		orch: orch,
		tel:  telemetry.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.tel.Logger.NewComponentLogger("api")

	if s.environment == "" && len(orch.Catalog().Environments) == 1 {
		for name := range orch.Catalog().Environments {
			s.environment = name
		}
	}
	if s.environment != "" {
		if _, ok := orch.Catalog().Environment(s.environment); !ok {
			return nil, fmt.Errorf("default environment %s is not in the catalog", s.environment)
		}
	}
	return s, nil
}

// Router builds the route table.
func (s *Server) Router() http.Handler {
	router := mux.NewRouter()
	router.NotFoundHandler = http.HandlerFunc(sendNotFound)
	router.MethodNotAllowedHandler = http.HandlerFunc(sendMethodNotAllowed)
	router.Use(s.requestLogging)

	router.HandleFunc("/healthz", s.health).Methods(http.MethodGet).Name("healthz")
	router.Handle("/metrics", s.tel.Metrics.Handler()).Methods(http.MethodGet).Name("metrics")

	const resource = "/resources/{engine}/{version}"
	router.HandleFunc(resource, s.requireEngine(s.serviceAdd)).Methods(http.MethodPost).Name("service_add")
	router.HandleFunc(resource+"/{name}", s.requireEngine(s.serviceBind)).Methods(http.MethodPost).Name("service_bind")
	router.HandleFunc(resource+"/{name}", s.requireEngine(s.serviceRemove)).Methods(http.MethodDelete).Name("service_remove")
	router.HandleFunc(resource+"/{name}/hostname/{host}", s.requireEngine(s.serviceUnbind)).Methods(http.MethodDelete).Name("service_unbind")
	router.HandleFunc(resource+"/{name}/status", s.requireEngine(s.serviceStatus)).Methods(http.MethodGet).Name("service_status")

	dbs := router.PathPrefix("/api/database").Subrouter()
	dbs.HandleFunc("", s.listDatabases).Methods(http.MethodGet).Name("database_list")
	dbs.HandleFunc("", s.createDatabase).Methods(http.MethodPost).Name("database_create")
	dbs.HandleFunc("/{id}", s.getDatabase).Methods(http.MethodGet).Name("database_get")
	dbs.HandleFunc("/{id}", s.updateDatabase).Methods(http.MethodPut).Name("database_update")
	dbs.HandleFunc("/{id}", s.deleteDatabase).Methods(http.MethodDelete).Name("database_delete")
	dbs.HandleFunc("/{id}/binds", s.listBinds).Methods(http.MethodGet).Name("database_binds")
	dbs.HandleFunc("/{id}/purge", s.purgeDatabase).Methods(http.MethodPost).Name("database_purge")

	return removeTrailingSlash(router)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.Store().HealthCheck(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, envelope{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, envelope{"status": "ok"})
}

// ListenAndServe serves the API on cfg.Listen until ctx is cancelled, then
// shuts down gracefully within cfg.ShutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context, cfg config.ServerConfig) error {
	listener, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Listen, err)
	}
	return s.Serve(ctx, listener, cfg)
}

// Serve serves the API on listener until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, listener net.Listener, cfg config.ServerConfig) error {
	s.httpServer = &http.Server{
		Handler:           s.Router(),
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		BaseContext:       func(net.Listener) context.Context { return s.tel.WithContext(context.Background()) },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("address", listener.Addr().String()).Info("API server listening")
		errCh <- s.httpServer.Serve(listener)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("API server failed: %w", err)
	case <-ctx.Done():
	}

	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s.logger.Info("Shutting down API server")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down API server: %w", err)
	}
	return nil
}
