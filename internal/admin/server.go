// Package admin exposes the operator-facing HTTP surface: liveness,
// safety-fabric status, and Prometheus metrics. It follows the
// gorilla/mux router plus rs/cors wrapping used for the dashboard API,
// narrowed to the read-only endpoints an operator or monitoring system
// needs without a WebSocket session.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-backend/internal/regime"
	"github.com/atlas-desktop/trading-backend/internal/safety"
)

// Server is the admin HTTP server. It never mutates trading state; every
// handler only reads off the Fabric, Detector, and Metrics it was
// constructed with.
type Server struct {
	logger     *zap.Logger
	httpServer *http.Server
	fabric     *safety.Fabric
	regime     *regime.Detector
	metrics    *Metrics
}

// NewServer builds a Server bound to addr (e.g. ":8080"), reading safety
// state from fabric, regime history from reg, and serving metrics off the
// registry behind m.
func NewServer(logger *zap.Logger, addr string, fabric *safety.Fabric, reg *regime.Detector, m *Metrics) *Server {
	s := &Server{logger: logger.Named("admin"), fabric: fabric, regime: reg, metrics: m}

	router := mux.NewRouter()
	router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	router.HandleFunc("/regime", s.handleRegimeStats).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	handler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet},
	}).Handler(router)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the server's routed, CORS-wrapped http.Handler for use
// in an httptest.Server, independent of the real listener.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins serving in the background. A bind failure surfaces on the
// returned channel rather than blocking the caller.
func (s *Server) Start() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("admin: listening", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("admin: listen: %w", err)
		}
	}()
	return errCh
}

// Stop gracefully shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	state := s.fabric.GetState()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(state); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) handleRegimeStats(w http.ResponseWriter, r *http.Request) {
	stats := s.regime.GetStats()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(stats); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
