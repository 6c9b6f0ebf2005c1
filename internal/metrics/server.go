package metrics

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Server exposes /metrics, a /health liveness probe and a /ready readiness
// probe on its own port, apart from the API router
type Server struct {
	server *http.Server
	port   int

	mu    sync.RWMutex
	ready func() error
}

// NewServer creates a new metrics server
func NewServer(port int) *Server {
	s := &Server{port: port}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	mux.HandleFunc("/ready", s.readyHandler)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// SetReadiness installs the check behind /ready. Without one the process is
// always ready.
func (s *Server) SetReadiness(check func() error) {
	s.mu.Lock()
	s.ready = check
	s.mu.Unlock()
}

func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	check := s.ready
	s.mu.RUnlock()

	if check != nil {
		if err := check(); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("READY"))
}

// Start blocks serving metrics until Shutdown
func (s *Server) Start() error {
	log.Info().Int("port", s.port).Msg("Starting metrics server")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}
	return nil
}

// Shutdown stops the server, letting in-flight scrapes finish
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
