// Package server exposes the relay run as an HTTP trigger for schedulers.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"notice-relay/poll"
	"time"
)

// Poller interface for triggering runs.
type Poller interface {
	Run(ctx context.Context) (*poll.Result, error)
}

// Server handles HTTP requests.
type Server struct {
	poller Poller
	logger *slog.Logger
}

// Config holds server configuration.
type Config struct {
	Poller Poller
	Logger *slog.Logger
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	return &Server{
		poller: cfg.Poller,
		logger: cfg.Logger,
	}
}

// Handler returns the routes served by the trigger.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/pollz", s.handlePoll)
	return mux
}

// ListenAndServe starts the server and blocks until ctx is done or the
// listener fails.
func (s *Server) ListenAndServe(ctx context.Context, port string) error {
	// Configure server with timeouts to prevent resource exhaustion
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      5 * time.Minute, // A run sends every new notice before responding
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "port", port)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, `{"status":"healthy"}`); err != nil {
		s.logger.Warn("Failed to write health response", "error", err)
		return
	}
}

type pollResponse struct {
	Status string `json:"status"`
	*poll.Result
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.logger.Info("Poll endpoint triggered")

	res, err := s.poller.Run(r.Context())
	if errors.Is(err, poll.ErrRunInProgress) {
		s.logger.Warn("Poll rejected, run already in progress")
		s.writeJSON(w, http.StatusConflict, pollResponse{Status: "busy"})
		return
	}
	if err != nil && res == nil {
		s.logger.Error("Poll run failed", "error", err)
		http.Error(w, "Run failed", http.StatusInternalServerError)
		return
	}

	status := "completed"
	if err != nil {
		s.logger.Warn("Poll run interrupted", "error", err)
		status = "interrupted"
	}
	s.writeJSON(w, http.StatusOK, pollResponse{Status: status, Result: res})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}
