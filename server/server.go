// Package server exposes the daemon's operational HTTP surface: a
// health probe and a stats snapshot. Nothing on it mutates state.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"forumwatch/client"
)

// Store reports dedup record counts per namespace.
type Store interface {
	Stats() (map[string]int64, error)
}

// Quota reports the API budget state.
type Quota interface {
	Stats() client.QuotaStats
}

// Watcher reports scheduler state.
type Watcher interface {
	Running() bool
	Count() int
	Delivered() int64
}

// Config holds server configuration.
type Config struct {
	Store   Store
	Quota   Quota
	Watcher Watcher
	Logger  *slog.Logger
	Addr    string
}

// Server handles ops requests.
type Server struct {
	store   Store
	quota   Quota
	watcher Watcher
	logger  *slog.Logger
	httpSrv *http.Server
}

// New creates an ops server listening on cfg.Addr.
func New(cfg *Config) *Server {
	s := &Server{
		store:   cfg.Store,
		quota:   cfg.Quota,
		watcher: cfg.Watcher,
		logger:  cfg.Logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/statsz", s.handleStats)

	// Configure server with timeouts to prevent resource exhaustion
	s.httpSrv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,  // Time to read request headers and body
		WriteTimeout:      30 * time.Second,  // Time to write response
		IdleTimeout:       120 * time.Second, // Time to keep connection alive between requests
		ReadHeaderTimeout: 5 * time.Second,   // Time to read request headers only
	}
	return s
}

// Handler returns the route tree.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// ListenAndServe blocks until Shutdown is called or the listener fails.
func (s *Server) ListenAndServe() error {
	s.logger.Info("Starting ops server", "addr", s.httpSrv.Addr)
	return s.httpSrv.ListenAndServe()
}

// Shutdown stops listening and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
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
	}
}

type watcherStats struct {
	Running   bool  `json:"running"`
	Watches   int   `json:"watches"`
	Delivered int64 `json:"delivered"`
}

type statsResponse struct {
	Watcher watcherStats      `json:"watcher"`
	Quota   client.QuotaStats `json:"quota"`
	Store   map[string]int64  `json:"store"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	storeStats, err := s.store.Stats()
	if err != nil {
		s.logger.Error("Store stats failed", "error", err)
		http.Error(w, "Stats unavailable", http.StatusInternalServerError)
		return
	}

	resp := statsResponse{
		Watcher: watcherStats{
			Running:   s.watcher.Running(),
			Watches:   s.watcher.Count(),
			Delivered: s.watcher.Delivered(),
		},
		Quota: s.quota.Stats(),
		Store: storeStats,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("Failed to write stats response", "error", err)
	}
}
