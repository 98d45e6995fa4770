// Package api exposes the coordinator's operational surface over HTTP:
// Prometheus metrics and a health endpoint that flips once shutdown
// has begun.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/codewandler/bgactor-go/core/background"
)

type Config struct {
	Addr        string // Addr to listen on, e.g. ":2121"
	Log         *slog.Logger
	Registry    *prometheus.Registry // Registry served under /metrics (optional)
	Coordinator *background.Coordinator
}

type Server struct {
	log  *slog.Logger
	http *http.Server
	ln   net.Listener
}

// New binds the listener and starts serving. Close stops it.
func New(cfg Config) (*Server, error) {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "api"))

	mux := http.NewServeMux()
	if cfg.Registry != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(cfg.Registry, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("GET /healthz", handleHealth(cfg.Coordinator))

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("api: listen %s: %w", cfg.Addr, err)
	}

	s := &Server{
		log:  log,
		http: &http.Server{Handler: mux},
		ln:   ln,
	}

	go func() {
		log.Info("api server starting", slog.String("addr", ln.Addr().String()))
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("api server error", slog.Any("error", err))
		}
	}()

	return s, nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string { return s.ln.Addr().String() }

func (s *Server) Close() error {
	return s.http.Shutdown(context.Background())
}

type healthResponse struct {
	Status       string `json:"status"`
	ShuttingDown bool   `json:"shutting_down"`
}

func handleHealth(c *background.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		resp := healthResponse{Status: "ok"}
		code := http.StatusOK
		if c != nil && c.ShutdownStarted() {
			resp.Status = "shutting down"
			resp.ShuttingDown = true
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(resp)
	}
}
