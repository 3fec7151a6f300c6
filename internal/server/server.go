// Package server exposes the relay over HTTP.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/observer/owlycall/internal/auth"
	"github.com/observer/owlycall/internal/config"
	"github.com/observer/owlycall/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger/v2"

	_ "github.com/observer/owlycall/docs"
)

// ReadyCheck reports whether a backing service is usable.
type ReadyCheck func(ctx context.Context) error

// Dependencies holds all service dependencies for the server
type Dependencies struct {
	Tokens      *auth.TokenService
	CallHandler *CallHandler // nil without a database
	WSHandler   http.Handler
	Ready       map[string]ReadyCheck
	Gatherer    prometheus.Gatherer
	Metrics     *metrics.Relay
	Logger      *slog.Logger
}

// New creates an HTTP server with all routes configured.
func New(cfg *config.Config, deps *Dependencies) *http.Server {
	return &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      Handler(cfg, deps),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// Handler builds the routed and wrapped handler.
func Handler(cfg *config.Config, deps *Dependencies) http.Handler {
	mux := http.NewServeMux()
	registerRoutes(mux, deps)

	return chainMiddleware(mux,
		requestIDMiddleware,
		corsMiddleware(cfg),
		observeMiddleware(deps.Logger, deps.Metrics),
		recoverMiddleware(deps.Logger),
	)
}

func registerRoutes(mux *http.ServeMux, deps *Dependencies) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// Readiness covers the database and the cross-instance bus when present.
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		for name, check := range deps.Ready {
			if err := check(ctx); err != nil {
				deps.Logger.Warn("readiness check failed", "check", name, "error", err)
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{
					"status": "not ready",
					"error":  name + " unavailable",
				})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})

	if deps.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	// =========================================================================
	// Call history (require auth)
	// =========================================================================
	if deps.CallHandler != nil {
		authMiddleware := auth.Middleware(deps.Tokens)
		mux.Handle("GET /calls", authMiddleware(http.HandlerFunc(deps.CallHandler.GetCallHistory)))
		mux.Handle("GET /calls/missed/count", authMiddleware(http.HandlerFunc(deps.CallHandler.GetMissedCallCount)))
		mux.Handle("GET /calls/{id}", authMiddleware(http.HandlerFunc(deps.CallHandler.GetCall)))
	}

	mux.Handle("GET /docs/", httpSwagger.Handler(httpSwagger.URL("/docs/doc.json")))

	// =========================================================================
	// WebSocket route
	// =========================================================================
	mux.Handle("GET /ws", deps.WSHandler)
}
