// Package httpapi is the admin HTTP surface: product queries, sync-run
// control, dashboard aggregates, health, prometheus metrics and the
// websocket push endpoint. It is a thin layer over the persistence port,
// the queue client and the events hub; no business logic lives here.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/tradewind/marketsync/internal/config"
	"github.com/tradewind/marketsync/internal/events"
	"github.com/tradewind/marketsync/internal/queue"
	"github.com/tradewind/marketsync/internal/storage"
	"github.com/tradewind/marketsync/internal/supervise"
	"github.com/tradewind/marketsync/internal/types"
)

// Options configures the admin server.
type Options struct {
	Addr    string
	BaseURL string // source marketplace base, for per-product sync URLs
}

// OptionsFromConfig reads the api.* and source.* keys.
func OptionsFromConfig() Options {
	return Options{
		Addr:    config.GetString("api.addr"),
		BaseURL: config.GetString("source.base-url"),
	}
}

// Server wires the admin routes. monitor and hub may be nil; the
// corresponding endpoints then degrade (no worker view, no push).
type Server struct {
	store    storage.Store
	queue    *queue.Client
	hub      *events.Hub
	monitor  *supervise.Monitor
	gatherer prometheus.Gatherer
	logger   *zap.Logger
	opts     Options
}

// New builds a Server.
func New(store storage.Store, qc *queue.Client, hub *events.Hub, monitor *supervise.Monitor, gatherer prometheus.Gatherer, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Addr == "" {
		opts.Addr = ":8080"
	}
	return &Server{
		store:    store,
		queue:    qc,
		hub:      hub,
		monitor:  monitor,
		gatherer: gatherer,
		logger:   logger,
		opts:     opts,
	}
}

// Router assembles the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(s.requestLog)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/products", s.listProducts)
	r.Get("/products/{id}", s.getProduct)
	r.Post("/products/{id}/sync", s.syncProduct)

	r.Get("/sync-records", s.listRuns)
	r.Post("/sync-records", s.createRun)
	r.Post("/sync-records/{id}/cancel", s.cancelRun)
	r.Post("/sync-records/{id}/retry", s.retryRun)
	r.Get("/sync-records/progress/{taskID}", s.runProgress)

	r.Get("/dashboard/stats", s.dashboardStats)
	r.Get("/health", s.health)

	if s.gatherer != nil {
		r.Method("GET", "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	if s.hub != nil {
		r.Get("/ws", s.serveWS)
	}
	return r
}

// Serve runs the server until ctx ends, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errC := make(chan error, 1)
	go func() { errC <- srv.ListenAndServe() }()
	s.logger.Info("admin api listening", zap.String("addr", s.opts.Addr))

	select {
	case err := <-errC:
		return err
	case <-ctx.Done():
	}
	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)))
	})
}

// apiError is the wire shape of every error response.
type apiError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func (s *Server) respond(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("response encode failed", zap.Error(err))
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, code, message string, details interface{}) {
	s.respond(w, status, map[string]interface{}{
		"error": apiError{Code: code, Message: message, Details: details},
	})
}

// storeError maps persistence failures onto the error contract.
func (s *Server) storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, types.ErrNotFound):
		s.respondError(w, http.StatusNotFound, "not_found", "no such record", nil)
	case errors.Is(err, types.ErrStoreUnavailable):
		s.respondError(w, http.StatusServiceUnavailable, "store_unavailable", "store unavailable", nil)
	default:
		s.logger.Error("store operation failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "internal", "internal error", nil)
	}
}
