package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"flowguard/internal/command"
	"flowguard/internal/config"
	"flowguard/internal/metrics"
	"flowguard/internal/model"
	"flowguard/internal/pipeline"
	"flowguard/internal/storage"
)

// LatestStore is a durable per-serial last-value lookup, consulted when the in-memory index misses.
type LatestStore interface {
	Latest(ctx context.Context, serial string) (model.Reading, bool, error)
}

type Transport interface {
	Connected() bool
}

type Deps struct {
	Config   *config.Manager
	Pipeline *pipeline.Pipeline
	Store    storage.Gateway
	Relay    *command.Relay
	Ingest   http.Handler
	Live     http.Handler
	Latest   LatestStore
	MQTT     Transport
	Logger   *slog.Logger
	Version  string
}

type Server struct {
	Deps
	started time.Time
}

func NewServer(d Deps) *Server {
	return &Server{Deps: d, started: time.Now().UTC()}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.metricsMiddleware)
	r.Use(s.loggingMiddleware)

	r.Get("/status", s.handleStatus)
	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	if s.Live != nil {
		r.Get("/ws", s.Live.ServeHTTP)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/current", s.handleCurrent)
		r.Get("/history", s.handleHistory)
		r.Get("/readings", s.handleReadings)
		r.Get("/leaks", s.handleLeaks)
		r.Get("/debug/history-size", s.handleHistorySize)
		r.Get("/alerts", s.handleAlerts)
		r.Post("/alerts/clear-temporary", s.handleClearTemporary)
		r.Post("/alerts/{id}/resolve", s.handleResolve)
		r.Get("/cmd", s.handleCommand)
		r.Post("/cmd", s.handleCommand)
		if s.Ingest != nil {
			r.Post("/data", s.Ingest.ServeHTTP)
		}
	})

	r.Get("/config/detection", s.handleGetDetection)
	r.Put("/config/detection", s.handlePutDetection)
	return r
}

// Start serves the API until ctx is cancelled.
func Start(ctx context.Context, addr string, s *Server) *http.Server {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if s.Logger != nil {
				s.Logger.Error("api server error", "err", err)
			}
		}
	}()
	if s.Logger != nil {
		s.Logger.Info("api enabled", "addr", addr)
	}
	return httpServer
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		path := routePattern(r)
		metrics.HTTPRequests.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Logger == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.Logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}
