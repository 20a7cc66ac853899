// Package server hosts the HTTP surface: container health checks and, in
// webhook mode, the Telegram webhook endpoint.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/sirupsen/logrus"

	"betrix_bot/internal/logging"
)

const (
	WebhookPath = "/telegram/webhook"

	storePingTimeout  = 2 * time.Second
	readHeaderTimeout = 2 * time.Second

	// Telegram delivers from a small set of addresses; the limit only
	// guards against floods from anywhere else.
	webhookRequestLimit = 120
	webhookWindow       = time.Minute
)

// StoreChecker is the slice of the store the health check needs.
type StoreChecker interface {
	Ping(ctx context.Context) error
}

// Server owns the HTTP listener and its router.
type Server struct {
	server  *http.Server
	logger  *logrus.Entry
	checker StoreChecker
}

type response struct {
	Status string `json:"status"`
	Store  string `json:"store,omitempty"`
}

// NewServer builds the router. webhook may be nil, in which case the
// webhook route is not mounted.
func NewServer(port int, checker StoreChecker, webhook http.Handler, logger *logrus.Entry) *Server {
	if logger == nil {
		logger = logging.Logger()
	}

	srv := &Server{
		logger:  logger,
		checker: checker,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(srv.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", srv.handleHealth)
	if webhook != nil {
		r.With(httprate.LimitByIP(webhookRequestLimit, webhookWindow)).Post(WebhookPath, webhook.ServeHTTP)
	}

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           r,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	return srv
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// ListenAndServe starts the server and blocks until shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.WithFields(logging.Fields{
		"event": "http_listen",
		"addr":  s.server.Addr,
	}).Info("starting http server")

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server listen: %w", err)
	}

	s.logger.WithField("event", "http_stopped").Info("http server stopped")
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s == nil || s.server == nil {
		return nil
	}

	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := response{Status: "ok"}
	code := http.StatusOK

	if s.checker == nil {
		resp.Status, resp.Store = "degraded", "error"
		code = http.StatusServiceUnavailable
		s.logger.WithField("event", "health_store_missing").Warn("store checker is not configured for health endpoint")
	} else {
		pingCtx, cancel := context.WithTimeout(r.Context(), storePingTimeout)
		err := s.checker.Ping(pingCtx)
		cancel()

		if err != nil {
			resp.Status, resp.Store = "degraded", "error"
			code = http.StatusServiceUnavailable
			s.logger.WithField("event", "health_store_error").WithError(err).Warn("store ping failed during health check")
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.WithField("event", "health_write_error").WithError(err).Error("failed to encode health response")
	}
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.WithFields(logging.Fields{
			"event":      "http_request",
			"request_id": middleware.GetReqID(r.Context()),
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"bytes":      ww.BytesWritten(),
			"duration":   time.Since(start).String(),
			"remote":     r.RemoteAddr,
		}).Debug("http request")
	})
}
