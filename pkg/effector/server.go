package effector

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/pumpingstationone/deepharbor/internal/logger"
)

// defaultShutdownTimeout bounds graceful shutdown. In-flight requests get
// this long to finish before the listener is torn down.
const defaultShutdownTimeout = 5 * time.Second

// Server wraps one effector HTTP service with graceful shutdown.
type Server struct {
	service      string
	server       *http.Server
	shutdownOnce sync.Once
}

// NewServer creates a server for a named effector service. register mounts
// the service's routes on the router; health endpoints are always present.
func NewServer(service string, port int, register func(chi.Router)) *Server {
	r := chi.NewRouter()

	// Middleware stack - order matters
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(service))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", healthHandler(service))

	register(r)

	return &Server{
		service: service,
		server: &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			Handler:      r,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 65 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
	}
}

// Start serves requests until the context is cancelled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		logger.Info("effector listening",
			logger.KeyService, s.service,
			"addr", s.server.Addr)

		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			select {
			case errChan <- err:
			default:
			}
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("effector shutdown signal received", logger.KeyService, s.service)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()
		return s.Stop(shutdownCtx)
	case err := <-errChan:
		return fmt.Errorf("effector %s failed: %w", s.service, err)
	}
}

// Stop initiates graceful shutdown. Safe to call more than once.
func (s *Server) Stop(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		if err := s.server.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("effector %s shutdown error: %w", s.service, err)
		} else {
			logger.Info("effector stopped", logger.KeyService, s.service)
		}
	})
	return shutdownErr
}

func healthHandler(service string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status":  "healthy",
			"service": service,
		})
	}
}

// requestLogger logs requests through the internal logger. Health probes log
// at DEBUG to keep the noise down.
func requestLogger(service string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			args := []any{
				logger.KeyService, service,
				logger.KeyRequestID, middleware.GetReqID(r.Context()),
				logger.KeyMethod, r.Method,
				logger.KeyPath, r.URL.Path,
				logger.KeyResponseCode, ww.Status(),
				logger.KeyDurationMs, time.Since(start).Milliseconds(),
			}

			if r.URL.Path == "/health" {
				logger.Debug("request completed", args...)
			} else {
				logger.Info("request completed", args...)
			}
		})
	}
}
