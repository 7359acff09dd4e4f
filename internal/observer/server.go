// Package observer serves a read-only HTTP view of the coordination state:
// health, metrics, active work listings and one-shot stream reads.
package observer

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	log "github.com/sirupsen/logrus"

	"github.com/latitude-dev/latitude-llm-sub007/internal/config"
	"github.com/latitude-dev/latitude-llm-sub007/pkg/activework"
	"github.com/latitude-dev/latitude-llm-sub007/pkg/eventstream"
	"github.com/latitude-dev/latitude-llm-sub007/pkg/kv"
)

// Registries groups the active-work registries the observer lists.
type Registries struct {
	ProjectRuns        *activework.ProjectRuns
	DocumentRuns       *activework.DocumentRuns
	ProjectEvaluations *activework.ProjectEvaluations
}

// Server is the observer HTTP server.
type Server struct {
	router     chi.Router
	httpServer *http.Server
	cfg        config.ObserverConfig
	streamCfg  eventstream.Config
	client     *kv.Client
	registries Registries
	logger     log.FieldLogger
}

// New creates the server. Nothing listens until Start.
func New(client *kv.Client, registries Registries, cfg config.ObserverConfig, streamCfg eventstream.Config, logger log.FieldLogger) (*Server, error) {
	if client == nil {
		return nil, errors.New("store client cannot be nil")
	}
	if registries.ProjectRuns == nil || registries.DocumentRuns == nil || registries.ProjectEvaluations == nil {
		return nil, errors.New("all active work registries are required")
	}
	if logger == nil {
		logger = log.StandardLogger()
	}

	s := &Server{
		cfg:        cfg,
		streamCfg:  streamCfg,
		client:     client,
		registries: registries,
		logger:     logger.WithField("component", "observer"),
	}
	s.router = s.setupRouter()
	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		// Stream reads may block up to MaxReadTimeout.
		WriteTimeout: cfg.MaxReadTimeout + 10*time.Second,
	}
	return s, nil
}

func (s *Server) setupRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	if len(s.cfg.AllowedOrigins) > 0 {
		r.Use(cors.New(cors.Options{
			AllowedOrigins: s.cfg.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
			ExposedHeaders: []string{"X-Request-ID"},
			MaxAge:         300,
		}).Handler)
	}

	r.Get("/healthz", s.healthCheckHandler)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/workspaces/{workspaceID}/projects/{projectID}", func(r chi.Router) {
		r.Get("/runs", s.listProjectRuns)
		r.Get("/documents/{documentUUID}/runs", s.listDocumentRuns)
		r.Get("/evaluations", s.listProjectEvaluations)
	})
	r.Get("/streams/{namespace}/{channelID}", s.readStream)

	return r
}

// loggingMiddleware logs every request once it has been served.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			s.logger.WithFields(log.Fields{
				"method":     r.Method,
				"path":       r.URL.Path,
				"status":     ww.Status(),
				"bytes":      ww.BytesWritten(),
				"duration":   time.Since(start),
				"request_id": middleware.GetReqID(r.Context()),
			}).Debug("http request")
		}()

		next.ServeHTTP(ww, r)
	})
}

// Start starts the HTTP server in the background.
func (s *Server) Start() error {
	s.logger.WithField("addr", s.httpServer.Addr).Info("starting observer")

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.WithError(err).Error("observer server error")
		}
	}()

	return nil
}

// Shutdown gracefully shuts down the server within the configured timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "observer shutdown failed")
	}
	s.logger.Info("observer stopped")
	return nil
}

// Router returns the chi router, mainly for tests.
func (s *Server) Router() chi.Router {
	return s.router
}
