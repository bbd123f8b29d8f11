// Package server is the HTTP front end of the execution service.
package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/caffeineduck/iota/executor"
	"github.com/caffeineduck/iota/internal/metrics"
)

// Executor is the part of *executor.Executor the server drives.
type Executor interface {
	Upload(ctx context.Context, name string, body io.Reader, contentType string) (int64, error)
	Run(ctx context.Context, req executor.RunRequest) (*executor.RunResult, error)
}

// Config holds listener settings.
type Config struct {
	Addr              string
	MaxBodyBytes      int64
	ReadHeaderTimeout time.Duration
}

// Server routes HTTP requests to the executor.
type Server struct {
	exec    Executor
	metrics *metrics.Collector
	logger  *zap.Logger
	cfg     Config
	router  chi.Router
	http    *http.Server
}

// New creates a Server. collector may be nil, in which case /metrics is not
// served.
func New(cfg Config, exec Executor, collector *metrics.Collector, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		exec:    exec,
		metrics: collector,
		logger:  logger.With(zap.String("component", "server")),
		cfg:     cfg,
		router:  chi.NewRouter(),
	}
	s.setupRoutes()
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ErrorLog:          zap.NewStdLog(s.logger),
	}
	return s
}

func (s *Server) setupRoutes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	if s.metrics != nil {
		r.Use(s.recordMetrics)
	}
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleIndex)
	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}
	r.Post("/upload", s.handleUpload)
	r.Post("/run", s.handleRun)
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured address until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("server listening", zap.String("addr", s.cfg.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server shutting down")
	return s.http.Shutdown(ctx)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("Hi"))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	body := http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)

	if _, err := s.exec.Upload(r.Context(), name, body, r.Header.Get("Content-Type")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")

	res, err := s.exec.Run(r.Context(), executor.RunRequest{
		Name:  name,
		Stdin: http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes),
		URL:   requestURL(r),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	defer res.Output.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(res.Size, 10))
	if res.TraceID != "" {
		w.Header().Set("X-Trace-Id", res.TraceID)
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, res.Output); err != nil {
		s.logger.Warn("streaming output failed",
			zap.String("module", name),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
	}
}

// fail logs err in full and answers with a bare 500.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Error("request failed",
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.String("name", r.URL.Query().Get("name")),
		zap.String("kind", executor.Classify(err)),
		zap.String("request_id", middleware.GetReqID(r.Context())),
		zap.Error(err),
	)
	http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
}

// requestURL reconstructs the absolute URL the client used.
func requestURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}
