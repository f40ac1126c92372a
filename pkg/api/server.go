// Package api serves the file store over HTTP along with health and
// metrics endpoints.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/filecdn/filecdn/internal/filestore"
	cdnerrors "github.com/filecdn/filecdn/pkg/errors"
	"github.com/filecdn/filecdn/pkg/health"
	"github.com/filecdn/filecdn/pkg/utils"
)

// Server provides the upload, fetch, download and delete endpoints
type Server struct {
	httpServer    *http.Server
	service       *filestore.Service
	healthTracker *health.Tracker
	metrics       http.Handler
	logger        *utils.StructuredLogger
	config        ServerConfig
}

// ServerConfig configures the API server
type ServerConfig struct {
	// Address to bind the server to (e.g., ":3001")
	Address string `yaml:"address" json:"address"`

	// ReadTimeout is the maximum duration for reading the entire request
	ReadTimeout time.Duration `yaml:"read_timeout" json:"read_timeout"`

	// WriteTimeout is the maximum duration for writing the response
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`

	// IdleTimeout is the maximum duration to wait for the next request
	IdleTimeout time.Duration `yaml:"idle_timeout" json:"idle_timeout"`

	// AccessKey must be presented in the "key" header to upload or delete.
	// An empty key rejects every such request.
	AccessKey string `yaml:"-" json:"-"`

	// EnableCORS enables Cross-Origin Resource Sharing
	EnableCORS bool `yaml:"enable_cors" json:"enable_cors"`

	// EnableStats serves cache and ledger statistics at /stats
	EnableStats bool `yaml:"enable_stats" json:"enable_stats"`

	// MetricsPath is where a metrics handler is mounted
	MetricsPath string `yaml:"metrics_path" json:"metrics_path"`
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:      ":3001",
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
		EnableCORS:   true,
		MetricsPath:  "/metrics",
	}
}

// Option configures a Server.
type Option func(*Server)

// WithMetricsHandler serves h at ServerConfig.MetricsPath.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

func WithLogger(l *utils.StructuredLogger) Option {
	return func(s *Server) { s.logger = l }
}

const immutableCacheControl = "public, max-age=31536000, immutable"

// NewServer creates a new API server
func NewServer(config ServerConfig, service *filestore.Service, healthTracker *health.Tracker, opts ...Option) *Server {
	s := &Server{
		service:       service,
		healthTracker: healthTracker,
		config:        config,
		logger:        utils.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithComponent("api")

	mux := http.NewServeMux()

	// File endpoints
	mux.HandleFunc("POST /upload", s.handleUpload)
	mux.HandleFunc("GET /fetch/{token}", s.handleFetch)
	mux.HandleFunc("GET /download/{token}", s.handleDownload)
	mux.HandleFunc("DELETE /delete/{token}", s.handleDelete)

	// Health endpoints
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /health/live", s.handleLiveness)
	mux.HandleFunc("GET /health/ready", s.handleReadiness)

	if s.metrics != nil {
		path := config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		mux.Handle("GET "+path, s.metrics)
	}
	if config.EnableStats {
		mux.HandleFunc("GET /stats", s.handleStats)
	}

	// Apply middleware, outermost last
	var handler http.Handler = mux
	handler = s.recoveryMiddleware(handler)
	if config.EnableCORS {
		handler = s.corsMiddleware(handler)
	}
	handler = s.loggingMiddleware(handler)

	s.httpServer = &http.Server{
		Addr:         config.Address,
		Handler:      handler,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}

	return s
}

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves until Shutdown. It returns nil after a graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("starting API server", map[string]interface{}{"address": s.config.Address})
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Serve is Start on an existing listener.
func (s *Server) Serve(l net.Listener) error {
	s.logger.Info("starting API server", map[string]interface{}{"address": l.Addr().String()})
	if err := s.httpServer.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down API server")
	return s.httpServer.Shutdown(ctx)
}

// File endpoint handlers

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		s.respondText(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	limit := s.service.MaxUploadBytes()
	if r.ContentLength > limit {
		s.respondText(w, http.StatusRequestEntityTooLarge, "File too large")
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.respondText(w, http.StatusRequestEntityTooLarge, "File too large")
			return
		}
		s.respondText(w, http.StatusBadRequest, "Invalid request")
		return
	}

	ext := r.Header.Get("ext")
	if ext == "" {
		ext = r.Header.Get("extension")
	}
	downloadLimit, err := filestore.ParseDownloadLimit(r.Header.Get("download-limit"))
	if err != nil {
		s.respondError(w, err)
		return
	}

	res, err := s.service.Upload(r.Context(), filestore.UploadRequest{
		Name:          filestore.SanitizeName(r.Header.Get("name")),
		Ext:           filestore.SanitizeExt(ext),
		Data:          data,
		DownloadLimit: downloadLimit,
	})
	if err != nil {
		if cdnerrors.HasCode(err, cdnerrors.ErrCodeValidationFailed) {
			s.respondText(w, http.StatusBadRequest, "Invalid request")
			return
		}
		s.respondError(w, err)
		return
	}

	status := http.StatusOK
	if res.Deduplicated {
		status = http.StatusCreated
	}
	s.respondText(w, status, res.Token)
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")
	data, err := s.service.Fetch(r.Context(), token)
	if err != nil {
		s.respondError(w, err)
		return
	}

	etag := `"` + token + `"`
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", immutableCacheControl)
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", http.DetectContentType(data))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		s.logger.Debug("fetch write aborted", map[string]interface{}{"token": token, "error": err})
	}
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")
	rec, data, err := s.service.Download(r.Context(), token)
	if err != nil {
		s.respondError(w, err)
		return
	}

	contentType := mime.TypeByExtension("." + rec.Ext)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{
		"filename": rec.Filename(),
	}))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		s.logger.Debug("download write aborted", map[string]interface{}{"token": token, "error": err})
	}
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		s.respondText(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	if err := s.service.Delete(r.Context(), r.PathValue("token")); err != nil {
		s.respondError(w, err)
		return
	}
	s.respondText(w, http.StatusOK, "Deleted")
}

// authorized compares the "key" header in constant time.
func (s *Server) authorized(r *http.Request) bool {
	if s.config.AccessKey == "" {
		return false
	}
	key := r.Header.Get("key")
	return subtle.ConstantTimeCompare([]byte(key), []byte(s.config.AccessKey)) == 1
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.service.Stats(r.Context())
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, stats)
}

// Health endpoint handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.healthTracker == nil {
		s.respondJSON(w, http.StatusOK, map[string]interface{}{
			"status": "healthy",
			"note":   "Health tracking not configured",
		})
		return
	}

	report := s.healthTracker.RunChecks(r.Context())
	statusCode := http.StatusOK
	switch report.Status {
	case health.StateUnavailable:
		statusCode = http.StatusServiceUnavailable
	case health.StateDegraded, health.StateReadOnly:
		statusCode = http.StatusPartialContent
	}
	s.respondJSON(w, statusCode, report)
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"alive":     true,
		"timestamp": time.Now(),
	})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if s.healthTracker == nil {
		s.respondJSON(w, http.StatusOK, map[string]interface{}{
			"ready":     true,
			"timestamp": time.Now(),
			"note":      "Health tracking not configured",
		})
		return
	}

	report := s.healthTracker.Snapshot()
	statusCode := http.StatusOK
	if !report.Ready() {
		statusCode = http.StatusServiceUnavailable
	}
	s.respondJSON(w, statusCode, map[string]interface{}{
		"ready":     report.Ready(),
		"status":    report.Status,
		"timestamp": report.CheckedAt,
	})
}

// Middleware

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(b)
	r.bytes += n
	return n, err
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		if rec.status == 0 {
			rec.status = http.StatusOK
		}
		s.logger.Info("request", map[string]interface{}{
			"ip":       clientIP(r),
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"bytes":    rec.bytes,
			"duration": time.Since(start).String(),
		})
	})
}

// clientIP prefers the first X-Forwarded-For hop over the socket peer.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, key, name, ext, extension, download-limit, If-None-Match")
		w.Header().Set("Access-Control-Expose-Headers", "ETag, Content-Disposition")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				if v == http.ErrAbortHandler {
					panic(v)
				}
				err := cdnerrors.NewError(cdnerrors.ErrCodePanicRecovered, fmt.Sprint(v)).
					WithComponent("api").
					WithOperation(r.Method + " " + r.URL.Path).
					WithStack()
				s.logger.Error("handler panic", map[string]interface{}{
					"error": err.Message,
					"path":  r.URL.Path,
					"stack": err.Stack,
				})
				s.respondText(w, http.StatusInternalServerError, "Internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// Helper methods

func (s *Server) respondText(w http.ResponseWriter, statusCode int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(statusCode)
	if _, err := io.WriteString(w, body); err != nil {
		s.logger.Debug("response write failed", map[string]interface{}{"error": err})
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("error encoding JSON response", map[string]interface{}{"error": err})
	}
}

// respondError maps err to its status and a client-safe message. A request
// whose client went away gets no body.
func (s *Server) respondError(w http.ResponseWriter, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	status := cdnerrors.HTTPStatusOf(err)
	msg := "Internal error"
	var cdnErr *cdnerrors.CDNError
	if errors.As(err, &cdnErr) {
		msg = cdnErr.UserFacingMessage()
	}
	if status == http.StatusNotFound {
		msg = "Not found"
	}
	s.respondText(w, status, msg)
}
