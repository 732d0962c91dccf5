package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-audit-scheduler/internal/audit"
	"github.com/JakeFAU/site-audit-scheduler/internal/metrics"
	"github.com/JakeFAU/site-audit-scheduler/internal/orchestrator"
	"github.com/JakeFAU/site-audit-scheduler/internal/queue"
)

const maxRequestBytes = 1 << 20

// Service is the scan orchestration surface the handlers call. *orchestrator.Service satisfies it.
type Service interface {
	Scan(ctx context.Context, req orchestrator.Request) (orchestrator.Result, error)
	Submit(req orchestrator.Request) (queue.Job, error)
	Job(id string) (queue.Job, bool)
	Stats() orchestrator.Stats
	SetLocalConcurrency(n int) error
	SetRemoteConcurrency(n int) error
	Invalidate(params audit.ScanParams) bool
	InvalidateURL(url string) int
	ClearCache()
}

// Options configures the HTTP surface.
type Options struct {
	AuthEnabled    bool
	APIKey         string
	RequestTimeout time.Duration
	// Ready reports whether dependencies are usable. Nil means always ready.
	Ready func() error
}

// Server wires HTTP handlers to the scan service.
type Server struct {
	router  chi.Router
	service Service
	opts    Options
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(service Service, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 90 * time.Second
	}
	metrics.Init()
	s := &Server{service: service, opts: opts, logger: logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(timeoutMiddleware(opts.RequestTimeout))
		if opts.AuthEnabled {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		r.Route("/scans", func(r chi.Router) {
			r.Post("/", s.createScan)
			r.Get("/{job_id}", s.getScan)
		})
		r.Get("/stats", s.stats)
		r.Route("/admin", func(r chi.Router) {
			r.Put("/queue/concurrency", s.setQueueConcurrency)
			r.Put("/remote/concurrency", s.setRemoteConcurrency)
			r.Post("/cache/invalidate", s.invalidateCache)
			r.Delete("/cache", s.clearCache)
		})
	})

	s.router = r
	return s
}

// Handler returns the traced router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "auditd")
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.opts.Ready != nil {
		if err := s.opts.Ready(); err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type scanRequest struct {
	URL        string           `json:"url"`
	Categories []string         `json:"categories"`
	FormFactor audit.FormFactor `json:"form_factor"`
	Throttling audit.Throttling `json:"throttling"`
	Mode       string           `json:"mode"`
	SkipCache  bool             `json:"skip_cache"`
}

func (r scanRequest) toRequest() (orchestrator.Request, error) {
	mode, err := audit.ParseMode(r.Mode)
	if err != nil {
		return orchestrator.Request{}, err
	}
	return orchestrator.Request{
		Params: audit.ScanParams{
			URL:        r.URL,
			Categories: r.Categories,
			FormFactor: r.FormFactor,
			Throttling: r.Throttling,
		},
		Mode:      mode,
		SkipCache: r.SkipCache,
	}, nil
}

func (s *Server) createScan(w http.ResponseWriter, r *http.Request) {
	var body scanRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	req, err := body.toRequest()
	if err != nil {
		s.fail(w, r, err)
		return
	}

	async, _ := strconv.ParseBool(r.URL.Query().Get("async"))
	if async {
		job, err := s.service.Submit(req)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		w.Header().Set("Location", "/v1/scans/"+job.ID)
		writeJSON(w, http.StatusAccepted, map[string]any{"job_id": job.ID, "status": job.Status})
		return
	}

	result, err := s.service.Scan(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) getScan(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, ok := s.service.Job(jobID)
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.service.Stats())
}

type concurrencyRequest struct {
	MaxConcurrency *int `json:"max_concurrency"`
}

func (s *Server) setQueueConcurrency(w http.ResponseWriter, r *http.Request) {
	s.setConcurrency(w, r, s.service.SetLocalConcurrency)
}

func (s *Server) setRemoteConcurrency(w http.ResponseWriter, r *http.Request) {
	s.setConcurrency(w, r, s.service.SetRemoteConcurrency)
}

func (s *Server) setConcurrency(w http.ResponseWriter, r *http.Request, apply func(int) error) {
	var body concurrencyRequest
	if err := decodeJSON(r, &body); err != nil || body.MaxConcurrency == nil {
		writeError(w, http.StatusBadRequest, "max_concurrency required")
		return
	}
	if err := apply(*body.MaxConcurrency); err != nil {
		s.fail(w, r, err)
		return
	}
	s.logger.Info("concurrency updated", zap.String("path", r.URL.Path), zap.Int("max_concurrency", *body.MaxConcurrency))
	writeJSON(w, http.StatusOK, map[string]int{"max_concurrency": *body.MaxConcurrency})
}

type invalidateRequest struct {
	URL    string            `json:"url"`
	Params *audit.ScanParams `json:"params"`
}

func (s *Server) invalidateCache(w http.ResponseWriter, r *http.Request) {
	var body invalidateRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	switch {
	case body.Params != nil:
		removed := 0
		if s.service.Invalidate(*body.Params) {
			removed = 1
		}
		writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
	case body.URL != "":
		writeJSON(w, http.StatusOK, map[string]int{"removed": s.service.InvalidateURL(body.URL)})
	default:
		writeError(w, http.StatusBadRequest, "url or params required")
	}
}

func (s *Server) clearCache(w http.ResponseWriter, _ *http.Request) {
	s.service.ClearCache()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	switch {
	case status == http.StatusServiceUnavailable:
		w.Header().Set("Retry-After", "5")
	case status >= http.StatusInternalServerError:
		s.logger.Error("request failed",
			zap.String("request_id", requestIDFrom(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	writeJSON(w, status, errorBody(err))
}

// statusFor maps the error taxonomy onto HTTP statuses. Typed errors win over a
// deadline they wrap.
func statusFor(err error) int {
	var upstream *audit.UpstreamError
	switch {
	case errors.Is(err, audit.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, audit.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, audit.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, audit.ErrResourceExhausted),
		errors.Is(err, audit.ErrQueueClosed),
		errors.Is(err, audit.ErrPoolClosed):
		return http.StatusServiceUnavailable
	case errors.As(err, &upstream):
		return upstream.Status
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func errorBody(err error) map[string]any {
	body := map[string]any{"error": err.Error()}
	var validation *audit.ValidationError
	var timeout *audit.TimeoutError
	switch {
	case errors.As(err, &validation):
		body["field"] = validation.Field
	case errors.As(err, &timeout):
		body["job_id"] = timeout.JobID
	}
	return body
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes))
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
