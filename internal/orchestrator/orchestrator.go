// Package orchestrator sequences the cache, the queues and the scanners for each scan request.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-audit-scheduler/internal/admission"
	"github.com/JakeFAU/site-audit-scheduler/internal/audit"
	"github.com/JakeFAU/site-audit-scheduler/internal/cache"
	"github.com/JakeFAU/site-audit-scheduler/internal/clock"
	"github.com/JakeFAU/site-audit-scheduler/internal/pool"
	"github.com/JakeFAU/site-audit-scheduler/internal/queue"
)

// Event types published after a scan settles.
const (
	EventScanCompleted = "scan.completed"
	EventScanFailed    = "scan.failed"
)

const publishTimeout = 5 * time.Second

// Recorder receives scan and cache observations.
type Recorder interface {
	ObserveScan(mode, outcome string, duration time.Duration)
	ObserveCacheLookup(hit bool)
}

// Archiver stores completed reports. *archive.Archiver satisfies it.
type Archiver interface {
	Save(ctx context.Context, id string, mode audit.Mode, report audit.Report) (string, error)
}

// PoolStats exposes browser pool state. *pool.Pool satisfies it.
type PoolStats interface {
	Stats() pool.Stats
}

// Config tunes request handling.
type Config struct {
	Queue queue.Config
	// JobTimeout bounds one local scanner invocation.
	JobTimeout time.Duration
	// WaitTimeout bounds how long Scan waits for a local job before returning a TimeoutError.
	WaitTimeout time.Duration
}

// Deps are the collaborators of a Service. Only Cache and Local are required.
type Deps struct {
	Cache     *cache.Cache
	Local     audit.Scanner
	Remote    audit.Scanner
	Admission *admission.Queue
	Pool      PoolStats
	Publisher audit.Publisher
	Archive   Archiver
	Recorder  Recorder
	Clock     clock.Clock
	Logger    *zap.Logger
}

// Request is one scan call.
type Request struct {
	Params audit.ScanParams
	Mode   audit.Mode
	// SkipCache forces a fresh scan. The result is still cached.
	SkipCache bool
}

// Result is what Scan returns.
type Result struct {
	Report audit.Report `json:"report"`
	Mode   audit.Mode   `json:"mode"`
	Cached bool         `json:"cached"`
	JobID  string       `json:"job_id,omitempty"`
}

// Stats aggregates every component's stats.
type Stats struct {
	Queue     queue.Stats      `json:"queue"`
	Admission *admission.Stats `json:"remote,omitempty"`
	Cache     cache.Stats      `json:"cache"`
	Pool      *pool.Stats      `json:"pool,omitempty"`
}

// Event is the payload published when a scan settles.
type Event struct {
	Type       string             `json:"type"`
	ID         string             `json:"id"`
	Mode       audit.Mode         `json:"mode"`
	URL        string             `json:"url"`
	Scores     map[string]float64 `json:"scores,omitempty"`
	Error      string             `json:"error,omitempty"`
	ReportURI  string             `json:"report_uri,omitempty"`
	DurationMs int64              `json:"duration_ms"`
	OccurredAt time.Time          `json:"occurred_at"`
}

// Service handles scan requests.
type Service struct {
	cfg       Config
	cache     *cache.Cache
	queue     *queue.Queue
	local     audit.Scanner
	remote    audit.Scanner
	admission *admission.Queue
	pool      PoolStats
	publisher audit.Publisher
	archive   Archiver
	recorder  Recorder
	clock     clock.Clock
	logger    *zap.Logger
	tracer    trace.Tracer

	deliveries sync.WaitGroup
}

// New wires a Service and starts its local scan queue.
func New(cfg Config, deps Deps) (*Service, error) {
	if deps.Cache == nil {
		return nil, errors.New("orchestrator: cache is required")
	}
	if deps.Local == nil {
		return nil, errors.New("orchestrator: local scanner is required")
	}
	if (deps.Remote == nil) != (deps.Admission == nil) {
		return nil, errors.New("orchestrator: remote scanner and admission queue must be set together")
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 3 * time.Minute
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = 2 * time.Minute
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Recorder == nil {
		deps.Recorder = nopRecorder{}
	}

	s := &Service{
		cfg:       cfg,
		cache:     deps.Cache,
		local:     deps.Local,
		remote:    deps.Remote,
		admission: deps.Admission,
		pool:      deps.Pool,
		publisher: deps.Publisher,
		archive:   deps.Archive,
		recorder:  deps.Recorder,
		clock:     deps.Clock,
		logger:    deps.Logger,
		tracer:    otel.Tracer("github.com/JakeFAU/site-audit-scheduler/internal/orchestrator"),
	}
	q, err := queue.New(cfg.Queue, s.runLocal, deps.Clock, deps.Logger.Named("queue"))
	if err != nil {
		return nil, fmt.Errorf("create scan queue: %w", err)
	}
	s.queue = q
	return s, nil
}

// Scan validates req, serves it from cache when possible, otherwise runs it and waits.
func (s *Service) Scan(ctx context.Context, req Request) (Result, error) {
	params, mode, err := s.prepare(req)
	if err != nil {
		return Result{}, err
	}

	ctx, span := s.tracer.Start(ctx, "orchestrator.Scan", trace.WithAttributes(
		attribute.String("audit.url", params.URL),
		attribute.String("audit.mode", string(mode)),
	))
	defer span.End()

	if !req.SkipCache {
		report, hit := s.cache.Get(params)
		s.recorder.ObserveCacheLookup(hit)
		if hit {
			span.SetAttributes(attribute.Bool("audit.cached", true))
			return Result{Report: report, Mode: mode, Cached: true}, nil
		}
	}

	var result Result
	switch mode {
	case audit.ModeRemote:
		result, err = s.scanRemote(ctx, params)
	default:
		result, err = s.scanLocal(ctx, params)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}
	return result, nil
}

// Submit enqueues a local scan and returns without waiting. Poll Job for the outcome.
func (s *Service) Submit(req Request) (queue.Job, error) {
	params, mode, err := s.prepare(req)
	if err != nil {
		return queue.Job{}, err
	}
	if mode != audit.ModeLocal {
		return queue.Job{}, &audit.ValidationError{Field: "mode", Reason: "asynchronous scans are local only"}
	}
	return s.queue.Enqueue(params)
}

// Job returns the state of a local job.
func (s *Service) Job(id string) (queue.Job, bool) {
	return s.queue.Job(id)
}

// Stats aggregates component stats.
func (s *Service) Stats() Stats {
	out := Stats{Queue: s.queue.Stats(), Cache: s.cache.Stats()}
	if s.admission != nil {
		st := s.admission.Stats()
		out.Admission = &st
	}
	if s.pool != nil {
		st := s.pool.Stats()
		out.Pool = &st
	}
	return out
}

// SetLocalConcurrency changes the local queue cap (1-10).
func (s *Service) SetLocalConcurrency(n int) error {
	return s.queue.SetMaxConcurrency(n)
}

// SetRemoteConcurrency changes the remote admission cap (1-50).
func (s *Service) SetRemoteConcurrency(n int) error {
	if s.admission == nil {
		return &audit.ValidationError{Field: "mode", Reason: "remote scanning is disabled"}
	}
	return s.admission.SetMaxConcurrent(n)
}

// Invalidate drops the cached report for params, applying the same defaults as Scan.
func (s *Service) Invalidate(params audit.ScanParams) bool {
	return s.cache.Invalidate(params.WithDefaults())
}

// InvalidateURL drops cached reports whose URL contains url.
func (s *Service) InvalidateURL(url string) int {
	n := s.cache.InvalidateURL(url)
	s.logger.Info("cache invalidated by url", zap.String("url", url), zap.Int("removed", n))
	return n
}

// ClearCache empties the cache.
func (s *Service) ClearCache() {
	s.cache.Clear()
	s.logger.Info("cache cleared")
}

// Close stops accepting local jobs, waits for running ones, then for pending deliveries.
func (s *Service) Close(ctx context.Context) error {
	return errors.Join(s.queue.Close(ctx), s.waitDeliveries(ctx))
}

func (s *Service) prepare(req Request) (audit.ScanParams, audit.Mode, error) {
	if err := req.Params.Validate(); err != nil {
		return audit.ScanParams{}, "", err
	}
	mode := req.Mode
	if mode == "" {
		mode = audit.ModeLocal
	}
	if mode != audit.ModeLocal && mode != audit.ModeRemote {
		return audit.ScanParams{}, "", &audit.ValidationError{Field: "mode", Reason: "must be local or remote"}
	}
	if mode == audit.ModeRemote && s.remote == nil {
		return audit.ScanParams{}, "", &audit.ValidationError{Field: "mode", Reason: "remote scanning is disabled"}
	}
	return req.Params.WithDefaults(), mode, nil
}

func (s *Service) scanLocal(ctx context.Context, params audit.ScanParams) (Result, error) {
	job, err := s.queue.Enqueue(params)
	if err != nil {
		return Result{}, err
	}
	report, err := s.queue.Wait(ctx, job.ID, s.cfg.WaitTimeout)
	if err != nil {
		return Result{}, err
	}
	return Result{Report: report, Mode: audit.ModeLocal, JobID: job.ID}, nil
}

// runLocal is the queue handler. It runs inside a dispatched slot, so the job
// is settled by the queue from its return values.
func (s *Service) runLocal(ctx context.Context, job queue.Job) (audit.Report, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.JobTimeout)
	defer cancel()
	ctx, span := s.tracer.Start(ctx, "scanner.local", trace.WithAttributes(
		attribute.String("audit.job_id", job.ID),
		attribute.String("audit.url", job.Params.URL),
	))
	defer span.End()

	start := s.clock.Now()
	report, err := s.local.Scan(ctx, job.Params)
	elapsed := s.clock.Now().Sub(start)
	if err != nil {
		err = audit.AsUpstream(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.settled(ctx, job.ID, audit.ModeLocal, job.Params, audit.Report{}, err, elapsed)
		return audit.Report{}, err
	}
	s.cache.Set(job.Params, report, 0)
	s.settled(ctx, job.ID, audit.ModeLocal, job.Params, report, nil, elapsed)
	return report, nil
}

func (s *Service) scanRemote(ctx context.Context, params audit.ScanParams) (Result, error) {
	id := s.admission.Enqueue(params)
	if _, err := s.admission.Admit(ctx, id); err != nil {
		return Result{}, err
	}

	start := s.clock.Now()
	report, err := s.callRemote(ctx, id, params)
	elapsed := s.clock.Now().Sub(start)
	if err != nil {
		err = audit.AsUpstream(err)
		s.admission.Fail(id, err)
		s.settled(ctx, id, audit.ModeRemote, params, audit.Report{}, err, elapsed)
		return Result{}, err
	}
	s.admission.Complete(id)
	s.cache.Set(params, report, 0)
	s.settled(ctx, id, audit.ModeRemote, params, report, nil, elapsed)
	return Result{Report: report, Mode: audit.ModeRemote, JobID: id}, nil
}

// callRemote runs the remote scanner, turning a panic into a failure so the
// admitted ticket is always settled.
func (s *Service) callRemote(ctx context.Context, id string, params audit.ScanParams) (report audit.Report, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("remote scanner panic", zap.String("ticket_id", id), zap.Any("panic", rec))
			err = audit.NewUpstreamError(http.StatusInternalServerError, fmt.Sprintf("remote scanner panic: %v", rec), nil)
		}
	}()
	return s.remote.Scan(ctx, params)
}

// settled records metrics and logs the outcome, then hands archiving and publishing to
// a background delivery so the queue slot and the waiter are not held by them.
func (s *Service) settled(ctx context.Context, id string, mode audit.Mode, params audit.ScanParams, report audit.Report, scanErr error, elapsed time.Duration) {
	event := Event{
		Type:       EventScanCompleted,
		ID:         id,
		Mode:       mode,
		URL:        params.URL,
		DurationMs: elapsed.Milliseconds(),
		OccurredAt: s.clock.Now(),
	}
	outcome := string(audit.StatusCompleted)
	if scanErr != nil {
		event.Type = EventScanFailed
		event.Error = scanErr.Error()
		outcome = string(audit.StatusFailed)
		s.logger.Warn("scan failed", zap.String("id", id), zap.String("mode", string(mode)),
			zap.String("url", params.URL), zap.Error(scanErr))
	} else {
		event.Scores = make(map[string]float64, len(report.Categories))
		for key, c := range report.Categories {
			event.Scores[key] = c.Score
		}
		s.logger.Info("scan completed", zap.String("id", id), zap.String("mode", string(mode)),
			zap.String("url", params.URL), zap.Duration("elapsed", elapsed))
	}
	s.recorder.ObserveScan(string(mode), outcome, elapsed)

	if s.archive == nil && s.publisher == nil {
		return
	}
	var archived *audit.Report
	if scanErr == nil {
		archived = &report
	}
	deliverCtx := context.WithoutCancel(ctx)
	s.deliveries.Add(1)
	go func() {
		defer s.deliveries.Done()
		s.deliver(deliverCtx, event, archived)
	}()
}

// deliver archives a successful report and publishes the event. Failures are logged only.
func (s *Service) deliver(ctx context.Context, event Event, report *audit.Report) {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if s.archive != nil && report != nil {
		uri, err := s.archive.Save(ctx, event.ID, event.Mode, *report)
		if err != nil {
			s.logger.Warn("archive report", zap.String("id", event.ID), zap.Error(err))
		}
		event.ReportURI = uri
	}
	if s.publisher == nil {
		return
	}
	if _, err := s.publisher.Publish(ctx, event.Type, event); err != nil {
		s.logger.Warn("publish scan event", zap.String("id", event.ID), zap.Error(err))
	}
}

// waitDeliveries blocks until pending archive and publish work finishes or ctx ends.
func (s *Service) waitDeliveries(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.deliveries.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for scan deliveries: %w", ctx.Err())
	}
}

type nopRecorder struct{}

func (nopRecorder) ObserveScan(string, string, time.Duration) {}

func (nopRecorder) ObserveCacheLookup(bool) {}
