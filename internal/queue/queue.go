// Package queue admission-controls scan jobs that each consume a pooled browser.
//
// Jobs move queued -> processing -> completed|failed. At most MaxConcurrency jobs are
// processing at once; the rest wait in strict FIFO order. Callers may fire and forget
// (Enqueue) or block until the job settles (EnqueueAndWait). A caller that stops
// waiting does not cancel the job; its late result is recorded and never redelivered.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-audit-scheduler/internal/audit"
	"github.com/JakeFAU/site-audit-scheduler/internal/clock"
)

// Concurrency bounds accepted by SetMaxConcurrency.
const (
	MinConcurrency = 1
	MaxConcurrency = 10
)

const defaultHistorySize = 100

// Config controls queue sizing.
type Config struct {
	MaxConcurrency int
	HistorySize    int
}

// Handler runs a dispatched job. Its result settles the job.
type Handler func(ctx context.Context, job Job) (audit.Report, error)

// Job is a snapshot of a queued scan.
type Job struct {
	ID          string           `json:"id"`
	Params      audit.ScanParams `json:"params"`
	Status      audit.Status     `json:"status"`
	CreatedAt   time.Time        `json:"created_at"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	Result      *audit.Report    `json:"result,omitempty"`
	Error       string           `json:"error,omitempty"`
}

// Stats summarises the queue. Completed and Failed count the retained history.
type Stats struct {
	Queued                  int     `json:"queued"`
	Processing              int     `json:"processing"`
	Completed               int     `json:"completed"`
	Failed                  int     `json:"failed"`
	TotalProcessed          int     `json:"total_processed"`
	AverageProcessingTimeMs float64 `json:"average_processing_time_ms"`
	MaxConcurrency          int     `json:"max_concurrency"`
}

type entry struct {
	job  Job
	err  error
	done chan struct{}
}

// Queue is the resource-backed scan queue.
type Queue struct {
	handler Handler
	clock   clock.Clock
	logger  *zap.Logger

	baseCtx    context.Context
	cancelBase context.CancelFunc
	running    sync.WaitGroup

	mu             sync.Mutex
	maxConcurrency int
	historySize    int
	pending        []*entry
	active         map[string]*entry
	history        []*entry
	entries        map[string]*entry
	totalProcessed int
	timedJobs      int
	avgMs          float64
	closed         bool
}

// New builds a queue. A nil handler leaves processing jobs for external
// CompleteJob/FailJob signals.
func New(cfg Config, handler Handler, clk clock.Clock, logger *zap.Logger) (*Queue, error) {
	if cfg.MaxConcurrency == 0 {
		cfg.MaxConcurrency = 2
	}
	if err := validateConcurrency(cfg.MaxConcurrency); err != nil {
		return nil, err
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistorySize
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		handler:        handler,
		clock:          clk,
		logger:         logger,
		baseCtx:        ctx,
		cancelBase:     cancel,
		maxConcurrency: cfg.MaxConcurrency,
		historySize:    cfg.HistorySize,
		active:         make(map[string]*entry),
		entries:        make(map[string]*entry),
	}, nil
}

func validateConcurrency(n int) error {
	if n < MinConcurrency || n > MaxConcurrency {
		return &audit.ValidationError{
			Field:  "max_concurrency",
			Reason: fmt.Sprintf("must be between %d and %d", MinConcurrency, MaxConcurrency),
		}
	}
	return nil
}

// Enqueue accepts a job and returns its snapshot without waiting for it to run.
func (q *Queue) Enqueue(params audit.ScanParams) (Job, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Job{}, fmt.Errorf("generate job id: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return Job{}, audit.ErrQueueClosed
	}
	e := &entry{
		job: Job{
			ID:        id.String(),
			Params:    params,
			Status:    audit.StatusQueued,
			CreatedAt: q.clock.Now(),
		},
		done: make(chan struct{}),
	}
	q.pending = append(q.pending, e)
	q.entries[e.job.ID] = e
	q.logger.Debug("job queued", zap.String("job_id", e.job.ID), zap.String("url", params.URL))
	q.dispatchLocked()
	return e.job, nil
}

// EnqueueAndWait enqueues and blocks until the job settles, ctx ends, or timeout elapses.
// A timeout yields *audit.TimeoutError; the job keeps running.
func (q *Queue) EnqueueAndWait(ctx context.Context, params audit.ScanParams, timeout time.Duration) (audit.Report, error) {
	job, err := q.Enqueue(params)
	if err != nil {
		return audit.Report{}, err
	}
	return q.Wait(ctx, job.ID, timeout)
}

// Wait blocks until job id settles. A non-positive timeout waits on ctx alone.
func (q *Queue) Wait(ctx context.Context, id string, timeout time.Duration) (audit.Report, error) {
	q.mu.Lock()
	e, ok := q.entries[id]
	q.mu.Unlock()
	if !ok {
		return audit.Report{}, fmt.Errorf("job %s: %w", id, audit.ErrNotFound)
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-e.done:
		return settled(e)
	case <-expired:
		return audit.Report{}, &audit.TimeoutError{JobID: id, After: timeout}
	case <-ctx.Done():
		return audit.Report{}, fmt.Errorf("wait for job %s: %w", id, ctx.Err())
	}
}

// settled reads a terminal entry. Fields are final once done is closed.
func settled(e *entry) (audit.Report, error) {
	if e.job.Status == audit.StatusFailed {
		return audit.Report{}, e.err
	}
	if e.job.Result == nil {
		return audit.Report{}, nil
	}
	return *e.job.Result, nil
}

// CompleteJob marks a processing job completed. Unknown or non-processing ids are ignored.
func (q *Queue) CompleteJob(id string, report audit.Report) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.active[id]
	if !ok {
		return false
	}
	e.job.Result = &report
	q.settleLocked(e, audit.StatusCompleted, nil)
	return true
}

// FailJob marks a processing job failed. Unknown or non-processing ids are ignored.
func (q *Queue) FailJob(id string, err error) bool {
	if err == nil {
		err = errors.New("job failed")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.active[id]
	if !ok {
		return false
	}
	q.settleLocked(e, audit.StatusFailed, err)
	return true
}

// SetMaxConcurrency changes the cap and immediately starts queued work if it was raised.
func (q *Queue) SetMaxConcurrency(n int) error {
	if err := validateConcurrency(n); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.maxConcurrency = n
	q.logger.Info("queue concurrency updated", zap.Int("max_concurrency", n))
	q.dispatchLocked()
	return nil
}

// Job returns a snapshot of a pending, processing or retained job.
func (q *Queue) Job(id string) (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[id]
	if !ok {
		return Job{}, false
	}
	return e.job, true
}

// Stats reports current queue state.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := Stats{
		Queued:                  len(q.pending),
		Processing:              len(q.active),
		TotalProcessed:          q.totalProcessed,
		AverageProcessingTimeMs: q.avgMs,
		MaxConcurrency:          q.maxConcurrency,
	}
	for _, e := range q.history {
		switch e.job.Status {
		case audit.StatusCompleted:
			s.Completed++
		case audit.StatusFailed:
			s.Failed++
		}
	}
	return s
}

// Close rejects new work, fails every queued job with ErrQueueClosed and waits for
// running handlers until ctx ends, after which their context is canceled.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	pending := q.pending
	q.pending = nil
	for _, e := range pending {
		q.retireLocked(e, audit.StatusFailed, audit.ErrQueueClosed)
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.running.Wait()
		close(done)
	}()
	select {
	case <-done:
		q.cancelBase()
		return nil
	case <-ctx.Done():
		q.cancelBase()
		<-done
		return fmt.Errorf("close queue: %w", ctx.Err())
	}
}

func (q *Queue) dispatchLocked() {
	for len(q.active) < q.maxConcurrency && len(q.pending) > 0 {
		e := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]

		now := q.clock.Now()
		e.job.Status = audit.StatusProcessing
		e.job.StartedAt = &now
		q.active[e.job.ID] = e
		q.logger.Debug("job started", zap.String("job_id", e.job.ID))

		if q.handler != nil {
			q.running.Add(1)
			go q.run(e.job)
		}
	}
}

func (q *Queue) run(job Job) {
	defer q.running.Done()
	report, err := q.invoke(job)
	if err != nil {
		q.FailJob(job.ID, err)
		return
	}
	q.CompleteJob(job.ID, report)
}

func (q *Queue) invoke(job Job) (report audit.Report, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			q.logger.Error("scan handler panic", zap.String("job_id", job.ID), zap.Any("panic", rec))
			err = fmt.Errorf("scan handler panic: %v", rec)
		}
	}()
	return q.handler(q.baseCtx, job)
}

func (q *Queue) settleLocked(e *entry, status audit.Status, err error) {
	delete(q.active, e.job.ID)
	q.retireLocked(e, status, err)
	if e.job.StartedAt != nil {
		elapsed := float64(e.job.CompletedAt.Sub(*e.job.StartedAt).Milliseconds())
		q.timedJobs++
		q.avgMs += (elapsed - q.avgMs) / float64(q.timedJobs)
	}
	q.totalProcessed++
	q.dispatchLocked()
}

// retireLocked moves e to a terminal state, appends it to history and wakes waiters.
func (q *Queue) retireLocked(e *entry, status audit.Status, err error) {
	now := q.clock.Now()
	e.job.Status = status
	e.job.CompletedAt = &now
	e.err = err
	if err != nil {
		e.job.Error = err.Error()
	}
	q.history = append(q.history, e)
	for len(q.history) > q.historySize {
		oldest := q.history[0]
		q.history[0] = nil
		q.history = q.history[1:]
		delete(q.entries, oldest.job.ID)
	}
	close(e.done)

	fields := []zap.Field{zap.String("job_id", e.job.ID), zap.String("status", string(status))}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	q.logger.Debug("job settled", fields...)
}
