package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-audit-scheduler/internal/audit"
	"github.com/JakeFAU/site-audit-scheduler/internal/clock"
)

func TestQueuePromotesNextJobOnCompletion(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t, Config{MaxConcurrency: 1}, nil, clock.New())
	job1, err := q.Enqueue(params("https://one.example"))
	require.NoError(t, err)
	job2, err := q.Enqueue(params("https://two.example"))
	require.NoError(t, err)

	stats := q.Stats()
	require.Equal(t, 1, stats.Queued)
	require.Equal(t, 1, stats.Processing)

	require.True(t, q.CompleteJob(job1.ID, audit.Report{URL: "https://one.example"}))
	stats = q.Stats()
	require.Equal(t, 0, stats.Queued)
	require.Equal(t, 1, stats.Processing)
	require.Equal(t, 1, stats.Completed)

	got, ok := q.Job(job2.ID)
	require.True(t, ok)
	require.Equal(t, audit.StatusProcessing, got.Status)
	require.NotNil(t, got.StartedAt)
}

func TestQueueBoundsProcessing(t *testing.T) {
	t.Parallel()

	const c, k = 3, 4
	q := newTestQueue(t, Config{MaxConcurrency: c}, nil, clock.New())
	for range c + k {
		_, err := q.Enqueue(params("https://example.com"))
		require.NoError(t, err)
	}
	stats := q.Stats()
	require.Equal(t, c, stats.Processing)
	require.Equal(t, k, stats.Queued)
}

func TestQueueStrictFIFO(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t, Config{MaxConcurrency: 1}, nil, clock.New())
	var ids []string
	for range 4 {
		job, err := q.Enqueue(params("https://example.com"))
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}
	for i, id := range ids {
		got, _ := q.Job(id)
		require.Equal(t, audit.StatusProcessing, got.Status, "job %d should be running", i)
		require.True(t, q.CompleteJob(id, audit.Report{}))
	}
}

func TestQueueWaitTimesOutWithoutDoubleDelivery(t *testing.T) {
	t.Parallel()

	finished := make(chan struct{})
	handler := func(ctx context.Context, job Job) (audit.Report, error) {
		defer close(finished)
		time.Sleep(200 * time.Millisecond)
		return audit.Report{URL: job.Params.URL}, nil
	}
	q := newTestQueue(t, Config{MaxConcurrency: 1}, handler, clock.New())

	start := time.Now()
	_, err := q.EnqueueAndWait(context.Background(), params("https://slow.example"), 50*time.Millisecond)
	elapsed := time.Since(start)

	require.ErrorIs(t, err, audit.ErrTimeout)
	var timeout *audit.TimeoutError
	require.ErrorAs(t, err, &timeout)
	require.Less(t, elapsed, 180*time.Millisecond)

	<-finished
	require.Eventually(t, func() bool {
		job, ok := q.Job(timeout.JobID)
		return ok && job.Status == audit.StatusCompleted
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, 1, q.Stats().Completed)
	require.False(t, q.CompleteJob(timeout.JobID, audit.Report{}), "settled job must not settle twice")
}

func TestQueueEnqueueAndWaitReturnsHandlerResult(t *testing.T) {
	t.Parallel()

	handler := func(_ context.Context, job Job) (audit.Report, error) {
		return audit.Report{URL: job.Params.URL}, nil
	}
	q := newTestQueue(t, Config{MaxConcurrency: 2}, handler, clock.New())

	report, err := q.EnqueueAndWait(context.Background(), params("https://fast.example"), time.Second)
	require.NoError(t, err)
	require.Equal(t, "https://fast.example", report.URL)
}

func TestQueueFailurePropagatesToWaiter(t *testing.T) {
	t.Parallel()

	upstream := audit.NewUpstreamError(503, "rate limited", nil)
	handler := func(context.Context, Job) (audit.Report, error) {
		return audit.Report{}, upstream
	}
	q := newTestQueue(t, Config{MaxConcurrency: 1}, handler, clock.New())

	_, err := q.EnqueueAndWait(context.Background(), params("https://example.com"), time.Second)
	require.ErrorIs(t, err, audit.ErrUpstream)
	stats := q.Stats()
	require.Equal(t, 1, stats.Failed)
	require.Equal(t, 0, stats.Processing)
}

func TestQueueHandlerPanicFailsJob(t *testing.T) {
	t.Parallel()

	handler := func(context.Context, Job) (audit.Report, error) {
		panic("chrome exploded")
	}
	q := newTestQueue(t, Config{MaxConcurrency: 1}, handler, clock.New())

	_, err := q.EnqueueAndWait(context.Background(), params("https://example.com"), time.Second)
	require.Error(t, err)
	require.Contains(t, err.Error(), "chrome exploded")
}

func TestQueueCompleteAndFailIgnoreUnknownIDs(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t, Config{MaxConcurrency: 1}, nil, clock.New())
	require.False(t, q.CompleteJob("missing", audit.Report{}))
	require.False(t, q.FailJob("missing", errors.New("boom")))

	_, err := q.Enqueue(params("https://a.example"))
	require.NoError(t, err)
	queued, err := q.Enqueue(params("https://b.example"))
	require.NoError(t, err)
	require.False(t, q.CompleteJob(queued.ID, audit.Report{}), "queued jobs are not in the active set")
	require.Equal(t, 0, q.Stats().TotalProcessed)
}

func TestQueueAverageProcessingTime(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(time.Unix(0, 0))
	q := newTestQueue(t, Config{MaxConcurrency: 2}, nil, clk)
	a, _ := q.Enqueue(params("https://a.example"))
	b, _ := q.Enqueue(params("https://b.example"))

	clk.Advance(100 * time.Millisecond)
	require.True(t, q.CompleteJob(a.ID, audit.Report{}))
	clk.Advance(200 * time.Millisecond)
	require.True(t, q.FailJob(b.ID, errors.New("boom")))

	stats := q.Stats()
	require.InDelta(t, 200.0, stats.AverageProcessingTimeMs, 0.001)
	require.Equal(t, 2, stats.TotalProcessed)
	require.Equal(t, 1, stats.Completed)
	require.Equal(t, 1, stats.Failed)
}

func TestQueueHistoryIsBounded(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t, Config{MaxConcurrency: 1, HistorySize: 2}, nil, clock.New())
	var ids []string
	for range 3 {
		job, err := q.Enqueue(params("https://example.com"))
		require.NoError(t, err)
		require.True(t, q.CompleteJob(job.ID, audit.Report{}))
		ids = append(ids, job.ID)
	}
	_, ok := q.Job(ids[0])
	require.False(t, ok, "oldest history entry should be evicted")
	_, ok = q.Job(ids[2])
	require.True(t, ok)
	require.Equal(t, 2, q.Stats().Completed)
	require.Equal(t, 3, q.Stats().TotalProcessed)
}

func TestQueueSetMaxConcurrencyDispatchesImmediately(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t, Config{MaxConcurrency: 1}, nil, clock.New())
	for range 3 {
		_, err := q.Enqueue(params("https://example.com"))
		require.NoError(t, err)
	}
	require.Equal(t, 1, q.Stats().Processing)

	require.NoError(t, q.SetMaxConcurrency(3))
	stats := q.Stats()
	require.Equal(t, 3, stats.Processing)
	require.Equal(t, 0, stats.Queued)
	require.Equal(t, 3, stats.MaxConcurrency)

	require.ErrorIs(t, q.SetMaxConcurrency(0), audit.ErrValidation)
	require.ErrorIs(t, q.SetMaxConcurrency(11), audit.ErrValidation)
}

func TestQueueCloseFailsPendingAndRejectsNewWork(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	var started atomic.Int32
	handler := func(context.Context, Job) (audit.Report, error) {
		started.Add(1)
		<-release
		return audit.Report{}, nil
	}
	q := newTestQueue(t, Config{MaxConcurrency: 1}, handler, clock.New())
	_, err := q.Enqueue(params("https://running.example"))
	require.NoError(t, err)
	queued, err := q.Enqueue(params("https://queued.example"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return started.Load() == 1 }, time.Second, 5*time.Millisecond)

	closed := make(chan error, 1)
	go func() { closed <- q.Close(context.Background()) }()

	_, err = q.Wait(context.Background(), queued.ID, time.Second)
	require.ErrorIs(t, err, audit.ErrQueueClosed)
	_, err = q.Enqueue(params("https://late.example"))
	require.ErrorIs(t, err, audit.ErrQueueClosed)

	close(release)
	require.NoError(t, <-closed)
	require.Equal(t, int32(1), started.Load())
}

func TestQueueWaitUnknownJob(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t, Config{}, nil, clock.New())
	_, err := q.Wait(context.Background(), "nope", time.Second)
	require.ErrorIs(t, err, audit.ErrNotFound)
}

func TestQueueWaitHonoursContext(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t, Config{MaxConcurrency: 1}, nil, clock.New())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := q.EnqueueAndWait(ctx, params("https://example.com"), 0)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 1, q.Stats().Processing, "abandoning the wait does not cancel the job")
}

func TestNewRejectsOutOfRangeConcurrency(t *testing.T) {
	t.Parallel()

	_, err := New(Config{MaxConcurrency: 20}, nil, nil, nil)
	require.ErrorIs(t, err, audit.ErrValidation)
}

func params(url string) audit.ScanParams {
	return audit.ScanParams{URL: url}
}

func newTestQueue(t *testing.T, cfg Config, handler Handler, clk clock.Clock) *Queue {
	t.Helper()
	q, err := New(cfg, handler, clk, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close(context.Background()) })
	return q
}
