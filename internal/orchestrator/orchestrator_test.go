package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-audit-scheduler/internal/admission"
	"github.com/JakeFAU/site-audit-scheduler/internal/audit"
	"github.com/JakeFAU/site-audit-scheduler/internal/cache"
	"github.com/JakeFAU/site-audit-scheduler/internal/clock"
	"github.com/JakeFAU/site-audit-scheduler/internal/pool"
	"github.com/JakeFAU/site-audit-scheduler/internal/publisher/memory"
	"github.com/JakeFAU/site-audit-scheduler/internal/queue"
)

type fakeScanner struct {
	calls atomic.Int32
	delay time.Duration
	err   error
	block chan struct{}
}

func (f *fakeScanner) Scan(ctx context.Context, params audit.ScanParams) (audit.Report, error) {
	f.calls.Add(1)
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return audit.Report{}, ctx.Err()
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return audit.Report{}, f.err
	}
	return audit.Report{
		URL:        params.URL,
		Categories: map[string]audit.CategoryScore{"seo": {ID: "seo", Title: "SEO", Score: 0.8}},
	}, nil
}

type panicScanner struct{}

func (panicScanner) Scan(context.Context, audit.ScanParams) (audit.Report, error) {
	panic("remote client bug")
}

func flushDeliveries(t *testing.T, svc *Service) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, svc.waitDeliveries(ctx))
}

type fakeRecorder struct {
	mu       sync.Mutex
	outcomes []string
	hits     int
	misses   int
}

func (f *fakeRecorder) ObserveScan(mode, outcome string, _ time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes = append(f.outcomes, mode+":"+outcome)
}

func (f *fakeRecorder) ObserveCacheLookup(hit bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if hit {
		f.hits++
	} else {
		f.misses++
	}
}

type fakePool struct{}

func (fakePool) Stats() pool.Stats { return pool.Stats{Size: 1, MaxInstances: 2} }

type harness struct {
	svc       *Service
	local     *fakeScanner
	remote    *fakeScanner
	publisher *memory.Publisher
	recorder  *fakeRecorder
	admission *admission.Queue
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	c, err := cache.New(cache.Config{MaxSize: 10}, clock.New(), nil)
	require.NoError(t, err)
	adm, err := admission.New(1, clock.New(), nil)
	require.NoError(t, err)

	h := &harness{
		local:     &fakeScanner{},
		remote:    &fakeScanner{},
		publisher: memory.New(),
		recorder:  &fakeRecorder{},
		admission: adm,
	}
	h.svc, err = New(cfg, Deps{
		Cache:     c,
		Local:     h.local,
		Remote:    h.remote,
		Admission: adm,
		Pool:      fakePool{},
		Publisher: h.publisher,
		Recorder:  h.recorder,
		Logger:    zap.NewNop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.svc.Close(context.Background()) })
	return h
}

func TestScanCachesSuccessfulLocalResult(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	req := Request{Params: audit.ScanParams{URL: "https://example.com"}}

	first, err := h.svc.Scan(context.Background(), req)
	require.NoError(t, err)
	require.False(t, first.Cached)
	require.Equal(t, audit.ModeLocal, first.Mode)
	require.NotEmpty(t, first.JobID)

	second, err := h.svc.Scan(context.Background(), Request{Params: audit.ScanParams{URL: "HTTPS://EXAMPLE.COM "}})
	require.NoError(t, err)
	require.True(t, second.Cached)
	require.Equal(t, first.Report, second.Report)
	require.Equal(t, int32(1), h.local.calls.Load())

	require.Equal(t, 1, h.recorder.hits)
	require.Equal(t, 1, h.recorder.misses)
	require.Equal(t, []string{"local:completed"}, h.recorder.outcomes)

	flushDeliveries(t, h.svc)
	msgs := h.publisher.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, EventScanCompleted, msgs[0].Event)
	var event Event
	require.NoError(t, json.Unmarshal(msgs[0].Data, &event))
	require.Equal(t, "https://example.com", event.URL)
	require.InDelta(t, 0.8, event.Scores["seo"], 1e-9)
}

func TestScanSkipCacheRunsAgain(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	req := Request{Params: audit.ScanParams{URL: "https://example.com"}}
	_, err := h.svc.Scan(context.Background(), req)
	require.NoError(t, err)

	req.SkipCache = true
	res, err := h.svc.Scan(context.Background(), req)
	require.NoError(t, err)
	require.False(t, res.Cached)
	require.Equal(t, int32(2), h.local.calls.Load())
}

func TestScanFailureIsNotCached(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.local.err = errors.New("chrome crashed")
	req := Request{Params: audit.ScanParams{URL: "https://example.com"}}

	_, err := h.svc.Scan(context.Background(), req)
	var upstream *audit.UpstreamError
	require.ErrorAs(t, err, &upstream)
	require.Equal(t, http.StatusInternalServerError, upstream.Status)

	stats := h.svc.Stats()
	require.Zero(t, stats.Cache.Size)
	require.Equal(t, 1, stats.Queue.Failed)
	require.Equal(t, 0, stats.Queue.Processing)
	flushDeliveries(t, h.svc)
	require.Equal(t, EventScanFailed, h.publisher.Messages()[0].Event)
}

func TestScanRejectsInvalidParamsBeforeQueueing(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	_, err := h.svc.Scan(context.Background(), Request{Params: audit.ScanParams{URL: "ftp://example.com"}})
	require.ErrorIs(t, err, audit.ErrValidation)
	_, err = h.svc.Scan(context.Background(), Request{Params: audit.ScanParams{URL: "https://example.com"}, Mode: "grid"})
	require.ErrorIs(t, err, audit.ErrValidation)

	require.Zero(t, h.svc.Stats().Queue.TotalProcessed)
	require.Zero(t, h.local.calls.Load())
}

func TestScanTimeoutLeavesJobRunning(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{WaitTimeout: 30 * time.Millisecond})
	h.local.delay = 150 * time.Millisecond
	req := Request{Params: audit.ScanParams{URL: "https://slow.example"}}

	_, err := h.svc.Scan(context.Background(), req)
	var timeout *audit.TimeoutError
	require.ErrorAs(t, err, &timeout)

	require.Eventually(t, func() bool {
		job, ok := h.svc.Job(timeout.JobID)
		return ok && job.Status == audit.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	res, err := h.svc.Scan(context.Background(), req)
	require.NoError(t, err)
	require.True(t, res.Cached, "late completion still populates the cache")
}

func TestScanRemoteUsesAdmission(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	req := Request{Params: audit.ScanParams{URL: "https://remote.example"}, Mode: audit.ModeRemote}

	res, err := h.svc.Scan(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, audit.ModeRemote, res.Mode)
	require.Equal(t, int32(1), h.remote.calls.Load())
	require.Zero(t, h.local.calls.Load())
	require.Equal(t, admission.Stats{MaxConcurrent: 1}, h.admission.Stats())

	res, err = h.svc.Scan(context.Background(), req)
	require.NoError(t, err)
	require.True(t, res.Cached)
}

func TestScanRemoteFailureFreesSlot(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.remote.err = audit.NewUpstreamError(http.StatusServiceUnavailable, "quota", nil)
	req := Request{Params: audit.ScanParams{URL: "https://remote.example"}, Mode: audit.ModeRemote}

	_, err := h.svc.Scan(context.Background(), req)
	require.ErrorIs(t, err, audit.ErrUpstream)
	require.Equal(t, admission.Stats{MaxConcurrent: 1}, h.admission.Stats())
	require.Zero(t, h.svc.Stats().Cache.Size)
}

func TestScanRemoteAdmissionDeadline(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.remote.block = make(chan struct{})
	req := Request{Params: audit.ScanParams{URL: "https://remote.example"}, Mode: audit.ModeRemote}

	done := make(chan error, 1)
	go func() {
		_, err := h.svc.Scan(context.Background(), req)
		done <- err
	}()
	require.Eventually(t, func() bool { return h.admission.Stats().Processing == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := h.svc.Scan(ctx, Request{Params: audit.ScanParams{URL: "https://other.example"}, Mode: audit.ModeRemote})
	require.ErrorIs(t, err, audit.ErrResourceExhausted)
	require.Equal(t, 0, h.admission.Stats().Queued)

	close(h.remote.block)
	require.NoError(t, <-done)
}

func TestSubmitAndJob(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	job, err := h.svc.Submit(Request{Params: audit.ScanParams{URL: "https://async.example"}})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, ok := h.svc.Job(job.ID)
		return ok && got.Status == audit.StatusCompleted && got.Result != nil
	}, time.Second, 5*time.Millisecond)

	_, err = h.svc.Submit(Request{Params: audit.ScanParams{URL: "https://async.example"}, Mode: audit.ModeRemote})
	require.ErrorIs(t, err, audit.ErrValidation)
}

func TestAdminOperations(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Queue: queue.Config{MaxConcurrency: 2}})
	for _, u := range []string{"https://example.com/a", "https://example.com/b", "https://other.org"} {
		_, err := h.svc.Scan(context.Background(), Request{Params: audit.ScanParams{URL: u}})
		require.NoError(t, err)
	}
	require.Equal(t, 2, h.svc.InvalidateURL("EXAMPLE.com"))
	require.True(t, h.svc.Invalidate(audit.ScanParams{URL: "https://other.org"}))
	require.Zero(t, h.svc.Stats().Cache.Size)

	require.NoError(t, h.svc.SetLocalConcurrency(5))
	require.ErrorIs(t, h.svc.SetLocalConcurrency(11), audit.ErrValidation)
	require.NoError(t, h.svc.SetRemoteConcurrency(20))
	require.ErrorIs(t, h.svc.SetRemoteConcurrency(51), audit.ErrValidation)

	stats := h.svc.Stats()
	require.Equal(t, 5, stats.Queue.MaxConcurrency)
	require.Equal(t, 20, stats.Admission.MaxConcurrent)
	require.Equal(t, 2, stats.Pool.MaxInstances)

	h.svc.ClearCache()
	require.Zero(t, h.svc.Stats().Cache.Hits)
}

func TestPublishFailureDoesNotFailScan(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.publisher.FailWith(errors.New("broker down"))
	_, err := h.svc.Scan(context.Background(), Request{Params: audit.ScanParams{URL: "https://example.com"}})
	require.NoError(t, err)
}

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()

	c, err := cache.New(cache.Config{}, nil, nil)
	require.NoError(t, err)
	_, err = New(Config{}, Deps{Cache: c})
	require.Error(t, err)
	_, err = New(Config{}, Deps{Cache: c, Local: &fakeScanner{}, Remote: &fakeScanner{}})
	require.Error(t, err)

	svc, err := New(Config{}, Deps{Cache: c, Local: &fakeScanner{}})
	require.NoError(t, err)
	_, err = svc.Scan(context.Background(), Request{Params: audit.ScanParams{URL: "https://example.com"}, Mode: audit.ModeRemote})
	require.ErrorIs(t, err, audit.ErrValidation)
	require.NoError(t, svc.Close(context.Background()))
}

type fakeArchive struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (f *fakeArchive) Save(_ context.Context, id string, _ audit.Mode, _ audit.Report) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.ids = append(f.ids, id)
	return "memory://reports/" + id + ".json", nil
}

func TestCompletedScansAreArchivedAndReferenced(t *testing.T) {
	t.Parallel()

	c, err := cache.New(cache.Config{MaxSize: 10}, nil, nil)
	require.NoError(t, err)
	arch := &fakeArchive{}
	pub := memory.New()
	local := &fakeScanner{}
	svc, err := New(Config{}, Deps{Cache: c, Local: local, Publisher: pub, Archive: arch})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close(context.Background()) })

	res, err := svc.Scan(context.Background(), Request{Params: audit.ScanParams{URL: "https://example.com"}})
	require.NoError(t, err)
	flushDeliveries(t, svc)
	require.Equal(t, []string{res.JobID}, arch.ids)

	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	var ev Event
	require.NoError(t, json.Unmarshal(msgs[0].Data, &ev))
	require.Equal(t, "memory://reports/"+res.JobID+".json", ev.ReportURI)

	local.err = errors.New("boom")
	_, err = svc.Scan(context.Background(), Request{Params: audit.ScanParams{URL: "https://other.example.com"}})
	require.Error(t, err)
	flushDeliveries(t, svc)
	require.Len(t, arch.ids, 1, "failed scans are not archived")
}

func TestArchiveFailureDoesNotFailScan(t *testing.T) {
	t.Parallel()

	c, err := cache.New(cache.Config{MaxSize: 10}, nil, nil)
	require.NoError(t, err)
	svc, err := New(Config{}, Deps{Cache: c, Local: &fakeScanner{}, Archive: &fakeArchive{err: errors.New("disk full")}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close(context.Background()) })

	_, err = svc.Scan(context.Background(), Request{Params: audit.ScanParams{URL: "https://example.com"}})
	require.NoError(t, err)
}

func TestScanRemotePanicReleasesTicket(t *testing.T) {
	t.Parallel()

	c, err := cache.New(cache.Config{MaxSize: 10}, nil, nil)
	require.NoError(t, err)
	adm, err := admission.New(1, clock.New(), nil)
	require.NoError(t, err)
	svc, err := New(Config{}, Deps{Cache: c, Local: &fakeScanner{}, Remote: panicScanner{}, Admission: adm})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close(context.Background()) })

	req := Request{Params: audit.ScanParams{URL: "https://remote.example"}, Mode: audit.ModeRemote}
	_, err = svc.Scan(context.Background(), req)
	var upstream *audit.UpstreamError
	require.ErrorAs(t, err, &upstream)
	require.Equal(t, http.StatusInternalServerError, upstream.Status)
	require.ErrorContains(t, err, "remote client bug")
	require.Equal(t, admission.Stats{MaxConcurrent: 1}, adm.Stats())

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err = svc.Scan(ctx, req)
	require.ErrorIs(t, err, audit.ErrUpstream, "the next remote scan is admitted, not left waiting")
}

type blockingArchive struct {
	release chan struct{}
	saved   atomic.Int32
}

func (b *blockingArchive) Save(ctx context.Context, id string, _ audit.Mode, _ audit.Report) (string, error) {
	select {
	case <-b.release:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	b.saved.Add(1)
	return "memory://reports/" + id + ".json", nil
}

func TestSlowArchiveDoesNotDelayResult(t *testing.T) {
	t.Parallel()

	c, err := cache.New(cache.Config{MaxSize: 10}, nil, nil)
	require.NoError(t, err)
	arch := &blockingArchive{release: make(chan struct{})}
	pub := memory.New()
	svc, err := New(Config{Queue: queue.Config{MaxConcurrency: 1}}, Deps{Cache: c, Local: &fakeScanner{}, Publisher: pub, Archive: arch})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for _, u := range []string{"https://example.com/a", "https://example.com/b"} {
		res, err := svc.Scan(ctx, Request{Params: audit.ScanParams{URL: u}})
		require.NoError(t, err)
		require.False(t, res.Cached)
	}
	require.Zero(t, svc.Stats().Queue.Processing)
	require.Zero(t, arch.saved.Load())
	require.Empty(t, pub.Messages())

	close(arch.release)
	require.NoError(t, svc.Close(context.Background()))
	require.Equal(t, int32(2), arch.saved.Load())
	require.Len(t, pub.Messages(), 2)
}
