package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-audit-scheduler/internal/audit"
	"github.com/JakeFAU/site-audit-scheduler/internal/clock"
)

func TestPoolScenarioThirdAcquireWaitsForRelease(t *testing.T) {
	t.Parallel()

	launcher := &fakeLauncher{}
	p := newTestPool(t, Config{MinInstances: 1, MaxInstances: 2}, launcher, clock.New())
	require.NoError(t, p.Initialize(context.Background()))
	require.Equal(t, 1, p.Stats().Size)

	first, err := p.Acquire(context.Background())
	require.NoError(t, err)
	second, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.NotEqual(t, first.ID(), second.ID())
	require.Equal(t, int32(2), launcher.launches.Load())

	third := acquireAsync(p)
	require.Eventually(t, func() bool { return p.Stats().Waiting == 1 }, time.Second, 5*time.Millisecond)
	select {
	case <-third:
		t.Fatal("third acquire should block while the pool is exhausted")
	case <-time.After(30 * time.Millisecond):
	}

	p.Release(first)
	res := <-third
	require.NoError(t, res.err)
	require.Equal(t, first.ID(), res.inst.ID())
	require.Equal(t, 2, p.Stats().Size)
	require.Equal(t, 2, p.Stats().InUse)
}

func TestPoolMaxConcurrentAcquiresSucceed(t *testing.T) {
	t.Parallel()

	const n = 4
	p := newTestPool(t, Config{MaxInstances: n}, &fakeLauncher{}, clock.New())

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Acquire(context.Background())
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, n, p.Stats().Size)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.Acquire(ctx)
	require.ErrorIs(t, err, audit.ErrResourceExhausted)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 0, p.Stats().Waiting)
	require.Equal(t, n, p.Stats().Size)
}

func TestPoolWaitersServedInFIFOOrder(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, Config{MaxInstances: 1}, &fakeLauncher{}, clock.New())
	held, err := p.Acquire(context.Background())
	require.NoError(t, err)

	firstWaiter := acquireAsync(p)
	require.Eventually(t, func() bool { return p.Stats().Waiting == 1 }, time.Second, 5*time.Millisecond)
	secondWaiter := acquireAsync(p)
	require.Eventually(t, func() bool { return p.Stats().Waiting == 2 }, time.Second, 5*time.Millisecond)

	p.Release(held)
	got := <-firstWaiter
	require.NoError(t, got.err)
	select {
	case <-secondWaiter:
		t.Fatal("second waiter must not observe the instance handed to the first")
	case <-time.After(20 * time.Millisecond):
	}

	p.Release(got.inst)
	got2 := <-secondWaiter
	require.NoError(t, got2.err)
	require.Equal(t, held.ID(), got2.inst.ID())
}

func TestPoolLaunchFailureDoesNotCountTowardSize(t *testing.T) {
	t.Parallel()

	launcher := &fakeLauncher{}
	launcher.failNext.Store(1)
	p := newTestPool(t, Config{MaxInstances: 1}, launcher, clock.New())

	_, err := p.Acquire(context.Background())
	require.ErrorIs(t, err, audit.ErrResourceExhausted)
	require.Equal(t, Stats{MaxInstances: 1}, p.Stats())

	inst, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.NotNil(t, inst)
	require.Equal(t, 1, p.Stats().Size)
}

func TestPoolLaunchFailureWakesWaiter(t *testing.T) {
	t.Parallel()

	launcher := &fakeLauncher{block: make(chan struct{})}
	launcher.failNext.Store(1)
	p := newTestPool(t, Config{MaxInstances: 1}, launcher, clock.New())

	failing := acquireAsync(p)
	require.Eventually(t, func() bool { return p.Stats().Creating == 1 }, time.Second, 5*time.Millisecond)
	parked := acquireAsync(p)
	require.Eventually(t, func() bool { return p.Stats().Waiting == 1 }, time.Second, 5*time.Millisecond)

	close(launcher.block)
	require.ErrorIs(t, (<-failing).err, audit.ErrResourceExhausted)
	res := <-parked
	require.NoError(t, res.err)
	require.Equal(t, 1, p.Stats().Size)
}

func TestPoolInitializeFailureClosesLaunched(t *testing.T) {
	t.Parallel()

	launcher := &fakeLauncher{}
	launcher.failNext.Store(1)
	p := newTestPool(t, Config{MinInstances: 3, MaxInstances: 3}, launcher, clock.New())

	err := p.Initialize(context.Background())
	require.Error(t, err)
	require.Equal(t, 0, p.Stats().Size)
	require.Equal(t, 0, p.Stats().Creating)
	for _, h := range launcher.handles() {
		require.True(t, h.closed.Load(), "launched handle %d leaked", h.id)
	}
}

func TestPoolSweepRetiresIdleAboveMinimum(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(time.Unix(0, 0))
	launcher := &fakeLauncher{closeErr: errors.New("already dead")}
	p := newTestPool(t, Config{MinInstances: 1, MaxInstances: 3, IdleTimeout: time.Minute}, launcher, clk)

	var leased []*Instance
	for range 3 {
		inst, err := p.Acquire(context.Background())
		require.NoError(t, err)
		leased = append(leased, inst)
	}
	for _, inst := range leased[:2] {
		p.Release(inst)
	}

	clk.Advance(30 * time.Second)
	require.Equal(t, 0, p.Sweep(), "nothing has been idle long enough")

	clk.Advance(31 * time.Second)
	require.Equal(t, 2, p.Sweep())
	require.Equal(t, 1, p.Stats().Size)
	require.Equal(t, 1, p.Stats().InUse)

	p.Release(leased[2])
	clk.Advance(2 * time.Minute)
	require.Equal(t, 0, p.Sweep(), "sweep must keep min instances")

	p.Release(leased[0])
	require.Equal(t, 1, p.Stats().Size, "release of a retired instance is a no-op")
}

func TestPoolShutdownClosesEverythingAndFailsWaiters(t *testing.T) {
	t.Parallel()

	launcher := &fakeLauncher{closeErr: errors.New("kill failed")}
	p := newTestPool(t, Config{MinInstances: 1, MaxInstances: 1}, launcher, clock.New())
	require.NoError(t, p.Initialize(context.Background()))

	held, err := p.Acquire(context.Background())
	require.NoError(t, err)
	waiter := acquireAsync(p)
	require.Eventually(t, func() bool { return p.Stats().Waiting == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, p.Shutdown(context.Background()))
	require.ErrorIs(t, (<-waiter).err, audit.ErrPoolClosed)
	for _, h := range launcher.handles() {
		require.True(t, h.closed.Load())
	}

	p.Release(held)
	_, err = p.Acquire(context.Background())
	require.ErrorIs(t, err, audit.ErrPoolClosed)
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestPoolReconfigureWakesWaiters(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, Config{MaxInstances: 1}, &fakeLauncher{}, clock.New())
	_, err := p.Acquire(context.Background())
	require.NoError(t, err)

	waiter := acquireAsync(p)
	require.Eventually(t, func() bool { return p.Stats().Waiting == 1 }, time.Second, 5*time.Millisecond)

	require.Error(t, p.Reconfigure(3, 2, 0))
	require.NoError(t, p.Reconfigure(0, 2, 0))
	res := <-waiter
	require.NoError(t, res.err)
	require.Equal(t, 2, p.Stats().Size)
}

func TestPoolReconfigureShrinkRetiresOnRelease(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, Config{MaxInstances: 2}, &fakeLauncher{}, clock.New())
	a, err := p.Acquire(context.Background())
	require.NoError(t, err)
	b, err := p.Acquire(context.Background())
	require.NoError(t, err)

	require.NoError(t, p.Reconfigure(0, 1, 0))
	p.Release(a)
	require.Equal(t, 1, p.Stats().Size)
	p.Release(b)
	require.Equal(t, 1, p.Stats().Size)
	require.Equal(t, 1, p.Stats().Idle)
}

func TestPoolWithReleasesOnError(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, Config{MaxInstances: 1}, &fakeLauncher{}, clock.New())
	boom := errors.New("scanner crashed")
	err := p.With(context.Background(), func(inst *Instance) error {
		require.Equal(t, 1, p.Stats().InUse)
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 0, p.Stats().InUse)
	require.Equal(t, 1, p.Stats().Idle)
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := New(Config{MaxInstances: 0}, &fakeLauncher{}, nil, nil)
	require.Error(t, err)
	_, err = New(Config{MinInstances: 2, MaxInstances: 1}, &fakeLauncher{}, nil, nil)
	require.Error(t, err)
	_, err = New(Config{MaxInstances: 1}, nil, nil, nil)
	require.Error(t, err)
}

type acquireResult struct {
	inst *Instance
	err  error
}

func acquireAsync(p *Pool) <-chan acquireResult {
	out := make(chan acquireResult, 1)
	go func() {
		inst, err := p.Acquire(context.Background())
		out <- acquireResult{inst: inst, err: err}
	}()
	return out
}

func newTestPool(t *testing.T, cfg Config, launcher *fakeLauncher, clk clock.Clock) *Pool {
	t.Helper()
	cfg.SweepInterval = time.Hour
	p, err := New(cfg, launcher, clk, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })
	return p
}

type fakeLauncher struct {
	launches atomic.Int32
	failNext atomic.Int32
	block    chan struct{}
	closeErr error

	mu      sync.Mutex
	created []*fakeHandle
}

func (l *fakeLauncher) Launch(ctx context.Context) (audit.Handle, error) {
	if l.block != nil {
		select {
		case <-l.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if l.failNext.Add(-1) >= 0 {
		return nil, errors.New("chrome failed to start")
	}
	h := &fakeHandle{id: l.launches.Add(1), closeErr: l.closeErr}
	l.mu.Lock()
	l.created = append(l.created, h)
	l.mu.Unlock()
	return h, nil
}

func (l *fakeLauncher) handles() []*fakeHandle {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*fakeHandle(nil), l.created...)
}

type fakeHandle struct {
	id       int32
	closed   atomic.Bool
	closeErr error
}

func (h *fakeHandle) Close(context.Context) error {
	h.closed.Store(true)
	return h.closeErr
}
