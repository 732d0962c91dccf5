// Package pool manages a bounded set of expensive browser handles leased exclusively to callers.
package pool

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/site-audit-scheduler/internal/audit"
	"github.com/JakeFAU/site-audit-scheduler/internal/clock"
)

// Config bounds the pool.
type Config struct {
	MinInstances  int
	MaxInstances  int
	IdleTimeout   time.Duration
	SweepInterval time.Duration
	LaunchTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.LaunchTimeout <= 0 {
		c.LaunchTimeout = 30 * time.Second
	}
	return c
}

func (c Config) validate() error {
	if c.MaxInstances < 1 {
		return fmt.Errorf("max instances must be >= 1")
	}
	if c.MinInstances < 0 {
		return fmt.Errorf("min instances must be >= 0")
	}
	if c.MinInstances > c.MaxInstances {
		return fmt.Errorf("min instances (%d) exceeds max instances (%d)", c.MinInstances, c.MaxInstances)
	}
	return nil
}

// Instance is a pooled handle. A caller holding one from Acquire has an exclusive lease
// and must hand it back through Release.
type Instance struct {
	id         string
	handle     audit.Handle
	inUse      bool
	createdAt  time.Time
	lastUsedAt time.Time
}

// ID returns the pool-assigned identifier.
func (i *Instance) ID() string { return i.id }

// Handle returns the underlying resource.
func (i *Instance) Handle() audit.Handle { return i.handle }

// Stats is a point-in-time view of the pool.
type Stats struct {
	Size         int `json:"size"`
	InUse        int `json:"in_use"`
	Idle         int `json:"idle"`
	Creating     int `json:"creating"`
	Waiting      int `json:"waiting"`
	MinInstances int `json:"min_instances"`
	MaxInstances int `json:"max_instances"`
}

// grant is what a parked Acquire receives: an instance, permission to launch one, or an error.
type grant struct {
	inst   *Instance
	create bool
	err    error
}

type waiter struct {
	ch     chan grant
	served bool
}

// Pool hands out exclusive leases on at most MaxInstances handles.
type Pool struct {
	launcher audit.Launcher
	clock    clock.Clock
	logger   *zap.Logger

	mu        sync.Mutex
	cfg       Config
	instances []*Instance
	creating  int
	waiters   *list.List
	seq       int
	closed    bool

	sweepStop chan struct{}
	sweepDone chan struct{}
}

// New validates cfg and returns an empty pool. Call Initialize to warm it up and start the idle sweep.
func New(cfg Config, launcher audit.Launcher, clk clock.Clock, logger *zap.Logger) (*Pool, error) {
	if launcher == nil {
		return nil, errors.New("launcher is required")
	}
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		launcher: launcher,
		clock:    clk,
		logger:   logger,
		cfg:      cfg,
		waiters:  list.New(),
	}, nil
}

// Initialize launches MinInstances handles in parallel and starts the idle sweep.
// If any launch fails the others are closed and the error is returned.
func (p *Pool) Initialize(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return audit.ErrPoolClosed
	}
	n := max(p.cfg.MinInstances-p.sizeLocked(), 0)
	p.creating += n
	p.mu.Unlock()

	handles := make([]audit.Handle, n)
	g, gctx := errgroup.WithContext(ctx)
	for i := range n {
		g.Go(func() error {
			h, err := p.launch(gctx)
			if err != nil {
				return err
			}
			handles[i] = h
			return nil
		})
	}
	err := g.Wait()

	p.mu.Lock()
	p.creating -= n
	if err != nil || p.closed {
		p.rebalanceLocked()
		p.mu.Unlock()
		p.closeHandles(context.Background(), handles)
		if err == nil {
			err = audit.ErrPoolClosed
		}
		return fmt.Errorf("initialize pool: %w", err)
	}
	for _, h := range handles {
		p.addLocked(h, false)
	}
	p.rebalanceLocked()
	p.startSweepLocked()
	p.mu.Unlock()

	p.logger.Info("browser pool initialized",
		zap.Int("min_instances", p.cfg.MinInstances),
		zap.Int("max_instances", p.cfg.MaxInstances),
	)
	return nil
}

// Acquire leases an idle instance, launches a new one when below MaxInstances,
// or waits in FIFO order for a Release. A context that ends while waiting
// yields ErrResourceExhausted and leaves the pool untouched.
func (p *Pool) Acquire(ctx context.Context) (*Instance, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, audit.ErrPoolClosed
	}
	if p.waiters.Len() == 0 {
		if inst := p.takeIdleLocked(); inst != nil {
			p.mu.Unlock()
			return inst, nil
		}
		if p.sizeLocked() < p.cfg.MaxInstances {
			p.creating++
			p.mu.Unlock()
			return p.create(ctx)
		}
	}
	w := &waiter{ch: make(chan grant, 1)}
	elem := p.waiters.PushBack(w)
	p.mu.Unlock()

	select {
	case g := <-w.ch:
		return p.accept(ctx, g)
	case <-ctx.Done():
		p.mu.Lock()
		if !w.served {
			p.waiters.Remove(elem)
			p.mu.Unlock()
			return nil, fmt.Errorf("%w: waiting for browser: %w", audit.ErrResourceExhausted, ctx.Err())
		}
		p.mu.Unlock()
		// Served concurrently with cancellation; give the grant back.
		p.decline(<-w.ch)
		return nil, fmt.Errorf("%w: waiting for browser: %w", audit.ErrResourceExhausted, ctx.Err())
	}
}

// Release returns a lease. Unknown or already destroyed instances are ignored.
func (p *Pool) Release(inst *Instance) {
	if inst == nil {
		return
	}
	p.mu.Lock()
	if !p.ownsLocked(inst) || !inst.inUse {
		p.mu.Unlock()
		return
	}
	inst.inUse = false
	inst.lastUsedAt = p.clock.Now()
	if p.sizeLocked() > p.cfg.MaxInstances {
		// Shrunk by Reconfigure; retire instead of reusing.
		p.removeLocked(inst)
		p.mu.Unlock()
		p.closeHandles(context.Background(), []audit.Handle{inst.handle})
		return
	}
	p.rebalanceLocked()
	p.mu.Unlock()
}

// With runs fn with a leased instance and always releases it.
func (p *Pool) With(ctx context.Context, fn func(*Instance) error) error {
	inst, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer p.Release(inst)
	return fn(inst)
}

// Reconfigure replaces the size bounds and idle timeout. Raising MaxInstances
// immediately lets parked callers launch new instances.
func (p *Pool) Reconfigure(minInstances, maxInstances int, idleTimeout time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	next := p.cfg
	next.MinInstances = minInstances
	next.MaxInstances = maxInstances
	if idleTimeout > 0 {
		next.IdleTimeout = idleTimeout
	}
	if err := next.validate(); err != nil {
		return err
	}
	p.cfg = next
	p.rebalanceLocked()
	p.logger.Info("browser pool reconfigured",
		zap.Int("min_instances", minInstances),
		zap.Int("max_instances", maxInstances),
		zap.Duration("idle_timeout", next.IdleTimeout),
	)
	return nil
}

// Sweep destroys idle instances whose idle time exceeds IdleTimeout without dropping
// below MinInstances. It returns how many were removed. Close failures are logged.
func (p *Pool) Sweep() int {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0
	}
	now := p.clock.Now()
	total := len(p.instances)
	remaining := make([]*Instance, 0, total)
	var victims []audit.Handle
	for _, inst := range p.instances {
		expired := !inst.inUse && now.Sub(inst.lastUsedAt) > p.cfg.IdleTimeout
		if expired && total-len(victims)-1 >= p.cfg.MinInstances {
			victims = append(victims, inst.handle)
			p.logger.Debug("retiring idle browser", zap.String("instance_id", inst.id))
			continue
		}
		remaining = append(remaining, inst)
	}
	p.instances = remaining
	p.mu.Unlock()

	p.closeHandles(context.Background(), victims)
	return len(victims)
}

// Shutdown stops the sweep, fails parked callers with ErrPoolClosed and closes every
// instance concurrently. Close failures are logged, never returned.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	stop, done := p.sweepStop, p.sweepDone
	handles := make([]audit.Handle, 0, len(p.instances))
	for _, inst := range p.instances {
		handles = append(handles, inst.handle)
	}
	p.instances = nil
	for e := p.waiters.Front(); e != nil; e = e.Next() {
		w := e.Value.(*waiter)
		w.served = true
		w.ch <- grant{err: audit.ErrPoolClosed}
	}
	p.waiters.Init()
	p.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	p.closeHandles(ctx, handles)
	p.logger.Info("browser pool shut down", zap.Int("closed", len(handles)))
	return nil
}

// Stats reports current pool occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Stats{
		Size:         len(p.instances),
		Creating:     p.creating,
		Waiting:      p.waiters.Len(),
		MinInstances: p.cfg.MinInstances,
		MaxInstances: p.cfg.MaxInstances,
	}
	for _, inst := range p.instances {
		if inst.inUse {
			s.InUse++
		}
	}
	s.Idle = s.Size - s.InUse
	return s
}

func (p *Pool) accept(ctx context.Context, g grant) (*Instance, error) {
	switch {
	case g.err != nil:
		return nil, g.err
	case g.create:
		return p.create(ctx)
	default:
		return g.inst, nil
	}
}

func (p *Pool) decline(g grant) {
	switch {
	case g.inst != nil:
		p.Release(g.inst)
	case g.create:
		p.mu.Lock()
		p.creating--
		p.rebalanceLocked()
		p.mu.Unlock()
	}
}

// create launches a handle for a slot the caller already reserved in p.creating.
func (p *Pool) create(ctx context.Context) (*Instance, error) {
	h, err := p.launch(ctx)

	p.mu.Lock()
	p.creating--
	if err != nil {
		p.rebalanceLocked()
		p.mu.Unlock()
		p.logger.Warn("browser launch failed", zap.Error(err))
		return nil, fmt.Errorf("%w: launch browser: %w", audit.ErrResourceExhausted, err)
	}
	if p.closed {
		p.mu.Unlock()
		p.closeHandles(context.Background(), []audit.Handle{h})
		return nil, audit.ErrPoolClosed
	}
	inst := p.addLocked(h, true)
	p.mu.Unlock()

	p.logger.Debug("browser launched", zap.String("instance_id", inst.id))
	return inst, nil
}

func (p *Pool) launch(ctx context.Context) (audit.Handle, error) {
	launchCtx, cancel := context.WithTimeout(ctx, p.cfg.LaunchTimeout)
	defer cancel()
	h, err := p.launcher.Launch(launchCtx)
	if err != nil {
		return nil, fmt.Errorf("launch: %w", err)
	}
	return h, nil
}

// rebalanceLocked hands idle instances or launch permits to parked callers, front first.
func (p *Pool) rebalanceLocked() {
	for p.waiters.Len() > 0 {
		var g grant
		if inst := p.takeIdleLocked(); inst != nil {
			g.inst = inst
		} else if p.sizeLocked() < p.cfg.MaxInstances {
			p.creating++
			g.create = true
		} else {
			return
		}
		w := p.waiters.Remove(p.waiters.Front()).(*waiter)
		w.served = true
		w.ch <- g
	}
}

func (p *Pool) takeIdleLocked() *Instance {
	for _, inst := range p.instances {
		if !inst.inUse {
			inst.inUse = true
			inst.lastUsedAt = p.clock.Now()
			return inst
		}
	}
	return nil
}

func (p *Pool) addLocked(h audit.Handle, inUse bool) *Instance {
	p.seq++
	now := p.clock.Now()
	inst := &Instance{
		id:         fmt.Sprintf("browser-%d", p.seq),
		handle:     h,
		inUse:      inUse,
		createdAt:  now,
		lastUsedAt: now,
	}
	p.instances = append(p.instances, inst)
	return inst
}

func (p *Pool) removeLocked(target *Instance) {
	for i, inst := range p.instances {
		if inst == target {
			p.instances = append(p.instances[:i], p.instances[i+1:]...)
			return
		}
	}
}

func (p *Pool) ownsLocked(target *Instance) bool {
	for _, inst := range p.instances {
		if inst == target {
			return true
		}
	}
	return false
}

func (p *Pool) sizeLocked() int {
	return len(p.instances) + p.creating
}

func (p *Pool) startSweepLocked() {
	if p.sweepStop != nil {
		return
	}
	p.sweepStop = make(chan struct{})
	p.sweepDone = make(chan struct{})
	go p.sweepLoop(p.cfg.SweepInterval, p.sweepStop, p.sweepDone)
}

func (p *Pool) sweepLoop(interval time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if n := p.Sweep(); n > 0 {
				p.logger.Info("idle browsers retired", zap.Int("count", n))
			}
		}
	}
}

func (p *Pool) closeHandles(ctx context.Context, handles []audit.Handle) {
	var g errgroup.Group
	for _, h := range handles {
		if h == nil {
			continue
		}
		g.Go(func() error {
			closeCtx, cancel := context.WithTimeout(ctx, p.cfg.LaunchTimeout)
			defer cancel()
			if err := h.Close(closeCtx); err != nil {
				p.logger.Warn("browser close failed", zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}
