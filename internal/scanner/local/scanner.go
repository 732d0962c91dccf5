// Package local audits pages in browsers leased from the resource pool.
package local

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-audit-scheduler/internal/audit"
	"github.com/JakeFAU/site-audit-scheduler/internal/clock"
	"github.com/JakeFAU/site-audit-scheduler/internal/pool"
)

// Leaser hands out exclusive browser leases. *pool.Pool satisfies it.
type Leaser interface {
	With(ctx context.Context, fn func(*pool.Instance) error) error
}

// Tabber is a pooled handle that can open a page. *browser.Browser satisfies it.
type Tabber interface {
	NewTab() (context.Context, context.CancelFunc, error)
}

// HostLimiter paces scans per target host. *ratelimit.Limiter satisfies it.
type HostLimiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Config controls a local scan.
type Config struct {
	NavigationTimeout time.Duration
	// SettleDelay waits after DOM ready so late paint entries are recorded.
	SettleDelay time.Duration
	UserAgent   string
	// Hosts is consulted before a browser is leased. Nil disables pacing.
	Hosts HostLimiter
}

// Scanner implements audit.Scanner against pooled Chrome instances.
type Scanner struct {
	cfg    Config
	pool   Leaser
	clock  clock.Clock
	logger *zap.Logger
}

// New returns a local scanner.
func New(cfg Config, leaser Leaser, clk clock.Clock, logger *zap.Logger) *Scanner {
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scanner{cfg: cfg, pool: leaser, clock: clk, logger: logger}
}

// Scan leases a browser, audits params.URL in a fresh tab and returns the report.
// Failures are classified as *audit.UpstreamError unless they are pool errors.
func (s *Scanner) Scan(ctx context.Context, params audit.ScanParams) (audit.Report, error) {
	params = params.WithDefaults()
	if s.cfg.Hosts != nil {
		if err := s.cfg.Hosts.Wait(ctx, params.URL); err != nil {
			return audit.Report{}, err
		}
	}
	var report audit.Report
	err := s.pool.With(ctx, func(inst *pool.Instance) error {
		tabber, ok := inst.Handle().(Tabber)
		if !ok {
			return audit.NewUpstreamError(http.StatusInternalServerError, "pooled handle cannot open tabs", nil)
		}
		tabCtx, closeTab, err := tabber.NewTab()
		if err != nil {
			return fmt.Errorf("open tab on %s: %w", inst.ID(), err)
		}
		defer closeTab()

		taskCtx, cancelTask := context.WithTimeout(tabCtx, s.cfg.NavigationTimeout)
		defer cancelTask()
		stopForward := forwardCancel(ctx, cancelTask)
		defer stopForward()

		meta := &responseMeta{}
		chromedp.ListenTarget(tabCtx, meta.captureEvent)

		var metrics pageMetrics
		if err := chromedp.Run(taskCtx, s.tasks(params, &metrics)); err != nil {
			return fmt.Errorf("chromedp run: %w", err)
		}
		report = buildReport(params, meta.status(), metrics, s.clock.Now())
		s.logger.Debug("local scan finished",
			zap.String("instance_id", inst.ID()),
			zap.String("url", params.URL),
			zap.Int("status", meta.status()))
		return nil
	})
	if err != nil {
		return audit.Report{}, audit.AsUpstream(err)
	}
	return report, nil
}

func (s *Scanner) tasks(params audit.ScanParams, out *pageMetrics) chromedp.Tasks {
	tasks := chromedp.Tasks{
		network.Enable(),
		emulationAction(params, s.cfg.UserAgent),
		chromedp.Navigate(params.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	}
	if s.cfg.SettleDelay > 0 {
		tasks = append(tasks, chromedp.Sleep(s.cfg.SettleDelay))
	}
	return append(tasks, chromedp.Evaluate(metricsScript, out))
}

func emulationAction(params audit.ScanParams, userAgent string) chromedp.Action {
	device := deviceFor(params.FormFactor)
	profile := throttlingFor(params.Throttling)
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := emulation.SetDeviceMetricsOverride(device.width, device.height, device.scale, device.mobile).Do(ctx); err != nil {
			return fmt.Errorf("set device metrics: %w", err)
		}
		if userAgent != "" {
			if err := emulation.SetUserAgentOverride(userAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if profile.cpuSlowdown > 1 {
			if err := emulation.SetCPUThrottlingRate(profile.cpuSlowdown).Do(ctx); err != nil {
				return fmt.Errorf("set cpu throttling: %w", err)
			}
		}
		if profile.latencyMs > 0 {
			err := network.EmulateNetworkConditions(false, profile.latencyMs, profile.downloadBps, profile.uploadBps).Do(ctx)
			if err != nil {
				return fmt.Errorf("emulate network: %w", err)
			}
		}
		return nil
	})
}

type device struct {
	width, height int64
	scale         float64
	mobile        bool
}

func deviceFor(ff audit.FormFactor) device {
	if ff == audit.FormFactorDesktop {
		return device{width: 1350, height: 940, scale: 1}
	}
	return device{width: 412, height: 823, scale: 1.75, mobile: true}
}

type throttling struct {
	latencyMs   float64
	downloadBps float64
	uploadBps   float64
	cpuSlowdown float64
}

func throttlingFor(t audit.Throttling) throttling {
	const kbps = 1024.0 / 8
	switch t {
	case audit.ThrottlingMobile3G:
		return throttling{latencyMs: 300, downloadBps: 700 * kbps, uploadBps: 700 * kbps, cpuSlowdown: 4}
	case audit.ThrottlingMobile4G:
		return throttling{latencyMs: 150, downloadBps: 1638.4 * kbps, uploadBps: 750 * kbps, cpuSlowdown: 4}
	case audit.ThrottlingDesktop:
		return throttling{latencyMs: 40, downloadBps: 10240 * kbps, uploadBps: 10240 * kbps, cpuSlowdown: 1}
	default:
		return throttling{}
	}
}

type responseMeta struct {
	mu         sync.Mutex
	statusCode int
}

func (m *responseMeta) captureEvent(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	m.mu.Lock()
	if m.statusCode == 0 {
		m.statusCode = int(resp.Response.Status)
	}
	m.mu.Unlock()
}

func (m *responseMeta) status() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.statusCode == 0 {
		return http.StatusOK
	}
	return m.statusCode
}

func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
