// Package browser launches and kills headless Chrome processes via chromedp.
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/site-audit-scheduler/internal/audit"
)

// Config controls how Chrome is started.
type Config struct {
	Headless  bool
	ExecPath  string
	UserAgent string
	// NoSandbox is needed when running as root inside containers.
	NoSandbox bool
}

// Launcher implements audit.Launcher by starting a dedicated Chrome process per handle.
type Launcher struct {
	cfg Config
}

// NewLauncher returns a chromedp-backed launcher.
func NewLauncher(cfg Config) *Launcher {
	return &Launcher{cfg: cfg}
}

func (l *Launcher) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if l.cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if l.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(l.cfg.ExecPath))
	}
	if l.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(l.cfg.UserAgent))
	}
	if l.cfg.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	return opts
}

// Launch starts Chrome and waits for the first target to come up or ctx to end.
func (l *Launcher) Launch(ctx context.Context) (audit.Handle, error) {
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), l.allocatorOptions()...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	started := make(chan error, 1)
	go func() {
		started <- chromedp.Run(browserCtx)
	}()

	select {
	case err := <-started:
		if err != nil {
			browserCancel()
			allocCancel()
			return nil, fmt.Errorf("chromedp warmup: %w", err)
		}
	case <-ctx.Done():
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("chromedp warmup canceled: %w", ctx.Err())
	}

	return &Browser{
		ctx:           browserCtx,
		browserCancel: browserCancel,
		allocCancel:   allocCancel,
	}, nil
}

// Browser is a running Chrome process.
type Browser struct {
	ctx           context.Context
	browserCancel context.CancelFunc
	allocCancel   context.CancelFunc

	closeOnce sync.Once
	closeErr  error
}

// ErrBrowserClosed is returned when opening a tab on a closed browser.
var ErrBrowserClosed = errors.New("browser closed")

// NewTab opens a fresh tab on this browser. The returned cancel closes the tab.
func (b *Browser) NewTab() (context.Context, context.CancelFunc, error) {
	if b.ctx.Err() != nil {
		return nil, nil, ErrBrowserClosed
	}
	tabCtx, cancel := chromedp.NewContext(b.ctx)
	return tabCtx, cancel, nil
}

// Close asks Chrome to exit and releases the allocator. Safe to call more than once.
func (b *Browser) Close(ctx context.Context) error {
	b.closeOnce.Do(func() {
		done := make(chan error, 1)
		go func() {
			done <- chromedp.Cancel(b.ctx)
		}()
		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				b.closeErr = fmt.Errorf("close browser: %w", err)
			}
		case <-ctx.Done():
			b.closeErr = fmt.Errorf("close browser: %w", ctx.Err())
		}
		b.browserCancel()
		b.allocCancel()
	})
	return b.closeErr
}
