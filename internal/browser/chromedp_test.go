package browser

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAllocatorOptionsGrowWithConfig(t *testing.T) {
	t.Parallel()

	base := len(NewLauncher(Config{Headless: true}).allocatorOptions())
	full := len(NewLauncher(Config{
		Headless:  true,
		ExecPath:  "/usr/bin/chromium",
		UserAgent: "site-audit/1.0",
		NoSandbox: true,
	}).allocatorOptions())
	require.Equal(t, base+3, full)
}

func TestLaunchHonoursCanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	launcher := NewLauncher(Config{Headless: true, ExecPath: "/nonexistent/chrome"})
	_, err := launcher.Launch(ctx)
	require.Error(t, err)
}

func TestBrowserCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	browserCtx, browserCancel := context.WithCancel(context.Background())
	_, allocCancel := context.WithCancel(context.Background())
	b := &Browser{ctx: browserCtx, browserCancel: browserCancel, allocCancel: allocCancel}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	first := b.Close(ctx)
	second := b.Close(ctx)
	require.Equal(t, first, second)

	_, _, err := b.NewTab()
	require.ErrorIs(t, err, ErrBrowserClosed)
}
