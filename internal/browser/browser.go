// Package browser launches the chromium instance that hosts login popups
// and relay frames.
package browser

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/chromedp/chromedp"
)

// Options selects how chromium is started.
type Options struct {
	Headless    bool
	ExecPath    string
	UserDataDir string
	Logger      *slog.Logger
}

// Browser is a running chromium. Its Context parents every tab.
type Browser struct {
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
}

func allocatorOptions(opts Options) []chromedp.ExecAllocatorOption {
	out := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	out = append(out,
		chromedp.Flag("headless", opts.Headless),
		// Login windows are opened by us, not by page script.
		chromedp.Flag("disable-popup-blocking", true),
		chromedp.WindowSize(900, 720),
	)
	if opts.ExecPath != "" {
		out = append(out, chromedp.ExecPath(opts.ExecPath))
	}
	if opts.UserDataDir != "" {
		out = append(out, chromedp.UserDataDir(opts.UserDataDir))
	}
	return out
}

// Launch starts chromium and waits for it to be ready.
func Launch(ctx context.Context, opts Options) (*Browser, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, allocatorOptions(opts)...)
	browserCtx, cancel := chromedp.NewContext(allocCtx,
		chromedp.WithErrorf(func(format string, args ...interface{}) {
			logger.Debug("chromedp error", "detail", fmt.Sprintf(format, args...))
		}),
	)

	// The first Run starts the process.
	if err := chromedp.Run(browserCtx); err != nil {
		cancel()
		allocCancel()
		return nil, fmt.Errorf("start browser: %w", err)
	}

	logger.Info("browser started",
		"headless", opts.Headless,
		"exec_path", opts.ExecPath)

	return &Browser{ctx: browserCtx, cancel: cancel, allocCancel: allocCancel}, nil
}

// Context parents popup and relay tabs.
func (b *Browser) Context() context.Context {
	return b.ctx
}

// Close shuts the browser down.
func (b *Browser) Close() {
	b.cancel()
	b.allocCancel()
}
