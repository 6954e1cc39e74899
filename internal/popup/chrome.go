package popup

import (
	"context"
	"fmt"
	"sync"

	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
)

// ChromeOpener opens login windows as tabs of a shared Chrome instance.
type ChromeOpener struct {
	browserCtx context.Context
}

// NewChromeOpener wraps a chromedp browser context. The caller owns the
// browser and cancels browserCtx to shut it down.
func NewChromeOpener(browserCtx context.Context) *ChromeOpener {
	return &ChromeOpener{browserCtx: browserCtx}
}

// Open navigates a new tab to url.
func (o *ChromeOpener) Open(ctx context.Context, url string) (Window, error) {
	tabCtx, cancel := chromedp.NewContext(o.browserCtx)
	if err := chromedp.Run(tabCtx, chromedp.Navigate(url)); err != nil {
		cancel()
		return nil, fmt.Errorf("open login tab: %w", err)
	}

	c := chromedp.FromContext(tabCtx)
	if c == nil || c.Target == nil {
		cancel()
		return nil, fmt.Errorf("open login tab: no target attached")
	}

	return &chromeWindow{
		browserCtx: o.browserCtx,
		tabCtx:     tabCtx,
		cancel:     cancel,
		targetID:   c.Target.TargetID,
	}, nil
}

type chromeWindow struct {
	browserCtx context.Context
	tabCtx     context.Context
	cancel     context.CancelFunc
	targetID   target.ID
	closeOnce  sync.Once
}

// Closed asks the browser whether the tab's target still exists. The user
// closing the tab removes it from the target list.
func (w *chromeWindow) Closed() (bool, error) {
	if w.tabCtx.Err() != nil {
		return true, nil
	}

	infos, err := chromedp.Targets(w.browserCtx)
	if err != nil {
		return false, fmt.Errorf("list targets: %w", err)
	}
	return !hasTarget(infos, w.targetID), nil
}

func (w *chromeWindow) Close() error {
	w.closeOnce.Do(w.cancel)
	return nil
}

func hasTarget(infos []*target.Info, id target.ID) bool {
	for _, info := range infos {
		if info != nil && info.TargetID == id {
			return true
		}
	}
	return false
}
