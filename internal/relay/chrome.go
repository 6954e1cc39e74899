package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
)

// ChromeFrame loads callback pages in background tabs of a shared browser.
// The browser's cookie jar is the one the login popup used, so the token
// service sees the session the user just established.
type ChromeFrame struct {
	browserCtx context.Context
	origin     string
	bridge     *Bridge
	logger     *slog.Logger
}

// NewChromeFrame creates a frame whose host page is served at origin.
func NewChromeFrame(browserCtx context.Context, origin string, bridge *Bridge, logger *slog.Logger) *ChromeFrame {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChromeFrame{
		browserCtx: browserCtx,
		origin:     origin,
		bridge:     bridge,
		logger:     logger,
	}
}

// Load opens a tab on the host page with src in its hidden iframe.
func (f *ChromeFrame) Load(ctx context.Context, serviceID, src string) error {
	tabCtx, cancel := chromedp.NewContext(f.browserCtx)
	var once sync.Once
	closeTab := func() { once.Do(cancel) }

	chromedp.ListenTarget(tabCtx, func(ev interface{}) {
		called, ok := ev.(*runtime.EventBindingCalled)
		if !ok || called.Name != BindingName {
			return
		}
		env, err := decodeBindingPayload(serviceID, called.Payload)
		if err != nil {
			f.logger.Debug("undecodable relay payload",
				"service_id", serviceID,
				"error", err)
			return
		}
		if f.bridge.Deliver(env) {
			// Listener callbacks must not block the target's event loop.
			go closeTab()
		}
	})

	if err := chromedp.Run(tabCtx,
		runtime.AddBinding(BindingName),
		chromedp.Navigate(HostPageURL(f.origin, src)),
	); err != nil {
		closeTab()
		return fmt.Errorf("load relay frame: %w", err)
	}

	go func() {
		select {
		case <-ctx.Done():
		case <-tabCtx.Done():
		}
		closeTab()
	}()

	return nil
}

type bindingPayload struct {
	Origin string          `json:"origin"`
	Data   json.RawMessage `json:"data"`
}

func decodeBindingPayload(serviceID, payload string) (Envelope, error) {
	var p bindingPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return Envelope{}, fmt.Errorf("decode binding payload: %w", err)
	}
	data := []byte(p.Data)
	// Some services post the message pre-serialized as a string.
	var asString string
	if json.Unmarshal(p.Data, &asString) == nil {
		data = []byte(asString)
	}
	return Envelope{
		ServiceID: serviceID,
		Origin:    p.Origin,
		Data:      data,
	}, nil
}
