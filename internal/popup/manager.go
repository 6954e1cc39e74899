// Package popup opens login windows for auth services and watches for them
// to close.
package popup

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Dicklesworthstone/iiif_auth_broker/internal/authreq"
	"github.com/Dicklesworthstone/iiif_auth_broker/internal/relay"
)

// DefaultPollInterval is how often an open popup is checked for closure.
const DefaultPollInterval = time.Second

// ErrAlreadyPending is returned by Open while a window for the same service
// is still tracked.
var ErrAlreadyPending = errors.New("login window already pending")

// Window is an open login window.
type Window interface {
	// Closed reports whether the window is gone. Errors are transient
	// check failures; the caller keeps polling.
	Closed() (bool, error)
	Close() error
}

// Opener opens windows. A nil Window with a nil error means the window was
// blocked.
type Opener interface {
	Open(ctx context.Context, url string) (Window, error)
}

// PendingWindow is a tracked login window.
type PendingWindow struct {
	ServiceID string
	URL       string
	OpenedAt  time.Time
	Closed    bool
}

// Handle is what Open returns and PollForClose watches.
type Handle struct {
	ServiceID string
	URL       string
	window    Window
}

// Blocked reports whether the opener returned no window.
func (h *Handle) Blocked() bool {
	return h == nil || h.window == nil
}

// Close closes the underlying window if there is one.
func (h *Handle) Close() error {
	if h.Blocked() {
		return nil
	}
	return h.window.Close()
}

// Manager tracks at most one pending window per service id.
type Manager struct {
	opener   Opener
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	pending map[string]*PendingWindow
}

// NewManager creates a manager. A zero interval uses DefaultPollInterval.
func NewManager(opener Opener, interval time.Duration, logger *slog.Logger) *Manager {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		opener:   opener,
		interval: interval,
		logger:   logger,
		now:      time.Now,
		pending:  make(map[string]*PendingWindow),
	}
}

// Open opens the login window for svc with origin as the callback
// parameter. It is a no-op returning ErrAlreadyPending while a window for
// svc.ID is tracked. A failing opener is treated as a blocked popup.
func (m *Manager) Open(ctx context.Context, svc authreq.AuthService, origin string) (*Handle, error) {
	m.mu.Lock()
	if _, ok := m.pending[svc.ID]; ok {
		m.mu.Unlock()
		return nil, ErrAlreadyPending
	}
	loginURL := relay.LoginURL(svc.ID, origin)
	m.pending[svc.ID] = &PendingWindow{
		ServiceID: svc.ID,
		URL:       loginURL,
		OpenedAt:  m.now(),
	}
	m.mu.Unlock()

	win, err := m.opener.Open(ctx, loginURL)
	if err != nil {
		m.logger.Warn("login window failed to open, treating as blocked",
			"service_id", svc.ID,
			"error", err,
			"action", "popup_blocked")
		win = nil
	} else if win == nil {
		m.logger.Warn("login window blocked",
			"service_id", svc.ID,
			"action", "popup_blocked")
	}

	return &Handle{ServiceID: svc.ID, URL: loginURL, window: win}, nil
}

// PollForClose checks h every interval and calls onClosed exactly once, the
// first time the window is seen closed. A blocked handle fires at once.
// Probe errors are swallowed. Cancelling ctx stops polling without firing.
func (m *Manager) PollForClose(ctx context.Context, h *Handle, onClosed func()) {
	fire := func() {
		m.markClosed(h)
		onClosed()
	}

	if h.Blocked() {
		go func() {
			if ctx.Err() == nil {
				fire()
			}
		}()
		return
	}

	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				closed, err := h.window.Closed()
				if err != nil {
					m.logger.Debug("popup check failed",
						"service_id", h.ServiceID,
						"error", err,
						"action", "check_retry")
					continue
				}
				if closed {
					if ctx.Err() == nil {
						fire()
					}
					return
				}
			}
		}
	}()
}

func (m *Manager) markClosed(h *Handle) {
	if h == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if pw, ok := m.pending[h.ServiceID]; ok {
		pw.Closed = true
	}
}

// Release stops tracking the window for serviceID so a retry can open a
// fresh one.
func (m *Manager) Release(serviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, serviceID)
}

// Pending reports whether a window for serviceID is tracked.
func (m *Manager) Pending(serviceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pending[serviceID]
	return ok
}

// PendingWindows returns a snapshot ordered by opening time.
func (m *Manager) PendingWindows() []PendingWindow {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]PendingWindow, 0, len(m.pending))
	for _, pw := range m.pending {
		out = append(out, *pw)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out
}
