// Package handshake runs the popup + relay frame login handshake for
// protected resources.
package handshake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Dicklesworthstone/iiif_auth_broker/internal/authreq"
	"github.com/Dicklesworthstone/iiif_auth_broker/internal/popup"
	"github.com/Dicklesworthstone/iiif_auth_broker/internal/relay"
	"github.com/Dicklesworthstone/iiif_auth_broker/internal/render"
	"github.com/Dicklesworthstone/iiif_auth_broker/internal/token"
)

// ErrAlreadyRunning is returned by Start on a running coordinator.
var ErrAlreadyRunning = errors.New("coordinator already running")

const (
	defaultEventBuffer  = 64
	defaultErrorMessage = "Login failed."
)

// Config configures the coordinator.
type Config struct {
	// Origin is the host origin passed to the login and callback pages.
	// The hidden frame must be served from it.
	Origin string

	// PollInterval is how often an open popup is checked for closure.
	PollInterval time.Duration

	// Surface carries login requests in and loginSucceeded out.
	Surface *authreq.Surface

	// Tokens receives the token of every successful handshake.
	Tokens *token.Store

	// Opener opens login popups.
	Opener popup.Opener

	// Bridge routes relay messages. The Frame must deliver into the same
	// bridge. If nil, one with origin checking is created.
	Bridge *relay.Bridge

	// Frame loads the token service's callback page.
	Frame relay.Frame

	// Prompter is the dialog chrome for interactive services.
	Prompter Prompter

	// Caches are cleared after every successful login.
	Caches []Cache

	// Renderer sanitizes descriptor text. If nil, render.New() is used.
	Renderer *render.Renderer

	// Recorder observes every transition. May be nil.
	Recorder Recorder

	// Logger for structured logging.
	Logger *slog.Logger
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval: popup.DefaultPollInterval,
	}
}

// Coordinator drives one handshake per service id. All flow state is owned
// by a single loop goroutine; public methods only post events to it.
type Coordinator struct {
	config   Config
	origin   string
	logger   *slog.Logger
	runID    string
	popups   *popup.Manager
	bridge   *relay.Bridge
	renderer *render.Renderer

	events chan event
	flows  map[string]*flow // loop-owned
	runCtx context.Context  // loop-owned

	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	status  map[string]FlowStatus
}

// New creates a coordinator. It does not start the loop.
func New(config Config) (*Coordinator, error) {
	origin, err := relay.NormalizeOrigin(config.Origin)
	if err != nil {
		return nil, fmt.Errorf("host origin: %w", err)
	}
	switch {
	case config.Surface == nil:
		return nil, fmt.Errorf("surface is required")
	case config.Tokens == nil:
		return nil, fmt.Errorf("token store is required")
	case config.Opener == nil:
		return nil, fmt.Errorf("popup opener is required")
	case config.Frame == nil:
		return nil, fmt.Errorf("relay frame is required")
	case config.Prompter == nil:
		return nil, fmt.Errorf("prompter is required")
	}

	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.PollInterval <= 0 {
		config.PollInterval = popup.DefaultPollInterval
	}

	runID := uuid.New().String()[:8]
	logger := config.Logger.With("run_id", runID)

	bridge := config.Bridge
	if bridge == nil {
		bridge = relay.NewBridge(logger)
	}
	renderer := config.Renderer
	if renderer == nil {
		renderer = render.New()
	}

	// Posts before the first Start are dropped rather than blocking.
	doneCh := make(chan struct{})
	close(doneCh)

	return &Coordinator{
		config:   config,
		origin:   origin,
		logger:   logger,
		runID:    runID,
		popups:   popup.NewManager(config.Opener, config.PollInterval, logger),
		bridge:   bridge,
		renderer: renderer,
		events:   make(chan event, defaultEventBuffer),
		flows:    make(map[string]*flow),
		doneCh:   doneCh,
		status:   make(map[string]FlowStatus),
	}, nil
}

// RunID returns the correlation ID for this coordinator.
func (c *Coordinator) RunID() string {
	return c.runID
}

// Origin returns the normalized host origin.
func (c *Coordinator) Origin() string {
	return c.origin
}

// Popups exposes the popup manager for status reporting.
func (c *Coordinator) Popups() *popup.Manager {
	return c.popups
}

// Bridge exposes the relay bridge so frames can deliver into it.
func (c *Coordinator) Bridge() *relay.Bridge {
	return c.bridge
}

// Tokens returns the token store.
func (c *Coordinator) Tokens() *token.Store {
	return c.config.Tokens
}

// Surface returns the request surface.
func (c *Coordinator) Surface() *authreq.Surface {
	return c.config.Surface
}

// Start begins the event loop.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	c.running = true
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	stopCh, doneCh := c.stopCh, c.doneCh
	c.mu.Unlock()

	go c.loop(ctx, stopCh, doneCh)
	return nil
}

// Stop tears down every in-flight handshake and waits for the loop to
// exit. Poll timers and relay listeners are released before it returns.
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	stopCh, doneCh := c.stopCh, c.doneCh
	c.mu.Unlock()

	select {
	case <-stopCh:
	default:
		close(stopCh)
	}
	<-doneCh
	return nil
}

// Confirm is the user accepting the prompt for serviceID.
func (c *Coordinator) Confirm(serviceID string) {
	c.post(event{kind: evConfirm, serviceID: serviceID})
}

// Cancel is the user dismissing the prompt for serviceID.
func (c *Coordinator) Cancel(serviceID string) {
	c.post(event{kind: evCancel, serviceID: serviceID})
}

// Status returns the state of serviceID's handshake.
func (c *Coordinator) Status(serviceID string) State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status[serviceID].State
}

// Statuses returns a snapshot of every in-flight handshake.
func (c *Coordinator) Statuses() []FlowStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]FlowStatus, 0, len(c.status))
	for _, st := range c.status {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServiceID < out[j].ServiceID })
	return out
}

func (c *Coordinator) post(ev event) {
	c.mu.RLock()
	doneCh := c.doneCh
	c.mu.RUnlock()

	select {
	case c.events <- ev:
	case <-doneCh:
	}
}

func (c *Coordinator) loop(ctx context.Context, stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	c.runCtx = ctx

	requests := c.config.Surface.Requests()
	for {
		select {
		case <-ctx.Done():
			c.teardown("context_done")
			return
		case <-stopCh:
			c.teardown("stopped")
			return
		case svc := <-requests:
			c.handleRequest(svc)
		case ev := <-c.events:
			c.handleEvent(ev)
		}
	}
}

func (c *Coordinator) handleEvent(ev event) {
	switch ev.kind {
	case evConfirm:
		c.handleConfirm(ev.serviceID)
	case evCancel:
		c.handleCancel(ev.serviceID)
	case evWindowClosed:
		c.handleWindowClosed(ev)
	case evRelay:
		c.handleRelay(ev)
	case evFrameFailed:
		if f := c.current(ev); f != nil && f.state == StateAwaitingRelay {
			c.fail(f, ev.err)
		}
	}
}

func (c *Coordinator) handleRequest(svc authreq.AuthService) {
	if err := authreq.Validate(svc); err != nil {
		c.logger.Warn("login request rejected",
			"service_id", svc.ID,
			"error", err,
			"action", "request_rejected")
		return
	}

	if f, ok := c.flows[svc.ID]; ok {
		if f.state == StateFailed {
			f.svc = svc
			c.showPrompt(f, "retry_requested")
			return
		}
		c.logger.Debug("login request coalesced",
			"service_id", svc.ID,
			"state", f.state.String(),
			"action", "coalesce")
		return
	}

	f := &flow{svc: svc, state: StateIdle, since: time.Now()}
	c.flows[svc.ID] = f

	if !svc.Profile.RequiresInteraction() {
		c.openWindow(f, "no_interaction_profile")
		return
	}
	c.showPrompt(f, "login_requested")
}

func (c *Coordinator) showPrompt(f *flow, reason string) {
	c.transition(f, StatePromptVisible, reason)
	f.prompted = true
	c.config.Prompter.Show(Prompt{
		ServiceID:       f.svc.ID,
		Header:          c.renderer.Text(f.svc.Header),
		Description:     c.renderer.Rich(f.svc.Description),
		DescriptionText: c.renderer.Text(f.svc.Description),
		ConfirmLabel:    c.renderer.Text(f.svc.ConfirmLabel),
	})
}

func (c *Coordinator) handleConfirm(serviceID string) {
	f, ok := c.flows[serviceID]
	if !ok {
		c.logger.Debug("confirm ignored", "service_id", serviceID, "reason", "no_flow")
		return
	}
	if f.state != StatePromptVisible && f.state != StateFailed {
		c.logger.Debug("confirm ignored",
			"service_id", serviceID,
			"state", f.state.String(),
			"reason", "wrong_state")
		return
	}
	c.openWindow(f, "user_confirmed")
}

func (c *Coordinator) openWindow(f *flow, reason string) {
	attemptCtx, cancel := context.WithCancel(c.runCtx)

	h, err := c.popups.Open(attemptCtx, f.svc, c.origin)
	if err != nil {
		// Only ErrAlreadyPending: a window from an earlier attempt that
		// was never released.
		cancel()
		c.logger.Warn("login window already pending",
			"service_id", f.svc.ID,
			"state", f.state.String(),
			"action", "coalesce")
		return
	}

	f.attempt = uuid.New().String()
	f.ctx, f.cancel, f.handle = attemptCtx, cancel, h
	c.transition(f, StateWindowOpen, reason)

	id, attempt := f.svc.ID, f.attempt
	c.popups.PollForClose(attemptCtx, h, func() {
		c.post(event{kind: evWindowClosed, serviceID: id, attempt: attempt})
	})
}

func (c *Coordinator) handleWindowClosed(ev event) {
	f := c.current(ev)
	if f == nil || f.state != StateWindowOpen {
		return
	}

	reason := "window_closed"
	if f.handle.Blocked() {
		reason = "popup_blocked"
	}
	c.transition(f, StateAwaitingRelay, reason)

	id, attempt := f.svc.ID, f.attempt
	f.disarm = c.bridge.Arm(id, f.svc.Origin(), func(env relay.Envelope) {
		c.post(event{kind: evRelay, serviceID: id, attempt: attempt, data: env.Data})
	})

	src := relay.CallbackURL(f.svc.TokenServiceURL, c.origin)
	frameCtx := f.ctx
	go func() {
		if err := c.config.Frame.Load(frameCtx, id, src); err != nil {
			c.post(event{kind: evFrameFailed, serviceID: id, attempt: attempt, err: err})
		}
	}()
}

func (c *Coordinator) handleRelay(ev event) {
	f := c.current(ev)
	if f == nil || f.state != StateAwaitingRelay {
		c.logger.Debug("stale relay message dropped",
			"service_id", ev.serviceID,
			"attempt_id", ev.attempt,
			"action", "drop_stale")
		return
	}
	// The bridge already unregistered the one-shot listener.
	f.disarm = nil

	msg, err := relay.Parse(ev.data)
	if err != nil {
		c.fail(f, err)
		return
	}
	c.succeed(f, msg)
}

// succeed commits the token before the SUCCEEDED transition is recorded,
// so observers of the transition can read it.
func (c *Coordinator) succeed(f *flow, msg relay.Message) {
	c.release(f)

	for _, cache := range c.config.Caches {
		cache.ClearCache()
	}
	if err := c.config.Tokens.Set(msg, f.svc.ID, f.svc.LogoutURL); err != nil {
		c.fail(f, err)
		return
	}
	c.transition(f, StateSucceeded, "token_received")
	c.logger.Info("token committed",
		"service_id", f.svc.ID,
		"attempt_id", f.attempt,
		"token_redacted", token.RedactToken(msg.AccessToken),
		"expires_in", msg.ExpiresIn,
		"action", "token_committed")

	if f.prompted {
		c.config.Prompter.Dismiss(f.svc.ID)
	}
	c.config.Surface.NotifyLoginSucceeded()
	c.finish(f, "completed")
}

func (c *Coordinator) fail(f *flow, err error) {
	reason := "frame_failed"
	switch {
	case errors.Is(err, relay.ErrRejected):
		reason = "relay_rejected"
	case errors.Is(err, relay.ErrMalformed), errors.Is(err, token.ErrNoAccessToken):
		reason = "relay_malformed"
	}

	c.logger.Warn("handshake failed",
		"service_id", f.svc.ID,
		"attempt_id", f.attempt,
		"error", err,
		"action", "transition_to_failed")
	c.transition(f, StateFailed, reason)
	c.release(f)

	if !f.prompted {
		c.finish(f, "failed_without_prompt")
		return
	}

	message := c.renderer.Text(f.svc.ErrorMessage)
	if message == "" {
		message = defaultErrorMessage
	}
	c.config.Prompter.ShowError(f.svc.ID, message)
}

func (c *Coordinator) handleCancel(serviceID string) {
	f, ok := c.flows[serviceID]
	if !ok {
		return
	}
	c.release(f)
	if f.prompted {
		c.config.Prompter.Dismiss(serviceID)
	}
	c.finish(f, "user_cancelled")
}

func (c *Coordinator) teardown(reason string) {
	for _, f := range c.flows {
		c.release(f)
		if f.prompted {
			c.config.Prompter.Dismiss(f.svc.ID)
		}
		c.finish(f, reason)
	}
}

// release frees the attempt's timer, listener and popup slot, and closes
// its window. Close runs even when the window is already gone so the
// browser tab's context is freed.
func (c *Coordinator) release(f *flow) {
	if f.cancel != nil {
		f.cancel()
		f.cancel = nil
	}
	if f.disarm != nil {
		f.disarm()
		f.disarm = nil
	}
	if f.handle != nil {
		_ = f.handle.Close()
	}
	f.handle = nil
	c.popups.Release(f.svc.ID)
}

func (c *Coordinator) finish(f *flow, reason string) {
	c.transition(f, StateIdle, reason)
	delete(c.flows, f.svc.ID)
}

// current returns the flow an event belongs to, or nil when the event is
// from an earlier attempt.
func (c *Coordinator) current(ev event) *flow {
	f, ok := c.flows[ev.serviceID]
	if !ok || f.attempt != ev.attempt {
		return nil
	}
	return f
}

func (c *Coordinator) transition(f *flow, to State, reason string) {
	from := f.state
	f.state = to
	f.since = time.Now()

	c.logger.Info("state transition",
		"service_id", f.svc.ID,
		"attempt_id", f.attempt,
		"from_state", from.String(),
		"to_state", to.String(),
		"reason", reason,
		"action", "transition")

	if c.config.Recorder != nil {
		c.config.Recorder.RecordTransition(Transition{
			RunID:     c.runID,
			AttemptID: f.attempt,
			ServiceID: f.svc.ID,
			From:      from,
			To:        to,
			Reason:    reason,
			At:        f.since,
		})
	}

	// Published after the recorder has seen it.
	c.mu.Lock()
	if to == StateIdle {
		delete(c.status, f.svc.ID)
	} else {
		c.status[f.svc.ID] = FlowStatus{
			ServiceID: f.svc.ID,
			State:     to,
			AttemptID: f.attempt,
			Since:     f.since,
		}
	}
	c.mu.Unlock()
}
