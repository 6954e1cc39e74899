package relay

import (
	"log/slog"
	"sync"
)

// Envelope is one message as delivered by a frame.
type Envelope struct {
	// ServiceID names the handshake whose frame received the message.
	ServiceID string
	// Origin is the sender origin as reported by the browser.
	Origin string
	// Data is the raw, unvalidated payload.
	Data []byte
}

// Handler receives the envelope for an armed listener.
type Handler func(Envelope)

type listener struct {
	seq            uint64
	expectedOrigin string
	handler        Handler
}

// Bridge routes envelopes to one-shot listeners keyed by service id.
type Bridge struct {
	// CheckOrigin drops envelopes whose origin differs from the armed
	// expected origin. The listener stays armed when that happens.
	CheckOrigin bool

	logger *slog.Logger

	mu        sync.Mutex
	seq       uint64
	listeners map[string]listener
}

// NewBridge creates a bridge with origin checking enabled.
func NewBridge(logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		CheckOrigin: true,
		logger:      logger,
		listeners:   make(map[string]listener),
	}
}

// Arm registers a one-shot listener for serviceID, replacing any earlier
// one. The returned disarm removes only this listener and is safe to call
// more than once.
func (b *Bridge) Arm(serviceID, expectedOrigin string, h Handler) (disarm func()) {
	b.mu.Lock()
	b.seq++
	seq := b.seq
	if _, replaced := b.listeners[serviceID]; replaced {
		b.logger.Debug("relay listener replaced", "service_id", serviceID)
	}
	b.listeners[serviceID] = listener{seq: seq, expectedOrigin: expectedOrigin, handler: h}
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if cur, ok := b.listeners[serviceID]; ok && cur.seq == seq {
			delete(b.listeners, serviceID)
		}
	}
}

// Deliver hands env to its listener, unregistering the listener before the
// handler runs. It reports whether a listener took the envelope.
func (b *Bridge) Deliver(env Envelope) bool {
	b.mu.Lock()
	l, ok := b.listeners[env.ServiceID]
	if !ok {
		b.mu.Unlock()
		b.logger.Debug("stale relay message dropped",
			"service_id", env.ServiceID,
			"origin", env.Origin,
			"action", "drop_stale")
		return false
	}
	if b.CheckOrigin && l.expectedOrigin != "" && env.Origin != l.expectedOrigin {
		b.mu.Unlock()
		b.logger.Warn("relay message from unexpected origin ignored",
			"service_id", env.ServiceID,
			"origin", env.Origin,
			"expected_origin", l.expectedOrigin,
			"action", "drop_origin_mismatch")
		return false
	}
	delete(b.listeners, env.ServiceID)
	b.mu.Unlock()

	l.handler(env)
	return true
}

// Armed reports whether a listener is registered for serviceID.
func (b *Bridge) Armed(serviceID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.listeners[serviceID]
	return ok
}

// Len returns the number of armed listeners.
func (b *Bridge) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners)
}
