package db

import (
	"log/slog"
	"sync"

	"github.com/Dicklesworthstone/iiif_auth_broker/internal/handshake"
)

const recorderBuffer = 256

// Recorder writes coordinator transitions to the audit log from a
// background goroutine so the coordinator never waits on disk.
type Recorder struct {
	db     *DB
	logger *slog.Logger
	events chan HandshakeEvent
	once   sync.Once
	done   chan struct{}
}

// NewRecorder starts a recorder writing into d. Close flushes it.
func NewRecorder(d *DB, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{
		db:     d,
		logger: logger,
		events: make(chan HandshakeEvent, recorderBuffer),
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

// RecordTransition implements handshake.Recorder. When the buffer is full
// the event is dropped and logged.
func (r *Recorder) RecordTransition(t handshake.Transition) {
	ev := HandshakeEvent{
		Timestamp: t.At,
		RunID:     t.RunID,
		AttemptID: t.AttemptID,
		ServiceID: t.ServiceID,
		FromState: t.From.String(),
		ToState:   t.To.String(),
		Reason:    t.Reason,
	}
	select {
	case r.events <- ev:
	default:
		r.logger.Warn("audit log backlog full, event dropped",
			"service_id", t.ServiceID,
			"to_state", ev.ToState)
	}
}

// Close stops accepting events and waits for pending writes. Transitions
// recorded after Close panic, so close only once the coordinator stopped.
func (r *Recorder) Close() {
	r.once.Do(func() {
		close(r.events)
	})
	<-r.done
}

func (r *Recorder) run() {
	defer close(r.done)
	for ev := range r.events {
		if err := r.db.LogHandshakeEvent(ev); err != nil {
			r.logger.Warn("failed to write audit event",
				"service_id", ev.ServiceID,
				"error", err)
		}
	}
}
