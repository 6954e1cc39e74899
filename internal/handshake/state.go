package handshake

import (
	"context"
	"fmt"
	"time"

	"github.com/Dicklesworthstone/iiif_auth_broker/internal/authreq"
	"github.com/Dicklesworthstone/iiif_auth_broker/internal/popup"
)

// State is where a service's handshake currently stands.
type State int

const (
	// StateIdle - no active request for the service.
	StateIdle State = iota
	// StatePromptVisible - login prompt shown, waiting for confirmation.
	StatePromptVisible
	// StateWindowOpen - login popup open, polling for it to close.
	StateWindowOpen
	// StateAwaitingRelay - popup closed, relay frame loading the callback page.
	StateAwaitingRelay
	// StateSucceeded - token received and committed.
	StateSucceeded
	// StateFailed - the service rejected the login or sent garbage.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StatePromptVisible:
		return "PROMPT_VISIBLE"
	case StateWindowOpen:
		return "WINDOW_OPEN"
	case StateAwaitingRelay:
		return "AWAITING_RELAY"
	case StateSucceeded:
		return "SUCCEEDED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the state name in JSON output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name produced by MarshalText.
func (s *State) UnmarshalText(text []byte) error {
	for st := StateIdle; st <= StateFailed; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", text)
}

// Transition is one state change, handed to the Recorder.
type Transition struct {
	RunID     string    `json:"run_id"`
	AttemptID string    `json:"attempt_id,omitempty"`
	ServiceID string    `json:"service_id"`
	From      State     `json:"from_state"`
	To        State     `json:"to_state"`
	Reason    string    `json:"reason"`
	At        time.Time `json:"at"`
}

// Recorder observes transitions. It is called from the coordinator's loop
// and must not block.
type Recorder interface {
	RecordTransition(t Transition)
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(t Transition)

func (f RecorderFunc) RecordTransition(t Transition) { f(t) }

// MultiRecorder fans a transition out to several recorders.
type MultiRecorder []Recorder

func (m MultiRecorder) RecordTransition(t Transition) {
	for _, r := range m {
		if r != nil {
			r.RecordTransition(t)
		}
	}
}

// Prompt is what the dialog chrome shows for an interactive service. Text
// has already been through the renderer.
type Prompt struct {
	ServiceID       string `json:"service_id"`
	Header          string `json:"header"`
	Description     string `json:"description"`
	DescriptionText string `json:"description_text"`
	ConfirmLabel    string `json:"confirm_label"`
}

// Prompter is the dialog chrome. The user answers through the
// coordinator's Confirm and Cancel.
type Prompter interface {
	Show(p Prompt)
	ShowError(serviceID, message string)
	Dismiss(serviceID string)
}

// Cache is a dependent resource cache invalidated after a login.
type Cache interface {
	ClearCache()
}

// FlowStatus is a snapshot of one in-flight handshake.
type FlowStatus struct {
	ServiceID string    `json:"service_id"`
	State     State     `json:"state"`
	AttemptID string    `json:"attempt_id,omitempty"`
	Since     time.Time `json:"since"`
}

// flow is the loop-owned record of one service's handshake.
type flow struct {
	svc      authreq.AuthService
	state    State
	since    time.Time
	attempt  string
	prompted bool

	ctx    context.Context
	cancel context.CancelFunc
	disarm func()
	handle *popup.Handle
}

type eventKind int

const (
	evConfirm eventKind = iota
	evCancel
	evWindowClosed
	evRelay
	evFrameFailed
)

type event struct {
	kind      eventKind
	serviceID string
	attempt   string
	data      []byte
	err       error
}
