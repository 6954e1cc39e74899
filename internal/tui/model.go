// Package tui is the terminal login dialog shown for interactive auth
// services.
package tui

import (
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/Dicklesworthstone/iiif_auth_broker/internal/handshake"
)

// Outcome is how the dialog ended.
type Outcome int

const (
	OutcomePending Outcome = iota
	OutcomeSucceeded
	OutcomeFailed
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeFailed:
		return "failed"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "pending"
	}
}

// Actions are the coordinator calls the dialog makes on the user's behalf.
type Actions struct {
	Confirm func(serviceID string)
	Cancel  func(serviceID string)
}

// Model is the bubbletea model for one login.
type Model struct {
	keys    keyMap
	styles  Styles
	spinner *Spinner
	actions Actions

	serviceID string
	prompt    *handshake.Prompt
	errText   string
	state     handshake.State
	outcome   Outcome
	width     int
}

// New creates a dialog for serviceID.
func New(serviceID string, actions Actions) Model {
	opts := SpinnerOptionsFromEnv()
	opts.Message = "Starting login"

	styles := DefaultStyles()
	if opts.NoColor {
		styles = PlainStyles()
	}

	return Model{
		keys:      defaultKeyMap(),
		styles:    styles,
		spinner:   NewSpinner(opts),
		actions:   actions,
		serviceID: serviceID,
	}
}

// Outcome returns how the dialog ended.
func (m Model) Outcome() Outcome {
	return m.outcome
}

// Init starts the spinner.
func (m Model) Init() tea.Cmd {
	return m.spinner.Tick()
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyPress(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case promptMsg:
		if msg.prompt.ServiceID != m.serviceID {
			return m, nil
		}
		p := msg.prompt
		m.prompt = &p
		m.errText = ""
		return m, nil

	case promptErrorMsg:
		if msg.serviceID == m.serviceID {
			m.errText = msg.message
		}
		return m, nil

	case dismissMsg:
		if msg.serviceID == m.serviceID {
			m.prompt = nil
		}
		return m, nil

	case statusMsg:
		return m.handleStatus(msg.transition)

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m Model) handleKeyPress(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		m.cancel()
		return m, tea.Quit

	case key.Matches(msg, m.keys.Cancel):
		if m.prompt == nil {
			return m, nil
		}
		m.cancel()
		return m, tea.Quit

	case key.Matches(msg, m.keys.Confirm):
		if m.prompt == nil || !m.awaitingUser() {
			return m, nil
		}
		m.errText = ""
		if m.actions.Confirm != nil {
			m.actions.Confirm(m.serviceID)
		}
		return m, nil
	}

	return m, nil
}

func (m *Model) cancel() {
	if m.outcome == OutcomePending {
		m.outcome = OutcomeCancelled
	}
	if m.actions.Cancel != nil {
		m.actions.Cancel(m.serviceID)
	}
}

func (m Model) handleStatus(t handshake.Transition) (tea.Model, tea.Cmd) {
	if t.ServiceID != m.serviceID {
		return m, nil
	}
	m.state = t.To

	switch t.To {
	case handshake.StatePromptVisible:
		m.spinner.SetMessage("Waiting for you to log in")
	case handshake.StateWindowOpen:
		m.spinner.SetMessage("Complete the login in the browser window")
	case handshake.StateAwaitingRelay:
		m.spinner.SetMessage("Retrieving access token")
	case handshake.StateSucceeded:
		m.outcome = OutcomeSucceeded
		return m, tea.Quit
	case handshake.StateFailed:
		m.spinner.SetMessage("Login failed")
	case handshake.StateIdle:
		// A flow that fails without a prompt goes straight back to idle.
		if m.outcome == OutcomePending && t.From == handshake.StateFailed {
			m.outcome = OutcomeFailed
			return m, tea.Quit
		}
	}
	return m, nil
}

func (m Model) awaitingUser() bool {
	return m.state == handshake.StatePromptVisible || m.state == handshake.StateFailed
}

// View renders the dialog.
func (m Model) View() string {
	switch m.outcome {
	case OutcomeSucceeded:
		return m.styles.Success.Render("✓ Logged in") + "\n"
	case OutcomeCancelled:
		return m.styles.Help.Render("Login cancelled") + "\n"
	case OutcomeFailed:
		return m.styles.Error.Render("✗ Login failed") + "\n"
	}

	if m.prompt == nil || !m.awaitingUser() {
		return m.spinner.View() + "\n"
	}
	return m.renderDialog() + "\n"
}

func (m Model) renderDialog() string {
	p := m.prompt

	title := p.Header
	if title == "" {
		title = "Login required"
	}
	label := p.ConfirmLabel
	if label == "" {
		label = "Login"
	}

	var b strings.Builder
	b.WriteString(m.styles.DialogTitle.Render(title))
	b.WriteString("\n")
	if p.DescriptionText != "" {
		body := m.styles.DialogBody
		if m.width > 8 {
			body = body.Width(m.width - 8)
		}
		b.WriteString(body.Render(p.DescriptionText))
		b.WriteString("\n\n")
	}
	if m.errText != "" {
		b.WriteString(m.styles.Error.Render(m.errText))
		b.WriteString("\n\n")
	}
	b.WriteString(m.styles.DialogButton.Render(label))
	b.WriteString("\n")
	b.WriteString(m.renderHelp())

	return m.styles.Dialog.Render(b.String())
}

func (m Model) renderHelp() string {
	parts := make([]string, 0, len(m.keys.ShortHelp()))
	for _, k := range m.keys.ShortHelp() {
		h := k.Help()
		parts = append(parts, m.styles.HelpKey.Render(h.Key)+" "+m.styles.Help.Render(h.Desc))
	}
	return strings.Join(parts, "  ")
}
