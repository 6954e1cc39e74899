package tui

import (
	"strings"
	"sync"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/Dicklesworthstone/iiif_auth_broker/internal/handshake"
)

const svcID = "https://auth/login"

type recordedActions struct {
	confirmed []string
	cancelled []string
}

func newTestModel() (Model, *recordedActions) {
	rec := &recordedActions{}
	m := New(svcID, Actions{
		Confirm: func(id string) { rec.confirmed = append(rec.confirmed, id) },
		Cancel:  func(id string) { rec.cancelled = append(rec.cancelled, id) },
	})
	m.styles = PlainStyles()
	return m, rec
}

func update(t *testing.T, m Model, msg tea.Msg) (Model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	return next.(Model), cmd
}

func transition(from, to handshake.State) statusMsg {
	return statusMsg{transition: handshake.Transition{ServiceID: svcID, From: from, To: to}}
}

func showPrompt(t *testing.T, m Model) Model {
	t.Helper()
	m, _ = update(t, m, transition(handshake.StateIdle, handshake.StatePromptVisible))
	m, _ = update(t, m, promptMsg{prompt: handshake.Prompt{
		ServiceID:       svcID,
		Header:          "Please Log In",
		DescriptionText: "Example Institution requires that you log in",
		ConfirmLabel:    "Login",
	}})
	return m
}

func isQuit(cmd tea.Cmd) bool {
	if cmd == nil {
		return false
	}
	_, ok := cmd().(tea.QuitMsg)
	return ok
}

func TestModelShowsPrompt(t *testing.T) {
	m, _ := newTestModel()
	m = showPrompt(t, m)

	view := m.View()
	for _, want := range []string{"Please Log In", "Example Institution", "Login", "esc"} {
		if !strings.Contains(view, want) {
			t.Errorf("View() missing %q:\n%s", want, view)
		}
	}
}

func TestModelIgnoresOtherServices(t *testing.T) {
	m, _ := newTestModel()
	m, _ = update(t, m, promptMsg{prompt: handshake.Prompt{ServiceID: "https://other/login", Header: "Other"}})
	if m.prompt != nil {
		t.Fatal("prompt for another service should be ignored")
	}
}

func TestModelConfirm(t *testing.T) {
	m, rec := newTestModel()

	// Enter before a prompt does nothing.
	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	if len(rec.confirmed) != 0 {
		t.Fatal("confirm without prompt should be ignored")
	}

	m = showPrompt(t, m)
	m, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	if len(rec.confirmed) != 1 || rec.confirmed[0] != svcID {
		t.Fatalf("confirmed = %v", rec.confirmed)
	}
	if isQuit(cmd) {
		t.Fatal("confirm should not quit")
	}

	m, _ = update(t, m, transition(handshake.StatePromptVisible, handshake.StateWindowOpen))
	if !strings.Contains(m.View(), "browser window") {
		t.Errorf("View() = %q, want waiting message", m.View())
	}

	// Enter while the window is open is ignored.
	_, _ = update(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	if len(rec.confirmed) != 1 {
		t.Fatalf("confirm in WINDOW_OPEN should be ignored, got %v", rec.confirmed)
	}
}

func TestModelCancel(t *testing.T) {
	m, rec := newTestModel()
	m = showPrompt(t, m)

	m, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyEsc})
	if len(rec.cancelled) != 1 {
		t.Fatalf("cancelled = %v", rec.cancelled)
	}
	if !isQuit(cmd) {
		t.Fatal("cancel should quit")
	}
	if m.Outcome() != OutcomeCancelled {
		t.Errorf("Outcome() = %v, want cancelled", m.Outcome())
	}
}

func TestModelErrorThenRetry(t *testing.T) {
	m, rec := newTestModel()
	m = showPrompt(t, m)
	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	m, _ = update(t, m, transition(handshake.StateAwaitingRelay, handshake.StateFailed))
	m, _ = update(t, m, promptErrorMsg{serviceID: svcID, message: "Access denied"})

	if !strings.Contains(m.View(), "Access denied") {
		t.Fatalf("View() missing error:\n%s", m.View())
	}

	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'y'}})
	if len(rec.confirmed) != 2 {
		t.Fatalf("retry confirm not sent, confirmed = %v", rec.confirmed)
	}
	if strings.Contains(m.View(), "Access denied") {
		t.Error("error should clear on retry")
	}
}

func TestModelSucceeded(t *testing.T) {
	m, _ := newTestModel()
	m = showPrompt(t, m)
	m, cmd := update(t, m, transition(handshake.StateAwaitingRelay, handshake.StateSucceeded))
	if !isQuit(cmd) {
		t.Fatal("success should quit")
	}
	if m.Outcome() != OutcomeSucceeded {
		t.Errorf("Outcome() = %v", m.Outcome())
	}
	if !strings.Contains(m.View(), "Logged in") {
		t.Errorf("View() = %q", m.View())
	}
}

func TestModelKioskFailure(t *testing.T) {
	m, _ := newTestModel()
	m, _ = update(t, m, transition(handshake.StateAwaitingRelay, handshake.StateFailed))
	m, cmd := update(t, m, transition(handshake.StateFailed, handshake.StateIdle))
	if !isQuit(cmd) || m.Outcome() != OutcomeFailed {
		t.Fatalf("Outcome() = %v, quit = %v", m.Outcome(), isQuit(cmd))
	}
}

func TestModelCtrlCCancels(t *testing.T) {
	m, rec := newTestModel()
	_, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyCtrlC})
	if !isQuit(cmd) || len(rec.cancelled) != 1 {
		t.Fatalf("ctrl+c should cancel and quit, cancelled = %v", rec.cancelled)
	}
}

func TestModelWindowSize(t *testing.T) {
	m, _ := newTestModel()
	m, _ = update(t, m, tea.WindowSizeMsg{Width: 100, Height: 50})
	if m.width != 100 {
		t.Errorf("width = %d, want 100", m.width)
	}
}

type fakeSender struct {
	mu   sync.Mutex
	msgs []tea.Msg
}

func (s *fakeSender) Send(msg tea.Msg) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
}

func TestPrompterForwardsInOrder(t *testing.T) {
	s := &fakeSender{}
	p := NewPrompter(s)

	p.Show(handshake.Prompt{ServiceID: svcID})
	p.RecordTransition(handshake.Transition{ServiceID: svcID, To: handshake.StateFailed})
	p.ShowError(svcID, "Access denied")
	p.Dismiss(svcID)
	p.Close()
	p.Close()

	if len(s.msgs) != 4 {
		t.Fatalf("forwarded %d messages, want 4", len(s.msgs))
	}
	if _, ok := s.msgs[0].(promptMsg); !ok {
		t.Errorf("msgs[0] = %T", s.msgs[0])
	}
	if _, ok := s.msgs[1].(statusMsg); !ok {
		t.Errorf("msgs[1] = %T", s.msgs[1])
	}
	if em, ok := s.msgs[2].(promptErrorMsg); !ok || em.message != "Access denied" {
		t.Errorf("msgs[2] = %#v", s.msgs[2])
	}
	if _, ok := s.msgs[3].(dismissMsg); !ok {
		t.Errorf("msgs[3] = %T", s.msgs[3])
	}
}

func TestOutcomeString(t *testing.T) {
	if OutcomeSucceeded.String() != "succeeded" || OutcomePending.String() != "pending" {
		t.Error("unexpected Outcome names")
	}
}
