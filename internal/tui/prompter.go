package tui

import (
	"sync"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/Dicklesworthstone/iiif_auth_broker/internal/handshake"
)

const prompterBuffer = 64

// Sender is the part of *tea.Program the prompter needs.
type Sender interface {
	Send(msg tea.Msg)
}

// Prompter forwards coordinator prompts and transitions into a program. It
// implements handshake.Prompter and handshake.Recorder. Messages are queued
// and delivered in order from one goroutine, since Send blocks until the
// program reads.
type Prompter struct {
	program Sender
	queue   chan tea.Msg
	once    sync.Once
	done    chan struct{}
}

// NewPrompter creates a prompter sending to program. Close stops it.
func NewPrompter(program Sender) *Prompter {
	p := &Prompter{
		program: program,
		queue:   make(chan tea.Msg, prompterBuffer),
		done:    make(chan struct{}),
	}
	go p.forward()
	return p
}

func (p *Prompter) forward() {
	defer close(p.done)
	for msg := range p.queue {
		p.program.Send(msg)
	}
}

func (p *Prompter) send(msg tea.Msg) {
	select {
	case <-p.done:
	case p.queue <- msg:
	}
}

// Close stops forwarding once the queue drains. Call it after the
// coordinator has stopped.
func (p *Prompter) Close() {
	p.once.Do(func() { close(p.queue) })
	<-p.done
}

func (p *Prompter) Show(pr handshake.Prompt) {
	p.send(promptMsg{prompt: pr})
}

func (p *Prompter) ShowError(serviceID, message string) {
	p.send(promptErrorMsg{serviceID: serviceID, message: message})
}

func (p *Prompter) Dismiss(serviceID string) {
	p.send(dismissMsg{serviceID: serviceID})
}

func (p *Prompter) RecordTransition(t handshake.Transition) {
	p.send(statusMsg{transition: t})
}
