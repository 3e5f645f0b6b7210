package tui

import (
	"sync"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/samiralibabic/scriptd/internal/engine"
	"github.com/samiralibabic/scriptd/internal/protocol"
	"github.com/samiralibabic/scriptd/internal/session"
)

// =============================================================================
// Messages
// =============================================================================

// PromptMsg carries one message from the script.
type PromptMsg struct {
	Handle  engine.Handle
	Message protocol.Message
}

// ResolvedMsg reports that a prompt left the pending state, whoever
// resolved it.
type ResolvedMsg struct {
	Handle     engine.Handle
	Resolution session.Resolution
}

// TermOutputMsg carries raw pty output of a running term prompt.
type TermOutputMsg struct {
	Handle engine.Handle
	Data   []byte
}

// ExitMsg is delivered once, when the script process is gone.
type ExitMsg struct {
	Event engine.ExitEvent
}

// =============================================================================
// Observer
// =============================================================================

const eventBuffer = 256

// Observer forwards engine callbacks to the model over a channel. Once
// closed, further events are dropped so a finished UI never stalls the
// engine.
type Observer struct {
	events chan tea.Msg
	closed chan struct{}
	once   sync.Once
}

func NewObserver() *Observer {
	return &Observer{
		events: make(chan tea.Msg, eventBuffer),
		closed: make(chan struct{}),
	}
}

func (o *Observer) Events() <-chan tea.Msg {
	return o.events
}

func (o *Observer) Close() {
	o.once.Do(func() { close(o.closed) })
}

func (o *Observer) send(msg tea.Msg) {
	select {
	case o.events <- msg:
	case <-o.closed:
	}
}

func (o *Observer) Message(h engine.Handle, msg protocol.Message) {
	o.send(PromptMsg{Handle: h, Message: msg})
}

func (o *Observer) Resolved(h engine.Handle, r session.Resolution) {
	o.send(ResolvedMsg{Handle: h, Resolution: r})
}

func (o *Observer) TermOutput(h engine.Handle, data []byte) {
	o.send(TermOutputMsg{Handle: h, Data: append([]byte(nil), data...)})
}

func (o *Observer) Exited(ev engine.ExitEvent) {
	o.send(ExitMsg{Event: ev})
}

// waitEvent blocks for the next engine event.
func waitEvent(ch <-chan tea.Msg) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		msg, ok := <-ch
		if !ok {
			return nil
		}
		return msg
	}
}
