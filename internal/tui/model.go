package tui

import (
	"encoding/json"
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/samiralibabic/scriptd/internal/engine"
	"github.com/samiralibabic/scriptd/internal/protocol"
	"github.com/samiralibabic/scriptd/internal/session"
)

const maxTermLines = 200

// Responder answers prompts on behalf of the user. *engine.Engine
// satisfies it.
type Responder interface {
	Submit(id string, value json.RawMessage) bool
	Cancel(id string) bool
}

// Config holds TUI configuration.
type Config struct {
	Script    string
	Responder Responder
	Events    <-chan tea.Msg
}

// Model is the bubbletea model for one script. Requests are shown one at a
// time in arrival order; later ones wait in queue.
type Model struct {
	script    string
	responder Responder
	events    <-chan tea.Msg

	queue []protocol.Message

	// Input state of the prompt at the head of the queue.
	filter   string
	cursor   int
	input    []rune
	values   []string
	fieldIdx int

	hidden  bool
	termOut []string
	notes   []string

	width  int
	height int

	exit     *engine.ExitEvent
	quitting bool
}

func New(cfg Config) Model {
	return Model{
		script:    cfg.Script,
		responder: cfg.Responder,
		events:    cfg.Events,
		width:     80,
		height:    24,
	}
}

func (m Model) Init() tea.Cmd {
	return waitEvent(m.events)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case PromptMsg:
		cmd := m.handlePrompt(msg.Message)
		return m, tea.Batch(cmd, waitEvent(m.events))

	case ResolvedMsg:
		if m.remove(msg.Resolution.ID) && msg.Resolution.State == session.StateCancelled {
			m.note(fmt.Sprintf("prompt %s cancelled", msg.Resolution.ID))
		}
		return m, waitEvent(m.events)

	case TermOutputMsg:
		m.appendTerm(msg.Data)
		return m, waitEvent(m.events)

	case ExitMsg:
		ev := msg.Event
		m.exit = &ev
		m.queue = nil
		m.quitting = true
		return m, tea.Quit
	}
	return m, nil
}

func (m *Model) handlePrompt(msg protocol.Message) tea.Cmd {
	switch msg := msg.(type) {
	case protocol.GetLayoutInfo:
		raw, _ := json.Marshal(map[string]int{"width": m.width, "height": m.height})
		return m.submitCmd(msg.ID, raw)
	case protocol.CaptureScreenshot:
		return m.cancelCmd(msg.ID)
	case protocol.Show:
		m.hidden = false
	case protocol.Hide:
		m.hidden = true
	case protocol.SetFilter:
		if _, ok := m.head().(protocol.Arg); ok {
			m.filter = msg.Text
			m.cursor = 0
		}
	case protocol.Exit:
		m.quitting = true
		return tea.Quit
	default:
		if !msg.ExpectsReply() {
			return nil
		}
		m.queue = append(m.queue, msg)
		if len(m.queue) == 1 {
			m.activate()
		}
	}
	return nil
}

func (m *Model) head() protocol.Message {
	if len(m.queue) == 0 {
		return nil
	}
	return m.queue[0]
}

// activate resets input state for the prompt now at the head.
func (m *Model) activate() {
	m.filter = ""
	m.cursor = 0
	m.input = nil
	m.values = nil
	m.fieldIdx = 0
	m.termOut = nil
	switch p := m.head().(type) {
	case protocol.Editor:
		m.input = []rune(p.Content)
	case protocol.Path:
		m.input = []rune(p.StartPath)
	case protocol.Fields:
		m.values = make([]string, len(p.Fields))
		for i, f := range p.Fields {
			m.values[i] = f.Value
		}
	}
}

// remove drops id from the queue and reports whether it was queued.
func (m *Model) remove(id string) bool {
	for i, p := range m.queue {
		if p.RequestID() != id {
			continue
		}
		m.queue = append(m.queue[:i:i], m.queue[i+1:]...)
		if i == 0 {
			m.activate()
		}
		return true
	}
	return false
}

func (m *Model) submitCmd(id string, value json.RawMessage) tea.Cmd {
	m.remove(id)
	r := m.responder
	if r == nil {
		return nil
	}
	return func() tea.Msg {
		r.Submit(id, value)
		return nil
	}
}

func (m *Model) cancelCmd(id string) tea.Cmd {
	m.remove(id)
	r := m.responder
	if r == nil {
		return nil
	}
	return func() tea.Msg {
		r.Cancel(id)
		return nil
	}
}

func (m *Model) note(s string) {
	m.notes = append(m.notes, s)
	if len(m.notes) > 5 {
		m.notes = m.notes[len(m.notes)-5:]
	}
}

func (m *Model) appendTerm(data []byte) {
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	lines := strings.Split(text, "\n")
	if n := len(m.termOut); n > 0 {
		m.termOut[n-1] += lines[0]
		lines = lines[1:]
	}
	m.termOut = append(m.termOut, lines...)
	if len(m.termOut) > maxTermLines {
		m.termOut = m.termOut[len(m.termOut)-maxTermLines:]
	}
}

// =============================================================================
// Keys
// =============================================================================

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.Type == tea.KeyCtrlC {
		m.quitting = true
		return m, tea.Quit
	}
	head := m.head()
	if head == nil {
		return m, nil
	}
	if msg.Type == tea.KeyEsc {
		return m, m.cancelCmd(head.RequestID())
	}
	var cmd tea.Cmd
	switch p := head.(type) {
	case protocol.Arg:
		cmd = m.argKey(p, msg)
	case protocol.Div:
		if msg.Type == tea.KeyEnter {
			cmd = m.submitCmd(p.ID, nil)
		}
	case protocol.Editor:
		cmd = m.editorKey(p, msg)
	case protocol.Fields:
		cmd = m.fieldsKey(p, msg)
	case protocol.Path:
		if msg.Type == tea.KeyEnter {
			cmd = m.submitCmd(p.ID, jsonString(string(m.input)))
		} else {
			m.input = editRunes(m.input, msg)
		}
	}
	return m, cmd
}

func (m *Model) argKey(p protocol.Arg, msg tea.KeyMsg) tea.Cmd {
	choices := filterChoices(p.Choices, m.filter)
	switch msg.Type {
	case tea.KeyUp:
		if m.cursor > 0 {
			m.cursor--
		}
	case tea.KeyDown:
		if m.cursor < len(choices)-1 {
			m.cursor++
		}
	case tea.KeyEnter:
		if len(choices) > 0 {
			return m.submitCmd(p.ID, choices[m.cursor].Value)
		}
		return m.submitCmd(p.ID, jsonString(m.filter))
	default:
		m.filter = string(editRunes([]rune(m.filter), msg))
		m.cursor = 0
	}
	return nil
}

func (m *Model) editorKey(p protocol.Editor, msg tea.KeyMsg) tea.Cmd {
	switch msg.Type {
	case tea.KeyCtrlS:
		return m.submitCmd(p.ID, jsonString(string(m.input)))
	case tea.KeyEnter:
		m.input = append(m.input, '\n')
	default:
		m.input = editRunes(m.input, msg)
	}
	return nil
}

func (m *Model) fieldsKey(p protocol.Fields, msg tea.KeyMsg) tea.Cmd {
	if len(m.values) == 0 {
		if msg.Type == tea.KeyEnter {
			return m.submitCmd(p.ID, json.RawMessage("[]"))
		}
		return nil
	}
	switch msg.Type {
	case tea.KeyTab:
		m.fieldIdx = (m.fieldIdx + 1) % len(m.values)
	case tea.KeyShiftTab:
		m.fieldIdx = (m.fieldIdx + len(m.values) - 1) % len(m.values)
	case tea.KeyEnter:
		if m.fieldIdx < len(m.values)-1 {
			m.fieldIdx++
			return nil
		}
		raw, _ := json.Marshal(m.values)
		return m.submitCmd(p.ID, raw)
	default:
		m.values[m.fieldIdx] = string(editRunes([]rune(m.values[m.fieldIdx]), msg))
	}
	return nil
}

// editRunes applies a typing or backspace key to buf.
func editRunes(buf []rune, msg tea.KeyMsg) []rune {
	switch msg.Type {
	case tea.KeyRunes:
		return append(buf, msg.Runes...)
	case tea.KeySpace:
		return append(buf, ' ')
	case tea.KeyBackspace:
		if len(buf) > 0 {
			return buf[:len(buf)-1]
		}
	}
	return buf
}

func filterChoices(choices []protocol.Choice, filter string) []protocol.Choice {
	if filter == "" {
		return choices
	}
	f := strings.ToLower(filter)
	var out []protocol.Choice
	for _, c := range choices {
		if strings.Contains(strings.ToLower(c.Name), f) {
			out = append(out, c)
		}
	}
	return out
}

func jsonString(s string) json.RawMessage {
	raw, _ := json.Marshal(s)
	return raw
}

// =============================================================================
// Accessors
// =============================================================================

// Exit returns how the script ended, if it has.
func (m Model) Exit() (engine.ExitEvent, bool) {
	if m.exit == nil {
		return engine.ExitEvent{}, false
	}
	return *m.exit, true
}

// Queued returns the ids of prompts waiting for the user, head first.
func (m Model) Queued() []string {
	ids := make([]string, len(m.queue))
	for i, p := range m.queue {
		ids[i] = p.RequestID()
	}
	return ids
}
