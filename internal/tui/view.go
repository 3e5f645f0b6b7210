package tui

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/samiralibabic/scriptd/internal/protocol"
)

func (m Model) View() string {
	if m.quitting {
		return ""
	}
	var b strings.Builder
	b.WriteString(titleStyle.Render("scriptd"))
	b.WriteString(" ")
	b.WriteString(mutedStyle.Render(filepath.Base(m.script)))
	if n := len(m.queue); n > 1 {
		b.WriteString(dimStyle.Render(fmt.Sprintf("  (%d more waiting)", n-1)))
	}
	b.WriteString("\n\n")

	switch {
	case m.hidden:
		b.WriteString(dimStyle.Render("hidden by script"))
	case m.head() == nil:
		b.WriteString(dimStyle.Render("waiting for script..."))
	default:
		b.WriteString(m.renderPrompt())
	}
	b.WriteString("\n")

	for _, n := range m.notes {
		b.WriteString(errorStyle.Render(n))
		b.WriteString("\n")
	}
	b.WriteString(dimStyle.Render(m.helpLine()))
	return b.String()
}

func (m Model) renderPrompt() string {
	width := m.width - 4
	if width < 20 {
		width = 20
	}
	box := boxStyle.Width(width)
	switch p := m.head().(type) {
	case protocol.Arg:
		return box.Render(m.renderArg(p))
	case protocol.Div:
		return box.Render(baseStyle.Render(stripTags(p.HTML)))
	case protocol.Editor:
		title := "editor"
		if p.Language != "" {
			title += " (" + p.Language + ")"
		}
		return labelStyle.Render(title) + "\n" + box.Render(string(m.input)+cursorMark)
	case protocol.Fields:
		return box.Render(m.renderFields(p))
	case protocol.Path:
		return labelStyle.Render("path") + "\n" + box.Render(string(m.input)+cursorMark)
	case protocol.Term:
		return labelStyle.Render("$ "+p.Command) + "\n" + box.Render(m.renderTerm())
	}
	return ""
}

const cursorMark = "▏"

func (m Model) renderArg(p protocol.Arg) string {
	var b strings.Builder
	prompt := p.Placeholder
	if prompt == "" {
		prompt = "Select"
	}
	b.WriteString(labelStyle.Render(prompt))
	b.WriteString(" ")
	b.WriteString(m.filter + cursorMark)
	b.WriteString("\n")
	choices := filterChoices(p.Choices, m.filter)
	if len(p.Choices) > 0 && len(choices) == 0 {
		b.WriteString(dimStyle.Render("no matches"))
	}
	limit := m.height - 8
	if limit < 3 {
		limit = 3
	}
	start := 0
	if m.cursor >= limit {
		start = m.cursor - limit + 1
	}
	for i := start; i < len(choices) && i < start+limit; i++ {
		c := choices[i]
		line := "  " + c.Name
		if i == m.cursor {
			line = selectedStyle.Render("> " + c.Name)
		}
		if c.Description != "" {
			line += " " + dimStyle.Render(c.Description)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	if len(p.Actions) > 0 {
		names := make([]string, len(p.Actions))
		for i, a := range p.Actions {
			names[i] = a.Name
		}
		b.WriteString(mutedStyle.Render("actions: " + strings.Join(names, ", ")))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m Model) renderFields(p protocol.Fields) string {
	rows := make([]string, 0, len(p.Fields))
	for i, f := range p.Fields {
		label := labelStyle.Render(f.Label + ":")
		value := m.values[i]
		if value == "" && f.Placeholder != "" && i != m.fieldIdx {
			value = dimStyle.Render(f.Placeholder)
		}
		if f.Type == "password" {
			value = strings.Repeat("*", len([]rune(m.values[i])))
		}
		if i == m.fieldIdx {
			value = selectedStyle.Render(value + cursorMark)
		}
		rows = append(rows, lipgloss.JoinHorizontal(lipgloss.Top, label, " ", value))
	}
	return lipgloss.JoinVertical(lipgloss.Left, rows...)
}

func (m Model) renderTerm() string {
	lines := m.termOut
	limit := m.height - 8
	if limit < 3 {
		limit = 3
	}
	if len(lines) > limit {
		lines = lines[len(lines)-limit:]
	}
	return strings.Join(lines, "\n")
}

func (m Model) helpLine() string {
	switch m.head().(type) {
	case protocol.Arg:
		return "type to filter • ↑/↓ move • enter select • esc cancel"
	case protocol.Div:
		return "enter continue • esc cancel"
	case protocol.Editor:
		return "ctrl+s accept • esc cancel"
	case protocol.Fields:
		return "tab next field • enter submit • esc cancel"
	case protocol.Path:
		return "enter accept • esc cancel"
	case protocol.Term:
		return "esc stop"
	}
	return "ctrl+c quit"
}

// stripTags reduces div html to its text.
func stripTags(html string) string {
	var b strings.Builder
	inTag := false
	for _, r := range html {
		switch {
		case r == '<':
			inTag = true
		case r == '>' && inTag:
			inTag = false
		case !inTag:
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}
