// Package protocol defines the JSONL message grammar spoken between the host
// and a running script: a closed set of message variants, a validating
// decoder, and an encoder for host replies.
package protocol

import (
	"encoding/json"
)

type Kind string

const (
	KindDiv               Kind = "div"
	KindArg               Kind = "arg"
	KindEditor            Kind = "editor"
	KindTerm              Kind = "term"
	KindFields            Kind = "fields"
	KindPath              Kind = "path"
	KindGetLayoutInfo     Kind = "getLayoutInfo"
	KindCaptureScreenshot Kind = "captureScreenshot"
	KindShow              Kind = "show"
	KindHide              Kind = "hide"
	KindSetFilter         Kind = "setFilter"
	KindExit              Kind = "exit"
	KindSubmit            Kind = "submit"
)

// Message is one decoded protocol line. The set of implementations is
// closed; Decode never returns a type outside this file.
type Message interface {
	Kind() Kind
	// RequestID is the correlation id, empty for fire-and-forget messages.
	RequestID() string
	// ExpectsReply reports whether the script waits for a submit.
	ExpectsReply() bool
	isMessage()
}

// Choice is one entry of an arg prompt. On the wire it is either a bare
// string or an object.
type Choice struct {
	Name        string          `json:"name"`
	Value       json.RawMessage `json:"value,omitempty"`
	Description string          `json:"description,omitempty"`
}

func (c *Choice) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		c.Name = s
		c.Value = append(json.RawMessage(nil), data...)
		return nil
	}
	type plain Choice
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*c = Choice(p)
	if len(c.Value) == 0 {
		raw, err := json.Marshal(c.Name)
		if err != nil {
			return err
		}
		c.Value = raw
	}
	return nil
}

type Action struct {
	Name     string          `json:"name"`
	Shortcut string          `json:"shortcut,omitempty"`
	Value    json.RawMessage `json:"value,omitempty"`
}

// Field is one input of a fields form. A bare string names a text field.
type Field struct {
	Name        string `json:"name"`
	Label       string `json:"label,omitempty"`
	Type        string `json:"type,omitempty"`
	Placeholder string `json:"placeholder,omitempty"`
	Value       string `json:"value,omitempty"`
}

func (f *Field) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = Field{Name: s, Label: s, Type: "text"}
		return nil
	}
	type plain Field
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*f = Field(p)
	if f.Label == "" {
		f.Label = f.Name
	}
	if f.Type == "" {
		f.Type = "text"
	}
	return nil
}

type Div struct {
	ID      string          `json:"id"`
	HTML    string          `json:"html"`
	Options json.RawMessage `json:"options,omitempty"`
}

type Arg struct {
	ID          string   `json:"id"`
	Placeholder string   `json:"placeholder"`
	Choices     []Choice `json:"choices,omitempty"`
	Actions     []Action `json:"actions,omitempty"`
}

type Editor struct {
	ID       string   `json:"id"`
	Content  string   `json:"content"`
	Language string   `json:"language"`
	Actions  []Action `json:"actions,omitempty"`
}

type Term struct {
	ID      string `json:"id"`
	Command string `json:"command,omitempty"`
}

type Fields struct {
	ID     string  `json:"id"`
	Fields []Field `json:"fields"`
}

type Path struct {
	ID        string `json:"id"`
	StartPath string `json:"startPath,omitempty"`
}

type GetLayoutInfo struct {
	ID string `json:"id"`
}

type CaptureScreenshot struct {
	ID      string          `json:"id"`
	Options json.RawMessage `json:"options,omitempty"`
}

type Show struct{}

type Hide struct{}

type SetFilter struct {
	Text string `json:"text"`
}

// Exit is sent by a script that wants the host to close its UI.
type Exit struct {
	Code int `json:"code,omitempty"`
}

// Submit is the host's reply to a request. A null Value cancels.
type Submit struct {
	ID    string          `json:"id"`
	Value json.RawMessage `json:"value"`
}

func (Div) Kind() Kind               { return KindDiv }
func (Arg) Kind() Kind               { return KindArg }
func (Editor) Kind() Kind            { return KindEditor }
func (Term) Kind() Kind              { return KindTerm }
func (Fields) Kind() Kind            { return KindFields }
func (Path) Kind() Kind              { return KindPath }
func (GetLayoutInfo) Kind() Kind     { return KindGetLayoutInfo }
func (CaptureScreenshot) Kind() Kind { return KindCaptureScreenshot }
func (Show) Kind() Kind              { return KindShow }
func (Hide) Kind() Kind              { return KindHide }
func (SetFilter) Kind() Kind         { return KindSetFilter }
func (Exit) Kind() Kind              { return KindExit }
func (Submit) Kind() Kind            { return KindSubmit }

func (m Div) RequestID() string               { return m.ID }
func (m Arg) RequestID() string               { return m.ID }
func (m Editor) RequestID() string            { return m.ID }
func (m Term) RequestID() string              { return m.ID }
func (m Fields) RequestID() string            { return m.ID }
func (m Path) RequestID() string              { return m.ID }
func (m GetLayoutInfo) RequestID() string     { return m.ID }
func (m CaptureScreenshot) RequestID() string { return m.ID }
func (Show) RequestID() string                { return "" }
func (Hide) RequestID() string                { return "" }
func (SetFilter) RequestID() string           { return "" }
func (Exit) RequestID() string                { return "" }
func (m Submit) RequestID() string            { return m.ID }

func (Div) ExpectsReply() bool               { return true }
func (Arg) ExpectsReply() bool               { return true }
func (Editor) ExpectsReply() bool            { return true }
func (Term) ExpectsReply() bool              { return true }
func (Fields) ExpectsReply() bool            { return true }
func (Path) ExpectsReply() bool              { return true }
func (GetLayoutInfo) ExpectsReply() bool     { return true }
func (CaptureScreenshot) ExpectsReply() bool { return true }
func (Show) ExpectsReply() bool              { return false }
func (Hide) ExpectsReply() bool              { return false }
func (SetFilter) ExpectsReply() bool         { return false }
func (Exit) ExpectsReply() bool              { return false }
func (Submit) ExpectsReply() bool            { return false }

func (Div) isMessage()               {}
func (Arg) isMessage()               {}
func (Editor) isMessage()            {}
func (Term) isMessage()              {}
func (Fields) isMessage()            {}
func (Path) isMessage()              {}
func (GetLayoutInfo) isMessage()     {}
func (CaptureScreenshot) isMessage() {}
func (Show) isMessage()              {}
func (Hide) isMessage()              {}
func (SetFilter) isMessage()         {}
func (Exit) isMessage()              {}
func (Submit) isMessage()            {}

// IsUIPrompt reports whether the message opens an interactive widget, as
// opposed to a request the host answers without user input.
func IsUIPrompt(m Message) bool {
	switch m.Kind() {
	case KindDiv, KindArg, KindEditor, KindTerm, KindFields, KindPath:
		return true
	}
	return false
}
