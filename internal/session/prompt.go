// Package session tracks the prompts a script is waiting on, keyed by
// correlation id, until each is resolved or cancelled.
package session

import (
	"encoding/json"
	"time"

	"github.com/samiralibabic/scriptd/internal/protocol"
)

type State int

const (
	StatePending State = iota
	StateResolved
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateResolved:
		return "resolved"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Prompt is one outstanding script request. Only the registry mutates it.
type Prompt struct {
	ID        string
	Request   protocol.Message
	CreatedAt time.Time

	state State
	value json.RawMessage
}

func (p *Prompt) State() State {
	return p.state
}

// Value is the resolved reply, nil unless State is StateResolved.
func (p *Prompt) Value() json.RawMessage {
	return p.value
}

func (p *Prompt) finish(state State, value json.RawMessage) bool {
	if p.state != StatePending {
		return false
	}
	p.state = state
	if state == StateResolved {
		if len(value) == 0 {
			value = json.RawMessage("null")
		}
		p.value = append(json.RawMessage(nil), value...)
	}
	return true
}

// Resolution is the terminal outcome of a prompt, ready to be written back
// to the script.
type Resolution struct {
	ID       string
	Kind     protocol.Kind
	State    State
	Value    json.RawMessage
	Duration time.Duration
}

// Reply is the submit line owed to the script. Cancellation replies with
// a null value.
func (r Resolution) Reply() protocol.Submit {
	if r.State == StateCancelled {
		return protocol.Submit{ID: r.ID, Value: json.RawMessage("null")}
	}
	return protocol.Submit{ID: r.ID, Value: r.Value}
}

func resolutionOf(p *Prompt) Resolution {
	return Resolution{
		ID:       p.ID,
		Kind:     p.Request.Kind(),
		State:    p.state,
		Value:    p.value,
		Duration: time.Since(p.CreatedAt),
	}
}
