package rpc

import "encoding/json"

const (
	MethodScriptRun    = "script.run"
	MethodScriptList   = "script.list"
	MethodScriptKill   = "script.kill"
	MethodPromptSubmit = "prompt.submit"
	MethodPromptCancel = "prompt.cancel"
	MethodTermInput    = "term.input"
	MethodTermResize   = "term.resize"
	MethodPathList     = "path.list"

	NotifyPromptMessage  = "prompt.message"
	NotifyPromptResolved = "prompt.resolved"
	NotifyTermOutput     = "term.output"
	NotifyScriptExit     = "script.exit"
)

type ScriptRunParams struct {
	ScriptPath string   `json:"script_path"`
	Args       []string `json:"args,omitempty"`
	Cwd        string   `json:"cwd,omitempty"`
}

type ScriptRunResult struct {
	RunID     string `json:"run_id"`
	PID       int    `json:"pid"`
	StartedAt string `json:"started_at"`
}

type ScriptKillParams struct {
	RunID string `json:"run_id"`
}

type PromptSubmitParams struct {
	RunID string          `json:"run_id"`
	ID    string          `json:"id"`
	Value json.RawMessage `json:"value"`
}

type PromptCancelParams struct {
	RunID string `json:"run_id"`
	ID    string `json:"id"`
}

// PromptResult reports whether the prompt was still pending.
type PromptResult struct {
	Accepted bool `json:"accepted"`
}

type TermInputParams struct {
	RunID string `json:"run_id"`
	ID    string `json:"id"`
	Data  string `json:"data"`
}

type TermInputResult struct {
	AcceptedBytes int `json:"accepted_bytes"`
}

type TermResizeParams struct {
	RunID string `json:"run_id"`
	ID    string `json:"id"`
	Cols  uint16 `json:"cols"`
	Rows  uint16 `json:"rows"`
}

type PathListParams struct {
	Path       string `json:"path"`
	MaxEntries int    `json:"max_entries,omitempty"`
}

// PromptMessageEvent carries one script message, re-encoded in its wire
// form.
type PromptMessageEvent struct {
	RunID   string          `json:"run_id"`
	Message json.RawMessage `json:"message"`
}

type PromptResolvedEvent struct {
	RunID string          `json:"run_id"`
	ID    string          `json:"id"`
	State string          `json:"state"`
	Value json.RawMessage `json:"value,omitempty"`
}

type TermOutputEvent struct {
	RunID    string `json:"run_id"`
	ID       string `json:"id"`
	Seq      int64  `json:"seq"`
	Data     string `json:"data"`
	Encoding string `json:"encoding"`
}
