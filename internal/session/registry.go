package session

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/samiralibabic/scriptd/internal/logging"
	"github.com/samiralibabic/scriptd/internal/protocol"
)

var (
	ErrDuplicateID = errors.New("duplicate prompt id")
	ErrNoReply     = errors.New("message does not expect a reply")
	ErrClosed      = errors.New("session registry drained")
)

// Registry holds the pending prompts of one script process.
type Registry struct {
	mu      sync.Mutex
	prompts map[string]*Prompt
	closed  bool
	logger  *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Registry{
		prompts: map[string]*Prompt{},
		logger:  logger,
	}
}

// Register opens a pending prompt for req. An id that is still pending is
// rejected without touching the existing prompt.
func (r *Registry) Register(req protocol.Message) (*Prompt, error) {
	if !req.ExpectsReply() {
		return nil, ErrNoReply
	}
	id := req.RequestID()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if _, ok := r.prompts[id]; ok {
		return nil, ErrDuplicateID
	}
	p := &Prompt{ID: id, Request: req, CreatedAt: time.Now()}
	r.prompts[id] = p
	return p, nil
}

// Resolve finishes a pending prompt with value. Unknown or finished ids
// are ignored.
func (r *Registry) Resolve(id string, value json.RawMessage) (Resolution, bool) {
	return r.finish(id, StateResolved, value)
}

// Cancel finishes a pending prompt with no value.
func (r *Registry) Cancel(id string) (Resolution, bool) {
	return r.finish(id, StateCancelled, nil)
}

func (r *Registry) finish(id string, state State, value json.RawMessage) (Resolution, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.prompts[id]
	if !ok || !p.finish(state, value) {
		r.logger.Warn("prompt_not_pending", "prompt_id", id, "action", state.String())
		return Resolution{}, false
	}
	delete(r.prompts, id)
	return resolutionOf(p), true
}

// CancelWhere cancels every pending prompt for which match returns true.
func (r *Registry) CancelWhere(match func(*Prompt) bool) []Resolution {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Resolution
	for _, id := range r.sortedIDs() {
		p := r.prompts[id]
		if !match(p) {
			continue
		}
		p.finish(StateCancelled, nil)
		delete(r.prompts, id)
		out = append(out, resolutionOf(p))
	}
	return out
}

// DrainOnExit cancels every pending prompt exactly once and closes the
// registry to new prompts.
func (r *Registry) DrainOnExit() []Resolution {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	out := make([]Resolution, 0, len(r.prompts))
	for _, id := range r.sortedIDs() {
		p := r.prompts[id]
		p.finish(StateCancelled, nil)
		out = append(out, resolutionOf(p))
	}
	r.prompts = map[string]*Prompt{}
	return out
}

func (r *Registry) Get(id string) (*Prompt, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.prompts[id]
	return p, ok
}

// Pending returns the pending ids in creation order.
func (r *Registry) Pending() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sortedIDs()
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.prompts)
}

func (r *Registry) sortedIDs() []string {
	ids := make([]string, 0, len(r.prompts))
	for id := range r.prompts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := r.prompts[ids[i]], r.prompts[ids[j]]
		if a.CreatedAt.Equal(b.CreatedAt) {
			return ids[i] < ids[j]
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	return ids
}
