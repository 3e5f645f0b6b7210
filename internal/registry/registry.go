// Package registry persists the pids of running scripts so that processes
// left behind by a crashed host can be found and cleaned up on the next
// start.
//
// Several hosts may share one file. Every read-modify-write holds an
// exclusive flock on a sidecar lock file and re-reads the document from
// disk, so an instance only ever applies its own delta.
package registry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/samiralibabic/scriptd/internal/logging"
)

type Entry struct {
	PID        int       `json:"pid"`
	ScriptPath string    `json:"script_path"`
	StartedAt  time.Time `json:"started_at"`
	// Owner is the pid of the host that spawned the script.
	Owner int `json:"owner,omitempty"`
}

type document struct {
	Processes []Entry `json:"processes"`
}

type Registry struct {
	path   string
	logger *slog.Logger
	owner  int

	// mu serializes this instance; the flock serializes instances.
	mu sync.Mutex

	signal0   func(pid int) error
	terminate func(pid int) error
	startTime func(pid int) (time.Time, error)
}

// Open prepares the table at path. A missing or empty file is an empty
// table; an unreadable document is moved aside and treated as empty.
func Open(path string, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	r := &Registry{
		path:      path,
		logger:    logger,
		owner:     os.Getpid(),
		signal0:   signal0Process,
		terminate: terminateProcess,
		startTime: processStartTime,
	}
	if err := r.update(func(map[int]Entry) bool { return false }); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) Path() string {
	return r.path
}

// Add records e under this host.
func (r *Registry) Add(e Entry) error {
	if e.Owner == 0 {
		e.Owner = r.owner
	}
	return r.update(func(entries map[int]Entry) bool {
		entries[e.PID] = e
		return true
	})
}

// Remove drops pid. Removing an unknown pid is not an error.
func (r *Registry) Remove(pid int) error {
	return r.update(func(entries map[int]Entry) bool {
		if _, ok := entries[pid]; !ok {
			return false
		}
		delete(entries, pid)
		return true
	})
}

// Entries returns the table ordered by pid, as currently on disk.
func (r *Registry) Entries() []Entry {
	var out []Entry
	err := r.update(func(entries map[int]Entry) bool {
		out = sorted(entries)
		return false
	})
	if err != nil {
		r.logger.Warn("process_registry_read_failed", "path", r.path, "error", err)
	}
	return out
}

// update runs fn on the current on-disk table under both locks and
// writes the table back when fn reports a change.
func (r *Registry) update(fn func(entries map[int]Entry) bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	unlock, err := r.lock()
	if err != nil {
		return err
	}
	defer unlock()

	entries, err := r.read()
	if err != nil {
		return err
	}
	if !fn(entries) {
		return nil
	}
	return r.write(entries)
}

func (r *Registry) lock() (func(), error) {
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return nil, fmt.Errorf("create registry directory: %w", err)
	}
	f, err := os.OpenFile(r.path+".lock", os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open registry lock: %w", err)
	}
	for {
		err = unix.Flock(int(f.Fd()), unix.LOCK_EX)
		if !errors.Is(err, unix.EINTR) {
			break
		}
	}
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("lock process registry: %w", err)
	}
	return func() {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		_ = f.Close()
	}, nil
}

func (r *Registry) read() (map[int]Entry, error) {
	entries := map[int]Entry{}
	raw, err := os.ReadFile(r.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return entries, nil
		}
		return nil, fmt.Errorf("read process registry: %w", err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return entries, nil
	}
	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		aside := fmt.Sprintf("%s.corrupt-%d", r.path, time.Now().Unix())
		r.logger.Warn("process_registry_corrupt", "path", r.path, "moved_to", aside, "error", err)
		if err := os.Rename(r.path, aside); err != nil {
			return nil, fmt.Errorf("move corrupt registry aside: %w", err)
		}
		return entries, nil
	}
	for _, e := range doc.Processes {
		if e.PID > 0 {
			entries[e.PID] = e
		}
	}
	return entries, nil
}

func sorted(entries map[int]Entry) []Entry {
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out
}

func (r *Registry) write(entries map[int]Entry) error {
	raw, err := json.MarshalIndent(document{Processes: sorted(entries)}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal process registry: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(r.path), filepath.Base(r.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp registry: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write temp registry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp registry: %w", err)
	}
	if err := os.Rename(tmpPath, r.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("replace process registry: %w", err)
	}
	return nil
}
