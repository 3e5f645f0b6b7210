package registry

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
)

// Action is what Reconcile did with one entry.
type Action string

const (
	// ActionPruned: the process no longer exists.
	ActionPruned Action = "pruned"
	// ActionStale: the pid now belongs to a different process. Pruned
	// without a signal.
	ActionStale Action = "stale"
	// ActionTerminated: a live orphan was sent SIGTERM and pruned.
	ActionTerminated Action = "terminated"
	// ActionKept: the entry is active, belongs to another live host, or
	// the pid cannot be signalled or verified.
	ActionKept Action = "kept"
)

// startTimeSlack bounds the difference between the recorded start time
// and the one the kernel reports for the same process.
const startTimeSlack = 5 * time.Second

type Outcome struct {
	Entry  Entry
	Action Action
	Err    error
}

type Report struct {
	Outcomes []Outcome
}

func (r Report) Count(a Action) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Action == a {
			n++
		}
	}
	return n
}

// Reconcile checks every recorded pid. Dead processes are pruned without
// being signalled. A live pid is only terminated when isActive does not
// claim it, its host is gone, and its start time matches the record;
// a mismatch means the pid was reused and the entry is pruned as stale.
func (r *Registry) Reconcile(ctx context.Context, isActive func(Entry) bool) (Report, error) {
	var report Report
	var ctxErr error
	err := r.update(func(entries map[int]Entry) bool {
		changed := false
		for _, e := range sorted(entries) {
			if ctxErr = ctx.Err(); ctxErr != nil {
				break
			}
			out := r.decide(e, isActive)
			if out.Action != ActionKept {
				delete(entries, e.PID)
				changed = true
			}
			attrs := []any{"pid", e.PID, "script", e.ScriptPath, "action", string(out.Action)}
			if out.Err != nil {
				attrs = append(attrs, "error", out.Err)
			}
			r.logger.Info("orphan_reconciled", attrs...)
			report.Outcomes = append(report.Outcomes, out)
		}
		return changed
	})
	if ctxErr != nil {
		return report, ctxErr
	}
	return report, err
}

func (r *Registry) decide(e Entry, isActive func(Entry) bool) Outcome {
	out := Outcome{Entry: e, Action: ActionKept}
	err := r.signal0(e.PID)
	switch {
	case errors.Is(err, unix.ESRCH):
		out.Action = ActionPruned
		return out
	case errors.Is(err, unix.EPERM):
		return out
	case err != nil:
		out.Err = err
		return out
	}
	if isActive != nil && isActive(e) {
		return out
	}
	if e.Owner != 0 && e.Owner != r.owner && r.alive(e.Owner) {
		return out
	}
	if e.StartedAt.IsZero() {
		out.Action = ActionStale
		return out
	}
	started, err := r.startTime(e.PID)
	switch {
	case errors.Is(err, os.ErrNotExist):
		out.Action = ActionPruned
		return out
	case err != nil:
		out.Err = err
		return out
	}
	if d := started.Sub(e.StartedAt); d > startTimeSlack || d < -startTimeSlack {
		out.Action = ActionStale
		return out
	}
	out.Action = ActionTerminated
	if terr := r.terminate(e.PID); terr != nil && !errors.Is(terr, unix.ESRCH) {
		out.Err = terr
	}
	return out
}

func (r *Registry) alive(pid int) bool {
	err := r.signal0(pid)
	return err == nil || errors.Is(err, unix.EPERM)
}

func signal0Process(pid int) error {
	return unix.Kill(pid, 0)
}

// terminateProcess signals the group the script leads, or the pid alone
// when it leads none.
func terminateProcess(pid int) error {
	err := unix.Kill(-pid, unix.SIGTERM)
	if errors.Is(err, unix.ESRCH) {
		err = unix.Kill(pid, unix.SIGTERM)
	}
	return err
}

// processStartTime reads when pid started from /proc.
func processStartTime(pid int) (time.Time, error) {
	proc, err := procfs.NewProc(pid)
	if err != nil {
		return time.Time{}, err
	}
	stat, err := proc.Stat()
	if err != nil {
		return time.Time{}, err
	}
	secs, err := stat.StartTime()
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, int64(secs*float64(time.Second))), nil
}
