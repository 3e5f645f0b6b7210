package registry

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestOpenMissingFileIsEmpty(t *testing.T) {
	r, err := Open(filepath.Join(t.TempDir(), "nested", "processes.json"), nil)
	require.NoError(t, err)
	assert.Empty(t, r.Entries())
}

func TestAddRemovePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "processes.json")
	r, err := Open(path, nil)
	require.NoError(t, err)

	started := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, r.Add(Entry{PID: 42, ScriptPath: "/s/a.ts", StartedAt: started}))
	require.NoError(t, r.Add(Entry{PID: 7, ScriptPath: "/s/b.ts", StartedAt: started}))
	require.NoError(t, r.Remove(42))
	require.NoError(t, r.Remove(999))

	reopened, err := Open(path, nil)
	require.NoError(t, err)
	assert.Equal(t, []Entry{{PID: 7, ScriptPath: "/s/b.ts", StartedAt: started, Owner: os.Getpid()}}, reopened.Entries())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"processes"`)
	assert.Contains(t, string(raw), `"script_path": "/s/b.ts"`)

	leftovers, err := filepath.Glob(filepath.Join(filepath.Dir(path), "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestCorruptFileMovedAside(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "processes.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	r, err := Open(path, nil)
	require.NoError(t, err)
	assert.Empty(t, r.Entries())

	aside, err := filepath.Glob(path + ".corrupt-*")
	require.NoError(t, err)
	require.Len(t, aside, 1)
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestInstancesSharingAFileKeepEachOthersEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "processes.json")
	daemon, err := Open(path, nil)
	require.NoError(t, err)
	runner, err := Open(path, nil)
	require.NoError(t, err)

	require.NoError(t, daemon.Add(Entry{PID: 1001, ScriptPath: "/s/daemon.ts"}))
	require.NoError(t, runner.Add(Entry{PID: 2002, ScriptPath: "/s/runner.ts"}))
	require.NoError(t, daemon.Add(Entry{PID: 1003, ScriptPath: "/s/daemon2.ts"}))
	require.NoError(t, runner.Remove(2002))

	reopened, err := Open(path, nil)
	require.NoError(t, err)
	var pids []int
	for _, e := range reopened.Entries() {
		pids = append(pids, e.PID)
		assert.Equal(t, os.Getpid(), e.Owner)
	}
	assert.Equal(t, []int{1001, 1003}, pids)
}

func TestConcurrentAddsAreNotLost(t *testing.T) {
	path := filepath.Join(t.TempDir(), "processes.json")
	var regs []*Registry
	for i := 0; i < 4; i++ {
		r, err := Open(path, nil)
		require.NoError(t, err)
		regs = append(regs, r)
	}

	var wg sync.WaitGroup
	for i, r := range regs {
		wg.Add(1)
		go func(base int, r *Registry) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				assert.NoError(t, r.Add(Entry{PID: base*100 + j + 1}))
			}
		}(i+1, r)
	}
	wg.Wait()
	assert.Len(t, regs[0].Entries(), 40)
}

// fakeProcesses stubs out every process lookup Reconcile makes.
type fakeProcesses struct {
	alive      map[int]error
	started    map[int]time.Time
	terminated []int
}

func (f *fakeProcesses) install(r *Registry) {
	r.signal0 = func(pid int) error {
		if err, ok := f.alive[pid]; ok {
			return err
		}
		return nil
	}
	r.startTime = func(pid int) (time.Time, error) {
		if ts, ok := f.started[pid]; ok {
			return ts, nil
		}
		return time.Time{}, os.ErrNotExist
	}
	r.terminate = func(pid int) error {
		f.terminated = append(f.terminated, pid)
		return nil
	}
}

func TestReconcileDecisions(t *testing.T) {
	r, err := Open(filepath.Join(t.TempDir(), "processes.json"), nil)
	require.NoError(t, err)
	then := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for _, e := range []Entry{
		{PID: 10, ScriptPath: "/s/dead.ts", StartedAt: then},
		{PID: 11, ScriptPath: "/s/foreign.ts", StartedAt: then},
		{PID: 12, ScriptPath: "/s/orphan.ts", StartedAt: then},
		{PID: 13, ScriptPath: "/s/active.ts", StartedAt: then},
		{PID: 14, ScriptPath: "/s/reused.ts", StartedAt: then},
		{PID: 15, ScriptPath: "/s/other-host.ts", StartedAt: then, Owner: 900},
		{PID: 16, ScriptPath: "/s/dead-host.ts", StartedAt: then, Owner: 901},
		{PID: 17, ScriptPath: "/s/untimed.ts"},
	} {
		require.NoError(t, r.Add(e))
	}

	procs := &fakeProcesses{
		alive: map[int]error{10: unix.ESRCH, 11: unix.EPERM, 901: unix.ESRCH},
		started: map[int]time.Time{
			12: then.Add(time.Second),
			13: then,
			14: then.Add(time.Hour),
			15: then,
			16: then,
			17: then,
		},
	}
	procs.install(r)

	report, err := r.Reconcile(context.Background(), func(e Entry) bool { return e.ScriptPath == "/s/active.ts" })
	require.NoError(t, err)

	actions := map[int]Action{}
	for _, o := range report.Outcomes {
		actions[o.Entry.PID] = o.Action
	}
	assert.Equal(t, map[int]Action{
		10: ActionPruned,
		11: ActionKept,
		12: ActionTerminated,
		13: ActionKept,
		14: ActionStale,
		15: ActionKept,
		16: ActionTerminated,
		17: ActionStale,
	}, actions)
	assert.Equal(t, []int{12, 16}, procs.terminated)

	var left []int
	for _, e := range r.Entries() {
		left = append(left, e.PID)
	}
	assert.Equal(t, []int{11, 13, 15}, left)
}

// gone reports whether pid has exited, counting unreaped zombies as gone.
func gone(pid int) bool {
	if errors.Is(unix.Kill(pid, 0), unix.ESRCH) {
		return true
	}
	raw, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return true
	}
	i := bytes.LastIndexByte(raw, ')')
	return i >= 0 && bytes.HasPrefix(bytes.TrimSpace(raw[i+1:]), []byte("Z"))
}

func TestReconcileRealProcesses(t *testing.T) {
	r, err := Open(filepath.Join(t.TempDir(), "processes.json"), nil)
	require.NoError(t, err)

	dead := exec.Command("/bin/sh", "-c", "exit 0")
	require.NoError(t, dead.Run())

	live := exec.Command("/bin/sh", "-c", "sleep 30")
	require.NoError(t, live.Start())
	startedAt := time.Now()
	waited := make(chan error, 1)
	go func() { waited <- live.Wait() }()

	require.NoError(t, r.Add(Entry{PID: dead.Process.Pid, ScriptPath: "/s/dead.ts", StartedAt: startedAt}))
	require.NoError(t, r.Add(Entry{PID: live.Process.Pid, ScriptPath: "/s/orphan.ts", StartedAt: startedAt}))

	report, err := r.Reconcile(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Count(ActionPruned))
	assert.Equal(t, 1, report.Count(ActionTerminated))
	assert.Empty(t, r.Entries())

	select {
	case err := <-waited:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		_ = live.Process.Kill()
		t.Fatal("orphan was not terminated")
	}
}

func TestReconcileLeavesReusedPidAlone(t *testing.T) {
	r, err := Open(filepath.Join(t.TempDir(), "processes.json"), nil)
	require.NoError(t, err)

	bystander := exec.Command("/bin/sh", "-c", "sleep 30")
	require.NoError(t, bystander.Start())
	t.Cleanup(func() {
		_ = bystander.Process.Kill()
		_ = bystander.Wait()
	})

	require.NoError(t, r.Add(Entry{
		PID:        bystander.Process.Pid,
		ScriptPath: "/s/long-gone.ts",
		StartedAt:  time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC),
	}))

	report, err := r.Reconcile(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Count(ActionStale))
	assert.Empty(t, r.Entries())

	time.Sleep(100 * time.Millisecond)
	assert.NoError(t, unix.Kill(bystander.Process.Pid, 0))
}

func TestReconcileTerminatesWholeProcessGroup(t *testing.T) {
	r, err := Open(filepath.Join(t.TempDir(), "processes.json"), nil)
	require.NoError(t, err)

	leader := exec.Command("/bin/sh", "-c", "sleep 30 & echo $!; wait")
	leader.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	stdout, err := leader.StdoutPipe()
	require.NoError(t, err)
	require.NoError(t, leader.Start())
	startedAt := time.Now()
	t.Cleanup(func() {
		_ = unix.Kill(-leader.Process.Pid, unix.SIGKILL)
		_ = leader.Wait()
	})

	line, err := bufio.NewReader(stdout).ReadString('\n')
	require.NoError(t, err)
	child, err := strconv.Atoi(strings.TrimSpace(line))
	require.NoError(t, err)

	require.NoError(t, r.Add(Entry{PID: leader.Process.Pid, ScriptPath: "/s/pipeline.ts", StartedAt: startedAt}))
	report, err := r.Reconcile(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, 1, report.Count(ActionTerminated))

	deadline := time.Now().Add(5 * time.Second)
	for !gone(child) {
		if time.Now().After(deadline) {
			t.Fatalf("child %d of the script survived", child)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestProcessStartTimeOfFreshChild(t *testing.T) {
	cmd := exec.Command("/bin/sh", "-c", "sleep 30")
	require.NoError(t, cmd.Start())
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	})

	started, err := processStartTime(cmd.Process.Pid)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), started, startTimeSlack)

	_, err = processStartTime(1 << 30)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
