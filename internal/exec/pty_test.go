package exec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newShRunner(max int) *TermRunner {
	r := NewTermRunner(max, nil)
	r.Shell = "/bin/sh"
	return r
}

func waitTerm(t *testing.T, ts *TermSession) TermResult {
	t.Helper()
	select {
	case <-ts.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("terminal did not finish")
	}
	return ts.Result()
}

func TestTermCapturesOutput(t *testing.T) {
	var mu sync.Mutex
	var streamed []byte
	ts, err := newShRunner(0).Start(context.Background(), "t1", "printf hello", "", 80, 24, func(b []byte) {
		mu.Lock()
		streamed = append(streamed, b...)
		mu.Unlock()
	})
	require.NoError(t, err)

	res := waitTerm(t, ts)
	assert.Equal(t, 0, res.ExitCode)
	assert.Contains(t, res.Output, "hello")
	assert.False(t, res.Truncated)
	mu.Lock()
	assert.Contains(t, string(streamed), "hello")
	mu.Unlock()
}

func TestTermCaptureIsBounded(t *testing.T) {
	ts, err := newShRunner(4).Start(context.Background(), "t2", "printf abcdefgh; exit 2", "", 0, 0, nil)
	require.NoError(t, err)
	res := waitTerm(t, ts)
	assert.Equal(t, 2, res.ExitCode)
	assert.Len(t, res.Output, 4)
	assert.True(t, res.Truncated)
}

func TestTermCloseKills(t *testing.T) {
	ts, err := newShRunner(0).Start(context.Background(), "t3", "sleep 30", "", 0, 0, nil)
	require.NoError(t, err)
	require.NoError(t, ts.Resize(100, 40))
	require.NoError(t, ts.Close())
	require.NoError(t, ts.Close())
	res := waitTerm(t, ts)
	assert.NotEqual(t, 0, res.ExitCode)

	_, err = ts.Input("x")
	assert.ErrorIs(t, err, ErrProcessExited)
}

// exited reports whether pid is gone, counting unreaped zombies as gone.
func exited(pid int) bool {
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

func TestTermCloseKillsBackgroundJobs(t *testing.T) {
	var mu sync.Mutex
	var out bytes.Buffer
	ts, err := newShRunner(0).Start(context.Background(), "t4", "sleep 30 & echo child:$!; wait", "", 0, 0, func(b []byte) {
		mu.Lock()
		out.Write(b)
		mu.Unlock()
	})
	require.NoError(t, err)

	childRe := regexp.MustCompile(`child:(\d+)\s`)
	var child int
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		m := childRe.FindSubmatch(out.Bytes())
		if m == nil {
			return false
		}
		child, _ = strconv.Atoi(string(m[1]))
		return true
	}, 5*time.Second, 10*time.Millisecond)
	t.Cleanup(func() { _ = unix.Kill(child, unix.SIGKILL) })

	require.NoError(t, ts.Close())
	assert.Eventually(t, func() bool { return exited(child) }, time.Second, 10*time.Millisecond)
	waitTerm(t, ts)
}
