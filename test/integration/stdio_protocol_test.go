package integration

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/samiralibabic/scriptd/internal/rpc"
	"github.com/samiralibabic/scriptd/internal/server"
)

type stdioClient struct {
	t     *testing.T
	conn  net.Conn
	enc   *json.Encoder
	lines chan map[string]any
	held  []map[string]any
}

func startStdio(t *testing.T, svc *server.Service) *stdioClient {
	t.Helper()
	client, srv := net.Pipe()
	t.Cleanup(func() { _ = client.Close() })
	go func() {
		_ = server.RunStdio(context.Background(), svc, srv, srv)
		_ = srv.Close()
	}()

	c := &stdioClient{t: t, conn: client, enc: json.NewEncoder(client), lines: make(chan map[string]any, 64)}
	go func() {
		defer close(c.lines)
		reader := bufio.NewReader(client)
		for {
			raw, err := reader.ReadBytes('\n')
			if err != nil {
				return
			}
			var line map[string]any
			if err := json.Unmarshal(raw, &line); err == nil {
				c.lines <- line
			}
		}
	}()
	return c
}

func (c *stdioClient) call(id int, method string, params any) {
	c.t.Helper()
	if err := c.enc.Encode(map[string]any{"jsonrpc": "2.0", "id": id, "method": method, "params": params}); err != nil {
		c.t.Fatalf("encode %s: %v", method, err)
	}
}

// next returns the first line matching pred. Lines that do not match are
// held for later calls.
func (c *stdioClient) next(pred func(map[string]any) bool) map[string]any {
	c.t.Helper()
	for i, line := range c.held {
		if pred(line) {
			c.held = append(c.held[:i:i], c.held[i+1:]...)
			return line
		}
	}
	timeout := time.After(5 * time.Second)
	for {
		select {
		case line, ok := <-c.lines:
			if !ok {
				c.t.Fatal("stream closed")
			}
			if pred(line) {
				return line
			}
			c.held = append(c.held, line)
		case <-timeout:
			c.t.Fatal("timed out waiting for line")
		}
	}
}

func response(id int) func(map[string]any) bool {
	return func(line map[string]any) bool {
		v, ok := line["id"].(float64)
		return ok && int(v) == id
	}
}

func notification(method string) func(map[string]any) bool {
	return func(line map[string]any) bool {
		return line["method"] == method
	}
}

func TestStdioPromptRoundTrip(t *testing.T) {
	svc, _, tmp := newTestService(t)
	script := writeScript(t, tmp, promptScript)
	c := startStdio(t, svc)

	c.call(1, rpc.MethodScriptRun, map[string]any{"script_path": script})
	msg := c.next(notification(rpc.NotifyPromptMessage))
	params := msg["params"].(map[string]any)
	runID := params["run_id"].(string)
	inner := params["message"].(map[string]any)
	if inner["type"] != "arg" || inner["id"] != "1" {
		t.Fatalf("unexpected prompt message: %+v", inner)
	}

	c.call(2, rpc.MethodPromptSubmit, map[string]any{"run_id": runID, "id": "1", "value": "blue"})
	resp := c.next(response(2))
	if resp["error"] != nil {
		t.Fatalf("prompt.submit failed: %+v", resp["error"])
	}
	if accepted := resp["result"].(map[string]any)["accepted"]; accepted != true {
		t.Fatalf("submit not accepted: %+v", resp)
	}

	exit := c.next(notification(rpc.NotifyScriptExit))
	ev := exit["params"].(map[string]any)
	if ev["run_id"] != runID || ev["state"] != "exited_ok" {
		t.Fatalf("unexpected exit: %+v", ev)
	}
	got := waitForFile(t, filepath.Join(tmp, "out.txt"))
	if got != `{"type":"submit","id":"1","value":"blue"}`+"\n" {
		t.Fatalf("script received %q", got)
	}
}

func TestStdioCancelRepliesNull(t *testing.T) {
	svc, _, tmp := newTestService(t)
	script := writeScript(t, tmp, promptScript)
	c := startStdio(t, svc)

	c.call(1, rpc.MethodScriptRun, map[string]any{"script_path": script})
	runID := c.next(response(1))["result"].(map[string]any)["run_id"].(string)
	c.next(notification(rpc.NotifyPromptMessage))

	c.call(2, rpc.MethodPromptCancel, map[string]any{"run_id": runID, "id": "1"})
	resolved := c.next(notification(rpc.NotifyPromptResolved))
	if state := resolved["params"].(map[string]any)["state"]; state != "cancelled" {
		t.Fatalf("unexpected resolution state %v", state)
	}
	got := waitForFile(t, filepath.Join(tmp, "out.txt"))
	if got != `{"type":"submit","id":"1","value":null}`+"\n" {
		t.Fatalf("script received %q", got)
	}
}

func TestStdioRejectsScriptOutsideRoots(t *testing.T) {
	svc, _, _ := newTestService(t)
	outside := writeScript(t, t.TempDir(), promptScript)
	c := startStdio(t, svc)

	c.call(1, rpc.MethodScriptRun, map[string]any{"script_path": outside})
	resp := c.next(response(1))
	rpcErr, ok := resp["error"].(map[string]any)
	if !ok {
		t.Fatalf("expected error, got %+v", resp)
	}
	if code := int(rpcErr["code"].(float64)); code != rpc.ErrForbiddenPath {
		t.Fatalf("code = %d, want %d", code, rpc.ErrForbiddenPath)
	}
}

func TestStdioKillCancelsPending(t *testing.T) {
	svc, _, tmp := newTestService(t)
	script := writeScript(t, tmp, `echo '{"type":"div","id":"a","html":"x"}'
echo '{"type":"div","id":"b","html":"y"}'
while :; do sleep 0.05; done
`)
	c := startStdio(t, svc)

	c.call(1, rpc.MethodScriptRun, map[string]any{"script_path": script})
	runID := c.next(response(1))["result"].(map[string]any)["run_id"].(string)
	c.next(notification(rpc.NotifyPromptMessage))
	c.next(notification(rpc.NotifyPromptMessage))

	c.call(2, rpc.MethodScriptKill, map[string]any{"run_id": runID})
	c.next(response(2))
	cancelled := 0
	for cancelled < 2 {
		line := c.next(func(l map[string]any) bool {
			return l["method"] == rpc.NotifyPromptResolved || l["method"] == rpc.NotifyScriptExit
		})
		if line["method"] == rpc.NotifyScriptExit {
			t.Fatalf("exit arrived after %d cancellations", cancelled)
		}
		cancelled++
	}
	exit := c.next(notification(rpc.NotifyScriptExit))
	if state := exit["params"].(map[string]any)["state"]; state != "killed" {
		t.Fatalf("state = %v, want killed", state)
	}

	c.call(3, rpc.MethodPromptSubmit, map[string]any{"run_id": runID, "id": "a", "value": 1})
	resp := c.next(response(3))
	rpcErr, ok := resp["error"].(map[string]any)
	if !ok || int(rpcErr["code"].(float64)) != rpc.ErrRunNotFound {
		t.Fatalf("expected run not found, got %+v", resp)
	}
}

func TestStdioPathList(t *testing.T) {
	svc, _, tmp := newTestService(t)
	writeScript(t, tmp, "exit 0\n")
	c := startStdio(t, svc)

	c.call(1, rpc.MethodPathList, map[string]any{"path": tmp})
	resp := c.next(response(1))
	if resp["error"] != nil {
		t.Fatalf("path.list failed: %+v", resp["error"])
	}
	entries := resp["result"].(map[string]any)["entries"].([]any)
	names := map[string]bool{}
	for _, e := range entries {
		names[e.(map[string]any)["name"].(string)] = true
	}
	if !names["prompt.sh"] {
		t.Fatalf("prompt.sh missing from %v", names)
	}
}

func TestStdioUnknownMethod(t *testing.T) {
	svc, _, _ := newTestService(t)
	c := startStdio(t, svc)

	c.call(7, "fs.read", map[string]any{})
	resp := c.next(response(7))
	rpcErr, ok := resp["error"].(map[string]any)
	if !ok || int(rpcErr["code"].(float64)) != rpc.ErrMethodNotFound {
		t.Fatalf("expected method not found, got %+v", resp)
	}
}
