package integration

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/samiralibabic/scriptd/internal/config"
	"github.com/samiralibabic/scriptd/internal/server"
)

// promptScript asks one arg question and writes the reply to out.txt next
// to itself.
const promptScript = `dir=$(dirname "$0")
echo '{"type":"arg","id":"1","placeholder":"Color","choices":["red","blue"]}'
read -r reply
printf '%s\n' "$reply" > "$dir/out.txt"
`

func newTestService(t *testing.T) (*server.Service, config.Config, string) {
	t.Helper()
	tmp := t.TempDir()
	cfg := config.Default()
	cfg.Security.AllowedRoot = []config.AllowedRoot{{Path: tmp}}
	cfg.Runtime = config.RuntimeConfig{Name: "/bin/sh"}
	cfg.Registry.Path = filepath.Join(tmp, "state", "processes.json")
	cfg.Limits.KillGraceMs = 300
	svc, err := server.NewService(cfg, server.ServiceOptions{})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})
	return svc, cfg, tmp
}

func writeScript(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "prompt.sh")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func waitForFile(t *testing.T, path string) string {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		raw, err := os.ReadFile(path)
		if err == nil && len(raw) > 0 {
			return string(raw)
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", path)
	return ""
}
