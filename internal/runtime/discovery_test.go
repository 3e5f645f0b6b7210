package runtime

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samiralibabic/scriptd/internal/config"
)

func writeExec(t *testing.T, path string, mode os.FileMode) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"), mode))
}

func TestCandidatesOrder(t *testing.T) {
	t.Setenv(EnvRuntime, "/override/bun")
	t.Setenv("PATH", "")
	cfg := config.RuntimeConfig{
		Name:       "bun",
		PreloadSDK: "/kit/sdk/preload.js",
		SearchDirs: []string{"/a", "/b"},
	}
	got := Candidates(cfg)
	assert.Equal(t, []string{
		"/override/bun",
		"/kit/sdk/bin/bun",
		"/kit/bin/bun",
		"/a/bun",
		"/b/bun",
	}, got)
}

func TestCandidatesIncludesPATH(t *testing.T) {
	dir := t.TempDir()
	writeExec(t, filepath.Join(dir, "kitrt"), 0o755)
	t.Setenv(EnvRuntime, "")
	t.Setenv("PATH", dir)

	got := Candidates(config.RuntimeConfig{Name: "kitrt", SearchDirs: []string{"/nowhere"}})
	assert.Equal(t, []string{"/nowhere/kitrt", filepath.Join(dir, "kitrt")}, got)
}

func TestResolvePicksFirstExecutable(t *testing.T) {
	dir := t.TempDir()
	notExec := filepath.Join(dir, "one", "bun")
	good := filepath.Join(dir, "two", "bun")
	writeExec(t, notExec, 0o644)
	writeExec(t, good, 0o755)

	got, err := Resolve("bun", []string{filepath.Join(dir, "missing"), dir, notExec, good})
	require.NoError(t, err)
	assert.Equal(t, good, got)
}

func TestResolveNotFound(t *testing.T) {
	_, err := Resolve("bun", []string{"/nope/bun"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRuntimeNotFound))
	var nf *NotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, []string{"/nope/bun"}, nf.Tried)
	assert.Contains(t, err.Error(), "/nope/bun")
}

func TestArgv(t *testing.T) {
	cfg := config.RuntimeConfig{Args: []string{"run"}, PreloadSDK: "/kit/preload.js"}
	assert.Equal(t,
		[]string{"/bin/bun", "run", "--preload", "/kit/preload.js", "/s/hello.ts", "x"},
		Argv("/bin/bun", cfg, "/s/hello.ts", []string{"x"}))
	assert.Equal(t, []string{"/bin/sh", "/s/a.sh"}, Argv("/bin/sh", config.RuntimeConfig{}, "/s/a.sh", nil))
}
