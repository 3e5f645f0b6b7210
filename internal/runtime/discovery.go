// Package runtime locates the executable that runs scripts and builds the
// command line used to launch one.
package runtime

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/samiralibabic/scriptd/internal/config"
)

// EnvRuntime overrides discovery with an explicit executable path.
const EnvRuntime = "SCRIPTD_RUNTIME"

var ErrRuntimeNotFound = errors.New("runtime not found")

// NotFoundError lists every location that was tried.
type NotFoundError struct {
	Name  string
	Tried []string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("runtime %q not found (tried %s)", e.Name, strings.Join(e.Tried, ", "))
}

func (e *NotFoundError) Unwrap() error { return ErrRuntimeNotFound }

// Discovery produces the ordered candidate list for a runtime.
type Discovery func() []string

// DefaultSearchDirs are the common installation directories checked after
// the preload SDK location.
func DefaultSearchDirs() []string {
	dirs := []string{}
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, ".bun", "bin"), filepath.Join(home, ".kit", "bin"))
	}
	return append(dirs, "/opt/homebrew/bin", "/usr/local/bin", "/usr/bin")
}

// Candidates returns, in order: the $SCRIPTD_RUNTIME override, the runtime
// bundled next to the preload SDK, each search dir, and finally the match
// on the inherited PATH. A name containing a path separator is used as is.
func Candidates(cfg config.RuntimeConfig) []string {
	name := cfg.Name
	if name == "" {
		name = "bun"
	}
	if strings.ContainsRune(name, filepath.Separator) {
		return []string{name}
	}

	var out []string
	seen := map[string]bool{}
	add := func(p string) {
		if p == "" || seen[p] {
			return
		}
		seen[p] = true
		out = append(out, p)
	}

	add(os.Getenv(EnvRuntime))
	if cfg.PreloadSDK != "" {
		sdkDir := filepath.Dir(cfg.PreloadSDK)
		add(filepath.Join(sdkDir, "bin", name))
		add(filepath.Join(filepath.Dir(sdkDir), "bin", name))
	}
	dirs := cfg.SearchDirs
	if len(dirs) == 0 {
		dirs = DefaultSearchDirs()
	}
	for _, dir := range dirs {
		add(filepath.Join(dir, name))
	}
	if p, err := exec.LookPath(name); err == nil {
		add(p)
	}
	return out
}

// Resolve returns the first candidate that is an executable regular file.
func Resolve(name string, candidates []string) (string, error) {
	for _, c := range candidates {
		st, err := os.Stat(c)
		if err != nil || !st.Mode().IsRegular() {
			continue
		}
		if st.Mode().Perm()&0o111 == 0 {
			continue
		}
		return c, nil
	}
	return "", &NotFoundError{Name: name, Tried: candidates}
}

// Argv builds the full command line for running script with runtime.
func Argv(runtime string, cfg config.RuntimeConfig, script string, scriptArgs []string) []string {
	argv := []string{runtime}
	argv = append(argv, cfg.Args...)
	if cfg.PreloadSDK != "" {
		argv = append(argv, "--preload", cfg.PreloadSDK)
	}
	argv = append(argv, script)
	return append(argv, scriptArgs...)
}
