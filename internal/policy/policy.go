// Package policy confines the scripts and paths the control API may touch
// to a set of allowed roots.
package policy

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var (
	ErrForbiddenPath = errors.New("path is outside allowed roots")
	ErrNotScript     = errors.New("script is not a regular file")
)

type Engine struct {
	allowedRoots []string
}

func New(allowedRoots []string) (*Engine, error) {
	norm := make([]string, 0, len(allowedRoots))
	for _, root := range allowedRoots {
		abs, err := filepath.Abs(root)
		if err != nil {
			return nil, err
		}
		if resolved, err := filepath.EvalSymlinks(abs); err == nil {
			abs = resolved
		}
		norm = append(norm, filepath.Clean(abs))
	}
	return &Engine{allowedRoots: norm}, nil
}

func (e *Engine) AllowedRoots() []string {
	cp := make([]string, len(e.allowedRoots))
	copy(cp, e.allowedRoots)
	return cp
}

// ResolvePath makes p absolute against cwd and checks it lies inside an
// allowed root. With no cwd the first root is used.
func (e *Engine) ResolvePath(cwd, p string) (string, error) {
	candidate := p
	if !filepath.IsAbs(candidate) {
		if cwd == "" && len(e.allowedRoots) > 0 {
			cwd = e.allowedRoots[0]
		}
		candidate = filepath.Join(cwd, candidate)
	}
	abs, err := filepath.Abs(candidate)
	if err != nil {
		return "", err
	}
	cleaned := filepath.Clean(abs)
	if !e.IsAllowed(cleaned) {
		return "", ErrForbiddenPath
	}
	return cleaned, nil
}

// ResolveScript is ResolvePath for an existing script file. Symlinks are
// followed and the target must also be allowed.
func (e *Engine) ResolveScript(cwd, p string) (string, error) {
	path, err := e.ResolvePath(cwd, p)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return "", fmt.Errorf("resolve script: %w", err)
	}
	if !e.IsAllowed(resolved) {
		return "", ErrForbiddenPath
	}
	st, err := os.Stat(resolved)
	if err != nil {
		return "", err
	}
	if !st.Mode().IsRegular() {
		return "", ErrNotScript
	}
	return resolved, nil
}

func (e *Engine) IsAllowed(path string) bool {
	if len(e.allowedRoots) == 0 {
		return false
	}
	cleaned := filepath.Clean(path)
	for _, root := range e.allowedRoots {
		if cleaned == root {
			return true
		}
		if strings.HasPrefix(cleaned, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
