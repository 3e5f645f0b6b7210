// Package fs lists directories for path prompts.
package fs

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

var ErrNotDirectory = errors.New("not a directory")

type Entry struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	Type    string    `json:"type"`
	Size    int64     `json:"size,omitempty"`
	ModTime time.Time `json:"mtime"`
}

type Listing struct {
	Path      string  `json:"path"`
	Parent    string  `json:"parent,omitempty"`
	Entries   []Entry `json:"entries"`
	Truncated bool    `json:"truncated,omitempty"`
}

// Browser lists directories, optionally hiding dotfiles.
type Browser struct {
	ShowHidden bool
	MaxEntries int
}

func NewBrowser(maxEntries int) *Browser {
	return &Browser{MaxEntries: maxEntries}
}

// List returns the entries of dir, directories first, each group sorted
// by name.
func (b *Browser) List(dir string, maxEntries int) (Listing, error) {
	st, err := os.Stat(dir)
	if err != nil {
		return Listing{}, err
	}
	if !st.IsDir() {
		return Listing{}, ErrNotDirectory
	}
	ds, err := os.ReadDir(dir)
	if err != nil {
		return Listing{}, err
	}
	if maxEntries <= 0 || (b.MaxEntries > 0 && maxEntries > b.MaxEntries) {
		maxEntries = b.MaxEntries
	}

	out := Listing{Path: dir, Entries: []Entry{}}
	if parent := filepath.Dir(dir); parent != dir {
		out.Parent = parent
	}
	for _, d := range ds {
		if !b.ShowHidden && strings.HasPrefix(d.Name(), ".") {
			continue
		}
		out.Entries = append(out.Entries, entryOf(filepath.Join(dir, d.Name()), d))
	}
	sort.SliceStable(out.Entries, func(i, j int) bool {
		a, c := out.Entries[i], out.Entries[j]
		if (a.Type == "dir") != (c.Type == "dir") {
			return a.Type == "dir"
		}
		return a.Name < c.Name
	})
	if maxEntries > 0 && len(out.Entries) > maxEntries {
		out.Entries = out.Entries[:maxEntries]
		out.Truncated = true
	}
	return out, nil
}

func entryOf(path string, d fs.DirEntry) Entry {
	e := Entry{Name: d.Name(), Path: path, Type: kindOf(d.Type())}
	if info, err := d.Info(); err == nil {
		e.ModTime = info.ModTime().UTC()
		if e.Type == "file" {
			e.Size = info.Size()
		}
	}
	return e
}

func kindOf(mode fs.FileMode) string {
	switch {
	case mode&os.ModeSymlink != 0:
		return "symlink"
	case mode.IsDir():
		return "dir"
	case mode.IsRegular():
		return "file"
	}
	return "other"
}
