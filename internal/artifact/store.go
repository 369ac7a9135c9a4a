// Package artifact is the boundary to the project file tree: read, write and
// list operations, immutable snapshots, and change notifications.
package artifact

import (
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// ErrNotFound is returned by Read when the path does not exist.
var ErrNotFound = errors.New("artifact not found")

// Store is the artifact store consumed by the director, watcher and engine.
// Paths are slash-separated and relative to the store root.
type Store interface {
	Read(p string) (string, error)
	Write(p, content string) error
	List() (Snapshot, error)
}

// StoryPattern matches story markdown files anywhere under a stories/ directory.
const StoryPattern = "**/stories/**/*.md"

// Entry is one node of a flattened file tree.
type Entry struct {
	Path string `json:"path"`
	Dir  bool   `json:"dir,omitempty"`
}

// Snapshot is an immutable view of the file tree at one instant.
type Snapshot struct {
	Entries []Entry `json:"entries"`
}

// NewSnapshot builds a snapshot from file paths, adding the implied parent
// directories.
func NewSnapshot(files ...string) Snapshot {
	seen := make(map[string]bool)
	var entries []Entry
	for _, f := range files {
		f = Clean(f)
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		entries = append(entries, Entry{Path: f})
		for dir := path.Dir(f); dir != "." && dir != "/" && !seen[dir+"/"]; dir = path.Dir(dir) {
			seen[dir+"/"] = true
			entries = append(entries, Entry{Path: dir, Dir: true})
		}
	}
	s := Snapshot{Entries: entries}
	s.sort()
	return s
}

func (s *Snapshot) sort() {
	sort.Slice(s.Entries, func(i, j int) bool {
		if s.Entries[i].Path != s.Entries[j].Path {
			return s.Entries[i].Path < s.Entries[j].Path
		}
		return s.Entries[i].Dir && !s.Entries[j].Dir
	})
}

// Files returns the file (non-directory) paths in the snapshot.
func (s Snapshot) Files() []string {
	var out []string
	for _, e := range s.Entries {
		if !e.Dir {
			out = append(out, e.Path)
		}
	}
	return out
}

// FindBase returns the shallowest file whose base name equals name.
func (s Snapshot) FindBase(name string) (string, bool) {
	best := ""
	for _, e := range s.Entries {
		if e.Dir || path.Base(e.Path) != name {
			continue
		}
		if best == "" || depth(e.Path) < depth(best) || (depth(e.Path) == depth(best) && e.Path < best) {
			best = e.Path
		}
	}
	return best, best != ""
}

// HasDir reports whether a directory named name exists anywhere in the tree,
// either listed explicitly or implied by a file beneath it.
func (s Snapshot) HasDir(name string) bool {
	for _, e := range s.Entries {
		parts := strings.Split(e.Path, "/")
		if !e.Dir {
			parts = parts[:len(parts)-1]
		}
		for _, part := range parts {
			if part == name {
				return true
			}
		}
	}
	return false
}

// Stories returns the story files in the snapshot, sorted.
func (s Snapshot) Stories() []string {
	var out []string
	for _, f := range s.Files() {
		if IsStoryPath(f) {
			out = append(out, f)
		}
	}
	sort.Strings(out)
	return out
}

// IsStoryPath reports whether p names a story markdown file.
func IsStoryPath(p string) bool {
	ok, err := doublestar.Match(StoryPattern, Clean(p))
	return err == nil && ok
}

// ListStories enumerates story paths through the store.
func ListStories(store Store) ([]string, error) {
	snap, err := store.List()
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	return snap.Stories(), nil
}

// Clean normalises a store path to slash form without a leading "./" or "/".
func Clean(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	p = path.Clean("/" + p)
	return strings.TrimPrefix(p, "/")
}

func depth(p string) int {
	return strings.Count(p, "/")
}
