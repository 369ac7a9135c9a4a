package artifact

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// tempPrefix marks in-flight atomic writes; listings and watchers skip them.
const tempPrefix = ".devswarm-tmp-"

// FSStore is a Store backed by a directory on disk. Hidden entries (names
// starting with ".") are excluded from listings.
type FSStore struct {
	root string
}

func NewFSStore(root string) (*FSStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve store root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat store root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("store root %s is not a directory", abs)
	}
	return &FSStore{root: abs}, nil
}

func (s *FSStore) Root() string {
	return s.root
}

// Abs maps a store path to its location on disk.
func (s *FSStore) Abs(p string) string {
	return filepath.Join(s.root, filepath.FromSlash(Clean(p)))
}

// Rel maps an absolute disk path back to a store path.
func (s *FSStore) Rel(abs string) (string, bool) {
	rel, err := filepath.Rel(s.root, abs)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

func (s *FSStore) Read(p string) (string, error) {
	if Clean(p) == "" {
		return "", fmt.Errorf("read %q: %w", p, ErrNotFound)
	}
	data, err := os.ReadFile(s.Abs(p))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("read %s: %w", p, ErrNotFound)
		}
		return "", fmt.Errorf("read %s: %w", p, err)
	}
	return string(data), nil
}

func (s *FSStore) Write(p, content string) error {
	clean := Clean(p)
	if clean == "" {
		return fmt.Errorf("write: empty path")
	}
	target := s.Abs(clean)
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("create parent dir for %s: %w", clean, err)
	}
	if err := AtomicWrite(target, []byte(content)); err != nil {
		return fmt.Errorf("write %s: %w", clean, err)
	}
	return nil
}

func (s *FSStore) List() (Snapshot, error) {
	var snap Snapshot
	err := filepath.WalkDir(s.root, func(abs string, d fs.DirEntry, err error) error {
		if err != nil {
			// Entries can vanish between readdir and stat while agents write.
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if abs == s.root {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		rel, ok := s.Rel(abs)
		if !ok {
			return nil
		}
		snap.Entries = append(snap.Entries, Entry{Path: rel, Dir: d.IsDir()})
		return nil
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("walk %s: %w", s.root, err)
	}
	snap.sort()
	return snap, nil
}

// AtomicWrite writes content to a temp file in the target directory, syncs
// it, then renames it over path.
func AtomicWrite(path string, content []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), tempPrefix+"*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("atomic rename: %w", err)
	}
	return nil
}
