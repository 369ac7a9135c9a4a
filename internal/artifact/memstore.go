package artifact

import (
	"fmt"
	"sync"
)

// MemStore is an in-memory Store. It is safe for concurrent use.
type MemStore struct {
	mu     sync.RWMutex
	files  map[string]string
	writes []string
}

func NewMemStore(files map[string]string) *MemStore {
	m := &MemStore{files: make(map[string]string)}
	for p, c := range files {
		m.files[Clean(p)] = c
	}
	return m
}

func (m *MemStore) Read(p string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.files[Clean(p)]
	if !ok {
		return "", fmt.Errorf("read %s: %w", p, ErrNotFound)
	}
	return c, nil
}

func (m *MemStore) Write(p, content string) error {
	clean := Clean(p)
	if clean == "" {
		return fmt.Errorf("write: empty path")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[clean] = content
	m.writes = append(m.writes, clean)
	return nil
}

func (m *MemStore) Delete(p string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, Clean(p))
}

func (m *MemStore) List() (Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	paths := make([]string, 0, len(m.files))
	for p := range m.files {
		paths = append(paths, p)
	}
	return NewSnapshot(paths...), nil
}

// Writes returns every path written so far, in write order.
func (m *MemStore) Writes() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.writes))
	copy(out, m.writes)
	return out
}
