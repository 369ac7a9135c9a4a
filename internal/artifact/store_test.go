package artifact

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSnapshot_ImpliesDirectories(t *testing.T) {
	snap := NewSnapshot("docs/prd.md", "./docs/stories/1.1.md", "docs/prd.md")

	assert.Equal(t, []string{"docs/prd.md", "docs/stories/1.1.md"}, snap.Files())
	assert.True(t, snap.HasDir("docs"))
	assert.True(t, snap.HasDir("stories"))
	assert.False(t, snap.HasDir("prd.md"))
}

func TestSnapshot_FindBasePrefersShallowest(t *testing.T) {
	snap := NewSnapshot("a/b/prd.md", "docs/prd.md", "prd.md.bak")

	got, ok := snap.FindBase("prd.md")
	require.True(t, ok)
	assert.Equal(t, "docs/prd.md", got)

	_, ok = snap.FindBase("architecture.md")
	assert.False(t, ok)
}

func TestIsStoryPath(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"stories/1.1.md", true},
		{"docs/stories/epic-1/1.2.md", true},
		{"/docs/stories/3.md", true},
		{"stories/notes.txt", false},
		{"docs/prd.md", false},
		{"storiesx/1.md", false},
		{"", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsStoryPath(tt.path), tt.path)
	}
}

func TestClean(t *testing.T) {
	assert.Equal(t, "a/b.md", Clean("./a/b.md"))
	assert.Equal(t, "a/b.md", Clean("/a/b.md"))
	assert.Equal(t, "b.md", Clean("../../b.md"))
	assert.Equal(t, "a/b.md", Clean(`a\b.md`))
	assert.Equal(t, "", Clean(""))
}

func TestMemStore(t *testing.T) {
	m := NewMemStore(map[string]string{"docs/prd.md": "# PRD"})

	got, err := m.Read("./docs/prd.md")
	require.NoError(t, err)
	assert.Equal(t, "# PRD", got)

	_, err = m.Read("missing.md")
	assert.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, m.Write("stories/1.md", "# One"))
	stories, err := ListStories(m)
	require.NoError(t, err)
	assert.Equal(t, []string{"stories/1.md"}, stories)
	assert.Equal(t, []string{"stories/1.md"}, m.Writes())

	m.Delete("stories/1.md")
	stories, err = ListStories(m)
	require.NoError(t, err)
	assert.Empty(t, stories)
}

func TestFSStore_ReadWriteList(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".devswarm"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".devswarm", "config.yaml"), []byte("x"), 0644))

	s, err := NewFSStore(dir)
	require.NoError(t, err)

	require.NoError(t, s.Write("docs/stories/1.1.md", "# Story 1.1"))
	require.NoError(t, s.Write("docs/prd.md", "# PRD"))
	require.NoError(t, s.Write("docs/prd.md", "# PRD v2"))

	got, err := s.Read("docs/prd.md")
	require.NoError(t, err)
	assert.Equal(t, "# PRD v2", got)

	_, err = s.Read("docs/nope.md")
	assert.ErrorIs(t, err, ErrNotFound)

	snap, err := s.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"docs/prd.md", "docs/stories/1.1.md"}, snap.Files())
	assert.True(t, snap.HasDir("stories"))
	for _, e := range snap.Entries {
		assert.NotContains(t, e.Path, ".devswarm")
	}

	entries, err := os.ReadDir(filepath.Join(dir, "docs"))
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), tempPrefix, "temp file left behind")
	}
}

func TestNewFSStore_RejectsFile(t *testing.T) {
	dir := t.TempDir()
	f := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(f, nil, 0644))

	_, err := NewFSStore(f)
	assert.Error(t, err)

	_, err = NewFSStore(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}
